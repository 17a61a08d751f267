package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Login     LoginConfig     `json:"login"`
	Checkin   CheckinConfig   `json:"checkin"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  NotifierConfig  `json:"notifier"`
	Browser   BrowserConfig   `json:"browser"`
}

type TelegramConfig struct {
	Token        string  `json:"token" env:"APPARITION_TELEGRAM_TOKEN"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level" env:"APPARITION_LOG_LEVEL"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig points at the sqlite database file.
//
//	"storage": { "path": "./data/apparition.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path" env:"APPARITION_DB_PATH"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// LoginConfig tunes the QR login handshake.
//
// Defaults: timeout "300s", poll_interval "1s", required_tokens
// [wps_sid, rtk, kso_sid], uid_token "uid", retain_terminal "10m".
type LoginConfig struct {
	Timeout        string   `json:"timeout,omitempty"`
	PollInterval   string   `json:"poll_interval,omitempty"`
	RequiredTokens []string `json:"required_tokens,omitempty"`
	UIDToken       string   `json:"uid_token,omitempty"`
	RetainTerminal string   `json:"retain_terminal,omitempty"`
}

// CheckinConfig tunes single and batch runs.
//
// max_retries is a pointer so an explicit 0 (no retries) differs from omitted (2).
type CheckinConfig struct {
	TargetURL      string            `json:"target_url" env:"APPARITION_TARGET_URL"`
	MaxRetries     *int              `json:"max_retries,omitempty"`
	RetryDelay     string            `json:"retry_delay,omitempty"`
	AccountDelay   string            `json:"account_delay,omitempty"`
	AttemptTimeout string            `json:"attempt_timeout,omitempty"`
	DefaultDomain  string            `json:"default_domain,omitempty"`
	DomainAliases  map[string]string `json:"domain_aliases,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name, e.g. "Asia/Shanghai". Empty means Local.
	Timezone string `json:"timezone,omitempty"`
	// AccountOverrides installs per-account triggers for accounts with their own time.
	AccountOverrides bool `json:"account_overrides,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// Enabled defaults to true when omitted.
type NotifierConfig struct {
	Enabled       *bool            `json:"enabled,omitempty"`
	Workers       int              `json:"workers"`
	QueueSize     int              `json:"queue_size"`
	RatePerSec    int              `json:"rate_per_sec"`
	RetryMax      int              `json:"retry_max"`
	RetryBase     string           `json:"retry_base"`
	RetryMaxDelay string           `json:"retry_max_delay"`
	ServerChan    ServerChanConfig `json:"serverchan"`
	Mail          MailConfig       `json:"mail"`
}

type ServerChanConfig struct {
	BaseURL string `json:"base_url,omitempty"`
}

type MailConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty" env:"APPARITION_SMTP_PASSWORD"`
	From     string `json:"from,omitempty"`
}

type BrowserConfig struct {
	Headless  *bool  `json:"headless,omitempty"`
	ExecPath  string `json:"exec_path,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	LoginURL  string `json:"login_url,omitempty"`
	Locale    string `json:"locale,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

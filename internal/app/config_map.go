package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mathew-Carl/Apparition/internal/browser"
	"github.com/Mathew-Carl/Apparition/internal/checkin"
	"github.com/Mathew-Carl/Apparition/internal/config"
	"github.com/Mathew-Carl/Apparition/internal/domain"
	"github.com/Mathew-Carl/Apparition/internal/login"
	"github.com/Mathew-Carl/Apparition/internal/notifier"
	"github.com/Mathew-Carl/Apparition/internal/notifier/mail"
	"github.com/Mathew-Carl/Apparition/internal/schedule"
	"github.com/Mathew-Carl/Apparition/internal/storage"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

const defaultDBPath = "./data/apparition.db"

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget parses telegram.group_log; 0 means no target.
func logTarget(cfg *config.Config) int64 {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = defaultDBPath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

type loginSettings struct {
	registry     login.RegistryOptions
	browser      browser.LoginOptions
	pollInterval time.Duration
}

func mapLogin(cfg *config.Config) (loginSettings, error) {
	lc := cfg.Login
	def := login.DefaultOptions()

	timeout, err := config.ParseDurationOrDefault("login.timeout", lc.Timeout, def.Timeout)
	if err != nil {
		return loginSettings{}, err
	}
	poll, err := config.ParseDurationOrDefault("login.poll_interval", lc.PollInterval, time.Second)
	if err != nil {
		return loginSettings{}, err
	}
	retain, err := config.ParseDurationOrDefault("login.retain_terminal", lc.RetainTerminal, 10*time.Minute)
	if err != nil {
		return loginSettings{}, err
	}
	required := def.RequiredTokens
	if len(lc.RequiredTokens) > 0 {
		required = lc.RequiredTokens
	}
	uid := def.UIDToken
	if strings.TrimSpace(lc.UIDToken) != "" {
		uid = strings.TrimSpace(lc.UIDToken)
	}

	return loginSettings{
		registry: login.RegistryOptions{
			Session:        login.Options{Timeout: timeout, RequiredTokens: required, UIDToken: uid},
			RetainTerminal: retain,
		},
		browser:      browser.LoginOptions{RequiredTokens: required, UIDToken: uid, PollInterval: poll},
		pollInterval: poll,
	}, nil
}

func mapCheckin(cfg *config.Config) (checkin.Options, error) {
	cc := cfg.Checkin
	opts := checkin.DefaultOptions()
	opts.TargetURL = strings.TrimSpace(cc.TargetURL)

	if cc.MaxRetries != nil {
		if *cc.MaxRetries < 0 {
			return checkin.Options{}, fmt.Errorf("checkin.max_retries must be >= 0")
		}
		opts.MaxRetries = *cc.MaxRetries
	}
	var err error
	if opts.RetryDelay, err = config.ParseDurationOrDefault("checkin.retry_delay", cc.RetryDelay, opts.RetryDelay); err != nil {
		return checkin.Options{}, err
	}
	if opts.AccountDelay, err = config.ParseDurationOrDefault("checkin.account_delay", cc.AccountDelay, opts.AccountDelay); err != nil {
		return checkin.Options{}, err
	}
	if opts.AttemptTimeout, err = config.ParseDurationOrDefault("checkin.attempt_timeout", cc.AttemptTimeout, opts.AttemptTimeout); err != nil {
		return checkin.Options{}, err
	}

	rules := domain.DefaultCredentialRules()
	if d := strings.TrimSpace(cc.DefaultDomain); d != "" {
		rules.DefaultDomain = d
	}
	if cc.DomainAliases != nil {
		rules.Aliases = cc.DomainAliases
	}
	opts.Rules = rules
	// accounts with their own trigger run there, not in the shared batch
	opts.SkipOverrides = cfg.Scheduler.AccountOverrides
	return opts, nil
}

func mapScheduler(cfg *config.Config) (schedule.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return schedule.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return schedule.Config{
		Enabled:          cfg.Scheduler.Enabled,
		Timezone:         tz,
		AccountOverrides: cfg.Scheduler.AccountOverrides,
	}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	enabled := true
	if nc.Enabled != nil {
		enabled = *nc.Enabled
	}
	return notifier.Config{
		Enabled:       enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapMail(cfg *config.Config) mail.Config {
	m := cfg.Notifier.Mail
	return mail.Config{Host: m.Host, Port: m.Port, Username: m.Username, Password: m.Password, From: m.From}
}

func mapBrowser(cfg *config.Config) browser.Config {
	bc := cfg.Browser
	headless := true
	if bc.Headless != nil {
		headless = *bc.Headless
	}
	return browser.Config{
		Headless:  headless,
		ExecPath:  bc.ExecPath,
		UserAgent: bc.UserAgent,
		LoginURL:  bc.LoginURL,
		Locale:    bc.Locale,
		Timezone:  bc.Timezone,
	}
}

// validateConfig rejects a config before it is committed, on load and on
// every hot reload.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if raw := strings.TrimSpace(cfg.Telegram.GroupLog); raw != "" {
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("telegram.group_log: invalid chat id %q", raw)
		}
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapLogin(cfg); err != nil {
		return err
	}
	if _, err := mapCheckin(cfg); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if p := cfg.Notifier.Mail.Port; p < 0 || p > 65535 {
		return fmt.Errorf("notifier.mail.port: out of range: %d", p)
	}
	return nil
}

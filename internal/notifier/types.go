package notifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

const (
	SchemeTelegram   = "tg"
	SchemeMail       = "mailto"
	SchemeServerChan = "sct"
)

// Sink delivers one message to a target inside its scheme.
type Sink interface {
	Deliver(ctx context.Context, target, title, body string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, target, title, body string) error

func (f SinkFunc) Deliver(ctx context.Context, target, title, body string) error {
	return f(ctx, target, title, body)
}

// Endpoint is a parsed notify endpoint.
type Endpoint struct {
	Scheme string
	Target string
}

// ParseEndpoint splits "scheme:target". A string without a known scheme is
// taken as a bare Server-chan sendkey.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrBadEndpoint)
	}
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return Endpoint{Scheme: SchemeServerChan, Target: raw}, nil
	}
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(scheme) {
	case SchemeTelegram:
		if _, _, err := ParseChatTarget(rest); err != nil {
			return Endpoint{}, err
		}
		return Endpoint{Scheme: SchemeTelegram, Target: rest}, nil
	case SchemeMail:
		if !strings.Contains(rest, "@") {
			return Endpoint{}, fmt.Errorf("%w: invalid mail address %q", ErrBadEndpoint, rest)
		}
		return Endpoint{Scheme: SchemeMail, Target: rest}, nil
	case SchemeServerChan:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("%w: empty sendkey", ErrBadEndpoint)
		}
		return Endpoint{Scheme: SchemeServerChan, Target: rest}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: unknown scheme %q", ErrBadEndpoint, scheme)
	}
}

// Redacted hides most of the target so keys do not end up in logs.
func (e Endpoint) Redacted() string {
	t := e.Target
	if e.Scheme == SchemeServerChan && len(t) > 6 {
		t = t[:6] + "***"
	}
	return e.Scheme + ":" + t
}

// ParseChatTarget parses "<chat_id>[:<thread_id>]".
func ParseChatTarget(s string) (chatID int64, threadID int, err error) {
	idPart, threadPart, hasThread := strings.Cut(strings.TrimSpace(s), ":")
	chatID, err = strconv.ParseInt(idPart, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("%w: invalid chat id %q", ErrBadEndpoint, idPart)
	}
	if hasThread {
		threadID, err = strconv.Atoi(threadPart)
		if err != nil || threadID < 0 {
			return 0, 0, fmt.Errorf("%w: invalid thread id %q", ErrBadEndpoint, threadPart)
		}
	}
	return chatID, threadID, nil
}

// Title is the notification title for an outcome.
func Title(success bool) string {
	if success {
		return "Check-in succeeded"
	}
	return "Check-in failed"
}

// Stats are cumulative delivery counters.
type Stats struct {
	Queued  uint64
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Endpoint string    `json:"endpoint"`
	Success  bool      `json:"success"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
}

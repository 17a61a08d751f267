package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	chatMaxLen   = 3500
	chatFieldLen = 600
)

type chatLine struct {
	chatID   int64
	threadID int
	text     string
}

// chatSink forwards warn+ lines to a chat through a rate limiter. Writes never
// block: lines over the limit or beyond the queue are dropped.
type chatSink struct {
	sender Sender
	queue  chan chatLine

	mu       sync.Mutex
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newChatSink(sender Sender) *chatSink {
	return &chatSink{
		sender:   sender,
		queue:    make(chan chatLine, 256),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (c *chatSink) target(chatID int64, threadID int) {
	c.mu.Lock()
	c.chatID = chatID
	if threadID != 0 {
		c.threadID = threadID
	}
	c.mu.Unlock()
}

func (c *chatSink) hasTarget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID != 0
}

func (c *chatSink) apply(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		c.threadID = cfg.ThreadID
	}
	c.mu.Unlock()

	if cfg.Enabled && c.sender != nil {
		c.startOnce.Do(c.start)
	}
}

func (c *chatSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case l := <-c.queue:
				_ = c.sender.SendLog(ctx, l.chatID, l.threadID, l.text)
			}
		}
	}()
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	chatID, threadID := c.chatID, c.threadID
	ok := c.sender != nil && chatID != 0 && level >= c.minLevel && c.limiter.Allow()
	c.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if text := renderChatLine(p); text != "" {
		select {
		case c.queue <- chatLine{chatID: chatID, threadID: threadID, text: text}:
		default:
		}
	}
	return len(p), nil
}

// renderChatLine turns a JSON log line into "[LEVEL] message" followed by one
// "- key=value" line per field, sorted by key. Non-JSON input is passed through.
func renderChatLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return clip(strings.TrimSpace(string(p)), chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), chatFieldLen))
	}
	return clip(b.String(), chatMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(Component("checkin"))
	log.Info("attempt failed", Account(7), Int("attempt", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if m["comp"] != "checkin" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["account_id"] != float64(7) {
		t.Fatalf("account_id = %v", m["account_id"])
	}
	if m["message"] != "attempt failed" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("dropped", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestRenderChatLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"x","caller":"engine.go:12","message":"batch done","failed":2,"comp":"checkin"}`)
	got := renderChatLine(line)
	want := "[WARN] batch done\n- comp=checkin\n- failed=2"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if raw := renderChatLine([]byte("  plain text \n")); raw != "plain text" {
		t.Fatalf("raw = %q", raw)
	}
	long := renderChatLine([]byte(strings.Repeat("x", chatMaxLen+50)))
	if len(long) != chatMaxLen || !strings.HasSuffix(long, "...") {
		t.Fatalf("clipped len = %d", len(long))
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" INFO ", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"", zerolog.ErrorLevel},
		{"loud", zerolog.ErrorLevel},
	}
	for _, c := range cases {
		if got := parseLevel(c.in, zerolog.ErrorLevel); got != c.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestServiceFileSinkCreatesDir(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "app.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	log.Info("hello", Channel("ch_1"))
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), `"channel_id":"ch_1"`) {
		t.Fatalf("file = %s", raw)
	}
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendLog(_ context.Context, chatID int64, _ int, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestServiceTelegramSinkRespectsMinLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{Level: "debug", Telegram: TelegramConfig{Enabled: false, MinLevel: "warn", RatePerSec: 10}}, sender)
	defer svc.Close()
	svc.SetTelegramTarget(-100123, 0)
	svc.Apply(Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})

	log.Info("ignored")
	log.Warn("forwarded", Component("schedule"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := sender.count(); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
	sender.mu.Lock()
	msg := sender.msgs[0]
	sender.mu.Unlock()
	if !strings.HasPrefix(msg, "[WARN] forwarded") {
		t.Fatalf("msg = %q", msg)
	}
}

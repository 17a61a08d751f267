package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mathew-Carl/Apparition/internal/eventbus"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

type delivery struct {
	target, title, body string
}

type recSink struct {
	mu       sync.Mutex
	got      []delivery
	failures int // fail this many calls first
	calls    int
	gate     chan struct{}
	entered  chan struct{}
}

func (s *recSink) Deliver(ctx context.Context, target, title, body string) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("transient")
	}
	s.got = append(s.got, delivery{target, title, body})
	return nil
}

func (s *recSink) deliveries() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.got...)
}

func fastConfig() Config {
	return Config{Enabled: true, Workers: 1, QueueSize: 8, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Endpoint
		wantErr bool
	}{
		{in: "tg:-100123", want: Endpoint{Scheme: SchemeTelegram, Target: "-100123"}},
		{in: "tg:42:7", want: Endpoint{Scheme: SchemeTelegram, Target: "42:7"}},
		{in: "mailto:alice@example.org", want: Endpoint{Scheme: SchemeMail, Target: "alice@example.org"}},
		{in: "sct:SCT99", want: Endpoint{Scheme: SchemeServerChan, Target: "SCT99"}},
		{in: " SCT99abc ", want: Endpoint{Scheme: SchemeServerChan, Target: "SCT99abc"}},
		{in: "tg:abc", wantErr: true},
		{in: "tg:1:x", wantErr: true},
		{in: "mailto:nobody", wantErr: true},
		{in: "sct:", wantErr: true},
		{in: "slack:room", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseEndpoint(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrBadEndpoint) {
				t.Fatalf("ParseEndpoint(%q) err = %v, want ErrBadEndpoint", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseEndpoint(%q) = %+v, %v; want %+v", tc.in, got, err, tc.want)
		}
	}
	assert.Equal(t, "sct:SCT99a***", Endpoint{Scheme: SchemeServerChan, Target: "SCT99abcdef"}.Redacted())
}

func TestNotifyDeliversWithRetry(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	sink := &recSink{failures: 2}
	s := New(fastConfig(), logx.Nop(), bus)
	s.SetSink(SchemeServerChan, sink)
	s.Start(context.Background())

	require.NoError(t, s.Notify(context.Background(), "SCTkey", true, "account: alice\nresult: ok"))
	stop(t, s)

	got := sink.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, delivery{"SCTkey", "Check-in succeeded", "account: alice\nresult: ok"}, got[0])
	assert.Equal(t, Stats{Queued: 1, Sent: 1}, s.Stats())

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.ElementsMatch(t, []string{eventbus.NotifyQueued, eventbus.NotifySent}, types)
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	sink := &recSink{failures: 100}
	s := New(fastConfig(), logx.Nop(), nil)
	s.SetSink(SchemeMail, sink)
	s.Start(context.Background())

	require.NoError(t, s.Notify(context.Background(), "mailto:a@b.c", false, "x"))
	stop(t, s)

	assert.Empty(t, sink.deliveries())
	assert.Equal(t, 3, sink.calls)
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestNotifyNoops(t *testing.T) {
	t.Parallel()

	s := New(fastConfig(), logx.Nop(), nil)
	s.SetSink(SchemeServerChan, &recSink{})

	// Not started yet.
	assert.ErrorIs(t, s.Notify(context.Background(), "key", true, "x"), ErrStopped)

	s.Start(context.Background())
	defer stop(t, s)

	assert.NoError(t, s.Notify(context.Background(), "", true, "x"))
	assert.ErrorIs(t, s.Notify(context.Background(), "tg:1", true, "x"), ErrNoSink)
	assert.ErrorIs(t, s.Notify(context.Background(), "irc:chan", true, "x"), ErrBadEndpoint)

	off := fastConfig()
	off.Enabled = false
	d := New(off, logx.Nop(), nil)
	d.SetSink(SchemeServerChan, &recSink{})
	assert.NoError(t, d.Notify(context.Background(), "key", true, "x"))
}

func TestNotifyQueueFull(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.QueueSize = 1
	sink := &recSink{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := New(cfg, logx.Nop(), nil)
	s.SetSink(SchemeServerChan, sink)
	s.Start(context.Background())

	require.NoError(t, s.Notify(context.Background(), "k1", true, "1"))
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first job")
	}
	require.NoError(t, s.Notify(context.Background(), "k2", true, "2"))
	assert.ErrorIs(t, s.Notify(context.Background(), "k3", true, "3"), ErrQueueFull)

	close(sink.gate)
	stop(t, s)
	assert.Len(t, sink.deliveries(), 2)
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

func TestChatSink(t *testing.T) {
	t.Parallel()

	var gotChat int64
	var gotThread int
	var gotText string
	sink := ChatSink{Sender: chatFunc(func(_ context.Context, chatID int64, threadID int, text string) error {
		gotChat, gotThread, gotText = chatID, threadID, text
		return nil
	})}

	require.NoError(t, sink.Deliver(context.Background(), "-100:5", "Check-in failed", "body"))
	assert.Equal(t, int64(-100), gotChat)
	assert.Equal(t, 5, gotThread)
	assert.Equal(t, "Check-in failed\n\nbody", gotText)
	assert.ErrorIs(t, sink.Deliver(context.Background(), "x", "t", "b"), ErrBadEndpoint)
}

type chatFunc func(ctx context.Context, chatID int64, threadID int, text string) error

func (f chatFunc) SendChat(ctx context.Context, chatID int64, threadID int, text string) error {
	return f(ctx, chatID, threadID, text)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter window", d)
	}
}

// Package adapter connects the bot token to the command router, the chat
// notification sink and the log sink.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "github.com/Mathew-Carl/Apparition/internal/runtime/supervisor"
	kit "github.com/Mathew-Carl/Apparition/internal/transport"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration // default 10s
	// SendRate caps outgoing messages per second across all chats. Default 20.
	SendRate int
}

type Adapter struct {
	log  logx.Logger
	bot  *tele.Bot
	send *rate.Limiter

	mu  sync.Mutex
	out chan<- kit.Message
	sup *rtsup.Supervisor

	dropped atomic.Uint64

	menuMu sync.Mutex
	menu   []tele.Command
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = 20
	}
	// Offline keeps NewBot from calling getMe; the token is checked by the
	// first poll instead.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout, AllowedUpdates: []string{"message"}},
		Offline: true,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		log:  log,
		bot:  b,
		send: rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendRate),
	}
	b.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	a.deliver(kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
	})
	return nil
}

// deliver never blocks the poll loop; a full queue drops the message.
func (a *Adapter) deliver(m kit.Message) {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- m:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling. Calling it twice is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return nil
	}
	a.out = out
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.sup = sup
	a.mu.Unlock()

	sup.Go0("telegram.dropped", func(c context.Context) {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped()
				return
			case <-t.C:
				a.reportDropped()
			}
		}
	})
	sup.Go0("telegram.cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start returns when the poller stops, which can happen while ctx is
	// still live.
	sup.GoRestart("telegram.poll", func(context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped() {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming messages dropped", logx.Uint64("count", n))
	}
}

// Stop waits at most 2s for the long poll to return.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup, a.out = nil, nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	go a.bot.Stop()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram poller did not stop in time", logx.Err(err))
	}
	return nil
}

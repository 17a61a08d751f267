package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mathew-Carl/Apparition/internal/eventbus"
	rtsup "github.com/Mathew-Carl/Apparition/internal/runtime/supervisor"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

var (
	ErrQueueFull   = errors.New("notifier queue full")
	ErrStopped     = errors.New("notifier stopped")
	ErrBadEndpoint = errors.New("invalid notify endpoint")
	ErrNoSink      = errors.New("no sink for endpoint scheme")
)

type job struct {
	ep      Endpoint
	success bool
	title   string
	body    string
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus

	cfg     Config
	limiter *rate.Limiter
	sinks   map[string]Sink

	accepting bool
	sendWG    sync.WaitGroup

	queue chan job
	sup   *rtsup.Supervisor

	queued, sent, failed, dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log,
		bus:   bus,
		sinks: map[string]Sink{},
	}
	s.applyLocked(cfg)
	return s
}

// SetSink installs (or, with nil, removes) the sink for a scheme.
func (s *Service) SetSink(scheme string, sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sink == nil {
		delete(s.sinks, scheme)
		return
	}
	s.sinks[scheme] = sink
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps rate and retry settings. Workers and QueueSize take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start spawns the workers. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop refuses new jobs and drains the queue until ctx ends; whatever is
// left after that is abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)

	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("notifier drain cut short", logx.Int("pending", len(q)), logx.Err(err))
	}

	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
	s.log.Info("notifier stopped")
}

// Notify queues one outcome for endpoint. Empty endpoints and a disabled
// notifier are silent no-ops.
func (s *Service) Notify(ctx context.Context, endpoint string, success bool, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if endpoint == "" {
		return nil
	}
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Debug("notifier disabled; dropping", logx.String("endpoint", ep.Redacted()))
		return nil
	}
	if _, ok := s.sinks[ep.Scheme]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSink, ep.Scheme)
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	j := job{ep: ep, success: success, title: Title(success), body: message}
	select {
	case q <- j:
		s.queued.Add(1)
		s.emit(eventbus.NotifyQueued, j, 0, nil)
		return nil
	default:
		s.dropped.Add(1)
		s.emit(eventbus.NotifyDropped, j, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:  s.queued.Load(),
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
	}
}

func (s *Service) emit(typ string, j job, attempts int, err error) {
	ev := NotificationEvent{Endpoint: j.ep.Redacted(), Success: j.success, At: time.Now(), Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Emit(s.bus, typ, ev)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sink := s.sinks[j.ep.Scheme]
	s.mu.Unlock()

	log := s.log.With(logx.String("endpoint", j.ep.Redacted()))
	if sink == nil {
		s.failed.Add(1)
		s.emit(eventbus.NotifyFailed, j, 0, ErrNoSink)
		log.Warn("notify sink removed before delivery")
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := sink.Deliver(callCtx, j.ep.Target, j.title, j.body)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.emit(eventbus.NotifySent, j, attempt, nil)
			log.Debug("notification sent", logx.Int("attempt", attempt))
			return
		}
		lastErr = err
		log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt == maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.failed.Add(1)
	s.emit(eventbus.NotifyFailed, j, maxAttempts, lastErr)
	log.Warn("notification failed", logx.Int("attempts", maxAttempts), logx.Err(lastErr))
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

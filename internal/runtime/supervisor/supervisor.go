// Package supervisor gives every background goroutine a name, an owner
// context and a join handle. Panics become errors; the first error can cancel
// the whole group.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	allDone  chan struct{}

	mu       sync.Mutex
	firstErr error
	tasks    map[string]*TaskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the group context on the first task error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		allDone: make(chan struct{}),
		tasks:   map[string]*TaskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the group context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first task error, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn under the group context and returns its Handle. A nil fn yields
// an already finished handle.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) *Handle {
	h := newHandle(name)
	if fn == nil {
		h.finish(nil)
		return h
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run := s.begin(name, false)
		err := s.call(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			s.fail(err)
		}
		s.end(run, err)
		h.finish(err)
	}()
	return h
}

// Go0 is Go for functions without an error result.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) *Handle {
	if fn == nil {
		return s.Go(name, nil)
	}
	return s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// call runs fn, converting a panic into a *PanicError.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.Stack(stack))
			err = &PanicError{Value: r, Stack: stack}
		}
	}()
	return fn(s.ctx)
}

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Stop cancels the group and waits for it within ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait joins every task started so far. It returns ctx's error on timeout and
// the first task error otherwise.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.allDone)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.allDone:
		return s.Err()
	}
}

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

// A run that lasted this long resets the backoff.
const stableRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max    time.Duration
	stopOnClean bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithStopOnCleanExit makes a nil return final. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnClean = enabled }
}

var errCleanExit = errors.New("exited")

// GoRestart keeps a long-running loop alive. After an error or panic fn is
// started again with jittered exponential backoff, until the group context
// ends. The handle is named name+".restart".
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) *Handle {
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second, stopOnClean: true}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	return s.Go0(name+".restart", func(ctx context.Context) {
		backoff := p.min
		for restarts := 0; ; restarts++ {
			run := s.begin(name, restarts > 0)
			err := s.call(name, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.end(run, nil)
				return
			}
			if err == nil {
				if p.stopOnClean {
					s.end(run, nil)
					return
				}
				err = errCleanExit
			}
			s.end(run, fmt.Errorf("%s: %w", name, err))

			if time.Since(run.start) >= stableRun {
				backoff = p.min
			}
			wait := backoff + rand.N(backoff/5+1)
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, p.max)
		}
	})
}

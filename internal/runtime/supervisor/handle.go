package supervisor

import "context"

// Handle joins one supervised goroutine.
type Handle struct {
	name string
	done chan struct{}
	err  error
}

func newHandle(name string) *Handle { return &Handle{name: name, done: make(chan struct{})} }

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

func (h *Handle) Name() string { return h.name }

// Done is closed once the goroutine has returned or panicked.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the goroutine finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is nil until Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoHandleJoins(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	var ran atomic.Bool
	h := sup.Go("login.drive", func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !ran.Load() {
		t.Fatal("task did not run before Done")
	}
}

func TestPanicIsRecoveredAsError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	h := sup.Go("boom", func(ctx context.Context) error { panic("kaboom") })
	<-h.Done()
	if h.Err() == nil {
		t.Fatal("expected panic to surface as error")
	}
	if sup.Err() == nil {
		t.Fatal("expected supervisor first error")
	}
	var pe *PanicError
	if !errors.As(h.Err(), &pe) || pe.Value != "kaboom" {
		t.Fatalf("err = %v", h.Err())
	}
	st := sup.Stats()
	if len(st.Tasks) != 1 || st.Tasks[0].Panics != 1 || st.Panics != 1 || st.Active != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithCancelOnError(true))
	sup.Go("fails", func(ctx context.Context) error { return errors.New("bad") })
	select {
	case <-sup.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after error")
	}
}

func TestStopWaitsForCancellation(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	var exited atomic.Bool
	sup.Go0("loop", func(ctx context.Context) {
		<-ctx.Done()
		exited.Store(true)
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !exited.Load() {
		t.Fatal("loop did not exit")
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	var runs atomic.Int32
	h := sup.GoRestart("worker", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartCountsRestarts(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	var runs atomic.Int32
	h := sup.GoRestart("poller", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			panic("flaky")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	var poller TaskStats
	for _, ts := range sup.Stats().Tasks {
		if ts.Name == "poller" {
			poller = ts
		}
	}
	if poller.Runs != 3 || poller.Restarts != 2 || poller.Panics != 2 {
		t.Fatalf("poller stats = %+v", poller)
	}
	if sup.Err() != nil {
		t.Fatalf("restarted task leaked an error: %v", sup.Err())
	}
}

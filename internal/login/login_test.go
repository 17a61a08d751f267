package login

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	"github.com/Mathew-Carl/Apparition/internal/runtime/supervisor"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

type fakeChannel struct {
	id      string
	openErr error

	result  chan Credential
	failErr error

	closes atomic.Int32
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id, result: make(chan Credential, 1)}
}

func (c *fakeChannel) Open(context.Context) (Code, error) {
	if c.openErr != nil {
		return Code{}, c.openErr
	}
	return Code{ChannelID: c.id, DisplayURL: "https://example.test/qr/" + c.id}, nil
}

func (c *fakeChannel) AwaitCredential(ctx context.Context, timeout time.Duration) (Credential, error) {
	if c.failErr != nil {
		return Credential{}, c.failErr
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case cred := <-c.result:
		return cred, nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case <-t.C:
		return Credential{}, domain.ErrTimeout
	}
}

func (c *fakeChannel) Close() error {
	c.closes.Add(1)
	return nil
}

func factoryOf(ch *fakeChannel) ChannelFactory {
	return ChannelFactoryFunc(func(context.Context) (Channel, error) { return ch, nil })
}

func newTestRegistry(t *testing.T, f ChannelFactory, opts RegistryOptions) *Registry {
	t.Helper()
	sup := supervisor.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	return NewRegistry(f, opts, sup, logx.Nop(), nil)
}

func waitTerminal(t *testing.T, r *Registry, id string) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		sess := r.sessions[id]
		r.mu.Unlock()
		if sess == nil {
			t.Fatalf("session %s vanished", id)
		}
		if st := sess.Snapshot(); st.Terminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never finished", id)
	return Status{}
}

var goodTokens = []domain.Token{
	{Name: "rtk", Value: "r", Domain: ".wps.cn", Path: "/"},
	{Name: "uid", Value: "1001", Domain: ".wps.cn", Path: "/"},
}

func TestRegistrySuccessAttachesOnce(t *testing.T) {
	t.Parallel()
	ch := newFakeChannel("abc")
	r := newTestRegistry(t, factoryOf(ch), RegistryOptions{})

	id, code, err := r.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "abc" || !strings.HasSuffix(code.DisplayURL, "/abc") {
		t.Fatalf("id=%q code=%+v", id, code)
	}

	st, err := r.Status(context.Background(), id, nil)
	if err != nil || st.State != StateWaiting {
		t.Fatalf("status = %+v, %v", st, err)
	}

	ch.result <- Credential{Tokens: goodTokens}
	waitTerminal(t, r, id)

	var attaches atomic.Int32
	attach := func(_ context.Context, res Status) (int64, error) {
		attaches.Add(1)
		if res.RemoteID != "1001" {
			t.Errorf("remote id = %q, want uid fallback", res.RemoteID)
		}
		return 7, nil
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		notFound  atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := r.Status(context.Background(), id, attach)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				notFound.Add(1)
			case err == nil && st.State == StateSuccess && st.AccountID == 7:
				successes.Add(1)
			default:
				t.Errorf("unexpected status %+v, %v", st, err)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 || notFound.Load() != 7 {
		t.Fatalf("successes=%d notFound=%d", successes.Load(), notFound.Load())
	}
	if attaches.Load() != 1 {
		t.Fatalf("attach called %d times", attaches.Load())
	}
	if ch.closes.Load() != 1 {
		t.Fatalf("channel closed %d times", ch.closes.Load())
	}
	if r.Len() != 0 {
		t.Fatalf("registry len = %d", r.Len())
	}
}

func TestRegistryFailureModes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		setup   func(ch *fakeChannel)
		cred    *Credential
		wantErr string
	}{
		{
			name:    "no auth token",
			cred:    &Credential{Tokens: []domain.Token{{Name: "uid", Value: "1"}}},
			wantErr: domain.ErrIncompleteLogin.Error(),
		},
		{
			name:    "channel error",
			setup:   func(ch *fakeChannel) { ch.failErr = errors.New("qr expired") },
			wantErr: "qr expired",
		},
		{
			name:    "no remote id",
			cred:    &Credential{Tokens: []domain.Token{{Name: "wps_sid", Value: "s"}}},
			wantErr: "no uid token",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ch := newFakeChannel("c-" + strings.ReplaceAll(tt.name, " ", "-"))
			if tt.setup != nil {
				tt.setup(ch)
			}
			r := newTestRegistry(t, factoryOf(ch), RegistryOptions{})
			id, _, err := r.Create(context.Background())
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if tt.cred != nil {
				ch.result <- *tt.cred
			}
			waitTerminal(t, r, id)

			st, err := r.Status(context.Background(), id, func(context.Context, Status) (int64, error) {
				t.Error("attach called for failed login")
				return 0, nil
			})
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if st.State != StateFailed || !strings.Contains(st.Error, tt.wantErr) {
				t.Fatalf("status = %+v, want failed with %q", st, tt.wantErr)
			}
			if len(st.Tokens) != 0 {
				t.Fatalf("failed status carries tokens: %+v", st.Tokens)
			}
		})
	}
}

func TestRegistryTimeout(t *testing.T) {
	t.Parallel()
	ch := newFakeChannel("slow")
	r := newTestRegistry(t, factoryOf(ch), RegistryOptions{Session: Options{Timeout: 30 * time.Millisecond}})
	id, _, err := r.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	st := waitTerminal(t, r, id)
	if st.State != StateFailed || !strings.Contains(st.Error, domain.ErrTimeout.Error()) {
		t.Fatalf("status = %+v", st)
	}
}

func TestRegistryAttachFailureRetires(t *testing.T) {
	t.Parallel()
	ch := newFakeChannel("attach")
	r := newTestRegistry(t, factoryOf(ch), RegistryOptions{})
	id, _, err := r.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ch.result <- Credential{Tokens: goodTokens, RemoteID: "r-1"}
	waitTerminal(t, r, id)

	st, err := r.Status(context.Background(), id, func(context.Context, Status) (int64, error) {
		return 0, errors.New("disk full")
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateFailed || !strings.Contains(st.Error, "disk full") {
		t.Fatalf("status = %+v", st)
	}
	if _, err := r.Status(context.Background(), id, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second status err = %v", err)
	}
}

func TestRegistryCreateUnavailable(t *testing.T) {
	t.Parallel()
	ch := newFakeChannel("x")
	ch.openErr = errors.New("browser missing")
	r := newTestRegistry(t, factoryOf(ch), RegistryOptions{})

	_, _, err := r.Create(context.Background())
	if !errors.Is(err, domain.ErrChannelUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("failed create registered a session")
	}
	if ch.closes.Load() != 1 {
		t.Fatalf("channel closed %d times", ch.closes.Load())
	}

	failing := ChannelFactoryFunc(func(context.Context) (Channel, error) { return nil, errors.New("no slots") })
	r2 := newTestRegistry(t, failing, RegistryOptions{})
	if _, _, err := r2.Create(context.Background()); !errors.Is(err, domain.ErrChannelUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestSynthesizedChannelID(t *testing.T) {
	t.Parallel()
	ch := newFakeChannel("")
	r := newTestRegistry(t, factoryOf(ch), RegistryOptions{})
	id, code, err := r.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "ch_") || code.ChannelID != id {
		t.Fatalf("id = %q, code = %+v", id, code)
	}
	parts := strings.Split(id, "_")
	if len(parts) != 3 || len(parts[2]) != 8 {
		t.Fatalf("id shape = %q", id)
	}
}

func TestSweepAndClose(t *testing.T) {
	t.Parallel()
	done := newFakeChannel("done")
	waiting := newFakeChannel("waiting")
	next := []*fakeChannel{done, waiting}
	var mu sync.Mutex
	factory := ChannelFactoryFunc(func(context.Context) (Channel, error) {
		mu.Lock()
		defer mu.Unlock()
		ch := next[0]
		next = next[1:]
		return ch, nil
	})
	r := newTestRegistry(t, factory, RegistryOptions{RetainTerminal: time.Minute})

	doneID, _, err := r.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Create(context.Background()); err != nil {
		t.Fatal(err)
	}
	done.result <- Credential{Tokens: goodTokens}
	waitTerminal(t, r, doneID)

	if n := r.Sweep(time.Now()); n != 0 {
		t.Fatalf("fresh sessions swept: %d", n)
	}
	if n := r.Sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("swept %d, want the finished session only", n)
	}
	if _, err := r.Status(context.Background(), doneID, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("swept session still visible: %v", err)
	}

	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 || waiting.closes.Load() != 1 {
		t.Fatalf("len=%d closes=%d", r.Len(), waiting.closes.Load())
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	t.Parallel()
	ch := newFakeChannel("idem")
	s := NewSession(factoryOf(ch), Options{}, logx.Nop())
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	driveDone := make(chan struct{})
	go func() {
		_ = s.Drive(context.Background())
		close(driveDone)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	wg.Wait()
	select {
	case <-driveDone:
	case <-time.After(5 * time.Second):
		t.Fatal("drive did not stop after close")
	}
	if ch.closes.Load() != 1 {
		t.Fatalf("channel closed %d times", ch.closes.Load())
	}
	if st := s.Snapshot(); st.State != StateFailed {
		t.Fatalf("state = %s", st.State)
	}
}

// stubbornChannel keeps AwaitCredential running after cancellation until
// released, so closing its session is slow.
type stubbornChannel struct {
	*fakeChannel
	entered   chan struct{}
	cancelled chan struct{}
	release   chan struct{}
}

func (c *stubbornChannel) AwaitCredential(ctx context.Context, _ time.Duration) (Credential, error) {
	close(c.entered)
	<-ctx.Done()
	close(c.cancelled)
	<-c.release
	return Credential{}, ctx.Err()
}

func TestReplacingSessionDoesNotBlockStatus(t *testing.T) {
	t.Parallel()
	slow := &stubbornChannel{
		fakeChannel: newFakeChannel("dup"),
		entered:     make(chan struct{}),
		cancelled:   make(chan struct{}),
		release:     make(chan struct{}),
	}
	next := []Channel{newFakeChannel("other"), slow, newFakeChannel("dup")}
	var mu sync.Mutex
	factory := ChannelFactoryFunc(func(context.Context) (Channel, error) {
		mu.Lock()
		defer mu.Unlock()
		ch := next[0]
		next = next[1:]
		return ch, nil
	})
	r := newTestRegistry(t, factory, RegistryOptions{})

	if _, _, err := r.Create(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Create(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-slow.entered

	replaced := make(chan error, 1)
	go func() {
		_, _, err := r.Create(context.Background())
		replaced <- err
	}()
	select {
	case <-slow.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("old session was not closed")
	}

	polled := make(chan Status, 1)
	go func() {
		st, _ := r.Status(context.Background(), "other", nil)
		polled <- st
	}()
	select {
	case st := <-polled:
		if st.State != StateWaiting {
			t.Fatalf("other state = %s", st.State)
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked while a replaced session was closing")
	}

	close(slow.release)
	if err := <-replaced; err != nil {
		t.Fatal(err)
	}
	if r.Len() != 2 {
		t.Fatalf("len = %d, want 2", r.Len())
	}
}

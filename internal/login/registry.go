package login

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	"github.com/Mathew-Carl/Apparition/internal/eventbus"
	"github.com/Mathew-Carl/Apparition/internal/runtime/supervisor"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

// AttachFunc persists a successful login and returns the account id.
type AttachFunc func(ctx context.Context, res Status) (int64, error)

type RegistryOptions struct {
	Session Options
	// RetainTerminal is how long a finished session waits to be polled.
	RetainTerminal time.Duration
	// SweepInterval is the janitor period.
	SweepInterval time.Duration
}

// Registry tracks in-flight sessions by channel id. A session is removed on
// the first Status call that observes it terminal.
type Registry struct {
	factory ChannelFactory
	sup     *supervisor.Supervisor
	log     logx.Logger
	bus     eventbus.Bus

	mu       sync.Mutex
	opts     RegistryOptions
	sessions map[string]*Session
}

func NewRegistry(factory ChannelFactory, opts RegistryOptions, sup *supervisor.Supervisor, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		factory:  factory,
		sup:      sup,
		log:      log,
		bus:      bus,
		opts:     normalizeRegistryOptions(opts),
		sessions: map[string]*Session{},
	}
}

func normalizeRegistryOptions(o RegistryOptions) RegistryOptions {
	o.Session = o.Session.withDefaults()
	if o.RetainTerminal <= 0 {
		o.RetainTerminal = 10 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	return o
}

// SetOptions applies new tunables to sessions created afterwards.
func (r *Registry) SetOptions(opts RegistryOptions) {
	r.mu.Lock()
	r.opts = normalizeRegistryOptions(opts)
	r.mu.Unlock()
}

// Create starts a session and drives it in the background. Nothing is
// registered when the channel cannot be opened.
func (r *Registry) Create(ctx context.Context) (string, Code, error) {
	r.mu.Lock()
	opts := r.opts.Session
	r.mu.Unlock()

	sess := NewSession(r.factory, opts, r.log)
	code, err := sess.Start(ctx)
	if err != nil {
		r.log.Warn("login channel unavailable", logx.Err(err))
		return "", Code{}, err
	}
	id := code.ChannelID
	sess.log = r.log.With(logx.Channel(id))

	r.mu.Lock()
	old := r.sessions[id]
	r.sessions[id] = sess
	h := r.sup.Go("login.drive:"+id, sess.Drive)
	sess.setDrive(h)
	r.mu.Unlock()

	if old != nil {
		// channel ids are not expected to repeat; the newer session wins
		r.log.Warn("replacing login session with duplicate channel id", logx.Channel(id))
		_ = old.Close()
	}

	eventbus.Emit(r.bus, eventbus.LoginStarted, id)
	return id, code, nil
}

// Status reports the session state. A terminal session is retired by this
// call: success is attached first, then the session is closed and removed.
// Later calls for the same id return domain.ErrNotFound.
func (r *Registry) Status(ctx context.Context, channelID string, attach AttachFunc) (Status, error) {
	r.mu.Lock()
	sess, ok := r.sessions[channelID]
	if !ok {
		r.mu.Unlock()
		return Status{}, domain.ErrNotFound
	}
	st := sess.Snapshot()
	if !st.Terminal() {
		sess.touch(time.Now())
		r.mu.Unlock()
		return st, nil
	}

	if st.State == StateSuccess && st.AccountID == 0 && attach != nil {
		id, err := attach(ctx, st)
		if err != nil {
			r.log.Error("attach login result failed", logx.Channel(channelID), logx.Err(err))
			st = sess.failAttach(err)
		} else {
			sess.setAccount(id)
			st.AccountID = id
		}
	}
	r.removeLocked(channelID)
	r.mu.Unlock()

	_ = sess.Close()
	eventbus.Emit(r.bus, eventbus.LoginFinished, st)
	return st, nil
}

// removeLocked unregisters a session. The caller closes it after releasing
// r.mu, since Close waits for the drive task.
func (r *Registry) removeLocked(id string) {
	delete(r.sessions, id)
	eventbus.Emit(r.bus, eventbus.LoginRetired, id)
}

func closeAll(sessions []*Session) {
	for _, s := range sessions {
		_ = s.Close()
	}
}

// Sweep retires terminal sessions nobody polled within RetainTerminal and
// waiting sessions past their timeout plus one sweep interval.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var stale []*Session
	for id, sess := range r.sessions {
		sess.mu.Lock()
		st := sess.status
		seen := sess.lastSeen
		timeout := sess.opts.Timeout
		sess.mu.Unlock()

		var expired bool
		switch {
		case st.State.Terminal():
			ref := st.FinishedAt
			if seen.After(ref) {
				ref = seen
			}
			expired = now.Sub(ref) > r.opts.RetainTerminal
		case !st.StartedAt.IsZero():
			expired = now.Sub(st.StartedAt) > timeout+r.opts.SweepInterval
		}
		if expired {
			r.log.Debug("sweeping login session", logx.Channel(id), logx.String("state", string(st.State)))
			r.removeLocked(id)
			stale = append(stale, sess)
		}
	}
	r.mu.Unlock()

	closeAll(stale)
	return len(stale)
}

// RunJanitor sweeps until ctx ends.
func (r *Registry) RunJanitor(ctx context.Context) {
	r.mu.Lock()
	every := r.opts.SweepInterval
	r.mu.Unlock()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := r.Sweep(now); n > 0 {
				r.log.Info("login sessions swept", logx.Int("count", n))
			}
		}
	}
}

// Close retires every session.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		r.removeLocked(id)
		all = append(all, sess)
	}
	r.mu.Unlock()

	for _, sess := range all {
		if err := ctx.Err(); err != nil {
			// drive tasks still stop with the supervisor
			return err
		}
		_ = sess.Close()
	}
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot lists current sessions ordered by start time.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	out := make([]Status, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.Snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

package login

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	"github.com/Mathew-Carl/Apparition/internal/runtime/supervisor"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

type State string

const (
	StateInit    State = "init"
	StateWaiting State = "waiting"
	StateSuccess State = "success"
	StateFailed  State = "failed"
)

func (s State) Terminal() bool { return s == StateSuccess || s == StateFailed }

// Status is an immutable view of a session.
type Status struct {
	ChannelID  string
	State      State
	DisplayURL string
	Tokens     []domain.Token // set iff State == StateSuccess
	RemoteID   string         // set iff State == StateSuccess
	Error      string         // set iff State == StateFailed
	AccountID  int64
	StartedAt  time.Time
	FinishedAt time.Time
}

func (s Status) Terminal() bool { return s.State.Terminal() }

// Options tune one handshake.
type Options struct {
	Timeout        time.Duration
	RequiredTokens []string
	UIDToken       string
}

func DefaultOptions() Options {
	return Options{
		Timeout:        300 * time.Second,
		RequiredTokens: []string{"wps_sid", "rtk", "kso_sid"},
		UIDToken:       "uid",
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if len(o.RequiredTokens) == 0 {
		o.RequiredTokens = def.RequiredTokens
	}
	if strings.TrimSpace(o.UIDToken) == "" {
		o.UIDToken = def.UIDToken
	}
	return o
}

// Session is one login handshake: init -> waiting -> success | failed.
//
// Start opens the channel, Drive waits for the credential, Close releases
// everything. Close may race with Drive.
type Session struct {
	opts    Options
	factory ChannelFactory
	log     logx.Logger

	mu       sync.Mutex
	status   Status
	ch       Channel
	cancel   context.CancelFunc
	drive    *supervisor.Handle
	closed   bool
	lastSeen time.Time

	closeOnce sync.Once
	closeErr  error
}

func NewSession(factory ChannelFactory, opts Options, log logx.Logger) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Session{
		opts:    opts.withDefaults(),
		factory: factory,
		log:     log,
		status:  Status{State: StateInit},
	}
}

// Start acquires a channel and opens it. On success the session is waiting
// and the returned code can be shown to the user.
func (s *Session) Start(ctx context.Context) (Code, error) {
	ch, err := s.factory.NewChannel(ctx)
	if err != nil {
		return Code{}, fmt.Errorf("%w: %v", domain.ErrChannelUnavailable, err)
	}
	code, err := ch.Open(ctx)
	if err != nil {
		_ = ch.Close()
		return Code{}, fmt.Errorf("%w: %v", domain.ErrChannelUnavailable, err)
	}

	now := time.Now()
	if strings.TrimSpace(code.ChannelID) == "" {
		code.ChannelID = SynthesizeChannelID(now)
	}

	s.mu.Lock()
	s.ch = ch
	s.status.ChannelID = code.ChannelID
	s.status.DisplayURL = code.DisplayURL
	s.status.State = StateWaiting
	s.status.StartedAt = now
	s.lastSeen = now
	s.mu.Unlock()

	s.log.Info("login channel opened", logx.Channel(code.ChannelID))
	return code, nil
}

// Drive waits for the credential and records the terminal state. It returns
// nil for login failures; they are part of the status.
func (s *Session) Drive(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed || s.ch == nil || s.status.State != StateWaiting {
		s.mu.Unlock()
		return nil
	}
	s.cancel = cancel
	ch := s.ch
	s.mu.Unlock()

	cred, err := ch.AwaitCredential(ctx, s.opts.Timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
		s.finish(Status{State: StateFailed, Error: err.Error()})
		return nil
	}

	if !domain.HasAny(cred.Tokens, s.opts.RequiredTokens) {
		s.finish(Status{State: StateFailed, Error: domain.ErrIncompleteLogin.Error()})
		return nil
	}
	remoteID := strings.TrimSpace(cred.RemoteID)
	if remoteID == "" {
		remoteID, _ = domain.Lookup(cred.Tokens, s.opts.UIDToken)
	}
	if remoteID == "" {
		s.finish(Status{State: StateFailed, Error: fmt.Sprintf("%v: no %s token", domain.ErrIncompleteLogin, s.opts.UIDToken)})
		return nil
	}

	tokens := append([]domain.Token(nil), cred.Tokens...)
	s.finish(Status{State: StateSuccess, Tokens: tokens, RemoteID: remoteID})
	return nil
}

// finish applies the terminal transition once; later calls are ignored.
func (s *Session) finish(res Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State.Terminal() {
		return
	}
	s.status.State = res.State
	s.status.Tokens = res.Tokens
	s.status.RemoteID = res.RemoteID
	s.status.Error = res.Error
	s.status.FinishedAt = time.Now()

	if res.State == StateSuccess {
		s.log.Info("login approved", logx.Channel(s.status.ChannelID), logx.String("remote_id", res.RemoteID))
	} else {
		s.log.Warn("login failed", logx.Channel(s.status.ChannelID), logx.String("err", res.Error))
	}
}

func (s *Session) setDrive(h *supervisor.Handle) {
	s.mu.Lock()
	s.drive = h
	s.mu.Unlock()
}

// Snapshot returns a copy of the current status.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Status {
	st := s.status
	st.Tokens = append([]domain.Token(nil), s.status.Tokens...)
	return st
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) setAccount(id int64) {
	s.mu.Lock()
	s.status.AccountID = id
	s.mu.Unlock()
}

// failAttach turns a successful login into a failure when it could not be
// persisted.
func (s *Session) failAttach(err error) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = StateFailed
	s.status.Tokens = nil
	s.status.Error = fmt.Sprintf("save account: %v", err)
	return s.snapshotLocked()
}

// Close cancels Drive, waits for it to return and releases the channel.
// It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel, drive, ch := s.cancel, s.drive, s.ch
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if drive != nil {
			wctx, wcancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := drive.Wait(wctx); errors.Is(err, context.DeadlineExceeded) {
				s.log.Warn("login drive did not stop in time", logx.Channel(s.Snapshot().ChannelID))
			}
			wcancel()
		}
		if ch != nil {
			s.closeErr = ch.Close()
		}
		// a session closed before it finished counts as failed
		s.finish(Status{State: StateFailed, Error: "login cancelled"})
	})
	return s.closeErr
}

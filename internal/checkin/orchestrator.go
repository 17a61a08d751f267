package checkin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	"github.com/Mathew-Carl/Apparition/internal/eventbus"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

// SubmitRequest is everything one attempt needs.
type SubmitRequest struct {
	AccountID int64
	TargetURL string
	Tokens    []domain.Token
	Content   string
	Latitude  float64
	Longitude float64
}

// Submitter performs one attempt against the remote form.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (ok bool, message string, err error)
}

// Notifier delivers an outcome to an account's endpoint. It must not block
// on network I/O.
type Notifier interface {
	Notify(ctx context.Context, endpoint string, success bool, message string) error
}

// Store is the persistence the orchestrator needs.
type Store interface {
	GetAccount(ctx context.Context, id int64) (domain.Account, error)
	ListEnabledAccounts(ctx context.Context) ([]domain.Account, error)
	AppendCheckinRecord(ctx context.Context, accountID int64, status domain.CheckinStatus, message string) (int64, error)
	TouchLastCheckin(ctx context.Context, id int64, at time.Time) error
}

type Options struct {
	TargetURL      string
	MaxRetries     int
	RetryDelay     time.Duration
	AccountDelay   time.Duration
	AttemptTimeout time.Duration
	Rules          domain.CredentialRules
	// SkipOverrides leaves accounts with their own daily time out of Batch.
	SkipOverrides bool
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:     2,
		RetryDelay:     60 * time.Second,
		AccountDelay:   3 * time.Second,
		AttemptTimeout: 3 * time.Minute,
		Rules:          domain.DefaultCredentialRules(),
	}
}

// Outcome is the result of one Single run.
type Outcome struct {
	AccountID int64
	Account   string
	Success   bool
	Message   string
	Attempts  int
	Took      time.Duration
}

type BatchResult struct {
	RunID     string
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Took      time.Duration
}

// Orchestrator runs check-ins with bounded retry and records every outcome.
type Orchestrator struct {
	store    Store
	submit   Submitter
	notify   Notifier
	log      logx.Logger
	bus      eventbus.Bus
	inflight *InFlight
	// batching is held for the whole of a Batch run, whoever started it.
	batching atomic.Bool

	mu   sync.RWMutex
	opts Options

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(store Store, submit Submitter, notify Notifier, opts Options, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		store:    store,
		submit:   submit,
		notify:   notify,
		log:      log,
		bus:      bus,
		inflight: NewInFlight(),
		opts:     opts,
		sleep:    sleepCtx,
	}
}

func (o *Orchestrator) SetOptions(opts Options) {
	o.mu.Lock()
	o.opts = opts
	o.mu.Unlock()
}

func (o *Orchestrator) options() Options {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.opts
}

// CredentialRules returns the rules credentials are parsed with.
func (o *Orchestrator) CredentialRules() domain.CredentialRules { return o.options().Rules }

// InFlight exposes the running set for status reporting.
func (o *Orchestrator) InFlight() *InFlight { return o.inflight }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoticeBody is the text sent to an account's notify endpoint.
func NoticeBody(account, result string) string {
	return fmt.Sprintf("account: %s\nresult: %s", account, result)
}

// Single runs one account: up to 1+MaxRetries attempts, RetryDelay apart.
// Exactly one record is written per run, before the notification.
//
// It returns domain.ErrNotFound for unknown accounts and
// domain.ErrCheckinInProgress when the account is already running; neither
// writes a record.
func (o *Orchestrator) Single(ctx context.Context, accountID int64) (Outcome, error) {
	acc, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return Outcome{AccountID: accountID}, err
	}
	if !o.inflight.TryAcquire(accountID) {
		o.log.Info("check-in already running; skipped", logx.Account(accountID))
		eventbus.Emit(o.bus, eventbus.CheckinSkipped, accountID)
		return Outcome{AccountID: accountID, Account: acc.DisplayName()}, domain.ErrCheckinInProgress
	}
	defer o.inflight.Release(accountID)

	opts := o.options()
	start := time.Now()
	log := o.log.With(logx.Account(accountID), logx.String("account", acc.DisplayName()))
	out := Outcome{AccountID: accountID, Account: acc.DisplayName()}

	req, err := o.prepare(acc, opts)
	if err != nil {
		log.Warn("check-in not attempted", logx.Err(err))
		o.finish(ctx, log, acc, &out, false, err.Error())
		out.Took = time.Since(start)
		return out, nil
	}

	var lastErr string
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			log.Info("retrying check-in", logx.Int("attempt", attempt+1), logx.Duration("delay", opts.RetryDelay))
			if err := o.sleep(ctx, opts.RetryDelay); err != nil {
				o.interrupted(ctx, log, acc, &out, err)
				out.Took = time.Since(start)
				return out, err
			}
		}
		out.Attempts = attempt + 1

		ok, msg, err := o.attempt(ctx, req, opts.AttemptTimeout)
		if ok {
			if msg == "" {
				msg = "check-in succeeded"
			}
			log.Info("check-in succeeded", logx.Int("attempts", out.Attempts))
			o.finish(ctx, log, acc, &out, true, msg)
			out.Took = time.Since(start)
			return out, nil
		}
		if ctx.Err() != nil {
			o.interrupted(ctx, log, acc, &out, ctx.Err())
			out.Took = time.Since(start)
			return out, ctx.Err()
		}
		switch {
		case err != nil:
			lastErr = err.Error()
		case msg != "":
			lastErr = msg
		default:
			lastErr = domain.ErrSubmissionFailed.Error()
		}
		log.Warn("check-in attempt failed", logx.Int("attempt", out.Attempts), logx.String("err", lastErr))
	}

	o.finish(ctx, log, acc, &out, false, fmt.Sprintf("failed after %d retries: %s", maxRetries, lastErr))
	out.Took = time.Since(start)
	return out, nil
}

func (o *Orchestrator) prepare(acc domain.Account, opts Options) (SubmitRequest, error) {
	if strings.TrimSpace(acc.Credential) == "" {
		return SubmitRequest{}, fmt.Errorf("%w: no login credential", domain.ErrMalformedCredential)
	}
	if strings.TrimSpace(acc.Content) == "" {
		return SubmitRequest{}, domain.ErrMissingContent
	}
	tokens, err := domain.ParseCredential(acc.Credential, opts.Rules)
	if err != nil {
		return SubmitRequest{}, err
	}
	return SubmitRequest{
		AccountID: acc.ID,
		TargetURL: opts.TargetURL,
		Tokens:    tokens,
		Content:   acc.Content,
		Latitude:  acc.Latitude,
		Longitude: acc.Longitude,
	}, nil
}

// attempt bounds one submission by timeout and turns panics into errors.
func (o *Orchestrator) attempt(ctx context.Context, req SubmitRequest, timeout time.Duration) (ok bool, msg string, err error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("submitter panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			ok, msg, err = false, "", fmt.Errorf("%w: panic: %v", domain.ErrSubmissionFailed, r)
		}
	}()
	ok, msg, err = o.submit.Submit(actx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: attempt exceeded %s", domain.ErrTimeout, timeout)
	}
	return ok, msg, err
}

func (o *Orchestrator) interrupted(ctx context.Context, log logx.Logger, acc domain.Account, out *Outcome, cause error) {
	log.Warn("check-in interrupted", logx.Err(cause))
	o.finish(ctx, log, acc, out, false, "interrupted: "+cause.Error())
}

// finishTimeout bounds the bookkeeping after the outcome is known.
const finishTimeout = 10 * time.Second

// finish writes the record, touches last_checkin_at on success and then
// notifies, on a context detached from ctx: once the outcome is known it is
// recorded even if the caller has gone away. Write errors are logged.
func (o *Orchestrator) finish(ctx context.Context, log logx.Logger, acc domain.Account, out *Outcome, success bool, msg string) {
	out.Success = success
	out.Message = msg

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	status := domain.CheckinFailed
	if success {
		status = domain.CheckinSuccess
	}
	if _, err := o.store.AppendCheckinRecord(ctx, acc.ID, status, msg); err != nil {
		log.Error("append check-in record failed", logx.Err(err))
	}
	if success {
		if err := o.store.TouchLastCheckin(ctx, acc.ID, time.Now()); err != nil {
			log.Error("touch last check-in failed", logx.Err(err))
		}
	}
	if o.notify != nil {
		if err := o.notify.Notify(ctx, acc.NotifyEndpoint, success, NoticeBody(acc.DisplayName(), msg)); err != nil {
			log.Warn("notify failed", logx.Err(err))
		}
	}
	eventbus.Emit(o.bus, eventbus.CheckinDone, *out)
}

// BatchRunning reports whether a Batch is in progress.
func (o *Orchestrator) BatchRunning() bool { return o.batching.Load() }

// Batch runs every enabled account in order, AccountDelay apart. A failing
// or panicking account never stops the run. Only one batch runs at a time;
// a second call returns domain.ErrBatchInProgress without touching anything.
func (o *Orchestrator) Batch(ctx context.Context) (BatchResult, error) {
	if !o.batching.CompareAndSwap(false, true) {
		o.log.Info("batch check-in already running; skipped")
		return BatchResult{}, domain.ErrBatchInProgress
	}
	defer o.batching.Store(false)

	opts := o.options()
	res := BatchResult{RunID: uuid.NewString()}
	start := time.Now()
	log := o.log.With(logx.RunID(res.RunID))

	accounts, err := o.store.ListEnabledAccounts(ctx)
	if err != nil {
		log.Error("list enabled accounts failed", logx.Err(err))
		res.Took = time.Since(start)
		return res, err
	}
	if opts.SkipOverrides {
		kept := accounts[:0]
		for _, a := range accounts {
			if !a.HasOverride() {
				kept = append(kept, a)
			}
		}
		accounts = kept
	}
	res.Total = len(accounts)
	log.Info("batch check-in started", logx.Int("accounts", res.Total))

	for i, acc := range accounts {
		if i > 0 {
			if err := o.sleep(ctx, opts.AccountDelay); err != nil {
				log.Warn("batch check-in cancelled", logx.Int("remaining", len(accounts)-i))
				break
			}
		} else if ctx.Err() != nil {
			break
		}

		out, err := o.safeSingle(ctx, acc.ID)
		switch {
		case errors.Is(err, domain.ErrCheckinInProgress):
			res.Skipped++
		case err == nil && out.Success:
			res.Succeeded++
		default:
			res.Failed++
		}
	}

	res.Took = time.Since(start)
	log.Info("batch check-in finished",
		logx.Int("total", res.Total),
		logx.Int("succeeded", res.Succeeded),
		logx.Int("failed", res.Failed),
		logx.Int("skipped", res.Skipped),
		logx.Duration("took", res.Took),
	)
	eventbus.Emit(o.bus, eventbus.BatchDone, res)
	return res, nil
}

func (o *Orchestrator) safeSingle(ctx context.Context, id int64) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("check-in panicked", logx.Account(id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out, err = Outcome{AccountID: id}, fmt.Errorf("panic: %v", r)
		}
	}()
	return o.Single(ctx, id)
}

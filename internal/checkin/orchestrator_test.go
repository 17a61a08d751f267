package checkin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

type memStore struct {
	mu       sync.Mutex
	accounts map[int64]domain.Account
	records  []domain.CheckinRecord
	touched  map[int64]time.Time
	events   []string
}

func newMemStore(accounts ...domain.Account) *memStore {
	s := &memStore{accounts: map[int64]domain.Account{}, touched: map[int64]time.Time{}}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *memStore) GetAccount(_ context.Context, id int64) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *memStore) ListEnabledAccounts(context.Context) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Account
	for id := int64(1); id <= int64(len(s.accounts))+10; id++ {
		if a, ok := s.accounts[id]; ok && a.Enabled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) AppendCheckinRecord(ctx context.Context, accountID int64, status domain.CheckinStatus, message string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, domain.CheckinRecord{ID: int64(len(s.records) + 1), AccountID: accountID, Status: status, Message: message})
	s.events = append(s.events, "record")
	return int64(len(s.records)), nil
}

func (s *memStore) TouchLastCheckin(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[id] = at
	return nil
}

func (s *memStore) recordsFor(id int64) []domain.CheckinRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CheckinRecord
	for _, r := range s.records {
		if r.AccountID == id {
			out = append(out, r)
		}
	}
	return out
}

type notice struct {
	endpoint string
	success  bool
	message  string
}

type recNotifier struct {
	store *memStore
	mu    sync.Mutex
	sent  []notice
	err   error
}

func (n *recNotifier) Notify(_ context.Context, endpoint string, success bool, message string) error {
	n.mu.Lock()
	n.sent = append(n.sent, notice{endpoint, success, message})
	n.mu.Unlock()
	if n.store != nil {
		n.store.mu.Lock()
		n.store.events = append(n.store.events, "notify")
		n.store.mu.Unlock()
	}
	return n.err
}

type step struct {
	ok  bool
	msg string
	err error
}

type scriptSubmitter struct {
	mu    sync.Mutex
	steps []step
	calls int
	reqs  []SubmitRequest
	block chan struct{}
	panic bool
}

func (s *scriptSubmitter) Submit(ctx context.Context, req SubmitRequest) (bool, string, error) {
	s.mu.Lock()
	s.calls++
	s.reqs = append(s.reqs, req)
	var st step
	if len(s.steps) > 0 {
		st = s.steps[0]
		s.steps = s.steps[1:]
	}
	block, doPanic := s.block, s.panic
	s.mu.Unlock()

	if doPanic {
		panic("boom")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return false, "", ctx.Err()
		}
	}
	return st.ok, st.msg, st.err
}

func validAccount(id int64) domain.Account {
	return domain.Account{
		ID:             id,
		RemoteID:       "r" + string(rune('0'+id)),
		Name:           "acc" + string(rune('0'+id)),
		Credential:     `{"rtk": "t"}`,
		Content:        "1000&someone",
		Latitude:       30.1,
		Longitude:      120.2,
		Enabled:        true,
		NotifyEndpoint: "sct:key",
	}
}

func newTestOrchestrator(store Store, sub Submitter, n Notifier, opts Options) (*Orchestrator, *[]time.Duration) {
	o := New(store, sub, n, opts, logx.Nop(), nil)
	var sleeps []time.Duration
	var mu sync.Mutex
	o.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}
	return o, &sleeps
}

func TestSingleSucceedsAfterRetry(t *testing.T) {
	t.Parallel()
	store := newMemStore(validAccount(1))
	n := &recNotifier{store: store}
	sub := &scriptSubmitter{steps: []step{{ok: false, msg: "button missing"}, {ok: true, msg: "done"}}}
	o, sleeps := newTestOrchestrator(store, sub, n, DefaultOptions())

	out, err := o.Single(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, []time.Duration{60 * time.Second}, *sleeps)

	recs := store.recordsFor(1)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.CheckinSuccess, recs[0].Status)
	assert.Equal(t, "done", recs[0].Message)
	assert.Contains(t, store.touched, int64(1))

	require.Len(t, n.sent, 1)
	assert.True(t, n.sent[0].success)
	assert.Equal(t, "sct:key", n.sent[0].endpoint)
	assert.Equal(t, "account: acc1\nresult: done", n.sent[0].message)
	assert.Equal(t, []string{"record", "notify"}, store.events)

	// tokens were normalized with the alias rule
	require.NotEmpty(t, sub.reqs)
	assert.Len(t, sub.reqs[0].Tokens, 2)
}

func TestSingleExhaustsRetries(t *testing.T) {
	t.Parallel()
	store := newMemStore(validAccount(1))
	n := &recNotifier{store: store}
	sub := &scriptSubmitter{steps: []step{
		{err: errors.New("net down")},
		{msg: "no success marker"},
		{err: errors.New("still down")},
	}}
	o, sleeps := newTestOrchestrator(store, sub, n, DefaultOptions())

	out, err := o.Single(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, 3, sub.calls)
	assert.Len(t, *sleeps, 2)

	recs := store.recordsFor(1)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.CheckinFailed, recs[0].Status)
	assert.Equal(t, "failed after 2 retries: still down", recs[0].Message)
	assert.Empty(t, store.touched)
	require.Len(t, n.sent, 1)
	assert.False(t, n.sent[0].success)
}

func TestSingleFailsFast(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(a *domain.Account)
		want   string
	}{
		{name: "no credential", mutate: func(a *domain.Account) { a.Credential = "" }, want: "no login credential"},
		{name: "no content", mutate: func(a *domain.Account) { a.Content = " " }, want: domain.ErrMissingContent.Error()},
		{name: "malformed credential", mutate: func(a *domain.Account) { a.Credential = "rtk=abc" }, want: domain.ErrMalformedCredential.Error()},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			acc := validAccount(1)
			tt.mutate(&acc)
			store := newMemStore(acc)
			n := &recNotifier{}
			sub := &scriptSubmitter{}
			o, _ := newTestOrchestrator(store, sub, n, DefaultOptions())

			out, err := o.Single(context.Background(), 1)
			require.NoError(t, err)
			assert.False(t, out.Success)
			assert.Zero(t, sub.calls)

			recs := store.recordsFor(1)
			require.Len(t, recs, 1)
			assert.Contains(t, recs[0].Message, tt.want)
			assert.Len(t, n.sent, 1)
		})
	}
}

func TestSingleUnknownAccount(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	n := &recNotifier{}
	o, _ := newTestOrchestrator(store, &scriptSubmitter{}, n, DefaultOptions())

	_, err := o.Single(context.Background(), 99)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, store.records)
	assert.Empty(t, n.sent)
}

func TestSingleInFlightGuard(t *testing.T) {
	t.Parallel()
	store := newMemStore(validAccount(1))
	n := &recNotifier{}
	sub := &scriptSubmitter{steps: []step{{ok: true}}, block: make(chan struct{})}
	o, _ := newTestOrchestrator(store, sub, n, DefaultOptions())

	done := make(chan Outcome)
	go func() {
		out, _ := o.Single(context.Background(), 1)
		done <- out
	}()
	require.Eventually(t, func() bool { return len(o.InFlight().Running()) == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := o.Single(context.Background(), 1)
	require.ErrorIs(t, err, domain.ErrCheckinInProgress)

	close(sub.block)
	out := <-done
	assert.True(t, out.Success)
	assert.Len(t, store.recordsFor(1), 1)
	assert.Len(t, n.sent, 1)
	assert.Empty(t, o.InFlight().Running())
}

func TestSingleInterruptedWritesRecord(t *testing.T) {
	t.Parallel()
	store := newMemStore(validAccount(1))
	n := &recNotifier{}
	sub := &scriptSubmitter{block: make(chan struct{})}
	o, _ := newTestOrchestrator(store, sub, n, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := o.Single(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)

	recs := store.recordsFor(1)
	require.Len(t, recs, 1)
	assert.True(t, strings.HasPrefix(recs[0].Message, "interrupted: "), recs[0].Message)
	assert.Equal(t, domain.CheckinFailed, recs[0].Status)
}

func TestSingleAttemptTimeout(t *testing.T) {
	t.Parallel()
	store := newMemStore(validAccount(1))
	opts := DefaultOptions()
	opts.MaxRetries = 0
	opts.AttemptTimeout = 20 * time.Millisecond
	sub := &scriptSubmitter{block: make(chan struct{})}
	o, _ := newTestOrchestrator(store, sub, &recNotifier{}, opts)

	out, err := o.Single(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "failed after 0 retries")
	assert.Contains(t, out.Message, domain.ErrTimeout.Error())
}

func TestBatchCountsAndPacing(t *testing.T) {
	t.Parallel()
	a1, a2, a3 := validAccount(1), validAccount(2), validAccount(3)
	a2.Content = ""
	disabled := validAccount(4)
	disabled.Enabled = false
	store := newMemStore(a1, a2, a3, disabled)

	opts := DefaultOptions()
	opts.MaxRetries = 0
	sub := &scriptSubmitter{steps: []step{{ok: true}, {ok: true}}}
	o, sleeps := newTestOrchestrator(store, sub, &recNotifier{}, opts)

	res, err := o.Batch(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, *sleeps)
	assert.Empty(t, store.recordsFor(4))
}

func TestBatchRecoversPanicsAndSkipsOverrides(t *testing.T) {
	t.Parallel()
	a1, a2 := validAccount(1), validAccount(2)
	h, m := 6, 0
	a2.CheckinHour, a2.CheckinMinute = &h, &m
	store := newMemStore(a1, a2)

	opts := DefaultOptions()
	opts.SkipOverrides = true
	sub := &scriptSubmitter{panic: true}
	o, _ := newTestOrchestrator(store, sub, &recNotifier{}, opts)

	res, err := o.Batch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Failed)
	// the panicking submitter is retried like any failed attempt
	assert.Equal(t, 3, sub.calls)
}

func TestBatchStopsOnCancel(t *testing.T) {
	t.Parallel()
	store := newMemStore(validAccount(1), validAccount(2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o, _ := newTestOrchestrator(store, &scriptSubmitter{}, &recNotifier{}, DefaultOptions())

	res, err := o.Batch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Zero(t, res.Succeeded+res.Failed+res.Skipped)
}

// cancelThenSucceed cancels the run's context after the remote accepted the
// submission.
type cancelThenSucceed struct {
	cancel context.CancelFunc
}

func (c cancelThenSucceed) Submit(context.Context, SubmitRequest) (bool, string, error) {
	c.cancel()
	return true, "clocked in", nil
}

func TestSingleRecordsSuccessAfterCallerCancels(t *testing.T) {
	t.Parallel()
	store := newMemStore(validAccount(1))
	n := &recNotifier{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o, _ := newTestOrchestrator(store, cancelThenSucceed{cancel: cancel}, n, DefaultOptions())

	out, err := o.Single(ctx, 1)
	require.NoError(t, err)
	assert.True(t, out.Success)

	recs := store.recordsFor(1)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.CheckinSuccess, recs[0].Status)
	assert.Equal(t, "clocked in", recs[0].Message)
	assert.Contains(t, store.touched, int64(1))
	assert.Len(t, n.sent, 1)
}

func TestSingleFailFastRecordsOnCancelledContext(t *testing.T) {
	t.Parallel()
	acc := validAccount(1)
	acc.Content = ""
	store := newMemStore(acc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o, _ := newTestOrchestrator(store, &scriptSubmitter{}, &recNotifier{}, DefaultOptions())

	out, err := o.Single(ctx, 1)
	require.NoError(t, err)
	assert.False(t, out.Success)
	require.Len(t, store.recordsFor(1), 1)
}

func TestBatchRefusesOverlap(t *testing.T) {
	t.Parallel()
	store := newMemStore(validAccount(1), validAccount(2))
	opts := DefaultOptions()
	opts.MaxRetries = 0
	sub := &scriptSubmitter{block: make(chan struct{}), steps: []step{{ok: true}, {ok: true}}}
	o, _ := newTestOrchestrator(store, sub, &recNotifier{}, opts)

	done := make(chan BatchResult, 1)
	go func() {
		res, _ := o.Batch(context.Background())
		done <- res
	}()
	require.Eventually(t, o.BatchRunning, 2*time.Second, 5*time.Millisecond)

	_, err := o.Batch(context.Background())
	require.ErrorIs(t, err, domain.ErrBatchInProgress)

	close(sub.block)
	res := <-done
	assert.Equal(t, 2, res.Succeeded)
	assert.False(t, o.BatchRunning())
	assert.Len(t, store.recordsFor(1), 1)
	assert.Len(t, store.recordsFor(2), 1)
}

package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Mathew-Carl/Apparition/internal/checkin"
	"github.com/Mathew-Carl/Apparition/internal/domain"
	"github.com/Mathew-Carl/Apparition/internal/eventbus"
	"github.com/Mathew-Carl/Apparition/internal/runtime/supervisor"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means Local
	// AccountOverrides adds one entry per account with its own daily time.
	AccountOverrides bool
}

// Source is where triggers come from.
type Source interface {
	ListEnabledScheduleTriggers(ctx context.Context) ([]domain.ScheduleTrigger, error)
	ListEnabledAccounts(ctx context.Context) ([]domain.Account, error)
}

// Runner executes fired entries.
type Runner interface {
	Batch(ctx context.Context) (checkin.BatchResult, error)
	BatchRunning() bool
	Single(ctx context.Context, accountID int64) (checkin.Outcome, error)
}

type TriggerInfo struct {
	ID   string
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Status struct {
	Running      bool
	Timezone     string
	TriggerCount int
	Triggers     []TriggerInfo
}

type entry struct {
	id        string
	name      string
	spec      string
	accountID int64 // 0 for shared triggers
	eid       cron.EntryID
}

// Engine keeps a cron instance in sync with the persisted triggers. It never
// polls the store: callers run Reconcile after every mutation.
type Engine struct {
	src Source
	run Runner
	log logx.Logger
	bus eventbus.Bus

	parser cron.Parser

	// reconcileMu orders concurrent Reconcile calls.
	reconcileMu sync.Mutex

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	sup     *supervisor.Supervisor
	entries map[string]*entry
}

func New(cfg Config, src Source, run Runner, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		src:     src,
		run:     run,
		log:     log,
		bus:     bus,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:     cfg,
		entries: map[string]*entry{},
	}
}

func TriggerID(id int64) string { return fmt.Sprintf("trigger:%d", id) }

func AccountID(id int64) string { return fmt.Sprintf("account:%d", id) }

// Start starts cron (when enabled) and installs the current triggers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.sup == nil {
		e.sup = supervisor.New(ctx, supervisor.WithLogger(e.log))
	}
	if e.cfg.Enabled && e.c == nil {
		e.startCronLocked()
	}
	e.mu.Unlock()

	return e.Reconcile(ctx)
}

// Stop stops cron, cancels running jobs and waits for them within ctx.
func (e *Engine) Stop(ctx context.Context) error {
	start := time.Now()
	e.mu.Lock()
	c, sup := e.c, e.sup
	e.c, e.sup = nil, nil
	for _, en := range e.entries {
		en.eid = 0
	}
	e.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	e.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Apply swaps the config. A timezone or enabled change restarts cron; the
// caller reconciles afterwards.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.cfg
	e.cfg = cfg
	if e.sup == nil {
		return
	}
	switch {
	case !cfg.Enabled && e.c != nil:
		e.stopCronLocked()
		e.log.Info("scheduler disabled")
	case cfg.Enabled && e.c == nil:
		e.startCronLocked()
	case cfg.Enabled && strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone):
		e.stopCronLocked()
		e.startCronLocked()
	}
}

func (e *Engine) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(e.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		e.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (e *Engine) startCronLocked() {
	e.loc = e.loadLocationLocked()
	cl := cronLogger{log: e.log}
	e.c = cron.New(
		cron.WithParser(e.parser),
		cron.WithLocation(e.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	for _, en := range e.entries {
		e.installLocked(en)
	}
	e.c.Start()
	e.log.Info("scheduler started", logx.String("tz", e.loc.String()), logx.Int("triggers", len(e.entries)))
}

func (e *Engine) stopCronLocked() {
	if e.c == nil {
		return
	}
	// not waiting on Done: a job blocked in fire needs e.mu
	e.c.Stop()
	e.c = nil
	for _, en := range e.entries {
		en.eid = 0
	}
}

func (e *Engine) installLocked(en *entry) {
	if e.c == nil {
		return
	}
	id := en.id
	eid, err := e.c.AddFunc(en.spec, func() { e.fire(id) })
	if err != nil {
		e.log.Error("invalid trigger spec", logx.String("id", id), logx.String("spec", en.spec), logx.Err(err))
		return
	}
	en.eid = eid
}

func (e *Engine) removeLocked(en *entry) {
	if e.c != nil && en.eid != 0 {
		e.c.Remove(en.eid)
	}
	en.eid = 0
}

// Reconcile makes the installed entries match the enabled triggers (and the
// account overrides, when on). Unchanged entries keep their cron slot.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	want, err := e.desired(ctx)
	if err != nil {
		return fmt.Errorf("schedule.Reconcile: %w", err)
	}

	e.mu.Lock()
	var added, removed, changed int
	for id, en := range e.entries {
		if _, ok := want[id]; !ok {
			e.removeLocked(en)
			delete(e.entries, id)
			removed++
		}
	}
	for id, w := range want {
		cur, ok := e.entries[id]
		switch {
		case !ok:
			e.entries[id] = w
			e.installLocked(w)
			added++
		case cur.spec != w.spec || cur.name != w.name:
			e.removeLocked(cur)
			e.entries[id] = w
			e.installLocked(w)
			changed++
		case cur.eid == 0:
			e.installLocked(cur)
		}
	}
	total := len(e.entries)
	e.mu.Unlock()

	e.log.Info("schedule reconciled",
		logx.Int("triggers", total),
		logx.Int("added", added),
		logx.Int("removed", removed),
		logx.Int("changed", changed),
	)
	eventbus.Emit(e.bus, eventbus.ScheduleSynced, total)
	return nil
}

func (e *Engine) desired(ctx context.Context) (map[string]*entry, error) {
	e.mu.Lock()
	overrides := e.cfg.AccountOverrides
	e.mu.Unlock()

	triggers, err := e.src.ListEnabledScheduleTriggers(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[string]*entry, len(triggers))
	for _, t := range triggers {
		if err := t.Validate(); err != nil {
			e.log.Warn("skipping invalid trigger", logx.Trigger(t.ID), logx.Err(err))
			continue
		}
		id := TriggerID(t.ID)
		want[id] = &entry{id: id, name: t.Name, spec: domain.DailySpec(t.Hour, t.Minute)}
	}
	if !overrides {
		return want, nil
	}

	accounts, err := e.src.ListEnabledAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if !a.HasOverride() {
			continue
		}
		if err := domain.ValidateTime(*a.CheckinHour, *a.CheckinMinute); err != nil {
			e.log.Warn("skipping invalid account time", logx.Account(a.ID), logx.Err(err))
			continue
		}
		id := AccountID(a.ID)
		want[id] = &entry{
			id:        id,
			name:      a.DisplayName(),
			spec:      domain.DailySpec(*a.CheckinHour, *a.CheckinMinute),
			accountID: a.ID,
		}
	}
	return want, nil
}

// fire runs on the cron goroutine; the work is handed to the supervisor.
func (e *Engine) fire(id string) {
	e.mu.Lock()
	en, ok := e.entries[id]
	sup := e.sup
	var accountID int64
	var name string
	if ok {
		accountID, name = en.accountID, en.name
	}
	e.mu.Unlock()
	if !ok || sup == nil {
		return
	}

	log := e.log.With(logx.String("trigger", id), logx.String("name", name))
	eventbus.Emit(e.bus, eventbus.ScheduleFired, id)

	if accountID != 0 {
		sup.Go0("schedule.account:"+id, func(ctx context.Context) {
			if _, err := e.run.Single(ctx, accountID); err != nil {
				if errors.Is(err, domain.ErrCheckinInProgress) {
					log.Info("account check-in still running; fire skipped")
					return
				}
				log.Warn("scheduled account check-in failed", logx.Err(err))
			}
		})
		return
	}

	if e.run.BatchRunning() {
		log.Warn("batch still running; fire skipped")
		return
	}
	sup.Go0("schedule.batch:"+id, func(ctx context.Context) {
		log.Info("scheduled batch started")
		res, err := e.run.Batch(ctx)
		switch {
		case errors.Is(err, domain.ErrBatchInProgress):
			log.Warn("batch still running; fire skipped")
		case err != nil:
			log.Warn("scheduled batch failed", logx.Err(err))
		default:
			log.Info("scheduled batch done", logx.RunID(res.RunID), logx.Int("failed", res.Failed))
		}
	})
}

// RunNow fires a trigger id immediately, outside its schedule.
func (e *Engine) RunNow(id string) error {
	e.mu.Lock()
	_, ok := e.entries[id]
	e.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	e.fire(id)
	return nil
}

// BatchRunning reports whether a batch is in progress, scheduled or manual.
func (e *Engine) BatchRunning() bool { return e.run.BatchRunning() }

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	loc := e.loc
	if loc == nil {
		loc = e.loadLocationLocked()
	}
	st := Status{
		Running:      e.c != nil,
		Timezone:     loc.String(),
		TriggerCount: len(e.entries),
		Triggers:     make([]TriggerInfo, 0, len(e.entries)),
	}
	for _, en := range e.entries {
		info := TriggerInfo{ID: en.id, Name: en.name, Spec: en.spec}
		if e.c != nil && en.eid != 0 {
			ce := e.c.Entry(en.eid)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		st.Triggers = append(st.Triggers, info)
	}
	sort.Slice(st.Triggers, func(i, j int) bool { return st.Triggers[i].ID < st.Triggers[j].ID })
	return st
}

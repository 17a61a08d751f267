// Package bot implements the owner-only chat commands that administer
// accounts, logins, check-ins and schedules.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Mathew-Carl/Apparition/internal/checkin"
	"github.com/Mathew-Carl/Apparition/internal/domain"
	"github.com/Mathew-Carl/Apparition/internal/login"
	"github.com/Mathew-Carl/Apparition/internal/notifier"
	rtsup "github.com/Mathew-Carl/Apparition/internal/runtime/supervisor"
	"github.com/Mathew-Carl/Apparition/internal/schedule"
	"github.com/Mathew-Carl/Apparition/internal/storage"
	"github.com/Mathew-Carl/Apparition/internal/transport/telegram/router"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

// Logins is the part of login.Registry the bot drives.
type Logins interface {
	Create(ctx context.Context) (string, login.Code, error)
	Status(ctx context.Context, channelID string, attach login.AttachFunc) (login.Status, error)
	Snapshot() []login.Status
}

type Runner interface {
	Single(ctx context.Context, accountID int64) (checkin.Outcome, error)
	Batch(ctx context.Context) (checkin.BatchResult, error)
	BatchRunning() bool
	InFlight() *checkin.InFlight
	CredentialRules() domain.CredentialRules
}

type Scheduler interface {
	Status() schedule.Status
	Reconcile(ctx context.Context) error
}

type Deps struct {
	Store     storage.Store
	Logins    Logins
	Runner    Runner
	Scheduler Scheduler
	// Notifier is optional; it only feeds /status.
	Notifier *notifier.Service
	// Sup owns background work started by commands.
	Sup *rtsup.Supervisor
}

type Bot struct {
	d   Deps
	log logx.Logger

	pollInterval atomic.Int64 // time.Duration
	loginTimeout atomic.Int64 // time.Duration
}

func New(d Deps, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{d: d, log: log}
	b.SetLoginTiming(time.Second, 300*time.Second)
	return b
}

// SetLoginTiming sets how often /login polls and how long it waits at most.
func (b *Bot) SetLoginTiming(poll, timeout time.Duration) {
	if poll <= 0 {
		poll = time.Second
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	b.pollInterval.Store(int64(poll))
	b.loginTimeout.Store(int64(timeout))
}

// Commands is the command table for the router.
func (b *Bot) Commands() []router.Command {
	own := router.AccessOwnerOnly
	return []router.Command{
		{Route: "login", Access: own, Timeout: 2 * time.Minute, Description: "start a QR login", Usage: "/login [content]", Handle: b.cmdLogin},
		{Route: "accounts", Access: own, Timeout: 30 * time.Second, Description: "list accounts", Usage: "/accounts", Handle: b.cmdAccounts},
		{Route: "account", Access: own, Timeout: 30 * time.Second, Description: "edit one account",
			Usage: "/account <id> enable|disable|content <text>|geo <lat> <lon>|notify <endpoint>|time <HH:MM>|clear-time|delete", Handle: b.cmdAccount},
		{Route: "checkin", Access: own, Timeout: 10 * time.Second, Description: "run a check-in now", Usage: "/checkin <id>|all", Handle: b.cmdCheckin},
		{Route: "logs", Access: own, Timeout: 30 * time.Second, Description: "recent check-in records", Usage: "/logs <id>|all [n]", Handle: b.cmdLogs},
		{Route: "schedules", Access: own, Timeout: 30 * time.Second, Description: "show triggers", Usage: "/schedules", Handle: b.cmdSchedules},
		{Route: "schedule add", Access: own, Timeout: 30 * time.Second, Description: "add a daily trigger", Usage: "/schedule add <name> <HH:MM>", Handle: b.cmdScheduleAdd},
		{Route: "schedule edit", Access: own, Timeout: 30 * time.Second, Description: "rename or retime a trigger", Usage: "/schedule edit <id> <name> <HH:MM>", Handle: b.cmdScheduleEdit},
		{Route: "schedule toggle", Access: own, Timeout: 30 * time.Second, Description: "enable or disable a trigger", Usage: "/schedule toggle <id>", Handle: b.cmdScheduleToggle},
		{Route: "schedule del", Aliases: []string{"schedule_delete"}, Access: own, Timeout: 30 * time.Second, Description: "delete a trigger", Usage: "/schedule del <id>", Handle: b.cmdScheduleDelete},
		{Route: "status", Access: own, Timeout: 10 * time.Second, Description: "service status", Usage: "/status", Handle: b.cmdStatus},
	}
}

// reconcile re-derives triggers after a mutation; failures are reported but
// do not undo the mutation.
func (b *Bot) reconcile(ctx context.Context, req *router.Request) string {
	if b.d.Scheduler == nil {
		return ""
	}
	if err := b.d.Scheduler.Reconcile(ctx); err != nil {
		req.Logger.Error("reconcile after mutation failed", logx.Err(err))
		return "\nwarning: schedule reload failed: " + err.Error()
	}
	return ""
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// background runs fn under the supervisor so it outlives the command timeout.
func (b *Bot) background(name string, fn func(ctx context.Context)) {
	if b.d.Sup == nil {
		go fn(context.Background())
		return
	}
	b.d.Sup.Go0(name, fn)
}

package storage

import (
	"context"
	"time"

	"github.com/Mathew-Carl/Apparition/internal/domain"
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// Store persists accounts, check-in records and schedule triggers.
// Missing rows are reported as domain.ErrNotFound.
type Store interface {
	GetAccount(ctx context.Context, id int64) (domain.Account, error)
	GetAccountByRemoteID(ctx context.Context, remoteID string) (domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	ListEnabledAccounts(ctx context.Context) ([]domain.Account, error)
	UpsertAccount(ctx context.Context, a domain.Account) (int64, error)
	DeleteAccount(ctx context.Context, id int64) error
	SetAccountEnabled(ctx context.Context, id int64, enabled bool) error
	TouchLastCheckin(ctx context.Context, id int64, at time.Time) error

	AppendCheckinRecord(ctx context.Context, accountID int64, status domain.CheckinStatus, message string) (int64, error)
	ListCheckinRecords(ctx context.Context, accountID int64, limit int) ([]domain.CheckinRecord, error)

	ListScheduleTriggers(ctx context.Context) ([]domain.ScheduleTrigger, error)
	ListEnabledScheduleTriggers(ctx context.Context) ([]domain.ScheduleTrigger, error)
	GetScheduleTrigger(ctx context.Context, id int64) (domain.ScheduleTrigger, error)
	UpsertScheduleTrigger(ctx context.Context, t domain.ScheduleTrigger) (int64, error)
	DeleteScheduleTrigger(ctx context.Context, id int64) error
	ToggleScheduleTrigger(ctx context.Context, id int64) (bool, error)

	Close() error
}

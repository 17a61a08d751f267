package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Placeholder coordinates of a freshly attached account, matching the column
// defaults.
const (
	DefaultLatitude  = 100.1
	DefaultLongitude = 100.1
)

// Account is one registered remote account.
type Account struct {
	ID             int64
	RemoteID       string
	Name           string
	Credential     string // JSON blob, see ParseCredential
	Content        string
	Latitude       float64
	Longitude      float64
	Enabled        bool
	NotifyEndpoint string
	CheckinHour    *int
	CheckinMinute  *int
	LastCheckinAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DisplayName falls back to the remote id when no name is set.
func (a Account) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	if a.RemoteID != "" {
		return a.RemoteID
	}
	return fmt.Sprintf("#%d", a.ID)
}

// HasOverride reports whether the account carries its own daily time.
func (a Account) HasOverride() bool {
	return a.CheckinHour != nil && a.CheckinMinute != nil
}

type CheckinStatus string

const (
	CheckinSuccess CheckinStatus = "success"
	CheckinFailed  CheckinStatus = "failed"
)

// CheckinRecord is an append-only outcome row.
type CheckinRecord struct {
	ID        int64
	AccountID int64
	Status    CheckinStatus
	Message   string
	CreatedAt time.Time
}

// ScheduleTrigger is a persisted daily time that fires a batch run.
type ScheduleTrigger struct {
	ID        int64
	Name      string
	Hour      int
	Minute    int
	Enabled   bool
	CreatedAt time.Time
}

// Validate checks the time fields before persistence.
func (t ScheduleTrigger) Validate() error {
	return ValidateTime(t.Hour, t.Minute)
}

// ValidateTime checks hour in [0,23] and minute in [0,59].
func ValidateTime(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("%w: hour must be within 0-23, got %d", ErrValidation, hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("%w: minute must be within 0-59, got %d", ErrValidation, minute)
	}
	return nil
}

// DailySpec is the 5-field cron spec firing every day at hour:minute.
func DailySpec(hour, minute int) string {
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

// isDigits reports whether s is 1 to n ASCII digits.
func isDigits(s string, n int) bool {
	if s == "" || len(s) > n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ParseHHMM parses "19:05" or "7:05" into hour and minute. Anything else,
// including trailing text, is rejected.
func ParseHHMM(s string) (int, int, error) {
	bad := fmt.Errorf("%w: invalid time %q, expected HH:MM", ErrValidation, s)
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || !isDigits(hs, 2) || len(ms) != 2 || !isDigits(ms, 2) {
		return 0, 0, bad
	}
	h, _ := strconv.Atoi(hs)
	m, _ := strconv.Atoi(ms)
	if err := ValidateTime(h, m); err != nil {
		return 0, 0, err
	}
	return h, m, nil
}

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

const triggerColumns = `id, name, hour, minute, enabled, created_at`

func scanTrigger(row rowScanner) (domain.ScheduleTrigger, error) {
	var (
		t         domain.ScheduleTrigger
		enabled   int
		createdAt string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Hour, &t.Minute, &enabled, &createdAt); err != nil {
		return domain.ScheduleTrigger{}, err
	}
	t.Enabled = enabled != 0
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// ListScheduleTriggers returns all triggers ordered by time of day.
func (s *SQLite) ListScheduleTriggers(ctx context.Context) ([]domain.ScheduleTrigger, error) {
	return s.listTriggers(ctx, "storage.sqlite.ListScheduleTriggers",
		`SELECT `+triggerColumns+` FROM schedule_triggers ORDER BY hour, minute, id`)
}

func (s *SQLite) GetScheduleTrigger(ctx context.Context, id int64) (domain.ScheduleTrigger, error) {
	const op = "storage.sqlite.GetScheduleTrigger"

	t, err := scanTrigger(s.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM schedule_triggers WHERE id = ?`, id))
	if err != nil {
		return domain.ScheduleTrigger{}, notFound(op, err)
	}
	return t, nil
}

func (s *SQLite) ListEnabledScheduleTriggers(ctx context.Context) ([]domain.ScheduleTrigger, error) {
	return s.listTriggers(ctx, "storage.sqlite.ListEnabledScheduleTriggers",
		`SELECT `+triggerColumns+` FROM schedule_triggers WHERE enabled = 1 ORDER BY hour, minute, id`)
}

func (s *SQLite) listTriggers(ctx context.Context, op, query string) ([]domain.ScheduleTrigger, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.ScheduleTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// UpsertScheduleTrigger validates t and then inserts it (ID 0) or updates it.
// Invalid input never reaches the database.
func (s *SQLite) UpsertScheduleTrigger(ctx context.Context, t domain.ScheduleTrigger) (int64, error) {
	const op = "storage.sqlite.UpsertScheduleTrigger"

	if err := t.Validate(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		name = fmt.Sprintf("check-in %02d:%02d", t.Hour, t.Minute)
	}

	if t.ID != 0 {
		res, err := s.db.ExecContext(ctx,
			`UPDATE schedule_triggers SET name = ?, hour = ?, minute = ?, enabled = ? WHERE id = ?`,
			name, t.Hour, t.Minute, boolInt(t.Enabled), t.ID)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		if err := affectedOrNotFound(op, res); err != nil {
			return 0, err
		}
		return t.ID, nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_triggers (name, hour, minute, enabled, created_at) VALUES (?, ?, ?, ?, ?)`,
		name, t.Hour, t.Minute, boolInt(t.Enabled), formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Debug("trigger added", logx.Trigger(id), logx.String("spec", domain.DailySpec(t.Hour, t.Minute)))
	return id, nil
}

func (s *SQLite) DeleteScheduleTrigger(ctx context.Context, id int64) error {
	const op = "storage.sqlite.DeleteScheduleTrigger"

	res, err := s.db.ExecContext(ctx, `DELETE FROM schedule_triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return affectedOrNotFound(op, res)
}

// ToggleScheduleTrigger flips enabled and returns the new value.
func (s *SQLite) ToggleScheduleTrigger(ctx context.Context, id int64) (bool, error) {
	const op = "storage.sqlite.ToggleScheduleTrigger"

	var enabled int
	err := s.db.QueryRowContext(ctx,
		`UPDATE schedule_triggers SET enabled = 1 - enabled WHERE id = ? RETURNING enabled`, id,
	).Scan(&enabled)
	if err != nil {
		return false, notFound(op, err)
	}
	return enabled != 0, nil
}

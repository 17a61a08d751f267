package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

const accountColumns = `id, remote_id, name, credential, content, latitude, longitude, enabled,
	notify_endpoint, checkin_hour, checkin_minute, last_checkin_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var (
		a                  domain.Account
		enabled            int
		hour, minute       sql.NullInt64
		lastCheckin        sql.NullString
		createdAt, updated string
	)
	err := row.Scan(&a.ID, &a.RemoteID, &a.Name, &a.Credential, &a.Content, &a.Latitude, &a.Longitude,
		&enabled, &a.NotifyEndpoint, &hour, &minute, &lastCheckin, &createdAt, &updated)
	if err != nil {
		return domain.Account{}, err
	}
	a.Enabled = enabled != 0
	if hour.Valid && minute.Valid {
		h, m := int(hour.Int64), int(minute.Int64)
		a.CheckinHour, a.CheckinMinute = &h, &m
	}
	if lastCheckin.Valid && lastCheckin.String != "" {
		t := parseTime(lastCheckin.String)
		a.LastCheckinAt = &t
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updated)
	return a, nil
}

func (s *SQLite) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	const op = "storage.sqlite.GetAccount"

	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		return domain.Account{}, notFound(op, err)
	}
	return a, nil
}

func (s *SQLite) GetAccountByRemoteID(ctx context.Context, remoteID string) (domain.Account, error) {
	const op = "storage.sqlite.GetAccountByRemoteID"

	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE remote_id = ?`, remoteID)
	a, err := scanAccount(row)
	if err != nil {
		return domain.Account{}, notFound(op, err)
	}
	return a, nil
}

func (s *SQLite) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.listAccounts(ctx, "storage.sqlite.ListAccounts", `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
}

// ListEnabledAccounts returns enabled accounts ordered by id, the order
// batch runs follow.
func (s *SQLite) ListEnabledAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.listAccounts(ctx, "storage.sqlite.ListEnabledAccounts",
		`SELECT `+accountColumns+` FROM accounts WHERE enabled = 1 ORDER BY id`)
}

func (s *SQLite) listAccounts(ctx context.Context, op, query string) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func validateAccount(a domain.Account) error {
	if a.HasOverride() {
		if err := domain.ValidateTime(*a.CheckinHour, *a.CheckinMinute); err != nil {
			return err
		}
	} else if a.CheckinHour != nil || a.CheckinMinute != nil {
		return fmt.Errorf("%w: checkin_hour and checkin_minute must be set together", domain.ErrValidation)
	}
	if a.ID == 0 && strings.TrimSpace(a.RemoteID) == "" {
		return fmt.Errorf("%w: remote_id is required", domain.ErrValidation)
	}
	return nil
}

// UpsertAccount updates the account by id when ID is set. Otherwise it
// inserts, and on a remote_id conflict refreshes only the credential and
// name of the existing row. It returns the row id.
func (s *SQLite) UpsertAccount(ctx context.Context, a domain.Account) (int64, error) {
	const op = "storage.sqlite.UpsertAccount"

	if err := validateAccount(a); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	now := formatTime(time.Now())

	if a.ID != 0 {
		res, err := s.db.ExecContext(ctx, `
			UPDATE accounts SET
				remote_id = COALESCE(NULLIF(?, ''), remote_id),
				name = ?, credential = ?, content = ?, latitude = ?, longitude = ?, enabled = ?,
				notify_endpoint = ?, checkin_hour = ?, checkin_minute = ?, updated_at = ?
			WHERE id = ?`,
			a.RemoteID, a.Name, a.Credential, a.Content, a.Latitude, a.Longitude, boolInt(a.Enabled),
			a.NotifyEndpoint, nullableInt(a.CheckinHour), nullableInt(a.CheckinMinute), now, a.ID)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		if err := affectedOrNotFound(op, res); err != nil {
			return 0, err
		}
		return a.ID, nil
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (remote_id, name, credential, content, latitude, longitude, enabled,
			notify_endpoint, checkin_hour, checkin_minute, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (remote_id) DO UPDATE SET
			credential = excluded.credential,
			name = excluded.name,
			updated_at = excluded.updated_at
		RETURNING id`,
		a.RemoteID, a.Name, a.Credential, a.Content, a.Latitude, a.Longitude, boolInt(a.Enabled),
		a.NotifyEndpoint, nullableInt(a.CheckinHour), nullableInt(a.CheckinMinute), now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Debug("account upserted", logx.Account(id), logx.String("remote_id", a.RemoteID))
	return id, nil
}

// DeleteAccount removes the account together with its records.
func (s *SQLite) DeleteAccount(ctx context.Context, id int64) error {
	const op = "storage.sqlite.DeleteAccount"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkin_records WHERE account_id = ?`, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := affectedOrNotFound(op, res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *SQLite) SetAccountEnabled(ctx context.Context, id int64, enabled bool) error {
	const op = "storage.sqlite.SetAccountEnabled"

	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return affectedOrNotFound(op, res)
}

func (s *SQLite) TouchLastCheckin(ctx context.Context, id int64, at time.Time) error {
	const op = "storage.sqlite.TouchLastCheckin"

	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_checkin_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return affectedOrNotFound(op, res)
}

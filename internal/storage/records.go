package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Mathew-Carl/Apparition/internal/domain"
)

const defaultRecordLimit = 20

func (s *SQLite) AppendCheckinRecord(ctx context.Context, accountID int64, status domain.CheckinStatus, message string) (int64, error) {
	const op = "storage.sqlite.AppendCheckinRecord"

	switch status {
	case domain.CheckinSuccess, domain.CheckinFailed:
	default:
		return 0, fmt.Errorf("%s: %w: unknown status %q", op, domain.ErrValidation, status)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkin_records (account_id, status, message, created_at) VALUES (?, ?, ?, ?)`,
		accountID, string(status), message, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

// ListCheckinRecords returns up to limit records, newest first.
// accountID 0 lists records of every account.
func (s *SQLite) ListCheckinRecords(ctx context.Context, accountID int64, limit int) ([]domain.CheckinRecord, error) {
	const op = "storage.sqlite.ListCheckinRecords"

	if limit <= 0 {
		limit = defaultRecordLimit
	}
	query := `SELECT id, account_id, status, message, created_at FROM checkin_records`
	args := []any{}
	if accountID != 0 {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.CheckinRecord
	for rows.Next() {
		var (
			r         domain.CheckinRecord
			status    string
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.AccountID, &status, &r.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		r.Status = domain.CheckinStatus(status)
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

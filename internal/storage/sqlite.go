package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

const timeLayout = time.RFC3339Nano

// SQLite implements Store on a single database file.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

var _ Store = (*SQLite)(nil)

// Open opens (creating if needed) the database file and migrates it to the
// latest schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*SQLite, error) {
	const op = "storage.sqlite.Open"

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("%s: %w: storage.path is required", op, domain.ErrValidation)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// one writer; sqlite serializes writes anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %s: %w", op, p, err)
		}
	}

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &SQLite{db: db, log: log}
	if err := st.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// notFound maps sql.ErrNoRows to domain.ErrNotFound.
func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func affectedOrNotFound(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return nil
}

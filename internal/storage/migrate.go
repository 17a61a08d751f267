package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

// Migrate applies pending embedded migrations. It is a no-op when the schema
// is current.
func (s *SQLite) Migrate() error {
	const op = "storage.sqlite.Migrate"

	m, err := s.migrator()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			s.log.Debug("schema up to date")
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	version, dirty, _ := m.Version()
	s.log.Info("schema migrated", logx.Uint64("version", uint64(version)), logx.Bool("dirty", dirty))
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *SQLite) SchemaVersion() (uint, bool, error) {
	const op = "storage.sqlite.SchemaVersion"

	m, err := s.migrator()
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	return v, dirty, nil
}

// migrator is never closed: closing it would close the shared *sql.DB.
func (s *SQLite) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	drv, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return nil, err
	}
	return migrate.NewWithInstance("iofs", src, "sqlite", drv)
}

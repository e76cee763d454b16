package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// migrateUp brings the schema up to the latest embedded migration.
// The migrate instance is deliberately not closed: closing it closes conn.
func migrateUp(conn *sql.DB, dialect Dialect) error {
	src, err := iofs.New(migrationFS, "migrations/"+string(dialect))
	if err != nil {
		return fmt.Errorf("loading %s migrations: %w", dialect, err)
	}

	var driver migratedb.Driver
	switch dialect {
	case SQLite:
		driver, err = sqlite.WithInstance(conn, &sqlite.Config{})
	case Postgres:
		driver, err = postgres.WithInstance(conn, &postgres.Config{})
	default:
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(dialect), driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	before, _, _ := m.Version()
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return err
	}
	after, _, _ := m.Version()
	slog.Info("database migrated", "dialect", dialect, "from", before, "to", after)
	return nil
}

// schemaVersion reports the applied migration version.
func schemaVersion(conn *sql.DB) (uint, bool, error) {
	var count int
	if err := conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	if count == 0 {
		return 0, false, nil
	}
	var version int64
	var dirty bool
	if err := conn.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty); err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return uint(version), dirty, nil
}

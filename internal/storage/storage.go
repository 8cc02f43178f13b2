// Package storage is the SQLite persistence layer: the clinical record
// source read by the evaluators, the violation store, and the embedded
// schema migrations.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrViolationNotFound is returned when a violation id does not exist.
var ErrViolationNotFound = errors.New("storage: violation not found")

// DB wraps the SQLite handle shared by the source and the violation store.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", path, err)
	}
	return &DB{db: db, logger: logger}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// SQL exposes the underlying handle.
func (d *DB) SQL() *sql.DB { return d.db }

// Migrate applies every pending embedded migration.
func (d *DB) Migrate() error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	// m.Close would close the shared *sql.DB through the driver.
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			d.logger.Debug("schema up to date")
			return nil
		}
		return fmt.Errorf("storage: migrate up: %w", err)
	}
	version, _, _ := m.Version()
	d.logger.Info("schema migrated", "version", version)
	return nil
}

// MigrateDown rolls back every migration.
func (d *DB) MigrateDown() error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("storage: migrate down: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (d *DB) SchemaVersion() (uint, bool, error) {
	m, err := d.migrator()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: schema version: %w", err)
	}
	return v, dirty, nil
}

func (d *DB) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("storage: migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(d.db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("storage: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return nil, fmt.Errorf("storage: migrator: %w", err)
	}
	return m, nil
}

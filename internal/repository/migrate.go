package repository

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/joseph-ayodele/receipts-ledger/db"
)

// Migrate applies every pending migration for the database's dialect.
func Migrate(d *DB, logger *slog.Logger) error {
	var (
		driver database.Driver
		err    error
	)
	switch d.Dialect {
	case DialectPostgres:
		driver, err = migratepgx.WithInstance(d.DB, &migratepgx.Config{})
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(d.DB, &migratesqlite.Config{})
	default:
		return fmt.Errorf("unsupported dialect %q", d.Dialect)
	}
	if err != nil {
		return fmt.Errorf("create %s migration driver: %w", d.Dialect, err)
	}

	src, err := iofs.New(db.Migrations, "migrations/"+string(d.Dialect))
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(d.Dialect), driver)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// the sqlite driver closes the *sql.DB it was handed, which would drop an in-memory database
	if d.Dialect == DialectPostgres {
		defer m.Close()
	} else {
		defer src.Close()
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, verr := m.Version()
	if verr == nil {
		logger.Info("database migrated", "dialect", d.Dialect, "version", version, "dirty", dirty)
	}
	return nil
}

// Package migrations wires golang-migrate execution for the provenance store.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	dbmigrations "github.com/perfstream/anomalyd/db/migrations"
)

// Apply ensures the migrations are applied to the Postgres instance
// reachable via dsn. When migrationsDir is empty the embedded migrations are
// used. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	m, cleanup, err := prepareMigrator(ctx, dsn, migrationsDir)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil {
		logger.Printf("database migrations applied successfully")
	}
	return nil
}

// Rollback steps the database backwards by the requested number of
// migrations. Steps defaults to 1 when zero or negative values are supplied.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		steps = 1
	}
	m, cleanup, err := prepareMigrator(ctx, dsn, migrationsDir)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("rollback migrations: %w", err)
	}
	if logger != nil {
		logger.Printf("rolled back %d migration(s)", steps)
	}
	return nil
}

func prepareMigrator(ctx context.Context, dsn, migrationsDir string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migration driver: %w", err)
	}

	var m *migrate.Migrate
	if migrationsDir == "" {
		source, serr := iofs.New(dbmigrations.Files, ".")
		if serr != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithInstance("iofs", source, "pgx", driver)
	} else {
		if info, serr := os.Stat(migrationsDir); serr != nil || !info.IsDir() {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations path %q is not a directory", migrationsDir)
		}
		m, err = migrate.NewWithDatabaseInstance("file://"+migrationsDir, "pgx", driver)
	}
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrator: %w", err)
	}
	cleanup := func() {
		_, _ = m.Close()
	}
	return m, cleanup, nil
}

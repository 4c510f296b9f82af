package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies the embedded relay schema to db. An up-to-date schema is
// not an error.
func Migrate(ctx context.Context, db *sql.DB, databaseName string, logger log.Logger) error {
	if db == nil {
		return ErrDBRequired
	}

	if !dbNamePattern.MatchString(databaseName) {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, databaseName)
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return runMigrations(ctx, db, databaseName, logger)
}

func runMigrations(ctx context.Context, db *sql.DB, databaseName string, logger log.Logger) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		DatabaseName: databaseName,
		SchemaName:   "public",
	})
	if err != nil {
		return newSanitizedError(err, "failed to create postgres driver instance")
	}

	m, err := migrate.NewWithInstance("iofs", source, databaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// releases the migration connection; db stays open
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Log(ctx, log.LevelWarn, "failed to close migrator", log.Err(errors.Join(srcErr, dbErr)))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelDebug, "relay schema is up to date")
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d: %w", dirtyErr.Version, err)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "relay schema migrated")

	return nil
}

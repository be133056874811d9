package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

var errNoPool = errors.New("postgres: migrations require a *pgxpool.Pool connection")

// Migrate applies all pending schema migrations.
func (s *Storage) Migrate(ctx context.Context) error {
	return s.withGoose(func(db *sql.DB) error {
		from, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to get current version: %w", err)
		}
		if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		to, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to get final version: %w", err)
		}
		s.logger.Info("migration completed",
			billing.Field{Key: "from_version", Value: from},
			billing.Field{Key: "to_version", Value: to})
		return nil
	})
}

// MigrateDown rolls back the given number of migrations.
func (s *Storage) MigrateDown(ctx context.Context, steps int) error {
	return s.withGoose(func(db *sql.DB) error {
		for i := 0; i < steps; i++ {
			if err := goose.DownContext(ctx, db, migrationsDir); err != nil {
				return fmt.Errorf("failed to run down migration: %w", err)
			}
		}
		s.logger.Info("down migration completed", billing.Field{Key: "steps", Value: steps})
		return nil
	})
}

// SchemaVersion returns the applied migration version.
func (s *Storage) SchemaVersion(ctx context.Context) (int64, error) {
	var version int64
	err := s.withGoose(func(db *sql.DB) error {
		var err error
		version, err = goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		return nil
	})
	return version, err
}

// MigrationStatus logs the state of every known migration through goose.
func (s *Storage) MigrationStatus(ctx context.Context) error {
	return s.withGoose(func(db *sql.DB) error {
		if err := goose.StatusContext(ctx, db, migrationsDir); err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		return nil
	})
}

func (s *Storage) withGoose(fn func(db *sql.DB) error) error {
	if s.pool == nil {
		return errNoPool
	}
	// The *sql.DB keeps no idle connections of its own; closing it is left to the pool.
	db := stdlib.OpenDBFromPool(s.pool)

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn(db)
}

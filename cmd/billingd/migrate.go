package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gobilling/internal/config"
)

func migrateCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
		Long: `Apply or roll back the embedded postgres migrations.

Examples:
  billingd migrate up
  billingd migrate down --steps 1
  billingd migrate status`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(cmd.Context(), *configFile, func(ctx context.Context, m migrator) error {
				return m.Migrate(ctx)
			})
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			return withPostgres(cmd.Context(), *configFile, func(ctx context.Context, m migrator) error {
				return m.MigrateDown(ctx, steps)
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(cmd.Context(), *configFile, func(ctx context.Context, m migrator) error {
				if err := m.MigrationStatus(ctx); err != nil {
					return err
				}
				version, err := m.SchemaVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", version)
				return nil
			})
		},
	})

	return cmd
}

// migrator is the schema surface of storage/postgres.Storage
type migrator interface {
	Migrate(ctx context.Context) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) error
	SchemaVersion(ctx context.Context) (int64, error)
}

func withPostgres(ctx context.Context, configFile string, fn func(ctx context.Context, m migrator) error) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		return fmt.Errorf("migrations only apply to the postgres driver (storage.driver is %q)", cfg.Storage.Driver)
	}
	if err := cfg.ValidateStorage(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	be, err := openBackend(ctx, cfg, billingLogger(logger), false)
	if err != nil {
		return err
	}
	defer be.close()
	return fn(ctx, be.pg)
}

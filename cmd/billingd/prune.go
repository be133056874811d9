package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

func pruneEventsCmd(configFile *string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune-events",
		Short: "Delete processed-event markers older than the retention window",
		Long: `Delete idempotency markers older than --older-than (default: storage.event_retention).

Redeliveries of pruned events are no longer recognized as duplicates, so keep
the window well above Stripe's redelivery horizon.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			if err := cfg.ValidateStorage(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if olderThan == 0 {
				olderThan = cfg.Storage.EventRetention
			}
			if olderThan <= 0 {
				return fmt.Errorf("retention must be positive")
			}

			be, err := openBackend(cmd.Context(), cfg, billingLogger(logger), false)
			if err != nil {
				return err
			}
			defer be.close()

			pruner, ok := be.store.(billing.EventPruner)
			if !ok {
				return fmt.Errorf("storage driver %q does not support pruning: %w", cfg.Storage.Driver, billing.ErrNotSupported)
			}

			cutoff := time.Now().UTC().Add(-olderThan)
			n, err := pruner.PruneEvents(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			logger.Info().Int64("deleted", n).Time("before", cutoff).Msg("pruned processed events")
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d processed events older than %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "marker age to prune (e.g. 2160h)")
	return cmd
}

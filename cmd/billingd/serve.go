package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd(configFile *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and billing API",
		Long: `Run the HTTP server.

Endpoints:
  POST /webhooks/stripe      Stripe event deliveries
  GET  /api/subscription     caller's current subscription (bearer token)
  POST /api/checkout         start a subscription checkout (bearer token)
  POST /api/billing-portal   open the billing portal (bearer token)
  GET  /healthz, /metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			be, err := openBackend(ctx, cfg, billingLogger(logger), true)
			if err != nil {
				return err
			}
			defer be.close()

			if be.pg != nil && cfg.Storage.Postgres.AutoMigrate {
				if err := be.pg.Migrate(ctx); err != nil {
					return err
				}
			}

			router, err := newRouter(cfg, logger, be.store)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      router,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				IdleTimeout:  cfg.Server.IdleTimeout,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info().
					Str("addr", cfg.Server.Addr).
					Str("storage", cfg.Storage.Driver).
					Str("version", Version).
					Msg("billingd listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gobilling/internal/config"
	"github.com/mihaimyh/gobilling/pkg/billing"
	zlog "github.com/mihaimyh/gobilling/pkg/billing/logger/zerolog"
	firestorestore "github.com/mihaimyh/gobilling/storage/firestore"
	"github.com/mihaimyh/gobilling/storage/memory"
	"github.com/mihaimyh/gobilling/storage/postgres"
	redisstore "github.com/mihaimyh/gobilling/storage/redis"
)

// backend is an opened persistence gateway plus its cleanup.
type backend struct {
	store billing.Store
	// pg is set for the postgres driver; migrations need it
	pg    *postgres.Storage
	close func()
}

func loadConfig(configFile string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := cfg.Log.NewLogger(os.Stdout)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid log config: %w", err)
	}
	return cfg, logger, nil
}

// openBackend connects the configured storage driver. Background cleanup is
// only started for long-running processes.
func openBackend(ctx context.Context, cfg *config.Config, logger billing.Logger, background bool) (*backend, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory storage; state is lost on restart")
		return &backend{store: memory.New(), close: func() {}}, nil

	case config.DriverPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Storage.Postgres.DSN
		pgCfg.MaxConns = cfg.Storage.Postgres.MaxConns
		pgCfg.MinConns = cfg.Storage.Postgres.MinConns
		pgCfg.MaxConnLifetime = cfg.Storage.Postgres.MaxConnLifetime
		pgCfg.CleanupEnabled = background && cfg.Storage.EventRetention > 0
		pgCfg.CleanupInterval = cfg.Storage.CleanupInterval
		pgCfg.EventRetention = cfg.Storage.EventRetention
		pgCfg.Logger = logger

		pg, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return &backend{store: pg, pg: pg, close: pg.Close}, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rs, err := redisstore.New(client, redisstore.Config{
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
			EventTTL:  cfg.Storage.EventRetention,
			Logger:    logger,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backend{store: rs, close: func() { _ = rs.Close() }}, nil

	case config.DriverFirestore:
		client, err := firestore.NewClient(ctx, cfg.Storage.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		fs, err := firestorestore.New(client, firestorestore.Config{
			SubscriptionsCollection: cfg.Storage.Firestore.SubscriptionsCollection,
			EventsCollection:        cfg.Storage.Firestore.EventsCollection,
			TombstonesCollection:    cfg.Storage.Firestore.TombstonesCollection,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backend{store: fs, close: func() { _ = client.Close() }}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func billingLogger(logger zerolog.Logger) billing.Logger {
	return zlog.NewLogger(logger)
}

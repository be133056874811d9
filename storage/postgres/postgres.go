// Package postgres provides a PostgreSQL implementation of the billing.Store interface.
// Event claims and record writes share one SQL transaction; the subscription
// row is serialized per provider subscription id with a transaction-scoped
// advisory lock followed by SELECT FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Storage implements billing.Store using PostgreSQL.
type Storage struct {
	db     DB
	pool   *pgxpool.Pool // nil when constructed over a non-pool DB
	config Config
	logger billing.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// MaxTxAttempts bounds retries of transactions aborted by a
	// serialization failure or deadlock.
	MaxTxAttempts int

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to prune processed events
	EventRetention  time.Duration // How long processed-event markers are kept

	Logger billing.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		MaxTxAttempts:   3,
		CleanupEnabled:  false,
		CleanupInterval: time.Hour,
		EventRetention:  90 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := newStorage(pool, config)
	s.pool = pool

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.EventRetention > 0 {
		cleanupCtx, cancel := context.WithCancel(context.Background())
		s.stopCleanup = cancel
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// NewWithDB wraps an existing connection. Migrations need a *pgxpool.Pool,
// so Migrate fails on stores built this way unless db is one.
func NewWithDB(db DB, config Config) *Storage {
	s := newStorage(db, config)
	if pool, ok := db.(*pgxpool.Pool); ok {
		s.pool = pool
	}
	return s
}

func newStorage(db DB, config Config) *Storage {
	if config.MaxTxAttempts <= 0 {
		config.MaxTxAttempts = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	return &Storage{db: db, config: config, logger: logger}
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const subscriptionColumns = `id, user_id, provider_customer_id, provider_subscription_id, provider_price_id,
	plan_id, billing_period, status, current_period_start, current_period_end, cancel_at_period_end,
	card_brand, card_last4, card_exp_month, card_exp_year, last_event_at, created_at, updated_at`

// GetSubscription implements billing.SubscriptionReader
func (s *Storage) GetSubscription(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`,
		providerSubscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByUser implements billing.SubscriptionReader. Records that
// are not canceled win over canceled ones, then the most recently updated.
func (s *Storage) GetSubscriptionByUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1
			ORDER BY (status <> 'canceled') DESC, updated_at DESC
			LIMIT 1`,
		userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by user: %w", err)
	}
	return sub, nil
}

// IsProcessed implements billing.Store
func (s *Storage) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`,
		eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// PruneEvents implements billing.EventPruner
func (s *Storage) PruneEvents(ctx context.Context, processedBefore time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`, processedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// startCleanup prunes old processed-event markers until ctx is canceled.
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.config.EventRetention)
			n, err := s.PruneEvents(ctx, cutoff)
			if err != nil {
				s.logger.Warn("processed event cleanup failed", billing.Field{Key: "error", Value: err})
				continue
			}
			if n > 0 {
				s.logger.Info("pruned processed events",
					billing.Field{Key: "count", Value: n},
					billing.Field{Key: "before", Value: cutoff})
			}
		}
	}
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var (
		sub               billing.Subscription
		period, status    string
		start, end        *time.Time
		brand, last4      *string
		expMonth, expYear *int
	)
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.ProviderCustomerID,
		&sub.ProviderSubscriptionID,
		&sub.ProviderPriceID,
		&sub.PlanID,
		&period,
		&status,
		&start,
		&end,
		&sub.CancelAtPeriodEnd,
		&brand,
		&last4,
		&expMonth,
		&expYear,
		&sub.LastEventAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.BillingPeriod = billing.BillingPeriod(period)
	sub.Status = billing.Status(status)
	if start != nil {
		sub.CurrentPeriodStart = start.UTC()
	}
	if end != nil {
		sub.CurrentPeriodEnd = end.UTC()
	}
	if brand != nil || last4 != nil {
		sub.Card = &billing.PaymentCard{}
		if brand != nil {
			sub.Card.Brand = *brand
		}
		if last4 != nil {
			sub.Card.Last4 = *last4
		}
		if expMonth != nil {
			sub.Card.ExpMonth = *expMonth
		}
		if expYear != nil {
			sub.Card.ExpYear = *expYear
		}
	}
	sub.LastEventAt = sub.LastEventAt.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

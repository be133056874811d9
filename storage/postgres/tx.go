package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// RunInTx implements billing.Store. fn is re-run when PostgreSQL aborts the
// transaction with a serialization failure or deadlock.
func (s *Storage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.config.MaxTxAttempts; attempt++ {
		err = s.runOnce(ctx, fn)
		if err == nil || !isRetryableTxError(err) || ctx.Err() != nil {
			return err
		}
		s.logger.Debug("retrying aborted transaction",
			billing.Field{Key: "attempt", Value: attempt},
			billing.Field{Key: "error", Value: err})
	}
	return err
}

func (s *Storage) runOnce(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return &billing.PersistenceError{Op: "begin", Err: err}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		// Roll back even if ctx is already done.
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &billing.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}

// pgTx implements billing.Tx over one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ClaimEvent(ctx context.Context, ev billing.ProcessedEvent) (billing.ClaimResult, error) {
	var claimed string
	err := t.tx.QueryRow(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO NOTHING
			RETURNING event_id`,
		ev.EventID, ev.EventType, ev.ProcessedAt.UTC()).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.ClaimAlreadyProcessed, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to claim event: %w", err)
	}
	return billing.ClaimFirstSeen, nil
}

func (t *pgTx) LoadSubscription(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	// FOR UPDATE cannot lock a row that does not exist yet; the advisory lock
	// covers the first insert for this subscription id.
	if _, err := t.tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, providerSubscriptionID); err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	sub, err := scanSubscription(t.tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE provider_subscription_id = $1
			FOR UPDATE`,
		providerSubscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}

func (t *pgTx) SaveSubscription(ctx context.Context, sub *billing.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	var brand, last4 *string
	var expMonth, expYear *int
	if c := sub.Card; c != nil {
		brand, last4 = &c.Brand, &c.Last4
		expMonth, expYear = &c.ExpMonth, &c.ExpYear
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (provider_subscription_id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				provider_customer_id = EXCLUDED.provider_customer_id,
				provider_price_id = EXCLUDED.provider_price_id,
				plan_id = EXCLUDED.plan_id,
				billing_period = EXCLUDED.billing_period,
				status = EXCLUDED.status,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				card_brand = EXCLUDED.card_brand,
				card_last4 = EXCLUDED.card_last4,
				card_exp_month = EXCLUDED.card_exp_month,
				card_exp_year = EXCLUDED.card_exp_year,
				last_event_at = EXCLUDED.last_event_at,
				updated_at = EXCLUDED.updated_at`,
		sub.ID,
		sub.UserID,
		sub.ProviderCustomerID,
		sub.ProviderSubscriptionID,
		sub.ProviderPriceID,
		sub.PlanID,
		string(sub.BillingPeriod),
		string(sub.Status),
		nullTime(sub.CurrentPeriodStart),
		nullTime(sub.CurrentPeriodEnd),
		sub.CancelAtPeriodEnd,
		brand,
		last4,
		expMonth,
		expYear,
		sub.LastEventAt.UTC(),
		sub.CreatedAt.UTC(),
		sub.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// LoadTombstone runs after LoadSubscription, so the advisory lock for the id
// is already held.
func (t *pgTx) LoadTombstone(ctx context.Context, providerSubscriptionID string) (time.Time, error) {
	var deletedAt time.Time
	err := t.tx.QueryRow(ctx,
		`SELECT deleted_at FROM subscription_tombstones WHERE provider_subscription_id = $1`,
		providerSubscriptionID).Scan(&deletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load tombstone: %w", err)
	}
	return deletedAt.UTC(), nil
}

func (t *pgTx) SaveTombstone(ctx context.Context, providerSubscriptionID string, deletedAt time.Time) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO subscription_tombstones (provider_subscription_id, deleted_at)
			VALUES ($1, $2)
			ON CONFLICT (provider_subscription_id) DO UPDATE SET
				deleted_at = GREATEST(subscription_tombstones.deleted_at, EXCLUDED.deleted_at)`,
		providerSubscriptionID, deletedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save tombstone: %w", err)
	}
	return nil
}

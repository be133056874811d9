package billing

import (
	"context"
	"time"
)

// Config configures a Reconciler.
type Config struct {
	// Store is the persistence gateway. Required.
	Store Store

	// Provider is the provider name used as a metrics label. Defaults to "stripe".
	Provider string

	// Fetcher retrieves full subscription detail for CheckoutCompleted events.
	// If nil, checkout records are created from the session payload alone.
	Fetcher SubscriptionFetcher

	// Ordering selects how out-of-order updates are treated.
	// Defaults to OrderingByEventTime.
	Ordering OrderingPolicy

	// Clock overrides time.Now. Used for marker and record timestamps.
	Clock func() time.Time

	// Logger is an optional structured logger. Defaults to NoopLogger.
	Logger Logger

	// Metrics is an optional metrics collector. Defaults to NoopMetrics.
	Metrics Metrics

	// OnApplied is called after a transaction that changed a record has
	// committed. It runs synchronously on the request path; errors are logged
	// and never fail the webhook, since the change is already durable.
	OnApplied func(ctx context.Context, ev WebhookEvent) error
}

package billing

import (
	"context"
	"net/http"
	"time"
)

// Provider is the inbound side of a payment provider integration.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that receives provider events.
	// The implementation verifies, decodes and hands events to a Reconciler.
	WebhookHandler() http.Handler
}

// SubscriptionFetcher retrieves the full subscription from the provider.
// Webhook payloads are lean; checkout completion needs the price, period
// bounds and payment instrument that only the API returns.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, subscriptionRef string) (*SubscriptionDetail, error)
}

// Tx is the transactional view a Store hands to RunInTx callbacks.
type Tx interface {
	// ClaimEvent inserts the marker if absent. A marker that already exists
	// yields ClaimAlreadyProcessed, not an error.
	ClaimEvent(ctx context.Context, ev ProcessedEvent) (ClaimResult, error)

	// LoadSubscription returns the record for providerSubscriptionID, locked
	// for the rest of the transaction where the backend supports it.
	// Returns nil, nil when no record exists.
	LoadSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error)

	// SaveSubscription upserts the record keyed by ProviderSubscriptionID.
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// LoadTombstone returns when the provider deleted a subscription that had
	// no record at the time, or the zero time.
	LoadTombstone(ctx context.Context, providerSubscriptionID string) (time.Time, error)

	// SaveTombstone remembers such a deletion. The later deletedAt wins.
	SaveTombstone(ctx context.Context, providerSubscriptionID string, deletedAt time.Time) error
}

// SubscriptionReader is the read contract used by the UI-facing API and the
// entitlement middleware. Both return ErrSubscriptionNotFound when nothing matches.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error)

	// GetSubscriptionByUser returns the user's current record as chosen by SelectCurrent.
	GetSubscriptionByUser(ctx context.Context, userID string) (*Subscription, error)
}

// Store is the persistence gateway. The claim and the record mutation made
// inside one RunInTx call become visible together or not at all.
type Store interface {
	SubscriptionReader

	// RunInTx runs fn inside a transaction and commits when fn returns nil.
	// fn may be invoked more than once when the backend retries on contention,
	// so it must not have side effects outside tx.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// IsProcessed is a non-transactional lookup of the marker. It is only a
	// shortcut; ClaimEvent remains the authority.
	IsProcessed(ctx context.Context, eventID string) (bool, error)
}

// EventPruner is implemented by stores that can delete markers older than a
// cutoff. Redis markers also expire on their own TTL.
type EventPruner interface {
	PruneEvents(ctx context.Context, processedBefore time.Time) (int64, error)
}

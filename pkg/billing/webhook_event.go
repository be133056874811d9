package billing

import "time"

// Disposition is how a webhook delivery was handled. It is reported back to
// the provider in the acknowledgement body.
type Disposition string

const (
	DispositionProcessed Disposition = "processed"
	DispositionDuplicate Disposition = "duplicate"
	DispositionIgnored   Disposition = "ignored"
	DispositionStale     Disposition = "stale"
)

// Result describes the handling of one event.
type Result struct {
	EventID     string
	EventType   string
	Disposition Disposition
	Outcome     Outcome
	// Subscription is the record as committed, nil when nothing was written.
	Subscription *Subscription
}

// WebhookEvent is passed to Config.OnApplied after a record change commits.
type WebhookEvent struct {
	// EventID is the provider event id
	EventID string

	// EventType is the provider event type, e.g. "checkout.session.completed"
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Provider is the billing provider name ("stripe")
	Provider string

	// UserID is the owning user, empty when not yet known
	UserID string

	// PreviousStatus is the status before the change ("" for new records)
	PreviousStatus Status

	// NewStatus is the status after the change
	NewStatus Status

	// Outcome is what the projection did
	Outcome Outcome

	// Subscription is the committed record
	Subscription *Subscription
}

package billing

import "time"

// Envelope carries the identity of a provider event.
type Envelope struct {
	// ID is the provider event id, the idempotency key
	ID string
	// Type is the provider event type, e.g. "customer.subscription.updated"
	Type string
	// CreatedAt is when the provider created the event
	CreatedAt time.Time
}

// Meta returns the envelope. Promoted onto every event variant.
func (e Envelope) Meta() Envelope { return e }

// Event is a decoded provider event. The set of variants is closed:
// CheckoutCompleted, SubscriptionUpdated, SubscriptionDeleted and Ignored.
//
//	switch ev := ev.(type) {
//	case billing.CheckoutCompleted:
//	case billing.SubscriptionUpdated:
//	case billing.SubscriptionDeleted:
//	case billing.Ignored:
//	}
type Event interface {
	Meta() Envelope
	isEvent()
}

// CheckoutCompleted is emitted when a subscription checkout session finishes.
type CheckoutCompleted struct {
	Envelope
	SessionRef      string
	CustomerRef     string
	SubscriptionRef string
	UserID          string
	PlanID          string
	BillingPeriod   BillingPeriod
	// PaymentStatus is the session payment status ("paid", "unpaid", "no_payment_required")
	PaymentStatus string

	// Detail is the full subscription as fetched from the provider. The
	// webhook payload does not carry it; the reconciler fills it in.
	Detail *SubscriptionDetail
}

// SubscriptionUpdated is emitted on any change to a subscription.
type SubscriptionUpdated struct {
	Envelope
	SubscriptionRef   string
	CustomerRef       string
	PriceRef          string
	UserID            string
	BillingPeriod     BillingPeriod
	Status            Status
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

// SubscriptionDeleted is emitted when a subscription ends.
type SubscriptionDeleted struct {
	Envelope
	SubscriptionRef string
}

// Ignored is any event outside the supported set. It is acknowledged and
// never written.
type Ignored struct {
	Envelope
	Reason string
}

func (CheckoutCompleted) isEvent()   {}
func (SubscriptionUpdated) isEvent() {}
func (SubscriptionDeleted) isEvent() {}
func (Ignored) isEvent()             {}

// SubscriptionDetail is the provider's full view of a subscription,
// including the payment instrument snapshot.
type SubscriptionDetail struct {
	SubscriptionRef   string
	CustomerRef       string
	PriceRef          string
	UserID            string
	BillingPeriod     BillingPeriod
	Status            Status
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	Card              *PaymentCard
}

// SubscriptionRef returns the provider subscription id an event targets,
// or "" for Ignored.
func SubscriptionRef(ev Event) string {
	switch ev := deref(ev).(type) {
	case CheckoutCompleted:
		return ev.SubscriptionRef
	case SubscriptionUpdated:
		return ev.SubscriptionRef
	case SubscriptionDeleted:
		return ev.SubscriptionRef
	}
	return ""
}

// deref turns pointer variants into values so callers switch over one form.
func deref(ev Event) Event {
	switch e := ev.(type) {
	case *CheckoutCompleted:
		if e != nil {
			return *e
		}
	case *SubscriptionUpdated:
		if e != nil {
			return *e
		}
	case *SubscriptionDeleted:
		if e != nil {
			return *e
		}
	case *Ignored:
		if e != nil {
			return *e
		}
	default:
		return ev
	}
	return nil
}

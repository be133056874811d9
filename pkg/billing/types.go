package billing

import (
	"fmt"
	"strings"
	"time"
)

// Status is the locally tracked lifecycle state of a subscription.
type Status string

const (
	// StatusIncomplete means the first payment has not completed yet
	StatusIncomplete Status = "incomplete"
	// StatusTrialing means the subscription is inside its trial window
	StatusTrialing Status = "trialing"
	// StatusActive means the subscription is paid and current
	StatusActive Status = "active"
	// StatusPastDue means a renewal payment failed and is being retried
	StatusPastDue Status = "past_due"
	// StatusCanceled is terminal: the subscription no longer grants access
	StatusCanceled Status = "canceled"
)

// ParseStatus maps a provider status string onto the local status set.
// Provider states without a local equivalent are folded into the closest one.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "incomplete":
		return StatusIncomplete, true
	case "trialing":
		return StatusTrialing, true
	case "active":
		return StatusActive, true
	case "past_due", "unpaid", "paused":
		return StatusPastDue, true
	case "canceled", "cancelled", "incomplete_expired":
		return StatusCanceled, true
	default:
		return "", false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIncomplete, StatusTrialing, StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// Entitled reports whether the status grants access to paid features.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// BillingPeriod is the recurring interval of a plan.
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodYearly  BillingPeriod = "yearly"
)

// ParseBillingPeriod accepts both the local names and the provider's
// recurring interval names ("month", "year").
func ParseBillingPeriod(s string) (BillingPeriod, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monthly", "month":
		return PeriodMonthly, true
	case "yearly", "year", "annual", "annually":
		return PeriodYearly, true
	default:
		return "", false
	}
}

// PaymentCard is a display-only snapshot of the default payment instrument.
// It is never used for charging.
type PaymentCard struct {
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// Subscription is the local projection of a provider subscription.
// ProviderSubscriptionID is the unique key; UserID is indexed but not unique.
type Subscription struct {
	ID                     string
	UserID                 string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	ProviderPriceID        string
	PlanID                 string
	BillingPeriod          BillingPeriod
	Status                 Status
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	Card                   *PaymentCard

	// LastEventAt is the creation time of the newest provider event applied
	// to this record. Used to detect out-of-order updates.
	LastEventAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the record invariants before it is persisted.
func (s *Subscription) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidSubscription)
	}
	if s.ProviderSubscriptionID == "" {
		return fmt.Errorf("%w: provider_subscription_id is required", ErrInvalidSubscription)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSubscription, s.Status)
	}
	if s.BillingPeriod != "" && s.BillingPeriod != PeriodMonthly && s.BillingPeriod != PeriodYearly {
		return fmt.Errorf("%w: unknown billing period %q", ErrInvalidSubscription, s.BillingPeriod)
	}
	if !s.CurrentPeriodStart.IsZero() && !s.CurrentPeriodEnd.IsZero() &&
		!s.CurrentPeriodEnd.After(s.CurrentPeriodStart) {
		return fmt.Errorf("%w: current_period_end must be after current_period_start", ErrInvalidSubscription)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.Card != nil {
		card := *s.Card
		c.Card = &card
	}
	return &c
}

// ProcessedEvent is the durable idempotency marker for one provider event.
type ProcessedEvent struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
}

// ClaimResult is the outcome of claiming an event id.
type ClaimResult int

const (
	// ClaimFirstSeen means the caller owns the event and must apply it
	ClaimFirstSeen ClaimResult = iota
	// ClaimAlreadyProcessed means another delivery already applied the event
	ClaimAlreadyProcessed
)

func (c ClaimResult) String() string {
	if c == ClaimAlreadyProcessed {
		return "already_processed"
	}
	return "first_seen"
}

// SelectCurrent picks the record that represents a user's current
// subscription: the most recently updated non-canceled one, falling back to
// the most recently updated record of any status.
func SelectCurrent(subs []*Subscription) *Subscription {
	var live, any *Subscription
	for _, s := range subs {
		if s == nil {
			continue
		}
		if any == nil || s.UpdatedAt.After(any.UpdatedAt) {
			any = s
		}
		if s.Status != StatusCanceled && (live == nil || s.UpdatedAt.After(live.UpdatedAt)) {
			live = s
		}
	}
	if live != nil {
		return live
	}
	return any
}

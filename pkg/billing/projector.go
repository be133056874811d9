package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderingPolicy decides what happens to an update older than the stored state.
type OrderingPolicy int

const (
	// OrderingByEventTime skips updates whose provider creation time is older
	// than the newest event already applied to the record.
	OrderingByEventTime OrderingPolicy = iota
	// OrderingByDelivery applies every update in delivery order (last write wins).
	OrderingByDelivery
)

// ParseOrderingPolicy parses "event_time" or "delivery".
func ParseOrderingPolicy(s string) (OrderingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "event_time", "event-time":
		return OrderingByEventTime, nil
	case "delivery":
		return OrderingByDelivery, nil
	default:
		return 0, fmt.Errorf("unknown ordering policy %q", s)
	}
}

func (p OrderingPolicy) String() string {
	if p == OrderingByDelivery {
		return "delivery"
	}
	return "event_time"
}

// Outcome describes what a projection did to the record.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeUpdated  Outcome = "updated"
	OutcomeCanceled Outcome = "canceled"
	OutcomeNoop     Outcome = "noop"
	OutcomeStale    Outcome = "stale"
)

// Projection is the result of applying one event.
// Record is nil when nothing must be written.
type Projection struct {
	Outcome  Outcome
	Record   *Subscription
	Previous Status

	// Tombstone is set when a deletion arrived for a subscription with no
	// record. The store keeps it so older events cannot bring the
	// subscription back.
	Tombstone time.Time
}

// Projector applies decoded events to subscription records. It performs no
// I/O: the same inputs always give the same projection for a fixed clock.
type Projector struct {
	ordering OrderingPolicy
	now      func() time.Time
	newID    func() string
}

// ProjectorOption configures a Projector.
type ProjectorOption func(*Projector)

// WithOrdering sets the ordering policy. Defaults to OrderingByEventTime.
func WithOrdering(p OrderingPolicy) ProjectorOption {
	return func(pr *Projector) { pr.ordering = p }
}

// WithClock overrides time.Now for created_at/updated_at stamps.
func WithClock(now func() time.Time) ProjectorOption {
	return func(pr *Projector) {
		if now != nil {
			pr.now = now
		}
	}
}

// WithIDGenerator overrides the local record id generator.
func WithIDGenerator(gen func() string) ProjectorOption {
	return func(pr *Projector) {
		if gen != nil {
			pr.newID = gen
		}
	}
}

// NewProjector creates a projector with the given options.
func NewProjector(opts ...ProjectorOption) *Projector {
	p := &Projector{
		ordering: OrderingByEventTime,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ordering returns the configured policy.
func (p *Projector) Ordering() OrderingPolicy { return p.ordering }

// Apply computes the record that results from applying ev to current.
// current may be nil. It is never modified.
func (p *Projector) Apply(current *Subscription, ev Event) (Projection, error) {
	return p.ApplyWithTombstone(current, time.Time{}, ev)
}

// ApplyWithTombstone is Apply for a subscription that may have been deleted
// before any record existed. deletedAt is the provider time of that deletion,
// or zero. It is only consulted when current is nil.
func (p *Projector) ApplyWithTombstone(current *Subscription, deletedAt time.Time, ev Event) (Projection, error) {
	if current != nil {
		deletedAt = time.Time{}
	}

	var prev Status
	if current != nil {
		prev = current.Status
	}

	var proj Projection
	switch ev := deref(ev).(type) {
	case CheckoutCompleted:
		proj = p.applyCheckout(current, deletedAt, ev)
	case SubscriptionUpdated:
		proj = p.applyUpdate(current, deletedAt, ev)
	case SubscriptionDeleted:
		proj = p.applyDelete(current, ev)
	case Ignored:
		proj = Projection{Outcome: OutcomeNoop}
	default:
		return Projection{}, fmt.Errorf("unsupported event %T", ev)
	}
	proj.Previous = prev

	if proj.Record != nil {
		if err := proj.Record.Validate(); err != nil {
			return Projection{}, err
		}
	}
	return proj, nil
}

func (p *Projector) applyCheckout(current *Subscription, deletedAt time.Time, ev CheckoutCompleted) Projection {
	rec, created := p.base(current, ev.SubscriptionRef)
	// An older checkout still fills identity and card data, but the lifecycle
	// fields stay with the newer event that last set them.
	stale := p.olderThan(ev.CreatedAt, current)

	setIfEmpty(&rec.UserID, ev.UserID)
	setString(&rec.ProviderCustomerID, ev.CustomerRef)
	setString(&rec.PlanID, ev.PlanID)
	if ev.BillingPeriod != "" && (!stale || rec.BillingPeriod == "") {
		rec.BillingPeriod = ev.BillingPeriod
	}

	if d := ev.Detail; d != nil {
		if !stale {
			rec.Status = d.Status
			rec.CurrentPeriodStart = d.PeriodStart
			rec.CurrentPeriodEnd = d.PeriodEnd
			rec.CancelAtPeriodEnd = d.CancelAtPeriodEnd
			setString(&rec.ProviderPriceID, d.PriceRef)
			if d.BillingPeriod != "" {
				rec.BillingPeriod = d.BillingPeriod
			}
		} else {
			setIfEmpty(&rec.ProviderPriceID, d.PriceRef)
			if rec.BillingPeriod == "" {
				rec.BillingPeriod = d.BillingPeriod
			}
		}
		setString(&rec.ProviderCustomerID, d.CustomerRef)
		setIfEmpty(&rec.UserID, d.UserID)
		if d.Card != nil {
			card := *d.Card
			rec.Card = &card
		}
	} else if created {
		rec.Status = statusFromPaymentStatus(ev.PaymentStatus)
	}

	eventAt := ev.CreatedAt
	if p.tombstoned(deletedAt, ev.CreatedAt) {
		rec.Status = StatusCanceled
		rec.CancelAtPeriodEnd = false
		eventAt = deletedAt
	}

	outcome := OutcomeUpdated
	if created {
		outcome = OutcomeCreated
	} else if sameState(current, rec) && !ev.CreatedAt.After(current.LastEventAt) {
		return Projection{Outcome: OutcomeNoop}
	}
	p.stamp(current, rec, eventAt)
	return Projection{Outcome: outcome, Record: rec}
}

func (p *Projector) applyUpdate(current *Subscription, deletedAt time.Time, ev SubscriptionUpdated) Projection {
	if p.olderThan(ev.CreatedAt, current) || p.tombstoned(deletedAt, ev.CreatedAt) {
		return Projection{Outcome: OutcomeStale}
	}

	rec, created := p.base(current, ev.SubscriptionRef)
	rec.Status = ev.Status
	rec.CurrentPeriodStart = ev.PeriodStart
	rec.CurrentPeriodEnd = ev.PeriodEnd
	rec.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
	setIfEmpty(&rec.UserID, ev.UserID)
	setString(&rec.ProviderCustomerID, ev.CustomerRef)
	setString(&rec.ProviderPriceID, ev.PriceRef)
	if ev.BillingPeriod != "" {
		rec.BillingPeriod = ev.BillingPeriod
	}

	outcome := OutcomeUpdated
	if created {
		outcome = OutcomeCreated
	} else if sameState(current, rec) && !ev.CreatedAt.After(current.LastEventAt) {
		return Projection{Outcome: OutcomeNoop}
	}
	p.stamp(current, rec, ev.CreatedAt)
	return Projection{Outcome: outcome, Record: rec}
}

func (p *Projector) applyDelete(current *Subscription, ev SubscriptionDeleted) Projection {
	if current == nil {
		at := ev.CreatedAt
		if at.IsZero() {
			at = p.now()
		}
		return Projection{Outcome: OutcomeNoop, Tombstone: at.UTC()}
	}
	if current.Status == StatusCanceled {
		return Projection{Outcome: OutcomeNoop}
	}
	// Deletion is terminal on the provider side and wins regardless of ordering.
	rec := current.Clone()
	rec.Status = StatusCanceled
	p.stamp(current, rec, ev.CreatedAt)
	return Projection{Outcome: OutcomeCanceled, Record: rec}
}

// olderThan reports whether an event created at eventAt predates the last
// event applied to current under event-time ordering.
func (p *Projector) olderThan(eventAt time.Time, current *Subscription) bool {
	return current != nil && p.ordering == OrderingByEventTime &&
		!eventAt.IsZero() && current.LastEventAt.After(eventAt)
}

// tombstoned reports whether an event created at eventAt happened no later
// than a deletion recorded before the subscription had a record.
func (p *Projector) tombstoned(deletedAt, eventAt time.Time) bool {
	return p.ordering == OrderingByEventTime && !deletedAt.IsZero() &&
		!eventAt.IsZero() && !eventAt.After(deletedAt)
}

// base clones current or starts a new record for ref.
func (p *Projector) base(current *Subscription, ref string) (*Subscription, bool) {
	if current != nil {
		return current.Clone(), false
	}
	return &Subscription{
		ID:                     p.newID(),
		ProviderSubscriptionID: ref,
		Status:                 StatusIncomplete,
	}, true
}

// stamp sets the bookkeeping timestamps. UpdatedAt never moves backwards and
// LastEventAt only moves forward.
func (p *Projector) stamp(current, rec *Subscription, eventAt time.Time) {
	now := p.now().UTC().Truncate(time.Microsecond)
	if current == nil {
		rec.CreatedAt = now
	} else if !now.After(current.UpdatedAt) {
		now = current.UpdatedAt.Add(time.Microsecond)
	}
	rec.UpdatedAt = now
	if eventAt.After(rec.LastEventAt) {
		rec.LastEventAt = eventAt.UTC()
	}
}

func statusFromPaymentStatus(s string) Status {
	switch s {
	case "paid":
		return StatusActive
	case "no_payment_required":
		return StatusTrialing
	default:
		return StatusIncomplete
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// setIfEmpty fills dst only when it has no value; ownership never changes.
func setIfEmpty(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

// sameState compares the domain fields, ignoring bookkeeping timestamps.
func sameState(a, b *Subscription) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.UserID != b.UserID ||
		a.ProviderCustomerID != b.ProviderCustomerID ||
		a.ProviderPriceID != b.ProviderPriceID ||
		a.PlanID != b.PlanID ||
		a.BillingPeriod != b.BillingPeriod ||
		a.Status != b.Status ||
		!a.CurrentPeriodStart.Equal(b.CurrentPeriodStart) ||
		!a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) ||
		a.CancelAtPeriodEnd != b.CancelAtPeriodEnd {
		return false
	}
	if (a.Card == nil) != (b.Card == nil) {
		return false
	}
	return a.Card == nil || *a.Card == *b.Card
}

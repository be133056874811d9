package stripe

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	eventCheckoutSessionCompleted   = "checkout.session.completed"
	eventCustomerSubscriptionUpdate = "customer.subscription.updated"
	eventCustomerSubscriptionDelete = "customer.subscription.deleted"

	checkoutModeSubscription = "subscription"
)

// expandableID decodes a reference that Stripe renders either as a bare id
// or, when expanded, as an object with an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// The wire structs below carry only the fields the reconciler reads.

type checkoutSessionWire struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionWire struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []subscriptionItemWire `json:"data"`
	} `json:"items"`
}

type subscriptionItemWire struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Price              *struct {
		ID        string `json:"id"`
		Recurring *struct {
			Interval string `json:"interval"`
		} `json:"recurring"`
	} `json:"price"`
}

// Decode turns a verified payload into a billing.Event. Unsupported event
// types decode to billing.Ignored. Only a supported event that is missing a
// required field yields a *billing.MalformedPayloadError.
func Decode(p VerifiedPayload) (billing.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(p.body, &event); err != nil {
		return nil, &billing.MalformedPayloadError{Err: err}
	}
	eventType := string(event.Type)
	if event.ID == "" {
		return nil, &billing.MalformedPayloadError{EventType: eventType, Field: "id"}
	}
	if eventType == "" {
		return nil, &billing.MalformedPayloadError{Field: "type"}
	}

	env := billing.Envelope{ID: event.ID, Type: eventType, CreatedAt: epoch(event.Created)}

	switch eventType {
	case eventCheckoutSessionCompleted:
		return decodeCheckoutCompleted(env, &event)
	case eventCustomerSubscriptionUpdate:
		return decodeSubscriptionUpdated(env, &event)
	case eventCustomerSubscriptionDelete:
		return decodeSubscriptionDeleted(env, &event)
	default:
		return billing.Ignored{Envelope: env, Reason: "unsupported event type"}, nil
	}
}

func decodeCheckoutCompleted(env billing.Envelope, event *stripe.Event) (billing.Event, error) {
	var s checkoutSessionWire
	if err := unmarshalObject(env, event, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, malformed(env, "data.object.id")
	}
	// One-off payment sessions carry no subscription to track.
	if s.Mode != "" && s.Mode != checkoutModeSubscription {
		return billing.Ignored{Envelope: env, Reason: "checkout mode " + s.Mode}, nil
	}
	if s.Subscription == "" {
		return billing.Ignored{Envelope: env, Reason: "checkout without subscription"}, nil
	}

	userID := s.Metadata["user_id"]
	if userID == "" {
		userID = s.ClientReferenceID
	}
	if userID == "" {
		return nil, malformed(env, "metadata.user_id")
	}

	var period billing.BillingPeriod
	if raw := s.Metadata["billing_period"]; raw != "" {
		bp, ok := billing.ParseBillingPeriod(raw)
		if !ok {
			return nil, malformed(env, "metadata.billing_period")
		}
		period = bp
	}

	return billing.CheckoutCompleted{
		Envelope:        env,
		SessionRef:      s.ID,
		CustomerRef:     string(s.Customer),
		SubscriptionRef: string(s.Subscription),
		UserID:          userID,
		PlanID:          s.Metadata["plan_id"],
		BillingPeriod:   period,
		PaymentStatus:   s.PaymentStatus,
	}, nil
}

func decodeSubscriptionUpdated(env billing.Envelope, event *stripe.Event) (billing.Event, error) {
	var s subscriptionWire
	if err := unmarshalObject(env, event, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, malformed(env, "data.object.id")
	}
	if s.Status == "" {
		return nil, malformed(env, "data.object.status")
	}
	status, ok := billing.ParseStatus(s.Status)
	if !ok {
		return nil, malformed(env, "data.object.status")
	}

	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	var priceID string
	var period billing.BillingPeriod
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		// Newer API versions moved the period bounds onto the item.
		if item.CurrentPeriodStart != 0 || item.CurrentPeriodEnd != 0 {
			start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
		if item.Price != nil {
			priceID = item.Price.ID
			if item.Price.Recurring != nil {
				period, _ = billing.ParseBillingPeriod(item.Price.Recurring.Interval)
			}
		}
	}
	if start == 0 {
		return nil, malformed(env, "current_period_start")
	}
	if end == 0 {
		return nil, malformed(env, "current_period_end")
	}
	if end <= start {
		return nil, &billing.MalformedPayloadError{
			EventType: env.Type,
			Field:     "current_period_end",
			Err:       errors.New("period end is not after period start"),
		}
	}

	return billing.SubscriptionUpdated{
		Envelope:          env,
		SubscriptionRef:   s.ID,
		CustomerRef:       string(s.Customer),
		PriceRef:          priceID,
		UserID:            s.Metadata["user_id"],
		BillingPeriod:     period,
		Status:            status,
		PeriodStart:       epoch(start),
		PeriodEnd:         epoch(end),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}, nil
}

func decodeSubscriptionDeleted(env billing.Envelope, event *stripe.Event) (billing.Event, error) {
	var s struct {
		ID string `json:"id"`
	}
	if err := unmarshalObject(env, event, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, malformed(env, "data.object.id")
	}
	return billing.SubscriptionDeleted{Envelope: env, SubscriptionRef: s.ID}, nil
}

func unmarshalObject(env billing.Envelope, event *stripe.Event, dst interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return malformed(env, "data.object")
	}
	if err := json.Unmarshal(event.Data.Raw, dst); err != nil {
		return &billing.MalformedPayloadError{EventType: env.Type, Field: "data.object", Err: err}
	}
	return nil
}

func malformed(env billing.Envelope, field string) error {
	return &billing.MalformedPayloadError{EventType: env.Type, Field: field}
}

// epoch converts provider seconds-since-epoch to UTC. Zero stays zero.
func epoch(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

package api

import "time"

// SubscriptionResponse is the caller's current subscription as shown in the UI
type SubscriptionResponse struct {
	UserID             string       `json:"user_id"`
	SubscriptionID     string       `json:"subscription_id"`
	PlanID             string       `json:"plan_id,omitempty"`
	PriceID            string       `json:"price_id,omitempty"`
	BillingPeriod      string       `json:"billing_period,omitempty"`
	Status             string       `json:"status"` // "incomplete", "trialing", "active", "past_due", "canceled"
	Entitled           bool         `json:"entitled"`
	CurrentPeriodStart *time.Time   `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time   `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	PaymentMethod      *CardSummary `json:"payment_method,omitempty"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// CardSummary is the display-only snapshot of the default card
type CardSummary struct {
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month,omitempty"`
	ExpYear  int    `json:"exp_year,omitempty"`
}

// CheckoutRequest is the body of POST /api/checkout
type CheckoutRequest struct {
	PriceID       string `json:"price_id"`
	PlanID        string `json:"plan_id"`
	BillingPeriod string `json:"billing_period"` // "monthly" or "yearly"
}

// CheckoutResponse carries the hosted checkout session to redirect to
type CheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// PortalResponse carries the billing portal URL
type PortalResponse struct {
	URL string `json:"url"`
}

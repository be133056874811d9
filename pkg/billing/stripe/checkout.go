package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	endpointCheckoutSessions = "/checkout/sessions"
	endpointPortalSessions   = "/billing_portal/sessions"
)

// CreateCheckoutSession implements billing.CheckoutSessionCreator.
// The user id is attached three ways so CheckoutCompleted and every later
// subscription event carry it back: client_reference_id, session metadata
// and subscription metadata.
func (c *Client) CreateCheckoutSession(ctx context.Context, p billing.CheckoutSessionParams) (*billing.CheckoutSession, error) {
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.UserID),
	}

	params.Metadata = map[string]string{
		"user_id":        p.UserID,
		"plan_id":        p.PlanID,
		"billing_period": string(p.BillingPeriod),
	}

	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata("user_id", p.UserID)
	params.SubscriptionData.AddMetadata("plan_id", p.PlanID)

	// Attach existing customer if known (avoids duplicates)
	if customerID := strings.TrimSpace(p.CustomerID); customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.CustomerCreation = stripe.String("always")
	}

	var session *stripe.CheckoutSession
	err := c.call(ctx, endpointCheckoutSessions, func(ctx context.Context) error {
		var err error
		session, err = c.sc.V1CheckoutSessions.Create(ctx, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return &billing.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CreatePortalSession opens a Customer Portal session where the user can
// update the payment method or cancel. Returns the portal URL.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", billing.ErrSubscriptionNotFound
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	var session *stripe.BillingPortalSession
	err := c.call(ctx, endpointPortalSessions, func(ctx context.Context) error {
		var err error
		session, err = c.sc.V1BillingPortalSessions.Create(ctx, params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return session.URL, nil
}

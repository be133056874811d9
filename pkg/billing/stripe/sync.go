package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const endpointRetrieveSubscription = "/subscriptions/{id}"

// FetchSubscription implements billing.SubscriptionFetcher. It expands the
// default payment method so the card snapshot comes back in one call.
func (c *Client) FetchSubscription(ctx context.Context, subscriptionRef string) (*billing.SubscriptionDetail, error) {
	params := &stripe.SubscriptionRetrieveParams{}
	params.AddExpand("default_payment_method")

	var sub *stripe.Subscription
	err := c.call(ctx, endpointRetrieveSubscription, func(ctx context.Context) error {
		var err error
		sub, err = c.sc.V1Subscriptions.Retrieve(ctx, subscriptionRef, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription %s: %w", subscriptionRef, err)
	}
	return subscriptionDetail(sub)
}

func subscriptionDetail(sub *stripe.Subscription) (*billing.SubscriptionDetail, error) {
	status, ok := billing.ParseStatus(string(sub.Status))
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s has unknown status %q", billing.ErrProviderAPIError, sub.ID, sub.Status)
	}

	d := &billing.SubscriptionDetail{
		SubscriptionRef:   sub.ID,
		Status:            status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		d.CustomerRef = sub.Customer.ID
	}
	if sub.Metadata != nil {
		d.UserID = sub.Metadata["user_id"]
	}

	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		d.PeriodStart = epoch(item.CurrentPeriodStart)
		d.PeriodEnd = epoch(item.CurrentPeriodEnd)
		if item.Price != nil {
			d.PriceRef = item.Price.ID
			if item.Price.Recurring != nil {
				d.BillingPeriod, _ = billing.ParseBillingPeriod(string(item.Price.Recurring.Interval))
			}
		}
	}

	if pm := sub.DefaultPaymentMethod; pm != nil && pm.Card != nil {
		d.Card = &billing.PaymentCard{
			Brand:    string(pm.Card.Brand),
			Last4:    pm.Card.Last4,
			ExpMonth: int(pm.Card.ExpMonth),
			ExpYear:  int(pm.Card.ExpYear),
		}
	}
	return d, nil
}

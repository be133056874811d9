// Package firestore provides a Firestore implementation of the billing.Store interface.
// RunInTx maps onto a Firestore transaction: reads happen as the callback
// runs and staged writes are applied when it returns, so Firestore's
// reads-before-writes rule always holds.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Storage implements billing.Store using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	eventsCollection        string
	tombstonesCollection    string
	maxAttempts             int
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for subscription records
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// EventsCollection is the Firestore collection for processed-event markers
	// Default: "billing_processed_events"
	EventsCollection string

	// TombstonesCollection records deletions of subscriptions that had no record
	// Default: "billing_subscription_tombstones"
	TombstonesCollection string

	// MaxAttempts bounds Firestore's transaction retries (default: 5)
	MaxAttempts int
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_processed_events"
	}
	if config.TombstonesCollection == "" {
		config.TombstonesCollection = "billing_subscription_tombstones"
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		eventsCollection:        config.EventsCollection,
		tombstonesCollection:    config.TombstonesCollection,
		maxAttempts:             config.MaxAttempts,
	}, nil
}

// subscriptionDoc is the stored form of a billing.Subscription.
// Documents are keyed by provider subscription id.
type subscriptionDoc struct {
	ID                     string    `firestore:"id"`
	UserID                 string    `firestore:"userId"`
	ProviderCustomerID     string    `firestore:"providerCustomerId"`
	ProviderSubscriptionID string    `firestore:"providerSubscriptionId"`
	ProviderPriceID        string    `firestore:"providerPriceId"`
	PlanID                 string    `firestore:"planId"`
	BillingPeriod          string    `firestore:"billingPeriod"`
	Status                 string    `firestore:"status"`
	CurrentPeriodStart     time.Time `firestore:"currentPeriodStart"`
	CurrentPeriodEnd       time.Time `firestore:"currentPeriodEnd"`
	CancelAtPeriodEnd      bool      `firestore:"cancelAtPeriodEnd"`
	Card                   *cardDoc  `firestore:"card"`
	LastEventAt            time.Time `firestore:"lastEventAt"`
	CreatedAt              time.Time `firestore:"createdAt"`
	UpdatedAt              time.Time `firestore:"updatedAt"`
}

type cardDoc struct {
	Brand    string `firestore:"brand"`
	Last4    string `firestore:"last4"`
	ExpMonth int    `firestore:"expMonth"`
	ExpYear  int    `firestore:"expYear"`
}

type eventDoc struct {
	EventType   string    `firestore:"eventType"`
	ProcessedAt time.Time `firestore:"processedAt"`
}

type tombstoneDoc struct {
	DeletedAt time.Time `firestore:"deletedAt"`
}

func toDoc(sub *billing.Subscription) subscriptionDoc {
	doc := subscriptionDoc{
		ID:                     sub.ID,
		UserID:                 sub.UserID,
		ProviderCustomerID:     sub.ProviderCustomerID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		ProviderPriceID:        sub.ProviderPriceID,
		PlanID:                 sub.PlanID,
		BillingPeriod:          string(sub.BillingPeriod),
		Status:                 string(sub.Status),
		CurrentPeriodStart:     sub.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:       sub.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		LastEventAt:            sub.LastEventAt.UTC(),
		CreatedAt:              sub.CreatedAt.UTC(),
		UpdatedAt:              sub.UpdatedAt.UTC(),
	}
	if c := sub.Card; c != nil {
		doc.Card = &cardDoc{Brand: c.Brand, Last4: c.Last4, ExpMonth: c.ExpMonth, ExpYear: c.ExpYear}
	}
	return doc
}

func (d subscriptionDoc) toSubscription() *billing.Subscription {
	sub := &billing.Subscription{
		ID:                     d.ID,
		UserID:                 d.UserID,
		ProviderCustomerID:     d.ProviderCustomerID,
		ProviderSubscriptionID: d.ProviderSubscriptionID,
		ProviderPriceID:        d.ProviderPriceID,
		PlanID:                 d.PlanID,
		BillingPeriod:          billing.BillingPeriod(d.BillingPeriod),
		Status:                 billing.Status(d.Status),
		CurrentPeriodStart:     d.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:       d.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd:      d.CancelAtPeriodEnd,
		LastEventAt:            d.LastEventAt.UTC(),
		CreatedAt:              d.CreatedAt.UTC(),
		UpdatedAt:              d.UpdatedAt.UTC(),
	}
	if c := d.Card; c != nil {
		sub.Card = &billing.PaymentCard{Brand: c.Brand, Last4: c.Last4, ExpMonth: c.ExpMonth, ExpYear: c.ExpYear}
	}
	return sub
}

func decodeSnapshot(snap *firestore.DocumentSnapshot) (*billing.Subscription, error) {
	var doc subscriptionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode subscription %s: %w", snap.Ref.ID, err)
	}
	return doc.toSubscription(), nil
}

// GetSubscription implements billing.SubscriptionReader
func (s *Storage) GetSubscription(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	snap, err := s.subscriptionDoc(providerSubscriptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrSubscriptionNotFound
	}
	return decodeSnapshot(snap)
}

// GetSubscriptionByUser implements billing.SubscriptionReader
func (s *Storage) GetSubscriptionByUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	snaps, err := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query user subscriptions: %w", err)
	}

	subs := make([]*billing.Subscription, 0, len(snaps))
	for _, snap := range snaps {
		sub, err := decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	current := billing.SelectCurrent(subs)
	if current == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	return current, nil
}

// IsProcessed implements billing.Store
func (s *Storage) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	snap, err := s.eventDoc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return snap.Exists(), nil
}

// PruneEvents implements billing.EventPruner
func (s *Storage) PruneEvents(ctx context.Context, processedBefore time.Time) (int64, error) {
	iter := s.client.Collection(s.eventsCollection).
		Where("processedAt", "<", processedBefore.UTC()).
		Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	var n int64
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return n, fmt.Errorf("failed to list processed events: %w", err)
		}
		if _, err := bw.Delete(snap.Ref); err != nil {
			bw.End()
			return n, fmt.Errorf("failed to prune processed event %s: %w", snap.Ref.ID, err)
		}
		n++
	}
	bw.End()
	return n, nil
}

func (s *Storage) subscriptionDoc(providerSubscriptionID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(providerSubscriptionID)
}

func (s *Storage) eventDoc(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(eventID)
}

func (s *Storage) tombstoneDoc(providerSubscriptionID string) *firestore.DocumentRef {
	return s.client.Collection(s.tombstonesCollection).Doc(providerSubscriptionID)
}

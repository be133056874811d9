package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// RunInTx implements billing.Store. Firestore re-runs fn when the
// transaction is aborted by contention.
func (s *Storage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, ftx *firestore.Transaction) error {
		tx := &fsTx{
			s:      s,
			tx:     ftx,
			events:     make(map[string]billing.ProcessedEvent),
			subs:       make(map[string]*billing.Subscription),
			tombstones: make(map[string]time.Time),
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.flush()
	}, firestore.MaxAttempts(s.maxAttempts))
}

type fsTx struct {
	s          *Storage
	tx         *firestore.Transaction
	events     map[string]billing.ProcessedEvent
	subs       map[string]*billing.Subscription
	tombstones map[string]time.Time
}

func (t *fsTx) ClaimEvent(_ context.Context, ev billing.ProcessedEvent) (billing.ClaimResult, error) {
	if _, ok := t.events[ev.EventID]; ok {
		return billing.ClaimAlreadyProcessed, nil
	}
	snap, err := t.tx.Get(t.s.eventDoc(ev.EventID))
	if err != nil && status.Code(err) != codes.NotFound {
		return 0, fmt.Errorf("failed to claim event: %w", err)
	}
	if err == nil && snap.Exists() {
		return billing.ClaimAlreadyProcessed, nil
	}
	t.events[ev.EventID] = ev
	return billing.ClaimFirstSeen, nil
}

func (t *fsTx) LoadSubscription(_ context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	if sub, ok := t.subs[providerSubscriptionID]; ok {
		return sub.Clone(), nil
	}
	snap, err := t.tx.Get(t.s.subscriptionDoc(providerSubscriptionID))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	return decodeSnapshot(snap)
}

func (t *fsTx) SaveSubscription(_ context.Context, sub *billing.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	t.subs[sub.ProviderSubscriptionID] = sub.Clone()
	return nil
}

func (t *fsTx) LoadTombstone(_ context.Context, providerSubscriptionID string) (time.Time, error) {
	if at, ok := t.tombstones[providerSubscriptionID]; ok {
		return at, nil
	}
	snap, err := t.tx.Get(t.s.tombstoneDoc(providerSubscriptionID))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to load tombstone: %w", err)
	}
	if !snap.Exists() {
		return time.Time{}, nil
	}
	var doc tombstoneDoc
	if err := snap.DataTo(&doc); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode tombstone: %w", err)
	}
	return doc.DeletedAt.UTC(), nil
}

// SaveTombstone reads the stored value first; Firestore allows reads only
// before the writes queued in flush.
func (t *fsTx) SaveTombstone(ctx context.Context, providerSubscriptionID string, deletedAt time.Time) error {
	existing, err := t.LoadTombstone(ctx, providerSubscriptionID)
	if err != nil {
		return err
	}
	if deletedAt.After(existing) {
		t.tombstones[providerSubscriptionID] = deletedAt.UTC()
	}
	return nil
}

// flush queues the staged writes. Create on the marker makes a concurrent
// claim of the same event fail the whole transaction.
func (t *fsTx) flush() error {
	for id, ev := range t.events {
		if err := t.tx.Create(t.s.eventDoc(id), eventDoc{
			EventType:   ev.EventType,
			ProcessedAt: ev.ProcessedAt.UTC(),
		}); err != nil {
			return fmt.Errorf("failed to record event: %w", err)
		}
	}
	for id, sub := range t.subs {
		if err := t.tx.Set(t.s.subscriptionDoc(id), toDoc(sub)); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}
	}
	for id, at := range t.tombstones {
		if err := t.tx.Set(t.s.tombstoneDoc(id), tombstoneDoc{DeletedAt: at}); err != nil {
			return fmt.Errorf("failed to save tombstone: %w", err)
		}
	}
	return nil
}

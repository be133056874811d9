// Package memory provides an in-memory implementation of the billing.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Storage implements billing.Store using in-memory maps.
// Transactions are serialized by a single lock and their writes are staged
// until the callback returns nil.
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*billing.Subscription // provider_subscription_id -> record
	events        map[string]billing.ProcessedEvent
	tombstones    map[string]time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*billing.Subscription),
		events:        make(map[string]billing.ProcessedEvent),
		tombstones:    make(map[string]time.Time),
	}
}

// GetSubscription implements billing.SubscriptionReader
func (s *Storage) GetSubscription(_ context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[providerSubscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// GetSubscriptionByUser implements billing.SubscriptionReader
func (s *Storage) GetSubscriptionByUser(_ context.Context, userID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var owned []*billing.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			owned = append(owned, sub)
		}
	}
	current := billing.SelectCurrent(owned)
	if current == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	return current.Clone(), nil
}

// IsProcessed implements billing.Store
func (s *Storage) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventID]
	return ok, nil
}

// RunInTx implements billing.Store
func (s *Storage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:          s,
		subs:       make(map[string]*billing.Subscription),
		events:     make(map[string]billing.ProcessedEvent),
		tombstones: make(map[string]time.Time),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, ev := range tx.events {
		s.events[id] = ev
	}
	for id, sub := range tx.subs {
		s.subscriptions[id] = sub
	}
	for id, at := range tx.tombstones {
		if at.After(s.tombstones[id]) {
			s.tombstones[id] = at
		}
	}
	return nil
}

// PruneEvents implements billing.EventPruner
func (s *Storage) PruneEvents(_ context.Context, processedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, ev := range s.events {
		if ev.ProcessedAt.Before(processedBefore) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

// EventCount returns the number of stored markers.
func (s *Storage) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// SubscriptionCount returns the number of stored records.
func (s *Storage) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// Clear removes all data
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions = make(map[string]*billing.Subscription)
	s.events = make(map[string]billing.ProcessedEvent)
	s.tombstones = make(map[string]time.Time)
}

// memTx stages writes until commit. The parent lock is held for its lifetime.
type memTx struct {
	s          *Storage
	subs       map[string]*billing.Subscription
	events     map[string]billing.ProcessedEvent
	tombstones map[string]time.Time
}

func (t *memTx) ClaimEvent(_ context.Context, ev billing.ProcessedEvent) (billing.ClaimResult, error) {
	if _, ok := t.s.events[ev.EventID]; ok {
		return billing.ClaimAlreadyProcessed, nil
	}
	if _, ok := t.events[ev.EventID]; ok {
		return billing.ClaimAlreadyProcessed, nil
	}
	t.events[ev.EventID] = ev
	return billing.ClaimFirstSeen, nil
}

func (t *memTx) LoadSubscription(_ context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	if sub, ok := t.subs[providerSubscriptionID]; ok {
		return sub.Clone(), nil
	}
	if sub, ok := t.s.subscriptions[providerSubscriptionID]; ok {
		return sub.Clone(), nil
	}
	return nil, nil
}

func (t *memTx) SaveSubscription(_ context.Context, sub *billing.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	t.subs[sub.ProviderSubscriptionID] = sub.Clone()
	return nil
}

func (t *memTx) LoadTombstone(_ context.Context, providerSubscriptionID string) (time.Time, error) {
	at := t.s.tombstones[providerSubscriptionID]
	if staged := t.tombstones[providerSubscriptionID]; staged.After(at) {
		at = staged
	}
	return at, nil
}

func (t *memTx) SaveTombstone(_ context.Context, providerSubscriptionID string, deletedAt time.Time) error {
	if deletedAt.After(t.tombstones[providerSubscriptionID]) {
		t.tombstones[providerSubscriptionID] = deletedAt.UTC()
	}
	return nil
}

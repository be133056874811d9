package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// RunInTx implements billing.Store. fn runs against a WATCHed connection and
// may be re-run when another writer touches a key it read.
func (s *Storage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{
				s:      s,
				rtx:    rtx,
				events:     make(map[string]billing.ProcessedEvent),
				subs:       make(map[string]*billing.Subscription),
				tombstones: make(map[string]time.Time),
			}
			if err := fn(ctx, tx); err != nil {
				return err
			}
			return tx.commit(ctx)
		})
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("redis transaction conflict, retrying", billing.Field{Key: "attempt", Value: attempt})
			continue
		}
		return err
	}
	return &billing.PersistenceError{Op: "commit", Err: ErrTxConflict}
}

type redisTx struct {
	s          *Storage
	rtx        *redis.Tx
	events     map[string]billing.ProcessedEvent
	subs       map[string]*billing.Subscription
	tombstones map[string]time.Time
}

func (t *redisTx) ClaimEvent(ctx context.Context, ev billing.ProcessedEvent) (billing.ClaimResult, error) {
	if _, ok := t.events[ev.EventID]; ok {
		return billing.ClaimAlreadyProcessed, nil
	}
	key := t.s.eventKey(ev.EventID)
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return 0, fmt.Errorf("failed to watch event: %w", err)
	}
	n, err := t.rtx.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to claim event: %w", err)
	}
	if n > 0 {
		return billing.ClaimAlreadyProcessed, nil
	}
	t.events[ev.EventID] = ev
	return billing.ClaimFirstSeen, nil
}

func (t *redisTx) LoadSubscription(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	if sub, ok := t.subs[providerSubscriptionID]; ok {
		return sub.Clone(), nil
	}
	key := t.s.subscriptionKey(providerSubscriptionID)
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("failed to watch subscription: %w", err)
	}
	raw, err := t.rtx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return decodeSubscription(raw)
}

func (t *redisTx) SaveSubscription(_ context.Context, sub *billing.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	t.subs[sub.ProviderSubscriptionID] = sub.Clone()
	return nil
}

func (t *redisTx) LoadTombstone(ctx context.Context, providerSubscriptionID string) (time.Time, error) {
	if at, ok := t.tombstones[providerSubscriptionID]; ok {
		return at, nil
	}
	key := t.s.tombstoneKey(providerSubscriptionID)
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return time.Time{}, fmt.Errorf("failed to watch tombstone: %w", err)
	}
	at, err := t.rtx.Get(ctx, key).Time()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load tombstone: %w", err)
	}
	return at.UTC(), nil
}

func (t *redisTx) SaveTombstone(ctx context.Context, providerSubscriptionID string, deletedAt time.Time) error {
	existing, err := t.LoadTombstone(ctx, providerSubscriptionID)
	if err != nil {
		return err
	}
	if deletedAt.After(existing) {
		t.tombstones[providerSubscriptionID] = deletedAt.UTC()
	}
	return nil
}

// commit applies the staged writes in one MULTI/EXEC.
func (t *redisTx) commit(ctx context.Context) error {
	if len(t.events) == 0 && len(t.subs) == 0 && len(t.tombstones) == 0 {
		return nil
	}

	type encoded struct {
		key, userKey, id string
		data             []byte
	}
	subs := make([]encoded, 0, len(t.subs))
	for id, sub := range t.subs {
		data, err := json.Marshal(toDoc(sub))
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}
		e := encoded{key: t.s.subscriptionKey(id), id: id, data: data}
		if sub.UserID != "" {
			e.userKey = t.s.userIndexKey(sub.UserID)
		}
		subs = append(subs, e)
	}

	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, ev := range t.events {
			data, err := json.Marshal(eventDoc{EventType: ev.EventType, ProcessedAt: ev.ProcessedAt.UTC()})
			if err != nil {
				return fmt.Errorf("failed to marshal event marker: %w", err)
			}
			pipe.Set(ctx, t.s.eventKey(id), data, t.s.config.EventTTL)
			pipe.ZAdd(ctx, t.s.eventIndexKey(), redis.Z{Score: float64(ev.ProcessedAt.UnixMilli()), Member: id})
		}
		for _, e := range subs {
			pipe.Set(ctx, e.key, e.data, 0)
			if e.userKey != "" {
				pipe.SAdd(ctx, e.userKey, e.id)
			}
		}
		for id, at := range t.tombstones {
			pipe.Set(ctx, t.s.tombstoneKey(id), at.UTC().Format(time.RFC3339Nano), t.s.config.EventTTL)
		}
		return nil
	})
	return err
}

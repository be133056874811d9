// Package redis provides a Redis implementation of the billing.Store interface.
// Transactions are optimistic: every key read inside RunInTx is WATCHed and
// staged writes are applied with MULTI/EXEC. A conflicting writer aborts the
// EXEC and the callback is re-run.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// ErrTxConflict is returned when RunInTx keeps losing the optimistic race.
var ErrTxConflict = errors.New("redis: transaction conflict")

// Storage implements billing.Store using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
	logger billing.Logger
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gobilling:")
	KeyPrefix string

	// EventTTL is how long processed-event markers are kept (0 = forever).
	// Redeliveries older than this are no longer recognized as duplicates.
	EventTTL time.Duration

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 5)
	MaxRetries int

	Logger billing.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "gobilling:",
		EventTTL:   90 * 24 * time.Hour,
		MaxRetries: 5,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gobilling:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	return &Storage{client: client, config: config, logger: logger}, nil
}

// subscriptionDoc is the stored JSON form of a billing.Subscription.
type subscriptionDoc struct {
	ID                     string     `json:"id"`
	UserID                 string     `json:"user_id,omitempty"`
	ProviderCustomerID     string     `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string     `json:"provider_subscription_id"`
	ProviderPriceID        string     `json:"provider_price_id,omitempty"`
	PlanID                 string     `json:"plan_id,omitempty"`
	BillingPeriod          string     `json:"billing_period,omitempty"`
	Status                 string     `json:"status"`
	CurrentPeriodStart     *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	Card                   *cardDoc   `json:"card,omitempty"`
	LastEventAt            time.Time  `json:"last_event_at"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

type cardDoc struct {
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

type eventDoc struct {
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
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
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		LastEventAt:            sub.LastEventAt.UTC(),
		CreatedAt:              sub.CreatedAt.UTC(),
		UpdatedAt:              sub.UpdatedAt.UTC(),
	}
	if !sub.CurrentPeriodStart.IsZero() {
		t := sub.CurrentPeriodStart.UTC()
		doc.CurrentPeriodStart = &t
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		t := sub.CurrentPeriodEnd.UTC()
		doc.CurrentPeriodEnd = &t
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
		CancelAtPeriodEnd:      d.CancelAtPeriodEnd,
		LastEventAt:            d.LastEventAt,
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
	}
	if d.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = *d.CurrentPeriodStart
	}
	if d.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = *d.CurrentPeriodEnd
	}
	if c := d.Card; c != nil {
		sub.Card = &billing.PaymentCard{Brand: c.Brand, Last4: c.Last4, ExpMonth: c.ExpMonth, ExpYear: c.ExpYear}
	}
	return sub
}

func decodeSubscription(raw string) (*billing.Subscription, error) {
	var doc subscriptionDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return doc.toSubscription(), nil
}

// GetSubscription implements billing.SubscriptionReader
func (s *Storage) GetSubscription(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	raw, err := s.client.Get(ctx, s.subscriptionKey(providerSubscriptionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return decodeSubscription(raw)
}

// GetSubscriptionByUser implements billing.SubscriptionReader
func (s *Storage) GetSubscriptionByUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	ids, err := s.client.SMembers(ctx, s.userIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user subscriptions: %w", err)
	}
	if len(ids) == 0 {
		return nil, billing.ErrSubscriptionNotFound
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.subscriptionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user subscriptions: %w", err)
	}

	subs := make([]*billing.Subscription, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		sub, err := decodeSubscription(raw)
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
	n, err := s.client.Exists(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

// PruneEvents implements billing.EventPruner
func (s *Storage) PruneEvents(ctx context.Context, processedBefore time.Time) (int64, error) {
	upper := "(" + strconv.FormatInt(processedBefore.UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, s.eventIndexKey(), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list processed events: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = s.eventKey(id)
		members[i] = id
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.eventIndexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed events: %w", err)
	}
	return int64(len(ids)), nil
}

func (s *Storage) subscriptionKey(providerSubscriptionID string) string {
	return fmt.Sprintf("%ssub:%s", s.config.KeyPrefix, providerSubscriptionID)
}

func (s *Storage) userIndexKey(userID string) string {
	return fmt.Sprintf("%suser:%s:subs", s.config.KeyPrefix, userID)
}

func (s *Storage) eventKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, eventID)
}

// tombstoneKey shares EventTTL with the event markers.
func (s *Storage) tombstoneKey(providerSubscriptionID string) string {
	return fmt.Sprintf("%stomb:%s", s.config.KeyPrefix, providerSubscriptionID)
}

func (s *Storage) eventIndexKey() string {
	return s.config.KeyPrefix + "events"
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

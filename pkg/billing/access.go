package billing

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotEntitled is returned by CheckAccess when the user has no record or
// the record's status is not admitted.
var ErrNotEntitled = errors.New("subscription does not grant access")

// DefaultAllowedStatuses are the statuses the entitlement gate admits by default.
func DefaultAllowedStatuses() []Status {
	return []Status{StatusActive, StatusTrialing}
}

// CheckAccess loads the user's current subscription and reports whether its
// status is one of allowed (DefaultAllowedStatuses when empty). The record is
// returned alongside ErrNotEntitled so callers can explain the refusal.
func CheckAccess(ctx context.Context, reader SubscriptionReader, userID string, allowed []Status) (*Subscription, error) {
	if len(allowed) == 0 {
		allowed = DefaultAllowedStatuses()
	}

	sub, err := reader.GetSubscriptionByUser(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, ErrNotEntitled
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	for _, s := range allowed {
		if sub.Status == s {
			return sub, nil
		}
	}
	return sub, ErrNotEntitled
}

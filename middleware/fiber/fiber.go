// Package fiber provides Fiber middleware that gates routes on an entitled subscription
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// SubscriptionKey is the Locals key holding the admitted subscription
const SubscriptionKey = "billing.subscription"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Subscriptions reads the user's current subscription (required)
	Subscriptions billing.SubscriptionReader

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// AllowedStatuses are admitted by the gate
	// Default: active, trialing
	AllowedStatuses []billing.Status

	// OnPaymentRequired is called when the user has no admitted subscription.
	// sub is nil when the user has no record at all.
	// If nil, uses default response: 402 JSON with the current status
	OnPaymentRequired func(c *fiber.Ctx, sub *billing.Subscription) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequireSubscription creates a Fiber middleware that rejects requests from
// users without an admitted subscription.
func RequireSubscription(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Subscriptions == nil {
		panic("gobilling/fiber: Config.Subscriptions is required")
	}
	if cfg.GetUserID == nil {
		panic("gobilling/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		// Extract user ID
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		sub, err := billing.CheckAccess(c.UserContext(), cfg.Subscriptions, userID, cfg.AllowedStatuses)
		if errors.Is(err, billing.ErrNotEntitled) {
			if cfg.OnPaymentRequired != nil {
				return cfg.OnPaymentRequired(c, sub)
			}
			return defaultPaymentRequired(c, sub)
		}
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c, err)
		}

		c.Locals(SubscriptionKey, sub)
		return c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultPaymentRequired(c *fiber.Ctx, sub *billing.Subscription) error {
	if sub != nil {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":  "Payment Required",
			"status": sub.Status,
		})
	}
	return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "Payment Required"})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// SubscriptionFrom returns the record admitted by RequireSubscription
func SubscriptionFrom(c *fiber.Ctx) (*billing.Subscription, bool) {
	sub, ok := c.Locals(SubscriptionKey).(*billing.Subscription)
	return sub, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In gate middleware config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

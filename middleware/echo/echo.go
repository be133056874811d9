// Package echo provides Echo middleware that gates routes on an entitled subscription
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// SubscriptionKey is the Echo context key holding the admitted subscription
const SubscriptionKey = "billing.subscription"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnPaymentRequired func(c echo.Context, sub *billing.Subscription) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequireSubscription creates an Echo middleware that rejects requests from
// users without an admitted subscription.
func RequireSubscription(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Subscriptions == nil {
		panic("gobilling/echo: Config.Subscriptions is required")
	}
	if cfg.GetUserID == nil {
		panic("gobilling/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Extract user ID
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			sub, err := billing.CheckAccess(c.Request().Context(), cfg.Subscriptions, userID, cfg.AllowedStatuses)
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

			c.Set(SubscriptionKey, sub)
			return next(c)
		}
	}
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultPaymentRequired(c echo.Context, sub *billing.Subscription) error {
	if sub != nil {
		return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
			"error":  "Payment Required",
			"status": sub.Status,
		})
	}
	return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "Payment Required"})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// SubscriptionFrom returns the record admitted by RequireSubscription
func SubscriptionFrom(c echo.Context) (*billing.Subscription, bool) {
	sub, ok := c.Get(SubscriptionKey).(*billing.Subscription)
	return sub, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In gate middleware config:
//	GetUserID: echo.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// Package gin provides Gin middleware that gates routes on an entitled subscription
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// SubscriptionKey is the Gin context key holding the admitted subscription
const SubscriptionKey = "billing.subscription"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnPaymentRequired func(c *gongin.Context, sub *billing.Subscription)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequireSubscription creates a Gin middleware that aborts requests from users
// without an admitted subscription.
func RequireSubscription(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Subscriptions == nil {
		panic("gobilling/gin: Config.Subscriptions is required")
	}
	if cfg.GetUserID == nil {
		panic("gobilling/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		// Extract user ID
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		sub, err := billing.CheckAccess(c.Request.Context(), cfg.Subscriptions, userID, cfg.AllowedStatuses)
		if errors.Is(err, billing.ErrNotEntitled) {
			if cfg.OnPaymentRequired != nil {
				cfg.OnPaymentRequired(c, sub)
			} else {
				defaultPaymentRequired(c, sub)
			}
			c.Abort()
			return
		}
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		c.Set(SubscriptionKey, sub)
		c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultPaymentRequired(c *gongin.Context, sub *billing.Subscription) {
	if sub != nil {
		c.JSON(http.StatusPaymentRequired, gongin.H{
			"error":  "Payment Required",
			"status": sub.Status,
		})
		return
	}
	c.JSON(http.StatusPaymentRequired, gongin.H{"error": "Payment Required"})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// SubscriptionFrom returns the record admitted by RequireSubscription
func SubscriptionFrom(c *gongin.Context) (*billing.Subscription, bool) {
	val, ok := c.Get(SubscriptionKey)
	if !ok {
		return nil, false
	}
	sub, ok := val.(*billing.Subscription)
	return sub, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In gate middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromRequestContext returns a UserIDExtractor that reads the user ID placed
// on the request context by net/http auth middleware such as pkg/auth.
func FromRequestContext(get func(*http.Request) string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return get(c.Request)
	}
}

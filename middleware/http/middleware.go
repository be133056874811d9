// Package http provides HTTP middleware that gates handlers on an entitled subscription
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Subscriptions reads the user's current subscription (required)
	Subscriptions billing.SubscriptionReader

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// AllowedStatuses are admitted by the gate
	// Default: active, trialing
	AllowedStatuses []billing.Status

	// OnPaymentRequired is called when the user has no admitted subscription.
	// sub is nil when the user has no record at all.
	// If nil, returns 402 Payment Required
	OnPaymentRequired func(w http.ResponseWriter, r *http.Request, sub *billing.Subscription)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireSubscription creates an HTTP middleware that only lets users with an
// admitted subscription through. The record is available to the next handler
// via SubscriptionFromContext.
func RequireSubscription(config Config) func(http.Handler) http.Handler {
	if config.Subscriptions == nil {
		panic("gobilling/http: Config.Subscriptions is required")
	}
	if config.GetUserID == nil {
		panic("gobilling/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract user ID
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			sub, err := billing.CheckAccess(r.Context(), config.Subscriptions, userID, config.AllowedStatuses)
			if err != nil {
				if errors.Is(err, billing.ErrNotEntitled) {
					if config.OnPaymentRequired != nil {
						config.OnPaymentRequired(w, r, sub)
					} else {
						defaultPaymentRequired(w, sub)
					}
				} else {
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						writeJSONError(w, http.StatusInternalServerError, "Internal Server Error")
					}
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), SubscriptionKey, sub)))
		})
	}
}

// HandlerFunc creates the gate for a single http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireSubscription(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func defaultPaymentRequired(w http.ResponseWriter, sub *billing.Subscription) {
	body := map[string]string{"error": "Payment Required"}
	if sub != nil {
		body["status"] = string(sub.Status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "billing:userID"

	// SubscriptionKey is the context key for the admitted subscription
	SubscriptionKey ContextKey = "billing:subscription"
)

// SubscriptionFromContext returns the record admitted by RequireSubscription
func SubscriptionFromContext(ctx context.Context) (*billing.Subscription, bool) {
	sub, ok := ctx.Value(SubscriptionKey).(*billing.Subscription)
	return sub, ok
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key any) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

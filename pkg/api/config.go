package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// PortalSessionCreator opens a provider-hosted billing portal for a customer.
type PortalSessionCreator interface {
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// Config holds configuration for the billing API handler
type Config struct {
	// Subscriptions reads the local subscription projection (required)
	Subscriptions billing.SubscriptionReader

	// Checkout starts subscription purchases. If nil, CreateCheckout answers 501.
	Checkout *billing.CheckoutInitiator

	// Portal opens billing portal sessions. If nil, CreatePortal answers 501.
	Portal PortalSessionCreator

	// SiteURL and PortalReturnPath build the portal return URL.
	// PortalReturnPath defaults to "/account".
	SiteURL          string
	PortalReturnPath string

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; defaults to billing.NoopLogger
	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Subscriptions == nil {
		return fmt.Errorf("subscriptions reader is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	if c.Portal != nil && strings.TrimSpace(c.SiteURL) == "" {
		return fmt.Errorf("site URL is required when the portal is enabled")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.PortalReturnPath == "" {
		config.PortalReturnPath = defaultPortalReturnPath
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	return &Handler{
		config:    config,
		returnURL: strings.TrimRight(strings.TrimSpace(config.SiteURL), "/") + config.PortalReturnPath,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

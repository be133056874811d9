package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second
)

// ClientConfig configures the outbound Stripe API client.
type ClientConfig struct {
	// APIKey is the secret key (sk_live_... / sk_test_...). Required.
	APIKey string

	// BackendURL overrides the API base URL, e.g. for stripe-mock or tests.
	BackendURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// MaxNetworkRetries is how many times the SDK retries failed requests.
	// Nil keeps the SDK default.
	MaxNetworkRetries *int64

	Metrics billing.Metrics
	Logger  billing.Logger
}

// Client wraps the Stripe SDK for the calls the billing core makes:
// subscription retrieval, checkout sessions and billing portal sessions.
type Client struct {
	sc      *stripe.Client
	metrics billing.Metrics
	logger  billing.Logger
}

// NewClient creates a Stripe API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: stripe API key is required", billing.ErrProviderNotConfigured)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: cfg.MaxNetworkRetries,
	}
	if u := strings.TrimSpace(cfg.BackendURL); u != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(u, "/"))
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	return &Client{
		sc:      stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendCfg))),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// call runs one API request with metrics and a span around it.
func (c *Client) call(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := otel.Tracer("StripeClient").Start(ctx, endpoint, trace.WithAttributes(
		attribute.String("billing.provider", providerName),
	))
	defer span.End()

	err := fn(ctx)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		c.metrics.RecordAPICall(providerName, endpoint, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "Stripe API call failed")
		return classifyAPIError(err)
	}
	c.metrics.RecordAPICall(providerName, endpoint, "success")
	span.SetStatus(codes.Ok, "Stripe API call succeeded")
	return nil
}

// classifyAPIError separates rejections (4xx) from outages (5xx, 429, network).
func classifyAPIError(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.HTTPStatusCode >= http.StatusInternalServerError || serr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w", billing.ErrProviderUnavailable, err)
		}
		return fmt.Errorf("%w: %w", billing.ErrProviderAPIError, err)
	}
	return fmt.Errorf("%w: %w", billing.ErrProviderUnavailable, err)
}

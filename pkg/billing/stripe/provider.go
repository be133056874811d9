package stripe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/internal"
)

const (
	defaultProcessingTimeout = 10 * time.Second
	defaultMaxBodyBytes      = 256 * 1024
	defaultRateLimitWindow   = time.Minute
)

// EventHandler applies a decoded event. *billing.Reconciler implements it.
type EventHandler interface {
	Handle(ctx context.Context, ev billing.Event) (billing.Result, error)
}

// Config configures the Stripe webhook provider.
type Config struct {
	// WebhookSecret is the endpoint signing secret (whsec_...). Required.
	WebhookSecret string

	// SignatureTolerance bounds the age of the signed timestamp.
	// Defaults to DefaultSignatureTolerance (5 minutes).
	SignatureTolerance time.Duration

	// Handler applies decoded events. Required.
	Handler EventHandler

	// ProcessingTimeout bounds the work done per delivery. It should stay
	// below Stripe's own delivery timeout so the request fails rather than
	// finishing after Stripe has given up. Defaults to 10s.
	ProcessingTimeout time.Duration

	// MaxBodyBytes caps the webhook body size. Defaults to 256KiB.
	MaxBodyBytes int64

	// RateLimitRequests per RateLimitWindow per client IP. Zero or negative
	// disables the limiter, which is the default: Stripe delivers from a small
	// published set of addresses, so a per-IP budget throttles its own bursts
	// (for example a backlog replay) and forces needless redeliveries. Enable
	// it only when the endpoint is reachable by other senders, with a budget
	// above the expected delivery rate. RateLimitWindow defaults to 1 minute.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logger is an optional structured logger.
	Logger billing.Logger

	// Metrics is an optional metrics collector for webhook handling.
	// If nil, metrics will be silently ignored (no-op).
	Metrics billing.Metrics
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	verifier          *Verifier
	handler           EventHandler
	processingTimeout time.Duration
	maxBodyBytes      int64
	rateLimiter       *internal.RateLimiter
	logger            billing.Logger
	metrics           billing.Metrics
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("%w: event handler is required", billing.ErrProviderNotConfigured)
	}
	verifier, err := NewVerifier(config.WebhookSecret, config.SignatureTolerance)
	if err != nil {
		return nil, fmt.Errorf("%w: webhook secret is required", err)
	}

	timeout := config.ProcessingTimeout
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	var limiter *internal.RateLimiter
	if config.RateLimitRequests > 0 {
		window := config.RateLimitWindow
		if window <= 0 {
			window = defaultRateLimitWindow
		}
		limiter = internal.NewRateLimiter(config.RateLimitRequests, window)
	}

	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		verifier:          verifier,
		handler:           config.Handler,
		processingTimeout: timeout,
		maxBodyBytes:      maxBody,
		rateLimiter:       limiter,
		logger:            logger,
		metrics:           metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}

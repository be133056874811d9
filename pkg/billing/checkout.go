package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	defaultSuccessPath = "/dashboard?session_id={CHECKOUT_SESSION_ID}"
	defaultCancelPath  = "/plans"
)

// CheckoutRequest asks for a subscription checkout for one user.
type CheckoutRequest struct {
	UserID        string        `validate:"required"`
	PriceID       string        `validate:"required"`
	PlanID        string        `validate:"required"`
	BillingPeriod BillingPeriod `validate:"required,oneof=monthly yearly"`
}

// CheckoutSession is the provider session the user is redirected to.
type CheckoutSession struct {
	ID  string
	URL string
}

// CheckoutSessionParams is what a CheckoutSessionCreator sends to the provider.
// UserID is the correlation reference carried back by CheckoutCompleted.
type CheckoutSessionParams struct {
	UserID        string
	PriceID       string
	PlanID        string
	BillingPeriod BillingPeriod
	SuccessURL    string
	CancelURL     string
	// CustomerID reuses an existing provider customer when set
	CustomerID string
}

// CheckoutSessionCreator opens a checkout session with the provider.
type CheckoutSessionCreator interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
}

// CheckoutConfig configures a CheckoutInitiator.
type CheckoutConfig struct {
	// Creator opens provider sessions. Required.
	Creator CheckoutSessionCreator

	// Subscriptions is used to refuse a second checkout while the user holds a
	// subscription that is not canceled and to reuse the provider customer. Optional.
	Subscriptions SubscriptionReader

	// SiteURL is the public base URL for redirects. Required.
	SiteURL string

	// SuccessPath and CancelPath are appended to SiteURL.
	// Defaults: "/dashboard?session_id={CHECKOUT_SESSION_ID}" and "/plans".
	SuccessPath string
	CancelPath  string

	// AllowedPrices restricts which price ids may be purchased. Empty allows any.
	AllowedPrices []string

	// AllowMultipleSubscriptions disables the check that refuses a checkout
	// while the user holds any subscription that is not canceled.
	AllowMultipleSubscriptions bool

	Provider string
	Logger   Logger
	Metrics  Metrics
}

// CheckoutInitiator starts subscription purchases. It has no persistence
// side effects, so callers may retry freely.
type CheckoutInitiator struct {
	creator    CheckoutSessionCreator
	subs       SubscriptionReader
	successURL string
	cancelURL  string
	allowed    map[string]struct{}
	allowMulti bool
	validate   *validator.Validate
	provider   string
	logger     Logger
	metrics    Metrics
}

// NewCheckoutInitiator creates a checkout initiator.
func NewCheckoutInitiator(cfg CheckoutConfig) (*CheckoutInitiator, error) {
	if cfg.Creator == nil {
		return nil, fmt.Errorf("%w: checkout session creator is required", ErrProviderNotConfigured)
	}
	site := strings.TrimRight(strings.TrimSpace(cfg.SiteURL), "/")
	if site == "" {
		return nil, fmt.Errorf("%w: site URL is required", ErrProviderNotConfigured)
	}
	successPath := cfg.SuccessPath
	if successPath == "" {
		successPath = defaultSuccessPath
	}
	cancelPath := cfg.CancelPath
	if cancelPath == "" {
		cancelPath = defaultCancelPath
	}

	var allowed map[string]struct{}
	if len(cfg.AllowedPrices) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedPrices))
		for _, p := range cfg.AllowedPrices {
			if p = strings.TrimSpace(p); p != "" {
				allowed[p] = struct{}{}
			}
		}
	}

	provider := cfg.Provider
	if provider == "" {
		provider = defaultProviderName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	return &CheckoutInitiator{
		creator:    cfg.Creator,
		subs:       cfg.Subscriptions,
		successURL: site + successPath,
		cancelURL:  site + cancelPath,
		allowed:    allowed,
		allowMulti: cfg.AllowMultipleSubscriptions,
		validate:   validator.New(),
		provider:   provider,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Start validates req and opens a checkout session. All failures are
// *CheckoutInitiationError.
func (c *CheckoutInitiator) Start(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.PriceID = strings.TrimSpace(req.PriceID)
	req.PlanID = strings.TrimSpace(req.PlanID)
	if bp, ok := ParseBillingPeriod(string(req.BillingPeriod)); ok {
		req.BillingPeriod = bp
	}

	if err := c.validate.Struct(req); err != nil {
		return nil, c.fail(CheckoutInvalidRequest, describeValidation(err))
	}
	if c.allowed != nil {
		if _, ok := c.allowed[req.PriceID]; !ok {
			return nil, c.fail(CheckoutInvalidRequest, fmt.Errorf("price %q is not offered", req.PriceID))
		}
	}

	var customerID string
	if c.subs != nil {
		existing, err := c.subs.GetSubscriptionByUser(ctx, req.UserID)
		switch {
		case errors.Is(err, ErrSubscriptionNotFound):
		case err != nil:
			// A lookup failure could let a second subscription through; fail safe.
			return nil, c.fail(CheckoutUnavailable, fmt.Errorf("lookup existing subscription: %w", err))
		case existing.Status != StatusCanceled && !c.allowMulti:
			// past_due and incomplete are fixed in the portal; a second
			// checkout would bill the user twice.
			return nil, c.fail(CheckoutAlreadySubscribed, fmt.Errorf("%w (status %s)", ErrAlreadySubscribed, existing.Status))
		default:
			customerID = existing.ProviderCustomerID
		}
	}

	session, err := c.creator.CreateCheckoutSession(ctx, CheckoutSessionParams{
		UserID:        req.UserID,
		PriceID:       req.PriceID,
		PlanID:        req.PlanID,
		BillingPeriod: req.BillingPeriod,
		SuccessURL:    c.successURL,
		CancelURL:     c.cancelURL,
		CustomerID:    customerID,
	})
	if err != nil {
		kind := CheckoutProviderRejected
		if IsRetryable(err) {
			kind = CheckoutUnavailable
		}
		return nil, c.fail(kind, err)
	}

	c.metrics.RecordCheckout(c.provider, "created")
	c.logger.Info("checkout session created",
		Field{"user_id", req.UserID}, Field{"plan_id", req.PlanID},
		Field{"billing_period", string(req.BillingPeriod)}, Field{"session_id", session.ID})
	return session, nil
}

func (c *CheckoutInitiator) fail(kind CheckoutErrorKind, err error) error {
	c.metrics.RecordCheckout(c.provider, string(kind))
	c.logger.Warn("checkout initiation failed", Field{"kind", string(kind)}, Field{"error", err.Error()})
	return &CheckoutInitiationError{Kind: kind, Err: err}
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
}

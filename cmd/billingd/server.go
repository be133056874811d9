package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gobilling/internal/config"
	httpmw "github.com/mihaimyh/gobilling/middleware/http"
	"github.com/mihaimyh/gobilling/pkg/api"
	"github.com/mihaimyh/gobilling/pkg/auth"
	"github.com/mihaimyh/gobilling/pkg/billing"
	prommetrics "github.com/mihaimyh/gobilling/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gobilling/pkg/billing/stripe"
)

// pinger is implemented by stores that can report connectivity
type pinger interface {
	Ping(ctx context.Context) error
}

// newRouter wires the webhook endpoint, the UI API and the operational
// endpoints over store.
func newRouter(cfg *config.Config, logger zerolog.Logger, store billing.Store) (http.Handler, error) {
	blog := billingLogger(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics billing.Metrics = &billing.NoopMetrics{}
	if cfg.Metrics.Enabled {
		metrics = prommetrics.NewMetrics(registry, cfg.Metrics.Namespace)
	}

	retries := cfg.Stripe.MaxNetworkRetries
	client, err := stripe.NewClient(stripe.ClientConfig{
		APIKey:            cfg.Stripe.APIKey,
		BackendURL:        cfg.Stripe.APIBaseURL,
		MaxNetworkRetries: &retries,
		Metrics:           metrics,
		Logger:            blog,
	})
	if err != nil {
		return nil, err
	}

	var fetcher billing.SubscriptionFetcher = client
	if cfg.Stripe.BreakerFailures > 0 {
		breaker := billing.NewCircuitBreaker(cfg.Stripe.BreakerFailures, cfg.Stripe.BreakerReset,
			func(state billing.CircuitBreakerState) {
				logger.Warn().Str("state", string(state)).Msg("stripe fetch circuit breaker changed state")
			})
		fetcher = billing.NewBreakingFetcher(client, breaker)
	}

	ordering, err := billing.ParseOrderingPolicy(cfg.Webhook.Ordering)
	if err != nil {
		return nil, err
	}
	reconciler, err := billing.NewReconciler(billing.Config{
		Store:    store,
		Fetcher:  fetcher,
		Ordering: ordering,
		Logger:   blog,
		Metrics:  metrics,
		OnApplied: func(_ context.Context, ev billing.WebhookEvent) error {
			logger.Info().
				Str("event_id", ev.EventID).
				Str("event_type", ev.EventType).
				Str("user_id", ev.UserID).
				Str("from_status", string(ev.PreviousStatus)).
				Str("to_status", string(ev.NewStatus)).
				Str("outcome", string(ev.Outcome)).
				Msg("subscription changed")
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	provider, err := stripe.NewProvider(stripe.Config{
		WebhookSecret:      cfg.Stripe.WebhookSecret,
		SignatureTolerance: cfg.Stripe.SignatureTolerance,
		Handler:            reconciler,
		ProcessingTimeout:  cfg.Webhook.ProcessingTimeout,
		MaxBodyBytes:       cfg.Webhook.MaxBodyBytes,
		RateLimitRequests:  cfg.Webhook.RateLimitRequests,
		RateLimitWindow:    cfg.Webhook.RateLimitWindow,
		Logger:             blog,
		Metrics:            metrics,
	})
	if err != nil {
		return nil, err
	}

	checkout, err := billing.NewCheckoutInitiator(billing.CheckoutConfig{
		Creator:                    client,
		Subscriptions:              store,
		SiteURL:                    cfg.Checkout.SiteURL,
		SuccessPath:                cfg.Checkout.SuccessPath,
		CancelPath:                 cfg.Checkout.CancelPath,
		AllowedPrices:              cfg.Checkout.AllowedPrices,
		AllowMultipleSubscriptions: cfg.Checkout.AllowMultiple,
		Logger:                     blog,
		Metrics:                    metrics,
	})
	if err != nil {
		return nil, err
	}

	jwtService, err := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	if err != nil {
		return nil, err
	}

	handler, err := api.NewHandler(api.Config{
		Subscriptions:    store,
		Checkout:         checkout,
		Portal:           client,
		SiteURL:          cfg.Checkout.SiteURL,
		PortalReturnPath: cfg.Checkout.PortalReturnPath,
		GetUserID:        auth.UserIDFromRequest,
		Logger:           blog,
	})
	if err != nil {
		return nil, err
	}

	entitled := httpmw.RequireSubscription(httpmw.Config{
		Subscriptions: store,
		GetUserID:     httpmw.UserIDExtractor(auth.UserIDFromRequest),
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler(store, logger))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	// Stripe signs the raw body; nothing may read it before the provider
	r.Handle("/webhooks/stripe", provider.WebhookHandler())

	r.Route("/api", func(r chi.Router) {
		r.Use(jwtService.RequireAuth)
		r.Get("/subscription", handler.GetSubscription)
		r.Post("/checkout", handler.CreateCheckout)
		r.Post("/billing-portal", handler.CreatePortal)
		r.With(entitled).Get("/entitlement", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r, nil
}

// healthHandler keeps storage errors in the log; they can carry hosts and DSN fragments.
func healthHandler(store billing.Store, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p, ok := store.(pinger); ok {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				logger.Error().Err(err).Msg("health check: storage ping failed")
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}
}

// requestLogger logs one line per request with zerolog.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			evt := logger.Info()
			if ww.Status() >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

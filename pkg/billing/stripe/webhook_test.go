package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/memory"
)

const (
	testUserID         = "user_123"
	testSubscriptionID = "sub_123"
	testCustomerID     = "cus_123"
)

type handlerFunc func(ctx context.Context, ev billing.Event) (billing.Result, error)

func (f handlerFunc) Handle(ctx context.Context, ev billing.Event) (billing.Result, error) {
	return f(ctx, ev)
}

func newTestProvider(t *testing.T, handler EventHandler, mutate ...func(*Config)) *Provider {
	t.Helper()
	cfg := Config{
		WebhookSecret: testWebhookSecret,
		Handler:       handler,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := NewProvider(cfg)
	require.NoError(t, err)
	return p
}

func newReconcilingProvider(t *testing.T) (*Provider, *memory.Storage) {
	t.Helper()
	store := memory.New()
	rec, err := billing.NewReconciler(billing.Config{Store: store})
	require.NoError(t, err)
	return newTestProvider(t, rec), store
}

func signedRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, signPayload(t, body, testWebhookSecret, time.Now()))
	return req
}

func serve(p *Provider, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(w, req)
	return w
}

func ackStatus(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var ack ackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.True(t, ack.Received)
	return ack.Status
}

func checkoutEventJSON(eventID string, created int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"created": %d,
		"data": {"object": {
			"id": "cs_test_1",
			"mode": "subscription",
			"customer": %q,
			"subscription": %q,
			"payment_status": "paid",
			"metadata": {"user_id": %q, "plan_id": "pro", "billing_period": "monthly"}
		}}
	}`, eventID, created, testCustomerID, testSubscriptionID, testUserID))
}

func updateEventJSON(eventID string, created int64, status string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "customer.subscription.updated",
		"created": %d,
		"data": {"object": {
			"id": %q,
			"customer": %q,
			"status": %q,
			"items": {"data": [{"current_period_start": 1740787200, "current_period_end": 1743465600}]}
		}}
	}`, eventID, created, testSubscriptionID, testCustomerID, status))
}

func TestNewProvider_Validation(t *testing.T) {
	_, err := NewProvider(Config{WebhookSecret: testWebhookSecret})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewProvider(Config{Handler: handlerFunc(nil)})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	p := newTestProvider(t, handlerFunc(nil))
	assert.Equal(t, "stripe", p.Name())
	assert.Equal(t, defaultProcessingTimeout, p.processingTimeout)
	assert.Equal(t, int64(defaultMaxBodyBytes), p.maxBodyBytes)
	assert.Nil(t, p.rateLimiter, "rate limiting is off unless configured")
}

func TestWebhook_BurstFromOneAddressIsNotLimitedByDefault(t *testing.T) {
	p := newTestProvider(t, handlerFunc(func(_ context.Context, ev billing.Event) (billing.Result, error) {
		return billing.Result{Disposition: billing.DispositionIgnored}, nil
	}))
	body := []byte(`{"id":"evt_burst","type":"invoice.paid","created":1}`)

	for i := 0; i < 250; i++ {
		req := signedRequest(t, body)
		req.RemoteAddr = "3.18.12.63:443"
		require.Equal(t, http.StatusOK, serve(p, req).Code, "delivery %d", i)
	}
}

func TestWebhook_CheckoutThenUpdate(t *testing.T) {
	p, store := newReconcilingProvider(t)
	created := time.Now().Add(-time.Minute).Unix()

	w := serve(p, signedRequest(t, checkoutEventJSON("evt_checkout", created)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "processed", ackStatus(t, w))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	sub, err := store.GetSubscription(context.Background(), testSubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, testUserID, sub.UserID)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Equal(t, "pro", sub.PlanID)

	w = serve(p, signedRequest(t, updateEventJSON("evt_update", created+10, "past_due")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "processed", ackStatus(t, w))

	sub, err = store.GetSubscriptionByUser(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, sub.Status)
	assert.Equal(t, time.Unix(1743465600, 0).UTC(), sub.CurrentPeriodEnd)
	assert.Equal(t, 2, store.EventCount())
}

func TestWebhook_DuplicateDelivery(t *testing.T) {
	p, store := newReconcilingProvider(t)
	body := checkoutEventJSON("evt_dup", time.Now().Unix())

	w := serve(p, signedRequest(t, body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "processed", ackStatus(t, w))

	w = serve(p, signedRequest(t, body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", ackStatus(t, w))

	assert.Equal(t, 1, store.EventCount())
	assert.Equal(t, 1, store.SubscriptionCount())
}

func TestWebhook_ForgedSignatureWritesNothing(t *testing.T) {
	p, store := newReconcilingProvider(t)
	body := checkoutEventJSON("evt_forged", time.Now().Unix())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set(signatureHeader, signPayload(t, body, "whsec_attacker", time.Now()))
	w := serve(p, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	w = serve(p, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, 0, store.EventCount())
	assert.Equal(t, 0, store.SubscriptionCount())
}

func TestWebhook_UnsupportedEventAcknowledged(t *testing.T) {
	p, store := newReconcilingProvider(t)
	body := []byte(`{"id":"evt_invoice","type":"invoice.paid","created":1740830400,"data":{"object":{"id":"in_1"}}}`)

	w := serve(p, signedRequest(t, body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", ackStatus(t, w))
	assert.Equal(t, 0, store.EventCount())
	assert.Equal(t, 0, store.SubscriptionCount())
}

func TestWebhook_MalformedSupportedEvent(t *testing.T) {
	p, store := newReconcilingProvider(t)
	body := []byte(`{"id":"evt_bad","type":"customer.subscription.updated","created":1740830400,
		"data":{"object":{"id":"sub_1","status":"active"}}}`)

	w := serve(p, signedRequest(t, body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, store.EventCount())
}

func TestWebhook_StaleUpdateAcknowledged(t *testing.T) {
	p, store := newReconcilingProvider(t)
	now := time.Now().Unix()

	w := serve(p, signedRequest(t, updateEventJSON("evt_new", now, "canceled")))
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(p, signedRequest(t, updateEventJSON("evt_old", now-60, "active")))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stale", ackStatus(t, w))

	sub, err := store.GetSubscription(context.Background(), testSubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, sub.Status)
}

func TestWebhook_FailureStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"persistence failure", &billing.PersistenceError{Op: "commit", Err: errors.New("connection reset")}, http.StatusServiceUnavailable},
		{"provider outage", fmt.Errorf("%w: stripe down", billing.ErrProviderUnavailable), http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable},
		{"invalid record", fmt.Errorf("%w: bad period", billing.ErrInvalidSubscription), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, handlerFunc(func(context.Context, billing.Event) (billing.Result, error) {
				return billing.Result{}, tt.err
			}))
			w := serve(p, signedRequest(t, checkoutEventJSON("evt_fail", time.Now().Unix())))
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestWebhook_ProcessingTimeoutApplied(t *testing.T) {
	var deadline time.Time
	p := newTestProvider(t, handlerFunc(func(ctx context.Context, ev billing.Event) (billing.Result, error) {
		deadline, _ = ctx.Deadline()
		return billing.Result{EventID: ev.Meta().ID, Disposition: billing.DispositionProcessed}, nil
	}), func(c *Config) { c.ProcessingTimeout = 2 * time.Second })

	w := serve(p, signedRequest(t, checkoutEventJSON("evt_deadline", time.Now().Unix())))
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, deadline.IsZero())
	assert.WithinDuration(t, time.Now().Add(2*time.Second), deadline, time.Second)
}

func TestWebhook_RequestGuards(t *testing.T) {
	p := newTestProvider(t, handlerFunc(func(context.Context, billing.Event) (billing.Result, error) {
		t.Fatal("handler must not be reached")
		return billing.Result{}, nil
	}), func(c *Config) { c.MaxBodyBytes = 64 })

	w := serve(p, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", http.NoBody))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))

	big := []byte(`{"id":"evt_big","type":"invoice.paid","pad":"` + strings.Repeat("x", 128) + `"}`)
	w = serve(p, signedRequest(t, big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = serve(p, signedRequest(t, []byte{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_RateLimited(t *testing.T) {
	p := newTestProvider(t, handlerFunc(func(_ context.Context, ev billing.Event) (billing.Result, error) {
		return billing.Result{Disposition: billing.DispositionIgnored}, nil
	}), func(c *Config) {
		c.RateLimitRequests = 2
		c.RateLimitWindow = time.Hour
	})
	body := []byte(`{"id":"evt_rl","type":"invoice.paid","created":1}`)

	for i := 0; i < 2; i++ {
		req := signedRequest(t, body)
		req.RemoteAddr = "198.51.100.7:1000"
		require.Equal(t, http.StatusOK, serve(p, req).Code)
	}
	req := signedRequest(t, body)
	req.RemoteAddr = "198.51.100.7:1000"
	assert.Equal(t, http.StatusTooManyRequests, serve(p, req).Code)
}

func TestWebhook_FetchesSubscriptionDetail(t *testing.T) {
	api := &fakeStripeAPI{body: `{
		"id": "sub_123",
		"object": "subscription",
		"status": "trialing",
		"customer": "cus_123",
		"items": {"object": "list", "data": [{
			"id": "si_1",
			"current_period_start": 1740787200,
			"current_period_end": 1743465600,
			"price": {"id": "price_pro_m", "recurring": {"interval": "month"}}
		}]}
	}`}
	client := newTestClient(t, api)

	store := memory.New()
	rec, err := billing.NewReconciler(billing.Config{Store: store, Fetcher: client})
	require.NoError(t, err)
	p := newTestProvider(t, rec)

	w := serve(p, signedRequest(t, checkoutEventJSON("evt_checkout", time.Now().Unix())))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	sub, err := store.GetSubscription(context.Background(), testSubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusTrialing, sub.Status)
	assert.Equal(t, "price_pro_m", sub.ProviderPriceID)
	assert.Equal(t, time.Unix(1743465600, 0).UTC(), sub.CurrentPeriodEnd)
}

func TestWebhook_FetchOutageIsRetryable(t *testing.T) {
	api := &fakeStripeAPI{status: http.StatusServiceUnavailable, body: `{"error":{"type":"api_error","message":"down"}}`}
	client := newTestClient(t, api)

	store := memory.New()
	rec, err := billing.NewReconciler(billing.Config{Store: store, Fetcher: client})
	require.NoError(t, err)
	p := newTestProvider(t, rec)

	w := serve(p, signedRequest(t, checkoutEventJSON("evt_checkout", time.Now().Unix())))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 0, store.EventCount())
	assert.Equal(t, 0, store.SubscriptionCount())
}

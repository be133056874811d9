package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/memory"
)

const (
	testUserID  = "user123"
	testUserID2 = "test-user"
)

// fakeCreator records checkout session requests
type fakeCreator struct {
	params []billing.CheckoutSessionParams
	err    error
}

func (f *fakeCreator) CreateCheckoutSession(_ context.Context, p billing.CheckoutSessionParams) (*billing.CheckoutSession, error) {
	f.params = append(f.params, p)
	if f.err != nil {
		return nil, f.err
	}
	return &billing.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.example.com/cs_test_1"}, nil
}

// fakePortal records portal session requests
type fakePortal struct {
	customerID string
	returnURL  string
	err        error
}

func (f *fakePortal) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	f.customerID, f.returnURL = customerID, returnURL
	if f.err != nil {
		return "", f.err
	}
	return "https://portal.example.com/session", nil
}

// Helper to seed a subscription record
func seed(t *testing.T, store *memory.Storage, sub *billing.Subscription) {
	t.Helper()
	err := store.RunInTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		return tx.SaveSubscription(ctx, sub)
	})
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}
}

func pastDueSubscription(userID string) *billing.Subscription {
	sub := activeSubscription(userID)
	sub.Status = billing.StatusPastDue
	return sub
}

func activeSubscription(userID string) *billing.Subscription {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &billing.Subscription{
		ID:                     "rec_1",
		UserID:                 userID,
		ProviderCustomerID:     "cus_123",
		ProviderSubscriptionID: "sub_123",
		ProviderPriceID:        "price_pro_m",
		PlanID:                 "pro",
		BillingPeriod:          billing.PeriodMonthly,
		Status:                 billing.StatusActive,
		CurrentPeriodStart:     now,
		CurrentPeriodEnd:       now.AddDate(0, 1, 0),
		Card:                   &billing.PaymentCard{Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2030},
		LastEventAt:            now,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func newTestHandler(t *testing.T, store *memory.Storage, creator *fakeCreator, portal *fakePortal, userID string) *Handler {
	t.Helper()

	config := Config{
		Subscriptions: store,
		SiteURL:       "https://app.example.com/",
		GetUserID:     func(_ *http.Request) string { return userID },
	}
	if creator != nil {
		checkout, err := billing.NewCheckoutInitiator(billing.CheckoutConfig{
			Creator:       creator,
			Subscriptions: store,
			SiteURL:       "https://app.example.com",
		})
		if err != nil {
			t.Fatalf("Failed to create checkout initiator: %v", err)
		}
		config.Checkout = checkout
	}
	if portal != nil {
		config.Portal = portal
	}

	handler, err := NewHandler(config)
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return handler
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to unmarshal error response: %v", err)
	}
	return body["error"]
}

func TestNewHandler_Validation(t *testing.T) {
	store := memory.New()

	if _, err := NewHandler(Config{GetUserID: FromHeader("X-User-ID")}); err == nil {
		t.Error("Expected error without subscriptions reader")
	}
	if _, err := NewHandler(Config{Subscriptions: store}); err == nil {
		t.Error("Expected error without GetUserID")
	}
	if _, err := NewHandler(Config{Subscriptions: store, GetUserID: FromHeader("X-User-ID"), Portal: &fakePortal{}}); err == nil {
		t.Error("Expected error when portal is enabled without a site URL")
	}
}

func TestHandler_GetSubscription_HappyPath(t *testing.T) {
	store := memory.New()
	seed(t, store, activeSubscription(testUserID))
	handler := newTestHandler(t, store, nil, nil, testUserID)

	req := httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	w := httptest.NewRecorder()
	handler.GetSubscription(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var response SubscriptionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	if response.UserID != testUserID {
		t.Errorf("Expected userID %s, got %s", testUserID, response.UserID)
	}
	if response.SubscriptionID != "sub_123" {
		t.Errorf("Expected subscription sub_123, got %s", response.SubscriptionID)
	}
	if response.Status != "active" || !response.Entitled {
		t.Errorf("Expected entitled active subscription, got %s (entitled=%v)", response.Status, response.Entitled)
	}
	if response.BillingPeriod != "monthly" || response.PlanID != "pro" {
		t.Errorf("Expected pro monthly, got %s %s", response.PlanID, response.BillingPeriod)
	}
	if response.CurrentPeriodEnd == nil || !response.CurrentPeriodEnd.Equal(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected current period end: %v", response.CurrentPeriodEnd)
	}
	if response.PaymentMethod == nil || response.PaymentMethod.Last4 != "4242" {
		t.Errorf("Expected card summary with last4 4242, got %+v", response.PaymentMethod)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Expected Cache-Control no-store, got %q", got)
	}
}

func TestHandler_GetSubscription_PrefersLiveRecord(t *testing.T) {
	store := memory.New()
	live := activeSubscription(testUserID)
	seed(t, store, live)

	canceled := activeSubscription(testUserID)
	canceled.ID = "rec_2"
	canceled.ProviderSubscriptionID = "sub_old"
	canceled.Status = billing.StatusCanceled
	canceled.UpdatedAt = live.UpdatedAt.Add(time.Hour)
	seed(t, store, canceled)

	handler := newTestHandler(t, store, nil, nil, testUserID)
	w := httptest.NewRecorder()
	handler.GetSubscription(w, httptest.NewRequest(http.MethodGet, "/api/subscription", nil))

	var response SubscriptionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.SubscriptionID != "sub_123" {
		t.Errorf("Expected live subscription sub_123, got %s", response.SubscriptionID)
	}
}

func TestHandler_GetSubscription_NotFound(t *testing.T) {
	handler := newTestHandler(t, memory.New(), nil, nil, testUserID2)

	w := httptest.NewRecorder()
	handler.GetSubscription(w, httptest.NewRequest(http.MethodGet, "/api/subscription", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", w.Code)
	}
	if msg := decodeError(t, w); msg != errNoSubscription.Error() {
		t.Errorf("Unexpected error message %q", msg)
	}
}

func TestHandler_Unauthorized(t *testing.T) {
	handler := newTestHandler(t, memory.New(), &fakeCreator{}, &fakePortal{}, "")

	endpoints := map[string]http.HandlerFunc{
		"subscription": handler.GetSubscription,
		"checkout":     handler.CreateCheckout,
		"portal":       handler.CreatePortal,
	}
	for name, fn := range endpoints {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			fn(w, httptest.NewRequest(http.MethodPost, "/api/"+name, strings.NewReader("{}")))
			if w.Code != http.StatusUnauthorized {
				t.Errorf("Expected status 401, got %d", w.Code)
			}
		})
	}
}

func TestHandler_InvalidUserID(t *testing.T) {
	handler := newTestHandler(t, memory.New(), nil, nil, strings.Repeat("u", maxUserIDLen+1))

	w := httptest.NewRecorder()
	handler.GetSubscription(w, httptest.NewRequest(http.MethodGet, "/api/subscription", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandler_CreateCheckout(t *testing.T) {
	creator := &fakeCreator{}
	handler := newTestHandler(t, memory.New(), creator, nil, testUserID)

	body := `{"price_id":"price_pro_y","plan_id":"pro","billing_period":"yearly"}`
	w := httptest.NewRecorder()
	handler.CreateCheckout(w, httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var response CheckoutResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.SessionID != "cs_test_1" || response.URL == "" {
		t.Errorf("Unexpected checkout response %+v", response)
	}

	if len(creator.params) != 1 {
		t.Fatalf("Expected one session request, got %d", len(creator.params))
	}
	p := creator.params[0]
	if p.UserID != testUserID || p.PriceID != "price_pro_y" || p.BillingPeriod != billing.PeriodYearly {
		t.Errorf("Unexpected session params %+v", p)
	}
}

func TestHandler_CreateCheckout_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		existing   *billing.Subscription
		creatorErr error
		wantStatus int
	}{
		{
			name:       "malformed body",
			body:       `{"price_id":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown field",
			body:       `{"price_id":"p","plan_id":"pro","billing_period":"monthly","coupon":"x"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "trailing data",
			body:       `{"price_id":"p","plan_id":"pro","billing_period":"monthly"} {}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "validation failure",
			body:       `{"price_id":"p","plan_id":"pro","billing_period":"weekly"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "already subscribed",
			body:       `{"price_id":"p","plan_id":"pro","billing_period":"monthly"}`,
			existing:   activeSubscription(testUserID),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "past due must use the portal",
			body:       `{"price_id":"p","plan_id":"pro","billing_period":"monthly"}`,
			existing:   pastDueSubscription(testUserID),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "provider rejected",
			body:       `{"price_id":"p","plan_id":"pro","billing_period":"monthly"}`,
			creatorErr: billing.ErrProviderAPIError,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "provider unavailable",
			body:       `{"price_id":"p","plan_id":"pro","billing_period":"monthly"}`,
			creatorErr: billing.ErrProviderUnavailable,
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			if tt.existing != nil {
				seed(t, store, tt.existing)
			}
			creator := &fakeCreator{err: tt.creatorErr}
			handler := newTestHandler(t, store, creator, nil, testUserID)

			w := httptest.NewRecorder()
			handler.CreateCheckout(w, httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(tt.body)))

			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.creatorErr != nil && strings.Contains(w.Body.String(), tt.creatorErr.Error()) {
				t.Errorf("Provider error leaked to the client: %s", w.Body.String())
			}
		})
	}
}

func TestHandler_CreateCheckout_NotEnabled(t *testing.T) {
	handler := newTestHandler(t, memory.New(), nil, nil, testUserID)

	w := httptest.NewRecorder()
	handler.CreateCheckout(w, httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader("{}")))
	if w.Code != http.StatusNotImplemented {
		t.Errorf("Expected status 501, got %d", w.Code)
	}
}

func TestHandler_CreatePortal(t *testing.T) {
	store := memory.New()
	seed(t, store, activeSubscription(testUserID))
	portal := &fakePortal{}
	handler := newTestHandler(t, store, nil, portal, testUserID)

	w := httptest.NewRecorder()
	handler.CreatePortal(w, httptest.NewRequest(http.MethodPost, "/api/billing-portal", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var response PortalResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.URL != "https://portal.example.com/session" {
		t.Errorf("Unexpected portal URL %q", response.URL)
	}
	if portal.customerID != "cus_123" {
		t.Errorf("Expected customer cus_123, got %q", portal.customerID)
	}
	if portal.returnURL != "https://app.example.com/account" {
		t.Errorf("Unexpected return URL %q", portal.returnURL)
	}
}

func TestHandler_CreatePortal_Failures(t *testing.T) {
	t.Run("no subscription", func(t *testing.T) {
		handler := newTestHandler(t, memory.New(), nil, &fakePortal{}, testUserID)
		w := httptest.NewRecorder()
		handler.CreatePortal(w, httptest.NewRequest(http.MethodPost, "/api/billing-portal", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", w.Code)
		}
	})

	t.Run("provider outage", func(t *testing.T) {
		store := memory.New()
		seed(t, store, activeSubscription(testUserID))
		portal := &fakePortal{err: errors.Join(billing.ErrProviderUnavailable, errors.New("timeout"))}
		handler := newTestHandler(t, store, nil, portal, testUserID)

		w := httptest.NewRecorder()
		handler.CreatePortal(w, httptest.NewRequest(http.MethodPost, "/api/billing-portal", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", w.Code)
		}
	})

	t.Run("provider rejection", func(t *testing.T) {
		store := memory.New()
		seed(t, store, activeSubscription(testUserID))
		handler := newTestHandler(t, store, nil, &fakePortal{err: billing.ErrProviderAPIError}, testUserID)

		w := httptest.NewRecorder()
		handler.CreatePortal(w, httptest.NewRequest(http.MethodPost, "/api/billing-portal", nil))
		if w.Code != http.StatusBadGateway {
			t.Errorf("Expected status 502, got %d", w.Code)
		}
	})
}

func TestHandler_CustomOnError(t *testing.T) {
	var captured error
	handler, err := NewHandler(Config{
		Subscriptions: memory.New(),
		GetUserID:     func(_ *http.Request) string { return "" },
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			captured = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w := httptest.NewRecorder()
	handler.GetSubscription(w, httptest.NewRequest(http.MethodGet, "/api/subscription", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("Expected custom status 418, got %d", w.Code)
	}
	if !errors.Is(captured, errUserNotFound) {
		t.Errorf("Expected errUserNotFound, got %v", captured)
	}
}

func TestExtractors(t *testing.T) {
	type ctxKey string
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", testUserID)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey("uid"), testUserID2))

	if got := FromHeader("X-User-ID")(req); got != testUserID {
		t.Errorf("FromHeader = %q", got)
	}
	if got := FromContext(ctxKey("uid"))(req); got != testUserID2 {
		t.Errorf("FromContext = %q", got)
	}
	if got := FromContext(ctxKey("missing"))(req); got != "" {
		t.Errorf("FromContext missing = %q", got)
	}
}

// failingWriter accepts headers but drops the body.
type failingWriter struct {
	header http.Header
	status int
}

func (w *failingWriter) Header() http.Header       { return w.header }
func (w *failingWriter) WriteHeader(status int)    { w.status = status }
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("client went away") }

// debugRecorder keeps the messages logged at debug level.
type debugRecorder struct {
	billing.NoopLogger
	messages []string
}

func (l *debugRecorder) Debug(msg string, _ ...billing.Field) {
	l.messages = append(l.messages, msg)
}

func TestHandler_ErrorBodyWriteFailureIsLogged(t *testing.T) {
	logger := &debugRecorder{}
	handler, err := NewHandler(Config{
		Subscriptions: memory.New(),
		GetUserID:     func(_ *http.Request) string { return testUserID },
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w := &failingWriter{header: http.Header{}}
	handler.GetSubscription(w, httptest.NewRequest(http.MethodGet, "/api/subscription", nil))

	if w.status != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", w.status)
	}
	if len(logger.messages) != 1 || logger.messages[0] != "failed to encode error response" {
		t.Errorf("Expected one debug entry for the failed write, got %v", logger.messages)
	}
}

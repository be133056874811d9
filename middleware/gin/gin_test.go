package gin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/memory"
)

// errorStorage is a mock reader that always fails
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) GetSubscriptionByUser(_ context.Context, _ string) (*billing.Subscription, error) {
	return nil, errors.New("connection refused")
}

func setupSubscription(t *testing.T, store *memory.Storage, userID string, status billing.Status) {
	t.Helper()

	now := time.Now().UTC()
	err := store.RunInTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		return tx.SaveSubscription(ctx, &billing.Subscription{
			ID:                     "rec_" + userID,
			UserID:                 userID,
			ProviderSubscriptionID: "sub_" + userID,
			Status:                 status,
			LastEventAt:            now,
			CreatedAt:              now,
			UpdatedAt:              now,
		})
	})
	if err != nil {
		t.Fatalf("Failed to set subscription: %v", err)
	}
}

func newRouter(reader billing.SubscriptionReader) *gongin.Engine {
	gongin.SetMode(gongin.TestMode)
	r := gongin.New()
	r.Use(RequireSubscription(Config{
		Subscriptions: reader,
		GetUserID:     FromHeader("X-User-ID"),
	}))
	r.GET("/api/test", func(c *gongin.Context) {
		sub, ok := SubscriptionFrom(c)
		if !ok {
			c.String(http.StatusInternalServerError, "missing subscription")
			return
		}
		c.String(http.StatusOK, string(sub.Status))
	})
	return r
}

func TestRequireSubscription(t *testing.T) {
	store := memory.New()
	setupSubscription(t, store, "user1", billing.StatusActive)
	setupSubscription(t, store, "trial", billing.StatusTrialing)
	setupSubscription(t, store, "late", billing.StatusPastDue)
	router := newRouter(store)

	tests := []struct {
		name     string
		userID   string
		wantCode int
		wantBody string
	}{
		{"active", "user1", http.StatusOK, "active"},
		{"trialing", "trial", http.StatusOK, "trialing"},
		{"past due", "late", http.StatusPaymentRequired, `"status":"past_due"`},
		{"no record", "nobody", http.StatusPaymentRequired, "Payment Required"},
		{"anonymous", "", http.StatusUnauthorized, "Unauthorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/test", nil)
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("Expected body to contain %q, got %s", tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestRequireSubscription_StorageError(t *testing.T) {
	router := newRouter(&errorStorage{Storage: memory.New()})

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-User-ID", "user1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}

func TestFromContext(t *testing.T) {
	gongin.SetMode(gongin.TestMode)
	c, _ := gongin.CreateTestContext(httptest.NewRecorder())
	if got := FromContext("UserID")(c); got != "" {
		t.Errorf("Expected empty user ID, got %q", got)
	}
	c.Set("UserID", "user1")
	if got := FromContext("UserID")(c); got != "user1" {
		t.Errorf("Expected user1, got %q", got)
	}
}

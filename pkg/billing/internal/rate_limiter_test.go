package internal

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_AllowsBurstThenRejects(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(3, time.Minute)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.allow("10.0.0.1") {
		t.Fatal("fourth request inside the window should be rejected")
	}
	if !limiter.allow("10.0.0.2") {
		t.Fatal("other clients have their own bucket")
	}

	// One token is refilled every window/limit.
	now = now.Add(21 * time.Second)
	if !limiter.allow("10.0.0.1") {
		t.Fatal("expected a refilled token")
	}
}

func TestRateLimiter_CleanupDropsIdleClients(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(10, 100*time.Millisecond)
	limiter.now = func() time.Time { return now }

	for _, ip := range []string{"192.168.1.1", "192.168.1.2", "192.168.1.3"} {
		limiter.allow(ip)
	}
	if len(limiter.clients) != 3 {
		t.Fatalf("expected 3 tracked clients, got %d", len(limiter.clients))
	}

	now = now.Add(time.Second)
	limiter.Cleanup()
	if len(limiter.clients) != 0 {
		t.Errorf("expected idle clients to be dropped, %d remain", len(limiter.clients))
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Hour)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", http.NoBody)
	req.RemoteAddr = "203.0.113.7:4242"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", w.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{"forwarded chain", "198.51.100.1, 10.0.0.1", "10.0.0.1:1234", "198.51.100.1"},
		{"remote with port", "", "203.0.113.9:5555", "203.0.113.9"},
		{"ipv6 remote", "", "[2001:db8::1]:443", "2001:db8::1"},
		{"no port", "", "203.0.113.9", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetClientIP(req); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

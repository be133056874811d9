package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	defaultPortalReturnPath = "/account"
	maxUserIDLen            = 255
	maxRequestBodyBytes     = 16 * 1024
)

var (
	errUserNotFound   = errors.New("user ID not found")
	errInvalidUserID  = errors.New("invalid user ID format")
	errNotEnabled     = errors.New("endpoint not enabled")
	errNoSubscription = errors.New("no subscription found")
)

// Handler provides the UI-facing billing endpoints
type Handler struct {
	config    Config
	returnURL string
}

// GetSubscription returns the caller's current subscription record
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	sub, err := h.config.Subscriptions.GetSubscriptionByUser(r.Context(), userID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		h.handleError(w, r, errNoSubscription, http.StatusNotFound)
		return
	}
	if err != nil {
		h.config.Logger.Error("failed to load subscription",
			billing.Field{Key: "user_id", Value: userID}, billing.Field{Key: "error", Value: err})
		h.handleError(w, r, fmt.Errorf("failed to load subscription"), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, toResponse(sub))
}

// CreateCheckout opens a hosted checkout session for the caller
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if h.config.Checkout == nil {
		h.handleError(w, r, errNotEnabled, http.StatusNotImplemented)
		return
	}

	var req CheckoutRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		h.handleError(w, r, fmt.Errorf("invalid request body: trailing data"), http.StatusBadRequest)
		return
	}

	session, err := h.config.Checkout.Start(r.Context(), billing.CheckoutRequest{
		UserID:        userID,
		PriceID:       req.PriceID,
		PlanID:        req.PlanID,
		BillingPeriod: billing.BillingPeriod(req.BillingPeriod),
	})
	if err != nil {
		status, public := checkoutFailure(err)
		h.handleError(w, r, public, status)
		return
	}

	h.writeJSON(w, http.StatusOK, CheckoutResponse{SessionID: session.ID, URL: session.URL})
}

// CreatePortal opens a billing portal session for the caller's customer
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if h.config.Portal == nil {
		h.handleError(w, r, errNotEnabled, http.StatusNotImplemented)
		return
	}

	sub, err := h.config.Subscriptions.GetSubscriptionByUser(r.Context(), userID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) || (err == nil && sub.ProviderCustomerID == "") {
		h.handleError(w, r, errNoSubscription, http.StatusNotFound)
		return
	}
	if err != nil {
		h.config.Logger.Error("failed to load subscription",
			billing.Field{Key: "user_id", Value: userID}, billing.Field{Key: "error", Value: err})
		h.handleError(w, r, fmt.Errorf("failed to load subscription"), http.StatusInternalServerError)
		return
	}

	url, err := h.config.Portal.CreatePortalSession(r.Context(), sub.ProviderCustomerID, h.returnURL)
	if err != nil {
		status := http.StatusBadGateway
		if billing.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
		h.config.Logger.Warn("portal session failed",
			billing.Field{Key: "user_id", Value: userID}, billing.Field{Key: "error", Value: err})
		h.handleError(w, r, fmt.Errorf("failed to open billing portal"), status)
		return
	}

	h.writeJSON(w, http.StatusOK, PortalResponse{URL: url})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, errUserNotFound, http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, errInvalidUserID, http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// checkoutFailure maps a checkout failure onto the status and message the UI
// sees. Provider detail stays in the logs.
func checkoutFailure(err error) (int, error) {
	var cErr *billing.CheckoutInitiationError
	if !errors.As(err, &cErr) {
		return http.StatusInternalServerError, errors.New("checkout failed")
	}
	switch cErr.Kind {
	case billing.CheckoutInvalidRequest:
		return http.StatusBadRequest, cErr.Err
	case billing.CheckoutAlreadySubscribed:
		return http.StatusConflict, billing.ErrAlreadySubscribed
	case billing.CheckoutProviderRejected:
		return http.StatusBadGateway, errors.New("payment provider rejected the checkout")
	case billing.CheckoutUnavailable:
		return http.StatusServiceUnavailable, errors.New("checkout temporarily unavailable")
	default:
		return http.StatusInternalServerError, errors.New("checkout failed")
	}
}

func toResponse(sub *billing.Subscription) SubscriptionResponse {
	resp := SubscriptionResponse{
		UserID:             sub.UserID,
		SubscriptionID:     sub.ProviderSubscriptionID,
		PlanID:             sub.PlanID,
		PriceID:            sub.ProviderPriceID,
		BillingPeriod:      string(sub.BillingPeriod),
		Status:             string(sub.Status),
		Entitled:           sub.Status.Entitled(),
		CurrentPeriodStart: timePtr(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   timePtr(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		UpdatedAt:          sub.UpdatedAt,
	}
	if sub.Card != nil {
		resp.PaymentMethod = &CardSummary{
			Brand:    sub.Card.Brand,
			Last4:    sub.Card.Last4,
			ExpMonth: sub.Card.ExpMonth,
			ExpYear:  sub.Card.ExpYear,
		}
	}
	return resp
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Log encoding error but response already sent
		h.config.Logger.Debug("failed to encode response", billing.Field{Key: "error", Value: err})
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	// Default error handling
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		// Log encoding error but response already sent
		h.config.Logger.Debug("failed to encode error response",
			billing.Field{Key: "error", Value: encodeErr},
			billing.Field{Key: "status", Value: statusCode})
	}
}

package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/internal"
)

const signatureHeader = "Stripe-Signature"

type ackResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleWebhook verifies, decodes and reconciles one Stripe delivery.
//
//	200 processed, duplicate, ignored or stale
//	400 bad signature or malformed supported event
//	503 retryable failure (store or Stripe API unavailable, timeout)
//	500 anything else
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusServiceUnavailable)
		return
	default:
	}

	// Read the raw bytes; the signature covers them exactly.
	body, err := internal.ReadBodyStrict(w, r, p.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			p.reply(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
		} else {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			p.reply(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		}
		return
	}

	verified, err := p.verifier.Verify(body, r.Header.Get(signatureHeader))
	if err != nil {
		var authErr *billing.AuthenticationError
		reason := "invalid_signature"
		if errors.As(err, &authErr) {
			reason = authErr.Reason
		}
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		p.logger.Warn("stripe webhook signature rejected",
			billing.Field{Key: "reason", Value: reason},
			billing.Field{Key: "remote_ip", Value: internal.GetClientIP(r)})
		p.reply(w, http.StatusBadRequest, errorResponse{Error: "invalid signature"})
		return
	}

	event, err := Decode(verified)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "malformed_payload")
		p.logger.Error("stripe webhook payload malformed", billing.Field{Key: "error", Value: err.Error()})
		p.reply(w, http.StatusBadRequest, errorResponse{Error: "malformed payload"})
		return
	}
	eventType := event.Meta().Type

	ctx, cancel := context.WithTimeout(r.Context(), p.processingTimeout)
	defer cancel()

	res, err := p.handler.Handle(ctx, event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			p.metrics.RecordWebhookError(providerName, "timeout")
			status = http.StatusServiceUnavailable
		case billing.IsRetryable(err):
			p.metrics.RecordWebhookError(providerName, errorType(err))
			status = http.StatusServiceUnavailable
		default:
			p.metrics.RecordWebhookError(providerName, "processing_error")
		}
		p.logger.Error("stripe webhook processing failed",
			billing.Field{Key: "event_id", Value: event.Meta().ID},
			billing.Field{Key: "event_type", Value: eventType},
			billing.Field{Key: "status", Value: status},
			billing.Field{Key: "error", Value: err.Error()})
		p.reply(w, status, errorResponse{Error: "failed to process webhook"})
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, string(res.Disposition))
	p.reply(w, http.StatusOK, ackResponse{Received: true, Status: string(res.Disposition)})
}

func (p *Provider) reply(w http.ResponseWriter, code int, v interface{}) {
	if err := internal.WriteJSON(w, code, v); err != nil {
		p.logger.Debug("stripe webhook response write failed", billing.Field{Key: "error", Value: err.Error()})
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, billing.ErrPersistence):
		return "persistence_error"
	case errors.Is(err, billing.ErrProviderUnavailable):
		return "provider_unavailable"
	default:
		return "retryable_error"
	}
}

package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - components fall back to NoopMetrics when nil.
type Metrics interface {
	// RecordWebhookEvent records a webhook delivery and how it was handled.
	// outcome: "processed", "duplicate", "ignored", "stale" or "error"
	RecordWebhookEvent(provider, eventType, outcome string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "malformed_payload", "persistence_error", "timeout"
	RecordWebhookError(provider, errorType string)

	// RecordStatusTransition records a subscription status change.
	// from is "" when the record was created by the event.
	RecordStatusTransition(provider, from, to string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/subscriptions/{id}")
	// status: "success", "error" or a short failure reason
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordCheckout records a checkout initiation attempt.
	// status: "created" or a CheckoutErrorKind
	RecordCheckout(provider, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordStatusTransition(_, _, _ string)                        {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordCheckout(_, _ string)                                   {}

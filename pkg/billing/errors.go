package billing

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is matched by every AuthenticationError
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is matched by every MalformedPayloadError
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrPersistence is matched by every PersistenceError
	ErrPersistence = errors.New("billing persistence failure")

	// ErrProviderUnavailable is returned when the provider API could not be reached
	// or answered with a server error. Retryable.
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrProviderAPIError is returned when the provider's API rejects a request
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCheckoutInitiation is matched by every CheckoutInitiationError
	ErrCheckoutInitiation = errors.New("checkout initiation failed")

	// ErrAlreadySubscribed is returned when a user whose subscription is not canceled starts another checkout
	ErrAlreadySubscribed = errors.New("user already has a subscription; manage it through /api/billing-portal")

	// ErrSubscriptionNotFound is returned by readers when no record matches
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvalidSubscription is returned when a record violates its invariants
	ErrInvalidSubscription = errors.New("invalid subscription record")

	// ErrNotSupported is returned when a store doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this store")
)

// AuthenticationError is returned when a webhook fails signature verification.
type AuthenticationError struct {
	// Reason is a short machine-readable cause, e.g. "signature_mismatch"
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook authentication failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("webhook authentication failed (%s)", e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func (e *AuthenticationError) Is(target error) bool { return target == ErrInvalidWebhookSignature }

// MalformedPayloadError is returned when a recognized event is missing a
// required field or has the wrong shape.
type MalformedPayloadError struct {
	EventType string
	Field     string
	Err       error
}

func (e *MalformedPayloadError) Error() string {
	msg := "malformed webhook payload"
	if e.EventType != "" {
		msg += " for " + e.EventType
	}
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

func (e *MalformedPayloadError) Is(target error) bool { return target == ErrInvalidWebhookPayload }

// PersistenceError wraps a datastore failure. The webhook must not be
// acknowledged when one is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// CheckoutErrorKind classifies a CheckoutInitiationError for the caller.
type CheckoutErrorKind string

const (
	CheckoutInvalidRequest    CheckoutErrorKind = "invalid_request"
	CheckoutAlreadySubscribed CheckoutErrorKind = "already_subscribed"
	CheckoutProviderRejected  CheckoutErrorKind = "provider_rejected"
	CheckoutUnavailable       CheckoutErrorKind = "unavailable"
)

// CheckoutInitiationError is returned by the synchronous checkout path.
// It never implies a durable state change.
type CheckoutInitiationError struct {
	Kind CheckoutErrorKind
	Err  error
}

func (e *CheckoutInitiationError) Error() string {
	return fmt.Sprintf("checkout initiation failed (%s): %v", e.Kind, e.Err)
}

func (e *CheckoutInitiationError) Unwrap() error { return e.Err }

func (e *CheckoutInitiationError) Is(target error) bool { return target == ErrCheckoutInitiation }

// IsRetryable reports whether the provider should redeliver the event that
// produced err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPersistence) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

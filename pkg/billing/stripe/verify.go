package stripe

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// DefaultSignatureTolerance matches Stripe's own SDK default.
const DefaultSignatureTolerance = webhook.DefaultTolerance

// VerifiedPayload is a webhook body whose signature has been checked.
// Only Verifier.Verify produces one.
type VerifiedPayload struct {
	body []byte
}

// Bytes returns the verified body.
func (p VerifiedPayload) Bytes() []byte { return p.body }

// Verifier checks Stripe-Signature headers (t=<unix>,v1=<hex hmac-sha256>).
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier for the endpoint signing secret.
// A zero tolerance selects DefaultSignatureTolerance.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}, nil
}

// Verify authenticates payload against header. It never parses the body.
func (v *Verifier) Verify(payload []byte, header string) (VerifiedPayload, error) {
	if strings.TrimSpace(header) == "" {
		return VerifiedPayload{}, &billing.AuthenticationError{Reason: "missing_signature"}
	}

	if err := webhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return VerifiedPayload{}, &billing.AuthenticationError{Reason: verifyReason(err), Err: err}
	}

	// The SDK only rejects old timestamps; reject ones too far in the future as well.
	if ts, ok := headerTimestamp(header); ok && ts.Sub(v.now()) > v.tolerance {
		return VerifiedPayload{}, &billing.AuthenticationError{Reason: "timestamp_out_of_tolerance"}
	}

	return VerifiedPayload{body: payload}, nil
}

func verifyReason(err error) string {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return "missing_signature"
	case errors.Is(err, webhook.ErrInvalidHeader):
		return "invalid_header"
	case errors.Is(err, webhook.ErrTooOld):
		return "timestamp_out_of_tolerance"
	case errors.Is(err, webhook.ErrNoValidSignature):
		return "signature_mismatch"
	default:
		return "invalid_signature"
	}
}

func headerTimestamp(header string) (time.Time, bool) {
	for _, part := range strings.Split(header, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || k != "t" {
			continue
		}
		sec, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, 0), true
	}
	return time.Time{}, false
}

package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeWebhookVerifier checks the Stripe-Signature header against the endpoint secret.
type StripeWebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeWebhookVerifier builds a verifier. A non-positive tolerance uses the SDK default.
func NewStripeWebhookVerifier(secret string, tolerance time.Duration) (*StripeWebhookVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeWebhookVerifier{secret: secret, tolerance: tolerance}, nil
}

// Verify authenticates payload exactly as received and decodes it. Failures wrap
// ErrInvalidSignature; payloads that verify but cannot be decoded are reported as
// plain errors.
func (v *StripeWebhookVerifier) Verify(payload []byte, signature string) (Event, error) {
	if v == nil {
		return Event{}, errors.New("stripe: webhook verifier is nil")
	}
	if strings.TrimSpace(signature) == "" {
		return Event{}, fmt.Errorf("%w: signature header missing", ErrInvalidSignature)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{ID: evt.ID, Type: string(evt.Type)}
	if !strings.HasPrefix(out.Type, "payment_intent.") || evt.Data == nil {
		return out, nil
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
		return Event{}, fmt.Errorf("stripe: decode payment intent from event %s: %w", evt.ID, err)
	}
	converted := stripeIntent(&intent)
	out.Intent = &converted
	return out, nil
}

// TwintCallback is the body posted by the TWINT acquirer once the customer acts in the app.
type TwintCallback struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	EventID   string `json:"eventId"`
}

// ParseTwintCallback decodes an already HMAC-verified callback body.
func ParseTwintCallback(payload []byte) (TwintCallback, error) {
	var cb TwintCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return TwintCallback{}, fmt.Errorf("twint: decode callback: %w", err)
	}
	cb.PaymentID = strings.TrimSpace(cb.PaymentID)
	cb.Status = strings.ToLower(strings.TrimSpace(cb.Status))
	if cb.PaymentID == "" {
		return TwintCallback{}, errors.New("twint: callback paymentId is required")
	}
	switch cb.Status {
	case StatusSucceeded, StatusCanceled, StatusFailed:
	default:
		return TwintCallback{}, fmt.Errorf("twint: unsupported callback status %q", cb.Status)
	}
	return cb, nil
}

// EventType maps the callback status onto the normalised event names.
func (c TwintCallback) EventType() string {
	switch c.Status {
	case StatusSucceeded:
		return EventIntentSucceeded
	case StatusCanceled:
		return EventIntentCanceled
	default:
		return EventIntentFailed
	}
}

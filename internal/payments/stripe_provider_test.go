package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v78"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
)

type fakeStripeIntents struct {
	newFn  func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	getFn  func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	calls  int
	params *stripe.PaymentIntentParams
}

func (f *fakeStripeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.calls++
	f.params = params
	return f.newFn(params)
}

func (f *fakeStripeIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.calls++
	return f.getFn(id, params)
}

func newTestStripeProvider(t *testing.T, api *fakeStripeIntents, breaker *gobreaker.Settings) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{intents: api, Breaker: breaker, ReturnURL: "https://shop.example.ch/checkout/complete"})
	if err != nil {
		t.Fatalf("new stripe provider: %v", err)
	}
	return provider
}

func TestStripeProviderCreateIntent(t *testing.T) {
	api := &fakeStripeIntents{newFn: func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return &stripe.PaymentIntent{
			ID:           "pi_123",
			ClientSecret: "pi_123_secret_abc",
			Amount:       *params.Amount,
			Currency:     stripe.Currency(*params.Currency),
			Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
			Metadata:     params.Metadata,
		}, nil
	}}
	provider := newTestStripeProvider(t, api, nil)

	intent, err := provider.CreateIntent(context.Background(), CreateIntentRequest{
		UserID:         "user-1",
		Amount:         9000,
		Currency:       "CHF",
		Method:         domain.PaymentMethodCard,
		Customer:       &Customer{Name: "Mira", Email: "mira@example.ch"},
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.ID != "pi_123" || intent.ClientSecret != "pi_123_secret_abc" {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if intent.Amount != 9000 || intent.Currency != "chf" {
		t.Fatalf("unexpected amount/currency %d %s", intent.Amount, intent.Currency)
	}
	if intent.UserID() != "user-1" || intent.Method() != domain.PaymentMethodCard {
		t.Fatalf("unexpected metadata %v", intent.Metadata)
	}
	if api.params.IdempotencyKey == nil || *api.params.IdempotencyKey != "intent:user-1:key-1" {
		t.Fatalf("expected scoped idempotency key, got %v", api.params.IdempotencyKey)
	}
	if api.params.ReceiptEmail == nil || *api.params.ReceiptEmail != "mira@example.ch" {
		t.Fatalf("expected receipt email to be set")
	}
	if intent.ReturnURL != "https://shop.example.ch/checkout/complete" {
		t.Fatalf("expected return url on intent, got %q", intent.ReturnURL)
	}
	if api.params.ReturnURL != nil {
		t.Fatalf("return url must not be sent without confirm")
	}
}

func TestNewStripeProviderRejectsRelativeReturnURL(t *testing.T) {
	for _, raw := range []string{"/checkout/complete", "shop.example.ch", "ftp://shop.example.ch"} {
		if _, err := NewStripeProvider(StripeProviderConfig{intents: &fakeStripeIntents{}, ReturnURL: raw}); err == nil {
			t.Fatalf("expected error for return url %q", raw)
		}
	}
}

func TestStripeProviderRetrieveNotFound(t *testing.T) {
	api := &fakeStripeIntents{getFn: func(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing}
	}}
	provider := newTestStripeProvider(t, api, nil)

	_, err := provider.RetrieveIntent(context.Background(), "pi_missing")
	if !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected ErrIntentNotFound, got %v", err)
	}
}

func TestStripeProviderTransportErrorIsUnavailable(t *testing.T) {
	api := &fakeStripeIntents{getFn: func(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return nil, errors.New("net/http: request canceled (Client.Timeout exceeded)")
	}}
	provider := newTestStripeProvider(t, api, nil)

	_, err := provider.RetrieveIntent(context.Background(), "pi_1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestStripeProviderBreakerOpens(t *testing.T) {
	api := &fakeStripeIntents{getFn: func(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusBadGateway}
	}}
	settings := defaultBreakerSettings("stripe-test")
	settings.Timeout = time.Hour
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 2 }
	provider := newTestStripeProvider(t, api, &settings)

	for i := 0; i < 2; i++ {
		if _, err := provider.RetrieveIntent(context.Background(), "pi_1"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: expected ErrUnavailable, got %v", i, err)
		}
	}
	if _, err := provider.RetrieveIntent(context.Background(), "pi_1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected open breaker to report ErrUnavailable, got %v", err)
	}
	if api.calls != 2 {
		t.Fatalf("expected open breaker to short-circuit, got %d calls", api.calls)
	}
}

func TestStripeProviderClientErrorsDoNotTripBreaker(t *testing.T) {
	api := &fakeStripeIntents{getFn: func(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing}
	}}
	settings := defaultBreakerSettings("stripe-test")
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 1 }
	provider := newTestStripeProvider(t, api, &settings)

	for i := 0; i < 3; i++ {
		if _, err := provider.RetrieveIntent(context.Background(), "pi_missing"); !errors.Is(err, ErrIntentNotFound) {
			t.Fatalf("expected ErrIntentNotFound, got %v", err)
		}
	}
	if api.calls != 3 {
		t.Fatalf("expected every call to reach stripe, got %d", api.calls)
	}
}

func TestNewStripeProviderRequiresKey(t *testing.T) {
	if _, err := NewStripeProvider(StripeProviderConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}

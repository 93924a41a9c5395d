package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const defaultStripeTimeout = 20 * time.Second

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	Timeout   time.Duration
	ReturnURL string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Breaker   *gobreaker.Settings

	intents stripePaymentIntentAPI
}

// StripeProvider implements Provider with Stripe Payment Intents.
type StripeProvider struct {
	intents   stripePaymentIntentAPI
	breaker   *gobreaker.CircuitBreaker[*stripe.PaymentIntent]
	logger    StripeLogger
	returnURL string
}

// NewStripeProvider constructs a Stripe Provider. Calls are bounded by cfg.Timeout, not
// retried by the SDK, and guarded by a circuit breaker.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	intents := cfg.intents
	if intents == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		backends := cfg.Backends
		if backends == nil {
			timeout := cfg.Timeout
			if timeout <= 0 {
				timeout = defaultStripeTimeout
			}
			backends = stripe.NewBackendsWithConfig(&stripe.BackendConfig{
				HTTPClient:        &http.Client{Timeout: timeout},
				MaxNetworkRetries: stripe.Int64(0),
			})
		}
		intents = client.New(apiKey, backends).PaymentIntents
	}

	returnURL := strings.TrimSpace(cfg.ReturnURL)
	if returnURL != "" {
		parsed, err := url.Parse(returnURL)
		if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
			return nil, fmt.Errorf("stripe: return url %q must be an absolute http(s) url", returnURL)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	settings := defaultBreakerSettings("stripe")
	if cfg.Breaker != nil {
		settings = *cfg.Breaker
	}
	if settings.IsSuccessful == nil {
		settings.IsSuccessful = breakerSuccessful
	}
	onChange := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		logger(context.Background(), "payments.stripe.breaker_state", map[string]any{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		})
		if onChange != nil {
			onChange(name, from, to)
		}
	}

	return &StripeProvider{
		intents:   intents,
		breaker:   gobreaker.NewCircuitBreaker[*stripe.PaymentIntent](settings),
		logger:    logger,
		returnURL: returnURL,
	}, nil
}

func (p *StripeProvider) Name() string { return ProviderStripe }

// CreateIntent opens a Stripe Payment Intent tagged with the user and method. The intent
// is confirmed by the client, so the return URL travels back with the intent instead of
// the create call, which only accepts one together with confirm.
func (p *StripeProvider) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(MetadataUserID, req.UserID)
	params.AddMetadata(MetadataPaymentMethod, string(req.Method))
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey("intent:" + req.UserID + ":" + key)
	}
	if req.Customer != nil {
		if email := strings.TrimSpace(req.Customer.Email); email != "" {
			params.ReceiptEmail = stripe.String(email)
		}
		if name := strings.TrimSpace(req.Customer.Name); name != "" {
			params.Description = stripe.String("Order for " + name)
		}
	}

	intent, err := p.breaker.Execute(func() (*stripe.PaymentIntent, error) {
		return p.intents.New(params)
	})
	if err != nil {
		p.logger(ctx, "payments.stripe.intent_create_failed", map[string]any{"userId": req.UserID, "error": err})
		return Intent{}, classifyStripeError("create payment intent", err)
	}

	p.logger(ctx, "payments.stripe.intent_created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      string(intent.Currency),
	})
	created := stripeIntent(intent)
	created.ReturnURL = p.returnURL
	return created, nil
}

// RetrieveIntent reads the intent from Stripe.
func (p *StripeProvider) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(intentID) == "" {
		return Intent{}, ErrIntentNotFound
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := p.breaker.Execute(func() (*stripe.PaymentIntent, error) {
		return p.intents.Get(intentID, params)
	})
	if err != nil {
		return Intent{}, classifyStripeError("retrieve payment intent", err)
	}
	return stripeIntent(intent), nil
}

func stripeIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}
	metadata := make(map[string]string, len(intent.Metadata))
	for k, v := range intent.Metadata {
		metadata[k] = v
	}
	return Intent{
		ID:           intent.ID,
		Provider:     ProviderStripe,
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     strings.ToLower(string(intent.Currency)),
		Status:       string(intent.Status),
		Metadata:     metadata,
	}
}

func defaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// breakerSuccessful counts client errors (card declined, unknown intent) as healthy calls.
func breakerSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 && stripeErr.HTTPStatusCode != http.StatusTooManyRequests
	}
	return false
}

func classifyStripeError(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("stripe: %s: %w: %v", op, ErrUnavailable, err)
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("stripe: %s: %w", op, ErrIntentNotFound)
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= 500:
			return fmt.Errorf("stripe: %s: %w: %v", op, ErrUnavailable, err)
		default:
			return fmt.Errorf("stripe: %s: %w", op, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Anything that is not an API error never reached Stripe: transport failure or timeout.
	return fmt.Errorf("stripe: %s: %w: %v", op, ErrUnavailable, err)
}

package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
)

// Provider names used for routing and stored on orders.
const (
	ProviderStripe = "stripe"
	ProviderTwint  = "twint"
)

// Metadata keys attached to every intent.
const (
	MetadataUserID        = "userId"
	MetadataPaymentMethod = "paymentMethod"
)

// Raw processor statuses the order flow cares about.
const (
	StatusSucceeded       = "succeeded"
	StatusProcessing      = "processing"
	StatusRequiresCapture = "requires_capture"
	StatusRequiresAction  = "requires_action"
	StatusCanceled        = "canceled"
	StatusFailed          = "failed"
)

// Normalised event types. TWINT callbacks are mapped onto the Stripe names.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrIntentNotFound is returned when the processor does not know the intent.
	ErrIntentNotFound = errors.New("payments: intent not found")
	// ErrUnavailable marks retryable processor failures (timeouts, open breaker, 5xx).
	ErrUnavailable = errors.New("payments: processor unavailable")
	// ErrInvalidSignature is returned when a webhook payload fails verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrIntentFinal is returned when a terminal intent is asked to change state.
	ErrIntentFinal = errors.New("payments: intent already final")
)

// Customer is optional billing information forwarded to the processor.
type Customer struct {
	Name  string
	Email string
}

// CreateIntentRequest carries everything a provider needs to open an intent.
type CreateIntentRequest struct {
	UserID         string
	Amount         int64
	Currency       string
	Method         domain.PaymentMethod
	Customer       *Customer
	IdempotencyKey string
}

// Intent is the provider-neutral view of a payment intent.
type Intent struct {
	ID           string
	Provider     string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       string
	Metadata     map[string]string

	// ReturnURL is where redirect-based methods send the payer after client-side
	// confirmation. Empty when the provider never redirects.
	ReturnURL string
}

// UserID returns the owning user recorded in metadata.
func (i Intent) UserID() string {
	return i.Metadata[MetadataUserID]
}

// Method returns the payment method recorded in metadata.
func (i Intent) Method() domain.PaymentMethod {
	return domain.PaymentMethod(strings.ToUpper(i.Metadata[MetadataPaymentMethod]))
}

// Confirmed reports whether the status allows an order to be created.
func (i Intent) Confirmed() bool {
	switch i.Status {
	case StatusSucceeded, StatusProcessing, StatusRequiresCapture:
		return true
	default:
		return false
	}
}

// Event is a verified processor notification. Intent is nil for event types that do not
// carry a payment intent.
type Event struct {
	ID     string
	Type   string
	Intent *Intent
}

// Provider is implemented by each payment backend.
type Provider interface {
	Name() string
	CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (Intent, error)
}

// Manager routes intent creation by payment method and retrieval by intent id prefix.
type Manager struct {
	providers    map[string]Provider
	methodRoutes map[domain.PaymentMethod]string
	prefixRoutes map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithMethodRoute sends intents for method to the named provider.
func WithMethodRoute(method domain.PaymentMethod, provider string) ManagerOption {
	return func(m *Manager) {
		m.methodRoutes[method] = normaliseKey(provider)
	}
}

// WithIntentPrefix sends lookups of ids starting with prefix to the named provider.
func WithIntentPrefix(prefix, provider string) ManagerOption {
	return func(m *Manager) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			m.prefixRoutes[prefix] = normaliseKey(provider)
		}
	}
}

// NewManager constructs a Manager over the supplied providers, keyed by Provider.Name.
func NewManager(providers []Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{
		providers: make(map[string]Provider, len(providers)),
		methodRoutes: map[domain.PaymentMethod]string{
			domain.PaymentMethodCard:  ProviderStripe,
			domain.PaymentMethodTwint: ProviderTwint,
		},
		prefixRoutes: map[string]string{
			"pi_":    ProviderStripe,
			"twint_": ProviderTwint,
		},
	}
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("payments: nil provider registration")
		}
		key := normaliseKey(p.Name())
		if key == "" {
			return nil, errors.New("payments: provider name is required")
		}
		if _, dup := m.providers[key]; dup {
			return nil, fmt.Errorf("payments: provider %q registered twice", key)
		}
		m.providers[key] = p
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// ForMethod returns the provider serving method.
func (m *Manager) ForMethod(method domain.PaymentMethod) (Provider, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	key, ok := m.methodRoutes[method]
	if !ok {
		return nil, fmt.Errorf("%w: method %q", ErrUnsupportedProvider, method)
	}
	p, ok := m.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q not registered", ErrUnsupportedProvider, key)
	}
	return p, nil
}

// ForIntent returns the provider that issued intentID.
func (m *Manager) ForIntent(intentID string) (Provider, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	for prefix, key := range m.prefixRoutes {
		if !strings.HasPrefix(intentID, prefix) {
			continue
		}
		if p, ok := m.providers[key]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: intent %q", ErrUnsupportedProvider, intentID)
}

// CreateIntent delegates to the provider for req.Method.
func (m *Manager) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	provider, err := m.ForMethod(req.Method)
	if err != nil {
		return Intent{}, err
	}
	intent, err := provider.CreateIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = provider.Name()
	return intent, nil
}

// RetrieveIntent delegates to the provider that issued intentID. Unknown prefixes are
// reported as not found.
func (m *Manager) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	provider, err := m.ForIntent(intentID)
	if err != nil {
		if errors.Is(err, ErrUnsupportedProvider) {
			return Intent{}, fmt.Errorf("%w: %v", ErrIntentNotFound, err)
		}
		return Intent{}, err
	}
	intent, err := provider.RetrieveIntent(ctx, intentID)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = provider.Name()
	return intent, nil
}

func normaliseKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

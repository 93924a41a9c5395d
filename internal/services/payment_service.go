package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/payments"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

const defaultSettlementCurrency = "chf"

var (
	errPaymentCartsRequired   = errors.New("payment service: cart repository is required")
	errPaymentIntentsRequired = errors.New("payment service: intent gateway is required")
	errPaymentVerifierMissing = errors.New("payment service: webhook verifier is required")
	errPaymentEventsRequired  = errors.New("payment service: event handler is required")
)

var (
	// ErrPaymentInvalidInput indicates a malformed request or callback body.
	ErrPaymentInvalidInput = errors.New("payment service: invalid input")

	// ErrPaymentEmptyCart is returned before any processor call when the cart has no items.
	ErrPaymentEmptyCart = errors.New("payment service: cart is empty")

	// ErrPaymentUnpriceableCart is returned when an item has no price snapshot.
	ErrPaymentUnpriceableCart = errors.New("payment service: cart contains unpriced items")

	// ErrPaymentIntentNotFound indicates the processor does not know the intent.
	ErrPaymentIntentNotFound = errors.New("payment service: intent not found")

	// ErrPaymentIntentFinal indicates a settled intent was asked to change state.
	ErrPaymentIntentFinal = errors.New("payment service: intent already settled")

	// ErrPaymentInvalidSignature indicates a webhook failed signature verification.
	ErrPaymentInvalidSignature = errors.New("payment service: invalid webhook signature")

	// ErrPaymentForbidden indicates the intent belongs to another user.
	ErrPaymentForbidden = errors.New("payment service: forbidden")

	// ErrPaymentUnavailable marks retryable processor or store failures.
	ErrPaymentUnavailable = errors.New("payment service: unavailable")
)

// IntentGateway opens and reads payment intents. Implemented by payments.Manager.
type IntentGateway interface {
	CreateIntent(ctx context.Context, req payments.CreateIntentRequest) (payments.Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (payments.Intent, error)
}

// WebhookVerifier authenticates raw processor notifications.
type WebhookVerifier interface {
	Verify(payload []byte, signature string) (payments.Event, error)
}

// TwintGateway settles payments on the TWINT ledger.
type TwintGateway interface {
	RetrieveIntent(ctx context.Context, intentID string) (payments.Intent, error)
	Settle(ctx context.Context, intentID, status string) (payments.Intent, error)
}

// PaymentEventHandler reacts to verified processor events. Implemented by OrderService.
type PaymentEventHandler interface {
	ApplyPaymentEvent(ctx context.Context, event payments.Event) (PaymentEventResult, error)
}

// PaymentServiceDeps wires the processor adapters used by payment operations.
type PaymentServiceDeps struct {
	Carts          repositories.CartRepository
	Intents        IntentGateway
	Verifier       WebhookVerifier
	Twint          TwintGateway
	Events         PaymentEventHandler
	PublishableKey string
	Currency       string
	Logger         func(context.Context, string, map[string]any)
}

type paymentService struct {
	carts          repositories.CartRepository
	intents        IntentGateway
	verifier       WebhookVerifier
	twint          TwintGateway
	events         PaymentEventHandler
	publishableKey string
	currency       string
	logger         func(context.Context, string, map[string]any)
}

var _ PaymentService = (*paymentService)(nil)

// NewPaymentService constructs a PaymentService. Twint is optional; without it TWINT
// intents and callbacks are rejected.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Carts == nil {
		return nil, errPaymentCartsRequired
	}
	if deps.Intents == nil {
		return nil, errPaymentIntentsRequired
	}
	if deps.Verifier == nil {
		return nil, errPaymentVerifierMissing
	}
	if deps.Events == nil {
		return nil, errPaymentEventsRequired
	}

	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultSettlementCurrency
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		carts:          deps.Carts,
		intents:        deps.Intents,
		verifier:       deps.Verifier,
		twint:          deps.Twint,
		events:         deps.Events,
		publishableKey: strings.TrimSpace(deps.PublishableKey),
		currency:       currency,
		logger:         logger,
	}, nil
}

func (s *paymentService) Config(context.Context) PaymentConfig {
	methods := []PaymentMethod{domain.PaymentMethodCard}
	if s.twint != nil {
		methods = append(methods, domain.PaymentMethodTwint)
	}
	return PaymentConfig{
		PublishableKey: s.publishableKey,
		Currency:       s.currency,
		Methods:        methods,
	}
}

// CreateIntent prices the stored cart and opens an intent for that amount. An empty
// cart fails before the processor is contacted.
func (s *paymentService) CreateIntent(ctx context.Context, userID string, cmd CreateIntentCommand) (PaymentIntentResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PaymentIntentResult{}, fmt.Errorf("%w: user id is required", ErrPaymentInvalidInput)
	}

	method := PaymentMethod(strings.ToUpper(strings.TrimSpace(string(cmd.Method))))
	if method == "" {
		method = domain.PaymentMethodCard
	}
	if !method.Valid() {
		return PaymentIntentResult{}, fmt.Errorf("%w: unsupported payment method %q", ErrPaymentInvalidInput, cmd.Method)
	}
	if method == domain.PaymentMethodTwint && s.twint == nil {
		return PaymentIntentResult{}, fmt.Errorf("%w: payment method %s is not enabled", ErrPaymentInvalidInput, method)
	}

	customer, err := normalizeCustomer(cmd.Customer)
	if err != nil {
		return PaymentIntentResult{}, err
	}

	cart, err := s.carts.GetOrCreate(ctx, userID)
	if err != nil {
		return PaymentIntentResult{}, s.translateRepoError(err)
	}
	amount, err := cartAmount(cart)
	if err != nil {
		return PaymentIntentResult{}, err
	}

	intent, err := s.intents.CreateIntent(ctx, payments.CreateIntentRequest{
		UserID:         userID,
		Amount:         amount,
		Currency:       s.currency,
		Method:         method,
		Customer:       customer,
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
	})
	if err != nil {
		s.logger(ctx, "payments.intent_failed", map[string]any{"userId": userID, "method": string(method), "error": err.Error()})
		return PaymentIntentResult{}, translateProcessorError(err)
	}

	s.logger(ctx, "payments.intent_created", map[string]any{
		"userId":        userID,
		"paymentIntent": intent.ID,
		"provider":      intent.Provider,
		"amount":        amount,
		"items":         len(cart.Items),
	})

	currency := intent.Currency
	if currency == "" {
		currency = s.currency
	}
	return PaymentIntentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		Amount:          amount,
		Currency:        currency,
		PaymentMethod:   method,
		Provider:        intent.Provider,
		ReturnURL:       intent.ReturnURL,
	}, nil
}

func (s *paymentService) RetrieveIntent(ctx context.Context, intentID string) (payments.Intent, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return payments.Intent{}, fmt.Errorf("%w: payment intent id is required", ErrPaymentInvalidInput)
	}
	intent, err := s.intents.RetrieveIntent(ctx, intentID)
	if err != nil {
		return payments.Intent{}, translateProcessorError(err)
	}
	return intent, nil
}

// HandleStripeWebhook verifies the raw payload before anything else happens, then hands
// the event to the order flow.
func (s *paymentService) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (PaymentEventResult, error) {
	event, err := s.verifier.Verify(payload, signature)
	if err != nil {
		s.logger(ctx, "payments.webhook_rejected", map[string]any{"provider": payments.ProviderStripe, "error": err.Error()})
		return PaymentEventResult{}, fmt.Errorf("%w: %v", ErrPaymentInvalidSignature, err)
	}
	s.logger(ctx, "payments.webhook_received", map[string]any{"provider": payments.ProviderStripe, "eventId": event.ID, "type": event.Type})
	return s.events.ApplyPaymentEvent(ctx, event)
}

// HandleTwintCallback applies an acquirer callback whose signature was checked by the
// HMAC middleware. Conflicting callbacks for a settled payment are acknowledged.
func (s *paymentService) HandleTwintCallback(ctx context.Context, payload []byte) (PaymentEventResult, error) {
	if s.twint == nil {
		return PaymentEventResult{}, fmt.Errorf("%w: twint is not enabled", ErrPaymentInvalidInput)
	}
	callback, err := payments.ParseTwintCallback(payload)
	if err != nil {
		return PaymentEventResult{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	}

	eventID := callback.EventID
	if eventID == "" {
		eventID = callback.PaymentID + ":" + callback.Status
	}
	result := PaymentEventResult{EventID: eventID, Type: callback.EventType()}

	intent, err := s.twint.Settle(ctx, callback.PaymentID, callback.Status)
	if err != nil {
		if errors.Is(err, payments.ErrIntentFinal) {
			s.logger(ctx, "payments.twint.callback_conflict", map[string]any{"paymentIntent": callback.PaymentID, "status": callback.Status})
			result.Outcome = PaymentEventIgnored
			return result, nil
		}
		return PaymentEventResult{}, translateProcessorError(err)
	}

	s.logger(ctx, "payments.webhook_received", map[string]any{"provider": payments.ProviderTwint, "eventId": eventID, "type": result.Type})
	return s.events.ApplyPaymentEvent(ctx, payments.Event{ID: eventID, Type: result.Type, Intent: &intent})
}

// SimulateTwint plays the payer's app: it settles the caller's pending payment and
// dispatches the same event an acquirer callback would.
func (s *paymentService) SimulateTwint(ctx context.Context, cmd SimulateTwintCommand) (payments.Intent, error) {
	if s.twint == nil {
		return payments.Intent{}, ErrPaymentIntentNotFound
	}
	userID := strings.TrimSpace(cmd.UserID)
	intentID := strings.TrimSpace(cmd.IntentID)
	if userID == "" || intentID == "" {
		return payments.Intent{}, fmt.Errorf("%w: user id and intent id are required", ErrPaymentInvalidInput)
	}

	current, err := s.twint.RetrieveIntent(ctx, intentID)
	if err != nil {
		return payments.Intent{}, translateProcessorError(err)
	}
	if current.UserID() != userID {
		return payments.Intent{}, ErrPaymentForbidden
	}

	status, eventType := payments.StatusCanceled, payments.EventIntentCanceled
	if cmd.Approve {
		status, eventType = payments.StatusSucceeded, payments.EventIntentSucceeded
	}
	settled, err := s.twint.Settle(ctx, intentID, status)
	if err != nil {
		return payments.Intent{}, translateProcessorError(err)
	}

	if _, err := s.events.ApplyPaymentEvent(ctx, payments.Event{
		ID:     "simulator:" + intentID + ":" + status,
		Type:   eventType,
		Intent: &settled,
	}); err != nil {
		return payments.Intent{}, err
	}
	return settled, nil
}

func (s *paymentService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	if isRepoUnavailable(err) {
		return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}
	return fmt.Errorf("payment service: %w", err)
}

// cartAmount sums unit price × quantity over the stored snapshots.
func cartAmount(cart Cart) (int64, error) {
	if len(cart.Items) == 0 {
		return 0, ErrPaymentEmptyCart
	}
	var amount int64
	for _, item := range cart.Items {
		line, ok := item.LineTotal()
		if !ok {
			return 0, fmt.Errorf("%w: item %s", ErrPaymentUnpriceableCart, item.ID)
		}
		amount += line
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: cart total must be positive", ErrPaymentUnpriceableCart)
	}
	return amount, nil
}

func normalizeCustomer(customer *payments.Customer) (*payments.Customer, error) {
	if customer == nil {
		return nil, nil
	}
	name := canonicalText(customer.Name)
	email := strings.TrimSpace(customer.Email)
	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return nil, fmt.Errorf("%w: customer email is invalid", ErrPaymentInvalidInput)
		}
		email = strings.ToLower(addr.Address)
	}
	if name == "" && email == "" {
		return nil, nil
	}
	return &payments.Customer{Name: name, Email: email}, nil
}

// translateProcessorError maps payments package errors onto service sentinels and keeps
// the cause for server-side logs.
func translateProcessorError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payments.ErrIntentNotFound):
		return fmt.Errorf("%w: %v", ErrPaymentIntentNotFound, err)
	case errors.Is(err, payments.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	case errors.Is(err, payments.ErrIntentFinal):
		return fmt.Errorf("%w: %v", ErrPaymentIntentFinal, err)
	case errors.Is(err, payments.ErrUnsupportedProvider):
		return fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	default:
		return fmt.Errorf("payment service: %w", err)
	}
}

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/payments"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/auth"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/httpx"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/idempotency"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/observability"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/services"
)

const (
	maxIntentBodySize  = 4 * 1024
	maxWebhookBodySize = 256 * 1024

	defaultStripeSignatureHeader = "Stripe-Signature"
)

// PaymentHandlers exposes intent creation and processor notifications.
type PaymentHandlers struct {
	authn           *auth.Authenticator
	payments        services.PaymentService
	idempotency     func(http.Handler) http.Handler
	twintGuard      func(http.Handler) http.Handler
	simulator       bool
	signatureHeader string
}

// PaymentOption customises PaymentHandlers.
type PaymentOption func(*PaymentHandlers)

// WithPaymentIdempotency wraps intent creation with replay protection.
func WithPaymentIdempotency(mw func(http.Handler) http.Handler) PaymentOption {
	return func(h *PaymentHandlers) {
		h.idempotency = mw
	}
}

// WithTwintWebhookGuard installs the signature check in front of the TWINT callback.
// Without a guard the callback route is not mounted.
func WithTwintWebhookGuard(mw func(http.Handler) http.Handler) PaymentOption {
	return func(h *PaymentHandlers) {
		h.twintGuard = mw
	}
}

// WithTwintSimulator mounts the approve/decline routes.
func WithTwintSimulator(enabled bool) PaymentOption {
	return func(h *PaymentHandlers) {
		h.simulator = enabled
	}
}

// WithStripeSignatureHeader overrides the header carrying the webhook signature.
func WithStripeSignatureHeader(name string) PaymentOption {
	return func(h *PaymentHandlers) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			h.signatureHeader = trimmed
		}
	}
}

func NewPaymentHandlers(authn *auth.Authenticator, svc services.PaymentService, opts ...PaymentOption) *PaymentHandlers {
	h := &PaymentHandlers{
		authn:           authn,
		payments:        svc,
		signatureHeader: defaultStripeSignatureHeader,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *PaymentHandlers) Routes(r chi.Router) {
	r.Get("/config", h.config)
	r.Post("/webhook", h.stripeWebhook)
	if h.twintGuard != nil {
		r.With(h.twintGuard).Post("/twint/webhook", h.twintWebhook)
	}

	r.Group(func(r chi.Router) {
		if h.authn != nil {
			r.Use(h.authn.RequireAuth())
		}
		intent := r.With()
		if h.idempotency != nil {
			intent = r.With(h.idempotency)
		}
		intent.Post("/intent", h.createIntent)

		if h.simulator {
			r.Post("/twint/{intentId}/approve", h.simulateTwint(true))
			r.Post("/twint/{intentId}/decline", h.simulateTwint(false))
		}
	})
}

type paymentConfigResponse struct {
	PublishableKey string   `json:"publishableKey"`
	Currency       string   `json:"currency"`
	Methods        []string `json:"methods"`
}

type createIntentRequest struct {
	PaymentMethod string           `json:"paymentMethod"`
	Customer      *customerPayload `json:"customer"`
}

type customerPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type createIntentResponse struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	PaymentMethod   string `json:"paymentMethod"`
	Provider        string `json:"provider"`
	ReturnURL       string `json:"returnUrl,omitempty"`
}

type paymentEventResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"eventId,omitempty"`
	Type     string `json:"type,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	OrderID  string `json:"orderId,omitempty"`
}

type intentStatusResponse struct {
	PaymentIntentID string `json:"paymentIntentId"`
	Status          string `json:"status"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

func (h *PaymentHandlers) config(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeServiceUnavailable(r.Context(), w, "payment")
		return
	}
	cfg := h.payments.Config(r.Context())
	methods := make([]string, 0, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods = append(methods, string(m))
	}
	writeJSONResponse(w, http.StatusOK, paymentConfigResponse{
		PublishableKey: cfg.PublishableKey,
		Currency:       cfg.Currency,
		Methods:        methods,
	})
}

func (h *PaymentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	userID, ok := currentUserID(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	var req createIntentRequest
	if err := decodeJSONBody(r, maxIntentBodySize, &req, true); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	method := domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(req.PaymentMethod)))
	if method == "" {
		method = domain.PaymentMethodCard
	}
	cmd := services.CreateIntentCommand{
		Method:         method,
		IdempotencyKey: idempotency.KeyFromContext(ctx),
	}
	if req.Customer != nil {
		cmd.Customer = &payments.Customer{Name: req.Customer.Name, Email: req.Customer.Email}
	}

	result, err := h.payments.CreateIntent(ctx, userID, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, createIntentResponse{
		ClientSecret:    result.ClientSecret,
		PaymentIntentID: result.PaymentIntentID,
		Amount:          result.Amount,
		Currency:        result.Currency,
		PaymentMethod:   string(result.PaymentMethod),
		Provider:        result.Provider,
		ReturnURL:       result.ReturnURL,
	})
}

// stripeWebhook verifies the exact raw bytes. A bad signature is a 400; every other
// failure is a 500 so the processor redelivers.
func (h *PaymentHandlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.payments.HandleStripeWebhook(ctx, payload, r.Header.Get(h.signatureHeader))
	if err != nil {
		writeWebhookError(w, r, "stripe", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newPaymentEventResponse(result))
}

func (h *PaymentHandlers) twintWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.payments.HandleTwintCallback(ctx, payload)
	if err != nil {
		writeWebhookError(w, r, "twint", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newPaymentEventResponse(result))
}

func (h *PaymentHandlers) simulateTwint(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h.payments == nil {
			writeServiceUnavailable(ctx, w, "payment")
			return
		}
		userID, ok := currentUserID(r)
		if !ok {
			writeUnauthenticated(ctx, w)
			return
		}

		intent, err := h.payments.SimulateTwint(ctx, services.SimulateTwintCommand{
			UserID:   userID,
			IntentID: chi.URLParam(r, "intentId"),
			Approve:  approve,
		})
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, intentStatusResponse{
			PaymentIntentID: intent.ID,
			Status:          intent.Status,
			Amount:          intent.Amount,
			Currency:        intent.Currency,
		})
	}
}

func writeWebhookError(w http.ResponseWriter, r *http.Request, provider string, err error) {
	ctx := r.Context()
	logger := observability.FromContext(ctx).With(zap.String("provider", provider))
	switch {
	case errors.Is(err, services.ErrPaymentInvalidSignature):
		logger.Warn("payment webhook rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidSignature, "signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentInvalidInput):
		logger.Warn("payment webhook malformed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "malformed webhook payload", http.StatusBadRequest))
	default:
		logger.Error("payment webhook processing failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInternal, "webhook processing failed", http.StatusInternalServerError))
	}
}

func newPaymentEventResponse(result services.PaymentEventResult) paymentEventResponse {
	return paymentEventResponse{
		Received: true,
		EventID:  result.EventID,
		Type:     result.Type,
		Outcome:  string(result.Outcome),
		OrderID:  result.OrderID,
	}
}

package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/auth"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/services"
)

const maxConfirmBodySize = 8 * 1024

// OrderHandlers finalizes paid carts and lists the caller's orders.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithOrderIdempotency wraps confirmation with replay protection.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *OrderHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	confirm := r.With()
	if h.idempotency != nil {
		confirm = r.With(h.idempotency)
	}
	confirm.Post("/confirm", h.confirm)
	r.Get("/my", h.listMine)
}

type confirmOrderRequest struct {
	PaymentIntentID string          `json:"paymentIntentId"`
	Shipping        *addressPayload `json:"shipping"`
}

type orderResponse struct {
	Order     orderPayload `json:"order"`
	Duplicate bool         `json:"duplicate"`
}

type orderListResponse struct {
	Orders []orderPayload `json:"orders"`
}

// confirm answers 201 when this call created the order and 200 when the intent was
// already finalized.
func (h *OrderHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	userID, ok := currentUserID(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	var req confirmOrderRequest
	if err := decodeJSONBody(r, maxConfirmBodySize, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.FinalizeCommand{
		UserID:          userID,
		PaymentIntentID: strings.TrimSpace(req.PaymentIntentID),
		Trigger:         services.FinalizeTriggerConfirm,
	}
	if req.Shipping != nil {
		cmd.Shipping = req.Shipping.toAddress()
	}

	result, err := h.orders.FinalizePayment(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, orderResponse{Order: buildOrderPayload(result.Order), Duplicate: result.Duplicate})
}

func (h *OrderHandlers) listMine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	userID, ok := currentUserID(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	orders, err := h.orders.ListOrders(ctx, userID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	payload := orderListResponse{Orders: make([]orderPayload, 0, len(orders))}
	for _, order := range orders {
		payload.Orders = append(payload.Orders, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

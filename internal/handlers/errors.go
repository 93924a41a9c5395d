package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/httpx"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/observability"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/services"
)

type errorMapping struct {
	code    string
	status  int
	message string
	targets []error
}

// mapTo builds a mapping; an empty message echoes the service error text.
func mapTo(code string, status int, message string, targets ...error) errorMapping {
	return errorMapping{code: code, status: status, message: message, targets: targets}
}

var serviceErrorMappings = []errorMapping{
	mapTo(httpx.CodeInvalidRequest, http.StatusBadRequest, "",
		services.ErrCartInvalidInput, services.ErrPaymentInvalidInput, services.ErrOrderInvalidInput, services.ErrAccountInvalidInput),
	mapTo(httpx.CodeInvalidRequest, http.StatusBadRequest, "invalid email or password", services.ErrAccountInvalidCredentials),
	mapTo(httpx.CodeInvalidState, http.StatusBadRequest, "cart is empty", services.ErrPaymentEmptyCart, services.ErrOrderEmptyCart),
	mapTo(httpx.CodeInvalidState, http.StatusBadRequest, "cart contains items without a price",
		services.ErrPaymentUnpriceableCart, services.ErrOrderUnpriceable),
	mapTo(httpx.CodeInvalidState, http.StatusBadRequest, "payment is not confirmed", services.ErrPaymentNotConfirmed),
	mapTo(httpx.CodeInvalidState, http.StatusBadRequest, "payment is already settled", services.ErrPaymentIntentFinal),
	mapTo(httpx.CodeInvalidSignature, http.StatusBadRequest, "signature verification failed", services.ErrPaymentInvalidSignature),
	mapTo(httpx.CodeConflict, http.StatusBadRequest, "email or username already registered", services.ErrAccountConflict),
	mapTo(httpx.CodeConflict, http.StatusBadRequest, "concurrent update, retry the request", services.ErrCartConflict, services.ErrOrderConflict),
	mapTo(httpx.CodeForbidden, http.StatusForbidden, "resource belongs to another user",
		services.ErrCartForbidden, services.ErrOrderForbidden, services.ErrPaymentForbidden),
	mapTo(httpx.CodeNotFound, http.StatusNotFound, "", services.ErrCartNotFound, services.ErrCartProductNotFound),
	mapTo(httpx.CodeNotFound, http.StatusNotFound, "payment intent not found", services.ErrPaymentIntentNotFound),
	mapTo(httpx.CodeNotFound, http.StatusNotFound, "order not found", services.ErrOrderNotFound),
	mapTo(httpx.CodeUnavailable, http.StatusServiceUnavailable, "service temporarily unavailable, retry later",
		services.ErrCartUnavailable, services.ErrPaymentUnavailable, services.ErrOrderUnavailable, services.ErrAccountUnavailable),
}

// writeServiceError renders err with the shared error taxonomy. Unmapped errors become an
// opaque 500 and the cause is logged.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	for _, m := range serviceErrorMappings {
		for _, target := range m.targets {
			if !errors.Is(err, target) {
				continue
			}
			message := m.message
			if message == "" {
				message = err.Error()
			}
			httpx.WriteError(ctx, w, httpx.NewError(m.code, message, m.status))
			return
		}
	}
	observability.FromContext(ctx).Error("unhandled service error", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.Internal())
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, err.Error(), http.StatusBadRequest))
}

func writeUnauthenticated(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeUnauthenticated, "authentication required", http.StatusUnauthorized))
}

func writeServiceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeUnavailable, name+" service unavailable", http.StatusServiceUnavailable))
}

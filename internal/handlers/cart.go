package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/auth"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/httpx"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/services"
)

const maxCartBodySize = 8 * 1024

// CartHandlers exposes the caller's cart. Every route requires a session.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{authn: authn, carts: carts}
}

func (h *CartHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Post("/items", h.addItem)
	r.Patch("/items/{itemId}", h.updateItem)
	r.Delete("/items/{itemId}", h.removeItem)
}

type addCartItemRequest struct {
	ProductID string  `json:"productId"`
	VariantID *string `json:"variantId"`
	Quantity  *int    `json:"quantity"`
	Color     *string `json:"color"`
	Size      *string `json:"size"`
	Image     *string `json:"image"`
}

type updateCartItemRequest struct {
	Quantity *int `json:"quantity"`
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type cartItemResponse struct {
	Item cartItemPayload `json:"item"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	userID, ok := currentUserID(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	cart, err := h.carts.GetCart(ctx, userID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	userID, ok := currentUserID(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	var req addCartItemRequest
	if err := decodeJSONBody(r, maxCartBodySize, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}

	item, err := h.carts.AddItem(ctx, userID, services.AddCartItemCommand{
		ProductID: strings.TrimSpace(req.ProductID),
		VariantID: req.VariantID,
		Quantity:  quantity,
		Color:     req.Color,
		Size:      req.Size,
		Image:     req.Image,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, cartItemResponse{Item: buildCartItemPayload(item)})
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	userID, ok := currentUserID(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	var req updateCartItemRequest
	if err := decodeJSONBody(r, maxCartBodySize, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "quantity is required", http.StatusBadRequest))
		return
	}

	item, err := h.carts.UpdateItem(ctx, userID, chi.URLParam(r, "itemId"), *req.Quantity)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartItemResponse{Item: buildCartItemPayload(item)})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	userID, ok := currentUserID(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	if err := h.carts.RemoveItem(ctx, userID, chi.URLParam(r, "itemId")); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	userID, ok := currentUserID(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	if err := h.carts.Clear(ctx, userID); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

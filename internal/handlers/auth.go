package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/services"
)

const maxAuthBodySize = 4 * 1024

// AuthHandlers serves sign-up and sign-in. Both routes are public.
type AuthHandlers struct {
	accounts services.AccountService
}

func NewAuthHandlers(accounts services.AccountService) *AuthHandlers {
	return &AuthHandlers{accounts: accounts}
}

func (h *AuthHandlers) Routes(r chi.Router) {
	r.Post("/register", h.register)
	r.Post("/login", h.login)
}

type registerRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User      userPayload `json:"user"`
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expiresAt"`
}

func (h *AuthHandlers) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.accounts == nil {
		writeServiceUnavailable(ctx, w, "account")
		return
	}

	var req registerRequest
	if err := decodeJSONBody(r, maxAuthBodySize, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.accounts.Register(ctx, services.RegisterCommand{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Username:  req.Username,
		Phone:     req.Phone,
		Email:     req.Email,
		Password:  req.Password,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, newAuthResponse(result))
}

func (h *AuthHandlers) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.accounts == nil {
		writeServiceUnavailable(ctx, w, "account")
		return
	}

	var req loginRequest
	if err := decodeJSONBody(r, maxAuthBodySize, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.accounts.Login(ctx, services.LoginCommand{Email: req.Email, Password: req.Password})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newAuthResponse(result))
}

func newAuthResponse(result services.AuthResult) authResponse {
	return authResponse{
		User:      buildUserPayload(result.User),
		Token:     result.Token,
		ExpiresAt: formatTime(result.ExpiresAt),
	}
}

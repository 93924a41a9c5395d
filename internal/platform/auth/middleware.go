package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/httpx"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/requestctx"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

const defaultLookupTimeout = 5 * time.Second

// UserLookup loads the account behind a token subject.
type UserLookup interface {
	FindByID(ctx context.Context, userID string) (domain.User, error)
}

// Authenticator verifies bearer tokens and re-reads the account on every request so
// deleted users and role changes take effect immediately.
type Authenticator struct {
	tokens  *TokenIssuer
	users   UserLookup
	timeout time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithLookupTimeout bounds the per-request user lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs the middleware factory.
func NewAuthenticator(tokens *TokenIssuer, users UserLookup, opts ...Option) *Authenticator {
	a := &Authenticator{tokens: tokens, users: users, timeout: defaultLookupTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireAuth rejects requests without a valid bearer token for an existing user.
func (a *Authenticator) RequireAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(ctx, w, http.StatusUnauthorized, httpx.CodeUnauthenticated, "authorization header missing or invalid")
				return
			}
			if a == nil || a.tokens == nil || a.users == nil {
				respondAuthError(ctx, w, http.StatusUnauthorized, httpx.CodeUnauthenticated, "authorization service unavailable")
				return
			}

			claims, err := a.tokens.Parse(tokenStr)
			if err != nil {
				message := "token invalid"
				if errors.Is(err, ErrTokenExpired) {
					message = "token expired"
				}
				respondAuthError(ctx, w, http.StatusUnauthorized, httpx.CodeUnauthenticated, message)
				return
			}

			lookupCtx, cancel := context.WithTimeout(ctx, a.timeout)
			user, err := a.users.FindByID(lookupCtx, claims.Subject)
			cancel()
			if err != nil {
				var repoErr repositories.RepositoryError
				switch {
				case errors.As(err, &repoErr) && repoErr.IsNotFound():
					respondAuthError(ctx, w, http.StatusUnauthorized, httpx.CodeUserNotFound, "user no longer exists")
				case errors.As(err, &repoErr) && repoErr.IsUnavailable():
					respondAuthError(ctx, w, http.StatusServiceUnavailable, httpx.CodeUnavailable, "user store unavailable")
				default:
					requestctx.Logger(ctx).Error("auth: user lookup failed", zap.Error(err), zap.String("user_id", claims.Subject))
					httpx.WriteError(ctx, w, httpx.Internal())
				}
				return
			}

			identity := &Identity{
				UID:   user.ID,
				Email: user.Email,
				Roles: []string{string(user.Role)},
			}
			ctx = WithIdentity(ctx, identity)
			ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("user_id", user.ID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole must run after RequireAuth. Identities lacking every listed role get 403.
// Storefront routes only need RequireAuth; admin collaborators mount this on their routers.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				respondAuthError(r.Context(), w, http.StatusUnauthorized, httpx.CodeUnauthenticated, "authentication required")
				return
			}
			if len(roles) > 0 && !identity.HasAnyRole(roles...) {
				respondAuthError(r.Context(), w, http.StatusForbidden, httpx.CodeForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}

	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}

	return token, true
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

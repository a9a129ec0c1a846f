// Package middleware provides HTTP middleware for the flaggate server:
// bearer-token authentication backed by bcrypt-hashed API keys, role checks
// for the administrative surface, request logging, and per-IP throttling of
// repeated authentication failures.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const (
	// RoleAdmin may mutate flags and read the audit trail.
	RoleAdmin = "admin"
	// RoleService may evaluate flags only.
	RoleService = "service"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// Principal identifies an authenticated caller. Actor is the identity
// recorded as changed_by on audit rows.
type Principal struct {
	Actor string
	Role  string
}

// TokenValidator resolves a presented bearer token to a principal.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (Principal, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

// BearerAuth enforces bearer-token auth and stores the resolved principal in
// the request context.
func BearerAuth(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authorize(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if cfg.onFailure != nil {
					cfg.onFailure()
				}
				if cfg.rateLimiter != nil {
					ip := ExtractIP(r.RemoteAddr)
					if !cfg.rateLimiter.RecordFailureAndAllow(ip) {
						http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
						return
					}
				}
				writeUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireRole rejects authenticated callers whose role does not match. It
// must run after [BearerAuth]. The 403 here means "not allowed"; a gated
// feature that is simply not turned on reports a distinct error body.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok || principal.Role != role {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext retrieves the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}

// NewContextWithPrincipal returns a new context carrying the given principal.
func NewContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

func authorize(ctx context.Context, authorizationHeader string, validator TokenValidator) (Principal, error) {
	if validator == nil {
		return Principal{}, errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return Principal{}, errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return Principal{}, err
	}

	principal, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	if strings.TrimSpace(principal.Actor) == "" || strings.TrimSpace(principal.Role) == "" {
		return Principal{}, errInvalidAuthorizationHeader
	}

	return principal, nil
}

func parseBearerToken(header string) (string, error) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(strings.TrimSpace(scheme), "bearer") {
		return "", errInvalidAuthorizationHeader
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", errInvalidAuthorizationHeader
	}

	return token, nil
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="flaggate"`)
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

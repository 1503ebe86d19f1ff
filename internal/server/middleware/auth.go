// Package middleware provides HTTP middleware for authenticating engine callers.
package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jonathan/scene-rewriter/internal/rewriting"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// ErrNoAccount is returned by GetAccount when the request was not authenticated
var ErrNoAccount = errors.New("account not found in request context")

// TokenValidator is an interface for validating session tokens.
// This allows the middleware to work with any JWT service implementation.
type TokenValidator interface {
	ValidateToken(tokenString string) (AccountGetter, error)
}

// AccountGetter is an interface for extracting the billed account from token claims.
type AccountGetter interface {
	GetAccount() string
}

// AuthMiddleware creates middleware that validates bearer tokens and binds the token's account
// to the request context for the rewrite service.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				unauthorized(w, "invalid session token")
				return
			}

			account := claims.GetAccount()
			if account == "" {
				unauthorized(w, "session token has no account")
				return
			}

			ctx := rewriting.WithAccount(r.Context(), account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken parses "Bearer <token>" with a case-insensitive scheme
func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="scene-rewriter"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		Error: "Unauthorized: " + reason,
		Code:  types.CodeUnauthenticated,
	})
}

// GetAccount extracts the authenticated account from the request context.
func GetAccount(r *http.Request) (string, error) {
	account := rewriting.AccountFrom(r.Context())
	if account == "" {
		return "", ErrNoAccount
	}
	return account, nil
}

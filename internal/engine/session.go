package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource returns the bearer token of the current session
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// FileToken returns a TokenSource that re-reads path on every call, so a rotated token is picked
// up without restarting the run. Tokens that have already expired are rejected before any call.
func FileToken(path string, now func() time.Time) TokenSource {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read session token: %w", err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", ErrNoSession
		}
		if exp, ok := TokenExpiry(token); ok && !now().Before(exp) {
			return "", &PreconditionError{Message: fmt.Sprintf("session token expired at %s", exp.Format(time.RFC3339))}
		}
		return token, nil
	}
}

// TokenExpiry reads the expiry claim of a JWT session token without verifying its signature.
// Opaque tokens and tokens without an expiry report false.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "acct-writer", ExpiresAt: jwt.NewNumericDate(exp)}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("client-side-test-secret"))
	require.NoError(t, err)
	return token
}

func writeToken(t *testing.T, token string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.token")
	require.NoError(t, os.WriteFile(path, []byte(token+"\n"), 0o600))
	return path
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	got, ok := TokenExpiry(signedToken(t, exp))
	require.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok = TokenExpiry("opaque-session-token")
	assert.False(t, ok)
}

func TestFileToken(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("valid token is trimmed", func(t *testing.T) {
		token := signedToken(t, now.Add(time.Hour))
		got, err := FileToken(writeToken(t, token), clock)(context.Background())
		require.NoError(t, err)
		assert.Equal(t, token, got)
	})

	t.Run("opaque token passes through", func(t *testing.T) {
		got, err := FileToken(writeToken(t, "opaque"), clock)(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "opaque", got)
	})

	t.Run("expired token is a precondition failure", func(t *testing.T) {
		_, err := FileToken(writeToken(t, signedToken(t, now.Add(-time.Minute))), clock)(context.Background())
		var precondition *PreconditionError
		require.True(t, errors.As(err, &precondition))
		assert.Contains(t, precondition.Message, "expired")
	})

	t.Run("empty file has no session", func(t *testing.T) {
		_, err := FileToken(writeToken(t, "  "), clock)(context.Background())
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("rotated token is re-read", func(t *testing.T) {
		path := writeToken(t, "first")
		source := FileToken(path, clock)
		_, err := source(context.Background())
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
		got, err := source(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "second", got)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := FileToken(filepath.Join(t.TempDir(), "absent"), clock)(context.Background())
		assert.Error(t, err)
	})
}

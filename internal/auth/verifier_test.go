package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novasocial/messaging/internal/apperror"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTVerifier(t *testing.T) {
	const secret = "test-secret"
	v := NewJWTVerifier(secret)
	userID := uuid.New()

	t.Run("valid token", func(t *testing.T) {
		token := signToken(t, secret, jwt.MapClaims{
			"sub": userID.String(),
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		got, err := v.Verify(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, userID, got)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signToken(t, secret, jwt.MapClaims{
			"sub": userID.String(),
			"exp": time.Now().Add(-time.Hour).Unix(),
		})
		_, err := v.Verify(context.Background(), token)
		assert.True(t, errors.Is(err, apperror.ErrUnauthorized))
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, "other-secret", jwt.MapClaims{"sub": userID.String()})
		_, err := v.Verify(context.Background(), token)
		assert.True(t, errors.Is(err, apperror.ErrUnauthorized))
	})

	t.Run("non-uuid subject", func(t *testing.T) {
		token := signToken(t, secret, jwt.MapClaims{"sub": "alice"})
		_, err := v.Verify(context.Background(), token)
		assert.True(t, errors.Is(err, apperror.ErrUnauthorized))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Verify(context.Background(), "not-a-token")
		assert.True(t, errors.Is(err, apperror.ErrUnauthorized))
	})
}

func TestOracleVerifier(t *testing.T) {
	userID := uuid.New()

	t.Run("accepted", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/verify", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"user_id":"` + userID.String() + `"}`))
		}))
		defer srv.Close()

		got, err := NewOracleVerifier(srv.URL).Verify(context.Background(), "tok")
		require.NoError(t, err)
		assert.Equal(t, userID, got)
	})

	t.Run("rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := NewOracleVerifier(srv.URL).Verify(context.Background(), "tok")
		assert.True(t, errors.Is(err, apperror.ErrUnauthorized))
	})

	t.Run("oracle down is unavailable, not unauthorized", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := NewOracleVerifier(srv.URL).Verify(context.Background(), "tok")
		assert.True(t, errors.Is(err, apperror.ErrUnavailable))
		assert.False(t, errors.Is(err, apperror.ErrUnauthorized))
	})
}

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func requestAs(userID uuid.UUID) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/conversations/x/messages", nil)
	return req.WithContext(context.WithValue(req.Context(), UserIDKey, userID))
}

func TestRateLimiterEnforcesBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	handler := rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	userID := uuid.New()
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestAs(userID))
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)
}

func TestRateLimiterIsPerUser(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	handler := rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first, second := uuid.New(), uuid.New()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestAs(first))
	assert.Equal(t, http.StatusOK, rec.Code)

	// First user's budget is spent, the second user's is not.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestAs(first))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestAs(second))
	assert.Equal(t, http.StatusOK, rec.Code)
}

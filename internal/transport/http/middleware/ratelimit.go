package middleware

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RateLimiter tracks one token bucket per authenticated user.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[uuid.UUID]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiterFor(userID uuid.UUID) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[userID] = lim
	}
	return lim
}

// Limit rejects requests over the per-user budget with 429. It must run after
// Auth so the user id is present.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := GetUserID(r.Context())
		if !rl.limiterFor(userID).Allow() {
			http.Error(w, `{"error":{"code":"RATE_LIMITED","message":"Too many requests"}}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

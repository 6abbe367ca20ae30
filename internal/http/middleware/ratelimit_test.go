package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"), "request %d within burst", i+1)
	}
	assert.False(t, rl.Allow("10.0.0.1"), "burst exhausted")
	assert.True(t, rl.Allow("10.0.0.2"), "limits are per ip")
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(2, 2)
	clock := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	// One second at 2 req/s restores two tokens, capped at the burst.
	clock = clock.Add(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiterEvictsIdleCallers(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	clock := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.Allow("10.0.0.1"))
	clock = clock.Add(evictIdleFor + time.Minute)
	rl.evictIdle()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.callers)
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	handler := RateLimit(1, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", nil)
	req.Header.Set("X-Real-Ip", "10.0.0.9")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

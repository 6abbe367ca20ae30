package middleware

import (
	"net/http"
	"sync"
	"time"
)

// Platform webhooks redeliver aggressively when a response is slow, so one
// misbehaving sender can flood the intake endpoints. The limiter meters each
// caller address with a token bucket: burst tokens up front, refilled at the
// configured per-second rate.

const (
	evictInterval = 5 * time.Minute
	evictIdleFor  = 10 * time.Minute
)

type tokenBucket struct {
	tokens float64
	seen   time.Time
}

// RateLimiter tracks one token bucket per caller address.
type RateLimiter struct {
	mu      sync.Mutex
	callers map[string]*tokenBucket
	perSec  float64
	burst   float64
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing perSec requests per second with
// the given burst per address. Idle buckets are evicted in the background.
func NewRateLimiter(perSec float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		callers: make(map[string]*tokenBucket),
		perSec:  perSec,
		burst:   float64(burst),
		now:     time.Now,
	}
	go rl.evictLoop()
	return rl
}

// Allow reports whether a request from addr may proceed, consuming one token
// when it does.
func (rl *RateLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b := rl.callers[addr]
	if b == nil {
		b = &tokenBucket{tokens: rl.burst, seen: now}
		rl.callers[addr] = b
	} else {
		rl.refill(b, now)
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) refill(b *tokenBucket, now time.Time) {
	b.tokens += now.Sub(b.seen).Seconds() * rl.perSec
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.seen = now
}

// evictLoop drops buckets for addresses that went quiet, keeping the map
// bounded under churning sender IPs.
func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for range ticker.C {
		rl.evictIdle()
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-evictIdleFor)
	for addr, b := range rl.callers {
		if b.seen.Before(cutoff) {
			delete(rl.callers, addr)
		}
	}
}

// RateLimit rejects callers over the configured rate with 429. A 429 tells
// the platform to redeliver later instead of dropping the event.
func RateLimit(perSec float64, burst int) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(perSec, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(callerAddr(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// callerAddr prefers the address resolved by chi's RealIP middleware over
// the raw socket peer.
func callerAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

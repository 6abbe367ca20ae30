package queue

import (
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig bounds the retry delay schedule.
type BackoffConfig struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff matches the pipeline defaults: 2s base, 5m cap.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base: 2 * time.Second,
		Max:  5 * time.Minute,
	}
}

// jitterSource yields random draws for backoff jitter. *rand.Rand satisfies
// it; queue instances shared across pool workers use lockedRand.
type jitterSource interface {
	Int63n(n int64) int64
}

// lockedRand serializes jitter draws. One queue instance is shared by every
// pool worker, so concurrent Nacks would otherwise race on the rng state.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand() *lockedRand {
	return &lockedRand{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *lockedRand) Int63n(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Int63n(n)
}

// NextVisibleAfter computes when a nacked job becomes visible again:
// base << attempt, capped, with jitter in [delay/2, delay] so synchronized
// failures do not retry in lockstep. attempt is the post-increment count
// (1 after the first failure).
func NextVisibleAfter(now time.Time, attempt int, cfg BackoffConfig, rng jitterSource) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Base <= 0 {
		cfg.Base = 2 * time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 5 * time.Minute
	}

	delay := cfg.Base << uint(attempt-1)
	if delay <= 0 || delay > cfg.Max {
		delay = cfg.Max
	}

	if rng == nil {
		rng = newLockedRand()
	}
	half := int64(delay / 2)
	jittered := time.Duration(half + rng.Int63n(half+1))

	return now.Add(jittered).UTC()
}

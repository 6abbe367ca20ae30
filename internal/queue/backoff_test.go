package queue

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextVisibleAfterGrowsExponentially(t *testing.T) {
	cfg := BackoffConfig{Base: 2 * time.Second, Max: 5 * time.Minute}
	rng := rand.New(rand.NewSource(1))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		full := cfg.Base << uint(attempt-1)
		at := NextVisibleAfter(now, attempt, cfg, rng)
		delay := at.Sub(now)

		assert.GreaterOrEqual(t, delay, full/2, "attempt %d below jitter floor", attempt)
		assert.LessOrEqual(t, delay, full, "attempt %d above full delay", attempt)
		assert.GreaterOrEqual(t, delay, prev/2, "attempt %d shrank too far", attempt)
		prev = delay
	}
}

func TestNextVisibleAfterCapsAtMax(t *testing.T) {
	cfg := BackoffConfig{Base: 2 * time.Second, Max: 30 * time.Second}
	rng := rand.New(rand.NewSource(1))
	now := time.Now()

	for _, attempt := range []int{6, 20, 63, 100} {
		delay := NextVisibleAfter(now, attempt, cfg, rng).Sub(now)
		assert.LessOrEqual(t, delay, cfg.Max, "attempt %d", attempt)
		assert.GreaterOrEqual(t, delay, cfg.Max/2, "attempt %d", attempt)
	}
}

func TestNextVisibleAfterDefaultsZeroConfig(t *testing.T) {
	now := time.Now()
	at := NextVisibleAfter(now, 1, BackoffConfig{}, nil)
	assert.True(t, at.After(now))
}

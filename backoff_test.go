package archbridge

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoffDelay(t *testing.T) {
	t.Run("default is a fixed interval", func(t *testing.T) {
		cfg := DefaultBackoff()
		for attempt := 1; attempt <= 10; attempt++ {
			assert.Equal(t, 150*time.Millisecond, NextBackoffDelay(cfg, attempt, nil))
		}
	})

	t.Run("exponential growth is capped", func(t *testing.T) {
		cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
		assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
		assert.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
		assert.Equal(t, 400*time.Millisecond, NextBackoffDelay(cfg, 3, nil))
		assert.Equal(t, time.Second, NextBackoffDelay(cfg, 10, nil))
	})

	t.Run("multiplier below one is treated as one", func(t *testing.T) {
		cfg := BackoffConfig{InitialDelay: 50 * time.Millisecond, Multiplier: 0.5}
		assert.Equal(t, 50*time.Millisecond, NextBackoffDelay(cfg, 5, nil))
	})

	t.Run("jitter stays within half to one and a half", func(t *testing.T) {
		cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 1, Jitter: true}
		rng := rand.New(rand.NewSource(1))
		for i := 0; i < 100; i++ {
			d := NextBackoffDelay(cfg, 2, rng)
			assert.GreaterOrEqual(t, d, 50*time.Millisecond)
			assert.Less(t, d, 150*time.Millisecond)
		}
	})

	t.Run("zero initial delay", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), NextBackoffDelay(BackoffConfig{}, 3, nil))
	})
}

func TestSleepCtx(t *testing.T) {
	t.Run("sleeps", func(t *testing.T) {
		start := time.Now()
		assert.NoError(t, sleepCtx(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("returns early on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		assert.ErrorIs(t, sleepCtx(ctx, time.Minute), context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestTimeUntil(t *testing.T) {
	assert.Equal(t, time.Millisecond, timeUntil(time.Now().Add(-time.Hour)))
	assert.Greater(t, timeUntil(time.Now().Add(time.Hour)), 59*time.Minute)
}

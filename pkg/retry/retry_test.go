package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fastConfig(attempts int) Config {
	return Config{
		Attempts: attempts,
		Backoff:  Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
	}
}

func TestBackoffNextGrowsAndCaps(t *testing.T) {
	b := Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
	assert.Equal(t, 10*time.Millisecond, b.Next(0))
	assert.Equal(t, 10*time.Millisecond, b.Next(1))
	assert.Equal(t, 20*time.Millisecond, b.Next(2))
	assert.Equal(t, 40*time.Millisecond, b.Next(3))
	assert.Equal(t, 50*time.Millisecond, b.Next(4))
	assert.Equal(t, 50*time.Millisecond, b.Next(10))
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := b.Next(1)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(t.Context(), fastConfig(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsLastError(t *testing.T) {
	calls := 0
	retried := 0
	cfg := fastConfig(2)
	cfg.OnRetry = func(int, error, time.Duration) { retried++ }
	err := Do(t.Context(), cfg, func(context.Context) error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, retried)
}

func TestDoStopsWhenRetryIfRefuses(t *testing.T) {
	calls := 0
	cfg := fastConfig(5)
	cfg.RetryIf = func(error) bool { return false }
	err := Do(t.Context(), cfg, func(context.Context) error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	calls := 0
	cfg := Config{Attempts: 5, Backoff: Backoff{Min: time.Second, Max: time.Second}}
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

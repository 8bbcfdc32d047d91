package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo(t *testing.T) {
	errBoom := errors.New("boom")

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(), func(int) error {
			calls++
			if calls < 3 {
				return Retryable(errBoom)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(), func(int) error {
			calls++
			return errBoom
		})
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 1, calls)
	})

	t.Run("bounded attempts", func(t *testing.T) {
		var retried []int
		cfg := fastConfig()
		cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }
		calls := 0
		err := Do(context.Background(), cfg, func(int) error {
			calls++
			return Retryable(errBoom)
		})
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{1, 2}, retried)
	})

	t.Run("custom classifier", func(t *testing.T) {
		cfg := fastConfig()
		cfg.RetryIf = func(err error) bool { return errors.Is(err, errBoom) }
		calls := 0
		_ = Do(context.Background(), cfg, func(int) error {
			calls++
			return errBoom
		})
		assert.Equal(t, 3, calls)
	})

	t.Run("context cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := fastConfig()
		cfg.InitialWait = time.Hour
		cfg.MaxWait = time.Hour
		cfg.OnRetry = func(int, error) { cancel() }
		err := Do(ctx, cfg, func(int) error { return Retryable(errBoom) })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, cfg.Backoff(3))
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		attempts++
		return errors.New("still broken")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	cause := errors.New("bad credentials")
	err := Do(context.Background(), Config{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		attempts++
		return NonRetryable(cause)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, cause)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Config{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	value, err := DoWithResult(context.Background(),
		Config{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() (int, error) {
			attempts++
			if attempts < 2 {
				return 0, errors.New("transient")
			}
			return 42, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestConnect_Defaults(t *testing.T) {
	cfg := Connect()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.True(t, cfg.AddJitter)
}

func TestPersistent_Defaults(t *testing.T) {
	cfg := Persistent()
	assert.Equal(t, 30, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.MaxDelay)
	assert.True(t, cfg.AddJitter)
}

package internal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryResultWithContext_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := RetryResultWithContext(context.Background(), 3, func() (int, error) {
		attempts++
		return 0, errors.New("always fails")
	})
	assert.EqualError(t, err, "always fails")
	assert.Equal(t, 3, attempts)
}

func TestRetryResultWithContext_Success(t *testing.T) {
	attempts := 0
	result, err := RetryResultWithContext(context.Background(), 3, func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestRetryResultWithContext_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := RetryResultWithContext(ctx, 10, func() (string, error) {
		attempts++
		return "", errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, attempts, 10)
}

func TestBackoffIsCapped(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, backoff(0))
	assert.Equal(t, 3200*time.Millisecond, backoff(5))
	assert.Equal(t, maxBackoff, backoff(6))
	assert.Equal(t, maxBackoff, backoff(40))
}

package internal

import (
	"context"
	"time"
)

// maxBackoff caps the exponential delay so long polls keep a steady rhythm.
const maxBackoff = 5 * time.Second

func backoff(attempt int) time.Duration {
	if attempt >= 6 {
		return maxBackoff
	}
	return min(time.Duration(100*(1<<attempt))*time.Millisecond, maxBackoff)
}

// RetryResultWithContext calls fn up to maxAttempts times with exponential
// backoff (100ms, 200ms, 400ms, ... capped at 5s). Returns ctx.Err() if the
// context is cancelled before all attempts are exhausted, the last error
// otherwise.
func RetryResultWithContext[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var result T
	var err error
	for i := 0; i < maxAttempts; i++ {
		if result, err = fn(); err == nil {
			return result, nil
		}
		if i < maxAttempts-1 {
			select {
			case <-time.After(backoff(i)):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, err
}

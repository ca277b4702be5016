package util

import (
	"context"
	"time"
)

// Retry runs fn until it returns nil, up to maxAttempts times. The wait
// between attempts starts at baseDelay and doubles after each failure;
// cancelling the context aborts the wait. Returns the error from the final
// attempt.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= maxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

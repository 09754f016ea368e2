package util

import (
	"context"
	"errors"
	"time"
)

// RetryErrBackoff calls fn up to maxTries times until it returns nil,
// sleeping between attempts and doubling the delay each time starting
// from base. Context errors abort immediately without further attempts.
// If maxTries <= 0, it defaults to 1. Returns the last error if all
// attempts fail.
func RetryErrBackoff(ctx context.Context, maxTries int, base time.Duration, fn func(context.Context) error) error {
	if maxTries <= 0 {
		maxTries = 1
	}
	if base <= 0 {
		base = 50 * time.Millisecond
	}

	var lastErr error
	delay := base
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err

		if i < maxTries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return lastErr
}

package provider

import (
	"context"
	"math/rand"
	"time"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
)

// WithRetry runs fn up to maxAttempts times, retrying only the transient
// error classes (rate limited, unavailable) with exponential backoff and
// full jitter. The last error is returned once attempts are exhausted or
// the context expires.
func WithRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := retryBaseDelay << uint(attempt)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		// Full jitter: sleep a random duration in [0, delay).
		sleep := time.Duration(rand.Int63n(int64(delay)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return err
}

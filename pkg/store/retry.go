package store

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WithCASRetry runs fn, retrying on ErrOptimisticConflict with exponential
// backoff (base, 2*base, 4*base, ...) for up to maxAttempts total attempts.
// Any other error, and the final conflict, are returned as-is.
func WithCASRetry(maxAttempts int, base time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = base << uint(maxAttempts)

	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrOptimisticConflict) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(wrapped, backoff.WithMaxRetries(bo, uint64(maxAttempts-1)))
}

package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	apperrors "trade_engine/pkg/errors"
)

// RetryPolicy defines how to retry an operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used for exchange session calls such as listen key renewal
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// IsNetworkError treats wrapped network and rate limit errors as transient
func IsNetworkError(err error) bool {
	return errors.Is(err, apperrors.ErrNetwork) || errors.Is(err, apperrors.ErrRateLimitExceeded)
}

// Always retries every error
func Always(error) bool { return true }

// Do executes fn until it succeeds, returns a permanent error, or attempts run out
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		// backoff + random(0, 50% of backoff)
		sleepTime := backoff
		if half := int64(backoff / 2); half > 0 {
			sleepTime += time.Duration(rand.Int63n(half))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepTime):
			backoff = min(backoff*2, policy.MaxBackoff)
		}
	}

	return err
}

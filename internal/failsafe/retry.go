package failsafe

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"nexsus/internal/types"
)

// RetryPolicy controls the exponential backoff wrapping individual I/O
// calls. Retries sit inside the breaker, never around it: the breaker
// observes the outcome after retries are exhausted.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
}

// Retry runs fn with exponential backoff and jitter. Only transient errors
// (network, 5xx, 429) are retried; rejections and everything else abort
// immediately.
func Retry(ctx context.Context, p RetryPolicy, logger *zap.Logger, op string, fn func() error) error {
	if p.MaxAttempts < 1 {
		p = DefaultRetryPolicy()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.RandomizationFactor = 0.3

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		var tr *types.TransientError
		if !errors.As(err, &tr) {
			return backoff.Permanent(err)
		}
		if attempt < p.MaxAttempts {
			logger.Warn("transient failure, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}

	err := backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

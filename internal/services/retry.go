package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/groupmarket/backend/internal/config"
)

// newBackOff builds the wait policy for cfg: exponential from BaseDelay with
// jitter, capped at MaxDelay, and at most MaxAttempts-1 waits.
func newBackOff(ctx context.Context, cfg config.RetryConfig) backoff.BackOffContext {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if cfg.BaseDelay > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = cfg.BaseDelay
		exp.Multiplier = 2
		exp.MaxElapsedTime = 0
		if cfg.MaxDelay > 0 {
			exp.MaxInterval = cfg.MaxDelay
		}
		exp.Reset()
		b = exp
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retry calls fn until it succeeds, returns an error retryable rejects, or
// cfg.MaxAttempts is reached. The last error is returned.
func retry(ctx context.Context, cfg config.RetryConfig, retryable func(error) bool, fn func(attempt int) error) error {
	var (
		attempt int
		last    error
	)
	err := backoff.Retry(func() error {
		last = fn(attempt)
		attempt++
		if last != nil && !retryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}, newBackOff(ctx, cfg))

	if cerr := ctx.Err(); err != nil && cerr != nil && last != nil && retryable(last) && !errors.Is(last, cerr) {
		return fmt.Errorf("%w (last error: %w)", cerr, last)
	}
	return err
}

// Package retry wraps transient-failure retry for upstream exchange calls.
// Delays double per attempt with no jitter, so attempt timing is
// deterministic: with the default base delay the waits are 1s then 2s.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
)

// Executor retries an operation a bounded number of times with exponential
// backoff between attempts.
type Executor struct {
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// New builds an executor. maxAttempts is the total number of tries including
// the first; values below one are clamped to one.
func New(maxAttempts int, baseDelay time.Duration, logger *slog.Logger) *Executor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{maxAttempts: maxAttempts, baseDelay: baseDelay, logger: logger}
}

// Do runs op until it succeeds, a permanent error surfaces, or attempts are
// exhausted.
func Do[T any](ctx context.Context, e *Executor, label string, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0

	result, err := backoff.RetryWithData(func() (T, error) {
		attempt++
		out, opErr := op(ctx)
		if opErr == nil {
			return out, nil
		}

		if !apperrors.IsRetryable(opErr) {
			return out, backoff.Permanent(opErr)
		}

		if attempt < e.maxAttempts {
			e.logger.Warn("operation failed, retrying",
				"operation", label,
				"attempt", attempt,
				"max_attempts", e.maxAttempts,
				"error", opErr)
		}
		return out, opErr
	}, backoff.WithContext(e.strategy(), ctx))

	if err != nil {
		e.logger.Error("operation failed",
			"operation", label,
			"attempts", attempt,
			"error", err)
		var zero T
		return zero, err
	}

	return result, nil
}

func (e *Executor) strategy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = e.baseDelay << 10
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(e.maxAttempts-1))
}

// MaxAttempts reports the configured attempt budget per operation.
func (e *Executor) MaxAttempts() int {
	return e.maxAttempts
}

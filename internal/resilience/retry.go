package resilience

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/calev/orchid/pkg/schema"
)

// IsRetryableError classifies whether an error should be retried.
// Retryable: network errors, timeouts, context.DeadlineExceeded, store errors.
// Non-retryable: validation and argument errors, context.Canceled, typed
// OrchidErrors with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is retryable (operation timeout, not shutdown).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is not retryable; the caller is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// OrchidError checks its own code.
	var oerr *schema.OrchidError
	if errors.As(err, &oerr) {
		return oerr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"database is locked",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown errors default to retryable; the retry policy limits attempts.
	return true
}

// RetryConfig bounds a Retrier's attempts and backoff.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns a sensible default configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Retrier executes operations with bounded retries, exponential backoff, and
// an optional per-key circuit breaker. Every I/O-bearing call in the engine
// routes through a Retrier rather than re-implementing retry logic locally.
type Retrier struct {
	config   RetryConfig
	breakers *BreakerRegistry
	logger   *slog.Logger
}

// NewRetrier creates a Retrier. breakers may be nil to disable circuit breaking.
func NewRetrier(config RetryConfig, breakers *BreakerRegistry, logger *slog.Logger) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{config: config, breakers: breakers, logger: logger}
}

// MaxAttempts reports the configured retry budget.
func (r *Retrier) MaxAttempts() int {
	return r.config.MaxAttempts
}

// Execute runs op, retrying retryable-classified failures up to MaxAttempts
// with exponential backoff capped at MaxDelay. The key identifies the target
// service for circuit breaking.
func (r *Retrier) Execute(ctx context.Context, key string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "operation cancelled").WithCause(err)
		}

		if r.breakers != nil {
			if err := r.breakers.Allow(key); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			if r.breakers != nil {
				r.breakers.RecordSuccess(key)
			}
			return nil
		}
		lastErr = err
		if r.breakers != nil {
			r.breakers.RecordFailure(key)
		}

		if !IsRetryableError(err) {
			return err
		}
		if attempt == r.config.MaxAttempts-1 {
			break
		}

		delay := Backoff(r.config.BaseDelay, r.config.MaxDelay, attempt)
		r.logger.WarnContext(ctx, "retrying operation",
			slog.String("key", key),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := WaitForBackoff(ctx, delay); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "cancelled during backoff").WithCause(err)
		}
	}

	return schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"operation %q failed after %d attempts: %s", key, r.config.MaxAttempts, lastErr.Error()).
		WithCause(lastErr).
		WithDetails(map[string]any{"key": key, "attempts": r.config.MaxAttempts})
}

// Backoff computes the exponential delay before retry attempt+1, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if
// the context is cancelled. Returns an error if cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

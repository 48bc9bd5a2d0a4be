package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/calev/orchid/pkg/schema"
)

// WithTimeout races op against a deadline. The operation receives a derived
// context that is cancelled on expiry; if the deadline fires first, a
// TIMEOUT_ERROR is returned and the operation's eventual result is discarded.
// Timeouts are activity-scoped, not workflow-scoped.
func WithTimeout(ctx context.Context, d time.Duration, op func(ctx context.Context) error) error {
	if d <= 0 {
		return runRecovered(ctx, op)
	}

	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- runRecovered(opCtx, op)
	}()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			// Parent cancellation, not a timeout.
			return schema.NewError(schema.ErrCodeCancelled, "operation cancelled").WithCause(ctx.Err())
		}
		return schema.NewErrorf(schema.ErrCodeTimeout, "operation timed out after %s", d).
			WithCause(opCtx.Err()).
			WithDetails(map[string]any{"timeout": d.String()})
	}
}

// runRecovered invokes op and converts a panic into an error, so a panic in
// an operation running on the timeout goroutine cannot take down the process.
func runRecovered(ctx context.Context, op func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "operation panicked: %v", r).
				WithCause(fmt.Errorf("panic: %v", r))
		}
	}()
	return op(ctx)
}

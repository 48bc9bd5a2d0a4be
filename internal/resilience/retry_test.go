package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calev/orchid/pkg/schema"
)

func fastRetrier(maxAttempts int) *Retrier {
	return NewRetrier(RetryConfig{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, nil, nil)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.False(t, IsRetryableError(context.Canceled))

	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeTransient, "x")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeStore, "x")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeValidation, "x")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeCancelled, "x")))

	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryableError(errors.New("database is locked")))

	// Unclassified errors default to retryable.
	assert.True(t, IsRetryableError(errors.New("something odd")))
}

func TestExecuteSucceedsAfterTransientFailures(t *testing.T) {
	r := fastRetrier(3)
	calls := 0
	err := r.Execute(context.Background(), "store:update", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return schema.NewError(schema.ErrCodeTransient, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteExhaustsBudget(t *testing.T) {
	r := fastRetrier(3)
	calls := 0
	err := r.Execute(context.Background(), "store:update", func(ctx context.Context) error {
		calls++
		return schema.NewError(schema.ErrCodeTransient, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var oerr *schema.OrchidError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, schema.ErrCodeRetryExhausted, oerr.Code)
	assert.Equal(t, 3, oerr.Details["attempts"])
	// The last underlying failure is preserved as the cause.
	var cause *schema.OrchidError
	require.ErrorAs(t, oerr.Cause, &cause)
	assert.Equal(t, schema.ErrCodeTransient, cause.Code)
}

func TestExecutePermanentFailureShortCircuits(t *testing.T) {
	r := fastRetrier(5)
	calls := 0
	err := r.Execute(context.Background(), "engine:step", func(ctx context.Context) error {
		calls++
		return schema.NewError(schema.ErrCodeValidation, "bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")

	var oerr *schema.OrchidError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, schema.ErrCodeValidation, oerr.Code)
}

func TestExecuteCancelledContext(t *testing.T) {
	r := fastRetrier(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Execute(ctx, "store:update", func(ctx context.Context) error {
		t.Fatal("op must not run on a dead context")
		return nil
	})
	var oerr *schema.OrchidError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, schema.ErrCodeCancelled, oerr.Code)
}

func TestExecuteOpenCircuitRejectsBeforeOp(t *testing.T) {
	breakers := NewBreakerRegistry(BreakerConfig{
		FailureThreshold:  0.5,
		MinimumThroughput: 1,
		Window:            time.Minute,
		BreakDuration:     time.Minute,
		SuccessThreshold:  1,
		HalfOpenMax:       1,
	})
	breakers.RecordFailure("payments")

	r := NewRetrier(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, breakers, nil)
	calls := 0
	err := r.Execute(context.Background(), "payments", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)

	var oerr *schema.OrchidError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, oerr.Code)
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	assert.Equal(t, 100*time.Millisecond, Backoff(base, max, 0))
	assert.Equal(t, 200*time.Millisecond, Backoff(base, max, 1))
	assert.Equal(t, 400*time.Millisecond, Backoff(base, max, 2))
	assert.Equal(t, 800*time.Millisecond, Backoff(base, max, 3))
	assert.Equal(t, max, Backoff(base, max, 4), "capped at max")
	assert.Equal(t, max, Backoff(base, max, 20))
	assert.Equal(t, time.Duration(0), Backoff(0, max, 3))
}

func TestWaitForBackoffCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, WaitForBackoff(context.Background(), 0))
}

func TestWithTimeout(t *testing.T) {
	// Completes in time.
	err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	// Deadline fires first.
	err = WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var oerr *schema.OrchidError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, schema.ErrCodeTimeout, oerr.Code)

	// Zero duration disables the deadline.
	err = WithTimeout(context.Background(), 0, func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.False(t, hasDeadline)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTimeoutRecoversPanic(t *testing.T) {
	// Panic on the timeout goroutine comes back as an execution error.
	err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) error {
		panic("kaboom")
	})
	var oerr *schema.OrchidError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, schema.ErrCodeExecution, oerr.Code)
	assert.Contains(t, oerr.Message, "kaboom")

	// Same contract when the deadline is disabled.
	err = WithTimeout(context.Background(), 0, func(ctx context.Context) error {
		panic("kaboom")
	})
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, schema.ErrCodeExecution, oerr.Code)
}

func TestWithTimeoutParentCancellationIsNotATimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WithTimeout(ctx, time.Minute, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var oerr *schema.OrchidError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, schema.ErrCodeCancelled, oerr.Code)
}

package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchidErrorMessage(t *testing.T) {
	err := NewError(ErrCodeExecution, "boom")
	assert.Equal(t, "[EXECUTION_ERROR] boom", err.Error())

	err = err.WithActivity("charge")
	assert.Equal(t, "[EXECUTION_ERROR] activity charge: boom", err.Error())
}

func TestOrchidErrorBuilderChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewErrorf(ErrCodeStore, "save instance %s", "wf-1").
		WithActivity("task").
		WithCause(cause).
		WithDetails(map[string]any{"attempt": 3})

	assert.Equal(t, ErrCodeStore, err.Code)
	assert.Equal(t, "save instance wf-1", err.Message)
	assert.Equal(t, "task", err.ActivityID)
	assert.Equal(t, 3, err.Details["attempt"])
	assert.ErrorIs(t, err, cause)
}

func TestOrchidErrorAsThroughWrapping(t *testing.T) {
	inner := NewError(ErrCodeCancelled, "stopped")
	wrapped := fmt.Errorf("run loop: %w", inner)

	var oerr *OrchidError
	require.ErrorAs(t, wrapped, &oerr)
	assert.Equal(t, ErrCodeCancelled, oerr.Code)
}

func TestIsRetryable(t *testing.T) {
	retryable := []string{ErrCodeTransient, ErrCodeTimeout, ErrCodeStore}
	for _, code := range retryable {
		assert.True(t, NewError(code, "x").IsRetryable(), code)
	}
	terminal := []string{
		ErrCodeValidation, ErrCodeEvaluation, ErrCodeExecution, ErrCodeNotFound,
		ErrCodeConflict, ErrCodeInvalidTransition, ErrCodeUnknownActivity,
		ErrCodeCancelled, ErrCodeRetryExhausted, ErrCodeCircuitOpen,
	}
	for _, code := range terminal {
		assert.False(t, NewError(code, "x").IsRetryable(), code)
	}
}

func TestValidationResultToError(t *testing.T) {
	var r ValidationResult
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())

	r.AddWarning("activities[0]", "STYLE", "name missing")
	assert.True(t, r.Valid(), "warnings alone do not invalidate")

	r.AddError("activities[1]", "MISSING_ID", "activity id is required")
	require.False(t, r.Valid())

	err := r.ToError()
	var oerr *OrchidError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ErrCodeValidation, oerr.Code)
	assert.Equal(t, "activity id is required", oerr.Message)
	assert.Equal(t, 1, oerr.Details["error_count"])

	r.AddError("transitions[0]", "BAD_REF", "unknown target")
	err = r.ToError()
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, "validation failed with 2 errors", oerr.Message)
}

func TestValidationResultMerge(t *testing.T) {
	var a, b ValidationResult
	a.AddError("x", "E1", "first")
	b.AddError("y", "E2", "second")
	b.AddWarning("z", "W1", "hmm")

	a.Merge(&b)
	assert.Len(t, a.Errors, 2)
	assert.Len(t, a.Warnings, 1)

	a.Merge(nil) // no-op
	assert.Len(t, a.Errors, 2)
}

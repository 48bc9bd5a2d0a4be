package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeEvaluation        = "EVALUATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeTransient         = "TRANSIENT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONCURRENCY_CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeUnknownActivity   = "UNKNOWN_ACTIVITY"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeStore             = "STORE_ERROR"
)

// OrchidError is the structured error type for all engine operations.
type OrchidError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	ActivityID string         `json:"activity_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *OrchidError) Error() string {
	if e.ActivityID != "" {
		return fmt.Sprintf("[%s] activity %s: %s", e.Code, e.ActivityID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OrchidError) Unwrap() error {
	return e.Cause
}

// NewError creates a new OrchidError.
func NewError(code, message string) *OrchidError {
	return &OrchidError{Code: code, Message: message}
}

// NewErrorf creates a new OrchidError with a formatted message.
func NewErrorf(code, format string, args ...any) *OrchidError {
	return &OrchidError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithActivity attaches an activity ID to the error.
func (e *OrchidError) WithActivity(activityID string) *OrchidError {
	e.ActivityID = activityID
	return e
}

// WithCause attaches an underlying cause.
func (e *OrchidError) WithCause(err error) *OrchidError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OrchidError) WithDetails(details map[string]any) *OrchidError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code denotes a fault worth retrying.
func (e *OrchidError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransient, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}

package schema

import "time"

// ResultStatus is the outcome of a single activity step.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultSkipped   ResultStatus = "skipped"
	ResultFailed    ResultStatus = "failed"
	ResultPending   ResultStatus = "pending"
)

// ActivityResult is what an activity hands back to the engine. A pending
// result carries the suspension details the engine needs to create a
// bookmark before parking the instance.
type ActivityResult struct {
	Status       ResultStatus   `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	// Suspension details, set only when Status is ResultPending.
	BookmarkType     BookmarkType  `json:"bookmark_type,omitempty"`
	BookmarkKey      string        `json:"bookmark_key,omitempty"`
	SuspensionReason string        `json:"suspension_reason,omitempty"`
	Assignee         string        `json:"assignee,omitempty"`
	DueIn            time.Duration `json:"due_in,omitempty"`
}

// IsDone reports whether flow control should route past this result.
// Skipped routes exactly like Completed.
func (r *ActivityResult) IsDone() bool {
	return r.Status == ResultCompleted || r.Status == ResultSkipped
}

// CompletedResult builds a completed result carrying output data.
func CompletedResult(output map[string]any) *ActivityResult {
	return &ActivityResult{Status: ResultCompleted, Output: output}
}

// SkippedResult builds a skipped result.
func SkippedResult() *ActivityResult {
	return &ActivityResult{Status: ResultSkipped}
}

// FailedResult builds a failed result with an error message.
func FailedResult(message string) *ActivityResult {
	return &ActivityResult{Status: ResultFailed, ErrorMessage: message}
}

// PendingResult builds a pending result describing the bookmark to wait on.
func PendingResult(bt BookmarkType, key, reason string) *ActivityResult {
	return &ActivityResult{
		Status:           ResultPending,
		BookmarkType:     bt,
		BookmarkKey:      key,
		SuspensionReason: reason,
	}
}

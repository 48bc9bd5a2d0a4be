package store

import (
	"time"

	"github.com/calev/orchid/pkg/schema"
)

// WorkflowInstance is the persisted representation of a single workflow run.
// Version is the optimistic-concurrency stamp: every UpdateInstance call must
// present the version it read, and the store rejects stale writes with
// ErrVersionConflict.
type WorkflowInstance struct {
	ID                string                `json:"id"`
	DefinitionID      string                `json:"definition_id"`
	Status            schema.InstanceStatus `json:"status"`
	CurrentActivityID string                `json:"current_activity_id"`
	CurrentAssignee   string                `json:"current_assignee,omitempty"`
	Variables         map[string]any        `json:"variables,omitempty"`
	RuntimeOverrides  map[string]any        `json:"runtime_overrides,omitempty"`
	RetryCount        int                   `json:"retry_count"`
	CorrelationID     string                `json:"correlation_id,omitempty"`
	StartedBy         string                `json:"started_by,omitempty"`
	SuspensionReason  string                `json:"suspension_reason,omitempty"`
	ErrorMessage      string                `json:"error_message,omitempty"`
	Version           int64                 `json:"version"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
}

// ActivityExecution is one row per activity run. Rows are created when an
// activity starts, updated on completion or failure, and never deleted.
type ActivityExecution struct {
	ID           string                 `json:"id"`
	InstanceID   string                 `json:"instance_id"`
	ActivityID   string                 `json:"activity_id"`
	Status       schema.ExecutionStatus `json:"status"`
	AssignedTo   string                 `json:"assigned_to,omitempty"`
	Input        map[string]any         `json:"input,omitempty"`
	Output       map[string]any         `json:"output,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// Bookmark is a durable suspension point. Logical identity is
// (InstanceID, ActivityID, Key, Type); creation is find-or-create so
// re-entrant suspension requests after a crash are idempotent.
type Bookmark struct {
	ID             string              `json:"id"`
	InstanceID     string              `json:"instance_id"`
	ActivityID     string              `json:"activity_id"`
	Type           schema.BookmarkType `json:"type"`
	Key            string              `json:"key"`
	Payload        map[string]any      `json:"payload,omitempty"`
	Consumed       bool                `json:"consumed"`
	ConsumedBy     string              `json:"consumed_by,omitempty"`
	ConsumedAt     *time.Time          `json:"consumed_at,omitempty"`
	DueAt          *time.Time          `json:"due_at,omitempty"` // timer bookmarks only
	ClaimedBy      string              `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time          `json:"lease_expires_at,omitempty"`
	CorrelationID  string              `json:"correlation_id,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// OutboxEvent is a durable outbound domain event awaiting delivery.
// Status only moves forward; dead_letter is terminal.
type OutboxEvent struct {
	ID            string              `json:"id"`
	Type          string              `json:"type"`
	Payload       map[string]any      `json:"payload,omitempty"`
	Headers       map[string]string   `json:"headers,omitempty"`
	Attempts      int                 `json:"attempts"`
	NextAttemptAt time.Time           `json:"next_attempt_at"`
	Status        schema.OutboxStatus `json:"status"`
	ClaimedBy     string              `json:"claimed_by,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// ExecutionLogEntry is an immutable entry in the append-only audit trail,
// with a monotonically increasing per-instance sequence.
type ExecutionLogEntry struct {
	ID         int64          `json:"id"`
	InstanceID string         `json:"instance_id"`
	ActivityID string         `json:"activity_id,omitempty"`
	Event      string         `json:"event"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Sequence   int64          `json:"sequence"`
}

// ScheduledStart is a cron-triggered workflow start.
type ScheduledStart struct {
	ID             string         `json:"id"`
	DefinitionID   string         `json:"definition_id"`
	CronExpression string         `json:"cron_expression"`
	Variables      map[string]any `json:"variables,omitempty"`
	StartedBy      string         `json:"started_by"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// InstanceFilter specifies criteria for listing workflow instances.
type InstanceFilter struct {
	Status        *schema.InstanceStatus `json:"status,omitempty"`
	DefinitionID  string                 `json:"definition_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Since         *time.Time             `json:"since,omitempty"`
	Limit         int                    `json:"limit,omitempty"`
	Offset        int                    `json:"offset,omitempty"`
}

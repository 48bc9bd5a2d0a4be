package schema

// Event type constants for the execution log and outbox.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowSuspended = "workflow_suspended"
	EventWorkflowResumed   = "workflow_resumed"

	EventActivityStarted   = "activity_started"
	EventActivityCompleted = "activity_completed"
	EventActivityFailed    = "activity_failed"
	EventActivitySkipped   = "activity_skipped"
	EventActivitySuspended = "activity_suspended"
	EventActivityResumed   = "activity_resumed"

	EventBookmarkCreated    = "bookmark_created"
	EventBookmarkConsumed   = "bookmark_consumed"
	EventConditionEvaluated = "condition_evaluated"
	EventBranchesActivated  = "branches_activated"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceSuspended InstanceStatus = "suspended"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// ExecutionStatus represents the state of a single activity execution.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
)

// BookmarkType enumerates what a suspended workflow is waiting for.
type BookmarkType string

const (
	BookmarkTimer         BookmarkType = "timer"
	BookmarkExternalEvent BookmarkType = "external_event"
	BookmarkHumanTask     BookmarkType = "human_task"
	BookmarkSignal        BookmarkType = "signal"
)

// OutboxStatus represents the delivery state of an outbox event.
// Statuses only move forward; dead_letter is terminal.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxProcessed  OutboxStatus = "processed"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDeadLetter OutboxStatus = "dead_letter"
)

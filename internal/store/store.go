package store

import (
	"context"
	"errors"
	"time"

	"github.com/calev/orchid/pkg/schema"
)

// ErrVersionConflict is returned by UpdateInstance when the presented version
// stamp is stale. Callers must reload the instance and retry at a higher
// layer, never overwrite blindly.
var ErrVersionConflict = errors.New("instance version conflict")

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use, and every conditional
// mutation (claims, consumes, version-stamped updates) must be atomic.
type Store interface {
	// Definitions
	CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	GetDefinitionByName(ctx context.Context, name string, version int) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)

	// Instances
	// CreateInstance inserts a new instance and appends the given outbox
	// events in the same transaction, so creation and its lifecycle event
	// commit atomically.
	CreateInstance(ctx context.Context, inst *WorkflowInstance, events ...*OutboxEvent) error
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	// UpdateInstance persists the instance with compare-and-swap on Version
	// and appends the given outbox events in the same transaction, so a
	// checkpoint and the events describing it commit atomically. On success
	// the instance's Version is incremented in place.
	UpdateInstance(ctx context.Context, inst *WorkflowInstance, events ...*OutboxEvent) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)

	// Activity executions
	CreateExecution(ctx context.Context, exec *ActivityExecution) error
	UpdateExecution(ctx context.Context, exec *ActivityExecution) error
	ListExecutions(ctx context.Context, instanceID string) ([]*ActivityExecution, error)
	// CompletedExecutions returns completed executions for the instance in
	// reverse completion order (most recent first), for compensation planning.
	CompletedExecutions(ctx context.Context, instanceID string) ([]*ActivityExecution, error)

	// Bookmarks
	// FindOrCreateBookmark returns the existing unconsumed bookmark matching
	// the logical key (instance, activity, key, type), or inserts the given
	// one. The boolean reports whether a new row was created.
	FindOrCreateBookmark(ctx context.Context, b *Bookmark) (*Bookmark, bool, error)
	GetBookmark(ctx context.Context, id string) (*Bookmark, error)
	// ClaimNextBookmark atomically claims the oldest unconsumed bookmark of
	// the given type that is unclaimed or whose lease has expired. Timer
	// bookmarks are only claimable once due. Returns nil when none qualify.
	ClaimNextBookmark(ctx context.Context, typ schema.BookmarkType, workerID string, now, leaseUntil time.Time) (*Bookmark, error)
	// TryConsumeBookmark atomically consumes the bookmark if it is unconsumed
	// and unclaimed, claimed by consumedBy, or its lease has expired.
	// Losing the race returns false, never an error.
	TryConsumeBookmark(ctx context.Context, id, consumedBy string, now time.Time) (bool, error)
	// ReleaseBookmarkClaim clears the claim only if currently held by
	// claimedBy and still unconsumed.
	ReleaseBookmarkClaim(ctx context.Context, id, claimedBy string) (bool, error)
	FindBookmark(ctx context.Context, instanceID, activityID string) (*Bookmark, error)

	// Outbox
	AppendOutbox(ctx context.Context, ev *OutboxEvent) error
	PendingOutbox(ctx context.Context, now time.Time, limit int) ([]*OutboxEvent, error)
	// MarkOutboxProcessing atomically moves a pending event to processing;
	// false means another dispatcher won the claim.
	MarkOutboxProcessing(ctx context.Context, id, claimedBy string) (bool, error)
	MarkOutboxProcessed(ctx context.Context, id string) error
	// RecordOutboxFailure increments attempts, stores the error, schedules
	// the next attempt, and returns the new attempt count.
	RecordOutboxFailure(ctx context.Context, id string, nextAttempt time.Time, errMsg string) (int, error)
	MarkOutboxDeadLetter(ctx context.Context, id string) error

	// Execution log (append-only)
	AppendLog(ctx context.Context, entry *ExecutionLogEntry) error
	GetLog(ctx context.Context, instanceID string, since int64) ([]*ExecutionLogEntry, error)
	// CountRecentFailures counts activity_failed log entries for the
	// (instance, activity) pair since the given time, for the fault
	// handler's anti-thrashing guard.
	CountRecentFailures(ctx context.Context, instanceID, activityID string, since time.Time) (int, error)

	// Scheduled starts
	CreateScheduledStart(ctx context.Context, job *ScheduledStart) error
	ListScheduledStarts(ctx context.Context, enabledOnly bool) ([]*ScheduledStart, error)
	UpdateScheduledStartRun(ctx context.Context, id string, lastRun, nextRun time.Time) error

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}

// LogAppender is the subset of Store needed by components that only emit
// execution-log entries.
type LogAppender interface {
	AppendLog(ctx context.Context, entry *ExecutionLogEntry) error
}

// IsNotFound reports whether err is a NOT_FOUND store error.
func IsNotFound(err error) bool {
	var oerr *schema.OrchidError
	return errors.As(err, &oerr) && oerr.Code == schema.ErrCodeNotFound
}

func notFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", kind, id)
}

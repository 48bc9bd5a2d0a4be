package engine

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/calev/orchid/internal/clock"
	"github.com/calev/orchid/internal/store"
	"github.com/calev/orchid/pkg/schema"
)

// ValidInstanceTransitions defines the allowed lifecycle moves for workflow
// instances. Completed, failed and cancelled are terminal.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceRunning:   {schema.InstanceCompleted, schema.InstanceFailed, schema.InstanceCancelled, schema.InstanceSuspended},
	schema.InstanceSuspended: {schema.InstanceRunning, schema.InstanceCancelled},
	schema.InstanceCompleted: {},
	schema.InstanceFailed:    {},
	schema.InstanceCancelled: {},
}

// CanTransitionTo is a pure lookup against the transition table.
func CanTransitionTo(from, to schema.InstanceStatus) bool {
	allowed, ok := ValidInstanceTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// Lifecycle mutates workflow instances through their state machine. Illegal
// moves are reported as a false return and a log line, never a panic or an
// error; persisting the mutated instance is the caller's job. Each legal
// transition yields the outbox event describing it so the caller can commit
// both in one checkpoint.
type Lifecycle struct {
	clock  clock.Clock
	logger *slog.Logger
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(clk clock.Clock, logger *slog.Logger) *Lifecycle {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{clock: clk, logger: logger}
}

// Initialize constructs a new instance in the implicit starting status.
func (l *Lifecycle) Initialize(def *schema.WorkflowDefinition, startedBy, correlationID string, variables, overrides map[string]any) *store.WorkflowInstance {
	now := l.clock.Now()
	return &store.WorkflowInstance{
		ID:               uuid.NewString(),
		DefinitionID:     def.ID,
		Status:           schema.InstanceRunning,
		Variables:        variables,
		RuntimeOverrides: overrides,
		CorrelationID:    correlationID,
		StartedBy:        startedBy,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// TransitionState moves the instance to the target status if the move is
// legal. Returns the outbox event for the transition and whether it happened.
func (l *Lifecycle) TransitionState(inst *store.WorkflowInstance, to schema.InstanceStatus) (*store.OutboxEvent, bool) {
	from := inst.Status
	if !CanTransitionTo(from, to) {
		l.logger.Warn("transition refused",
			"instance_id", inst.ID, "from", from, "to", to)
		return nil, false
	}

	inst.Status = to
	inst.UpdatedAt = l.clock.Now()
	if to.IsTerminal() {
		completed := inst.UpdatedAt
		inst.CompletedAt = &completed
	}
	return l.event(inst, instanceEventType(to), nil), true
}

// Advance moves the instance's cursor to the given activity. Only a live
// instance can advance.
func (l *Lifecycle) Advance(inst *store.WorkflowInstance, activityID, assignee string) bool {
	if inst.Status.IsTerminal() {
		l.logger.Warn("advance refused on terminal instance",
			"instance_id", inst.ID, "status", inst.Status)
		return false
	}
	inst.CurrentActivityID = activityID
	inst.CurrentAssignee = assignee
	inst.UpdatedAt = l.clock.Now()
	return true
}

// Complete transitions the instance to completed.
func (l *Lifecycle) Complete(inst *store.WorkflowInstance) (*store.OutboxEvent, bool) {
	return l.TransitionState(inst, schema.InstanceCompleted)
}

// Fail transitions the instance to failed, retaining the error message and
// last checkpoint for inspection.
func (l *Lifecycle) Fail(inst *store.WorkflowInstance, message string) (*store.OutboxEvent, bool) {
	ev, ok := l.TransitionState(inst, schema.InstanceFailed)
	if !ok {
		return nil, false
	}
	inst.ErrorMessage = message
	ev.Payload["error_message"] = message
	return ev, true
}

// Pause suspends the instance with a reason.
func (l *Lifecycle) Pause(inst *store.WorkflowInstance, reason string) (*store.OutboxEvent, bool) {
	ev, ok := l.TransitionState(inst, schema.InstanceSuspended)
	if !ok {
		return nil, false
	}
	inst.SuspensionReason = reason
	ev.Payload["reason"] = reason
	return ev, true
}

// Resume moves a suspended instance back to running.
func (l *Lifecycle) Resume(inst *store.WorkflowInstance, reason string) (*store.OutboxEvent, bool) {
	if inst.Status != schema.InstanceSuspended {
		l.logger.Warn("resume refused", "instance_id", inst.ID, "status", inst.Status)
		return nil, false
	}
	ev, ok := l.TransitionState(inst, schema.InstanceRunning)
	if !ok {
		return nil, false
	}
	inst.SuspensionReason = ""
	ev.Type = schema.EventWorkflowResumed
	ev.Payload["reason"] = reason
	return ev, true
}

// Terminate cancels the instance.
func (l *Lifecycle) Terminate(inst *store.WorkflowInstance, reason, by string) (*store.OutboxEvent, bool) {
	ev, ok := l.TransitionState(inst, schema.InstanceCancelled)
	if !ok {
		return nil, false
	}
	ev.Payload["reason"] = reason
	ev.Payload["cancelled_by"] = by
	return ev, true
}

func (l *Lifecycle) event(inst *store.WorkflowInstance, eventType string, extra map[string]any) *store.OutboxEvent {
	payload := map[string]any{
		"instance_id":   inst.ID,
		"definition_id": inst.DefinitionID,
		"status":        string(inst.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return &store.OutboxEvent{
		ID:            uuid.NewString(),
		Type:          eventType,
		Payload:       payload,
		Status:        schema.OutboxPending,
		CorrelationID: inst.CorrelationID,
		CreatedAt:     l.clock.Now(),
	}
}

func instanceEventType(to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceRunning:
		return schema.EventWorkflowStarted
	case schema.InstanceCompleted:
		return schema.EventWorkflowCompleted
	case schema.InstanceFailed:
		return schema.EventWorkflowFailed
	case schema.InstanceCancelled:
		return schema.EventWorkflowCancelled
	case schema.InstanceSuspended:
		return schema.EventWorkflowSuspended
	default:
		return ""
	}
}

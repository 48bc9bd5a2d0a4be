package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/calev/orchid/internal/clock"
	"github.com/calev/orchid/internal/store"
	"github.com/calev/orchid/pkg/schema"
)

// StateValidation collects the reasons a proposed operation against an
// instance is invalid. Callers branch on Valid instead of catching errors.
type StateValidation struct {
	Valid      bool
	Violations []string
}

func (v *StateValidation) add(format string, args ...any) {
	v.Valid = false
	v.Violations = append(v.Violations, fmt.Sprintf(format, args...))
}

// StateManager owns instance variables, runtime overrides and checkpoints.
type StateManager struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewStateManager creates a state manager.
func NewStateManager(st store.Store, clk clock.Clock, logger *slog.Logger) *StateManager {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateManager{store: st, clock: clk, logger: logger}
}

// UpdateVariables merges output data into the instance variables,
// last-write-wins per key, no deep merge.
func (m *StateManager) UpdateVariables(inst *store.WorkflowInstance, output map[string]any) {
	if len(output) == 0 {
		return
	}
	if inst.Variables == nil {
		inst.Variables = make(map[string]any, len(output))
	}
	for k, v := range output {
		inst.Variables[k] = v
	}
	inst.UpdatedAt = m.clock.Now()
}

// UpdateRuntimeOverrides merges overrides, last-write-wins per key.
func (m *StateManager) UpdateRuntimeOverrides(inst *store.WorkflowInstance, overrides map[string]any) {
	if len(overrides) == 0 {
		return
	}
	if inst.RuntimeOverrides == nil {
		inst.RuntimeOverrides = make(map[string]any, len(overrides))
	}
	for k, v := range overrides {
		inst.RuntimeOverrides[k] = v
	}
	inst.UpdatedAt = m.clock.Now()
}

// ValidateState checks an instance against the caller's expectations. It
// never errors out; every violation is collected so callers see the full
// picture. expectedActivityID and requiredStatus are skipped when empty.
func (m *StateManager) ValidateState(inst *store.WorkflowInstance, expectedActivityID string, requiredStatus schema.InstanceStatus) *StateValidation {
	v := &StateValidation{Valid: true}
	if inst == nil {
		v.add("instance is nil")
		return v
	}
	if inst.Status.IsTerminal() {
		v.add("instance %s is terminal (%s)", inst.ID, inst.Status)
	}
	if requiredStatus != "" && inst.Status != requiredStatus {
		v.add("instance %s has status %s, required %s", inst.ID, inst.Status, requiredStatus)
	}
	if expectedActivityID != "" && inst.CurrentActivityID != expectedActivityID {
		v.add("instance %s is at activity %q, expected %q", inst.ID, inst.CurrentActivityID, expectedActivityID)
	}
	return v
}

// CreateCheckpoint durably persists the instance with compare-and-swap on its
// version stamp, committing any outbox events in the same transaction. Losing
// the CAS race surfaces as a CONCURRENCY_CONFLICT; the caller must reload and
// retry at a higher layer, never overwrite blindly.
func (m *StateManager) CreateCheckpoint(ctx context.Context, inst *store.WorkflowInstance, reason string, events ...*store.OutboxEvent) error {
	inst.UpdatedAt = m.clock.Now()
	if err := m.store.UpdateInstance(ctx, inst, events...); err != nil {
		if store.IsNotFound(err) {
			// First checkpoint for this instance: upsert semantics, callers
			// never track prior existence.
			return m.insertCheckpoint(ctx, inst, events)
		}
		if errors.Is(err, store.ErrVersionConflict) {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"checkpoint lost version race for instance %s", inst.ID).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeStore, "checkpoint instance %s: %v", inst.ID, err).WithCause(err)
	}
	m.logger.DebugContext(ctx, "checkpoint",
		"instance_id", inst.ID, "reason", reason, "version", inst.Version, "status", inst.Status)
	return nil
}

func (m *StateManager) insertCheckpoint(ctx context.Context, inst *store.WorkflowInstance, events []*store.OutboxEvent) error {
	if err := m.store.CreateInstance(ctx, inst, events...); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "insert instance %s: %v", inst.ID, err).WithCause(err)
	}
	return nil
}

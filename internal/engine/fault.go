package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calev/orchid/internal/clock"
	"github.com/calev/orchid/internal/resilience"
	"github.com/calev/orchid/internal/store"
	"github.com/calev/orchid/pkg/schema"
)

// FaultClass buckets a fault for handling purposes.
type FaultClass string

const (
	FaultTransient FaultClass = "transient"
	FaultPermanent FaultClass = "permanent"
	FaultUnknown   FaultClass = "unknown"
)

// Classify buckets an error. Timeouts and network problems are transient;
// validation and argument defects are permanent; everything else is unknown.
func Classify(err error) FaultClass {
	if err == nil {
		return FaultUnknown
	}

	var oerr *schema.OrchidError
	if errors.As(err, &oerr) {
		switch oerr.Code {
		case schema.ErrCodeTimeout, schema.ErrCodeTransient, schema.ErrCodeStore:
			return FaultTransient
		case schema.ErrCodeValidation, schema.ErrCodeInvalidTransition,
			schema.ErrCodeUnknownActivity, schema.ErrCodeEvaluation:
			return FaultPermanent
		}
	}
	if resilience.IsRetryableError(err) {
		return FaultTransient
	}
	return FaultUnknown
}

// FaultDecision tells the engine what to do about a fault.
type FaultDecision struct {
	ShouldRetry                bool
	RetryDelay                 time.Duration
	SuspendWorkflow            bool
	RequiresManualIntervention bool
	RecommendedAction          string
}

// FaultConfig tunes the fault handler.
type FaultConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Anti-thrashing guard: when the same (instance, activity) pair fails
	// more than SuspensionThreshold times within Lookback, the workflow is
	// suspended for manual intervention regardless of the fault's own class.
	SuspensionThreshold int
	Lookback            time.Duration
}

// DefaultFaultConfig returns conservative fault handling settings.
func DefaultFaultConfig() FaultConfig {
	return FaultConfig{
		MaxAttempts:         3,
		BaseDelay:           time.Second,
		MaxDelay:            time.Minute,
		SuspensionThreshold: 5,
		Lookback:            10 * time.Minute,
	}
}

// FaultHandler turns faults into decisions. It only decides; the engine acts.
type FaultHandler struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
	cfg    FaultConfig
}

// NewFaultHandler creates a fault handler.
func NewFaultHandler(st store.Store, clk clock.Clock, logger *slog.Logger, cfg FaultConfig) *FaultHandler {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SuspensionThreshold <= 0 {
		cfg.SuspensionThreshold = 5
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 10 * time.Minute
	}
	return &FaultHandler{store: st, clock: clk, logger: logger, cfg: cfg}
}

// HandleStartupFault decides about a fault while starting a workflow.
// Transient faults retry with backoff while the attempt budget lasts;
// everything else needs a human.
func (h *FaultHandler) HandleStartupFault(ctx context.Context, err error, attempts int) FaultDecision {
	if Classify(err) == FaultTransient && attempts < h.cfg.MaxAttempts {
		return FaultDecision{
			ShouldRetry:       true,
			RetryDelay:        resilience.Backoff(h.cfg.BaseDelay, h.cfg.MaxDelay, attempts),
			RecommendedAction: "retry workflow start",
		}
	}
	return FaultDecision{
		RequiresManualIntervention: true,
		RecommendedAction:          "inspect startup fault and restart manually",
	}
}

// HandleActivityFault decides about a fault during activity execution. Before
// anything else it checks the recent failure history of the same (instance,
// activity) pair; past the suspension threshold the workflow is suspended no
// matter how transient this particular fault looks.
func (h *FaultHandler) HandleActivityFault(ctx context.Context, instanceID, activityID string, err error, attempts int) FaultDecision {
	since := h.clock.Now().Add(-h.cfg.Lookback)
	recent, countErr := h.store.CountRecentFailures(ctx, instanceID, activityID, since)
	if countErr != nil {
		h.logger.WarnContext(ctx, "failure history lookup failed",
			"instance_id", instanceID, "activity_id", activityID, "error", countErr)
	} else if recent >= h.cfg.SuspensionThreshold {
		return FaultDecision{
			SuspendWorkflow:            true,
			RequiresManualIntervention: true,
			RecommendedAction: fmt.Sprintf(
				"activity %q failed %d times within %s; suspended to stop thrashing", activityID, recent, h.cfg.Lookback),
		}
	}

	if Classify(err) == FaultTransient && attempts < h.cfg.MaxAttempts {
		return FaultDecision{
			ShouldRetry:       true,
			RetryDelay:        resilience.Backoff(h.cfg.BaseDelay, h.cfg.MaxDelay, attempts),
			RecommendedAction: fmt.Sprintf("retry activity %q", activityID),
		}
	}
	return FaultDecision{
		RequiresManualIntervention: true,
		RecommendedAction:          fmt.Sprintf("inspect activity %q fault", activityID),
	}
}

// HandleExternalCallFault decides about a fault from an external dependency.
func (h *FaultHandler) HandleExternalCallFault(ctx context.Context, dependency string, err error, attempts int) FaultDecision {
	if Classify(err) == FaultTransient && attempts < h.cfg.MaxAttempts {
		return FaultDecision{
			ShouldRetry:       true,
			RetryDelay:        resilience.Backoff(h.cfg.BaseDelay, h.cfg.MaxDelay, attempts),
			RecommendedAction: fmt.Sprintf("retry call to %q", dependency),
		}
	}
	return FaultDecision{
		RequiresManualIntervention: true,
		RecommendedAction:          fmt.Sprintf("external dependency %q is failing; check its health", dependency),
	}
}

// HandleResumeFault decides about a fault while resuming a workflow.
func (h *FaultHandler) HandleResumeFault(ctx context.Context, err error, attempts int) FaultDecision {
	if Classify(err) == FaultTransient && attempts < h.cfg.MaxAttempts {
		return FaultDecision{
			ShouldRetry:       true,
			RetryDelay:        resilience.Backoff(h.cfg.BaseDelay, h.cfg.MaxDelay, attempts),
			RecommendedAction: "retry resume",
		}
	}
	return FaultDecision{
		RequiresManualIntervention: true,
		RecommendedAction:          "re-validate workflow and bookmark state before resuming again",
	}
}

// CompensationStep is one reversing action in a compensation plan.
type CompensationStep struct {
	ExecutionID string         `json:"execution_id"`
	ActivityID  string         `json:"activity_id"`
	Strategy    string         `json:"strategy"`
	Output      map[string]any `json:"output,omitempty"`
}

// CompensationPlan enumerates the completed executions of an instance in
// reverse completion order and emits one compensating step per activity.
// The plan is handed to an external executor; nothing is compensated here.
func (h *FaultHandler) CompensationPlan(ctx context.Context, instanceID string) ([]CompensationStep, error) {
	inst, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := h.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	execs, err := h.store.CompletedExecutions(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	plan := make([]CompensationStep, 0, len(execs))
	for _, exec := range execs {
		node := def.ActivityByID(exec.ActivityID)
		strategy := "no_op"
		if node != nil && node.Type == schema.ActivityTask {
			strategy = "reverse_task"
		}
		plan = append(plan, CompensationStep{
			ExecutionID: exec.ID,
			ActivityID:  exec.ActivityID,
			Strategy:    strategy,
			Output:      exec.Output,
		})
	}
	return plan, nil
}

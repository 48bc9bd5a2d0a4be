package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/calev/orchid/internal/activity"
	"github.com/calev/orchid/internal/bookmark"
	"github.com/calev/orchid/internal/clock"
	"github.com/calev/orchid/internal/expressions"
	"github.com/calev/orchid/internal/flow"
	"github.com/calev/orchid/internal/logging"
	"github.com/calev/orchid/internal/resilience"
	"github.com/calev/orchid/internal/store"
	"github.com/calev/orchid/pkg/schema"
)

// Outcome is the terminal disposition of a Start or Resume call.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// StartRequest asks the engine to start a new workflow instance.
type StartRequest struct {
	DefinitionID  string
	StartedBy     string
	Variables     map[string]any
	CorrelationID string
	Overrides     map[string]any
}

// ResumeRequest asks the engine to continue a suspended instance.
type ResumeRequest struct {
	InstanceID  string
	ActivityID  string
	CompletedBy string
	Input       map[string]any
	Overrides   map[string]any
}

// ExecutionResult is what Start and Resume hand back. Pending results carry
// the activity the instance is parked on; failed results carry the message
// the instance retains for inspection.
type ExecutionResult struct {
	Outcome      Outcome
	Instance     *store.WorkflowInstance
	ActivityID   string
	ErrorMessage string
}

// Config tunes the engine.
type Config struct {
	ActivityTimeout time.Duration
	Retry           resilience.RetryConfig
	Fault           FaultConfig
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ActivityTimeout: 30 * time.Second,
		Retry:           resilience.DefaultRetryConfig(),
		Fault:           DefaultFaultConfig(),
	}
}

// Engine drives workflow instances through their definitions. A single
// instance is executed strictly sequentially; fan-out becomes queued next
// activities, never parallel goroutines, so per-instance ordering stays
// deterministic. Distinct instances coordinate only through the store.
type Engine struct {
	store     store.Store
	registry  *activity.Registry
	exprFlow  *flow.Manager
	celFlow   *flow.Manager
	jq        *expressions.JQEngine
	lifecycle *Lifecycle
	state     *StateManager
	faults    *FaultHandler
	bookmarks *bookmark.Service
	retrier   *resilience.Retrier
	clock     clock.Clock
	logger    *slog.Logger
	timeout   time.Duration
}

// New creates an engine with the built-in activity registry.
func New(st store.Store, bookmarks *bookmark.Service, retrier *resilience.Retrier, clk clock.Clock, logger *slog.Logger, cfg Config) (*Engine, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = 30 * time.Second
	}
	if retrier == nil {
		retrier = resilience.NewRetrier(cfg.Retry, nil, logger)
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:     st,
		registry:  activity.NewBuiltinRegistry(),
		exprFlow:  flow.NewManager(expressions.NewExprEngine(), logger),
		celFlow:   flow.NewManager(celEngine, logger),
		jq:        expressions.NewJQEngine(),
		lifecycle: NewLifecycle(clk, logger),
		state:     NewStateManager(st, clk, logger),
		faults:    NewFaultHandler(st, clk, logger, cfg.Fault),
		bookmarks: bookmarks,
		retrier:   retrier,
		clock:     clk,
		logger:    logger,
		timeout:   cfg.ActivityTimeout,
	}, nil
}

// Registry exposes the activity registry for definition validation at load.
func (e *Engine) Registry() *activity.Registry { return e.registry }

// StartWorkflow creates a new instance of the definition and runs it until it
// completes, fails, or suspends.
func (e *Engine) StartWorkflow(ctx context.Context, req StartRequest) (*ExecutionResult, error) {
	if req.DefinitionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition id is required")
	}
	if req.StartedBy == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "started_by is required")
	}

	def, err := e.store.GetDefinition(ctx, req.DefinitionID)
	if err != nil {
		return nil, err
	}
	start := def.StartActivity()
	if start == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "definition %q has no start activity", def.ID)
	}

	inst := e.lifecycle.Initialize(def, req.StartedBy, req.CorrelationID, req.Variables, req.Overrides)
	inst.CurrentActivityID = start.ID
	ctx = logging.WithIDs(ctx, inst.ID, "", req.CorrelationID)

	startedEv := e.lifecycle.event(inst, schema.EventWorkflowStarted, map[string]any{"started_by": req.StartedBy})
	if err := e.store.CreateInstance(ctx, inst, startedEv); err != nil {
		return nil, err
	}
	e.appendLog(ctx, inst.ID, "", schema.EventWorkflowStarted, map[string]any{"started_by": req.StartedBy})

	e.logger.InfoContext(ctx, "workflow started",
		"definition_id", def.ID, "started_by", req.StartedBy)
	return e.run(ctx, def, inst, []string{start.ID}, nil, "")
}

// ResumeWorkflow continues a suspended instance at the given activity. State
// is re-validated first because the instance may have been concurrently
// completed, rerouted, or already resumed; of N concurrent resume attempts
// for the same (instance, activity) at most one wins the bookmark.
func (e *Engine) ResumeWorkflow(ctx context.Context, req ResumeRequest) (*ExecutionResult, error) {
	if req.InstanceID == "" || req.ActivityID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "instance id and activity id are required")
	}
	if req.CompletedBy == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "completed_by is required")
	}

	inst, err := e.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, inst.ID, req.ActivityID, inst.CorrelationID)

	if v := e.state.ValidateState(inst, req.ActivityID, schema.InstanceSuspended); !v.Valid {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"resume rejected: %s", strings.Join(v.Violations, "; "))
	}

	def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}

	bm, err := e.bookmarks.Find(ctx, inst.ID, req.ActivityID)
	if err != nil {
		return nil, err
	}
	won, err := e.bookmarks.TryConsume(ctx, bm.ID, req.CompletedBy)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"bookmark %s already consumed or held by another worker", bm.ID)
	}

	resumedEv, ok := e.lifecycle.Resume(inst, fmt.Sprintf("resumed by %s", req.CompletedBy))
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance %s cannot resume from status %s", inst.ID, inst.Status)
	}
	e.state.UpdateRuntimeOverrides(inst, req.Overrides)
	if err := e.state.CreateCheckpoint(ctx, inst, "resumed", resumedEv); err != nil {
		return nil, err
	}
	e.appendLog(ctx, inst.ID, req.ActivityID, schema.EventBookmarkConsumed, map[string]any{
		"bookmark_id": bm.ID, "consumed_by": req.CompletedBy,
	})
	e.appendLog(ctx, inst.ID, req.ActivityID, schema.EventWorkflowResumed, map[string]any{
		"resumed_by": req.CompletedBy,
	})

	e.logger.InfoContext(ctx, "workflow resumed", "resumed_by", req.CompletedBy)
	return e.run(ctx, def, inst, []string{req.ActivityID}, req.Input, req.CompletedBy)
}

// ResumeFromTimer satisfies the timer sweep's resumer contract.
func (e *Engine) ResumeFromTimer(ctx context.Context, instanceID, activityID, workerID string) error {
	_, err := e.ResumeWorkflow(ctx, ResumeRequest{
		InstanceID:  instanceID,
		ActivityID:  activityID,
		CompletedBy: workerID,
	})
	return err
}

// CancelWorkflow terminates a live instance.
func (e *Engine) CancelWorkflow(ctx context.Context, instanceID, reason, by string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	ev, ok := e.lifecycle.Terminate(inst, reason, by)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance %s cannot be cancelled from status %s", instanceID, inst.Status)
	}
	if err := e.state.CreateCheckpoint(ctx, inst, "cancelled", ev); err != nil {
		return err
	}
	e.appendLog(ctx, inst.ID, "", schema.EventWorkflowCancelled, map[string]any{
		"reason": reason, "cancelled_by": by,
	})
	return nil
}

// CompensationPlan exposes the fault handler's planner.
func (e *Engine) CompensationPlan(ctx context.Context, instanceID string) ([]CompensationStep, error) {
	return e.faults.CompensationPlan(ctx, instanceID)
}

// run is the engine loop: a queue of activities to execute, fan-out capable.
// resumeInput is non-nil only when the first queued activity is being resumed
// rather than executed. Uncaught panics are converted into a failed instance
// at this boundary; only cancellation escapes to the caller as an error.
func (e *Engine) run(ctx context.Context, def *schema.WorkflowDefinition, inst *store.WorkflowInstance, queue []string, resumeInput map[string]any, resumedBy string) (result *ExecutionResult, err error) {
	resuming := resumedBy != ""
	flowMgr := e.flowFor(def)

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "panic in engine loop", "panic", r)
			result, err = e.failWorkflow(ctx, inst, "", fmt.Sprintf("internal panic: %v", r)), nil
		}
	}()

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(ctx.Err())
		}

		activityID := queue[0]
		queue = queue[1:]
		ctx := logging.WithActivityID(ctx, activityID)

		node := def.ActivityByID(activityID)
		if node == nil {
			return e.failWorkflow(ctx, inst, activityID,
				fmt.Sprintf("definition references undefined activity %q", activityID)), nil
		}
		impl, regErr := e.registry.Get(node.Type)
		if regErr != nil {
			return e.failWorkflow(ctx, inst, activityID, regErr.Error()), nil
		}

		e.lifecycle.Advance(inst, node.ID, "")
		exec := e.beginExecution(ctx, inst, node, resumeInput)
		if resuming {
			e.appendLog(ctx, inst.ID, node.ID, schema.EventActivityResumed, map[string]any{"resumed_by": resumedBy})
		}

		res, execErr := e.executeStep(ctx, def, impl, node, inst, resumeInput, resuming)
		resuming = false
		resumeInput = nil

		if execErr != nil {
			if ctx.Err() != nil || isCancelled(execErr) {
				return nil, execErr
			}
			decision := e.faults.HandleActivityFault(ctx, inst.ID, node.ID, execErr, e.retrier.MaxAttempts())
			e.appendLog(ctx, inst.ID, node.ID, schema.EventActivityFailed, map[string]any{
				"error": execErr.Error(), "recommended_action": decision.RecommendedAction,
			})
			if decision.SuspendWorkflow {
				return e.suspendForFault(ctx, inst, node, exec, execErr, decision)
			}
			res = schema.FailedResult(execErr.Error())
		}

		switch res.Status {
		case schema.ResultCompleted, schema.ResultSkipped:
			output, mapErr := e.applyOutputMap(ctx, node, res.Output)
			if mapErr != nil {
				e.finishExecution(ctx, exec, schema.ExecutionFailed, nil, mapErr.Error())
				return e.failWorkflow(ctx, inst, node.ID, mapErr.Error()), nil
			}
			e.state.UpdateVariables(inst, output)
			e.finishExecution(ctx, exec, schema.ExecutionCompleted, output, "")
			e.logStepDone(ctx, inst.ID, node.ID, res.Status)

			if err := e.state.CreateCheckpoint(ctx, inst, "activity_done"); err != nil {
				return nil, err
			}

			next, flowErr := flowMgr.NextActivities(ctx, def, node.ID, res, e.evaluationVars(inst))
			if flowErr != nil {
				return e.failWorkflow(ctx, inst, node.ID, flowErr.Error()), nil
			}
			switch node.Type {
			case schema.ActivityIfElse, schema.ActivitySwitch:
				e.appendLog(ctx, inst.ID, node.ID, schema.EventConditionEvaluated, map[string]any{"next": next})
			case schema.ActivityFork:
				e.appendLog(ctx, inst.ID, node.ID, schema.EventBranchesActivated, map[string]any{"branches": next})
			}
			queue = append(queue, next...)

		case schema.ResultFailed:
			e.finishExecution(ctx, exec, schema.ExecutionFailed, nil, res.ErrorMessage)
			return e.failWorkflow(ctx, inst, node.ID, res.ErrorMessage), nil

		case schema.ResultPending:
			return e.suspend(ctx, inst, node, exec, res)

		default:
			e.finishExecution(ctx, exec, schema.ExecutionFailed, nil, string(res.Status))
			return e.failWorkflow(ctx, inst, node.ID,
				fmt.Sprintf("activity %q returned unknown result status %q", node.ID, res.Status)), nil
		}
	}

	completedEv, ok := e.lifecycle.Complete(inst)
	if !ok {
		return e.failWorkflow(ctx, inst, inst.CurrentActivityID, "workflow finished in an unexpected state"), nil
	}
	if err := e.state.CreateCheckpoint(ctx, inst, "completed", completedEv); err != nil {
		return nil, err
	}
	e.appendLog(ctx, inst.ID, "", schema.EventWorkflowCompleted, nil)
	e.logger.InfoContext(ctx, "workflow completed")
	return &ExecutionResult{Outcome: OutcomeCompleted, Instance: inst}, nil
}

// executeStep runs or resumes one activity behind the resilience layer:
// activity-scoped timeout inside bounded retries with per-type circuit
// breaking.
func (e *Engine) executeStep(ctx context.Context, def *schema.WorkflowDefinition, impl activity.Activity, node *schema.Activity, inst *store.WorkflowInstance, input map[string]any, resuming bool) (*schema.ActivityResult, error) {
	ec := &activity.ExecutionContext{
		Definition: def,
		Activity:   node,
		Variables:  inst.Variables,
		Overrides:  inst.RuntimeOverrides,
		Input:      input,
	}

	var res *schema.ActivityResult
	key := "activity:" + string(node.Type)
	err := e.retrier.Execute(ctx, key, func(ctx context.Context) error {
		return resilience.WithTimeout(ctx, e.timeout, func(ctx context.Context) error {
			var stepErr error
			if resuming {
				res, stepErr = impl.Resume(ctx, ec)
			} else {
				res, stepErr = impl.Execute(ctx, ec)
			}
			return stepErr
		})
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "activity %q returned no result", node.ID)
	}
	return res, nil
}

// suspend parks the instance on a bookmark and halts the synchronous path.
func (e *Engine) suspend(ctx context.Context, inst *store.WorkflowInstance, node *schema.Activity, exec *store.ActivityExecution, res *schema.ActivityResult) (*ExecutionResult, error) {
	var dueAt *time.Time
	if res.BookmarkType == schema.BookmarkTimer {
		due := e.clock.Now().Add(res.DueIn)
		dueAt = &due
	}

	bm, created, err := e.bookmarks.FindOrCreate(ctx, bookmark.CreateRequest{
		InstanceID:    inst.ID,
		ActivityID:    node.ID,
		Type:          res.BookmarkType,
		Key:           res.BookmarkKey,
		Payload:       res.Output,
		DueAt:         dueAt,
		CorrelationID: inst.CorrelationID,
	})
	if err != nil {
		return e.failWorkflow(ctx, inst, node.ID, err.Error()), nil
	}

	e.lifecycle.Advance(inst, node.ID, res.Assignee)
	suspendedEv, ok := e.lifecycle.Pause(inst, res.SuspensionReason)
	if !ok {
		return e.failWorkflow(ctx, inst, node.ID, "instance could not be suspended"), nil
	}
	e.finishExecution(ctx, exec, schema.ExecutionPending, res.Output, "")

	if err := e.state.CreateCheckpoint(ctx, inst, "suspended", suspendedEv); err != nil {
		return nil, err
	}
	if created {
		e.appendLog(ctx, inst.ID, node.ID, schema.EventBookmarkCreated, map[string]any{
			"bookmark_id": bm.ID, "type": string(bm.Type), "key": bm.Key,
		})
	}
	e.appendLog(ctx, inst.ID, node.ID, schema.EventActivitySuspended, map[string]any{
		"reason": res.SuspensionReason,
	})

	e.logger.InfoContext(ctx, "workflow suspended",
		"reason", res.SuspensionReason, "bookmark_id", bm.ID)
	return &ExecutionResult{Outcome: OutcomePending, Instance: inst, ActivityID: node.ID}, nil
}

// suspendForFault is the anti-thrashing path: repeated failures of the same
// activity park the workflow for a human instead of burning retries.
func (e *Engine) suspendForFault(ctx context.Context, inst *store.WorkflowInstance, node *schema.Activity, exec *store.ActivityExecution, faultErr error, decision FaultDecision) (*ExecutionResult, error) {
	e.finishExecution(ctx, exec, schema.ExecutionFailed, nil, faultErr.Error())

	bm, _, err := e.bookmarks.FindOrCreate(ctx, bookmark.CreateRequest{
		InstanceID:    inst.ID,
		ActivityID:    node.ID,
		Type:          schema.BookmarkExternalEvent,
		Key:           "fault:" + node.ID,
		Payload:       map[string]any{"error": faultErr.Error()},
		CorrelationID: inst.CorrelationID,
	})
	if err != nil {
		return e.failWorkflow(ctx, inst, node.ID, faultErr.Error()), nil
	}

	suspendedEv, ok := e.lifecycle.Pause(inst, decision.RecommendedAction)
	if !ok {
		return e.failWorkflow(ctx, inst, node.ID, faultErr.Error()), nil
	}
	if err := e.state.CreateCheckpoint(ctx, inst, "suspended_for_fault", suspendedEv); err != nil {
		return nil, err
	}
	e.appendLog(ctx, inst.ID, node.ID, schema.EventActivitySuspended, map[string]any{
		"reason": decision.RecommendedAction, "bookmark_id": bm.ID,
	})

	e.logger.WarnContext(ctx, "workflow suspended for manual intervention",
		"reason", decision.RecommendedAction)
	return &ExecutionResult{
		Outcome:      OutcomePending,
		Instance:     inst,
		ActivityID:   node.ID,
		ErrorMessage: faultErr.Error(),
	}, nil
}

// failWorkflow transitions the instance to failed and checkpoints. The error
// message is retained on the instance for inspection.
func (e *Engine) failWorkflow(ctx context.Context, inst *store.WorkflowInstance, activityID, message string) *ExecutionResult {
	failedEv, ok := e.lifecycle.Fail(inst, message)
	if ok {
		if err := e.state.CreateCheckpoint(ctx, inst, "failed", failedEv); err != nil {
			e.logger.ErrorContext(ctx, "failure checkpoint did not persist", "error", err)
		}
	}
	e.appendLog(ctx, inst.ID, activityID, schema.EventWorkflowFailed, map[string]any{"error": message})
	e.logger.ErrorContext(ctx, "workflow failed", "error", message)
	return &ExecutionResult{
		Outcome:      OutcomeFailed,
		Instance:     inst,
		ActivityID:   activityID,
		ErrorMessage: message,
	}
}

func (e *Engine) beginExecution(ctx context.Context, inst *store.WorkflowInstance, node *schema.Activity, input map[string]any) *store.ActivityExecution {
	exec := &store.ActivityExecution{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		ActivityID: node.ID,
		Status:     schema.ExecutionInProgress,
		Input:      input,
		StartedAt:  e.clock.Now(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		e.logger.WarnContext(ctx, "execution row insert failed", "error", err)
	}
	e.appendLog(ctx, inst.ID, node.ID, schema.EventActivityStarted, nil)
	return exec
}

func (e *Engine) finishExecution(ctx context.Context, exec *store.ActivityExecution, status schema.ExecutionStatus, output map[string]any, errMsg string) {
	exec.Status = status
	exec.Output = output
	exec.ErrorMessage = errMsg
	if status == schema.ExecutionCompleted || status == schema.ExecutionFailed {
		done := e.clock.Now()
		exec.CompletedAt = &done
	}
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.WarnContext(ctx, "execution row update failed", "error", err)
	}
}

// applyOutputMap runs a task's optional jq transform over its output before
// the variable merge.
func (e *Engine) applyOutputMap(ctx context.Context, node *schema.Activity, output map[string]any) (map[string]any, error) {
	if node.Type != schema.ActivityTask || len(node.Properties) == 0 || len(output) == 0 {
		return output, nil
	}
	var props schema.TaskProperties
	if err := json.Unmarshal(node.Properties, &props); err != nil || props.OutputMap == "" {
		return output, nil
	}

	v, err := e.jq.Evaluate(ctx, props.OutputMap, output)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return t, nil
	default:
		return map[string]any{"result": t}, nil
	}
}

// evaluationVars is what condition expressions see: instance variables with
// runtime overrides layered on top.
func (e *Engine) evaluationVars(inst *store.WorkflowInstance) map[string]any {
	if len(inst.RuntimeOverrides) == 0 {
		return inst.Variables
	}
	merged := make(map[string]any, len(inst.Variables)+len(inst.RuntimeOverrides))
	for k, v := range inst.Variables {
		merged[k] = v
	}
	for k, v := range inst.RuntimeOverrides {
		merged[k] = v
	}
	return merged
}

func (e *Engine) flowFor(def *schema.WorkflowDefinition) *flow.Manager {
	if def.ExpressionLanguage == "cel" {
		return e.celFlow
	}
	return e.exprFlow
}

func (e *Engine) logStepDone(ctx context.Context, instanceID, activityID string, status schema.ResultStatus) {
	event := schema.EventActivityCompleted
	if status == schema.ResultSkipped {
		// Skipped routes like completed but is recorded distinctly.
		event = schema.EventActivitySkipped
	}
	e.appendLog(ctx, instanceID, activityID, event, nil)
}

func (e *Engine) appendLog(ctx context.Context, instanceID, activityID, event string, payload map[string]any) {
	entry := &store.ExecutionLogEntry{
		InstanceID: instanceID,
		ActivityID: activityID,
		Event:      event,
		Payload:    payload,
		OccurredAt: e.clock.Now(),
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.logger.WarnContext(ctx, "execution log append failed", "event", event, "error", err)
	}
}

func isCancelled(err error) bool {
	var oerr *schema.OrchidError
	return errors.As(err, &oerr) && oerr.Code == schema.ErrCodeCancelled
}

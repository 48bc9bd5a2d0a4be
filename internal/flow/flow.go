package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/calev/orchid/internal/expressions"
	"github.com/calev/orchid/pkg/schema"
)

// DefaultCase is the routing decision produced by a switch whose expression
// matched none of its cases.
const DefaultCase = "default"

// Manager routes a workflow instance through its definition. Transitions
// leaving an activity are evaluated in declared order and the first match
// wins. If-else and switch activities produce a routing decision (a branch
// label) that transition conditions are matched against literally; every
// other activity's transition conditions are boolean expressions over the
// instance variables.
type Manager struct {
	evaluator expressions.Engine
	logger    *slog.Logger
}

// NewManager creates a flow control manager backed by the given expression
// engine.
func NewManager(evaluator expressions.Engine, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{evaluator: evaluator, logger: logger}
}

// DetermineNextActivity selects the activity that follows currentID given the
// step result and the instance variables. An empty return with a nil error
// means no transition matched and the workflow is done on this path.
func (m *Manager) DetermineNextActivity(ctx context.Context, def *schema.WorkflowDefinition, currentID string, result *schema.ActivityResult, vars map[string]any) (string, error) {
	current := def.ActivityByID(currentID)
	if current == nil {
		return "", schema.NewErrorf(schema.ErrCodeUnknownActivity, "activity %q not found in definition %q", currentID, def.ID)
	}

	decision, err := m.routingDecision(ctx, current, vars)
	if err != nil {
		return "", err
	}

	for _, t := range def.TransitionsFrom(currentID) {
		ok, err := m.EvaluateCondition(ctx, t.Condition, vars, decision)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		if def.ActivityByID(t.To) == nil {
			return "", schema.NewErrorf(schema.ErrCodeUnknownActivity, "transition from %q targets undefined activity %q", currentID, t.To)
		}
		if decision != nil {
			m.logger.DebugContext(ctx, "transition selected by decision",
				"from", currentID, "to", t.To, "decision", *decision)
		}
		return t.To, nil
	}
	return "", nil
}

// EvaluateCondition evaluates a transition guard. When decision is non-nil
// the source activity already made a routing decision and the condition is
// matched against it as a literal branch label, case-insensitively. Otherwise
// the condition is a boolean expression over vars; unresolved identifiers
// coerce to false, while a malformed expression is an evaluation error.
// An empty condition is unconditionally true.
func (m *Manager) EvaluateCondition(ctx context.Context, condition string, vars map[string]any, decision *string) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	if decision != nil {
		return strings.EqualFold(condition, *decision), nil
	}

	out, err := m.evaluator.Evaluate(ctx, condition, vars)
	if err != nil {
		return false, err
	}
	return expressions.ToBool(out), nil
}

// routingDecision computes the branch label for decision-making activities.
// Non-decision activities return nil, switching transition guards back to
// expression evaluation.
func (m *Manager) routingDecision(ctx context.Context, current *schema.Activity, vars map[string]any) (*string, error) {
	switch current.Type {
	case schema.ActivityIfElse:
		var props schema.IfElseProperties
		if err := decodeProperties(current, &props); err != nil {
			return nil, err
		}
		ok, err := m.EvaluateCondition(ctx, props.Condition, vars, nil)
		if err != nil {
			return nil, err
		}
		d := strconv.FormatBool(ok)
		m.logger.DebugContext(ctx, "if_else evaluated",
			"activity_id", current.ID, "condition", props.Condition, "decision", d)
		return &d, nil

	case schema.ActivitySwitch:
		var props schema.SwitchProperties
		if err := decodeProperties(current, &props); err != nil {
			return nil, err
		}
		value, err := m.evaluator.Evaluate(ctx, props.Expression, vars)
		if err != nil {
			return nil, err
		}
		matched, err := MatchSwitchCase(value, props.Cases)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithActivity(current.ID)
		}
		m.logger.DebugContext(ctx, "switch evaluated",
			"activity_id", current.ID, "value", value, "case", matched)
		return &matched, nil

	default:
		return nil, nil
	}
}

// NextActivities returns every activity to enqueue after currentID. For fork
// activities that is the active branch set; for everything else it is the
// single transition target, or nothing when the path is done.
func (m *Manager) NextActivities(ctx context.Context, def *schema.WorkflowDefinition, currentID string, result *schema.ActivityResult, vars map[string]any) ([]string, error) {
	current := def.ActivityByID(currentID)
	if current == nil {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownActivity, "activity %q not found in definition %q", currentID, def.ID)
	}

	if current.Type == schema.ActivityFork {
		return m.activeBranches(ctx, def, current, vars)
	}

	next, err := m.DetermineNextActivity(ctx, def, currentID, result, vars)
	if err != nil {
		return nil, err
	}
	if next == "" {
		return nil, nil
	}
	return []string{next}, nil
}

// activeBranches evaluates every fork branch and returns those whose
// condition is empty or true. Zero active branches is an execution failure,
// and a branch without a target id is a configuration defect.
func (m *Manager) activeBranches(ctx context.Context, def *schema.WorkflowDefinition, fork *schema.Activity, vars map[string]any) ([]string, error) {
	var props schema.ForkProperties
	if err := decodeProperties(fork, &props); err != nil {
		return nil, err
	}

	var active []string
	for i, branch := range props.Branches {
		if branch.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "fork branch %d has no target activity id", i).WithActivity(fork.ID)
		}
		if def.ActivityByID(branch.ID) == nil {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownActivity, "fork branch targets undefined activity %q", branch.ID).WithActivity(fork.ID)
		}
		ok, err := m.EvaluateCondition(ctx, branch.Condition, vars, nil)
		if err != nil {
			return nil, err
		}
		if ok {
			active = append(active, branch.ID)
		}
	}

	if len(active) == 0 {
		return nil, schema.NewError(schema.ErrCodeExecution, "No branches were activated").WithActivity(fork.ID)
	}
	m.logger.DebugContext(ctx, "fork branches activated",
		"activity_id", fork.ID, "branches", active)
	return active, nil
}

// MatchSwitchCase matches a scrutinee value against an ordered case list.
// Each case is either a relational comparison ("< 100", ">= 1000", "!= done")
// or a literal; string comparisons are case-insensitive and the first match
// wins. When nothing matches, DefaultCase is returned. A switch with zero
// cases is malformed.
func MatchSwitchCase(value any, cases []string) (string, error) {
	if len(cases) == 0 {
		return "", fmt.Errorf("switch has no cases")
	}

	for _, c := range cases {
		trimmed := strings.TrimSpace(c)
		if strings.EqualFold(trimmed, DefaultCase) {
			continue
		}
		if op, operand, ok := splitComparison(trimmed); ok {
			if compareMatches(value, op, operand) {
				return c, nil
			}
			continue
		}
		if literalMatches(value, trimmed) {
			return c, nil
		}
	}
	return DefaultCase, nil
}

// splitComparison splits a case like ">= 1000" into its operator and operand.
// Two-character operators must be tried before their one-character prefixes.
func splitComparison(c string) (op, operand string, ok bool) {
	for _, candidate := range []string{"<=", ">=", "==", "!=", "<", ">"} {
		if strings.HasPrefix(c, candidate) {
			return candidate, strings.TrimSpace(c[len(candidate):]), true
		}
	}
	return "", "", false
}

func compareMatches(value any, op, operand string) bool {
	cmp, comparable := compareValues(value, operand)
	switch op {
	case "==":
		return comparable && cmp == 0
	case "!=":
		// An incomparable pair is unequal by definition.
		return !comparable || cmp != 0
	case "<":
		return comparable && cmp < 0
	case "<=":
		return comparable && cmp <= 0
	case ">":
		return comparable && cmp > 0
	case ">=":
		return comparable && cmp >= 0
	}
	return false
}

// compareValues orders the scrutinee against a case operand. Numeric on both
// sides compares numerically; otherwise both render to lowercase strings.
// A nil scrutinee is incomparable.
func compareValues(value any, operand string) (int, bool) {
	if value == nil {
		return 0, false
	}
	if vf, vok := toFloat(value); vok {
		if of, oerr := strconv.ParseFloat(operand, 64); oerr == nil {
			switch {
			case vf < of:
				return -1, true
			case vf > of:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	vs := strings.ToLower(stringify(value))
	os := strings.ToLower(operand)
	return strings.Compare(vs, os), true
}

func literalMatches(value any, literal string) bool {
	cmp, ok := compareValues(value, literal)
	return ok && cmp == 0
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func decodeProperties(a *schema.Activity, dst any) error {
	if len(a.Properties) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "activity %q (%s) has no properties", a.ID, a.Type)
	}
	if err := json.Unmarshal(a.Properties, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "activity %q has malformed properties: %v", a.ID, err).WithActivity(a.ID)
	}
	return nil
}

package expressions

import "context"

// Engine evaluates condition and transform expressions against workflow
// instance variables. Three implementations: Expr (default conditions),
// CEL (opt-in per definition), GoJQ (output transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}

// ToBool coerces an evaluation result to a boolean routing decision.
// Absent values (nil) coerce to false rather than failing, matching the
// flow-control contract for unresolved identifiers.
func ToBool(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

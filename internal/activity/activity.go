package activity

import (
	"context"

	"github.com/calev/orchid/pkg/schema"
)

// ExecutionContext is everything an activity sees for one step: the
// definition node being executed and the instance state at that moment.
// Input carries the caller-supplied data on resume and is nil on execute.
type ExecutionContext struct {
	Definition *schema.WorkflowDefinition
	Activity   *schema.Activity
	Variables  map[string]any
	Overrides  map[string]any
	Input      map[string]any
	ResumedBy  string
}

// Activity is the capability interface every activity type implements.
// Execute runs the activity from scratch; Resume continues a previously
// suspended one with external input; Validate checks the definition node's
// type-specific configuration at load time.
//
// Execute and Resume report business failures through the result status,
// not the error return. An error return is reserved for infrastructure
// problems the engine's fault handler should classify.
type Activity interface {
	Type() schema.ActivityType
	Execute(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error)
	Resume(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error)
	Validate(node *schema.Activity) error
}

package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calev/orchid/pkg/schema"
)

// StartActivity marks the entry point of a workflow. It completes
// immediately; variables supplied at start time are already merged by the
// engine before the first step runs.
type StartActivity struct{}

func (*StartActivity) Type() schema.ActivityType { return schema.ActivityStart }

func (*StartActivity) Execute(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error) {
	return schema.CompletedResult(nil), nil
}

func (*StartActivity) Resume(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error) {
	return nil, errNotSuspendable(schema.ActivityStart)
}

func (*StartActivity) Validate(node *schema.Activity) error { return nil }

// EndActivity terminates a workflow path.
type EndActivity struct{}

func (*EndActivity) Type() schema.ActivityType { return schema.ActivityEnd }

func (*EndActivity) Execute(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error) {
	return schema.CompletedResult(nil), nil
}

func (*EndActivity) Resume(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error) {
	return nil, errNotSuspendable(schema.ActivityEnd)
}

func (*EndActivity) Validate(node *schema.Activity) error { return nil }

// TaskActivity is the suspendable work unit. Unless configured to
// auto-complete it returns a pending result describing the bookmark to wait
// on; resuming completes it with the caller's input as output data.
type TaskActivity struct{}

func (*TaskActivity) Type() schema.ActivityType { return schema.ActivityTask }

func (*TaskActivity) Execute(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error) {
	props, err := taskProps(ec.Activity)
	if err != nil {
		return nil, err
	}
	if props.AutoComplete {
		return schema.CompletedResult(nil), nil
	}

	bt := schema.BookmarkType(props.BookmarkType)
	if bt == "" {
		bt = schema.BookmarkHumanTask
	}

	result := schema.PendingResult(bt, ec.Activity.ID, fmt.Sprintf("waiting for task %q", ec.Activity.ID))
	result.Assignee = props.Assignee
	if bt == schema.BookmarkTimer {
		d, err := time.ParseDuration(props.DueIn)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "task %q has invalid due_in %q: %v", ec.Activity.ID, props.DueIn, err)
		}
		result.DueIn = d
	}
	return result, nil
}

func (*TaskActivity) Resume(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error) {
	return schema.CompletedResult(ec.Input), nil
}

func (*TaskActivity) Validate(node *schema.Activity) error {
	props, err := taskProps(node)
	if err != nil {
		return err
	}
	switch bt := schema.BookmarkType(props.BookmarkType); bt {
	case "", schema.BookmarkHumanTask, schema.BookmarkExternalEvent, schema.BookmarkSignal:
	case schema.BookmarkTimer:
		if _, err := time.ParseDuration(props.DueIn); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "task %q: timer bookmark needs a valid due_in duration", node.ID)
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "task %q has unknown bookmark type %q", node.ID, bt)
	}
	return nil
}

// IfElseActivity is a pure routing node. The branch decision is made by flow
// control from the configured condition; executing the node itself is a
// no-op.
type IfElseActivity struct{}

func (*IfElseActivity) Type() schema.ActivityType { return schema.ActivityIfElse }

func (*IfElseActivity) Execute(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error) {
	return schema.CompletedResult(nil), nil
}

func (*IfElseActivity) Resume(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error) {
	return nil, errNotSuspendable(schema.ActivityIfElse)
}

func (*IfElseActivity) Validate(node *schema.Activity) error {
	var props schema.IfElseProperties
	if err := decodeInto(node, &props); err != nil {
		return err
	}
	if props.Condition == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "if_else %q has no condition", node.ID)
	}
	return nil
}

// SwitchActivity is a pure routing node, see IfElseActivity.
type SwitchActivity struct{}

func (*SwitchActivity) Type() schema.ActivityType { return schema.ActivitySwitch }

func (*SwitchActivity) Execute(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error) {
	return schema.CompletedResult(nil), nil
}

func (*SwitchActivity) Resume(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error) {
	return nil, errNotSuspendable(schema.ActivitySwitch)
}

func (*SwitchActivity) Validate(node *schema.Activity) error {
	var props schema.SwitchProperties
	if err := decodeInto(node, &props); err != nil {
		return err
	}
	if props.Expression == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "switch %q has no expression", node.ID)
	}
	if len(props.Cases) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "switch %q has no cases", node.ID)
	}
	return nil
}

// ForkActivity fans a workflow out into branches. Branch activation is
// computed by flow control; the node itself completes immediately.
type ForkActivity struct{}

func (*ForkActivity) Type() schema.ActivityType { return schema.ActivityFork }

func (*ForkActivity) Execute(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error) {
	return schema.CompletedResult(nil), nil
}

func (*ForkActivity) Resume(ctx context.Context, ec *ExecutionContext) (*schema.ActivityResult, error) {
	return nil, errNotSuspendable(schema.ActivityFork)
}

func (*ForkActivity) Validate(node *schema.Activity) error {
	var props schema.ForkProperties
	if err := decodeInto(node, &props); err != nil {
		return err
	}
	if len(props.Branches) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "fork %q has no branches", node.ID)
	}
	for i, b := range props.Branches {
		if b.ID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "fork %q branch %d has no target activity id", node.ID, i)
		}
	}
	if props.MaxConcurrency < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "fork %q has negative max_concurrency", node.ID)
	}
	return nil
}

func errNotSuspendable(typ schema.ActivityType) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "activity type %q does not suspend and cannot be resumed", typ)
}

func taskProps(node *schema.Activity) (*schema.TaskProperties, error) {
	var props schema.TaskProperties
	if len(node.Properties) == 0 {
		return &props, nil
	}
	if err := decodeInto(node, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

func decodeInto(node *schema.Activity, dst any) error {
	if len(node.Properties) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "activity %q (%s) has no properties", node.ID, node.Type)
	}
	if err := json.Unmarshal(node.Properties, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "activity %q has malformed properties: %v", node.ID, err)
	}
	return nil
}

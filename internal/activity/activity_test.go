package activity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calev/orchid/pkg/schema"
)

func node(id string, typ schema.ActivityType, props any) *schema.Activity {
	n := &schema.Activity{ID: id, Type: typ}
	if props != nil {
		raw, _ := json.Marshal(props)
		n.Properties = raw
	}
	return n
}

func execCtx(n *schema.Activity) *ExecutionContext {
	return &ExecutionContext{
		Definition: &schema.WorkflowDefinition{ID: "def"},
		Activity:   n,
		Variables:  map[string]any{},
	}
}

// --- registry ---

func TestRegistry_BuiltinsRegistered(t *testing.T) {
	r := NewBuiltinRegistry()
	for _, typ := range []schema.ActivityType{
		schema.ActivityStart, schema.ActivityEnd, schema.ActivityTask,
		schema.ActivityIfElse, schema.ActivitySwitch, schema.ActivityFork,
	} {
		assert.True(t, r.Has(typ), "missing builtin %q", typ)
	}
	assert.Len(t, r.Types(), 6)
}

func TestRegistry_UnknownTypeFailsLookup(t *testing.T) {
	r := NewBuiltinRegistry()
	_, err := r.Get("teleport")
	require.Error(t, err)
	var oerr *schema.OrchidError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, schema.ErrCodeUnknownActivity, oerr.Code)
}

func TestRegistry_DuplicateRegistrationFails(t *testing.T) {
	r := NewBuiltinRegistry()
	err := r.Register(&TaskActivity{})
	require.Error(t, err)
	var oerr *schema.OrchidError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, schema.ErrCodeConflict, oerr.Code)
}

func TestRegistry_ValidateDefinitionReportsBadNodes(t *testing.T) {
	r := NewBuiltinRegistry()
	def := &schema.WorkflowDefinition{
		ID: "bad",
		Activities: []schema.Activity{
			{ID: "start", Type: schema.ActivityStart, IsStart: true},
			*node("gate", schema.ActivityIfElse, schema.IfElseProperties{}),
			{ID: "weird", Type: "teleport"},
		},
	}

	result := r.ValidateDefinition(def)
	assert.False(t, result.Valid())
	assert.Len(t, result.Errors, 2)
}

// --- start / end ---

func TestStartAndEndCompleteImmediately(t *testing.T) {
	for _, a := range []Activity{&StartActivity{}, &EndActivity{}} {
		n := &schema.Activity{ID: "n", Type: a.Type()}
		res, err := a.Execute(context.Background(), execCtx(n))
		require.NoError(t, err)
		assert.Equal(t, schema.ResultCompleted, res.Status)

		_, err = a.Resume(context.Background(), execCtx(n))
		require.Error(t, err, "%s must not resume", a.Type())
	}
}

// --- task ---

func TestTask_ExecuteSuspendsWithBookmark(t *testing.T) {
	n := node("approve", schema.ActivityTask, schema.TaskProperties{Assignee: "ops"})
	res, err := (&TaskActivity{}).Execute(context.Background(), execCtx(n))
	require.NoError(t, err)

	assert.Equal(t, schema.ResultPending, res.Status)
	assert.Equal(t, schema.BookmarkHumanTask, res.BookmarkType)
	assert.Equal(t, "approve", res.BookmarkKey)
	assert.Equal(t, "ops", res.Assignee)
	assert.NotEmpty(t, res.SuspensionReason)
}

func TestTask_AutoCompleteSkipsSuspension(t *testing.T) {
	n := node("log", schema.ActivityTask, schema.TaskProperties{AutoComplete: true})
	res, err := (&TaskActivity{}).Execute(context.Background(), execCtx(n))
	require.NoError(t, err)
	assert.Equal(t, schema.ResultCompleted, res.Status)
}

func TestTask_TimerCarriesDueIn(t *testing.T) {
	n := node("wait", schema.ActivityTask, schema.TaskProperties{
		BookmarkType: string(schema.BookmarkTimer),
		DueIn:        "15m",
	})
	res, err := (&TaskActivity{}).Execute(context.Background(), execCtx(n))
	require.NoError(t, err)
	assert.Equal(t, schema.ResultPending, res.Status)
	assert.Equal(t, schema.BookmarkTimer, res.BookmarkType)
	assert.Equal(t, 15*time.Minute, res.DueIn)
}

func TestTask_ResumeEchoesInput(t *testing.T) {
	n := node("approve", schema.ActivityTask, nil)
	ec := execCtx(n)
	ec.Input = map[string]any{"approved": true}

	res, err := (&TaskActivity{}).Resume(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, schema.ResultCompleted, res.Status)
	assert.Equal(t, map[string]any{"approved": true}, res.Output)
}

func TestTask_ValidateRejectsBadTimer(t *testing.T) {
	n := node("wait", schema.ActivityTask, schema.TaskProperties{
		BookmarkType: string(schema.BookmarkTimer),
		DueIn:        "soon",
	})
	err := (&TaskActivity{}).Validate(n)
	require.Error(t, err)
}

func TestTask_ValidateRejectsUnknownBookmarkType(t *testing.T) {
	n := node("wait", schema.ActivityTask, schema.TaskProperties{BookmarkType: "carrier_pigeon"})
	err := (&TaskActivity{}).Validate(n)
	require.Error(t, err)
}

// --- routing nodes ---

func TestIfElse_ValidateRequiresCondition(t *testing.T) {
	require.Error(t, (&IfElseActivity{}).Validate(node("gate", schema.ActivityIfElse, schema.IfElseProperties{})))
	require.NoError(t, (&IfElseActivity{}).Validate(node("gate", schema.ActivityIfElse, schema.IfElseProperties{Condition: "x > 1"})))
}

func TestSwitch_ValidateRequiresExpressionAndCases(t *testing.T) {
	sw := &SwitchActivity{}
	require.Error(t, sw.Validate(node("s", schema.ActivitySwitch, schema.SwitchProperties{Cases: []string{"a"}})))
	require.Error(t, sw.Validate(node("s", schema.ActivitySwitch, schema.SwitchProperties{Expression: "x"})))
	require.NoError(t, sw.Validate(node("s", schema.ActivitySwitch, schema.SwitchProperties{Expression: "x", Cases: []string{"a"}})))
}

func TestFork_ValidateRequiresBranchIDs(t *testing.T) {
	f := &ForkActivity{}
	require.Error(t, f.Validate(node("f", schema.ActivityFork, schema.ForkProperties{})))
	require.Error(t, f.Validate(node("f", schema.ActivityFork, schema.ForkProperties{
		Branches: []schema.ForkBranch{{Condition: "true"}},
	})))
	require.NoError(t, f.Validate(node("f", schema.ActivityFork, schema.ForkProperties{
		Branches: []schema.ForkBranch{{ID: "b1"}},
	})))
}

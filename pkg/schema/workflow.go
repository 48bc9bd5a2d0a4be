package schema

import "encoding/json"

// WorkflowDefinition is the declarative workflow schema: an ordered set of
// activities connected by transitions. Definitions are immutable once stored
// and versioned by (Name, Version).
type WorkflowDefinition struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Version            int            `json:"version"`
	Description        string         `json:"description,omitempty"`
	ExpressionLanguage string         `json:"expression_language,omitempty"` // expr | cel (default: expr)
	Activities         []Activity     `json:"activities"`
	Transitions        []Transition   `json:"transitions"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Activity describes a single node in a workflow definition.
type Activity struct {
	ID         string          `json:"id"`
	Type       ActivityType    `json:"type"`
	Name       string          `json:"name,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"` // type-specific config
	IsStart    bool            `json:"is_start,omitempty"`
	IsEnd      bool            `json:"is_end,omitempty"`
}

// Transition is a directed edge between two activities, optionally guarded.
// Condition is either a boolean expression evaluated against instance
// variables, or a literal branch label matched against the routing decision
// of the source activity (if-else and switch).
type Transition struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// ActivityType enumerates the built-in activity kinds.
type ActivityType string

const (
	ActivityStart  ActivityType = "start"
	ActivityEnd    ActivityType = "end"
	ActivityTask   ActivityType = "task"
	ActivityIfElse ActivityType = "if_else"
	ActivitySwitch ActivityType = "switch"
	ActivityFork   ActivityType = "fork"
)

// IfElseProperties is the config block for if_else activities.
type IfElseProperties struct {
	Condition string `json:"condition"`
}

// SwitchProperties is the config block for switch activities.
// Cases are ordered; each is a literal value or a relational comparison
// ("< 100", ">= 1000"). The first matching case wins; when none match the
// routing decision is the literal case "default".
type SwitchProperties struct {
	Expression string   `json:"expression"`
	Cases      []string `json:"cases"`
}

// ForkProperties is the config block for fork activities. Every branch whose
// condition is empty or evaluates true becomes active. MaxConcurrency is
// recorded for a downstream join to honor; branches are queued, not run in
// parallel.
type ForkProperties struct {
	Branches       []ForkBranch `json:"branches"`
	MaxConcurrency int          `json:"max_concurrency,omitempty"`
}

// ForkBranch is one candidate branch of a fork.
type ForkBranch struct {
	ID        string `json:"id"` // target activity ID
	Condition string `json:"condition,omitempty"`
}

// TaskProperties is the config block for task (human/system) activities.
type TaskProperties struct {
	Assignee     string `json:"assignee,omitempty"`
	BookmarkType string `json:"bookmark_type,omitempty"` // human_task | external_event | signal | timer
	DueIn        string `json:"due_in,omitempty"`        // timer bookmarks: duration until due
	AutoComplete bool   `json:"auto_complete,omitempty"` // complete without suspending
	OutputMap    string `json:"output_map,omitempty"`    // jq program applied to output before merge
}

// StartActivity returns the definition's start activity, or nil.
func (d *WorkflowDefinition) StartActivity() *Activity {
	for i := range d.Activities {
		if d.Activities[i].IsStart {
			return &d.Activities[i]
		}
	}
	return nil
}

// ActivityByID returns the activity with the given ID, or nil.
func (d *WorkflowDefinition) ActivityByID(id string) *Activity {
	for i := range d.Activities {
		if d.Activities[i].ID == id {
			return &d.Activities[i]
		}
	}
	return nil
}

// TransitionsFrom returns the transitions leaving the given activity in
// declared order.
func (d *WorkflowDefinition) TransitionsFrom(activityID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.From == activityID {
			out = append(out, t)
		}
	}
	return out
}

package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/calev/orchid/internal/store"
	"github.com/calev/orchid/pkg/schema"
)

// Build constructs a Model from a WorkflowDefinition and optional activity
// executions. Executions overlay runtime status on the matching nodes; when
// an activity ran more than once the most recent row wins.
func Build(def *schema.WorkflowDefinition, execs []*store.ActivityExecution) (*Model, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: definition is nil")
	}
	if len(def.Activities) == 0 {
		return nil, fmt.Errorf("diagram: definition %q has no activities", def.ID)
	}

	statusMap := latestExecutions(execs)

	nodes := make([]*Node, 0, len(def.Activities))
	known := make(map[string]bool, len(def.Activities))
	for i := range def.Activities {
		act := &def.Activities[i]
		node := &Node{
			ID:    act.ID,
			Label: nodeLabel(act),
			Kind:  activityKind(act),
		}
		if ex, ok := statusMap[act.ID]; ok {
			node.Status = &StatusOverlay{
				Status:     string(ex.Status),
				AssignedTo: ex.AssignedTo,
				Error:      ex.ErrorMessage,
			}
		}
		nodes = append(nodes, node)
		known[act.ID] = true
	}

	edges := buildEdges(def, known)
	levels := buildLevels(def, edges)

	title := def.Name
	if title == "" {
		title = def.ID
	}
	return &Model{Title: title, Nodes: nodes, Edges: edges, Levels: levels}, nil
}

func activityKind(act *schema.Activity) NodeKind {
	switch act.Type {
	case schema.ActivityStart:
		return NodeKindStart
	case schema.ActivityEnd:
		return NodeKindEnd
	case schema.ActivityIfElse:
		return NodeKindIfElse
	case schema.ActivitySwitch:
		return NodeKindSwitch
	case schema.ActivityFork:
		return NodeKindFork
	default:
		return NodeKindTask
	}
}

func nodeLabel(act *schema.Activity) string {
	if act.Name != "" {
		return act.Name
	}
	return act.ID
}

// latestExecutions indexes executions by activity, keeping the most recently
// started row per activity.
func latestExecutions(execs []*store.ActivityExecution) map[string]*store.ActivityExecution {
	out := make(map[string]*store.ActivityExecution, len(execs))
	for _, ex := range execs {
		prev, ok := out[ex.ActivityID]
		if !ok || ex.StartedAt.After(prev.StartedAt) {
			out[ex.ActivityID] = ex
		}
	}
	return out
}

// buildEdges collects transition edges plus fork branch edges. Fork branches
// are edges in the executed graph even though they are declared in the fork's
// properties rather than the transition list.
func buildEdges(def *schema.WorkflowDefinition, known map[string]bool) []Edge {
	var edges []Edge
	for _, t := range def.Transitions {
		edges = append(edges, Edge{From: t.From, To: t.To, Label: t.Condition})
	}
	for i := range def.Activities {
		act := &def.Activities[i]
		if act.Type != schema.ActivityFork || len(act.Properties) == 0 {
			continue
		}
		var props schema.ForkProperties
		if json.Unmarshal(act.Properties, &props) != nil {
			continue
		}
		for _, b := range props.Branches {
			if known[b.ID] {
				edges = append(edges, Edge{From: act.ID, To: b.ID, Label: b.Condition})
			}
		}
	}
	return edges
}

// buildLevels arranges node IDs by BFS distance from the start activity.
// Activities unreachable from the start are appended as a final level so
// every node appears in the layout.
func buildLevels(def *schema.WorkflowDefinition, edges []Edge) [][]string {
	adjacent := make(map[string][]string)
	for _, e := range edges {
		adjacent[e.From] = append(adjacent[e.From], e.To)
	}

	var levels [][]string
	visited := make(map[string]bool, len(def.Activities))

	start := def.StartActivity()
	if start != nil {
		frontier := []string{start.ID}
		visited[start.ID] = true
		for len(frontier) > 0 {
			levels = append(levels, frontier)
			var next []string
			for _, id := range frontier {
				for _, to := range adjacent[id] {
					if !visited[to] {
						visited[to] = true
						next = append(next, to)
					}
				}
			}
			frontier = next
		}
	}

	var orphans []string
	for i := range def.Activities {
		if id := def.Activities[i].ID; !visited[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return levels
}

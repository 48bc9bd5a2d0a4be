package diagram

// NodeKind classifies a diagram node by its activity type.
type NodeKind string

const (
	NodeKindStart  NodeKind = "start"
	NodeKindEnd    NodeKind = "end"
	NodeKindTask   NodeKind = "task"
	NodeKindIfElse NodeKind = "if_else"
	NodeKindSwitch NodeKind = "switch"
	NodeKindFork   NodeKind = "fork"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
	// Levels groups node IDs by distance from the start activity, for the
	// row-based ASCII layout. Unreachable nodes form a trailing level.
	Levels [][]string
}

// Node represents a single activity in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime execution state for a node.
type StatusOverlay struct {
	Status     string // from schema.ExecutionStatus
	AssignedTo string
	Error      string
}

// Edge is a directed transition between two activities. Label carries the
// guard condition or branch label, if any.
type Edge struct {
	From  string
	To    string
	Label string
}

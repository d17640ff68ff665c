// Package diagram renders workflow definitions as Mermaid flowcharts, plain
// ASCII, or PNG images, optionally overlaying runtime state from step
// records.
package diagram

// NodeKind classifies a node by its step kind plus the two virtual
// start/end markers.
type NodeKind string

const (
	KindAction      NodeKind = "action"
	KindTransform   NodeKind = "transform"
	KindConditional NodeKind = "conditional"
	KindSwitch      NodeKind = "switch"
	KindLoop        NodeKind = "loop"
	KindScatter     NodeKind = "scatter_gather"
	KindSubWorkflow NodeKind = "sub_workflow"
	KindDelay       NodeKind = "delay"
	KindApproval    NodeKind = "human_approval"
	KindStart       NodeKind = "start"
	KindEnd         NodeKind = "end"
)

// Model is the renderer-independent form of a workflow diagram.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is a single diagram node. Composite steps carry their bodies as
// SubGraph children.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *Overlay
	Children []*SubGraph
}

// SubGraph holds the nested steps of one body of a composite step
// (a conditional branch, a switch case, a loop body, a scatter template).
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// Overlay carries runtime state for a node when the diagram is drawn for a
// specific execution.
type Overlay struct {
	Status     string
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge is a directed dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

package diagram

// NodeKind classifies a diagram node by its step type.
type NodeKind string

const (
	NodeKindTask         NodeKind = "task"
	NodeKindConditional  NodeKind = "conditional"
	NodeKindApproval     NodeKind = "approval"
	NodeKindNotification NodeKind = "notification"
	NodeKindStart        NodeKind = "start"
	NodeKindEnd          NodeKind = "end"
)

// Virtual node IDs.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Attempts   int
	Branch     string
	Error      string
}

// Edge represents a dependency between two nodes. Branch edges of a
// conditional step carry the branch key as label.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

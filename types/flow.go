package types

// NodeType is the kind of a flow node.
type NodeType string

const (
	NodeStart      NodeType = "start"
	NodeEnd        NodeType = "end"
	NodeDecision   NodeType = "decision"
	NodeAssignment NodeType = "assignment"
	NodeApproval   NodeType = "approval"
	NodeAction     NodeType = "action"
	NodeLoop       NodeType = "loop"
)

// Flow is the node/edge graph representation of a workflow.
type Flow struct {
	Name    string     `json:"name"`
	Label   string     `json:"label,omitempty"`
	Version string     `json:"version,omitempty"`
	Nodes   []FlowNode `json:"nodes"`
	Edges   []FlowEdge `json:"edges"`
}

// FlowNode is a vertex of a Flow.
type FlowNode struct {
	ID     string                 `json:"id"`
	Label  string                 `json:"label"`
	Type   NodeType               `json:"type"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// FlowEdge connects two nodes. Condition holds guard names joined with "&&".
type FlowEdge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition,omitempty"`
}

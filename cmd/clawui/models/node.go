package models

// NodeStatus represents the execution status of a macro node
type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeQueued  NodeStatus = "queued"
	NodeRunning NodeStatus = "running"
	NodeDone    NodeStatus = "done"
	NodeFailed  NodeStatus = "failed"
	NodeBlocked NodeStatus = "blocked"
	NodeSkipped NodeStatus = "skipped"
)

// ValidNodeStatus reports whether s is a known node status
func ValidNodeStatus(s string) bool {
	switch NodeStatus(s) {
	case NodePending, NodeQueued, NodeRunning, NodeDone, NodeFailed, NodeBlocked, NodeSkipped:
		return true
	}
	return false
}

// MacroNode is a single step in a blueprint's graph, one agent invocation
// per successful run.
// Maps to: macro_nodes table
type MacroNode struct {
	ID          string  `json:"id"`
	BlueprintID string  `json:"blueprintId"`
	// Order is the display ordinal, not execution order
	Order       int     `json:"order"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Prompt      *string `json:"prompt,omitempty"`
	// Dependencies is an ordered list of node ids within the same blueprint.
	// References by id, never ownership; dangling ids are filtered when
	// resolving.
	Dependencies     []string   `json:"dependencies"`
	Status           NodeStatus `json:"status"`
	Error            *string    `json:"error,omitempty"`
	EstimatedMinutes *int       `json:"estimatedMinutes,omitempty"`
	ActualMinutes    *int       `json:"actualMinutes,omitempty"`
	ParallelGroup    *string    `json:"parallelGroup,omitempty"`
	AgentType        string     `json:"agentType"`
	CreatedAt        string     `json:"createdAt"`
	UpdatedAt        string     `json:"updatedAt"`

	// Hydrated on blueprint get-by-id
	Artifacts  []*Artifact      `json:"artifacts,omitempty"`
	Executions []*NodeExecution `json:"executions,omitempty"`
}

// Satisfied reports whether this status counts as a satisfied dependency
func (s NodeStatus) Satisfied() bool {
	return s == NodeDone || s == NodeSkipped
}

// TerminalFailure reports whether this status blocks dependents from ever
// being enqueued
func (s NodeStatus) TerminalFailure() bool {
	return s == NodeFailed || s == NodeBlocked
}

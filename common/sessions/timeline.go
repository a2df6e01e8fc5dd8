package sessions

// NodeType classifies one record in a normalized session timeline
type NodeType string

const (
	NodeUser       NodeType = "user"
	NodeAssistant  NodeType = "assistant"
	NodeToolUse    NodeType = "tool_use"
	NodeToolResult NodeType = "tool_result"
	NodeError      NodeType = "error"
	NodeSystem     NodeType = "system"
)

// TimelineNode is one normalized record from an agent session log
type TimelineNode struct {
	ID         string   `json:"id"`
	Type       NodeType `json:"type"`
	Timestamp  string   `json:"timestamp"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	ToolName   string   `json:"toolName,omitempty"`
	ToolInput  string   `json:"toolInput,omitempty"`
	ToolResult string   `json:"toolResult,omitempty"`
	ToolUseID  string   `json:"toolUseId,omitempty"`
}

// Timeline is the ordered view of one agent session
type Timeline struct {
	SessionID string         `json:"sessionId"`
	Nodes     []TimelineNode `json:"nodes"`
}

package models

// RelatedSessionType classifies secondary agent sessions attached to a node
type RelatedSessionType string

const (
	RelatedEnrich        RelatedSessionType = "enrich"
	RelatedReevaluate    RelatedSessionType = "reevaluate"
	RelatedReevaluateAll RelatedSessionType = "reevaluate_all"
	RelatedSmartDeps     RelatedSessionType = "smart_deps"
	RelatedSplit         RelatedSessionType = "split"
	RelatedEvaluate      RelatedSessionType = "evaluate"
)

// RelatedSession records an auxiliary agent session (enrichment, split,
// evaluation...) attached to a node for audit.
// Maps to: related_sessions table
type RelatedSession struct {
	ID          string             `json:"id"`
	NodeID      string             `json:"nodeId"`
	BlueprintID string             `json:"blueprintId"`
	SessionID   string             `json:"sessionId"`
	Type        RelatedSessionType `json:"type"`
	StartedAt   string             `json:"startedAt"`
	CompletedAt *string            `json:"completedAt,omitempty"`
}

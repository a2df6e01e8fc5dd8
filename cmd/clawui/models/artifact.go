package models

// ArtifactType classifies a textual hand-off record
type ArtifactType string

const (
	ArtifactHandoffSummary ArtifactType = "handoff_summary"
	ArtifactCustom         ArtifactType = "custom"
)

// Artifact is a small textual hand-off between nodes. It is input to node N
// when targetNodeId = N, output of node N when sourceNodeId = N. A null
// target marks a blueprint-level audit record.
// Maps to: artifacts table
type Artifact struct {
	ID           string       `json:"id"`
	BlueprintID  string       `json:"blueprintId"`
	SourceNodeID string       `json:"sourceNodeId"`
	TargetNodeID *string      `json:"targetNodeId,omitempty"`
	Type         ArtifactType `json:"type"`
	Content      string       `json:"content"`
	CreatedAt    string       `json:"createdAt"`
}

// ArtifactDirection selects which side of a node to list artifacts for
type ArtifactDirection string

const (
	// ArtifactIn lists artifacts targeted at the node
	ArtifactIn ArtifactDirection = "in"
	// ArtifactOut lists artifacts produced by the node
	ArtifactOut ArtifactDirection = "out"
)

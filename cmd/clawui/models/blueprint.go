package models

import "time"

// BlueprintStatus represents the lifecycle status of a blueprint
type BlueprintStatus string

const (
	BlueprintDraft    BlueprintStatus = "draft"
	BlueprintApproved BlueprintStatus = "approved"
	BlueprintRunning  BlueprintStatus = "running"
	BlueprintDone     BlueprintStatus = "done"
	BlueprintFailed   BlueprintStatus = "failed"
	BlueprintPaused   BlueprintStatus = "paused"
)

// ValidBlueprintStatus reports whether s is a known blueprint status
func ValidBlueprintStatus(s string) bool {
	switch BlueprintStatus(s) {
	case BlueprintDraft, BlueprintApproved, BlueprintRunning, BlueprintDone, BlueprintFailed, BlueprintPaused:
		return true
	}
	return false
}

// Blueprint is a single development goal owning a DAG of macro nodes.
// Maps to: blueprints table
type Blueprint struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description *string         `json:"description,omitempty"`
	ProjectCwd  *string         `json:"projectCwd,omitempty"`
	Status      BlueprintStatus `json:"status"`
	Starred     bool            `json:"starred"`
	ArchivedAt  *string         `json:"archivedAt,omitempty"`
	CreatedAt   string          `json:"createdAt"`
	UpdatedAt   string          `json:"updatedAt"`

	// Nodes is hydrated on get-by-id, in display order
	Nodes []*MacroNode `json:"nodes,omitempty"`
}

// NowISO returns the current time as an ISO-8601 UTC string, the timestamp
// format used everywhere in the store.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ParseISO parses a store timestamp
func ParseISO(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

package models

// ExecutionType distinguishes first attempts, retries, and session resumes
type ExecutionType string

const (
	ExecutionPrimary      ExecutionType = "primary"
	ExecutionRetry        ExecutionType = "retry"
	ExecutionContinuation ExecutionType = "continuation"
)

// ExecutionStatus represents the status of one execution attempt
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionDone      ExecutionStatus = "done"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ReportedStatus is the authoritative terminal status the agent declared via
// callback. If present it wins over any inferred outcome.
type ReportedStatus string

const (
	ReportedDone    ReportedStatus = "done"
	ReportedFailed  ReportedStatus = "failed"
	ReportedBlocked ReportedStatus = "blocked"
)

// ValidReportedStatus reports whether s is a known reported status
func ValidReportedStatus(s string) bool {
	switch ReportedStatus(s) {
	case ReportedDone, ReportedFailed, ReportedBlocked:
		return true
	}
	return false
}

// RestartSentinel marks executions force-failed by stale-execution recovery.
// Recovery queries match on this string; do not change it casually.
const RestartSentinel = "Execution interrupted by service restart"

// RestartRecoveryMarker prefixes the output summary of executions that were
// found silently completed after a restart.
const RestartRecoveryMarker = "Recovered after service restart"

// NodeExecution is one attempt to run a node.
// Maps to: node_executions table
type NodeExecution struct {
	ID                string          `json:"id"`
	NodeID            string          `json:"nodeId"`
	BlueprintID       string          `json:"blueprintId"`
	SessionID         *string         `json:"sessionId,omitempty"`
	Type              ExecutionType   `json:"type"`
	Status            ExecutionStatus `json:"status"`
	InputContext      *string         `json:"inputContext,omitempty"`
	OutputSummary     *string         `json:"outputSummary,omitempty"`
	ContextTokensUsed *int            `json:"contextTokensUsed,omitempty"`
	ParentExecutionID *string         `json:"parentExecutionId,omitempty"`
	CLIPid            *int            `json:"cliPid,omitempty"`
	StartedAt         string          `json:"startedAt"`
	CompletedAt       *string         `json:"completedAt,omitempty"`

	// Callback-populated fields
	BlockerInfo    *string `json:"blockerInfo,omitempty"`
	TaskSummary    *string `json:"taskSummary,omitempty"`
	ReportedStatus *string `json:"reportedStatus,omitempty"`
	ReportedReason *string `json:"reportedReason,omitempty"`

	// Health fields, populated from the session log
	FailureReason   *string `json:"failureReason,omitempty"`
	CompactCount    *int    `json:"compactCount,omitempty"`
	PeakTokens      *int    `json:"peakTokens,omitempty"`
	ContextPressure *string `json:"contextPressure,omitempty"`
}

// BlockerReport is the payload of a report-blocker callback
type BlockerReport struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// ValidBlockerType reports whether t is a known blocker type
func ValidBlockerType(t string) bool {
	switch t {
	case "missing_dependency", "unclear_requirement", "access_issue", "technical_limitation":
		return true
	}
	return false
}

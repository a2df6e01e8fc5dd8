package sessions

import "regexp"

// ContextPressure grades how close a session came to its context window
type ContextPressure string

const (
	PressureNone     ContextPressure = "none"
	PressureModerate ContextPressure = "moderate"
	PressureHigh     ContextPressure = "high"
	PressureCritical ContextPressure = "critical"
)

// FailureReason classifies why an execution failed
type FailureReason string

const (
	FailureContextExhausted FailureReason = "context_exhausted"
	FailureOutputTokenLimit FailureReason = "output_token_limit"
	FailureTimeout          FailureReason = "timeout"
	FailureHung             FailureReason = "hung"
	FailureError            FailureReason = "error"
)

// HealthReport summarizes a session's health, derived solely from its log
type HealthReport struct {
	CompactCount              int             `json:"compactCount"`
	PeakTokens                int             `json:"peakTokens"`
	LastAPIError              string          `json:"lastApiError,omitempty"`
	MessageCount              int             `json:"messageCount"`
	EndedAfterCompaction      bool            `json:"endedAfterCompaction"`
	ResponsesAfterLastCompact int             `json:"responsesAfterLastCompact"`
	ContextPressure           ContextPressure `json:"contextPressure"`
	FailureReason             FailureReason   `json:"failureReason,omitempty"`
}

var (
	outputLimitPattern = regexp.MustCompile(`(?i)exceeded.{0,40}output token maximum`)
	contextPattern     = regexp.MustCompile(`(?i)(context window|context[ _]limit|input token|max[_ ]?tokens|prompt is too long)`)
	overloadedPattern  = regexp.MustCompile(`(?i)overloaded`)
)

// computePressure applies the fixed pressure thresholds
func computePressure(compactCount, peakTokens int, endedAfterCompaction bool) ContextPressure {
	switch {
	case compactCount >= 3 || (compactCount >= 2 && endedAfterCompaction):
		return PressureCritical
	case compactCount >= 2 || (compactCount >= 1 && peakTokens > 150_000):
		return PressureHigh
	case compactCount >= 1 || peakTokens > 120_000:
		return PressureModerate
	default:
		return PressureNone
	}
}

// inferFailureReason applies the fixed priority ordering over API error text
// and compaction heuristics. Returns "" when nothing conclusive was found.
func inferFailureReason(r *HealthReport) FailureReason {
	if r.LastAPIError != "" {
		switch {
		case outputLimitPattern.MatchString(r.LastAPIError):
			return FailureOutputTokenLimit
		case contextPattern.MatchString(r.LastAPIError):
			return FailureContextExhausted
		case overloadedPattern.MatchString(r.LastAPIError) && r.CompactCount >= 1:
			return FailureContextExhausted
		default:
			return FailureError
		}
	}

	switch {
	case r.EndedAfterCompaction && r.CompactCount >= 2:
		return FailureContextExhausted
	case r.CompactCount >= 3:
		return FailureContextExhausted
	case r.CompactCount >= 2 && r.PeakTokens > 150_000:
		return FailureContextExhausted
	}

	return ""
}

package service

import (
	"regexp"

	"github.com/ccchow/ClawUI-sub001/common/sessions"
)

var (
	classifyOutputLimit = regexp.MustCompile(`(?i)exceeded.{0,40}output token maximum`)
	classifyContext     = regexp.MustCompile(`(?i)(context window|context[ _]limit|input token|max[_ ]?tokens|prompt is too long)`)
	classifyTimeout     = regexp.MustCompile(`(?i)(killed|timeout|SIGTERM|ETIMEDOUT)`)
)

// classifyFailure maps a process failure to a failure reason and a short
// human-readable detail. health may be nil when no session was detected.
func classifyFailure(errMsg, output string, health *sessions.HealthReport) (sessions.FailureReason, string) {
	if classifyOutputLimit.MatchString(output) {
		return sessions.FailureOutputTokenLimit, "agent hit its output token maximum"
	}

	if classifyContext.MatchString(errMsg + " " + output) {
		return sessions.FailureContextExhausted, "agent exhausted its context window"
	}

	if health != nil {
		if health.FailureReason != "" {
			return health.FailureReason, "inferred from session log analysis"
		}
		if health.EndedAfterCompaction && health.CompactCount >= 1 {
			return sessions.FailureContextExhausted, "session ended immediately after compaction"
		}
		if health.CompactCount >= 2 && classifyTimeout.MatchString(errMsg) {
			return sessions.FailureContextExhausted, "repeated compactions before the process was killed"
		}
	}

	if classifyTimeout.MatchString(errMsg) {
		return sessions.FailureTimeout, "agent process timed out"
	}

	return sessions.FailureError, errMsg
}

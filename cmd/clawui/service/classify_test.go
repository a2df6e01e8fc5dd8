package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccchow/ClawUI-sub001/common/sessions"
)

func TestClassifyOutputLimitBeatsTimeout(t *testing.T) {
	// the output-limit marker in stdout wins even when the process was killed
	reason, detail := classifyFailure(
		"signal: killed",
		"Claude's response exceeded the 32000 output token maximum.",
		nil,
	)
	require.Equal(t, sessions.FailureOutputTokenLimit, reason)
	require.Contains(t, detail, "output token")
}

func TestClassifyContextMarkers(t *testing.T) {
	for _, msg := range []string{
		"prompt is too long: 213000 tokens",
		"input token count exceeds the limit",
		"context window is full",
	} {
		reason, _ := classifyFailure(msg, "", nil)
		require.Equal(t, sessions.FailureContextExhausted, reason, msg)
	}

	// markers in stdout count as well
	reason, _ := classifyFailure("exit status 1", "error: context_limit reached", nil)
	require.Equal(t, sessions.FailureContextExhausted, reason)
}

func TestClassifyHealthReasonPassthrough(t *testing.T) {
	health := &sessions.HealthReport{FailureReason: sessions.FailureOutputTokenLimit}
	reason, detail := classifyFailure("exit status 1", "", health)
	require.Equal(t, sessions.FailureOutputTokenLimit, reason)
	require.Equal(t, "inferred from session log analysis", detail)
}

func TestClassifyEndedAfterCompaction(t *testing.T) {
	health := &sessions.HealthReport{EndedAfterCompaction: true, CompactCount: 1}
	reason, _ := classifyFailure("exit status 1", "", health)
	require.Equal(t, sessions.FailureContextExhausted, reason)

	// a compaction the session recovered from is not context exhaustion
	health = &sessions.HealthReport{EndedAfterCompaction: false, CompactCount: 1}
	reason, _ = classifyFailure("exit status 1", "", health)
	require.Equal(t, sessions.FailureError, reason)
}

func TestClassifyRepeatedCompactionsThenKilled(t *testing.T) {
	health := &sessions.HealthReport{CompactCount: 2}
	reason, _ := classifyFailure("signal: killed", "", health)
	require.Equal(t, sessions.FailureContextExhausted, reason)

	// one compaction is not enough evidence, the kill stays a timeout
	health = &sessions.HealthReport{CompactCount: 1}
	reason, _ = classifyFailure("signal: killed", "", health)
	require.Equal(t, sessions.FailureTimeout, reason)
}

func TestClassifyTimeout(t *testing.T) {
	for _, msg := range []string{"signal: killed", "timeout waiting for agent", "SIGTERM", "connect ETIMEDOUT"} {
		reason, _ := classifyFailure(msg, "", nil)
		require.Equal(t, sessions.FailureTimeout, reason, msg)
	}
}

func TestClassifyDefaultKeepsErrMsg(t *testing.T) {
	reason, detail := classifyFailure("exit status 3", "some unremarkable output", nil)
	require.Equal(t, sessions.FailureError, reason)
	require.Equal(t, "exit status 3", detail)
}

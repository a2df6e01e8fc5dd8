package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanOutputStripsANSI(t *testing.T) {
	raw := "\x1b[1;32mdone\x1b[0m building\x1b[K\n"
	require.Equal(t, "done building", CleanOutput(raw, "claude"))
}

func TestCleanOutputStripsOSC(t *testing.T) {
	raw := "\x1b]0;window title\x07result line"
	require.Equal(t, "result line", CleanOutput(raw, "claude"))
}

func TestCleanOutputStripsCarriageReturns(t *testing.T) {
	raw := "progress 10%\rprogress 100%\ndone\r\n"
	out := CleanOutput(raw, "claude")
	require.NotContains(t, out, "\r")
	require.Contains(t, out, "done")
}

func TestCleanOutputDropsSpawnEcho(t *testing.T) {
	raw := "spawn claude -p --dangerously-skip-permissions\nactual output\nsecond line"
	require.Equal(t, "actual output\nsecond line", CleanOutput(raw, "claude"))
}

func TestCleanOutputKeepsSpawnMentionLaterInBody(t *testing.T) {
	// Only the first visible line is an echo candidate.
	raw := "real output\nspawn claude something"
	require.Equal(t, "real output\nspawn claude something", CleanOutput(raw, "claude"))
}

func TestCleanOutputTrimsWhitespace(t *testing.T) {
	require.Equal(t, "x", CleanOutput("\n\n  x  \n\n", "claude"))
	require.Equal(t, "", CleanOutput("", "claude"))
}

func TestShellQuote(t *testing.T) {
	require.Equal(t, "'plain'", shellQuote("plain"))
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestScrubEnvDropsNestingGuards(t *testing.T) {
	env := []string{
		"PATH=/usr/bin",
		"CLAUDECODE=1",
		"CLAUDE_CODE_ENTRYPOINT=cli",
		"HOME=/root",
	}
	out := scrubEnv(env)
	require.Equal(t, []string{"PATH=/usr/bin", "HOME=/root"}, out)
}

func TestTailBufferKeepsTail(t *testing.T) {
	tb := newTailBuffer(8)
	_, err := tb.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	require.Equal(t, "89abcdef", tb.String())
}

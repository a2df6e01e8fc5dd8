package runner

import (
	"regexp"
	"strings"
)

var (
	// CSI sequences: ESC [ params intermediates final-byte
	csiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	// OSC sequences: ESC ] ... BEL
	oscPattern = regexp.MustCompile(`\x1b\][^\x07]*\x07`)
)

// CleanOutput strips terminal control sequences and the terminal-echoed
// spawn line from raw agent stdout.
func CleanOutput(raw, binary string) string {
	s := csiPattern.ReplaceAllString(raw, "")
	s = oscPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r", "")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		// The pty echoes its own spawn invocation as the first visible line
		if strings.HasPrefix(trimmed, "spawn ") && strings.Contains(trimmed, binary) {
			lines = append(lines[:i], lines[i+1:]...)
		}
		break
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

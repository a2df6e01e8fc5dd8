package sessions

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxLineBytes = 10 * 1024 * 1024

// NewClaudeAgent builds the capability record for the claude agent family.
// root is where the agent keeps its per-project session directories.
func NewClaudeAgent(root string) Agent {
	return Agent{
		Type: "claude",
		SessionsDir: func(projectCwd string) string {
			return filepath.Join(root, mungeProjectPath(projectCwd))
		},
		Parse:             parseClaudeLog,
		HealthAnalysis:    analyzeClaudeLog,
		LastAssistantText: lastClaudeAssistantText,
	}
}

// mungeProjectPath mirrors the agent's own directory naming: every path
// separator, dot, and underscore becomes a dash.
func mungeProjectPath(cwd string) string {
	repl := strings.NewReplacer("/", "-", ".", "-", "_", "-")
	return repl.Replace(cwd)
}

// Raw record shapes of the agent's append-only JSONL session log.

type claudeRecord struct {
	Type              string          `json:"type"`
	Subtype           string          `json:"subtype"`
	UUID              string          `json:"uuid"`
	Timestamp         string          `json:"timestamp"`
	IsAPIErrorMessage bool            `json:"isApiErrorMessage"`
	CompactMetadata   *compactMeta    `json:"compactMetadata"`
	Message           *claudeMessage  `json:"message"`
	ToolUseResult     json.RawMessage `json:"toolUseResult"`
}

type compactMeta struct {
	PreTokens int `json:"preTokens"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Usage   *claudeUsage    `json:"usage"`
}

type claudeUsage struct {
	InputTokens          int `json:"input_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

// blocks returns the message content as a block list, accepting both the
// string shape and the block-array shape.
func (m *claudeMessage) blocks() []contentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return []contentBlock{{Type: "text", Text: asString}}
	}
	var asBlocks []contentBlock
	if err := json.Unmarshal(m.Content, &asBlocks); err == nil {
		return asBlocks
	}
	return nil
}

func parseClaudeLog(path string, raw []byte) (*Timeline, error) {
	tl := &Timeline{
		SessionID: strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		Nodes:     []TimelineNode{},
	}

	// tool_use ids seen so far, so results can be titled by their tool
	toolNames := make(map[string]string)

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	seq := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec claudeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Append-only logs can end in a torn line; skip it
			continue
		}

		seq++
		for _, node := range recordNodes(&rec, seq, toolNames) {
			tl.Nodes = append(tl.Nodes, node)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session log: %w", err)
	}

	return tl, nil
}

func recordNodes(rec *claudeRecord, seq int, toolNames map[string]string) []TimelineNode {
	id := rec.UUID
	if id == "" {
		id = fmt.Sprintf("rec-%d", seq)
	}

	if rec.Type == "system" {
		title := "System"
		if rec.Subtype == "compact_boundary" {
			title = "Context compacted"
		}
		return []TimelineNode{{
			ID:        id,
			Type:      NodeSystem,
			Timestamp: rec.Timestamp,
			Title:     title,
			Content:   rec.Subtype,
		}}
	}

	if rec.IsAPIErrorMessage {
		text := messageText(rec.Message)
		return []TimelineNode{{
			ID:        id,
			Type:      NodeError,
			Timestamp: rec.Timestamp,
			Title:     shortTitle(text),
			Content:   text,
		}}
	}

	var nodes []TimelineNode
	for i, block := range rec.Message.blocksSafe() {
		blockID := id
		if i > 0 {
			blockID = fmt.Sprintf("%s-%d", id, i)
		}

		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) == "" {
				continue
			}
			nodeType := NodeUser
			if rec.Type == "assistant" {
				nodeType = NodeAssistant
			}
			nodes = append(nodes, TimelineNode{
				ID:        blockID,
				Type:      nodeType,
				Timestamp: rec.Timestamp,
				Title:     shortTitle(block.Text),
				Content:   block.Text,
			})

		case "tool_use":
			toolNames[block.ID] = block.Name
			nodes = append(nodes, TimelineNode{
				ID:        blockID,
				Type:      NodeToolUse,
				Timestamp: rec.Timestamp,
				Title:     block.Name,
				Content:   string(block.Input),
				ToolName:  block.Name,
				ToolInput: string(block.Input),
				ToolUseID: block.ID,
			})

		case "tool_result":
			result := blockResultText(block)
			title := "Tool result"
			if name := toolNames[block.ToolUseID]; name != "" {
				title = name + " result"
			}
			nodes = append(nodes, TimelineNode{
				ID:         blockID,
				Type:       NodeToolResult,
				Timestamp:  rec.Timestamp,
				Title:      title,
				Content:    result,
				ToolResult: result,
				ToolUseID:  block.ToolUseID,
			})
		}
	}

	return nodes
}

// blocksSafe tolerates a nil message
func (m *claudeMessage) blocksSafe() []contentBlock {
	if m == nil {
		return nil
	}
	return m.blocks()
}

func blockResultText(block contentBlock) string {
	if len(block.Content) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(block.Content, &asString); err == nil {
		return asString
	}
	var asBlocks []contentBlock
	if err := json.Unmarshal(block.Content, &asBlocks); err == nil {
		var parts []string
		for _, b := range asBlocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(block.Content)
}

func messageText(m *claudeMessage) string {
	var parts []string
	for _, block := range m.blocksSafe() {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func shortTitle(text string) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if len(line) > 80 {
		line = line[:77] + "..."
	}
	return line
}

func analyzeClaudeLog(path string) (*HealthReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	report := &HealthReport{}
	responsesSinceCompact := 0
	sawCompact := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec claudeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}

		report.MessageCount++

		if rec.Type == "system" && rec.Subtype == "compact_boundary" {
			report.CompactCount++
			sawCompact = true
			responsesSinceCompact = 0
			if rec.CompactMetadata != nil && rec.CompactMetadata.PreTokens > report.PeakTokens {
				report.PeakTokens = rec.CompactMetadata.PreTokens
			}
			continue
		}

		if rec.IsAPIErrorMessage {
			report.LastAPIError = messageText(rec.Message)
		}

		if rec.Type == "assistant" {
			responsesSinceCompact++
			if rec.Message != nil && rec.Message.Usage != nil {
				total := rec.Message.Usage.InputTokens + rec.Message.Usage.CacheReadInputTokens
				if total > report.PeakTokens {
					report.PeakTokens = total
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session log: %w", err)
	}

	report.ResponsesAfterLastCompact = responsesSinceCompact
	report.EndedAfterCompaction = sawCompact && responsesSinceCompact <= 1
	report.ContextPressure = computePressure(report.CompactCount, report.PeakTokens, report.EndedAfterCompaction)
	report.FailureReason = inferFailureReason(report)

	return report, nil
}

// lastClaudeAssistantText returns the last assistant text block that looks
// substantive rather than a one-word acknowledgement.
func lastClaudeAssistantText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read session log: %w", err)
	}

	tl, err := parseClaudeLog(path, raw)
	if err != nil {
		return "", err
	}

	for i := len(tl.Nodes) - 1; i >= 0; i-- {
		node := tl.Nodes[i]
		if node.Type == NodeAssistant && len(strings.TrimSpace(node.Content)) >= 20 {
			return node.Content, nil
		}
	}

	return "", nil
}

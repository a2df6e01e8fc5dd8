package service

import (
	"fmt"
	"strings"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
)

// Markers bounding the stdout fallback summary when the agent cannot reach
// the callback endpoints.
const (
	TaskCompleteMarker = "===TASK_COMPLETE==="
	TaskEndMarker      = "===END_TASK==="
)

// promptInput pairs a dependency node with the handoff content it produced
type promptInput struct {
	NodeTitle string
	Content   string
}

// buildNodePrompt composes the full prompt for one node run: step position,
// blueprint context, dependency handoffs in reading order, the node's own
// instructions, and the callback protocol block.
func buildNodePrompt(bp *models.Blueprint, node *models.MacroNode, position, total int, inputs []promptInput, baseURL, token, executionID string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are executing step %d of %d in a development plan.\n\n", position, total)
	fmt.Fprintf(&b, "# Plan: %s\n", bp.Title)
	if bp.Description != nil && *bp.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", *bp.Description)
	}

	if len(inputs) > 0 {
		b.WriteString("\n# Context from completed dependencies\n")
		for _, in := range inputs {
			fmt.Fprintf(&b, "\n## Handoff from: %s\n\n%s\n", in.NodeTitle, in.Content)
		}
	}

	fmt.Fprintf(&b, "\n# Your task: %s\n", node.Title)
	if node.Description != nil && *node.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", *node.Description)
	}
	if node.Prompt != nil && *node.Prompt != "" {
		fmt.Fprintf(&b, "\n%s\n", *node.Prompt)
	}

	if bp.ProjectCwd != nil && *bp.ProjectCwd != "" {
		fmt.Fprintf(&b, "\nWorking directory: %s\n", *bp.ProjectCwd)
	}

	b.WriteString(callbackInstructions(baseURL, token, bp.ID, executionID))
	return b.String()
}

// callbackInstructions is the fixed protocol block appended to every node
// prompt. The URLs embed the execution id and the auth token so the agent
// can report out-of-band without any discovery step.
func callbackInstructions(baseURL, token, blueprintID, executionID string) string {
	execBase := fmt.Sprintf("%s/api/blueprints/%s/executions/%s", baseURL, blueprintID, executionID)

	var b strings.Builder
	b.WriteString("\n# Execution protocol\n\n")
	b.WriteString("Work autonomously. Never ask for confirmation or pause for input; make reasonable decisions and keep going.\n\n")

	b.WriteString("If you hit a blocker you cannot resolve yourself, report it immediately (replace the placeholder text):\n\n")
	fmt.Fprintf(&b, "```\ncurl -s -X POST '%s/report-blocker?auth=%s' \\\n", execBase, token)
	b.WriteString("  -H 'Content-Type: application/json' \\\n")
	b.WriteString(`  -d '{"type":"missing_dependency","description":"what is missing and why you cannot proceed","suggestion":"how this could be unblocked"}'` + "\n```\n\n")
	b.WriteString("Valid blocker types: missing_dependency, unclear_requirement, access_issue, technical_limitation.\n\n")

	b.WriteString("When you finish the task, perform these two actions LAST, in order:\n\n")
	b.WriteString("1. Post a summary of what you did:\n\n")
	fmt.Fprintf(&b, "```\ncurl -s -X POST '%s/task-summary?auth=%s' \\\n", execBase, token)
	b.WriteString("  -H 'Content-Type: application/json' \\\n")
	b.WriteString(`  -d '{"summary":"<one paragraph: what was done, files changed, key decisions>"}'` + "\n```\n\n")
	b.WriteString("2. Report your final status:\n\n")
	fmt.Fprintf(&b, "```\ncurl -s -X POST '%s/report-status?auth=%s' \\\n", execBase, token)
	b.WriteString("  -H 'Content-Type: application/json' \\\n")
	b.WriteString(`  -d '{"status":"done"}'` + "\n```\n\n")
	b.WriteString("Report \"failed\" or \"blocked\" instead of \"done\" when appropriate, adding a \"reason\" field.\n\n")

	fmt.Fprintf(&b, "If the callback endpoints are unreachable, print your summary between %s and %s markers as your final output instead.\n", TaskCompleteMarker, TaskEndMarker)
	return b.String()
}

// continuationPrompt is the fixed prompt used when resuming a failed session
func continuationPrompt(baseURL, token, blueprintID, executionID string) string {
	var b strings.Builder
	b.WriteString("Your previous run of this task was interrupted before completion. ")
	b.WriteString("Review the conversation so far, determine what remains unfinished, and complete it. ")
	b.WriteString("Do not redo work that already succeeded.\n")
	b.WriteString(callbackInstructions(baseURL, token, blueprintID, executionID))
	return b.String()
}

// reshapePrompt asks the agent to rewrite a raw completion summary into the
// canonical handoff form. Used by handoff artifact generation.
func reshapePrompt(raw string) string {
	var b strings.Builder
	b.WriteString("Rewrite the following task completion notes into a concise handoff summary using exactly this structure:\n\n")
	b.WriteString("**What was done:** ...\n**Files changed:** ...\n**Decisions:** ...\n\n")
	b.WriteString("Output only the summary, nothing else. Notes:\n\n")
	b.WriteString(raw)
	return b.String()
}

// extractMarkedSummary pulls the marker-bounded completion summary out of
// stdout. Returns "" when the markers are absent or malformed.
func extractMarkedSummary(output string) string {
	start := strings.Index(output, TaskCompleteMarker)
	if start < 0 {
		return ""
	}
	rest := output[start+len(TaskCompleteMarker):]
	end := strings.Index(rest, TaskEndMarker)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// outputTail returns the last n characters of cleaned output
func outputTail(output string, n int) string {
	if len(output) <= n {
		return strings.TrimSpace(output)
	}
	return strings.TrimSpace(output[len(output)-n:])
}

package service

import (
	"context"
	"time"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/common/sessions"
)

// reconcile chooses the node's final status after a run. Priority: the
// agent's reported status wins; then a blocker callback; then the
// short-output hung guard; then success inference from stdout.
func (s *ExecutorService) reconcile(ctx context.Context, bp *models.Blueprint, node *models.MacroNode, exec *models.NodeExecution, output string, runErr error) models.NodeStatus {
	log := s.log.WithBlueprintID(bp.ID).WithNodeID(node.ID).WithExecutionID(exec.ID)

	health := s.loadHealth(ctx, bp, node, exec)

	if runErr != nil {
		reason, detail := classifyFailure(runErr.Error(), output, health)
		log.Warn("agent run failed", "reason", reason, "detail", detail)
		s.failNode(ctx, node, exec, reason, detail)
		return models.NodeFailed
	}

	if exec.ReportedStatus != nil {
		switch models.ReportedStatus(*exec.ReportedStatus) {
		case models.ReportedDone:
			summary := s.pickSummary(exec, output)
			s.completeNode(ctx, bp, node, exec, summary)
			return models.NodeDone
		case models.ReportedFailed:
			detail := "agent reported failure"
			if exec.ReportedReason != nil {
				detail = *exec.ReportedReason
			}
			s.failNode(ctx, node, exec, sessions.FailureError, detail)
			return models.NodeFailed
		case models.ReportedBlocked:
			s.blockNode(ctx, bp, node, exec, output)
			return models.NodeBlocked
		}
	}

	if exec.BlockerInfo != nil {
		s.blockNode(ctx, bp, node, exec, output)
		return models.NodeBlocked
	}

	if len(output) < hungOutputThreshold {
		reason := sessions.FailureHung
		detail := "agent produced no substantive output"
		if health != nil {
			switch health.FailureReason {
			case sessions.FailureOutputTokenLimit, sessions.FailureContextExhausted:
				reason = health.FailureReason
				detail = "inferred from session log analysis"
			}
		}
		log.Warn("short output, classifying as hung", "len", len(output), "reason", reason)
		s.failNode(ctx, node, exec, reason, detail)
		return models.NodeFailed
	}

	summary := s.pickSummary(exec, output)
	s.completeNode(ctx, bp, node, exec, summary)
	return models.NodeDone
}

// pickSummary selects the output summary: task-summary callback, then the
// marker-bounded block in stdout, then the stdout tail.
func (s *ExecutorService) pickSummary(exec *models.NodeExecution, output string) string {
	if exec.TaskSummary != nil && *exec.TaskSummary != "" {
		return *exec.TaskSummary
	}
	if marked := extractMarkedSummary(output); marked != "" {
		return marked
	}
	return outputTail(output, 2000)
}

// loadHealth analyzes the session log, if one was detected, and persists the
// health fields onto the execution row. Runs on every exit path.
func (s *ExecutorService) loadHealth(ctx context.Context, bp *models.Blueprint, node *models.MacroNode, exec *models.NodeExecution) *sessions.HealthReport {
	if exec.SessionID == nil || bp.ProjectCwd == nil {
		return nil
	}
	agent, ok := s.agents.GetOrDefault(node.AgentType)
	if !ok {
		return nil
	}
	path, ok := s.sessionLogPath(node.AgentType, *bp.ProjectCwd, *exec.SessionID)
	if !ok {
		return nil
	}
	health, err := agent.HealthAnalysis(path)
	if err != nil {
		s.log.WithExecutionID(exec.ID).Warn("session health analysis failed", "error", err)
		return nil
	}
	if err := s.executions.SetHealth(ctx, exec.ID, health.CompactCount, health.PeakTokens, string(health.ContextPressure)); err != nil {
		s.log.WithExecutionID(exec.ID).Warn("failed to persist session health", "error", err)
	}
	return health
}

// completeNode finalizes a successful run: node done, execution done,
// handoff artifacts fanned out, post-completion evaluation triggered.
func (s *ExecutorService) completeNode(ctx context.Context, bp *models.Blueprint, node *models.MacroNode, exec *models.NodeExecution, summary string) {
	log := s.log.WithBlueprintID(bp.ID).WithNodeID(node.ID).WithExecutionID(exec.ID)

	if err := s.nodes.SetStatus(ctx, node.ID, models.NodeDone, nil); err != nil {
		log.Error("failed to mark node done", "error", err)
	}
	s.recordActualMinutes(ctx, node.ID, exec.StartedAt)
	if err := s.executions.Finish(ctx, exec.ID, models.ExecutionDone, &summary, nil); err != nil {
		log.Error("failed to finish execution", "error", err)
	}

	if err := s.generateHandoff(ctx, bp, node, summary, true); err != nil {
		log.Warn("handoff artifact generation failed", "error", err)
	}

	// Evaluation failures are log-only; they never demote a completed node
	if err := s.startEvaluation(ctx, bp, node); err != nil {
		log.Warn("post-completion evaluation failed", "error", err)
	}

	log.Info("node completed")
}

// blockNode finalizes a blocked run. The attempt itself succeeded, so the
// execution is done while the node becomes blocked.
func (s *ExecutorService) blockNode(ctx context.Context, bp *models.Blueprint, node *models.MacroNode, exec *models.NodeExecution, output string) {
	log := s.log.WithBlueprintID(bp.ID).WithNodeID(node.ID).WithExecutionID(exec.ID)

	blockerMsg := "blocked by agent report"
	if exec.BlockerInfo != nil {
		blockerMsg = blockerDescription(*exec.BlockerInfo)
	} else if exec.ReportedReason != nil {
		blockerMsg = *exec.ReportedReason
	}

	if err := s.nodes.SetStatus(ctx, node.ID, models.NodeBlocked, &blockerMsg); err != nil {
		log.Error("failed to mark node blocked", "error", err)
	}
	summary := s.pickSummary(exec, output)
	if err := s.executions.Finish(ctx, exec.ID, models.ExecutionDone, &summary, nil); err != nil {
		log.Error("failed to finish execution", "error", err)
	}

	if err := s.generateHandoff(ctx, bp, node, summary, true); err != nil {
		log.Warn("handoff artifact generation failed", "error", err)
	}

	log.Info("node blocked", "blocker", blockerMsg)
}

// failNode finalizes a failed run
func (s *ExecutorService) failNode(ctx context.Context, node *models.MacroNode, exec *models.NodeExecution, reason sessions.FailureReason, detail string) {
	log := s.log.WithNodeID(node.ID).WithExecutionID(exec.ID)

	if err := s.nodes.SetStatus(ctx, node.ID, models.NodeFailed, &detail); err != nil {
		log.Error("failed to mark node failed", "error", err)
	}
	reasonStr := string(reason)
	if err := s.executions.Finish(ctx, exec.ID, models.ExecutionFailed, &detail, &reasonStr); err != nil {
		log.Error("failed to finish execution", "error", err)
	}
}

func (s *ExecutorService) recordActualMinutes(ctx context.Context, nodeID, startedAt string) {
	started, err := models.ParseISO(startedAt)
	if err != nil {
		return
	}
	minutes := int(time.Since(started).Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	_ = s.nodes.SetActualMinutes(ctx, nodeID, minutes)
}

// settleBlueprint recomputes blueprint status after a task finishes. While
// other nodes are active the blueprint stays running; when everything is
// satisfied it is done; a terminal failure with nothing else active fails it.
func (s *ExecutorService) settleBlueprint(ctx context.Context, blueprintID string, last models.NodeStatus) {
	all, err := s.nodes.ListByBlueprint(ctx, blueprintID)
	if err != nil {
		return
	}

	active := false
	allSatisfied := len(all) > 0
	for _, n := range all {
		if n.Status == models.NodeRunning || n.Status == models.NodeQueued {
			active = true
		}
		if !n.Status.Satisfied() {
			allSatisfied = false
		}
	}

	switch {
	case active:
		// Later queued tasks will settle again
	case allSatisfied:
		_ = s.blueprints.SetStatus(ctx, blueprintID, models.BlueprintDone)
	case last.TerminalFailure():
		_ = s.blueprints.SetStatus(ctx, blueprintID, models.BlueprintFailed)
	default:
		_ = s.blueprints.SetStatus(ctx, blueprintID, models.BlueprintApproved)
	}
}

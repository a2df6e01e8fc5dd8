package service

import (
	"context"
	"strings"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/common/queue"
	"github.com/ccchow/ClawUI-sub001/common/runner"
)

// ResumeSession re-enters a failed node's agent session. A continuation
// execution is created and the agent is spawned with a resume flag pointing
// at the prior session; reconciliation follows the normal rules.
func (s *ExecutorService) ResumeSession(ctx context.Context, blueprintID, nodeID string) (*queue.Future, error) {
	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return nil, Wrap(err, "load node")
	}
	if node.BlueprintID != blueprintID {
		return nil, Ef(KindNotFound, "node %s does not belong to blueprint %s", nodeID, blueprintID)
	}
	if node.Status != models.NodeFailed {
		return nil, Ef(KindPrecondition, "only failed nodes can resume a session; node is %s", node.Status)
	}

	parent, err := s.latestSessionExecution(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	if err := s.nodes.SetStatus(ctx, nodeID, models.NodeQueued, nil); err != nil {
		return nil, Wrap(err, "mark node queued")
	}

	fut := s.queue.Enqueue(blueprintID, queue.PendingTask{Type: queue.TaskRun, NodeID: nodeID}, func(taskCtx context.Context) (any, error) {
		return s.executeContinuation(taskCtx, blueprintID, nodeID, parent)
	})
	return fut, nil
}

// executeContinuation is the queued task body for a session resume
func (s *ExecutorService) executeContinuation(ctx context.Context, blueprintID, nodeID string, parent *models.NodeExecution) (models.NodeStatus, error) {
	log := s.log.WithBlueprintID(blueprintID).WithNodeID(nodeID)

	bp, err := s.blueprints.GetBare(ctx, blueprintID)
	if err != nil {
		return "", Wrap(err, "load blueprint")
	}
	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return "", Wrap(err, "load node")
	}

	exec := &models.NodeExecution{
		NodeID:            nodeID,
		BlueprintID:       blueprintID,
		SessionID:         parent.SessionID,
		Type:              models.ExecutionContinuation,
		ParentExecutionID: &parent.ID,
	}
	if err := s.executions.Create(ctx, exec); err != nil {
		return "", Wrap(err, "create continuation execution")
	}
	log = log.WithExecutionID(exec.ID)

	if err := s.nodes.SetStatus(ctx, nodeID, models.NodeRunning, nil); err != nil {
		return "", Wrap(err, "mark node running")
	}
	_ = s.blueprints.SetStatus(ctx, blueprintID, models.BlueprintRunning)

	cwd := ""
	if bp.ProjectCwd != nil {
		cwd = *bp.ProjectCwd
	}

	startedAt, _ := models.ParseISO(exec.StartedAt)
	stopPoll := s.startSessionPoller(exec.ID, node.AgentType, cwd, startedAt)

	log.Info("resuming agent session", "session_id", *parent.SessionID)
	output, runErr := s.runner.Run(ctx, runner.Options{
		Prompt:          continuationPrompt(s.cfg.BaseURL(), s.cfg.Service.AuthToken, blueprintID, exec.ID),
		Cwd:             cwd,
		ResumeSessionID: *parent.SessionID,
		OnPID: func(pid int) {
			_ = s.executions.SetPID(context.Background(), exec.ID, pid)
		},
	})

	stopPoll()

	exec, err = s.executions.GetByID(ctx, exec.ID)
	if err != nil {
		return "", Wrap(err, "re-read execution")
	}

	final := s.reconcile(ctx, bp, node, exec, output, runErr)
	s.settleBlueprint(ctx, blueprintID, final)
	return final, nil
}

// RecoverSession finalizes a failed node whose agent session actually ran to
// completion. The last substantive assistant message becomes the handoff.
func (s *ExecutorService) RecoverSession(ctx context.Context, blueprintID, nodeID string) error {
	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return Wrap(err, "load node")
	}
	if node.BlueprintID != blueprintID {
		return Ef(KindNotFound, "node %s does not belong to blueprint %s", nodeID, blueprintID)
	}
	if node.Status != models.NodeFailed {
		return Ef(KindPrecondition, "only failed nodes can be recovered; node is %s", node.Status)
	}

	exec, err := s.latestSessionExecution(ctx, nodeID)
	if err != nil {
		return err
	}

	bp, err := s.blueprints.GetBare(ctx, blueprintID)
	if err != nil {
		return Wrap(err, "load blueprint")
	}

	summary := models.RestartRecoveryMarker
	if bp.ProjectCwd != nil {
		agent, ok := s.agents.GetOrDefault(node.AgentType)
		if ok {
			path, _ := s.sessionLogPath(node.AgentType, *bp.ProjectCwd, *exec.SessionID)
			if text, err := agent.LastAssistantText(path); err == nil && strings.TrimSpace(text) != "" {
				summary = models.RestartRecoveryMarker + ": " + text
			}
		}
	}

	if err := s.executions.Finish(ctx, exec.ID, models.ExecutionDone, &summary, nil); err != nil {
		return Wrap(err, "finish execution")
	}
	if err := s.nodes.SetStatus(ctx, nodeID, models.NodeDone, nil); err != nil {
		return Wrap(err, "mark node done")
	}
	if err := s.generateHandoff(ctx, bp, node, summary, false); err != nil {
		s.log.WithNodeID(nodeID).Warn("handoff generation failed during session recovery", "error", err)
	}
	s.settleBlueprint(ctx, blueprintID, models.NodeDone)
	return nil
}

// latestSessionExecution finds the node's most recent execution that has a
// detected session id
func (s *ExecutorService) latestSessionExecution(ctx context.Context, nodeID string) (*models.NodeExecution, error) {
	execs, err := s.executions.ListForNode(ctx, nodeID)
	if err != nil {
		return nil, Wrap(err, "load executions")
	}
	for i := len(execs) - 1; i >= 0; i-- {
		if execs[i].SessionID != nil && *execs[i].SessionID != "" {
			return execs[i], nil
		}
	}
	return nil, E(KindPrecondition, "node has no execution with a detected session")
}

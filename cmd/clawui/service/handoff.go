package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/common/runner"
)

// handoffReshapeTimeout bounds the short agent call that reshapes a raw
// summary into the canonical handoff form
const handoffReshapeTimeout = 2 * time.Minute

// generateHandoff fans out handoff artifacts for a completed or blocked
// node: one per downstream dependent with that dependent as target, or a
// single null-target audit record when there are none. When reshape is set
// the content is first rewritten into the canonical form by a short agent
// call; on any failure the raw text is used as-is.
func (s *ExecutorService) generateHandoff(ctx context.Context, bp *models.Blueprint, node *models.MacroNode, raw string, reshape bool) error {
	if strings.TrimSpace(raw) == "" {
		raw = "Task completed without a summary."
	}

	content := raw
	if reshape {
		if reshaped, err := s.reshapeSummary(ctx, bp, raw); err == nil && reshaped != "" {
			content = reshaped
		} else if err != nil {
			s.log.WithNodeID(node.ID).Warn("handoff reshape failed, using raw summary", "error", err)
		}
	}

	dependents, err := s.dependentsOf(ctx, bp.ID, node.ID)
	if err != nil {
		return err
	}

	if len(dependents) == 0 {
		return s.artifacts.Create(ctx, &models.Artifact{
			BlueprintID:  bp.ID,
			SourceNodeID: node.ID,
			Type:         models.ArtifactHandoffSummary,
			Content:      content,
		})
	}

	for _, dep := range dependents {
		targetID := dep.ID
		err := s.artifacts.Create(ctx, &models.Artifact{
			BlueprintID:  bp.ID,
			SourceNodeID: node.ID,
			TargetNodeID: &targetID,
			Type:         models.ArtifactHandoffSummary,
			Content:      content,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// reshapeSummary asks the agent to rewrite raw completion notes into the
// canonical **What was done** / **Files changed** / **Decisions** form
func (s *ExecutorService) reshapeSummary(ctx context.Context, bp *models.Blueprint, raw string) (string, error) {
	reshapeCtx, cancel := context.WithTimeout(ctx, handoffReshapeTimeout)
	defer cancel()

	cwd := ""
	if bp.ProjectCwd != nil {
		cwd = *bp.ProjectCwd
	}
	out, err := s.runner.Run(reshapeCtx, runner.Options{
		Prompt: reshapePrompt(raw),
		Cwd:    cwd,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// dependentsOf returns the nodes that list nodeID as a dependency
func (s *ExecutorService) dependentsOf(ctx context.Context, blueprintID, nodeID string) ([]*models.MacroNode, error) {
	all, err := s.nodes.ListByBlueprint(ctx, blueprintID)
	if err != nil {
		return nil, err
	}
	var dependents []*models.MacroNode
	for _, n := range all {
		for _, dep := range n.Dependencies {
			if dep == nodeID {
				dependents = append(dependents, n)
				break
			}
		}
	}
	return dependents, nil
}

// blockerDescription extracts the human-readable description from a stored
// blocker report, falling back to the raw JSON
func blockerDescription(blockerJSON string) string {
	var report models.BlockerReport
	if err := json.Unmarshal([]byte(blockerJSON), &report); err != nil || report.Description == "" {
		return blockerJSON
	}
	return report.Description
}

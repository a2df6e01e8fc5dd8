package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/common/queue"
	"github.com/ccchow/ClawUI-sub001/common/runner"
)

// Evaluation verdicts and mutation actions in the agent's callback payload
const (
	VerdictComplete        = "COMPLETE"
	VerdictNeedsRefinement = "NEEDS_REFINEMENT"
	VerdictHasBlocker      = "HAS_BLOCKER"

	ActionInsertBetween = "INSERT_BETWEEN"
	ActionAddSibling    = "ADD_SIBLING"
)

// EvaluationResult is the payload of an evaluation callback
type EvaluationResult struct {
	Status    string     `json:"status"`
	Mutations []Mutation `json:"mutations,omitempty"`
}

// Mutation is one graph change proposed by the evaluation agent
type Mutation struct {
	Action  string `json:"action"`
	NewNode struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	} `json:"new_node"`
}

// startEvaluation runs the post-completion evaluation agent call. The agent
// reviews the node's outcome and POSTs an evaluation callback; mutations are
// applied by the callback handler, not here.
func (s *ExecutorService) startEvaluation(ctx context.Context, bp *models.Blueprint, node *models.MacroNode) error {
	dependents, err := s.dependentsOf(ctx, bp.ID, node.ID)
	if err != nil {
		return err
	}

	handoff := ""
	if outs, err := s.artifacts.ListForNode(ctx, node.ID, models.ArtifactOut); err == nil && len(outs) > 0 {
		handoff = outs[len(outs)-1].Content
	}

	prompt := evaluationPrompt(bp, node, handoff, dependents, s.cfg.BaseURL(), s.cfg.Service.AuthToken)

	cwd := ""
	if bp.ProjectCwd != nil {
		cwd = *bp.ProjectCwd
	}

	started := time.Now()
	if err := s.runner.Start(ctx, runner.Options{Prompt: prompt, Cwd: cwd}); err != nil {
		return err
	}
	s.recordRelatedSession(ctx, bp, node, models.RelatedEvaluate, started)
	return nil
}

// EvaluateNode manually re-triggers post-completion evaluation for a done
// node, through the blueprint queue.
func (s *ExecutorService) EvaluateNode(ctx context.Context, blueprintID, nodeID string) error {
	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return Wrap(err, "load node")
	}
	if node.BlueprintID != blueprintID {
		return Ef(KindNotFound, "node %s does not belong to blueprint %s", nodeID, blueprintID)
	}
	if node.Status != models.NodeDone {
		return Ef(KindPrecondition, "only done nodes can be evaluated; node is %s", node.Status)
	}

	s.queue.Enqueue(blueprintID, queue.PendingTask{Type: queue.TaskReevaluate, NodeID: nodeID}, func(taskCtx context.Context) (any, error) {
		bp, err := s.blueprints.GetBare(taskCtx, blueprintID)
		if err != nil {
			return nil, err
		}
		if err := s.startEvaluation(taskCtx, bp, node); err != nil {
			s.log.WithNodeID(nodeID).Warn("manual evaluation failed", "error", err)
		}
		return nil, nil
	})
	return nil
}

// ApplyEvaluation validates and applies an evaluation callback's verdict
func (s *ExecutorService) ApplyEvaluation(ctx context.Context, blueprintID, nodeID string, eval *EvaluationResult) error {
	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return Wrap(err, "load node")
	}
	if node.BlueprintID != blueprintID {
		return Ef(KindNotFound, "node %s does not belong to blueprint %s", nodeID, blueprintID)
	}
	if node.Status != models.NodeDone {
		return Ef(KindPrecondition, "evaluation applies to done nodes; node is %s", node.Status)
	}

	switch eval.Status {
	case VerdictComplete:
		return nil
	case VerdictNeedsRefinement:
		for _, m := range eval.Mutations {
			if m.Action != ActionInsertBetween {
				continue
			}
			if _, err := s.InsertBetween(ctx, blueprintID, nodeID, m.NewNode.Title, m.NewNode.Description); err != nil {
				return err
			}
		}
		return nil
	case VerdictHasBlocker:
		for _, m := range eval.Mutations {
			if m.Action != ActionAddSibling {
				continue
			}
			if _, err := s.AddSibling(ctx, blueprintID, nodeID, m.NewNode.Title, m.NewNode.Description); err != nil {
				return err
			}
		}
		return nil
	default:
		return Ef(KindBadRequest, "unknown evaluation status: %s", eval.Status)
	}
}

// InsertBetween creates a new node depending on the completed node and
// rewires every dependent's edge from the completed node to the new one.
// Rewiring is membership-checked, so re-applying the same mutation does not
// rewire an edge twice. The whole change is one transaction.
func (s *ExecutorService) InsertBetween(ctx context.Context, blueprintID, completedID, title, description string) (*models.MacroNode, error) {
	if strings.TrimSpace(title) == "" {
		return nil, E(KindBadRequest, "new node title is required")
	}

	completed, err := s.nodes.GetByID(ctx, completedID)
	if err != nil {
		return nil, Wrap(err, "load node")
	}
	if completed.BlueprintID != blueprintID {
		return nil, Ef(KindNotFound, "node %s does not belong to blueprint %s", completedID, blueprintID)
	}

	all, err := s.nodes.ListByBlueprint(ctx, blueprintID)
	if err != nil {
		return nil, Wrap(err, "load blueprint nodes")
	}

	newNode := &models.MacroNode{
		ID:           uuid.NewString(),
		BlueprintID:  blueprintID,
		Order:        completed.Order + 1,
		Title:        title,
		Dependencies: []string{completedID},
		AgentType:    completed.AgentType,
	}
	if description != "" {
		newNode.Description = &description
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.nodes.CreateInTx(ctx, tx, newNode); err != nil {
			return err
		}
		for _, n := range all {
			rewired, changed := replaceDep(n.Dependencies, completedID, newNode.ID)
			if !changed {
				continue
			}
			if err := s.nodes.SetDependenciesInTx(ctx, tx, n.ID, rewired); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, Wrap(err, "insert node between")
	}

	s.log.WithBlueprintID(blueprintID).Info("inserted refinement node",
		"after", completedID, "new_node_id", newNode.ID)
	return newNode, nil
}

// AddSibling creates a blocked node inheriting the completed node's
// dependency set and adds it as a dependency of every downstream dependent.
// Membership-checked, so re-applying is a no-op on edges.
func (s *ExecutorService) AddSibling(ctx context.Context, blueprintID, completedID, title, description string) (*models.MacroNode, error) {
	if strings.TrimSpace(title) == "" {
		return nil, E(KindBadRequest, "new node title is required")
	}

	completed, err := s.nodes.GetByID(ctx, completedID)
	if err != nil {
		return nil, Wrap(err, "load node")
	}
	if completed.BlueprintID != blueprintID {
		return nil, Ef(KindNotFound, "node %s does not belong to blueprint %s", completedID, blueprintID)
	}

	all, err := s.nodes.ListByBlueprint(ctx, blueprintID)
	if err != nil {
		return nil, Wrap(err, "load blueprint nodes")
	}

	newNode := &models.MacroNode{
		ID:           uuid.NewString(),
		BlueprintID:  blueprintID,
		Order:        completed.Order + 1,
		Title:        title,
		Dependencies: append([]string{}, completed.Dependencies...),
		Status:       models.NodeBlocked,
		AgentType:    completed.AgentType,
	}
	if description != "" {
		newNode.Description = &description
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.nodes.CreateInTx(ctx, tx, newNode); err != nil {
			return err
		}
		for _, n := range all {
			if !containsDep(n.Dependencies, completedID) || containsDep(n.Dependencies, newNode.ID) {
				continue
			}
			if err := s.nodes.SetDependenciesInTx(ctx, tx, n.ID, append(n.Dependencies, newNode.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, Wrap(err, "add sibling node")
	}

	s.log.WithBlueprintID(blueprintID).Info("added blocker sibling node",
		"sibling_of", completedID, "new_node_id", newNode.ID)
	return newNode, nil
}

// evaluationPrompt asks the agent to review a completed node's outcome and
// report a verdict via the evaluation callback
func evaluationPrompt(bp *models.Blueprint, node *models.MacroNode, handoff string, dependents []*models.MacroNode, baseURL, token string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review a just-completed step of the development plan %q.\n\n", bp.Title)
	fmt.Fprintf(&b, "# Completed step: %s\n", node.Title)
	if node.Description != nil && *node.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", *node.Description)
	}
	if handoff != "" {
		fmt.Fprintf(&b, "\n# Its handoff summary\n\n%s\n", handoff)
	}
	if len(dependents) > 0 {
		b.WriteString("\n# Upcoming steps that depend on it\n\n")
		for _, d := range dependents {
			fmt.Fprintf(&b, "- %s\n", d.Title)
		}
	}

	url := fmt.Sprintf("%s/api/blueprints/%s/nodes/%s/evaluation-callback?auth=%s", baseURL, bp.ID, node.ID, token)
	b.WriteString("\n# Your verdict\n\n")
	b.WriteString("Decide whether the step is genuinely complete for the dependents to build on. Then POST exactly one verdict:\n\n")
	fmt.Fprintf(&b, "```\ncurl -s -X POST '%s' -H 'Content-Type: application/json' -d '<verdict>'\n```\n\n", url)
	b.WriteString("Verdict payloads:\n")
	fmt.Fprintf(&b, "- Complete: {\"status\":\"%s\"}\n", VerdictComplete)
	fmt.Fprintf(&b, "- Needs follow-up work: {\"status\":\"%s\",\"mutations\":[{\"action\":\"%s\",\"new_node\":{\"title\":\"...\",\"description\":\"...\"}}]}\n", VerdictNeedsRefinement, ActionInsertBetween)
	fmt.Fprintf(&b, "- Revealed a blocker: {\"status\":\"%s\",\"mutations\":[{\"action\":\"%s\",\"new_node\":{\"title\":\"...\",\"description\":\"...\"}}]}\n", VerdictHasBlocker, ActionAddSibling)
	b.WriteString("\nDo not modify any files. Post the verdict and stop.\n")
	return b.String()
}

func replaceDep(deps []string, oldID, newID string) ([]string, bool) {
	if !containsDep(deps, oldID) || containsDep(deps, newID) {
		return deps, false
	}
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if d == oldID {
			out = append(out, newID)
		} else {
			out = append(out, d)
		}
	}
	return out, true
}

func containsDep(deps []string, id string) bool {
	for _, d := range deps {
		if d == id {
			return true
		}
	}
	return false
}

package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/common/queue"
	"github.com/ccchow/ClawUI-sub001/common/runner"
)

// reevaluateAllCeiling bounds a whole reevaluate-all pass: the agent process
// timeout plus grace for queue overhead
const reevaluateAllCeiling = 32 * time.Minute

// askAgent runs one request-scoped agent call: the prompt embeds a callback
// URL carrying requestID, the agent is spawned fire-and-ignore, and the
// response arrives through the callback registry. The timeout clock is armed
// here, at task start, not at registration.
func (s *ExecutorService) askAgent(ctx context.Context, requestID, cwd, prompt string) (json.RawMessage, error) {
	s.callbacks.Arm(requestID)

	go func() {
		if err := s.runner.Start(ctx, runner.Options{Prompt: prompt, Cwd: cwd}); err != nil {
			s.log.Warn("auxiliary agent call failed", "error", err)
		}
	}()

	payload, err := s.callbacks.Await(ctx, requestID)
	if err != nil {
		return nil, Wrap(err, "await agent callback")
	}
	return payload, nil
}

// recordRelatedSession attaches the session an auxiliary agent call produced
// to the node, for audit. Best effort; an undetectable session is skipped.
func (s *ExecutorService) recordRelatedSession(ctx context.Context, bp *models.Blueprint, node *models.MacroNode, typ models.RelatedSessionType, since time.Time) {
	if bp.ProjectCwd == nil {
		return
	}
	sid, ok := s.detectSession(ctx, "", node.AgentType, *bp.ProjectCwd, since)
	if !ok {
		return
	}
	rel := &models.RelatedSession{
		NodeID:      node.ID,
		BlueprintID: bp.ID,
		SessionID:   sid,
		Type:        typ,
	}
	if err := s.related.Create(ctx, rel); err != nil {
		s.log.WithNodeID(node.ID).Warn("failed to record related session", "error", err)
		return
	}
	_ = s.related.Complete(ctx, rel.ID)
}

// refinement is the payload an agent returns when asked to refine a node
type refinement struct {
	Title            string `json:"title,omitempty"`
	Description      string `json:"description,omitempty"`
	Prompt           string `json:"prompt,omitempty"`
	EstimatedMinutes int    `json:"estimatedMinutes,omitempty"`
}

// Reevaluate asks the agent to refine one node's title, description, and
// prompt against the current state of the project, then applies the result.
func (s *ExecutorService) Reevaluate(ctx context.Context, blueprintID, nodeID string) (*queue.Future, error) {
	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return nil, Wrap(err, "load node")
	}
	if node.BlueprintID != blueprintID {
		return nil, Ef(KindNotFound, "node %s does not belong to blueprint %s", nodeID, blueprintID)
	}
	if node.Status == models.NodeRunning || node.Status == models.NodeQueued {
		return nil, Ef(KindPrecondition, "cannot reevaluate a %s node", node.Status)
	}

	requestID := s.callbacks.RegisterRequest()
	fut := s.queue.Enqueue(blueprintID, queue.PendingTask{Type: queue.TaskReevaluate, NodeID: nodeID}, func(taskCtx context.Context) (any, error) {
		return s.reevaluateNode(taskCtx, blueprintID, nodeID, requestID, models.RelatedReevaluate)
	})
	return fut, nil
}

func (s *ExecutorService) reevaluateNode(ctx context.Context, blueprintID, nodeID, requestID string, relType models.RelatedSessionType) (*models.MacroNode, error) {
	bp, err := s.blueprints.GetBare(ctx, blueprintID)
	if err != nil {
		return nil, Wrap(err, "load blueprint")
	}
	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return nil, Wrap(err, "load node")
	}

	cwd := ""
	if bp.ProjectCwd != nil {
		cwd = *bp.ProjectCwd
	}

	started := time.Now()
	payload, err := s.askAgent(ctx, requestID, cwd, reevaluatePrompt(bp, node, s.cfg.BaseURL(), s.cfg.Service.AuthToken, requestID))
	s.recordRelatedSession(ctx, bp, node, relType, started)
	if err != nil {
		return nil, err
	}

	var ref refinement
	if err := json.Unmarshal(payload, &ref); err != nil {
		return nil, Wrap(err, "decode refinement payload")
	}

	patch := map[string]any{}
	if ref.Title != "" {
		patch["title"] = ref.Title
	}
	if ref.Description != "" {
		patch["description"] = ref.Description
	}
	if ref.Prompt != "" {
		patch["prompt"] = ref.Prompt
	}
	if ref.EstimatedMinutes > 0 {
		patch["estimatedMinutes"] = ref.EstimatedMinutes
	}
	if len(patch) == 0 {
		return node, nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, Wrap(err, "encode refinement patch")
	}
	updated, err := s.nodes.Update(ctx, nodeID, raw)
	if err != nil {
		return nil, Wrap(err, "apply refinement")
	}
	return updated, nil
}

// ReevaluateAll refines every non-terminal node in display order inside a
// single queued task, bounded by a fixed ceiling.
func (s *ExecutorService) ReevaluateAll(ctx context.Context, blueprintID string) (*queue.Future, error) {
	if _, err := s.blueprints.GetBare(ctx, blueprintID); err != nil {
		return nil, Wrap(err, "load blueprint")
	}

	fut := s.queue.Enqueue(blueprintID, queue.PendingTask{Type: queue.TaskReevaluate}, func(taskCtx context.Context) (any, error) {
		passCtx, cancel := context.WithTimeout(taskCtx, reevaluateAllCeiling)
		defer cancel()

		all, err := s.nodes.ListByBlueprint(passCtx, blueprintID)
		if err != nil {
			return nil, Wrap(err, "load blueprint nodes")
		}

		refined := 0
		for _, node := range all {
			if node.Status != models.NodePending && node.Status != models.NodeFailed {
				continue
			}
			requestID := s.callbacks.RegisterRequest()
			if _, err := s.reevaluateNode(passCtx, blueprintID, node.ID, requestID, models.RelatedReevaluateAll); err != nil {
				s.log.WithNodeID(node.ID).Warn("reevaluate-all skipped node", "error", err)
				if passCtx.Err() != nil {
					break
				}
				continue
			}
			refined++
		}
		return refined, nil
	})
	return fut, nil
}

// splitResult is the payload an agent returns when asked to split a node
type splitResult struct {
	Nodes []struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	} `json:"nodes"`
}

// Split asks the agent to break a node into a chain of smaller nodes. The
// original node is marked skipped; its dependents are rewired to the last
// node of the chain.
func (s *ExecutorService) Split(ctx context.Context, blueprintID, nodeID string) (*queue.Future, error) {
	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return nil, Wrap(err, "load node")
	}
	if node.BlueprintID != blueprintID {
		return nil, Ef(KindNotFound, "node %s does not belong to blueprint %s", nodeID, blueprintID)
	}
	switch node.Status {
	case models.NodePending, models.NodeFailed, models.NodeBlocked:
	default:
		return nil, Ef(KindPrecondition, "cannot split a %s node", node.Status)
	}

	requestID := s.callbacks.RegisterRequest()
	fut := s.queue.Enqueue(blueprintID, queue.PendingTask{Type: queue.TaskSplit, NodeID: nodeID}, func(taskCtx context.Context) (any, error) {
		return s.splitNode(taskCtx, blueprintID, nodeID, requestID)
	})
	return fut, nil
}

func (s *ExecutorService) splitNode(ctx context.Context, blueprintID, nodeID, requestID string) ([]*models.MacroNode, error) {
	bp, err := s.blueprints.GetBare(ctx, blueprintID)
	if err != nil {
		return nil, Wrap(err, "load blueprint")
	}
	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return nil, Wrap(err, "load node")
	}

	cwd := ""
	if bp.ProjectCwd != nil {
		cwd = *bp.ProjectCwd
	}

	started := time.Now()
	payload, err := s.askAgent(ctx, requestID, cwd, splitPrompt(bp, node, s.cfg.BaseURL(), s.cfg.Service.AuthToken, requestID))
	s.recordRelatedSession(ctx, bp, node, models.RelatedSplit, started)
	if err != nil {
		return nil, err
	}

	var result splitResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, Wrap(err, "decode split payload")
	}
	if len(result.Nodes) < 2 {
		return nil, E(KindExternalFailure, "agent returned fewer than two sub-nodes")
	}

	all, err := s.nodes.ListByBlueprint(ctx, blueprintID)
	if err != nil {
		return nil, Wrap(err, "load blueprint nodes")
	}

	created := make([]*models.MacroNode, 0, len(result.Nodes))
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		prevID := ""
		for i, spec := range result.Nodes {
			n := &models.MacroNode{
				ID:          uuid.NewString(),
				BlueprintID: blueprintID,
				Order:       node.Order + 1 + i,
				Title:       spec.Title,
				AgentType:   node.AgentType,
			}
			if spec.Description != "" {
				desc := spec.Description
				n.Description = &desc
			}
			if i == 0 {
				n.Dependencies = append([]string{}, node.Dependencies...)
			} else {
				n.Dependencies = []string{prevID}
			}
			if err := s.nodes.CreateInTx(ctx, tx, n); err != nil {
				return err
			}
			prevID = n.ID
			created = append(created, n)
		}

		for _, other := range all {
			rewired, changed := replaceDep(other.Dependencies, nodeID, prevID)
			if !changed {
				continue
			}
			if err := s.nodes.SetDependenciesInTx(ctx, tx, other.ID, rewired); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, Wrap(err, "apply split")
	}

	if err := s.nodes.SetStatus(ctx, nodeID, models.NodeSkipped, nil); err != nil {
		return nil, Wrap(err, "skip original node")
	}
	return created, nil
}

// smartDepsResult maps node ids to their recomputed dependency lists
type smartDepsResult struct {
	Dependencies map[string][]string `json:"dependencies"`
}

// SmartDependencies asks the agent to recompute the dependency graph across
// the whole blueprint and applies the returned edges atomically.
func (s *ExecutorService) SmartDependencies(ctx context.Context, blueprintID, nodeID string) (*queue.Future, error) {
	if _, err := s.blueprints.GetBare(ctx, blueprintID); err != nil {
		return nil, Wrap(err, "load blueprint")
	}

	requestID := s.callbacks.RegisterRequest()
	fut := s.queue.Enqueue(blueprintID, queue.PendingTask{Type: queue.TaskSmartDeps, NodeID: nodeID}, func(taskCtx context.Context) (any, error) {
		return s.computeSmartDeps(taskCtx, blueprintID, nodeID, requestID)
	})
	return fut, nil
}

func (s *ExecutorService) computeSmartDeps(ctx context.Context, blueprintID, nodeID, requestID string) (map[string][]string, error) {
	bp, err := s.blueprints.GetBare(ctx, blueprintID)
	if err != nil {
		return nil, Wrap(err, "load blueprint")
	}
	all, err := s.nodes.ListByBlueprint(ctx, blueprintID)
	if err != nil {
		return nil, Wrap(err, "load blueprint nodes")
	}
	byID := nodesByID(all)
	node, ok := byID[nodeID]
	if !ok {
		return nil, Ef(KindNotFound, "node %s no longer exists", nodeID)
	}

	cwd := ""
	if bp.ProjectCwd != nil {
		cwd = *bp.ProjectCwd
	}

	started := time.Now()
	payload, err := s.askAgent(ctx, requestID, cwd, smartDepsPrompt(bp, all, s.cfg.BaseURL(), s.cfg.Service.AuthToken, requestID))
	s.recordRelatedSession(ctx, bp, node, models.RelatedSmartDeps, started)
	if err != nil {
		return nil, err
	}

	var result smartDepsResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, Wrap(err, "decode smart-deps payload")
	}

	applied := make(map[string][]string, len(result.Dependencies))
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for id, deps := range result.Dependencies {
			if _, ok := byID[id]; !ok {
				continue
			}
			valid := make([]string, 0, len(deps))
			for _, dep := range deps {
				if dep == id {
					continue
				}
				if _, ok := byID[dep]; ok && !containsDep(valid, dep) {
					valid = append(valid, dep)
				}
			}
			if err := s.nodes.SetDependenciesInTx(ctx, tx, id, valid); err != nil {
				return err
			}
			applied[id] = valid
		}
		return nil
	})
	if err != nil {
		return nil, Wrap(err, "apply smart dependencies")
	}
	return applied, nil
}

// generateResult is the payload for blueprint-level node generation.
// Dependencies reference earlier entries of the same batch by index.
type generateResult struct {
	Nodes []struct {
		Title            string `json:"title"`
		Description      string `json:"description,omitempty"`
		Prompt           string `json:"prompt,omitempty"`
		EstimatedMinutes int    `json:"estimatedMinutes,omitempty"`
		Dependencies     []int  `json:"dependencies,omitempty"`
	} `json:"nodes"`
}

// Generate asks the agent to draft the blueprint's node graph from its
// title and description, creating the returned nodes in one batch.
func (s *ExecutorService) Generate(ctx context.Context, blueprintID string) (*queue.Future, error) {
	bp, err := s.blueprints.GetBare(ctx, blueprintID)
	if err != nil {
		return nil, Wrap(err, "load blueprint")
	}
	if bp.Status == models.BlueprintRunning {
		return nil, E(KindPrecondition, "cannot generate nodes while the blueprint is running")
	}

	requestID := s.callbacks.RegisterRequest()
	fut := s.queue.Enqueue(blueprintID, queue.PendingTask{Type: queue.TaskGenerate}, func(taskCtx context.Context) (any, error) {
		return s.generateNodes(taskCtx, blueprintID, requestID)
	})
	return fut, nil
}

func (s *ExecutorService) generateNodes(ctx context.Context, blueprintID, requestID string) ([]*models.MacroNode, error) {
	bp, err := s.blueprints.GetBare(ctx, blueprintID)
	if err != nil {
		return nil, Wrap(err, "load blueprint")
	}

	cwd := ""
	if bp.ProjectCwd != nil {
		cwd = *bp.ProjectCwd
	}

	payload, err := s.askAgent(ctx, requestID, cwd, generatePrompt(bp, s.cfg.BaseURL(), s.cfg.Service.AuthToken, requestID))
	if err != nil {
		return nil, err
	}

	var result generateResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, Wrap(err, "decode generate payload")
	}
	if len(result.Nodes) == 0 {
		return nil, E(KindExternalFailure, "agent returned no nodes")
	}

	created := make([]*models.MacroNode, 0, len(result.Nodes))
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		ids := make([]string, len(result.Nodes))
		for i := range result.Nodes {
			ids[i] = uuid.NewString()
		}
		for i, spec := range result.Nodes {
			n := &models.MacroNode{
				ID:          ids[i],
				BlueprintID: blueprintID,
				Order:       -1,
				Title:       spec.Title,
			}
			if spec.Description != "" {
				desc := spec.Description
				n.Description = &desc
			}
			if spec.Prompt != "" {
				p := spec.Prompt
				n.Prompt = &p
			}
			if spec.EstimatedMinutes > 0 {
				est := spec.EstimatedMinutes
				n.EstimatedMinutes = &est
			}
			for _, ref := range spec.Dependencies {
				if ref < 0 || ref >= i {
					return Ef(KindBadRequest, "node %d references invalid batch index %d", i, ref)
				}
				n.Dependencies = append(n.Dependencies, ids[ref])
			}
			if err := s.nodes.CreateInTx(ctx, tx, n); err != nil {
				return err
			}
			created = append(created, n)
		}
		return nil
	})
	if err != nil {
		return nil, Wrap(err, "create generated nodes")
	}
	return created, nil
}

func enrichmentCallbackURL(baseURL, token, requestID string) string {
	return fmt.Sprintf("%s/api/enrichment-callback/%s?auth=%s", baseURL, requestID, token)
}

func callbackReturnBlock(url, payloadShape string) string {
	var b strings.Builder
	b.WriteString("\n# Returning your answer\n\n")
	b.WriteString("Do not modify any files. When you have the answer, POST it as your final action:\n\n")
	fmt.Fprintf(&b, "```\ncurl -s -X POST '%s' -H 'Content-Type: application/json' -d '%s'\n```\n", url, payloadShape)
	return b.String()
}

func reevaluatePrompt(bp *models.Blueprint, node *models.MacroNode, baseURL, token, requestID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Re-examine one planned step of the development plan %q against the current state of the project.\n\n", bp.Title)
	fmt.Fprintf(&b, "# Step: %s\n", node.Title)
	if node.Description != nil {
		fmt.Fprintf(&b, "\n%s\n", *node.Description)
	}
	if node.Prompt != nil {
		fmt.Fprintf(&b, "\nCurrent prompt:\n%s\n", *node.Prompt)
	}
	b.WriteString("\nInspect the working tree and refine the step: tighten the title, update the description, and rewrite the prompt so it reflects what actually needs doing now. Omit any field that needs no change.\n")
	b.WriteString(callbackReturnBlock(
		enrichmentCallbackURL(baseURL, token, requestID),
		`{"title":"...","description":"...","prompt":"...","estimatedMinutes":30}`,
	))
	return b.String()
}

func splitPrompt(bp *models.Blueprint, node *models.MacroNode, baseURL, token, requestID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "One step of the development plan %q is too large and must be split into a sequential chain of smaller steps.\n\n", bp.Title)
	fmt.Fprintf(&b, "# Step to split: %s\n", node.Title)
	if node.Description != nil {
		fmt.Fprintf(&b, "\n%s\n", *node.Description)
	}
	b.WriteString("\nInspect the working tree and propose 2 to 5 smaller steps that together accomplish the original. Order matters; each step builds on the previous one.\n")
	b.WriteString(callbackReturnBlock(
		enrichmentCallbackURL(baseURL, token, requestID),
		`{"nodes":[{"title":"...","description":"..."},{"title":"...","description":"..."}]}`,
	))
	return b.String()
}

func smartDepsPrompt(bp *models.Blueprint, all []*models.MacroNode, baseURL, token, requestID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recompute the dependency graph of the development plan %q.\n\n# Steps\n\n", bp.Title)
	for _, n := range all {
		fmt.Fprintf(&b, "- id=%s: %s\n", n.ID, n.Title)
	}
	b.WriteString("\nDetermine, for each step, which other steps must complete first. Only include real ordering constraints; prefer a shallow graph.\n")
	b.WriteString(callbackReturnBlock(
		enrichmentCallbackURL(baseURL, token, requestID),
		`{"dependencies":{"<stepId>":["<prerequisiteStepId>"]}}`,
	))
	return b.String()
}

func generatePrompt(bp *models.Blueprint, baseURL, token, requestID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft the step graph for the development plan %q.\n", bp.Title)
	if bp.Description != nil {
		fmt.Fprintf(&b, "\n%s\n", *bp.Description)
	}
	b.WriteString("\nInspect the working tree and break the goal into 3 to 10 concrete steps, each completable in a single focused coding session. Dependencies reference earlier steps of your own list by zero-based index.\n")
	b.WriteString(callbackReturnBlock(
		enrichmentCallbackURL(baseURL, token, requestID),
		`{"nodes":[{"title":"...","description":"...","estimatedMinutes":30,"dependencies":[0]}]}`,
	))
	return b.String()
}

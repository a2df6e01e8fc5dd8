package service

import (
	"context"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
)

// Next finds the first runnable node in display order: status pending or
// queued with every dependency satisfied. When no node is runnable and every
// node is satisfied, the blueprint is marked done and nil is returned.
func (s *ExecutorService) Next(ctx context.Context, blueprintID string) (*models.MacroNode, error) {
	all, err := s.nodes.ListByBlueprint(ctx, blueprintID)
	if err != nil {
		return nil, Wrap(err, "load blueprint nodes")
	}
	byID := nodesByID(all)

	allSatisfied := len(all) > 0
	for _, n := range all {
		if !n.Status.Satisfied() {
			allSatisfied = false
		}
		if n.Status != models.NodePending && n.Status != models.NodeQueued {
			continue
		}
		ready := true
		for _, depID := range n.Dependencies {
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			if !dep.Status.Satisfied() {
				ready = false
				break
			}
		}
		if ready {
			return n, nil
		}
	}

	if allSatisfied {
		_ = s.blueprints.SetStatus(ctx, blueprintID, models.BlueprintDone)
	}
	return nil, nil
}

// RunNext runs the next runnable node, if any. Returns the node that was
// enqueued, or nil when the blueprint has nothing to run.
func (s *ExecutorService) RunNext(ctx context.Context, blueprintID string) (*models.MacroNode, error) {
	node, err := s.Next(ctx, blueprintID)
	if err != nil || node == nil {
		return nil, err
	}
	if _, err := s.RunNode(ctx, blueprintID, node.ID); err != nil {
		return nil, err
	}
	return node, nil
}

// RunAll drives the whole blueprint: every eligible node is pre-marked
// queued so the plan is visible immediately, then nodes run one at a time
// until nothing is runnable or a run fails. On failure the remaining
// pre-queued nodes revert to pending and the blueprint is failed.
func (s *ExecutorService) RunAll(ctx context.Context, blueprintID string) error {
	bp, err := s.blueprints.GetBare(ctx, blueprintID)
	if err != nil {
		return Wrap(err, "load blueprint")
	}

	all, err := s.nodes.ListByBlueprint(ctx, blueprintID)
	if err != nil {
		return Wrap(err, "load blueprint nodes")
	}
	byID := nodesByID(all)

	// Pre-queue every node whose dependency chain could still succeed
	for _, n := range all {
		if n.Status != models.NodePending {
			continue
		}
		eligible := true
		for _, depID := range n.Dependencies {
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			switch dep.Status {
			case models.NodeDone, models.NodeSkipped, models.NodePending, models.NodeQueued:
			default:
				eligible = false
			}
		}
		if eligible {
			_ = s.nodes.SetStatus(ctx, n.ID, models.NodeQueued, nil)
		}
	}

	_ = s.blueprints.SetStatus(ctx, blueprintID, models.BlueprintRunning)

	go s.runLoop(context.WithoutCancel(ctx), bp.ID)
	return nil
}

// runLoop is the RunAll driver. Each iteration picks the next runnable node
// and waits for its queued task to finish before picking again.
func (s *ExecutorService) runLoop(ctx context.Context, blueprintID string) {
	log := s.log.WithBlueprintID(blueprintID)

	for {
		node, err := s.Next(ctx, blueprintID)
		if err != nil {
			log.Error("run-all aborted", "error", err)
			s.revertQueued(ctx, blueprintID)
			_ = s.blueprints.SetStatus(ctx, blueprintID, models.BlueprintFailed)
			return
		}
		if node == nil {
			return
		}

		fut, err := s.RunNode(ctx, blueprintID, node.ID)
		if err != nil {
			log.WithNodeID(node.ID).Error("run-all failed to enqueue node", "error", err)
			s.revertQueued(ctx, blueprintID)
			_ = s.blueprints.SetStatus(ctx, blueprintID, models.BlueprintFailed)
			return
		}

		val, err := fut.Wait(ctx)
		if err != nil {
			log.WithNodeID(node.ID).Warn("run-all node task errored", "error", err)
			s.revertQueued(ctx, blueprintID)
			_ = s.blueprints.SetStatus(ctx, blueprintID, models.BlueprintFailed)
			return
		}
		if status, ok := val.(models.NodeStatus); ok && status.TerminalFailure() {
			log.WithNodeID(node.ID).Warn("run-all stopped on failed node", "status", status)
			s.revertQueued(ctx, blueprintID)
			_ = s.blueprints.SetStatus(ctx, blueprintID, models.BlueprintFailed)
			return
		}
	}
}

// revertQueued puts still-queued nodes back to pending after a run-all stop
func (s *ExecutorService) revertQueued(ctx context.Context, blueprintID string) {
	all, err := s.nodes.ListByBlueprint(ctx, blueprintID)
	if err != nil {
		return
	}
	for _, n := range all {
		if n.Status != models.NodeQueued {
			continue
		}
		_ = s.queue.Remove(blueprintID, n.ID)
		_ = s.nodes.SetStatus(ctx, n.ID, models.NodePending, nil)
	}
}

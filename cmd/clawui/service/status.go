package service

import (
	"context"
	"encoding/json"
	"os"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/common/queue"
	"github.com/ccchow/ClawUI-sub001/common/sessions"
)

// SessionTimeline returns the normalized timeline of an agent session owned
// by one of this service's executions. Poll-tick syncs keep the cache warm
// while a run is active; cold reads parse the log directly.
func (s *ExecutorService) SessionTimeline(ctx context.Context, sessionID string) (*sessions.Timeline, error) {
	if cached, ok, err := s.cache.Get(ctx, timelineCacheKey(sessionID)); err == nil && ok {
		var timeline sessions.Timeline
		if err := json.Unmarshal(cached, &timeline); err == nil {
			return &timeline, nil
		}
	}

	exec, err := s.executions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, Wrap(err, "find session execution")
	}
	node, err := s.nodes.GetByID(ctx, exec.NodeID)
	if err != nil {
		return nil, Wrap(err, "load node")
	}
	bp, err := s.blueprints.GetBare(ctx, exec.BlueprintID)
	if err != nil {
		return nil, Wrap(err, "load blueprint")
	}
	if bp.ProjectCwd == nil {
		return nil, E(KindNotFound, "blueprint has no project directory")
	}

	agent, ok := s.agents.GetOrDefault(node.AgentType)
	if !ok {
		return nil, Ef(KindNotFound, "unknown agent type %s", node.AgentType)
	}
	path, _ := s.sessionLogPath(node.AgentType, *bp.ProjectCwd, sessionID)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Ef(KindNotFound, "session log not found for %s", sessionID)
	}
	timeline, err := agent.Parse(path, raw)
	if err != nil {
		return nil, Wrap(err, "parse session log")
	}
	return timeline, nil
}

// NodeForSession reverse-maps a session id to the node whose execution owns it
func (s *ExecutorService) NodeForSession(ctx context.Context, sessionID string) (*models.MacroNode, error) {
	exec, err := s.executions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, Wrap(err, "find session execution")
	}
	node, err := s.nodes.GetByID(ctx, exec.NodeID)
	if err != nil {
		return nil, Wrap(err, "load node")
	}
	return node, nil
}

// ExecutionForSession reverse-maps a session id to its execution
func (s *ExecutorService) ExecutionForSession(ctx context.Context, sessionID string) (*models.NodeExecution, error) {
	exec, err := s.executions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, Wrap(err, "find session execution")
	}
	return exec, nil
}

// QueueInfo returns one blueprint's queue snapshot
func (s *ExecutorService) QueueInfo(blueprintID string) queue.Info {
	return s.queue.Info(blueprintID)
}

// GlobalStatusEntry is one blueprint's queue snapshot enriched with store
// context for the global status view
type GlobalStatusEntry struct {
	queue.Info
	BlueprintID      string `json:"blueprintId"`
	BlueprintTitle   string `json:"blueprintTitle,omitempty"`
	CurrentNodeTitle string `json:"currentNodeTitle,omitempty"`
	CurrentSessionID string `json:"currentSessionId,omitempty"`
}

// GlobalStatus aggregates every active blueprint queue, enriched with
// blueprint title, running node title, and the running node's session id
func (s *ExecutorService) GlobalStatus(ctx context.Context) []GlobalStatusEntry {
	global := s.queue.GlobalInfo()
	entries := make([]GlobalStatusEntry, 0, len(global))

	for blueprintID, info := range global {
		entry := GlobalStatusEntry{Info: info, BlueprintID: blueprintID}

		if bp, err := s.blueprints.GetBare(ctx, blueprintID); err == nil {
			entry.BlueprintTitle = bp.Title
		}
		if info.CurrentNodeID != "" {
			if node, err := s.nodes.GetByID(ctx, info.CurrentNodeID); err == nil {
				entry.CurrentNodeTitle = node.Title
			}
			if execs, err := s.executions.ListForNode(ctx, info.CurrentNodeID); err == nil {
				for i := len(execs) - 1; i >= 0; i-- {
					if execs[i].Status == models.ExecutionRunning && execs[i].SessionID != nil {
						entry.CurrentSessionID = *execs[i].SessionID
						break
					}
				}
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/repository"
	"github.com/ccchow/ClawUI-sub001/common/cache"
	"github.com/ccchow/ClawUI-sub001/common/config"
	"github.com/ccchow/ClawUI-sub001/common/db"
	"github.com/ccchow/ClawUI-sub001/common/logger"
	"github.com/ccchow/ClawUI-sub001/common/queue"
	"github.com/ccchow/ClawUI-sub001/common/runner"
	"github.com/ccchow/ClawUI-sub001/common/sessions"
)

// ExecutorService drives macro nodes to completion. It builds prompts,
// queues runs, supervises the agent subprocess, and reconciles the agent's
// reported outcome with what can be inferred from stdout and the session log.
type ExecutorService struct {
	cfg        *config.Config
	log        *logger.Logger
	db         *db.DB
	queue      *queue.Manager
	runner     *runner.Runner
	agents     *sessions.Registry
	cache      *cache.MemoryCache
	callbacks  *CallbackService
	blueprints *repository.BlueprintRepository
	nodes      *repository.NodeRepository
	artifacts  *repository.ArtifactRepository
	executions *repository.ExecutionRepository
	related    *repository.RelatedSessionRepository
}

// ExecutorServiceOpts contains options for creating an ExecutorService
type ExecutorServiceOpts struct {
	Cfg        *config.Config
	Log        *logger.Logger
	DB         *db.DB
	Queue      *queue.Manager
	Runner     *runner.Runner
	Agents     *sessions.Registry
	Cache      *cache.MemoryCache
	Callbacks  *CallbackService
	Blueprints *repository.BlueprintRepository
	Nodes      *repository.NodeRepository
	Artifacts  *repository.ArtifactRepository
	Executions *repository.ExecutionRepository
	Related    *repository.RelatedSessionRepository
}

// NewExecutorService creates a new executor service
func NewExecutorService(opts *ExecutorServiceOpts) *ExecutorService {
	return &ExecutorService{
		cfg:        opts.Cfg,
		log:        opts.Log,
		db:         opts.DB,
		queue:      opts.Queue,
		runner:     opts.Runner,
		agents:     opts.Agents,
		cache:      opts.Cache,
		callbacks:  opts.Callbacks,
		blueprints: opts.Blueprints,
		nodes:      opts.Nodes,
		artifacts:  opts.Artifacts,
		executions: opts.Executions,
		related:    opts.Related,
	}
}

// hungOutputThreshold is the cleaned-stdout length below which a run with no
// callbacks is classified as hung rather than successful.
const hungOutputThreshold = 50

// RunNode validates preconditions and enqueues a run task for the node. The
// returned future resolves with the node's final status; fire-and-forget
// callers may ignore it.
func (s *ExecutorService) RunNode(ctx context.Context, blueprintID, nodeID string) (*queue.Future, error) {
	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return nil, Wrap(err, "load node")
	}
	if node.BlueprintID != blueprintID {
		return nil, Ef(KindNotFound, "node %s does not belong to blueprint %s", nodeID, blueprintID)
	}

	switch node.Status {
	case models.NodePending, models.NodeFailed, models.NodeQueued:
	default:
		return nil, Ef(KindPrecondition, "node is %s; only pending, failed, or queued nodes can run", node.Status)
	}

	all, err := s.nodes.ListByBlueprint(ctx, blueprintID)
	if err != nil {
		return nil, Wrap(err, "load blueprint nodes")
	}
	byID := nodesByID(all)
	for _, depID := range node.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			continue // dangling reference, filtered
		}
		if dep.Status.TerminalFailure() {
			return nil, Ef(KindPrecondition, "dependency %q is %s", dep.Title, dep.Status)
		}
	}

	if err := s.nodes.SetStatus(ctx, nodeID, models.NodeQueued, nil); err != nil {
		return nil, Wrap(err, "mark node queued")
	}

	fut := s.queue.Enqueue(blueprintID, queue.PendingTask{Type: queue.TaskRun, NodeID: nodeID}, func(taskCtx context.Context) (any, error) {
		return s.executeNode(taskCtx, blueprintID, nodeID)
	})
	return fut, nil
}

// Unqueue removes a not-yet-started run task and reverts the node to pending
func (s *ExecutorService) Unqueue(ctx context.Context, blueprintID, nodeID string) error {
	if err := s.queue.Remove(blueprintID, nodeID); err != nil {
		switch err {
		case queue.ErrTaskRunning:
			return E(KindConflict, "node is currently running and cannot be unqueued")
		case queue.ErrTaskNotFound:
			// Orphaned queued status from a prior incarnation; fall through
			// and revert the store row.
		default:
			return Wrap(err, "remove queued task")
		}
	}

	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return Wrap(err, "load node")
	}
	if node.Status != models.NodeQueued {
		return Ef(KindPrecondition, "node is %s, not queued", node.Status)
	}
	if err := s.nodes.SetStatus(ctx, nodeID, models.NodePending, nil); err != nil {
		return Wrap(err, "revert node to pending")
	}
	return nil
}

// executeNode is the queued task body for one node run. It owns the whole
// lifecycle: dependency re-check, execution row, subprocess, session
// detection, and reconciliation.
func (s *ExecutorService) executeNode(ctx context.Context, blueprintID, nodeID string) (models.NodeStatus, error) {
	log := s.log.WithBlueprintID(blueprintID).WithNodeID(nodeID)

	bp, err := s.blueprints.GetBare(ctx, blueprintID)
	if err != nil {
		return "", Wrap(err, "load blueprint")
	}
	all, err := s.nodes.ListByBlueprint(ctx, blueprintID)
	if err != nil {
		return "", Wrap(err, "load blueprint nodes")
	}
	byID := nodesByID(all)
	node, ok := byID[nodeID]
	if !ok {
		return "", Ef(KindNotFound, "node %s no longer exists", nodeID)
	}

	// Enqueue-time checks were advisory; this is the authoritative one.
	for _, depID := range node.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			continue
		}
		if !dep.Status.Satisfied() {
			msg := "dependency not satisfied: " + dep.Title
			_ = s.nodes.SetStatus(ctx, nodeID, models.NodeFailed, &msg)
			s.settleBlueprint(ctx, blueprintID, models.NodeFailed)
			return models.NodeFailed, nil
		}
	}

	inputs := s.collectInputs(ctx, node, byID)

	execType := models.ExecutionPrimary
	if hasFailed, err := s.executions.HasFailedExecution(ctx, nodeID); err == nil && hasFailed {
		execType = models.ExecutionRetry
	}

	exec := &models.NodeExecution{
		NodeID:      nodeID,
		BlueprintID: blueprintID,
		Type:        execType,
		Status:      models.ExecutionRunning,
		StartedAt:   models.NowISO(),
	}
	if ic := joinInputs(inputs); ic != "" {
		exec.InputContext = &ic
	}
	if err := s.executions.Create(ctx, exec); err != nil {
		return "", Wrap(err, "create execution")
	}
	log = log.WithExecutionID(exec.ID)

	if err := s.nodes.SetStatus(ctx, nodeID, models.NodeRunning, nil); err != nil {
		return "", Wrap(err, "mark node running")
	}
	_ = s.blueprints.SetStatus(ctx, blueprintID, models.BlueprintRunning)

	position, total := nodePosition(all, nodeID)
	prompt := buildNodePrompt(bp, node, position, total, inputs,
		s.cfg.BaseURL(), s.cfg.Service.AuthToken, exec.ID)

	cwd := ""
	if bp.ProjectCwd != nil {
		cwd = *bp.ProjectCwd
	}

	startedAt, _ := models.ParseISO(exec.StartedAt)
	stopPoll := s.startSessionPoller(exec.ID, node.AgentType, cwd, startedAt)

	log.Info("spawning agent", "type", execType)
	output, runErr := s.runner.Run(ctx, runner.Options{
		Prompt: prompt,
		Cwd:    cwd,
		OnPID: func(pid int) {
			_ = s.executions.SetPID(context.Background(), exec.ID, pid)
		},
	})

	stopPoll()

	// Late session detection for very short runs the poller missed
	if sid, ok := s.detectSession(ctx, exec.ID, node.AgentType, cwd, startedAt); ok {
		_ = s.executions.SetSessionID(ctx, exec.ID, sid)
	}

	// Pick up any callback writes the agent made during the run
	exec, err = s.executions.GetByID(ctx, exec.ID)
	if err != nil {
		return "", Wrap(err, "re-read execution")
	}

	final := s.reconcile(ctx, bp, node, exec, output, runErr)
	s.settleBlueprint(ctx, blueprintID, final)
	return final, nil
}

// collectInputs gathers the latest handoff artifact from each dependency,
// in the dependency list's reading order.
func (s *ExecutorService) collectInputs(ctx context.Context, node *models.MacroNode, byID map[string]*models.MacroNode) []promptInput {
	var inputs []promptInput
	for _, depID := range node.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			continue
		}
		art, err := s.artifacts.LatestForTarget(ctx, depID, node.ID)
		if err != nil {
			continue
		}
		inputs = append(inputs, promptInput{NodeTitle: dep.Title, Content: art.Content})
	}
	return inputs
}

// startSessionPoller launches the background session-detection loop. Every
// poll tick it looks for a newly-created session log and, once one is
// adopted, syncs its timeline into the cache so the UI can tail progress.
// The returned func stops the loop and waits for it to exit.
func (s *ExecutorService) startSessionPoller(execID, agentType, cwd string, since time.Time) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.Agent.SessionPollInterval)
		defer ticker.Stop()

		sessionID := ""
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			ctx := context.Background()
			if sessionID == "" {
				sid, ok := s.detectSession(ctx, execID, agentType, cwd, since)
				if !ok {
					continue
				}
				sessionID = sid
				if err := s.executions.SetSessionID(ctx, execID, sid); err != nil {
					s.log.WithExecutionID(execID).Warn("failed to persist session id", "error", err)
				}
			}
			s.syncTimeline(ctx, agentType, cwd, sessionID)
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

// detectSession scans the agent's project session directory for a log file
// created after the execution started. A session already owned by a
// different execution is never adopted.
func (s *ExecutorService) detectSession(ctx context.Context, execID, agentType, cwd string, since time.Time) (string, bool) {
	agent, ok := s.agents.GetOrDefault(agentType)
	if !ok || cwd == "" {
		return "", false
	}

	dir := agent.SessionsDir(cwd)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	type candidate struct {
		id    string
		mtime time.Time
	}
	var candidates []candidate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().After(since) {
			continue
		}
		candidates = append(candidates, candidate{
			id:    strings.TrimSuffix(entry.Name(), ".jsonl"),
			mtime: info.ModTime(),
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.Before(candidates[j].mtime) })

	for _, c := range candidates {
		owner, err := s.executions.GetBySessionID(ctx, c.id)
		if err == nil && owner.ID != execID {
			continue // owned by another execution
		}
		return c.id, true
	}
	return "", false
}

// syncTimeline parses the session log and caches the normalized timeline
func (s *ExecutorService) syncTimeline(ctx context.Context, agentType, cwd, sessionID string) {
	agent, ok := s.agents.GetOrDefault(agentType)
	if !ok || cwd == "" {
		return
	}
	path := filepath.Join(agent.SessionsDir(cwd), sessionID+".jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	timeline, err := agent.Parse(path, raw)
	if err != nil {
		return
	}
	encoded, err := json.Marshal(timeline)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, timelineCacheKey(sessionID), encoded, 30*time.Second)
}

func timelineCacheKey(sessionID string) string {
	return "timeline:" + sessionID
}

// sessionLogPath resolves a session id to its on-disk log file
func (s *ExecutorService) sessionLogPath(agentType, cwd, sessionID string) (string, bool) {
	agent, ok := s.agents.GetOrDefault(agentType)
	if !ok || cwd == "" {
		return "", false
	}
	return filepath.Join(agent.SessionsDir(cwd), sessionID+".jsonl"), true
}

func nodesByID(nodes []*models.MacroNode) map[string]*models.MacroNode {
	byID := make(map[string]*models.MacroNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	return byID
}

// nodePosition returns the node's 1-based place in display order
func nodePosition(nodes []*models.MacroNode, nodeID string) (int, int) {
	for i, n := range nodes {
		if n.ID == nodeID {
			return i + 1, len(nodes)
		}
	}
	return 1, len(nodes)
}

func joinInputs(inputs []promptInput) string {
	if len(inputs) == 0 {
		return ""
	}
	parts := make([]string, len(inputs))
	for i, in := range inputs {
		parts[i] = "## " + in.NodeTitle + "\n\n" + in.Content
	}
	return strings.Join(parts, "\n\n")
}

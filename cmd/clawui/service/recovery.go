package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/repository"
	"github.com/ccchow/ClawUI-sub001/common/config"
	"github.com/ccchow/ClawUI-sub001/common/logger"
	"github.com/ccchow/ClawUI-sub001/common/sessions"
)

const (
	// startupActivityWindow is how fresh a session file must be for a stale
	// execution to count as alive at startup
	startupActivityWindow = 60 * time.Second
	// monitorActivityWindow is the tighter freshness window used by the
	// background monitor once a process is under watch
	monitorActivityWindow = 30 * time.Second
	// restartFailedLookback bounds cohort B: executions a previous restart
	// may have force-failed too eagerly
	restartFailedLookback = 10 * time.Minute
	// monitorCeiling forces a decision on any execution still ambiguous this
	// long after it started
	monitorCeiling = 45 * time.Minute
)

// RecoveryService reconciles persisted running-state with the actual OS and
// filesystem state across service restarts. Startup recovery is the first
// iteration of a standing control loop that keeps running while any
// execution remains ambiguous.
type RecoveryService struct {
	cfg        *config.Config
	log        *logger.Logger
	recovery   *repository.RecoveryRepository
	executions *repository.ExecutionRepository
	nodes      *repository.NodeRepository
	blueprints *repository.BlueprintRepository
	agents     *sessions.Registry
	executor   *ExecutorService

	mu        sync.Mutex
	monitored map[string]*repository.StaleExecution
	stopCh    chan struct{}
}

// RecoveryServiceOpts contains options for creating a RecoveryService
type RecoveryServiceOpts struct {
	Cfg        *config.Config
	Log        *logger.Logger
	Recovery   *repository.RecoveryRepository
	Executions *repository.ExecutionRepository
	Nodes      *repository.NodeRepository
	Blueprints *repository.BlueprintRepository
	Agents     *sessions.Registry
	Executor   *ExecutorService
}

// NewRecoveryService creates a new recovery service
func NewRecoveryService(opts *RecoveryServiceOpts) *RecoveryService {
	return &RecoveryService{
		cfg:        opts.Cfg,
		log:        opts.Log,
		recovery:   opts.Recovery,
		executions: opts.Executions,
		nodes:      opts.Nodes,
		blueprints: opts.Blueprints,
		agents:     opts.Agents,
		executor:   opts.Executor,
		monitored:  make(map[string]*repository.StaleExecution),
	}
}

// Startup classifies every execution left running by a prior process
// incarnation, force-fails the truly dead in one batch, re-adopts the
// alive into the background monitor, and re-enqueues orphaned queued nodes.
func (s *RecoveryService) Startup(ctx context.Context) error {
	cohortA, err := s.recovery.GetStaleRunningExecutions(ctx)
	if err != nil {
		return Wrap(err, "load stale executions")
	}
	cohortB, err := s.recovery.GetRecentRestartFailedExecutions(ctx, restartFailedLookback)
	if err != nil {
		return Wrap(err, "load restart-failed executions")
	}

	var skipIDs []string
	for _, se := range cohortA {
		switch s.classify(ctx, se, startupActivityWindow) {
		case stateAlive:
			s.log.WithExecutionID(se.Execution.ID).Info("stale execution still alive, monitoring")
			skipIDs = append(skipIDs, se.Execution.ID)
			s.watch(se)
		case stateSilentlyCompleted:
			s.log.WithExecutionID(se.Execution.ID).Info("stale execution silently completed, finalizing")
			s.finalizeSilentlyCompleted(ctx, se)
		case stateTrulyDead:
			// Falls into the batch recovery below
		}
	}

	recovered, err := s.recovery.RecoverStaleExecutions(ctx, skipIDs)
	if err != nil {
		return Wrap(err, "recover stale executions")
	}
	if recovered > 0 {
		s.log.Info("recovered dead executions", "count", recovered)
	}

	// A previous too-eager restart may have killed rows whose process was
	// actually fine; give those a second look.
	for _, se := range cohortB {
		switch s.classify(ctx, se, startupActivityWindow) {
		case stateAlive:
			s.log.WithExecutionID(se.Execution.ID).Info("restart-failed execution is actually alive, reviving")
			_ = s.executions.SetStatus(ctx, se.Execution.ID, models.ExecutionRunning)
			_ = s.nodes.SetStatus(ctx, se.Execution.NodeID, models.NodeRunning, nil)
			s.watch(se)
		case stateSilentlyCompleted:
			s.log.WithExecutionID(se.Execution.ID).Info("restart-failed execution completed, finalizing")
			s.finalizeSilentlyCompleted(ctx, se)
		case stateTrulyDead:
			// Already failed with the sentinel; nothing to change
		}
	}

	orphans, err := s.recovery.GetOrphanedQueuedNodes(ctx)
	if err != nil {
		return Wrap(err, "load orphaned queued nodes")
	}
	for _, node := range orphans {
		if s.isWatchedNode(node.ID) {
			continue
		}
		s.log.WithNodeID(node.ID).Info("re-enqueueing orphaned queued node")
		if _, err := s.executor.RunNode(ctx, node.BlueprintID, node.ID); err != nil {
			s.log.WithNodeID(node.ID).Warn("failed to re-enqueue orphaned node", "error", err)
		}
	}

	s.maybeStartMonitor()
	return nil
}

type executionState int

const (
	stateAlive executionState = iota
	stateSilentlyCompleted
	stateTrulyDead
)

// classify decides whether a stale execution's process is alive, finished
// without reporting, or gone without a trace.
func (s *RecoveryService) classify(ctx context.Context, se *repository.StaleExecution, window time.Duration) executionState {
	if se.Execution.CLIPid != nil {
		if alive, err := process.PidExists(int32(*se.Execution.CLIPid)); err == nil && alive {
			return stateAlive
		}
	}

	path, ok := s.sessionPath(se)
	if !ok {
		return stateTrulyDead
	}
	info, err := os.Stat(path)
	if err != nil {
		return stateTrulyDead
	}
	if time.Since(info.ModTime()) <= window {
		return stateAlive
	}
	return stateSilentlyCompleted
}

// finalizeSilentlyCompleted marks the execution and node done and tries to
// synthesize a handoff from the last substantive assistant message.
func (s *RecoveryService) finalizeSilentlyCompleted(ctx context.Context, se *repository.StaleExecution) {
	log := s.log.WithExecutionID(se.Execution.ID).WithNodeID(se.Execution.NodeID)

	summary := models.RestartRecoveryMarker
	if path, ok := s.sessionPath(se); ok {
		if agent, found := s.agents.GetOrDefault(se.AgentType); found {
			if text, err := agent.LastAssistantText(path); err == nil && strings.TrimSpace(text) != "" {
				summary = models.RestartRecoveryMarker + ": " + text
			}
		}
	}

	if err := s.executions.Finish(ctx, se.Execution.ID, models.ExecutionDone, &summary, nil); err != nil {
		log.Error("failed to finalize execution", "error", err)
		return
	}
	if err := s.nodes.SetStatus(ctx, se.Execution.NodeID, models.NodeDone, nil); err != nil {
		log.Error("failed to mark node done", "error", err)
	}

	bp, err := s.blueprints.GetBare(ctx, se.Execution.BlueprintID)
	if err == nil {
		node, err := s.nodes.GetByID(ctx, se.Execution.NodeID)
		if err == nil {
			if err := s.executor.generateHandoff(ctx, bp, node, summary, false); err != nil {
				log.Warn("handoff generation failed during recovery", "error", err)
			}
		}
	}
	s.executor.settleBlueprint(ctx, se.Execution.BlueprintID, models.NodeDone)
}

// finalizeTrulyDead force-fails one monitored execution with the sentinel
func (s *RecoveryService) finalizeTrulyDead(ctx context.Context, se *repository.StaleExecution) {
	sentinel := models.RestartSentinel
	if err := s.executions.Finish(ctx, se.Execution.ID, models.ExecutionFailed, &sentinel, nil); err != nil {
		s.log.WithExecutionID(se.Execution.ID).Error("failed to fail dead execution", "error", err)
		return
	}
	_ = s.nodes.SetStatus(ctx, se.Execution.NodeID, models.NodeFailed, &sentinel)
	s.executor.settleBlueprint(ctx, se.Execution.BlueprintID, models.NodeFailed)
}

func (s *RecoveryService) sessionPath(se *repository.StaleExecution) (string, bool) {
	if se.Execution.SessionID == nil || se.ProjectCwd == nil {
		return "", false
	}
	agent, ok := s.agents.GetOrDefault(se.AgentType)
	if !ok {
		return "", false
	}
	return filepath.Join(agent.SessionsDir(*se.ProjectCwd), *se.Execution.SessionID+".jsonl"), true
}

func (s *RecoveryService) watch(se *repository.StaleExecution) {
	s.mu.Lock()
	s.monitored[se.Execution.ID] = se
	s.mu.Unlock()
}

func (s *RecoveryService) isWatchedNode(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, se := range s.monitored {
		if se.Execution.NodeID == nodeID {
			return true
		}
	}
	return false
}

// maybeStartMonitor starts the background tick loop if executions are under
// watch and no loop is running. The loop stops itself when the set empties.
func (s *RecoveryService) maybeStartMonitor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.monitored) == 0 || s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	go s.monitorLoop(s.stopCh)
}

// Stop halts the background monitor
func (s *RecoveryService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
}

func (s *RecoveryService) monitorLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.Agent.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if s.tick(context.Background()) == 0 {
			s.mu.Lock()
			if s.stopCh != nil && len(s.monitored) == 0 {
				s.stopCh = nil
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
		}
	}
}

// tick probes every monitored execution once and returns how many remain
func (s *RecoveryService) tick(ctx context.Context) int {
	s.mu.Lock()
	snapshot := make([]*repository.StaleExecution, 0, len(s.monitored))
	for _, se := range s.monitored {
		snapshot = append(snapshot, se)
	}
	s.mu.Unlock()

	for _, se := range snapshot {
		log := s.log.WithExecutionID(se.Execution.ID)

		if se.Execution.SessionID == nil {
			s.probeSession(ctx, se)
		}

		overCeiling := false
		if started, err := models.ParseISO(se.Execution.StartedAt); err == nil {
			overCeiling = time.Since(started) > monitorCeiling
		}

		state := s.classify(ctx, se, monitorActivityWindow)
		if state == stateAlive && !overCeiling {
			continue
		}
		if overCeiling {
			log.Warn("execution exceeded the monitor ceiling, forcing a decision")
			if _, ok := s.sessionPath(se); ok {
				state = stateSilentlyCompleted
			} else {
				state = stateTrulyDead
			}
		}

		switch state {
		case stateSilentlyCompleted:
			log.Info("monitored execution finished silently, finalizing")
			s.finalizeSilentlyCompleted(ctx, se)
		case stateTrulyDead:
			log.Info("monitored execution died, failing")
			s.finalizeTrulyDead(ctx, se)
		}

		s.mu.Lock()
		delete(s.monitored, se.Execution.ID)
		s.mu.Unlock()
	}

	s.mu.Lock()
	remaining := len(s.monitored)
	s.mu.Unlock()
	return remaining
}

// probeSession looks for a session log the dead-reckoned execution may have
// created. A session owned by a different execution is never adopted.
func (s *RecoveryService) probeSession(ctx context.Context, se *repository.StaleExecution) {
	if se.ProjectCwd == nil {
		return
	}
	started, err := models.ParseISO(se.Execution.StartedAt)
	if err != nil {
		return
	}
	sid, ok := s.executor.detectSession(ctx, se.Execution.ID, se.AgentType, *se.ProjectCwd, started)
	if !ok {
		return
	}
	if err := s.executions.SetSessionID(ctx, se.Execution.ID, sid); err != nil {
		s.log.WithExecutionID(se.Execution.ID).Warn("failed to adopt session", "error", err)
		return
	}
	se.Execution.SessionID = &sid
	s.log.WithExecutionID(se.Execution.ID).Info("adopted session for monitored execution", "session_id", sid)
}

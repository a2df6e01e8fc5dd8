package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

type testEnv struct {
	svc        *ExecutorService
	callbacks  *CallbackService
	recovery   *RecoveryService
	planner    *BlueprintService
	blueprints *repository.BlueprintRepository
	nodes      *repository.NodeRepository
	artifacts  *repository.ArtifactRepository
	executions *repository.ExecutionRepository
	agents     *sessions.Registry
	cfg        *config.Config
	projectDir string
}

// fakeAgent writes an executable shell script standing in for the agent CLI
func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// newTestEnv wires a full executor stack against a throwaway database. An
// empty agentBinary uses /bin/true, i.e. an agent that exits silently.
func newTestEnv(t *testing.T, agentBinary string) *testEnv {
	t.Helper()

	if agentBinary == "" {
		agentBinary = "true"
	}

	cfg := &config.Config{}
	cfg.Service.Name = "clawui"
	cfg.Service.Port = 8317
	cfg.Service.AuthToken = "0123456789abcdef0123456789abcdef"
	cfg.Data.Dir = t.TempDir()
	cfg.Data.DBFile = filepath.Join(cfg.Data.Dir, "clawui.db")
	cfg.Agent.Binary = agentBinary
	cfg.Agent.SessionsRoot = t.TempDir()
	cfg.Agent.ProcessTimeout = 30 * time.Second
	cfg.Agent.SessionPollInterval = 20 * time.Millisecond
	cfg.Agent.MonitorInterval = 20 * time.Millisecond
	cfg.Agent.CallbackTimeout = 5 * time.Second
	cfg.Agent.MaxStdoutBytes = 1 << 20

	log := logger.New("error", "text")

	database, err := db.New(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(database.Close)
	require.NoError(t, db.Migrate(database))

	nodes := repository.NewNodeRepository(database)
	blueprints := repository.NewBlueprintRepository(database, nodes)
	artifacts := repository.NewArtifactRepository(database)
	executions := repository.NewExecutionRepository(database)
	related := repository.NewRelatedSessionRepository(database)

	agents := sessions.NewRegistry()
	agents.Register(sessions.NewClaudeAgent(cfg.Agent.SessionsRoot))

	memCache := cache.NewMemoryCache(log)
	t.Cleanup(func() { memCache.Close() })

	callbacks := NewCallbackService(&CallbackServiceOpts{
		Executions: executions,
		Log:        log,
		Timeout:    cfg.Agent.CallbackTimeout,
	})

	svc := NewExecutorService(&ExecutorServiceOpts{
		Cfg:        cfg,
		Log:        log,
		DB:         database,
		Queue:      queue.NewManager(context.Background(), log),
		Runner:     runner.New(cfg.Agent, log),
		Agents:     agents,
		Cache:      memCache,
		Callbacks:  callbacks,
		Blueprints: blueprints,
		Nodes:      nodes,
		Artifacts:  artifacts,
		Executions: executions,
		Related:    related,
	})

	planner := NewBlueprintService(&BlueprintServiceOpts{
		DB:         database,
		Log:        log,
		Blueprints: blueprints,
		Nodes:      nodes,
		Artifacts:  artifacts,
	})

	recovery := NewRecoveryService(&RecoveryServiceOpts{
		Cfg:        cfg,
		Log:        log,
		Recovery:   repository.NewRecoveryRepository(database),
		Executions: executions,
		Nodes:      nodes,
		Blueprints: blueprints,
		Agents:     agents,
		Executor:   svc,
	})
	t.Cleanup(recovery.Stop)

	return &testEnv{
		svc:        svc,
		callbacks:  callbacks,
		recovery:   recovery,
		planner:    planner,
		blueprints: blueprints,
		nodes:      nodes,
		artifacts:  artifacts,
		executions: executions,
		agents:     agents,
		cfg:        cfg,
		projectDir: t.TempDir(),
	}
}

func (e *testEnv) seedBlueprint(t *testing.T) *models.Blueprint {
	t.Helper()
	bp := &models.Blueprint{Title: "test plan", ProjectCwd: &e.projectDir, Status: models.BlueprintApproved}
	require.NoError(t, e.blueprints.Create(context.Background(), bp))
	return bp
}

func (e *testEnv) seedNode(t *testing.T, blueprintID, title string, deps ...string) *models.MacroNode {
	t.Helper()
	node := &models.MacroNode{
		BlueprintID:  blueprintID,
		Order:        -1,
		Title:        title,
		Dependencies: deps,
	}
	require.NoError(t, e.nodes.Create(context.Background(), node))
	return node
}

func (e *testEnv) seedExecution(t *testing.T, bp *models.Blueprint, node *models.MacroNode) *models.NodeExecution {
	t.Helper()
	exec := &models.NodeExecution{NodeID: node.ID, BlueprintID: bp.ID}
	require.NoError(t, e.executions.Create(context.Background(), exec))
	return exec
}

// reload re-reads an execution so callback writes become visible
func (e *testEnv) reload(t *testing.T, execID string) *models.NodeExecution {
	t.Helper()
	exec, err := e.executions.GetByID(context.Background(), execID)
	require.NoError(t, err)
	return exec
}

package container

import (
	"context"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/repository"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/service"
	"github.com/ccchow/ClawUI-sub001/common/bootstrap"
	"github.com/ccchow/ClawUI-sub001/common/cache"
	"github.com/ccchow/ClawUI-sub001/common/queue"
	"github.com/ccchow/ClawUI-sub001/common/runner"
	"github.com/ccchow/ClawUI-sub001/common/sessions"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components
	Queue      *queue.Manager
	Runner     *runner.Runner
	Agents     *sessions.Registry
	Cache      *cache.MemoryCache

	// Repositories
	BlueprintRepo      *repository.BlueprintRepository
	NodeRepo           *repository.NodeRepository
	ArtifactRepo       *repository.ArtifactRepository
	ExecutionRepo      *repository.ExecutionRepository
	RelatedSessionRepo *repository.RelatedSessionRepository
	RecoveryRepo       *repository.RecoveryRepository

	// Services
	CallbackService  *service.CallbackService
	BlueprintService *service.BlueprintService
	ExecutorService  *service.ExecutorService
	RecoveryService  *service.RecoveryService
}

// NewContainer initializes all services and repositories once
func NewContainer(ctx context.Context, components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	// Initialize repositories
	nodeRepo := repository.NewNodeRepository(components.DB)
	blueprintRepo := repository.NewBlueprintRepository(components.DB, nodeRepo)
	artifactRepo := repository.NewArtifactRepository(components.DB)
	executionRepo := repository.NewExecutionRepository(components.DB)
	relatedRepo := repository.NewRelatedSessionRepository(components.DB)
	recoveryRepo := repository.NewRecoveryRepository(components.DB)

	// Initialize shared infrastructure
	queueMgr := queue.NewManager(ctx, log)
	proc := runner.New(cfg.Agent, log)
	agents := sessions.NewRegistry()
	agents.Register(sessions.NewClaudeAgent(cfg.Agent.SessionsRoot))
	memCache := cache.NewMemoryCache(log)

	// Initialize services (bottom-up: dependencies first)
	callbackService := service.NewCallbackService(&service.CallbackServiceOpts{
		Executions: executionRepo,
		Log:        log,
		Timeout:    cfg.Agent.CallbackTimeout,
	})

	blueprintService := service.NewBlueprintService(&service.BlueprintServiceOpts{
		DB:         components.DB,
		Log:        log,
		Blueprints: blueprintRepo,
		Nodes:      nodeRepo,
		Artifacts:  artifactRepo,
	})

	executorService := service.NewExecutorService(&service.ExecutorServiceOpts{
		Cfg:        cfg,
		Log:        log,
		DB:         components.DB,
		Queue:      queueMgr,
		Runner:     proc,
		Agents:     agents,
		Cache:      memCache,
		Callbacks:  callbackService,
		Blueprints: blueprintRepo,
		Nodes:      nodeRepo,
		Artifacts:  artifactRepo,
		Executions: executionRepo,
		Related:    relatedRepo,
	})

	recoveryService := service.NewRecoveryService(&service.RecoveryServiceOpts{
		Cfg:        cfg,
		Log:        log,
		Recovery:   recoveryRepo,
		Executions: executionRepo,
		Nodes:      nodeRepo,
		Blueprints: blueprintRepo,
		Agents:     agents,
		Executor:   executorService,
	})

	return &Container{
		Components:         components,
		Queue:              queueMgr,
		Runner:             proc,
		Agents:             agents,
		Cache:              memCache,
		BlueprintRepo:      blueprintRepo,
		NodeRepo:           nodeRepo,
		ArtifactRepo:       artifactRepo,
		ExecutionRepo:      executionRepo,
		RelatedSessionRepo: relatedRepo,
		RecoveryRepo:       recoveryRepo,
		CallbackService:    callbackService,
		BlueprintService:   blueprintService,
		ExecutorService:    executorService,
		RecoveryService:    recoveryService,
	}, nil
}

package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/container"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/handlers"
)

// RegisterExecutorRoutes registers execution and graph mutation routes
func RegisterExecutorRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewExecutorHandler(c.ExecutorService, c.Components.Logger)

	bp := e.Group("/api/blueprints/:id")
	{
		bp.POST("/run", h.RunNext)                   // POST /api/blueprints/{id}/run
		bp.POST("/run-all", h.RunAll)                // POST /api/blueprints/{id}/run-all
		bp.POST("/reevaluate-all", h.ReevaluateAll)  // POST /api/blueprints/{id}/reevaluate-all
		bp.POST("/generate", h.Generate)             // POST /api/blueprints/{id}/generate
	}

	nodes := e.Group("/api/blueprints/:id/nodes/:nodeId")
	{
		nodes.POST("/run", h.Run)
		nodes.POST("/unqueue", h.Unqueue)
		nodes.POST("/resume-session", h.ResumeSession)
		nodes.POST("/recover-session", h.RecoverSession)
		nodes.POST("/evaluate", h.Evaluate)
		nodes.POST("/reevaluate", h.Reevaluate)
		nodes.POST("/split", h.Split)
		nodes.POST("/smart-dependencies", h.SmartDependencies)
		nodes.POST("/insert-between", h.InsertBetween)
		nodes.POST("/add-sibling", h.AddSibling)
	}
}

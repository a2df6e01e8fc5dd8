package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/container"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/handlers"
)

// RegisterCallbackRoutes registers the routes agents post back to
func RegisterCallbackRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewCallbackHandler(c.CallbackService, c.ExecutorService, c.Components.Logger)

	execs := e.Group("/api/blueprints/:id/executions/:execId")
	{
		execs.POST("/report-blocker", h.ReportBlocker)
		execs.POST("/task-summary", h.ReportTaskSummary)
		execs.POST("/report-status", h.ReportStatus)
	}

	e.POST("/api/blueprints/:id/nodes/:nodeId/evaluation-callback", h.EvaluationCallback)
	e.POST("/api/enrichment-callback/:requestId", h.EnrichmentCallback)
}

package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/container"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/handlers"
)

// RegisterBlueprintRoutes registers blueprint lifecycle and node CRUD routes
func RegisterBlueprintRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewBlueprintHandler(c.BlueprintService, c.Components.Logger)
	n := handlers.NewNodeHandler(c.BlueprintService, c.Components.Logger)

	bp := e.Group("/api/blueprints")
	{
		bp.POST("", h.Create)                // POST /api/blueprints
		bp.GET("", h.List)                   // GET /api/blueprints
		bp.GET("/:id", h.Get)                // GET /api/blueprints/{id}
		bp.PUT("/:id", h.Update)             // PUT /api/blueprints/{id}
		bp.DELETE("/:id", h.Delete)          // DELETE /api/blueprints/{id}
		bp.POST("/:id/approve", h.Approve)   // POST /api/blueprints/{id}/approve
		bp.POST("/:id/archive", h.Archive)   // POST /api/blueprints/{id}/archive
		bp.POST("/:id/unarchive", h.Unarchive)
	}

	nodes := e.Group("/api/blueprints/:id/nodes")
	{
		nodes.POST("", n.Create)                 // POST /api/blueprints/{id}/nodes
		nodes.POST("/batch-create", n.BatchCreate)  // POST /api/blueprints/{id}/nodes/batch-create
		nodes.POST("/reorder", n.Reorder)           // POST /api/blueprints/{id}/nodes/reorder
		nodes.PUT("/:nodeId", n.Update)          // PUT /api/blueprints/{id}/nodes/{nodeId}
		nodes.DELETE("/:nodeId", n.Delete)       // DELETE /api/blueprints/{id}/nodes/{nodeId}
	}
}

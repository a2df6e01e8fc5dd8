package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/container"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/handlers"
)

// RegisterSessionRoutes registers session lookup and status routes
func RegisterSessionRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewSessionHandler(c.ExecutorService, c.Components.Logger)
	st := handlers.NewStatusHandler(c.ExecutorService, c.Components.Logger)

	sess := e.Group("/api/sessions/:sessionId")
	{
		sess.GET("/timeline", h.Timeline)
		sess.GET("/plan-node", h.PlanNode)
		sess.GET("/execution", h.Execution)
	}

	e.GET("/api/blueprints/:id/queue", st.Queue)
	e.GET("/api/global-status", st.Global)
}

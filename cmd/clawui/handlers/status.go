package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/service"
	"github.com/ccchow/ClawUI-sub001/common/logger"
)

// StatusHandler exposes queue state for dashboards
type StatusHandler struct {
	svc *service.ExecutorService
	log *logger.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(svc *service.ExecutorService, log *logger.Logger) *StatusHandler {
	return &StatusHandler{svc: svc, log: log}
}

// Queue returns the serial queue state for one blueprint
// GET /api/blueprints/:id/queue
func (h *StatusHandler) Queue(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.QueueInfo(c.Param("id")))
}

// Global returns queue state across every blueprint, enriched with titles
// GET /api/global-status
func (h *StatusHandler) Global(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"blueprints": h.svc.GlobalStatus(c.Request().Context()),
	})
}

package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/service"
	"github.com/ccchow/ClawUI-sub001/common/logger"
)

// SessionHandler resolves agent session IDs back to nodes and executions
type SessionHandler struct {
	svc *service.ExecutorService
	log *logger.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(svc *service.ExecutorService, log *logger.Logger) *SessionHandler {
	return &SessionHandler{svc: svc, log: log}
}

// Timeline returns the parsed timeline for a session log
// GET /api/sessions/:sessionId/timeline
func (h *SessionHandler) Timeline(c echo.Context) error {
	tl, err := h.svc.SessionTimeline(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, tl)
}

// PlanNode returns the macro node that owns a session
// GET /api/sessions/:sessionId/plan-node
func (h *SessionHandler) PlanNode(c echo.Context) error {
	node, err := h.svc.NodeForSession(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, node)
}

// Execution returns the execution record that owns a session
// GET /api/sessions/:sessionId/execution
func (h *SessionHandler) Execution(c echo.Context) error {
	exec, err := h.svc.ExecutionForSession(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, exec)
}

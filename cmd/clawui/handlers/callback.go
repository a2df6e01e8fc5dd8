package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/service"
	"github.com/ccchow/ClawUI-sub001/common/logger"
)

// CallbackHandler receives reports posted back by running agent sessions
type CallbackHandler struct {
	callbacks *service.CallbackService
	executor  *service.ExecutorService
	log       *logger.Logger
}

// NewCallbackHandler creates a new callback handler
func NewCallbackHandler(callbacks *service.CallbackService, executor *service.ExecutorService, log *logger.Logger) *CallbackHandler {
	return &CallbackHandler{callbacks: callbacks, executor: executor, log: log}
}

// ReportBlocker records a blocker reported by the agent mid-execution
// POST /api/blueprints/:id/executions/:execId/report-blocker
func (h *CallbackHandler) ReportBlocker(c echo.Context) error {
	var report models.BlockerReport
	if err := c.Bind(&report); err != nil {
		return respondError(c, h.log, service.E(service.KindBadRequest, "invalid request body"))
	}
	if err := h.callbacks.ReportBlocker(c.Request().Context(), c.Param("execId"), report); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "recorded"})
}

// ReportTaskSummary records the agent's own completion summary
// POST /api/blueprints/:id/executions/:execId/task-summary
func (h *CallbackHandler) ReportTaskSummary(c echo.Context) error {
	var body struct {
		Summary string `json:"summary"`
	}
	if err := c.Bind(&body); err != nil || body.Summary == "" {
		return respondError(c, h.log, service.E(service.KindBadRequest, "summary is required"))
	}
	if err := h.callbacks.ReportTaskSummary(c.Request().Context(), c.Param("execId"), body.Summary); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "recorded"})
}

// ReportStatus records the agent's self-reported terminal status
// POST /api/blueprints/:id/executions/:execId/report-status
func (h *CallbackHandler) ReportStatus(c echo.Context) error {
	var body struct {
		Status string  `json:"status"`
		Reason *string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil || body.Status == "" {
		return respondError(c, h.log, service.E(service.KindBadRequest, "status is required"))
	}
	if err := h.callbacks.ReportStatus(c.Request().Context(), c.Param("execId"), body.Status, body.Reason); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "recorded"})
}

// EvaluationCallback applies the verdict posted by the evaluation agent
// POST /api/blueprints/:id/nodes/:nodeId/evaluation-callback
func (h *CallbackHandler) EvaluationCallback(c echo.Context) error {
	var eval service.EvaluationResult
	if err := c.Bind(&eval); err != nil {
		return respondError(c, h.log, service.E(service.KindBadRequest, "invalid request body"))
	}
	if err := h.executor.ApplyEvaluation(c.Request().Context(), c.Param("id"), c.Param("nodeId"), &eval); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "applied"})
}

// EnrichmentCallback delivers an agent response to a waiting enrichment request
// POST /api/enrichment-callback/:requestId
func (h *CallbackHandler) EnrichmentCallback(c echo.Context) error {
	payload, err := io.ReadAll(c.Request().Body)
	if err != nil || len(payload) == 0 {
		return respondError(c, h.log, service.E(service.KindBadRequest, "request body is required"))
	}
	if !json.Valid(payload) {
		return respondError(c, h.log, service.E(service.KindBadRequest, "request body must be valid JSON"))
	}
	if err := h.callbacks.Resolve(c.Param("requestId"), payload); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "received"})
}

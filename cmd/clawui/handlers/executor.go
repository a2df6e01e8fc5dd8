package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/service"
	"github.com/ccchow/ClawUI-sub001/common/logger"
	"github.com/ccchow/ClawUI-sub001/common/queue"
)

// ExecutorHandler handles node execution and graph mutation requests
type ExecutorHandler struct {
	svc *service.ExecutorService
	log *logger.Logger
}

// NewExecutorHandler creates a new executor handler
func NewExecutorHandler(svc *service.ExecutorService, log *logger.Logger) *ExecutorHandler {
	return &ExecutorHandler{svc: svc, log: log}
}

// Run queues a node for execution and returns immediately
// POST /api/blueprints/:id/nodes/:nodeId/run
func (h *ExecutorHandler) Run(c echo.Context) error {
	nodeID := c.Param("nodeId")
	if _, err := h.svc.RunNode(c.Request().Context(), c.Param("id"), nodeID); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued", "nodeId": nodeID})
}

// Unqueue removes a node from the queue before it starts
// POST /api/blueprints/:id/nodes/:nodeId/unqueue
func (h *ExecutorHandler) Unqueue(c echo.Context) error {
	if err := h.svc.Unqueue(c.Request().Context(), c.Param("id"), c.Param("nodeId")); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "unqueued"})
}

// ResumeSession resumes a failed node's most recent agent session
// POST /api/blueprints/:id/nodes/:nodeId/resume-session
func (h *ExecutorHandler) ResumeSession(c echo.Context) error {
	nodeID := c.Param("nodeId")
	if _, err := h.svc.ResumeSession(c.Request().Context(), c.Param("id"), nodeID); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued", "nodeId": nodeID})
}

// RecoverSession marks a failed node done from its surviving session log
// POST /api/blueprints/:id/nodes/:nodeId/recover-session
func (h *ExecutorHandler) RecoverSession(c echo.Context) error {
	if err := h.svc.RecoverSession(c.Request().Context(), c.Param("id"), c.Param("nodeId")); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "recovered"})
}

// Evaluate re-runs the post-completion evaluation for a done node
// POST /api/blueprints/:id/nodes/:nodeId/evaluate
func (h *ExecutorHandler) Evaluate(c echo.Context) error {
	if err := h.svc.EvaluateNode(c.Request().Context(), c.Param("id"), c.Param("nodeId")); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "evaluating"})
}

// Reevaluate refines a node's description using the agent, blocking until done
// POST /api/blueprints/:id/nodes/:nodeId/reevaluate
func (h *ExecutorHandler) Reevaluate(c echo.Context) error {
	fut, err := h.svc.Reevaluate(c.Request().Context(), c.Param("id"), c.Param("nodeId"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return h.awaitJSON(c, fut)
}

// Split asks the agent to break a node into smaller nodes, blocking until done
// POST /api/blueprints/:id/nodes/:nodeId/split
func (h *ExecutorHandler) Split(c echo.Context) error {
	fut, err := h.svc.Split(c.Request().Context(), c.Param("id"), c.Param("nodeId"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	nodes, err := fut.Wait(c.Request().Context())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"nodes": nodes})
}

// SmartDependencies asks the agent to recompute the blueprint's dependency edges
// POST /api/blueprints/:id/nodes/:nodeId/smart-dependencies
func (h *ExecutorHandler) SmartDependencies(c echo.Context) error {
	fut, err := h.svc.SmartDependencies(c.Request().Context(), c.Param("id"), c.Param("nodeId"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	deps, err := fut.Wait(c.Request().Context())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"dependencies": deps})
}

type mutationRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// InsertBetween inserts a new node after a completed one, rewiring its dependents
// POST /api/blueprints/:id/nodes/:nodeId/insert-between
func (h *ExecutorHandler) InsertBetween(c echo.Context) error {
	var req mutationRequest
	if err := c.Bind(&req); err != nil || req.Title == "" {
		return respondError(c, h.log, service.E(service.KindBadRequest, "title is required"))
	}
	node, err := h.svc.InsertBetween(c.Request().Context(), c.Param("id"), c.Param("nodeId"), req.Title, req.Description)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, node)
}

// AddSibling adds a blocked sibling sharing the completed node's dependencies
// POST /api/blueprints/:id/nodes/:nodeId/add-sibling
func (h *ExecutorHandler) AddSibling(c echo.Context) error {
	var req mutationRequest
	if err := c.Bind(&req); err != nil || req.Title == "" {
		return respondError(c, h.log, service.E(service.KindBadRequest, "title is required"))
	}
	node, err := h.svc.AddSibling(c.Request().Context(), c.Param("id"), c.Param("nodeId"), req.Title, req.Description)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, node)
}

// RunNext queues the next runnable node
// POST /api/blueprints/:id/run
func (h *ExecutorHandler) RunNext(c echo.Context) error {
	node, err := h.svc.RunNext(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if node == nil {
		return c.JSON(http.StatusOK, map[string]any{"status": "done", "nodeId": nil})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued", "nodeId": node.ID})
}

// RunAll drives the whole blueprint to completion in the background
// POST /api/blueprints/:id/run-all
func (h *ExecutorHandler) RunAll(c echo.Context) error {
	if err := h.svc.RunAll(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "running"})
}

// ReevaluateAll refines every pending node's description, blocking until done
// POST /api/blueprints/:id/reevaluate-all
func (h *ExecutorHandler) ReevaluateAll(c echo.Context) error {
	fut, err := h.svc.ReevaluateAll(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return h.awaitJSON(c, fut)
}

// Generate asks the agent to draft a node graph for an empty blueprint
// POST /api/blueprints/:id/generate
func (h *ExecutorHandler) Generate(c echo.Context) error {
	fut, err := h.svc.Generate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	nodes, err := fut.Wait(c.Request().Context())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"nodes": nodes})
}

func (h *ExecutorHandler) awaitJSON(c echo.Context, fut *queue.Future) error {
	val, err := fut.Wait(c.Request().Context())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, val)
}

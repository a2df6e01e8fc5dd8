package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/repository"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/service"
	"github.com/ccchow/ClawUI-sub001/common/logger"
)

// NodeHandler handles macro node CRUD requests
type NodeHandler struct {
	svc *service.BlueprintService
	log *logger.Logger
}

// NewNodeHandler creates a new node handler
func NewNodeHandler(svc *service.BlueprintService, log *logger.Logger) *NodeHandler {
	return &NodeHandler{svc: svc, log: log}
}

// Create adds a node to a blueprint
// POST /api/blueprints/:id/nodes
func (h *NodeHandler) Create(c echo.Context) error {
	var req service.CreateNodeRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, h.log, service.E(service.KindBadRequest, "invalid request body"))
	}
	node, err := h.svc.CreateNode(c.Request().Context(), c.Param("id"), &req)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, node)
}

// BatchCreate adds several nodes in one transaction
// POST /api/blueprints/:id/nodes/batch-create
func (h *NodeHandler) BatchCreate(c echo.Context) error {
	var body struct {
		Nodes []service.BatchNodeSpec `json:"nodes"`
	}
	if err := c.Bind(&body); err != nil {
		return respondError(c, h.log, service.E(service.KindBadRequest, "invalid request body"))
	}
	nodes, err := h.svc.BatchCreateNodes(c.Request().Context(), c.Param("id"), body.Nodes)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"nodes": nodes})
}

// Update applies a merge patch to a node
// PUT /api/blueprints/:id/nodes/:nodeId
func (h *NodeHandler) Update(c echo.Context) error {
	patch, err := io.ReadAll(c.Request().Body)
	if err != nil || len(patch) == 0 {
		return respondError(c, h.log, service.E(service.KindBadRequest, "request body is required"))
	}
	node, err := h.svc.UpdateNode(c.Request().Context(), c.Param("id"), c.Param("nodeId"), patch)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, node)
}

// Delete removes a node
// DELETE /api/blueprints/:id/nodes/:nodeId
func (h *NodeHandler) Delete(c echo.Context) error {
	if err := h.svc.DeleteNode(c.Request().Context(), c.Param("id"), c.Param("nodeId")); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Reorder rewrites node ordering in one transaction
// POST /api/blueprints/:id/nodes/reorder
func (h *NodeHandler) Reorder(c echo.Context) error {
	var body struct {
		Orders []repository.NodeOrder `json:"orders"`
	}
	if err := c.Bind(&body); err != nil {
		return respondError(c, h.log, service.E(service.KindBadRequest, "invalid request body"))
	}
	if err := h.svc.Reorder(c.Request().Context(), c.Param("id"), body.Orders); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reordered"})
}

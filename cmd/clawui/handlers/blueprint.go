package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/repository"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/service"
	"github.com/ccchow/ClawUI-sub001/common/logger"
)

// BlueprintHandler handles blueprint lifecycle requests
type BlueprintHandler struct {
	svc *service.BlueprintService
	log *logger.Logger
}

// NewBlueprintHandler creates a new blueprint handler
func NewBlueprintHandler(svc *service.BlueprintService, log *logger.Logger) *BlueprintHandler {
	return &BlueprintHandler{svc: svc, log: log}
}

// Create creates a blueprint
// POST /api/blueprints
func (h *BlueprintHandler) Create(c echo.Context) error {
	var req service.CreateBlueprintRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, h.log, service.E(service.KindBadRequest, "invalid request body"))
	}
	bp, err := h.svc.Create(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, bp)
}

// List lists blueprints
// GET /api/blueprints?status=&projectCwd=&includeArchived=
func (h *BlueprintHandler) List(c echo.Context) error {
	filter := repository.ListFilter{
		Status:          c.QueryParam("status"),
		ProjectCwd:      c.QueryParam("projectCwd"),
		IncludeArchived: c.QueryParam("includeArchived") == "true",
	}
	out, err := h.svc.List(c.Request().Context(), filter)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Get returns a blueprint with nodes hydrated
// GET /api/blueprints/:id
func (h *BlueprintHandler) Get(c echo.Context) error {
	bp, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, bp)
}

// Update applies a merge patch
// PUT /api/blueprints/:id
func (h *BlueprintHandler) Update(c echo.Context) error {
	patch, err := io.ReadAll(c.Request().Body)
	if err != nil || len(patch) == 0 {
		return respondError(c, h.log, service.E(service.KindBadRequest, "request body is required"))
	}
	bp, err := h.svc.Update(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, bp)
}

// Delete removes a blueprint and everything it owns
// DELETE /api/blueprints/:id
func (h *BlueprintHandler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Approve moves a draft blueprint to approved
// POST /api/blueprints/:id/approve
func (h *BlueprintHandler) Approve(c echo.Context) error {
	bp, err := h.svc.Approve(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, bp)
}

// Archive hides a blueprint from default listings
// POST /api/blueprints/:id/archive
func (h *BlueprintHandler) Archive(c echo.Context) error {
	if err := h.svc.Archive(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "archived"})
}

// Unarchive restores a blueprint to default listings
// POST /api/blueprints/:id/unarchive
func (h *BlueprintHandler) Unarchive(c echo.Context) error {
	if err := h.svc.Unarchive(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "active"})
}

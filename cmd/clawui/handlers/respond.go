package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/service"
	"github.com/ccchow/ClawUI-sub001/common/logger"
)

// errorBody is the uniform error shape at the HTTP boundary
type errorBody struct {
	Error string `json:"error"`
}

// respondError maps a service error kind to a status code. Internal errors
// are redacted to a fixed phrase; the detail goes to the log only.
func respondError(c echo.Context, log *logger.Logger, err error) error {
	kind := service.KindOf(err)

	status := http.StatusInternalServerError
	msg := err.Error()
	switch kind {
	case service.KindBadRequest:
		status = http.StatusBadRequest
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindConflict:
		status = http.StatusConflict
	case service.KindPrecondition:
		status = http.StatusUnprocessableEntity
	case service.KindExternalFailure:
		status = http.StatusBadGateway
	default:
		log.Error("internal error", "error", err, "path", c.Path())
		msg = "internal server error"
	}

	return c.JSON(status, errorBody{Error: msg})
}

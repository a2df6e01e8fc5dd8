package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// TokenHeader carries the service auth token on API requests. The agent's
// callback curls use the auth query parameter instead, since it is easier to
// embed in a prompt.
const TokenHeader = "x-clawui-token"

// TokenAuth gates every /api route behind the service token. Non-API paths
// (the UI bundle, health) skip auth.
func TokenAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !strings.HasPrefix(c.Request().URL.Path, "/api") {
				return next(c)
			}

			presented := c.Request().Header.Get(TokenHeader)
			if presented == "" {
				presented = c.QueryParam("auth")
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "invalid or missing auth token",
				})
			}
			return next(c)
		}
	}
}

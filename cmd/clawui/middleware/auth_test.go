package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

const testToken = "0123456789abcdef0123456789abcdef"

func newAuthedEcho() *echo.Echo {
	e := echo.New()
	e.Use(TokenAuth(testToken))
	e.GET("/api/blueprints", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

func doRequest(e *echo.Echo, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestTokenAuthAcceptsHeader(t *testing.T) {
	e := newAuthedEcho()
	rec := doRequest(e, "/api/blueprints", map[string]string{TokenHeader: testToken})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenAuthAcceptsQueryParam(t *testing.T) {
	e := newAuthedEcho()
	rec := doRequest(e, "/api/blueprints?auth="+testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenAuthRejectsMissingOrWrongToken(t *testing.T) {
	e := newAuthedEcho()

	rec := doRequest(e, "/api/blueprints", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(e, "/api/blueprints", map[string]string{TokenHeader: "ffffffffffffffffffffffffffffffff"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenAuthSkipsNonAPIPaths(t *testing.T) {
	e := newAuthedEcho()
	rec := doRequest(e, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

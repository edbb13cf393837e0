package main

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func TestGatewayGraph(t *testing.T) {
	require.NoError(t, fx.ValidateApp(options()))
}

func TestGatewayServesThroughProxy(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	t.Setenv("APP_ENV", "development")
	t.Setenv("HTTP_PORT", "0")
	t.Setenv("REDIS_HOST", host)
	t.Setenv("REDIS_PORT", port)
	t.Setenv("CATALOG_SERVICE_URL", upstream.URL)
	t.Setenv("ROUTES_FILE", "")

	var engine *gin.Engine
	app := fxtest.New(t, options(), fx.Populate(&engine))
	defer app.RequireStart().RequireStop()

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	require.Equal(t, http.StatusOK, get("/ready").Code)
	require.Equal(t, http.StatusOK, get("/live").Code)

	w := get("/api/categories/shoes")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "/categories/shoes", w.Header().Get("X-Seen-Path"))
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	require.Equal(t, http.StatusNotFound, get("/api/unknown-thing").Code)
	require.Equal(t, http.StatusUnauthorized, get("/api/orders").Code)

	metrics := get("/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	require.Contains(t, metrics.Body.String(), "gateway_http_requests_total")
}

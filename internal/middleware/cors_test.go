package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/thryfted-gateway/internal/config"
	"github.com/smallbiznis/thryfted-gateway/internal/middleware"
)

func newCORSRouter(cfg config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.SecureHeaders(), middleware.CORS(cfg))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func TestCORSPreflightForAllowedOrigin(t *testing.T) {
	r := newCORSRouter(config.Config{
		CORSAllowedOrigins:   []string{"http://localhost:8081"},
		CORSAllowedMethods:   []string{"GET", "POST"},
		CORSAllowedHeaders:   []string{"Authorization"},
		CORSAllowCredentials: true,
	})

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "http://localhost:8081")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "http://localhost:8081", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	require.Equal(t, "GET, POST", w.Header().Get("Access-Control-Allow-Methods"))
	require.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestCORSIgnoresUnknownOrigin(t *testing.T) {
	r := newCORSRouter(config.Config{CORSAllowedOrigins: []string{"http://localhost:8081"}})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	r := newCORSRouter(config.Config{CORSAllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "http://anything.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

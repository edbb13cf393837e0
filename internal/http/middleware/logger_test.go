package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smallbiznis/thryfted-gateway/internal/http/middleware"
	"github.com/smallbiznis/thryfted-gateway/internal/reqctx"
)

func TestRequestContextAssignsIDAndLogs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	var seen string
	r := gin.New()
	r.Use(middleware.RequestContext(zap.New(core), nil))
	r.GET("/things", func(c *gin.Context) {
		meta, ok := reqctx.MetaFrom(c.Request.Context())
		require.True(t, ok)
		require.False(t, meta.StartedAt.IsZero())
		require.Equal(t, meta.RequestID, reqctx.RequestID(c.Request.Context()))
		seen = meta.RequestID
		c.Status(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/things?q=1", nil)
	req.Header.Set("X-Request-ID", "client-chosen")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	id := w.Header().Get("X-Request-ID")
	require.Equal(t, seen, id)
	require.NotEqual(t, "client-chosen", id)
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	require.Equal(t, "/things?q=1", fields["path"])
	require.EqualValues(t, http.StatusTeapot, fields["status"])
	require.Equal(t, id, fields["request_id"])
}

func TestRecoveryReturnsInternalError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	for _, production := range []bool{true, false} {
		r := gin.New()
		r.Use(middleware.RequestContext(logger, nil), middleware.Recovery(logger, production))
		r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

		require.Equal(t, http.StatusInternalServerError, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Equal(t, "INTERNAL_ERROR", body["code"])
		if production {
			require.NotContains(t, body, "details")
		} else {
			require.Contains(t, body, "details")
		}
	}

	require.Len(t, logs.FilterMessage("unhandled panic").All(), 2)
	require.Len(t, logs.FilterMessage("http_request").All(), 2)
}

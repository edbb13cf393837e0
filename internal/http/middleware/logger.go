package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallbiznis/thryfted-gateway/internal/reqctx"
	"github.com/smallbiznis/thryfted-gateway/internal/telemetry"
)

const (
	// HeaderRequestID carries the request identifier to clients and upstreams.
	HeaderRequestID = "X-Request-ID"
	// RouteKey holds the matched route label in the gin context.
	RouteKey = "route"
)

// RequestContext assigns a fresh request ID and arrival time to every request,
// echoes the ID to the client and logs the finalized response.
func RequestContext(logger *zap.Logger, metrics *telemetry.Metrics) gin.HandlerFunc {
	if logger == nil {
		logger = zap.L()
	}

	return func(c *gin.Context) {
		meta := reqctx.Meta{RequestID: uuid.NewString(), StartedAt: time.Now()}
		c.Request = c.Request.WithContext(reqctx.WithMeta(c.Request.Context(), meta))
		c.Writer.Header().Set(HeaderRequestID, meta.RequestID)

		path := c.Request.URL.Path
		rawQuery := c.Request.URL.RawQuery
		if rawQuery != "" {
			path = path + "?" + rawQuery
		}

		c.Next()

		latency := time.Since(meta.StartedAt)
		status := c.Writer.Status()

		route := c.GetString(RouteKey)
		if route == "" {
			route = c.FullPath()
		}
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveRequest(c.Request.Method, route, status, latency)

		fields := []zap.Field{
			zap.String("request_id", meta.RequestID),
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("route", route),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		}

		if identity, ok := reqctx.IdentityFrom(c.Request.Context()); ok {
			fields = append(fields, zap.String("user_id", identity.Subject))
		}

		switch {
		case status >= 500:
			logger.Error("http_request", fields...)
		case status >= 400:
			logger.Warn("http_request", fields...)
		default:
			logger.Info("http_request", fields...)
		}
	}
}

package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/thryfted-gateway/internal/config"
	"github.com/smallbiznis/thryfted-gateway/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/thryfted-gateway/internal/http/middleware"
	"github.com/smallbiznis/thryfted-gateway/internal/middleware"
	"github.com/smallbiznis/thryfted-gateway/internal/proxy"
	"github.com/smallbiznis/thryfted-gateway/internal/telemetry"
)

// NewRouter wires Gin routes and middleware. Every path not registered here
// falls through to the proxy dispatcher.
func NewRouter(
	cfg config.Config,
	logger *zap.Logger,
	metrics *telemetry.Metrics,
	healthHandler *handler.HealthHandler,
	sessionHandler *handler.SessionHandler,
	authMiddleware *httpmiddleware.Auth,
	rateLimiter *middleware.RateLimiter,
	dispatcher *proxy.Dispatcher,
) *gin.Engine {
	r := gin.New()
	r.Use(httpmiddleware.RequestContext(logger, metrics))
	r.Use(httpmiddleware.Recovery(logger, cfg.IsProduction()))
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(middleware.SecureHeaders())
	r.Use(middleware.CORS(cfg))

	r.GET("/health", healthHandler.Health)
	r.GET("/api/health", healthHandler.Health)
	r.GET("/live", healthHandler.Live)
	r.GET("/ready", healthHandler.Ready)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.POST(handler.AuthPrefix+"/logout", rateLimiter.Handler(), authMiddleware.Required, sessionHandler.Logout)

	r.NoRoute(dispatcher.Handle)

	return r
}

package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/thryfted-gateway/internal/service"
)

// HealthHandler serves liveness, readiness and the health report.
type HealthHandler struct {
	reporter *service.HealthService
}

// NewHealthHandler creates the handler set.
func NewHealthHandler(health *service.HealthService) *HealthHandler {
	return &HealthHandler{reporter: health}
}

// Health returns the aggregated report. ?detailed=true also probes upstreams.
func (h *HealthHandler) Health(c *gin.Context) {
	report := h.reporter.Report(c.Request.Context(), c.Query("detailed") == "true")
	c.JSON(report.HTTPStatus(), report)
}

// Live answers as long as the process accepts connections.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive", "timestamp": time.Now().UTC()})
}

// Ready fails when the cache is unreachable. Upstreams are not consulted.
func (h *HealthHandler) Ready(c *gin.Context) {
	if err := h.reporter.Ready(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "not_ready",
			"timestamp": time.Now().UTC(),
			"reason":    "cache unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "timestamp": time.Now().UTC()})
}

package server_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/thryfted-gateway/internal/adapter/cache"
	"github.com/smallbiznis/thryfted-gateway/internal/config"
	"github.com/smallbiznis/thryfted-gateway/internal/middleware"
	"github.com/smallbiznis/thryfted-gateway/internal/server"
)

const peer = "198.51.100.7"

func newLimitedServer(t *testing.T, trusted []string) (*server.HTTPServer, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	limiter := middleware.NewRateLimiter(cache.NewClient(rdb, zap.NewNop()), config.Config{
		RateLimitMax:         2,
		RateLimitWindow:      time.Minute,
		RateLimitFailureMode: config.FailOpen,
	}, zap.NewNop(), nil)

	router := gin.New()
	router.Use(limiter.Handler())
	router.GET("/api/categories", func(c *gin.Context) { c.Status(http.StatusOK) })

	srv, err := server.NewHTTPServer(router, config.Config{TrustedProxies: trusted})
	require.NoError(t, err)
	return srv, mr
}

func sendForwardedFrom(srv *server.HTTPServer, n int) []int {
	var codes []int
	for i := 0; i < n; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/categories", nil)
		req.RemoteAddr = peer + ":5000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.9.9.%d", i))
		w := httptest.NewRecorder()
		srv.Engine.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	return codes
}

func TestRotatingForwardedForSharesOnePeerQuota(t *testing.T) {
	srv, mr := newLimitedServer(t, nil)

	codes := sendForwardedFrom(srv, 4)
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
	require.Equal(t, []string{"rate_limit:" + peer}, mr.Keys())
}

func TestTrustedProxyForwardsClientAddress(t *testing.T) {
	srv, mr := newLimitedServer(t, []string{peer})

	codes := sendForwardedFrom(srv, 3)
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusOK}, codes)
	require.ElementsMatch(t, []string{"rate_limit:10.9.9.0", "rate_limit:10.9.9.1", "rate_limit:10.9.9.2"}, mr.Keys())
}

func TestNewHTTPServerRejectsBadProxyList(t *testing.T) {
	_, err := server.NewHTTPServer(gin.New(), config.Config{TrustedProxies: []string{"not-an-ip"}})
	require.Error(t, err)
}

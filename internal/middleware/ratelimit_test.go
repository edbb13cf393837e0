package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
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
)

func newLimitedRouter(t *testing.T, limit int, window time.Duration, mode string) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Config{RateLimitMax: limit, RateLimitWindow: window, RateLimitFailureMode: mode}
	limiter := middleware.NewRateLimiter(cache.NewClient(rdb, zap.NewNop()), cfg, zap.NewNop(), nil)

	r := gin.New()
	r.Use(limiter.Handler())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r, mr
}

func doPing(r http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = ip + ":5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestFixedWindowRejectsSixthRequest(t *testing.T) {
	r, mr := newLimitedRouter(t, 5, 60*time.Second, config.FailOpen)

	for i := 1; i <= 5; i++ {
		w := doPing(r, "10.0.0.1")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		require.Equal(t, strconv.Itoa(5-i), w.Header().Get("RateLimit-Remaining"))
	}

	w := doPing(r, "10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var body struct {
		Success    bool   `json:"success"`
		Code       string `json:"code"`
		RetryAfter int    `json:"retryAfter"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.False(t, body.Success)
	require.Equal(t, "RATE_LIMIT_EXCEEDED", body.Code)
	require.Greater(t, body.RetryAfter, 0)
	require.LessOrEqual(t, body.RetryAfter, 60)
	require.Equal(t, strconv.Itoa(body.RetryAfter), w.Header().Get("Retry-After"))

	// other clients have their own window
	require.Equal(t, http.StatusOK, doPing(r, "10.0.0.2").Code)

	mr.FastForward(61 * time.Second)

	w = doPing(r, "10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "4", w.Header().Get("RateLimit-Remaining"))
	count, err := mr.Get("rate_limit:10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "1", count)
}

func TestWindowIsNotRefreshedByLaterRequests(t *testing.T) {
	r, mr := newLimitedRouter(t, 100, 60*time.Second, config.FailOpen)

	doPing(r, "10.0.0.9")
	mr.FastForward(30 * time.Second)
	doPing(r, "10.0.0.9")

	require.Equal(t, 30*time.Second, mr.TTL("rate_limit:10.0.0.9"))
}

func TestFailureModes(t *testing.T) {
	t.Run("open allows", func(t *testing.T) {
		r, mr := newLimitedRouter(t, 1, time.Minute, config.FailOpen)
		mr.SetError("connection refused")
		for i := 0; i < 3; i++ {
			require.Equal(t, http.StatusOK, doPing(r, "10.0.0.3").Code)
		}
	})

	t.Run("closed rejects", func(t *testing.T) {
		r, mr := newLimitedRouter(t, 1, time.Minute, config.FailClosed)
		mr.SetError("connection refused")
		require.Equal(t, http.StatusTooManyRequests, doPing(r, "10.0.0.4").Code)
	})

	t.Run("local enforces in process", func(t *testing.T) {
		r, mr := newLimitedRouter(t, 2, time.Hour, config.FailLocal)
		mr.SetError("connection refused")
		require.Equal(t, http.StatusOK, doPing(r, "10.0.0.5").Code)
		require.Equal(t, http.StatusOK, doPing(r, "10.0.0.5").Code)
		require.Equal(t, http.StatusTooManyRequests, doPing(r, "10.0.0.5").Code)
	})
}

func TestDisabledLimiterPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := middleware.NewRateLimiter(nil, config.Config{}, nil, nil)
	require.Nil(t, limiter)

	r := gin.New()
	r.Use(limiter.Handler())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	require.Equal(t, http.StatusOK, doPing(r, "10.0.0.6").Code)
}

package middleware

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smallbiznis/thryfted-gateway/internal/config"
	"github.com/smallbiznis/thryfted-gateway/internal/http/apierr"
	"github.com/smallbiznis/thryfted-gateway/internal/telemetry"
)

const rateLimitKeyPrefix = "rate_limit:"

// WindowCounter is the cache operation the limiter is built on.
type WindowCounter interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// RateLimitResult describes the quota state after a request was counted.
type RateLimitResult struct {
	Count     int64
	Remaining int
	ResetTime time.Time
	Allowed   bool
	// Degraded is set when the decision was taken without the cache.
	Degraded bool
}

// RetryAfter returns the whole seconds until the window resets, at least 1.
func (r RateLimitResult) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(r.ResetTime.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RateLimiter enforces a fixed-window request budget per client.
// Counters live in the cache so every gateway instance shares them.
type RateLimiter struct {
	counter     WindowCounter
	limit       int
	window      time.Duration
	failureMode string
	logger      *zap.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time

	// in-process fallback used by the "local" failure mode
	localLimit rate.Limit
	localBurst int
	mu         sync.Mutex
	clients    map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing cfg.RateLimitMax requests per
// cfg.RateLimitWindow. It returns nil when the limit is disabled.
func NewRateLimiter(counter WindowCounter, cfg config.Config, logger *zap.Logger, metrics *telemetry.Metrics) *RateLimiter {
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := cfg.RateLimitFailureMode
	if mode == "" {
		mode = config.FailOpen
	}
	return &RateLimiter{
		counter:     counter,
		limit:       cfg.RateLimitMax,
		window:      cfg.RateLimitWindow,
		failureMode: mode,
		logger:      logger.Named("ratelimit"),
		metrics:     metrics,
		now:         time.Now,
		localLimit:  rate.Limit(float64(cfg.RateLimitMax) / cfg.RateLimitWindow.Seconds()),
		localBurst:  cfg.RateLimitMax,
		clients:     make(map[string]*clientLimiter),
	}
}

// CheckAndIncrement counts one request for clientID against the shared window.
func (r *RateLimiter) CheckAndIncrement(ctx context.Context, clientID string) (RateLimitResult, error) {
	count, ttl, err := r.counter.IncrementWindow(ctx, rateLimitKeyPrefix+clientID, r.window)
	if err != nil {
		return RateLimitResult{}, err
	}
	remaining := r.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Count:     count,
		Remaining: remaining,
		ResetTime: r.now().Add(ttl),
		Allowed:   count <= int64(r.limit),
	}, nil
}

// Allow counts the request and applies the configured failure mode when the
// cache cannot be reached. The default mode ("open") lets the request through:
// marketplace availability is preferred over exact quota enforcement.
func (r *RateLimiter) Allow(ctx context.Context, clientID string) RateLimitResult {
	res, err := r.CheckAndIncrement(ctx, clientID)
	if err == nil {
		return res
	}

	r.metrics.RateLimitDegraded(r.failureMode)
	r.logger.Error("rate limit check failed", zap.String("client", clientID), zap.String("failure_mode", r.failureMode), zap.Error(err))

	now := r.now()
	switch r.failureMode {
	case config.FailClosed:
		return RateLimitResult{ResetTime: now.Add(r.window), Degraded: true}
	case config.FailLocal:
		allowed := r.getLimiter(clientID).Allow()
		return RateLimitResult{Remaining: r.limit, ResetTime: now.Add(r.window), Allowed: allowed, Degraded: true}
	default:
		return RateLimitResult{Remaining: r.limit, ResetTime: now.Add(r.window), Allowed: true, Degraded: true}
	}
}

// Check applies the limit to the request behind c, setting the standard
// RateLimit-* headers. It returns the rejection to send, or nil.
func (r *RateLimiter) Check(c *gin.Context) *apierr.Error {
	if r == nil {
		return nil
	}
	res := r.Allow(c.Request.Context(), c.ClientIP())
	now := r.now()
	retryAfter := res.RetryAfter(now)

	header := c.Writer.Header()
	header.Set("RateLimit-Limit", strconv.Itoa(r.limit))
	header.Set("RateLimit-Remaining", strconv.Itoa(res.Remaining))
	header.Set("RateLimit-Reset", strconv.Itoa(retryAfter))

	if res.Allowed {
		return nil
	}
	r.metrics.RateLimited()
	r.logger.Warn("rate limit exceeded", zap.String("client", c.ClientIP()), zap.Int64("count", res.Count))
	return apierr.RateLimited(retryAfter)
}

// Handler returns the gin middleware enforcing throttling behaviour.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := r.Check(c); err != nil {
			apierr.Abort(c, err)
			return
		}
		c.Next()
	}
}

func (r *RateLimiter) getLimiter(key string) *rate.Limiter {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.clients[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(r.localLimit, r.localBurst)
	r.clients[key] = &clientLimiter{limiter: limiter, lastSeen: now}
	r.cleanupLocked(now)
	return limiter
}

func (r *RateLimiter) cleanupLocked(now time.Time) {
	for key, entry := range r.clients {
		if now.Sub(entry.lastSeen) > r.window {
			delete(r.clients, key)
		}
	}
}

package service

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"runtime"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/thryfted-gateway/internal/config"
)

// Overall and per-dependency health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	cacheDependency = "cache"
)

// Pinger is implemented by the cache client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      int64             `json:"uptime"`
	Version     string            `json:"version"`
	Environment string            `json:"environment"`
	Services    map[string]string `json:"services"`
	Memory      MemoryUsage       `json:"memory"`
}

// MemoryUsage reports heap usage in megabytes.
type MemoryUsage struct {
	Used       uint64 `json:"used"`
	Total      uint64 `json:"total"`
	Percentage int    `json:"percentage"`
}

// HTTPStatus maps the overall status onto 200, 207 or 503.
func (r HealthReport) HTTPStatus() int {
	switch r.Status {
	case StatusHealthy:
		return http.StatusOK
	case StatusDegraded:
		return http.StatusMultiStatus
	default:
		return http.StatusServiceUnavailable
	}
}

// HealthService aggregates cache reachability and, on demand, upstream
// liveness. Only the cache gates readiness.
type HealthService struct {
	cache        Pinger
	services     []config.Service
	client       *http.Client
	startedAt    time.Time
	version      string
	environment  string
	readyTimeout time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger
}

// NewHealthService constructs the reporter. Upstreams are probed in name order.
func NewHealthService(cache Pinger, cfg config.Config, logger *zap.Logger) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	services := make([]config.Service, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })

	return &HealthService{
		cache:        cache,
		services:     services,
		client:       &http.Client{},
		startedAt:    time.Now(),
		version:      cfg.Version,
		environment:  cfg.Environment,
		readyTimeout: 2 * time.Second,
		probeTimeout: 5 * time.Second,
		logger:       logger.Named("health"),
	}
}

// Ready reports whether the cache answers a ping within the readiness bound.
func (s *HealthService) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.readyTimeout)
	defer cancel()
	if err := s.cache.Ping(ctx); err != nil {
		return fmt.Errorf("cache ping: %w", err)
	}
	return nil
}

// Report builds the health document. Upstreams are probed only when detailed
// is set; a failing upstream degrades the report, a failing cache fails it.
func (s *HealthService) Report(ctx context.Context, detailed bool) HealthReport {
	started := time.Now()
	deps := map[string]string{cacheDependency: StatusHealthy}

	if err := s.Ready(ctx); err != nil {
		s.logger.Error("cache health check failed", zap.Error(err))
		deps[cacheDependency] = StatusUnhealthy
	}

	if detailed {
		for name, status := range s.probeServices(ctx) {
			deps[name] = status
		}
	}

	status := StatusHealthy
	for _, dep := range deps {
		if dep == StatusUnhealthy {
			status = StatusDegraded
			break
		}
	}
	if deps[cacheDependency] == StatusUnhealthy {
		status = StatusUnhealthy
	}

	s.logger.Debug("health check completed",
		zap.String("status", status),
		zap.Bool("detailed", detailed),
		zap.Duration("elapsed", time.Since(started)),
	)

	return HealthReport{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Uptime:      int64(time.Since(s.startedAt).Seconds()),
		Version:     s.version,
		Environment: s.environment,
		Services:    deps,
		Memory:      readMemory(),
	}
}

func (s *HealthService) probeServices(ctx context.Context) map[string]string {
	results := make([]string, len(s.services))

	var g errgroup.Group
	for i, svc := range s.services {
		g.Go(func() error {
			results[i] = s.probe(ctx, svc)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]string, len(s.services))
	for i, svc := range s.services {
		out[svc.Name] = results[i]
	}
	return out
}

func (s *HealthService) probe(ctx context.Context, svc config.Service) string {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL+"/health", nil)
	if err != nil {
		return StatusUnhealthy
	}
	res, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("service health check failed", zap.String("service", svc.Name), zap.Error(err))
		return StatusUnhealthy
	}
	_ = res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		s.logger.Debug("service health check failed", zap.String("service", svc.Name), zap.Int("status", res.StatusCode))
		return StatusUnhealthy
	}
	return StatusHealthy
}

func readMemory() MemoryUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usage := MemoryUsage{
		Used:  ms.HeapAlloc >> 20,
		Total: ms.HeapSys >> 20,
	}
	if ms.HeapSys > 0 {
		usage.Percentage = int(math.Round(float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100))
	}
	return usage
}

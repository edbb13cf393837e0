package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics holds the gateway's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamFailures *prometheus.CounterVec
	upstreamRetries  *prometheus.CounterVec
	rateLimited      prometheus.Counter
	rateLimitDegrade *prometheus.CounterVec
	tokenFailures    *prometheus.CounterVec
	websockets       *prometheus.GaugeVec
}

// NewRegistry returns a registry preloaded with process and Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewMetrics registers the gateway collectors on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Inbound requests by method, matched route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Inbound request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Proxy attempts that failed before a response was received.",
		}, []string{"service", "reason"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Retried upstream connection attempts.",
		}, []string{"service"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		rateLimitDegrade: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_degraded_total",
			Help:      "Rate limit decisions taken without the cache.",
		}, []string{"mode"}),
		tokenFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_failures_total",
			Help:      "Bearer token verification failures by reason.",
		}, []string{"reason"}),
		websockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open proxied WebSocket connections.",
		}, []string{"service"}),
	}
	reg.MustRegister(
		m.requests,
		m.requestDuration,
		m.upstreamFailures,
		m.upstreamRetries,
		m.rateLimited,
		m.rateLimitDegrade,
		m.tokenFailures,
		m.websockets,
	)
	return m
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) UpstreamFailure(service, reason string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(service, reason).Inc()
}

func (m *Metrics) UpstreamRetry(service string) {
	if m == nil {
		return
	}
	m.upstreamRetries.WithLabelValues(service).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) RateLimitDegraded(mode string) {
	if m == nil {
		return
	}
	m.rateLimitDegrade.WithLabelValues(mode).Inc()
}

func (m *Metrics) TokenFailure(reason string) {
	if m == nil {
		return
	}
	m.tokenFailures.WithLabelValues(reason).Inc()
}

// WebSocketOpened increments the open connection gauge and returns its release.
func (m *Metrics) WebSocketOpened(service string) func() {
	if m == nil {
		return func() {}
	}
	g := m.websockets.WithLabelValues(service)
	g.Inc()
	return g.Dec
}

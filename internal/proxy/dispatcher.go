package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/thryfted-gateway/internal/config"
	"github.com/smallbiznis/thryfted-gateway/internal/http/apierr"
	httpmiddleware "github.com/smallbiznis/thryfted-gateway/internal/http/middleware"
	"github.com/smallbiznis/thryfted-gateway/internal/reqctx"
	"github.com/smallbiznis/thryfted-gateway/internal/telemetry"
)

// Dispatcher matches inbound requests against the route table, runs the
// route's admission stages and forwards the request to its upstream.
type Dispatcher struct {
	table      *Table
	pipeline   *Pipeline
	transports map[string]*http.Transport
	websocket  *wsRelay
	production bool

	requestTransforms  []RequestTransform
	responseTransforms []ResponseTransform

	tracer  trace.Tracer
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewDispatcher builds a dispatcher with one connection pool per upstream.
func NewDispatcher(cfg config.Config, table *Table, pipeline *Pipeline, logger *zap.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("proxy")

	transports := make(map[string]*http.Transport, len(cfg.Services))
	for name, svc := range cfg.Services {
		transports[name] = newTransport(svc)
	}

	return &Dispatcher{
		table:              table,
		pipeline:           pipeline,
		transports:         transports,
		websocket:          newWSRelay(cfg, logger, metrics),
		production:         cfg.IsProduction(),
		requestTransforms:  defaultRequestTransforms(),
		responseTransforms: defaultResponseTransforms(DefaultCORSPolicy),
		tracer:             otel.Tracer("github.com/smallbiznis/thryfted-gateway/internal/proxy"),
		logger:             logger,
		metrics:            metrics,
	}
}

func newTransport(svc config.Service) *http.Transport {
	dialer := &net.Dialer{Timeout: svc.ConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   svc.ConnectTimeout,
		ResponseHeaderTimeout: svc.Timeout,
		ExpectContinueTimeout: time.Second,
	}
}

// Handle is the catch-all entry point for proxied paths.
func (d *Dispatcher) Handle(c *gin.Context) {
	route, ok := d.table.Match(c.Request.URL.Path)
	if !ok {
		apierr.Abort(c, apierr.NotFound(c.Request.URL.Path))
		return
	}
	c.Set(httpmiddleware.RouteKey, route.Prefix)

	if err := d.pipeline.Run(c, route.Stages); err != nil {
		apierr.Abort(c, err)
		return
	}
	d.Proxy(c, route)
}

// ProxyPrefix forwards the request through the route registered for prefix
// without running its admission stages. Callers run their own.
func (d *Dispatcher) ProxyPrefix(c *gin.Context, prefix string) {
	route, ok := d.table.Lookup(prefix)
	if !ok {
		apierr.Abort(c, apierr.NotFound(c.Request.URL.Path))
		return
	}
	c.Set(httpmiddleware.RouteKey, route.Prefix)
	d.Proxy(c, route)
}

// Proxy forwards the request behind c to route's upstream.
func (d *Dispatcher) Proxy(c *gin.Context, route *Route) {
	if route.WebSocket && isWebSocketUpgrade(c.Request) {
		d.websocket.serve(c, route, d.outboundHeader(c.Request))
		c.Abort()
		return
	}

	res, err := d.roundTrip(c.Request, route)
	if err != nil {
		d.fail(c, route, err)
		return
	}
	defer res.Body.Close()

	d.writeResponse(c, route, res)
	c.Abort()
}

// roundTrip sends the request upstream. Connection failures are retried up to
// the service's budget, for idempotent methods with no body only.
func (d *Dispatcher) roundTrip(in *http.Request, route *Route) (*http.Response, error) {
	svc := route.Service
	transport := d.transports[svc.Name]
	if transport == nil {
		transport = newTransport(svc)
	}

	attempts := 1
	if retryable(in) && svc.Retries > 0 {
		attempts += svc.Retries
	}

	ctx, span := d.tracer.Start(in.Context(), "proxy "+svc.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gateway.service", svc.Name),
			attribute.String("gateway.route", route.Prefix),
			attribute.String("http.request.method", in.Method),
		),
	)
	defer span.End()
	in = in.WithContext(ctx)

	header := d.outboundHeader(in)
	target := d.targetURL(in, route)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			d.metrics.UpstreamRetry(svc.Name)
			d.logger.Warn("retrying upstream",
				zap.String("service", svc.Name),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		ctx, cancel := context.WithTimeout(in.Context(), svc.Timeout)
		out, err := http.NewRequestWithContext(ctx, in.Method, target, in.Body)
		if err != nil {
			cancel()
			return nil, err
		}
		out.Header = header.Clone()
		out.ContentLength = in.ContentLength
		out.Host = out.URL.Host

		res, err := transport.RoundTrip(out)
		if err == nil {
			span.SetAttributes(
				attribute.Int("http.response.status_code", res.StatusCode),
				attribute.Int("gateway.attempts", attempt),
			)
			if res.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, res.Status)
			}
			res.Body = &cancelBody{ReadCloser: res.Body, cancel: cancel}
			return res, nil
		}
		cancel()
		lastErr = err

		if !isConnectError(err) || in.Context().Err() != nil {
			break
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, failureReason(lastErr))
	return nil, lastErr
}

func (d *Dispatcher) outboundHeader(in *http.Request) http.Header {
	out := &OutboundRequest{Inbound: in, Header: in.Header.Clone()}
	for _, transform := range d.requestTransforms {
		transform(in.Context(), out)
	}
	return out.Header
}

func (d *Dispatcher) targetURL(in *http.Request, route *Route) string {
	u := route.Target()
	u.Path = joinPath(u.Path, route.RewritePath(in.URL.Path))
	u.RawPath = ""
	u.RawQuery = in.URL.RawQuery
	return u.String()
}

func (d *Dispatcher) writeResponse(c *gin.Context, route *Route, res *http.Response) {
	upstream := &UpstreamResponse{Status: res.StatusCode, Header: res.Header}
	for _, transform := range d.responseTransforms {
		transform(upstream)
	}

	dst := c.Writer.Header()
	for name := range dst {
		if strings.HasPrefix(name, "Access-Control-") {
			dst.Del(name)
		}
	}
	for name, values := range upstream.Header {
		dst[name] = values
	}
	c.Status(upstream.Status)
	c.Writer.WriteHeaderNow()

	if _, err := io.Copy(c.Writer, res.Body); err != nil {
		d.metrics.UpstreamFailure(route.Service.Name, "body")
		d.logger.Warn("upstream body copy interrupted",
			zap.String("request_id", reqctx.RequestID(c.Request.Context())),
			zap.String("service", route.Service.Name),
			zap.Error(err),
		)
	}
}

// fail answers an upstream failure with SERVICE_UNAVAILABLE. The upstream
// error itself only reaches the client outside production.
func (d *Dispatcher) fail(c *gin.Context, route *Route, err error) {
	reason := failureReason(err)
	d.metrics.UpstreamFailure(route.Service.Name, reason)
	d.logger.Error("proxy error",
		zap.String("request_id", reqctx.RequestID(c.Request.Context())),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("service", route.Service.Name),
		zap.String("reason", reason),
		zap.Error(err),
	)

	if errors.Is(c.Request.Context().Err(), context.Canceled) {
		// client went away; nobody is left to answer
		c.Abort()
		return
	}

	resp := apierr.ServiceUnavailable()
	if !d.production {
		resp = resp.WithDetails(map[string]any{"service": route.Service.Name, "reason": reason})
	}
	apierr.Abort(c, resp)
}

// Close releases idle upstream connections.
func (d *Dispatcher) Close() {
	for _, t := range d.transports {
		t.CloseIdleConnections()
	}
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func retryable(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
	default:
		return false
	}
	return r.ContentLength == 0 && len(r.TransferEncoding) == 0
}

// isConnectError reports failures that happened before the request reached
// the upstream.
func isConnectError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func failureReason(err error) string {
	switch {
	case isTimeout(err):
		return "timeout"
	case isConnectError(err):
		return "connect"
	default:
		return "transport"
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		headerContainsToken(r.Header, "Upgrade", "websocket")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func joinPath(base, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" {
		path = "/"
	}
	return base + path
}

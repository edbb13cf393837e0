package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/thryfted-gateway/internal/config"
	"github.com/smallbiznis/thryfted-gateway/internal/http/apierr"
	"github.com/smallbiznis/thryfted-gateway/internal/reqctx"
	"github.com/smallbiznis/thryfted-gateway/internal/telemetry"
)

var errIdle = errors.New("websocket idle timeout")

// handshake headers the dialer generates itself.
var wsHandshakeHeaders = []string{
	"Sec-WebSocket-Key",
	"Sec-WebSocket-Version",
	"Sec-WebSocket-Extensions",
	"Sec-WebSocket-Accept",
}

type wsRelay struct {
	idleTimeout    time.Duration
	allowedOrigins []string
	logger         *zap.Logger
	metrics        *telemetry.Metrics
}

func newWSRelay(cfg config.Config, logger *zap.Logger, metrics *telemetry.Metrics) *wsRelay {
	return &wsRelay{
		idleTimeout:    cfg.WebSocketIdleTimeout,
		allowedOrigins: cfg.CORSAllowedOrigins,
		logger:         logger.Named("ws"),
		metrics:        metrics,
	}
}

// serve dials the upstream first so a dead upstream is answered with a plain
// HTTP error, then upgrades the client and relays frames both ways until
// either side closes.
func (r *wsRelay) serve(c *gin.Context, route *Route, header http.Header) {
	svc := route.Service
	requestID := reqctx.RequestID(c.Request.Context())

	for _, name := range wsHandshakeHeaders {
		header.Del(name)
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: svc.Timeout,
	}
	dialCtx, cancel := context.WithTimeout(c.Request.Context(), svc.Timeout)
	upstream, res, err := dialer.DialContext(dialCtx, r.upstreamURL(c.Request, route), header)
	cancel()
	if err != nil {
		if res != nil {
			_ = res.Body.Close()
		}
		r.metrics.UpstreamFailure(svc.Name, "websocket_dial")
		r.logger.Error("websocket upstream dial failed",
			zap.String("request_id", requestID),
			zap.String("service", svc.Name),
			zap.Error(err),
		)
		apierr.Abort(c, apierr.ServiceUnavailable())
		return
	}

	respHeader := http.Header{}
	if proto := upstream.Subprotocol(); proto != "" {
		respHeader.Set("Sec-WebSocket-Protocol", proto)
	}
	upgrader := websocket.Upgrader{
		HandshakeTimeout: svc.Timeout,
		CheckOrigin:      r.checkOrigin,
		Error: func(w http.ResponseWriter, _ *http.Request, status int, reason error) {
			apierr.Write(w, apierr.New(status, apierr.CodeUpgradeFailed, reason.Error()))
		},
	}
	client, err := upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		_ = upstream.Close()
		r.logger.Warn("websocket upgrade failed",
			zap.String("request_id", requestID),
			zap.String("service", svc.Name),
			zap.Error(err),
		)
		return
	}

	release := r.metrics.WebSocketOpened(svc.Name)
	defer release()

	started := time.Now()
	r.logger.Info("websocket opened", zap.String("request_id", requestID), zap.String("service", svc.Name))

	err = r.pipe(c.Request.Context(), client, upstream)

	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("service", svc.Name),
		zap.Duration("duration", time.Since(started)),
	}
	if err != nil && !isNormalClose(err) {
		fields = append(fields, zap.Error(err))
	}
	r.logger.Info("websocket closed", fields...)
}

// pipe relays frames until one direction fails, then closes both ends.
func (r *wsRelay) pipe(ctx context.Context, client, upstream *websocket.Conn) error {
	var last atomic.Int64
	touch := func() { last.Store(time.Now().UnixNano()) }
	touch()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return copyFrames(upstream, client, touch) })
	g.Go(func() error { return copyFrames(client, upstream, touch) })
	g.Go(func() error {
		<-ctx.Done()
		_ = client.Close()
		_ = upstream.Close()
		return nil
	})

	if r.idleTimeout > 0 {
		interval := r.idleTimeout / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if time.Since(time.Unix(0, last.Load())) < r.idleTimeout {
						continue
					}
					msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle timeout")
					deadline := time.Now().Add(time.Second)
					_ = client.WriteControl(websocket.CloseMessage, msg, deadline)
					_ = upstream.WriteControl(websocket.CloseMessage, msg, deadline)
					return errIdle
				}
			}
		})
	}

	return g.Wait()
}

// copyFrames forwards messages from src to dst. A close frame from src is
// passed on to dst before returning.
func copyFrames(dst, src *websocket.Conn, touch func()) error {
	for {
		kind, data, err := src.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code := closeErr.Code
				if code == websocket.CloseNoStatusReceived || code == websocket.CloseAbnormalClosure {
					code = websocket.CloseNormalClosure
				}
				msg := websocket.FormatCloseMessage(code, closeErr.Text)
				_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			return err
		}
		touch()
		if err := dst.WriteMessage(kind, data); err != nil {
			return err
		}
	}
}

func (r *wsRelay) upstreamURL(in *http.Request, route *Route) string {
	u := route.Target()
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = joinPath(u.Path, route.RewritePath(in.URL.Path))
	u.RawPath = ""
	u.RawQuery = in.URL.RawQuery
	return u.String()
}

// checkOrigin admits non-browser clients, same-host pages and the configured
// CORS origins.
func (r *wsRelay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range r.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, req.Host)
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

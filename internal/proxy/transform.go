package proxy

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/smallbiznis/thryfted-gateway/internal/reqctx"
)

// Headers injected towards upstreams.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// OutboundRequest is the input of a request transform: the inbound request
// being proxied and the header map that will be sent upstream.
type OutboundRequest struct {
	Inbound *http.Request
	Header  http.Header
}

// RequestTransform edits the headers sent upstream.
type RequestTransform func(ctx context.Context, out *OutboundRequest)

// UpstreamResponse is the input of a response transform.
type UpstreamResponse struct {
	Status int
	Header http.Header
}

// ResponseTransform edits the upstream response before it is written back.
type ResponseTransform func(res *UpstreamResponse)

// CORSPolicy is written onto every proxied response, replacing whatever the
// upstream sent. The gateway is the only CORS authority.
type CORSPolicy struct {
	AllowOrigin  string
	AllowMethods string
	AllowHeaders string
}

// DefaultCORSPolicy is the permissive policy applied at the edge.
var DefaultCORSPolicy = CORSPolicy{
	AllowOrigin:  "*",
	AllowMethods: "GET,PUT,POST,DELETE,OPTIONS",
	AllowHeaders: "Content-Type, Authorization, X-Requested-With",
}

func defaultRequestTransforms() []RequestTransform {
	return []RequestTransform{
		stripHopHeaders,
		stripIdentityHeaders,
		injectRequestID,
		injectIdentity,
		injectForwarded,
		injectTraceContext,
	}
}

func defaultResponseTransforms(cors CORSPolicy) []ResponseTransform {
	return []ResponseTransform{
		func(res *UpstreamResponse) { removeHopHeaders(res.Header) },
		overwriteCORS(cors),
	}
}

func stripHopHeaders(_ context.Context, out *OutboundRequest) {
	removeHopHeaders(out.Header)
}

// removeHopHeaders drops hop-by-hop headers, including any named by Connection.
func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// stripIdentityHeaders removes client-supplied identity headers so upstreams
// only ever see identities the gateway resolved.
func stripIdentityHeaders(_ context.Context, out *OutboundRequest) {
	out.Header.Del(HeaderUserID)
	out.Header.Del(HeaderUserEmail)
}

func injectRequestID(ctx context.Context, out *OutboundRequest) {
	if id := reqctx.RequestID(ctx); id != "" {
		out.Header.Set(HeaderRequestID, id)
	}
}

func injectIdentity(ctx context.Context, out *OutboundRequest) {
	identity, ok := reqctx.IdentityFrom(ctx)
	if !ok {
		return
	}
	out.Header.Set(HeaderUserID, identity.Subject)
	if identity.Email != "" {
		out.Header.Set(HeaderUserEmail, identity.Email)
	}
}

func injectForwarded(_ context.Context, out *OutboundRequest) {
	in := out.Inbound
	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := out.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	if out.Header.Get("X-Forwarded-Host") == "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}
	if out.Header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if in.TLS != nil {
			proto = "https"
		}
		out.Header.Set("X-Forwarded-Proto", proto)
	}
}

func injectTraceContext(ctx context.Context, out *OutboundRequest) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))
}

func overwriteCORS(policy CORSPolicy) ResponseTransform {
	return func(res *UpstreamResponse) {
		for name := range res.Header {
			if strings.HasPrefix(name, "Access-Control-") {
				res.Header.Del(name)
			}
		}
		res.Header.Set("Access-Control-Allow-Origin", policy.AllowOrigin)
		res.Header.Set("Access-Control-Allow-Methods", policy.AllowMethods)
		res.Header.Set("Access-Control-Allow-Headers", policy.AllowHeaders)
	}
}

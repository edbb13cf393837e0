package proxy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/thryfted-gateway/internal/config"
)

// Route is a compiled route table entry.
type Route struct {
	Prefix    string
	Rewrite   string
	Service   config.Service
	Policy    string
	WebSocket bool
	Stages    []Stage

	target *url.URL
}

// Table maps public path prefixes to upstream services. It is immutable after
// construction and safe for concurrent use.
type Table struct {
	routes []*Route
}

// NewTable compiles the configured routes against the service descriptors.
func NewTable(cfg config.Config) (*Table, error) {
	routes := make([]*Route, 0, len(cfg.Routes))
	for i, rc := range cfg.Routes {
		svc, ok := cfg.Services[rc.Service]
		if !ok {
			return nil, fmt.Errorf("route %s: unknown service %q", rc.Prefix, rc.Service)
		}
		target, err := url.Parse(svc.URL)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("route %s: invalid %s service url %q", rc.Prefix, svc.Name, svc.URL)
		}
		prefix := strings.TrimRight(rc.Prefix, "/")
		if prefix == "" {
			return nil, fmt.Errorf("routes[%d]: empty prefix", i)
		}
		routes = append(routes, &Route{
			Prefix:    prefix,
			Rewrite:   strings.TrimRight(rc.Rewrite, "/"),
			Service:   svc,
			Policy:    rc.Auth,
			WebSocket: rc.WebSocket,
			Stages:    compileStages(rc),
			target:    target,
		})
	}
	return &Table{routes: routes}, nil
}

// Routes returns the compiled entries in match order.
func (t *Table) Routes() []*Route {
	return t.routes
}

// Match returns the first route whose prefix covers path on a segment
// boundary: /api/listings matches /api/listings and /api/listings/1 but not
// /api/listingsfoo.
func (t *Table) Match(path string) (*Route, bool) {
	for _, r := range t.routes {
		if r.covers(path) {
			return r, true
		}
	}
	return nil, false
}

// Lookup returns the route registered for exactly prefix.
func (t *Table) Lookup(prefix string) (*Route, bool) {
	for _, r := range t.routes {
		if r.Prefix == prefix {
			return r, true
		}
	}
	return nil, false
}

func (r *Route) covers(path string) bool {
	if !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	return len(path) == len(r.Prefix) || path[len(r.Prefix)] == '/'
}

// RewritePath strips the matched prefix and substitutes the upstream prefix.
func (r *Route) RewritePath(path string) string {
	rest := strings.TrimPrefix(path, r.Prefix)
	out := r.Rewrite + rest
	if out == "" {
		return "/"
	}
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

// Target returns the upstream base URL.
func (r *Route) Target() *url.URL {
	u := *r.target
	return &u
}

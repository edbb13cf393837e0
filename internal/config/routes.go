package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Identity policies a route can require.
const (
	AuthNone     = "none"
	AuthOptional = "optional"
	AuthRequired = "required"
)

// Route is one entry of the static route table.
type Route struct {
	Prefix          string `yaml:"prefix"`
	Rewrite         string `yaml:"rewrite"`
	Service         string `yaml:"service"`
	Auth            string `yaml:"auth"`
	WebSocket       bool   `yaml:"websocket"`
	RequireRole     string `yaml:"require_role"`
	RequireVerified bool   `yaml:"require_verified"`
	Upload          bool   `yaml:"upload"`
	// RateLimit defaults to true when omitted from the route file.
	RateLimit *bool `yaml:"rate_limit"`
}

// RateLimited reports whether the route passes through the rate limiter.
func (r Route) RateLimited() bool {
	return r.RateLimit == nil || *r.RateLimit
}

type routeFile struct {
	Routes []Route `yaml:"routes"`
}

// DefaultRoutes returns the marketplace route table.
func DefaultRoutes() []Route {
	return []Route{
		{Prefix: "/api/auth", Rewrite: "/auth", Service: ServiceUser, Auth: AuthNone},
		{Prefix: "/api/users", Rewrite: "/users", Service: ServiceUser, Auth: AuthRequired},
		{Prefix: "/api/listings", Rewrite: "/listings", Service: ServiceCatalog, Auth: AuthOptional},
		{Prefix: "/api/categories", Rewrite: "/categories", Service: ServiceCatalog, Auth: AuthNone},
		{Prefix: "/api/search", Rewrite: "/search", Service: ServiceSearch, Auth: AuthOptional},
		{Prefix: "/api/messages", Rewrite: "/messages", Service: ServiceMessaging, Auth: AuthRequired},
		{Prefix: "/api/conversations", Rewrite: "/conversations", Service: ServiceMessaging, Auth: AuthRequired},
		{Prefix: "/api/offers", Rewrite: "/offers", Service: ServiceMessaging, Auth: AuthRequired},
		{Prefix: "/api/payments", Rewrite: "/payments", Service: ServicePayment, Auth: AuthRequired},
		{Prefix: "/api/orders", Rewrite: "/orders", Service: ServicePayment, Auth: AuthRequired},
		{Prefix: "/api/shipping", Rewrite: "/shipping", Service: ServiceShipping, Auth: AuthRequired},
		{Prefix: "/api/notifications", Rewrite: "/notifications", Service: ServiceNotification, Auth: AuthRequired},
		{Prefix: "/api/upload", Rewrite: "/upload", Service: ServiceCatalog, Auth: AuthRequired, Upload: true},
		{Prefix: "/api/ws", Rewrite: "/ws", Service: ServiceMessaging, Auth: AuthRequired, WebSocket: true},
	}
}

// LoadRoutes reads a YAML route table.
func LoadRoutes(path string) ([]Route, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return ParseRoutes(b)
}

// ParseRoutes decodes and validates a YAML route table.
func ParseRoutes(b []byte) ([]Route, error) {
	var file routeFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	if len(file.Routes) == 0 {
		return nil, fmt.Errorf("routes file declares no routes")
	}

	for i := range file.Routes {
		r := &file.Routes[i]
		r.Prefix = strings.TrimRight(strings.TrimSpace(r.Prefix), "/")
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("routes[%d].prefix must start with /", i)
		}
		if r.Service == "" {
			return nil, fmt.Errorf("routes[%d].service is required", i)
		}
		if r.Auth == "" {
			r.Auth = AuthNone
		}
		switch r.Auth {
		case AuthNone, AuthOptional, AuthRequired:
		default:
			return nil, fmt.Errorf("routes[%d].auth: unknown policy %q", i, r.Auth)
		}
	}
	return file.Routes, nil
}

package proxy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/thryfted-gateway/internal/config"
	"github.com/smallbiznis/thryfted-gateway/internal/proxy"
)

func testServices(url string) map[string]config.Service {
	services := make(map[string]config.Service, len(config.ServiceNames))
	for _, name := range config.ServiceNames {
		services[name] = config.Service{
			Name:           name,
			URL:            url,
			Timeout:        2 * time.Second,
			ConnectTimeout: time.Second,
			Retries:        2,
		}
	}
	return services
}

func TestTableMatchesOnSegmentBoundary(t *testing.T) {
	table, err := proxy.NewTable(config.Config{Services: testServices("http://catalog:3002"), Routes: config.DefaultRoutes()})
	require.NoError(t, err)

	route, ok := table.Match("/api/listings/123")
	require.True(t, ok)
	require.Equal(t, "/api/listings", route.Prefix)
	require.Equal(t, config.ServiceCatalog, route.Service.Name)
	require.Equal(t, "/listings/123", route.RewritePath("/api/listings/123"))
	require.Equal(t, "/listings", route.RewritePath("/api/listings"))

	_, ok = table.Match("/api/listingsfoo")
	require.False(t, ok)
	_, ok = table.Match("/api/unknown-thing")
	require.False(t, ok)

	ws, ok := table.Match("/api/ws")
	require.True(t, ok)
	require.True(t, ws.WebSocket)
	require.Equal(t, config.AuthRequired, ws.Policy)
}

func TestTableFirstMatchWins(t *testing.T) {
	table, err := proxy.NewTable(config.Config{
		Services: testServices("http://upstream"),
		Routes: []config.Route{
			{Prefix: "/api/users", Rewrite: "/users", Service: config.ServiceUser, Auth: config.AuthRequired},
			{Prefix: "/api/users/public", Rewrite: "/public", Service: config.ServiceCatalog, Auth: config.AuthNone},
		},
	})
	require.NoError(t, err)

	route, ok := table.Match("/api/users/public/1")
	require.True(t, ok)
	require.Equal(t, config.ServiceUser, route.Service.Name)
	require.Equal(t, "/users/public/1", route.RewritePath("/api/users/public/1"))
}

func TestRewriteToRoot(t *testing.T) {
	table, err := proxy.NewTable(config.Config{
		Services: testServices("http://upstream"),
		Routes:   []config.Route{{Prefix: "/api/search", Service: config.ServiceSearch, Auth: config.AuthNone}},
	})
	require.NoError(t, err)

	route, ok := table.Lookup("/api/search")
	require.True(t, ok)
	require.Equal(t, "/", route.RewritePath("/api/search"))
	require.Equal(t, "/q", route.RewritePath("/api/search/q"))
}

func TestNewTableRejectsBadConfig(t *testing.T) {
	_, err := proxy.NewTable(config.Config{
		Services: testServices("http://upstream"),
		Routes:   []config.Route{{Prefix: "/api/x", Service: "nope"}},
	})
	require.Error(t, err)

	_, err = proxy.NewTable(config.Config{
		Services: testServices("not a url"),
		Routes:   []config.Route{{Prefix: "/api/x", Service: config.ServiceUser}},
	})
	require.Error(t, err)
}

func TestStagesFollowRouteOptions(t *testing.T) {
	table, err := proxy.NewTable(config.Config{
		Services: testServices("http://upstream"),
		Routes: []config.Route{{
			Prefix: "/api/admin", Service: config.ServiceUser, Auth: config.AuthRequired,
			RequireRole: "admin", RequireVerified: true, Upload: true,
		}},
	})
	require.NoError(t, err)

	route, _ := table.Lookup("/api/admin")
	var kinds []string
	for _, st := range route.Stages {
		kinds = append(kinds, st.Kind.String())
	}
	require.Equal(t, []string{"rate_limit", "identity", "require_role", "require_verified", "upload_guard"}, kinds)
}

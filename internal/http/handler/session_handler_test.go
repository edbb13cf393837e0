package handler_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/thryfted-gateway/internal/adapter/cache"
	"github.com/smallbiznis/thryfted-gateway/internal/domain"
	httpHandler "github.com/smallbiznis/thryfted-gateway/internal/http/handler"
	"github.com/smallbiznis/thryfted-gateway/internal/http/middleware"
	customjwt "github.com/smallbiznis/thryfted-gateway/internal/jwt"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type recordingForwarder struct {
	prefixes []string
}

func (f *recordingForwarder) ProxyPrefix(c *gin.Context, prefix string) {
	f.prefixes = append(f.prefixes, prefix)
	c.Status(http.StatusOK)
}

func TestLogoutRevokesAndForwards(t *testing.T) {
	gin.SetMode(gin.TestMode)
	client, mr := newTestCache(t)

	verifier := customjwt.NewVerifier(testSecret, client, zap.NewNop())
	snapshots := cache.NewSnapshotStore(client, time.Minute)
	auth := middleware.NewAuth(verifier, nil, zap.NewNop(), nil)
	forwarder := &recordingForwarder{}
	sessions := httpHandler.NewSessionHandler(verifier, snapshots, forwarder, zap.NewNop())

	r := gin.New()
	r.POST("/api/auth/logout", auth.Required, sessions.Logout)

	issued := time.Now().Add(-time.Minute).Truncate(time.Second)
	token, err := customjwt.NewSigner(testSecret, time.Hour).Sign(domain.Identity{Subject: "42", IssuedAt: issued})
	require.NoError(t, err)
	require.NoError(t, mr.Set("user:42", "{}"))
	require.NoError(t, mr.Set("user:42:prefs", "{}"))

	logout := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, logout().Code)
	require.Equal(t, []string{httpHandler.AuthPrefix}, forwarder.prefixes)
	require.True(t, mr.Exists(customjwt.RevocationKey("42", issued)))
	require.False(t, mr.Exists("user:42"))
	require.False(t, mr.Exists("user:42:prefs"))

	// the revoked token can no longer reach logout
	w := logout()
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Len(t, forwarder.prefixes, 1)
}

func TestLogoutFailsWhenRevocationCannotBeWritten(t *testing.T) {
	gin.SetMode(gin.TestMode)
	client, mr := newTestCache(t)
	verifier := customjwt.NewVerifier(testSecret, client, zap.NewNop())
	forwarder := &recordingForwarder{}
	sessions := httpHandler.NewSessionHandler(verifier, cache.NewSnapshotStore(client, time.Minute), forwarder, zap.NewNop())
	auth := middleware.NewAuth(verifier, nil, zap.NewNop(), nil)

	r := gin.New()
	r.POST("/api/auth/logout", auth.Required, sessions.Logout)

	token, err := customjwt.NewSigner(testSecret, time.Hour).Sign(domain.Identity{Subject: "9"})
	require.NoError(t, err)

	mr.SetError("connection refused")
	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Empty(t, forwarder.prefixes)
}

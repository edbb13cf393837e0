package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/thryfted-gateway/internal/http/apierr"
	"github.com/smallbiznis/thryfted-gateway/internal/reqctx"
)

// AuthPrefix is the route logout is forwarded through once the token is revoked.
const AuthPrefix = "/api/auth"

// TokenRevoker writes revocation entries.
type TokenRevoker interface {
	Revoke(ctx context.Context, raw string) error
}

// SnapshotClearer drops cached per-user data.
type SnapshotClearer interface {
	Clear(ctx context.Context, subject string) (int64, error)
}

// Forwarder proxies the request through a configured route.
type Forwarder interface {
	ProxyPrefix(c *gin.Context, prefix string)
}

// SessionHandler handles gateway-side session teardown.
type SessionHandler struct {
	Tokens    TokenRevoker
	Snapshots SnapshotClearer
	Proxy     Forwarder
	Logger    *zap.Logger
}

// NewSessionHandler creates the handler.
func NewSessionHandler(tokens TokenRevoker, snapshots SnapshotClearer, proxy Forwarder, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{Tokens: tokens, Snapshots: snapshots, Proxy: proxy, Logger: logger.Named("session")}
}

// Logout revokes the presented token, clears the user's cached snapshot and
// forwards the request to the identity service. It must run behind the
// required identity middleware.
func (h *SessionHandler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	identity, ok := reqctx.IdentityFrom(ctx)
	if !ok {
		apierr.Abort(c, apierr.AuthRequired())
		return
	}

	if err := h.Tokens.Revoke(ctx, reqctx.TokenFrom(ctx)); err != nil {
		h.Logger.Error("revoke token failed", zap.String("user_id", identity.Subject), zap.Error(err))
		apierr.Abort(c, apierr.ServiceUnavailable())
		return
	}

	if n, err := h.Snapshots.Clear(ctx, identity.Subject); err != nil {
		h.Logger.Warn("clear user cache failed", zap.String("user_id", identity.Subject), zap.Error(err))
	} else {
		h.Logger.Debug("user cache cleared", zap.String("user_id", identity.Subject), zap.Int64("keys", n))
	}

	h.Proxy.ProxyPrefix(c, AuthPrefix)
}

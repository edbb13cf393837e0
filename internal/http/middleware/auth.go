package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/thryfted-gateway/internal/config"
	"github.com/smallbiznis/thryfted-gateway/internal/domain"
	"github.com/smallbiznis/thryfted-gateway/internal/http/apierr"
	"github.com/smallbiznis/thryfted-gateway/internal/reqctx"
	"github.com/smallbiznis/thryfted-gateway/internal/telemetry"
)

const (
	identityKey = "identity"
	tokenCookie = "token"

	snapshotTimeout = time.Second
)

// TokenVerifier validates raw bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*domain.Identity, error)
}

// SnapshotCache holds the opportunistic user snapshot.
type SnapshotCache interface {
	Get(ctx context.Context, subject string) (*domain.UserSnapshot, error)
	Put(ctx context.Context, snap domain.UserSnapshot) error
}

// Auth resolves bearer tokens into identities according to a route policy.
type Auth struct {
	Verifier  TokenVerifier
	Snapshots SnapshotCache
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics
}

// NewAuth constructs the identity middleware.
func NewAuth(verifier TokenVerifier, snapshots SnapshotCache, logger *zap.Logger, metrics *telemetry.Metrics) *Auth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auth{Verifier: verifier, Snapshots: snapshots, Logger: logger.Named("auth"), Metrics: metrics}
}

// ExtractToken reads the bearer token from the Authorization header, falling
// back to the token cookie used by web clients.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token
			}
		}
	}
	if cookie, err := r.Cookie(tokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

// Resolve enforces policy for the request behind c. Required routes reject
// missing or bad credentials; optional routes continue anonymously. A resolved
// identity is attached to both the gin and the request context.
func (m *Auth) Resolve(c *gin.Context, policy string) *apierr.Error {
	if policy == config.AuthNone || policy == "" {
		return nil
	}

	token := ExtractToken(c.Request)
	if token == "" {
		if policy == config.AuthRequired {
			return apierr.AuthRequired()
		}
		return nil
	}

	identity, err := m.Verifier.Verify(c.Request.Context(), token)
	if err != nil {
		m.Metrics.TokenFailure(failureReason(err))
		if policy == config.AuthRequired {
			return apierr.InvalidToken()
		}
		m.Logger.Debug("optional auth continuing anonymously", zap.Error(err))
		return nil
	}

	c.Request = c.Request.WithContext(reqctx.WithIdentity(c.Request.Context(), identity, token))
	c.Set(identityKey, identity)
	m.refreshSnapshot(c.Request.Context(), identity)

	m.Logger.Debug("authenticated", zap.String("user_id", identity.Subject), zap.String("policy", policy))
	return nil
}

// Required rejects requests without a valid token.
func (m *Auth) Required(c *gin.Context) {
	if err := m.Resolve(c, config.AuthRequired); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Next()
}

// CheckRole requires an attached identity carrying role.
func CheckRole(c *gin.Context, role string) *apierr.Error {
	identity, ok := GetIdentity(c)
	if !ok {
		return apierr.New(http.StatusUnauthorized, apierr.CodeAuthRequired, "Authentication required")
	}
	if identity.HasRole(role) {
		return nil
	}
	if role == domain.RoleAdmin {
		return apierr.New(http.StatusForbidden, apierr.CodeAdminRequired, "Admin access required")
	}
	return apierr.New(http.StatusForbidden, apierr.CodeRoleRequired, "Role "+role+" required")
}

// CheckVerified requires an attached identity with a verified email.
func CheckVerified(c *gin.Context) *apierr.Error {
	identity, ok := GetIdentity(c)
	if !ok {
		return apierr.New(http.StatusUnauthorized, apierr.CodeAuthRequired, "Authentication required")
	}
	if !identity.Verified {
		return apierr.New(http.StatusForbidden, apierr.CodeEmailNotVerified, "Email verification required")
	}
	return nil
}

// GetIdentity returns the identity attached by Resolve.
func GetIdentity(c *gin.Context) (*domain.Identity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := value.(*domain.Identity)
	return identity, ok && identity != nil
}

// refreshSnapshot rewrites the user snapshot in the background when it is
// missing or no longer matches the token's claims. Failures are logged and
// never affect the request.
func (m *Auth) refreshSnapshot(ctx context.Context, identity *domain.Identity) {
	if m.Snapshots == nil {
		return
	}
	snap := identity.Snapshot(time.Now())
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
	go func() {
		defer cancel()
		cached, err := m.Snapshots.Get(ctx, identity.Subject)
		if err == nil && cached.Matches(identity) {
			return
		}
		if err := m.Snapshots.Put(ctx, snap); err != nil {
			m.Logger.Warn("cache user snapshot failed", zap.String("user_id", snap.ID), zap.Error(err))
		}
	}()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, domain.ErrTokenExpired):
		return "expired"
	default:
		return "invalid"
	}
}

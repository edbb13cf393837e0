package jwt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"

	"github.com/smallbiznis/thryfted-gateway/internal/domain"
)

const revocationPrefix = "blacklist:"

var allowedAlgorithms = []gojose.SignatureAlgorithm{gojose.HS256}

// RevocationStore is the subset of the cache the verifier relies on.
type RevocationStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Verifier validates bearer tokens and maintains the revocation list.
type Verifier struct {
	secret []byte
	store  RevocationStore
	logger *zap.Logger
	now    func() time.Time
}

// NewVerifier constructs a verifier for tokens signed with secret.
func NewVerifier(secret []byte, store RevocationStore, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{secret: secret, store: store, logger: logger.Named("jwt"), now: time.Now}
}

// RevocationKey derives the revocation entry key for a token issued to subject at issuedAt.
func RevocationKey(subject string, issuedAt time.Time) string {
	return revocationPrefix + subject + ":" + strconv.FormatInt(issuedAt.Unix(), 10)
}

// Verify checks signature, expiry and revocation and returns the decoded identity.
// Failures wrap domain.ErrInvalidToken, domain.ErrTokenExpired or domain.ErrTokenRevoked.
func (v *Verifier) Verify(ctx context.Context, raw string) (*domain.Identity, error) {
	std, custom, err := v.decode(raw)
	if err != nil {
		v.logger.Warn("invalid token", zap.Error(err))
		return nil, err
	}

	if err := std.ValidateWithLeeway(gojwt.Expected{Time: v.now()}, 0); err != nil {
		if errors.Is(err, gojwt.ErrExpired) {
			v.logger.Info("token expired", zap.String("subject", subjectOf(std, custom)))
			return nil, fmt.Errorf("%w: %w", domain.ErrTokenExpired, err)
		}
		v.logger.Warn("invalid token claims", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidToken, err)
	}

	identity, err := toIdentity(std, custom)
	if err != nil {
		v.logger.Warn("invalid token", zap.Error(err))
		return nil, err
	}

	key := RevocationKey(identity.Subject, identity.IssuedAt)
	revoked, err := v.store.Exists(ctx, key)
	if err != nil {
		// revocation list unreachable: accept the token and rely on expiry
		v.logger.Error("revocation lookup failed", zap.String("key", key), zap.Error(err))
	} else if revoked {
		v.logger.Error("revoked token used", zap.String("audit", "token_revoked"), zap.String("key", key))
		return nil, fmt.Errorf("%w: %s", domain.ErrTokenRevoked, key)
	}

	return identity, nil
}

// Revoke writes a revocation entry that lives exactly as long as the token's
// remaining lifetime. Expired tokens are ignored.
func (v *Verifier) Revoke(ctx context.Context, raw string) error {
	std, custom, err := v.decode(raw)
	if err != nil {
		return err
	}
	identity, err := toIdentity(std, custom)
	if err != nil {
		return err
	}
	if identity.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: token has no expiry", domain.ErrInvalidToken)
	}

	ttl := identity.ExpiresAt.Sub(v.now())
	if ttl <= 0 {
		return nil
	}

	key := RevocationKey(identity.Subject, identity.IssuedAt)
	if err := v.store.Set(ctx, key, "true", ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	v.logger.Info("token revoked", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

// decode parses raw and checks its signature without looking at time claims.
func (v *Verifier) decode(raw string) (*gojwt.Claims, *AccessTokenClaims, error) {
	parsed, err := gojwt.ParseSigned(raw, allowedAlgorithms)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse: %w", domain.ErrInvalidToken, err)
	}

	var std gojwt.Claims
	var custom AccessTokenClaims
	if err := parsed.Claims(v.secret, &std, &custom); err != nil {
		return nil, nil, fmt.Errorf("%w: verify: %w", domain.ErrInvalidToken, err)
	}
	return &std, &custom, nil
}

func toIdentity(std *gojwt.Claims, custom *AccessTokenClaims) (*domain.Identity, error) {
	subject := subjectOf(std, custom)
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject", domain.ErrInvalidToken)
	}
	if std.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing iat", domain.ErrInvalidToken)
	}

	identity := &domain.Identity{
		Subject:  subject,
		Email:    custom.Email,
		Verified: custom.IsVerified,
		Roles:    custom.Roles,
		IssuedAt: std.IssuedAt.Time(),
	}
	if identity.Roles == nil {
		identity.Roles = []string{}
	}
	if std.Expiry != nil {
		identity.ExpiresAt = std.Expiry.Time()
	}
	return identity, nil
}

func subjectOf(std *gojwt.Claims, custom *AccessTokenClaims) string {
	if custom != nil && custom.ID != "" {
		return custom.ID
	}
	if std != nil {
		return std.Subject
	}
	return ""
}

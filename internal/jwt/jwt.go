package jwt

import (
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/smallbiznis/thryfted-gateway/internal/domain"
)

// AccessTokenClaims is the custom payload issued by the identity service.
type AccessTokenClaims struct {
	ID         string   `json:"id"`
	Email      string   `json:"email"`
	IsVerified bool     `json:"isVerified"`
	Roles      []string `json:"roles,omitempty"`
}

// Signer mints HS256 tokens with the shared secret. The gateway never issues
// tokens in the request path; this is used by tooling and tests.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner constructs a token signer.
func NewSigner(secret []byte, ttl time.Duration) *Signer {
	return &Signer{secret: secret, ttl: ttl, now: time.Now}
}

// Sign produces a signed token for identity. IssuedAt and ExpiresAt default to
// now and now+ttl when zero.
func (s *Signer) Sign(identity domain.Identity) (string, error) {
	signer, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.HS256, Key: s.secret}, (&gojose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	issued := identity.IssuedAt
	if issued.IsZero() {
		issued = s.now()
	}
	expires := identity.ExpiresAt
	if expires.IsZero() {
		expires = issued.Add(s.ttl)
	}

	std := gojwt.Claims{
		Subject:  identity.Subject,
		IssuedAt: gojwt.NewNumericDate(issued),
		Expiry:   gojwt.NewNumericDate(expires),
	}
	custom := AccessTokenClaims{
		ID:         identity.Subject,
		Email:      identity.Email,
		IsVerified: identity.Verified,
		Roles:      identity.Roles,
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}
	return token, nil
}

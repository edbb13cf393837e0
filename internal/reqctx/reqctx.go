// Package reqctx carries per-request metadata through context.Context.
package reqctx

import (
	"context"
	"time"

	"github.com/smallbiznis/thryfted-gateway/internal/domain"
)

type metaKey struct{}

type identityKey struct{}

type tokenKey struct{}

// Meta identifies a single inbound request.
type Meta struct {
	RequestID string
	StartedAt time.Time
}

// WithMeta attaches request metadata to ctx.
func WithMeta(ctx context.Context, meta Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, meta)
}

// MetaFrom returns the request metadata attached to ctx.
func MetaFrom(ctx context.Context) (Meta, bool) {
	meta, ok := ctx.Value(metaKey{}).(Meta)
	return meta, ok
}

// RequestID returns the request ID attached to ctx, or "".
func RequestID(ctx context.Context) string {
	meta, _ := MetaFrom(ctx)
	return meta.RequestID
}

// WithIdentity attaches the resolved identity and the raw token it came from.
func WithIdentity(ctx context.Context, identity *domain.Identity, rawToken string) context.Context {
	ctx = context.WithValue(ctx, identityKey{}, identity)
	return context.WithValue(ctx, tokenKey{}, rawToken)
}

// IdentityFrom returns the identity attached to ctx, if any.
func IdentityFrom(ctx context.Context) (*domain.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*domain.Identity)
	return identity, ok && identity != nil
}

// TokenFrom returns the raw bearer token the identity was resolved from.
func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

package domain

import "errors"

var (
	// ErrInvalidToken indicates malformed tokens or bad signatures.
	ErrInvalidToken = errors.New("auth: token invalid")
	// ErrTokenExpired indicates a well-signed token past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenRevoked indicates the token matches a revocation entry.
	ErrTokenRevoked = errors.New("auth: token revoked")
)

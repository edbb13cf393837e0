package domain

import (
	"slices"
	"time"
)

// RoleAdmin grants access to administrative routes.
const RoleAdmin = "admin"

// Identity is the claim set decoded from a verified bearer token.
// It lives only for the lifetime of the request that carried the token.
type Identity struct {
	Subject   string
	Email     string
	Verified  bool
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	return slices.Contains(i.Roles, role)
}

// UserSnapshot is the short-lived cached copy of identity data.
type UserSnapshot struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	IsVerified bool      `json:"isVerified"`
	Roles      []string  `json:"roles"`
	CachedAt   time.Time `json:"cachedAt"`
}

// Snapshot builds the cacheable projection of the identity.
func (i *Identity) Snapshot(now time.Time) UserSnapshot {
	return UserSnapshot{
		ID:         i.Subject,
		Email:      i.Email,
		IsVerified: i.Verified,
		Roles:      i.Roles,
		CachedAt:   now.UTC(),
	}
}

// Matches reports whether the snapshot still reflects identity's claims.
func (s *UserSnapshot) Matches(i *Identity) bool {
	if s == nil || i == nil {
		return false
	}
	return s.ID == i.Subject &&
		s.Email == i.Email &&
		s.IsVerified == i.Verified &&
		slices.Equal(s.Roles, i.Roles)
}

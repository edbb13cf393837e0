package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smallbiznis/thryfted-gateway/internal/domain"
)

const userKeyPrefix = "user:"

// SnapshotStore keeps short-lived copies of identity data keyed by subject.
// A miss never means the user does not exist.
type SnapshotStore struct {
	client *Client
	ttl    time.Duration
}

// NewSnapshotStore constructs a snapshot store with the given TTL.
func NewSnapshotStore(client *Client, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SnapshotStore{client: client, ttl: ttl}
}

// UserKey returns the cache key of a subject's snapshot.
func UserKey(subject string) string {
	return userKeyPrefix + subject
}

// Put overwrites the subject's snapshot.
func (s *SnapshotStore) Put(ctx context.Context, snap domain.UserSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.client.Set(ctx, UserKey(snap.ID), string(payload), s.ttl)
}

// Get loads the subject's snapshot. A nil snapshot with nil error is a miss.
func (s *SnapshotStore) Get(ctx context.Context, subject string) (*domain.UserSnapshot, error) {
	raw, ok, err := s.client.Get(ctx, UserKey(subject))
	if err != nil || !ok {
		return nil, err
	}
	var snap domain.UserSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Clear removes the subject's snapshot and any derived per-user keys.
func (s *SnapshotStore) Clear(ctx context.Context, subject string) (int64, error) {
	key := UserKey(subject)
	exists, err := s.client.Exists(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := s.client.Delete(ctx, key); err != nil {
		return 0, err
	}
	n, err := s.client.DeleteByPattern(ctx, key+":*")
	if exists {
		n++
	}
	return n, err
}

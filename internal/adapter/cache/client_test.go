package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/thryfted-gateway/internal/adapter/cache"
	"github.com/smallbiznis/thryfted-gateway/internal/domain"
)

func newTestClient(t *testing.T) (*cache.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewClient(rdb, zap.NewNop()), mr
}

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	_, ok, err := client.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, client.Set(ctx, "k", "v", time.Minute))
	val, ok, err := client.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", val)
	require.Equal(t, time.Minute, mr.TTL("k"))

	exists, err := client.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, client.Delete(ctx, "k"))
	exists, err = client.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, exists)

	mr.SetError("connection refused")
	_, _, err = client.Get(ctx, "k")
	require.Error(t, err)
}

func TestIncrementWindowSetsTTLOnce(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	count, ttl, err := client.IncrementWindow(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Equal(t, time.Minute, ttl)

	mr.FastForward(20 * time.Second)

	count, ttl, err = client.IncrementWindow(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
	require.Equal(t, 40*time.Second, ttl)

	mr.FastForward(41 * time.Second)
	require.False(t, mr.Exists("counter"))

	count, _, err = client.IncrementWindow(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestHashRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	_, ok, err := client.GetHash(ctx, "h")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, client.SetHash(ctx, "h", map[string]string{"a": "1", "b": "2"}, time.Minute))
	fields, ok, err := client.GetHash(ctx, "h")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, fields)
	require.Equal(t, time.Minute, mr.TTL("h"))
}

func TestDeleteByPattern(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	for _, k := range []string{"user:1", "user:1:prefs", "user:2", "other"} {
		require.NoError(t, mr.Set(k, "x"))
	}

	n, err := client.DeleteByPattern(ctx, "user:1*")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.True(t, mr.Exists("user:2"))
	require.True(t, mr.Exists("other"))
}

func TestDeleteByPatternOnClusterClient(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClusterClient(&redis.ClusterOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { _ = rdb.Close() })
	client := cache.NewClient(rdb, zap.NewNop())

	// keys in different hash slots
	for _, k := range []string{"user:7", "user:7:prefs", "user:7:cart", "user:8"} {
		require.NoError(t, mr.Set(k, "x"))
	}

	n, err := client.DeleteByPattern(ctx, "user:7*")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.Equal(t, []string{"user:8"}, mr.Keys())
}

func TestSnapshotStore(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	store := cache.NewSnapshotStore(client, 5*time.Minute)

	snap, err := store.Get(ctx, "42")
	require.NoError(t, err)
	require.Nil(t, snap)

	id := &domain.Identity{Subject: "42", Email: "a@b.c", Verified: true, Roles: []string{"user"}}
	require.NoError(t, store.Put(ctx, id.Snapshot(time.Now())))
	require.Equal(t, 5*time.Minute, mr.TTL("user:42"))

	snap, err = store.Get(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, "a@b.c", snap.Email)
	require.True(t, snap.IsVerified)

	require.NoError(t, mr.Set("user:42:prefs", "x"))
	require.NoError(t, mr.Set("user:420", "x"))
	n, err := store.Clear(ctx, "42")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.True(t, mr.Exists("user:420"))
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const scanBatch = 200

// incrWindow increments a counter and arms its expiry only when the increment
// created the key, so the window is anchored at first use.
var incrWindow = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Client wraps a Redis connection pool with the operations the gateway needs.
// It is safe for concurrent use.
type Client struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewClient constructs a cache client on top of an established Redis connection.
func NewClient(rdb redis.UniversalClient, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{rdb: rdb, logger: logger.Named("cache")}
}

// Get returns the value stored at key. The boolean is false on a miss.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.logger.Debug("cache get", zap.String("key", key), zap.Bool("hit", false))
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	c.logger.Debug("cache get", zap.String("key", key), zap.Bool("hit", true))
	return val, true, nil
}

// Set stores value at key. A non-positive ttl stores without expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	c.logger.Debug("cache set", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

// Delete removes the given keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n == 1, nil
}

// IncrementWindow increments the counter at key in a single round trip.
// The window TTL is set only by the increment that creates the key and is
// never refreshed afterwards. It returns the new count and the remaining TTL.
func (c *Client) IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrWindow.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("increment %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("increment %s: unexpected reply length %d", key, len(res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// TTL returns the remaining lifetime of key, or a negative value when the key
// is missing or has no expiry.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	return d, nil
}

// SetHash stores fields under key and applies ttl when positive.
func (c *Client) SetHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// GetHash loads every field stored under key. The boolean is false on a miss.
func (c *Client) GetHash(ctx context.Context, key string) (map[string]string, bool, error) {
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("hgetall %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return fields, true, nil
}

// DeleteByPattern removes every key matching the glob pattern and returns the
// number of keys deleted. Keys are enumerated with SCAN, not KEYS. On a
// cluster client every master is scanned, and keys are deleted one by one
// since a shard's keys can span hash slots.
func (c *Client) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	var (
		deleted atomic.Int64
		err     error
	)
	if cluster, ok := c.rdb.(*redis.ClusterClient); ok {
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, shard *redis.Client) error {
			return scanDelete(ctx, shard, pattern, true, &deleted)
		})
	} else {
		err = scanDelete(ctx, c.rdb, pattern, false, &deleted)
	}
	if err != nil {
		return deleted.Load(), err
	}
	c.logger.Debug("cache pattern delete", zap.String("pattern", pattern), zap.Int64("deleted", deleted.Load()))
	return deleted.Load(), nil
}

func scanDelete(ctx context.Context, rdb redis.Cmdable, pattern string, perKey bool, deleted *atomic.Int64) error {
	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := deleteKeys(ctx, rdb, keys, perKey)
			if err != nil {
				return fmt.Errorf("delete %s: %w", pattern, err)
			}
			deleted.Add(n)
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func deleteKeys(ctx context.Context, rdb redis.Cmdable, keys []string, perKey bool) (int64, error) {
	if !perKey {
		return rdb.Del(ctx, keys...).Result()
	}
	cmds, err := rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Del(ctx, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var n int64
	for _, cmd := range cmds {
		n += cmd.(*redis.IntCmd).Val()
	}
	return n, nil
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

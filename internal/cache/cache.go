// Package cache wraps Redis with the typed key/value operations the engines
// consume. Values are JSON-encoded, every write carries a TTL, and all keys
// live under a process-wide prefix so replicas of different deployments can
// share an instance.
//
// Failure semantics: transient transport errors are retried with exponential
// backoff. A read that still fails is reported as absent so callers fall back
// to the relational store; a write that still fails is surfaced.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	retryInitialInterval = 50 * time.Millisecond
	retryMaxAttempts     = 3
	scanBatchSize        = 100
)

// Cache is the shared key/value client. All methods namespace their keys
// under the configured prefix; callers pass already-scoped keys such as
// "zone:1234" or "session:abcd".
type Cache struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

// New builds a Cache over an established Redis client.
func New(rdb *redis.Client, prefix string, logger *zap.Logger) *Cache {
	return &Cache{rdb: rdb, prefix: prefix, logger: logger}
}

// Client exposes the underlying Redis client for components that need
// scripting or pub/sub (the rate limiter, lock, and bus).
func (c *Cache) Client() *redis.Client { return c.rdb }

// Key returns the fully-namespaced form of k.
func (c *Cache) Key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// retry runs op with bounded exponential backoff. Context cancellation and
// redis.Nil are permanent; everything else is assumed transient.
func (c *Cache) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := op()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.Nil),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return backoff.Permanent(err)
		default:
			return err
		}
	}, policy)
}

// GetJSON reads key into dest. Returns false when the key is absent or the
// cache is unreachable; unreachability is logged, not surfaced, so callers
// fall through to the store.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	var raw []byte
	err := c.retry(ctx, func() error {
		b, err := c.rdb.Get(ctx, c.Key(key)).Bytes()
		if err != nil {
			return err
		}
		raw = b
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		c.logger.Warn("cache read failed, treating as miss",
			zap.String("key", key), zap.Error(err))
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("failed to decode cached value %s: %w", key, err)
	}
	return true, nil
}

// SetJSON writes value under key with the given TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", key, err)
	}
	err = c.retry(ctx, func() error {
		return c.rdb.Set(ctx, c.Key(key), raw, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("cache write failed for %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.Key(k)
	}
	return c.retry(ctx, func() error {
		return c.rdb.Del(ctx, full...).Err()
	})
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.retry(ctx, func() error {
		v, err := c.rdb.Exists(ctx, c.Key(key)).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cache exists failed for %s: %w", key, err)
	}
	return n > 0, nil
}

// MGetJSON reads several keys in one round trip. The result maps present
// keys (unprefixed) to their raw JSON.
func (c *Cache) MGetJSON(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if len(keys) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.Key(k)
	}
	var vals []interface{}
	err := c.retry(ctx, func() error {
		v, err := c.rdb.MGet(ctx, full...).Result()
		if err != nil {
			return err
		}
		vals = v
		return nil
	})
	if err != nil {
		c.logger.Warn("cache mget failed, treating as miss", zap.Error(err))
		return map[string]json.RawMessage{}, nil
	}
	out := make(map[string]json.RawMessage, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = json.RawMessage(s)
		}
	}
	return out, nil
}

// MSetJSON writes several key/value pairs with a shared TTL using a pipeline.
func (c *Cache) MSetJSON(ctx context.Context, values map[string]any, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	return c.retry(ctx, func() error {
		pipe := c.rdb.Pipeline()
		for k, v := range values {
			raw, err := json.Marshal(v)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("failed to encode value for %s: %w", k, err))
			}
			pipe.Set(ctx, c.Key(k), raw, ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// IncrBy atomically adds delta to the integer at key and returns the result.
func (c *Cache) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var n int64
	err := c.retry(ctx, func() error {
		v, err := c.rdb.IncrBy(ctx, c.Key(key), delta).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache increment failed for %s: %w", key, err)
	}
	return n, nil
}

// DecrBy atomically subtracts delta from the integer at key.
func (c *Cache) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.IncrBy(ctx, key, -delta)
}

// Expire resets the TTL on an existing key.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.retry(ctx, func() error {
		return c.rdb.Expire(ctx, c.Key(key), ttl).Err()
	})
}

// SAdd adds members to the set at key.
func (c *Cache) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.retry(ctx, func() error {
		return c.rdb.SAdd(ctx, c.Key(key), args...).Err()
	})
}

// SRem removes members from the set at key.
func (c *Cache) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.retry(ctx, func() error {
		return c.rdb.SRem(ctx, c.Key(key), args...).Err()
	})
}

// SMembers returns every member of the set at key. Unreachable cache reads
// come back empty so callers fall through to the store.
func (c *Cache) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := c.retry(ctx, func() error {
		v, err := c.rdb.SMembers(ctx, c.Key(key)).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		c.logger.Warn("cache smembers failed, treating as empty",
			zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	return out, nil
}

// RPush appends values to the list at key.
func (c *Cache) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return c.retry(ctx, func() error {
		return c.rdb.RPush(ctx, c.Key(key), args...).Err()
	})
}

// LRange returns list elements in [start, stop].
func (c *Cache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := c.retry(ctx, func() error {
		v, err := c.rdb.LRange(ctx, c.Key(key), start, stop).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache lrange failed for %s: %w", key, err)
	}
	return out, nil
}

// DeleteMatching removes every key matching pattern using cursor-based SCAN,
// never a blocking KEYS. Returns the number of keys removed.
func (c *Cache) DeleteMatching(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	var cursor uint64
	match := c.Key(pattern)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache scan failed for %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("cache delete failed during scan: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Ping is the health probe used by readiness checks.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache unreachable: %w", err)
	}
	return nil
}

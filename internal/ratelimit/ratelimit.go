// Package ratelimit implements a sliding-window rate limiter over Redis
// sorted sets. Eviction, count, and append run inside one Lua script so
// concurrent callers on the same key observe a serializable count.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrUnavailable reports a limiter backend failure on a fail-closed profile.
var ErrUnavailable = errors.New("rate limiter unavailable")

// The script evicts entries older than the window, counts what remains, and
// only records the new event when under the limit. Returns {allowed,
// remaining, retry_after_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)
if count >= max then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  local retry = window
  if oldest[2] then
    retry = math.max(0, (tonumber(oldest[2]) + window) - now)
  end
  return {0, 0, retry}
end
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return {1, max - count - 1, 0}
`)

// Result is the outcome of one limiter check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Profile is a named (window, max) pair. Engines hold the profile and key it
// by subject at call time.
type Profile struct {
	Name   string
	Window time.Duration
	Max    int

	// FailClosed denies when the backend is unreachable. Set on
	// abuse-sensitive profiles where an outage must not disable the brake.
	FailClosed bool
}

// Predefined limiter profiles consumed by the engines.
var (
	SignIn        = Profile{Name: "signin", Window: 15 * time.Minute, Max: 5, FailClosed: true}
	Chat          = Profile{Name: "chat", Window: time.Minute, Max: 10}
	Movement      = Profile{Name: "move", Window: time.Second, Max: 1}
	CombatAction  = Profile{Name: "combat_action", Window: time.Second, Max: 1}
	AffinityBurst = Profile{Name: "affinity_burst", Window: 500 * time.Millisecond, Max: 1}
	AffinityRate  = Profile{Name: "affinity_rate", Window: time.Minute, Max: 10}
)

// Limiter checks subjects against sliding windows.
type Limiter struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewLimiter builds a Limiter.
func NewLimiter(rdb *redis.Client, prefix string, logger *zap.Logger) *Limiter {
	return &Limiter{rdb: rdb, prefix: prefix, logger: logger, now: time.Now}
}

// Check records one event for subject if it fits in the window and reports
// the decision. A failed check is fail-open: the event is allowed and the
// failure logged, so a cache outage degrades limits rather than gameplay.
func (l *Limiter) Check(ctx context.Context, subject string, window time.Duration, max int) (Result, error) {
	return l.check(ctx, subject, window, max, false)
}

func (l *Limiter) check(ctx context.Context, subject string, window time.Duration, max int, failClosed bool) (Result, error) {
	now := l.now()
	key := l.prefix + ":rl:" + subject
	// The member must be unique per event: two replicas sampling the same
	// clock tick would otherwise collapse into one ZSET entry and
	// undercount the window.
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	vals, err := slidingWindowScript.Run(ctx, l.rdb, []string{key},
		now.UnixMilli(), window.Milliseconds(), max, member).Int64Slice()
	if err != nil {
		if failClosed {
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		l.logger.Warn("rate limit check failed, allowing",
			zap.String("subject", subject), zap.Error(err))
		return Result{Allowed: true, Remaining: max - 1}, nil
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("rate limit script returned %d values", len(vals))
	}
	return Result{
		Allowed:    vals[0] == 1,
		Remaining:  int(vals[1]),
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// CheckProfile applies a named profile to subject; the limiter key combines
// the profile name with the caller's subject so profiles never collide.
// Fail-closed profiles surface ErrUnavailable on backend failure instead of
// waving the event through.
func (l *Limiter) CheckProfile(ctx context.Context, p Profile, subject string) (Result, error) {
	return l.check(ctx, p.Name+":"+subject, p.Window, p.Max, p.FailClosed)
}

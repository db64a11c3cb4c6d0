// Package lock provides named distributed mutexes over Redis. Leases carry a
// fencing token so release and extend become no-ops once the lease has
// expired and another holder owns the resource.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when the lock stays contended past the caller's
// wait budget. Engines surface it as a retriable error.
var ErrNotAcquired = errors.New("lock: not acquired within wait budget")

// ErrLostLease is returned by Extend when the stored fencing token no longer
// matches, meaning the lease expired and someone else holds the lock.
var ErrLostLease = errors.New("lock: lease no longer held")

const (
	retryBaseDelay = 20 * time.Millisecond
	retryMaxDelay  = 150 * time.Millisecond
)

// compare-and-delete: release only if we still hold the fencing token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// compare-and-pexpire: extend only if we still hold the fencing token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lease is a held lock. The fencing token is the value stored under the key.
type Lease struct {
	Resource string
	Token    string
	TTL      time.Duration
}

// Manager acquires and releases distributed locks.
type Manager struct {
	rdb        *redis.Client
	prefix     string
	waitBudget time.Duration
	logger     *zap.Logger
}

// NewManager builds a lock manager. waitBudget bounds how long a contended
// Acquire may spin before giving up; individual calls can override it via
// AcquireWait.
func NewManager(rdb *redis.Client, prefix string, waitBudget time.Duration, logger *zap.Logger) *Manager {
	if waitBudget <= 0 {
		waitBudget = 500 * time.Millisecond
	}
	return &Manager{rdb: rdb, prefix: prefix, waitBudget: waitBudget, logger: logger}
}

func (m *Manager) key(resource string) string {
	return m.prefix + ":lock:" + resource
}

// Acquire takes the named lock with the manager's default wait budget.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	return m.AcquireWait(ctx, resource, ttl, m.waitBudget)
}

// AcquireWait takes the named lock, retrying with jittered backoff until the
// wait budget elapses. Returns ErrNotAcquired when the budget is exhausted.
func (m *Manager) AcquireWait(ctx context.Context, resource string, ttl, wait time.Duration) (*Lease, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	delay := retryBaseDelay

	for {
		ok, err := m.rdb.SetNX(ctx, m.key(resource), token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock acquire failed for %s: %w", resource, err)
		}
		if ok {
			return &Lease{Resource: resource, Token: token, TTL: ttl}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		// Full jitter keeps replicas from retrying in lockstep.
		sleep := time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

// Release frees the lease. A lease that already expired is a silent no-op.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, m.rdb, []string{m.key(lease.Resource)}, lease.Token).Int()
	if err != nil {
		return fmt.Errorf("lock release failed for %s: %w", lease.Resource, err)
	}
	if n == 0 {
		m.logger.Debug("released an expired lease",
			zap.String("resource", lease.Resource))
	}
	return nil
}

// Extend pushes the lease expiry forward. Fails with ErrLostLease if the
// fencing token no longer matches.
func (m *Manager) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if lease == nil {
		return ErrLostLease
	}
	n, err := extendScript.Run(ctx, m.rdb,
		[]string{m.key(lease.Resource)}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock extend failed for %s: %w", lease.Resource, err)
	}
	if n == 0 {
		return ErrLostLease
	}
	lease.TTL = ttl
	return nil
}

// WithLock runs fn while holding the named lock, releasing it afterwards.
// The release error is intentionally dropped when fn succeeded; the lease
// expires on its own either way.
func (m *Manager) WithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, resource, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Release(context.WithoutCancel(ctx), lease); rerr != nil {
			m.logger.Warn("lock release failed",
				zap.String("resource", resource), zap.Error(rerr))
		}
	}()
	return fn(ctx)
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestLimiter runs the real sliding-window script against an in-process
// Redis with an injected clock, so window arithmetic is driven by the test.
func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(rdb, "test", zaptest.NewLogger(t))
	l.now = func() time.Time { return clock }
	return l, mr, &clock
}

func TestMovementProfileOneMovePerSecond(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	ctx := context.Background()

	first, err := l.CheckProfile(ctx, Movement, "char-1")
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	*clock = clock.Add(200 * time.Millisecond)
	second, err := l.CheckProfile(ctx, Movement, "char-1")
	require.NoError(t, err)
	assert.False(t, second.Allowed, "second move inside one second must be denied")
	assert.Equal(t, 800*time.Millisecond, second.RetryAfter)

	*clock = clock.Add(850 * time.Millisecond)
	third, err := l.CheckProfile(ctx, Movement, "char-1")
	require.NoError(t, err)
	assert.True(t, third.Allowed, "window expired, movement resumes")
}

func TestCheckWindowSlides(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "burst", time.Minute, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "event %d", i)
		assert.Equal(t, 2-i, res.Remaining)
		*clock = clock.Add(10 * time.Second)
	}

	// 30s in: all three events still inside the window.
	res, err := l.Check(ctx, "burst", time.Minute, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 30*time.Second, res.RetryAfter, "retry when the oldest event ages out")

	// 61s in: the first event has aged out.
	*clock = clock.Add(31 * time.Second)
	res, err = l.Check(ctx, "burst", time.Minute, 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSubjectsAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	res, err := l.CheckProfile(ctx, Movement, "char-1")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.CheckProfile(ctx, Movement, "char-2")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "one character's cooldown never throttles another")
}

// Events recorded on the same clock tick must each occupy a ZSET entry.
// Replicas sharing a key can sample identical timestamps, and a collapsed
// member would undercount the window.
func TestSameTickEventsAllCount(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "same-tick", time.Minute, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "event %d", i)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := l.Check(ctx, "same-tick", time.Minute, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "fourth event exceeds the window")
}

func TestSignInFailsClosedOnBackendOutage(t *testing.T) {
	l, mr, _ := newTestLimiter(t)
	ctx := context.Background()
	mr.Close()

	_, err := l.CheckProfile(ctx, SignIn, "alice")
	assert.ErrorIs(t, err, ErrUnavailable, "an outage must not disable brute-force throttling")

	// Gameplay profiles degrade open instead.
	res, err := l.CheckProfile(ctx, Chat, "alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realmd/internal/config"
	"realmd/internal/model"
)

// fakeKV is an in-memory KV with TTL semantics driven by an injectable clock.
type fakeKV struct {
	mu     sync.Mutex
	values map[string][]byte
	expiry map[string]time.Time
	sets   map[string]map[string]bool
	now    func() time.Time
}

func newFakeKV(now func() time.Time) *fakeKV {
	return &fakeKV{
		values: map[string][]byte{},
		expiry: map[string]time.Time{},
		sets:   map[string]map[string]bool{},
		now:    now,
	}
}

func (f *fakeKV) expired(key string) bool {
	exp, ok := f.expiry[key]
	return ok && !exp.After(f.now())
}

func (f *fakeKV) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.values[key]
	if !ok || f.expired(key) {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (f *fakeKV) SetJSON(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = raw
	f.expiry[key] = f.now().Add(ttl)
	return nil
}

func (f *fakeKV) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.values, k)
		delete(f.expiry, k)
		delete(f.sets, k)
	}
	return nil
}

func (f *fakeKV) MGetJSON(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]json.RawMessage{}
	for _, k := range keys {
		if raw, ok := f.values[k]; ok && !f.expired(k) {
			out[k] = json.RawMessage(raw)
		}
	}
	return out, nil
}

func (f *fakeKV) SAdd(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = map[string]bool{}
	}
	for _, m := range members {
		f.sets[key][m] = true
	}
	return nil
}

func (f *fakeKV) SRem(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.sets[key], m)
	}
	return nil
}

func (f *fakeKV) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiry[key] = f.now().Add(ttl)
	return nil
}

func newTestStore(t *testing.T) (*Store, *fakeKV, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	nowFn := func() time.Time { return *clock }
	kv := newFakeKV(nowFn)
	store := NewStore(kv, config.SessionConfig{
		TTL:           30 * time.Minute,
		MaxPerAccount: 5,
		SlideDebounce: time.Minute,
	}, zap.NewNop())
	store.now = nowFn
	return store, kv, clock
}

func TestCreateAndGet(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	accountID := uuid.New()

	sess, err := store.Create(ctx, accountID, model.RolePlayer, map[string]string{"ip": "10.0.0.1"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, accountID, got.AccountID)
	assert.Equal(t, "10.0.0.1", got.Metadata["ip"])
}

func TestGetAbsent(t *testing.T) {
	store, _, _ := newTestStore(t)
	got, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSlidingTTL(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, uuid.New(), model.RolePlayer, nil)
	require.NoError(t, err)

	// Access every 20 minutes; each access is past the debounce so the
	// session keeps sliding and never expires.
	for i := 0; i < 5; i++ {
		*clock = clock.Add(20 * time.Minute)
		got, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		require.NotNil(t, got, "access %d should find a live session", i)
	}

	// Idle past the TTL expires it.
	*clock = clock.Add(31 * time.Minute)
	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSlideDebounce(t *testing.T) {
	store, kv, clock := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, uuid.New(), model.RolePlayer, nil)
	require.NoError(t, err)
	firstExpiry := sess.ExpiresAt

	// Within the debounce window the record is not rewritten.
	*clock = clock.Add(30 * time.Second)
	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(firstExpiry))

	// Past the debounce it slides.
	*clock = clock.Add(45 * time.Second)
	got, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.After(firstExpiry))

	_ = kv
}

func TestSessionCapEvictsOldest(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()
	accountID := uuid.New()

	var ids []string
	for i := 0; i < 5; i++ {
		sess, err := store.Create(ctx, accountID, model.RolePlayer, nil)
		require.NoError(t, err)
		ids = append(ids, sess.ID)
		*clock = clock.Add(time.Minute)
	}

	// The sixth creation evicts the first (least recently active).
	_, err := store.Create(ctx, accountID, model.RolePlayer, nil)
	require.NoError(t, err)

	got, err := store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, got, "oldest session should have been evicted")

	got, err = store.Get(ctx, ids[4])
	require.NoError(t, err)
	assert.NotNil(t, got, "newer sessions survive")
}

func TestDestroyAllForAccount(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	accountID := uuid.New()

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := store.Create(ctx, accountID, model.RolePlayer, nil)
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}

	require.NoError(t, store.DestroyAllForAccount(ctx, accountID))
	for _, id := range ids {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestRefreshFingerprintLookup(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	accountID := uuid.New()

	sess, err := store.Create(ctx, accountID, model.RolePlayer, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetRefreshFingerprint(ctx, sess.ID, "fp-1"))

	found, err := store.FindByRefreshFingerprint(ctx, accountID, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, sess.ID, found.ID)

	missing, err := store.FindByRefreshFingerprint(ctx, accountID, "fp-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

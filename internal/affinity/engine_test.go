package affinity

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realmd/internal/model"
	"realmd/internal/ratelimit"
	"realmd/internal/store"
)

type fakeStore struct {
	affinities map[string]*model.Affinity
	tracks     map[uuid.UUID]*model.CharacterAffinity // keyed by affinity id
	logs       []*model.AffinityExperienceLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		affinities: map[string]*model.Affinity{},
		tracks:     map[uuid.UUID]*model.CharacterAffinity{},
	}
}

func (f *fakeStore) addAffinity(name string, typ model.AffinityType, maxTier int) *model.Affinity {
	a := &model.Affinity{ID: uuid.New(), Name: name, Type: typ, MaxTier: maxTier}
	f.affinities[name] = a
	return a
}

func (f *fakeStore) GetAffinityByName(_ context.Context, name string) (*model.Affinity, error) {
	a, ok := f.affinities[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) ListAffinities(context.Context) ([]*model.Affinity, error) {
	var out []*model.Affinity
	for _, a := range f.affinities {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStore) GetCharacterAffinity(_ context.Context, _, affinityID uuid.UUID) (*model.CharacterAffinity, error) {
	ca, ok := f.tracks[affinityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ca
	return &cp, nil
}

func (f *fakeStore) ListCharacterAffinities(_ context.Context, characterID uuid.UUID) ([]*store.CharacterAffinityView, error) {
	var out []*store.CharacterAffinityView
	for _, a := range f.affinities {
		ca, ok := f.tracks[a.ID]
		if !ok || ca.CharacterID != characterID {
			continue
		}
		out = append(out, &store.CharacterAffinityView{
			CharacterAffinity: *ca,
			Name:              a.Name,
			Type:              a.Type,
			MaxTier:           a.MaxTier,
		})
	}
	return out, nil
}

func (f *fakeStore) ApplyAffinityAward(_ context.Context, m *store.AffinityAwardMutation) error {
	f.tracks[m.AffinityID] = &model.CharacterAffinity{
		CharacterID: m.CharacterID,
		AffinityID:  m.AffinityID,
		Experience:  m.Experience,
		Tier:        m.Tier,
		LastUpdated: m.UpdatedAt,
	}
	if m.Log != nil {
		f.logs = append(f.logs, m.Log)
	}
	return nil
}

type passLocker struct{}

func (passLocker) WithLock(ctx context.Context, _ string, _ time.Duration, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type recordingBus struct {
	events []string
}

func (b *recordingBus) Publish(_ context.Context, room, event string, _ any) error {
	b.events = append(b.events, room+"/"+event)
	return nil
}

// fakeLimiter allows everything until denied is set.
type fakeLimiter struct {
	denied bool
	checks []string
}

func (l *fakeLimiter) CheckProfile(_ context.Context, p ratelimit.Profile, subject string) (ratelimit.Result, error) {
	l.checks = append(l.checks, p.Name+":"+subject)
	if l.denied {
		return ratelimit.Result{Allowed: false, RetryAfter: 300 * time.Millisecond}, nil
	}
	return ratelimit.Result{Allowed: true, Remaining: 1}, nil
}

func newTestEngine() (*Engine, *fakeStore, *recordingBus, *fakeLimiter) {
	fs := newFakeStore()
	bus := &recordingBus{}
	limiter := &fakeLimiter{}
	return NewEngine(fs, passLocker{}, bus, limiter, zap.NewNop()), fs, bus, limiter
}

func TestAwardFreshTrack(t *testing.T) {
	engine, fs, bus, _ := newTestEngine()
	fs.addAffinity("sword", model.AffinityWeapon, 7)
	charID := uuid.New()

	res, err := engine.Award(context.Background(), charID, "sword", 50, "combat")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Tier)
	assert.False(t, res.TierChanged)
	assert.Equal(t, "50", res.Experience)
	assert.Empty(t, bus.events)
	require.Len(t, fs.logs, 1)
	assert.Equal(t, 1, fs.logs[0].PreviousTier)
	assert.Equal(t, 1, fs.logs[0].NewTier)
}

// One XP below the tier 2 threshold, award 1 XP: the tier flips to 2 and the
// change is announced on the character's room. A second award of 1 XP stays
// at tier 2.
func TestAwardTierChange(t *testing.T) {
	engine, fs, bus, _ := newTestEngine()
	sword := fs.addAffinity("sword", model.AffinityWeapon, 7)
	charID := uuid.New()
	fs.tracks[sword.ID] = &model.CharacterAffinity{
		CharacterID: charID,
		AffinityID:  sword.ID,
		Experience:  big.NewInt(99),
		Tier:        1,
	}

	res, err := engine.Award(context.Background(), charID, "sword", 1, "combat")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tier)
	assert.True(t, res.TierChanged)
	assert.Equal(t, []string{"character:" + charID.String() + "/affinity:tier_changed"}, bus.events)

	res, err = engine.Award(context.Background(), charID, "sword", 1, "combat")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tier)
	assert.False(t, res.TierChanged)
	assert.Len(t, bus.events, 1, "no second event")
}

func TestAwardCappedAtMaxTier(t *testing.T) {
	engine, fs, _, _ := newTestEngine()
	fs.addAffinity("fire", model.AffinityMagic, 3)
	charID := uuid.New()

	res, err := engine.Award(context.Background(), charID, "fire", 10_000, "quest")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Tier, "tier never exceeds the catalogue max")
}

func TestAwardRejectsExcessiveAmount(t *testing.T) {
	engine, fs, _, _ := newTestEngine()
	fs.addAffinity("sword", model.AffinityWeapon, 7)

	_, err := engine.Award(context.Background(), uuid.New(), "sword", 10_001, "combat")
	assert.ErrorIs(t, err, ErrAmountTooLarge)
}

func TestAwardUnknownAffinity(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	_, err := engine.Award(context.Background(), uuid.New(), "polearm", 10, "combat")
	assert.ErrorIs(t, err, ErrUnknownAffinity)
}

func TestAwardRateLimited(t *testing.T) {
	engine, fs, bus, limiter := newTestEngine()
	fs.addAffinity("sword", model.AffinityWeapon, 7)
	limiter.denied = true

	_, err := engine.Award(context.Background(), uuid.New(), "sword", 10, "combat")
	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 300*time.Millisecond, rle.RetryAfter)
	assert.Empty(t, fs.logs, "denied awards write nothing")
	assert.Empty(t, bus.events)
}

func TestAwardChecksBothWindows(t *testing.T) {
	engine, fs, _, limiter := newTestEngine()
	fs.addAffinity("sword", model.AffinityWeapon, 7)
	charID := uuid.New()

	_, err := engine.Award(context.Background(), charID, "sword", 10, "combat")
	require.NoError(t, err)

	subject := charID.String() + ":sword"
	assert.Equal(t, []string{
		"affinity_burst:" + subject,
		"affinity_rate:" + subject,
	}, limiter.checks)
}

func TestGetFreshTrack(t *testing.T) {
	engine, fs, _, _ := newTestEngine()
	fs.addAffinity("sword", model.AffinityWeapon, 7)

	track, err := engine.Get(context.Background(), uuid.New(), "sword")
	require.NoError(t, err)
	assert.Equal(t, 1, track.Tier)
	assert.Equal(t, "0", track.Experience)
	assert.Equal(t, "100", track.ToNextTier)
	assert.Zero(t, track.BonusBP)
}

func TestBonus(t *testing.T) {
	engine, fs, _, _ := newTestEngine()
	sword := fs.addAffinity("sword", model.AffinityWeapon, 7)
	charID := uuid.New()
	fs.tracks[sword.ID] = &model.CharacterAffinity{
		CharacterID: charID,
		AffinityID:  sword.ID,
		Experience:  big.NewInt(250),
		Tier:        3,
	}

	bp, err := engine.Bonus(context.Background(), charID, "sword")
	require.NoError(t, err)
	assert.Equal(t, 400, bp)

	// Unknown names read as no bonus rather than an error.
	bp, err = engine.Bonus(context.Background(), charID, "polearm")
	require.NoError(t, err)
	assert.Zero(t, bp)
}

func TestSummary(t *testing.T) {
	engine, fs, _, _ := newTestEngine()
	sword := fs.addAffinity("sword", model.AffinityWeapon, 7)
	fire := fs.addAffinity("fire", model.AffinityMagic, 7)
	charID := uuid.New()
	fs.tracks[sword.ID] = &model.CharacterAffinity{
		CharacterID: charID, AffinityID: sword.ID, Experience: big.NewInt(400), Tier: 4,
	}
	fs.tracks[fire.ID] = &model.CharacterAffinity{
		CharacterID: charID, AffinityID: fire.ID, Experience: big.NewInt(120), Tier: 2,
	}

	sum, err := engine.GetSummary(context.Background(), charID)
	require.NoError(t, err)
	assert.Len(t, sum.Tracks, 2)
	assert.Equal(t, 4, sum.HighestTier)
	assert.Equal(t, 6, sum.TotalTiers)
}

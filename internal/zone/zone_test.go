package zone

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realmd/internal/model"
	"realmd/internal/store"
)

type fakeStore struct {
	zones     map[uuid.UUID]*model.Zone
	exits     map[uuid.UUID][]*model.ZoneExit
	occupants map[uuid.UUID][]store.Occupant
	locations map[uuid.UUID]*model.CharacterLocation
	chars     map[uuid.UUID]*model.Character
	zoneLoads int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		zones:     map[uuid.UUID]*model.Zone{},
		exits:     map[uuid.UUID][]*model.ZoneExit{},
		occupants: map[uuid.UUID][]store.Occupant{},
		locations: map[uuid.UUID]*model.CharacterLocation{},
		chars:     map[uuid.UUID]*model.Character{},
	}
}

func (f *fakeStore) GetZone(_ context.Context, id uuid.UUID) (*model.Zone, error) {
	f.zoneLoads++
	z, ok := f.zones[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return z, nil
}

func (f *fakeStore) ListExits(_ context.Context, fromZoneID uuid.UUID) ([]*model.ZoneExit, error) {
	return f.exits[fromZoneID], nil
}

func (f *fakeStore) GetExit(_ context.Context, fromZoneID uuid.UUID, direction model.Direction) (*model.ZoneExit, error) {
	for _, e := range f.exits[fromZoneID] {
		if e.Direction == direction {
			return e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListOccupants(_ context.Context, zoneID uuid.UUID) ([]store.Occupant, error) {
	return f.occupants[zoneID], nil
}

func (f *fakeStore) GetLocation(_ context.Context, characterID uuid.UUID) (*model.CharacterLocation, error) {
	loc, ok := f.locations[characterID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return loc, nil
}

func (f *fakeStore) GetCharacter(_ context.Context, id uuid.UUID) (*model.Character, error) {
	ch, ok := f.chars[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ch, nil
}

// fakeCache is an in-memory stand-in for the Redis-backed cache.
type fakeCache struct {
	kv   map[string][]byte
	sets map[string]map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{kv: map[string][]byte{}, sets: map[string]map[string]bool{}}
}

func (c *fakeCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	raw, ok := c.kv[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *fakeCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.kv[key] = raw
	return nil
}

func (c *fakeCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(c.kv, k)
	}
	return nil
}

func (c *fakeCache) SAdd(_ context.Context, key string, members ...string) error {
	if c.sets[key] == nil {
		c.sets[key] = map[string]bool{}
	}
	for _, m := range members {
		c.sets[key][m] = true
	}
	return nil
}

func (c *fakeCache) SRem(_ context.Context, key string, members ...string) error {
	for _, m := range members {
		delete(c.sets[key], m)
	}
	return nil
}

func (c *fakeCache) SMembers(_ context.Context, key string) ([]string, error) {
	var out []string
	for m := range c.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func seedZone(fs *fakeStore, name string) *model.Zone {
	z := &model.Zone{
		ID:           uuid.New(),
		InternalName: name,
		DisplayName:  name,
		Description:  "a " + name,
		Type:         model.ZoneNormal,
		Climate:      "temperate",
		Terrain:      "plains",
		Lighting:     "daylight",
	}
	fs.zones[z.ID] = z
	return z
}

func TestGetCachesZone(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCache()
	engine := NewEngine(fs, fc, zap.NewNop())
	z := seedZone(fs, "meadow")
	fs.exits[z.ID] = []*model.ZoneExit{
		{ID: uuid.New(), FromZoneID: z.ID, ToZoneID: uuid.New(), Direction: model.North, Visible: true},
		{ID: uuid.New(), FromZoneID: z.ID, ToZoneID: uuid.New(), Direction: model.South, Visible: false},
	}

	view, err := engine.Get(context.Background(), z.ID)
	require.NoError(t, err)
	assert.Equal(t, "meadow", view.Zone.DisplayName)
	require.Len(t, view.Exits, 1, "hidden exits are not listed")
	assert.Equal(t, model.North, view.Exits[0].Direction)

	// Second read is served from cache.
	_, err = engine.Get(context.Background(), z.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fs.zoneLoads)

	// Invalidation forces a reload.
	require.NoError(t, engine.Invalidate(context.Background(), z.ID))
	_, err = engine.Get(context.Background(), z.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.zoneLoads)
}

func TestOccupantIDsRebuildsIndex(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCache()
	engine := NewEngine(fs, fc, zap.NewNop())
	z := seedZone(fs, "crypt")
	a, b := uuid.New(), uuid.New()
	fs.occupants[z.ID] = []store.Occupant{
		{CharacterID: a, Name: "Ash", Level: 4},
		{CharacterID: b, Name: "Brym", Level: 9},
	}

	ids, err := engine.OccupantIDs(context.Background(), z.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.String(), b.String()}, ids)

	// The rebuilt set now answers directly.
	assert.True(t, fc.sets["zone_occupants:"+z.ID.String()][a.String()])
}

func TestSwapOccupancy(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCache()
	engine := NewEngine(fs, fc, zap.NewNop())
	from, to := uuid.New(), uuid.New()
	char := uuid.New()
	require.NoError(t, fc.SAdd(context.Background(), "zone_occupants:"+from.String(), char.String()))

	require.NoError(t, engine.SwapOccupancy(context.Background(), char, from, to))
	assert.False(t, fc.sets["zone_occupants:"+from.String()][char.String()])
	assert.True(t, fc.sets["zone_occupants:"+to.String()][char.String()])
}

func TestLook(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCache()
	engine := NewEngine(fs, fc, zap.NewNop())
	here := seedZone(fs, "gatehouse")
	there := seedZone(fs, "courtyard")
	char := &model.Character{ID: uuid.New(), Level: 5}
	fs.chars[char.ID] = char
	fs.locations[char.ID] = &model.CharacterLocation{CharacterID: char.ID, ZoneID: here.ID}
	fs.exits[here.ID] = []*model.ZoneExit{
		{FromZoneID: here.ID, ToZoneID: there.ID, Direction: model.North, Visible: true},
		{FromZoneID: here.ID, ToZoneID: there.ID, Direction: model.East, Visible: false},
		{FromZoneID: here.ID, ToZoneID: there.ID, Direction: model.South, Visible: true, Locked: true},
		{FromZoneID: here.ID, ToZoneID: there.ID, Direction: model.West, Visible: true, RequiredLevel: 20},
	}

	preview, err := engine.Look(context.Background(), char.ID, model.North)
	require.NoError(t, err)
	assert.Equal(t, there.ID, preview.ZoneID)
	assert.Equal(t, "courtyard", preview.DisplayName)
	assert.Equal(t, "temperate", preview.Climate)

	_, err = engine.Look(context.Background(), char.ID, model.Northeast)
	assert.ErrorIs(t, err, ErrNoExit, "absent exit")

	_, err = engine.Look(context.Background(), char.ID, model.East)
	assert.ErrorIs(t, err, ErrNoExit, "hidden exit reads as absent")

	_, err = engine.Look(context.Background(), char.ID, model.South)
	assert.ErrorIs(t, err, ErrExitLocked)

	var lvl *LevelTooLowError
	_, err = engine.Look(context.Background(), char.ID, model.West)
	require.ErrorAs(t, err, &lvl)
	assert.Equal(t, 20, lvl.Required)
}

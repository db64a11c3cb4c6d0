package movement

import (
	"context"
	"errors"
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
	char     *model.Character
	loc      *model.CharacterLocation
	exits    map[model.Direction]*model.ZoneExit
	applied  []*store.MoveMutation
	applyErr error
}

func (f *fakeStore) GetCharacter(_ context.Context, id uuid.UUID) (*model.Character, error) {
	if f.char == nil || f.char.ID != id {
		return nil, store.ErrNotFound
	}
	cp := *f.char
	return &cp, nil
}

func (f *fakeStore) GetLocation(_ context.Context, characterID uuid.UUID) (*model.CharacterLocation, error) {
	if f.loc == nil || f.loc.CharacterID != characterID {
		return nil, store.ErrNotFound
	}
	cp := *f.loc
	return &cp, nil
}

func (f *fakeStore) GetExit(_ context.Context, fromZoneID uuid.UUID, direction model.Direction) (*model.ZoneExit, error) {
	e, ok := f.exits[direction]
	if !ok || e.FromZoneID != fromZoneID {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) ApplyMove(_ context.Context, m *store.MoveMutation) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, m)
	f.loc.ZoneID = m.ToZoneID
	f.loc.TotalMoves++
	if m.NewZoneVisit {
		f.loc.ZonesVisited = append(f.loc.ZonesVisited, m.ToZoneID.String())
	}
	return nil
}

func (f *fakeStore) MovementHistory(context.Context, uuid.UUID, int, int) ([]*model.MovementLog, error) {
	return nil, nil
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

type fakeLimiter struct {
	denied  bool
	checked bool
}

func (l *fakeLimiter) CheckProfile(_ context.Context, _ ratelimit.Profile, _ string) (ratelimit.Result, error) {
	l.checked = true
	if l.denied {
		return ratelimit.Result{Allowed: false, RetryAfter: 700 * time.Millisecond}, nil
	}
	return ratelimit.Result{Allowed: true}, nil
}

// windowLimiter models the sliding-window contract of the live limiter:
// events inside the profile window count against its max, driven by a clock
// the test advances.
type windowLimiter struct {
	now    time.Time
	events []time.Time
}

func (l *windowLimiter) CheckProfile(_ context.Context, p ratelimit.Profile, _ string) (ratelimit.Result, error) {
	kept := l.events[:0]
	for _, at := range l.events {
		if l.now.Sub(at) < p.Window {
			kept = append(kept, at)
		}
	}
	l.events = kept
	if len(l.events) >= p.Max {
		return ratelimit.Result{RetryAfter: p.Window - l.now.Sub(l.events[0])}, nil
	}
	l.events = append(l.events, l.now)
	return ratelimit.Result{Allowed: true, Remaining: p.Max - len(l.events)}, nil
}

type fakeGates struct {
	items  map[string]bool
	quests map[string]bool
}

func (g *fakeGates) HasItem(_ context.Context, _ uuid.UUID, item string) (bool, error) {
	return g.items[item], nil
}

func (g *fakeGates) HasCompletedQuest(_ context.Context, _ uuid.UUID, quest string) (bool, error) {
	return g.quests[quest], nil
}

type fakePresence struct {
	swaps []string
}

func (p *fakePresence) SwapOccupancy(_ context.Context, characterID, from, to uuid.UUID) error {
	p.swaps = append(p.swaps, from.String()+">"+to.String())
	return nil
}

type fixture struct {
	engine   *Engine
	store    *fakeStore
	bus      *recordingBus
	limiter  *fakeLimiter
	gates    *fakeGates
	presence *fakePresence
	here     uuid.UUID
	there    uuid.UUID
}

func newFixture() *fixture {
	here, there := uuid.New(), uuid.New()
	accountID := uuid.New()
	ch := &model.Character{
		ID:        uuid.New(),
		AccountID: accountID,
		Name:      "Brym",
		Level:     5,
		Status:    model.StatusNormal,
	}
	fs := &fakeStore{
		char: ch,
		loc: &model.CharacterLocation{
			CharacterID:  ch.ID,
			ZoneID:       here,
			ZonesVisited: []string{here.String()},
		},
		exits: map[model.Direction]*model.ZoneExit{
			model.North: {
				FromZoneID:    here,
				ToZoneID:      there,
				Direction:     model.North,
				ExitType:      model.ExitNormal,
				Visible:       true,
				TravelMessage: "You cross the ford.",
			},
		},
	}
	bus := &recordingBus{}
	limiter := &fakeLimiter{}
	gates := &fakeGates{items: map[string]bool{}, quests: map[string]bool{}}
	presence := &fakePresence{}
	engine := NewEngine(fs, passLocker{}, bus, limiter, gates, presence, zap.NewNop())
	return &fixture{engine: engine, store: fs, bus: bus, limiter: limiter,
		gates: gates, presence: presence, here: here, there: there}
}

func TestMove(t *testing.T) {
	fx := newFixture()

	moved, err := fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.North)
	require.NoError(t, err)

	assert.Equal(t, fx.there, moved.ToZoneID)
	assert.Equal(t, model.MoveNormal, moved.MovementType)
	assert.Equal(t, "You cross the ford.", moved.TravelMessage)
	assert.Equal(t, int64(1000), moved.TravelTimeMS)

	require.Len(t, fx.store.applied, 1)
	m := fx.store.applied[0]
	assert.True(t, m.NewZoneVisit, "first visit to the target zone")
	require.NotNil(t, m.Direction)
	assert.Equal(t, model.North, *m.Direction)

	assert.Equal(t, []string{fx.here.String() + ">" + fx.there.String()}, fx.presence.swaps)
	assert.Equal(t, []string{
		"zone:" + fx.here.String() + "/character_left",
		"zone:" + fx.there.String() + "/character_entered",
	}, fx.bus.events)
}

func TestMoveRevisitedZone(t *testing.T) {
	fx := newFixture()
	fx.store.loc.ZonesVisited = append(fx.store.loc.ZonesVisited, fx.there.String())

	_, err := fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.North)
	require.NoError(t, err)
	assert.False(t, fx.store.applied[0].NewZoneVisit)
}

func TestMoveWrongAccount(t *testing.T) {
	fx := newFixture()
	_, err := fx.engine.Move(context.Background(), uuid.New(), fx.store.char.ID, model.North)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Empty(t, fx.store.applied)
}

func TestMoveBusy(t *testing.T) {
	fx := newFixture()
	for _, status := range []model.CharacterStatus{model.StatusCombat, model.StatusDead, model.StatusBusy} {
		fx.store.char.Status = status
		_, err := fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.North)
		var me *MoveError
		require.ErrorAs(t, err, &me, "status %s", status)
		assert.Equal(t, CodeBusy, me.Code)
	}
	assert.Empty(t, fx.store.applied)
}

func TestMoveNoExit(t *testing.T) {
	fx := newFixture()

	_, err := fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.South)
	var me *MoveError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, CodeNoExit, me.Code)

	// Hidden exits read as absent.
	fx.store.exits[model.North].Visible = false
	_, err = fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.North)
	require.ErrorAs(t, err, &me)
	assert.Equal(t, CodeNoExit, me.Code)
}

func TestMoveCooldown(t *testing.T) {
	fx := newFixture()
	fx.limiter.denied = true

	_, err := fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.North)
	var me *MoveError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, CodeCooldown, me.Code)
	assert.Equal(t, 700*time.Millisecond, me.RetryAfter)
	assert.Empty(t, fx.store.applied, "denied moves mutate nothing")
}

// Back-to-back moves through the movement profile itself: the second move
// inside one second is refused, and the slot reopens when the window passes.
func TestMoveBackToBackWithinSecondDenied(t *testing.T) {
	fx := newFixture()
	limiter := &windowLimiter{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	fx.engine.limits = limiter
	// A return exit, so the second move fails on the cooldown rather than
	// on exit resolution.
	fx.store.exits[model.South] = &model.ZoneExit{
		FromZoneID: fx.there,
		ToZoneID:   fx.here,
		Direction:  model.South,
		ExitType:   model.ExitNormal,
		Visible:    true,
	}

	_, err := fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.North)
	require.NoError(t, err)

	limiter.now = limiter.now.Add(200 * time.Millisecond)
	_, err = fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.South)
	var me *MoveError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, CodeCooldown, me.Code)
	assert.Equal(t, 800*time.Millisecond, me.RetryAfter)
	assert.Len(t, fx.store.applied, 1, "exactly one transition for two calls inside a second")

	limiter.now = limiter.now.Add(850 * time.Millisecond)
	_, err = fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.South)
	require.NoError(t, err)
	assert.Len(t, fx.store.applied, 2)
}

// The cooldown gate sits after exit resolution: a move into a wall never
// consumes a limiter slot.
func TestMoveNoExitSkipsCooldown(t *testing.T) {
	fx := newFixture()
	fx.limiter.denied = true

	_, err := fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.South)
	var me *MoveError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, CodeNoExit, me.Code)
	assert.False(t, fx.limiter.checked)
}

func TestMoveLockedExit(t *testing.T) {
	fx := newFixture()
	exit := fx.store.exits[model.North]
	exit.Locked = true
	exit.LockType = model.LockKey
	exit.RequiredItem = "iron key"

	_, err := fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.North)
	var me *MoveError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, CodeExitLocked, me.Code)

	// Holding the key opens it; the key doubles as the required item.
	fx.gates.items["iron key"] = true
	_, err = fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.North)
	require.NoError(t, err)
}

func TestMoveQuestLock(t *testing.T) {
	fx := newFixture()
	exit := fx.store.exits[model.North]
	exit.Locked = true
	exit.LockType = model.LockQuest
	exit.RequiredItem = "clear_the_mines"

	_, err := fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.North)
	var me *MoveError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, CodeExitLocked, me.Code)

	fx.gates.quests["clear_the_mines"] = true
	fx.gates.items["clear_the_mines"] = true
	_, err = fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.North)
	require.NoError(t, err)
}

func TestMoveLevelGate(t *testing.T) {
	fx := newFixture()
	fx.store.exits[model.North].RequiredLevel = 12

	_, err := fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.North)
	var me *MoveError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, CodeLevelTooLow, me.Code)
	assert.Equal(t, 12, me.Required)
}

func TestMoveMissingItem(t *testing.T) {
	fx := newFixture()
	fx.store.exits[model.North].RequiredItem = "climbing rope"

	_, err := fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.North)
	var me *MoveError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, CodeMissingItem, me.Code)
	assert.Equal(t, "climbing rope", me.Item)
}

func TestMoveStoreFailureMutatesNothing(t *testing.T) {
	fx := newFixture()
	fx.store.applyErr = errors.New("deadlock detected")

	_, err := fx.engine.Move(context.Background(), fx.store.char.AccountID, fx.store.char.ID, model.North)
	require.Error(t, err)
	assert.Empty(t, fx.presence.swaps, "occupancy untouched on rollback")
	assert.Empty(t, fx.bus.events, "nothing announced on rollback")
}

func TestTeleportBypassesGates(t *testing.T) {
	fx := newFixture()
	fx.limiter.denied = true
	fx.store.char.Status = model.StatusCombat
	target := uuid.New()

	moved, err := fx.engine.Teleport(context.Background(), fx.store.char.ID, target)
	require.NoError(t, err)
	assert.Equal(t, model.MoveTeleport, moved.MovementType)
	assert.Equal(t, target, moved.ToZoneID)
	require.Len(t, fx.store.applied, 1)
	assert.Nil(t, fx.store.applied[0].Direction, "teleports carry no direction")
}

func TestRecallAndSummonLogTheirType(t *testing.T) {
	fx := newFixture()
	target := uuid.New()

	moved, err := fx.engine.Recall(context.Background(), fx.store.char.ID, target)
	require.NoError(t, err)
	assert.Equal(t, model.MoveRecall, moved.MovementType)

	moved, err = fx.engine.Summon(context.Background(), fx.store.char.ID, fx.here)
	require.NoError(t, err)
	assert.Equal(t, model.MoveSummon, moved.MovementType)
}

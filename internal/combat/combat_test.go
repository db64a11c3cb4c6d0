package combat

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realmd/internal/affinity"
	"realmd/internal/model"
	"realmd/internal/progression"
	"realmd/internal/ratelimit"
	"realmd/internal/store"
)

// scriptRoller replays scripted dice and probability outcomes in order.
type scriptRoller struct {
	rolls   []int
	chances []bool
}

func (r *scriptRoller) Roll(n int) int {
	if len(r.rolls) == 0 {
		return 1
	}
	v := r.rolls[0]
	r.rolls = r.rolls[1:]
	if v > n {
		v = n
	}
	return v
}

func (r *scriptRoller) Chance(p float64) bool {
	if len(r.chances) == 0 {
		return false
	}
	v := r.chances[0]
	r.chances = r.chances[1:]
	return v
}

type fakeStore struct {
	chars        map[uuid.UUID]*model.Character
	session      *model.CombatSession
	participants []*model.CombatParticipant
	claimed      bool
	goldAwards   map[uuid.UUID]int64
	rewardExp    int64
	rewardGold   int64
	cancelled    bool
}

func newCombatStore() *fakeStore {
	return &fakeStore{
		chars:      map[uuid.UUID]*model.Character{},
		goldAwards: map[uuid.UUID]int64{},
	}
}

func (f *fakeStore) GetCharacter(_ context.Context, id uuid.UUID) (*model.Character, error) {
	ch, ok := f.chars[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (f *fakeStore) CreateCombatSession(_ context.Context, cs *model.CombatSession, participants []*model.CombatParticipant) error {
	f.session = cs
	f.participants = participants
	for _, p := range participants {
		if p.Type == model.ParticipantPlayer {
			if ch, ok := f.chars[p.CharacterID]; ok {
				ch.Status = model.StatusCombat
			}
		}
	}
	return nil
}

func clone(p *model.CombatParticipant) *model.CombatParticipant {
	cp := *p
	cp.StatusEffects = append([]model.StatusEffect(nil), p.StatusEffects...)
	cp.ActionCooldowns = map[model.ActionType]time.Time{}
	for k, v := range p.ActionCooldowns {
		cp.ActionCooldowns[k] = v
	}
	return &cp
}

func (f *fakeStore) GetCombatSession(_ context.Context, id uuid.UUID) (*model.CombatSession, []*model.CombatParticipant, error) {
	if f.session == nil || f.session.ID != id {
		return nil, nil, store.ErrNotFound
	}
	cs := *f.session
	out := make([]*model.CombatParticipant, len(f.participants))
	for i, p := range f.participants {
		out[i] = clone(p)
	}
	return &cs, out, nil
}

func (f *fakeStore) ActiveSessionForCharacter(_ context.Context, characterID uuid.UUID) (*model.CombatSession, error) {
	if f.session == nil || (f.session.Status != model.CombatActive && f.session.Status != model.CombatWaiting) {
		return nil, store.ErrNotFound
	}
	for _, p := range f.participants {
		if p.CharacterID == characterID && p.Status == model.Alive {
			cs := *f.session
			return &cs, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ApplyCombatAction(_ context.Context, m *store.ActionMutation) error {
	for _, updated := range m.Participants {
		for i, p := range f.participants {
			if p.ID == updated.ID {
				f.participants[i] = clone(updated)
			}
		}
	}
	f.session.CurrentTurn = m.CurrentTurn
	f.session.TurnNumber = m.TurnNumber
	f.session.Status = m.Status
	f.session.WinnerSide = m.WinnerSide
	f.session.EndedAt = m.EndedAt
	return nil
}

func (f *fakeStore) CancelCombatSession(_ context.Context, id uuid.UUID, at time.Time) error {
	f.cancelled = true
	f.session.Status = model.CombatCancelled
	f.session.EndedAt = &at
	return nil
}

func (f *fakeStore) SetCombatRewards(_ context.Context, _ uuid.UUID, experience, gold int64) error {
	f.rewardExp = experience
	f.rewardGold = gold
	return nil
}

func (f *fakeStore) ClaimRewardDistribution(_ context.Context, _ uuid.UUID) (bool, error) {
	if f.claimed {
		return false, nil
	}
	f.claimed = true
	return true, nil
}

func (f *fakeStore) SessionStatistics(context.Context, uuid.UUID) ([]store.ActionStatistics, error) {
	return nil, nil
}

func (f *fakeStore) UpdateCharacterStatus(_ context.Context, id uuid.UUID, status model.CharacterStatus) error {
	if ch, ok := f.chars[id]; ok {
		ch.Status = status
	}
	return nil
}

func (f *fakeStore) AddCharacterGold(_ context.Context, id uuid.UUID, delta int64) error {
	f.goldAwards[id] += delta
	return nil
}

type passLocker struct {
	acquired []string
}

func (l *passLocker) WithLock(ctx context.Context, resource string, _ time.Duration, fn func(ctx context.Context) error) error {
	l.acquired = append(l.acquired, resource)
	return fn(ctx)
}

// serialLocker grants the session lock to one caller at a time, the way the
// live distributed lock does.
type serialLocker struct {
	mu sync.Mutex
}

func (l *serialLocker) WithLock(ctx context.Context, _ string, _ time.Duration, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
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
	denied bool
}

func (l *fakeLimiter) CheckProfile(context.Context, ratelimit.Profile, string) (ratelimit.Result, error) {
	if l.denied {
		return ratelimit.Result{Allowed: false, RetryAfter: 800 * time.Millisecond}, nil
	}
	return ratelimit.Result{Allowed: true}, nil
}

type fakeProgression struct {
	awards map[uuid.UUID]int64
}

func (p *fakeProgression) Award(_ context.Context, characterID uuid.UUID, amount *big.Int, _ model.ExperienceSource, _ string) (*progression.AwardResult, error) {
	if p.awards == nil {
		p.awards = map[uuid.UUID]int64{}
	}
	p.awards[characterID] += amount.Int64()
	return &progression.AwardResult{CharacterID: characterID}, nil
}

type fakeAffinity struct {
	awards  map[string]int64
	bonusBP int
}

func (a *fakeAffinity) Award(_ context.Context, _ uuid.UUID, name string, amount int64, _ string) (*affinity.AwardResult, error) {
	if a.awards == nil {
		a.awards = map[string]int64{}
	}
	a.awards[name] += amount
	return &affinity.AwardResult{Affinity: name, Amount: amount}, nil
}

func (a *fakeAffinity) Bonus(context.Context, uuid.UUID, string) (int, error) {
	return a.bonusBP, nil
}

// staticEquipment pins the weapon coefficient and affinity.
type staticEquipment struct {
	coefBP int
	name   string
}

func (s staticEquipment) WeaponCoefficientBP(context.Context, uuid.UUID) (int, error) {
	return s.coefBP, nil
}

func (s staticEquipment) WeaponAffinity(context.Context, uuid.UUID) (string, error) {
	return s.name, nil
}

type fixture struct {
	engine  *Engine
	store   *fakeStore
	bus     *recordingBus
	locks   *passLocker
	limiter *fakeLimiter
	prog    *fakeProgression
	aff     *fakeAffinity
	roller  *scriptRoller
}

func newFixture(equipment Equipment, roller *scriptRoller) *fixture {
	fs := newCombatStore()
	bus := &recordingBus{}
	locks := &passLocker{}
	limiter := &fakeLimiter{}
	prog := &fakeProgression{}
	aff := &fakeAffinity{}
	engine := NewEngine(fs, locks, bus, limiter, prog, aff, equipment, roller, zap.NewNop())
	return &fixture{engine: engine, store: fs, bus: bus, locks: locks,
		limiter: limiter, prog: prog, aff: aff, roller: roller}
}

func seedCharacter(fs *fakeStore, name string, level int, stats model.Stats, hp, mp int) *model.Character {
	ch := &model.Character{
		ID:            uuid.New(),
		AccountID:     uuid.New(),
		Name:          name,
		Level:         level,
		Status:        model.StatusNormal,
		Stats:         stats,
		HP:            hp,
		MaxHP:         hp,
		MP:            mp,
		MaxMP:         mp,
		CurrentZoneID: uuid.New(),
	}
	fs.chars[ch.ID] = ch
	return ch
}

// The duel from the acceptance walkthrough: S (str 50, vit 20, dex 100,
// level 10) against T (str 30, vit 30, dex 40, level 10) with weapon
// coefficient 1.1. Initiative rolls 20 and 10 put S first. S attacks with a
// variance roll of 5: base 22, damage 27, critical lands, final 40.
func TestDuelRound(t *testing.T) {
	roller := &scriptRoller{
		rolls:   []int{20, 10, 5},
		chances: []bool{false, true, false}, // no miss, crit, no block
	}
	fx := newFixture(staticEquipment{coefBP: 11000, name: "sword"}, roller)
	s := seedCharacter(fx.store, "S", 10, model.Stats{Strength: 50, Vitality: 20, Dexterity: 100}, 200, 50)
	tt := seedCharacter(fx.store, "T", 10, model.Stats{Strength: 30, Vitality: 30, Dexterity: 40}, 200, 50)

	session, err := fx.engine.StartEncounter(context.Background(), s.ID,
		model.CombatDuel, []Opponent{{CharacterID: &tt.ID}})
	require.NoError(t, err)

	require.Len(t, session.Participants, 2)
	assert.Equal(t, "S", session.Participants[0].Name, "S acts first")
	assert.Equal(t, 45, session.Participants[0].Initiative) // 100/5 + 10/2 + 20
	assert.Equal(t, 23, session.Participants[1].Initiative) // 40/5 + 10/2 + 10
	assert.Equal(t, model.CombatActive, session.Status)
	assert.Equal(t, model.StatusCombat, fx.store.chars[s.ID].Status)
	assert.Contains(t, fx.bus.events, "zone:"+s.CurrentZoneID.String()+"/combat:start")

	res, err := fx.engine.PerformAction(context.Background(), session.ID, s.ID,
		model.ActionAttack, "slash", &tt.ID)
	require.NoError(t, err)

	assert.Equal(t, 40, res.Damage) // (27 crit) 27*1.5 floored
	assert.True(t, res.IsCritical)
	assert.False(t, res.IsMissed)
	assert.Equal(t, 1, res.TurnNumber, "same round until the order wraps")
	require.NotNil(t, res.NextActorID)
	assert.Equal(t, tt.ID, *res.NextActorID)

	target := findByCharacter(fx.store.participants, tt.ID)
	assert.Equal(t, 160, target.CurrentHP)

	// S again without T having acted.
	_, err = fx.engine.PerformAction(context.Background(), session.ID, s.ID,
		model.ActionAttack, "slash", &tt.ID)
	var ae *ActionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CodeNotYourTurn, ae.Code)

	// Landed weapon damage trains the sword track: 40/2 with the crit bonus.
	assert.Equal(t, int64(25), fx.aff.awards["sword"])
}

// Concurrent submissions from the participant whose turn it is not: every
// one is refused under the turn lock and the session is untouched, then the
// turn holder still gets their action.
func TestConcurrentActionsRespectTurnOrder(t *testing.T) {
	roller := &scriptRoller{rolls: []int{20, 10}}
	fx := newFixture(nil, roller)
	fx.engine.locks = &serialLocker{}
	s := seedCharacter(fx.store, "S", 10, model.Stats{Strength: 50, Vitality: 20, Dexterity: 100}, 200, 50)
	tt := seedCharacter(fx.store, "T", 10, model.Stats{Strength: 30, Vitality: 30, Dexterity: 40}, 200, 50)

	session, err := fx.engine.StartEncounter(context.Background(), s.ID,
		model.CombatDuel, []Opponent{{CharacterID: &tt.ID}})
	require.NoError(t, err)
	require.Equal(t, "S", session.Participants[0].Name, "S acts first")

	const submissions = 8
	errs := make(chan error, submissions)
	var wg sync.WaitGroup
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.engine.PerformAction(context.Background(), session.ID, tt.ID,
				model.ActionAttack, "slash", &s.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		var ae *ActionError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, CodeNotYourTurn, ae.Code)
	}
	assert.Equal(t, 0, fx.store.session.CurrentTurn, "turn never advanced")
	assert.Equal(t, 1, fx.store.session.TurnNumber)
	for _, p := range fx.store.participants {
		assert.Equal(t, p.MaxHP, p.CurrentHP, "%s untouched", p.Name)
	}

	res, err := fx.engine.PerformAction(context.Background(), session.ID, s.ID,
		model.ActionAttack, "slash", &tt.ID)
	require.NoError(t, err)
	require.NotNil(t, res.NextActorID)
	assert.Equal(t, tt.ID, *res.NextActorID)
}

func TestStartEncounterAlreadyInCombat(t *testing.T) {
	roller := &scriptRoller{rolls: []int{20, 10}}
	fx := newFixture(nil, roller)
	s := seedCharacter(fx.store, "S", 5, model.Stats{Strength: 20, Dexterity: 10}, 100, 20)

	_, err := fx.engine.StartEncounter(context.Background(), s.ID, model.CombatPVE,
		[]Opponent{{Name: "Rat", Level: 1, MaxHP: 10}})
	require.NoError(t, err)

	_, err = fx.engine.StartEncounter(context.Background(), s.ID, model.CombatPVE,
		[]Opponent{{Name: "Rat", Level: 1, MaxHP: 10}})
	assert.ErrorIs(t, err, ErrAlreadyInCombat)

	_, err = fx.engine.StartEncounter(context.Background(), s.ID, model.CombatPVE, nil)
	assert.ErrorIs(t, err, ErrNoOpponents)
}

func startPVE(t *testing.T, fx *fixture, hero *model.Character, monsterHP, monsterLevel int) *Session {
	t.Helper()
	session, err := fx.engine.StartEncounter(context.Background(), hero.ID, model.CombatPVE,
		[]Opponent{{Name: "Ghoul", Level: monsterLevel, MaxHP: monsterHP,
			Stats: model.Stats{Strength: 10, Vitality: 5}}})
	require.NoError(t, err)
	return session
}

func TestActionPreconditions(t *testing.T) {
	roller := &scriptRoller{rolls: []int{20, 1}}
	fx := newFixture(nil, roller)
	hero := seedCharacter(fx.store, "Hero", 8, model.Stats{Strength: 30, Dexterity: 20}, 100, 5)
	session := startPVE(t, fx, hero, 50, 3)
	ghoul := session.Participants[1]

	var ae *ActionError

	// Unknown character.
	_, err := fx.engine.PerformAction(context.Background(), session.ID, uuid.New(),
		model.ActionAttack, "", &ghoul.CharacterID)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CodeNotParticipant, ae.Code)

	// Rate limiter denial maps to the cooldown error.
	fx.limiter.denied = true
	_, err = fx.engine.PerformAction(context.Background(), session.ID, hero.ID,
		model.ActionAttack, "", &ghoul.CharacterID)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CodeActionOnCooldown, ae.Code)
	assert.Equal(t, 800*time.Millisecond, ae.RetryAfter)
	fx.limiter.denied = false

	// Spells need mana: hero has 5 MP, the default spell costs 10.
	_, err = fx.engine.PerformAction(context.Background(), session.ID, hero.ID,
		model.ActionSpell, "zap", &ghoul.CharacterID)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CodeInsufficientMP, ae.Code)

	// Harmful actions need an opposing living target.
	_, err = fx.engine.PerformAction(context.Background(), session.ID, hero.ID,
		model.ActionAttack, "", nil)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CodeInvalidTarget, ae.Code)

	_, err = fx.engine.PerformAction(context.Background(), session.ID, hero.ID,
		model.ActionAttack, "", &hero.ID)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CodeInvalidTarget, ae.Code)

	// Cancelled sessions refuse everything.
	require.NoError(t, fx.engine.EndEncounter(context.Background(), session.ID))
	_, err = fx.engine.PerformAction(context.Background(), session.ID, hero.ID,
		model.ActionAttack, "", &ghoul.CharacterID)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CodeCombatEnded, ae.Code)
	assert.Equal(t, model.StatusNormal, fx.store.chars[hero.ID].Status,
		"cancel restores the player")
}

func TestActionCooldownTable(t *testing.T) {
	roller := &scriptRoller{
		rolls:   []int{20, 1, 1, 1},
		chances: []bool{false, false, false, false, false, false},
	}
	fx := newFixture(nil, roller)
	hero := seedCharacter(fx.store, "Hero", 8, model.Stats{Strength: 30}, 100, 50)
	session := startPVE(t, fx, hero, 500, 3)
	ghoul := session.Participants[1]

	base := time.Now()
	fx.engine.now = func() time.Time { return base }

	_, err := fx.engine.PerformAction(context.Background(), session.ID, hero.ID,
		model.ActionAttack, "", &ghoul.CharacterID)
	require.NoError(t, err)

	// Ghoul's turn passes.
	_, err = fx.engine.PerformAction(context.Background(), session.ID, ghoul.CharacterID,
		model.ActionAttack, "", &hero.ID)
	require.NoError(t, err)

	// 400ms later the attack is still cooling down.
	fx.engine.now = func() time.Time { return base.Add(400 * time.Millisecond) }
	_, err = fx.engine.PerformAction(context.Background(), session.ID, hero.ID,
		model.ActionAttack, "", &ghoul.CharacterID)
	var ae *ActionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CodeActionOnCooldown, ae.Code)
	assert.Equal(t, 600*time.Millisecond, ae.RetryAfter)

	// After the window it lands.
	fx.engine.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	_, err = fx.engine.PerformAction(context.Background(), session.ID, hero.ID,
		model.ActionAttack, "", &ghoul.CharacterID)
	require.NoError(t, err)
}

func TestSpellEffectTicksOnOwnersTurn(t *testing.T) {
	roller := &scriptRoller{
		rolls:   []int{20, 1, 2, 1},
		chances: []bool{false, false, false},
	}
	fx := newFixture(nil, roller)
	hero := seedCharacter(fx.store, "Mage", 6, model.Stats{Intelligence: 20, Strength: 5}, 80, 40)
	session := startPVE(t, fx, hero, 500, 3)
	ghoul := session.Participants[1]

	res, err := fx.engine.PerformAction(context.Background(), session.ID, hero.ID,
		model.ActionSpell, "fireball", &ghoul.CharacterID)
	require.NoError(t, err)
	assert.Equal(t, string(model.EffectBurn), res.EffectApplied)
	assert.Equal(t, 12, res.MPCost)

	burned := findByCharacter(fx.store.participants, ghoul.CharacterID)
	require.Len(t, burned.StatusEffects, 1)
	assert.Equal(t, 3, burned.StatusEffects[0].DurationTurns)
	hpAfterSpell := burned.CurrentHP

	// The burn fires on the ghoul's own turn, not the mage's.
	res, err = fx.engine.PerformAction(context.Background(), session.ID, ghoul.CharacterID,
		model.ActionAttack, "", &hero.ID)
	require.NoError(t, err)
	assert.Equal(t, -4, res.EffectTick)

	burned = findByCharacter(fx.store.participants, ghoul.CharacterID)
	assert.Equal(t, hpAfterSpell-4, burned.CurrentHP)
	assert.Equal(t, 2, burned.StatusEffects[0].DurationTurns)
}

func TestTerminationAndRewards(t *testing.T) {
	roller := &scriptRoller{
		rolls:   []int{20, 1, 500},
		chances: []bool{false, false, false},
	}
	fx := newFixture(staticEquipment{coefBP: 10000, name: "sword"}, roller)
	hero := seedCharacter(fx.store, "Hero", 10, model.Stats{Strength: 60, Dexterity: 10}, 100, 20)
	session := startPVE(t, fx, hero, 30, 4)
	ghoul := session.Participants[1]

	res, err := fx.engine.PerformAction(context.Background(), session.ID, hero.ID,
		model.ActionAttack, "", &ghoul.CharacterID)
	require.NoError(t, err)

	assert.Equal(t, model.CombatEnded, res.SessionStatus)
	assert.Equal(t, string(model.SideAttackers), res.WinnerSide)
	assert.Equal(t, model.CombatEnded, fx.store.session.Status)

	// Ghoul is level 4: 200 exp, 40 gold.
	assert.Equal(t, int64(200), fx.prog.awards[hero.ID])
	assert.Equal(t, int64(40), fx.store.goldAwards[hero.ID])
	assert.Equal(t, int64(200), fx.store.rewardExp)
	assert.Equal(t, int64(40), fx.store.rewardGold)
	assert.Equal(t, model.StatusNormal, fx.store.chars[hero.ID].Status)
	assert.Contains(t, fx.bus.events, "combat:"+session.ID.String()+"/combat:end")
	assert.Contains(t, fx.locks.acquired, "combat:"+session.ID.String()+":rewards")

	// A replayed distribution finds the claim taken and pays nothing more.
	fx.engine.distributeRewards(context.Background(), session.ID)
	assert.Equal(t, int64(200), fx.prog.awards[hero.ID])
	assert.Equal(t, int64(40), fx.store.goldAwards[hero.ID])
}

func TestFlee(t *testing.T) {
	roller := &scriptRoller{
		rolls:   []int{20, 1},
		chances: []bool{false}, // first flee attempt fails
	}
	fx := newFixture(nil, roller)
	hero := seedCharacter(fx.store, "Hero", 5, model.Stats{Strength: 10}, 50, 10)
	session := startPVE(t, fx, hero, 500, 3)
	ghoul := session.Participants[1]

	res, err := fx.engine.AttemptFlee(context.Background(), session.ID, hero.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CombatActive, res.SessionStatus)
	assert.Equal(t, model.Alive, findByCharacter(fx.store.participants, hero.ID).Status)
	require.NotNil(t, res.NextActorID, "a failed flee consumes the turn")
	assert.Equal(t, ghoul.CharacterID, *res.NextActorID)

	// Ghoul passes; hero's second attempt succeeds and ends the fight with
	// no alive attackers.
	roller.chances = []bool{false, false, false, true}
	_, err = fx.engine.PerformAction(context.Background(), session.ID, ghoul.CharacterID,
		model.ActionAttack, "", &hero.ID)
	require.NoError(t, err)

	res, err = fx.engine.AttemptFlee(context.Background(), session.ID, hero.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Fled, findByCharacter(fx.store.participants, hero.ID).Status)
	assert.Equal(t, model.CombatEnded, res.SessionStatus)
	assert.Equal(t, string(model.SideDefenders), res.WinnerSide)
	assert.Equal(t, model.StatusNormal, fx.store.chars[hero.ID].Status)
}

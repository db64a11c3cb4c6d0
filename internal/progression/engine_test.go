package progression

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
	"realmd/internal/store"
)

// fakeStore keeps one character in memory and mimics the milestone unique
// constraint.
type fakeStore struct {
	character *model.Character
	race      *model.Race
	granted   map[int]bool
	expLogs   []*model.ExperienceLog
	levelUps  []*model.LevelUpLog
}

func (f *fakeStore) GetCharacter(_ context.Context, id uuid.UUID) (*model.Character, error) {
	if f.character == nil || f.character.ID != id {
		return nil, store.ErrNotFound
	}
	cp := *f.character
	return &cp, nil
}

func (f *fakeStore) GetRace(_ context.Context, id uuid.UUID) (*model.Race, error) {
	if f.race == nil || f.race.ID != id {
		return nil, store.ErrNotFound
	}
	return f.race, nil
}

func (f *fakeStore) ApplyAward(_ context.Context, m *store.AwardMutation) ([]int, error) {
	f.character.Level = m.Level
	f.character.Experience = m.Experience
	f.character.NextLevelExp = m.NextLevelExp
	f.character.AvailableStatPoints += m.StatPointsDelta
	f.character.Titles = m.Titles
	f.character.ActiveTitle = m.ActiveTitle
	if m.ExpLog != nil {
		f.expLogs = append(f.expLogs, m.ExpLog)
	}
	f.levelUps = append(f.levelUps, m.LevelUps...)
	var granted []int
	for _, ms := range m.Milestones {
		if f.granted[ms.MilestoneLevel] {
			continue
		}
		f.granted[ms.MilestoneLevel] = true
		f.character.AvailableStatPoints += ms.StatPoints
		f.character.Gold += ms.Gold
		granted = append(granted, ms.MilestoneLevel)
	}
	return granted, nil
}

func (f *fakeStore) ExperienceHistory(context.Context, uuid.UUID, int, int) ([]*model.ExperienceLog, error) {
	return f.expLogs, nil
}

func (f *fakeStore) LevelHistory(context.Context, uuid.UUID, int, int) ([]*model.LevelUpLog, error) {
	return f.levelUps, nil
}

func (f *fakeStore) ListMilestones(context.Context, uuid.UUID) ([]*model.MilestoneAchievement, error) {
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

func newTestEngine(level int, expWithinLevel int64) (*Engine, *fakeStore, *recordingBus) {
	charID := uuid.New()
	raceID := uuid.New()
	fs := &fakeStore{
		character: &model.Character{
			ID:           charID,
			RaceID:       raceID,
			Level:        level,
			Experience:   big.NewInt(expWithinLevel),
			NextLevelExp: ExpForLevel(level),
			Titles:       []string{"the Novice"},
			ActiveTitle:  "the Novice",
		},
		race:    &model.Race{ID: raceID, ExpBonusBP: 10000},
		granted: map[int]bool{},
	}
	bus := &recordingBus{}
	return NewEngine(fs, passLocker{}, bus, zap.NewNop()), fs, bus
}

func TestAwardNoLevelUp(t *testing.T) {
	engine, fs, bus := newTestEngine(1, 0)

	res, err := engine.Award(context.Background(), fs.character.ID,
		big.NewInt(500), model.SourceQuest, "first quest")
	require.NoError(t, err)

	assert.Equal(t, 1, res.LevelAfter)
	assert.Zero(t, res.LevelsGained)
	assert.Equal(t, "500", fs.character.Experience.String())
	assert.Empty(t, bus.events, "no level up, no event")
}

func TestAwardSingleLevelUp(t *testing.T) {
	engine, fs, bus := newTestEngine(1, 0)

	res, err := engine.Award(context.Background(), fs.character.ID,
		big.NewInt(1000), model.SourceCombat, "")
	require.NoError(t, err)

	assert.Equal(t, 2, res.LevelAfter)
	assert.Equal(t, 3, res.StatPointsAdded, "level 2 is Novice phase")
	assert.Equal(t, "0", fs.character.Experience.String())
	assert.Equal(t, ExpForLevel(2).String(), fs.character.NextLevelExp.String())
	assert.Contains(t, bus.events, "character:"+fs.character.ID.String()+"/level_up")
}

// Crossing level 10 grants the phase points for the level plus the level-10
// milestone, exactly once.
func TestAwardMilestone(t *testing.T) {
	engine, fs, _ := newTestEngine(9, 0)
	need := ExpForLevel(9)
	fs.character.Experience = new(big.Int).Sub(need, big.NewInt(1))

	res, err := engine.Award(context.Background(), fs.character.ID,
		big.NewInt(2), model.SourceCombat, "")
	require.NoError(t, err)

	assert.Equal(t, 10, res.LevelAfter)
	assert.Equal(t, []int{10}, res.MilestonesHit)
	// 3 phase points + 5 milestone points.
	assert.Equal(t, 8, fs.character.AvailableStatPoints)
	assert.Equal(t, int64(100), fs.character.Gold)
	assert.Equal(t, "1", fs.character.Experience.String())

	// A later award that stays at level 10 does not re-grant.
	res, err = engine.Award(context.Background(), fs.character.ID,
		big.NewInt(0), model.SourceAdmin, "replay")
	require.NoError(t, err)
	assert.Empty(t, res.MilestonesHit)
	assert.Equal(t, 8, fs.character.AvailableStatPoints)
}

func TestAwardPhaseTransition(t *testing.T) {
	engine, fs, _ := newTestEngine(25, 0)
	fs.character.Experience = new(big.Int).Sub(ExpForLevel(25), big.NewInt(1))

	res, err := engine.Award(context.Background(), fs.character.ID,
		big.NewInt(1), model.SourceCombat, "")
	require.NoError(t, err)

	assert.Equal(t, 26, res.LevelAfter)
	assert.True(t, res.PhaseChanged)
	assert.Equal(t, "Apprentice", res.NewPhase)
	assert.Contains(t, fs.character.Titles, "the Apprentice")
	assert.Equal(t, "the Apprentice", fs.character.ActiveTitle)
	// The new level sits in the Apprentice phase: 4 points.
	assert.Equal(t, 4, res.StatPointsAdded)
}

func TestAwardRaceMultiplier(t *testing.T) {
	engine, fs, _ := newTestEngine(1, 0)
	fs.race.ExpBonusBP = 11000 // +10%

	res, err := engine.Award(context.Background(), fs.character.ID,
		big.NewInt(1000), model.SourceCombat, "")
	require.NoError(t, err)
	assert.Equal(t, "1100", res.AmountApplied.String())
}

// The final level depends only on the total amount awarded, not on how it
// was split across calls.
func TestAwardCommutativity(t *testing.T) {
	splits := [][]int64{
		{10000},
		{5000, 5000},
		{1, 4999, 3000, 2000},
		{2500, 2500, 2500, 2500},
	}
	var wantLevel int
	var wantPoints int
	for i, split := range splits {
		engine, fs, _ := newTestEngine(1, 0)
		for _, amt := range split {
			_, err := engine.Award(context.Background(), fs.character.ID,
				big.NewInt(amt), model.SourceQuest, "")
			require.NoError(t, err)
		}
		if i == 0 {
			wantLevel = fs.character.Level
			wantPoints = fs.character.AvailableStatPoints
			continue
		}
		assert.Equal(t, wantLevel, fs.character.Level, "split %v", split)
		assert.Equal(t, wantPoints, fs.character.AvailableStatPoints, "split %v", split)
	}
}

func TestAwardRejectsNegative(t *testing.T) {
	engine, fs, _ := newTestEngine(1, 0)
	_, err := engine.Award(context.Background(), fs.character.ID,
		big.NewInt(-5), model.SourceAdmin, "")
	assert.Error(t, err)
	_ = fs
}

func TestCurve(t *testing.T) {
	engine, _, _ := newTestEngine(1, 0)

	points, err := engine.Curve(1, 3)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, "1000", points[0].ExpToNext)
	assert.Equal(t, "0", points[0].TotalToHit)
	assert.Equal(t, "1000", points[1].TotalToHit)
	assert.Equal(t, "2150", points[2].TotalToHit)

	_, err = engine.Curve(1, 101)
	assert.Error(t, err, "curve span is capped at 100")
}

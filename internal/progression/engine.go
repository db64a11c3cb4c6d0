package progression

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realmd/internal/model"
	"realmd/internal/store"
)

const (
	lockTTL      = 5 * time.Second
	maxCurveSpan = 100
)

// ErrNegativeAward rejects awards below zero; experience only accrues.
var ErrNegativeAward = errors.New("award amount must be non-negative")

// Store is the persistence slice the engine consumes.
type Store interface {
	GetCharacter(ctx context.Context, id uuid.UUID) (*model.Character, error)
	GetRace(ctx context.Context, id uuid.UUID) (*model.Race, error)
	ApplyAward(ctx context.Context, m *store.AwardMutation) ([]int, error)
	ExperienceHistory(ctx context.Context, characterID uuid.UUID, limit, offset int) ([]*model.ExperienceLog, error)
	LevelHistory(ctx context.Context, characterID uuid.UUID, limit, offset int) ([]*model.LevelUpLog, error)
	ListMilestones(ctx context.Context, characterID uuid.UUID) ([]*model.MilestoneAchievement, error)
}

// Locker serializes awards per character across replicas.
type Locker interface {
	WithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Publisher emits gameplay events to the character's room.
type Publisher interface {
	Publish(ctx context.Context, room, event string, payload any) error
}

// Engine applies experience awards and answers curve queries.
type Engine struct {
	store  Store
	locks  Locker
	bus    Publisher
	logger *zap.Logger
}

// NewEngine builds the progression engine.
func NewEngine(st Store, locks Locker, bus Publisher, logger *zap.Logger) *Engine {
	return &Engine{store: st, locks: locks, bus: bus, logger: logger}
}

// AwardResult describes what an award changed.
type AwardResult struct {
	CharacterID     uuid.UUID `json:"character_id"`
	AmountApplied   *big.Int  `json:"amount_applied"`
	LevelBefore     int       `json:"level_before"`
	LevelAfter      int       `json:"level_after"`
	LevelsGained    int       `json:"levels_gained"`
	StatPointsAdded int       `json:"stat_points_added"`
	PhaseChanged    bool      `json:"phase_changed"`
	NewPhase        string    `json:"new_phase,omitempty"`
	MilestonesHit   []int     `json:"milestones_hit,omitempty"`
	Experience      *big.Int  `json:"experience"`
	NextLevelExp    *big.Int  `json:"next_level_exp"`
}

// Award applies amount experience (before multipliers) to the character.
// The whole mutation commits in one transaction; the per-character lock
// keeps concurrent awards on different replicas from interleaving.
func (e *Engine) Award(ctx context.Context, characterID uuid.UUID, amount *big.Int, source model.ExperienceSource, details string) (*AwardResult, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrNegativeAward
	}

	var result *AwardResult
	err := e.locks.WithLock(ctx, "progress:"+characterID.String(), lockTTL, func(ctx context.Context) error {
		ch, err := e.store.GetCharacter(ctx, characterID)
		if err != nil {
			return err
		}
		race, err := e.store.GetRace(ctx, ch.RaceID)
		if err != nil {
			return err
		}

		phase := PhaseForLevel(ch.Level)
		final := applyMultipliers(amount, race.ExpBonusBP, phase.BonusBP)

		res, mutation := e.computeAward(ch, final, source, details)
		granted, err := e.store.ApplyAward(ctx, mutation)
		if err != nil {
			return err
		}
		res.MilestonesHit = granted
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publishResults(ctx, result)
	return result, nil
}

// computeAward runs the level loop on in-memory state and assembles the
// store mutation. No I/O.
func (e *Engine) computeAward(ch *model.Character, final *big.Int, source model.ExperienceSource, details string) (*AwardResult, *store.AwardMutation) {
	exp := new(big.Int).Add(ch.Experience, final)
	next := new(big.Int).Set(ch.NextLevelExp)
	level := ch.Level
	statPoints := 0
	var levelUps []*model.LevelUpLog

	for exp.Cmp(next) >= 0 {
		exp.Sub(exp, next)
		level++
		p := PhaseForLevel(level)
		statPoints += p.StatPointsPerLevel
		levelUps = append(levelUps, &model.LevelUpLog{
			CharacterID:      ch.ID,
			Level:            level,
			StatPointsGained: p.StatPointsPerLevel,
			PhaseName:        p.Name,
		})
		next = ExpForLevel(level)
	}

	titles := append([]string(nil), ch.Titles...)
	activeTitle := ch.ActiveTitle
	oldPhase := PhaseForLevel(ch.Level)
	newPhase := PhaseForLevel(level)
	phaseChanged := newPhase.Name != oldPhase.Name
	if phaseChanged {
		if !containsTitle(titles, newPhase.Title) {
			titles = append(titles, newPhase.Title)
		}
		activeTitle = newPhase.Title
	}

	var candidates []*model.MilestoneAchievement
	for _, ms := range milestonesUpTo(level) {
		candidates = append(candidates, &model.MilestoneAchievement{
			CharacterID:     ch.ID,
			MilestoneLevel:  ms.Level,
			AchievementType: "milestone",
			StatPoints:      ms.StatPoints,
			Gold:            ms.Gold,
			Title:           ms.Title,
		})
	}

	mutation := &store.AwardMutation{
		CharacterID:     ch.ID,
		Level:           level,
		Experience:      exp,
		NextLevelExp:    next,
		StatPointsDelta: statPoints,
		Titles:          titles,
		ActiveTitle:     activeTitle,
		ExpLog: &model.ExperienceLog{
			CharacterID:   ch.ID,
			Amount:        final,
			Source:        source,
			SourceDetails: details,
			LevelBefore:   ch.Level,
			LevelAfter:    level,
		},
		LevelUps:   levelUps,
		Milestones: candidates,
	}

	result := &AwardResult{
		CharacterID:     ch.ID,
		AmountApplied:   final,
		LevelBefore:     ch.Level,
		LevelAfter:      level,
		LevelsGained:    level - ch.Level,
		StatPointsAdded: statPoints,
		PhaseChanged:    phaseChanged,
		NewPhase:        newPhase.Name,
		Experience:      exp,
		NextLevelExp:    next,
	}
	return result, mutation
}

func (e *Engine) publishResults(ctx context.Context, res *AwardResult) {
	if res == nil || res.LevelsGained == 0 {
		return
	}
	room := "character:" + res.CharacterID.String()
	if err := e.bus.Publish(ctx, room, "level_up", res); err != nil {
		e.logger.Warn("failed to publish level up",
			zap.String("character_id", res.CharacterID.String()), zap.Error(err))
	}
	e.logger.Info("character leveled",
		zap.String("character_id", res.CharacterID.String()),
		zap.Int("from", res.LevelBefore),
		zap.Int("to", res.LevelAfter),
		zap.Ints("milestones", res.MilestonesHit))
}

func containsTitle(titles []string, title string) bool {
	for _, t := range titles {
		if t == title {
			return true
		}
	}
	return false
}

// =============================================================================
// QUERIES
// =============================================================================

// Progress is the read view for one character's progression.
type Progress struct {
	CharacterID         uuid.UUID `json:"character_id"`
	Level               int       `json:"level"`
	Experience          string    `json:"experience"`
	NextLevelExp        string    `json:"next_level_exp"`
	Phase               Phase     `json:"phase"`
	AvailableStatPoints int       `json:"available_stat_points"`
	Titles              []string  `json:"titles"`
	ActiveTitle         string    `json:"active_title"`
}

// Get returns the character's progression view.
func (e *Engine) Get(ctx context.Context, characterID uuid.UUID) (*Progress, error) {
	ch, err := e.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	return &Progress{
		CharacterID:         ch.ID,
		Level:               ch.Level,
		Experience:          ch.Experience.String(),
		NextLevelExp:        ch.NextLevelExp.String(),
		Phase:               PhaseForLevel(ch.Level),
		AvailableStatPoints: ch.AvailableStatPoints,
		Titles:              ch.Titles,
		ActiveTitle:         ch.ActiveTitle,
	}, nil
}

// Stats returns the character's journal-derived statistics.
type Stats struct {
	CharacterID  uuid.UUID                     `json:"character_id"`
	Level        int                           `json:"level"`
	TotalToReach string                        `json:"total_exp_to_reach_level"`
	Milestones   []*model.MilestoneAchievement `json:"milestones"`
	RecentLevels []*model.LevelUpLog           `json:"recent_levels"`
}

// GetStats assembles milestone and level-up history for one character.
func (e *Engine) GetStats(ctx context.Context, characterID uuid.UUID) (*Stats, error) {
	ch, err := e.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	milestones, err := e.store.ListMilestones(ctx, characterID)
	if err != nil {
		return nil, err
	}
	levels, err := e.store.LevelHistory(ctx, characterID, 10, 0)
	if err != nil {
		return nil, err
	}
	return &Stats{
		CharacterID:  ch.ID,
		Level:        ch.Level,
		TotalToReach: TotalExpToReach(ch.Level).String(),
		Milestones:   milestones,
		RecentLevels: levels,
	}, nil
}

// ExperienceHistory pages the award journal.
func (e *Engine) ExperienceHistory(ctx context.Context, characterID uuid.UUID, limit, offset int) ([]*model.ExperienceLog, error) {
	return e.store.ExperienceHistory(ctx, characterID, limit, offset)
}

// LevelHistory pages the level journal.
func (e *Engine) LevelHistory(ctx context.Context, characterID uuid.UUID, limit, offset int) ([]*model.LevelUpLog, error) {
	return e.store.LevelHistory(ctx, characterID, limit, offset)
}

// CurvePoint is one level on the experience curve.
type CurvePoint struct {
	Level      int    `json:"level"`
	ExpToNext  string `json:"exp_to_next"`
	TotalToHit string `json:"total_to_reach"`
}

// Curve returns the curve between from and to, capped at 100 levels per
// call.
func (e *Engine) Curve(from, to int) ([]CurvePoint, error) {
	if from < 1 {
		from = 1
	}
	if to < from {
		return nil, fmt.Errorf("curve range is inverted: %d..%d", from, to)
	}
	if to-from+1 > maxCurveSpan {
		return nil, fmt.Errorf("curve range exceeds %d levels", maxCurveSpan)
	}
	total := TotalExpToReach(from)
	var out []CurvePoint
	for l := from; l <= to; l++ {
		out = append(out, CurvePoint{
			Level:      l,
			ExpToNext:  ExpForLevel(l).String(),
			TotalToHit: total.String(),
		})
		total = new(big.Int).Add(total, ExpForLevel(l))
	}
	return out, nil
}

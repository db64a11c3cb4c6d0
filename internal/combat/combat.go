// Package combat implements turn-based encounters: initiative, the per-turn
// state machine, action resolution, status effects, and the reward handoff
// to progression and affinity. The dependency runs one way only: combat
// calls progression and affinity, never the reverse.
package combat

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realmd/internal/affinity"
	"realmd/internal/model"
	"realmd/internal/progression"
	"realmd/internal/ratelimit"
	"realmd/internal/store"
)

const (
	turnLockTTL   = 5 * time.Second
	rewardLockTTL = 10 * time.Second
)

var (
	// ErrAlreadyInCombat gates encounter creation.
	ErrAlreadyInCombat = errors.New("character is already in combat")

	// ErrNoOpponents rejects an encounter with an empty opposing side.
	ErrNoOpponents = errors.New("encounter needs at least one opponent")
)

// ActionErrorCode identifies which precondition refused an action.
type ActionErrorCode string

const (
	CodeCombatEnded      ActionErrorCode = "combat_ended"
	CodeNotParticipant   ActionErrorCode = "not_participant"
	CodeParticipantDead  ActionErrorCode = "participant_dead"
	CodeNotYourTurn      ActionErrorCode = "not_your_turn"
	CodeActionOnCooldown ActionErrorCode = "action_on_cooldown"
	CodeInsufficientMP   ActionErrorCode = "insufficient_mp"
	CodeInvalidTarget    ActionErrorCode = "invalid_target"
)

// ActionError is a refused action. Nothing was mutated.
type ActionError struct {
	Code       ActionErrorCode
	RetryAfter time.Duration // set for CodeActionOnCooldown
}

func (e *ActionError) Error() string { return "action refused: " + string(e.Code) }

// Store is the persistence slice the engine consumes.
type Store interface {
	GetCharacter(ctx context.Context, id uuid.UUID) (*model.Character, error)
	CreateCombatSession(ctx context.Context, cs *model.CombatSession, participants []*model.CombatParticipant) error
	GetCombatSession(ctx context.Context, id uuid.UUID) (*model.CombatSession, []*model.CombatParticipant, error)
	ActiveSessionForCharacter(ctx context.Context, characterID uuid.UUID) (*model.CombatSession, error)
	ApplyCombatAction(ctx context.Context, m *store.ActionMutation) error
	CancelCombatSession(ctx context.Context, id uuid.UUID, at time.Time) error
	SetCombatRewards(ctx context.Context, id uuid.UUID, experience, gold int64) error
	ClaimRewardDistribution(ctx context.Context, sessionID uuid.UUID) (bool, error)
	SessionStatistics(ctx context.Context, sessionID uuid.UUID) ([]store.ActionStatistics, error)
	UpdateCharacterStatus(ctx context.Context, id uuid.UUID, status model.CharacterStatus) error
	AddCharacterGold(ctx context.Context, id uuid.UUID, delta int64) error
}

// Locker serializes turns and reward distribution per session.
type Locker interface {
	WithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Publisher emits combat events.
type Publisher interface {
	Publish(ctx context.Context, room, event string, payload any) error
}

// RateLimiter applies the per-participant action window.
type RateLimiter interface {
	CheckProfile(ctx context.Context, p ratelimit.Profile, subject string) (ratelimit.Result, error)
}

// Progression receives experience awards for surviving winners.
type Progression interface {
	Award(ctx context.Context, characterID uuid.UUID, amount *big.Int, source model.ExperienceSource, details string) (*progression.AwardResult, error)
}

// Affinity receives proficiency feedback and answers bonus lookups.
type Affinity interface {
	Award(ctx context.Context, characterID uuid.UUID, name string, amount int64, source string) (*affinity.AwardResult, error)
	Bonus(ctx context.Context, characterID uuid.UUID, name string) (int, error)
}

// Equipment supplies weapon data the combat engine does not own. A nil
// collaborator falls back to the level-scaled default coefficient and the
// unarmed affinity.
type Equipment interface {
	WeaponCoefficientBP(ctx context.Context, characterID uuid.UUID) (int, error)
	WeaponAffinity(ctx context.Context, characterID uuid.UUID) (string, error)
}

// Engine runs encounters.
type Engine struct {
	store       Store
	locks       Locker
	bus         Publisher
	limits      RateLimiter
	progression Progression
	affinities  Affinity
	equipment   Equipment
	roller      Roller
	logger      *zap.Logger
	now         func() time.Time
}

// NewEngine builds the combat engine. equipment may be nil.
func NewEngine(st Store, locks Locker, bus Publisher, limits RateLimiter,
	prog Progression, aff Affinity, equipment Equipment, roller Roller, logger *zap.Logger) *Engine {
	if roller == nil {
		roller = NewRoller()
	}
	return &Engine{
		store:       st,
		locks:       locks,
		bus:         bus,
		limits:      limits,
		progression: prog,
		affinities:  aff,
		equipment:   equipment,
		roller:      roller,
		logger:      logger,
		now:         time.Now,
	}
}

// Opponent describes one member of the opposing side. Player opponents are
// loaded from the store; server-driven opponents carry their sheet inline.
type Opponent struct {
	CharacterID *uuid.UUID
	Type        model.ParticipantType
	Name        string
	Level       int
	Stats       model.Stats
	MaxHP       int
	MaxMP       int
}

// Session is a combat session with its participants.
type Session struct {
	*model.CombatSession
	Participants []*model.CombatParticipant `json:"participants"`
}

// StartEncounter opens a session: the initiator on the attacking side, the
// opponents defending. Initiative is rolled once and the resulting order is
// frozen for the session's lifetime.
func (e *Engine) StartEncounter(ctx context.Context, initiatorID uuid.UUID, ctype model.CombatType, opponents []Opponent) (*Session, error) {
	if len(opponents) == 0 {
		return nil, ErrNoOpponents
	}
	initiator, err := e.store.GetCharacter(ctx, initiatorID)
	if err != nil {
		return nil, err
	}
	if initiator.Status != model.StatusNormal {
		return nil, ErrAlreadyInCombat
	}
	if _, err := e.store.ActiveSessionForCharacter(ctx, initiatorID); err == nil {
		return nil, ErrAlreadyInCombat
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sessionID := uuid.New()
	now := e.now()
	participants := []*model.CombatParticipant{
		e.playerParticipant(sessionID, initiator, model.SideAttackers),
	}
	for _, op := range opponents {
		p, err := e.opponentParticipant(ctx, sessionID, op)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}

	e.rollInitiative(participants)

	turnOrder := make([]uuid.UUID, len(participants))
	for i, p := range participants {
		turnOrder[i] = p.ID
	}

	var targetID *uuid.UUID
	if opponents[0].CharacterID != nil {
		targetID = opponents[0].CharacterID
	}
	cs := &model.CombatSession{
		ID:          sessionID,
		Type:        ctype,
		Status:      model.CombatActive,
		InitiatorID: initiatorID,
		TargetID:    targetID,
		ZoneID:      initiator.CurrentZoneID,
		TurnOrder:   turnOrder,
		CurrentTurn: 0,
		TurnNumber:  1,
		StartedAt:   &now,
	}
	if err := e.store.CreateCombatSession(ctx, cs, participants); err != nil {
		return nil, err
	}

	session := &Session{CombatSession: cs, Participants: participants}
	if err := e.bus.Publish(ctx, "zone:"+cs.ZoneID.String(), "combat:start", session); err != nil {
		e.logger.Warn("failed to publish combat start",
			zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	e.logger.Info("encounter started",
		zap.String("session_id", sessionID.String()),
		zap.String("type", string(ctype)),
		zap.Int("participants", len(participants)))
	return session, nil
}

func (e *Engine) playerParticipant(sessionID uuid.UUID, ch *model.Character, side model.Side) *model.CombatParticipant {
	return &model.CombatParticipant{
		ID:              uuid.New(),
		SessionID:       sessionID,
		CharacterID:     ch.ID,
		Type:            model.ParticipantPlayer,
		Side:            side,
		Name:            ch.Name,
		Level:           ch.Level,
		Stats:           ch.Stats,
		CurrentHP:       ch.HP,
		MaxHP:           ch.MaxHP,
		CurrentMP:       ch.MP,
		MaxMP:           ch.MaxMP,
		Status:          model.Alive,
		ActionCooldowns: map[model.ActionType]time.Time{},
	}
}

func (e *Engine) opponentParticipant(ctx context.Context, sessionID uuid.UUID, op Opponent) (*model.CombatParticipant, error) {
	if op.CharacterID != nil {
		ch, err := e.store.GetCharacter(ctx, *op.CharacterID)
		if err != nil {
			return nil, err
		}
		if ch.Status != model.StatusNormal {
			return nil, ErrAlreadyInCombat
		}
		p := e.playerParticipant(sessionID, ch, model.SideDefenders)
		return p, nil
	}
	ptype := op.Type
	if ptype == "" {
		ptype = model.ParticipantMonster
	}
	return &model.CombatParticipant{
		ID:              uuid.New(),
		SessionID:       sessionID,
		CharacterID:     uuid.New(),
		Type:            ptype,
		Side:            model.SideDefenders,
		Name:            op.Name,
		Level:           op.Level,
		Stats:           op.Stats,
		CurrentHP:       op.MaxHP,
		MaxHP:           op.MaxHP,
		CurrentMP:       op.MaxMP,
		MaxMP:           op.MaxMP,
		Status:          model.Alive,
		ActionCooldowns: map[model.ActionType]time.Time{},
	}, nil
}

// rollInitiative orders participants by floor(dex/5) + floor(level/2) + d20,
// descending, with ties broken by insertion order.
func (e *Engine) rollInitiative(participants []*model.CombatParticipant) {
	for _, p := range participants {
		p.Initiative = p.Stats.Dexterity/5 + p.Level/2 + e.roller.Roll(20)
	}
	sort.SliceStable(participants, func(i, j int) bool {
		return participants[i].Initiative > participants[j].Initiative
	})
	for i, p := range participants {
		p.TurnPosition = i
	}
}

// GetSession loads a session with participants.
func (e *Engine) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	cs, participants, err := e.store.GetCombatSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Session{CombatSession: cs, Participants: participants}, nil
}

// ActiveForCharacter finds the character's live session, if any.
func (e *Engine) ActiveForCharacter(ctx context.Context, characterID uuid.UUID) (*Session, error) {
	cs, err := e.store.ActiveSessionForCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	return e.GetSession(ctx, cs.ID)
}

// Statistics aggregates the session's action log per actor.
func (e *Engine) Statistics(ctx context.Context, sessionID uuid.UUID) ([]store.ActionStatistics, error) {
	return e.store.SessionStatistics(ctx, sessionID)
}

// EndEncounter administratively cancels a live session. No rewards are
// distributed; players return to normal status.
func (e *Engine) EndEncounter(ctx context.Context, sessionID uuid.UUID) error {
	_, participants, err := e.store.GetCombatSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := e.store.CancelCombatSession(ctx, sessionID, e.now()); err != nil {
		return err
	}
	e.restorePlayers(ctx, participants)
	if err := e.bus.Publish(ctx, "combat:"+sessionID.String(), "combat:end",
		map[string]any{"session_id": sessionID, "status": model.CombatCancelled}); err != nil {
		e.logger.Warn("failed to publish combat end",
			zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	return nil
}

func (e *Engine) restorePlayers(ctx context.Context, participants []*model.CombatParticipant) {
	for _, p := range participants {
		if p.Type != model.ParticipantPlayer {
			continue
		}
		status := model.StatusNormal
		if p.Status == model.Dead {
			status = model.StatusDead
		}
		if err := e.store.UpdateCharacterStatus(ctx, p.CharacterID, status); err != nil {
			e.logger.Warn("failed to restore character status",
				zap.String("character_id", p.CharacterID.String()), zap.Error(err))
		}
	}
}

func combatRoom(sessionID uuid.UUID) string { return "combat:" + sessionID.String() }

func sessionLock(sessionID uuid.UUID) string { return fmt.Sprintf("combat:%s:turn", sessionID) }

func rewardLock(sessionID uuid.UUID) string { return fmt.Sprintf("combat:%s:rewards", sessionID) }

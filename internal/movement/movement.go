// Package movement owns zone transitions: gate validation in a fixed order,
// the transactional location update, occupancy index maintenance, and the
// room broadcasts that follow a successful move.
package movement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realmd/internal/model"
	"realmd/internal/ratelimit"
	"realmd/internal/store"
)

const lockTTL = 2 * time.Second

// ErrNotOwner is returned when the caller's account does not own the
// character it is trying to move.
var ErrNotOwner = errors.New("character does not belong to this account")

// MoveErrorCode identifies which gate refused a move.
type MoveErrorCode string

const (
	CodeBusy        MoveErrorCode = "busy"
	CodeNoExit      MoveErrorCode = "no_exit"
	CodeExitLocked  MoveErrorCode = "exit_locked"
	CodeLevelTooLow MoveErrorCode = "level_too_low"
	CodeMissingItem MoveErrorCode = "missing_item"
	CodeCooldown    MoveErrorCode = "cooldown"
)

// MoveError is a refused move. The character did not change zones.
type MoveError struct {
	Code       MoveErrorCode
	RetryAfter time.Duration // set for CodeCooldown
	Required   int           // set for CodeLevelTooLow
	Item       string        // set for CodeMissingItem
}

func (e *MoveError) Error() string {
	switch e.Code {
	case CodeLevelTooLow:
		return fmt.Sprintf("move refused: requires level %d", e.Required)
	case CodeMissingItem:
		return fmt.Sprintf("move refused: requires %s", e.Item)
	default:
		return "move refused: " + string(e.Code)
	}
}

// Store is the persistence slice the engine consumes.
type Store interface {
	GetCharacter(ctx context.Context, id uuid.UUID) (*model.Character, error)
	GetLocation(ctx context.Context, characterID uuid.UUID) (*model.CharacterLocation, error)
	GetExit(ctx context.Context, fromZoneID uuid.UUID, direction model.Direction) (*model.ZoneExit, error)
	ApplyMove(ctx context.Context, m *store.MoveMutation) error
	MovementHistory(ctx context.Context, characterID uuid.UUID, limit, offset int) ([]*model.MovementLog, error)
}

// Locker serializes moves per character across replicas.
type Locker interface {
	WithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Publisher emits zone broadcasts.
type Publisher interface {
	Publish(ctx context.Context, room, event string, payload any) error
}

// RateLimiter applies the movement cooldown window.
type RateLimiter interface {
	CheckProfile(ctx context.Context, p ratelimit.Profile, subject string) (ratelimit.Result, error)
}

// GateChecker answers inventory and quest questions for locked and gated
// exits. Inventory lives outside this engine.
type GateChecker interface {
	HasItem(ctx context.Context, characterID uuid.UUID, item string) (bool, error)
	HasCompletedQuest(ctx context.Context, characterID uuid.UUID, quest string) (bool, error)
}

// Presence maintains the per-zone occupancy index.
type Presence interface {
	SwapOccupancy(ctx context.Context, characterID, fromZone, toZone uuid.UUID) error
}

// Engine validates and applies zone transitions.
type Engine struct {
	store    Store
	locks    Locker
	bus      Publisher
	limits   RateLimiter
	gates    GateChecker
	presence Presence
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine builds the movement engine.
func NewEngine(st Store, locks Locker, bus Publisher, limits RateLimiter, gates GateChecker, presence Presence, logger *zap.Logger) *Engine {
	return &Engine{
		store:    st,
		locks:    locks,
		bus:      bus,
		limits:   limits,
		gates:    gates,
		presence: presence,
		logger:   logger,
		now:      time.Now,
	}
}

// Moved describes a committed transition.
type Moved struct {
	CharacterID   uuid.UUID          `json:"character_id"`
	FromZoneID    uuid.UUID          `json:"from_zone_id"`
	ToZoneID      uuid.UUID          `json:"to_zone_id"`
	Direction     model.Direction    `json:"direction,omitempty"`
	MovementType  model.MovementType `json:"movement_type"`
	TravelMessage string             `json:"travel_message,omitempty"`
	TravelTimeMS  int64              `json:"travel_time_ms"`
}

// travelTimes is the per-exit-type transition delay reported to clients.
var travelTimes = map[model.ExitType]int64{
	model.ExitNormal:     1000,
	model.ExitDoor:       1500,
	model.ExitPortal:     500,
	model.ExitTeleporter: 250,
	model.ExitHidden:     2000,
	model.ExitMagical:    750,
}

// Move walks a character through an exit. The gates run in a fixed order so
// a refused move always reports the first failing gate; the whole
// read-validate-write runs under the per-character lock.
func (e *Engine) Move(ctx context.Context, accountID, characterID uuid.UUID, direction model.Direction) (*Moved, error) {
	var moved *Moved
	err := e.locks.WithLock(ctx, "move:"+characterID.String(), lockTTL, func(ctx context.Context) error {
		ch, err := e.store.GetCharacter(ctx, characterID)
		if err != nil {
			return err
		}
		if ch.AccountID != accountID {
			return ErrNotOwner
		}
		if ch.Status != model.StatusNormal {
			return &MoveError{Code: CodeBusy}
		}

		loc, err := e.store.GetLocation(ctx, characterID)
		if err != nil {
			return err
		}
		exit, err := e.store.GetExit(ctx, loc.ZoneID, direction)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &MoveError{Code: CodeNoExit}
			}
			return err
		}
		if !exit.Visible {
			return &MoveError{Code: CodeNoExit}
		}

		res, err := e.limits.CheckProfile(ctx, ratelimit.Movement, characterID.String())
		if err != nil {
			return err
		}
		if !res.Allowed {
			return &MoveError{Code: CodeCooldown, RetryAfter: res.RetryAfter}
		}

		if exit.Locked {
			open, err := e.canOpen(ctx, ch, exit)
			if err != nil {
				return err
			}
			if !open {
				return &MoveError{Code: CodeExitLocked}
			}
		}
		if exit.RequiredLevel > 0 && ch.Level < exit.RequiredLevel {
			return &MoveError{Code: CodeLevelTooLow, Required: exit.RequiredLevel}
		}
		if exit.RequiredItem != "" {
			has, err := e.gates.HasItem(ctx, characterID, exit.RequiredItem)
			if err != nil {
				return err
			}
			if !has {
				return &MoveError{Code: CodeMissingItem, Item: exit.RequiredItem}
			}
		}

		moved, err = e.commit(ctx, ch, loc, &store.MoveMutation{
			CharacterID:  characterID,
			FromZoneID:   &loc.ZoneID,
			ToZoneID:     exit.ToZoneID,
			Direction:    &exit.Direction,
			MovementType: model.MoveNormal,
			TravelTimeMS: travelTimes[exit.ExitType],
			MovedAt:      e.now(),
		})
		if moved != nil {
			moved.TravelMessage = exit.TravelMessage
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	e.broadcast(ctx, moved)
	return moved, nil
}

// canOpen resolves a locked exit per its lock type.
func (e *Engine) canOpen(ctx context.Context, ch *model.Character, exit *model.ZoneExit) (bool, error) {
	switch exit.LockType {
	case model.LockKey:
		if exit.RequiredItem == "" {
			return false, nil
		}
		return e.gates.HasItem(ctx, ch.ID, exit.RequiredItem)
	case model.LockLevel:
		return exit.RequiredLevel > 0 && ch.Level >= exit.RequiredLevel, nil
	case model.LockQuest:
		if exit.RequiredItem == "" {
			return false, nil
		}
		return e.gates.HasCompletedQuest(ctx, ch.ID, exit.RequiredItem)
	default:
		return false, nil
	}
}

// Teleport relocates a character directly, bypassing exits and the movement
// cooldown. Admin surfaces gate access.
func (e *Engine) Teleport(ctx context.Context, characterID, toZoneID uuid.UUID) (*Moved, error) {
	return e.relocate(ctx, characterID, toZoneID, model.MoveTeleport)
}

// Recall returns a character to a sanctuary zone.
func (e *Engine) Recall(ctx context.Context, characterID, sanctuaryZoneID uuid.UUID) (*Moved, error) {
	return e.relocate(ctx, characterID, sanctuaryZoneID, model.MoveRecall)
}

// Summon pulls a character to the summoner's zone.
func (e *Engine) Summon(ctx context.Context, characterID, toZoneID uuid.UUID) (*Moved, error) {
	return e.relocate(ctx, characterID, toZoneID, model.MoveSummon)
}

func (e *Engine) relocate(ctx context.Context, characterID, toZoneID uuid.UUID, mtype model.MovementType) (*Moved, error) {
	var moved *Moved
	err := e.locks.WithLock(ctx, "move:"+characterID.String(), lockTTL, func(ctx context.Context) error {
		ch, err := e.store.GetCharacter(ctx, characterID)
		if err != nil {
			return err
		}
		loc, err := e.store.GetLocation(ctx, characterID)
		if err != nil {
			return err
		}
		moved, err = e.commit(ctx, ch, loc, &store.MoveMutation{
			CharacterID:  characterID,
			FromZoneID:   &loc.ZoneID,
			ToZoneID:     toZoneID,
			MovementType: mtype,
			MovedAt:      e.now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.broadcast(ctx, moved)
	return moved, nil
}

// commit applies the mutation and swaps the occupancy index. Runs inside the
// per-character lock.
func (e *Engine) commit(ctx context.Context, ch *model.Character, loc *model.CharacterLocation, m *store.MoveMutation) (*Moved, error) {
	m.NewZoneVisit = !visited(loc.ZonesVisited, m.ToZoneID)
	if err := e.store.ApplyMove(ctx, m); err != nil {
		return nil, err
	}
	if err := e.presence.SwapOccupancy(ctx, ch.ID, loc.ZoneID, m.ToZoneID); err != nil {
		// The relational row is authoritative; the index self-heals on the
		// next enumeration.
		e.logger.Warn("failed to swap occupancy index",
			zap.String("character_id", ch.ID.String()), zap.Error(err))
	}
	var dir model.Direction
	if m.Direction != nil {
		dir = *m.Direction
	}
	return &Moved{
		CharacterID:  ch.ID,
		FromZoneID:   loc.ZoneID,
		ToZoneID:     m.ToZoneID,
		Direction:    dir,
		MovementType: m.MovementType,
		TravelTimeMS: m.TravelTimeMS,
	}, nil
}

// broadcast announces the transition to both zone rooms after commit.
func (e *Engine) broadcast(ctx context.Context, moved *Moved) {
	if moved == nil {
		return
	}
	payload := map[string]any{
		"character_id":  moved.CharacterID,
		"direction":     moved.Direction,
		"movement_type": moved.MovementType,
	}
	if err := e.bus.Publish(ctx, "zone:"+moved.FromZoneID.String(), "character_left", payload); err != nil {
		e.logger.Warn("failed to publish character_left", zap.Error(err))
	}
	if err := e.bus.Publish(ctx, "zone:"+moved.ToZoneID.String(), "character_entered", payload); err != nil {
		e.logger.Warn("failed to publish character_entered", zap.Error(err))
	}
}

// Location returns the authoritative location record.
func (e *Engine) Location(ctx context.Context, characterID uuid.UUID) (*model.CharacterLocation, error) {
	return e.store.GetLocation(ctx, characterID)
}

// History pages the movement log, newest first.
func (e *Engine) History(ctx context.Context, characterID uuid.UUID, limit, offset int) ([]*model.MovementLog, error) {
	return e.store.MovementHistory(ctx, characterID, limit, offset)
}

func visited(zones []string, id uuid.UUID) bool {
	s := id.String()
	for _, z := range zones {
		if z == s {
			return true
		}
	}
	return false
}

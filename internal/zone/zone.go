// Package zone serves read views of the world: zone details with visible
// exits, occupant enumeration, and look-before-you-move previews. Zone
// records change rarely, so reads go through the cache with singleflight
// collapsing concurrent misses.
package zone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"realmd/internal/model"
	"realmd/internal/store"
)

const zoneCacheTTL = 5 * time.Minute

var (
	// ErrNoExit is returned when no visible exit leaves the current zone in
	// the requested direction.
	ErrNoExit = errors.New("no exit in that direction")

	// ErrExitLocked is returned for locked exits the character cannot open.
	ErrExitLocked = errors.New("the way is locked")
)

// LevelTooLowError gates an exit on the character's level.
type LevelTooLowError struct {
	Required int
}

func (e *LevelTooLowError) Error() string {
	return fmt.Sprintf("requires level %d", e.Required)
}

// Store is the persistence slice the engine consumes.
type Store interface {
	GetZone(ctx context.Context, id uuid.UUID) (*model.Zone, error)
	ListExits(ctx context.Context, fromZoneID uuid.UUID) ([]*model.ZoneExit, error)
	GetExit(ctx context.Context, fromZoneID uuid.UUID, direction model.Direction) (*model.ZoneExit, error)
	ListOccupants(ctx context.Context, zoneID uuid.UUID) ([]store.Occupant, error)
	GetLocation(ctx context.Context, characterID uuid.UUID) (*model.CharacterLocation, error)
	GetCharacter(ctx context.Context, id uuid.UUID) (*model.Character, error)
}

// Cache is the KV slice used for the zone cache and the occupancy index.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Engine answers world-read queries.
type Engine struct {
	store  Store
	cache  Cache
	logger *zap.Logger
	group  singleflight.Group
}

// NewEngine builds the zone engine.
func NewEngine(st Store, cache Cache, logger *zap.Logger) *Engine {
	return &Engine{store: st, cache: cache, logger: logger}
}

// View is a zone with its visible exits.
type View struct {
	Zone  *model.Zone       `json:"zone"`
	Exits []*model.ZoneExit `json:"exits"`
}

func zoneKey(id uuid.UUID) string     { return "zone:" + id.String() }
func occupantKey(id uuid.UUID) string { return "zone_occupants:" + id.String() }

// Get returns the zone with its visible exits, from cache when warm.
// Concurrent misses for the same zone collapse into one store load.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	key := zoneKey(id)
	var cached View
	if hit, err := e.cache.GetJSON(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		z, err := e.store.GetZone(ctx, id)
		if err != nil {
			return nil, err
		}
		exits, err := e.store.ListExits(ctx, id)
		if err != nil {
			return nil, err
		}
		visible := make([]*model.ZoneExit, 0, len(exits))
		for _, ex := range exits {
			if ex.Visible {
				visible = append(visible, ex)
			}
		}
		view := &View{Zone: z, Exits: visible}
		if err := e.cache.SetJSON(ctx, key, view, zoneCacheTTL); err != nil {
			e.logger.Warn("failed to cache zone", zap.String("zone_id", id.String()), zap.Error(err))
		}
		return view, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*View), nil
}

// Invalidate drops a zone's cached view. Called after admin edits.
func (e *Engine) Invalidate(ctx context.Context, id uuid.UUID) error {
	return e.cache.Delete(ctx, zoneKey(id))
}

// GetOccupants enumerates living characters in the zone. The query rides the
// character_locations index, never a characters scan.
func (e *Engine) GetOccupants(ctx context.Context, zoneID uuid.UUID) ([]store.Occupant, error) {
	return e.store.ListOccupants(ctx, zoneID)
}

// OccupantIDs reads the cached per-zone presence set. An empty set is
// rebuilt from the store so the index self-heals after cache loss.
func (e *Engine) OccupantIDs(ctx context.Context, zoneID uuid.UUID) ([]string, error) {
	members, err := e.cache.SMembers(ctx, occupantKey(zoneID))
	if err == nil && len(members) > 0 {
		return members, nil
	}
	occupants, err := e.store.ListOccupants(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(occupants))
	for _, o := range occupants {
		ids = append(ids, o.CharacterID.String())
	}
	if len(ids) > 0 {
		if err := e.cache.SAdd(ctx, occupantKey(zoneID), ids...); err != nil {
			e.logger.Warn("failed to rebuild occupancy index",
				zap.String("zone_id", zoneID.String()), zap.Error(err))
		}
	}
	return ids, nil
}

// SwapOccupancy moves a character between zone presence sets. Called by the
// movement engine after its transaction commits.
func (e *Engine) SwapOccupancy(ctx context.Context, characterID, fromZone, toZone uuid.UUID) error {
	id := characterID.String()
	if err := e.cache.SRem(ctx, occupantKey(fromZone), id); err != nil {
		return err
	}
	return e.cache.SAdd(ctx, occupantKey(toZone), id)
}

// RemoveOccupant drops a character from a zone's presence set, for deaths
// and disconnects.
func (e *Engine) RemoveOccupant(ctx context.Context, characterID, zoneID uuid.UUID) error {
	return e.cache.SRem(ctx, occupantKey(zoneID), characterID.String())
}

// Preview is what a character sees when peering through an exit.
type Preview struct {
	Direction   model.Direction `json:"direction"`
	ZoneID      uuid.UUID       `json:"zone_id"`
	DisplayName string          `json:"display_name"`
	Description string          `json:"description"`
	Type        model.ZoneType  `json:"type"`
	Climate     string          `json:"climate"`
	Terrain     string          `json:"terrain"`
	Lighting    string          `json:"lighting"`
	MinLevel    int             `json:"min_level"`
	MaxLevel    int             `json:"max_level"`
}

// Look resolves the exit the character could take from its current zone and
// returns the target zone's preview, or the gate error the move would hit.
// Looking never moves the character.
func (e *Engine) Look(ctx context.Context, characterID uuid.UUID, direction model.Direction) (*Preview, error) {
	ch, err := e.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	loc, err := e.store.GetLocation(ctx, characterID)
	if err != nil {
		return nil, err
	}

	exit, err := e.store.GetExit(ctx, loc.ZoneID, direction)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoExit
		}
		return nil, err
	}
	if !exit.Visible {
		return nil, ErrNoExit
	}
	if exit.Locked {
		return nil, ErrExitLocked
	}
	if exit.RequiredLevel > 0 && ch.Level < exit.RequiredLevel {
		return nil, &LevelTooLowError{Required: exit.RequiredLevel}
	}

	target, err := e.Get(ctx, exit.ToZoneID)
	if err != nil {
		return nil, err
	}
	z := target.Zone
	return &Preview{
		Direction:   direction,
		ZoneID:      z.ID,
		DisplayName: z.DisplayName,
		Description: z.Description,
		Type:        z.Type,
		Climate:     z.Climate,
		Terrain:     z.Terrain,
		Lighting:    z.Lighting,
		MinLevel:    z.MinLevel,
		MaxLevel:    z.MaxLevel,
	}, nil
}

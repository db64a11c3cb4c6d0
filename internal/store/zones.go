package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"realmd/internal/model"
)

const zoneColumns = `id, internal_name, display_name, description, type,
	min_level, max_level, pvp_enabled, safe_zone, climate, terrain, lighting,
	features, map_x, map_y, map_layer, spawn_rate`

func scanZone(row interface{ Scan(...any) error }) (*model.Zone, error) {
	var z model.Zone
	var features []byte
	err := row.Scan(&z.ID, &z.InternalName, &z.DisplayName, &z.Description,
		&z.Type, &z.MinLevel, &z.MaxLevel, &z.PVPEnabled, &z.SafeZone,
		&z.Climate, &z.Terrain, &z.Lighting, &features,
		&z.MapX, &z.MapY, &z.MapLayer, &z.SpawnRate)
	if err != nil {
		return nil, translate(err)
	}
	if err := scanJSON(features, &z.Features); err != nil {
		return nil, fmt.Errorf("failed to decode zone features: %w", err)
	}
	return &z, nil
}

// GetZone loads one zone by id.
func (s *Store) GetZone(ctx context.Context, id uuid.UUID) (*model.Zone, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+zoneColumns+` FROM zones WHERE id = $1`, id)
	return scanZone(row)
}

// GetZoneByInternalName loads one zone by its unique internal name.
func (s *Store) GetZoneByInternalName(ctx context.Context, name string) (*model.Zone, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+zoneColumns+` FROM zones WHERE internal_name = $1`, name)
	return scanZone(row)
}

const exitColumns = `id, from_zone_id, to_zone_id, direction, exit_type,
	visible, locked, lock_type, required_level, required_item,
	travel_message, reverse_direction`

func scanExit(row interface{ Scan(...any) error }) (*model.ZoneExit, error) {
	var e model.ZoneExit
	err := row.Scan(&e.ID, &e.FromZoneID, &e.ToZoneID, &e.Direction, &e.ExitType,
		&e.Visible, &e.Locked, &e.LockType, &e.RequiredLevel, &e.RequiredItem,
		&e.TravelMessage, &e.ReverseDirection)
	if err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

// ListExits returns every exit leaving a zone.
func (s *Store) ListExits(ctx context.Context, fromZoneID uuid.UUID) ([]*model.ZoneExit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+exitColumns+` FROM zone_exits WHERE from_zone_id = $1`, fromZoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to list zone exits: %w", err)
	}
	defer rows.Close()
	var exits []*model.ZoneExit
	for rows.Next() {
		e, err := scanExit(rows)
		if err != nil {
			return nil, err
		}
		exits = append(exits, e)
	}
	return exits, rows.Err()
}

// GetExit resolves the unique (from_zone, direction) exit.
func (s *Store) GetExit(ctx context.Context, fromZoneID uuid.UUID, direction model.Direction) (*model.ZoneExit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+exitColumns+` FROM zone_exits
		 WHERE from_zone_id = $1 AND direction = $2`, fromZoneID, direction)
	return scanExit(row)
}

// Occupant is the slim character view returned by occupancy queries.
type Occupant struct {
	CharacterID uuid.UUID `json:"character_id"`
	Name        string    `json:"name"`
	Level       int       `json:"level"`
	ActiveTitle string    `json:"active_title,omitempty"`
}

// ListOccupants enumerates living characters located in the zone. Backed by
// the character_locations index, not a characters table scan.
func (s *Store) ListOccupants(ctx context.Context, zoneID uuid.UUID) ([]Occupant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.level, c.active_title
		 FROM character_locations cl
		 JOIN characters c ON c.id = cl.character_id
		 WHERE cl.zone_id = $1 AND c.deleted_at IS NULL AND c.status != 'dead'`,
		zoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to list occupants: %w", err)
	}
	defer rows.Close()
	var out []Occupant
	for rows.Next() {
		var o Occupant
		if err := rows.Scan(&o.CharacterID, &o.Name, &o.Level, &o.ActiveTitle); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"realmd/internal/model"
)

// GetLocation loads the authoritative location record for a character.
func (s *Store) GetLocation(ctx context.Context, characterID uuid.UUID) (*model.CharacterLocation, error) {
	var loc model.CharacterLocation
	var instanceID sql.NullString
	var visited []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT character_id, zone_id, instance_id, pos_x, pos_y,
			last_movement, total_moves, distance_traveled, zones_visited
		 FROM character_locations WHERE character_id = $1`, characterID).
		Scan(&loc.CharacterID, &loc.ZoneID, &instanceID, &loc.X, &loc.Y,
			&loc.LastMovement, &loc.TotalMoves, &loc.DistanceTraveled, &visited)
	if err != nil {
		return nil, translate(err)
	}
	if instanceID.Valid {
		id, err := uuid.Parse(instanceID.String)
		if err == nil {
			loc.InstanceID = &id
		}
	}
	if err := scanJSON(visited, &loc.ZonesVisited); err != nil {
		return nil, fmt.Errorf("failed to decode zones visited: %w", err)
	}
	return &loc, nil
}

// MoveMutation is the full state change for one zone transition. ApplyMove
// commits it atomically; a failure at any point leaves nothing mutated.
type MoveMutation struct {
	CharacterID  uuid.UUID
	FromZoneID   *uuid.UUID
	ToZoneID     uuid.UUID
	Direction    *model.Direction
	MovementType model.MovementType
	TravelTimeMS int64
	NewZoneVisit bool
	MovedAt      time.Time
}

// ApplyMove writes the location update and the movement log row in one
// transaction.
func (s *Store) ApplyMove(ctx context.Context, m *MoveMutation) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		visitedUpdate := ""
		if m.NewZoneVisit {
			visitedUpdate = `, zones_visited = zones_visited || to_jsonb($2::text)`
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE character_locations
			 SET zone_id = $2, last_movement = $3, total_moves = total_moves + 1`+
				visitedUpdate+`
			 WHERE character_id = $1`,
			m.CharacterID, m.ToZoneID, m.MovedAt)
		if err != nil {
			return fmt.Errorf("failed to update character location: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE characters SET current_zone_id = $2
			 WHERE id = $1 AND deleted_at IS NULL`,
			m.CharacterID, m.ToZoneID); err != nil {
			return fmt.Errorf("failed to update character zone: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO movement_log
				(character_id, from_zone_id, to_zone_id, direction, movement_type, travel_time_ms, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.CharacterID, m.FromZoneID, m.ToZoneID, m.Direction,
			m.MovementType, m.TravelTimeMS, m.MovedAt); err != nil {
			return fmt.Errorf("failed to insert movement log: %w", err)
		}
		return nil
	})
}

// MovementHistory pages the character's movement log, newest first.
func (s *Store) MovementHistory(ctx context.Context, characterID uuid.UUID, limit, offset int) ([]*model.MovementLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, character_id, from_zone_id, to_zone_id, direction,
			movement_type, travel_time_ms, created_at
		 FROM movement_log WHERE character_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		characterID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query movement history: %w", err)
	}
	defer rows.Close()
	var logs []*model.MovementLog
	for rows.Next() {
		var l model.MovementLog
		var from sql.NullString
		var dir sql.NullString
		if err := rows.Scan(&l.ID, &l.CharacterID, &from, &l.ToZoneID, &dir,
			&l.MovementType, &l.TravelTimeMS, &l.CreatedAt); err != nil {
			return nil, err
		}
		if from.Valid {
			if id, err := uuid.Parse(from.String); err == nil {
				l.FromZoneID = &id
			}
		}
		if dir.Valid {
			d := model.Direction(dir.String)
			l.Direction = &d
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// CountMovementLogs returns the number of log rows for a character; used by
// movement atomicity tests and history pagination.
func (s *Store) CountMovementLogs(ctx context.Context, characterID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM movement_log WHERE character_id = $1`, characterID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count movement logs: %w", err)
	}
	return n, nil
}

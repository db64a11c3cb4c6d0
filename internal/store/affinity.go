package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"realmd/internal/model"
)

// GetAffinityByName resolves a catalogue affinity by its unique name.
func (s *Store) GetAffinityByName(ctx context.Context, name string) (*model.Affinity, error) {
	var a model.Affinity
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, max_tier FROM affinities WHERE name = $1`, name).
		Scan(&a.ID, &a.Name, &a.Type, &a.MaxTier)
	if err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

// ListAffinities returns the full affinity catalogue.
func (s *Store) ListAffinities(ctx context.Context) ([]*model.Affinity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, max_tier FROM affinities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list affinities: %w", err)
	}
	defer rows.Close()
	var out []*model.Affinity
	for rows.Next() {
		var a model.Affinity
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.MaxTier); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetCharacterAffinity loads one character's progress in one affinity.
// Absent rows mean tier 1 with zero experience; the caller decides whether
// that needs materializing.
func (s *Store) GetCharacterAffinity(ctx context.Context, characterID, affinityID uuid.UUID) (*model.CharacterAffinity, error) {
	var ca model.CharacterAffinity
	var exp string
	err := s.db.QueryRowContext(ctx,
		`SELECT character_id, affinity_id, experience::text, tier, last_updated
		 FROM character_affinities
		 WHERE character_id = $1 AND affinity_id = $2`, characterID, affinityID).
		Scan(&ca.CharacterID, &ca.AffinityID, &exp, &ca.Tier, &ca.LastUpdated)
	if err != nil {
		return nil, translate(err)
	}
	if ca.Experience, err = scanBigInt(exp); err != nil {
		return nil, err
	}
	return &ca, nil
}

// CharacterAffinityView joins progress with the catalogue entry.
type CharacterAffinityView struct {
	model.CharacterAffinity
	Name    string             `json:"name"`
	Type    model.AffinityType `json:"type"`
	MaxTier int                `json:"max_tier"`
}

// ListCharacterAffinities returns every affinity the character has progress
// in, joined with catalogue metadata.
func (s *Store) ListCharacterAffinities(ctx context.Context, characterID uuid.UUID) ([]*CharacterAffinityView, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ca.character_id, ca.affinity_id, ca.experience::text, ca.tier,
			ca.last_updated, a.name, a.type, a.max_tier
		 FROM character_affinities ca
		 JOIN affinities a ON a.id = ca.affinity_id
		 WHERE ca.character_id = $1
		 ORDER BY a.name`, characterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list character affinities: %w", err)
	}
	defer rows.Close()
	var out []*CharacterAffinityView
	for rows.Next() {
		var v CharacterAffinityView
		var exp string
		if err := rows.Scan(&v.CharacterID, &v.AffinityID, &exp, &v.Tier,
			&v.LastUpdated, &v.Name, &v.Type, &v.MaxTier); err != nil {
			return nil, err
		}
		if v.Experience, err = scanBigInt(exp); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// AffinityAwardMutation is the atomic state change for one affinity award.
type AffinityAwardMutation struct {
	CharacterID uuid.UUID
	AffinityID  uuid.UUID
	Experience  *big.Int
	Tier        int
	UpdatedAt   time.Time
	Log         *model.AffinityExperienceLog
}

// ApplyAffinityAward upserts the progress row and appends the journal entry
// in one transaction.
func (s *Store) ApplyAffinityAward(ctx context.Context, m *AffinityAwardMutation) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO character_affinities (character_id, affinity_id, experience, tier, last_updated)
			 VALUES ($1, $2, $3::numeric, $4, $5)
			 ON CONFLICT (character_id, affinity_id)
			 DO UPDATE SET experience = $3::numeric, tier = $4, last_updated = $5`,
			m.CharacterID, m.AffinityID, bigIntValue(m.Experience), m.Tier, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert character affinity: %w", err)
		}
		if m.Log != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO affinity_experience_log
					(character_id, affinity_id, experience_awarded, source, previous_tier, new_tier)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				m.Log.CharacterID, m.Log.AffinityID, m.Log.Amount, m.Log.Source,
				m.Log.PreviousTier, m.Log.NewTier); err != nil {
				return fmt.Errorf("failed to insert affinity experience log: %w", err)
			}
		}
		return nil
	})
}

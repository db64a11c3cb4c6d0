package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"realmd/internal/model"
)

// =============================================================================
// RACES
// =============================================================================

const raceColumns = `id, name, description, stat_modifiers, exp_bonus_bp,
	starting_hp, starting_mp, starting_gold, starting_zone_id`

func scanRace(row interface{ Scan(...any) error }) (*model.Race, error) {
	var r model.Race
	var mods []byte
	err := row.Scan(&r.ID, &r.Name, &r.Description, &mods, &r.ExpBonusBP,
		&r.StartingHP, &r.StartingMP, &r.StartingGold, &r.StartingZoneID)
	if err != nil {
		return nil, translate(err)
	}
	if err := scanJSON(mods, &r.StatModifiers); err != nil {
		return nil, fmt.Errorf("failed to decode race stat modifiers: %w", err)
	}
	return &r, nil
}

// ListRaces returns the full static race catalogue.
func (s *Store) ListRaces(ctx context.Context) ([]*model.Race, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+raceColumns+` FROM races ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list races: %w", err)
	}
	defer rows.Close()
	var races []*model.Race
	for rows.Next() {
		r, err := scanRace(rows)
		if err != nil {
			return nil, err
		}
		races = append(races, r)
	}
	return races, rows.Err()
}

// GetRace loads one race by id.
func (s *Store) GetRace(ctx context.Context, id uuid.UUID) (*model.Race, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+raceColumns+` FROM races WHERE id = $1`, id)
	return scanRace(row)
}

// =============================================================================
// CHARACTERS
// =============================================================================

const characterColumns = `id, account_id, race_id, name, gender, level,
	experience::text, next_level_exp::text, status,
	str, vit, dex, intl, wis, hp, max_hp, mp, max_mp,
	current_zone_id, pos_x, pos_y, gold, titles, active_title,
	available_stat_points, created_at, deleted_at`

func scanCharacter(row interface{ Scan(...any) error }) (*model.Character, error) {
	var c model.Character
	var exp, nextExp string
	var titles []byte
	var deletedAt sql.NullTime
	err := row.Scan(&c.ID, &c.AccountID, &c.RaceID, &c.Name, &c.Gender, &c.Level,
		&exp, &nextExp, &c.Status,
		&c.Stats.Strength, &c.Stats.Vitality, &c.Stats.Dexterity,
		&c.Stats.Intelligence, &c.Stats.Wisdom,
		&c.HP, &c.MaxHP, &c.MP, &c.MaxMP,
		&c.CurrentZoneID, &c.X, &c.Y, &c.Gold, &titles, &c.ActiveTitle,
		&c.AvailableStatPoints, &c.CreatedAt, &deletedAt)
	if err != nil {
		return nil, translate(err)
	}
	if c.Experience, err = scanBigInt(exp); err != nil {
		return nil, err
	}
	if c.NextLevelExp, err = scanBigInt(nextExp); err != nil {
		return nil, err
	}
	if err := scanJSON(titles, &c.Titles); err != nil {
		return nil, fmt.Errorf("failed to decode titles: %w", err)
	}
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.Time
	}
	return &c, nil
}

// CreateCharacter inserts the character and its location row in one
// transaction. Returns ErrDuplicate when the name is taken.
func (s *Store) CreateCharacter(ctx context.Context, c *model.Character) error {
	titles, err := jsonValue(c.Titles)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO characters (id, account_id, race_id, name, gender, level,
				experience, next_level_exp, status,
				str, vit, dex, intl, wis, hp, max_hp, mp, max_mp,
				current_zone_id, pos_x, pos_y, gold, titles, active_title,
				available_stat_points)
			 VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9,
				$10,$11,$12,$13,$14,$15,$16,$17,$18,
				$19,$20,$21,$22,COALESCE($23,'[]'::jsonb),$24,$25)`,
			c.ID, c.AccountID, c.RaceID, c.Name, c.Gender, c.Level,
			bigIntValue(c.Experience), bigIntValue(c.NextLevelExp), c.Status,
			c.Stats.Strength, c.Stats.Vitality, c.Stats.Dexterity,
			c.Stats.Intelligence, c.Stats.Wisdom,
			c.HP, c.MaxHP, c.MP, c.MaxMP,
			c.CurrentZoneID, c.X, c.Y, c.Gold, titles, c.ActiveTitle,
			c.AvailableStatPoints)
		if err != nil {
			return fmt.Errorf("failed to insert character: %w", translate(err))
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO character_locations (character_id, zone_id, pos_x, pos_y, zones_visited)
			 VALUES ($1, $2, $3, $4, $5)`,
			c.ID, c.CurrentZoneID, c.X, c.Y,
			fmt.Sprintf(`["%s"]`, c.CurrentZoneID))
		if err != nil {
			return fmt.Errorf("failed to insert character location: %w", err)
		}
		return nil
	})
}

// GetCharacter loads a non-deleted character.
func (s *Store) GetCharacter(ctx context.Context, id uuid.UUID) (*model.Character, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+characterColumns+` FROM characters
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanCharacter(row)
}

// ListCharacters returns the account's non-deleted characters.
func (s *Store) ListCharacters(ctx context.Context, accountID uuid.UUID) ([]*model.Character, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+characterColumns+` FROM characters
		 WHERE account_id = $1 AND deleted_at IS NULL ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list characters: %w", err)
	}
	defer rows.Close()
	var chars []*model.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		chars = append(chars, c)
	}
	return chars, rows.Err()
}

// CountCharacters counts the account's non-deleted characters, for the
// per-account cap.
func (s *Store) CountCharacters(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM characters
		 WHERE account_id = $1 AND deleted_at IS NULL`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count characters: %w", err)
	}
	return n, nil
}

// CharacterNameAvailable reports whether name is unused among non-deleted
// characters (case-insensitive).
func (s *Store) CharacterNameAvailable(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM characters
		 WHERE lower(name) = lower($1) AND deleted_at IS NULL`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check character name: %w", err)
	}
	return n == 0, nil
}

// SoftDeleteCharacter marks the character deleted; the row is retained for
// audit and never returned from reads again.
func (s *Store) SoftDeleteCharacter(ctx context.Context, id, accountID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE characters SET deleted_at = now()
		 WHERE id = $1 AND account_id = $2 AND deleted_at IS NULL`, id, accountID)
	if err != nil {
		return fmt.Errorf("failed to soft delete character: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCharacterStatus flips the gameplay status gate.
func (s *Store) UpdateCharacterStatus(ctx context.Context, id uuid.UUID, status model.CharacterStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE characters SET status = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to update character status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCharacterHPMP persists post-combat resource values, clamped by the
// caller to the max columns.
func (s *Store) UpdateCharacterHPMP(ctx context.Context, id uuid.UUID, hp, mp int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE characters SET hp = LEAST($2, max_hp), mp = LEAST($3, max_mp)
		 WHERE id = $1 AND deleted_at IS NULL`, id, hp, mp)
	if err != nil {
		return fmt.Errorf("failed to update character resources: %w", err)
	}
	return nil
}

// AddCharacterGold credits gold (negative delta debits).
func (s *Store) AddCharacterGold(ctx context.Context, id uuid.UUID, delta int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE characters SET gold = gold + $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust character gold: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"realmd/internal/model"
)

// AwardMutation is the complete state change for one experience award:
// the updated character fields, the journal rows, and the candidate
// milestones. ApplyAward commits everything in one transaction; milestone
// candidates that collide with the unique constraint are skipped so a
// replayed award can never double-grant.
type AwardMutation struct {
	CharacterID     uuid.UUID
	Level           int
	Experience      *big.Int
	NextLevelExp    *big.Int
	StatPointsDelta int
	Titles          []string
	ActiveTitle     string
	ExpLog          *model.ExperienceLog
	LevelUps        []*model.LevelUpLog
	Milestones      []*model.MilestoneAchievement
}

// ApplyAward commits an award and reports which milestone levels were newly
// granted.
func (s *Store) ApplyAward(ctx context.Context, m *AwardMutation) ([]int, error) {
	var granted []int
	titles, err := jsonValue(m.Titles)
	if err != nil {
		return nil, err
	}
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE characters
			 SET level = $2, experience = $3::numeric, next_level_exp = $4::numeric,
				 available_stat_points = available_stat_points + $5,
				 titles = COALESCE($6,'[]'::jsonb), active_title = $7
			 WHERE id = $1 AND deleted_at IS NULL`,
			m.CharacterID, m.Level, bigIntValue(m.Experience),
			bigIntValue(m.NextLevelExp), m.StatPointsDelta, titles, m.ActiveTitle)
		if err != nil {
			return fmt.Errorf("failed to update character progression: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if m.ExpLog != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO experience_log
					(character_id, amount, source, source_details, level_before, level_after)
				 VALUES ($1, $2::numeric, $3, $4, $5, $6)`,
				m.ExpLog.CharacterID, bigIntValue(m.ExpLog.Amount), m.ExpLog.Source,
				m.ExpLog.SourceDetails, m.ExpLog.LevelBefore, m.ExpLog.LevelAfter); err != nil {
				return fmt.Errorf("failed to insert experience log: %w", err)
			}
		}

		for _, lu := range m.LevelUps {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO level_up_log (character_id, level, stat_points_gained, phase_name)
				 VALUES ($1, $2, $3, $4)`,
				lu.CharacterID, lu.Level, lu.StatPointsGained, lu.PhaseName); err != nil {
				return fmt.Errorf("failed to insert level up log: %w", err)
			}
		}

		for _, ms := range m.Milestones {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO milestone_achievements
					(character_id, milestone_level, achievement_type, stat_points, gold, title)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (character_id, milestone_level, achievement_type) DO NOTHING`,
				ms.CharacterID, ms.MilestoneLevel, ms.AchievementType,
				ms.StatPoints, ms.Gold, ms.Title)
			if err != nil {
				return fmt.Errorf("failed to insert milestone: %w", err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				// Already credited by an earlier award.
				continue
			}
			granted = append(granted, ms.MilestoneLevel)
			if _, err := tx.ExecContext(ctx,
				`UPDATE characters
				 SET available_stat_points = available_stat_points + $2,
					 gold = gold + $3
				 WHERE id = $1`,
				ms.CharacterID, ms.StatPoints, ms.Gold); err != nil {
				return fmt.Errorf("failed to apply milestone reward: %w", err)
			}
			if ms.Title != "" {
				if _, err := tx.ExecContext(ctx,
					`UPDATE characters
					 SET titles = titles || to_jsonb($2::text)
					 WHERE id = $1 AND NOT titles @> to_jsonb($2::text)`,
					ms.CharacterID, ms.Title); err != nil {
					return fmt.Errorf("failed to append milestone title: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return granted, nil
}

// ExperienceHistory pages a character's award journal, newest first.
func (s *Store) ExperienceHistory(ctx context.Context, characterID uuid.UUID, limit, offset int) ([]*model.ExperienceLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, character_id, amount::text, source, source_details,
			level_before, level_after, created_at
		 FROM experience_log WHERE character_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		characterID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query experience history: %w", err)
	}
	defer rows.Close()
	var logs []*model.ExperienceLog
	for rows.Next() {
		var l model.ExperienceLog
		var amount string
		if err := rows.Scan(&l.ID, &l.CharacterID, &amount, &l.Source,
			&l.SourceDetails, &l.LevelBefore, &l.LevelAfter, &l.CreatedAt); err != nil {
			return nil, err
		}
		if l.Amount, err = scanBigInt(amount); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// LevelHistory pages a character's level-up journal, newest first.
func (s *Store) LevelHistory(ctx context.Context, characterID uuid.UUID, limit, offset int) ([]*model.LevelUpLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, character_id, level, stat_points_gained, phase_name, created_at
		 FROM level_up_log WHERE character_id = $1
		 ORDER BY level DESC LIMIT $2 OFFSET $3`,
		characterID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query level history: %w", err)
	}
	defer rows.Close()
	var logs []*model.LevelUpLog
	for rows.Next() {
		var l model.LevelUpLog
		if err := rows.Scan(&l.ID, &l.CharacterID, &l.Level,
			&l.StatPointsGained, &l.PhaseName, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// ListMilestones returns the milestones already credited to a character.
func (s *Store) ListMilestones(ctx context.Context, characterID uuid.UUID) ([]*model.MilestoneAchievement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, character_id, milestone_level, achievement_type,
			stat_points, gold, title, created_at
		 FROM milestone_achievements WHERE character_id = $1
		 ORDER BY milestone_level`, characterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query milestones: %w", err)
	}
	defer rows.Close()
	var out []*model.MilestoneAchievement
	for rows.Next() {
		var ms model.MilestoneAchievement
		if err := rows.Scan(&ms.ID, &ms.CharacterID, &ms.MilestoneLevel,
			&ms.AchievementType, &ms.StatPoints, &ms.Gold, &ms.Title,
			&ms.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ms)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"realmd/internal/model"
)

// =============================================================================
// COMBAT SESSIONS
// =============================================================================

const combatSessionColumns = `id, type, status, initiator_id, target_id, zone_id,
	turn_order, current_turn, turn_number, started_at, ended_at, winner_side,
	experience_reward, gold_reward, created_at`

func scanCombatSession(row interface{ Scan(...any) error }) (*model.CombatSession, error) {
	var cs model.CombatSession
	var target sql.NullString
	var turnOrder []byte
	var startedAt, endedAt sql.NullTime
	err := row.Scan(&cs.ID, &cs.Type, &cs.Status, &cs.InitiatorID, &target,
		&cs.ZoneID, &turnOrder, &cs.CurrentTurn, &cs.TurnNumber,
		&startedAt, &endedAt, &cs.WinnerSide,
		&cs.ExperienceReward, &cs.GoldReward, &cs.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	if target.Valid {
		if id, err := uuid.Parse(target.String); err == nil {
			cs.TargetID = &id
		}
	}
	if err := scanJSON(turnOrder, &cs.TurnOrder); err != nil {
		return nil, fmt.Errorf("failed to decode turn order: %w", err)
	}
	if startedAt.Valid {
		cs.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		cs.EndedAt = &endedAt.Time
	}
	return &cs, nil
}

// CreateCombatSession inserts the session and all initial participants, and
// flips the player characters into combat status, in one transaction.
func (s *Store) CreateCombatSession(ctx context.Context, cs *model.CombatSession, participants []*model.CombatParticipant) error {
	turnOrder, err := jsonValue(cs.TurnOrder)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO combat_sessions
				(id, type, status, initiator_id, target_id, zone_id, turn_order,
				 current_turn, turn_number, started_at)
			 VALUES ($1,$2,$3,$4,$5,$6,COALESCE($7,'[]'::jsonb),$8,$9,$10)`,
			cs.ID, cs.Type, cs.Status, cs.InitiatorID, cs.TargetID, cs.ZoneID,
			turnOrder, cs.CurrentTurn, cs.TurnNumber, cs.StartedAt)
		if err != nil {
			return fmt.Errorf("failed to insert combat session: %w", translate(err))
		}
		for _, p := range participants {
			if err := insertParticipant(ctx, tx, p); err != nil {
				return err
			}
			if p.Type == model.ParticipantPlayer {
				if _, err := tx.ExecContext(ctx,
					`UPDATE characters SET status = 'combat'
					 WHERE id = $1 AND deleted_at IS NULL`, p.CharacterID); err != nil {
					return fmt.Errorf("failed to set combat status: %w", err)
				}
			}
		}
		return nil
	})
}

func insertParticipant(ctx context.Context, tx *sql.Tx, p *model.CombatParticipant) error {
	stats, err := jsonValue(p.Stats)
	if err != nil {
		return err
	}
	effects, err := jsonValue(p.StatusEffects)
	if err != nil {
		return err
	}
	cooldowns, err := jsonValue(p.ActionCooldowns)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO combat_participants
			(id, session_id, character_id, participant_type, side, name, level,
			 stats, initiative, turn_position, current_hp, max_hp, current_mp,
			 max_mp, status, status_effects, action_cooldowns,
			 damage_dealt, damage_taken, actions_used)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,COALESCE($8,'{}'::jsonb),$9,$10,$11,$12,
			$13,$14,$15,COALESCE($16,'[]'::jsonb),COALESCE($17,'{}'::jsonb),
			$18,$19,$20)`,
		p.ID, p.SessionID, p.CharacterID, p.Type, p.Side, p.Name, p.Level,
		stats, p.Initiative, p.TurnPosition, p.CurrentHP, p.MaxHP, p.CurrentMP,
		p.MaxMP, p.Status, effects, cooldowns,
		p.DamageDealt, p.DamageTaken, p.ActionsUsed)
	if err != nil {
		return fmt.Errorf("failed to insert combat participant: %w", translate(err))
	}
	return nil
}

const participantColumns = `id, session_id, character_id, participant_type, side,
	name, level, stats, initiative, turn_position, current_hp, max_hp,
	current_mp, max_mp, status, status_effects, action_cooldowns,
	damage_dealt, damage_taken, actions_used`

func scanParticipant(row interface{ Scan(...any) error }) (*model.CombatParticipant, error) {
	var p model.CombatParticipant
	var stats, effects, cooldowns []byte
	err := row.Scan(&p.ID, &p.SessionID, &p.CharacterID, &p.Type, &p.Side,
		&p.Name, &p.Level, &stats, &p.Initiative, &p.TurnPosition,
		&p.CurrentHP, &p.MaxHP, &p.CurrentMP, &p.MaxMP, &p.Status,
		&effects, &cooldowns, &p.DamageDealt, &p.DamageTaken, &p.ActionsUsed)
	if err != nil {
		return nil, translate(err)
	}
	if err := scanJSON(stats, &p.Stats); err != nil {
		return nil, fmt.Errorf("failed to decode participant stats: %w", err)
	}
	if err := scanJSON(effects, &p.StatusEffects); err != nil {
		return nil, fmt.Errorf("failed to decode status effects: %w", err)
	}
	if err := scanJSON(cooldowns, &p.ActionCooldowns); err != nil {
		return nil, fmt.Errorf("failed to decode action cooldowns: %w", err)
	}
	return &p, nil
}

// GetCombatSession loads a session with its participants.
func (s *Store) GetCombatSession(ctx context.Context, id uuid.UUID) (*model.CombatSession, []*model.CombatParticipant, error) {
	cs, err := scanCombatSession(s.db.QueryRowContext(ctx,
		`SELECT `+combatSessionColumns+` FROM combat_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM combat_participants
		 WHERE session_id = $1 ORDER BY turn_position`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()
	var participants []*model.CombatParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, nil, err
		}
		participants = append(participants, p)
	}
	return cs, participants, rows.Err()
}

// ActiveSessionForCharacter finds the character's live session, if any.
func (s *Store) ActiveSessionForCharacter(ctx context.Context, characterID uuid.UUID) (*model.CombatSession, error) {
	cs, err := scanCombatSession(s.db.QueryRowContext(ctx,
		`SELECT `+combatSessionColumns+` FROM combat_sessions cs
		 WHERE cs.status IN ('waiting', 'active', 'paused')
		   AND EXISTS (SELECT 1 FROM combat_participants p
			WHERE p.session_id = cs.id AND p.character_id = $1
			  AND p.status = 'alive')
		 ORDER BY cs.created_at DESC LIMIT 1`, characterID))
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// ActionMutation is the full state change for one resolved combat action:
// updated participants, the action log row, and the advanced session fields.
// Committed atomically.
type ActionMutation struct {
	SessionID    uuid.UUID
	Participants []*model.CombatParticipant
	Log          *model.CombatActionLog
	CurrentTurn  int
	TurnNumber   int
	Status       model.CombatStatus
	WinnerSide   string
	EndedAt      *time.Time
}

// ApplyCombatAction commits one resolved action in a single transaction.
func (s *Store) ApplyCombatAction(ctx context.Context, m *ActionMutation) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, p := range m.Participants {
			if err := updateParticipant(ctx, tx, p); err != nil {
				return err
			}
		}
		if m.Log != nil {
			if err := insertActionLog(ctx, tx, m.Log); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE combat_sessions
			 SET current_turn = $2, turn_number = $3, status = $4,
				 winner_side = $5, ended_at = $6
			 WHERE id = $1`,
			m.SessionID, m.CurrentTurn, m.TurnNumber, m.Status,
			m.WinnerSide, m.EndedAt)
		if err != nil {
			return fmt.Errorf("failed to advance combat session: %w", err)
		}
		return nil
	})
}

func updateParticipant(ctx context.Context, tx *sql.Tx, p *model.CombatParticipant) error {
	effects, err := jsonValue(p.StatusEffects)
	if err != nil {
		return err
	}
	cooldowns, err := jsonValue(p.ActionCooldowns)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE combat_participants
		 SET current_hp = $2, current_mp = $3, status = $4,
			 status_effects = COALESCE($5,'[]'::jsonb),
			 action_cooldowns = COALESCE($6,'{}'::jsonb),
			 damage_dealt = $7, damage_taken = $8, actions_used = $9
		 WHERE id = $1`,
		p.ID, p.CurrentHP, p.CurrentMP, p.Status, effects, cooldowns,
		p.DamageDealt, p.DamageTaken, p.ActionsUsed)
	if err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	return nil
}

func insertActionLog(ctx context.Context, tx *sql.Tx, l *model.CombatActionLog) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO combat_action_log
			(session_id, actor_id, target_id, action_type, action_name, damage,
			 healing, mp_cost, is_critical, is_blocked, is_missed,
			 status_effect_applied, description, turn_number)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		l.SessionID, l.ActorID, l.TargetID, l.ActionType, l.ActionName,
		l.Damage, l.Healing, l.MPCost, l.IsCritical, l.IsBlocked, l.IsMissed,
		l.StatusEffectApplied, l.Description, l.TurnNumber)
	if err != nil {
		return fmt.Errorf("failed to insert combat action log: %w", err)
	}
	return nil
}

// CancelCombatSession administratively terminates a session.
func (s *Store) CancelCombatSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE combat_sessions SET status = 'cancelled', ended_at = $2
		 WHERE id = $1 AND status IN ('waiting', 'active', 'paused')`, id, at)
	if err != nil {
		return fmt.Errorf("failed to cancel combat session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCombatRewards records the computed reward totals on an ended session.
func (s *Store) SetCombatRewards(ctx context.Context, id uuid.UUID, experience, gold int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE combat_sessions SET experience_reward = $2, gold_reward = $3
		 WHERE id = $1`, id, experience, gold)
	if err != nil {
		return fmt.Errorf("failed to set combat rewards: %w", err)
	}
	return nil
}

// ClaimRewardDistribution flips the rewards_distributed marker and reports
// whether this caller won the claim. Combined with the distributed lock it
// makes reward distribution at-most-once across replicas.
func (s *Store) ClaimRewardDistribution(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE combat_sessions SET rewards_distributed = TRUE
		 WHERE id = $1 AND NOT rewards_distributed`, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to claim reward distribution: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ActionStatistics aggregates the action log for one session.
type ActionStatistics struct {
	ActorID      uuid.UUID `json:"actor_id"`
	Actions      int       `json:"actions"`
	TotalDamage  int64     `json:"total_damage"`
	TotalHealing int64     `json:"total_healing"`
	Criticals    int       `json:"criticals"`
	Misses       int       `json:"misses"`
}

// SessionStatistics aggregates per-actor totals from the action log.
func (s *Store) SessionStatistics(ctx context.Context, sessionID uuid.UUID) ([]ActionStatistics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor_id, count(*),
			COALESCE(sum(damage),0), COALESCE(sum(healing),0),
			count(*) FILTER (WHERE is_critical),
			count(*) FILTER (WHERE is_missed)
		 FROM combat_action_log WHERE session_id = $1
		 GROUP BY actor_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate combat statistics: %w", err)
	}
	defer rows.Close()
	var out []ActionStatistics
	for rows.Next() {
		var st ActionStatistics
		if err := rows.Scan(&st.ActorID, &st.Actions, &st.TotalDamage,
			&st.TotalHealing, &st.Criticals, &st.Misses); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

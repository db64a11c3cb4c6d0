package store

import (
	"context"
	"fmt"
)

// schema is the full DDL, applied in order by Migrate. Statements are
// idempotent so migrate can run on every deploy.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL,
		username TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		role TEXT NOT NULL DEFAULT 'player',
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_login TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_email_lower_idx ON accounts (lower(email))`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_username_lower_idx ON accounts (lower(username))`,

	`CREATE TABLE IF NOT EXISTS account_security (
		account_id UUID PRIMARY KEY REFERENCES accounts(id),
		login_attempts INT NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMPTZ,
		locked_until TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS races (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		stat_modifiers JSONB NOT NULL DEFAULT '{}',
		exp_bonus_bp INT NOT NULL DEFAULT 10000,
		starting_hp INT NOT NULL DEFAULT 100,
		starting_mp INT NOT NULL DEFAULT 50,
		starting_gold BIGINT NOT NULL DEFAULT 0,
		starting_zone_id UUID NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS characters (
		id UUID PRIMARY KEY,
		account_id UUID NOT NULL REFERENCES accounts(id),
		race_id UUID NOT NULL REFERENCES races(id),
		name TEXT NOT NULL,
		gender TEXT NOT NULL DEFAULT '',
		level INT NOT NULL DEFAULT 1 CHECK (level >= 1),
		experience NUMERIC(78,0) NOT NULL DEFAULT 0,
		next_level_exp NUMERIC(78,0) NOT NULL DEFAULT 1000,
		status TEXT NOT NULL DEFAULT 'normal',
		str INT NOT NULL DEFAULT 10,
		vit INT NOT NULL DEFAULT 10,
		dex INT NOT NULL DEFAULT 10,
		intl INT NOT NULL DEFAULT 10,
		wis INT NOT NULL DEFAULT 10,
		hp INT NOT NULL,
		max_hp INT NOT NULL CHECK (hp <= max_hp),
		mp INT NOT NULL,
		max_mp INT NOT NULL CHECK (mp <= max_mp),
		current_zone_id UUID NOT NULL,
		pos_x INT NOT NULL DEFAULT 0,
		pos_y INT NOT NULL DEFAULT 0,
		gold BIGINT NOT NULL DEFAULT 0,
		titles JSONB NOT NULL DEFAULT '[]',
		active_title TEXT NOT NULL DEFAULT '',
		available_stat_points INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS characters_name_lower_idx
		ON characters (lower(name)) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS characters_account_idx
		ON characters (account_id) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS characters_zone_idx
		ON characters (current_zone_id) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS characters_level_idx
		ON characters (level) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS zones (
		id UUID PRIMARY KEY,
		internal_name TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'normal',
		min_level INT NOT NULL DEFAULT 1,
		max_level INT NOT NULL DEFAULT 100,
		pvp_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		safe_zone BOOLEAN NOT NULL DEFAULT FALSE,
		climate TEXT NOT NULL DEFAULT '',
		terrain TEXT NOT NULL DEFAULT '',
		lighting TEXT NOT NULL DEFAULT '',
		features JSONB NOT NULL DEFAULT '{}',
		map_x INT NOT NULL DEFAULT 0,
		map_y INT NOT NULL DEFAULT 0,
		map_layer INT NOT NULL DEFAULT 0,
		spawn_rate DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS zones_map_idx ON zones (map_x, map_y, map_layer)`,
	`CREATE INDEX IF NOT EXISTS zones_level_range_idx ON zones (min_level, max_level)`,

	`CREATE TABLE IF NOT EXISTS zone_exits (
		id UUID PRIMARY KEY,
		from_zone_id UUID NOT NULL REFERENCES zones(id),
		to_zone_id UUID NOT NULL REFERENCES zones(id),
		direction TEXT NOT NULL,
		exit_type TEXT NOT NULL DEFAULT 'normal',
		visible BOOLEAN NOT NULL DEFAULT TRUE,
		locked BOOLEAN NOT NULL DEFAULT FALSE,
		lock_type TEXT NOT NULL DEFAULT '',
		required_level INT NOT NULL DEFAULT 1 CHECK (required_level >= 1),
		required_item TEXT NOT NULL DEFAULT '',
		travel_message TEXT NOT NULL DEFAULT '',
		reverse_direction TEXT NOT NULL DEFAULT '',
		UNIQUE (from_zone_id, direction)
	)`,

	`CREATE TABLE IF NOT EXISTS character_locations (
		character_id UUID PRIMARY KEY REFERENCES characters(id),
		zone_id UUID NOT NULL REFERENCES zones(id),
		instance_id UUID,
		pos_x INT NOT NULL DEFAULT 0,
		pos_y INT NOT NULL DEFAULT 0,
		last_movement TIMESTAMPTZ NOT NULL DEFAULT now(),
		total_moves BIGINT NOT NULL DEFAULT 0,
		distance_traveled BIGINT NOT NULL DEFAULT 0,
		zones_visited JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS character_locations_zone_idx ON character_locations (zone_id)`,

	`CREATE TABLE IF NOT EXISTS movement_log (
		id BIGSERIAL PRIMARY KEY,
		character_id UUID NOT NULL,
		from_zone_id UUID,
		to_zone_id UUID NOT NULL,
		direction TEXT,
		movement_type TEXT NOT NULL DEFAULT 'normal',
		travel_time_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS movement_log_character_idx
		ON movement_log (character_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS combat_sessions (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'waiting',
		initiator_id UUID NOT NULL,
		target_id UUID,
		zone_id UUID NOT NULL,
		turn_order JSONB NOT NULL DEFAULT '[]',
		current_turn INT NOT NULL DEFAULT 0,
		turn_number INT NOT NULL DEFAULT 1,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		winner_side TEXT NOT NULL DEFAULT '',
		experience_reward BIGINT NOT NULL DEFAULT 0,
		gold_reward BIGINT NOT NULL DEFAULT 0,
		rewards_distributed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS combat_sessions_status_idx ON combat_sessions (status)`,
	`CREATE INDEX IF NOT EXISTS combat_sessions_zone_idx ON combat_sessions (zone_id)`,

	`CREATE TABLE IF NOT EXISTS combat_participants (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES combat_sessions(id),
		character_id UUID NOT NULL,
		participant_type TEXT NOT NULL DEFAULT 'player',
		side TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		level INT NOT NULL DEFAULT 1,
		stats JSONB NOT NULL DEFAULT '{}',
		initiative INT NOT NULL DEFAULT 0 CHECK (initiative >= 0),
		turn_position INT NOT NULL DEFAULT 0,
		current_hp INT NOT NULL,
		max_hp INT NOT NULL CHECK (max_hp > 0),
		current_mp INT NOT NULL DEFAULT 0 CHECK (current_mp >= 0),
		max_mp INT NOT NULL DEFAULT 0 CHECK (max_mp >= 0),
		status TEXT NOT NULL DEFAULT 'alive',
		status_effects JSONB NOT NULL DEFAULT '[]',
		action_cooldowns JSONB NOT NULL DEFAULT '{}',
		damage_dealt BIGINT NOT NULL DEFAULT 0,
		damage_taken BIGINT NOT NULL DEFAULT 0,
		actions_used INT NOT NULL DEFAULT 0,
		UNIQUE (session_id, character_id)
	)`,

	`CREATE TABLE IF NOT EXISTS combat_action_log (
		id BIGSERIAL PRIMARY KEY,
		session_id UUID NOT NULL,
		actor_id UUID NOT NULL,
		target_id UUID,
		action_type TEXT NOT NULL,
		action_name TEXT NOT NULL DEFAULT '',
		damage INT NOT NULL DEFAULT 0 CHECK (damage >= 0),
		healing INT NOT NULL DEFAULT 0 CHECK (healing >= 0),
		mp_cost INT NOT NULL DEFAULT 0 CHECK (mp_cost >= 0),
		is_critical BOOLEAN NOT NULL DEFAULT FALSE,
		is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
		is_missed BOOLEAN NOT NULL DEFAULT FALSE,
		status_effect_applied TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		turn_number INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS combat_action_log_session_idx
		ON combat_action_log (session_id, turn_number)`,

	`CREATE TABLE IF NOT EXISTS experience_log (
		id BIGSERIAL PRIMARY KEY,
		character_id UUID NOT NULL,
		amount NUMERIC(78,0) NOT NULL,
		source TEXT NOT NULL,
		source_details TEXT NOT NULL DEFAULT '',
		level_before INT NOT NULL,
		level_after INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS experience_log_character_idx
		ON experience_log (character_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS level_up_log (
		id BIGSERIAL PRIMARY KEY,
		character_id UUID NOT NULL,
		level INT NOT NULL,
		stat_points_gained INT NOT NULL,
		phase_name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS level_up_log_character_idx
		ON level_up_log (character_id, level)`,

	`CREATE TABLE IF NOT EXISTS milestone_achievements (
		id BIGSERIAL PRIMARY KEY,
		character_id UUID NOT NULL,
		milestone_level INT NOT NULL,
		achievement_type TEXT NOT NULL,
		stat_points INT NOT NULL DEFAULT 0,
		gold BIGINT NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (character_id, milestone_level, achievement_type)
	)`,

	`CREATE TABLE IF NOT EXISTS affinities (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		max_tier INT NOT NULL DEFAULT 7
	)`,

	`CREATE TABLE IF NOT EXISTS character_affinities (
		character_id UUID NOT NULL,
		affinity_id UUID NOT NULL,
		experience NUMERIC(78,0) NOT NULL DEFAULT 0,
		tier INT NOT NULL DEFAULT 1 CHECK (tier >= 1),
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (character_id, affinity_id)
	)`,

	`CREATE TABLE IF NOT EXISTS affinity_experience_log (
		id BIGSERIAL PRIMARY KEY,
		character_id UUID NOT NULL,
		affinity_id UUID NOT NULL,
		experience_awarded BIGINT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		previous_tier INT NOT NULL,
		new_tier INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS affinity_experience_log_character_idx
		ON affinity_experience_log (character_id, affinity_id)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		actor_id UUID,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL DEFAULT '',
		resource_id TEXT NOT NULL DEFAULT '',
		changes JSONB,
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_actor_idx ON audit_log (actor_id, created_at DESC)`,
}

// Migrate applies the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i, err)
		}
	}
	s.logger.Info("database schema applied")
	return nil
}

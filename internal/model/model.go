// Package model provides the shared entity definitions used across realmd
// packages. This package exists to break import cycles between the store,
// the gameplay engines, and the gateway. Types here are foundational data
// structures with no behavior beyond simple derived accessors.
package model

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ACCOUNTS AND SESSIONS
// =============================================================================

// AccountStatus is the lifecycle state of an account. Accounts are never
// deleted; suspension and bans are status changes only.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountBanned    AccountStatus = "banned"
)

// Role controls access to administrative operations (teleport, combat end).
type Role string

const (
	RolePlayer    Role = "player"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Account is the authentication identity. Email and username are unique
// case-insensitively.
type Account struct {
	ID            uuid.UUID
	Email         string
	Username      string
	PasswordHash  string
	Status        AccountStatus
	Role          Role
	EmailVerified bool
	CreatedAt     time.Time
	LastLogin     *time.Time
}

// AccountSecurity tracks failed sign-in attempts and lockout state.
// One-to-one with Account, created alongside it.
type AccountSecurity struct {
	AccountID     uuid.UUID
	LoginAttempts int
	LastAttemptAt *time.Time
	LockedUntil   *time.Time
}

// Locked reports whether the account is currently locked out.
func (s *AccountSecurity) Locked(now time.Time) bool {
	return s.LockedUntil != nil && s.LockedUntil.After(now)
}

// Session is the server-side record bound to an opaque token. Stored in the
// cache only, with a sliding TTL.
type Session struct {
	ID                 string            `json:"id"`
	AccountID          uuid.UUID         `json:"account_id"`
	CharacterID        *uuid.UUID        `json:"character_id,omitempty"`
	Role               Role              `json:"role"`
	RefreshFingerprint string            `json:"refresh_fingerprint,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	LastActive         time.Time         `json:"last_active"`
	ExpiresAt          time.Time         `json:"expires_at"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// =============================================================================
// RACES AND CHARACTERS
// =============================================================================

// Stats is the five-attribute block shared by races (as modifiers) and
// characters (as absolute values).
type Stats struct {
	Strength     int `json:"str"`
	Vitality     int `json:"vit"`
	Dexterity    int `json:"dex"`
	Intelligence int `json:"int"`
	Wisdom       int `json:"wis"`
}

// Race is a static catalogue entry. Immutable at runtime; loaded once and
// cached indefinitely. ExpBonusBP is the experience multiplier in basis
// points (10000 = 1.0) so progression math stays exact.
type Race struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	StatModifiers  Stats     `json:"stat_modifiers"`
	ExpBonusBP     int       `json:"exp_bonus_bp"`
	StartingHP     int       `json:"starting_hp"`
	StartingMP     int       `json:"starting_mp"`
	StartingGold   int       `json:"starting_gold"`
	StartingZoneID uuid.UUID `json:"starting_zone_id"`
}

// CharacterStatus gates what a character may do. Movement requires normal;
// combat and busy block it; dead blocks everything but respawn.
type CharacterStatus string

const (
	StatusNormal CharacterStatus = "normal"
	StatusCombat CharacterStatus = "combat"
	StatusDead   CharacterStatus = "dead"
	StatusBusy   CharacterStatus = "busy"
)

// Character is the playable entity. Experience and NextLevelExp are exact
// unbounded integers; never floats.
type Character struct {
	ID                  uuid.UUID
	AccountID           uuid.UUID
	RaceID              uuid.UUID
	Name                string
	Gender              string
	Level               int
	Experience          *big.Int
	NextLevelExp        *big.Int
	Status              CharacterStatus
	Stats               Stats
	HP                  int
	MaxHP               int
	MP                  int
	MaxMP               int
	CurrentZoneID       uuid.UUID
	X                   int
	Y                   int
	Gold                int64
	Titles              []string
	ActiveTitle         string
	AvailableStatPoints int
	CreatedAt           time.Time
	DeletedAt           *time.Time
}

// =============================================================================
// ZONES AND MOVEMENT
// =============================================================================

// ZoneType classifies a zone for gameplay rules (safe zones, instances, pvp).
type ZoneType string

const (
	ZoneNormal     ZoneType = "normal"
	ZoneCity       ZoneType = "city"
	ZoneCave       ZoneType = "cave"
	ZoneDungeon    ZoneType = "dungeon"
	ZoneTower      ZoneType = "tower"
	ZoneArena      ZoneType = "arena"
	ZoneGuildHall  ZoneType = "guild_hall"
	ZoneInstance   ZoneType = "instance"
	ZoneWilderness ZoneType = "wilderness"
)

// Zone is a world location. Immutable during a process lifetime; cached for
// at least five minutes.
type Zone struct {
	ID           uuid.UUID         `json:"id"`
	InternalName string            `json:"internal_name"`
	DisplayName  string            `json:"display_name"`
	Description  string            `json:"description"`
	Type         ZoneType          `json:"type"`
	MinLevel     int               `json:"min_level"`
	MaxLevel     int               `json:"max_level"`
	PVPEnabled   bool              `json:"pvp_enabled"`
	SafeZone     bool              `json:"safe_zone"`
	Climate      string            `json:"climate"`
	Terrain      string            `json:"terrain"`
	Lighting     string            `json:"lighting"`
	Features     map[string]string `json:"features,omitempty"`
	MapX         int               `json:"map_x"`
	MapY         int               `json:"map_y"`
	MapLayer     int               `json:"map_layer"`
	SpawnRate    float64           `json:"spawn_rate"`
}

// Direction is the twelve-way exit direction enum.
type Direction string

const (
	North     Direction = "north"
	South     Direction = "south"
	East      Direction = "east"
	West      Direction = "west"
	Northeast Direction = "northeast"
	Northwest Direction = "northwest"
	Southeast Direction = "southeast"
	Southwest Direction = "southwest"
	Up        Direction = "up"
	Down      Direction = "down"
	In        Direction = "in"
	Out       Direction = "out"
)

// Directions lists every valid direction, used for validation.
var Directions = []Direction{
	North, South, East, West,
	Northeast, Northwest, Southeast, Southwest,
	Up, Down, In, Out,
}

// ValidDirection reports whether d is one of the twelve directions.
func ValidDirection(d Direction) bool {
	for _, v := range Directions {
		if v == d {
			return true
		}
	}
	return false
}

// ExitType describes how an exit presents and behaves.
type ExitType string

const (
	ExitNormal     ExitType = "normal"
	ExitDoor       ExitType = "door"
	ExitPortal     ExitType = "portal"
	ExitTeleporter ExitType = "teleporter"
	ExitHidden     ExitType = "hidden"
	ExitMagical    ExitType = "magical"
	ExitLadder     ExitType = "ladder"
	ExitStairs     ExitType = "stairs"
)

// LockType dictates what opens a locked exit.
type LockType string

const (
	LockKey   LockType = "key"
	LockLevel LockType = "level"
	LockQuest LockType = "quest"
)

// ZoneExit connects two zones. Unique on (FromZoneID, Direction).
type ZoneExit struct {
	ID               uuid.UUID  `json:"id"`
	FromZoneID       uuid.UUID  `json:"from_zone_id"`
	ToZoneID         uuid.UUID  `json:"to_zone_id"`
	Direction        Direction  `json:"direction"`
	ExitType         ExitType   `json:"exit_type"`
	Visible          bool       `json:"visible"`
	Locked           bool       `json:"locked"`
	LockType         LockType   `json:"lock_type,omitempty"`
	RequiredLevel    int        `json:"required_level"`
	RequiredItem     string     `json:"required_item,omitempty"`
	TravelMessage    string     `json:"travel_message,omitempty"`
	ReverseDirection Direction  `json:"reverse_direction,omitempty"`
}

// CharacterLocation is the authoritative "where is this character" record.
// Mutated only by the movement engine.
type CharacterLocation struct {
	CharacterID      uuid.UUID
	ZoneID           uuid.UUID
	InstanceID       *uuid.UUID
	X                int
	Y                int
	LastMovement     time.Time
	TotalMoves       int64
	DistanceTraveled int64
	ZonesVisited     []string
}

// MovementType tags how a transition happened.
type MovementType string

const (
	MoveNormal   MovementType = "normal"
	MoveTeleport MovementType = "teleport"
	MoveRecall   MovementType = "recall"
	MoveSummon   MovementType = "summon"
	MoveForced   MovementType = "forced"
	MoveRespawn  MovementType = "respawn"
)

// MovementLog is an append-only record of a single transition.
type MovementLog struct {
	ID           int64
	CharacterID  uuid.UUID
	FromZoneID   *uuid.UUID
	ToZoneID     uuid.UUID
	Direction    *Direction
	MovementType MovementType
	TravelTimeMS int64
	CreatedAt    time.Time
}

// =============================================================================
// COMBAT
// =============================================================================

// CombatType classifies an encounter.
type CombatType string

const (
	CombatPVE   CombatType = "pve"
	CombatPVP   CombatType = "pvp"
	CombatBoss  CombatType = "boss"
	CombatArena CombatType = "arena"
	CombatDuel  CombatType = "duel"
)

// CombatStatus is the session state machine. Transitions are restricted to
// waiting → active → (paused ↔ active) → ended|cancelled.
type CombatStatus string

const (
	CombatWaiting   CombatStatus = "waiting"
	CombatActive    CombatStatus = "active"
	CombatPaused    CombatStatus = "paused"
	CombatEnded     CombatStatus = "ended"
	CombatCancelled CombatStatus = "cancelled"
)

// CombatSession is one encounter. TurnOrder is frozen at start; CurrentTurn
// indexes into it while the session is active.
type CombatSession struct {
	ID               uuid.UUID     `json:"id"`
	Type             CombatType    `json:"type"`
	Status           CombatStatus  `json:"status"`
	InitiatorID      uuid.UUID     `json:"initiator_id"`
	TargetID         *uuid.UUID    `json:"target_id,omitempty"`
	ZoneID           uuid.UUID     `json:"zone_id"`
	TurnOrder        []uuid.UUID   `json:"turn_order"`
	CurrentTurn      int           `json:"current_turn"`
	TurnNumber       int           `json:"turn_number"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
	WinnerSide       string        `json:"winner_side,omitempty"`
	ExperienceReward int64         `json:"experience_reward"`
	GoldReward       int64         `json:"gold_reward"`
	CreatedAt        time.Time     `json:"created_at"`
}

// ParticipantType distinguishes player characters from server-driven actors.
type ParticipantType string

const (
	ParticipantPlayer  ParticipantType = "player"
	ParticipantMonster ParticipantType = "monster"
	ParticipantNPC     ParticipantType = "npc"
	ParticipantBoss    ParticipantType = "boss"
)

// Side groups participants for win detection and target validation.
type Side string

const (
	SideAttackers Side = "attackers"
	SideDefenders Side = "defenders"
	SideNeutral   Side = "neutral"
)

// ParticipantStatus is the per-combatant liveness state.
type ParticipantStatus string

const (
	Alive         ParticipantStatus = "alive"
	Dead          ParticipantStatus = "dead"
	Fled          ParticipantStatus = "fled"
	Stunned       ParticipantStatus = "stunned"
	Incapacitated ParticipantStatus = "incapacitated"
)

// EffectType enumerates status effects a combatant can carry.
type EffectType string

const (
	EffectPoison       EffectType = "poison"
	EffectBurn         EffectType = "burn"
	EffectFreeze       EffectType = "freeze"
	EffectStun         EffectType = "stun"
	EffectBlind        EffectType = "blind"
	EffectRegeneration EffectType = "regeneration"
	EffectShield       EffectType = "shield"
	EffectStrength     EffectType = "strength"
	EffectWeakness     EffectType = "weakness"
	EffectHaste        EffectType = "haste"
	EffectSlow         EffectType = "slow"
)

// StatusEffect is a timed modifier on a participant. Duration is decremented
// on the owner's turn only.
type StatusEffect struct {
	Type          EffectType `json:"type"`
	DurationTurns int        `json:"duration_turns"`
	Value         int        `json:"value"`
	Source        string     `json:"source"`
}

// CombatParticipant is one combatant within a session. Unique on
// (SessionID, CharacterID).
type CombatParticipant struct {
	ID              uuid.UUID                `json:"id"`
	SessionID       uuid.UUID                `json:"session_id"`
	CharacterID     uuid.UUID                `json:"character_id"`
	Type            ParticipantType          `json:"type"`
	Side            Side                     `json:"side"`
	Name            string                   `json:"name"`
	Level           int                      `json:"level"`
	Stats           Stats                    `json:"stats"`
	Initiative      int                      `json:"initiative"`
	TurnPosition    int                      `json:"turn_position"`
	CurrentHP       int                      `json:"current_hp"`
	MaxHP           int                      `json:"max_hp"`
	CurrentMP       int                      `json:"current_mp"`
	MaxMP           int                      `json:"max_mp"`
	Status          ParticipantStatus        `json:"status"`
	StatusEffects   []StatusEffect           `json:"status_effects,omitempty"`
	ActionCooldowns map[ActionType]time.Time `json:"action_cooldowns,omitempty"`
	DamageDealt     int64                    `json:"damage_dealt"`
	DamageTaken     int64                    `json:"damage_taken"`
	ActionsUsed     int                      `json:"actions_used"`
}

// ActionType enumerates combat actions.
type ActionType string

const (
	ActionAttack  ActionType = "attack"
	ActionSpell   ActionType = "spell"
	ActionHeal    ActionType = "heal"
	ActionDefend  ActionType = "defend"
	ActionItem    ActionType = "item"
	ActionSpecial ActionType = "special"
	ActionFlee    ActionType = "flee"
)

// CombatActionLog is an append-only record of one resolved action.
type CombatActionLog struct {
	ID                  int64
	SessionID           uuid.UUID
	ActorID             uuid.UUID
	TargetID            *uuid.UUID
	ActionType          ActionType
	ActionName          string
	Damage              int
	Healing             int
	MPCost              int
	IsCritical          bool
	IsBlocked           bool
	IsMissed            bool
	StatusEffectApplied string
	Description         string
	TurnNumber          int
	CreatedAt           time.Time
}

// =============================================================================
// PROGRESSION AND AFFINITY
// =============================================================================

// ExperienceSource tags where an XP award came from.
type ExperienceSource string

const (
	SourceCombat      ExperienceSource = "combat"
	SourceQuest       ExperienceSource = "quest"
	SourceExploration ExperienceSource = "exploration"
	SourceCrafting    ExperienceSource = "crafting"
	SourcePVP         ExperienceSource = "pvp"
	SourceEvent       ExperienceSource = "event"
	SourceMilestone   ExperienceSource = "milestone"
	SourceAdmin       ExperienceSource = "admin"
)

// ValidExperienceSource reports whether s is a known source tag.
func ValidExperienceSource(s ExperienceSource) bool {
	switch s {
	case SourceCombat, SourceQuest, SourceExploration, SourceCrafting,
		SourcePVP, SourceEvent, SourceMilestone, SourceAdmin:
		return true
	}
	return false
}

// ExperienceLog journals a single award after multipliers.
type ExperienceLog struct {
	ID            int64
	CharacterID   uuid.UUID
	Amount        *big.Int
	Source        ExperienceSource
	SourceDetails string
	LevelBefore   int
	LevelAfter    int
	CreatedAt     time.Time
}

// LevelUpLog journals one level gained.
type LevelUpLog struct {
	ID               int64
	CharacterID      uuid.UUID
	Level            int
	StatPointsGained int
	PhaseName        string
	CreatedAt        time.Time
}

// MilestoneAchievement records an at-most-once milestone grant. The unique
// key (CharacterID, MilestoneLevel, AchievementType) enforces idempotence.
type MilestoneAchievement struct {
	ID              int64
	CharacterID     uuid.UUID
	MilestoneLevel  int
	AchievementType string
	StatPoints      int
	Gold            int64
	Title           string
	CreatedAt       time.Time
}

// AffinityType separates weapon tracks from magic schools.
type AffinityType string

const (
	AffinityWeapon AffinityType = "weapon"
	AffinityMagic  AffinityType = "magic"
)

// Affinity is a catalogue entry for a proficiency track.
type Affinity struct {
	ID      uuid.UUID    `json:"id"`
	Name    string       `json:"name"`
	Type    AffinityType `json:"type"`
	MaxTier int          `json:"max_tier"`
}

// CharacterAffinity is per-character progress within one affinity. Unique on
// (CharacterID, AffinityID).
type CharacterAffinity struct {
	CharacterID uuid.UUID
	AffinityID  uuid.UUID
	Experience  *big.Int
	Tier        int
	LastUpdated time.Time
}

// AffinityExperienceLog journals an affinity award.
type AffinityExperienceLog struct {
	ID           int64
	CharacterID  uuid.UUID
	AffinityID   uuid.UUID
	Amount       int64
	Source       string
	PreviousTier int
	NewTier      int
	CreatedAt    time.Time
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditEntry is an append-only record of a gameplay-affecting or
// security-relevant event. Never written on a request's critical path.
type AuditEntry struct {
	ID           int64
	ActorID      *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   string
	Changes      map[string]any
	IP           string
	UserAgent    string
	CreatedAt    time.Time
}

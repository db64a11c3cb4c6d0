package combat

import (
	"context"
	"errors"
	"math/rand"

	"go.uber.org/zap"

	"realmd/internal/affinity"
	"realmd/internal/model"
)

// Roller is the engine's only source of randomness. Tests inject a scripted
// implementation; production uses math/rand/v2.
type Roller interface {
	// Roll returns a uniform integer in [1, n]. n < 1 returns 0.
	Roll(n int) int
	// Chance reports true with probability p.
	Chance(p float64) bool
}

type randRoller struct{}

// NewRoller returns the production dice.
func NewRoller() Roller { return randRoller{} }

func (randRoller) Roll(n int) int {
	if n < 1 {
		return 0
	}
	return rand.Intn(n) + 1
}

func (randRoller) Chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return rand.Float64() < p
}

const (
	baseCritChance = 0.05
	missChance     = 0.05
	blockChance    = 0.10
	fleeChance     = 0.75
)

// actionSpec is the static shape of a named action: its mana cost, the
// status effect it stamps on the target, and the magic school it trains.
type actionSpec struct {
	MPCost   int
	Effect   *model.StatusEffect
	Affinity string
}

// defaultCosts is the per-type mana cost when the action name is not in the
// spellbook.
var defaultCosts = map[model.ActionType]int{
	model.ActionSpell:   10,
	model.ActionHeal:    8,
	model.ActionSpecial: 15,
}

// spellbook maps well-known action names to their specs. Unknown names fall
// back to the per-type defaults.
var spellbook = map[string]actionSpec{
	"fireball": {MPCost: 12, Affinity: "fire", Effect: &model.StatusEffect{
		Type: model.EffectBurn, DurationTurns: 3, Value: 4, Source: "fireball"}},
	"frost_lance": {MPCost: 12, Affinity: "frost", Effect: &model.StatusEffect{
		Type: model.EffectSlow, DurationTurns: 2, Value: 2, Source: "frost_lance"}},
	"venom_strike": {MPCost: 0, Effect: &model.StatusEffect{
		Type: model.EffectPoison, DurationTurns: 4, Value: 3, Source: "venom_strike"}},
	"regrowth": {MPCost: 10, Affinity: "nature", Effect: &model.StatusEffect{
		Type: model.EffectRegeneration, DurationTurns: 3, Value: 5, Source: "regrowth"}},
}

func specFor(actionType model.ActionType, actionName string) actionSpec {
	if s, ok := spellbook[actionName]; ok {
		return s
	}
	return actionSpec{MPCost: defaultCosts[actionType]}
}

// defaultWeaponCoefficientBP is 1 + min(0.2, level·0.01) in basis points,
// used when no equipment collaborator is wired.
func defaultWeaponCoefficientBP(level int) int {
	bonus := level * 100
	if bonus > 2000 {
		bonus = 2000
	}
	return 10000 + bonus
}

const (
	defaultWeaponAffinity = "unarmed"
	defaultMagicAffinity  = "arcane"
)

func (e *Engine) weaponCoefficientBP(ctx context.Context, actor *model.CombatParticipant) int {
	if e.equipment == nil || actor.Type != model.ParticipantPlayer {
		return defaultWeaponCoefficientBP(actor.Level)
	}
	bp, err := e.equipment.WeaponCoefficientBP(ctx, actor.CharacterID)
	if err != nil {
		e.logger.Warn("equipment lookup failed, using default coefficient",
			zap.String("character_id", actor.CharacterID.String()), zap.Error(err))
		return defaultWeaponCoefficientBP(actor.Level)
	}
	return bp
}

func (e *Engine) weaponAffinity(ctx context.Context, actor *model.CombatParticipant) string {
	if e.equipment == nil || actor.Type != model.ParticipantPlayer {
		return defaultWeaponAffinity
	}
	name, err := e.equipment.WeaponAffinity(ctx, actor.CharacterID)
	if err != nil || name == "" {
		return defaultWeaponAffinity
	}
	return name
}

// outcome is the resolved effect of one action before it is written back.
type outcome struct {
	Damage        int
	Healing       int
	MPCost        int
	IsCritical    bool
	IsBlocked     bool
	IsMissed      bool
	EffectApplied string
	Description   string
}

// resolveAttack runs the weapon damage pipeline: miss, base, variance, crit,
// block, shield, affinity bonus.
func (e *Engine) resolveAttack(ctx context.Context, actor, target *model.CombatParticipant, affinityName string) outcome {
	if e.roller.Chance(missChance) {
		return outcome{IsMissed: true, Description: actor.Name + " misses " + target.Name}
	}

	coefBP := e.weaponCoefficientBP(ctx, actor)
	base := (actor.Stats.Strength - target.Stats.Vitality) * coefBP / 10000
	if base < 1 {
		base = 1
	}
	damage := base + e.roller.Roll(base*3/10)

	crit := e.critChance(actor)
	o := outcome{}
	if e.roller.Chance(crit) {
		o.IsCritical = true
		damage = damage * 3 / 2
	}
	if e.roller.Chance(blockChance) {
		o.IsBlocked = true
		damage = damage * 3 / 10
		if damage < 1 {
			damage = 1
		}
	}
	damage = e.applyAffinityBonus(ctx, actor, affinityName, damage)
	damage = applyShield(target, damage)
	o.Damage = damage
	o.Description = actor.Name + " hits " + target.Name
	return o
}

// resolveSpell runs the spell pipeline: int-scaled base, variance, crit from
// dex, mana cost, declared status effect.
func (e *Engine) resolveSpell(ctx context.Context, actor, target *model.CombatParticipant, spec actionSpec, affinityName string) outcome {
	base := actor.Stats.Intelligence*3/2 + actor.Level
	if base < 1 {
		base = 1
	}
	damage := base + e.roller.Roll(base*3/10)

	o := outcome{MPCost: spec.MPCost}
	if e.roller.Chance(e.critChance(actor)) {
		o.IsCritical = true
		damage = damage * 3 / 2
	}
	damage = e.applyAffinityBonus(ctx, actor, affinityName, damage)
	damage = applyShield(target, damage)
	o.Damage = damage
	o.Description = actor.Name + " blasts " + target.Name
	if spec.Effect != nil {
		applyEffect(target, *spec.Effect)
		o.EffectApplied = string(spec.Effect.Type)
	}
	return o
}

// resolveHeal restores floor(wis·1.2 + level) ±20%, clamped to max HP.
func (e *Engine) resolveHeal(actor, target *model.CombatParticipant, spec actionSpec) outcome {
	base := actor.Stats.Wisdom*6/5 + actor.Level
	if base < 1 {
		base = 1
	}
	spread := base / 5
	healing := base - spread + e.roller.Roll(2*spread+1) - 1

	headroom := target.MaxHP - target.CurrentHP
	if healing > headroom {
		healing = headroom
	}
	o := outcome{Healing: healing, MPCost: spec.MPCost,
		Description: actor.Name + " heals " + target.Name}
	if spec.Effect != nil {
		applyEffect(target, *spec.Effect)
		o.EffectApplied = string(spec.Effect.Type)
	}
	return o
}

// resolveDefend raises the actor's guard for one round.
func (e *Engine) resolveDefend(actor *model.CombatParticipant) outcome {
	applyEffect(actor, model.StatusEffect{
		Type: model.EffectShield, DurationTurns: 1, Value: 50, Source: "defend",
	})
	return outcome{
		EffectApplied: string(model.EffectShield),
		Description:   actor.Name + " takes a defensive stance",
	}
}

// itemHealAmount is what the basic field tonic restores.
const itemHealAmount = 25

func (e *Engine) resolveItem(actor *model.CombatParticipant) outcome {
	healing := itemHealAmount
	if headroom := actor.MaxHP - actor.CurrentHP; healing > headroom {
		healing = headroom
	}
	return outcome{Healing: healing, Description: actor.Name + " uses a tonic"}
}

// resolveSpecial is a double-strength weapon strike behind the long
// cooldown and a mana cost.
func (e *Engine) resolveSpecial(ctx context.Context, actor, target *model.CombatParticipant, spec actionSpec, affinityName string) outcome {
	o := e.resolveAttack(ctx, actor, target, affinityName)
	o.Damage *= 2
	o.MPCost = spec.MPCost
	if o.IsMissed {
		o.Damage = 0
	}
	return o
}

func (e *Engine) critChance(actor *model.CombatParticipant) float64 {
	return baseCritChance + float64(actor.Stats.Dexterity)/200
}

// applyAffinityBonus scales damage by the actor's weapon or school tier
// bonus. Lookup failures degrade to no bonus.
func (e *Engine) applyAffinityBonus(ctx context.Context, actor *model.CombatParticipant, name string, damage int) int {
	if actor.Type != model.ParticipantPlayer {
		return damage
	}
	bp, err := e.affinities.Bonus(ctx, actor.CharacterID, name)
	if err != nil {
		e.logger.Warn("affinity bonus lookup failed",
			zap.String("character_id", actor.CharacterID.String()), zap.Error(err))
		return damage
	}
	return damage * (10000 + bp) / 10000
}

// awardAffinityXP feeds proficiency experience back after a landed hit.
// Rate-limit denials are logged, never surfaced to the attacker.
func (e *Engine) awardAffinityXP(ctx context.Context, actor *model.CombatParticipant, name string, o outcome) {
	if actor.Type != model.ParticipantPlayer || o.Damage <= 0 {
		return
	}
	amount := int64(o.Damage / 2)
	if o.IsCritical {
		amount = amount * 5 / 4
	}
	if amount <= 0 {
		return
	}
	if _, err := e.affinities.Award(ctx, actor.CharacterID, name, amount, "combat"); err != nil {
		var rle *affinity.RateLimitedError
		if errors.As(err, &rle) {
			e.logger.Debug("affinity feedback rate limited",
				zap.String("character_id", actor.CharacterID.String()),
				zap.Duration("retry_after", rle.RetryAfter))
			return
		}
		e.logger.Warn("affinity feedback failed",
			zap.String("character_id", actor.CharacterID.String()), zap.Error(err))
	}
}

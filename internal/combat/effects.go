package combat

import "realmd/internal/model"

// applyEffect stamps an effect on a participant. A repeat application of the
// same type refreshes the duration and takes the stronger value.
func applyEffect(p *model.CombatParticipant, effect model.StatusEffect) {
	for i := range p.StatusEffects {
		if p.StatusEffects[i].Type == effect.Type {
			if effect.Value > p.StatusEffects[i].Value {
				p.StatusEffects[i].Value = effect.Value
			}
			if effect.DurationTurns > p.StatusEffects[i].DurationTurns {
				p.StatusEffects[i].DurationTurns = effect.DurationTurns
			}
			return
		}
	}
	p.StatusEffects = append(p.StatusEffects, effect)
}

// applyShield reduces incoming damage by the target's shield percentage.
// The shield persists until its duration ticks out on the owner's turn.
func applyShield(target *model.CombatParticipant, damage int) int {
	for _, eff := range target.StatusEffects {
		if eff.Type == model.EffectShield {
			damage = damage * (100 - eff.Value) / 100
			if damage < 1 {
				damage = 1
			}
		}
	}
	return damage
}

// tickEffects runs the owner's effects at the start of their resolved turn:
// damage-over-time and healing-over-time fire, every duration decrements,
// and expired effects drop off. Returns the net HP delta applied.
func tickEffects(p *model.CombatParticipant) int {
	delta := 0
	kept := p.StatusEffects[:0]
	for _, eff := range p.StatusEffects {
		switch eff.Type {
		case model.EffectPoison, model.EffectBurn:
			delta -= eff.Value
		case model.EffectRegeneration:
			delta += eff.Value
		}
		eff.DurationTurns--
		if eff.DurationTurns > 0 {
			kept = append(kept, eff)
		}
	}
	p.StatusEffects = kept

	p.CurrentHP += delta
	if p.CurrentHP > p.MaxHP {
		p.CurrentHP = p.MaxHP
	}
	if p.CurrentHP <= 0 {
		p.CurrentHP = 0
		p.Status = model.Dead
	}
	return delta
}

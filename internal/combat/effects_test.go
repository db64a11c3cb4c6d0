package combat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"realmd/internal/model"
)

func TestApplyEffectRefreshes(t *testing.T) {
	p := &model.CombatParticipant{}
	applyEffect(p, model.StatusEffect{Type: model.EffectPoison, DurationTurns: 2, Value: 3})
	applyEffect(p, model.StatusEffect{Type: model.EffectPoison, DurationTurns: 4, Value: 2})

	assert.Len(t, p.StatusEffects, 1, "same type merges")
	assert.Equal(t, 4, p.StatusEffects[0].DurationTurns)
	assert.Equal(t, 3, p.StatusEffects[0].Value, "stronger value wins")
}

func TestApplyShield(t *testing.T) {
	p := &model.CombatParticipant{}
	assert.Equal(t, 40, applyShield(p, 40), "no shield, no reduction")

	applyEffect(p, model.StatusEffect{Type: model.EffectShield, DurationTurns: 1, Value: 50})
	assert.Equal(t, 20, applyShield(p, 40))
	assert.Equal(t, 1, applyShield(p, 1), "never reduced below 1")
}

func TestTickEffects(t *testing.T) {
	p := &model.CombatParticipant{CurrentHP: 20, MaxHP: 30}
	applyEffect(p, model.StatusEffect{Type: model.EffectBurn, DurationTurns: 1, Value: 6})
	applyEffect(p, model.StatusEffect{Type: model.EffectRegeneration, DurationTurns: 2, Value: 2})

	delta := tickEffects(p)
	assert.Equal(t, -4, delta)
	assert.Equal(t, 16, p.CurrentHP)
	assert.Len(t, p.StatusEffects, 1, "expired burn dropped")
	assert.Equal(t, model.EffectRegeneration, p.StatusEffects[0].Type)

	// A lethal tick kills the owner.
	p.CurrentHP = 1
	applyEffect(p, model.StatusEffect{Type: model.EffectPoison, DurationTurns: 3, Value: 10})
	tickEffects(p)
	assert.Equal(t, 0, p.CurrentHP)
	assert.Equal(t, model.Dead, p.Status)
}

package combat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realmd/internal/model"
	"realmd/internal/ratelimit"
	"realmd/internal/store"
)

// actionCooldowns is the per-action minimum spacing, checked against the
// participant's last use of the same action.
var actionCooldowns = map[model.ActionType]time.Duration{
	model.ActionAttack:  time.Second,
	model.ActionSpell:   3 * time.Second,
	model.ActionHeal:    2 * time.Second,
	model.ActionSpecial: 5 * time.Second,
	model.ActionItem:    1500 * time.Millisecond,
	model.ActionDefend:  500 * time.Millisecond,
	model.ActionFlee:    0,
}

// ActionResult is the resolved action as broadcast to the combat room.
type ActionResult struct {
	SessionID     uuid.UUID          `json:"session_id"`
	ActorID       uuid.UUID          `json:"actor_id"`
	TargetID      *uuid.UUID         `json:"target_id,omitempty"`
	ActionType    model.ActionType   `json:"action_type"`
	ActionName    string             `json:"action_name,omitempty"`
	Damage        int                `json:"damage"`
	Healing       int                `json:"healing"`
	MPCost        int                `json:"mp_cost"`
	IsCritical    bool               `json:"is_critical"`
	IsBlocked     bool               `json:"is_blocked"`
	IsMissed      bool               `json:"is_missed"`
	EffectApplied string             `json:"effect_applied,omitempty"`
	EffectTick    int                `json:"effect_tick"`
	Description   string             `json:"description"`
	TurnNumber    int                `json:"turn_number"`
	NextActorID   *uuid.UUID         `json:"next_actor_id,omitempty"`
	SessionStatus model.CombatStatus `json:"session_status"`
	WinnerSide    string             `json:"winner_side,omitempty"`
}

// PerformAction validates and resolves one combat action. The preconditions
// run in a fixed order so a refusal always reports the first failing gate.
// The whole read-resolve-write runs under the session's turn lock and
// commits in one transaction.
func (e *Engine) PerformAction(ctx context.Context, sessionID, actorCharacterID uuid.UUID,
	actionType model.ActionType, actionName string, targetCharacterID *uuid.UUID) (*ActionResult, error) {

	if actionType == model.ActionFlee {
		return e.AttemptFlee(ctx, sessionID, actorCharacterID)
	}

	var result *ActionResult
	err := e.locks.WithLock(ctx, sessionLock(sessionID), turnLockTTL, func(ctx context.Context) error {
		cs, participants, err := e.store.GetCombatSession(ctx, sessionID)
		if err != nil {
			return err
		}
		actor, err := e.checkTurn(ctx, cs, participants, actorCharacterID)
		if err != nil {
			return err
		}

		spec := specFor(actionType, actionName)
		cd := actionCooldowns[actionType]
		if last, ok := actor.ActionCooldowns[actionType]; ok && cd > 0 {
			if elapsed := e.now().Sub(last); elapsed < cd {
				return &ActionError{Code: CodeActionOnCooldown, RetryAfter: cd - elapsed}
			}
		}
		if actor.CurrentMP < spec.MPCost {
			return &ActionError{Code: CodeInsufficientMP}
		}
		target, err := resolveTarget(actor, participants, actionType, targetCharacterID)
		if err != nil {
			return err
		}

		var o outcome
		var affinityName string
		switch actionType {
		case model.ActionAttack:
			affinityName = e.weaponAffinity(ctx, actor)
			o = e.resolveAttack(ctx, actor, target, affinityName)
		case model.ActionSpecial:
			affinityName = e.weaponAffinity(ctx, actor)
			o = e.resolveSpecial(ctx, actor, target, spec, affinityName)
		case model.ActionSpell:
			affinityName = spec.Affinity
			if affinityName == "" {
				affinityName = defaultMagicAffinity
			}
			o = e.resolveSpell(ctx, actor, target, spec, affinityName)
		case model.ActionHeal:
			o = e.resolveHeal(actor, target, spec)
		case model.ActionDefend:
			o = e.resolveDefend(actor)
		case model.ActionItem:
			o = e.resolveItem(actor)
		default:
			return &ActionError{Code: CodeInvalidTarget}
		}

		result, err = e.applyAndCommit(ctx, cs, participants, actor, target, actionType, actionName, o)
		if err != nil {
			return err
		}
		e.awardAffinityXP(ctx, actor, affinityName, o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.afterAction(ctx, sessionID, result)
	return result, nil
}

// AttemptFlee resolves a flee attempt: 75% to leave the fight, failure
// consumes the turn.
func (e *Engine) AttemptFlee(ctx context.Context, sessionID, actorCharacterID uuid.UUID) (*ActionResult, error) {
	var result *ActionResult
	var fledCharacter *uuid.UUID
	err := e.locks.WithLock(ctx, sessionLock(sessionID), turnLockTTL, func(ctx context.Context) error {
		cs, participants, err := e.store.GetCombatSession(ctx, sessionID)
		if err != nil {
			return err
		}
		actor, err := e.checkTurn(ctx, cs, participants, actorCharacterID)
		if err != nil {
			return err
		}

		o := outcome{}
		if e.roller.Chance(fleeChance) {
			actor.Status = model.Fled
			o.Description = actor.Name + " flees the battle"
			if actor.Type == model.ParticipantPlayer {
				id := actor.CharacterID
				fledCharacter = &id
			}
		} else {
			o.Description = actor.Name + " fails to escape"
		}

		result, err = e.applyAndCommit(ctx, cs, participants, actor, nil, model.ActionFlee, "", o)
		return err
	})
	if err != nil {
		return nil, err
	}

	if fledCharacter != nil {
		if err := e.store.UpdateCharacterStatus(ctx, *fledCharacter, model.StatusNormal); err != nil {
			e.logger.Warn("failed to restore fled character",
				zap.String("character_id", fledCharacter.String()), zap.Error(err))
		}
	}
	e.afterAction(ctx, sessionID, result)
	return result, nil
}

// checkTurn runs preconditions 1-4: session live, actor present and alive,
// actor's turn, action window open.
func (e *Engine) checkTurn(ctx context.Context, cs *model.CombatSession,
	participants []*model.CombatParticipant, actorCharacterID uuid.UUID) (*model.CombatParticipant, error) {

	if cs.Status != model.CombatActive {
		return nil, &ActionError{Code: CodeCombatEnded}
	}
	actor := findByCharacter(participants, actorCharacterID)
	if actor == nil {
		return nil, &ActionError{Code: CodeNotParticipant}
	}
	if actor.Status != model.Alive {
		return nil, &ActionError{Code: CodeParticipantDead}
	}
	if cs.CurrentTurn >= len(cs.TurnOrder) || cs.TurnOrder[cs.CurrentTurn] != actor.ID {
		return nil, &ActionError{Code: CodeNotYourTurn}
	}

	res, err := e.limits.CheckProfile(ctx, ratelimit.CombatAction, actor.ID.String())
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return nil, &ActionError{Code: CodeActionOnCooldown, RetryAfter: res.RetryAfter}
	}
	return actor, nil
}

// resolveTarget runs precondition 7.
func resolveTarget(actor *model.CombatParticipant, participants []*model.CombatParticipant,
	actionType model.ActionType, targetCharacterID *uuid.UUID) (*model.CombatParticipant, error) {

	switch actionType {
	case model.ActionAttack, model.ActionSpell, model.ActionSpecial:
		if targetCharacterID == nil {
			return nil, &ActionError{Code: CodeInvalidTarget}
		}
		target := findByCharacter(participants, *targetCharacterID)
		if target == nil || target.Status != model.Alive || target.Side == actor.Side {
			return nil, &ActionError{Code: CodeInvalidTarget}
		}
		return target, nil
	case model.ActionHeal:
		if targetCharacterID == nil {
			return actor, nil
		}
		target := findByCharacter(participants, *targetCharacterID)
		if target == nil || target.Status != model.Alive || target.Side != actor.Side {
			return nil, &ActionError{Code: CodeInvalidTarget}
		}
		return target, nil
	default:
		return nil, nil
	}
}

// applyAndCommit writes the outcome into the participants, ticks the actor's
// effects, detects termination, advances the turn, and commits everything in
// one transaction.
func (e *Engine) applyAndCommit(ctx context.Context, cs *model.CombatSession,
	participants []*model.CombatParticipant, actor, target *model.CombatParticipant,
	actionType model.ActionType, actionName string, o outcome) (*ActionResult, error) {

	now := e.now()
	if target != nil && o.Damage > 0 {
		target.CurrentHP -= o.Damage
		target.DamageTaken += int64(o.Damage)
		if target.CurrentHP <= 0 {
			target.CurrentHP = 0
			target.Status = model.Dead
		}
		actor.DamageDealt += int64(o.Damage)
	}
	if o.Healing > 0 {
		healTarget := target
		if healTarget == nil {
			healTarget = actor
		}
		healTarget.CurrentHP += o.Healing
		if healTarget.CurrentHP > healTarget.MaxHP {
			healTarget.CurrentHP = healTarget.MaxHP
		}
	}
	actor.CurrentMP -= o.MPCost
	actor.ActionsUsed++
	if actor.ActionCooldowns == nil {
		actor.ActionCooldowns = map[model.ActionType]time.Time{}
	}
	actor.ActionCooldowns[actionType] = now

	tick := tickEffects(actor)

	status, winner := detectTermination(cs, participants)
	currentTurn, turnNumber := cs.CurrentTurn, cs.TurnNumber
	if status == model.CombatActive {
		currentTurn, turnNumber = advanceTurn(cs, participants)
	}

	var targetCharID *uuid.UUID
	var logTargetID *uuid.UUID
	if target != nil {
		id := target.CharacterID
		targetCharID = &id
		logTargetID = &target.ID
	}
	var endedAt *time.Time
	if status == model.CombatEnded {
		endedAt = &now
	}

	mutation := &store.ActionMutation{
		SessionID:    cs.ID,
		Participants: changedParticipants(actor, target),
		Log: &model.CombatActionLog{
			SessionID:           cs.ID,
			ActorID:             actor.ID,
			TargetID:            logTargetID,
			ActionType:          actionType,
			ActionName:          actionName,
			Damage:              o.Damage,
			Healing:             o.Healing,
			MPCost:              o.MPCost,
			IsCritical:          o.IsCritical,
			IsBlocked:           o.IsBlocked,
			IsMissed:            o.IsMissed,
			StatusEffectApplied: o.EffectApplied,
			Description:         o.Description,
			TurnNumber:          cs.TurnNumber,
		},
		CurrentTurn: currentTurn,
		TurnNumber:  turnNumber,
		Status:      status,
		WinnerSide:  winner,
		EndedAt:     endedAt,
	}
	if err := e.store.ApplyCombatAction(ctx, mutation); err != nil {
		return nil, err
	}

	result := &ActionResult{
		SessionID:     cs.ID,
		ActorID:       actor.CharacterID,
		TargetID:      targetCharID,
		ActionType:    actionType,
		ActionName:    actionName,
		Damage:        o.Damage,
		Healing:       o.Healing,
		MPCost:        o.MPCost,
		IsCritical:    o.IsCritical,
		IsBlocked:     o.IsBlocked,
		IsMissed:      o.IsMissed,
		EffectApplied: o.EffectApplied,
		EffectTick:    tick,
		Description:   o.Description,
		TurnNumber:    turnNumber,
		SessionStatus: status,
		WinnerSide:    winner,
	}
	if status == model.CombatActive {
		if next := findByID(participants, cs.TurnOrder[currentTurn]); next != nil {
			id := next.CharacterID
			result.NextActorID = &id
		}
	}
	return result, nil
}

// afterAction broadcasts the resolved action and, on termination, hands the
// session to reward distribution.
func (e *Engine) afterAction(ctx context.Context, sessionID uuid.UUID, result *ActionResult) {
	if result == nil {
		return
	}
	if err := e.bus.Publish(ctx, combatRoom(sessionID), "combat:update", result); err != nil {
		e.logger.Warn("failed to publish combat update",
			zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	if result.SessionStatus == model.CombatEnded {
		e.distributeRewards(ctx, sessionID)
	}
}

// detectTermination reports the session state after the current action: when
// one side has no alive participants the fight ends and the other side wins.
// Both sides empty is a draw with no winner.
func detectTermination(cs *model.CombatSession, participants []*model.CombatParticipant) (model.CombatStatus, string) {
	aliveAttackers, aliveDefenders := 0, 0
	for _, p := range participants {
		if p.Status != model.Alive {
			continue
		}
		switch p.Side {
		case model.SideAttackers:
			aliveAttackers++
		case model.SideDefenders:
			aliveDefenders++
		}
	}
	switch {
	case aliveAttackers > 0 && aliveDefenders > 0:
		return model.CombatActive, ""
	case aliveAttackers > 0:
		return model.CombatEnded, string(model.SideAttackers)
	case aliveDefenders > 0:
		return model.CombatEnded, string(model.SideDefenders)
	default:
		return model.CombatEnded, ""
	}
}

// advanceTurn walks turn_order to the next alive participant, wrapping and
// incrementing turn_number when it passes the end.
func advanceTurn(cs *model.CombatSession, participants []*model.CombatParticipant) (int, int) {
	turn, number := cs.CurrentTurn, cs.TurnNumber
	for i := 0; i < len(cs.TurnOrder); i++ {
		turn++
		if turn >= len(cs.TurnOrder) {
			turn = 0
			number++
		}
		p := findByID(participants, cs.TurnOrder[turn])
		if p != nil && p.Status == model.Alive {
			return turn, number
		}
	}
	return cs.CurrentTurn, cs.TurnNumber
}

func changedParticipants(actor, target *model.CombatParticipant) []*model.CombatParticipant {
	if target == nil || target == actor {
		return []*model.CombatParticipant{actor}
	}
	return []*model.CombatParticipant{actor, target}
}

func findByCharacter(participants []*model.CombatParticipant, characterID uuid.UUID) *model.CombatParticipant {
	for _, p := range participants {
		if p.CharacterID == characterID {
			return p
		}
	}
	return nil
}

func findByID(participants []*model.CombatParticipant, id uuid.UUID) *model.CombatParticipant {
	for _, p := range participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

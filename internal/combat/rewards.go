package combat

import (
	"context"
	"math/big"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realmd/internal/model"
)

// Per-level reward coefficients. Rewards scale with the defeated side's
// total levels.
const (
	expPerLoserLevel  = 50
	goldPerLoserLevel = 10
)

// distributeRewards hands out experience and gold after termination. The
// reward lock plus the rewards_distributed claim make distribution
// at-most-once even when two replicas observe the same ending.
func (e *Engine) distributeRewards(ctx context.Context, sessionID uuid.UUID) {
	err := e.locks.WithLock(ctx, rewardLock(sessionID), rewardLockTTL, func(ctx context.Context) error {
		won, err := e.store.ClaimRewardDistribution(ctx, sessionID)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}

		cs, participants, err := e.store.GetCombatSession(ctx, sessionID)
		if err != nil {
			return err
		}

		experience, gold := computeRewards(cs.WinnerSide, participants)
		if err := e.store.SetCombatRewards(ctx, sessionID, experience, gold); err != nil {
			return err
		}

		for _, p := range participants {
			if p.Type != model.ParticipantPlayer || p.Status != model.Alive ||
				string(p.Side) != cs.WinnerSide {
				continue
			}
			if experience > 0 {
				if _, err := e.progression.Award(ctx, p.CharacterID,
					big.NewInt(experience), model.SourceCombat, "combat "+sessionID.String()); err != nil {
					e.logger.Error("failed to award combat experience",
						zap.String("character_id", p.CharacterID.String()), zap.Error(err))
				}
			}
			if gold > 0 {
				if err := e.store.AddCharacterGold(ctx, p.CharacterID, gold); err != nil {
					e.logger.Error("failed to award combat gold",
						zap.String("character_id", p.CharacterID.String()), zap.Error(err))
				}
			}
		}

		e.restorePlayers(ctx, participants)

		end := map[string]any{
			"session_id":        sessionID,
			"status":            model.CombatEnded,
			"winner_side":       cs.WinnerSide,
			"experience_reward": experience,
			"gold_reward":       gold,
		}
		if err := e.bus.Publish(ctx, combatRoom(sessionID), "combat:end", end); err != nil {
			e.logger.Warn("failed to publish combat end",
				zap.String("session_id", sessionID.String()), zap.Error(err))
		}
		e.logger.Info("combat rewards distributed",
			zap.String("session_id", sessionID.String()),
			zap.String("winner_side", cs.WinnerSide),
			zap.Int64("experience", experience),
			zap.Int64("gold", gold))
		return nil
	})
	if err != nil {
		e.logger.Error("reward distribution failed",
			zap.String("session_id", sessionID.String()), zap.Error(err))
	}
}

// computeRewards sums the losing side's levels. A draw pays nothing.
func computeRewards(winnerSide string, participants []*model.CombatParticipant) (int64, int64) {
	if winnerSide == "" {
		return 0, 0
	}
	var loserLevels int64
	for _, p := range participants {
		if string(p.Side) != winnerSide && p.Side != model.SideNeutral {
			loserLevels += int64(p.Level)
		}
	}
	return loserLevels * expPerLoserLevel, loserLevels * goldPerLoserLevel
}

package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"realmd/internal/combat"
	"realmd/internal/model"
	"realmd/internal/store"
)

// Monster names cycle by level band for generated PVE encounters.
var monsterNames = []string{"Gnarled Wolf", "Cave Ghoul", "Bog Lurker", "Ridge Wyvern", "Hollow Knight"}

func (g *Gateway) handleCombatStart(w http.ResponseWriter, r *http.Request) {
	_, characterID, err := g.selectedCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req struct {
		SessionType model.CombatType `json:"session_type"`
		TargetID    *uuid.UUID       `json:"target_id,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.validationError(w, r, "malformed request body", nil)
		return
	}

	var opponents []combat.Opponent
	switch req.SessionType {
	case model.CombatPVP, model.CombatDuel:
		if req.TargetID == nil {
			g.validationError(w, r, "target_id is required for player combat",
				map[string]any{"field": "target_id"})
			return
		}
		target, err := g.characters.GetCharacter(r.Context(), *req.TargetID)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		opponents = append(opponents, combat.Opponent{
			CharacterID: &target.ID,
			Type:        model.ParticipantPlayer,
			Name:        target.Name,
			Level:       target.Level,
			Stats:       target.Stats,
			MaxHP:       target.MaxHP,
			MaxMP:       target.MaxMP,
		})
	case model.CombatPVE:
		initiator, err := g.characters.GetCharacter(r.Context(), characterID)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		opponents = append(opponents, scaledMonster(initiator.Level))
	default:
		g.validationError(w, r, "unknown session type", map[string]any{"field": "session_type"})
		return
	}

	session, err := g.combat.StartEncounter(r.Context(), characterID, req.SessionType, opponents)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// scaledMonster builds a deterministic stat-driven opponent near the
// initiator's level.
func scaledMonster(level int) combat.Opponent {
	if level < 1 {
		level = 1
	}
	name := monsterNames[(level/5)%len(monsterNames)]
	stat := 8 + level*2
	return combat.Opponent{
		Type:  model.ParticipantMonster,
		Name:  fmt.Sprintf("%s (level %d)", name, level),
		Level: level,
		Stats: model.Stats{
			Strength:     stat,
			Vitality:     stat - 2,
			Dexterity:    stat - 1,
			Intelligence: stat / 2,
			Wisdom:       stat / 2,
		},
		MaxHP: 40 + level*12,
		MaxMP: 10 + level*4,
	}
}

func (g *Gateway) handleCombatActive(w http.ResponseWriter, r *http.Request) {
	_, characterID, err := g.selectedCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	session, err := g.combat.ActiveForCharacter(r.Context(), characterID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "session": session})
}

func (g *Gateway) handleCombatGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		g.writeError(w, r, errInvalidID)
		return
	}
	session, err := g.combat.GetSession(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (g *Gateway) handleCombatStatistics(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		g.writeError(w, r, errInvalidID)
		return
	}
	stats, err := g.combat.Statistics(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statistics": stats})
}

func (g *Gateway) handleCombatAction(w http.ResponseWriter, r *http.Request) {
	_, characterID, err := g.selectedCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		g.writeError(w, r, errInvalidID)
		return
	}
	var req struct {
		ActionType model.ActionType `json:"action_type"`
		ActionName string           `json:"action_name,omitempty"`
		TargetID   *uuid.UUID       `json:"target_id,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.validationError(w, r, "malformed request body", nil)
		return
	}

	result, err := g.combat.PerformAction(r.Context(), sessionID, characterID,
		req.ActionType, req.ActionName, req.TargetID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) handleCombatFlee(w http.ResponseWriter, r *http.Request) {
	_, characterID, err := g.selectedCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		g.writeError(w, r, errInvalidID)
		return
	}
	result, err := g.combat.AttemptFlee(r.Context(), sessionID, characterID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) handleCombatEnd(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		g.writeError(w, r, errInvalidID)
		return
	}
	if err := g.combat.EndEncounter(r.Context(), id); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ended": true})
}

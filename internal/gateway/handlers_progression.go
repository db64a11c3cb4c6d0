package gateway

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"realmd/internal/model"
	"realmd/internal/progression"
)

func (g *Gateway) pathCharacter(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "characterID"))
	if err != nil {
		return uuid.Nil, errInvalidID
	}
	return id, nil
}

func (g *Gateway) handleProgressionGet(w http.ResponseWriter, r *http.Request) {
	id, err := g.pathCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	progress, err := g.progression.Get(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (g *Gateway) handleProgressionStats(w http.ResponseWriter, r *http.Request) {
	id, err := g.pathCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	stats, err := g.progression.GetStats(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handleExperienceHistory(w http.ResponseWriter, r *http.Request) {
	id, err := g.pathCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	limit, offset := pagination(r)
	entries, err := g.progression.ExperienceHistory(r.Context(), id, limit, offset)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"amount":         e.Amount.String(),
			"source":         e.Source,
			"source_details": e.SourceDetails,
			"created_at":     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (g *Gateway) handleLevelHistory(w http.ResponseWriter, r *http.Request) {
	id, err := g.pathCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	limit, offset := pagination(r)
	entries, err := g.progression.LevelHistory(r.Context(), id, limit, offset)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"level":              e.Level,
			"stat_points_gained": e.StatPointsGained,
			"phase_name":         e.PhaseName,
			"created_at":         e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (g *Gateway) handleProgressionAward(w http.ResponseWriter, r *http.Request) {
	id, err := g.pathCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req struct {
		Amount        string                 `json:"amount"`
		Source        model.ExperienceSource `json:"source"`
		SourceDetails string                 `json:"source_details,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.validationError(w, r, "malformed request body", nil)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		g.validationError(w, r, "amount must be a base-10 integer", map[string]any{"field": "amount"})
		return
	}
	if !model.ValidExperienceSource(req.Source) {
		g.validationError(w, r, "unknown experience source", map[string]any{"field": "source"})
		return
	}

	result, err := g.progression.Award(r.Context(), id, amount, req.Source, req.SourceDetails)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"character_id":      result.CharacterID,
		"amount_applied":    result.AmountApplied.String(),
		"level_before":      result.LevelBefore,
		"level_after":       result.LevelAfter,
		"levels_gained":     result.LevelsGained,
		"stat_points_added": result.StatPointsAdded,
		"phase_changed":     result.PhaseChanged,
		"new_phase":         result.NewPhase,
		"milestones_hit":    result.MilestonesHit,
		"experience":        result.Experience.String(),
		"next_level_exp":    result.NextLevelExp.String(),
	})
}

func (g *Gateway) handleCurve(w http.ResponseWriter, r *http.Request) {
	from, err1 := strconv.Atoi(r.URL.Query().Get("from"))
	to, err2 := strconv.Atoi(r.URL.Query().Get("to"))
	if err1 != nil || err2 != nil {
		g.validationError(w, r, "from and to must be integers", nil)
		return
	}
	points, err := g.progression.Curve(from, to)
	if err != nil {
		g.validationError(w, r, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"curve": points})
}

func (g *Gateway) handlePhases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"phases": progression.Phases})
}

func (g *Gateway) handleLevelForExperience(w http.ResponseWriter, r *http.Request) {
	total, ok := new(big.Int).SetString(r.URL.Query().Get("experience"), 10)
	if !ok || total.Sign() < 0 {
		g.validationError(w, r, "experience must be a non-negative base-10 integer",
			map[string]any{"field": "experience"})
		return
	}
	level, remainder := progression.LevelForExperience(total)
	writeJSON(w, http.StatusOK, map[string]any{
		"level":          level,
		"into_level":     remainder.String(),
		"next_level_exp": progression.ExpForLevel(level).String(),
		"total_to_reach": progression.TotalExpToReach(level).String(),
	})
}

// =============================================================================
// AFFINITIES
// =============================================================================

func (g *Gateway) handleAffinityAll(w http.ResponseWriter, r *http.Request) {
	all, err := g.affinity.All(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"affinities": all})
}

func (g *Gateway) handleAffinityList(w http.ResponseWriter, r *http.Request) {
	id, err := g.pathCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	tracks, err := g.affinity.List(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": tracks})
}

func (g *Gateway) handleAffinityGet(w http.ResponseWriter, r *http.Request) {
	id, err := g.pathCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	track, err := g.affinity.Get(r.Context(), id, chi.URLParam(r, "name"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, track)
}

func (g *Gateway) handleAffinityBonus(w http.ResponseWriter, r *http.Request) {
	id, err := g.pathCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	bonus, err := g.affinity.Bonus(r.Context(), id, chi.URLParam(r, "name"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": chi.URLParam(r, "name"), "bonus_bp": bonus})
}

func (g *Gateway) handleAffinitySummary(w http.ResponseWriter, r *http.Request) {
	id, err := g.pathCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	summary, err := g.affinity.GetSummary(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

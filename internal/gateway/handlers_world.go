package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"realmd/internal/model"
)

func (g *Gateway) handleGetZone(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		g.writeError(w, r, errInvalidID)
		return
	}
	view, err := g.zones.Get(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	occupants, err := g.zones.GetOccupants(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"zone":      view.Zone,
		"exits":     view.Exits,
		"occupants": occupants,
	})
}

func (g *Gateway) handleMove(w http.ResponseWriter, r *http.Request) {
	claims, characterID, err := g.selectedCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req struct {
		Direction model.Direction `json:"direction"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.validationError(w, r, "malformed request body", nil)
		return
	}
	if !model.ValidDirection(req.Direction) {
		g.validationError(w, r, "unknown direction", map[string]any{"field": "direction"})
		return
	}

	moved, err := g.movement.Move(r.Context(), claims.AccountID, characterID, req.Direction)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, moved)
}

func (g *Gateway) handleLook(w http.ResponseWriter, r *http.Request) {
	_, characterID, err := g.selectedCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	direction := model.Direction(r.URL.Query().Get("direction"))
	if !model.ValidDirection(direction) {
		g.validationError(w, r, "unknown direction", map[string]any{"field": "direction"})
		return
	}
	preview, err := g.zones.Look(r.Context(), characterID, direction)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (g *Gateway) handleLocation(w http.ResponseWriter, r *http.Request) {
	characterID, err := g.queriedCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	loc, err := g.movement.Location(r.Context(), characterID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"character_id":      loc.CharacterID,
		"zone_id":           loc.ZoneID,
		"x":                 loc.X,
		"y":                 loc.Y,
		"last_movement":     loc.LastMovement,
		"total_moves":       loc.TotalMoves,
		"distance_traveled": loc.DistanceTraveled,
		"zones_visited":     len(loc.ZonesVisited),
	})
}

func (g *Gateway) handleMovementHistory(w http.ResponseWriter, r *http.Request) {
	characterID, err := g.queriedCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	limit, offset := pagination(r)
	entries, err := g.movement.History(r.Context(), characterID, limit, offset)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"from_zone_id":   e.FromZoneID,
			"to_zone_id":     e.ToZoneID,
			"direction":      e.Direction,
			"movement_type":  e.MovementType,
			"travel_time_ms": e.TravelTimeMS,
			"created_at":     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (g *Gateway) handleTeleport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CharacterID uuid.UUID `json:"character_id"`
		ZoneID      uuid.UUID `json:"zone_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.validationError(w, r, "malformed request body", nil)
		return
	}
	moved, err := g.movement.Teleport(r.Context(), req.CharacterID, req.ZoneID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, moved)
}

// queriedCharacter resolves the character_id query parameter, defaulting to
// the session's selected character. Reading another account's character
// requires a moderator role.
func (g *Gateway) queriedCharacter(r *http.Request) (uuid.UUID, error) {
	claims := claimsFrom(r.Context())
	raw := r.URL.Query().Get("character_id")
	if raw == "" {
		_, characterID, err := g.selectedCharacter(r)
		return characterID, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errInvalidID
	}
	c, err := g.characters.GetCharacter(r.Context(), id)
	if err != nil {
		return uuid.Nil, err
	}
	if c.AccountID != claims.AccountID &&
		claims.Role != model.RoleModerator && claims.Role != model.RoleAdmin {
		return uuid.Nil, errForbidden
	}
	return id, nil
}

package gateway

import (
	"math/big"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"realmd/internal/model"
	"realmd/internal/progression"
)

const maxCharactersPerAccount = 5

// statBase is the attribute floor race modifiers are applied to.
const statBase = 10

var characterNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{2,19}$`)

// characterView is the wire shape of a character.
func characterView(c *model.Character) map[string]any {
	return map[string]any{
		"id":                    c.ID,
		"account_id":            c.AccountID,
		"race_id":               c.RaceID,
		"name":                  c.Name,
		"gender":                c.Gender,
		"level":                 c.Level,
		"experience":            c.Experience.String(),
		"next_level_exp":        c.NextLevelExp.String(),
		"status":                c.Status,
		"stats":                 c.Stats,
		"hp":                    c.HP,
		"max_hp":                c.MaxHP,
		"mp":                    c.MP,
		"max_mp":                c.MaxMP,
		"current_zone_id":       c.CurrentZoneID,
		"gold":                  c.Gold,
		"titles":                c.Titles,
		"active_title":          c.ActiveTitle,
		"available_stat_points": c.AvailableStatPoints,
		"created_at":            c.CreatedAt,
	}
}

func (g *Gateway) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	var req struct {
		RaceID uuid.UUID `json:"race_id"`
		Name   string    `json:"name"`
		Gender string    `json:"gender"`
	}
	if err := decodeBody(r, &req); err != nil {
		g.validationError(w, r, "malformed request body", nil)
		return
	}
	if !characterNamePattern.MatchString(req.Name) {
		g.validationError(w, r, "character name must be 3-20 characters starting with a letter",
			map[string]any{"field": "name"})
		return
	}

	count, err := g.characters.CountCharacters(r.Context(), claims.AccountID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if count >= maxCharactersPerAccount {
		g.validationError(w, r, "character limit reached",
			map[string]any{"max_characters": maxCharactersPerAccount})
		return
	}

	race, err := g.characters.GetRace(r.Context(), req.RaceID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	c := &model.Character{
		ID:        uuid.New(),
		AccountID: claims.AccountID,
		RaceID:    race.ID,
		Name:      req.Name,
		Gender:    req.Gender,
		Level:     1,
		Status:    model.StatusNormal,
		Stats: model.Stats{
			Strength:     statBase + race.StatModifiers.Strength,
			Vitality:     statBase + race.StatModifiers.Vitality,
			Dexterity:    statBase + race.StatModifiers.Dexterity,
			Intelligence: statBase + race.StatModifiers.Intelligence,
			Wisdom:       statBase + race.StatModifiers.Wisdom,
		},
		HP:            race.StartingHP,
		MaxHP:         race.StartingHP,
		MP:            race.StartingMP,
		MaxMP:         race.StartingMP,
		CurrentZoneID: race.StartingZoneID,
		Gold:          int64(race.StartingGold),
		Experience:    new(big.Int),
		NextLevelExp:  progression.ExpForLevel(1),
	}
	if err := g.characters.CreateCharacter(r.Context(), c); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, characterView(c))
}

func (g *Gateway) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	chars, err := g.characters.ListCharacters(r.Context(), claims.AccountID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(chars))
	for _, c := range chars {
		views = append(views, characterView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"characters": views})
}

func (g *Gateway) handleGetCharacter(w http.ResponseWriter, r *http.Request) {
	c, err := g.ownedCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, characterView(c))
}

func (g *Gateway) handleSelectCharacter(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	c, err := g.ownedCharacter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if err := g.sessions.SetCharacter(r.Context(), claims.SessionID, c.ID); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, characterView(c))
}

func (g *Gateway) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		g.validationError(w, r, "invalid character id", nil)
		return
	}
	if err := g.characters.SoftDeleteCharacter(r.Context(), id, claims.AccountID); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (g *Gateway) handleListRaces(w http.ResponseWriter, r *http.Request) {
	races, err := g.characters.ListRaces(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"races": races})
}

func (g *Gateway) handleNameAvailable(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if !characterNamePattern.MatchString(name) {
		g.validationError(w, r, "character name must be 3-20 characters starting with a letter",
			map[string]any{"field": "name"})
		return
	}
	available, err := g.characters.CharacterNameAvailable(r.Context(), name)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "available": available})
}

// ownedCharacter loads the path character and enforces account ownership.
func (g *Gateway) ownedCharacter(r *http.Request) (*model.Character, error) {
	claims := claimsFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return nil, errInvalidID
	}
	c, err := g.characters.GetCharacter(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if c.AccountID != claims.AccountID {
		return nil, errForbidden
	}
	return c, nil
}

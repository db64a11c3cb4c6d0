// Package gateway is the outer surface of the server: the HTTP API, the
// websocket hub, and the middleware that stitches requests to the engines.
// Handlers validate and translate; all game semantics live in the engines.
package gateway

import (
	"context"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"realmd/internal/affinity"
	"realmd/internal/auth"
	"realmd/internal/combat"
	"realmd/internal/model"
	"realmd/internal/movement"
	"realmd/internal/progression"
	"realmd/internal/ratelimit"
	"realmd/internal/store"
	"realmd/internal/zone"
)

// AuthService is the identity surface the gateway drives.
type AuthService interface {
	Register(ctx context.Context, email, username, password string) (*model.Account, error)
	SignIn(ctx context.Context, identifier, password string, metadata map[string]string) (*auth.SignInResult, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.RefreshResult, error)
	SignOut(ctx context.Context, accessToken string) error
	Authenticate(ctx context.Context, token string) (*auth.AccessClaims, error)
	ForgotPassword(ctx context.Context, identifier string) (string, error)
	ResetPassword(ctx context.Context, token, newPassword string) error
}

// SessionStore binds sessions to selected characters.
type SessionStore interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	SetCharacter(ctx context.Context, id string, characterID uuid.UUID) error
}

// CharacterStore is the character and race catalogue surface.
type CharacterStore interface {
	ListRaces(ctx context.Context) ([]*model.Race, error)
	GetRace(ctx context.Context, id uuid.UUID) (*model.Race, error)
	CreateCharacter(ctx context.Context, c *model.Character) error
	GetCharacter(ctx context.Context, id uuid.UUID) (*model.Character, error)
	ListCharacters(ctx context.Context, accountID uuid.UUID) ([]*model.Character, error)
	CountCharacters(ctx context.Context, accountID uuid.UUID) (int, error)
	CharacterNameAvailable(ctx context.Context, name string) (bool, error)
	SoftDeleteCharacter(ctx context.Context, id, accountID uuid.UUID) error
	GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error)
}

// ZoneService answers zone reads.
type ZoneService interface {
	Get(ctx context.Context, id uuid.UUID) (*zone.View, error)
	GetOccupants(ctx context.Context, zoneID uuid.UUID) ([]store.Occupant, error)
	Look(ctx context.Context, characterID uuid.UUID, direction model.Direction) (*zone.Preview, error)
}

// MovementService mutates character location.
type MovementService interface {
	Move(ctx context.Context, accountID, characterID uuid.UUID, direction model.Direction) (*movement.Moved, error)
	Teleport(ctx context.Context, characterID, toZoneID uuid.UUID) (*movement.Moved, error)
	Location(ctx context.Context, characterID uuid.UUID) (*model.CharacterLocation, error)
	History(ctx context.Context, characterID uuid.UUID, limit, offset int) ([]*model.MovementLog, error)
}

// CombatService runs encounters.
type CombatService interface {
	StartEncounter(ctx context.Context, initiatorID uuid.UUID, ctype model.CombatType, opponents []combat.Opponent) (*combat.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*combat.Session, error)
	ActiveForCharacter(ctx context.Context, characterID uuid.UUID) (*combat.Session, error)
	Statistics(ctx context.Context, sessionID uuid.UUID) ([]store.ActionStatistics, error)
	EndEncounter(ctx context.Context, sessionID uuid.UUID) error
	PerformAction(ctx context.Context, sessionID, actorCharacterID uuid.UUID, actionType model.ActionType, actionName string, targetCharacterID *uuid.UUID) (*combat.ActionResult, error)
	AttemptFlee(ctx context.Context, sessionID, actorCharacterID uuid.UUID) (*combat.ActionResult, error)
}

// ProgressionService answers XP queries and applies admin awards.
type ProgressionService interface {
	Award(ctx context.Context, characterID uuid.UUID, amount *big.Int, source model.ExperienceSource, details string) (*progression.AwardResult, error)
	Get(ctx context.Context, characterID uuid.UUID) (*progression.Progress, error)
	GetStats(ctx context.Context, characterID uuid.UUID) (*progression.Stats, error)
	ExperienceHistory(ctx context.Context, characterID uuid.UUID, limit, offset int) ([]*model.ExperienceLog, error)
	LevelHistory(ctx context.Context, characterID uuid.UUID, limit, offset int) ([]*model.LevelUpLog, error)
	Curve(from, to int) ([]progression.CurvePoint, error)
}

// AffinityService answers proficiency queries and applies internal awards.
type AffinityService interface {
	Award(ctx context.Context, characterID uuid.UUID, name string, amount int64, source string) (*affinity.AwardResult, error)
	Get(ctx context.Context, characterID uuid.UUID, name string) (*affinity.TrackView, error)
	List(ctx context.Context, characterID uuid.UUID) ([]*affinity.TrackView, error)
	All(ctx context.Context) ([]*model.Affinity, error)
	Bonus(ctx context.Context, characterID uuid.UUID, name string) (int, error)
	GetSummary(ctx context.Context, characterID uuid.UUID) (*affinity.Summary, error)
}

// Publisher is the bus surface the gateway publishes chat through.
type Publisher interface {
	Publish(ctx context.Context, room, event string, payload any) error
}

// RateLimiter throttles chat and websocket dispatch.
type RateLimiter interface {
	CheckProfile(ctx context.Context, p ratelimit.Profile, subject string) (ratelimit.Result, error)
}

// PresenceKV stores connection presence records.
type PresenceKV interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Gateway composes the HTTP API and the websocket hub.
type Gateway struct {
	auth        AuthService
	sessions    SessionStore
	characters  CharacterStore
	zones       ZoneService
	movement    MovementService
	combat      CombatService
	progression ProgressionService
	affinity    AffinityService
	bus         Publisher
	limits      RateLimiter
	presence    PresenceKV
	hub         *Hub
	logger      *zap.Logger
	presenceTTL time.Duration
	now         func() time.Time
}

// Config carries the collaborators the gateway composes over.
type Config struct {
	Auth        AuthService
	Sessions    SessionStore
	Characters  CharacterStore
	Zones       ZoneService
	Movement    MovementService
	Combat      CombatService
	Progression ProgressionService
	Affinity    AffinityService
	Bus         Publisher
	Limits      RateLimiter
	Presence    PresenceKV
	PresenceTTL time.Duration
	Logger      *zap.Logger
}

// New builds the gateway and its hub. Run the hub before serving.
func New(cfg Config) *Gateway {
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = time.Hour
	}
	return &Gateway{
		auth:        cfg.Auth,
		sessions:    cfg.Sessions,
		characters:  cfg.Characters,
		zones:       cfg.Zones,
		movement:    cfg.Movement,
		combat:      cfg.Combat,
		progression: cfg.Progression,
		affinity:    cfg.Affinity,
		bus:         cfg.Bus,
		limits:      cfg.Limits,
		presence:    cfg.Presence,
		hub:         NewHub(cfg.Logger),
		logger:      cfg.Logger,
		presenceTTL: cfg.PresenceTTL,
		now:         time.Now,
	}
}

// Hub exposes the hub for the serve loop (bus fan-in, lifecycle).
func (g *Gateway) Hub() *Hub { return g.hub }

// Router assembles the chi route tree.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", g.handleRegister)
			r.Post("/sign-in", g.handleSignIn)
			r.Post("/refresh", g.handleRefresh)
			r.Post("/forgot-password", g.handleForgotPassword)
			r.Post("/reset-password", g.handleResetPassword)
			r.Group(func(r chi.Router) {
				r.Use(g.requireAuth)
				r.Post("/sign-out", g.handleSignOut)
				r.Get("/me", g.handleMe)
				r.Get("/status", g.handleStatus)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(g.requireAuth)

			r.Route("/characters", func(r chi.Router) {
				r.Post("/", g.handleCreateCharacter)
				r.Get("/", g.handleListCharacters)
				r.Get("/races", g.handleListRaces)
				r.Get("/name-available", g.handleNameAvailable)
				r.Get("/{id}", g.handleGetCharacter)
				r.Post("/{id}/select", g.handleSelectCharacter)
				r.Delete("/{id}", g.handleDeleteCharacter)
			})

			r.Route("/zones", func(r chi.Router) {
				r.Get("/{id}", g.handleGetZone)
			})
			r.Route("/movement", func(r chi.Router) {
				r.Post("/move", g.handleMove)
				r.Get("/look", g.handleLook)
				r.Get("/location", g.handleLocation)
				r.Get("/history", g.handleMovementHistory)
				r.With(g.requireRole(model.RoleModerator, model.RoleAdmin)).
					Post("/teleport", g.handleTeleport)
			})

			r.Route("/combat", func(r chi.Router) {
				r.Post("/start", g.handleCombatStart)
				r.Get("/active", g.handleCombatActive)
				r.Get("/{id}", g.handleCombatGet)
				r.Get("/{id}/statistics", g.handleCombatStatistics)
				r.Post("/{id}/action", g.handleCombatAction)
				r.Post("/{id}/flee", g.handleCombatFlee)
				r.With(g.requireRole(model.RoleModerator, model.RoleAdmin)).
					Post("/{id}/end", g.handleCombatEnd)
			})

			r.Route("/progression", func(r chi.Router) {
				r.Get("/{characterID}", g.handleProgressionGet)
				r.Get("/{characterID}/stats", g.handleProgressionStats)
				r.Get("/{characterID}/experience-history", g.handleExperienceHistory)
				r.Get("/{characterID}/level-history", g.handleLevelHistory)
				r.Get("/curve", g.handleCurve)
				r.Get("/phases", g.handlePhases)
				r.Get("/level-for-experience", g.handleLevelForExperience)
				r.With(g.requireRole(model.RoleAdmin)).
					Post("/{characterID}/award", g.handleProgressionAward)
			})

			r.Route("/affinities", func(r chi.Router) {
				r.Get("/", g.handleAffinityAll)
				r.Get("/{characterID}/tracks", g.handleAffinityList)
				r.Get("/{characterID}/tracks/{name}", g.handleAffinityGet)
				r.Get("/{characterID}/bonus/{name}", g.handleAffinityBonus)
				r.Get("/{characterID}/summary", g.handleAffinitySummary)
			})
		})
	})

	r.Get("/ws", g.handleWebsocket)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type contextKey string

const claimsKey contextKey = "claims"

// requireAuth authenticates the bearer token and stashes the claims.
func (g *Gateway) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			g.writeError(w, r, auth.ErrInvalidToken)
			return
		}
		claims, err := g.auth.Authenticate(r.Context(), token)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole gates administrative routes.
func (g *Gateway) requireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFrom(r.Context())
			for _, role := range roles {
				if claims != nil && claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			g.writeError(w, r, errForbidden)
		})
	}
}

func claimsFrom(ctx context.Context) *auth.AccessClaims {
	claims, _ := ctx.Value(claimsKey).(*auth.AccessClaims)
	return claims
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

// pagination reads limit/offset query params with sane bounds.
func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

// selectedCharacter resolves the session's bound character, enforcing that
// one is selected.
func (g *Gateway) selectedCharacter(r *http.Request) (*auth.AccessClaims, uuid.UUID, error) {
	claims := claimsFrom(r.Context())
	if claims == nil {
		return nil, uuid.Nil, auth.ErrInvalidToken
	}
	sess, err := g.sessions.Get(r.Context(), claims.SessionID)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if sess == nil {
		return nil, uuid.Nil, auth.ErrInvalidToken
	}
	if sess.CharacterID == nil {
		return nil, uuid.Nil, errNoCharacterSelected
	}
	return claims, *sess.CharacterID, nil
}

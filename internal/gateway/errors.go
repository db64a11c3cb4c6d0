package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"realmd/internal/affinity"
	"realmd/internal/auth"
	"realmd/internal/combat"
	"realmd/internal/lock"
	"realmd/internal/movement"
	"realmd/internal/progression"
	"realmd/internal/ratelimit"
	"realmd/internal/store"
	"realmd/internal/zone"
)

// Wire error codes. Domain gates keep their own codes; everything else maps
// onto the generic taxonomy.
const (
	codeValidationFailed = "ValidationFailed"
	codeUnauthenticated  = "Unauthenticated"
	codeForbidden        = "Forbidden"
	codeNotFound         = "NotFound"
	codeConflict         = "Conflict"
	codeRateLimited      = "RateLimited"
	codeTransient        = "TransientDependencyError"
	codeInternal         = "Internal"
)

// apiError is the error half of the envelope every endpoint returns.
type apiError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// surface is an error flattened for the wire: HTTP status, stable code, a
// human message, and optional structured details.
type surface struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

// Gateway-local sentinels for failures that never reach an engine.
var (
	errForbidden           = errors.New("gateway: role lacks access")
	errNoCharacterSelected = errors.New("gateway: no character selected")
	errInvalidID           = errors.New("gateway: invalid id")
	errUnknownEvent        = errors.New("gateway: unknown event or malformed payload")
)

// mapError translates engine errors onto the wire taxonomy. Domain gates are
// expected outcomes; only unrecognized errors become Internal.
func mapError(err error) surface {
	var (
		locked        *auth.AccountLockedError
		authLimited   *auth.RateLimitedError
		affLimited    *affinity.RateLimitedError
		levelTooLow   *zone.LevelTooLowError
		moveRefused   *movement.MoveError
		actionRefused *combat.ActionError
	)

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return surface{http.StatusUnauthorized, "InvalidCredentials", "invalid credentials", nil}
	case errors.As(err, &locked):
		return surface{http.StatusLocked, "AccountLocked", "account temporarily locked",
			map[string]any{"locked_until": locked.Until}}
	case errors.Is(err, auth.ErrAccountSuspended):
		return surface{http.StatusForbidden, "AccountSuspended", "account suspended", nil}
	case errors.Is(err, auth.ErrEmailNotVerified):
		return surface{http.StatusForbidden, "EmailNotVerified", "email not verified", nil}
	case errors.Is(err, auth.ErrTokenExpired):
		return surface{http.StatusUnauthorized, "TokenExpired", "token expired", nil}
	case errors.Is(err, auth.ErrTokenReused):
		return surface{http.StatusUnauthorized, "TokenReused", "refresh token already used", nil}
	case errors.Is(err, auth.ErrInvalidToken):
		return surface{http.StatusUnauthorized, codeUnauthenticated, "invalid token", nil}
	case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, progression.ErrNegativeAward),
		errors.Is(err, affinity.ErrAmountTooLarge),
		errors.Is(err, combat.ErrNoOpponents):
		return surface{http.StatusBadRequest, codeValidationFailed, err.Error(), nil}
	case errors.As(err, &authLimited):
		return surface{http.StatusTooManyRequests, codeRateLimited, "too many attempts",
			map[string]any{"retry_after_ms": authLimited.RetryAfter.Milliseconds()}}
	case errors.As(err, &affLimited):
		return surface{http.StatusTooManyRequests, codeRateLimited, "award rate exceeded",
			map[string]any{"retry_after_ms": affLimited.RetryAfter.Milliseconds()}}
	case errors.Is(err, affinity.ErrUnknownAffinity):
		return surface{http.StatusNotFound, codeNotFound, "unknown affinity", nil}
	case errors.Is(err, movement.ErrNotOwner):
		return surface{http.StatusForbidden, codeForbidden, "character belongs to another account", nil}
	case errors.Is(err, errForbidden):
		return surface{http.StatusForbidden, codeForbidden, "insufficient role", nil}
	case errors.Is(err, errNoCharacterSelected):
		return surface{http.StatusUnprocessableEntity, "NoCharacterSelected", "select a character first", nil}
	case errors.Is(err, errInvalidID):
		return surface{http.StatusBadRequest, codeValidationFailed, "invalid id", nil}
	case errors.Is(err, errUnknownEvent):
		return surface{http.StatusBadRequest, codeValidationFailed, "unknown event or malformed payload", nil}
	case errors.As(err, &moveRefused):
		return mapMoveError(moveRefused)
	case errors.As(err, &actionRefused):
		return mapActionError(actionRefused)
	case errors.Is(err, combat.ErrAlreadyInCombat):
		return surface{http.StatusUnprocessableEntity, "AlreadyInCombat", "character is already in combat", nil}
	case errors.Is(err, zone.ErrNoExit):
		return surface{http.StatusUnprocessableEntity, "NoExit", "no exit in that direction", nil}
	case errors.Is(err, zone.ErrExitLocked):
		return surface{http.StatusUnprocessableEntity, "ExitLocked", "the way is locked", nil}
	case errors.As(err, &levelTooLow):
		return surface{http.StatusUnprocessableEntity, "LevelTooLow", err.Error(),
			map[string]any{"required_level": levelTooLow.Required}}
	case errors.Is(err, store.ErrNotFound):
		return surface{http.StatusNotFound, codeNotFound, "not found", nil}
	case errors.Is(err, store.ErrDuplicate):
		return surface{http.StatusConflict, codeConflict, "already exists", nil}
	case errors.Is(err, lock.ErrNotAcquired):
		return surface{http.StatusServiceUnavailable, codeTransient, "resource busy, retry shortly", nil}
	case errors.Is(err, ratelimit.ErrUnavailable):
		return surface{http.StatusServiceUnavailable, codeTransient, "limiter unavailable, retry shortly", nil}
	default:
		return surface{http.StatusInternalServerError, codeInternal, "internal error", nil}
	}
}

// mapMoveError keeps the movement gate vocabulary on the wire. Cooldowns are
// limiter denials and surface as RateLimited.
func mapMoveError(e *movement.MoveError) surface {
	switch e.Code {
	case movement.CodeBusy:
		return surface{http.StatusUnprocessableEntity, "Busy", "character cannot move right now", nil}
	case movement.CodeNoExit:
		return surface{http.StatusUnprocessableEntity, "NoExit", "no exit in that direction", nil}
	case movement.CodeExitLocked:
		return surface{http.StatusUnprocessableEntity, "ExitLocked", "the way is locked", nil}
	case movement.CodeLevelTooLow:
		return surface{http.StatusUnprocessableEntity, "LevelTooLow", e.Error(),
			map[string]any{"required_level": e.Required}}
	case movement.CodeMissingItem:
		return surface{http.StatusUnprocessableEntity, "MissingItem", e.Error(),
			map[string]any{"item": e.Item}}
	case movement.CodeCooldown:
		return surface{http.StatusTooManyRequests, codeRateLimited, "moving too fast",
			map[string]any{"retry_after_ms": e.RetryAfter.Milliseconds()}}
	default:
		return surface{http.StatusInternalServerError, codeInternal, "internal error", nil}
	}
}

func mapActionError(e *combat.ActionError) surface {
	switch e.Code {
	case combat.CodeCombatEnded:
		return surface{http.StatusUnprocessableEntity, "CombatEnded", "combat has ended", nil}
	case combat.CodeNotParticipant:
		return surface{http.StatusForbidden, codeForbidden, "not a participant in this combat", nil}
	case combat.CodeParticipantDead:
		return surface{http.StatusUnprocessableEntity, "ParticipantDead", "dead participants cannot act", nil}
	case combat.CodeNotYourTurn:
		return surface{http.StatusUnprocessableEntity, "NotYourTurn", "it is not your turn", nil}
	case combat.CodeActionOnCooldown:
		return surface{http.StatusUnprocessableEntity, "ActionOnCooldown", "action is on cooldown",
			map[string]any{"retry_after_ms": e.RetryAfter.Milliseconds()}}
	case combat.CodeInsufficientMP:
		return surface{http.StatusUnprocessableEntity, "InsufficientMp", "not enough MP", nil}
	case combat.CodeInvalidTarget:
		return surface{http.StatusUnprocessableEntity, "InvalidTarget", "invalid target", nil}
	default:
		return surface{http.StatusInternalServerError, codeInternal, "internal error", nil}
	}
}

// writeError emits the envelope. Internal errors are logged with the request
// id; gates are not.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s := mapError(err)
	requestID := middleware.GetReqID(r.Context())
	if s.Status >= http.StatusInternalServerError {
		g.logger.Error("request failed",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, s.Status, errorEnvelope{Error: apiError{
		Code:      s.Code,
		Message:   s.Message,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		Details:   s.Details,
	}})
}

// validationError emits a 400 with field details without an engine error.
func (g *Gateway) validationError(w http.ResponseWriter, r *http.Request, message string, details map[string]any) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: apiError{
		Code:      codeValidationFailed,
		Message:   message,
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetReqID(r.Context()),
		Details:   details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

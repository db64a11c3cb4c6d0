package gateway

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"realmd/internal/auth"
	"realmd/internal/combat"
	"realmd/internal/lock"
	"realmd/internal/movement"
	"realmd/internal/ratelimit"
	"realmd/internal/store"
	"realmd/internal/zone"
)

func TestMapErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid credentials", auth.ErrInvalidCredentials, http.StatusUnauthorized, "InvalidCredentials"},
		{"account locked", &auth.AccountLockedError{Until: time.Now().Add(time.Minute)}, http.StatusLocked, "AccountLocked"},
		{"suspended", auth.ErrAccountSuspended, http.StatusForbidden, "AccountSuspended"},
		{"token expired", auth.ErrTokenExpired, http.StatusUnauthorized, "TokenExpired"},
		{"token reused", auth.ErrTokenReused, http.StatusUnauthorized, "TokenReused"},
		{"bad token", auth.ErrInvalidToken, http.StatusUnauthorized, codeUnauthenticated},
		{"weak password", auth.ErrWeakPassword, http.StatusBadRequest, codeValidationFailed},
		{"auth rate limited", &auth.RateLimitedError{RetryAfter: time.Second}, http.StatusTooManyRequests, codeRateLimited},
		{"forbidden", errForbidden, http.StatusForbidden, codeForbidden},
		{"no character", errNoCharacterSelected, http.StatusUnprocessableEntity, "NoCharacterSelected"},
		{"invalid id", errInvalidID, http.StatusBadRequest, codeValidationFailed},
		{"unknown event", errUnknownEvent, http.StatusBadRequest, codeValidationFailed},
		{"no exit", zone.ErrNoExit, http.StatusUnprocessableEntity, "NoExit"},
		{"exit locked", zone.ErrExitLocked, http.StatusUnprocessableEntity, "ExitLocked"},
		{"level too low", &zone.LevelTooLowError{Required: 10}, http.StatusUnprocessableEntity, "LevelTooLow"},
		{"already in combat", combat.ErrAlreadyInCombat, http.StatusUnprocessableEntity, "AlreadyInCombat"},
		{"not found", store.ErrNotFound, http.StatusNotFound, codeNotFound},
		{"duplicate", store.ErrDuplicate, http.StatusConflict, codeConflict},
		{"lock busy", lock.ErrNotAcquired, http.StatusServiceUnavailable, codeTransient},
		{"limiter down", ratelimit.ErrUnavailable, http.StatusServiceUnavailable, codeTransient},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, codeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := mapError(tc.err)
			assert.Equal(t, tc.status, s.Status)
			assert.Equal(t, tc.code, s.Code)
		})
	}
}

func TestMapErrorWrapped(t *testing.T) {
	s := mapError(fmtWrap(store.ErrNotFound))
	assert.Equal(t, http.StatusNotFound, s.Status)
	assert.Equal(t, codeNotFound, s.Code)
}

func fmtWrap(err error) error {
	return errors.Join(errors.New("loading character"), err)
}

func TestMapMoveErrorCooldownIsRateLimited(t *testing.T) {
	s := mapError(&movement.MoveError{
		Code:       movement.CodeCooldown,
		RetryAfter: 400 * time.Millisecond,
	})
	assert.Equal(t, http.StatusTooManyRequests, s.Status)
	assert.Equal(t, codeRateLimited, s.Code)
	assert.Equal(t, int64(400), s.Details["retry_after_ms"])
}

func TestMapMoveErrorGates(t *testing.T) {
	cases := []struct {
		code movement.MoveErrorCode
		want string
	}{
		{movement.CodeBusy, "Busy"},
		{movement.CodeNoExit, "NoExit"},
		{movement.CodeExitLocked, "ExitLocked"},
		{movement.CodeLevelTooLow, "LevelTooLow"},
		{movement.CodeMissingItem, "MissingItem"},
	}
	for _, tc := range cases {
		s := mapError(&movement.MoveError{Code: tc.code})
		assert.Equal(t, http.StatusUnprocessableEntity, s.Status, tc.want)
		assert.Equal(t, tc.want, s.Code)
	}
}

func TestMapActionError(t *testing.T) {
	cases := []struct {
		code   combat.ActionErrorCode
		status int
		want   string
	}{
		{combat.CodeCombatEnded, http.StatusUnprocessableEntity, "CombatEnded"},
		{combat.CodeNotParticipant, http.StatusForbidden, codeForbidden},
		{combat.CodeParticipantDead, http.StatusUnprocessableEntity, "ParticipantDead"},
		{combat.CodeNotYourTurn, http.StatusUnprocessableEntity, "NotYourTurn"},
		{combat.CodeActionOnCooldown, http.StatusUnprocessableEntity, "ActionOnCooldown"},
		{combat.CodeInsufficientMP, http.StatusUnprocessableEntity, "InsufficientMp"},
		{combat.CodeInvalidTarget, http.StatusUnprocessableEntity, "InvalidTarget"},
	}
	for _, tc := range cases {
		s := mapError(&combat.ActionError{Code: tc.code})
		assert.Equal(t, tc.status, s.Status, tc.want)
		assert.Equal(t, tc.want, s.Code)
	}
}

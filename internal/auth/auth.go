// Package auth implements the identity engine: registration, sign-in with
// lockout, token issuance and rotation, and password reset. Sessions are
// server-side records; the JWT pair only proves who is calling.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realmd/internal/config"
	"realmd/internal/model"
	"realmd/internal/ratelimit"
	"realmd/internal/store"
)

// Typed sign-in and token failures. The gateway maps these onto HTTP codes;
// callers must not learn which identifiers exist from the error shape.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountSuspended   = errors.New("auth: account suspended")
	ErrEmailNotVerified   = errors.New("auth: email not verified")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenReused        = errors.New("auth: refresh token reused")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrInvalidUsername    = errors.New("auth: username must be 3-20 characters of letters, digits, or underscore")
	ErrWeakPassword       = errors.New("auth: password must be at least 8 characters with an upper, a lower, and a digit")
)

// AccountLockedError reports a lockout and when it lifts.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("auth: account locked until %s", e.Until.Format(time.RFC3339))
}

// RateLimitedError reports a sign-in attempt rejected by the limiter before
// any credential work happened.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("auth: too many attempts, retry in %s", e.RetryAfter)
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)

// dummyHash absorbs verification time for unknown identifiers so lookups and
// misses take comparable time.
const dummyHash = "$argon2id$v=19$m=65536,t=3,p=2$AAAAAAAAAAAAAAAAAAAAAA$yE3MOGTydpUNmAbzyuR3SpLBMgJBCSBsLYxUWNyUY9I"

// Store is the slice of the persistent store the engine consumes.
type Store interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error)
	GetAccountByIdentifier(ctx context.Context, identifier string) (*model.Account, error)
	GetAccountSecurity(ctx context.Context, accountID uuid.UUID) (*model.AccountSecurity, error)
	UpdateAccountSecurity(ctx context.Context, sec *model.AccountSecurity) error
	RecordSuccessfulLogin(ctx context.Context, accountID uuid.UUID, at time.Time) error
	UpdatePasswordHash(ctx context.Context, accountID uuid.UUID, hash string) error
}

// Sessions is the session-store surface the engine drives.
type Sessions interface {
	Create(ctx context.Context, accountID uuid.UUID, role model.Role, metadata map[string]string) (*model.Session, error)
	SetRefreshFingerprint(ctx context.Context, id, fingerprint string) error
	FindByRefreshFingerprint(ctx context.Context, accountID uuid.UUID, fingerprint string) (*model.Session, error)
	Destroy(ctx context.Context, id string) error
	DestroyAllForAccount(ctx context.Context, accountID uuid.UUID) error
}

// KV holds short-lived reset tokens.
type KV interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RateLimiter throttles sign-in attempts per identifier.
type RateLimiter interface {
	CheckProfile(ctx context.Context, p ratelimit.Profile, subject string) (ratelimit.Result, error)
}

// Auditor records security-relevant events off the critical path.
type Auditor interface {
	Record(actorID *uuid.UUID, action, resourceType, resourceID string, changes map[string]any)
}

// Engine is the identity engine.
type Engine struct {
	store    Store
	sessions Sessions
	kv       KV
	limits   RateLimiter
	audit    Auditor
	issuer   *Issuer
	cfg      config.AuthConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine builds the identity engine.
func NewEngine(st Store, sessions Sessions, kv KV, limits RateLimiter, audit Auditor, cfg config.AuthConfig, logger *zap.Logger) *Engine {
	return &Engine{
		store:    st,
		sessions: sessions,
		kv:       kv,
		limits:   limits,
		audit:    audit,
		issuer:   NewIssuer(cfg.SigningSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Issuer exposes token parsing to the gateway middleware.
func (e *Engine) Issuer() *Issuer { return e.issuer }

// Register creates an account. Email and username are unique
// case-insensitively; store.ErrDuplicate surfaces a collision.
func (e *Engine) Register(ctx context.Context, email, username, password string) (*model.Account, error) {
	if !usernamePattern.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	if err := checkPasswordPolicy(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	account := &model.Account{
		ID:           uuid.New(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Status:       model.AccountActive,
		Role:         model.RolePlayer,
	}
	if err := e.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	e.audit.Record(&account.ID, "account.register", "account", account.ID.String(), nil)
	e.logger.Info("account registered",
		zap.String("account_id", account.ID.String()),
		zap.String("username", username))
	return account, nil
}

// checkPasswordPolicy enforces minimum length plus upper, lower, and digit.
func checkPasswordPolicy(password string) error {
	if len(password) < 8 {
		return ErrWeakPassword
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return ErrWeakPassword
	}
	return nil
}

// SignInResult is a successful authentication: the account, a server-side
// session, and the token pair.
type SignInResult struct {
	Account      *model.Account
	Session      *model.Session
	AccessToken  string
	RefreshToken string
}

// SignIn authenticates by email or username. Failed attempts within the
// window accumulate; reaching the limit locks the account for the lockout
// duration regardless of later password correctness.
func (e *Engine) SignIn(ctx context.Context, identifier, password string, metadata map[string]string) (*SignInResult, error) {
	res, err := e.limits.CheckProfile(ctx, ratelimit.SignIn, identifier)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return nil, &RateLimitedError{RetryAfter: res.RetryAfter}
	}

	account, err := e.store.GetAccountByIdentifier(ctx, identifier)
	if errors.Is(err, store.ErrNotFound) {
		// Burn comparable time before rejecting an unknown identifier.
		_, _ = VerifyPassword(password, dummyHash)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	now := e.now()
	sec, err := e.store.GetAccountSecurity(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if sec.Locked(now) {
		return nil, &AccountLockedError{Until: *sec.LockedUntil}
	}

	ok, err := VerifyPassword(password, account.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.recordFailedAttempt(ctx, account, sec, now)
	}

	switch account.Status {
	case model.AccountSuspended, model.AccountBanned:
		return nil, ErrAccountSuspended
	}
	if e.cfg.RequireVerified && !account.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	if err := e.store.RecordSuccessfulLogin(ctx, account.ID, now); err != nil {
		return nil, err
	}
	account.LastLogin = &now

	sess, err := e.sessions.Create(ctx, account.ID, account.Role, metadata)
	if err != nil {
		return nil, err
	}
	access, refresh, err := e.issuePair(ctx, sess, account.ID, account.Role, uuid.New())
	if err != nil {
		return nil, err
	}

	e.audit.Record(&account.ID, "account.sign_in", "account", account.ID.String(), nil)
	e.logger.Info("sign-in succeeded",
		zap.String("account_id", account.ID.String()))
	return &SignInResult{
		Account:      account,
		Session:      sess,
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

// recordFailedAttempt bumps the counter, restarting it when the previous
// attempt fell outside the window, and locks the account at the limit.
func (e *Engine) recordFailedAttempt(ctx context.Context, account *model.Account, sec *model.AccountSecurity, now time.Time) error {
	if sec.LastAttemptAt == nil || now.Sub(*sec.LastAttemptAt) > e.cfg.AttemptWindow {
		sec.LoginAttempts = 0
	}
	sec.LoginAttempts++
	sec.LastAttemptAt = &now

	if sec.LoginAttempts >= e.cfg.MaxLoginAttempts {
		until := now.Add(e.cfg.LockoutDuration)
		sec.LockedUntil = &until
	}
	if err := e.store.UpdateAccountSecurity(ctx, sec); err != nil {
		return err
	}

	if sec.LockedUntil != nil {
		e.audit.Record(&account.ID, "account.locked", "account", account.ID.String(),
			map[string]any{"attempts": sec.LoginAttempts})
		e.logger.Warn("account locked after repeated failures",
			zap.String("account_id", account.ID.String()),
			zap.Int("attempts", sec.LoginAttempts))
		return &AccountLockedError{Until: *sec.LockedUntil}
	}
	return ErrInvalidCredentials
}

// RefreshResult is a rotated token pair.
type RefreshResult struct {
	AccountID    uuid.UUID
	AccessToken  string
	RefreshToken string
}

// Refresh rotates a refresh token. Each token is single-use: presenting one
// whose fingerprint no longer matches any live session is treated as replay,
// and every session the account holds is destroyed.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	claims, err := e.issuer.ParseRefresh(refreshToken)
	if err != nil {
		return nil, err
	}

	sess, err := e.sessions.FindByRefreshFingerprint(ctx, claims.AccountID, Fingerprint(refreshToken))
	if err != nil {
		return nil, err
	}
	if sess == nil {
		// The token was valid but already rotated away: someone is replaying
		// it. Revoke the whole family by dropping every session.
		if err := e.sessions.DestroyAllForAccount(ctx, claims.AccountID); err != nil {
			e.logger.Error("failed to revoke sessions on token reuse",
				zap.String("account_id", claims.AccountID.String()), zap.Error(err))
		}
		e.audit.Record(&claims.AccountID, "account.token_reused", "account", claims.AccountID.String(),
			map[string]any{"family_id": claims.FamilyID.String()})
		e.logger.Warn("refresh token reuse detected, sessions revoked",
			zap.String("account_id", claims.AccountID.String()))
		return nil, ErrTokenReused
	}

	account, err := e.store.GetAccount(ctx, claims.AccountID)
	if err != nil {
		return nil, err
	}
	switch account.Status {
	case model.AccountSuspended, model.AccountBanned:
		return nil, ErrAccountSuspended
	}

	access, refresh, err := e.issuePair(ctx, sess, account.ID, account.Role, claims.FamilyID)
	if err != nil {
		return nil, err
	}
	return &RefreshResult{
		AccountID:    account.ID,
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

// issuePair mints both tokens and binds the refresh fingerprint to the
// session, superseding any previous refresh token for it.
func (e *Engine) issuePair(ctx context.Context, sess *model.Session, accountID uuid.UUID, role model.Role, familyID uuid.UUID) (string, string, error) {
	access, err := e.issuer.IssueAccess(accountID, role, sess.ID)
	if err != nil {
		return "", "", err
	}
	refresh, err := e.issuer.IssueRefresh(accountID, familyID)
	if err != nil {
		return "", "", err
	}
	if err := e.sessions.SetRefreshFingerprint(ctx, sess.ID, Fingerprint(refresh)); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func blacklistKey(fingerprint string) string { return "token_blacklist:" + fingerprint }

// SignOut revokes the token's session and blacklists the access token until
// its natural expiry, so a stolen token dies with the sign-out.
func (e *Engine) SignOut(ctx context.Context, accessToken string) error {
	claims, err := e.issuer.ParseAccess(accessToken)
	if err != nil {
		return err
	}
	if err := e.sessions.Destroy(ctx, claims.SessionID); err != nil {
		return err
	}
	if ttl := claims.ExpiresAt.Sub(e.now()); ttl > 0 {
		if err := e.kv.SetJSON(ctx, blacklistKey(Fingerprint(accessToken)), true, ttl); err != nil {
			e.logger.Warn("failed to blacklist access token",
				zap.String("account_id", claims.AccountID.String()), zap.Error(err))
		}
	}
	e.audit.Record(&claims.AccountID, "account.sign_out", "account", claims.AccountID.String(), nil)
	return nil
}

// Authenticate validates an access token for the gateway, rejecting tokens
// blacklisted by sign-out.
func (e *Engine) Authenticate(ctx context.Context, token string) (*AccessClaims, error) {
	claims, err := e.issuer.ParseAccess(token)
	if err != nil {
		return nil, err
	}
	var revoked bool
	if ok, err := e.kv.GetJSON(ctx, blacklistKey(Fingerprint(token)), &revoked); err == nil && ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func resetKey(token string) string { return "password_reset:" + token }

// ForgotPassword issues a reset token with a short TTL. An unknown
// identifier returns an empty token and no error so the response cannot be
// used to enumerate accounts.
func (e *Engine) ForgotPassword(ctx context.Context, identifier string) (string, error) {
	account, err := e.store.GetAccountByIdentifier(ctx, identifier)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate reset token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	if err := e.kv.SetJSON(ctx, resetKey(token), account.ID, e.cfg.ResetTokenTTL); err != nil {
		return "", err
	}

	e.audit.Record(&account.ID, "account.password_reset_requested", "account", account.ID.String(), nil)
	return token, nil
}

// ResetPassword applies a reset token. The token is single-use, and applying
// it destroys every session the account holds.
func (e *Engine) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	var accountID uuid.UUID
	ok, err := e.kv.GetJSON(ctx, resetKey(token), &accountID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTokenExpired
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := e.store.UpdatePasswordHash(ctx, accountID, hash); err != nil {
		return err
	}
	if err := e.kv.Delete(ctx, resetKey(token)); err != nil {
		e.logger.Warn("failed to delete spent reset token", zap.Error(err))
	}

	// Clear any lockout left behind by the guessing that prompted the reset.
	sec, err := e.store.GetAccountSecurity(ctx, accountID)
	if err == nil {
		sec.LoginAttempts = 0
		sec.LockedUntil = nil
		if err := e.store.UpdateAccountSecurity(ctx, sec); err != nil {
			e.logger.Warn("failed to clear lockout after reset",
				zap.String("account_id", accountID.String()), zap.Error(err))
		}
	}

	if err := e.sessions.DestroyAllForAccount(ctx, accountID); err != nil {
		return err
	}
	e.audit.Record(&accountID, "account.password_reset", "account", accountID.String(), nil)
	e.logger.Info("password reset applied",
		zap.String("account_id", accountID.String()))
	return nil
}

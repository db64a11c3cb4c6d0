// Package session implements the sliding-TTL session store. Sessions live
// only in the cache, keyed by an opaque random token, with a per-account
// secondary index used for the active-session cap and bulk revocation.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realmd/internal/config"
	"realmd/internal/model"
)

// KV is the slice of the cache the session store consumes.
type KV interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	MGetJSON(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Store manages session records.
type Store struct {
	kv     KV
	cfg    config.SessionConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewStore builds a session store.
func NewStore(kv KV, cfg config.SessionConfig, logger *zap.Logger) *Store {
	return &Store{kv: kv, cfg: cfg, logger: logger, now: time.Now}
}

func sessionKey(id string) string    { return "session:" + id }
func accountKey(id uuid.UUID) string { return "account_sessions:" + id.String() }

// newToken returns a 32-byte opaque session token.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create issues a new session, enforcing the per-account cap by evicting the
// least-recently-active session when the cap is exceeded.
func (s *Store) Create(ctx context.Context, accountID uuid.UUID, role model.Role, metadata map[string]string) (*model.Session, error) {
	if err := s.enforceCap(ctx, accountID); err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	sess := &model.Session{
		ID:         token,
		AccountID:  accountID,
		Role:       role,
		CreatedAt:  now,
		LastActive: now,
		ExpiresAt:  now.Add(s.cfg.TTL),
		Metadata:   metadata,
	}
	if err := s.kv.SetJSON(ctx, sessionKey(token), sess, s.cfg.TTL); err != nil {
		return nil, err
	}
	if err := s.kv.SAdd(ctx, accountKey(accountID), token); err != nil {
		return nil, err
	}
	// The index must outlive its longest-lived member.
	_ = s.kv.Expire(ctx, accountKey(accountID), s.cfg.TTL*2)

	s.logger.Debug("session created",
		zap.String("account_id", accountID.String()))
	return sess, nil
}

// enforceCap evicts sessions until the account is below MaxPerAccount,
// pruning expired index entries along the way.
func (s *Store) enforceCap(ctx context.Context, accountID uuid.UUID) error {
	live, err := s.liveSessions(ctx, accountID)
	if err != nil {
		return err
	}
	for len(live) >= s.cfg.MaxPerAccount {
		oldest := 0
		for i := range live {
			if live[i].LastActive.Before(live[oldest].LastActive) {
				oldest = i
			}
		}
		s.logger.Info("session cap reached, evicting oldest",
			zap.String("account_id", accountID.String()))
		if err := s.Destroy(ctx, live[oldest].ID); err != nil {
			return err
		}
		live = append(live[:oldest], live[oldest+1:]...)
	}
	return nil
}

// liveSessions returns the account's non-expired sessions and repairs the
// secondary index for any that have lapsed.
func (s *Store) liveSessions(ctx context.Context, accountID uuid.UUID) ([]*model.Session, error) {
	ids, err := s.kv.SMembers(ctx, accountKey(accountID))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	raw, err := s.kv.MGetJSON(ctx, keys...)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var live []*model.Session
	var stale []string
	for i, id := range ids {
		data, ok := raw[keys[i]]
		if !ok {
			stale = append(stale, id)
			continue
		}
		var sess model.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			stale = append(stale, id)
			continue
		}
		if !sess.ExpiresAt.After(now) {
			stale = append(stale, id)
			continue
		}
		live = append(live, &sess)
	}
	if len(stale) > 0 {
		_ = s.kv.SRem(ctx, accountKey(accountID), stale...)
	}
	return live, nil
}

// Get returns the session for id, sliding its expiry forward. The slide is
// debounced so hot sessions do not rewrite the record on every call.
func (s *Store) Get(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	ok, err := s.kv.GetJSON(ctx, sessionKey(id), &sess)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	now := s.now()
	if !sess.ExpiresAt.After(now) {
		_ = s.Destroy(ctx, id)
		return nil, nil
	}
	if now.Sub(sess.LastActive) >= s.cfg.SlideDebounce {
		sess.LastActive = now
		sess.ExpiresAt = now.Add(s.cfg.TTL)
		if err := s.kv.SetJSON(ctx, sessionKey(id), &sess, s.cfg.TTL); err != nil {
			return nil, err
		}
	}
	return &sess, nil
}

// SetCharacter binds a selected character to the session.
func (s *Store) SetCharacter(ctx context.Context, id string, characterID uuid.UUID) error {
	return s.update(ctx, id, func(sess *model.Session) {
		sess.CharacterID = &characterID
	})
}

// SetRefreshFingerprint stores the refresh-token fingerprint so revoking the
// session also revokes the refresh token.
func (s *Store) SetRefreshFingerprint(ctx context.Context, id, fingerprint string) error {
	return s.update(ctx, id, func(sess *model.Session) {
		sess.RefreshFingerprint = fingerprint
	})
}

func (s *Store) update(ctx context.Context, id string, mutate func(*model.Session)) error {
	var sess model.Session
	ok, err := s.kv.GetJSON(ctx, sessionKey(id), &sess)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	mutate(&sess)
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("session %s expired", id)
	}
	return s.kv.SetJSON(ctx, sessionKey(id), &sess, ttl)
}

// FindByRefreshFingerprint locates the account session carrying fingerprint.
func (s *Store) FindByRefreshFingerprint(ctx context.Context, accountID uuid.UUID, fingerprint string) (*model.Session, error) {
	live, err := s.liveSessions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, sess := range live {
		if sess.RefreshFingerprint == fingerprint {
			return sess, nil
		}
	}
	return nil, nil
}

// Destroy revokes a session immediately.
func (s *Store) Destroy(ctx context.Context, id string) error {
	var sess model.Session
	if ok, err := s.kv.GetJSON(ctx, sessionKey(id), &sess); err == nil && ok {
		_ = s.kv.SRem(ctx, accountKey(sess.AccountID), id)
	}
	return s.kv.Delete(ctx, sessionKey(id))
}

// DestroyAllForAccount revokes every session the account holds.
func (s *Store) DestroyAllForAccount(ctx context.Context, accountID uuid.UUID) error {
	ids, err := s.kv.SMembers(ctx, accountKey(accountID))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.kv.Delete(ctx, sessionKey(id)); err != nil {
			return err
		}
	}
	return s.kv.Delete(ctx, accountKey(accountID))
}

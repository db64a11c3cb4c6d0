package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"realmd/internal/model"
)

// Token types carried in the token_type claim. Access tokens authorize API
// calls; refresh tokens only mint new pairs.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// AccessClaims is the payload of a short-lived access token. SessionID binds
// the token to the server-side session it was minted for.
type AccessClaims struct {
	AccountID uuid.UUID  `json:"account_id"`
	Role      model.Role `json:"role"`
	TokenType string     `json:"token_type"`
	SessionID string     `json:"sid"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token. FamilyID ties every
// rotation of one sign-in together so replay revokes the whole chain.
type RefreshClaims struct {
	AccountID uuid.UUID `json:"account_id"`
	TokenType string    `json:"token_type"`
	FamilyID  uuid.UUID `json:"family_id"`
	jwt.RegisteredClaims
}

// Issuer signs and parses the token pair.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer builds an Issuer over an HMAC signing secret.
func NewIssuer(secret string, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// IssueAccess mints an access token for the account and session.
func (i *Issuer) IssueAccess(accountID uuid.UUID, role model.Role, sessionID string) (string, error) {
	now := i.now()
	claims := AccessClaims{
		AccountID: accountID,
		Role:      role,
		TokenType: TokenTypeAccess,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// IssueRefresh mints a refresh token in the given family.
func (i *Issuer) IssueRefresh(accountID, familyID uuid.UUID) (string, error) {
	now := i.now()
	claims := RefreshClaims{
		AccountID: accountID,
		TokenType: TokenTypeRefresh,
		FamilyID:  familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.refreshTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return signed, nil
}

// ParseAccess validates an access token and returns its claims.
func (i *Issuer) ParseAccess(token string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := i.parse(token, &claims); err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// ParseRefresh validates a refresh token and returns its claims.
func (i *Issuer) ParseRefresh(token string) (*RefreshClaims, error) {
	var claims RefreshClaims
	if err := i.parse(token, &claims); err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func (i *Issuer) parse(token string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrInvalidToken
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

// Fingerprint maps a refresh token to the digest the session store keeps, so
// the raw token never touches the cache.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

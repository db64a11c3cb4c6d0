package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"realmd/internal/model"
)

const accountColumns = `id, email, username, password_hash, status, role,
	email_verified, created_at, last_login`

func scanAccount(row interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var lastLogin sql.NullTime
	err := row.Scan(&a.ID, &a.Email, &a.Username, &a.PasswordHash, &a.Status,
		&a.Role, &a.EmailVerified, &a.CreatedAt, &lastLogin)
	if err != nil {
		return nil, translate(err)
	}
	if lastLogin.Valid {
		a.LastLogin = &lastLogin.Time
	}
	return &a, nil
}

// CreateAccount inserts the account and its security record in one
// transaction. Returns ErrDuplicate when email or username is taken.
func (s *Store) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (id, email, username, password_hash, status, role, email_verified)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ID, a.Email, a.Username, a.PasswordHash, a.Status, a.Role, a.EmailVerified)
		if err != nil {
			return fmt.Errorf("failed to insert account: %w", translate(err))
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO account_security (account_id) VALUES ($1)`, a.ID)
		if err != nil {
			return fmt.Errorf("failed to insert account security: %w", err)
		}
		return nil
	})
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// GetAccountByIdentifier resolves an account by email or username,
// case-insensitively.
func (s *Store) GetAccountByIdentifier(ctx context.Context, identifier string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE lower(email) = lower($1) OR lower(username) = lower($1)`, identifier)
	return scanAccount(row)
}

// GetAccountSecurity loads the lockout record.
func (s *Store) GetAccountSecurity(ctx context.Context, accountID uuid.UUID) (*model.AccountSecurity, error) {
	var sec model.AccountSecurity
	var lastAttempt, lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, login_attempts, last_attempt_at, locked_until
		 FROM account_security WHERE account_id = $1`, accountID).
		Scan(&sec.AccountID, &sec.LoginAttempts, &lastAttempt, &lockedUntil)
	if err != nil {
		return nil, translate(err)
	}
	if lastAttempt.Valid {
		sec.LastAttemptAt = &lastAttempt.Time
	}
	if lockedUntil.Valid {
		sec.LockedUntil = &lockedUntil.Time
	}
	return &sec, nil
}

// UpdateAccountSecurity persists attempt counters and the lock window.
func (s *Store) UpdateAccountSecurity(ctx context.Context, sec *model.AccountSecurity) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE account_security
		 SET login_attempts = $2, last_attempt_at = $3, locked_until = $4
		 WHERE account_id = $1`,
		sec.AccountID, sec.LoginAttempts, sec.LastAttemptAt, sec.LockedUntil)
	if err != nil {
		return fmt.Errorf("failed to update account security: %w", err)
	}
	return nil
}

// RecordSuccessfulLogin clears the attempt counter and stamps last_login in
// one transaction.
func (s *Store) RecordSuccessfulLogin(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE account_security
			 SET login_attempts = 0, locked_until = NULL
			 WHERE account_id = $1`, accountID); err != nil {
			return fmt.Errorf("failed to reset login attempts: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET last_login = $2 WHERE id = $1`, accountID, at); err != nil {
			return fmt.Errorf("failed to stamp last login: %w", err)
		}
		return nil
	})
}

// UpdatePasswordHash replaces the stored hash.
func (s *Store) UpdatePasswordHash(ctx context.Context, accountID uuid.UUID, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET password_hash = $2 WHERE id = $1`, accountID, hash)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

package store

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a referenced row is absent or soft-deleted.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned on a uniqueness violation (duplicate name,
// duplicate milestone).
var ErrDuplicate = errors.New("store: duplicate")

const pgUniqueViolation = "23505"

// translate maps driver errors onto the store's sentinel errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicate
	}
	return err
}

// Package store is the relational persistence layer. Postgres is the sole
// write authority for every entity; the cache only mirrors reads. Stores
// share one *sql.DB and group methods by area (accounts, characters, zones,
// movement, combat, progression, affinity, audit).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// Store wraps the database handle. All multi-row mutations go through
// WithTx so a failure at any point rolls the whole mutation back.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("database connected")
	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping is the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// bigIntValue renders a big integer for a NUMERIC column.
func bigIntValue(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// scanBigInt parses a NUMERIC column into an exact integer.
func scanBigInt(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", raw)
	}
	return v, nil
}

// jsonValue encodes v for a JSONB column, mapping nil to SQL NULL.
func jsonValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return raw, nil
}

// scanJSON decodes a nullable JSONB column.
func scanJSON(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

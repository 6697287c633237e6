// Package postgres provides a PostgreSQL-backed kv.Store for deployments
// that colocate the outbox with a server-side database.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mosaicapps/outbox/internal/kv"
)

const (
	kvGetSQL = `
SELECT value
FROM kv_blobs
WHERE key = $1;
`

	kvSetSQL = `
INSERT INTO kv_blobs (key, value, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value,
    updated_at = NOW();
`

	kvRemoveSQL = `
DELETE FROM kv_blobs
WHERE key = $1;
`
)

// Store persists blobs in a kv_blobs table through a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("kv store: nil pool")
	}
	var value []byte
	err := s.pool.QueryRow(ctx, kvGetSQL, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("kv store: get %s: %w", key, err)
	}
	return value, nil
}

// Set implements kv.Store. The upsert runs as a single statement, so each
// write is atomic without explicit locking.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if s.pool == nil {
		return fmt.Errorf("kv store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, kvSetSQL, key, value); err != nil {
		return fmt.Errorf("kv store: set %s: %w", key, err)
	}
	return nil
}

// Remove implements kv.Store.
func (s *Store) Remove(ctx context.Context, key string) error {
	if s.pool == nil {
		return fmt.Errorf("kv store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, kvRemoveSQL, key); err != nil {
		return fmt.Errorf("kv store: remove %s: %w", key, err)
	}
	return nil
}

var _ kv.Store = (*Store)(nil)

// Package pgstore implements the KeyValueStore on PostgreSQL, for single-node
// daemons that already carry a relational database.
package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/subwise/subwise-go/internal/errs"
	"github.com/subwise/subwise-go/internal/storage"
)

// PgxPool is a minimal abstraction over a Postgres connection pool.
// It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// DB wraps pgxpool.Pool to satisfy store constructors and allow testing.
type DB struct{ Pool PgxPool }

// New creates a new connection pool for the given DSN.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

// Close closes the underlying pool.
func (db *DB) Close() { db.Pool.Close() }

// Store persists key-value entries in the kv_entries table.
type Store struct{ db *DB }

var _ storage.KeyValueStore = (*Store)(nil)

// NewStore constructs a Postgres-backed store.
func NewStore(db *DB) *Store { return &Store{db: db} }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT value FROM kv_entries WHERE key=$1`
	var v []byte
	if err := s.db.Pool.QueryRow(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	const q = `
INSERT INTO kv_entries (key, value) VALUES ($1,$2)
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	_, err := s.db.Pool.Exec(ctx, q, key, value)
	return err
}

func (s *Store) Remove(ctx context.Context, key string) error {
	const q = `DELETE FROM kv_entries WHERE key=$1`
	_, err := s.db.Pool.Exec(ctx, q, key)
	return err
}

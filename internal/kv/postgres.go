package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by a single kv table. It gives the
// namenode durable metadata across restarts.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	const op = "kv.NewPostgres"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BYTEA NOT NULL
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	const op = "kv.Postgres.Get"

	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return value, true, nil
}

func (s *Postgres) Set(ctx context.Context, key string, value []byte) error {
	const op = "kv.Postgres.Set"

	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, key string) error {
	const op = "kv.Postgres.Delete"

	_, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Postgres) ScanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	const op = "kv.Postgres.ScanPrefix"

	rows, err := s.pool.Query(ctx, `
		SELECT key, value FROM kv
		WHERE key >= $1 AND key < $1 || chr(1114111)
		ORDER BY key
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entries, nil
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresSchema is applied statement by statement by Migrate.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		key        TEXT PRIMARY KEY,
		blob       BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS log_entries (
		id         BIGSERIAL PRIMARY KEY,
		key        TEXT NOT NULL,
		line       BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_key ON log_entries (key, id)`,
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// A snapshot write is a single upsert, so it is atomic by construction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate postgres: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ReadSnapshot(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT blob FROM snapshots WHERE key = $1`, key).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("store: read snapshot %s: %w", key, err)
	}
	return blob, nil
}

func (s *PostgresStore) WriteSnapshot(ctx context.Context, key string, blob []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (key, blob, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()`,
		key, blob,
	)
	if err != nil {
		return fmt.Errorf("store: write snapshot %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, key string, line []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO log_entries (key, line) VALUES ($1, $2)`, key, line)
	if err != nil {
		return fmt.Errorf("store: append log %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) ReadLog(ctx context.Context, key string) ([][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT line FROM log_entries WHERE key = $1 ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("store: read log %s: %w", key, err)
	}
	defer rows.Close()

	lines := [][]byte{}
	for rows.Next() {
		var line []byte
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

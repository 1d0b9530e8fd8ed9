package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ StateStore = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS investment_state (
	id         TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore implements StateStore on a Postgres table with a jsonb
// payload column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and creates the
// state table if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create investment_state: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Load reads and decodes the state row of id.
func (s *PostgresStore) Load(ctx context.Context, id string) (*InvestmentState, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM investment_state WHERE id = $1`, id,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("investment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load investment %s: %w", id, err)
	}
	st, err := DecodeState(payload)
	if err != nil {
		return nil, fmt.Errorf("investment %s: %w", id, err)
	}
	return st, nil
}

// Save inserts or replaces the state row of id.
func (s *PostgresStore) Save(ctx context.Context, id string, state *InvestmentState) error {
	payload, err := EncodeState(state)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO investment_state (id, version, payload, updated_at)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (id) DO UPDATE SET
			version = EXCLUDED.version,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.pool.Exec(ctx, query, id, StateVersion, string(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("save investment %s: %w", id, err)
	}
	return nil
}

// Delete removes the state row of id.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM investment_state WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete investment %s: %w", id, err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

var _ StateStore = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS investment_state (
	id         TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteStore implements StateStore backed by a SQLite database, one row
// per investment.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates
// the state table if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; concurrent cmd/invest runs wait instead of
	// failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating investment_state: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads and decodes the state row of id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*InvestmentState, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM investment_state WHERE id = ?`, id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("investment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading investment %s: %w", id, err)
	}
	st, err := DecodeState([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("investment %s: %w", id, err)
	}
	return st, nil
}

// Save inserts or replaces the state row of id.
func (s *SQLiteStore) Save(ctx context.Context, id string, state *InvestmentState) error {
	payload, err := EncodeState(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO investment_state (id, version, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		id, StateVersion, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving investment %s: %w", id, err)
	}
	return nil
}

// Delete removes the state row of id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM investment_state WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting investment %s: %w", id, err)
	}
	return nil
}

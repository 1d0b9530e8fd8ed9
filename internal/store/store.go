// Package store defines the persistence interfaces of quantdesk and their
// implementations: Parquet files for price bars and JSON, SQLite or Postgres
// for live investment state.
package store

import (
	"context"
	"errors"
	"time"

	"quantdesk/internal/domain"
)

var (
	// ErrNotFound is returned when no state is stored for an investment.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedVersion is returned when stored state was written by a
	// newer schema than this build understands.
	ErrUnsupportedVersion = errors.New("unsupported state version")

	// ErrCorrupt is returned when stored state exists but cannot be parsed.
	ErrCorrupt = errors.New("corrupt state")
)

// BarStore persists and retrieves historical price bars.
type BarStore interface {
	// WriteBars merges bars into the store. Bars with the same symbol and
	// date replace the stored ones.
	WriteBars(ctx context.Context, market domain.Market, bars []domain.Bar) error
	// ReadBars returns the bars of symbol dated within [start, end], sorted
	// by date.
	ReadBars(ctx context.Context, market domain.Market, symbol string, start, end time.Time) ([]domain.Bar, error)
	// ListSymbols lists the symbols that have bars in market.
	ListSymbols(ctx context.Context, market domain.Market) ([]string, error)
}

// StateStore persists the state of live investments, keyed by investment id.
type StateStore interface {
	// Load returns the stored state, ErrNotFound when none exists,
	// ErrCorrupt when it cannot be parsed, or ErrUnsupportedVersion when it
	// was written by a newer build. Any other error means the store could
	// not be read.
	Load(ctx context.Context, id string) (*InvestmentState, error)
	// Save replaces the stored state of id.
	Save(ctx context.Context, id string, state *InvestmentState) error
	// Delete removes the stored state of id. Deleting a missing id is not an
	// error.
	Delete(ctx context.Context, id string) error
	// Close releases the store's resources.
	Close() error
}

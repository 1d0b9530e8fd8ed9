// Package gather fetches price bars from market-data providers and seeds the
// bar store with them.
package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"quantdesk/internal/config"
	"quantdesk/internal/domain"
	"quantdesk/internal/gather/crypto"
	"quantdesk/internal/gather/us"
)

// ErrUnknownSource is returned by NewSource for an unregistered name.
var ErrUnknownSource = errors.New("unknown price source")

// Source fetches the most recent bars of one ticker.
type Source interface {
	// Name returns the source identifier.
	Name() string
	// GetQuotes returns up to count of the most recent bars of symbol at
	// the given resolution, oldest first.
	GetQuotes(ctx context.Context, symbol, exchange string, resolution domain.Resolution, count int) ([]domain.Bar, error)
}

// Gatherer is the interface for long running data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs the gathering. It returns when done or when ctx is
	// cancelled.
	Run(ctx context.Context) error
}

// Compile-time interface checks.
var (
	_ Source   = (*us.AlpacaSource)(nil)
	_ Source   = (*crypto.BinanceSource)(nil)
	_ Gatherer = (*Seeder)(nil)
)

// NewSource builds the named source from configuration.
func NewSource(name string, cfg *config.Config, log *slog.Logger) (Source, error) {
	switch name {
	case "alpaca":
		return us.NewAlpacaSource(us.Options{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			DataURL:         cfg.Alpaca.DataURL,
			Feed:            cfg.Alpaca.Feed,
			RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
		}, log), nil
	case "binance":
		return crypto.NewBinanceSource(cfg.Binance.APIKey, cfg.Binance.SecretKey, cfg.Binance.RequestsPerSecond, log), nil
	default:
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownSource)
	}
}

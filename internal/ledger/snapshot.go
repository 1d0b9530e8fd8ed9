package ledger

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// ErrInconsistentSnapshot is returned by Restore when a snapshot violates a
// ledger invariant.
var ErrInconsistentSnapshot = errors.New("inconsistent ledger snapshot")

// Snapshot is the complete persisted form of a Ledger. Trades are kept in
// entry order; Open lists the ids of the trades that are still open.
type Snapshot struct {
	Sizing         Sizing
	Precision      int32
	InitialCapital decimal.Decimal
	Capital        decimal.Decimal
	Available      decimal.Decimal
	Peak           decimal.Decimal
	Open           []string
	Trades         []Position
}

// Snapshot captures the ledger state.
func (l *Ledger) Snapshot() Snapshot {
	s := Snapshot{
		Sizing:         l.sizing,
		Precision:      l.precision,
		InitialCapital: l.initial,
		Capital:        l.capital,
		Available:      l.available,
		Peak:           l.peak,
		Open:           make([]string, 0, len(l.open)),
		Trades:         make([]Position, len(l.trades)),
	}
	for _, p := range l.openSorted() {
		s.Open = append(s.Open, p.ID)
	}
	for i, p := range l.trades {
		s.Trades[i] = *p.clone()
	}
	return s
}

// Restore rebuilds a ledger from a snapshot. The result has its capital set,
// so SetCapital on it fails as it would mid-run.
func Restore(s Snapshot, log *slog.Logger) (*Ledger, error) {
	if s.Sizing != SizingPercent && s.Sizing != SizingUnits {
		return nil, fmt.Errorf("%q: %w", s.Sizing, ErrUnknownSizing)
	}
	if !s.InitialCapital.IsPositive() {
		return nil, fmt.Errorf("initial capital %s: %w", s.InitialCapital, ErrInconsistentSnapshot)
	}

	l := New(s.Sizing, log)
	l.capitalSet = true
	l.precision = s.Precision
	l.initial = s.InitialCapital
	l.capital = s.Capital
	l.available = s.Available
	l.peak = s.Peak

	seen := make(map[string]*Position, len(s.Trades))
	for i := range s.Trades {
		p := s.Trades[i].clone()
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("duplicate position %s: %w", p.ID, ErrInconsistentSnapshot)
		}
		seen[p.ID] = p
		l.trades = append(l.trades, p)
	}

	for _, id := range s.Open {
		p, ok := seen[id]
		if !ok || !p.IsOpen() {
			return nil, fmt.Errorf("open position %s not in trade log as open: %w", id, ErrInconsistentSnapshot)
		}
		l.open[id] = p
		l.committed = l.committed.Add(p.OpenSize)
	}
	for _, p := range l.trades {
		if _, listed := l.open[p.ID]; p.IsOpen() && !listed {
			return nil, fmt.Errorf("position %s open but not listed: %w", p.ID, ErrInconsistentSnapshot)
		}
	}

	if !l.capital.Sub(l.committed).Equal(l.available) {
		return nil, fmt.Errorf("available %s != capital %s - committed %s: %w",
			l.available, l.capital, l.committed, ErrInconsistentSnapshot)
	}
	if l.peak.LessThan(l.initial) {
		l.peak = l.initial
	}
	return l, nil
}

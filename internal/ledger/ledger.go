// Package ledger implements the capital and position ledger owned by one
// strategy run: realized capital, capital committed to open positions, and
// the append-only trade log. All money arithmetic is decimal, rounded to the
// precision fixed by SetCapital.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantdesk/internal/domain"
)

var (
	ErrCapitalAlreadySet   = errors.New("capital already set")
	ErrCapitalNotSet       = errors.New("capital not set")
	ErrInvalidCapital      = errors.New("capital must be positive")
	ErrInvalidPrice        = errors.New("entry price must be positive")
	ErrInvalidSize         = errors.New("invalid position size")
	ErrInvalidSide         = errors.New("invalid position side")
	ErrInsufficientCapital = errors.New("size exceeds available capital")
	ErrUnknownSizing       = errors.New("unknown sizing mode")
	ErrMissingAsset        = errors.New("no market data for open position")
	ErrUnknownPosition     = errors.New("unknown position")
	ErrPositionClosed      = errors.New("position already closed")
)

// QuantityScale is the number of decimal places quantities carry beyond the
// ledger precision. It keeps price × quantity within rounding distance of the
// committed size.
const QuantityScale = 6

// Sizing selects how the size argument of Entry is interpreted.
type Sizing string

const (
	// SizingPercent treats size as a percentage of current capital.
	SizingPercent Sizing = "percent"
	// SizingUnits treats size as a number of units bought at the entry price.
	SizingUnits Sizing = "units"
)

// ParseSizing converts a configuration string into a Sizing.
func ParseSizing(s string) (Sizing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "percent", "pct", "%":
		return SizingPercent, nil
	case "units", "unit", "fixed":
		return SizingUnits, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownSizing)
	}
}

// Quote resolves the current market price of a ticker.
type Quote func(ticker string) (decimal.Decimal, error)

// BarQuote resolves the current bar of a ticker for mark-to-market.
type BarQuote func(ticker string) (domain.Bar, error)

// Listener observes position lifecycle events. It receives copies.
type Listener interface {
	PositionOpened(p Position)
	PositionClosed(p Position)
}

// Listeners fans events out to several listeners in order.
type Listeners []Listener

func (ls Listeners) PositionOpened(p Position) {
	for _, l := range ls {
		l.PositionOpened(p)
	}
}

func (ls Listeners) PositionClosed(p Position) {
	for _, l := range ls {
		l.PositionClosed(p)
	}
}

// Ledger tracks capital, open positions and the trade log of one run. It is
// not safe for concurrent use; each run owns a private Ledger.
type Ledger struct {
	log      *slog.Logger
	listener Listener
	sizing   Sizing

	capitalSet bool
	precision  int32
	initial    decimal.Decimal
	capital    decimal.Decimal
	available  decimal.Decimal
	committed  decimal.Decimal
	peak       decimal.Decimal

	open   map[string]*Position
	trades []*Position
}

// New creates an empty ledger using the given sizing mode.
func New(sizing Sizing, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Ledger{
		log:    log,
		sizing: sizing,
		open:   make(map[string]*Position),
	}
}

// SetListener registers the observer for open and close events.
func (l *Ledger) SetListener(listener Listener) {
	l.listener = listener
}

// SetCapital funds the ledger and fixes the decimal scale of every
// subsequent computation. It can be called once per run.
func (l *Ledger) SetCapital(amount decimal.Decimal, precision int32) error {
	if l.capitalSet {
		return ErrCapitalAlreadySet
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%s: %w", amount, ErrInvalidCapital)
	}
	if precision < 0 {
		return fmt.Errorf("negative precision %d", precision)
	}
	amount = amount.Round(precision)
	l.capitalSet = true
	l.precision = precision
	l.initial = amount
	l.capital = amount
	l.available = amount
	l.peak = amount
	l.log.Info("capital set", "capital", amount.StringFixed(precision), "precision", precision)
	return nil
}

// CapitalSet reports whether SetCapital has succeeded.
func (l *Ledger) CapitalSet() bool { return l.capitalSet }

// Precision returns the decimal scale of the ledger.
func (l *Ledger) Precision() int32 { return l.precision }

// Sizing returns the sizing mode.
func (l *Ledger) Sizing() Sizing { return l.sizing }

// InitialCapital returns the amount passed to SetCapital.
func (l *Ledger) InitialCapital() decimal.Decimal { return l.initial }

// Capital returns realized equity.
func (l *Ledger) Capital() decimal.Decimal { return l.capital }

// Available returns capital not committed to open positions.
func (l *Ledger) Available() decimal.Decimal { return l.available }

// Committed returns the sum of the sizes of open positions.
func (l *Ledger) Committed() decimal.Decimal { return l.committed }

// Peak returns the highest realized capital seen so far.
func (l *Ledger) Peak() decimal.Decimal { return l.peak }

// Entry opens a position and returns its id. size is interpreted according
// to the sizing mode: a percentage of current capital in (0, 100], or a
// number of units.
func (l *Ledger) Entry(at time.Time, side domain.Side, ticker string, price, size decimal.Decimal, comment string) (string, error) {
	if !l.capitalSet {
		return "", ErrCapitalNotSet
	}
	if side != domain.SideLong && side != domain.SideShort {
		return "", fmt.Errorf("%q: %w", side, ErrInvalidSide)
	}
	if !price.IsPositive() {
		return "", fmt.Errorf("%s at %s: %w", ticker, price, ErrInvalidPrice)
	}

	var committed, quantity decimal.Decimal
	switch l.sizing {
	case SizingPercent:
		if !size.IsPositive() || size.GreaterThan(hundred) {
			return "", fmt.Errorf("percent size %s outside (0, 100]: %w", size, ErrInvalidSize)
		}
		committed = l.capital.Mul(size).Div(hundred).Round(l.precision)
		quantity = committed.DivRound(price, l.precision+QuantityScale)
	case SizingUnits:
		if !size.IsPositive() {
			return "", fmt.Errorf("unit size %s: %w", size, ErrInvalidSize)
		}
		committed = price.Mul(size).Round(l.precision)
		quantity = size
	default:
		return "", fmt.Errorf("%q: %w", l.sizing, ErrUnknownSizing)
	}
	if !committed.IsPositive() {
		return "", fmt.Errorf("size rounds to %s: %w", committed, ErrInvalidSize)
	}
	if committed.GreaterThan(l.available) {
		return "", fmt.Errorf("%s > %s: %w", committed.StringFixed(l.precision), l.available.StringFixed(l.precision), ErrInsufficientCapital)
	}

	p := &Position{
		ID:          uuid.NewString(),
		Side:        side,
		Ticker:      ticker,
		OpenTime:    at,
		OpenPrice:   price,
		Quantity:    quantity,
		OpenSize:    committed,
		OpenComment: comment,
	}
	l.available = l.available.Sub(committed)
	l.committed = l.committed.Add(committed)
	l.open[p.ID] = p
	l.trades = append(l.trades, p)

	l.log.Info("position opened",
		"positionID", p.ID,
		"ticker", ticker,
		"side", side,
		"price", price.String(),
		"quantity", quantity.String(),
		"size", committed.StringFixed(l.precision),
		"available", l.available.StringFixed(l.precision),
	)
	if l.listener != nil {
		l.listener.PositionOpened(*p.clone())
	}
	return p.ID, nil
}

// CloseAll closes every open position at the price quote returns for its
// ticker. Prices are resolved before anything is closed, so a ticker without
// market data leaves the ledger untouched and returns ErrMissingAsset.
func (l *Ledger) CloseAll(at time.Time, quote Quote, comment string) error {
	positions := l.openSorted()
	prices := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		if _, ok := prices[p.Ticker]; ok {
			continue
		}
		price, err := quote(p.Ticker)
		if err != nil {
			return fmt.Errorf("closing %s: %w: %w", p.Ticker, ErrMissingAsset, err)
		}
		prices[p.Ticker] = price
	}
	for _, p := range positions {
		if err := l.closePosition(at, p, prices[p.Ticker], comment); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the open position id at the price quote returns for its
// ticker.
func (l *Ledger) Close(at time.Time, id string, quote Quote, comment string) error {
	p, ok := l.open[id]
	if !ok {
		if _, known := l.find(id); known {
			return fmt.Errorf("position %s: %w", id, ErrPositionClosed)
		}
		return fmt.Errorf("position %s: %w", id, ErrUnknownPosition)
	}
	price, err := quote(p.Ticker)
	if err != nil {
		return fmt.Errorf("closing %s: %w: %w", p.Ticker, ErrMissingAsset, err)
	}
	return l.closePosition(at, p, price, comment)
}

func (l *Ledger) closePosition(at time.Time, p *Position, price decimal.Decimal, comment string) error {
	size := price.Mul(p.Quantity).Round(l.precision)
	if err := p.close(at, price, size, comment); err != nil {
		return err
	}
	profit := p.Profit()

	l.capital = l.capital.Add(profit)
	l.committed = l.committed.Sub(p.OpenSize)
	l.available = l.capital.Sub(l.committed)
	delete(l.open, p.ID)

	if l.capital.GreaterThan(l.peak) {
		l.peak = l.capital
	}
	p.StrategyDrawdown = l.drawdownPct()

	l.log.Info("position closed",
		"positionID", p.ID,
		"ticker", p.Ticker,
		"side", p.Side,
		"price", price.String(),
		"profit", profit.StringFixed(l.precision),
		"capital", l.capital.StringFixed(l.precision),
	)
	if l.listener != nil {
		l.listener.PositionClosed(*p.clone())
	}
	return nil
}

// Mark updates the worst unrealized drawdown of every open position using
// the bar quote returns: its low for long positions, its high for shorts.
// Tickers without a bar are skipped.
func (l *Ledger) Mark(quote BarQuote) {
	for _, p := range l.open {
		bar, err := quote(p.Ticker)
		if err != nil {
			l.log.Debug("mark skipped", "ticker", p.Ticker, "err", err)
			continue
		}
		adverse := bar.Low
		if p.Side == domain.SideShort {
			adverse = bar.High
		}
		p.mark(adverse, l.precision)
	}
}

// HasOpenTrades reports whether any position is open.
func (l *Ledger) HasOpenTrades() bool { return len(l.open) > 0 }

// OpenTrades returns copies of the open positions ordered by open time, then
// id.
func (l *Ledger) OpenTrades() []Position {
	sorted := l.openSorted()
	out := make([]Position, len(sorted))
	for i, p := range sorted {
		out[i] = *p.clone()
	}
	return out
}

// TradeLog returns copies of every position ever opened. Closed positions
// come first in ascending close time (ties broken by open time, then id);
// open positions follow in ascending open time, then id.
func (l *Ledger) TradeLog() []Position {
	out := make([]Position, len(l.trades))
	for i, p := range l.trades {
		out[i] = *p.clone()
	}
	SortTradeLog(out)
	return out
}

// Position returns a copy of the position with the given id.
func (l *Ledger) Position(id string) (Position, bool) {
	p, ok := l.find(id)
	if !ok {
		return Position{}, false
	}
	return *p.clone(), true
}

// SortTradeLog orders positions the way TradeLog does.
func SortTradeLog(ps []Position) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := &ps[i], &ps[j]
		if a.IsOpen() != b.IsOpen() {
			return !a.IsOpen()
		}
		if !a.IsOpen() && !a.Exit.Time.Equal(b.Exit.Time) {
			return a.Exit.Time.Before(b.Exit.Time)
		}
		if !a.OpenTime.Equal(b.OpenTime) {
			return a.OpenTime.Before(b.OpenTime)
		}
		return a.ID < b.ID
	})
}

func (l *Ledger) openSorted() []*Position {
	out := make([]*Position, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].OpenTime.Before(out[j].OpenTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (l *Ledger) find(id string) (*Position, bool) {
	for _, p := range l.trades {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

func (l *Ledger) drawdownPct() decimal.Decimal {
	if !l.peak.IsPositive() || !l.capital.LessThan(l.peak) {
		return decimal.Zero
	}
	return l.peak.Sub(l.capital).Mul(hundred).DivRound(l.peak, l.precision+2)
}

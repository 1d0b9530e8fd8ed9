// Package builtins provides built-in strategy implementations that ship with
// quantdesk.
package builtins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/asset"
	"quantdesk/internal/domain"
	"quantdesk/internal/ledger"
	"quantdesk/internal/strategy"
)

// Compile-time interface checks.
var (
	_ strategy.CloseHandler     = (*SMACross)(nil)
	_ strategy.EndHandler       = (*SMACross)(nil)
	_ strategy.LookbackProvider = (*SMACross)(nil)
)

var hundred = decimal.NewFromInt(100)

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) {
	r.Register(SMACrossName, NewSMACrossFromParams)
	r.Register(BuyAndHoldName, NewBuyAndHoldFromParams)
}

const SMACrossName = "sma-cross"

// SMACross implements a long-only moving average crossover strategy. At the
// close it enters when the short-period SMA crosses above the long-period
// SMA and exits when it crosses below. Open positions are liquidated when the
// run ends.
type SMACross struct {
	shortPeriod int
	longPeriod  int
	size        decimal.Decimal // percent of capital per ticker; zero splits evenly
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods.
func NewSMACross(short, long int, size decimal.Decimal) (*SMACross, error) {
	if short <= 0 || long <= 0 {
		return nil, fmt.Errorf("sma periods must be positive, got %d/%d", short, long)
	}
	if short >= long {
		return nil, fmt.Errorf("short period %d must be below long period %d", short, long)
	}
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		size:        size,
	}, nil
}

// NewSMACrossFromParams reads "short", "long" and "size" from params.
func NewSMACrossFromParams(p strategy.Params) (strategy.Strategy, error) {
	return NewSMACross(p.Int("short", 10), p.Int("long", 30), p.Decimal("size", decimal.Zero))
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return SMACrossName
}

// Lookback is one bar more than the long period so that the previous
// crossover state is known on the first tradable day.
func (s *SMACross) Lookback() int {
	return s.longPeriod + 1
}

// OnClose detects crossovers on every ticker that traded today.
func (s *SMACross) OnClose(_ context.Context, rt *strategy.Runtime, view asset.Set, date time.Time) error {
	tickers := view.Tickers()
	for _, ticker := range tickers {
		a := view[ticker]
		if !a.HasBarOn(date) {
			continue
		}
		closes := a.Closes()
		if len(closes) < s.Lookback() {
			continue
		}
		n := len(closes)
		prevShort, prevLong := sma(closes[:n-1], s.shortPeriod), sma(closes[:n-1], s.longPeriod)
		currShort, currLong := sma(closes, s.shortPeriod), sma(closes, s.longPeriod)

		open := rt.OpenFor(ticker)
		switch {
		case len(open) == 0 && !prevShort.GreaterThan(prevLong) && currShort.GreaterThan(currLong):
			price, err := a.Price()
			if err != nil {
				return err
			}
			size := positionSize(rt.Ledger(), s.size, len(tickers), price)
			if !size.IsPositive() {
				rt.Logger().Debug("no capital for entry", "ticker", ticker)
				continue
			}
			if _, err := rt.EntryAtMarket(domain.SideLong, ticker, size, "sma cross up"); err != nil {
				if errors.Is(err, ledger.ErrInsufficientCapital) {
					rt.Logger().Warn("entry skipped", "ticker", ticker, "err", err)
					continue
				}
				return err
			}
		case len(open) > 0 && !prevShort.LessThan(prevLong) && currShort.LessThan(currLong):
			for _, p := range open {
				if err := rt.Exit(p.ID, "sma cross down"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// OnStrategyEnd liquidates every open position.
func (s *SMACross) OnStrategyEnd(_ context.Context, rt *strategy.Runtime, _ asset.Set, _ time.Time) error {
	if !rt.HasOpenTrades() {
		return nil
	}
	return rt.CloseAll("end of run")
}

func sma(values []decimal.Decimal, period int) decimal.Decimal {
	window := values[len(values)-period:]
	sum := decimal.Zero
	for _, v := range window {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// positionSize returns the entry size for a target percent of capital at
// price: the percent itself under percent sizing, or the whole units it buys
// under units sizing. A zero target splits capital evenly across tickers.
// The result never commits more than is available.
func positionSize(l *ledger.Ledger, target decimal.Decimal, tickers int, price decimal.Decimal) decimal.Decimal {
	if !target.IsPositive() {
		target = hundred.Div(decimal.NewFromInt(int64(tickers))).RoundDown(2)
	}
	if target.GreaterThan(hundred) {
		target = hundred
	}
	if !l.Capital().IsPositive() {
		return decimal.Zero
	}
	free := l.Available().Mul(hundred).Div(l.Capital()).RoundDown(2)
	if free.LessThan(target) {
		target = free
	}
	if l.Sizing() != ledger.SizingUnits {
		return target
	}
	if !price.IsPositive() {
		return decimal.Zero
	}
	return l.Capital().Mul(target).Div(hundred).Div(price).Floor()
}

package builtins

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/asset"
	"quantdesk/internal/domain"
	"quantdesk/internal/strategy"
)

var (
	_ strategy.OpenHandler = (*BuyAndHold)(nil)
	_ strategy.EndHandler  = (*BuyAndHold)(nil)
)

const BuyAndHoldName = "buy-and-hold"

// BuyAndHold buys every ticker at the first open it trades and holds until
// the run ends. It is the benchmark other strategies are compared against.
type BuyAndHold struct {
	size decimal.Decimal
}

// NewBuyAndHoldFromParams reads "size" (percent of capital per ticker, zero
// to split evenly) from params. Under units sizing the percent is converted
// to whole units at the entry price.
func NewBuyAndHoldFromParams(p strategy.Params) (strategy.Strategy, error) {
	return &BuyAndHold{size: p.Decimal("size", decimal.Zero)}, nil
}

func (b *BuyAndHold) Name() string { return BuyAndHoldName }

// OnOpen enters every ticker that trades today and has never been bought.
func (b *BuyAndHold) OnOpen(_ context.Context, rt *strategy.Runtime, view asset.Set, date time.Time) error {
	bought := make(map[string]bool)
	for _, p := range rt.TradeLog() {
		bought[p.Ticker] = true
	}
	tickers := view.Tickers()
	for _, ticker := range tickers {
		if bought[ticker] || !view[ticker].HasBarOn(date) {
			continue
		}
		price, err := view[ticker].Price()
		if err != nil {
			return err
		}
		size := positionSize(rt.Ledger(), b.size, len(tickers), price)
		if !size.IsPositive() {
			continue
		}
		if _, err := rt.EntryAtMarket(domain.SideLong, ticker, size, "buy and hold"); err != nil {
			return err
		}
	}
	return nil
}

// OnStrategyEnd liquidates every open position.
func (b *BuyAndHold) OnStrategyEnd(_ context.Context, rt *strategy.Runtime, _ asset.Set, _ time.Time) error {
	if !rt.HasOpenTrades() {
		return nil
	}
	return rt.CloseAll("end of run")
}

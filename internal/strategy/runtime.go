package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/asset"
	"quantdesk/internal/domain"
	"quantdesk/internal/ledger"
)

// ErrNoView is returned when strategy code asks for a market price before
// the runtime has been given an asset window.
var ErrNoView = errors.New("no market data window")

// Runtime binds one strategy instance to its private ledger and to the asset
// window of the step being dispatched. Strategy code trades through the
// Runtime; the dispatcher moves it from step to step.
type Runtime struct {
	strategy Strategy
	params   Params
	ledger   *ledger.Ledger
	log      *slog.Logger

	view  asset.Set
	date  time.Time
	event domain.Event
}

// NewRuntime creates a Runtime for s. The ledger is owned by the runtime from
// here on and must not be shared with another one.
func NewRuntime(s Strategy, params Params, l *ledger.Ledger, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Runtime{
		strategy: s,
		params:   params.Clone(),
		ledger:   l,
		log:      log.With("strategy", s.Name()),
	}
}

func (rt *Runtime) Strategy() Strategy            { return rt.strategy }
func (rt *Runtime) Params() Params                { return rt.params.Clone() }
func (rt *Runtime) Ledger() *ledger.Ledger        { return rt.ledger }
func (rt *Runtime) Logger() *slog.Logger          { return rt.log }
func (rt *Runtime) View() asset.Set               { return rt.view }
func (rt *Runtime) Date() time.Time               { return rt.date }
func (rt *Runtime) Event() domain.Event           { return rt.event }
func (rt *Runtime) Lookback() int                 { return Lookback(rt.strategy) }
func (rt *Runtime) HasOpenTrades() bool           { return rt.ledger.HasOpenTrades() }
func (rt *Runtime) OpenTrades() []ledger.Position { return rt.ledger.OpenTrades() }
func (rt *Runtime) TradeLog() []ledger.Position   { return rt.ledger.TradeLog() }

// SetCapital funds the runtime's ledger.
func (rt *Runtime) SetCapital(amount decimal.Decimal, precision int32) error {
	return rt.ledger.SetCapital(amount, precision)
}

// Entry opens a position at an explicit price.
func (rt *Runtime) Entry(side domain.Side, ticker string, price, size decimal.Decimal, comment string) (string, error) {
	return rt.ledger.Entry(rt.date, side, ticker, price, size, comment)
}

// EntryAtMarket opens a position at the latest price of ticker in the current
// window: the open price during an Open dispatch, the close otherwise.
func (rt *Runtime) EntryAtMarket(side domain.Side, ticker string, size decimal.Decimal, comment string) (string, error) {
	price, err := rt.quote(ticker)
	if err != nil {
		return "", err
	}
	return rt.Entry(side, ticker, price, size, comment)
}

// CloseAll closes every open position at current window prices.
func (rt *Runtime) CloseAll(comment string) error {
	return rt.ledger.CloseAll(rt.date, rt.quote, comment)
}

// Exit closes one position at the current window price of its ticker.
func (rt *Runtime) Exit(id, comment string) error {
	return rt.ledger.Close(rt.date, id, rt.quote, comment)
}

// OpenFor returns the open positions on ticker.
func (rt *Runtime) OpenFor(ticker string) []ledger.Position {
	var out []ledger.Position
	for _, p := range rt.ledger.OpenTrades() {
		if p.Ticker == ticker {
			out = append(out, p)
		}
	}
	return out
}

// Dispatch runs one event of the session on date. The matching hook is only
// called when the strategy implements it. Open positions are marked to
// market against the same window afterwards, even when the hook fails.
func (rt *Runtime) Dispatch(ctx context.Context, event domain.Event, view asset.Set, date time.Time) error {
	rt.move(event, view, date)
	defer rt.mark()

	switch event {
	case domain.EventOpen:
		if h, ok := rt.strategy.(OpenHandler); ok {
			if err := h.OnOpen(ctx, rt, view, date); err != nil {
				return fmt.Errorf("%s on open %s: %w", rt.strategy.Name(), date.Format(time.DateOnly), err)
			}
		}
	case domain.EventClose:
		if h, ok := rt.strategy.(CloseHandler); ok {
			if err := h.OnClose(ctx, rt, view, date); err != nil {
				return fmt.Errorf("%s on close %s: %w", rt.strategy.Name(), date.Format(time.DateOnly), err)
			}
		}
	default:
		return fmt.Errorf("unknown event %q", event)
	}
	return nil
}

// End gives the strategy its final call, when it implements EndHandler.
func (rt *Runtime) End(ctx context.Context, view asset.Set, date time.Time) error {
	rt.move(domain.EventClose, view, date)
	h, ok := rt.strategy.(EndHandler)
	if !ok {
		return nil
	}
	if err := h.OnStrategyEnd(ctx, rt, view, date); err != nil {
		return fmt.Errorf("%s on strategy end: %w", rt.strategy.Name(), err)
	}
	return nil
}

func (rt *Runtime) move(event domain.Event, view asset.Set, date time.Time) {
	rt.event = event
	rt.view = view
	rt.date = date
}

func (rt *Runtime) quote(ticker string) (decimal.Decimal, error) {
	if rt.view == nil {
		return decimal.Zero, ErrNoView
	}
	return rt.view.Price(ticker)
}

func (rt *Runtime) mark() {
	if rt.view == nil || !rt.ledger.HasOpenTrades() {
		return
	}
	rt.ledger.Mark(func(ticker string) (domain.Bar, error) {
		a, ok := rt.view[ticker]
		if !ok {
			return domain.Bar{}, asset.ErrMissing
		}
		bar, ok := a.Last()
		if !ok {
			return domain.Bar{}, asset.ErrEmpty
		}
		return bar, nil
	})
}

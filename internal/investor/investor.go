// Package investor runs one live investment: it resumes the strategy ledger
// from the state store, refreshes price data, dispatches a single session
// event and persists the result.
package investor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"quantdesk/internal/asset"
	"quantdesk/internal/config"
	"quantdesk/internal/domain"
	"quantdesk/internal/gather"
	"quantdesk/internal/ledger"
	"quantdesk/internal/notify"
	"quantdesk/internal/observability"
	"quantdesk/internal/report"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
	"quantdesk/internal/util"
)

// ErrNotLoaded is returned by operations that need LoadState to have run.
var ErrNotLoaded = errors.New("investment state not loaded")

// fetchWorkers bounds concurrent source requests per investment.
const fetchWorkers = 4

// Deps holds everything an Investor talks to. Source, Notifier, Calendar,
// Metrics, Log and Now may be left zero.
type Deps struct {
	Registry *strategy.Registry
	States   store.StateStore
	Bars     store.BarStore
	Source   gather.Source
	Notifier notify.Notifier
	Calendar *util.TradingCalendar
	Metrics  *observability.Metrics
	Log      *slog.Logger
	Now      func() time.Time
}

// Investor drives one configured investment through a live invocation.
// It is not safe for concurrent use; the state it loads is owned by this
// instance until Execute has persisted it.
type Investor struct {
	cfg        config.Investment
	market     domain.Market
	resolution domain.Resolution
	sizing     ledger.Sizing
	capital    decimal.Decimal

	registry *strategy.Registry
	states   store.StateStore
	bars     store.BarStore
	source   gather.Source
	notifier notify.Notifier
	metrics  *observability.Metrics
	log      *slog.Logger
	now      func() time.Time
	calendar *util.TradingCalendar

	rt      *strategy.Runtime
	assets  asset.Set
	loadErr error // set when saved state exists but could not be loaded
}

// New validates cfg and wires an Investor. Configuration errors are
// returned here, before any state is touched.
func New(cfg config.Investment, deps Deps) (*Investor, error) {
	if deps.Registry == nil || deps.States == nil || deps.Bars == nil {
		return nil, errors.New("investor: registry, state store and bar store are required")
	}
	if !deps.Registry.Has(cfg.Strategy) {
		return nil, fmt.Errorf("investment %s: unknown strategy %q", cfg.ID, cfg.Strategy)
	}
	if len(cfg.Tickers) == 0 {
		return nil, fmt.Errorf("investment %s: no tickers", cfg.ID)
	}
	capital, err := cfg.CapitalAmount()
	if err != nil {
		return nil, fmt.Errorf("investment %s: %w", cfg.ID, err)
	}
	sizing, err := ledger.ParseSizing(cfg.Sizing)
	if err != nil {
		return nil, fmt.Errorf("investment %s: %w", cfg.ID, err)
	}
	resolution, err := domain.ParseResolution(cfg.Resolution)
	if err != nil {
		return nil, fmt.Errorf("investment %s: %w", cfg.ID, err)
	}

	log := util.Discard(deps.Log).With("investment", cfg.ID)
	n := deps.Notifier
	if n == nil {
		n = notify.NewQueue(cfg.ID, notify.NewLogSink(log))
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	market := domain.Market(cfg.Market)
	if market == "" {
		market = domain.MarketUS
	}
	calendar := deps.Calendar
	if calendar == nil || calendar.Market() != market {
		calendar = util.NewTradingCalendar(market)
	}

	return &Investor{
		cfg:        cfg,
		market:     market,
		resolution: resolution,
		sizing:     sizing,
		capital:    capital,
		registry:   deps.Registry,
		states:     deps.States,
		bars:       deps.Bars,
		source:     deps.Source,
		notifier:   n,
		metrics:    deps.Metrics,
		log:        log,
		now:        now,
		calendar:   calendar,
	}, nil
}

// ID returns the investment id.
func (inv *Investor) ID() string { return inv.cfg.ID }

// Runtime returns the loaded strategy runtime, or nil before LoadState.
func (inv *Investor) Runtime() *strategy.Runtime { return inv.rt }

// Assets returns the series loaded by LoadAssets and UpdateSources.
func (inv *Investor) Assets() asset.Set { return inv.assets }

// LoadState restores the investment's ledger and strategy parameters from
// the state store. Missing state starts a fresh ledger funded with the
// configured capital. Corrupt or inconsistent state is reported and
// replaced by a fresh ledger. State that cannot be read, or was written by
// a newer build, is reported too; the run continues on a fresh ledger but
// Execute does not save it, so the stored state survives for the next run.
// Only configuration errors are returned.
func (inv *Investor) LoadState(ctx context.Context) error {
	params := strategy.Params(inv.cfg.Params).Clone()
	var l *ledger.Ledger
	inv.loadErr = nil

	st, err := inv.states.Load(ctx, inv.cfg.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		inv.log.Info("no saved state, starting fresh", "capital", inv.capital.String())
	case errors.Is(err, store.ErrCorrupt):
		inv.warnf("state corrupt, starting fresh: %v", err)
	case err != nil:
		inv.loadErr = err
		inv.errorf("state unavailable, running fresh without saving: %v", err)
	default:
		restored, rerr := ledger.Restore(st.Snapshot(), inv.log)
		if rerr != nil {
			inv.warnf("saved state inconsistent, starting fresh: %v", rerr)
			break
		}
		l = restored
		if st.Name == inv.cfg.Strategy {
			params = strategy.Params(st.Params).Clone()
		} else {
			inv.warnf("saved state belongs to strategy %q, continuing its ledger with %q", st.Name, inv.cfg.Strategy)
		}
		inv.log.Info("state restored",
			"updated_at", st.UpdatedAt.Format(time.RFC3339),
			"capital", l.Capital().StringFixed(l.Precision()),
			"open", len(st.OpenTrades),
			"trades", len(st.TradeLog),
		)
	}

	if l == nil {
		l = ledger.New(inv.sizing, inv.log)
		if err := l.SetCapital(inv.capital, inv.cfg.Precision); err != nil {
			return fmt.Errorf("investment %s: %w", inv.cfg.ID, err)
		}
	}

	s, err := inv.registry.New(inv.cfg.Strategy, params)
	if err != nil {
		return fmt.Errorf("investment %s: %w", inv.cfg.ID, err)
	}
	l.SetListener(ledger.Listeners{
		notify.NewListener(inv.notifier, inv.cfg.ID, l.Precision()),
		inv.metrics.PositionListener(inv.cfg.Strategy),
	})
	inv.rt = strategy.NewRuntime(s, params, l, inv.log)
	return nil
}

// LoadAssets reads the full stored series of every configured ticker. A
// ticker whose bars cannot be read starts empty and is reported.
func (inv *Investor) LoadAssets(ctx context.Context) error {
	set := make(asset.Set, len(inv.cfg.Tickers))
	for _, ticker := range inv.cfg.Tickers {
		bars, err := inv.bars.ReadBars(ctx, inv.market, ticker, time.Time{}, time.Time{})
		if err != nil {
			inv.warnf("reading bars for %s: %v", ticker, err)
			bars = nil
		}
		a, err := asset.New(ticker, bars)
		if err != nil {
			return fmt.Errorf("investment %s: %w", inv.cfg.ID, err)
		}
		set[ticker] = a
	}
	inv.assets = set
	return nil
}

// UpdateSources fetches the bars each ticker is missing up to today, merges
// them into the loaded series and writes them to the bar store. Tickers are
// fetched concurrently. Fetch and write failures are reported; the stale
// series is used as it is.
func (inv *Investor) UpdateSources(ctx context.Context) error {
	if inv.assets == nil {
		if err := inv.LoadAssets(ctx); err != nil {
			return err
		}
	}
	if inv.source == nil {
		inv.log.Debug("no price source configured, skipping update")
		return nil
	}

	type fetch struct {
		count int
		bars  []domain.Bar
		err   error
	}
	today := domain.Day(inv.now())
	results := make([]fetch, len(inv.cfg.Tickers))

	var g errgroup.Group
	g.SetLimit(fetchWorkers)
	for i, ticker := range inv.cfg.Tickers {
		count := inv.missing(inv.assets[ticker], today)
		if count == 0 {
			inv.log.Debug("series up to date", "ticker", ticker)
			continue
		}
		g.Go(func() error {
			bars, err := inv.source.GetQuotes(ctx, ticker, inv.cfg.Exchange, inv.resolution, count)
			inv.metrics.RecordFetch(inv.source.Name(), len(bars), err)
			results[i] = fetch{count: count, bars: bars, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, ticker := range inv.cfg.Tickers {
		r := results[i]
		switch {
		case r.count == 0:
			continue
		case r.err != nil:
			inv.warnf("fetching %d bars for %s from %s: %v", r.count, ticker, inv.source.Name(), r.err)
			continue
		case len(r.bars) == 0:
			inv.log.Warn("source returned no bars", "ticker", ticker, "requested", r.count)
			continue
		}

		inv.assets[ticker] = inv.assets[ticker].Merge(r.bars...)
		if err := inv.bars.WriteBars(ctx, inv.market, r.bars); err != nil {
			inv.warnf("writing bars for %s: %v", ticker, err)
			continue
		}
		inv.log.Info("series updated", "ticker", ticker, "requested", r.count, "received", len(r.bars))
	}
	return nil
}

// missing returns how many bars to request for a. An empty series asks for
// the strategy's lookback. A series ending today asks for today's bar again
// since it may have been captured mid-session.
func (inv *Investor) missing(a *asset.Asset, today time.Time) int {
	last, ok := a.Last()
	if !ok {
		n := 1
		if inv.rt != nil {
			n = max(inv.rt.Lookback(), 1)
		}
		return n
	}
	if !last.Date().Before(today) {
		if inv.calendar.IsTradingDay(today) {
			return 1
		}
		return 0
	}
	return inv.calendar.TradingDaysBetween(last.Date(), today)
}

// Execute dispatches one event for today's session using the backtest
// windowing rule, then persists the ledger. Persisting happens even when
// the strategy fails so that executed trades are never replayed; the
// strategy error is returned.
func (inv *Investor) Execute(ctx context.Context, event domain.Event) (err error) {
	if inv.rt == nil {
		return ErrNotLoaded
	}
	if event != domain.EventOpen && event != domain.EventClose {
		return fmt.Errorf("unknown event %q", event)
	}
	if inv.assets == nil {
		if err := inv.LoadAssets(ctx); err != nil {
			return err
		}
	}

	now := inv.now()
	today := domain.Day(now)
	defer func() {
		if serr := inv.persist(ctx, now); serr != nil {
			inv.errorf("saving state: %v", serr)
		}
	}()

	if !inv.calendar.IsTradingDay(today) {
		inv.log.Info("market closed, nothing to execute", "date", today.Format(time.DateOnly), "event", event)
		return nil
	}
	if !inv.assets.HasBarOn(today) {
		inv.warnf("no bar for %s yet, executing %s on stale data", today.Format(time.DateOnly), event)
	}

	view := inv.assets.Until(today)
	if event == domain.EventOpen {
		view = inv.assets.AtOpen(today)
	}

	t0 := time.Now()
	err = inv.rt.Dispatch(ctx, event, view, today)
	inv.metrics.RecordDispatch(string(event), time.Since(t0))
	inv.metrics.RecordExecution(inv.cfg.ID, string(event), now)
	if err != nil {
		inv.errorf("%s failed: %v", event, err)
		return err
	}
	inv.log.Info("executed", "event", event, "date", today.Format(time.DateOnly))
	return nil
}

// Summarize queues the investment's end-of-run summary lines.
func (inv *Investor) Summarize() {
	if inv.rt == nil {
		return
	}
	l := inv.rt.Ledger()
	p := l.Precision()
	ret := decimal.Zero
	if l.InitialCapital().IsPositive() {
		ret = l.Capital().Sub(l.InitialCapital()).Mul(decimal.NewFromInt(100)).Div(l.InitialCapital())
	}
	inv.notifier.Summary(fmt.Sprintf("%s (%s): capital %s (%s), available %s",
		inv.cfg.ID, inv.cfg.Strategy,
		report.FormatMoney(l.Capital(), p), report.FormatPct(ret),
		report.FormatMoney(l.Available(), p)))
	for _, pos := range l.OpenTrades() {
		inv.notifier.Summary(fmt.Sprintf("  %s %s %s since %s, max drawdown %s",
			pos.Side, pos.Ticker, pos.Quantity, pos.OpenTime.Format(time.DateOnly),
			report.FormatDrawdown(pos.MaxDrawdownPct)))
	}
}

// Reset deletes the investment's saved state and starts a fresh ledger.
func (inv *Investor) Reset(ctx context.Context) error {
	if err := inv.states.Delete(ctx, inv.cfg.ID); err != nil {
		return fmt.Errorf("investment %s: deleting state: %w", inv.cfg.ID, err)
	}
	inv.log.Info("state reset")
	return inv.LoadState(ctx)
}

func (inv *Investor) persist(ctx context.Context, at time.Time) error {
	if inv.loadErr != nil {
		inv.log.Warn("state not saved, the stored state was never loaded", "error", inv.loadErr)
		return nil
	}
	st := store.NewInvestmentState(inv.cfg.Strategy, inv.rt.Params(), inv.rt.Ledger().Snapshot(), at)
	err := inv.states.Save(context.WithoutCancel(ctx), inv.cfg.ID, st)
	inv.metrics.RecordStateSave(err)
	return err
}

func (inv *Investor) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	inv.log.Warn(msg)
	inv.notifier.Notify(notify.LevelWarn, inv.cfg.ID+": "+msg)
}

func (inv *Investor) errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	inv.log.Error(msg)
	inv.notifier.Notify(notify.LevelError, inv.cfg.ID+": "+msg)
}

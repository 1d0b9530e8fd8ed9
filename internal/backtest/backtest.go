// Package backtest replays historical bars through a strategy runtime. A
// Backtester steps a calendar clock across a date range and dispatches the
// Open and Close events of every session in order; an Optimizer fans the same
// replay out across a parameter grid.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quantdesk/internal/asset"
	"quantdesk/internal/domain"
	"quantdesk/internal/ledger"
	"quantdesk/internal/observability"
	"quantdesk/internal/strategy"
)

var (
	ErrNoStrategy   = errors.New("no strategy attached")
	ErrNoAssets     = errors.New("no assets to backtest")
	ErrAlreadyRun   = errors.New("backtester already run")
	ErrInvalidRange = errors.New("start date after end date")
)

// State is the lifecycle of one Backtester.
type State int

const (
	NotStarted State = iota
	Stepping
	Ended
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Stepping:
		return "stepping"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result summarizes the clock of a completed run. Trading results live in
// the runtime's ledger.
type Result struct {
	Start     time.Time
	End       time.Time
	FinalDate time.Time
	Sessions  int // steps dispatched
	Skipped   int // steps without any bar
	Elapsed   time.Duration
}

// Backtester drives one strategy runtime over a date range. It runs exactly
// once.
type Backtester struct {
	resolution domain.Resolution
	log        *slog.Logger
	metrics    *observability.Metrics

	rt    *strategy.Runtime
	state State
}

// New creates a Backtester stepping at the given resolution. log and metrics
// may be nil.
func New(resolution domain.Resolution, log *slog.Logger, metrics *observability.Metrics) *Backtester {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if resolution == "" {
		resolution = domain.Daily
	}
	return &Backtester{
		resolution: resolution,
		log:        log,
		metrics:    metrics,
	}
}

// Attach sets the runtime to drive. It fails once the run has started.
func (b *Backtester) Attach(rt *strategy.Runtime) error {
	if b.state != NotStarted {
		return ErrAlreadyRun
	}
	b.rt = rt
	return nil
}

// State returns the current lifecycle state.
func (b *Backtester) State() State { return b.state }

// Runtime returns the attached runtime.
func (b *Backtester) Runtime() *strategy.Runtime { return b.rt }

// Run replays assets from start to end inclusive. Every precondition is
// checked before the first step. A strategy error aborts the run and is
// returned; the backtester is Ended either way.
func (b *Backtester) Run(ctx context.Context, assets asset.Set, start, end time.Time) (Result, error) {
	if b.state != NotStarted {
		return Result{}, ErrAlreadyRun
	}
	if b.rt == nil {
		return Result{}, ErrNoStrategy
	}
	if len(assets) == 0 {
		return Result{}, ErrNoAssets
	}
	if !b.rt.Ledger().CapitalSet() {
		return Result{}, ledger.ErrCapitalNotSet
	}
	start, end = domain.Day(start), domain.Day(end)
	if start.After(end) {
		return Result{}, fmt.Errorf("%s > %s: %w", start.Format(time.DateOnly), end.Format(time.DateOnly), ErrInvalidRange)
	}

	res := Result{Start: start, End: end}
	runStart := time.Now()
	b.state = Stepping

	err := b.run(ctx, assets, &res)

	b.state = Ended
	res.Elapsed = time.Since(runStart)
	b.metrics.RecordBacktest(res.Elapsed, err)
	if err != nil {
		b.log.Error("backtest aborted",
			"strategy", b.rt.Strategy().Name(),
			"sessions", res.Sessions,
			"err", err,
		)
		return res, err
	}

	l := b.rt.Ledger()
	b.log.Info("backtest complete",
		"strategy", b.rt.Strategy().Name(),
		"start", start.Format(time.DateOnly),
		"end", end.Format(time.DateOnly),
		"sessions", res.Sessions,
		"skipped", res.Skipped,
		"trades", len(l.TradeLog()),
		"capital", l.Capital().StringFixed(l.Precision()),
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return res, nil
}

func (b *Backtester) run(ctx context.Context, assets asset.Set, res *Result) error {
	b.checkLookback(assets, res.Start)

	prev := res.Start.AddDate(0, 0, -1)
	for step := res.Start; !step.After(res.End); step = b.resolution.Next(step) {
		if err := ctx.Err(); err != nil {
			return err
		}
		session, ok := latestSession(assets, prev, step)
		prev = step
		if !ok {
			res.Skipped++
			continue
		}

		if err := b.dispatch(ctx, domain.EventOpen, assets.AtOpen(session), session); err != nil {
			return err
		}
		if err := b.dispatch(ctx, domain.EventClose, assets.Until(session), session); err != nil {
			return err
		}
		res.Sessions++
		b.metrics.RecordStep()
	}

	final, ok := latestSession(assets, time.Time{}, res.End)
	if !ok {
		final = res.End
	}
	res.FinalDate = final
	return b.rt.End(ctx, assets.Until(final), final)
}

func (b *Backtester) dispatch(ctx context.Context, event domain.Event, view asset.Set, date time.Time) error {
	t0 := time.Now()
	err := b.rt.Dispatch(ctx, event, view, date)
	b.metrics.RecordDispatch(string(event), time.Since(t0))
	return err
}

// checkLookback warns about assets with less history before start than the
// strategy declares it needs.
func (b *Backtester) checkLookback(assets asset.Set, start time.Time) {
	need := b.rt.Lookback()
	if need <= 0 {
		return
	}
	for _, ticker := range assets.Tickers() {
		if have := assets[ticker].CountBefore(start); have < need {
			b.log.Warn("insufficient lookback",
				"ticker", ticker,
				"have", have,
				"need", need,
				"start", start.Format(time.DateOnly),
			)
		}
	}
}

// latestSession returns the latest bar date in (after, upTo] across assets.
// At daily resolution that is upTo itself when anything traded on it.
func latestSession(assets asset.Set, after, upTo time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, a := range assets {
		last, ok := a.Until(upTo).Last()
		if !ok {
			continue
		}
		d := last.Date()
		if !d.After(after) {
			continue
		}
		if !found || d.After(best) {
			best, found = d, true
		}
	}
	return best, found
}

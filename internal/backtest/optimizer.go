package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/asset"
	"quantdesk/internal/domain"
	"quantdesk/internal/ledger"
	"quantdesk/internal/observability"
	"quantdesk/internal/stats"
	"quantdesk/internal/strategy"
)

// Job describes a backtest, or a family of backtests when Grid is set.
type Job struct {
	Strategy   string
	Params     strategy.Params
	Grid       strategy.Grid
	Capital    decimal.Decimal
	Precision  int32
	Sizing     ledger.Sizing
	Resolution domain.Resolution
	Start      time.Time
	End        time.Time
}

// Outcome is one completed grid point. Err is set when the point failed; the
// runtime is still returned so its partial trade log can be inspected.
type Outcome struct {
	Index   int
	Params  strategy.Params
	Runtime *strategy.Runtime
	Result  Result
	Err     error
}

// Report computes the point's statistics against the capital its ledger was
// funded with, after rounding to the ledger's precision.
func (oc Outcome) Report(resolution domain.Resolution) stats.Report {
	l := oc.Runtime.Ledger()
	return stats.Compute(l.InitialCapital(), l.TradeLog(), resolution)
}

// Optimizer runs a Job once per grid point, each point against a private
// runtime and ledger. Assets are shared read-only.
type Optimizer struct {
	registry   *strategy.Registry
	maxWorkers int
	log        *slog.Logger
	metrics    *observability.Metrics
}

// NewOptimizer creates an Optimizer running at most maxWorkers points at a
// time.
func NewOptimizer(registry *strategy.Registry, maxWorkers int, log *slog.Logger, metrics *observability.Metrics) *Optimizer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Optimizer{
		registry:   registry,
		maxWorkers: max(maxWorkers, 1),
		log:        log,
		metrics:    metrics,
	}
}

// Run executes every point of job.Grid merged over job.Params. Outcomes are
// returned in grid order. Only job-level problems and cancellation are
// returned as errors; per-point failures are reported in their Outcome.
func (o *Optimizer) Run(ctx context.Context, assets asset.Set, job Job) ([]Outcome, error) {
	if err := job.Grid.Validate(); err != nil {
		return nil, err
	}
	if !o.registry.Has(job.Strategy) {
		return nil, fmt.Errorf("%q: %w", job.Strategy, strategy.ErrUnknownStrategy)
	}
	if len(assets) == 0 {
		return nil, ErrNoAssets
	}

	points := job.Grid.Merge(job.Params)
	outcomes := make([]Outcome, len(points))

	pointCh := make(chan int, len(points))
	for i := range points {
		pointCh <- i
	}
	close(pointCh)

	var wg sync.WaitGroup
	runStart := time.Now()
	workers := min(o.maxWorkers, len(points))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range pointCh {
				if ctx.Err() != nil {
					outcomes[i] = Outcome{Index: i, Params: points[i], Err: ctx.Err()}
					continue
				}
				outcomes[i] = o.runPoint(ctx, assets, job, i, points[i])
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return outcomes, err
	}

	failed := 0
	for _, oc := range outcomes {
		if oc.Err != nil {
			failed++
		}
	}
	o.log.Info("optimization complete",
		"strategy", job.Strategy,
		"points", len(points),
		"failed", failed,
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	return outcomes, nil
}

func (o *Optimizer) runPoint(ctx context.Context, assets asset.Set, job Job, i int, params strategy.Params) Outcome {
	out := Outcome{Index: i, Params: params}

	s, err := o.registry.New(job.Strategy, params)
	if err != nil {
		out.Err = err
		return out
	}
	log := o.log.With("point", i)
	if len(job.Grid) > 0 {
		log = log.With("params", params.String())
	}

	l := ledger.New(job.Sizing, log)
	l.SetListener(o.metrics.PositionListener(job.Strategy))
	rt := strategy.NewRuntime(s, params, l, log)
	out.Runtime = rt
	if err := rt.SetCapital(job.Capital, job.Precision); err != nil {
		out.Err = err
		return out
	}

	bt := New(job.Resolution, log, o.metrics)
	if err := bt.Attach(rt); err != nil {
		out.Err = err
		return out
	}
	out.Result, out.Err = bt.Run(ctx, assets, job.Start, job.End)
	return out
}

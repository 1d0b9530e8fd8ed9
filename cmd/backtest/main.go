// Backtest runs the strategy described in the backtest section of the config
// over stored daily bars and prints the resulting statistics. When the
// section has a grid, every grid point is run and the results are compared.
//
// Usage:
//
//	go run ./cmd/backtest [-trades] [-browse] [-start 2020-01-01] [-end 2024-12-31]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quantdesk/internal/asset"
	"quantdesk/internal/backtest"
	"quantdesk/internal/config"
	"quantdesk/internal/domain"
	"quantdesk/internal/ledger"
	"quantdesk/internal/observability"
	"quantdesk/internal/report"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
	"quantdesk/internal/strategy/builtins"
	"quantdesk/internal/util"
)

func main() {
	showTrades := flag.Bool("trades", false, "print the trade log of a single run")
	interactive := flag.Bool("browse", false, "show the report in a scrollable terminal view")
	startFlag := flag.String("start", "", "override backtest.start (YYYY-MM-DD)")
	endFlag := flag.String("end", "", "override backtest.end (YYYY-MM-DD)")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *startFlag != "" {
		cfg.Backtest.Start = *startFlag
	}
	if *endFlag != "" {
		cfg.Backtest.End = *endFlag
	}
	if err := cfg.ValidateBacktest(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	job, err := newJob(cfg.Backtest)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	assets, err := loadAssets(ctx, pstore, domain.Market(cfg.Backtest.Market), cfg.Backtest.Tickers, job.End)
	if err != nil {
		log.Fatalf("loading bars: %v", err)
	}

	registry := strategy.NewRegistry()
	builtins.Register(registry)
	metrics := observability.NewMetrics(cfg.Metrics.Namespace)

	opt := backtest.NewOptimizer(registry, cfg.Backtest.MaxWorkers, logger, metrics)
	outcomes, err := opt.Run(ctx, assets, job)
	if err != nil {
		log.Fatalf("backtest error: %v", err)
	}

	var title, out string
	if len(job.Grid) == 0 {
		oc := outcomes[0]
		if oc.Err != nil {
			log.Fatalf("backtest error: %v", oc.Err)
		}
		rep := oc.Report(job.Resolution)
		title = fmt.Sprintf("%s %s..%s", job.Strategy, job.Start.Format(time.DateOnly), job.End.Format(time.DateOnly))
		out = report.Summary(title, rep, job.Precision)
		if *showTrades || *interactive {
			out += report.Trades(oc.Runtime.TradeLog(), job.Precision)
		}
	} else {
		var rows []report.Row
		for _, oc := range outcomes {
			if oc.Err != nil {
				slog.Warn("grid point failed", "params", oc.Params.String(), "error", oc.Err)
				continue
			}
			rows = append(rows, report.Row{
				Label:  oc.Params.String(),
				Report: oc.Report(job.Resolution),
			})
		}
		title = fmt.Sprintf("%s grid (%d points)", job.Strategy, len(outcomes))
		out = report.Comparison(title, rows, job.Precision)
	}

	if *interactive {
		if err := browse(title, out); err != nil {
			log.Fatalf("browse: %v", err)
		}
	} else if err := report.Write(os.Stdout, out); err != nil {
		log.Fatalf("writing report: %v", err)
	}

	if cfg.Metrics.Textfile != "" {
		if err := observability.WriteTextfile(cfg.Metrics.Textfile, metrics.Gatherer()); err != nil {
			slog.Warn("writing metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
		}
	}
}

func newJob(b config.Backtest) (backtest.Job, error) {
	capital, err := b.CapitalAmount()
	if err != nil {
		return backtest.Job{}, err
	}
	sizing, err := ledger.ParseSizing(b.Sizing)
	if err != nil {
		return backtest.Job{}, err
	}
	resolution, err := domain.ParseResolution(b.Resolution)
	if err != nil {
		return backtest.Job{}, err
	}
	start, err := domain.ParseDay(b.Start)
	if err != nil {
		return backtest.Job{}, err
	}
	end, err := domain.ParseDay(b.End)
	if err != nil {
		return backtest.Job{}, err
	}
	return backtest.Job{
		Strategy:   b.Strategy,
		Params:     strategy.Params(b.Params),
		Grid:       strategy.Grid(b.Grid),
		Capital:    capital,
		Precision:  b.Precision,
		Sizing:     sizing,
		Resolution: resolution,
		Start:      start,
		End:        end,
	}, nil
}

// loadAssets reads every ticker up to end. History before the start date is
// kept so that strategies have their lookback available.
func loadAssets(ctx context.Context, bars store.BarStore, market domain.Market, tickers []string, end time.Time) (asset.Set, error) {
	set := make(asset.Set, len(tickers))
	for _, ticker := range tickers {
		data, err := bars.ReadBars(ctx, market, ticker, time.Time{}, end)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ticker, err)
		}
		if len(data) == 0 {
			slog.Warn("no stored bars", "ticker", ticker, "market", market)
			continue
		}
		a, err := asset.New(ticker, data)
		if err != nil {
			return nil, err
		}
		set[ticker] = a
	}
	return set, nil
}

// Fetch-bars seeds the Parquet bar store with the latest bars of every
// ticker used by the configured investments, or of an explicit ticker list.
//
// Usage:
//
//	go run cmd/fetch-bars/main.go [-count 500] [-source alpaca -market us -tickers SPY,QQQ]
//	go run cmd/fetch-bars/main.go -market us -tickers-file data/us/tickers.csv
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"quantdesk/internal/config"
	"quantdesk/internal/domain"
	"quantdesk/internal/gather"
	"quantdesk/internal/observability"
	"quantdesk/internal/store"
	"quantdesk/internal/util"
)

// job is one seeding pass: a source, a market and the tickers it serves.
type job struct {
	source   string
	market   domain.Market
	exchange string
	tickers  []string
}

func main() {
	count := flag.Int("count", 500, "number of most recent bars to fetch per ticker")
	workers := flag.Int("workers", 4, "tickers fetched concurrently")
	sourceFlag := flag.String("source", "", "price source (alpaca or binance); with -tickers")
	marketFlag := flag.String("market", "us", "market of -tickers")
	exchangeFlag := flag.String("exchange", "", "exchange of -tickers")
	tickersFlag := flag.String("tickers", "", "comma separated tickers; default: every configured investment")
	tickersFile := flag.String("tickers-file", "", "CSV file whose first column lists tickers; replaces -tickers")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	tickers := gather.ParseTickers(*tickersFlag)
	if *tickersFile != "" {
		if tickers, err = gather.LoadTickerFile(*tickersFile); err != nil {
			log.Fatalf("failed to load tickers: %v", err)
		}
	}

	var jobs []job
	if len(tickers) > 0 {
		src := *sourceFlag
		if src == "" {
			src = "alpaca"
			if domain.Market(*marketFlag) == domain.MarketCrypto {
				src = "binance"
			}
		}
		jobs = append(jobs, job{
			source:   src,
			market:   domain.Market(*marketFlag),
			exchange: *exchangeFlag,
			tickers:  tickers,
		})
	} else {
		jobs = investmentJobs(cfg.Investments)
	}
	if len(jobs) == 0 {
		log.Fatal("nothing to fetch: no -tickers and no investments configured")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	metrics := observability.NewMetrics(cfg.Metrics.Namespace)

	failed := false
	for _, j := range jobs {
		src, err := gather.NewSource(j.source, cfg, logger)
		if err != nil {
			log.Fatalf("price source: %v", err)
		}
		seeder := &gather.Seeder{
			Source:     src,
			Store:      pstore,
			Market:     j.market,
			Exchange:   j.exchange,
			Resolution: domain.Daily,
			Tickers:    j.tickers,
			Count:      *count,
			MaxWorkers: *workers,
			Log:        logger,
			Metrics:    metrics,
		}
		slog.Info("starting gatherer", "gatherer", seeder.Name(), "market", j.market, "tickers", len(j.tickers))
		if err := seeder.Run(ctx); err != nil {
			slog.Error("gatherer error", "gatherer", seeder.Name(), "error", err)
			failed = true
			if ctx.Err() != nil {
				break
			}
		}
	}

	if cfg.Metrics.Textfile != "" {
		if err := observability.WriteTextfile(cfg.Metrics.Textfile, metrics.Gatherer()); err != nil {
			slog.Warn("writing metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
		}
	}
	if failed {
		log.Fatal("fetch-bars finished with errors")
	}
}

// investmentJobs groups the tickers of every investment by source, market
// and exchange, without duplicates.
func investmentJobs(investments []config.Investment) []job {
	type key struct {
		source   string
		market   domain.Market
		exchange string
	}
	var jobs []job
	index := make(map[key]int)
	seen := make(map[string]bool)
	for _, inv := range investments {
		k := key{source: inv.Source, market: domain.Market(inv.Market), exchange: inv.Exchange}
		i, ok := index[k]
		if !ok {
			i = len(jobs)
			index[k] = i
			jobs = append(jobs, job{source: k.source, market: k.market, exchange: k.exchange})
		}
		for _, t := range inv.Tickers {
			id := string(k.market) + "/" + k.source + "/" + k.exchange + "/" + t
			if seen[id] {
				continue
			}
			seen[id] = true
			jobs[i].tickers = append(jobs[i].tickers, t)
		}
	}
	return jobs
}

package gather

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/observability"
	"quantdesk/internal/store"
	"quantdesk/internal/util"
)

// Seeder fetches the latest bars of a list of tickers from a source and
// merges them into the bar store, several tickers at a time.
type Seeder struct {
	Source     Source
	Store      store.BarStore
	Market     domain.Market
	Exchange   string
	Resolution domain.Resolution
	Tickers    []string
	Count      int
	MaxWorkers int

	Log     *slog.Logger
	Metrics *observability.Metrics

	fetched atomic.Int64
	failed  atomic.Int64
}

// Name returns the gatherer identifier.
func (s *Seeder) Name() string { return "seed-" + s.Source.Name() }

// Fetched returns the number of bars written by the last Run.
func (s *Seeder) Fetched() int64 { return s.fetched.Load() }

// Failed returns the number of tickers that failed in the last Run.
func (s *Seeder) Failed() int64 { return s.failed.Load() }

// Run fetches every ticker. A failing ticker is logged and skipped; Run
// returns an error only when the context ends or every ticker failed.
func (s *Seeder) Run(ctx context.Context) error {
	log := util.Discard(s.Log).With("gatherer", s.Name())
	s.fetched.Store(0)
	s.failed.Store(0)
	if len(s.Tickers) == 0 {
		return nil
	}

	tickerCh := make(chan int, len(s.Tickers))
	for i := range s.Tickers {
		tickerCh <- i
	}
	close(tickerCh)

	var (
		wg       sync.WaitGroup
		runStart = time.Now()
	)
	workers := min(max(s.MaxWorkers, 1), len(s.Tickers))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tickerCh {
				if ctx.Err() != nil {
					return
				}
				ticker := s.Tickers[idx]
				n, err := s.fetchOne(ctx, ticker)
				s.Metrics.RecordFetch(s.Source.Name(), n, err)
				if err != nil {
					s.failed.Add(1)
					log.Error("ticker fetch failed", "ticker", ticker, "err", err)
					continue
				}
				s.fetched.Add(int64(n))
				log.Info("ticker done",
					"ticker", ticker,
					"progress", fmt.Sprintf("%d/%d", idx+1, len(s.Tickers)),
					"bars", n,
				)
			}
		}()
	}

	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Info("complete",
		"bars", s.fetched.Load(),
		"failed", s.failed.Load(),
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	if s.failed.Load() == int64(len(s.Tickers)) {
		return fmt.Errorf("all %d tickers failed", len(s.Tickers))
	}
	return nil
}

func (s *Seeder) fetchOne(ctx context.Context, ticker string) (int, error) {
	bars, err := s.Source.GetQuotes(ctx, ticker, s.Exchange, s.Resolution, s.Count)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, nil
	}
	if err := s.Store.WriteBars(ctx, s.Market, bars); err != nil {
		return 0, fmt.Errorf("writing bars: %w", err)
	}
	return len(bars), nil
}

// Package us fetches US equity bars from the Alpaca market-data API.
package us

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"quantdesk/internal/domain"
	"quantdesk/internal/util"
)

// BarsClient is the slice of the Alpaca market-data client the source uses.
// *marketdata.Client implements it.
type BarsClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaSource serves quotes from Alpaca historical bars. Requests are paced
// to the per-minute quota and retried with exponential backoff.
type AlpacaSource struct {
	client  BarsClient
	feed    string
	limiter *rate.Limiter
	retries int
	backoff time.Duration
	log     *slog.Logger
	now     func() time.Time
}

// Options configures an AlpacaSource.
type Options struct {
	APIKey          string
	APISecret       string
	DataURL         string
	Feed            string // default feed when the caller names no exchange
	RateLimitPerMin int
}

// NewAlpacaSource creates a source backed by the Alpaca market-data client.
func NewAlpacaSource(opts Options, log *slog.Logger) *AlpacaSource {
	copts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		copts.BaseURL = opts.DataURL
	}
	return NewAlpacaSourceWith(marketdata.NewClient(copts), opts, log)
}

// NewAlpacaSourceWith creates a source on an existing client.
func NewAlpacaSourceWith(client BarsClient, opts Options, log *slog.Logger) *AlpacaSource {
	feed := opts.Feed
	if feed == "" {
		feed = "sip"
	}
	return &AlpacaSource{
		client:  client,
		feed:    feed,
		limiter: perMinute(opts.RateLimitPerMin),
		retries: 3,
		backoff: 500 * time.Millisecond,
		log:     util.Discard(log).With("source", "alpaca"),
		now:     time.Now,
	}
}

// perMinute paces n requests per minute, one at a time. A non-positive n
// disables pacing.
func perMinute(n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
}

// Name returns the source identifier.
func (s *AlpacaSource) Name() string { return "alpaca" }

// GetQuotes returns up to count of the most recent bars of symbol, oldest
// first. exchange selects the Alpaca feed ("sip", "iex", "otc"); empty uses
// the configured default.
func (s *AlpacaSource) GetQuotes(ctx context.Context, symbol, exchange string, resolution domain.Resolution, count int) ([]domain.Bar, error) {
	if count <= 0 {
		return nil, nil
	}
	feed := strings.ToLower(exchange)
	if feed == "" {
		feed = s.feed
	}

	end := s.now().UTC()
	req := marketdata.GetBarsRequest{
		TimeFrame:  timeFrame(resolution),
		Adjustment: marketdata.All,
		Start:      end.AddDate(0, 0, -calendarDays(resolution, count)),
		End:        end,
		Feed:       marketdata.Feed(feed),
	}

	var raw []marketdata.Bar
	err := util.Retry(ctx, s.retries, s.backoff, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		raw, err = s.client.GetBars(strings.ToUpper(symbol), req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: domain.Day(ab.Timestamp),
			Open:      decimal.NewFromFloat(ab.Open),
			High:      decimal.NewFromFloat(ab.High),
			Low:       decimal.NewFromFloat(ab.Low),
			Close:     decimal.NewFromFloat(ab.Close),
			Volume:    decimal.NewFromInt(int64(ab.Volume)),
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	s.log.Debug("fetched bars", "ticker", symbol, "feed", feed, "bars", len(bars))
	return bars, nil
}

func timeFrame(r domain.Resolution) marketdata.TimeFrame {
	switch r {
	case domain.Weekly:
		return marketdata.NewTimeFrame(1, marketdata.Week)
	case domain.Monthly:
		return marketdata.NewTimeFrame(1, marketdata.Month)
	default:
		return marketdata.OneDay
	}
}

// calendarDays sizes the request window so that count trading sessions fit
// in it with room for weekends and holidays.
func calendarDays(r domain.Resolution, count int) int {
	switch r {
	case domain.Weekly:
		return count*7 + 7
	case domain.Monthly:
		return count*31 + 31
	default:
		return count*7/5 + 10
	}
}

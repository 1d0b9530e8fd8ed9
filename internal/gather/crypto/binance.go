// Package crypto fetches crypto spot bars from Binance.
package crypto

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"quantdesk/internal/domain"
	"quantdesk/internal/util"
)

// maxLimit is the largest page the klines endpoint returns.
const maxLimit = 1000

// KlinesClient fetches the most recent klines of a symbol.
type KlinesClient interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]*binance.Kline, error)
}

type spotClient struct {
	client *binance.Client
}

func (c spotClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]*binance.Kline, error) {
	return c.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
}

// BinanceSource serves quotes from Binance spot klines. Prices come from the
// exchange as strings and are parsed straight into decimals.
type BinanceSource struct {
	client     KlinesClient
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	log        *slog.Logger
}

// NewBinanceSource creates a source on the public spot API. Klines need no
// credentials; keys are passed through for accounts with raised limits.
func NewBinanceSource(apiKey, secretKey string, requestsPerSecond float64, log *slog.Logger) *BinanceSource {
	client := binance.NewClient(apiKey, secretKey)
	client.HTTPClient = &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return NewBinanceSourceWith(spotClient{client: client}, requestsPerSecond, log)
}

// NewBinanceSourceWith creates a source on an existing klines client.
func NewBinanceSourceWith(client KlinesClient, requestsPerSecond float64, log *slog.Logger) *BinanceSource {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	burst := int(math.Max(1, 2*requestsPerSecond))
	return &BinanceSource{
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		maxRetries: 3,
		backoff:    100 * time.Millisecond,
		log:        util.Discard(log).With("source", "binance"),
	}
}

// Name returns the source identifier.
func (s *BinanceSource) Name() string { return "binance" }

// GetQuotes returns up to count of the most recent klines of symbol, oldest
// first. Binance is the only venue, so exchange is ignored.
func (s *BinanceSource) GetQuotes(ctx context.Context, symbol, _ string, resolution domain.Resolution, count int) ([]domain.Bar, error) {
	if count <= 0 {
		return nil, nil
	}
	symbol = strings.ToUpper(symbol)
	limit := min(count, maxLimit)

	klines, err := s.klines(ctx, symbol, resolution.Interval(), limit)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(klines))
	for _, k := range klines {
		b, err := toBar(symbol, k)
		if err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	s.log.Debug("fetched klines", "ticker", symbol, "interval", resolution.Interval(), "bars", len(bars))
	return bars, nil
}

// klines waits for the limiter and retries with exponential backoff.
func (s *BinanceSource) klines(ctx context.Context, symbol, interval string, limit int) ([]*binance.Kline, error) {
	var (
		klines []*binance.Kline
		err    error
	)
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if werr := s.limiter.Wait(ctx); werr != nil {
			return nil, werr
		}

		klines, err = s.client.Klines(ctx, symbol, interval, limit)
		if err == nil {
			return klines, nil
		}
		if attempt == s.maxRetries {
			break
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * s.backoff
		s.log.Warn("klines request failed, retrying", "ticker", symbol, "attempt", attempt+1, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, err
}

func toBar(symbol string, k *binance.Kline) (domain.Bar, error) {
	b := domain.Bar{
		Symbol:    symbol,
		Timestamp: domain.Day(time.UnixMilli(k.OpenTime)),
	}
	fields := []struct {
		dst  *decimal.Decimal
		src  string
		name string
	}{
		{&b.Open, k.Open, "open"},
		{&b.High, k.High, "high"},
		{&b.Low, k.Low, "low"},
		{&b.Close, k.Close, "close"},
		{&b.Volume, k.Volume, "volume"},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return domain.Bar{}, fmt.Errorf("kline %s %s %q: %w", symbol, f.name, f.src, err)
		}
		*f.dst = d
	}
	return b, nil
}

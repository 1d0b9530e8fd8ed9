package gather

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/config"
	"quantdesk/internal/domain"
	"quantdesk/internal/observability"
	"quantdesk/internal/store"
)

type fakeSource struct {
	mu     sync.Mutex
	failOn map[string]bool
	asked  []string
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) GetQuotes(_ context.Context, symbol, _ string, _ domain.Resolution, count int) ([]domain.Bar, error) {
	f.mu.Lock()
	f.asked = append(f.asked, symbol)
	f.mu.Unlock()
	if f.failOn[symbol] {
		return nil, errors.New("upstream down")
	}
	bars := make([]domain.Bar, count)
	for i := range bars {
		px := decimal.NewFromInt(int64(100 + i))
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: time.Date(2024, 1, 2+i, 0, 0, 0, 0, time.UTC),
			Open:      px, High: px, Low: px, Close: px,
			Volume: decimal.NewFromInt(10),
		}
	}
	return bars, nil
}

func TestSeederWritesEveryTicker(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	src := &fakeSource{failOn: map[string]bool{"BAD": true}}
	m := observability.NewMetrics("test")

	s := &Seeder{
		Source:     src,
		Store:      ps,
		Market:     domain.MarketUS,
		Resolution: domain.Daily,
		Tickers:    []string{"SPY", "QQQ", "BAD", "IWM"},
		Count:      3,
		MaxWorkers: 2,
		Metrics:    m,
	}
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, int64(9), s.Fetched())
	assert.Equal(t, int64(1), s.Failed())
	assert.Len(t, src.asked, 4)

	symbols, err := ps.ListSymbols(context.Background(), domain.MarketUS)
	require.NoError(t, err)
	assert.Equal(t, []string{"IWM", "QQQ", "SPY"}, symbols)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.SourceFetches.WithLabelValues("fake", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceFetches.WithLabelValues("fake", "error")))
}

func TestSeederAllFailed(t *testing.T) {
	s := &Seeder{
		Source:  &fakeSource{failOn: map[string]bool{"A": true, "B": true}},
		Store:   store.NewParquetStore(t.TempDir()),
		Market:  domain.MarketUS,
		Tickers: []string{"A", "B"},
		Count:   1,
	}
	assert.Error(t, s.Run(context.Background()))
	assert.Equal(t, "seed-fake", s.Name())
}

func TestSeederCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Seeder{
		Source:  &fakeSource{},
		Store:   store.NewParquetStore(t.TempDir()),
		Market:  domain.MarketUS,
		Tickers: []string{"A", "B"},
		Count:   1,
	}
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}

func TestNewSource(t *testing.T) {
	cfg := &config.Config{}
	cfg.Alpaca.Feed = "iex"

	src, err := NewSource("alpaca", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "alpaca", src.Name())

	src, err = NewSource("binance", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "binance", src.Name())

	_, err = NewSource("bloomberg", cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestLoadTickerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickers.csv")
	csv := "symbol,description\nspy,S&P 500\nQQQ,Nasdaq 100\n SPY ,dup\n,blank\nBTCUSDT\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	got, err := LoadTickerFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"SPY", "QQQ", "BTCUSDT"}, got)

	_, err = LoadTickerFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestParseTickers(t *testing.T) {
	assert.Equal(t, []string{"SPY", "QQQ"}, ParseTickers(" spy, QQQ,,SPY "))
	assert.Empty(t, ParseTickers(""))
}

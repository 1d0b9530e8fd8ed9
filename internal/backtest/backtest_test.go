package backtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/asset"
	"quantdesk/internal/domain"
	"quantdesk/internal/ledger"
	"quantdesk/internal/strategy"
	"quantdesk/internal/strategy/builtins"
)

// 2024-01-01 is a Monday.
func date(m time.Month, d int) time.Time { return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC) }

// weekdays builds a series with one bar per weekday from start for n
// calendar days. Prices rise by one per bar, opening half a point below
// the close.
func weekdays(t *testing.T, ticker string, start time.Time, n int) *asset.Asset {
	t.Helper()
	var bars []domain.Bar
	price := decimal.NewFromInt(100)
	for i := 0; i < n; i++ {
		d := start.AddDate(0, 0, i)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		price = price.Add(decimal.NewFromInt(1))
		bars = append(bars, domain.Bar{
			Symbol:    ticker,
			Timestamp: d,
			Open:      price.Sub(decimal.RequireFromString("0.5")),
			High:      price.Add(decimal.NewFromInt(1)),
			Low:       price.Sub(decimal.NewFromInt(1)),
			Close:     price,
			Volume:    decimal.NewFromInt(1000),
		})
	}
	a, err := asset.New(ticker, bars)
	require.NoError(t, err)
	return a
}

// recorder logs every hook call and the last bar it was shown.
type recorder struct {
	calls    []string
	open     map[time.Time]domain.Bar
	close    map[time.Time]domain.Bar
	ends     int
	failOn   time.Time
	lookback int
}

func newRecorder() *recorder {
	return &recorder{open: map[time.Time]domain.Bar{}, close: map[time.Time]domain.Bar{}}
}

func (r *recorder) Name() string  { return "recorder" }
func (r *recorder) Lookback() int { return r.lookback }

func (r *recorder) OnOpen(_ context.Context, _ *strategy.Runtime, view asset.Set, d time.Time) error {
	r.calls = append(r.calls, "open "+d.Format(time.DateOnly))
	last, _ := view["SPY"].Last()
	r.open[d] = last
	return nil
}

func (r *recorder) OnClose(_ context.Context, _ *strategy.Runtime, view asset.Set, d time.Time) error {
	r.calls = append(r.calls, "close "+d.Format(time.DateOnly))
	last, _ := view["SPY"].Last()
	r.close[d] = last
	if d.Equal(r.failOn) {
		return errors.New("strategy blew up")
	}
	return nil
}

func (r *recorder) OnStrategyEnd(_ context.Context, _ *strategy.Runtime, _ asset.Set, d time.Time) error {
	r.ends++
	r.calls = append(r.calls, "end "+d.Format(time.DateOnly))
	return nil
}

func funded(t *testing.T, s strategy.Strategy) *strategy.Runtime {
	t.Helper()
	rt := strategy.NewRuntime(s, nil, ledger.New(ledger.SizingPercent, nil), nil)
	require.NoError(t, rt.SetCapital(decimal.NewFromInt(10000), 2))
	return rt
}

func attached(t *testing.T, s strategy.Strategy) *Backtester {
	t.Helper()
	bt := New(domain.Daily, nil, nil)
	require.NoError(t, bt.Attach(funded(t, s)))
	return bt
}

func TestRun_Preconditions(t *testing.T) {
	ctx := context.Background()
	set := asset.NewSet(weekdays(t, "SPY", date(1, 1), 5))

	_, err := New(domain.Daily, nil, nil).Run(ctx, set, date(1, 1), date(1, 5))
	require.ErrorIs(t, err, ErrNoStrategy)

	_, err = attached(t, newRecorder()).Run(ctx, asset.Set{}, date(1, 1), date(1, 5))
	require.ErrorIs(t, err, ErrNoAssets)

	unfunded := New(domain.Daily, nil, nil)
	require.NoError(t, unfunded.Attach(strategy.NewRuntime(newRecorder(), nil, ledger.New(ledger.SizingPercent, nil), nil)))
	_, err = unfunded.Run(ctx, set, date(1, 1), date(1, 5))
	require.ErrorIs(t, err, ledger.ErrCapitalNotSet)

	rec := newRecorder()
	_, err = attached(t, rec).Run(ctx, set, date(1, 5), date(1, 1))
	require.ErrorIs(t, err, ErrInvalidRange)
	assert.Empty(t, rec.calls, "no hook may run when a precondition fails")
}

func TestRun_OnlyOnce(t *testing.T) {
	bt := attached(t, newRecorder())
	set := asset.NewSet(weekdays(t, "SPY", date(1, 1), 5))

	_, err := bt.Run(context.Background(), set, date(1, 1), date(1, 5))
	require.NoError(t, err)
	assert.Equal(t, Ended, bt.State())

	_, err = bt.Run(context.Background(), set, date(1, 1), date(1, 5))
	require.ErrorIs(t, err, ErrAlreadyRun)
	require.ErrorIs(t, bt.Attach(funded(t, newRecorder())), ErrAlreadyRun)
}

func TestRun_OpenBeforeCloseAndSkipsWeekends(t *testing.T) {
	rec := newRecorder()
	bt := attached(t, rec)
	assert.Equal(t, NotStarted, bt.State())
	set := asset.NewSet(weekdays(t, "SPY", date(1, 1), 14))

	res, err := bt.Run(context.Background(), set, date(1, 5), date(1, 9))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"open 2024-01-05", "close 2024-01-05",
		"open 2024-01-08", "close 2024-01-08",
		"open 2024-01-09", "close 2024-01-09",
		"end 2024-01-09",
	}, rec.calls)
	assert.Equal(t, 3, res.Sessions)
	assert.Equal(t, 2, res.Skipped)
	assert.True(t, res.FinalDate.Equal(date(1, 9)))
	assert.Equal(t, 1, rec.ends)
}

func TestRun_NoLookAhead(t *testing.T) {
	rec := newRecorder()
	set := asset.NewSet(weekdays(t, "SPY", date(1, 1), 10))

	_, err := attached(t, rec).Run(context.Background(), set, date(1, 1), date(1, 10))
	require.NoError(t, err)
	require.NotEmpty(t, rec.open)

	for d, seen := range rec.open {
		full := rec.close[d]
		assert.True(t, seen.Partial, "%s", d)
		assert.Equal(t, full.OpenOnly(), seen, "open view on %s must only expose the open", d)
		assert.False(t, seen.Close.Equal(full.Close), "close leaked on %s", d)
	}
}

func TestRun_EndCalledWhenEveryStepSkipped(t *testing.T) {
	rec := newRecorder()
	set := asset.NewSet(weekdays(t, "SPY", date(1, 1), 5))

	// Saturday and Sunday only.
	res, err := attached(t, rec).Run(context.Background(), set, date(1, 6), date(1, 7))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sessions)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, []string{"end 2024-01-05"}, rec.calls)
}

func TestRun_StrategyErrorAborts(t *testing.T) {
	rec := newRecorder()
	rec.failOn = date(1, 3)
	bt := attached(t, rec)
	set := asset.NewSet(weekdays(t, "SPY", date(1, 1), 10))

	res, err := bt.Run(context.Background(), set, date(1, 1), date(1, 10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy blew up")
	assert.Equal(t, Ended, bt.State())
	assert.Equal(t, 2, res.Sessions)
	assert.Zero(t, rec.ends)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := newRecorder()

	_, err := attached(t, rec).Run(ctx, asset.NewSet(weekdays(t, "SPY", date(1, 1), 5)), date(1, 1), date(1, 5))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.calls)
}

func TestRun_LookbackWarning(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	rec := newRecorder()
	rec.lookback = 20

	bt := New(domain.Daily, log, nil)
	require.NoError(t, bt.Attach(funded(t, rec)))
	_, err := bt.Run(context.Background(), asset.NewSet(weekdays(t, "SPY", date(1, 1), 14)), date(1, 8), date(1, 12))
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "insufficient lookback")
	assert.Contains(t, buf.String(), "have=5")
	assert.Contains(t, buf.String(), "need=20")
}

func TestRun_WeeklyResolution(t *testing.T) {
	rec := newRecorder()
	bt := New(domain.Weekly, nil, nil)
	require.NoError(t, bt.Attach(funded(t, rec)))
	set := asset.NewSet(weekdays(t, "SPY", date(1, 1), 31))

	// Steps fall on Sundays; each resolves to the Friday before it. The
	// first step has no session after the start date.
	res, err := bt.Run(context.Background(), set, date(1, 7), date(1, 28))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sessions)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{
		"open 2024-01-12", "close 2024-01-12",
		"open 2024-01-19", "close 2024-01-19",
		"open 2024-01-26", "close 2024-01-26",
		"end 2024-01-26",
	}, rec.calls)
}

// Scenario: buy 50% at the first open, hold, liquidate at the end.
func TestRun_BuyAndHoldEndToEnd(t *testing.T) {
	s, err := builtins.NewBuyAndHoldFromParams(strategy.Params{"size": 50})
	require.NoError(t, err)
	rt := funded(t, s)
	bt := New(domain.Daily, nil, nil)
	require.NoError(t, bt.Attach(rt))

	set := asset.NewSet(weekdays(t, "SPY", date(1, 1), 5))
	_, err = bt.Run(context.Background(), set, date(1, 1), date(1, 5))
	require.NoError(t, err)

	log := rt.TradeLog()
	require.Len(t, log, 1)
	p := log[0]
	// Opens at 100.50, closes on day five at 105.
	assert.True(t, p.OpenPrice.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, p.OpenSize.Equal(decimal.NewFromInt(5000)))
	assert.True(t, p.Exit.Price.Equal(decimal.NewFromInt(105)))
	want := decimal.RequireFromString("223.88")
	assert.True(t, p.Profit().Equal(want), "profit %s", p.Profit())
	assert.True(t, rt.Ledger().Capital().Equal(decimal.NewFromInt(10000).Add(want)))
	// Worst mark is the first close: low 100 on 49.75124378 units.
	assert.True(t, p.MaxDrawdown.Equal(decimal.RequireFromString("24.88")), fmt.Sprintf("drawdown %s", p.MaxDrawdown))
}

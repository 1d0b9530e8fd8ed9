package investor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/asset"
	"quantdesk/internal/config"
	"quantdesk/internal/domain"
	"quantdesk/internal/notify"
	"quantdesk/internal/observability"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
	"quantdesk/internal/strategy/builtins"
	"quantdesk/internal/util"
)

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func bar(t time.Time, open, close int64) domain.Bar {
	return domain.Bar{
		Symbol:    "SPY",
		Timestamp: t,
		Open:      decimal.NewFromInt(open),
		High:      decimal.NewFromInt(max(open, close)),
		Low:       decimal.NewFromInt(min(open, close)),
		Close:     decimal.NewFromInt(close),
		Volume:    decimal.NewFromInt(1000),
	}
}

// fakeSource serves the latest count bars dated on or before now, like a
// real source queried at that time. A zero now serves every bar.
type fakeSource struct {
	mu    sync.Mutex
	bars  []domain.Bar
	now   time.Time
	err   error
	calls []int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) GetQuotes(_ context.Context, _, _ string, _ domain.Resolution, count int) ([]domain.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, count)
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Bar
	for _, b := range f.bars {
		if f.now.IsZero() || !b.Date().After(domain.Day(f.now)) {
			out = append(out, b)
		}
	}
	if len(out) > count {
		out = out[len(out)-count:]
	}
	return append([]domain.Bar(nil), out...), nil
}

type recordNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
	summary  []string
	sends    int
}

func (r *recordNotifier) Notify(level notify.Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, notify.Message{Level: level, Text: msg})
}

func (r *recordNotifier) Summary(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = append(r.summary, line)
}

func (r *recordNotifier) SendAll(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends++
	return nil
}

func (r *recordNotifier) count(level notify.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Level == level {
			n++
		}
	}
	return n
}

// failing opens half its capital in SPY and then reports an error.
type failing struct{}

func (failing) Name() string { return "failing" }

func (failing) OnOpen(_ context.Context, rt *strategy.Runtime, _ asset.Set, _ time.Time) error {
	if _, err := rt.EntryAtMarket(domain.SideLong, "SPY", decimal.NewFromInt(50), "half"); err != nil {
		return err
	}
	return errors.New("boom")
}

type env struct {
	dir      string
	states   *store.JSONStateStore
	bars     *store.ParquetStore
	source   *fakeSource
	registry *strategy.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	r := strategy.NewRegistry()
	builtins.Register(r)
	r.Register("failing", func(strategy.Params) (strategy.Strategy, error) { return failing{}, nil })

	e := &env{
		dir:      dir,
		states:   store.NewJSONStateStore(filepath.Join(dir, "investments.json"), nil),
		bars:     store.NewParquetStore(filepath.Join(dir, "data")),
		source:   &fakeSource{},
		registry: r,
	}

	var history []domain.Bar
	for _, d := range []time.Time{day(2, 26), day(2, 27), day(2, 28), day(2, 29), day(3, 1), day(3, 4)} {
		history = append(history, bar(d, 95, 96))
	}
	require.NoError(t, e.bars.WriteBars(context.Background(), domain.MarketUS, history))
	e.source.bars = append(history, bar(day(3, 5), 100, 102), bar(day(3, 6), 104, 103))
	return e
}

func (e *env) investor(t *testing.T, strat string, now time.Time, n notify.Notifier) *Investor {
	t.Helper()
	cfg := config.Investment{
		ID:         "spy-" + strat,
		Strategy:   strat,
		Capital:    "10000",
		Precision:  2,
		Sizing:     "percent",
		Resolution: "daily",
		Market:     "us",
		Tickers:    []string{"SPY"},
	}
	e.source.mu.Lock()
	e.source.now = now
	e.source.mu.Unlock()
	inv, err := New(cfg, Deps{
		Registry: e.registry,
		States:   e.states,
		Bars:     e.bars,
		Source:   e.source,
		Notifier: n,
		Metrics:  observability.NewMetrics("test"),
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)
	return inv
}

func run(t *testing.T, inv *Investor, event domain.Event) error {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, inv.LoadState(ctx))
	require.NoError(t, inv.LoadAssets(ctx))
	require.NoError(t, inv.UpdateSources(ctx))
	return inv.Execute(ctx, event)
}

func TestNewRejectsBadConfig(t *testing.T) {
	e := newEnv(t)
	deps := Deps{Registry: e.registry, States: e.states, Bars: e.bars}
	base := config.Investment{ID: "x", Strategy: "buy-and-hold", Capital: "100", Tickers: []string{"SPY"}}

	_, err := New(base, deps)
	require.NoError(t, err)

	bad := base
	bad.Strategy = "nope"
	_, err = New(bad, deps)
	assert.ErrorContains(t, err, "unknown strategy")

	bad = base
	bad.Capital = "0"
	_, err = New(bad, deps)
	assert.Error(t, err)

	bad = base
	bad.Tickers = nil
	_, err = New(bad, deps)
	assert.ErrorContains(t, err, "no tickers")

	bad = base
	bad.Sizing = "lots"
	_, err = New(bad, deps)
	assert.Error(t, err)

	_, err = New(base, Deps{Registry: e.registry})
	assert.Error(t, err)
}

func TestExecuteFreshStatePersists(t *testing.T) {
	e := newEnv(t)
	n := &recordNotifier{}
	inv := e.investor(t, "buy-and-hold", time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC), n)

	require.NoError(t, run(t, inv, domain.EventOpen))
	assert.Equal(t, []int{1}, e.source.calls)

	st, err := e.states.Load(context.Background(), inv.ID())
	require.NoError(t, err)
	assert.Equal(t, store.StateVersion, st.Version)
	assert.Equal(t, "buy-and-hold", st.Name)
	require.Len(t, st.OpenTrades, 1)
	assert.Equal(t, "100", st.OpenTrades[0].OpenPrice.String())
	assert.Equal(t, "100", st.OpenTrades[0].Quantity.String())
	assert.True(t, st.Available.IsZero())
	assert.Equal(t, "100", st.CurrentPositions["SPY"].String())

	// the fetched bar reached the bar store
	bars, err := e.bars.ReadBars(context.Background(), domain.MarketUS, "SPY", day(3, 5), day(3, 5))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, "102", bars[0].Close.String())

	assert.Equal(t, 1, n.count(notify.LevelInfo), "position opened notification")
}

func TestExecuteResumesWithoutReplaying(t *testing.T) {
	e := newEnv(t)
	first := e.investor(t, "buy-and-hold", time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC), &recordNotifier{})
	require.NoError(t, run(t, first, domain.EventOpen))
	opened := first.Runtime().OpenTrades()
	require.Len(t, opened, 1)

	second := e.investor(t, "buy-and-hold", time.Date(2024, 3, 6, 15, 0, 0, 0, time.UTC), &recordNotifier{})
	require.NoError(t, run(t, second, domain.EventOpen))
	require.NoError(t, second.Execute(context.Background(), domain.EventClose))

	l := second.Runtime().Ledger()
	assert.Len(t, l.TradeLog(), 1)
	resumed := l.OpenTrades()
	require.Len(t, resumed, 1)
	assert.Equal(t, opened[0].ID, resumed[0].ID)
	assert.True(t, opened[0].OpenTime.Equal(resumed[0].OpenTime))
	assert.Equal(t, "100", resumed[0].Quantity.String())
	assert.Equal(t, []int{1, 1}, e.source.calls)

	st, err := e.states.Load(context.Background(), second.ID())
	require.NoError(t, err)
	assert.Len(t, st.TradeLog, 1)
	assert.True(t, st.UpdatedAt.Equal(time.Date(2024, 3, 6, 15, 0, 0, 0, time.UTC)))
}

func TestLoadStateCorruptStartsFresh(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(e.states.Path(), []byte("{not json"), 0o644))

	n := &recordNotifier{}
	inv := e.investor(t, "buy-and-hold", time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC), n)
	require.NoError(t, inv.LoadState(context.Background()))

	l := inv.Runtime().Ledger()
	assert.Equal(t, "10000", l.Capital().String())
	assert.False(t, l.HasOpenTrades())
	assert.Equal(t, 1, n.count(notify.LevelWarn))

	require.NoError(t, inv.Execute(context.Background(), domain.EventOpen))
	_, err := e.states.Load(context.Background(), inv.ID())
	assert.NoError(t, err, "state rewritten after the corrupt file was moved aside")
}

func TestExecutePersistsOnStrategyError(t *testing.T) {
	e := newEnv(t)
	n := &recordNotifier{}
	inv := e.investor(t, "failing", time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC), n)

	err := run(t, inv, domain.EventOpen)
	require.Error(t, err)
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 1, n.count(notify.LevelError))

	st, lerr := e.states.Load(context.Background(), inv.ID())
	require.NoError(t, lerr)
	require.Len(t, st.OpenTrades, 1)
	assert.Equal(t, "5000", st.Available.String())
}

func TestUpdateSourcesFetchFailureIsWarning(t *testing.T) {
	e := newEnv(t)
	e.source.err = errors.New("network down")
	n := &recordNotifier{}
	inv := e.investor(t, "buy-and-hold", time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC), n)

	require.NoError(t, inv.LoadState(context.Background()))
	require.NoError(t, inv.UpdateSources(context.Background()))
	assert.Equal(t, 1, n.count(notify.LevelWarn))

	last, ok := inv.Assets()["SPY"].Last()
	require.True(t, ok)
	assert.True(t, last.Timestamp.Equal(day(3, 4)), "stale series kept")

	require.NoError(t, inv.Execute(context.Background(), domain.EventOpen))
	assert.Equal(t, 2, n.count(notify.LevelWarn), "stale data warning")
}

func TestMissing(t *testing.T) {
	e := newEnv(t)
	inv := e.investor(t, "sma-cross", time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC), &recordNotifier{})
	inv.cfg.Params = map[string]float64{"short": 2, "long": 3}
	require.NoError(t, inv.LoadState(context.Background()))

	empty, err := asset.New("SPY", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, inv.missing(empty, day(3, 5)))

	a, err := asset.New("SPY", []domain.Bar{bar(day(2, 29), 1, 1)})
	require.NoError(t, err)
	assert.Equal(t, 3, inv.missing(a, day(3, 5)))
	assert.Equal(t, 1, inv.missing(a, day(2, 29)), "today's bar is refreshed")

	friday, err := asset.New("SPY", []domain.Bar{bar(day(3, 1), 1, 1)})
	require.NoError(t, err)
	assert.Equal(t, 0, inv.missing(friday, day(3, 3)), "weekend")

	holiday, err := asset.New("SPY", []domain.Bar{bar(day(3, 28), 1, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, inv.missing(holiday, day(4, 1)), "Good Friday skipped")
}

func TestExecuteMarketClosed(t *testing.T) {
	e := newEnv(t)
	inv := e.investor(t, "buy-and-hold", time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC), &recordNotifier{})
	require.NoError(t, run(t, inv, domain.EventOpen))
	assert.False(t, inv.Runtime().HasOpenTrades())

	_, err := e.states.Load(context.Background(), inv.ID())
	assert.NoError(t, err)
}

func TestExecuteRequiresState(t *testing.T) {
	e := newEnv(t)
	inv := e.investor(t, "buy-and-hold", day(3, 5), &recordNotifier{})
	assert.ErrorIs(t, inv.Execute(context.Background(), domain.EventOpen), ErrNotLoaded)
}

func TestReset(t *testing.T) {
	e := newEnv(t)
	inv := e.investor(t, "buy-and-hold", time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC), &recordNotifier{})
	require.NoError(t, run(t, inv, domain.EventOpen))
	require.True(t, inv.Runtime().HasOpenTrades())

	require.NoError(t, inv.Reset(context.Background()))
	assert.False(t, inv.Runtime().HasOpenTrades())
	_, err := e.states.Load(context.Background(), inv.ID())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSummarize(t *testing.T) {
	e := newEnv(t)
	n := &recordNotifier{}
	inv := e.investor(t, "buy-and-hold", time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC), n)
	require.NoError(t, run(t, inv, domain.EventOpen))

	inv.Summarize()
	require.Len(t, n.summary, 2)
	assert.Equal(t, "spy-buy-and-hold (buy-and-hold): capital 10,000.00 (0.00%), available 0.00", n.summary[0])
	assert.Contains(t, n.summary[1], "long SPY 100 since 2024-03-05")
}

func TestGuardFlushesOnce(t *testing.T) {
	n := &recordNotifier{}
	f := NewFlusher(n)

	err := Guard(context.Background(), f, func() error { return errors.New("failed") })
	assert.EqualError(t, err, "failed")
	assert.NoError(t, f.Flush(context.Background()))
	assert.Equal(t, 1, n.sends)
}

func TestGuardFlushesOnPanic(t *testing.T) {
	n := &recordNotifier{}
	f := NewFlusher(n)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = Guard(context.Background(), f, func() error { panic("kaboom") })
	})
	assert.Equal(t, 1, n.sends)
}

func TestGuardWithQueue(t *testing.T) {
	var sent []notify.Batch
	q := notify.NewQueue("inv", sinkFunc(func(b notify.Batch) { sent = append(sent, b) }))
	q.Notify(notify.LevelInfo, "hello")

	require.NoError(t, Guard(context.Background(), NewFlusher(q), func() error { return nil }))
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Messages[0].Text)
}

type sinkFunc func(notify.Batch)

func (f sinkFunc) Send(_ context.Context, b notify.Batch) error {
	f(b)
	return nil
}

func TestExecuteHonoursLoadedSessions(t *testing.T) {
	e := newEnv(t)
	cal := util.NewTradingCalendar(domain.MarketUS)
	cal.SetSessions(day(3, 1), day(3, 8), []time.Time{day(3, 1), day(3, 4), day(3, 6), day(3, 7), day(3, 8)})

	inv, err := New(config.Investment{
		ID: "spy", Strategy: "buy-and-hold", Capital: "10000", Precision: 2,
		Market: "us", Tickers: []string{"SPY"},
	}, Deps{
		Registry: e.registry,
		States:   e.states,
		Bars:     e.bars,
		Source:   e.source,
		Calendar: cal,
		Notifier: &recordNotifier{},
		Now:      func() time.Time { return time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)

	require.NoError(t, run(t, inv, domain.EventOpen))
	assert.Empty(t, e.source.calls, "no session since the last stored bar")
	assert.False(t, inv.Runtime().HasOpenTrades(), "closed day executes nothing")
}

func TestFakeSourceHonoursClock(t *testing.T) {
	e := newEnv(t)
	e.source.now = time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)
	bars, err := e.source.GetQuotes(context.Background(), "SPY", "", domain.Daily, 1)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.True(t, bars[0].Timestamp.Equal(day(3, 5)))
}

// flakyStates fails every Load with err and counts saves.
type flakyStates struct {
	store.StateStore
	err   error
	saves int
}

func (f *flakyStates) Load(context.Context, string) (*store.InvestmentState, error) {
	return nil, f.err
}

func (f *flakyStates) Save(ctx context.Context, id string, st *store.InvestmentState) error {
	f.saves++
	return f.StateStore.Save(ctx, id, st)
}

func TestLoadStateReadFailureKeepsSavedState(t *testing.T) {
	e := newEnv(t)
	now := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)
	require.NoError(t, run(t, e.investor(t, "buy-and-hold", now, &recordNotifier{}), domain.EventOpen))

	for _, loadErr := range []error{
		errors.New("database is locked"),
		fmt.Errorf("investment spy-buy-and-hold: version 9: %w", store.ErrUnsupportedVersion),
	} {
		states := &flakyStates{StateStore: e.states, err: loadErr}
		n := &recordNotifier{}
		inv, err := New(config.Investment{
			ID: "spy-buy-and-hold", Strategy: "buy-and-hold", Capital: "10000", Precision: 2,
			Market: "us", Tickers: []string{"SPY"},
		}, Deps{
			Registry: e.registry,
			States:   states,
			Bars:     e.bars,
			Notifier: n,
			Now:      func() time.Time { return now.AddDate(0, 0, 1) },
		})
		require.NoError(t, err)

		require.NoError(t, inv.LoadState(context.Background()))
		require.NotNil(t, inv.Runtime())
		assert.False(t, inv.Runtime().HasOpenTrades(), "runs on a fresh ledger")
		require.NoError(t, inv.Execute(context.Background(), domain.EventClose))
		assert.Zero(t, states.saves)
		assert.Equal(t, 1, n.count(notify.LevelError))
	}

	st, err := e.states.Load(context.Background(), "spy-buy-and-hold")
	require.NoError(t, err)
	assert.Len(t, st.OpenTrades, 1, "saved position untouched")
}

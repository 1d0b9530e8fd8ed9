package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/asset"
	"quantdesk/internal/domain"
	"quantdesk/internal/ledger"
)

func day(d int) time.Time { return time.Date(2024, 5, d, 0, 0, 0, 0, time.UTC) }

func bar(d int, open, close string) domain.Bar {
	o, c := decimal.RequireFromString(open), decimal.RequireFromString(close)
	return domain.Bar{
		Symbol: "SPY", Timestamp: day(d),
		Open: o, High: decimal.Max(o, c).Add(decimal.NewFromInt(1)), Low: decimal.Min(o, c).Sub(decimal.NewFromInt(1)), Close: c,
		Volume: decimal.NewFromInt(100),
	}
}

func testSet(t *testing.T) asset.Set {
	t.Helper()
	a, err := asset.New("SPY", []domain.Bar{bar(1, "100", "102"), bar(2, "103", "101")})
	require.NoError(t, err)
	return asset.NewSet(a)
}

func newRuntime(t *testing.T, s Strategy) *Runtime {
	t.Helper()
	rt := NewRuntime(s, Params{"k": 1}, ledger.New(ledger.SizingPercent, nil), nil)
	require.NoError(t, rt.SetCapital(decimal.NewFromInt(1000), 2))
	return rt
}

// openOnly buys at the open and records what it saw.
type openOnly struct {
	seen []domain.Bar
}

func (o *openOnly) Name() string { return "open-only" }

func (o *openOnly) OnOpen(_ context.Context, rt *Runtime, view asset.Set, date time.Time) error {
	last, _ := view["SPY"].Last()
	o.seen = append(o.seen, last)
	_, err := rt.EntryAtMarket(domain.SideLong, "SPY", decimal.NewFromInt(50), "open")
	return err
}

type failing struct{ err error }

func (f *failing) Name() string { return "failing" }

func (f *failing) OnClose(_ context.Context, rt *Runtime, _ asset.Set, _ time.Time) error {
	if _, err := rt.EntryAtMarket(domain.SideLong, "SPY", decimal.NewFromInt(10), ""); err != nil {
		return err
	}
	return f.err
}

func TestDispatch_CallsOnlyImplementedHooks(t *testing.T) {
	s := &openOnly{}
	rt := newRuntime(t, s)
	set := testSet(t)

	require.NoError(t, rt.Dispatch(context.Background(), domain.EventClose, set.Until(day(1)), day(1)))
	assert.Empty(t, s.seen)
	assert.False(t, rt.HasOpenTrades())

	require.NoError(t, rt.Dispatch(context.Background(), domain.EventOpen, set.AtOpen(day(2)), day(2)))
	require.Len(t, s.seen, 1)
	assert.True(t, s.seen[0].Partial)
	assert.Equal(t, domain.EventOpen, rt.Event())
	assert.True(t, rt.Date().Equal(day(2)))

	open := rt.OpenTrades()
	require.Len(t, open, 1)
	assert.True(t, open[0].OpenPrice.Equal(decimal.NewFromInt(103)), "entry at open price, got %s", open[0].OpenPrice)
	assert.True(t, open[0].OpenTime.Equal(day(2)))
}

func TestDispatch_MarksAfterHookFailure(t *testing.T) {
	boom := errors.New("boom")
	rt := newRuntime(t, &failing{err: boom})
	set := testSet(t)

	err := rt.Dispatch(context.Background(), domain.EventClose, set.Until(day(2)), day(2))
	require.ErrorIs(t, err, boom)

	open := rt.OpenTrades()
	require.Len(t, open, 1)
	// Bought at 101 with low 100: one point adverse on 0.990099 units.
	assert.True(t, open[0].MaxDrawdown.Equal(decimal.RequireFromString("0.99")), "drawdown %s", open[0].MaxDrawdown)
}

func TestDispatch_UnknownEvent(t *testing.T) {
	rt := newRuntime(t, &openOnly{})
	err := rt.Dispatch(context.Background(), domain.Event("noon"), testSet(t), day(1))
	require.Error(t, err)
}

func TestRuntime_NoViewBeforeDispatch(t *testing.T) {
	rt := newRuntime(t, &openOnly{})
	_, err := rt.EntryAtMarket(domain.SideLong, "SPY", decimal.NewFromInt(10), "")
	require.ErrorIs(t, err, ErrNoView)
}

func TestRuntime_ExitAndCloseAll(t *testing.T) {
	rt := newRuntime(t, &openOnly{})
	set := testSet(t)
	require.NoError(t, rt.Dispatch(context.Background(), domain.EventOpen, set.AtOpen(day(1)), day(1)))
	require.NoError(t, rt.Dispatch(context.Background(), domain.EventOpen, set.AtOpen(day(2)), day(2)))
	require.Len(t, rt.OpenFor("SPY"), 2)
	assert.Empty(t, rt.OpenFor("QQQ"))

	first := rt.OpenTrades()[0]
	require.NoError(t, rt.End(context.Background(), set.Until(day(2)), day(2)))
	// openOnly has no end hook, so nothing is liquidated.
	assert.Len(t, rt.OpenTrades(), 2)

	require.NoError(t, rt.Exit(first.ID, "partial"))
	require.NoError(t, rt.CloseAll("flat"))
	assert.False(t, rt.HasOpenTrades())
	assert.Len(t, rt.TradeLog(), 2)
	assert.Equal(t, Params{"k": 1}, rt.Params())
}

func TestLookback(t *testing.T) {
	assert.Equal(t, 0, Lookback(&openOnly{}))
	assert.Equal(t, 7, Lookback(lookbackStub(7)))
}

type lookbackStub int

func (l lookbackStub) Name() string  { return "lookback" }
func (l lookbackStub) Lookback() int { return int(l) }

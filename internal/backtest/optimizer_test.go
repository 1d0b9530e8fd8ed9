package backtest

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/asset"
	"quantdesk/internal/domain"
	"quantdesk/internal/ledger"
	"quantdesk/internal/observability"
	"quantdesk/internal/strategy"
	"quantdesk/internal/strategy/builtins"
)

func registry() *strategy.Registry {
	r := strategy.NewRegistry()
	builtins.Register(r)
	return r
}

func job(name string, grid strategy.Grid) Job {
	return Job{
		Strategy:   name,
		Params:     strategy.Params{"size": 50},
		Grid:       grid,
		Capital:    decimal.NewFromInt(10000),
		Precision:  2,
		Sizing:     ledger.SizingPercent,
		Resolution: domain.Daily,
		Start:      date(1, 1),
		End:        date(1, 31),
	}
}

func TestOptimizer_RunsEveryPointIndependently(t *testing.T) {
	m := observability.NewMetrics("opt")
	o := NewOptimizer(registry(), 3, nil, m)
	set := asset.NewSet(weekdays(t, "SPY", date(1, 1), 31))

	outcomes, err := o.Run(context.Background(), set, job(builtins.BuyAndHoldName, strategy.Grid{"size": {10, 25, 50, 100}}))
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	for i, oc := range outcomes {
		require.NoError(t, oc.Err)
		assert.Equal(t, i, oc.Index)
		log := oc.Runtime.TradeLog()
		require.Len(t, log, 1, "point %d", i)
		want := decimal.NewFromInt(10000).Mul(decimal.NewFromFloat(oc.Params.Float("size", 0))).Div(decimal.NewFromInt(100))
		assert.True(t, log[0].OpenSize.Equal(want), "point %d size %s want %s", i, log[0].OpenSize, want)
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(m.BacktestRuns.WithLabelValues("ok")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PositionsOpened.WithLabelValues(builtins.BuyAndHoldName, "long")))

	// A bigger stake on a rising series earns more, and no ledger leaked into another.
	p0 := outcomes[0].Runtime.Ledger().Capital()
	p3 := outcomes[3].Runtime.Ledger().Capital()
	assert.True(t, p3.GreaterThan(p0))
}

func TestOptimizer_EmptyGridIsSingleRun(t *testing.T) {
	o := NewOptimizer(registry(), 4, nil, nil)
	set := asset.NewSet(weekdays(t, "SPY", date(1, 1), 31))

	outcomes, err := o.Run(context.Background(), set, job(builtins.BuyAndHoldName, nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, strategy.Params{"size": 50}, outcomes[0].Params)
	assert.Equal(t, 23, outcomes[0].Result.Sessions)
}

func TestOptimizer_PointFailuresAreReported(t *testing.T) {
	o := NewOptimizer(registry(), 2, nil, nil)
	set := asset.NewSet(weekdays(t, "SPY", date(1, 1), 31))

	outcomes, err := o.Run(context.Background(), set, job(builtins.SMACrossName, strategy.Grid{"short": {3, 10}, "long": {5}}))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err, "short 10 >= long 5 must fail")
	assert.Nil(t, outcomes[1].Runtime)
}

func TestOptimizer_JobErrors(t *testing.T) {
	o := NewOptimizer(registry(), 2, nil, nil)
	set := asset.NewSet(weekdays(t, "SPY", date(1, 1), 5))

	_, err := o.Run(context.Background(), set, job("nope", nil))
	require.ErrorIs(t, err, strategy.ErrUnknownStrategy)

	_, err = o.Run(context.Background(), asset.Set{}, job(builtins.BuyAndHoldName, nil))
	require.ErrorIs(t, err, ErrNoAssets)

	_, err = o.Run(context.Background(), set, job(builtins.BuyAndHoldName, strategy.Grid{"size": {}}))
	require.Error(t, err)
}

func TestOptimizer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := NewOptimizer(registry(), 2, nil, nil)

	outcomes, err := o.Run(ctx, asset.NewSet(weekdays(t, "SPY", date(1, 1), 5)), job(builtins.BuyAndHoldName, strategy.Grid{"size": {10, 20}}))
	require.ErrorIs(t, err, context.Canceled)
	for _, oc := range outcomes {
		assert.ErrorIs(t, oc.Err, context.Canceled)
	}
}

func TestOutcome_ReportUsesLedgerCapital(t *testing.T) {
	o := NewOptimizer(registry(), 1, nil, nil)
	set := asset.NewSet(weekdays(t, "SPY", date(1, 1), 31))
	j := job(builtins.BuyAndHoldName, nil)
	j.Capital = decimal.RequireFromString("10000.004")

	outcomes, err := o.Run(context.Background(), set, j)
	require.NoError(t, err)
	require.NoError(t, outcomes[0].Err)

	l := outcomes[0].Runtime.Ledger()
	rep := outcomes[0].Report(j.Resolution)
	assert.True(t, rep.InitialCapital.Equal(decimal.NewFromInt(10000)), "initial %s", rep.InitialCapital)
	assert.True(t, rep.FinalCapital.Equal(l.Capital()), "final %s ledger %s", rep.FinalCapital, l.Capital())
	assert.True(t, rep.ReturnPct.Equal(
		l.Capital().Sub(l.InitialCapital()).Mul(decimal.NewFromInt(100)).DivRound(l.InitialCapital(), 4)))
}

// Package stats reduces a trade log into aggregate performance metrics. Every
// metric is a pure function of the trade log and the starting capital.
package stats

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/domain"
	"quantdesk/internal/ledger"
)

// Scale is the number of decimal places of ratios and averages.
const Scale = 4

var hundred = decimal.NewFromInt(100)

// Point is one sample of the running capital series.
type Point struct {
	Time       time.Time
	Capital    decimal.Decimal
	PositionID string // empty for the starting point
}

// SideStats aggregates closed trades of one side, or of both.
type SideStats struct {
	Trades      int
	Wins        int
	Losses      int
	WinRate     decimal.Decimal // percent
	NetProfit   decimal.Decimal
	GrossProfit decimal.Decimal
	GrossLoss   decimal.Decimal // positive amount

	// ProfitFactor is GrossProfit / GrossLoss. It is invalid (undefined)
	// when there is no gross loss.
	ProfitFactor decimal.NullDecimal

	AvgWin      decimal.Decimal
	AvgLoss     decimal.Decimal // positive amount
	AvgBarsHeld decimal.Decimal
	LargestWin  decimal.Decimal
	LargestLoss decimal.Decimal // positive amount
}

// Report is the metrics snapshot of one trade log.
type Report struct {
	InitialCapital decimal.Decimal
	FinalCapital   decimal.Decimal
	ReturnPct      decimal.Decimal

	Capital    []Point
	All        SideStats
	Long       SideStats
	Short      SideStats
	OpenTrades int

	MaxDrawdown            decimal.Decimal
	MaxDrawdownPct         decimal.Decimal
	MaxPositionDrawdown    decimal.Decimal
	MaxPositionDrawdownPct decimal.Decimal

	// Sharpe is the mean over the sample standard deviation of per-trade
	// returns of the capital series. Risk free rate is zero and the ratio is
	// not annualized.
	Sharpe float64
}

// Compute builds the report for trades. The input is copied and sorted into
// trade log order, so the result does not depend on the caller's ordering.
// Only closed positions contribute to profit metrics; open positions count
// towards OpenTrades and the position-level drawdown.
func Compute(initial decimal.Decimal, trades []ledger.Position, resolution domain.Resolution) Report {
	sorted := make([]ledger.Position, len(trades))
	copy(sorted, trades)
	ledger.SortTradeLog(sorted)

	r := Report{
		InitialCapital: initial,
		FinalCapital:   initial,
	}

	var all, long, short accumulator
	capital := initial
	for i := range sorted {
		p := &sorted[i]
		if p.MaxDrawdown.GreaterThan(r.MaxPositionDrawdown) {
			r.MaxPositionDrawdown = p.MaxDrawdown
		}
		if p.MaxDrawdownPct.GreaterThan(r.MaxPositionDrawdownPct) {
			r.MaxPositionDrawdownPct = p.MaxDrawdownPct
		}
		if p.IsOpen() {
			r.OpenTrades++
			continue
		}

		if len(r.Capital) == 0 {
			r.Capital = append(r.Capital, Point{Time: p.OpenTime, Capital: initial})
		}
		capital = capital.Add(p.Profit())
		r.Capital = append(r.Capital, Point{Time: p.Exit.Time, Capital: capital, PositionID: p.ID})

		bars := resolution.StepsBetween(p.OpenTime, p.Exit.Time)
		all.add(p, bars)
		if p.Side == domain.SideShort {
			short.add(p, bars)
		} else {
			long.add(p, bars)
		}
	}

	r.All, r.Long, r.Short = all.stats(), long.stats(), short.stats()
	r.FinalCapital = capital
	if initial.IsPositive() {
		r.ReturnPct = capital.Sub(initial).Mul(hundred).DivRound(initial, Scale)
	}
	r.MaxDrawdown, r.MaxDrawdownPct = maxDrawdown(r.Capital)
	r.Sharpe = sharpe(r.Capital)
	return r
}

type accumulator struct {
	trades, wins, losses    int
	gross, loss             decimal.Decimal
	largestWin, largestLoss decimal.Decimal
	bars                    int64
}

// add counts a closed position. A break-even trade counts as a loss.
func (a *accumulator) add(p *ledger.Position, bars int) {
	profit := p.Profit()
	a.trades++
	a.bars += int64(bars)
	if profit.IsPositive() {
		a.wins++
		a.gross = a.gross.Add(profit)
		if profit.GreaterThan(a.largestWin) {
			a.largestWin = profit
		}
		return
	}
	a.losses++
	loss := profit.Neg()
	a.loss = a.loss.Add(loss)
	if loss.GreaterThan(a.largestLoss) {
		a.largestLoss = loss
	}
}

func (a *accumulator) stats() SideStats {
	s := SideStats{
		Trades:      a.trades,
		Wins:        a.wins,
		Losses:      a.losses,
		NetProfit:   a.gross.Sub(a.loss),
		GrossProfit: a.gross,
		GrossLoss:   a.loss,
		LargestWin:  a.largestWin,
		LargestLoss: a.largestLoss,
	}
	if a.trades > 0 {
		s.WinRate = ratio(int64(a.wins)*100, int64(a.trades))
		s.AvgBarsHeld = ratio(a.bars, int64(a.trades))
	}
	if a.wins > 0 {
		s.AvgWin = a.gross.DivRound(decimal.NewFromInt(int64(a.wins)), Scale)
	}
	if a.losses > 0 {
		s.AvgLoss = a.loss.DivRound(decimal.NewFromInt(int64(a.losses)), Scale)
	}
	if a.loss.IsPositive() {
		s.ProfitFactor = decimal.NewNullDecimal(a.gross.DivRound(a.loss, Scale))
	}
	return s
}

func ratio(num, den int64) decimal.Decimal {
	return decimal.NewFromInt(num).DivRound(decimal.NewFromInt(den), Scale)
}

// maxDrawdown returns the largest peak-to-trough decline of the series, in
// currency and in percent of the peak it fell from.
func maxDrawdown(series []Point) (decimal.Decimal, decimal.Decimal) {
	var maxDD, maxPct decimal.Decimal
	if len(series) == 0 {
		return maxDD, maxPct
	}
	peak := series[0].Capital
	for _, pt := range series {
		if pt.Capital.GreaterThan(peak) {
			peak = pt.Capital
			continue
		}
		dd := peak.Sub(pt.Capital)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
		if peak.IsPositive() {
			if pct := dd.Mul(hundred).DivRound(peak, Scale); pct.GreaterThan(maxPct) {
				maxPct = pct
			}
		}
	}
	return maxDD, maxPct
}

// sharpe computes the ratio on float64 returns; the result is a statistic,
// not money, and needs a square root.
func sharpe(series []Point) float64 {
	if len(series) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		prev := series[i-1].Capital
		if !prev.IsPositive() {
			continue
		}
		returns = append(returns, series[i].Capital.Sub(prev).Div(prev).InexactFloat64())
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	stddev := math.Sqrt(variance / float64(len(returns)-1))
	if stddev == 0 {
		return 0
	}
	return mean / stddev
}

// Package report renders statistics reports as terminal tables.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/shopspring/decimal"

	"quantdesk/internal/ledger"
	"quantdesk/internal/stats"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	gainStyle   = cellStyle.Foreground(lipgloss.Color("10"))
	lossStyle   = cellStyle.Foreground(lipgloss.Color("9"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Row is one labelled report in a comparison table.
type Row struct {
	Label  string
	Report stats.Report
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...)
}

// signStyle colours a cell by the sign of the value it shows.
func signStyle(d decimal.Decimal) lipgloss.Style {
	switch {
	case d.IsPositive():
		return gainStyle
	case d.IsNegative():
		return lossStyle
	default:
		return cellStyle
	}
}

// Summary renders one report as a metric table with All, Long and Short
// columns.
func Summary(title string, r stats.Report, precision int32) string {
	sides := []stats.SideStats{r.All, r.Long, r.Short}
	rows := [][]string{
		sideRow("Trades", sides, func(s stats.SideStats) string { return FormatCount(s.Trades) }),
		sideRow("Wins", sides, func(s stats.SideStats) string { return FormatInt(s.Wins) }),
		sideRow("Losses", sides, func(s stats.SideStats) string { return FormatInt(s.Losses) }),
		sideRow("Win rate", sides, func(s stats.SideStats) string { return s.WinRate.StringFixed(2) + "%" }),
		sideRow("Net profit", sides, func(s stats.SideStats) string { return FormatMoney(s.NetProfit, precision) }),
		sideRow("Gross profit", sides, func(s stats.SideStats) string { return FormatMoney(s.GrossProfit, precision) }),
		sideRow("Gross loss", sides, func(s stats.SideStats) string { return FormatMoney(s.GrossLoss, precision) }),
		sideRow("Profit factor", sides, func(s stats.SideStats) string { return FormatRatio(s.ProfitFactor) }),
		sideRow("Avg win", sides, func(s stats.SideStats) string { return FormatMoney(s.AvgWin, precision) }),
		sideRow("Avg loss", sides, func(s stats.SideStats) string { return FormatMoney(s.AvgLoss, precision) }),
		sideRow("Largest win", sides, func(s stats.SideStats) string { return FormatMoney(s.LargestWin, precision) }),
		sideRow("Largest loss", sides, func(s stats.SideStats) string { return FormatMoney(s.LargestLoss, precision) }),
		sideRow("Avg bars held", sides, func(s stats.SideStats) string { return s.AvgBarsHeld.StringFixed(1) }),
	}
	metrics := newTable("", "All", "Long", "Short").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if rows[row][0] == "Net profit" && col > 0 {
				return signStyle(sides[col-1].NetProfit)
			}
			return cellStyle
		})

	overview := newTable("Capital", "Value").
		Rows(
			[]string{"Initial", FormatMoney(r.InitialCapital, precision)},
			[]string{"Final", FormatMoney(r.FinalCapital, precision)},
			[]string{"Return", FormatPct(r.ReturnPct)},
			[]string{"Max drawdown", FormatMoney(r.MaxDrawdown, precision) + " (" + FormatDrawdown(r.MaxDrawdownPct) + ")"},
			[]string{"Max position drawdown", FormatMoney(r.MaxPositionDrawdown, precision) + " (" + FormatDrawdown(r.MaxPositionDrawdownPct) + ")"},
			[]string{"Sharpe (per trade)", strconv.FormatFloat(r.Sharpe, 'f', 3, 64)},
			[]string{"Open trades", FormatInt(r.OpenTrades)},
		).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row == 2 && col == 1 {
				return signStyle(r.ReturnPct)
			}
			return cellStyle
		})

	var b strings.Builder
	b.WriteString(titleStyle.Render(" " + title + " "))
	b.WriteByte('\n')
	b.WriteString(overview.String())
	b.WriteByte('\n')
	b.WriteString(metrics.String())
	b.WriteByte('\n')
	return b.String()
}

func sideRow(label string, sides []stats.SideStats, f func(stats.SideStats) string) []string {
	row := []string{label}
	for _, s := range sides {
		row = append(row, f(s))
	}
	return row
}

// Comparison renders several reports side by side, one row each, in the
// order given.
func Comparison(title string, rows []Row, precision int32) string {
	data := make([][]string, len(rows))
	for i, r := range rows {
		rep := r.Report
		data[i] = []string{
			strconv.Itoa(i + 1),
			r.Label,
			FormatCount(rep.All.Trades),
			rep.All.WinRate.StringFixed(1) + "%",
			FormatMoney(rep.All.NetProfit, precision),
			FormatPct(rep.ReturnPct),
			FormatRatio(rep.All.ProfitFactor),
			FormatDrawdown(rep.MaxDrawdownPct),
			strconv.FormatFloat(rep.Sharpe, 'f', 3, 64),
		}
	}
	t := newTable("#", "Params", "Trades", "Win", "Net", "Return", "PF", "Max DD", "Sharpe").
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 4 || col == 5 {
				return signStyle(rows[row].Report.All.NetProfit)
			}
			return cellStyle
		})

	return titleStyle.Render(" "+title+" ") + "\n" + t.String() + "\n"
}

// Trades renders a trade log, one position per row.
func Trades(positions []ledger.Position, precision int32) string {
	data := make([][]string, len(positions))
	for i := range positions {
		p := &positions[i]
		closeDate, closePrice, profit, pct := "open", "-", "-", "-"
		if !p.IsOpen() {
			closeDate = p.Exit.Time.Format(time.DateOnly)
			closePrice = p.Exit.Price.String()
			profit = FormatMoney(p.Profit(), precision)
			pct = FormatPct(p.ProfitPct())
		}
		data[i] = []string{
			p.Ticker,
			string(p.Side),
			p.OpenTime.Format(time.DateOnly),
			p.OpenPrice.String(),
			FormatMoney(p.OpenSize, precision),
			closeDate,
			closePrice,
			profit,
			pct,
		}
	}
	t := newTable("Ticker", "Side", "Opened", "Price", "Size", "Closed", "Price", "Profit", "%").
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if (col == 7 || col == 8) && !positions[row].IsOpen() {
				return signStyle(positions[row].Profit())
			}
			return cellStyle
		})
	return t.String() + "\n"
}

// Write writes a rendered block to w.
func Write(w io.Writer, block string) error {
	_, err := fmt.Fprint(w, block)
	return err
}

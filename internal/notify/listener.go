package notify

import (
	"fmt"

	"quantdesk/internal/ledger"
	"quantdesk/internal/report"
)

// Listener turns ledger position events into notifications.
type Listener struct {
	n         Notifier
	precision int32
	prefix    string
}

var _ ledger.Listener = (*Listener)(nil)

// NewListener creates a listener that reports to n. prefix is prepended to
// every message, typically the investment id.
func NewListener(n Notifier, prefix string, precision int32) *Listener {
	return &Listener{n: n, prefix: prefix, precision: precision}
}

func (l *Listener) PositionOpened(p ledger.Position) {
	l.n.Notify(LevelInfo, fmt.Sprintf("%sopened %s %s: %s @ %s (%s)%s",
		l.tag(), p.Side, p.Ticker, p.Quantity, p.OpenPrice,
		report.FormatMoney(p.OpenSize, l.precision), comment(p.OpenComment)))
}

func (l *Listener) PositionClosed(p ledger.Position) {
	if p.Exit == nil {
		return
	}
	level := LevelInfo
	if p.Profit().IsNegative() {
		level = LevelWarn
	}
	l.n.Notify(level, fmt.Sprintf("%sclosed %s %s @ %s: %s (%s)%s",
		l.tag(), p.Side, p.Ticker, p.Exit.Price, report.FormatMoney(p.Profit(), l.precision),
		report.FormatPct(p.ProfitPct()), comment(p.Exit.Comment)))
}

func (l *Listener) tag() string {
	if l.prefix == "" {
		return ""
	}
	return l.prefix + ": "
}

func comment(c string) string {
	if c == "" {
		return ""
	}
	return " - " + c
}

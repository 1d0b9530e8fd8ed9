// Package domain holds the value types shared by every layer of quantdesk:
// price bars, trade sides, markets, dispatch events and simulation resolution.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies the venue family a ticker trades on. It drives the
// trading calendar and the on-disk layout of the bar store.
type Market string

const (
	MarketUS     Market = "us"
	MarketCN     Market = "cn"
	MarketCrypto Market = "crypto"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide converts a user supplied string into a Side.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Event is one of the two dispatch moments of a trading session.
type Event string

const (
	EventOpen  Event = "open"
	EventClose Event = "close"
)

// ParseEvent converts a user supplied string into an Event.
func ParseEvent(s string) (Event, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return EventOpen, nil
	case "close":
		return EventClose, nil
	default:
		return "", fmt.Errorf("unknown event %q (want open or close)", s)
	}
}

// Bar is one OHLCV record for a ticker on a given date. Prices and volume are
// decimals so that nothing read from a source is rounded through float64 on
// its way into the ledger.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal

	// Partial marks a bar truncated to its open price. Only the Open view of
	// an asset window contains partial bars.
	Partial bool
}

// Date returns the bar's calendar day.
func (b Bar) Date() time.Time {
	return Day(b.Timestamp)
}

// OpenOnly returns a copy of b that exposes nothing beyond the open price.
func (b Bar) OpenOnly() Bar {
	return Bar{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp,
		Open:      b.Open,
		High:      b.Open,
		Low:       b.Open,
		Close:     b.Open,
		Volume:    decimal.Zero,
		Partial:   true,
	}
}

// Day truncates t to midnight UTC of its calendar date. Bars are keyed by
// day, so every date comparison in the engine goes through Day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD string into a Day.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return t, nil
}

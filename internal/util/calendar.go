package util

import (
	"time"

	"quantdesk/internal/domain"
)

// TradingCalendar knows which calendar days a market trades on. US days
// exclude weekends and NYSE full-day holidays; CN days exclude weekends
// only; crypto trades every day. An exchange calendar loaded with
// SetSessions takes precedence over these rules inside its range.
type TradingCalendar struct {
	market domain.Market

	sessions    map[time.Time]bool
	first, last time.Time
}

// NewTradingCalendar creates a TradingCalendar for the given market.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	return &TradingCalendar{
		market: market,
	}
}

// Market returns the calendar's market.
func (tc *TradingCalendar) Market() domain.Market { return tc.market }

// SetSessions loads the exact trading days of [from, to], as published by
// the exchange. Dates outside the range keep using the rules.
func (tc *TradingCalendar) SetSessions(from, to time.Time, days []time.Time) {
	tc.first, tc.last = domain.Day(from), domain.Day(to)
	tc.sessions = make(map[time.Time]bool, len(days))
	for _, d := range days {
		tc.sessions[domain.Day(d)] = true
	}
}

// IsTradingDay reports whether the market has a session on t's date.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	if tc.market == domain.MarketCrypto {
		return true
	}
	d := domain.Day(t)
	if tc.sessions != nil && !d.Before(tc.first) && !d.After(tc.last) {
		return tc.sessions[d]
	}
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if tc.market == domain.MarketUS && IsUSHoliday(d) {
		return false
	}
	return true
}

// TradingDaysBetween counts the trading days in (from, to], by date. It
// returns 0 when to is not after from.
func (tc *TradingCalendar) TradingDaysBetween(from, to time.Time) int {
	n := 0
	for d := domain.Day(from).AddDate(0, 0, 1); !d.After(domain.Day(to)); d = d.AddDate(0, 0, 1) {
		if tc.IsTradingDay(d) {
			n++
		}
	}
	return n
}

// PreviousTradingDay returns the last trading day strictly before t.
func (tc *TradingCalendar) PreviousTradingDay(t time.Time) time.Time {
	d := domain.Day(t).AddDate(0, 0, -1)
	for !tc.IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// IsUSHoliday reports whether d is an NYSE full-day holiday.
func IsUSHoliday(d time.Time) bool {
	d = domain.Day(d)
	y := d.Year()
	for _, h := range usHolidays(y) {
		if h.Equal(d) {
			return true
		}
	}
	return false
}

func usHolidays(y int) []time.Time {
	hs := []time.Time{
		observed(date(y, time.January, 1)),
		nthWeekday(y, time.January, time.Monday, 3),  // Martin Luther King Jr. Day
		nthWeekday(y, time.February, time.Monday, 3), // Washington's Birthday
		easter(y).AddDate(0, 0, -2),                  // Good Friday
		lastWeekday(y, time.May, time.Monday),        // Memorial Day
		observed(date(y, time.July, 4)),
		nthWeekday(y, time.September, time.Monday, 1),  // Labor Day
		nthWeekday(y, time.November, time.Thursday, 4), // Thanksgiving
		observed(date(y, time.December, 25)),
	}
	if y >= 2022 {
		hs = append(hs, observed(date(y, time.June, 19)))
	}
	// A Saturday New Year's Day is not moved to the prior Friday.
	if hs[0].Year() != y {
		hs = hs[1:]
	}
	return hs
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// observed moves a Saturday holiday to Friday and a Sunday holiday to Monday.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

func nthWeekday(y int, m time.Month, wd time.Weekday, n int) time.Time {
	d := date(y, m, 1)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, 1)
	}
	return d.AddDate(0, 0, 7*(n-1))
}

func lastWeekday(y int, m time.Month, wd time.Weekday) time.Time {
	d := date(y, m+1, 1).AddDate(0, 0, -1)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// easter returns Easter Sunday (anonymous Gregorian algorithm).
func easter(y int) time.Time {
	a := y % 19
	b := y / 100
	c := y % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return date(y, time.Month(month), day)
}

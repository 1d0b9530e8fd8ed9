// Package asset provides the date-indexed price series the simulation core
// reads from, together with the windowed views that keep strategy code from
// looking ahead of the simulated clock.
package asset

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/domain"
)

var (
	// ErrDuplicateDate is returned when two bars of one series share a date.
	ErrDuplicateDate = errors.New("duplicate bar date")

	// ErrDateNotFound is returned when a series has no bar on the requested date.
	ErrDateNotFound = errors.New("date not found in series")

	// ErrEmpty is returned when a price is requested from a series without bars.
	ErrEmpty = errors.New("series has no bars")
)

// Asset is an ordered OHLCV series for one ticker. Dates are strictly
// increasing. Windows returned by Until and AtOpen share the bar array of
// their parent, so an Asset must be treated as read-only once windows have
// been taken from it; Merge always builds a fresh array.
type Asset struct {
	ticker string
	bars   []domain.Bar

	// partial is today's bar truncated to its open. It is only set on
	// windows built by AtOpen and logically follows bars.
	partial *domain.Bar
}

// New builds an Asset from bars in any order. Bar timestamps are normalized
// to their calendar day.
func New(ticker string, bars []domain.Bar) (*Asset, error) {
	sorted := make([]domain.Bar, len(bars))
	for i, b := range bars {
		b.Timestamp = b.Date()
		if b.Symbol == "" {
			b.Symbol = ticker
		}
		sorted[i] = b
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Timestamp.Equal(sorted[i-1].Timestamp) {
			return nil, fmt.Errorf("%s on %s: %w", ticker, sorted[i].Timestamp.Format("2006-01-02"), ErrDuplicateDate)
		}
	}
	return &Asset{ticker: ticker, bars: sorted}, nil
}

// Ticker returns the asset's symbol.
func (a *Asset) Ticker() string { return a.ticker }

// Len returns the number of bars visible in this series or window.
func (a *Asset) Len() int {
	if a.partial != nil {
		return len(a.bars) + 1
	}
	return len(a.bars)
}

// At returns the i-th visible bar.
func (a *Asset) At(i int) domain.Bar {
	if a.partial != nil && i == len(a.bars) {
		return *a.partial
	}
	return a.bars[i]
}

// First returns the earliest bar.
func (a *Asset) First() (domain.Bar, bool) {
	if a.Len() == 0 {
		return domain.Bar{}, false
	}
	return a.At(0), true
}

// Last returns the latest visible bar.
func (a *Asset) Last() (domain.Bar, bool) {
	if a.Len() == 0 {
		return domain.Bar{}, false
	}
	return a.At(a.Len() - 1), true
}

// Bars returns a copy of the visible bars.
func (a *Asset) Bars() []domain.Bar {
	out := make([]domain.Bar, 0, a.Len())
	out = append(out, a.bars...)
	if a.partial != nil {
		out = append(out, *a.partial)
	}
	return out
}

// Closes returns the close prices of the visible bars, oldest first.
func (a *Asset) Closes() []decimal.Decimal {
	out := make([]decimal.Decimal, 0, a.Len())
	for i := 0; i < a.Len(); i++ {
		out = append(out, a.At(i).Close)
	}
	return out
}

// Price returns the most recent known price: the close of the latest
// visible bar, which for an Open window is today's open.
func (a *Asset) Price() (decimal.Decimal, error) {
	last, ok := a.Last()
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", a.ticker, ErrEmpty)
	}
	return last.Close, nil
}

// Index returns the position of the bar dated date among the full bars of
// the series, ignoring any partial bar.
func (a *Asset) Index(date time.Time) (int, bool) {
	day := domain.Day(date)
	i := a.search(day)
	if i < len(a.bars) && a.bars[i].Timestamp.Equal(day) {
		return i, true
	}
	return i, false
}

// Bar returns the bar dated date.
func (a *Asset) Bar(date time.Time) (domain.Bar, error) {
	if a.partial != nil && a.partial.Timestamp.Equal(domain.Day(date)) {
		return *a.partial, nil
	}
	i, ok := a.Index(date)
	if !ok {
		return domain.Bar{}, fmt.Errorf("%s on %s: %w", a.ticker, domain.Day(date).Format("2006-01-02"), ErrDateNotFound)
	}
	return a.bars[i], nil
}

// HasBarOn reports whether the series has a bar dated date, including the
// partial bar of an Open window.
func (a *Asset) HasBarOn(date time.Time) bool {
	if a.partial != nil && a.partial.Timestamp.Equal(domain.Day(date)) {
		return true
	}
	_, ok := a.Index(date)
	return ok
}

// CountBefore returns how many full bars are dated strictly before date.
func (a *Asset) CountBefore(date time.Time) int {
	return a.search(domain.Day(date))
}

// Until returns the Close window: every bar dated on or before date.
func (a *Asset) Until(date time.Time) *Asset {
	n := a.search(domain.Day(date).AddDate(0, 0, 1))
	return &Asset{ticker: a.ticker, bars: a.bars[:n:n]}
}

// AtOpen returns the Open window: every bar dated before date and, when the
// series has a bar on date, that bar truncated to its open price. Strategy
// code reading an Open window cannot observe the day's high, low, close or
// volume.
func (a *Asset) AtOpen(date time.Time) *Asset {
	day := domain.Day(date)
	n := a.search(day)
	w := &Asset{ticker: a.ticker, bars: a.bars[:n:n]}
	if n < len(a.bars) && a.bars[n].Timestamp.Equal(day) {
		open := a.bars[n].OpenOnly()
		w.partial = &open
	}
	return w
}

// Merge returns a new Asset containing the bars of a plus incoming. An
// incoming bar replaces an existing bar with the same date.
func (a *Asset) Merge(incoming ...domain.Bar) *Asset {
	byDay := make(map[time.Time]domain.Bar, len(a.bars)+len(incoming))
	for _, b := range a.bars {
		byDay[b.Timestamp] = b
	}
	for _, b := range incoming {
		b.Timestamp = b.Date()
		if b.Symbol == "" {
			b.Symbol = a.ticker
		}
		byDay[b.Timestamp] = b
	}
	merged := make([]domain.Bar, 0, len(byDay))
	for _, b := range byDay {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return &Asset{ticker: a.ticker, bars: merged}
}

// search returns the index of the first full bar not before day.
func (a *Asset) search(day time.Time) int {
	return sort.Search(len(a.bars), func(i int) bool {
		return !a.bars[i].Timestamp.Before(day)
	})
}

package asset

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMissing is returned when a ticker has no series in a Set.
var ErrMissing = errors.New("asset not in set")

// Set is the collection of series a strategy run trades, keyed by ticker.
type Set map[string]*Asset

// NewSet indexes assets by ticker.
func NewSet(assets ...*Asset) Set {
	s := make(Set, len(assets))
	for _, a := range assets {
		s[a.Ticker()] = a
	}
	return s
}

// Tickers returns the tickers of the set in sorted order.
func (s Set) Tickers() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Until returns the Close window of every asset.
func (s Set) Until(date time.Time) Set {
	out := make(Set, len(s))
	for t, a := range s {
		out[t] = a.Until(date)
	}
	return out
}

// AtOpen returns the Open window of every asset.
func (s Set) AtOpen(date time.Time) Set {
	out := make(Set, len(s))
	for t, a := range s {
		out[t] = a.AtOpen(date)
	}
	return out
}

// HasBarOn reports whether any asset in the set traded on date.
func (s Set) HasBarOn(date time.Time) bool {
	for _, a := range s {
		if a.HasBarOn(date) {
			return true
		}
	}
	return false
}

// Price returns the latest known price of ticker within the set.
func (s Set) Price(ticker string) (decimal.Decimal, error) {
	a, ok := s[ticker]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", ticker, ErrMissing)
	}
	return a.Price()
}

package us

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"quantdesk/internal/domain"
	"quantdesk/internal/util"
)

// calendarFunc returns the session dates ("YYYY-MM-DD") between start and
// end.
type calendarFunc func(start, end time.Time) ([]string, error)

// Calendar reads the US equity market calendar from the Alpaca trading API.
// It knows about unscheduled closures that the rule based calendar cannot.
type Calendar struct {
	fetch calendarFunc
}

// NewCalendar creates a Calendar using the Alpaca trading API at baseURL.
// An empty baseURL uses the SDK default.
func NewCalendar(apiKey, apiSecret, baseURL string) *Calendar {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return &Calendar{fetch: func(start, end time.Time) ([]string, error) {
		days, err := client.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
		if err != nil {
			return nil, err
		}
		dates := make([]string, len(days))
		for i, d := range days {
			dates[i] = d.Date
		}
		return dates, nil
	}}
}

// Sessions returns the trading days in [from, to].
func (c *Calendar) Sessions(from, to time.Time) ([]time.Time, error) {
	dates, err := c.fetch(domain.Day(from), domain.Day(to))
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("no trading days returned from calendar")
	}
	days := make([]time.Time, 0, len(dates))
	for _, s := range dates {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("calendar date %q: %w", s, err)
		}
		days = append(days, d)
	}
	return days, nil
}

// LoadInto loads the sessions of the window around now into tc. On failure
// tc keeps its rules and the error is logged.
func (c *Calendar) LoadInto(ctx context.Context, tc *util.TradingCalendar, now time.Time, back, ahead int, log *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	from, to := now.AddDate(0, 0, -back), now.AddDate(0, 0, ahead)
	days, err := c.Sessions(from, to)
	if err != nil {
		util.Discard(log).Warn("market calendar unavailable, using rules", "error", err)
		return err
	}
	tc.SetSessions(from, to, days)
	return nil
}

package us

import (
	"context"
	"errors"
	"testing"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/util"
)

func fakeCalendar(dates []string, err error) *Calendar {
	return &Calendar{fetch: func(start, end time.Time) ([]string, error) {
		return dates, err
	}}
}

func TestCalendarSessions(t *testing.T) {
	c := fakeCalendar([]string{"2025-01-08", "2025-01-10"}, nil)
	days, err := c.Sessions(time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(days) != 2 || !days[1].Equal(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Sessions = %v", days)
	}

	if _, err := fakeCalendar(nil, nil).Sessions(time.Now(), time.Now()); err == nil {
		t.Error("expected error for empty calendar")
	}
	if _, err := fakeCalendar([]string{"01/08/2025"}, nil).Sessions(time.Now(), time.Now()); err == nil {
		t.Error("expected error for malformed date")
	}
}

func TestCalendarLoadInto(t *testing.T) {
	now := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	tc := util.NewTradingCalendar(domain.MarketUS)

	c := fakeCalendar([]string{"2025-01-06", "2025-01-07", "2025-01-08", "2025-01-10"}, nil)
	if err := c.LoadInto(context.Background(), tc, now, 4, 0, nil); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	if tc.IsTradingDay(time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC)) {
		t.Error("2025-01-09 should be closed after loading the calendar")
	}

	fresh := util.NewTradingCalendar(domain.MarketUS)
	if err := fakeCalendar(nil, errors.New("unauthorized")).LoadInto(context.Background(), fresh, now, 4, 0, nil); err == nil {
		t.Error("expected fetch error")
	}
	if !fresh.IsTradingDay(time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC)) {
		t.Error("rules should still apply after a failed load")
	}
}

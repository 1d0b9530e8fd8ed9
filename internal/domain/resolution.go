package domain

import (
	"fmt"
	"strings"
	"time"
)

// Resolution is the size of one simulation step.
type Resolution string

const (
	Daily   Resolution = "daily"
	Weekly  Resolution = "weekly"
	Monthly Resolution = "monthly"
)

// ParseResolution accepts the long names as well as the short interval codes
// used by market-data APIs ("1d", "1w", "1M").
func ParseResolution(s string) (Resolution, error) {
	switch strings.TrimSpace(s) {
	case "", "1d", "d", "day", "daily", "Daily":
		return Daily, nil
	case "1w", "w", "week", "weekly", "Weekly":
		return Weekly, nil
	case "1M", "M", "month", "monthly", "Monthly":
		return Monthly, nil
	default:
		return "", fmt.Errorf("unknown resolution %q", s)
	}
}

// Next returns the instant one step after t.
func (r Resolution) Next(t time.Time) time.Time {
	switch r {
	case Weekly:
		return t.AddDate(0, 0, 7)
	case Monthly:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// StepsBetween counts whole steps from a to b (both truncated to days).
// It returns 0 when b is not after a.
func (r Resolution) StepsBetween(a, b time.Time) int {
	a, b = Day(a), Day(b)
	if !b.After(a) {
		return 0
	}
	switch r {
	case Weekly:
		return int(b.Sub(a).Hours()/24) / 7
	case Monthly:
		months := (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
		if b.Day() < a.Day() {
			months--
		}
		return months
	default:
		return int(b.Sub(a).Hours() / 24)
	}
}

// Interval returns the short interval code used by market-data APIs.
func (r Resolution) Interval() string {
	switch r {
	case Weekly:
		return "1w"
	case Monthly:
		return "1M"
	default:
		return "1d"
	}
}

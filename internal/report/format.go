package report

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatInt formats an integer with comma separators.
func FormatInt(n int) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	out := group(s)
	if neg {
		return "-" + out
	}
	return out
}

func group(s string) string {
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	start := len(s) % 3
	if start > 0 {
		b.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatMoney formats an amount with comma separators and a fixed number of
// decimal places.
func FormatMoney(d decimal.Decimal, places int32) string {
	s := d.StringFixed(places)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")
	out := group(intPart)
	if hasFrac {
		out += "." + frac
	}
	if neg {
		return "-" + out
	}
	return out
}

// FormatPct formats a percentage as "+X.XX%" or "-X.XX%". Drops decimals
// for values >= 100% to keep width compact.
func FormatPct(p decimal.Decimal) string {
	sign := "+"
	if p.IsNegative() {
		sign = "-"
	}
	abs := p.Abs()
	if abs.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return sign + abs.StringFixed(0) + "%"
	}
	if p.IsZero() {
		return "0.00%"
	}
	return sign + abs.StringFixed(2) + "%"
}

// FormatDrawdown formats a drawdown percentage as "-X.XX%", or "-" if zero.
func FormatDrawdown(p decimal.Decimal) string {
	if !p.IsPositive() {
		return "-"
	}
	return "-" + p.StringFixed(2) + "%"
}

// FormatRatio formats an optional ratio; an undefined ratio renders as
// "n/a".
func FormatRatio(r decimal.NullDecimal) string {
	if !r.Valid {
		return "n/a"
	}
	return r.Decimal.StringFixed(2)
}

// FormatCount formats a trade count, using K suffix for large values.
func FormatCount(n int) string {
	if n >= 100_000 {
		return fmt.Sprintf("%.0fK", float64(n)/1e3)
	}
	return FormatInt(n)
}

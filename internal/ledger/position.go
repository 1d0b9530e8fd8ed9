package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Exit holds the closing half of a position. It is set exactly once.
type Exit struct {
	Time    time.Time       `json:"time"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Comment string          `json:"comment,omitempty"`
}

// Position is one open/close trade lifecycle. A position is open while Exit
// is nil and immutable once Exit is set.
type Position struct {
	ID          string          `json:"id"`
	Side        domain.Side     `json:"side"`
	Ticker      string          `json:"ticker"`
	OpenTime    time.Time       `json:"open_time"`
	OpenPrice   decimal.Decimal `json:"open_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	OpenSize    decimal.Decimal `json:"open_size"`
	OpenComment string          `json:"open_comment,omitempty"`
	Exit        *Exit           `json:"close,omitempty"`

	// StrategyDrawdown is the ledger's drawdown from peak capital, in
	// percent, right after this position was closed.
	StrategyDrawdown decimal.Decimal `json:"strategy_drawdown"`

	// MaxDrawdown and MaxDrawdownPct are the worst unrealized loss seen while
	// the position was open, as a positive amount and percent of OpenSize.
	MaxDrawdown    decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct"`
}

// IsOpen reports whether the position has not been closed yet.
func (p *Position) IsOpen() bool { return p.Exit == nil }

// Profit returns the realized profit of a closed position, signed by side.
// It is zero for open positions.
func (p *Position) Profit() decimal.Decimal {
	if p.Exit == nil {
		return decimal.Zero
	}
	return p.signed(p.Exit.Size.Sub(p.OpenSize))
}

// ProfitPct returns Profit as a percentage of the committed size.
func (p *Position) ProfitPct() decimal.Decimal {
	if p.Exit == nil || p.OpenSize.IsZero() {
		return decimal.Zero
	}
	return p.Profit().Mul(hundred).Div(p.OpenSize)
}

// UnrealizedProfit values the position at price without closing it.
func (p *Position) UnrealizedProfit(price decimal.Decimal) decimal.Decimal {
	return p.signed(price.Mul(p.Quantity).Sub(p.OpenSize))
}

// CloseDate returns the exit time, or the zero time for open positions.
func (p *Position) CloseDate() time.Time {
	if p.Exit == nil {
		return time.Time{}
	}
	return p.Exit.Time
}

func (p *Position) signed(d decimal.Decimal) decimal.Decimal {
	if p.Side == domain.SideShort {
		return d.Neg()
	}
	return d
}

// close sets the exit fields. size is the realized market value at price.
func (p *Position) close(at time.Time, price, size decimal.Decimal, comment string) error {
	if p.Exit != nil {
		return fmt.Errorf("position %s: %w", p.ID, ErrPositionClosed)
	}
	p.Exit = &Exit{Time: at, Price: price, Size: size, Comment: comment}
	return nil
}

// mark records the worst unrealized drawdown at the given adverse price.
func (p *Position) mark(adverse decimal.Decimal, precision int32) {
	if p.Exit != nil {
		return
	}
	loss := p.UnrealizedProfit(adverse).Neg().Round(precision)
	if !loss.GreaterThan(p.MaxDrawdown) {
		return
	}
	p.MaxDrawdown = loss
	if p.OpenSize.IsPositive() {
		p.MaxDrawdownPct = loss.Mul(hundred).DivRound(p.OpenSize, precision+2)
	}
}

func (p *Position) clone() *Position {
	c := *p
	if p.Exit != nil {
		e := *p.Exit
		c.Exit = &e
	}
	return &c
}

package strategy

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Params is the strategy-specific parameter set, name to value.
type Params map[string]float64

// Float returns the named parameter or def when it is not set.
func (p Params) Float(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Int returns the named parameter rounded to the nearest integer, or def.
func (p Params) Int(name string, def int) int {
	if v, ok := p[name]; ok {
		return int(math.Round(v))
	}
	return def
}

// Decimal returns the named parameter as a decimal, or def.
func (p Params) Decimal(name string, def decimal.Decimal) decimal.Decimal {
	if v, ok := p[name]; ok {
		return decimal.NewFromFloat(v)
	}
	return def
}

// Clone returns an independent copy. Cloning nil yields an empty set.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String renders the parameters as sorted name=value pairs.
func (p Params) String() string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + "=" + strconv.FormatFloat(p[k], 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}

// Grid maps parameter names to the values an optimization run explores.
type Grid map[string][]float64

// Size returns the number of points in the cartesian product.
func (g Grid) Size() int {
	n := 1
	for _, vs := range g {
		n *= len(vs)
	}
	return n
}

// Validate rejects axes without values.
func (g Grid) Validate() error {
	for name, vs := range g {
		if len(vs) == 0 {
			return fmt.Errorf("grid parameter %q has no values", name)
		}
	}
	return nil
}

// Points expands the grid into its cartesian product. Names are iterated in
// sorted order and the last name varies fastest, so the order is stable. An
// empty grid yields a single empty parameter set.
func (g Grid) Points() []Params {
	names := make([]string, 0, len(g))
	for k := range g {
		names = append(names, k)
	}
	sort.Strings(names)

	points := []Params{{}}
	for _, name := range names {
		next := make([]Params, 0, len(points)*len(g[name]))
		for _, base := range points {
			for _, v := range g[name] {
				p := base.Clone()
				p[name] = v
				next = append(next, p)
			}
		}
		points = next
	}
	return points
}

// Merge returns base overridden by each point of the grid.
func (g Grid) Merge(base Params) []Params {
	points := g.Points()
	for i, pt := range points {
		merged := base.Clone()
		for k, v := range pt {
			merged[k] = v
		}
		points[i] = merged
	}
	return points
}

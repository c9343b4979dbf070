package strategy

import (
	"github.com/shopspring/decimal"

	"clob-agent/pkg/errs"
)

// Grid holds the price tick and size lot of one market.
type Grid struct {
	Tick    float64
	Lot     float64
	MinSize float64
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// FloorTo rounds x down to a multiple of step.
func FloorTo(x, step float64) float64 {
	s := dec(step)
	return toFloat(dec(x).Div(s).Floor().Mul(s))
}

// CeilTo rounds x up to a multiple of step.
func CeilTo(x, step float64) float64 {
	s := dec(step)
	return toFloat(dec(x).Div(s).Ceil().Mul(s))
}

// RoundTo rounds x to the nearest multiple of step, halves away from zero.
func RoundTo(x, step float64) float64 {
	s := dec(step)
	return toFloat(dec(x).Div(s).Round(0).Mul(s))
}

func onGrid(x, step float64) bool {
	return dec(x).Mod(dec(step)).IsZero()
}

// CheckPrice enforces the exchange price constraints: strictly inside (0,1)
// and on the tick grid.
func (g Grid) CheckPrice(p float64) error {
	if p <= 0 || p >= 1 {
		return errs.Newf(errs.KindValidation, "PRICE_OUT_OF_RANGE", "price %v must be in (0,1)", p)
	}
	if !onGrid(p, g.Tick) {
		return errs.Newf(errs.KindValidation, "INVALID_TICK", "price %v is not a multiple of tick %v", p, g.Tick)
	}
	return nil
}

// CheckSize enforces the minimum size and the lot grid.
func (g Grid) CheckSize(s float64) error {
	if s < g.MinSize {
		return errs.Newf(errs.KindValidation, "BELOW_MIN_SIZE", "size %v below minimum %v", s, g.MinSize)
	}
	if !onGrid(s, g.Lot) {
		return errs.Newf(errs.KindValidation, "INVALID_LOT", "size %v is not a multiple of lot %v", s, g.Lot)
	}
	return nil
}

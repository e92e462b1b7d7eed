// Package trading provides trading calculation utilities.
package trading

import (
	"github.com/shopspring/decimal"
)

// CalcCloseAmount computes the close amount based on ratio and position data.
// If isInitialRatio is true, the calculation uses initialAmount as the base.
// The result is capped at the current position amount.
func CalcCloseAmount(currentAmount, initialAmount, ratio float64, isInitialRatio bool) float64 {
	if currentAmount <= 0 || ratio <= 0 {
		return 0
	}

	base := currentAmount
	if isInitialRatio && initialAmount > 0 {
		base = initialAmount
	}

	amount := base * ratio
	if amount > currentAmount {
		amount = currentAmount
	}
	return amount
}

// FloorToStep rounds qty down to a multiple of step. A non-positive step returns qty unchanged.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	out, _ := q.Div(s).Floor().Mul(s).Float64()
	return out
}

// FormatQty renders qty with the precision implied by step, e.g. step 0.001 -> "1.234".
func FormatQty(qty, step float64) string {
	places := int32(8)
	if step > 0 {
		places = -decimal.NewFromFloat(step).Exponent()
		if places < 0 {
			places = 0
		}
	}
	return decimal.NewFromFloat(FloorToStep(qty, step)).StringFixed(places)
}

// PnL returns the realized profit of closing qty at exit for a position entered at entry.
// sign is +1 for long and -1 for short.
func PnL(entry, exit, qty, sign float64) float64 {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	out, _ := x.Sub(e).Mul(decimal.NewFromFloat(qty)).Mul(decimal.NewFromFloat(sign)).Float64()
	return out
}

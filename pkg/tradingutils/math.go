package tradingutils

import (
	"github.com/shopspring/decimal"
)

// FloorToTick floors a price down to a multiple of the symbol tick size.
// A zero tick returns the price unchanged.
func FloorToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	ticks := price.Div(tick).Floor()
	return ticks.Mul(tick)
}

// FloorToStep floors a quantity down to a multiple of the symbol lot step.
// A zero step returns the quantity unchanged.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	steps := qty.Div(step).Floor()
	return steps.Mul(step)
}

// FormatAt renders a decimal as a fixed-point string at the given precision.
// Exchange APIs reject scientific notation, so values crossing the wire go
// through here.
func FormatAt(v decimal.Decimal, precision int) string {
	return v.StringFixed(int32(precision))
}

// RealizedPnL computes the gross profit of a closed position.
func RealizedPnL(entry, exit, qty decimal.Decimal, long bool) decimal.Decimal {
	if long {
		return exit.Sub(entry).Mul(qty)
	}
	return entry.Sub(exit).Mul(qty)
}

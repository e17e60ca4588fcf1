package pnl

import (
	"github.com/shopspring/decimal"
)

// Pure calculations over an open position and market prices. No side
// effects; the closure pipeline and read-only display collaborators evaluate
// these on demand.

// UnrealizedPnl returns (current - entry) * quantity. Quantity is signed, so
// the direction sign is already included: a short (negative quantity) gains
// when price falls.
func UnrealizedPnl(entry, current, quantity decimal.Decimal) decimal.Decimal {
	return current.Sub(entry).Mul(quantity)
}

// directionSign is +1 for a long, -1 for a short.
func directionSign(quantity decimal.Decimal) decimal.Decimal {
	if quantity.IsNegative() {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Mae returns the Maximum Adverse Excursion in price terms:
// min(0, (adverse_extreme - entry) * sign). Always <= 0 regardless of
// direction. For a long the adverse extreme is the trade-lifetime minimum
// price, for a short it is the maximum.
func Mae(entry, minPrice, maxPrice, quantity decimal.Decimal) decimal.Decimal {
	sign := directionSign(quantity)

	adverse := minPrice
	if sign.IsNegative() {
		adverse = maxPrice
	}

	excursion := adverse.Sub(entry).Mul(sign)
	if excursion.IsPositive() {
		return decimal.Zero
	}
	return excursion
}

// Mfe returns the Maximum Favorable Excursion in price terms:
// max(0, (favorable_extreme - entry) * sign). Always >= 0.
func Mfe(entry, minPrice, maxPrice, quantity decimal.Decimal) decimal.Decimal {
	sign := directionSign(quantity)

	favorable := maxPrice
	if sign.IsNegative() {
		favorable = minPrice
	}

	excursion := favorable.Sub(entry).Mul(sign)
	if excursion.IsNegative() {
		return decimal.Zero
	}
	return excursion
}

// PlannedRisk returns the cash amount at risk between entry and stop for the
// full position size: (entry - stop) * quantity. Positive for a correctly
// placed stop on either side.
func PlannedRisk(entry, stop, quantity decimal.Decimal) decimal.Decimal {
	return entry.Sub(stop).Mul(quantity)
}

// RMultiple expresses realized P&L as a multiple of planned risk. Returns
// (zero, false) when no stop was set or the stop was on the wrong side of
// entry, in which case the metric is undefined.
func RMultiple(realizedPnl, entry, quantity decimal.Decimal, stop *decimal.Decimal) (decimal.Decimal, bool) {
	if stop == nil {
		return decimal.Zero, false
	}

	risk := PlannedRisk(entry, *stop, quantity)
	if !risk.IsPositive() {
		return decimal.Zero, false
	}

	return realizedPnl.Div(risk), true
}

// Efficiency is realized P&L over the cash value of the MFE, bounded to
// [-1, 1]. Returns (zero, false) when MFE is zero.
func Efficiency(realizedPnl, mfe, quantity decimal.Decimal) (decimal.Decimal, bool) {
	if mfe.IsZero() {
		return decimal.Zero, false
	}

	mfeCash := mfe.Mul(quantity.Abs())
	if mfeCash.IsZero() {
		return decimal.Zero, false
	}

	one := decimal.NewFromInt(1)
	ratio := realizedPnl.Div(mfeCash)
	if ratio.GreaterThan(one) {
		return one, true
	}
	if ratio.LessThan(one.Neg()) {
		return one.Neg(), true
	}
	return ratio, true
}

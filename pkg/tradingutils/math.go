package tradingutils

import (
	"strategy_engine/internal/core"

	"github.com/shopspring/decimal"
)

// QuantizeToStep floors a value to a multiple of step. Step must be positive;
// a non-positive step returns the value unchanged.
func QuantizeToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// QuantizeToStepUp ceils a value to a multiple of step.
func QuantizeToStepUp(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// QuantizePrice rounds a price toward the book: down for buys, up for sells,
// so the order never becomes more aggressive than requested.
func QuantizePrice(price, tick decimal.Decimal, side core.Side) decimal.Decimal {
	if side == core.SideBuy {
		return QuantizeToStep(price, tick)
	}
	return QuantizeToStepUp(price, tick)
}

// QuantizeSize floors a size to the lot increment.
func QuantizeSize(size, lot decimal.Decimal) decimal.Decimal {
	return QuantizeToStep(size, lot)
}

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// RoundQuantity rounds a quantity to the specified decimals
func RoundQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.Round(int32(qtyDecimals))
}

// ClampToRange limits v to [lo, hi].
func ClampToRange(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

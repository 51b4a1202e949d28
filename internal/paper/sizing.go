package paper

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/amadeus/internal/domain/schema"
	"github.com/coachpo/amadeus/internal/numeric"
)

// Size converts a quote budget into an order quantity honouring the instrument filters.
// A zero quantity comes with the reason it was skipped.
func Size(quoteSize, price decimal.Decimal, inst schema.Instrument) (decimal.Decimal, string) {
	if !price.IsPositive() {
		return decimal.Zero, "price<=0"
	}
	qty := quoteSize.Div(price)
	if inst.MinNotional.IsPositive() {
		if byNotional := inst.MinNotional.Div(price); qty.LessThan(byNotional) {
			qty = byNotional
		}
	}
	rounded := numeric.RoundStep(qty, inst.StepSize)
	if inst.MinQty.IsPositive() && rounded.LessThan(inst.MinQty) {
		return decimal.Zero, fmt.Sprintf("rounded %s < MIN_QTY %s", rounded, inst.MinQty)
	}
	if !rounded.IsPositive() {
		return decimal.Zero, fmt.Sprintf("rounded %s <= 0", rounded)
	}
	return rounded, ""
}

// Fits reports why qty cannot be placed at price under the instrument filters,
// or an empty string when it can.
func Fits(qty, price decimal.Decimal, inst schema.Instrument) string {
	if !qty.IsPositive() {
		return fmt.Sprintf("qty %s <= 0", qty)
	}
	if inst.MinQty.IsPositive() && qty.LessThan(inst.MinQty) {
		return fmt.Sprintf("qty %s < MIN_QTY %s", qty, inst.MinQty)
	}
	if notional := qty.Mul(price); inst.MinNotional.IsPositive() && notional.LessThan(inst.MinNotional) {
		return fmt.Sprintf("notional %s < MIN_NOTIONAL %s", notional, inst.MinNotional)
	}
	return ""
}

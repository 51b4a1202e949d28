// Package numeric provides decimal helpers for exchange tick and lot grids.
package numeric

import (
	"strings"

	"github.com/shopspring/decimal"
)

// RoundStep rounds v down to the nearest multiple of step.
// A non-positive step returns v unchanged.
func RoundStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// RoundStepUp rounds v up to the nearest multiple of step.
// A non-positive step returns v unchanged.
func RoundStepUp(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// Format renders v with the precision implied by step, truncating toward zero.
func Format(v, step decimal.Decimal) string {
	return v.Truncate(ScaleFromStep(step.String())).StringFixed(ScaleFromStep(step.String()))
}

// Parse converts a decimal string, returning (zero, false) on blank or malformed input.
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// ScaleFromStep derives the effective fractional precision from a decimal "step" string.
func ScaleFromStep(step string) int32 {
	step = strings.TrimSpace(step)
	if step == "" {
		return 0
	}
	idx := strings.IndexByte(step, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(step[idx+1:], "0")
	return int32(len(frac))
}

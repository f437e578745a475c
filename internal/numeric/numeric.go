// Package numeric provides fixed-point helpers for venue price and quantity strings.
package numeric

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Parse converts a venue decimal string into a fixed-point value.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("numeric: empty decimal")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("numeric: parse %q: %w", s, err)
	}
	return d, nil
}

// ParseOrZero parses s and returns zero for empty input.
func ParseOrZero(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return Parse(s)
}

// Format renders d with a fixed scale rounded toward zero.
func Format(d decimal.Decimal, scale int) string {
	if scale < 0 {
		scale = 0
	}
	return d.Truncate(int32(scale)).StringFixed(int32(scale))
}

// ScaleFromStep derives the effective fractional precision from a decimal "step" string.
func ScaleFromStep(step string) int {
	step = strings.TrimSpace(step)
	if step == "" {
		return 0
	}
	idx := strings.IndexByte(step, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(step[idx+1:], "0")
	return len(frac)
}

// TruncateToStep rounds d down to a multiple of step. A zero step returns d unchanged.
func TruncateToStep(d, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return d
	}
	return d.Div(step).Floor().Mul(step)
}

// Trim renders d without trailing zeros, the form most venues accept in query strings.
func Trim(d decimal.Decimal) string {
	return d.String()
}

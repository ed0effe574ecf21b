// Package money converts between user-facing decimal strings and int64 minor units.
package money

import (
	"errors"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of minor-unit digits for every supported currency.
const Scale = 2

var (
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrOverflow      = errors.New("amount_overflow")
	ErrNegative      = errors.New("negative_amount")
)

var (
	hundred  = decimal.NewFromInt(100)
	maxMinor = decimal.NewFromInt(math.MaxInt64)
)

// ParseExact parses a typed amount such as "1500" or "1500.00". Values with
// more than two significant decimal places are rejected instead of rounded.
func ParseExact(value string) (int64, error) {
	d, err := parse(value)
	if err != nil {
		return 0, err
	}
	scaled := d.Mul(hundred)
	if !scaled.IsInteger() {
		return 0, ErrInvalidAmount
	}
	return toMinor(scaled)
}

// ParseRounded parses a decimal amount and rounds it half-up to two places.
func ParseRounded(value string) (int64, error) {
	d, err := parse(value)
	if err != nil {
		return 0, err
	}
	return toMinor(d.Round(Scale).Mul(hundred))
}

// LineAmount returns unitCost * quantity, failing on overflow.
func LineAmount(unitCost, quantity int64) (int64, error) {
	if unitCost < 0 || quantity < 0 {
		return 0, ErrNegative
	}
	if quantity != 0 && unitCost > math.MaxInt64/quantity {
		return 0, ErrOverflow
	}
	return unitCost * quantity, nil
}

// Add sums two non-negative minor-unit amounts, failing on overflow.
func Add(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, ErrNegative
	}
	if a > math.MaxInt64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Format renders minor units as a fixed two-decimal string, e.g. 150000 -> "1500.00".
func Format(minor int64) string {
	return decimal.New(minor, -Scale).StringFixed(Scale)
}

func parse(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	if d.IsNegative() {
		return decimal.Decimal{}, ErrNegative
	}
	return d, nil
}

func toMinor(scaled decimal.Decimal) (int64, error) {
	if scaled.GreaterThan(maxMinor) {
		return 0, ErrOverflow
	}
	return scaled.IntPart(), nil
}

package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const priceDecimals = 6

// FormatPrice renders a ×1e6 fixed-point price as a decimal string.
// Only used at the API boundary.
func FormatPrice(v int64) string {
	return decimal.New(v, -priceDecimals).StringFixed(priceDecimals)
}

// FormatBps renders a basis-point ratio as a percentage string.
func FormatBps(v int64) string {
	return decimal.New(v, -2).StringFixed(2) + "%"
}

// ParsePrice converts a decimal string to a ×1e6 fixed-point price.
// Digits beyond the sixth decimal are rejected rather than rounded.
func ParsePrice(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	scaled := d.Shift(priceDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("parse price %q: more than %d decimals", s, priceDecimals)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("parse price %q: %w", s, ErrOverflow)
	}
	return scaled.IntPart(), nil
}

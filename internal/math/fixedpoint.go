package math

import (
	"errors"
	"math"
	"math/big"
	"sync"
)

const (
	// PricePrecision is the fixed-point scale of every price (1.0 == 1_000_000).
	PricePrecision int64 = 1_000_000

	// BasisPoints is the denominator of every fee and ratio (1.0 == 10_000).
	BasisPoints int64 = 10_000

	// FundingPeriodSeconds is the period a funding rate is quoted over (8h).
	FundingPeriodSeconds int64 = 8 * 3600

	SecondsPerDay int64 = 86_400
)

var (
	ErrOverflow     = errors.New("fixed-point overflow")
	ErrDivideByZero = errors.New("fixed-point divide by zero")
	ErrNegative     = errors.New("fixed-point negative operand")
)

// Int128 intermediates are pooled big.Ints.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

var maxInt64Big = big.NewInt(math.MaxInt64)
var minInt64Big = big.NewInt(math.MinInt64)

// toInt64 narrows v, failing closed when it does not fit.
func toInt64(v *big.Int) (int64, error) {
	if v.Cmp(maxInt64Big) > 0 || v.Cmp(minInt64Big) < 0 {
		return 0, ErrOverflow
	}
	return v.Int64(), nil
}

// divide computes num / den, truncating toward zero: floor for
// non-negative operands.
func divide(num *big.Int, den int64) (int64, error) {
	if den == 0 {
		return 0, ErrDivideByZero
	}

	d := getInt128()
	q := getInt128()
	defer func() {
		putInt128(d)
		putInt128(q)
	}()

	q.Quo(num, d.SetInt64(den))
	return toInt64(q)
}

// mulInt128 returns a * b as a pooled big.Int. Callers return it with
// putInt128 once done.
func mulInt128(a, b int64) *big.Int {
	x := getInt128()
	y := getInt128()
	result := getInt128()
	result.Mul(x.SetInt64(a), y.SetInt64(b))
	putInt128(x)
	putInt128(y)
	return result
}

// MulDiv returns a * b / d, computed with 128-bit intermediates.
func MulDiv(a, b, d int64) (int64, error) {
	prod := mulInt128(a, b)
	defer putInt128(prod)
	return divide(prod, d)
}

// SqrtProduct returns floor(sqrt(a * b)) for non-negative operands.
func SqrtProduct(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, ErrNegative
	}
	prod := mulInt128(a, b)
	defer putInt128(prod)
	prod.Sqrt(prod)
	return toInt64(prod)
}

// CheckedAdd returns a + b or ErrOverflow.
func CheckedAdd(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// SaturatingAdd adds two counters, clamping at the int64 bounds.
func SaturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	if b < 0 && a < math.MinInt64-b {
		return math.MinInt64
	}
	return a + b
}

// SaturatingSub subtracts from a non-negative counter, clamping at zero.
func SaturatingSub(a, b int64) int64 {
	if b >= a {
		return 0
	}
	return a - b
}

// ComputeAvgFillPrice calculates the volume-weighted average fill price,
// floored.
func ComputeAvgFillPrice(oldFilled, oldAvg, fillQty, fillPrice int64) (int64, error) {
	if oldFilled == 0 {
		return fillPrice, nil
	}

	// numerator = oldFilled * oldAvg + fillQty * fillPrice
	term1 := mulInt128(oldFilled, oldAvg)
	term2 := mulInt128(fillQty, fillPrice)
	defer putInt128(term1)
	defer putInt128(term2)
	term1.Add(term1, term2)

	denominator, err := CheckedAdd(oldFilled, fillQty)
	if err != nil {
		return 0, err
	}

	return divide(term1, denominator)
}

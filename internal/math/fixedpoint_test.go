package math_test

import (
	"math"
	"testing"

	fpmath "SecuritiesVenue/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: MulDiv rounding
// ============================================================================

func TestMulDiv_Truncates(t *testing.T) {
	tests := []struct {
		name    string
		a, b, d int64
		want    int64
	}{
		{"exact", 10, 10, 4, 25},
		{"floor", 7, 1, 2, 3},
		{"negative truncates toward zero", -7, 1, 2, -3},
		{"128-bit intermediate", math.MaxInt64, 4, 8, math.MaxInt64 / 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(tc.a, tc.b, tc.d)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMulDiv_OverflowFailsClosed(t *testing.T) {
	_, err := fpmath.MulDiv(math.MaxInt64, math.MaxInt64, 1)
	assert.ErrorIs(t, err, fpmath.ErrOverflow)
}

func TestMulDiv_DivideByZero(t *testing.T) {
	_, err := fpmath.MulDiv(1, 1, 0)
	assert.ErrorIs(t, err, fpmath.ErrDivideByZero)
}

// ============================================================================
// Test: SqrtProduct
// ============================================================================

func TestSqrtProduct(t *testing.T) {
	got, err := fpmath.SqrtProduct(1_000_000, 4_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(63_245_553), got)

	got, err = fpmath.SqrtProduct(1_000_000, 4_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), got)

	got, err = fpmath.SqrtProduct(math.MaxInt64, math.MaxInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), got)

	_, err = fpmath.SqrtProduct(-1, 4)
	assert.ErrorIs(t, err, fpmath.ErrNegative)
}

// ============================================================================
// Test: checked and saturating arithmetic
// ============================================================================

func TestCheckedArithmetic(t *testing.T) {
	_, err := fpmath.CheckedAdd(math.MaxInt64, 1)
	assert.ErrorIs(t, err, fpmath.ErrOverflow)

	_, err = fpmath.CheckedAdd(math.MinInt64, -1)
	assert.ErrorIs(t, err, fpmath.ErrOverflow)

	v, err := fpmath.CheckedAdd(40, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestSaturatingArithmetic(t *testing.T) {
	assert.Equal(t, int64(math.MaxInt64), fpmath.SaturatingAdd(math.MaxInt64-1, 10))
	assert.Equal(t, int64(math.MinInt64), fpmath.SaturatingAdd(math.MinInt64+1, -10))
	assert.Equal(t, int64(0), fpmath.SaturatingSub(5, 10))
	assert.Equal(t, int64(3), fpmath.SaturatingSub(10, 7))
}

func TestComputeAvgFillPrice(t *testing.T) {
	avg, err := fpmath.ComputeAvgFillPrice(0, 0, 100, 2_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), avg)

	// (100*2.0 + 300*3.0) / 400 = 2.75
	avg, err = fpmath.ComputeAvgFillPrice(100, 2_000_000, 300, 3_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(2_750_000), avg)

	// floor((1*1 + 2*2) / 3) = 1
	avg, err = fpmath.ComputeAvgFillPrice(1, 1, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), avg)
}

// ============================================================================
// Test: Uint128
// ============================================================================

func TestUint128_AccumulateAndDivide(t *testing.T) {
	acc := fpmath.Uint128{}
	acc = acc.SaturatingAdd(fpmath.ProductUint128(2_000_000, 60))
	acc = acc.SaturatingAdd(fpmath.ProductUint128(4_000_000, 60))

	avg, err := acc.DivInt64(120)
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000), avg)
}

func TestUint128_WideProduct(t *testing.T) {
	p := fpmath.ProductUint128(math.MaxInt64, math.MaxInt64)
	assert.NotZero(t, p.Hi)

	q, err := p.DivInt64(math.MaxInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), q)

	assert.Equal(t, 1, p.Cmp(fpmath.ProductUint128(2, 3)))
	assert.Equal(t, "6", fpmath.ProductUint128(2, 3).String())
}

func TestUint128_Saturates(t *testing.T) {
	max := fpmath.Uint128{Hi: math.MaxUint64, Lo: math.MaxUint64}
	assert.Equal(t, max, max.SaturatingAdd(fpmath.ProductUint128(1, 1)))

	q, err := max.DivInt64(2)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), q)

	_, err = max.DivInt64(0)
	assert.ErrorIs(t, err, fpmath.ErrDivideByZero)
}

// ============================================================================
// Test: display formatting
// ============================================================================

func TestFormatAndParsePrice(t *testing.T) {
	assert.Equal(t, "2000.000000", fpmath.FormatPrice(2_000_000_000))
	assert.Equal(t, "-0.050000", fpmath.FormatPrice(-50_000))
	assert.Equal(t, "0.30%", fpmath.FormatBps(30))

	v, err := fpmath.ParsePrice("1999.95")
	require.NoError(t, err)
	assert.Equal(t, int64(1_999_950_000), v)

	_, err = fpmath.ParsePrice("1.0000001")
	assert.Error(t, err)

	_, err = fpmath.ParsePrice("abc")
	assert.Error(t, err)
}

package math

import (
	"math"
	"math/big"
	"math/bits"
)

// Uint128 is an unsigned 128-bit accumulator used for the TWAP price-time
// integral and the constant-product checkpoint.
type Uint128 struct {
	Hi uint64 `json:"hi"`
	Lo uint64 `json:"lo"`
}

// ProductUint128 returns a * b for non-negative int64 operands. Negative
// operands are treated as zero.
func ProductUint128(a, b int64) Uint128 {
	if a <= 0 || b <= 0 {
		return Uint128{}
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	return Uint128{Hi: hi, Lo: lo}
}

// SaturatingAdd returns u + v, clamped at the maximum value.
func (u Uint128) SaturatingAdd(v Uint128) Uint128 {
	lo, carry := bits.Add64(u.Lo, v.Lo, 0)
	hi, overflow := bits.Add64(u.Hi, v.Hi, carry)
	if overflow != 0 {
		return Uint128{Hi: math.MaxUint64, Lo: math.MaxUint64}
	}
	return Uint128{Hi: hi, Lo: lo}
}

// DivInt64 returns floor(u / d) narrowed to int64; the result saturates at
// MaxInt64 and d <= 0 yields ErrDivideByZero.
func (u Uint128) DivInt64(d int64) (int64, error) {
	if d <= 0 {
		return 0, ErrDivideByZero
	}
	if u.Hi >= uint64(d) {
		return math.MaxInt64, nil
	}
	q, _ := bits.Div64(u.Hi, u.Lo, uint64(d))
	if q > math.MaxInt64 {
		return math.MaxInt64, nil
	}
	return int64(q), nil
}

func (u Uint128) Cmp(v Uint128) int {
	switch {
	case u.Hi < v.Hi:
		return -1
	case u.Hi > v.Hi:
		return 1
	case u.Lo < v.Lo:
		return -1
	case u.Lo > v.Lo:
		return 1
	}
	return 0
}

func (u Uint128) Big() *big.Int {
	v := new(big.Int).SetUint64(u.Hi)
	v.Lsh(v, 64)
	return v.Or(v, new(big.Int).SetUint64(u.Lo))
}

func (u Uint128) String() string {
	return u.Big().String()
}

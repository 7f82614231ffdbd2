package math

import (
	"errors"
	"math/big"
	"math/bits"
	"sync"
)

var (
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrDivisionByZero     = errors.New("division by zero")
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int32  // Number of decimal places
	Scale            uint64 // 10^DecimalPrecision
}

var (
	PriceConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // prices, 0.000001
	SizeConfig  = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // position size, 0.00000001
	QuoteConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // collateral, margin, PnL
	RatioConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // margin ratios, 0.025 = 25_000
)

const (
	PriceScale uint64 = 1_000_000
	SizeScale  uint64 = 100_000_000
	QuoteScale uint64 = 1_000_000
	RatioScale uint64 = 1_000_000
	BpsScale   uint64 = 10_000
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward zero
	RoundUp                           // away from zero
	RoundFloor                        // toward -inf
	RoundCeil                         // toward +inf
)

// wide intermediates come from a pool; the hot path runs on every tick
var widePool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getWide() *big.Int {
	return widePool.Get().(*big.Int)
}

func putWide(v *big.Int) {
	v.SetInt64(0)
	widePool.Put(v)
}

// divideWide returns num / den rounded per mode. den must be positive.
// The result is written into a pooled value owned by the caller.
func divideWide(num, den *big.Int, mode RoundingMode) *big.Int {
	quotient := getWide()
	remainder := getWide()
	defer putWide(remainder)

	// QuoRem truncates toward zero; remainder carries the sign of num
	quotient.QuoRem(num, den, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	negative := num.Sign() < 0
	awayFromZero := false

	switch mode {
	case RoundDown:
	case RoundUp:
		awayFromZero = true
	case RoundFloor:
		awayFromZero = negative
	case RoundCeil:
		awayFromZero = !negative
	case RoundHalfEven:
		twice := getWide()
		twice.Abs(remainder)
		twice.Lsh(twice, 1)
		cmp := twice.Cmp(den)
		putWide(twice)
		if cmp > 0 {
			awayFromZero = true
		} else if cmp == 0 {
			awayFromZero = quotient.Bit(0) == 1
		}
	}

	if awayFromZero {
		if negative {
			quotient.Sub(quotient, big.NewInt(1))
		} else {
			quotient.Add(quotient, big.NewInt(1))
		}
	}
	return quotient
}

// MulDiv computes a * b / d with a 128-bit-safe intermediate.
func MulDiv(a, b, d uint64, mode RoundingMode) (uint64, error) {
	if d == 0 {
		return 0, ErrDivisionByZero
	}

	num := getWide()
	defer putWide(num)
	den := getWide()
	defer putWide(den)

	num.SetUint64(a)
	den.SetUint64(b)
	num.Mul(num, den)
	den.SetUint64(d)

	result := divideWide(num, den, mode)
	defer putWide(result)

	if !result.IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return result.Uint64(), nil
}

// MulDivSigned computes a * b / d where a carries the sign.
func MulDivSigned(a int64, b, d uint64, mode RoundingMode) (int64, error) {
	if d == 0 {
		return 0, ErrDivisionByZero
	}

	num := getWide()
	defer putWide(num)
	den := getWide()
	defer putWide(den)

	num.SetInt64(a)
	den.SetUint64(b)
	num.Mul(num, den)
	den.SetUint64(d)

	result := divideWide(num, den, mode)
	defer putWide(result)

	if !result.IsInt64() {
		return 0, ErrArithmeticOverflow
	}
	return result.Int64(), nil
}

// MulDiffDiv computes sign * a * (x - y) / d. x and y are unsigned so the
// difference is taken in the wide domain.
func MulDiffDiv(sign int64, a, x, y, d uint64, mode RoundingMode) (int64, error) {
	if d == 0 {
		return 0, ErrDivisionByZero
	}

	num := getWide()
	defer putWide(num)
	tmp := getWide()
	defer putWide(tmp)

	num.SetUint64(x)
	tmp.SetUint64(y)
	num.Sub(num, tmp)
	tmp.SetUint64(a)
	num.Mul(num, tmp)
	if sign < 0 {
		num.Neg(num)
	}
	tmp.SetUint64(d)

	result := divideWide(num, tmp, mode)
	defer putWide(result)

	if !result.IsInt64() {
		return 0, ErrArithmeticOverflow
	}
	return result.Int64(), nil
}

// DivSigned computes a * scale / d for a signed numerator and a positive
// denominator. Used for ratios such as equity / notional.
func DivSigned(a int64, scale, d uint64, mode RoundingMode) (int64, error) {
	return MulDivSigned(a, scale, d, mode)
}

// CheckedAdd returns a + b or ErrArithmeticOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

// CheckedSub returns a - b or ErrArithmeticOverflow when b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrArithmeticOverflow
	}
	return diff, nil
}

// CheckedAddSigned returns a + b or ErrArithmeticOverflow.
func CheckedAddSigned(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

// ApplyDelta returns v + delta for an unsigned v. Going below zero or above
// the uint64 range is an overflow.
func ApplyDelta(v uint64, delta int64) (uint64, error) {
	if delta >= 0 {
		return CheckedAdd(v, uint64(delta))
	}
	return CheckedSub(v, Magnitude(delta))
}

// Magnitude returns |v| as uint64; safe for math.MinInt64.
func Magnitude(v int64) uint64 {
	if v < 0 {
		return uint64(^v) + 1
	}
	return uint64(v)
}

// ToSigned converts an unsigned amount to int64.
func ToSigned(v uint64) (int64, error) {
	if v > 1<<63-1 {
		return 0, ErrArithmeticOverflow
	}
	return int64(v), nil
}

// SignedDelta returns a - b as int64.
func SignedDelta(a, b uint64) (int64, error) {
	if a >= b {
		return ToSigned(a - b)
	}
	d := b - a
	if d > 1<<63 {
		return 0, ErrArithmeticOverflow
	}
	if d == 1<<63 {
		return -1 << 63, nil
	}
	return -int64(d), nil
}

package math

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidDecimal  = errors.New("invalid decimal")
	ErrTooManyDecimals = errors.New("too many decimal places")
	ErrNegativeAmount  = errors.New("negative amount")
)

// ToDecimal renders an unsigned fixed-point value as a decimal.
func ToDecimal(v uint64, cfg DecimalConfig) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -cfg.DecimalPrecision)
}

// ToDecimalSigned renders a signed fixed-point value as a decimal.
func ToDecimalSigned(v int64, cfg DecimalConfig) decimal.Decimal {
	return decimal.New(v, -cfg.DecimalPrecision)
}

// FormatFixed returns the decimal string with exactly cfg.DecimalPrecision places.
func FormatFixed(v uint64, cfg DecimalConfig) string {
	return ToDecimal(v, cfg).StringFixed(cfg.DecimalPrecision)
}

// FormatFixedSigned is FormatFixed for signed values.
func FormatFixedSigned(v int64, cfg DecimalConfig) string {
	return ToDecimalSigned(v, cfg).StringFixed(cfg.DecimalPrecision)
}

// ParseFixed parses a non-negative decimal string into fixed-point units.
// Values with more fractional digits than the scale allows are rejected
// rather than rounded.
func ParseFixed(s string, cfg DecimalConfig) (uint64, error) {
	units, err := parseUnits(s, cfg)
	if err != nil {
		return 0, err
	}
	if units.Sign() < 0 {
		return 0, fmt.Errorf("%w: %s", ErrNegativeAmount, s)
	}
	if !units.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrArithmeticOverflow, s)
	}
	return units.Uint64(), nil
}

// ParseFixedSigned parses a signed decimal string into fixed-point units.
func ParseFixedSigned(s string, cfg DecimalConfig) (int64, error) {
	units, err := parseUnits(s, cfg)
	if err != nil {
		return 0, err
	}
	if !units.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrArithmeticOverflow, s)
	}
	return units.Int64(), nil
}

func parseUnits(s string, cfg DecimalConfig) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}

	shifted := d.Shift(cfg.DecimalPrecision)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s (max %d)", ErrTooManyDecimals, s, cfg.DecimalPrecision)
	}
	return shifted.BigInt(), nil
}

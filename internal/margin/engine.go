// Package margin holds the pure margin and liquidation computations. Every
// function is side-effect free; rounding always favours the protocol: margin
// requirements round up and liquidation thresholds are reached earlier.
package margin

import (
	"errors"
	gomath "math"

	fpmath "PositionLedger/internal/math"
	"PositionLedger/internal/state"
)

const (
	MinLeverage = 1
	MaxLeverage = 100

	// 2.5% (ratio scale)
	DefaultMaintenanceMarginRatio uint64 = 25_000
)

var (
	ErrInvalidLeverage          = errors.New("leverage must be between 1 and 100")
	ErrZeroSize                 = errors.New("size must be positive")
	ErrZeroPrice                = errors.New("price must be positive")
	ErrInvalidMaintenanceMargin = errors.New("maintenance margin ratio must be in (0, 1/leverage)")
)

// ValidateLeverage checks 1 <= leverage <= 100.
func ValidateLeverage(leverage uint16) error {
	if leverage < MinLeverage || leverage > MaxLeverage {
		return ErrInvalidLeverage
	}
	return nil
}

// Notional = size * price, rescaled to quote precision and rounded up.
func Notional(size, price uint64) (uint64, error) {
	return fpmath.MulDiv(size, price, fpmath.SizeScale, fpmath.RoundCeil)
}

// RequiredMargin = ceil(notional(size, entry) / leverage)
func RequiredMargin(size, entryPrice uint64, leverage uint16) (uint64, error) {
	if err := ValidateLeverage(leverage); err != nil {
		return 0, err
	}
	notional, err := Notional(size, entryPrice)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(notional, 1, uint64(leverage), fpmath.RoundCeil)
}

// UnrealizedPnL = sign(side) * size * (mark - entry), floored.
func UnrealizedPnL(side state.Side, size, entryPrice, markPrice uint64) (int64, error) {
	return fpmath.MulDiffDiv(side.Sign(), size, markPrice, entryPrice, fpmath.SizeScale, fpmath.RoundFloor)
}

// RealizedPnL is the unrealized PnL evaluated at the final price.
func RealizedPnL(side state.Side, size, entryPrice, finalPrice uint64) (int64, error) {
	return UnrealizedPnL(side, size, entryPrice, finalPrice)
}

// MarginRatio = (margin + upnl) / notional(size, mark), ratio scale.
// A position without notional is treated as fully backed.
func MarginRatio(marginAmt uint64, upnl int64, size, markPrice uint64) (int64, error) {
	notional, err := Notional(size, markPrice)
	if err != nil {
		return 0, err
	}
	if notional == 0 {
		return gomath.MaxInt64, nil
	}

	m, err := fpmath.ToSigned(marginAmt)
	if err != nil {
		return 0, err
	}
	equity, err := fpmath.CheckedAddSigned(m, upnl)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDivSigned(equity, fpmath.RatioScale, notional, fpmath.RoundFloor)
}

// LiquidationPrice solves for the price where equity reaches the maintenance
// requirement at the initial leverage:
//
//	Long:  entry * (1 - 1/L + mmr), rounded up
//	Short: entry * (1 + 1/L - mmr), rounded down
func LiquidationPrice(side state.Side, entryPrice uint64, leverage uint16, mmr uint64) (uint64, error) {
	if err := ValidateLeverage(leverage); err != nil {
		return 0, err
	}
	if mmr >= fpmath.RatioScale {
		return 0, ErrInvalidMaintenanceMargin
	}

	l := uint64(leverage)
	denom := l * fpmath.RatioScale

	if side == state.SideLong {
		factor := l*(fpmath.RatioScale+mmr) - fpmath.RatioScale
		return fpmath.MulDiv(entryPrice, factor, denom, fpmath.RoundCeil)
	}

	// l*(1-mmr) + 1 stays positive because mmr < 1
	factor := l*(fpmath.RatioScale-mmr) + fpmath.RatioScale
	return fpmath.MulDiv(entryPrice, factor, denom, fpmath.RoundFloor)
}

// LiquidationPriceForMargin recomputes the threshold from the actual margin
// held, used once margin no longer equals the initial requirement:
//
//	Long:  entry * (1 + mmr) - margin/size, floored at zero
//	Short: entry * (1 - mmr) + margin/size
func LiquidationPriceForMargin(side state.Side, size, entryPrice, marginAmt, mmr uint64) (uint64, error) {
	if size == 0 {
		return 0, ErrZeroSize
	}
	if mmr >= fpmath.RatioScale {
		return 0, ErrInvalidMaintenanceMargin
	}

	// margin per unit of size, in price units
	offset, err := fpmath.MulDiv(marginAmt, fpmath.SizeScale, size, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}

	if side == state.SideLong {
		base, err := fpmath.MulDiv(entryPrice, fpmath.RatioScale+mmr, fpmath.RatioScale, fpmath.RoundCeil)
		if err != nil {
			return 0, err
		}
		if offset >= base {
			return 0, nil
		}
		return base - offset, nil
	}

	base, err := fpmath.MulDiv(entryPrice, fpmath.RatioScale-mmr, fpmath.RatioScale, fpmath.RoundFloor)
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedAdd(base, offset)
}

// PriceCrossed reports whether mark has reached the liquidation price.
func PriceCrossed(side state.Side, markPrice, liquidationPrice uint64) bool {
	if side == state.SideLong {
		return markPrice <= liquidationPrice
	}
	return markPrice >= liquidationPrice
}

// ShouldLiquidate is true once the mark crosses the liquidation price or the
// margin ratio falls to the maintenance ratio.
func ShouldLiquidate(side state.Side, markPrice, liquidationPrice uint64, marginRatio int64, mmr uint64) bool {
	if markPrice == 0 {
		return false
	}
	if PriceCrossed(side, markPrice, liquidationPrice) {
		return true
	}
	return marginRatio <= int64(mmr)
}

// DistanceToLiquidation returns how far the mark is from the liquidation
// price as a fraction of the mark (ratio scale). Negative once crossed.
func DistanceToLiquidation(side state.Side, markPrice, liquidationPrice uint64) (int64, error) {
	if markPrice == 0 {
		return 0, ErrZeroPrice
	}

	var diff int64
	var err error
	if side == state.SideLong {
		diff, err = fpmath.SignedDelta(markPrice, liquidationPrice)
	} else {
		diff, err = fpmath.SignedDelta(liquidationPrice, markPrice)
	}
	if err != nil {
		return 0, err
	}
	return fpmath.MulDivSigned(diff, fpmath.RatioScale, markPrice, fpmath.RoundFloor)
}

// MaxPositionSize = available * leverage / price, in size units.
func MaxPositionSize(available, price uint64, leverage uint16) (uint64, error) {
	if err := ValidateLeverage(leverage); err != nil {
		return 0, err
	}
	if price == 0 {
		return 0, ErrZeroPrice
	}
	return fpmath.MulDiv(available, uint64(leverage)*fpmath.SizeScale, price, fpmath.RoundDown)
}

// ROI = upnl / margin, ratio scale.
func ROI(upnl int64, marginAmt uint64) (int64, error) {
	if marginAmt == 0 {
		return 0, nil
	}
	return fpmath.MulDivSigned(upnl, fpmath.RatioScale, marginAmt, fpmath.RoundFloor)
}

// EffectiveLeverage = floor(notional / margin), clamped to [1, 100].
func EffectiveLeverage(notional, marginAmt uint64) uint16 {
	if marginAmt == 0 {
		return MaxLeverage
	}
	l := notional / marginAmt
	switch {
	case l < MinLeverage:
		return MinLeverage
	case l > MaxLeverage:
		return MaxLeverage
	default:
		return uint16(l)
	}
}

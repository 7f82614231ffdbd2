package margin

import (
	"errors"
	"fmt"
	"strings"

	fpmath "PositionLedger/internal/math"
)

const MaxSymbolLength = 32

var (
	ErrPositionTooLarge = errors.New("position exceeds tier notional limit")
	ErrInvalidSymbol    = errors.New("invalid symbol")
	ErrInvalidSlippage  = errors.New("max slippage must be at most 10000 bps")
	ErrSlippageExceeded = errors.New("slippage exceeded")
)

// RiskTier bounds the maintenance ratio and notional for a leverage band.
type RiskTier struct {
	MaxLeverage            uint16
	MaintenanceMarginRatio uint64 // ratio scale
	MaxNotional            uint64 // quote scale, 0 = unlimited
}

var (
	// Tiers are ordered by MaxLeverage
	DefaultRiskTiers = []RiskTier{
		{
			MaxLeverage:            20,
			MaintenanceMarginRatio: 25_000, // 2.5%
			MaxNotional:            0,
		},
		{
			MaxLeverage:            50,
			MaintenanceMarginRatio: 10_000, // 1.0%
			MaxNotional:            100_000 * fpmath.QuoteScale,
		},
		{
			MaxLeverage:            100,
			MaintenanceMarginRatio: 5_000, // 0.5%
			MaxNotional:            50_000 * fpmath.QuoteScale,
		},
	}
)

// TierFor returns the first tier whose MaxLeverage covers leverage.
func TierFor(leverage uint16) (RiskTier, error) {
	if err := ValidateLeverage(leverage); err != nil {
		return RiskTier{}, err
	}
	for _, tier := range DefaultRiskTiers {
		if leverage <= tier.MaxLeverage {
			return tier, nil
		}
	}
	return RiskTier{}, ErrInvalidLeverage
}

// CheckTierNotional rejects a notional above the tier limit for leverage.
func CheckTierNotional(leverage uint16, notional uint64) error {
	tier, err := TierFor(leverage)
	if err != nil {
		return err
	}
	if tier.MaxNotional != 0 && notional > tier.MaxNotional {
		return fmt.Errorf("%w: notional %s above %s at %dx", ErrPositionTooLarge,
			fpmath.FormatFixed(notional, fpmath.QuoteConfig),
			fpmath.FormatFixed(tier.MaxNotional, fpmath.QuoteConfig), leverage)
	}
	return nil
}

// ValidateMaintenanceMargin checks 0 < mmr < 1/leverage.
func ValidateMaintenanceMargin(mmr uint64, leverage uint16) error {
	if err := ValidateLeverage(leverage); err != nil {
		return err
	}
	if mmr == 0 || mmr >= fpmath.RatioScale || mmr*uint64(leverage) >= fpmath.RatioScale {
		return ErrInvalidMaintenanceMargin
	}
	return nil
}

// ResolveMaintenanceMargin returns the ratio to use at open. A supplied ratio
// must be valid for the leverage. Without one, the 2.5% default applies when
// valid and the tier ratio otherwise.
func ResolveMaintenanceMargin(supplied *uint64, leverage uint16) (uint64, error) {
	if supplied != nil {
		if err := ValidateMaintenanceMargin(*supplied, leverage); err != nil {
			return 0, err
		}
		return *supplied, nil
	}

	if ValidateMaintenanceMargin(DefaultMaintenanceMarginRatio, leverage) == nil {
		return DefaultMaintenanceMarginRatio, nil
	}
	tier, err := TierFor(leverage)
	if err != nil {
		return 0, err
	}
	return tier.MaintenanceMarginRatio, nil
}

// ValidateSymbol accepts 1..32 characters of A-Z, 0-9, '-', '/', '_'.
func ValidateSymbol(symbol string) error {
	if symbol == "" || len(symbol) > MaxSymbolLength {
		return fmt.Errorf("%w: length must be 1..%d", ErrInvalidSymbol, MaxSymbolLength)
	}
	if strings.IndexFunc(symbol, func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '/' || r == '_')
	}) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// CheckSlippage rejects an entry price further than maxBps from expected.
func CheckSlippage(entryPrice, expectedPrice uint64, maxBps uint32) error {
	if uint64(maxBps) > fpmath.BpsScale {
		return ErrInvalidSlippage
	}
	if expectedPrice == 0 {
		return ErrZeroPrice
	}

	var diff uint64
	if entryPrice > expectedPrice {
		diff = entryPrice - expectedPrice
	} else {
		diff = expectedPrice - entryPrice
	}

	// diff * 10000 > expected * maxBps
	lhs, err := fpmath.MulDiv(diff, fpmath.BpsScale, 1, fpmath.RoundDown)
	if err != nil {
		return err
	}
	rhs, err := fpmath.MulDiv(expectedPrice, uint64(maxBps), 1, fpmath.RoundDown)
	if err != nil {
		return err
	}
	if lhs > rhs {
		return fmt.Errorf("%w: entry %s vs expected %s (max %d bps)", ErrSlippageExceeded,
			fpmath.FormatFixed(entryPrice, fpmath.PriceConfig),
			fpmath.FormatFixed(expectedPrice, fpmath.PriceConfig), maxBps)
	}
	return nil
}

package event

import (
	"errors"
	"fmt"

	"PositionLedger/internal/margin"
)

var ErrInvalidPriceTick = errors.New("invalid price tick")

// PriceTick is one observation from the price feed, ordered per symbol by
// Timestamp.
type PriceTick struct {
	Symbol    string `json:"symbol"`
	Price     uint64 `json:"price"`     // price scale
	Timestamp int64  `json:"timestamp"` // unix ms
}

func (p *PriceTick) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Symbol, p.Timestamp)
}

// Validate rejects ticks the monitor cannot apply.
func (p *PriceTick) Validate() error {
	if err := margin.ValidateSymbol(p.Symbol); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPriceTick, err)
	}
	if p.Price == 0 {
		return fmt.Errorf("%w: zero price for %s", ErrInvalidPriceTick, p.Symbol)
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp for %s", ErrInvalidPriceTick, p.Symbol)
	}
	return nil
}

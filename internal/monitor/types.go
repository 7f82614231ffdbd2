// Package monitor keeps an off-ledger risk view of open positions. It
// consumes slot-ordered ledger events and price ticks, one goroutine per
// symbol, and pushes price, position and liquidation alert messages to
// subscribers.
package monitor

import (
	"fmt"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/state"
)

// RiskLevel classifies how close a position is to liquidation.
type RiskLevel uint8

const (
	RiskSafe RiskLevel = iota
	RiskLiquidating
	RiskLiquidated
)

func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "Safe"
	case RiskLiquidating:
		return "Liquidating"
	case RiskLiquidated:
		return "Liquidated"
	default:
		return fmt.Sprintf("RiskLevel(%d)", r)
	}
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// PositionView is the monitor's copy of a position plus the risk figures
// derived at the latest price.
type PositionView struct {
	state.Position

	MarginRatio           int64 // ratio scale
	DistanceToLiquidation int64 // ratio scale, negative once crossed
	ROI                   int64 // ratio scale
	Notional              uint64
	Risk                  RiskLevel
}

// ID returns the position address.
func (v *PositionView) ID() identity.Address {
	return v.Position.Address()
}

// Message types pushed to subscribers.
const (
	TypePriceUpdate      = "price_update"
	TypePositionUpdate   = "position_update"
	TypeLiquidationAlert = "liquidation_alert"
)

// Message is one item of the push feed. Exactly one payload is set.
type Message struct {
	Type     string
	Symbol   string
	Price    *event.PriceTick
	Position *PositionView
	Alert    *LiquidationAlert
}

// LiquidationAlert is raised once per position, level and slot.
type LiquidationAlert struct {
	PositionID       identity.Address
	Owner            identity.Owner
	Symbol           string
	Side             state.Side
	LiquidationPrice uint64
	CurrentPrice     uint64
	Level            RiskLevel
	Slot             uint64
	Timestamp        int64
}

// LiquidationRequest asks the liquidation worker to force-close a position.
type LiquidationRequest struct {
	PositionID   identity.Address
	Symbol       string
	MarkPrice    uint64
	ExpectedSlot uint64
}

// SymbolStats aggregates open positions of one symbol.
type SymbolStats struct {
	OpenPositions      int    `json:"open_positions"`
	LongPositions      int    `json:"long_positions"`
	ShortPositions     int    `json:"short_positions"`
	TotalNotional      uint64 `json:"total_notional"`
	TotalMargin        uint64 `json:"total_margin"`
	TotalUnrealizedPnL int64  `json:"total_unrealized_pnl"`
	AtRisk             int    `json:"at_risk"`
}

// Statistics is a snapshot of the whole monitor.
type Statistics struct {
	SymbolStats
	BySymbol     map[string]SymbolStats     `json:"by_symbol"`
	LatestPrices map[string]event.PriceTick `json:"latest_prices"`
}

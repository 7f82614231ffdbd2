package query

import (
	"encoding/hex"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/ledger"
	"PositionLedger/internal/margin"
	fpmath "PositionLedger/internal/math"
	"PositionLedger/internal/monitor"
	"PositionLedger/internal/state"

	"github.com/shopspring/decimal"
)

// All amounts are decimals serialized as JSON strings. Responses carry the
// ledger slot they were read at.

// AccountResponse represents a user account for API queries.
type AccountResponse struct {
	Owner               identity.Owner   `json:"owner"`
	Address             identity.Address `json:"address"`
	TotalCollateral     decimal.Decimal  `json:"total_collateral"`
	LockedCollateral    decimal.Decimal  `json:"locked_collateral"`
	AvailableCollateral decimal.Decimal  `json:"available_collateral"`
	TotalPnL            decimal.Decimal  `json:"total_pnl"`
	PositionCount       uint32           `json:"position_count"`
	PositionCountTotal  uint32           `json:"position_count_total"`
	CreatedAt           int64            `json:"created_at"`
	LastUpdate          int64            `json:"last_update"`
	Slot                uint64           `json:"slot"`
	AsOfSlot            uint64           `json:"as_of_slot"`
}

// PositionResponse represents a ledger position, optionally with the
// monitor's risk figures at the latest price.
type PositionResponse struct {
	ID                     identity.Address `json:"id"`
	Owner                  identity.Owner   `json:"owner"`
	Index                  uint32           `json:"index"`
	Symbol                 string           `json:"symbol"`
	Side                   state.Side       `json:"side"`
	Status                 state.Status     `json:"status"`
	Size                   decimal.Decimal  `json:"size"`
	EntryPrice             decimal.Decimal  `json:"entry_price"`
	MarkPrice              decimal.Decimal  `json:"mark_price"`
	Margin                 decimal.Decimal  `json:"margin"`
	LiquidationPrice       decimal.Decimal  `json:"liquidation_price"`
	Leverage               uint16           `json:"leverage"`
	MaintenanceMarginRatio decimal.Decimal  `json:"maintenance_margin_ratio"`
	UnrealizedPnL          decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL            decimal.Decimal  `json:"realized_pnl"`
	FundingAccrued         decimal.Decimal  `json:"funding_accrued"`
	OpenedAt               int64            `json:"opened_at"`
	LastUpdate             int64            `json:"last_update"`
	Slot                   uint64           `json:"slot"`

	Risk *RiskResponse `json:"risk,omitempty"`
}

// RiskResponse holds figures derived by the monitor, not stored on the ledger.
type RiskResponse struct {
	Level                 monitor.RiskLevel `json:"level"`
	MarginRatio           decimal.Decimal   `json:"margin_ratio"`
	DistanceToLiquidation decimal.Decimal   `json:"distance_to_liquidation"`
	ROI                   decimal.Decimal   `json:"roi"`
	Notional              decimal.Decimal   `json:"notional"`
	EffectiveLeverage     uint16            `json:"effective_leverage"`
}

// ReceiptResponse is returned by every successful command.
type ReceiptResponse struct {
	Signature string            `json:"signature"`
	Slot      uint64            `json:"slot"`
	Account   *AccountResponse  `json:"account,omitempty"`
	Position  *PositionResponse `json:"position,omitempty"`
	BadDebt   *decimal.Decimal  `json:"bad_debt,omitempty"`
}

// MarginResponse contains account-level margin figures derived at query time
// from the monitor's latest prices. They are not ledger balances.
type MarginResponse struct {
	Owner            identity.Owner  `json:"owner"`
	TotalCollateral  decimal.Decimal `json:"total_collateral"`
	LockedCollateral decimal.Decimal `json:"locked_collateral"`
	TotalNotional    decimal.Decimal `json:"total_notional"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	Equity           decimal.Decimal `json:"equity"` // total_collateral + unrealized_pnl
	AtRiskPositions  int             `json:"at_risk_positions"`
	OpenPositions    int             `json:"open_positions"`
	AsOfSlot         uint64          `json:"as_of_slot"`
}

// PriceResponse is the latest accepted tick of a symbol.
type PriceResponse struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// SymbolStatsResponse aggregates open positions of one symbol.
type SymbolStatsResponse struct {
	OpenPositions      int             `json:"open_positions"`
	LongPositions      int             `json:"long_positions"`
	ShortPositions     int             `json:"short_positions"`
	TotalNotional      decimal.Decimal `json:"total_notional"`
	TotalMargin        decimal.Decimal `json:"total_margin"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	AtRisk             int             `json:"at_risk"`
}

// StatisticsResponse combines monitor and ledger statistics.
type StatisticsResponse struct {
	SymbolStatsResponse
	BySymbol     map[string]SymbolStatsResponse `json:"by_symbol"`
	LatestPrices map[string]PriceResponse       `json:"latest_prices"`
	Ledger       ledger.Stats                   `json:"ledger"`
}

// AlertResponse is a liquidation alert pushed on the feed.
type AlertResponse struct {
	PositionID       identity.Address  `json:"position_id"`
	Owner            identity.Owner    `json:"owner"`
	Symbol           string            `json:"symbol"`
	Side             state.Side        `json:"side"`
	LiquidationPrice decimal.Decimal   `json:"liquidation_price"`
	CurrentPrice     decimal.Decimal   `json:"current_price"`
	Level            monitor.RiskLevel `json:"level"`
	Slot             uint64            `json:"slot"`
	Timestamp        int64             `json:"timestamp"`
}

// RecordResponse is a raw discriminator-tagged account record.
type RecordResponse struct {
	Address identity.Address `json:"address"`
	Type    string           `json:"type"`
	Data    string           `json:"data"` // hex
	Slot    uint64           `json:"slot"`
	Source  string           `json:"source"` // "ledger" or "store"
}

// --- Conversions ---

func quote(v uint64) decimal.Decimal { return fpmath.ToDecimal(v, fpmath.QuoteConfig) }

func quoteSigned(v int64) decimal.Decimal { return fpmath.ToDecimalSigned(v, fpmath.QuoteConfig) }

func price(v uint64) decimal.Decimal { return fpmath.ToDecimal(v, fpmath.PriceConfig) }

func ratio(v int64) decimal.Decimal { return fpmath.ToDecimalSigned(v, fpmath.RatioConfig) }

// NewAccountResponse converts a ledger account.
func NewAccountResponse(a *state.UserAccount, asOf uint64) *AccountResponse {
	return &AccountResponse{
		Owner:               a.Owner,
		Address:             a.Address(),
		TotalCollateral:     quote(a.TotalCollateral),
		LockedCollateral:    quote(a.LockedCollateral),
		AvailableCollateral: quote(a.AvailableCollateral()),
		TotalPnL:            quoteSigned(a.TotalPnL),
		PositionCount:       a.PositionCount,
		PositionCountTotal:  a.PositionCountTotal,
		CreatedAt:           a.CreatedAt,
		LastUpdate:          a.LastUpdate,
		Slot:                a.Slot,
		AsOfSlot:            asOf,
	}
}

// NewPositionResponse converts a ledger position.
func NewPositionResponse(p *state.Position) *PositionResponse {
	return &PositionResponse{
		ID:                     p.Address(),
		Owner:                  p.Owner,
		Index:                  p.Index,
		Symbol:                 p.Symbol,
		Side:                   p.Side,
		Status:                 p.Status,
		Size:                   fpmath.ToDecimal(p.Size, fpmath.SizeConfig),
		EntryPrice:             price(p.EntryPrice),
		MarkPrice:              price(p.MarkPrice),
		Margin:                 quote(p.Margin),
		LiquidationPrice:       price(p.LiquidationPrice),
		Leverage:               p.Leverage,
		MaintenanceMarginRatio: fpmath.ToDecimal(p.MaintenanceMarginRatio, fpmath.RatioConfig),
		UnrealizedPnL:          quoteSigned(p.UnrealizedPnL),
		RealizedPnL:            quoteSigned(p.RealizedPnL),
		FundingAccrued:         quoteSigned(p.FundingAccrued),
		OpenedAt:               p.OpenedAt,
		LastUpdate:             p.LastUpdate,
		Slot:                   p.Slot,
	}
}

// NewViewResponse converts a monitor view: the position at the monitor's
// latest price plus its risk figures.
func NewViewResponse(v monitor.PositionView) *PositionResponse {
	resp := NewPositionResponse(&v.Position)
	resp.Risk = &RiskResponse{
		Level:                 v.Risk,
		MarginRatio:           ratio(v.MarginRatio),
		DistanceToLiquidation: ratio(v.DistanceToLiquidation),
		ROI:                   ratio(v.ROI),
		Notional:              quote(v.Notional),
		EffectiveLeverage:     margin.EffectiveLeverage(v.Notional, v.Margin),
	}
	return resp
}

// NewReceiptResponse converts a command receipt.
func NewReceiptResponse(r *ledger.Receipt) *ReceiptResponse {
	resp := &ReceiptResponse{Signature: r.Signature, Slot: r.Slot}
	if r.Account != nil {
		resp.Account = NewAccountResponse(r.Account, r.Slot)
	}
	if r.Position != nil {
		resp.Position = NewPositionResponse(r.Position)
	}
	if r.BadDebt > 0 {
		d := quote(r.BadDebt)
		resp.BadDebt = &d
	}
	return resp
}

// NewPriceResponse converts a price tick.
func NewPriceResponse(t event.PriceTick) PriceResponse {
	return PriceResponse{Symbol: t.Symbol, Price: price(t.Price), Timestamp: t.Timestamp}
}

// NewAlertResponse converts a monitor alert.
func NewAlertResponse(a monitor.LiquidationAlert) *AlertResponse {
	return &AlertResponse{
		PositionID:       a.PositionID,
		Owner:            a.Owner,
		Symbol:           a.Symbol,
		Side:             a.Side,
		LiquidationPrice: price(a.LiquidationPrice),
		CurrentPrice:     price(a.CurrentPrice),
		Level:            a.Level,
		Slot:             a.Slot,
		Timestamp:        a.Timestamp,
	}
}

func newSymbolStatsResponse(s monitor.SymbolStats) SymbolStatsResponse {
	return SymbolStatsResponse{
		OpenPositions:      s.OpenPositions,
		LongPositions:      s.LongPositions,
		ShortPositions:     s.ShortPositions,
		TotalNotional:      quote(s.TotalNotional),
		TotalMargin:        quote(s.TotalMargin),
		TotalUnrealizedPnL: quoteSigned(s.TotalUnrealizedPnL),
		AtRisk:             s.AtRisk,
	}
}

func newRecordResponse(addr identity.Address, typeName string, data []byte, slot uint64, source string) *RecordResponse {
	return &RecordResponse{
		Address: addr,
		Type:    typeName,
		Data:    hex.EncodeToString(data),
		Slot:    slot,
		Source:  source,
	}
}

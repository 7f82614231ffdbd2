package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/ledger"
	"PositionLedger/internal/monitor"
	"PositionLedger/internal/persistence"

	"github.com/shopspring/decimal"
)

var ErrPriceNotFound = errors.New("no price for symbol")

// RecordStore serves persisted raw account records.
type RecordStore interface {
	Get(ctx context.Context, addr identity.Address) (*persistence.Record, error)
}

// Service answers read-only queries from the ledger (authoritative records)
// and the risk monitor (derived view at the latest price). Every response
// carries the ledger slot it was read at.
type Service struct {
	ledger  *ledger.Ledger
	monitor *monitor.Monitor
	store   RecordStore
}

// NewService wires the query side. store may be nil, in which case raw
// records are encoded from the in-memory ledger.
func NewService(l *ledger.Ledger, m *monitor.Monitor, store RecordStore) *Service {
	return &Service{ledger: l, monitor: m, store: store}
}

// GetUserAccount returns the account of owner.
func (s *Service) GetUserAccount(owner identity.Owner) (*AccountResponse, error) {
	acct, err := s.ledger.GetUserAccount(owner)
	if err != nil {
		return nil, err
	}
	return NewAccountResponse(acct, s.ledger.Slot()), nil
}

// GetPosition returns the ledger record of a position, with the monitor's
// risk figures while it is open.
func (s *Service) GetPosition(id identity.Address) (*PositionResponse, error) {
	pos, err := s.ledger.GetPosition(id)
	if err != nil {
		return nil, err
	}
	resp := NewPositionResponse(pos)
	if view, ok := s.monitor.Position(id); ok && view.Slot == pos.Slot {
		resp = NewViewResponse(view)
	}
	return resp, nil
}

// ListPositions returns every position of owner, closed ones included, in
// index order.
func (s *Service) ListPositions(owner identity.Owner) ([]*PositionResponse, error) {
	positions, err := s.ledger.ListPositions(owner)
	if err != nil {
		return nil, err
	}
	out := make([]*PositionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, NewPositionResponse(p))
	}
	return out, nil
}

// MonitoredPositions returns the monitor's view of all open positions.
func (s *Service) MonitoredPositions() []*PositionResponse {
	return viewsToResponses(s.monitor.Positions())
}

// PositionsBySymbol returns the monitor's view of open positions of symbol.
func (s *Service) PositionsBySymbol(symbol string) []*PositionResponse {
	return viewsToResponses(s.monitor.PositionsBySymbol(symbol))
}

// GetMargin aggregates owner's open positions at the monitor's latest
// prices.
func (s *Service) GetMargin(owner identity.Owner) (*MarginResponse, error) {
	acct, err := s.ledger.GetUserAccount(owner)
	if err != nil {
		return nil, err
	}

	resp := &MarginResponse{
		Owner:            owner,
		TotalCollateral:  quote(acct.TotalCollateral),
		LockedCollateral: quote(acct.LockedCollateral),
		TotalNotional:    decimal.Zero,
		UnrealizedPnL:    decimal.Zero,
		AsOfSlot:         s.ledger.Slot(),
	}
	for _, v := range s.monitor.PositionsByOwner(owner) {
		resp.OpenPositions++
		resp.TotalNotional = resp.TotalNotional.Add(quote(v.Notional))
		resp.UnrealizedPnL = resp.UnrealizedPnL.Add(quoteSigned(v.UnrealizedPnL))
		if v.Risk != monitor.RiskSafe {
			resp.AtRiskPositions++
		}
	}
	resp.Equity = resp.TotalCollateral.Add(resp.UnrealizedPnL)
	return resp, nil
}

// Statistics combines the monitor's aggregates with ledger counters.
func (s *Service) Statistics() *StatisticsResponse {
	stats := s.monitor.Statistics()
	resp := &StatisticsResponse{
		SymbolStatsResponse: newSymbolStatsResponse(stats.SymbolStats),
		BySymbol:            make(map[string]SymbolStatsResponse, len(stats.BySymbol)),
		LatestPrices:        make(map[string]PriceResponse, len(stats.LatestPrices)),
		Ledger:              s.ledger.Stats(),
	}
	for sym, st := range stats.BySymbol {
		resp.BySymbol[sym] = newSymbolStatsResponse(st)
	}
	for sym, t := range stats.LatestPrices {
		resp.LatestPrices[sym] = NewPriceResponse(t)
	}
	return resp
}

// Prices returns the latest tick of every symbol.
func (s *Service) Prices() map[string]PriceResponse {
	prices := s.monitor.Prices()
	out := make(map[string]PriceResponse, len(prices))
	for sym, t := range prices {
		out[sym] = NewPriceResponse(t)
	}
	return out
}

// Price returns the latest tick of symbol. When this monitor has not seen
// the symbol yet the Redis mirror, if configured, is consulted.
func (s *Service) Price(ctx context.Context, symbol string) (*PriceResponse, error) {
	t, err := s.latestTick(ctx, symbol)
	if err != nil {
		return nil, err
	}
	resp := NewPriceResponse(t)
	return &resp, nil
}

func (s *Service) latestTick(ctx context.Context, symbol string) (event.PriceTick, error) {
	if t, ok := s.monitor.Price(symbol); ok {
		return t, nil
	}
	if idx := s.monitor.Index(); idx != nil {
		t, err := idx.Price(ctx, symbol)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, monitor.ErrPriceNotCached) {
			return event.PriceTick{}, err
		}
	}
	return event.PriceTick{}, fmt.Errorf("%w: %s", ErrPriceNotFound, symbol)
}

// AtRiskPositions returns the open positions of symbol whose liquidation
// price lies within the alert threshold of the latest price, closest first.
// With a Redis index the sorted sets supply the candidates; otherwise the
// monitor's views are filtered by risk level.
func (s *Service) AtRiskPositions(ctx context.Context, symbol string) ([]*PositionResponse, error) {
	t, err := s.latestTick(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var views []monitor.PositionView
	if idx := s.monitor.Index(); idx != nil {
		ids, err := idx.Candidates(ctx, symbol, t.Price, s.monitor.AlertThreshold())
		if err != nil {
			return nil, fmt.Errorf("liquidation candidates for %s: %w", symbol, err)
		}
		for _, id := range ids {
			if v, ok := s.monitor.Position(id); ok {
				views = append(views, v)
			}
		}
	} else {
		for _, v := range s.monitor.PositionsBySymbol(symbol) {
			if v.Risk != monitor.RiskSafe {
				views = append(views, v)
			}
		}
	}

	sort.SliceStable(views, func(i, j int) bool {
		return views[i].DistanceToLiquidation < views[j].DistanceToLiquidation
	})
	return viewsToResponses(views), nil
}

// GetRecord returns the encoded account record at addr, from the store when
// one is configured and otherwise from the in-memory ledger.
func (s *Service) GetRecord(ctx context.Context, addr identity.Address) (*RecordResponse, error) {
	if s.store != nil {
		rec, err := s.store.Get(ctx, addr)
		if err != nil {
			if errors.Is(err, persistence.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, addr)
			}
			return nil, err
		}
		return newRecordResponse(rec.Address, rec.Type, rec.Data, rec.Slot, "store"), nil
	}

	if pos, err := s.ledger.GetPosition(addr); err == nil {
		return newRecordResponse(addr, identity.TypePosition, pos.Encode(), pos.Slot, "ledger"), nil
	}
	acct, err := s.ledger.FindAccount(addr)
	if err != nil {
		return nil, err
	}
	return newRecordResponse(addr, identity.TypeUserAccount, acct.Encode(), acct.Slot, "ledger"), nil
}

func viewsToResponses(views []monitor.PositionView) []*PositionResponse {
	out := make([]*PositionResponse, 0, len(views))
	for _, v := range views {
		out = append(out, NewViewResponse(v))
	}
	return out
}

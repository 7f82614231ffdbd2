package monitor

import (
	"context"
	"sort"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/margin"
	"PositionLedger/internal/state"

	"github.com/rs/zerolog"
)

// work is one inbox item. Exactly one field is set.
type work struct {
	evt   *event.LedgerEvent
	tick  *event.PriceTick
	flush chan struct{}
}

// alertMarks records, per risk level, the position slot that last alerted.
type alertMarks [RiskLiquidated + 1]uint64

// pendingLiquidation is a queued request not yet resolved by a ledger event.
type pendingLiquidation struct {
	slot      uint64
	refreshes int
}

// partition owns all positions of one symbol. Only its goroutine touches
// its maps.
type partition struct {
	symbol string
	inbox  chan work
	m      *Monitor
	logger zerolog.Logger

	positions map[identity.Address]*state.Position
	lastSlot  map[identity.Address]uint64
	alerted   map[identity.Address]alertMarks
	pending   map[identity.Address]pendingLiquidation
	lastTick  event.PriceTick
	hasPrice  bool
}

func newPartition(m *Monitor, symbol string) *partition {
	return &partition{
		symbol:    symbol,
		inbox:     make(chan work, m.cfg.PartitionQueue),
		m:         m,
		logger:    m.logger.With().Str("symbol", symbol).Logger(),
		positions: make(map[identity.Address]*state.Position),
		lastSlot:  make(map[identity.Address]uint64),
		alerted:   make(map[identity.Address]alertMarks),
		pending:   make(map[identity.Address]pendingLiquidation),
	}
}

func (p *partition) run() {
	for w := range p.inbox {
		switch {
		case w.evt != nil:
			p.applyEvent(w.evt)
		case w.tick != nil:
			p.applyTick(*w.tick)
		case w.flush != nil:
			close(w.flush)
		}
	}
}

// applyEvent installs the position snapshot carried by evt unless a newer
// slot was already applied for that position.
func (p *partition) applyEvent(evt *event.LedgerEvent) {
	pos := evt.Position
	id := pos.Address()

	if last, ok := p.lastSlot[id]; ok && evt.Slot <= last {
		p.logger.Debug().
			Str("position", id.String()).
			Uint64("slot", evt.Slot).
			Uint64("last_slot", last).
			Msg("stale event discarded")
		if p.m.metrics != nil {
			p.m.metrics.MonitorStaleEvents.WithLabelValues("event").Inc()
		}
		return
	}
	p.lastSlot[id] = evt.Slot

	if p.m.metrics != nil {
		p.m.metrics.MonitorEventsApplied.WithLabelValues(evt.Type.String()).Inc()
	}

	if !pos.IsOpen() {
		delete(p.positions, id)
		delete(p.alerted, id)
		delete(p.pending, id)
		p.m.reg.remove(pos)
		p.untrack(pos)

		closed := PositionView{Position: *pos}
		p.m.hub.Publish(Message{Type: TypePositionUpdate, Symbol: p.symbol, Position: &closed})
		p.updateGauge()
		return
	}

	stored := pos.Clone()
	p.positions[id] = stored
	p.track(stored)
	p.refresh(stored, p.price(stored), evt.BlockTime)
	p.updateGauge()
}

// applyTick re-derives every position of the symbol at the new price.
func (p *partition) applyTick(t event.PriceTick) {
	if p.hasPrice && t.Timestamp <= p.lastTick.Timestamp {
		p.logger.Debug().
			Int64("timestamp", t.Timestamp).
			Int64("last_timestamp", p.lastTick.Timestamp).
			Msg("stale price tick discarded")
		if p.m.metrics != nil {
			p.m.metrics.MonitorStaleEvents.WithLabelValues("tick").Inc()
		}
		return
	}

	start := time.Now()
	p.lastTick = t
	p.hasPrice = true

	p.m.reg.setPrice(t)
	if p.m.index != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.m.cfg.IndexTimeout)
		if err := p.m.index.SetPrice(ctx, t); err != nil {
			p.logger.Warn().Err(err).Msg("price mirror failed")
		}
		cancel()
	}

	tick := t
	p.m.hub.Publish(Message{Type: TypePriceUpdate, Symbol: p.symbol, Price: &tick})

	ids := make([]identity.Address, 0, len(p.positions))
	for id := range p.positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		p.refresh(p.positions[id], t.Price, t.Timestamp)
	}

	if p.m.metrics != nil {
		p.m.metrics.MonitorTicks.WithLabelValues(p.symbol).Inc()
		p.m.metrics.MonitorTickDuration.Observe(time.Since(start).Seconds())
	}
}

func (p *partition) price(pos *state.Position) uint64 {
	if p.hasPrice {
		return p.lastTick.Price
	}
	return pos.MarkPrice
}

// refresh evaluates pos at price, publishes the view and raises alerts.
func (p *partition) refresh(pos *state.Position, price uint64, ts int64) {
	view, err := evaluate(pos, price, p.m.cfg.AlertThreshold)
	if err != nil {
		p.logger.Error().Err(err).Str("position", pos.Address().String()).Msg("risk evaluation failed")
		return
	}

	p.m.reg.upsert(view)
	p.m.hub.Publish(Message{Type: TypePositionUpdate, Symbol: p.symbol, Position: &view})
	p.checkAlert(&view, ts)
	p.checkLiquidation(&view)
}

// checkAlert emits at most one alert per position, level and slot.
func (p *partition) checkAlert(v *PositionView, ts int64) {
	if v.Risk == RiskSafe {
		return
	}

	id := v.ID()
	marks := p.alerted[id]
	if marks[v.Risk] == v.Slot {
		return
	}
	marks[v.Risk] = v.Slot
	p.alerted[id] = marks

	alert := &LiquidationAlert{
		PositionID:       id,
		Owner:            v.Owner,
		Symbol:           v.Symbol,
		Side:             v.Side,
		LiquidationPrice: v.LiquidationPrice,
		CurrentPrice:     v.MarkPrice,
		Level:            v.Risk,
		Slot:             v.Slot,
		Timestamp:        ts,
	}

	p.logger.Warn().
		Str("position", id.String()).
		Str("side", v.Side.String()).
		Str("level", v.Risk.String()).
		Uint64("mark_price", v.MarkPrice).
		Uint64("liquidation_price", v.LiquidationPrice).
		Msg("liquidation alert")

	if p.m.metrics != nil {
		p.m.metrics.MonitorAlerts.WithLabelValues(v.Risk.String()).Inc()
	}
	p.m.hub.Publish(Message{Type: TypeLiquidationAlert, Symbol: p.symbol, Alert: alert})
}

// checkLiquidation requests liquidation of a position that evaluates as
// Liquidated. A request stays pending until an event for a newer slot
// arrives; if none does within LiquidationRetry refreshes it is issued
// again, which covers drops and failed executions.
func (p *partition) checkLiquidation(v *PositionView) {
	id := v.ID()
	if v.Risk != RiskLiquidated {
		delete(p.pending, id)
		return
	}

	if pl, ok := p.pending[id]; ok && pl.slot == v.Slot && pl.refreshes < p.m.cfg.LiquidationRetry {
		pl.refreshes++
		p.pending[id] = pl
		return
	}

	queued := p.m.requestLiquidation(LiquidationRequest{
		PositionID:   id,
		Symbol:       v.Symbol,
		MarkPrice:    v.MarkPrice,
		ExpectedSlot: v.Slot,
	})
	if !queued {
		delete(p.pending, id)
		return
	}
	p.pending[id] = pendingLiquidation{slot: v.Slot}
}

func (p *partition) track(pos *state.Position) {
	if p.m.index == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.m.cfg.IndexTimeout)
	defer cancel()
	if err := p.m.index.Track(ctx, pos); err != nil {
		p.logger.Warn().Err(err).Str("position", pos.Address().String()).Msg("liquidation index update failed")
	}
}

func (p *partition) untrack(pos *state.Position) {
	if p.m.index == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.m.cfg.IndexTimeout)
	defer cancel()
	if err := p.m.index.Untrack(ctx, pos); err != nil {
		p.logger.Warn().Err(err).Str("position", pos.Address().String()).Msg("liquidation index removal failed")
	}
}

func (p *partition) updateGauge() {
	if p.m.metrics != nil {
		p.m.metrics.MonitorPositions.WithLabelValues(p.symbol).Set(float64(len(p.positions)))
	}
}

// evaluate derives the risk figures of pos at price.
func evaluate(pos *state.Position, price, alertThreshold uint64) (PositionView, error) {
	v := PositionView{Position: *pos}
	v.MarkPrice = price

	var err error
	if v.UnrealizedPnL, err = margin.UnrealizedPnL(pos.Side, pos.Size, pos.EntryPrice, price); err != nil {
		return v, err
	}
	if v.Notional, err = margin.Notional(pos.Size, price); err != nil {
		return v, err
	}
	if v.MarginRatio, err = margin.MarginRatio(pos.Margin, v.UnrealizedPnL, pos.Size, price); err != nil {
		return v, err
	}
	if v.DistanceToLiquidation, err = margin.DistanceToLiquidation(pos.Side, price, pos.LiquidationPrice); err != nil {
		return v, err
	}
	if v.ROI, err = margin.ROI(v.UnrealizedPnL, pos.Margin); err != nil {
		return v, err
	}

	switch {
	case margin.ShouldLiquidate(pos.Side, price, pos.LiquidationPrice, v.MarginRatio, pos.MaintenanceMarginRatio):
		v.Risk = RiskLiquidated
	case v.DistanceToLiquidation <= int64(alertThreshold):
		v.Risk = RiskLiquidating
	default:
		v.Risk = RiskSafe
	}
	return v, nil
}

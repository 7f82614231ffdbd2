package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/observability"
	"PositionLedger/internal/state"

	"github.com/rs/zerolog"
)

var ErrMonitorClosed = errors.New("monitor closed")

// Config tunes the monitor.
type Config struct {
	// AlertThreshold is the distance to the liquidation price (ratio scale)
	// at which a position is reported as Liquidating.
	AlertThreshold   uint64
	PartitionQueue   int
	LiquidationQueue int
	// LiquidationRetry is the number of refreshes a queued liquidation
	// request may stay unresolved before it is issued again.
	LiquidationRetry int
	IndexTimeout     time.Duration
}

// DefaultConfig alerts within 10% of the liquidation price.
func DefaultConfig() Config {
	return Config{
		AlertThreshold:   100_000,
		PartitionQueue:   4096,
		LiquidationQueue: 1024,
		LiquidationRetry: 5,
		IndexTimeout:     250 * time.Millisecond,
	}
}

// Options carries optional collaborators.
type Options struct {
	Hub     *Hub
	Index   *LiquidationIndex
	Logger  *zerolog.Logger
	Metrics *observability.Metrics
}

// Monitor routes events and ticks to per-symbol partitions and serves the
// derived view.
type Monitor struct {
	cfg     Config
	hub     *Hub
	reg     *registry
	index   *LiquidationIndex
	logger  zerolog.Logger
	metrics *observability.Metrics

	liquidations chan LiquidationRequest

	mu         sync.RWMutex
	partitions map[string]*partition
	closed     bool
	wg         sync.WaitGroup
}

// New creates a monitor. Zero config fields take their defaults.
func New(cfg Config, opts Options) *Monitor {
	def := DefaultConfig()
	if cfg.AlertThreshold == 0 {
		cfg.AlertThreshold = def.AlertThreshold
	}
	if cfg.PartitionQueue <= 0 {
		cfg.PartitionQueue = def.PartitionQueue
	}
	if cfg.LiquidationQueue <= 0 {
		cfg.LiquidationQueue = def.LiquidationQueue
	}
	if cfg.LiquidationRetry <= 0 {
		cfg.LiquidationRetry = def.LiquidationRetry
	}
	if cfg.IndexTimeout <= 0 {
		cfg.IndexTimeout = def.IndexTimeout
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(opts.Metrics)
	}

	return &Monitor{
		cfg:          cfg,
		hub:          hub,
		reg:          newRegistry(),
		index:        opts.Index,
		logger:       logger,
		metrics:      opts.Metrics,
		liquidations: make(chan LiquidationRequest, cfg.LiquidationQueue),
		partitions:   make(map[string]*partition),
	}
}

// Hub returns the fan-out hub.
func (m *Monitor) Hub() *Hub {
	return m.hub
}

// LiquidationRequests is closed by Close.
func (m *Monitor) LiquidationRequests() <-chan LiquidationRequest {
	return m.liquidations
}

// HandleEvent routes a ledger event to its symbol's partition. Account-only
// events are ignored. Blocks while the partition queue is full.
func (m *Monitor) HandleEvent(ctx context.Context, evt *event.LedgerEvent) error {
	if !evt.Type.IsPositionEvent() {
		return nil
	}
	if evt.Position == nil {
		return fmt.Errorf("%s event at slot %d carries no position", evt.Type, evt.Slot)
	}
	return m.enqueue(ctx, evt.Position.Symbol, work{evt: evt})
}

// HandleTick validates a tick and routes it to its partition. A malformed
// tick is logged and rejected without affecting any partition.
func (m *Monitor) HandleTick(ctx context.Context, tick event.PriceTick) error {
	if err := tick.Validate(); err != nil {
		m.logger.Warn().Err(err).Str("symbol", tick.Symbol).Msg("price tick rejected")
		if m.metrics != nil {
			m.metrics.MonitorTicksRejected.WithLabelValues("invalid").Inc()
		}
		return err
	}
	return m.enqueue(ctx, tick.Symbol, work{tick: &tick})
}

// Seed loads open positions, typically from a ledger snapshot at startup.
func (m *Monitor) Seed(ctx context.Context, positions []*state.Position) error {
	for _, pos := range positions {
		if !pos.IsOpen() {
			continue
		}
		id := pos.Address()
		err := m.HandleEvent(ctx, &event.LedgerEvent{
			Type:       event.EventTypeOpened,
			Slot:       pos.Slot,
			BlockTime:  pos.LastUpdate,
			Owner:      pos.Owner,
			PositionID: &id,
			Position:   pos.Clone(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Consume feeds events from the ledger until ctx is done or events closes.
func (m *Monitor) Consume(ctx context.Context, events <-chan *event.LedgerEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := m.HandleEvent(ctx, evt); err != nil {
				if errors.Is(err, ErrMonitorClosed) || errors.Is(err, ctx.Err()) {
					return err
				}
				m.logger.Error().Err(err).Uint64("slot", evt.Slot).Msg("event rejected")
			}
		}
	}
}

// Flush waits until every partition has processed the work queued before
// the call.
func (m *Monitor) Flush(ctx context.Context) error {
	m.mu.RLock()
	parts := make([]*partition, 0, len(m.partitions))
	for _, p := range m.partitions {
		parts = append(parts, p)
	}
	m.mu.RUnlock()

	for _, p := range parts {
		done := make(chan struct{})
		if err := m.enqueue(ctx, p.symbol, work{flush: done}); err != nil {
			return err
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops all partitions after they drain and closes the liquidation
// request channel.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, p := range m.partitions {
		close(p.inbox)
	}
	m.mu.Unlock()

	m.wg.Wait()
	close(m.liquidations)
	m.logger.Info().Msg("monitor stopped")
}

// enqueue sends w to the symbol's partition, creating it on first use.
// The read lock is held across the send so Close cannot close the inbox
// underneath it.
func (m *Monitor) enqueue(ctx context.Context, symbol string, w work) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrMonitorClosed
	}
	p, ok := m.partitions[symbol]
	if !ok {
		m.mu.RUnlock()
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrMonitorClosed
		}
		if p, ok = m.partitions[symbol]; !ok {
			p = newPartition(m, symbol)
			m.partitions[symbol] = p
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				p.run()
			}()
			m.logger.Info().Str("symbol", symbol).Msg("partition started")
		}
		m.mu.Unlock()
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			return ErrMonitorClosed
		}
	}
	defer m.mu.RUnlock()

	select {
	case p.inbox <- w:
		if m.metrics != nil {
			m.metrics.SetChannelMetrics("partition:"+symbol, len(p.inbox), cap(p.inbox))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestLiquidation never blocks a partition. It reports whether req was
// queued; a dropped request is issued again on the next refresh.
func (m *Monitor) requestLiquidation(req LiquidationRequest) bool {
	select {
	case m.liquidations <- req:
		if m.metrics != nil {
			m.metrics.LiquidationRequests.WithLabelValues("queued").Inc()
		}
		return true
	default:
		m.logger.Warn().Str("position", req.PositionID.String()).Msg("liquidation queue full, request dropped")
		if m.metrics != nil {
			m.metrics.LiquidationRequests.WithLabelValues("dropped").Inc()
		}
		return false
	}
}

// --- Queries ---

// Position returns the derived view of an open position.
func (m *Monitor) Position(id identity.Address) (PositionView, bool) {
	return m.reg.get(id)
}

// Positions returns all open positions ordered by symbol, owner, index.
func (m *Monitor) Positions() []PositionView {
	return m.reg.all()
}

func (m *Monitor) PositionsBySymbol(symbol string) []PositionView {
	return m.reg.bySymbolList(symbol)
}

func (m *Monitor) PositionsByOwner(owner identity.Owner) []PositionView {
	return m.reg.byOwnerList(owner)
}

func (m *Monitor) Statistics() Statistics {
	return m.reg.statistics()
}

// Price returns the latest accepted tick for symbol.
func (m *Monitor) Price(symbol string) (event.PriceTick, bool) {
	return m.reg.price(symbol)
}

func (m *Monitor) Prices() map[string]event.PriceTick {
	return m.reg.allPrices()
}

// Index returns the Redis mirror, nil when not configured.
func (m *Monitor) Index() *LiquidationIndex {
	return m.index
}

// AlertThreshold returns the configured alert distance (ratio scale).
func (m *Monitor) AlertThreshold() uint64 {
	return m.cfg.AlertThreshold
}

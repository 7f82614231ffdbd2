package monitor

import (
	"context"
	"errors"
	"time"

	"PositionLedger/internal/identity"
	"PositionLedger/internal/ledger"
	"PositionLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PositionLiquidator is the ledger command the worker drives.
type PositionLiquidator interface {
	Liquidate(ctx context.Context, id identity.Address, markPrice uint64, expectedSlot *uint64) (*ledger.Receipt, error)
}

// LiquidationWorker executes liquidation requests against the ledger one at
// a time. Rejections are logged and dropped; the monitor re-evaluates on
// the next event or tick.
type LiquidationWorker struct {
	target   PositionLiquidator
	requests <-chan LiquidationRequest
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewLiquidationWorker(
	target PositionLiquidator,
	requests <-chan LiquidationRequest,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *LiquidationWorker {
	return &LiquidationWorker{
		target:   target,
		requests: requests,
		timeout:  5 * time.Second,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run processes requests until ctx is done or the channel closes.
func (w *LiquidationWorker) Run(ctx context.Context) error {
	w.logger.Info().Msg("liquidation worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-w.requests:
			if !ok {
				w.logger.Info().Msg("liquidation worker stopped")
				return nil
			}
			w.execute(ctx, req)
		}
	}
}

func (w *LiquidationWorker) execute(ctx context.Context, req LiquidationRequest) {
	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	slot := req.ExpectedSlot
	rec, err := w.target.Liquidate(cctx, req.PositionID, req.MarkPrice, &slot)

	if w.metrics != nil {
		w.metrics.LiquidationRequests.WithLabelValues(ledger.Reason(err)).Inc()
	}

	switch {
	case err == nil:
		w.logger.Warn().
			Str("position", req.PositionID.String()).
			Str("symbol", req.Symbol).
			Uint64("mark_price", req.MarkPrice).
			Uint64("slot", rec.Slot).
			Uint64("bad_debt", rec.BadDebt).
			Msg("position liquidated")
	case errors.Is(err, ledger.ErrNotLiquidatable),
		errors.Is(err, ledger.ErrConcurrentModification),
		errors.Is(err, ledger.ErrPositionAlreadyClosed):
		w.logger.Info().Err(err).Str("position", req.PositionID.String()).Msg("liquidation skipped")
	default:
		w.logger.Error().Err(err).Str("position", req.PositionID.String()).Msg("liquidation failed")
	}
}

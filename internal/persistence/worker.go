package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains committed ledger events and batch-writes them,
// together with the account records they carry, to Postgres.
// The ledger sends on its event channel with a blocking send, so if this
// worker falls behind commits stall and no event is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan *event.LedgerEvent
	batchSize    int
	flushTimeout time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan *event.LedgerEvent,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

// Run batches incoming events and flushes either when the batch is full or
// the flush timeout expires. It returns when the input channel closes, after
// a final flush, or when ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, pw.batchSize)
	records := make([]AccountRow, 0, pw.batchSize*2)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	reset := func() {
		events = events[:0]
		records = records[:0]
	}

	pw.logger.Info().Int("batch_size", pw.batchSize).Dur("flush_timeout", pw.flushTimeout).Msg("persistence worker started")

	for {
		select {
		case <-ctx.Done():
			if len(events) > 0 {
				if err := pw.flush(context.Background(), events, records); err != nil {
					pw.logger.Error().Err(err).Int("events", len(events)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case evt, ok := <-pw.inputChan:
			if !ok {
				if len(events) > 0 {
					if err := pw.flushWithRetry(ctx, events, records); err != nil {
						pw.logger.Error().Err(err).Int("events", len(events)).Msg("final flush failed")
						return err
					}
				}
				pw.logger.Info().Msg("persistence worker stopped")
				return nil
			}

			row, err := NewEventRow(evt)
			if err != nil {
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("encode").Inc()
				}
				pw.logger.Error().Err(err).Uint64("slot", evt.Slot).Msg("event not persistable")
				continue
			}
			events = append(events, row)
			records = append(records, NewAccountRows(evt)...)

			if len(events) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, events, records); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(events) > 0 {
				if err := pw.flushWithRetry(ctx, events, records); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. On cancellation one last attempt is made with a
// background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, records []AccountRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events, records); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, events, records)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, records []AccountRow) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteAccountBatch(ctx, tx, records); err != nil {
		pw.countError("write_accounts")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistLastSlot.Set(float64(events[len(events)-1].Slot))
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}

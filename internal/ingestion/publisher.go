package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamPublisher is the JetStream publishing surface the outbound
// publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed ledger events to
// positions.events.{event_type}.{symbol}; account-only events use the
// symbol segment "account". Publishing is best effort: Offer never blocks
// the caller and a full queue drops the event.
type OutboundPublisher struct {
	js      StreamPublisher
	queue   chan *event.LedgerEvent
	timeout time.Duration
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewOutboundPublisher(js StreamPublisher, queueSize int, logger zerolog.Logger, metrics *observability.Metrics) *OutboundPublisher {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &OutboundPublisher{
		js:      js,
		queue:   make(chan *event.LedgerEvent, queueSize),
		timeout: 5 * time.Second,
		logger:  logger,
		metrics: metrics,
	}
}

// Offer queues evt for publishing and reports false when it was dropped.
func (op *OutboundPublisher) Offer(evt *event.LedgerEvent) bool {
	select {
	case op.queue <- evt:
		return true
	default:
		if op.metrics != nil {
			op.metrics.PublishDrops.Inc()
		}
		op.logger.Warn().Uint64("slot", evt.Slot).Msg("outbound queue full, event dropped")
		return false
	}
}

// Close stops intake; Run drains what is queued and returns.
func (op *OutboundPublisher) Close() {
	close(op.queue)
}

// Run publishes queued events until ctx is cancelled or Close drains the
// queue.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.queue:
			if !ok {
				return nil
			}
			if op.metrics != nil {
				op.metrics.SetChannelMetrics("outbound", len(op.queue), cap(op.queue))
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
				op.logger.Warn().Err(err).Uint64("slot", evt.Slot).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt *event.LedgerEvent) error {
	data, err := json.Marshal(NewEventMessage(evt))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, op.timeout)
	defer cancel()

	// Slot-based message ID lets JetStream dedupe republished events.
	_, err = op.js.Publish(pctx, EventSubject(evt), data, jetstream.WithMsgID(fmt.Sprintf("slot-%d", evt.Slot)))
	return err
}

// EventSubject returns positions.events.{event_type}.{symbol}.
func EventSubject(evt *event.LedgerEvent) string {
	symbol := "account"
	if s := evt.Symbol(); s != "" {
		symbol = s
	}
	return fmt.Sprintf("positions.events.%s.%s", strings.ToLower(evt.Type.String()), symbol)
}

package ingestion

import (
	"context"
	"errors"

	"PositionLedger/internal/event"

	"github.com/rs/zerolog"
)

// TickHandler accepts validated price ticks.
type TickHandler interface {
	HandleTick(ctx context.Context, tick event.PriceTick) error
}

// EventHandler accepts committed ledger events.
type EventHandler interface {
	HandleEvent(ctx context.Context, evt *event.LedgerEvent) error
}

// Dispatcher decodes raw messages and hands them to the risk monitor.
// Malformed payloads are terminated so they are never redelivered; handler
// failures are NAKed for redelivery.
type Dispatcher struct {
	input  <-chan RawEvent
	ticks  TickHandler
	events EventHandler
	logger zerolog.Logger
}

// NewDispatcher routes price ticks to ticks and ledger events to events.
// Either handler may be nil, in which case that kind is acked and dropped.
func NewDispatcher(input <-chan RawEvent, ticks TickHandler, events EventHandler, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{input: input, ticks: ticks, events: events, logger: logger}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.input:
			if !ok {
				return nil
			}
			d.dispatch(ctx, raw)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, raw RawEvent) {
	var err error
	switch raw.Kind {
	case KindPriceTick:
		err = d.dispatchTick(ctx, raw)
	case KindLedgerEvent:
		err = d.dispatchEvent(ctx, raw)
	default:
		d.logger.Error().Str("subject", raw.Subject).Str("kind", raw.Kind).Msg("unknown payload kind")
		raw.term()
		return
	}

	var perr *parseError
	switch {
	case err == nil:
		raw.ack()
	case errors.As(err, &perr), errors.Is(err, event.ErrInvalidPriceTick):
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("malformed message dropped")
		raw.term()
	default:
		d.logger.Error().Err(err).Str("subject", raw.Subject).Msg("message processing failed")
		raw.nak()
	}
}

func (d *Dispatcher) dispatchTick(ctx context.Context, raw RawEvent) error {
	tick, err := ParsePriceTick(raw.Data)
	if err != nil {
		if errors.Is(err, event.ErrInvalidPriceTick) {
			return err
		}
		return &parseError{err}
	}
	if d.ticks == nil {
		return nil
	}
	return d.ticks.HandleTick(ctx, tick)
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, raw RawEvent) error {
	evt, err := ParseLedgerEvent(raw.Data)
	if err != nil {
		return &parseError{err}
	}
	if d.events == nil {
		return nil
	}
	return d.events.HandleEvent(ctx, evt)
}

type parseError struct{ err error }

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

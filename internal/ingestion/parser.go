package ingestion

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"PositionLedger/internal/event"
	fpmath "PositionLedger/internal/math"

	"github.com/shopspring/decimal"
)

// Payload kinds carried on the NATS subjects.
const (
	KindPriceTick   = "PriceTick"
	KindLedgerEvent = "LedgerEvent"
)

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

// priceTickJSON accepts the price either as a JSON number or a decimal
// string; both are converted exactly to price-scale units.
type priceTickJSON struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"` // unix ms
}

// EventMessage is the published form of a committed ledger event. The
// signatures travel hex-encoded next to the event body.
type EventMessage struct {
	Event         *event.LedgerEvent `json:"event"`
	PrevSignature string             `json:"prev_signature"`
	Signature     string             `json:"signature"`
}

// NewEventMessage wraps evt for publishing.
func NewEventMessage(evt *event.LedgerEvent) EventMessage {
	return EventMessage{
		Event:         evt,
		PrevSignature: hex.EncodeToString(evt.PrevSignature[:]),
		Signature:     evt.SignatureHex(),
	}
}

// ParsePriceTick decodes and validates a price feed message.
func ParsePriceTick(data []byte) (event.PriceTick, error) {
	var j priceTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.PriceTick{}, fmt.Errorf("parse PriceTick: %w", err)
	}

	price, err := fpmath.ParseFixed(j.Price.String(), fpmath.PriceConfig)
	if err != nil {
		return event.PriceTick{}, fmt.Errorf("parse price: %w", err)
	}

	tick := event.PriceTick{Symbol: j.Symbol, Price: price, Timestamp: j.Timestamp}
	if err := tick.Validate(); err != nil {
		return event.PriceTick{}, err
	}
	return tick, nil
}

// ParseLedgerEvent decodes a published ledger event and restores its
// signatures. The signature is checked against the event body.
func ParseLedgerEvent(data []byte) (*event.LedgerEvent, error) {
	var msg EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse LedgerEvent: %w", err)
	}
	if msg.Event == nil {
		return nil, fmt.Errorf("parse LedgerEvent: missing event body")
	}
	evt := msg.Event

	if err := decodeSignature(msg.PrevSignature, evt.PrevSignature[:]); err != nil {
		return nil, fmt.Errorf("parse prev_signature: %w", err)
	}
	if err := decodeSignature(msg.Signature, evt.Signature[:]); err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	if evt.Digest() != evt.Signature {
		return nil, fmt.Errorf("event at slot %d: signature does not match body", evt.Slot)
	}
	if evt.Type.IsPositionEvent() && evt.Position == nil {
		return nil, fmt.Errorf("%s event at slot %d carries no position", evt.Type, evt.Slot)
	}
	return evt, nil
}

func decodeSignature(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

package event

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"PositionLedger/internal/identity"
	"PositionLedger/internal/state"

	"github.com/google/uuid"
)

// EventType discriminator for ledger events
type EventType uint8

const (
	EventTypeUnknown EventType = iota
	EventTypeAccountInitialized
	EventTypeCollateralAdded
	EventTypeOpened
	EventTypeModified
	EventTypeClosed
	EventTypeLiquidated
	EventTypePnLUpdate
)

var eventTypeNames = map[EventType]string{
	EventTypeAccountInitialized: "ACCOUNT_INITIALIZED",
	EventTypeCollateralAdded:    "COLLATERAL_ADDED",
	EventTypeOpened:             "OPENED",
	EventTypeModified:           "MODIFIED",
	EventTypeClosed:             "CLOSED",
	EventTypeLiquidated:         "LIQUIDATED",
	EventTypePnLUpdate:          "PNL_UPDATE",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "UNKNOWN"
}

func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

func (et *EventType) UnmarshalText(b []byte) error {
	for t, name := range eventTypeNames {
		if name == string(b) {
			*et = t
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", string(b))
}

// IsPositionEvent reports whether the type carries a position snapshot.
func (et EventType) IsPositionEvent() bool {
	switch et {
	case EventTypeOpened, EventTypeModified, EventTypeClosed, EventTypeLiquidated, EventTypePnLUpdate:
		return true
	default:
		return false
	}
}

// LedgerEvent is emitted once per committed ledger transaction. It carries
// full snapshots of the records it touched so consumers never read back
// from the ledger.
type LedgerEvent struct {
	ID         uuid.UUID          `json:"id"`
	Type       EventType          `json:"event_type"`
	Slot       uint64             `json:"slot"`
	BlockTime  int64              `json:"block_time"` // unix ms
	Owner      identity.Owner     `json:"owner"`
	PositionID *identity.Address  `json:"position_id,omitempty"`
	Account    *state.UserAccount `json:"account"`
	Position   *state.Position    `json:"position,omitempty"`

	// Bad debt not covered by collateral on close/liquidation, quote scale
	BadDebt uint64 `json:"bad_debt,omitempty"`

	// Signature = SHA-256(CanonicalBytes()), which embeds PrevSignature
	PrevSignature [32]byte `json:"-"`
	Signature     [32]byte `json:"-"`
}

// Symbol returns the position's symbol, empty for account-only events.
func (e *LedgerEvent) Symbol() string {
	if e.Position == nil {
		return ""
	}
	return e.Position.Symbol
}

// SignatureHex returns the transaction signature handed back to callers.
func (e *LedgerEvent) SignatureHex() string {
	return hex.EncodeToString(e.Signature[:])
}

// Digest recomputes the signature from the event body.
func (e *LedgerEvent) Digest() [32]byte {
	return sha256.Sum256(e.CanonicalBytes())
}

// CanonicalBytes returns deterministic serialization for hashing
func (e *LedgerEvent) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = append(buf, e.PrevSignature[:]...)
	buf = append(buf, byte(e.Type))
	buf = binary.LittleEndian.AppendUint64(buf, e.Slot)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.BlockTime))
	buf = append(buf, e.Owner[:]...)

	if e.Account != nil {
		buf = append(buf, e.Account.Encode()...)
	}
	if e.Position != nil {
		buf = append(buf, e.Position.Encode()...)
	}
	buf = binary.LittleEndian.AppendUint64(buf, e.BadDebt)

	return buf
}

package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	"PositionLedger/internal/identity"
)

var (
	ErrWrongDiscriminator = errors.New("wrong account discriminator")
	ErrTruncatedRecord    = errors.New("truncated account record")
)

// Side of a position
type Side uint8

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "Long"
	case SideShort:
		return "Short"
	default:
		return "Unknown"
	}
}

// Sign returns +1 for long, -1 for short
func (s Side) Sign() int64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func (s Side) MarshalText() ([]byte, error) {
	if s != SideLong && s != SideShort {
		return nil, fmt.Errorf("invalid side %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSide accepts "long"/"short" in any case.
func ParseSide(s string) (Side, error) {
	switch s {
	case "Long", "long", "LONG":
		return SideLong, nil
	case "Short", "short", "SHORT":
		return SideShort, nil
	default:
		return 0, fmt.Errorf("invalid side %q", s)
	}
}

// Status is the lifecycle state of a position. Opening, Modifying, Closing and
// Liquidating only exist inside a ledger transaction.
type Status uint8

const (
	StatusOpening Status = iota
	StatusOpen
	StatusModifying
	StatusClosing
	StatusClosed
	StatusLiquidating
)

func (s Status) String() string {
	switch s {
	case StatusOpening:
		return "Opening"
	case StatusOpen:
		return "Open"
	case StatusModifying:
		return "Modifying"
	case StatusClosing:
		return "Closing"
	case StatusClosed:
		return "Closed"
	case StatusLiquidating:
		return "Liquidating"
	default:
		return "Unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for candidate := StatusOpening; candidate <= StatusLiquidating; candidate++ {
		if candidate.String() == string(b) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("invalid status %q", string(b))
}

var validTransitions = map[Status][]Status{
	StatusOpening: {
		StatusOpen,
	},
	StatusOpen: {
		StatusModifying,
		StatusClosing,
		StatusLiquidating,
	},
	StatusModifying: {
		StatusOpen,
		StatusLiquidating,
	},
	StatusClosing: {
		StatusClosed,
	},
	StatusLiquidating: {
		StatusClosed,
	},
	// Closed is terminal
}

// CanTransitionTo validates state transitions
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Position is one leveraged exposure owned by a single UserAccount.
type Position struct {
	Owner                  identity.Owner `json:"owner"`
	Index                  uint32         `json:"index"`
	Symbol                 string         `json:"symbol"`
	Side                   Side           `json:"side"`
	Size                   uint64         `json:"size"`              // size scale
	EntryPrice             uint64         `json:"entry_price"`       // price scale
	MarkPrice              uint64         `json:"mark_price"`        // price scale
	Margin                 uint64         `json:"margin"`            // quote scale
	LiquidationPrice       uint64         `json:"liquidation_price"` // price scale
	Leverage               uint16         `json:"leverage"`
	MaintenanceMarginRatio uint64         `json:"maintenance_margin_ratio"` // ratio scale
	UnrealizedPnL          int64          `json:"unrealized_pnl"`
	RealizedPnL            int64          `json:"realized_pnl"`
	FundingAccrued         int64          `json:"funding_accrued"`
	Status                 Status         `json:"status"`
	OpenedAt               int64          `json:"opened_at"`   // unix ms
	LastUpdate             int64          `json:"last_update"` // unix ms
	Slot                   uint64         `json:"slot"`        // slot of the last mutation
}

// Address returns the seed-derived identity of the position.
func (p *Position) Address() identity.Address {
	return identity.PositionAddress(p.Owner, p.Index)
}

func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen || p.Status == StatusModifying
}

func (p *Position) IsClosed() bool {
	return p.Status == StatusClosed
}

// Transition moves the position to next if the table allows it.
func (p *Position) Transition(next Status) error {
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid transition %s -> %s", p.Status, next)
	}
	p.Status = next
	return nil
}

// Clone returns a copy safe to hand out of the ledger.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160+len(p.Symbol))

	buf = append(buf, p.Owner[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, p.Index)

	// symbol (length-prefixed)
	buf = append(buf, byte(len(p.Symbol)))
	buf = append(buf, p.Symbol...)

	buf = append(buf, byte(p.Side))
	buf = binary.LittleEndian.AppendUint64(buf, p.Size)
	buf = binary.LittleEndian.AppendUint64(buf, p.EntryPrice)
	buf = binary.LittleEndian.AppendUint64(buf, p.MarkPrice)
	buf = binary.LittleEndian.AppendUint64(buf, p.Margin)
	buf = binary.LittleEndian.AppendUint64(buf, p.LiquidationPrice)
	buf = binary.LittleEndian.AppendUint16(buf, p.Leverage)
	buf = binary.LittleEndian.AppendUint64(buf, p.MaintenanceMarginRatio)
	buf = appendInt64LE(buf, p.UnrealizedPnL)
	buf = appendInt64LE(buf, p.RealizedPnL)
	buf = appendInt64LE(buf, p.FundingAccrued)
	buf = append(buf, byte(p.Status))
	buf = appendInt64LE(buf, p.OpenedAt)
	buf = appendInt64LE(buf, p.LastUpdate)
	buf = binary.LittleEndian.AppendUint64(buf, p.Slot)

	return buf
}

// Encode returns the discriminator-tagged record.
func (p *Position) Encode() []byte {
	return tagRecord(identity.PositionDiscriminator, p.CanonicalBytes())
}

// DecodePosition parses a record produced by Encode.
func DecodePosition(blob []byte) (*Position, error) {
	r, err := newRecordReader(blob, identity.PositionDiscriminator)
	if err != nil {
		return nil, err
	}

	p := &Position{}
	r.bytes(p.Owner[:])
	p.Index = r.u32()
	symLen := int(r.u8())
	sym := make([]byte, symLen)
	r.bytes(sym)
	p.Symbol = string(sym)
	p.Side = Side(r.u8())
	p.Size = r.u64()
	p.EntryPrice = r.u64()
	p.MarkPrice = r.u64()
	p.Margin = r.u64()
	p.LiquidationPrice = r.u64()
	p.Leverage = r.u16()
	p.MaintenanceMarginRatio = r.u64()
	p.UnrealizedPnL = int64(r.u64())
	p.RealizedPnL = int64(r.u64())
	p.FundingAccrued = int64(r.u64())
	p.Status = Status(r.u8())
	p.OpenedAt = int64(r.u64())
	p.LastUpdate = int64(r.u64())
	p.Slot = r.u64()

	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

func tagRecord(d identity.Discriminator, body []byte) []byte {
	out := make([]byte, 0, len(d)+len(body))
	out = append(out, d[:]...)
	return append(out, body...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

// recordReader reads little-endian fields and latches the first error.
type recordReader struct {
	buf []byte
	err error
}

func newRecordReader(blob []byte, want identity.Discriminator) (*recordReader, error) {
	if len(blob) < len(want) {
		return nil, ErrTruncatedRecord
	}
	var got identity.Discriminator
	copy(got[:], blob)
	if got != want {
		return nil, ErrWrongDiscriminator
	}
	return &recordReader{buf: blob[len(want):]}, nil
}

func (r *recordReader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if len(r.buf) < n {
		r.err = ErrTruncatedRecord
		return make([]byte, n)
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *recordReader) bytes(dst []byte) { copy(dst, r.take(len(dst))) }
func (r *recordReader) u8() uint8        { return r.take(1)[0] }
func (r *recordReader) u16() uint16      { return binary.LittleEndian.Uint16(r.take(2)) }
func (r *recordReader) u32() uint32      { return binary.LittleEndian.Uint32(r.take(4)) }
func (r *recordReader) u64() uint64      { return binary.LittleEndian.Uint64(r.take(8)) }

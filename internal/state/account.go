package state

import (
	"encoding/binary"
	"fmt"

	"PositionLedger/internal/identity"
)

// UserAccount holds the collateral and position counters of one wallet.
type UserAccount struct {
	Owner              identity.Owner `json:"owner"`
	TotalCollateral    uint64         `json:"total_collateral"`  // quote scale
	LockedCollateral   uint64         `json:"locked_collateral"` // quote scale
	TotalPnL           int64          `json:"total_pnl"`         // quote scale
	PositionCount      uint32         `json:"position_count"`
	PositionCountTotal uint32         `json:"position_count_total"` // next position index
	CreatedAt          int64          `json:"created_at"`
	LastUpdate         int64          `json:"last_update"`
	Slot               uint64         `json:"slot"`
}

func (a *UserAccount) Address() identity.Address {
	return identity.UserAddress(a.Owner)
}

// AvailableCollateral returns collateral not locked as margin.
func (a *UserAccount) AvailableCollateral() uint64 {
	if a.LockedCollateral > a.TotalCollateral {
		return 0
	}
	return a.TotalCollateral - a.LockedCollateral
}

// CheckInvariants verifies the account-level bounds.
func (a *UserAccount) CheckInvariants() error {
	if a.LockedCollateral > a.TotalCollateral {
		return fmt.Errorf("locked collateral %d exceeds total %d", a.LockedCollateral, a.TotalCollateral)
	}
	if a.PositionCount > a.PositionCountTotal {
		return fmt.Errorf("position count %d exceeds total %d", a.PositionCount, a.PositionCountTotal)
	}
	return nil
}

func (a *UserAccount) Clone() *UserAccount {
	c := *a
	return &c
}

// CanonicalBytes returns deterministic serialization for hashing
func (a *UserAccount) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	buf = append(buf, a.Owner[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, a.TotalCollateral)
	buf = binary.LittleEndian.AppendUint64(buf, a.LockedCollateral)
	buf = appendInt64LE(buf, a.TotalPnL)
	buf = binary.LittleEndian.AppendUint32(buf, a.PositionCount)
	buf = binary.LittleEndian.AppendUint32(buf, a.PositionCountTotal)
	buf = appendInt64LE(buf, a.CreatedAt)
	buf = appendInt64LE(buf, a.LastUpdate)
	buf = binary.LittleEndian.AppendUint64(buf, a.Slot)

	return buf
}

// Encode returns the discriminator-tagged record.
func (a *UserAccount) Encode() []byte {
	return tagRecord(identity.UserAccountDiscriminator, a.CanonicalBytes())
}

// DecodeUserAccount parses a record produced by Encode.
func DecodeUserAccount(blob []byte) (*UserAccount, error) {
	r, err := newRecordReader(blob, identity.UserAccountDiscriminator)
	if err != nil {
		return nil, err
	}

	a := &UserAccount{}
	r.bytes(a.Owner[:])
	a.TotalCollateral = r.u64()
	a.LockedCollateral = r.u64()
	a.TotalPnL = int64(r.u64())
	a.PositionCount = r.u32()
	a.PositionCountTotal = r.u32()
	a.CreatedAt = int64(r.u64())
	a.LastUpdate = int64(r.u64())
	a.Slot = r.u64()

	if r.err != nil {
		return nil, r.err
	}
	return a, nil
}

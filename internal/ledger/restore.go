package ledger

import (
	"errors"
	"fmt"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/state"
)

var ErrChainMismatch = errors.New("event does not extend the signature chain")

// Snapshot is a point-in-time copy of the whole ledger.
type Snapshot struct {
	Slot      uint64               `json:"slot"`
	BlockTime int64                `json:"block_time"`
	Tip       [32]byte             `json:"tip"`
	Accounts  []*state.UserAccount `json:"accounts"`
	Positions []*state.Position    `json:"positions"`
}

// Snapshot captures all records at the current slot.
func (l *Ledger) Snapshot() *Snapshot {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := &Snapshot{
		Slot:      l.slot,
		BlockTime: l.blockTime,
		Tip:       l.hasher.Tip(),
		Accounts:  make([]*state.UserAccount, 0, len(l.accounts)),
	}
	for _, entry := range l.accounts {
		snap.Accounts = append(snap.Accounts, entry.account.Clone())
		for _, p := range entry.positions {
			if p != nil {
				snap.Positions = append(snap.Positions, p.Clone())
			}
		}
	}
	return snap
}

// Restore replaces all state with snap. It must run before the ledger
// accepts commands.
func (l *Ledger) Restore(snap *Snapshot) error {
	accounts := make(map[identity.Owner]*accountEntry, len(snap.Accounts))
	byAddress := make(map[identity.Address]identity.Owner, len(snap.Accounts))
	for _, a := range snap.Accounts {
		if err := a.CheckInvariants(); err != nil {
			return fmt.Errorf("snapshot account %s: %w", a.Owner, err)
		}
		accounts[a.Owner] = &accountEntry{account: a.Clone()}
		byAddress[identity.UserAddress(a.Owner)] = a.Owner
	}

	index := make(map[identity.Address]positionRef, len(snap.Positions))
	open := 0
	for _, p := range snap.Positions {
		entry, ok := accounts[p.Owner]
		if !ok {
			return fmt.Errorf("snapshot position %s: %w", p.Address(), ErrAccountNotFound)
		}
		for int(p.Index) >= len(entry.positions) {
			entry.positions = append(entry.positions, nil)
		}
		entry.positions[p.Index] = p.Clone()
		index[p.Address()] = positionRef{owner: p.Owner, index: p.Index}
		if p.IsOpen() {
			open++
		}
	}

	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	l.mu.Lock()
	l.accounts = accounts
	l.accountIndex = byAddress
	l.positionIndex = index
	l.mu.Unlock()

	l.slot = snap.Slot
	l.blockTime = snap.BlockTime
	l.hasher.Reset(snap.Tip)

	if l.metrics != nil {
		l.metrics.LedgerSlot.Set(float64(l.slot))
		l.metrics.LedgerOpenPositions.Set(float64(open))
	}

	l.logger.Info().
		Uint64("slot", snap.Slot).
		Int("accounts", len(snap.Accounts)).
		Int("positions", len(snap.Positions)).
		Msg("ledger restored from snapshot")

	return nil
}

// Apply replays one persisted event on top of the current state. Events
// carry full record snapshots, so applying is an upsert. Events at or below
// the current slot are skipped and reported as not applied. Like Restore it
// must run before the ledger accepts commands.
func (l *Ledger) Apply(evt *event.LedgerEvent) (bool, error) {
	if evt.Account == nil {
		return false, fmt.Errorf("event at slot %d has no account", evt.Slot)
	}

	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	if evt.Slot <= l.slot {
		return false, nil
	}
	if evt.PrevSignature != l.hasher.Tip() || evt.Digest() != evt.Signature {
		return false, fmt.Errorf("%w: slot %d", ErrChainMismatch, evt.Slot)
	}

	l.mu.RLock()
	entry, ok := l.accounts[evt.Owner]
	l.mu.RUnlock()
	if !ok {
		entry = &accountEntry{}
	}

	var pos *state.Position
	if evt.Position != nil {
		pos = evt.Position.Clone()
	}

	l.install(entry, evt.Account.Clone(), pos)
	l.slot = evt.Slot
	l.blockTime = evt.BlockTime
	l.hasher.Reset(evt.Signature)

	l.recordCommit(evt.Type, evt.Slot, evt.BadDebt)
	if l.metrics != nil {
		l.metrics.ReplayEventsTotal.Inc()
	}
	return true, nil
}

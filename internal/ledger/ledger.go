package ledger

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/observability"
	"PositionLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures a Ledger. All fields are optional.
type Options struct {
	// Events receives every committed event in slot order. The send blocks,
	// so the consumer must keep up or commits stall.
	Events chan<- *event.LedgerEvent

	// Clock supplies block time. Defaults to time.Now.
	Clock func() time.Time

	Logger  *zerolog.Logger
	Metrics *observability.Metrics
}

// Ledger is the authoritative store of accounts and positions.
//
// Lock order: accountEntry.mu -> commitMu -> mu. Entry fields are written
// only while holding both the entry mutex and commitMu, so either one is
// enough to read them.
type Ledger struct {
	mu            sync.RWMutex
	accounts      map[identity.Owner]*accountEntry
	accountIndex  map[identity.Address]identity.Owner
	positionIndex map[identity.Address]positionRef

	commitMu  sync.Mutex
	slot      uint64
	blockTime int64
	hasher    *Hasher

	events  chan<- *event.LedgerEvent
	clock   func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// accountEntry serializes every transaction touching one owner.
type accountEntry struct {
	mu        sync.Mutex
	account   *state.UserAccount
	positions []*state.Position // arena indexed by position index
}

type positionRef struct {
	owner identity.Owner
	index uint32
}

// Receipt is returned by every successful command.
type Receipt struct {
	Signature string
	Slot      uint64
	Account   *state.UserAccount
	Position  *state.Position
	BadDebt   uint64
}

// New creates an empty ledger.
func New(opts Options) *Ledger {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Ledger{
		accounts:      make(map[identity.Owner]*accountEntry),
		accountIndex:  make(map[identity.Address]identity.Owner),
		positionIndex: make(map[identity.Address]positionRef),
		hasher:        NewHasher(),
		events:        opts.Events,
		clock:         clock,
		logger:        logger,
		metrics:       opts.Metrics,
	}
}

// --- Queries ---

// GetUserAccount returns a copy of the owner's account.
func (l *Ledger) GetUserAccount(owner identity.Owner) (*state.UserAccount, error) {
	entry, err := l.lockAccount(owner)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	return entry.account.Clone(), nil
}

// FindAccount returns the account whose user address is addr.
func (l *Ledger) FindAccount(addr identity.Address) (*state.UserAccount, error) {
	l.mu.RLock()
	owner, found := l.accountIndex[addr]
	l.mu.RUnlock()

	if !found {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	return l.GetUserAccount(owner)
}

// GetPosition returns a copy of the position, open or closed.
func (l *Ledger) GetPosition(id identity.Address) (*state.Position, error) {
	entry, pos, err := l.lockPosition(id)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	return pos.Clone(), nil
}

// ListPositions returns every position the owner has opened, by index.
func (l *Ledger) ListPositions(owner identity.Owner) ([]*state.Position, error) {
	entry, err := l.lockAccount(owner)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	out := make([]*state.Position, 0, len(entry.positions))
	for _, p := range entry.positions {
		if p != nil {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// Slot returns the last committed slot.
func (l *Ledger) Slot() uint64 {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	return l.slot
}

// Stats summarizes the ledger.
type Stats struct {
	Slot             uint64 `json:"slot"`
	Accounts         int    `json:"accounts"`
	OpenPositions    int    `json:"open_positions"`
	TotalPositions   int    `json:"total_positions"`
	TotalCollateral  uint64 `json:"total_collateral"`
	LockedCollateral uint64 `json:"locked_collateral"`
	Tip              string `json:"tip"`
}

// Stats walks all accounts under the commit lock.
func (l *Ledger) Stats() Stats {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	l.mu.RLock()
	defer l.mu.RUnlock()

	tip := l.hasher.Tip()
	s := Stats{
		Slot:     l.slot,
		Accounts: len(l.accounts),
		Tip:      hex.EncodeToString(tip[:]),
	}
	for _, entry := range l.accounts {
		s.TotalCollateral += entry.account.TotalCollateral
		s.LockedCollateral += entry.account.LockedCollateral
		s.OpenPositions += int(entry.account.PositionCount)
		s.TotalPositions += int(entry.account.PositionCountTotal)
	}
	return s
}

// lockAccount returns the owner's entry with its mutex held.
func (l *Ledger) lockAccount(owner identity.Owner) (*accountEntry, error) {
	l.mu.RLock()
	entry, ok := l.accounts[owner]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}

	entry.mu.Lock()
	return entry, nil
}

// lockPosition resolves a position address and locks its owner's entry.
func (l *Ledger) lockPosition(id identity.Address) (*accountEntry, *state.Position, error) {
	l.mu.RLock()
	ref, ok := l.positionIndex[id]
	var entry *accountEntry
	if ok {
		entry = l.accounts[ref.owner]
	}
	l.mu.RUnlock()
	if !ok || entry == nil {
		return nil, nil, ErrPositionNotFound
	}

	entry.mu.Lock()
	if int(ref.index) >= len(entry.positions) || entry.positions[ref.index] == nil {
		entry.mu.Unlock()
		return nil, nil, ErrPositionNotFound
	}
	return entry, entry.positions[ref.index], nil
}

// --- Commit ---

// mutation is the full post-transaction state of the records one command
// touched.
type mutation struct {
	typ      event.EventType
	owner    identity.Owner
	account  *state.UserAccount
	position *state.Position
	badDebt  uint64
}

// commit assigns the slot, signs the event, installs the new records and
// emits the event. The caller holds entry.mu; for a new account the entry is
// not yet visible and commit publishes it.
func (l *Ledger) commit(entry *accountEntry, m mutation) (*event.LedgerEvent, error) {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	if m.typ == event.EventTypeAccountInitialized {
		l.mu.RLock()
		_, exists := l.accounts[m.owner]
		l.mu.RUnlock()
		if exists {
			return nil, ErrAccountAlreadyExists
		}
	}

	slot := l.slot + 1
	blockTime := l.clock().UnixMilli()
	if blockTime < l.blockTime {
		blockTime = l.blockTime
	}

	m.account.Slot = slot
	m.account.LastUpdate = blockTime
	if m.typ == event.EventTypeAccountInitialized {
		m.account.CreatedAt = blockTime
	}
	if m.position != nil {
		m.position.Slot = slot
		m.position.LastUpdate = blockTime
		if m.typ == event.EventTypeOpened {
			m.position.OpenedAt = blockTime
		}
	}

	if err := m.account.CheckInvariants(); err != nil {
		// A command that gets here has a bug in its accounting.
		l.logger.Error().Err(err).Str("owner", m.owner.String()).Msg("invariant violated, transaction aborted")
		return nil, err
	}

	evt := &event.LedgerEvent{
		ID:            uuid.New(),
		Type:          m.typ,
		Slot:          slot,
		BlockTime:     blockTime,
		Owner:         m.owner,
		Account:       m.account.Clone(),
		BadDebt:       m.badDebt,
		PrevSignature: l.hasher.Tip(),
	}
	if m.position != nil {
		id := m.position.Address()
		evt.PositionID = &id
		evt.Position = m.position.Clone()
	}
	evt.Signature = l.hasher.Next(evt.CanonicalBytes())

	l.install(entry, m.account, m.position)
	l.slot = slot
	l.blockTime = blockTime

	l.recordCommit(m.typ, slot, m.badDebt)

	if l.events != nil {
		l.events <- evt
	}

	return evt, nil
}

// install swaps in the committed records. Caller holds commitMu.
func (l *Ledger) install(entry *accountEntry, account *state.UserAccount, pos *state.Position) {
	entry.account = account

	if pos != nil {
		for int(pos.Index) >= len(entry.positions) {
			entry.positions = append(entry.positions, nil)
		}
		entry.positions[pos.Index] = pos
	}

	l.mu.Lock()
	if _, ok := l.accounts[account.Owner]; !ok {
		l.accountIndex[identity.UserAddress(account.Owner)] = account.Owner
	}
	l.accounts[account.Owner] = entry
	if pos != nil {
		l.positionIndex[pos.Address()] = positionRef{owner: pos.Owner, index: pos.Index}
	}
	l.mu.Unlock()
}

func (l *Ledger) recordCommit(typ event.EventType, slot, badDebt uint64) {
	if l.metrics == nil {
		return
	}
	l.metrics.LedgerSlot.Set(float64(slot))
	switch typ {
	case event.EventTypeOpened:
		l.metrics.LedgerOpenPositions.Inc()
	case event.EventTypeClosed, event.EventTypeLiquidated:
		l.metrics.LedgerOpenPositions.Dec()
	}
	if badDebt > 0 {
		l.metrics.LedgerBadDebt.Add(float64(badDebt))
	}
}

func receiptFor(evt *event.LedgerEvent) *Receipt {
	r := &Receipt{
		Signature: evt.SignatureHex(),
		Slot:      evt.Slot,
		Account:   evt.Account.Clone(),
		BadDebt:   evt.BadDebt,
	}
	if evt.Position != nil {
		r.Position = evt.Position.Clone()
	}
	return r
}

// observe records the outcome of one command.
func (l *Ledger) observe(op string, start time.Time, err error) {
	if l.metrics != nil {
		l.metrics.LedgerCommands.WithLabelValues(op, Reason(err)).Inc()
		l.metrics.LedgerCommandDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		l.logger.Debug().Err(err).Str("op", op).Msg("command rejected")
	}
}

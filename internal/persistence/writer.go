package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"

	"github.com/google/uuid"
)

// EventLogWriter writes ledger events and account records to Postgres
// using multi-row INSERT inside the caller's transaction.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in ledger.events
type EventRow struct {
	Slot          uint64
	EventID       uuid.UUID
	EventType     string
	Owner         []byte
	PositionID    []byte
	Symbol        *string
	Payload       []byte // JSON-encoded LedgerEvent
	PrevSignature []byte
	Signature     []byte
	BlockTime     time.Time
}

// AccountRow represents a row in ledger.accounts
type AccountRow struct {
	Address    []byte
	RecordType string
	Owner      []byte
	Data       []byte // discriminator-tagged record
	Slot       uint64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// NewEventRow converts a committed event to its log row.
func NewEventRow(evt *event.LedgerEvent) (EventRow, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal event %d: %w", evt.Slot, err)
	}

	row := EventRow{
		Slot:          evt.Slot,
		EventID:       evt.ID,
		EventType:     evt.Type.String(),
		Owner:         append([]byte(nil), evt.Owner[:]...),
		Payload:       payload,
		PrevSignature: append([]byte(nil), evt.PrevSignature[:]...),
		Signature:     append([]byte(nil), evt.Signature[:]...),
		BlockTime:     time.UnixMilli(evt.BlockTime).UTC(),
	}
	if evt.PositionID != nil {
		row.PositionID = append([]byte(nil), evt.PositionID[:]...)
	}
	if sym := evt.Symbol(); sym != "" {
		row.Symbol = &sym
	}
	return row, nil
}

// Event decodes the row back into a LedgerEvent with its signatures.
func (r EventRow) Event() (*event.LedgerEvent, error) {
	var evt event.LedgerEvent
	if err := json.Unmarshal(r.Payload, &evt); err != nil {
		return nil, fmt.Errorf("unmarshal event %d: %w", r.Slot, err)
	}
	if len(r.PrevSignature) != 32 || len(r.Signature) != 32 {
		return nil, fmt.Errorf("event %d: malformed signature columns", r.Slot)
	}
	copy(evt.PrevSignature[:], r.PrevSignature)
	copy(evt.Signature[:], r.Signature)
	return &evt, nil
}

// NewAccountRows returns the encoded records an event leaves behind: the
// user account and, for position events, the position.
func NewAccountRows(evt *event.LedgerEvent) []AccountRow {
	rows := make([]AccountRow, 0, 2)
	if evt.Account != nil {
		addr := evt.Account.Address()
		rows = append(rows, AccountRow{
			Address:    addr[:],
			RecordType: identity.TypeUserAccount,
			Owner:      append([]byte(nil), evt.Account.Owner[:]...),
			Data:       evt.Account.Encode(),
			Slot:       evt.Slot,
		})
	}
	if evt.Position != nil {
		addr := evt.Position.Address()
		rows = append(rows, AccountRow{
			Address:    addr[:],
			RecordType: identity.TypePosition,
			Owner:      append([]byte(nil), evt.Position.Owner[:]...),
			Data:       evt.Position.Encode(),
			Slot:       evt.Slot,
		})
	}
	return rows
}

// WriteEventBatch writes a batch of events to ledger.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.events
		(slot, event_id, event_type, owner, position_id, symbol, payload, prev_signature, signature, block_time)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*10)

	for i, e := range events {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			int64(e.Slot), e.EventID, e.EventType, e.Owner, e.PositionID,
			e.Symbol, e.Payload, e.PrevSignature, e.Signature, e.BlockTime,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (slot) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteAccountBatch upserts the latest record per address. A row is only
// replaced by a record from a later slot.
func (w *EventLogWriter) WriteAccountBatch(ctx context.Context, tx *sql.Tx, records []AccountRow) error {
	if len(records) == 0 {
		return nil
	}

	// Postgres rejects a multi-row upsert touching the same key twice.
	latest := make(map[string]int, len(records))
	deduped := make([]AccountRow, 0, len(records))
	for _, r := range records {
		key := string(r.Address)
		if i, ok := latest[key]; ok {
			if r.Slot > deduped[i].Slot {
				deduped[i] = r
			}
			continue
		}
		latest[key] = len(deduped)
		deduped = append(deduped, r)
	}

	query := `INSERT INTO ledger.accounts (address, record_type, owner, data, slot) VALUES `

	values := make([]string, 0, len(deduped))
	args := make([]any, 0, len(deduped)*5)

	for i, r := range deduped {
		base := i * 5
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5))
		args = append(args, r.Address, r.RecordType, r.Owner, r.Data, int64(r.Slot))
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (address) DO UPDATE
		SET data = EXCLUDED.data, slot = EXCLUDED.slot, updated_at = NOW()
		WHERE ledger.accounts.slot < EXCLUDED.slot`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

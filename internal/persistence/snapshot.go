package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/ledger"
	"PositionLedger/internal/observability"

	"github.com/google/uuid"
)

// snapshotFormat v1: JSON-encoded ledger.Snapshot
const snapshotFormat = 1

// SnapshotManager stores ledger snapshots and reads back the event log for
// recovery: load the latest snapshot, then replay events after its slot.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// SaveSnapshot persists snap, replacing any snapshot at the same slot.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *ledger.Snapshot) error {
	start := time.Now()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO ledger.snapshots
			(snapshot_id, slot, data, tip, format_version, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slot) DO UPDATE SET data = $3, tip = $4, size_bytes = $6, created_at = NOW()
	`, uuid.New(), int64(snap.Slot), data, snap.Tip[:], snapshotFormat, len(data))
	if err != nil {
		return fmt.Errorf("save snapshot at slot %d: %w", snap.Slot, err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
	}
	return nil
}

// LoadLatestSnapshot returns the snapshot with the highest slot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*ledger.Snapshot, error) {
	var (
		data    []byte
		version int
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM ledger.snapshots
		ORDER BY slot DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormat {
		return nil, fmt.Errorf("snapshot format %d not supported", version)
	}

	var snap ledger.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsAfter loads up to limit events with slot > afterSlot in slot order.
func (sm *SnapshotManager) LoadEventsAfter(ctx context.Context, afterSlot uint64, limit int) ([]*event.LedgerEvent, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT slot, payload, prev_signature, signature
		FROM ledger.events
		WHERE slot > $1
		ORDER BY slot ASC
		LIMIT $2
	`, int64(afterSlot), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*event.LedgerEvent
	for rows.Next() {
		var (
			row  EventRow
			slot int64
		)
		if err := rows.Scan(&slot, &row.Payload, &row.PrevSignature, &row.Signature); err != nil {
			return nil, err
		}
		row.Slot = uint64(slot)
		evt, err := row.Event()
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// GetLatestSlot returns the highest slot in the event log.
func (sm *SnapshotManager) GetLatestSlot(ctx context.Context) (uint64, error) {
	var slot sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(slot) FROM ledger.events`).Scan(&slot); err != nil {
		return 0, err
	}
	if !slot.Valid {
		return 0, nil
	}
	return uint64(slot.Int64), nil
}

// Recover restores l from the latest snapshot and replays the event log
// after it in pages of batchSize. It returns the number of replayed events.
func (sm *SnapshotManager) Recover(ctx context.Context, l *ledger.Ledger, batchSize int) (int, error) {
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}

	var from uint64
	if snap != nil {
		if err := l.Restore(snap); err != nil {
			return 0, fmt.Errorf("restore snapshot at slot %d: %w", snap.Slot, err)
		}
		from = snap.Slot
	}

	replayed := 0
	for {
		events, err := sm.LoadEventsAfter(ctx, from, batchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events after slot %d: %w", from, err)
		}
		if len(events) == 0 {
			return replayed, nil
		}
		for _, evt := range events {
			applied, err := l.Apply(evt)
			if err != nil {
				return replayed, err
			}
			if applied {
				replayed++
			}
			from = evt.Slot
		}
	}
}

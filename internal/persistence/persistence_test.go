package persistence_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/ledger"
	"PositionLedger/internal/observability"
	"PositionLedger/internal/persistence"
	"PositionLedger/internal/state"
	"PositionLedger/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func newLedger(events chan *event.LedgerEvent) *ledger.Ledger {
	clock := time.UnixMilli(1_700_000_000_000)
	return ledger.New(ledger.Options{
		Events: events,
		Clock: func() time.Time {
			clock = clock.Add(time.Millisecond)
			return clock
		},
	})
}

// seedLedger runs a small history: two users, three positions, one closed.
func seedLedger(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	ctx := context.Background()

	for _, b := range []byte{0x01, 0x02} {
		owner := testutil.Owner(b)
		if _, err := l.InitializeUser(ctx, owner); err != nil {
			t.Fatalf("InitializeUser: %v", err)
		}
		if _, err := l.AddCollateral(ctx, owner, 10_000_000_000); err != nil {
			t.Fatalf("AddCollateral: %v", err)
		}
	}

	open := func(owner identity.Owner, side state.Side) *ledger.Receipt {
		rec, err := l.OpenPosition(ctx, ledger.OpenRequest{
			Owner:      owner,
			Symbol:     "BTC-USD",
			Side:       side,
			Size:       10_000_000,
			Leverage:   10,
			EntryPrice: 50_000_000_000,
		})
		if err != nil {
			t.Fatalf("OpenPosition: %v", err)
		}
		return rec
	}

	first := open(testutil.Owner(0x01), state.SideLong)
	open(testutil.Owner(0x01), state.SideShort)
	open(testutil.Owner(0x02), state.SideLong)

	if _, err := l.ClosePosition(ctx, ledger.CloseRequest{
		PositionID: first.Position.Address(),
		FinalPrice: 55_000_000_000,
	}); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
}

func drain(ch chan *event.LedgerEvent) []*event.LedgerEvent {
	var out []*event.LedgerEvent
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

// ============================================================================
// Row encoding
// ============================================================================

func TestEventRow_RoundTripKeepsChain(t *testing.T) {
	events := make(chan *event.LedgerEvent, 64)
	l := newLedger(events)
	seedLedger(t, l)
	committed := drain(events)

	replica := newLedger(nil)
	for _, evt := range committed {
		row, err := persistence.NewEventRow(evt)
		if err != nil {
			t.Fatalf("NewEventRow(slot %d): %v", evt.Slot, err)
		}
		if row.EventType != evt.Type.String() {
			t.Errorf("slot %d: event type %q, want %q", evt.Slot, row.EventType, evt.Type)
		}

		decoded, err := row.Event()
		if err != nil {
			t.Fatalf("Event(slot %d): %v", evt.Slot, err)
		}
		if !bytes.Equal(decoded.CanonicalBytes(), evt.CanonicalBytes()) {
			t.Fatalf("slot %d: canonical bytes changed across the row encoding", evt.Slot)
		}
		if applied, err := replica.Apply(decoded); err != nil || !applied {
			t.Fatalf("Apply(slot %d) = %v, %v", evt.Slot, applied, err)
		}
	}

	if got, want := replica.Stats(), l.Stats(); got != want {
		t.Errorf("replica stats %+v, want %+v", got, want)
	}
}

func TestEventRow_SymbolOnlyForPositionEvents(t *testing.T) {
	events := make(chan *event.LedgerEvent, 64)
	l := newLedger(events)
	seedLedger(t, l)

	for _, evt := range drain(events) {
		row, err := persistence.NewEventRow(evt)
		if err != nil {
			t.Fatal(err)
		}
		if evt.Type.IsPositionEvent() {
			if row.Symbol == nil || *row.Symbol != "BTC-USD" || row.PositionID == nil {
				t.Errorf("slot %d (%s): position columns not set", evt.Slot, evt.Type)
			}
		} else if row.Symbol != nil || row.PositionID != nil {
			t.Errorf("slot %d (%s): unexpected position columns", evt.Slot, evt.Type)
		}
	}
}

func TestNewAccountRows_Classified(t *testing.T) {
	events := make(chan *event.LedgerEvent, 64)
	l := newLedger(events)
	seedLedger(t, l)

	for _, evt := range drain(events) {
		rows := persistence.NewAccountRows(evt)
		want := 1
		if evt.Position != nil {
			want = 2
		}
		if len(rows) != want {
			t.Fatalf("slot %d: %d rows, want %d", evt.Slot, len(rows), want)
		}
		for _, r := range rows {
			typeName, ok := identity.Classify(r.Data)
			if !ok || typeName != r.RecordType {
				t.Errorf("slot %d: record classified as %q (ok=%v), want %q", evt.Slot, typeName, ok, r.RecordType)
			}
			if r.Slot != evt.Slot {
				t.Errorf("record slot %d, want %d", r.Slot, evt.Slot)
			}
		}
	}
}

// ============================================================================
// Postgres integration
// ============================================================================

func migrate(t *testing.T, ctx context.Context, m *persistence.Migrator) {
	t.Helper()
	if _, err := m.Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
}

func TestPersistence_WorkerAndRecovery(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrate(t, ctx, persistence.NewMigrator(db, testutil.MigrationsDir(), zerolog.Nop()))

	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	events := make(chan *event.LedgerEvent, 64)
	l := newLedger(events)

	worker := persistence.NewPersistenceWorker(db, events, 4, 20*time.Millisecond, zerolog.Nop(), metrics)
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	seedLedger(t, l)
	snaps := persistence.NewSnapshotManager(db, metrics)

	// Snapshot midway, then commit more history on top of it.
	if err := snaps.SaveSnapshot(ctx, l.Snapshot()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if _, err := l.AddCollateral(ctx, testutil.Owner(0x02), 1_000_000); err != nil {
		t.Fatalf("AddCollateral: %v", err)
	}

	close(events)
	if err := <-done; err != nil {
		t.Fatalf("worker: %v", err)
	}

	latest, err := snaps.GetLatestSlot(ctx)
	if err != nil {
		t.Fatalf("GetLatestSlot: %v", err)
	}
	if latest != l.Slot() {
		t.Fatalf("latest persisted slot %d, want %d", latest, l.Slot())
	}

	recovered := newLedger(nil)
	replayed, err := snaps.Recover(ctx, recovered, 2)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if replayed != 1 {
		t.Errorf("replayed %d events, want 1", replayed)
	}
	if got, want := recovered.Stats(), l.Stats(); got != want {
		t.Errorf("recovered stats %+v, want %+v", got, want)
	}

	store := persistence.NewAccountStore(db)
	owner := testutil.Owner(0x02)
	rec, err := store.Get(ctx, identity.UserAddress(owner))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Type != identity.TypeUserAccount {
		t.Fatalf("record type %q", rec.Type)
	}
	acct, err := state.DecodeUserAccount(rec.Data)
	if err != nil {
		t.Fatalf("DecodeUserAccount: %v", err)
	}
	want, _ := l.GetUserAccount(owner)
	if *acct != *want {
		t.Errorf("stored account %+v, want %+v", acct, want)
	}

	records, err := store.ListByOwner(ctx, testutil.Owner(0x01))
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("owner 0x01 has %d records, want 3", len(records))
	}
	if records[0].Type != identity.TypeUserAccount {
		t.Errorf("first record %q, want user account", records[0].Type)
	}
}

func TestAccountStore_NotFound(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrate(t, ctx, persistence.NewMigrator(db, testutil.MigrationsDir(), zerolog.Nop()))

	_, err := persistence.NewAccountStore(db).Get(ctx, identity.UserAddress(testutil.Owner(0x7f)))
	if !errors.Is(err, persistence.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestMigrator_Status(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	m := persistence.NewMigrator(db, testutil.MigrationsDir(), zerolog.Nop())
	migrate(t, ctx, m)

	status, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status) != 3 {
		t.Fatalf("%d migrations, want 3", len(status))
	}
	for _, s := range status {
		if !s.Applied {
			t.Errorf("migration %s not applied", s.Filename)
		}
	}

	// Up is idempotent once everything is applied.
	n, err := m.Up(ctx)
	if err != nil || n != 0 {
		t.Errorf("second Up = %d, %v; want 0, nil", n, err)
	}
}

package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/ingestion"
	"PositionLedger/internal/ledger"
	"PositionLedger/internal/state"
	"PositionLedger/internal/testutil"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// committedEvents returns the events of init, deposit and one BTC long.
func committedEvents(t *testing.T) []*event.LedgerEvent {
	t.Helper()
	ch := make(chan *event.LedgerEvent, 16)
	l := ledger.New(ledger.Options{Events: ch})
	ctx := context.Background()
	owner := testutil.Owner(0x11)

	if _, err := l.InitializeUser(ctx, owner); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AddCollateral(ctx, owner, 10_000_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := l.OpenPosition(ctx, ledger.OpenRequest{
		Owner:      owner,
		Symbol:     "BTC-USD",
		Side:       state.SideLong,
		Size:       10_000_000,
		Leverage:   10,
		EntryPrice: 50_000_000_000,
	}); err != nil {
		t.Fatal(err)
	}

	close(ch)
	var out []*event.LedgerEvent
	for e := range ch {
		out = append(out, e)
	}
	return out
}

// ============================================================================
// Price ticks
// ============================================================================

func TestParsePriceTick(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  uint64
	}{
		{"decimal string", `{"symbol":"BTC-USD","price":"50000.25","timestamp":1700000000000}`, 50_000_250_000},
		{"json number", `{"symbol":"BTC-USD","price":50000.25,"timestamp":1700000000000}`, 50_000_250_000},
		{"integer", `{"symbol":"BTC-USD","price":3000,"timestamp":1700000000000}`, 3_000_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, err := ingestion.ParsePriceTick([]byte(tt.input))
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if tick.Price != tt.want {
				t.Errorf("price: got %d, want %d", tick.Price, tt.want)
			}
			if tick.Symbol != "BTC-USD" || tick.Timestamp != 1_700_000_000_000 {
				t.Errorf("unexpected tick %+v", tick)
			}
		})
	}
}

func TestParsePriceTick_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		invalid bool // rejected by tick validation rather than decoding
	}{
		{"bad json", `{"symbol":`, false},
		{"too many decimals", `{"symbol":"BTC-USD","price":"1.0000001","timestamp":1}`, false},
		{"negative price", `{"symbol":"BTC-USD","price":"-1","timestamp":1}`, false},
		{"zero price", `{"symbol":"BTC-USD","price":"0","timestamp":1}`, true},
		{"lowercase symbol", `{"symbol":"btc","price":"1","timestamp":1}`, true},
		{"missing timestamp", `{"symbol":"BTC-USD","price":"1"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParsePriceTick([]byte(tt.input))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, event.ErrInvalidPriceTick); got != tt.invalid {
				t.Errorf("errors.Is(ErrInvalidPriceTick) = %v, want %v (%v)", got, tt.invalid, err)
			}
		})
	}
}

// ============================================================================
// Ledger events
// ============================================================================

func TestParseLedgerEvent_RoundTrip(t *testing.T) {
	for _, evt := range committedEvents(t) {
		data, err := json.Marshal(ingestion.NewEventMessage(evt))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		got, err := ingestion.ParseLedgerEvent(data)
		if err != nil {
			t.Fatalf("slot %d: parse failed: %v", evt.Slot, err)
		}
		if got.Signature != evt.Signature || got.PrevSignature != evt.PrevSignature {
			t.Errorf("slot %d: signatures not restored", evt.Slot)
		}
		if got.Type != evt.Type || got.Slot != evt.Slot {
			t.Errorf("slot %d: got %s@%d", evt.Slot, got.Type, got.Slot)
		}
	}
}

func TestParseLedgerEvent_TamperedBody(t *testing.T) {
	events := committedEvents(t)
	opened := events[len(events)-1]

	msg := ingestion.NewEventMessage(opened)
	forged := *opened.Position
	forged.Margin = 1
	body := *opened
	body.Position = &forged
	msg.Event = &body

	data, _ := json.Marshal(msg)
	if _, err := ingestion.ParseLedgerEvent(data); err == nil {
		t.Fatal("expected signature mismatch")
	}
}

func TestParseLedgerEvent_MissingBody(t *testing.T) {
	if _, err := ingestion.ParseLedgerEvent([]byte(`{"signature":"00"}`)); err == nil {
		t.Fatal("expected error for missing event body")
	}
}

func TestEventSubject(t *testing.T) {
	events := committedEvents(t)

	want := []string{
		"positions.events.account_initialized.account",
		"positions.events.collateral_added.account",
		"positions.events.opened.BTC-USD",
	}
	for i, evt := range events {
		if got := ingestion.EventSubject(evt); got != want[i] {
			t.Errorf("subject[%d]: got %s, want %s", i, got, want[i])
		}
	}
}

// ============================================================================
// Publisher
// ============================================================================

type fakeStream struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	fail     bool
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("stream unavailable")
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return &jetstream.PubAck{Stream: ingestion.EventsStream}, nil
}

func TestOutboundPublisher_PublishesInOrder(t *testing.T) {
	stream := &fakeStream{}
	pub := ingestion.NewOutboundPublisher(stream, 16, zerolog.Nop(), nil)

	events := committedEvents(t)
	for _, evt := range events {
		if !pub.Offer(evt) {
			t.Fatalf("slot %d dropped", evt.Slot)
		}
	}
	pub.Close()

	if err := pub.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(stream.payloads) != len(events) {
		t.Fatalf("published %d, want %d", len(stream.payloads), len(events))
	}
	for i, data := range stream.payloads {
		evt, err := ingestion.ParseLedgerEvent(data)
		if err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		if evt.Slot != events[i].Slot {
			t.Errorf("payload %d: slot %d, want %d", i, evt.Slot, events[i].Slot)
		}
	}
}

func TestOutboundPublisher_DropsWhenFull(t *testing.T) {
	pub := ingestion.NewOutboundPublisher(&fakeStream{}, 1, zerolog.Nop(), nil)
	events := committedEvents(t)

	if !pub.Offer(events[0]) {
		t.Fatal("first offer should be queued")
	}
	if pub.Offer(events[1]) {
		t.Fatal("second offer should be dropped")
	}
}

func TestOutboundPublisher_FailureIsNotFatal(t *testing.T) {
	pub := ingestion.NewOutboundPublisher(&fakeStream{fail: true}, 4, zerolog.Nop(), nil)
	for _, evt := range committedEvents(t) {
		pub.Offer(evt)
	}
	pub.Close()

	if err := pub.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

type recorder struct {
	mu     sync.Mutex
	ticks  []event.PriceTick
	events []*event.LedgerEvent
	err    error
}

func (r *recorder) HandleTick(_ context.Context, tick event.PriceTick) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ticks = append(r.ticks, tick)
	return nil
}

func (r *recorder) HandleEvent(_ context.Context, evt *event.LedgerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evt)
	return nil
}

type outcome struct {
	mu                sync.Mutex
	acks, naks, terms int
}

func (o *outcome) raw(kind, data string) ingestion.RawEvent {
	return ingestion.RawEvent{
		Kind:      kind,
		Subject:   "test",
		Data:      []byte(data),
		Timestamp: time.Now(),
		AckFunc:   func() { o.mu.Lock(); o.acks++; o.mu.Unlock() },
		NakFunc:   func() { o.mu.Lock(); o.naks++; o.mu.Unlock() },
		TermFunc:  func() { o.mu.Lock(); o.terms++; o.mu.Unlock() },
	}
}

func runDispatcher(t *testing.T, h *recorder, raws ...ingestion.RawEvent) {
	t.Helper()
	in := make(chan ingestion.RawEvent, len(raws))
	for _, r := range raws {
		in <- r
	}
	close(in)
	if err := ingestion.NewDispatcher(in, h, h, zerolog.Nop()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestDispatcher_RoutesAndAcks(t *testing.T) {
	h := &recorder{}
	o := &outcome{}

	evt := committedEvents(t)[2]
	data, _ := json.Marshal(ingestion.NewEventMessage(evt))

	runDispatcher(t, h,
		o.raw(ingestion.KindPriceTick, `{"symbol":"BTC-USD","price":"51000","timestamp":1}`),
		o.raw(ingestion.KindLedgerEvent, string(data)),
	)

	if o.acks != 2 || o.naks != 0 || o.terms != 0 {
		t.Errorf("acks=%d naks=%d terms=%d", o.acks, o.naks, o.terms)
	}
	if len(h.ticks) != 1 || h.ticks[0].Price != 51_000_000_000 {
		t.Errorf("ticks: %+v", h.ticks)
	}
	if len(h.events) != 1 || h.events[0].Slot != evt.Slot {
		t.Errorf("events: %+v", h.events)
	}
}

func TestDispatcher_TerminatesMalformed(t *testing.T) {
	h := &recorder{}
	o := &outcome{}

	runDispatcher(t, h,
		o.raw(ingestion.KindPriceTick, `not json`),
		o.raw(ingestion.KindPriceTick, `{"symbol":"BTC-USD","price":"0","timestamp":1}`),
		o.raw(ingestion.KindLedgerEvent, `{}`),
		o.raw("Unknown", `{}`),
	)

	if o.terms != 4 || o.acks != 0 || o.naks != 0 {
		t.Errorf("acks=%d naks=%d terms=%d", o.acks, o.naks, o.terms)
	}
	if len(h.ticks) != 0 || len(h.events) != 0 {
		t.Error("malformed messages reached the handler")
	}
}

func TestDispatcher_NaksHandlerFailure(t *testing.T) {
	h := &recorder{err: errors.New("monitor closed")}
	o := &outcome{}

	runDispatcher(t, h, o.raw(ingestion.KindPriceTick, `{"symbol":"ETH-USD","price":"3000","timestamp":5}`))

	if o.naks != 1 || o.acks != 0 {
		t.Errorf("acks=%d naks=%d terms=%d", o.acks, o.naks, o.terms)
	}
}

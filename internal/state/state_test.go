package state_test

import (
	"encoding/json"
	"errors"
	"testing"

	"PositionLedger/internal/identity"
	"PositionLedger/internal/state"
)

func testPosition() *state.Position {
	var owner identity.Owner
	owner[0] = 0xAB
	return &state.Position{
		Owner:                  owner,
		Index:                  3,
		Symbol:                 "BTC-USD",
		Side:                   state.SideShort,
		Size:                   10_000_000,
		EntryPrice:             50_000_000_000,
		MarkPrice:              49_000_000_000,
		Margin:                 500_000_000,
		LiquidationPrice:       53_750_000_000,
		Leverage:               10,
		MaintenanceMarginRatio: 25_000,
		UnrealizedPnL:          100_000_000,
		RealizedPnL:            -5,
		FundingAccrued:         -1_000,
		Status:                 state.StatusOpen,
		OpenedAt:               1_700_000_000_000,
		LastUpdate:             1_700_000_001_000,
		Slot:                   42,
	}
}

// ============================================================================
// Test: status transitions
// ============================================================================

func TestStatus_ValidTransitions(t *testing.T) {
	valid := []struct{ from, to state.Status }{
		{state.StatusOpening, state.StatusOpen},
		{state.StatusOpen, state.StatusModifying},
		{state.StatusModifying, state.StatusOpen},
		{state.StatusOpen, state.StatusClosing},
		{state.StatusClosing, state.StatusClosed},
		{state.StatusOpen, state.StatusLiquidating},
		{state.StatusModifying, state.StatusLiquidating},
		{state.StatusLiquidating, state.StatusClosed},
	}
	for _, tr := range valid {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}
}

func TestStatus_InvalidTransitions(t *testing.T) {
	invalid := []struct{ from, to state.Status }{
		{state.StatusClosed, state.StatusOpen},
		{state.StatusClosed, state.StatusClosing},
		{state.StatusOpen, state.StatusClosed},
		{state.StatusOpening, state.StatusClosed},
		{state.StatusClosing, state.StatusOpen},
		{state.StatusLiquidating, state.StatusOpen},
	}
	for _, tr := range invalid {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be rejected", tr.from, tr.to)
		}
	}
}

func TestPosition_Transition(t *testing.T) {
	p := testPosition()
	if err := p.Transition(state.StatusClosing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Transition(state.StatusOpen); err == nil {
		t.Fatal("Closing -> Open should fail")
	}
	if p.Status != state.StatusClosing {
		t.Errorf("failed transition must not change status, got %s", p.Status)
	}
}

// ============================================================================
// Test: record encoding
// ============================================================================

func TestPosition_EncodeDecode(t *testing.T) {
	p := testPosition()
	blob := p.Encode()

	if typeName, ok := identity.Classify(blob); !ok || typeName != identity.TypePosition {
		t.Fatalf("classify: got (%q, %v)", typeName, ok)
	}

	decoded, err := state.DecodePosition(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *decoded != *p {
		t.Errorf("decoded position differs:\n got %+v\nwant %+v", decoded, p)
	}
}

func TestUserAccount_EncodeDecode(t *testing.T) {
	a := &state.UserAccount{
		TotalCollateral:    10_000_000_000,
		LockedCollateral:   500_000_000,
		TotalPnL:           -250_000,
		PositionCount:      1,
		PositionCountTotal: 4,
		CreatedAt:          1,
		LastUpdate:         2,
		Slot:               9,
	}
	a.Owner[31] = 7

	decoded, err := state.DecodeUserAccount(a.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *decoded != *a {
		t.Errorf("decoded account differs")
	}
}

func TestDecode_WrongDiscriminator(t *testing.T) {
	a := &state.UserAccount{}
	if _, err := state.DecodePosition(a.Encode()); !errors.Is(err, state.ErrWrongDiscriminator) {
		t.Errorf("expected ErrWrongDiscriminator, got %v", err)
	}
}

func TestDecode_Truncated(t *testing.T) {
	blob := testPosition().Encode()
	if _, err := state.DecodePosition(blob[:len(blob)-3]); !errors.Is(err, state.ErrTruncatedRecord) {
		t.Errorf("expected ErrTruncatedRecord, got %v", err)
	}
}

func TestCanonicalBytes_Deterministic(t *testing.T) {
	a := testPosition().CanonicalBytes()
	b := testPosition().CanonicalBytes()
	if string(a) != string(b) {
		t.Error("canonical bytes differ for identical positions")
	}

	p := testPosition()
	p.Slot++
	if string(p.CanonicalBytes()) == string(a) {
		t.Error("canonical bytes should change with slot")
	}
}

// ============================================================================
// Test: account invariants and JSON
// ============================================================================

func TestUserAccount_Invariants(t *testing.T) {
	a := &state.UserAccount{TotalCollateral: 100, LockedCollateral: 100, PositionCount: 1, PositionCountTotal: 1}
	if err := a.CheckInvariants(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if a.AvailableCollateral() != 0 {
		t.Errorf("available: got %d, want 0", a.AvailableCollateral())
	}

	a.LockedCollateral = 101
	if err := a.CheckInvariants(); err == nil {
		t.Error("locked > total should violate invariants")
	}
}

func TestPosition_JSONSideAndStatus(t *testing.T) {
	data, err := json.Marshal(testPosition())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded state.Position
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Side != state.SideShort || decoded.Status != state.StatusOpen {
		t.Errorf("got side=%s status=%s", decoded.Side, decoded.Status)
	}
	if decoded.Owner != testPosition().Owner {
		t.Error("owner lost in JSON round trip")
	}
}

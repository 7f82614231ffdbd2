package margin_test

import (
	"errors"
	"testing"

	fpmath "PositionLedger/internal/math"
	"PositionLedger/internal/margin"
)

// ============================================================================
// Test: maintenance margin resolution
// ============================================================================

func TestValidateMaintenanceMargin(t *testing.T) {
	tests := []struct {
		name     string
		mmr      uint64
		leverage uint16
		wantErr  bool
	}{
		{"default at 10x", 25_000, 10, false},
		{"default at 40x hits bound", 25_000, 40, true},
		{"default at 50x", 25_000, 50, true},
		{"zero", 0, 10, true},
		{"just below bound", 9_999, 100, false},
		{"at bound", 10_000, 100, true},
		{"above one", 2 * fpmath.RatioScale, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := margin.ValidateMaintenanceMargin(tt.mmr, tt.leverage)
			if tt.wantErr && !errors.Is(err, margin.ErrInvalidMaintenanceMargin) {
				t.Errorf("expected ErrInvalidMaintenanceMargin, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestResolveMaintenanceMargin_Defaults(t *testing.T) {
	got, err := margin.ResolveMaintenanceMargin(nil, 10)
	if err != nil || got != margin.DefaultMaintenanceMarginRatio {
		t.Errorf("10x: got %d, %v", got, err)
	}

	// 2.5% is invalid at 50x; the tier ratio applies
	got, err = margin.ResolveMaintenanceMargin(nil, 50)
	if err != nil || got != 10_000 {
		t.Errorf("50x: got %d, %v", got, err)
	}

	got, err = margin.ResolveMaintenanceMargin(nil, 100)
	if err != nil || got != 5_000 {
		t.Errorf("100x: got %d, %v", got, err)
	}
}

func TestResolveMaintenanceMargin_SuppliedInvalid(t *testing.T) {
	mmr := uint64(25_000)
	if _, err := margin.ResolveMaintenanceMargin(&mmr, 50); !errors.Is(err, margin.ErrInvalidMaintenanceMargin) {
		t.Errorf("expected ErrInvalidMaintenanceMargin, got %v", err)
	}
}

// ============================================================================
// Test: tiers
// ============================================================================

func TestTierFor(t *testing.T) {
	tests := []struct {
		leverage uint16
		max      uint16
	}{
		{1, 20}, {20, 20}, {21, 50}, {50, 50}, {51, 100}, {100, 100},
	}
	for _, tt := range tests {
		tier, err := margin.TierFor(tt.leverage)
		if err != nil {
			t.Fatalf("leverage %d: %v", tt.leverage, err)
		}
		if tier.MaxLeverage != tt.max {
			t.Errorf("leverage %d: tier %d, want %d", tt.leverage, tier.MaxLeverage, tt.max)
		}
	}
}

func TestCheckTierNotional(t *testing.T) {
	if err := margin.CheckTierNotional(20, 10_000_000*fpmath.QuoteScale); err != nil {
		t.Errorf("20x is unlimited: %v", err)
	}
	if err := margin.CheckTierNotional(100, 50_000*fpmath.QuoteScale); err != nil {
		t.Errorf("at the limit should pass: %v", err)
	}
	if err := margin.CheckTierNotional(100, 50_000*fpmath.QuoteScale+1); !errors.Is(err, margin.ErrPositionTooLarge) {
		t.Errorf("expected ErrPositionTooLarge, got %v", err)
	}
}

// ============================================================================
// Test: symbol and slippage
// ============================================================================

func TestValidateSymbol(t *testing.T) {
	for _, ok := range []string{"BTC-USD", "ETH/USDC", "SOL_PERP", "A"} {
		if err := margin.ValidateSymbol(ok); err != nil {
			t.Errorf("%q should be valid: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "btc-usd", "BTC USD", "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456"} {
		if err := margin.ValidateSymbol(bad); !errors.Is(err, margin.ErrInvalidSymbol) {
			t.Errorf("%q: expected ErrInvalidSymbol, got %v", bad, err)
		}
	}
}

func TestCheckSlippage(t *testing.T) {
	expected := price(50_000)

	// 50 bps of 50000 is 250
	if err := margin.CheckSlippage(price(50_250), expected, 50); err != nil {
		t.Errorf("at the bound should pass: %v", err)
	}
	if err := margin.CheckSlippage(price(49_749), expected, 50); !errors.Is(err, margin.ErrSlippageExceeded) {
		t.Errorf("expected ErrSlippageExceeded, got %v", err)
	}
	if err := margin.CheckSlippage(expected, expected, 10_001); !errors.Is(err, margin.ErrInvalidSlippage) {
		t.Errorf("expected ErrInvalidSlippage, got %v", err)
	}
}

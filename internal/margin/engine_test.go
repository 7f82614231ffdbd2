package margin_test

import (
	"errors"
	"testing"

	fpmath "PositionLedger/internal/math"
	"PositionLedger/internal/margin"
	"PositionLedger/internal/state"
)

func price(v uint64) uint64 { return v * fpmath.PriceScale }

// ============================================================================
// Test: required margin
// ============================================================================

func TestRequiredMargin_BTCScenario(t *testing.T) {
	// 0.1 BTC @ 50000 x10 -> 500
	got, err := margin.RequiredMargin(10_000_000, price(50_000), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 500_000_000 {
		t.Errorf("got %d, want %d", got, 500_000_000)
	}
}

func TestRequiredMargin_CeilingProperty(t *testing.T) {
	sizes := []uint64{1, 3, 7_777_777, 10_000_000, 123_456_789, 100_000_001}
	prices := []uint64{1, 999_999, price(3_000) + 7, price(50_000) + 1}

	for _, size := range sizes {
		for _, p := range prices {
			notional, err := margin.Notional(size, p)
			if err != nil {
				t.Fatalf("notional: %v", err)
			}
			for lev := uint16(1); lev <= 100; lev++ {
				req, err := margin.RequiredMargin(size, p, lev)
				if err != nil {
					t.Fatalf("required margin: %v", err)
				}
				if req*uint64(lev) < notional {
					t.Fatalf("size=%d price=%d lev=%d: %d*%d < %d", size, p, lev, req, lev, notional)
				}
				if req > 0 && (req-1)*uint64(lev) >= notional {
					t.Fatalf("size=%d price=%d lev=%d: %d is not the smallest", size, p, lev, req)
				}
			}
		}
	}
}

func TestNotional_RoundsUp(t *testing.T) {
	cases := []struct {
		size, price, want uint64
	}{
		{10_000_000, price(50_000), 5_000_000_000}, // exact
		{1, price(1), 1},                           // 0.00000001 * 1 rounds up to 0.000001
		{50_000_000, 1, 1},                         // 0.5 micro rounds up, not to even
		{250_000_000, 1, 3},                        // 2.5 micro
	}
	for _, tc := range cases {
		got, err := margin.Notional(tc.size, tc.price)
		if err != nil {
			t.Fatalf("size=%d price=%d: %v", tc.size, tc.price, err)
		}
		if got != tc.want {
			t.Errorf("size=%d price=%d: got %d, want %d", tc.size, tc.price, got, tc.want)
		}
	}
}

func TestRequiredMargin_InvalidLeverage(t *testing.T) {
	for _, lev := range []uint16{0, 101, 500} {
		if _, err := margin.RequiredMargin(1, 1, lev); !errors.Is(err, margin.ErrInvalidLeverage) {
			t.Errorf("leverage %d: expected ErrInvalidLeverage, got %v", lev, err)
		}
	}
}

// ============================================================================
// Test: liquidation price
// ============================================================================

func TestLiquidationPrice_LongScenario(t *testing.T) {
	got, err := margin.LiquidationPrice(state.SideLong, price(50_000), 10, 25_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != price(46_250) {
		t.Errorf("got %s, want 46250.000000", fpmath.FormatFixed(got, fpmath.PriceConfig))
	}
}

func TestLiquidationPrice_ShortScenario(t *testing.T) {
	got, err := margin.LiquidationPrice(state.SideShort, price(3_000), 50, 25_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != price(2_985) {
		t.Errorf("got %s, want 2985.000000", fpmath.FormatFixed(got, fpmath.PriceConfig))
	}
}

func TestLiquidationPrice_ConservativeRounding(t *testing.T) {
	// 1/3 leverage factors do not divide evenly
	entry := uint64(1_000_001)

	long, err := margin.LiquidationPrice(state.SideLong, entry, 3, 25_000)
	if err != nil {
		t.Fatalf("long: %v", err)
	}
	// exact: 1000001 * (2/3 + 0.025) = 691667.358...
	if long != 691_668 {
		t.Errorf("long: got %d, want 691668 (rounded up)", long)
	}

	short, err := margin.LiquidationPrice(state.SideShort, entry, 3, 25_000)
	if err != nil {
		t.Fatalf("short: %v", err)
	}
	// exact: 1000001 * (4/3 - 0.025) = 1308334.641...
	if short != 1_308_334 {
		t.Errorf("short: got %d, want 1308334 (rounded down)", short)
	}
}

func TestLiquidationPriceForMargin_MatchesAtRequiredMargin(t *testing.T) {
	size := uint64(10_000_000)
	entry := price(50_000)
	req, _ := margin.RequiredMargin(size, entry, 10)

	got, err := margin.LiquidationPriceForMargin(state.SideLong, size, entry, req, 25_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != price(46_250) {
		t.Errorf("got %d, want %d", got, price(46_250))
	}

	// more margin pushes the long threshold down
	more, err := margin.LiquidationPriceForMargin(state.SideLong, size, entry, req*2, 25_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if more >= got {
		t.Errorf("extra margin should lower liquidation price: %d >= %d", more, got)
	}

	// more margin pushes the short threshold up
	short, _ := margin.LiquidationPriceForMargin(state.SideShort, size, entry, req, 25_000)
	shortMore, _ := margin.LiquidationPriceForMargin(state.SideShort, size, entry, req*2, 25_000)
	if shortMore <= short {
		t.Errorf("extra margin should raise short liquidation price: %d <= %d", shortMore, short)
	}
}

func TestLiquidationPriceForMargin_FloorsAtZero(t *testing.T) {
	got, err := margin.LiquidationPriceForMargin(state.SideLong, 1_000, price(100), price(1_000_000), 25_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

// ============================================================================
// Test: PnL and ratios
// ============================================================================

func TestRealizedPnL_LongGain(t *testing.T) {
	got, err := margin.RealizedPnL(state.SideLong, 10_000_000, price(50_000), price(55_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 500_000_000 {
		t.Errorf("got %d, want 500000000", got)
	}
}

func TestUnrealizedPnL_ShortAndRounding(t *testing.T) {
	got, err := margin.UnrealizedPnL(state.SideShort, 10_000_000, price(3_000), price(2_900))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 10_000_000 {
		t.Errorf("short gain: got %d, want 10000000", got)
	}

	// 1 unit of size against 1 unit of price is below resolution; loss floors to -1
	got, err = margin.UnrealizedPnL(state.SideLong, 1, 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != -1 {
		t.Errorf("tiny loss: got %d, want -1", got)
	}
}

func TestMarginRatio_AtOpenEqualsInverseLeverage(t *testing.T) {
	size := uint64(10_000_000)
	entry := price(50_000)
	for _, lev := range []uint16{1, 2, 5, 10, 20, 25, 50, 100} {
		req, err := margin.RequiredMargin(size, entry, lev)
		if err != nil {
			t.Fatalf("required margin: %v", err)
		}
		ratio, err := margin.MarginRatio(req, 0, size, entry)
		if err != nil {
			t.Fatalf("margin ratio: %v", err)
		}
		want := int64(fpmath.RatioScale) / int64(lev)
		if ratio != want {
			t.Errorf("lev %d: ratio %d, want %d", lev, ratio, want)
		}
	}
}

func TestMarginRatio_DropsWithAdverseMove(t *testing.T) {
	size := uint64(10_000_000)
	entry := price(50_000)
	req, _ := margin.RequiredMargin(size, entry, 10)

	mark := price(47_000)
	upnl, _ := margin.UnrealizedPnL(state.SideLong, size, entry, mark)
	ratio, err := margin.MarginRatio(req, upnl, size, mark)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ratio >= 100_000 {
		t.Errorf("ratio should fall below 10%%, got %d", ratio)
	}
}

func TestShouldLiquidate(t *testing.T) {
	liq := price(46_250)
	if margin.ShouldLiquidate(state.SideLong, price(46_251), liq, 30_000, 25_000) {
		t.Error("healthy long should not liquidate")
	}
	if !margin.ShouldLiquidate(state.SideLong, price(46_250), liq, 30_000, 25_000) {
		t.Error("long at liquidation price should liquidate")
	}
	if !margin.ShouldLiquidate(state.SideShort, price(100), price(200), 25_000, 25_000) {
		t.Error("ratio at maintenance should liquidate")
	}
	if margin.ShouldLiquidate(state.SideShort, 0, price(200), 0, 25_000) {
		t.Error("zero mark must never liquidate")
	}
}

func TestDistanceToLiquidation(t *testing.T) {
	got, err := margin.DistanceToLiquidation(state.SideLong, price(50_000), price(45_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 100_000 {
		t.Errorf("long: got %d, want 100000", got)
	}

	got, err = margin.DistanceToLiquidation(state.SideShort, price(3_000), price(2_985))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != -5_000 {
		t.Errorf("short crossed: got %d, want -5000", got)
	}
}

func TestMaxPositionSizeAndROI(t *testing.T) {
	size, err := margin.MaxPositionSize(price(500), price(50_000), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != 10_000_000 {
		t.Errorf("max size: got %d, want 10000000", size)
	}

	roi, err := margin.ROI(250_000_000, 500_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if roi != 500_000 {
		t.Errorf("roi: got %d, want 500000", roi)
	}
}

func TestEffectiveLeverage(t *testing.T) {
	if got := margin.EffectiveLeverage(price(5_000), price(1_000)); got != 5 {
		t.Errorf("got %d, want 5", got)
	}
	if got := margin.EffectiveLeverage(price(5_000), price(10_000)); got != 1 {
		t.Errorf("over-collateralised: got %d, want 1", got)
	}
}

package monitor_test

import (
	"context"
	"testing"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/monitor"
	"PositionLedger/internal/state"
	"PositionLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiquidationIndex_Candidates(t *testing.T) {
	rdb, cleanup := testutil.SetupTestRedis(t)
	defer cleanup()

	idx := monitor.NewLiquidationIndex(rdb)
	ctx := context.Background()

	near := btcLong(testutil.Owner(1), 0, 3)
	far := btcLong(testutil.Owner(1), 1, 4)
	far.LiquidationPrice = 30_000_000_000
	short := btcLong(testutil.Owner(2), 0, 5)
	short.Side = state.SideShort
	short.LiquidationPrice = 53_750_000_000

	for _, p := range []*state.Position{near, far, short} {
		require.NoError(t, idx.Track(ctx, p))
	}

	// 10% band around 50000: longs >= 45000, shorts <= 55000
	got, err := idx.Candidates(ctx, "BTC-USD", 50_000_000_000, 100_000)
	require.NoError(t, err)
	assert.ElementsMatch(t, got, []identity.Address{near.Address(), short.Address()})

	require.NoError(t, idx.Untrack(ctx, near))
	got, err = idx.Candidates(ctx, "BTC-USD", 50_000_000_000, 100_000)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLiquidationIndex_PriceRoundTrip(t *testing.T) {
	rdb, cleanup := testutil.SetupTestRedis(t)
	defer cleanup()

	idx := monitor.NewLiquidationIndex(rdb)
	ctx := context.Background()

	_, err := idx.Price(ctx, "BTC-USD")
	require.ErrorIs(t, err, monitor.ErrPriceNotCached)

	want := event.PriceTick{Symbol: "BTC-USD", Price: 50_123_456_789, Timestamp: 1_700_000_000_000}
	require.NoError(t, idx.SetPrice(ctx, want))

	got, err := idx.Price(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMonitor_MirrorsIntoRedis(t *testing.T) {
	rdb, cleanup := testutil.SetupTestRedis(t)
	defer cleanup()

	idx := monitor.NewLiquidationIndex(rdb)
	m := monitor.New(monitor.DefaultConfig(), monitor.Options{Index: idx})
	defer m.Close()
	ctx := context.Background()

	pos := btcLong(testutil.Owner(3), 0, 3)
	require.NoError(t, m.HandleEvent(ctx, positionEvent(event.EventTypeOpened, pos)))
	require.NoError(t, m.HandleTick(ctx, event.PriceTick{Symbol: "BTC-USD", Price: 47_000_000_000, Timestamp: 10}))

	fctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, m.Flush(fctx))

	got, err := idx.Candidates(ctx, "BTC-USD", 47_000_000_000, 100_000)
	require.NoError(t, err)
	assert.Contains(t, got, pos.Address())

	cached, err := idx.Price(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, uint64(47_000_000_000), cached.Price)
}

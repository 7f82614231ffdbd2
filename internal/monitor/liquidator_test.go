package monitor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/ledger"
	"PositionLedger/internal/monitor"
	"PositionLedger/internal/state"
	"PositionLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLiquidator struct {
	mu    sync.Mutex
	calls []monitor.LiquidationRequest
	err   error
}

func (f *fakeLiquidator) Liquidate(_ context.Context, id identity.Address, mark uint64, expectedSlot *uint64) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, monitor.LiquidationRequest{PositionID: id, MarkPrice: mark, ExpectedSlot: *expectedSlot})
	if f.err != nil {
		return nil, f.err
	}
	return &ledger.Receipt{Slot: *expectedSlot + 1}, nil
}

func TestLiquidationWorker_ExecutesUntilChannelCloses(t *testing.T) {
	fake := &fakeLiquidator{err: ledger.ErrNotLiquidatable}
	requests := make(chan monitor.LiquidationRequest, 2)
	worker := monitor.NewLiquidationWorker(fake, requests, zerolog.Nop(), nil)

	id := identity.PositionAddress(testutil.Owner(1), 0)
	requests <- monitor.LiquidationRequest{PositionID: id, MarkPrice: 10, ExpectedSlot: 3}
	requests <- monitor.LiquidationRequest{PositionID: id, MarkPrice: 9, ExpectedSlot: 3}
	close(requests)

	require.NoError(t, worker.Run(context.Background()))
	require.Len(t, fake.calls, 2)
	assert.Equal(t, uint64(9), fake.calls[1].MarkPrice)
}

func TestLiquidationWorker_StopsOnCancel(t *testing.T) {
	worker := monitor.NewLiquidationWorker(&fakeLiquidator{}, make(chan monitor.LiquidationRequest), zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, worker.Run(ctx), context.Canceled)
}

// Ledger events flow into the monitor, a tick crosses the liquidation price
// and the worker closes the position on the ledger.
func TestMonitorLiquidatesThroughLedger(t *testing.T) {
	events := make(chan *event.LedgerEvent, 64)
	l := ledger.New(ledger.Options{Events: events})
	m := monitor.New(monitor.DefaultConfig(), monitor.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	owner := testutil.Owner(7)
	_, err := l.InitializeUser(ctx, owner)
	require.NoError(t, err)
	_, err = l.AddCollateral(ctx, owner, 10_000_000_000)
	require.NoError(t, err)
	rec, err := l.OpenPosition(ctx, ledger.OpenRequest{
		Owner:      owner,
		Symbol:     "BTC-USD",
		Side:       state.SideLong,
		Size:       10_000_000,
		Leverage:   10,
		EntryPrice: 50_000_000_000,
	})
	require.NoError(t, err)

	go m.Consume(ctx, events)
	worker := monitor.NewLiquidationWorker(l, m.LiquidationRequests(), zerolog.Nop(), nil)
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := m.Position(rec.Position.Address())
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.HandleTick(ctx, event.PriceTick{Symbol: "BTC-USD", Price: 46_000_000_000, Timestamp: 1}))

	require.Eventually(t, func() bool {
		pos, err := l.GetPosition(rec.Position.Address())
		return err == nil && pos.Status == state.StatusClosed
	}, 2*time.Second, 10*time.Millisecond)

	// the LIQUIDATED event reaches the monitor and drops the position
	require.Eventually(t, func() bool {
		_, ok := m.Position(rec.Position.Address())
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	m.Close()
	require.NoError(t, <-workerDone)
}

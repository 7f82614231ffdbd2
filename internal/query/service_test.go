package query_test

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/ledger"
	"PositionLedger/internal/monitor"
	"PositionLedger/internal/query"
	"PositionLedger/internal/state"
	"PositionLedger/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ledger  *ledger.Ledger
	monitor *monitor.Monitor
	svc     *query.Service
	owner   identity.Owner
	id      identity.Address
}

// newFixture opens a 0.1 BTC long at 50,000 x10 (liquidation 46,250) for an
// owner with 10,000 collateral, and marks BTC-USD at 51,000 in the monitor.
// The alert band is 5%, so the position starts out safe.
func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, monitor.Options{})
}

func newFixtureWith(t *testing.T, opts monitor.Options) *fixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan *event.LedgerEvent, 64)
	l := ledger.New(ledger.Options{Events: events})
	cfg := monitor.DefaultConfig()
	cfg.AlertThreshold = 50_000
	m := monitor.New(cfg, opts)
	t.Cleanup(m.Close)

	owner := testutil.Owner(0x21)
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

	// drain without closing: later commits in a test still send here
	for len(events) > 0 {
		require.NoError(t, m.HandleEvent(ctx, <-events))
	}
	require.NoError(t, m.HandleTick(ctx, event.PriceTick{Symbol: "BTC-USD", Price: 51_000_000_000, Timestamp: 10}))
	require.NoError(t, m.Flush(ctx))

	return &fixture{
		ledger:  l,
		monitor: m,
		svc:     query.NewService(l, m, nil),
		owner:   owner,
		id:      rec.Position.Address(),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestService_GetUserAccount(t *testing.T) {
	f := newFixture(t)

	acct, err := f.svc.GetUserAccount(f.owner)
	require.NoError(t, err)
	assert.True(t, acct.TotalCollateral.Equal(dec("10000")), acct.TotalCollateral.String())
	assert.True(t, acct.LockedCollateral.Equal(dec("500")), acct.LockedCollateral.String())
	assert.True(t, acct.AvailableCollateral.Equal(dec("9500")))
	assert.Equal(t, uint32(1), acct.PositionCount)
	assert.Equal(t, uint64(3), acct.AsOfSlot)

	_, err = f.svc.GetUserAccount(testutil.Owner(0x99))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestService_GetPositionCarriesRisk(t *testing.T) {
	f := newFixture(t)

	pos, err := f.svc.GetPosition(f.id)
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", pos.Symbol)
	assert.True(t, pos.Size.Equal(dec("0.1")))
	assert.True(t, pos.LiquidationPrice.Equal(dec("46250")), pos.LiquidationPrice.String())

	require.NotNil(t, pos.Risk)
	assert.Equal(t, monitor.RiskSafe, pos.Risk.Level)
	assert.True(t, pos.UnrealizedPnL.Equal(dec("100")), pos.UnrealizedPnL.String())
	assert.True(t, pos.Risk.Notional.Equal(dec("5100")))
	assert.True(t, pos.Risk.ROI.Equal(dec("0.2")), pos.Risk.ROI.String())
}

func TestService_ClosedPositionHasNoRisk(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.ClosePosition(context.Background(), ledger.CloseRequest{PositionID: f.id, FinalPrice: 55_000_000_000})
	require.NoError(t, err)

	pos, err := f.svc.GetPosition(f.id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusClosed, pos.Status)
	assert.Nil(t, pos.Risk)
	assert.True(t, pos.RealizedPnL.Equal(dec("500")))

	list, err := f.svc.ListPositions(f.owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestService_GetMargin(t *testing.T) {
	f := newFixture(t)

	m, err := f.svc.GetMargin(f.owner)
	require.NoError(t, err)
	assert.Equal(t, 1, m.OpenPositions)
	assert.Equal(t, 0, m.AtRiskPositions)
	assert.True(t, m.TotalNotional.Equal(dec("5100")))
	assert.True(t, m.Equity.Equal(dec("10100")), m.Equity.String())
}

func TestService_StatisticsAndPrices(t *testing.T) {
	f := newFixture(t)

	stats := f.svc.Statistics()
	assert.Equal(t, 1, stats.OpenPositions)
	assert.Equal(t, 1, stats.BySymbol["BTC-USD"].LongPositions)
	assert.True(t, stats.LatestPrices["BTC-USD"].Price.Equal(dec("51000")))
	assert.Equal(t, uint64(3), stats.Ledger.Slot)

	prices := f.svc.Prices()
	require.Contains(t, prices, "BTC-USD")

	p, err := f.svc.Price(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.Timestamp)

	_, err = f.svc.Price(context.Background(), "ETH-USD")
	assert.ErrorIs(t, err, query.ErrPriceNotFound)
}

func TestService_MonitoredViews(t *testing.T) {
	f := newFixture(t)

	all := f.svc.MonitoredPositions()
	require.Len(t, all, 1)
	assert.Equal(t, f.id, all[0].ID)
	assert.Len(t, f.svc.PositionsBySymbol("BTC-USD"), 1)
	assert.Empty(t, f.svc.PositionsBySymbol("ETH-USD"))
}

func TestService_GetRecordFromLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.GetRecord(ctx, identity.UserAddress(f.owner))
	require.NoError(t, err)
	assert.Equal(t, identity.TypeUserAccount, rec.Type)
	assert.Equal(t, "ledger", rec.Source)

	raw, err := hex.DecodeString(rec.Data)
	require.NoError(t, err)
	typeName, ok := identity.Classify(raw)
	require.True(t, ok)
	assert.Equal(t, identity.TypeUserAccount, typeName)

	rec, err = f.svc.GetRecord(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, identity.TypePosition, rec.Type)

	_, err = f.svc.GetRecord(ctx, identity.UserAddress(testutil.Owner(0x55)))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func (f *fixture) mark(t *testing.T, price uint64, ts int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.monitor.HandleTick(ctx, event.PriceTick{Symbol: "BTC-USD", Price: price, Timestamp: ts}))
	require.NoError(t, f.monitor.Flush(ctx))
}

func TestService_AtRiskPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.svc.AtRiskPositions(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Empty(t, got, "9.3% from liquidation is outside a 5% band")

	f.mark(t, 48_000_000_000, 11)
	got, err = f.svc.AtRiskPositions(ctx, "BTC-USD")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, f.id, got[0].ID)
	require.NotNil(t, got[0].Risk)
	assert.Equal(t, monitor.RiskLiquidating, got[0].Risk.Level)

	_, err = f.svc.AtRiskPositions(ctx, "ETH-USD")
	assert.ErrorIs(t, err, query.ErrPriceNotFound)
}

func TestService_AtRiskPositionsFromRedisIndex(t *testing.T) {
	rdb, cleanup := testutil.SetupTestRedis(t)
	defer cleanup()

	f := newFixtureWith(t, monitor.Options{Index: monitor.NewLiquidationIndex(rdb)})
	ctx := context.Background()

	// 5% band at 51,000 admits long liquidation prices >= 48,450
	got, err := f.svc.AtRiskPositions(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Empty(t, got)

	f.mark(t, 48_000_000_000, 11)
	got, err = f.svc.AtRiskPositions(ctx, "BTC-USD")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, f.id, got[0].ID)
}

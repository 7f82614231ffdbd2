package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	fpmath "PositionLedger/internal/math"
	"PositionLedger/internal/state"

	"github.com/redis/go-redis/v9"
)

const pricesKey = "prices"

// ErrPriceNotCached is returned when no price was mirrored for a symbol.
var ErrPriceNotCached = errors.New("price not cached")

// LiquidationIndex mirrors liquidation prices into Redis sorted sets
// (liquidations:{symbol}:{long|short}, scored by liquidation price) and the
// latest tick per symbol into the prices hash, so other processes can run
// range queries without replaying the ledger.
type LiquidationIndex struct {
	rdb *redis.Client
}

// NewLiquidationIndex wraps a connected client.
func NewLiquidationIndex(rdb *redis.Client) *LiquidationIndex {
	return &LiquidationIndex{rdb: rdb}
}

func liquidationKey(symbol string, side state.Side) string {
	if side == state.SideShort {
		return fmt.Sprintf("liquidations:%s:short", symbol)
	}
	return fmt.Sprintf("liquidations:%s:long", symbol)
}

func score(price uint64) float64 {
	return fpmath.ToDecimal(price, fpmath.PriceConfig).InexactFloat64()
}

// Track adds or moves a position in its side's sorted set.
func (x *LiquidationIndex) Track(ctx context.Context, pos *state.Position) error {
	return x.rdb.ZAdd(ctx, liquidationKey(pos.Symbol, pos.Side), redis.Z{
		Score:  score(pos.LiquidationPrice),
		Member: pos.Address().String(),
	}).Err()
}

// Untrack removes a closed position.
func (x *LiquidationIndex) Untrack(ctx context.Context, pos *state.Position) error {
	return x.rdb.ZRem(ctx, liquidationKey(pos.Symbol, pos.Side), pos.Address().String()).Err()
}

// SetPrice stores the latest tick as "price@timestamp".
func (x *LiquidationIndex) SetPrice(ctx context.Context, t event.PriceTick) error {
	value := fmt.Sprintf("%s@%d", fpmath.FormatFixed(t.Price, fpmath.PriceConfig), t.Timestamp)
	return x.rdb.HSet(ctx, pricesKey, t.Symbol, value).Err()
}

// Price reads back a mirrored tick.
func (x *LiquidationIndex) Price(ctx context.Context, symbol string) (event.PriceTick, error) {
	value, err := x.rdb.HGet(ctx, pricesKey, symbol).Result()
	if errors.Is(err, redis.Nil) {
		return event.PriceTick{}, ErrPriceNotCached
	}
	if err != nil {
		return event.PriceTick{}, err
	}

	var priceStr, tsStr string
	for i := len(value) - 1; i >= 0; i-- {
		if value[i] == '@' {
			priceStr, tsStr = value[:i], value[i+1:]
			break
		}
	}
	price, err := fpmath.ParseFixed(priceStr, fpmath.PriceConfig)
	if err != nil {
		return event.PriceTick{}, fmt.Errorf("cached price for %s: %w", symbol, err)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return event.PriceTick{}, fmt.Errorf("cached timestamp for %s: %w", symbol, err)
	}
	return event.PriceTick{Symbol: symbol, Price: price, Timestamp: ts}, nil
}

// Candidates returns positions whose liquidation price lies within
// threshold (ratio scale) of price or has already been crossed: longs with
// liquidation price >= price*(1-threshold), shorts with liquidation price
// <= price*(1+threshold).
func (x *LiquidationIndex) Candidates(ctx context.Context, symbol string, price, threshold uint64) ([]identity.Address, error) {
	lower, err := fpmath.MulDiv(price, fpmath.RatioScale-min(threshold, fpmath.RatioScale), fpmath.RatioScale, fpmath.RoundFloor)
	if err != nil {
		return nil, err
	}
	upper, err := fpmath.MulDiv(price, fpmath.RatioScale+threshold, fpmath.RatioScale, fpmath.RoundCeil)
	if err != nil {
		return nil, err
	}

	longs, err := x.rdb.ZRangeByScore(ctx, liquidationKey(symbol, state.SideLong), &redis.ZRangeBy{
		Min: strconv.FormatFloat(score(lower), 'f', -1, 64),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	shorts, err := x.rdb.ZRangeByScore(ctx, liquidationKey(symbol, state.SideShort), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(score(upper), 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]identity.Address, 0, len(longs)+len(shorts))
	for _, member := range append(longs, shorts...) {
		id, err := identity.ParseAddress(member)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

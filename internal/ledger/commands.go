package ledger

import (
	"context"
	"fmt"
	gomath "math"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/margin"
	fpmath "PositionLedger/internal/math"
	"PositionLedger/internal/state"
)

// OpenRequest opens a new position. Size is in size units, prices in price
// units. MaintenanceMarginRatio defaults per leverage tier when nil.
type OpenRequest struct {
	Owner                  identity.Owner
	Symbol                 string
	Side                   state.Side
	Size                   uint64
	Leverage               uint16
	EntryPrice             uint64
	MaintenanceMarginRatio *uint64

	// Optional slippage guard, both or neither.
	ExpectedPrice  *uint64
	MaxSlippageBps *uint32
}

// ModifyRequest changes size and/or margin of an open position. When
// ExpectedSlot is set the command fails unless the position was last
// mutated at that slot.
type ModifyRequest struct {
	PositionID   identity.Address
	NewSize      *uint64
	MarginDelta  *int64
	ExpectedSlot *uint64
}

// CloseRequest closes a position at FinalPrice.
type CloseRequest struct {
	PositionID   identity.Address
	FinalPrice   uint64
	ExpectedSlot *uint64
}

// InitializeUser creates an empty account for owner.
func (l *Ledger) InitializeUser(ctx context.Context, owner identity.Owner) (rec *Receipt, err error) {
	start := time.Now()
	defer func() { l.observe("initialize_user", start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry := &accountEntry{}
	evt, err := l.commit(entry, mutation{
		typ:     event.EventTypeAccountInitialized,
		owner:   owner,
		account: &state.UserAccount{Owner: owner},
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("owner", owner.String()).
		Uint64("slot", evt.Slot).
		Msg("account initialized")

	return receiptFor(evt), nil
}

// AddCollateral credits amount (quote units) to the owner's account.
func (l *Ledger) AddCollateral(ctx context.Context, owner identity.Owner, amount uint64) (rec *Receipt, err error) {
	start := time.Now()
	defer func() { l.observe("add_collateral", start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, validationf("collateral amount must be positive")
	}

	entry, err := l.lockAccount(owner)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	acct := entry.account.Clone()
	if acct.TotalCollateral, err = fpmath.CheckedAdd(acct.TotalCollateral, amount); err != nil {
		return nil, err
	}

	evt, err := l.commit(entry, mutation{
		typ:     event.EventTypeCollateralAdded,
		owner:   owner,
		account: acct,
	})
	if err != nil {
		return nil, err
	}
	return receiptFor(evt), nil
}

// OpenPosition locks the required margin and creates a position at the
// next index of the owner's arena.
func (l *Ledger) OpenPosition(ctx context.Context, req OpenRequest) (rec *Receipt, err error) {
	start := time.Now()
	defer func() { l.observe("open", start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := margin.ValidateSymbol(req.Symbol); err != nil {
		return nil, validationError(err)
	}
	if req.Side != state.SideLong && req.Side != state.SideShort {
		return nil, validationf("invalid side %d", req.Side)
	}
	if req.Size == 0 {
		return nil, validationError(margin.ErrZeroSize)
	}
	if req.EntryPrice == 0 {
		return nil, validationError(margin.ErrZeroPrice)
	}
	if err := margin.ValidateLeverage(req.Leverage); err != nil {
		return nil, validationError(err)
	}
	if (req.ExpectedPrice == nil) != (req.MaxSlippageBps == nil) {
		return nil, validationf("expected price and max slippage must be set together")
	}
	if req.ExpectedPrice != nil {
		if err := margin.CheckSlippage(req.EntryPrice, *req.ExpectedPrice, *req.MaxSlippageBps); err != nil {
			return nil, validationError(err)
		}
	}

	mmr, err := margin.ResolveMaintenanceMargin(req.MaintenanceMarginRatio, req.Leverage)
	if err != nil {
		return nil, classify(err)
	}
	notional, err := margin.Notional(req.Size, req.EntryPrice)
	if err != nil {
		return nil, classify(err)
	}
	if err := margin.CheckTierNotional(req.Leverage, notional); err != nil {
		return nil, validationError(err)
	}
	required, err := margin.RequiredMargin(req.Size, req.EntryPrice, req.Leverage)
	if err != nil {
		return nil, classify(err)
	}
	liqPrice, err := margin.LiquidationPrice(req.Side, req.EntryPrice, req.Leverage, mmr)
	if err != nil {
		return nil, classify(err)
	}

	entry, err := l.lockAccount(req.Owner)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	acct := entry.account.Clone()
	if available := acct.AvailableCollateral(); available < required {
		return nil, fmt.Errorf("%w: required %s, available %s", ErrInsufficientCollateral,
			fpmath.FormatFixed(required, fpmath.QuoteConfig),
			fpmath.FormatFixed(available, fpmath.QuoteConfig))
	}
	if acct.PositionCountTotal == gomath.MaxUint32 {
		return nil, ErrArithmeticOverflow
	}

	index := acct.PositionCountTotal
	acct.PositionCountTotal++
	acct.PositionCount++
	acct.LockedCollateral += required

	pos := &state.Position{
		Owner:                  req.Owner,
		Index:                  index,
		Symbol:                 req.Symbol,
		Side:                   req.Side,
		Size:                   req.Size,
		EntryPrice:             req.EntryPrice,
		MarkPrice:              req.EntryPrice,
		Margin:                 required,
		LiquidationPrice:       liqPrice,
		Leverage:               req.Leverage,
		MaintenanceMarginRatio: mmr,
		Status:                 state.StatusOpening,
	}
	if err := pos.Transition(state.StatusOpen); err != nil {
		return nil, err
	}

	evt, err := l.commit(entry, mutation{
		typ:      event.EventTypeOpened,
		owner:    req.Owner,
		account:  acct,
		position: pos,
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("position", evt.PositionID.String()).
		Str("symbol", pos.Symbol).
		Str("side", pos.Side.String()).
		Uint64("slot", evt.Slot).
		Msg("position opened")

	return receiptFor(evt), nil
}

// ModifyPosition resizes the position and/or moves margin in or out of it.
// A resize resets margin to the requirement for the new size; a margin
// delta is applied afterwards. Leverage never changes.
func (l *Ledger) ModifyPosition(ctx context.Context, req ModifyRequest) (rec *Receipt, err error) {
	start := time.Now()
	defer func() { l.observe("modify", start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.NewSize == nil && (req.MarginDelta == nil || *req.MarginDelta == 0) {
		return nil, ErrNoOpRequest
	}
	if req.NewSize != nil && *req.NewSize == 0 {
		return nil, validationError(margin.ErrZeroSize)
	}

	entry, stored, err := l.lockPosition(req.PositionID)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	if err := checkMutable(stored, req.ExpectedSlot); err != nil {
		return nil, err
	}

	acct := entry.account.Clone()
	pos := stored.Clone()
	if err := pos.Transition(state.StatusModifying); err != nil {
		return nil, err
	}

	if req.NewSize != nil {
		if err := resize(acct, pos, *req.NewSize); err != nil {
			return nil, err
		}
	}
	if req.MarginDelta != nil && *req.MarginDelta != 0 {
		if err := moveMargin(acct, pos, *req.MarginDelta); err != nil {
			return nil, err
		}
	}

	if pos.UnrealizedPnL, err = margin.UnrealizedPnL(pos.Side, pos.Size, pos.EntryPrice, pos.MarkPrice); err != nil {
		return nil, classify(err)
	}
	if err := pos.Transition(state.StatusOpen); err != nil {
		return nil, err
	}

	evt, err := l.commit(entry, mutation{
		typ:      event.EventTypeModified,
		owner:    pos.Owner,
		account:  acct,
		position: pos,
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("position", evt.PositionID.String()).
		Uint64("size", pos.Size).
		Uint64("margin", pos.Margin).
		Uint64("slot", evt.Slot).
		Msg("position modified")

	return receiptFor(evt), nil
}

// resize sets size and margin for newSize at the original entry and leverage.
func resize(acct *state.UserAccount, pos *state.Position, newSize uint64) error {
	notional, err := margin.Notional(newSize, pos.EntryPrice)
	if err != nil {
		return classify(err)
	}
	if err := margin.CheckTierNotional(pos.Leverage, notional); err != nil {
		return validationError(err)
	}
	newMargin, err := margin.RequiredMargin(newSize, pos.EntryPrice, pos.Leverage)
	if err != nil {
		return classify(err)
	}

	if newMargin > pos.Margin {
		need := newMargin - pos.Margin
		if available := acct.AvailableCollateral(); available < need {
			return fmt.Errorf("%w: additional margin %s, available %s", ErrInsufficientCollateral,
				fpmath.FormatFixed(need, fpmath.QuoteConfig),
				fpmath.FormatFixed(available, fpmath.QuoteConfig))
		}
		acct.LockedCollateral += need
	} else {
		freed := pos.Margin - newMargin
		locked, err := fpmath.CheckedSub(acct.LockedCollateral, freed)
		if err != nil {
			return fmt.Errorf("%w: cannot free margin %s, locked %s", ErrInsufficientCollateral,
				fpmath.FormatFixed(freed, fpmath.QuoteConfig),
				fpmath.FormatFixed(acct.LockedCollateral, fpmath.QuoteConfig))
		}
		acct.LockedCollateral = locked
	}

	liqPrice, err := margin.LiquidationPrice(pos.Side, pos.EntryPrice, pos.Leverage, pos.MaintenanceMarginRatio)
	if err != nil {
		return classify(err)
	}

	pos.Size = newSize
	pos.Margin = newMargin
	pos.LiquidationPrice = liqPrice
	return nil
}

// moveMargin adds (delta > 0) or removes (delta < 0) margin.
func moveMargin(acct *state.UserAccount, pos *state.Position, delta int64) error {
	amount := fpmath.Magnitude(delta)

	if delta > 0 {
		if available := acct.AvailableCollateral(); available < amount {
			return fmt.Errorf("%w: margin delta %s, available %s", ErrInsufficientCollateral,
				fpmath.FormatFixed(amount, fpmath.QuoteConfig),
				fpmath.FormatFixed(available, fpmath.QuoteConfig))
		}
		acct.LockedCollateral += amount
		pos.Margin += amount
	} else {
		required, err := margin.RequiredMargin(pos.Size, pos.EntryPrice, pos.Leverage)
		if err != nil {
			return classify(err)
		}
		if amount >= pos.Margin || pos.Margin-amount < required {
			return fmt.Errorf("%w: margin %s, removing %s, required %s", ErrCannotRemoveMargin,
				fpmath.FormatFixed(pos.Margin, fpmath.QuoteConfig),
				fpmath.FormatFixed(amount, fpmath.QuoteConfig),
				fpmath.FormatFixed(required, fpmath.QuoteConfig))
		}
		if acct.LockedCollateral, err = fpmath.CheckedSub(acct.LockedCollateral, amount); err != nil {
			return err
		}
		pos.Margin -= amount
	}

	liqPrice, err := margin.LiquidationPriceForMargin(pos.Side, pos.Size, pos.EntryPrice, pos.Margin, pos.MaintenanceMarginRatio)
	if err != nil {
		return classify(err)
	}
	pos.LiquidationPrice = liqPrice
	return nil
}

// ClosePosition realizes PnL at the final price and releases margin.
func (l *Ledger) ClosePosition(ctx context.Context, req CloseRequest) (rec *Receipt, err error) {
	start := time.Now()
	defer func() { l.observe("close", start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.FinalPrice == 0 {
		return nil, validationError(margin.ErrZeroPrice)
	}

	return l.terminate(req.PositionID, req.FinalPrice, req.ExpectedSlot,
		state.StatusClosing, event.EventTypeClosed, nil)
}

// Liquidate force-closes a position at the mark price. It fails with
// ErrNotLiquidatable unless the liquidation condition holds at mark.
func (l *Ledger) Liquidate(ctx context.Context, id identity.Address, markPrice uint64, expectedSlot *uint64) (rec *Receipt, err error) {
	start := time.Now()
	defer func() { l.observe("liquidate", start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if markPrice == 0 {
		return nil, validationError(margin.ErrZeroPrice)
	}

	return l.terminate(id, markPrice, expectedSlot, state.StatusLiquidating, event.EventTypeLiquidated,
		func(pos *state.Position) error {
			upnl, err := margin.UnrealizedPnL(pos.Side, pos.Size, pos.EntryPrice, markPrice)
			if err != nil {
				return classify(err)
			}
			ratio, err := margin.MarginRatio(pos.Margin, upnl, pos.Size, markPrice)
			if err != nil {
				return classify(err)
			}
			if !margin.ShouldLiquidate(pos.Side, markPrice, pos.LiquidationPrice, ratio, pos.MaintenanceMarginRatio) {
				return fmt.Errorf("%w: mark %s, liquidation price %s", ErrNotLiquidatable,
					fpmath.FormatFixed(markPrice, fpmath.PriceConfig),
					fpmath.FormatFixed(pos.LiquidationPrice, fpmath.PriceConfig))
			}
			return nil
		})
}

// terminate runs the shared close/liquidate transaction.
func (l *Ledger) terminate(
	id identity.Address,
	price uint64,
	expectedSlot *uint64,
	via state.Status,
	typ event.EventType,
	precheck func(*state.Position) error,
) (*Receipt, error) {
	entry, stored, err := l.lockPosition(id)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	if err := checkMutable(stored, expectedSlot); err != nil {
		return nil, err
	}
	if precheck != nil {
		if err := precheck(stored); err != nil {
			return nil, err
		}
	}

	acct := entry.account.Clone()
	pos := stored.Clone()
	if err := pos.Transition(via); err != nil {
		return nil, err
	}

	badDebt, err := settle(acct, pos, price)
	if err != nil {
		return nil, err
	}
	if err := pos.Transition(state.StatusClosed); err != nil {
		return nil, err
	}

	evt, err := l.commit(entry, mutation{
		typ:      typ,
		owner:    pos.Owner,
		account:  acct,
		position: pos,
		badDebt:  badDebt,
	})
	if err != nil {
		return nil, err
	}

	logEvt := l.logger.Info()
	if badDebt > 0 {
		logEvt = l.logger.Warn().Str("bad_debt", fpmath.FormatFixed(badDebt, fpmath.QuoteConfig))
	}
	logEvt.
		Str("position", evt.PositionID.String()).
		Str("event_type", typ.String()).
		Int64("realized_pnl", pos.RealizedPnL).
		Uint64("slot", evt.Slot).
		Msg("position closed")

	return receiptFor(evt), nil
}

// settle releases margin and books realized PnL plus accrued funding. A loss
// larger than the free collateral is capped and the rest returned as bad
// debt.
func settle(acct *state.UserAccount, pos *state.Position, price uint64) (uint64, error) {
	pnl, err := margin.RealizedPnL(pos.Side, pos.Size, pos.EntryPrice, price)
	if err != nil {
		return 0, classify(err)
	}
	realized, err := fpmath.CheckedAddSigned(pnl, pos.FundingAccrued)
	if err != nil {
		return 0, err
	}

	if acct.LockedCollateral, err = fpmath.CheckedSub(acct.LockedCollateral, pos.Margin); err != nil {
		return 0, err
	}

	var badDebt uint64
	if realized >= 0 {
		if acct.TotalCollateral, err = fpmath.CheckedAdd(acct.TotalCollateral, uint64(realized)); err != nil {
			return 0, err
		}
	} else {
		loss := fpmath.Magnitude(realized)
		free := acct.TotalCollateral - acct.LockedCollateral
		if loss > free {
			badDebt = loss - free
			loss = free
		}
		acct.TotalCollateral -= loss
	}

	if acct.TotalPnL, err = fpmath.CheckedAddSigned(acct.TotalPnL, realized); err != nil {
		return 0, err
	}
	acct.PositionCount--

	pos.RealizedPnL = realized
	pos.UnrealizedPnL = 0
	pos.MarkPrice = price
	return badDebt, nil
}

// AccrueFunding adds a signed funding amount (quote units) to an open
// position. It is realized on close.
func (l *Ledger) AccrueFunding(ctx context.Context, id identity.Address, amount int64, expectedSlot *uint64) (rec *Receipt, err error) {
	start := time.Now()
	defer func() { l.observe("accrue_funding", start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrNoOpRequest
	}

	return l.updatePosition(id, expectedSlot, func(pos *state.Position) error {
		var err error
		pos.FundingAccrued, err = fpmath.CheckedAddSigned(pos.FundingAccrued, amount)
		return err
	})
}

// UpdateMark stores a new mark price and the unrealized PnL at it.
func (l *Ledger) UpdateMark(ctx context.Context, id identity.Address, markPrice uint64) (rec *Receipt, err error) {
	start := time.Now()
	defer func() { l.observe("update_mark", start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if markPrice == 0 {
		return nil, validationError(margin.ErrZeroPrice)
	}

	return l.updatePosition(id, nil, func(pos *state.Position) error {
		upnl, err := margin.UnrealizedPnL(pos.Side, pos.Size, pos.EntryPrice, markPrice)
		if err != nil {
			return classify(err)
		}
		pos.MarkPrice = markPrice
		pos.UnrealizedPnL = upnl
		return nil
	})
}

// updatePosition commits a PNL_UPDATE for an in-place change to an open
// position.
func (l *Ledger) updatePosition(id identity.Address, expectedSlot *uint64, apply func(*state.Position) error) (*Receipt, error) {
	entry, stored, err := l.lockPosition(id)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	if err := checkMutable(stored, expectedSlot); err != nil {
		return nil, err
	}

	pos := stored.Clone()
	if err := apply(pos); err != nil {
		return nil, err
	}

	evt, err := l.commit(entry, mutation{
		typ:      event.EventTypePnLUpdate,
		owner:    pos.Owner,
		account:  entry.account.Clone(),
		position: pos,
	})
	if err != nil {
		return nil, err
	}
	return receiptFor(evt), nil
}

// checkMutable rejects closed positions and stale expected slots.
func checkMutable(pos *state.Position, expectedSlot *uint64) error {
	if pos.IsClosed() {
		return ErrPositionAlreadyClosed
	}
	if pos.Status != state.StatusOpen {
		return fmt.Errorf("%w: position is %s", ErrValidation, pos.Status)
	}
	if expectedSlot != nil && *expectedSlot != pos.Slot {
		return fmt.Errorf("%w: expected slot %d, position at slot %d",
			ErrConcurrentModification, *expectedSlot, pos.Slot)
	}
	return nil
}

package ledger

import (
	"errors"
	"fmt"

	fpmath "PositionLedger/internal/math"
	"PositionLedger/internal/margin"
)

// Failure taxonomy. Every failed command leaves ledger state untouched.
var (
	ErrValidation               = errors.New("validation error")
	ErrInsufficientCollateral   = errors.New("insufficient collateral")
	ErrConcurrentModification   = errors.New("concurrent modification conflict")
	ErrPositionAlreadyClosed    = errors.New("position already closed")
	ErrPositionNotFound         = errors.New("position not found")
	ErrAccountNotFound          = errors.New("account not found")
	ErrAccountAlreadyExists     = errors.New("account already exists")
	ErrNoOpRequest              = errors.New("no-op request: new_size and margin_delta are both empty")
	ErrCannotRemoveMargin       = errors.New("cannot remove margin below initial requirement")
	ErrNotLiquidatable          = errors.New("position is not liquidatable at this price")
	ErrInvalidMaintenanceMargin = margin.ErrInvalidMaintenanceMargin
	ErrArithmeticOverflow       = fpmath.ErrArithmeticOverflow
)

func validationError(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// classify maps an arithmetic or margin error onto the ledger taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fpmath.ErrArithmeticOverflow),
		errors.Is(err, ErrInvalidMaintenanceMargin),
		errors.Is(err, ErrValidation):
		return err
	default:
		return validationError(err)
	}
}

// Reason returns a short metric label for err.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrPositionAlreadyClosed):
		return "already_closed"
	case errors.Is(err, ErrPositionNotFound), errors.Is(err, ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, ErrAccountAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrNoOpRequest):
		return "no_op"
	case errors.Is(err, ErrCannotRemoveMargin):
		return "cannot_remove_margin"
	case errors.Is(err, ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrInvalidMaintenanceMargin):
		return "invalid_maintenance_margin"
	case errors.Is(err, ErrArithmeticOverflow):
		return "overflow"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"PositionLedger/internal/event"
	"PositionLedger/internal/identity"
	"PositionLedger/internal/ledger"
	"PositionLedger/internal/monitor"
	"PositionLedger/internal/query"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HTTPStatus maps a command or query error onto an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrPositionNotFound),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, query.ErrPriceNotFound):
		return http.StatusNotFound

	case errors.Is(err, ledger.ErrConcurrentModification),
		errors.Is(err, ledger.ErrPositionAlreadyClosed),
		errors.Is(err, ledger.ErrAccountAlreadyExists),
		errors.Is(err, ledger.ErrNotLiquidatable):
		return http.StatusConflict

	case errors.Is(err, ledger.ErrInsufficientCollateral),
		errors.Is(err, ledger.ErrCannotRemoveMargin):
		return http.StatusUnprocessableEntity

	case errors.Is(err, ledger.ErrValidation),
		errors.Is(err, ledger.ErrNoOpRequest),
		errors.Is(err, ledger.ErrInvalidMaintenanceMargin),
		errors.Is(err, ledger.ErrArithmeticOverflow),
		errors.Is(err, identity.ErrMalformedIdentifier),
		errors.Is(err, event.ErrInvalidPriceTick):
		return http.StatusBadRequest

	case errors.Is(err, monitor.ErrMonitorClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error, status int) string {
	if code := ledger.Reason(err); code != "internal" {
		return code
	}
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "validation"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// invalid wraps a request decoding failure into the validation family.
func invalid(err error) error {
	return fmt.Errorf("%w: %w", ledger.ErrValidation, err)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", RequestID(r.Context())).
			Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: errorCode(err, status)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

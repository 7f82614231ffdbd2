package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"PositionLedger/internal/identity"
	"PositionLedger/internal/ledger"
	fpmath "PositionLedger/internal/math"
	"PositionLedger/internal/state"

	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

var (
	errOwnerRequired = errors.New("owner is required")
	errSideRequired  = errors.New("side is required")
)

// Amounts accept JSON strings or numbers and are converted exactly; more
// fractional digits than the scale allows is a validation error.

type initializeUserRequest struct {
	Owner identity.Owner `json:"owner"`
}

type addCollateralRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type openPositionRequest struct {
	Owner                  identity.Owner   `json:"owner"`
	Symbol                 string           `json:"symbol"`
	Side                   *state.Side      `json:"side"`
	Size                   decimal.Decimal  `json:"size"`
	Leverage               uint16           `json:"leverage"`
	EntryPrice             decimal.Decimal  `json:"entry_price"`
	MaintenanceMarginRatio *decimal.Decimal `json:"maintenance_margin_ratio,omitempty"`
	ExpectedPrice          *decimal.Decimal `json:"expected_price,omitempty"`
	MaxSlippageBps         *uint32          `json:"max_slippage_bps,omitempty"`
}

type modifyPositionRequest struct {
	NewSize      *decimal.Decimal `json:"new_size,omitempty"`
	MarginDelta  *decimal.Decimal `json:"margin_delta,omitempty"`
	ExpectedSlot *uint64          `json:"expected_slot,omitempty"`
}

type closePositionRequest struct {
	FinalPrice   decimal.Decimal `json:"final_price"`
	ExpectedSlot *uint64         `json:"expected_slot,omitempty"`
}

type accrueFundingRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	ExpectedSlot *uint64         `json:"expected_slot,omitempty"`
}

type updateMarkRequest struct {
	MarkPrice decimal.Decimal `json:"mark_price"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return invalid(errors.New("empty request body"))
		}
		return invalid(err)
	}
	return nil
}

func fixed(field string, d decimal.Decimal, cfg fpmath.DecimalConfig) (uint64, error) {
	v, err := fpmath.ParseFixed(d.String(), cfg)
	if err != nil {
		return 0, invalid(fmt.Errorf("%s: %w", field, err))
	}
	return v, nil
}

func fixedSigned(field string, d decimal.Decimal, cfg fpmath.DecimalConfig) (int64, error) {
	v, err := fpmath.ParseFixedSigned(d.String(), cfg)
	if err != nil {
		return 0, invalid(fmt.Errorf("%s: %w", field, err))
	}
	return v, nil
}

func optionalFixed(field string, d *decimal.Decimal, cfg fpmath.DecimalConfig) (*uint64, error) {
	if d == nil {
		return nil, nil
	}
	v, err := fixed(field, *d, cfg)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (req *openPositionRequest) toLedger() (ledger.OpenRequest, error) {
	out := ledger.OpenRequest{
		Owner:          req.Owner,
		Symbol:         req.Symbol,
		Leverage:       req.Leverage,
		MaxSlippageBps: req.MaxSlippageBps,
	}
	if req.Owner == (identity.Owner{}) {
		return out, invalid(errOwnerRequired)
	}
	if req.Side == nil {
		return out, invalid(errSideRequired)
	}
	out.Side = *req.Side

	var err error
	if out.Size, err = fixed("size", req.Size, fpmath.SizeConfig); err != nil {
		return out, err
	}
	if out.EntryPrice, err = fixed("entry_price", req.EntryPrice, fpmath.PriceConfig); err != nil {
		return out, err
	}
	if out.MaintenanceMarginRatio, err = optionalFixed("maintenance_margin_ratio", req.MaintenanceMarginRatio, fpmath.RatioConfig); err != nil {
		return out, err
	}
	if out.ExpectedPrice, err = optionalFixed("expected_price", req.ExpectedPrice, fpmath.PriceConfig); err != nil {
		return out, err
	}
	return out, nil
}

func (req *modifyPositionRequest) toLedger(id identity.Address) (ledger.ModifyRequest, error) {
	out := ledger.ModifyRequest{PositionID: id, ExpectedSlot: req.ExpectedSlot}

	var err error
	if out.NewSize, err = optionalFixed("new_size", req.NewSize, fpmath.SizeConfig); err != nil {
		return out, err
	}
	if req.MarginDelta != nil {
		delta, err := fixedSigned("margin_delta", *req.MarginDelta, fpmath.QuoteConfig)
		if err != nil {
			return out, err
		}
		out.MarginDelta = &delta
	}
	return out, nil
}

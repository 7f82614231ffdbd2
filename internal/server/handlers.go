package server

import (
	"io"
	"net/http"

	"PositionLedger/internal/identity"
	"PositionLedger/internal/ingestion"
	"PositionLedger/internal/ledger"
	fpmath "PositionLedger/internal/math"
	"PositionLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func (s *Server) routes() []route {
	return []route{
		// Accounts
		{http.MethodPost, "/api/v1/users/initialize", s.initializeUser},
		{http.MethodGet, "/api/v1/users/{owner}/account", s.getUserAccount},
		{http.MethodPost, "/api/v1/users/{owner}/collateral", s.addCollateral},
		{http.MethodGet, "/api/v1/users/{owner}/positions", s.listPositions},
		{http.MethodGet, "/api/v1/users/{owner}/margin", s.getMargin},
		{http.MethodGet, "/api/v1/accounts/{address}", s.getRecord},

		// Positions
		{http.MethodPost, "/api/v1/positions/open", s.openPosition},
		{http.MethodGet, "/api/v1/positions", s.monitoredPositions},
		{http.MethodGet, "/api/v1/positions/by-symbol/{symbol}", s.positionsBySymbol},
		{http.MethodGet, "/api/v1/positions/at-risk/{symbol}", s.atRiskPositions},
		{http.MethodGet, "/api/v1/positions/{id}", s.getPosition},
		{http.MethodPost, "/api/v1/positions/{id}/modify", s.modifyPosition},
		{http.MethodPost, "/api/v1/positions/{id}/close", s.closePosition},
		{http.MethodPost, "/api/v1/positions/{id}/funding", s.accrueFunding},
		{http.MethodPost, "/api/v1/positions/{id}/mark", s.updateMark},

		// Monitor
		{http.MethodGet, "/api/v1/statistics", s.statistics},
		{http.MethodGet, "/api/v1/prices", s.prices},
		{http.MethodGet, "/api/v1/prices/{symbol}", s.price},
		{http.MethodPost, "/api/v1/prices", s.injectPrice},
	}
}

func (s *Server) writeReceipt(w http.ResponseWriter, r *http.Request, status int, rec *ledger.Receipt, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, query.NewReceiptResponse(rec))
}

// --- Accounts ---

func (s *Server) initializeUser(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req initializeUserRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Owner == (identity.Owner{}) {
		s.writeError(w, r, invalid(errOwnerRequired))
		return
	}
	rec, err := s.ledger.InitializeUser(r.Context(), req.Owner)
	s.writeReceipt(w, r, http.StatusCreated, rec, err)
}

func (s *Server) getUserAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := identity.ParseOwner(params["owner"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := s.query.GetUserAccount(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) addCollateral(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := identity.ParseOwner(params["owner"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req addCollateralRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := fixed("amount", req.Amount, fpmath.QuoteConfig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.ledger.AddCollateral(r.Context(), owner, amount)
	s.writeReceipt(w, r, http.StatusOK, rec, err)
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := identity.ParseOwner(params["owner"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	positions, err := s.query.ListPositions(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) getMargin(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := identity.ParseOwner(params["owner"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.query.GetMargin(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request, params map[string]string) {
	addr, err := identity.ParseAddress(params["address"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.query.GetRecord(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Positions ---

func (s *Server) openPosition(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body openPositionRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.toLedger()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.ledger.OpenPosition(r.Context(), req)
	s.writeReceipt(w, r, http.StatusCreated, rec, err)
}

func (s *Server) monitoredPositions(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.query.MonitoredPositions())
}

func (s *Server) positionsBySymbol(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	writeJSON(w, http.StatusOK, s.query.PositionsBySymbol(params["symbol"]))
}

func (s *Server) atRiskPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	positions, err := s.query.AtRiskPositions(r.Context(), params["symbol"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := identity.ParseAddress(params["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.query.GetPosition(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) modifyPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := identity.ParseAddress(params["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body modifyPositionRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.toLedger(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.ledger.ModifyPosition(r.Context(), req)
	s.writeReceipt(w, r, http.StatusOK, rec, err)
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := identity.ParseAddress(params["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body closePositionRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	price, err := fixed("final_price", body.FinalPrice, fpmath.PriceConfig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.ledger.ClosePosition(r.Context(), ledger.CloseRequest{
		PositionID:   id,
		FinalPrice:   price,
		ExpectedSlot: body.ExpectedSlot,
	})
	s.writeReceipt(w, r, http.StatusOK, rec, err)
}

func (s *Server) accrueFunding(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := identity.ParseAddress(params["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body accrueFundingRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := fixedSigned("amount", body.Amount, fpmath.QuoteConfig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.ledger.AccrueFunding(r.Context(), id, amount, body.ExpectedSlot)
	s.writeReceipt(w, r, http.StatusOK, rec, err)
}

func (s *Server) updateMark(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := identity.ParseAddress(params["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body updateMarkRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	mark, err := fixed("mark_price", body.MarkPrice, fpmath.PriceConfig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.ledger.UpdateMark(r.Context(), id, mark)
	s.writeReceipt(w, r, http.StatusOK, rec, err)
}

// --- Monitor ---

func (s *Server) statistics(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.query.Statistics())
}

func (s *Server) prices(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.query.Prices())
}

func (s *Server) price(w http.ResponseWriter, r *http.Request, params map[string]string) {
	p, err := s.query.Price(r.Context(), params["symbol"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// injectPrice feeds a tick to the monitor, the same path as the NATS
// price feed.
func (s *Server) injectPrice(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, invalid(err))
		return
	}
	tick, err := ingestion.ParsePriceTick(data)
	if err != nil {
		s.writeError(w, r, invalid(err))
		return
	}
	if err := s.monitor.HandleTick(r.Context(), tick); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, query.NewPriceResponse(tick))
}

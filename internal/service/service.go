// Package service provides the HTTP handlers for order placement, market
// queries, rotations, and the administrative wind-down operations.
//
// All monetary values use shopspring/decimal — never float64 for money.
package service

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/secured-finance/lending-engine/internal/controller"
	"github.com/secured-finance/lending-engine/internal/genesisvalue"
	"github.com/secured-finance/lending-engine/internal/metrics"
	"github.com/secured-finance/lending-engine/internal/model"
	"github.com/secured-finance/lending-engine/internal/orderbook"
	"github.com/secured-finance/lending-engine/internal/store"
	"github.com/secured-finance/lending-engine/internal/term"
)

// Service exposes the market controller over HTTP and records executions
// into the persistent store.
type Service struct {
	ctrl  *controller.Controller
	store store.Store
	wsHub *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(ctrl *controller.Controller, st store.Store, hub *WSHub) *Service {
	return &Service{
		ctrl:  ctrl,
		store: st,
		wsHub: hub,
	}
}

// Routes registers every handler on the given router, expected to be
// mounted under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/orders", s.CreateOrder)
	r.Delete("/orders/{currency}/{maturity}/{orderID}", s.CancelOrder)
	r.Post("/pre-orders", s.CreatePreOrder)
	r.Post("/unwind", s.Unwind)

	r.Get("/markets/{currency}", s.GetMarkets)
	r.Get("/markets/symbol/{symbol}", s.GetMarketBySymbol)
	r.Post("/markets/{currency}/rotate", s.Rotate)
	r.Post("/markets/{currency}/itayose/{maturity}", s.Itayose)
	r.Get("/markets/{currency}/roll-log/{maturity}", s.GetRollLog)
	r.Get("/markets/{currency}/{maturity}/book", s.GetBook)
	r.Get("/markets/{currency}/{maturity}/fills", s.GetMarketFills)

	r.Get("/positions/{currency}/{user}", s.GetPositions)
	r.Get("/fills/{user}", s.GetUserFills)

	r.Post("/admin/pause/{currency}", s.Pause)
	r.Post("/admin/unpause/{currency}", s.Unpause)
	r.Post("/admin/order-fee/{currency}", s.UpdateOrderFee)
	r.Post("/admin/liquidators", s.RegisterLiquidator)
	r.Post("/admin/liquidate", s.Liquidate)
	r.Post("/admin/terminate", s.Terminate)
	r.Post("/admin/redeem", s.Redeem)
}

// --- Request/Response types ---

// OrderRequest is the JSON body for POST /orders and POST /pre-orders.
type OrderRequest struct {
	Currency  string          `json:"currency"`
	Maturity  int64           `json:"maturity"`
	User      string          `json:"user"`
	Side      string          `json:"side"`       // "LEND" or "BORROW"
	Amount    decimal.Decimal `json:"amount"`     // principal
	UnitPrice decimal.Decimal `json:"unit_price"` // 0 = market order
}

// OrderResponse is returned from POST /orders.
type OrderResponse struct {
	Order *model.Order `json:"order,omitempty"` // resting remainder, if any
	Fills []model.Fill `json:"fills"`
}

// UnwindRequest is the JSON body for POST /unwind.
type UnwindRequest struct {
	Currency string `json:"currency"`
	Maturity int64  `json:"maturity"`
	User     string `json:"user"`
}

// PositionsResponse aggregates a user's standing in one currency.
type PositionsResponse struct {
	Positions         []model.Position      `json:"positions"`
	TotalPresentValue decimal.Decimal       `json:"total_present_value"`
	GenesisValue      decimal.Decimal       `json:"genesis_value"`
	Funds             model.FundCalculation `json:"funds"`
}

// --- Order handlers ---

// CreateOrder handles POST /api/v1/orders.
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	req, side, ok := s.decodeOrder(w, r)
	if !ok {
		return
	}

	fills, rested, err := s.ctrl.CreateOrder(req.Currency, req.Maturity, req.User, side, req.Amount, req.UnitPrice)
	if err != nil {
		if errors.Is(err, controller.ErrNotEnoughCollateral) {
			metrics.CollateralRejections.Inc()
		}
		writeDomainError(w, err)
		return
	}

	metrics.OrdersTotal.WithLabelValues(req.Currency, side.String()).Inc()
	s.recordFills(r, fills)

	slog.Info("order placed",
		"currency", req.Currency,
		"maturity", req.Maturity,
		"user", req.User,
		"side", side.String(),
		"amount", req.Amount.String(),
		"unit_price", req.UnitPrice.String(),
		"fills", len(fills),
	)

	writeJSON(w, http.StatusCreated, OrderResponse{Order: rested, Fills: emptyIfNil(fills)})
}

// CreatePreOrder handles POST /api/v1/pre-orders.
func (s *Service) CreatePreOrder(w http.ResponseWriter, r *http.Request) {
	req, side, ok := s.decodeOrder(w, r)
	if !ok {
		return
	}

	order, err := s.ctrl.CreatePreOrder(req.Currency, req.Maturity, req.User, side, req.Amount, req.UnitPrice)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.OrdersTotal.WithLabelValues(req.Currency, side.String()).Inc()
	writeJSON(w, http.StatusCreated, OrderResponse{Order: order, Fills: []model.Fill{}})
}

// CancelOrder handles DELETE /api/v1/orders/{currency}/{maturity}/{orderID}.
// The caller is identified by the ?user= query parameter and must be the
// order's maker.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")
	maturity, err := strconv.ParseInt(chi.URLParam(r, "maturity"), 10, 64)
	if err != nil {
		writeError(w, "invalid maturity", http.StatusBadRequest)
		return
	}
	orderID, err := strconv.ParseUint(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		writeError(w, "invalid order id", http.StatusBadRequest)
		return
	}
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}

	order, err := s.ctrl.CancelOrder(currency, maturity, orderID, user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// Unwind handles POST /api/v1/unwind: closes the user's whole position at
// one maturity against the book.
func (s *Service) Unwind(w http.ResponseWriter, r *http.Request) {
	var req UnwindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}

	fills, unwound, err := s.ctrl.UnwindPosition(req.Currency, req.Maturity, req.User)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.recordFills(r, fills)

	slog.Info("position unwound",
		"currency", req.Currency,
		"maturity", req.Maturity,
		"user", req.User,
		"unwound_fv", unwound.String(),
	)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fills":      emptyIfNil(fills),
		"unwound_fv": unwound,
	})
}

// --- Market handlers ---

// GetMarkets handles GET /api/v1/markets/{currency}.
func (s *Service) GetMarkets(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")

	summaries, err := s.ctrl.MarketSummaries(currency)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetMarketBySymbol handles GET /api/v1/markets/symbol/{symbol}, resolving
// a {CCY}-{maturity} market symbol to its summary.
func (s *Service) GetMarketBySymbol(w http.ResponseWriter, r *http.Request) {
	market, err := term.ParseSymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	summaries, err := s.ctrl.MarketSummaries(market.Currency)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	for _, summary := range summaries {
		if summary.Maturity == market.Maturity {
			writeJSON(w, http.StatusOK, summary)
			return
		}
	}
	writeDomainError(w, controller.ErrUnknownMaturity)
}

// GetBook handles GET /api/v1/markets/{currency}/{maturity}/book?depth=N.
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")
	maturity, err := strconv.ParseInt(chi.URLParam(r, "maturity"), 10, 64)
	if err != nil {
		writeError(w, "invalid maturity", http.StatusBadRequest)
		return
	}

	depth := 10
	if d := r.URL.Query().Get("depth"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 {
			depth = n
		}
	}

	lend, borrow, err := s.ctrl.BookSnapshot(currency, maturity, depth)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lend":   emptyIfNilLevels(lend),
		"borrow": emptyIfNilLevels(borrow),
	})
}

// Rotate handles POST /api/v1/markets/{currency}/rotate.
func (s *Service) Rotate(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")

	result, err := s.ctrl.RotateMarkets(currency)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.store.InsertAutoRollLog(r.Context(), &result.Log); err != nil {
		slog.Error("failed to persist auto-roll log", "err", err, "currency", currency)
	}
	metrics.RotationsTotal.WithLabelValues(currency).Inc()

	slog.Info("markets rotated",
		"currency", currency,
		"matured", result.Log.PrevMaturity,
		"rolled_to", result.Log.Maturity,
		"roll_price", result.RollPrice.String(),
		"new_maturity", result.NewMaturity,
		"cancelled_orders", len(result.Cancelled),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "rotation",
			Currency:  currency,
			Maturity:  result.Log.Maturity,
			UnitPrice: result.RollPrice.String(),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// Itayose handles POST /api/v1/markets/{currency}/itayose/{maturity}.
func (s *Service) Itayose(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")
	maturity, err := strconv.ParseInt(chi.URLParam(r, "maturity"), 10, 64)
	if err != nil {
		writeError(w, "invalid maturity", http.StatusBadRequest)
		return
	}

	fills, clearing, err := s.ctrl.ExecuteItayose(currency, maturity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.recordFills(r, fills)
	metrics.ItayoseTotal.WithLabelValues(currency).Inc()

	slog.Info("itayose executed",
		"currency", currency,
		"maturity", maturity,
		"clearing_price", clearing.String(),
		"fills", len(fills),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "itayose",
			Currency:  currency,
			Maturity:  maturity,
			UnitPrice: clearing.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fills":          emptyIfNil(fills),
		"clearing_price": clearing,
	})
}

// GetRollLog handles GET /api/v1/markets/{currency}/roll-log/{maturity}.
func (s *Service) GetRollLog(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")
	maturity, err := strconv.ParseInt(chi.URLParam(r, "maturity"), 10, 64)
	if err != nil {
		writeError(w, "invalid maturity", http.StatusBadRequest)
		return
	}

	log, err := s.ctrl.AutoRollLog(currency, maturity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// GetMarketFills handles GET /api/v1/markets/{currency}/{maturity}/fills.
func (s *Service) GetMarketFills(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")
	maturity, err := strconv.ParseInt(chi.URLParam(r, "maturity"), 10, 64)
	if err != nil {
		writeError(w, "invalid maturity", http.StatusBadRequest)
		return
	}

	fills, err := s.store.GetFillsByMarket(r.Context(), currency, maturity)
	if err != nil {
		writeError(w, "failed to load fills", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(fills))
}

// GetUserFills handles GET /api/v1/fills/{user}.
func (s *Service) GetUserFills(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	fills, err := s.store.GetFillsByUser(r.Context(), user)
	if err != nil {
		writeError(w, "failed to load fills", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(fills))
}

// GetPositions handles GET /api/v1/positions/{currency}/{user}.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")
	user := chi.URLParam(r, "user")

	positions, err := s.ctrl.Positions(currency, user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	total, err := s.ctrl.TotalPresentValue(currency, user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	gv, err := s.ctrl.GenesisValue(currency, user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	funds, err := s.ctrl.CalculateFunds(currency, user)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, PositionsResponse{
		Positions:         positions,
		TotalPresentValue: total,
		GenesisValue:      gv,
		Funds:             funds,
	})
}

// --- Admin handlers ---

// Pause handles POST /api/v1/admin/pause/{currency}.
func (s *Service) Pause(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")
	if err := s.ctrl.Pause(currency); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("currency paused", "currency", currency)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// Unpause handles POST /api/v1/admin/unpause/{currency}.
func (s *Service) Unpause(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")
	if err := s.ctrl.Unpause(currency); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("currency unpaused", "currency", currency)
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// UpdateOrderFee handles POST /api/v1/admin/order-fee/{currency}.
func (s *Service) UpdateOrderFee(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")

	var req struct {
		Rate decimal.Decimal `json:"rate"` // basis points
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Rate.IsNegative() {
		writeError(w, "rate must not be negative", http.StatusBadRequest)
		return
	}

	if err := s.ctrl.UpdateOrderFeeRate(currency, req.Rate); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("order fee updated", "currency", currency, "rate", req.Rate.String())
	writeJSON(w, http.StatusOK, map[string]string{"rate": req.Rate.String()})
}

// RegisterLiquidator handles POST /api/v1/admin/liquidators.
func (s *Service) RegisterLiquidator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, "address is required", http.StatusBadRequest)
		return
	}
	s.ctrl.RegisterLiquidator(req.Address)
	writeJSON(w, http.StatusCreated, map[string]string{"address": req.Address})
}

// LiquidateRequest is the JSON body for POST /admin/liquidate.
type LiquidateRequest struct {
	Caller   string `json:"caller"`
	Currency string `json:"currency"`
	Maturity int64  `json:"maturity"`
	User     string `json:"user"`
}

// Liquidate handles POST /api/v1/admin/liquidate.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	fills, liquidated, err := s.ctrl.ExecuteLiquidationCall(req.Caller, req.Currency, req.Maturity, req.User)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.recordFills(r, fills)
	metrics.LiquidationsTotal.WithLabelValues(req.Currency).Inc()

	slog.Info("liquidation executed",
		"caller", req.Caller,
		"currency", req.Currency,
		"maturity", req.Maturity,
		"user", req.User,
		"liquidated_fv", liquidated.String(),
	)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fills":         emptyIfNil(fills),
		"liquidated_fv": liquidated,
	})
}

// Terminate handles POST /api/v1/admin/terminate.
func (s *Service) Terminate(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ExecuteEmergencyTermination(); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Warn("emergency termination executed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// Redeem handles POST /api/v1/admin/redeem.
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}

	settled, err := s.ctrl.ExecuteRedemption(req.User)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("redemption executed", "user", req.User, "currencies", len(settled))
	writeJSON(w, http.StatusOK, settled)
}

// --- Helpers ---

// decodeOrder parses and validates the shared order request body.
func (s *Service) decodeOrder(w http.ResponseWriter, r *http.Request) (OrderRequest, model.Side, bool) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, 0, false
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return req, 0, false
	}
	side, ok := model.ParseSide(req.Side)
	if !ok {
		writeError(w, "side must be LEND or BORROW", http.StatusBadRequest)
		return req, 0, false
	}
	return req, side, true
}

// recordFills persists executions and publishes them, best effort.
func (s *Service) recordFills(r *http.Request, fills []model.Fill) {
	for i := range fills {
		f := &fills[i]
		if err := s.store.InsertFill(r.Context(), f); err != nil {
			slog.Error("failed to persist fill", "err", err, "fill_id", f.ID)
		}
		metrics.FillsTotal.WithLabelValues(f.Currency, f.TakerSide.String()).Inc()
		metrics.FillVolume.WithLabelValues(f.Currency).Add(toFloat(f.Amount))

		if s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{
				Type:      "fill",
				Currency:  f.Currency,
				Maturity:  f.Maturity,
				Side:      f.TakerSide.String(),
				Amount:    f.Amount.String(),
				UnitPrice: f.UnitPrice.String(),
			})
		}
	}
}

// toFloat converts a decimal for metrics only; ledger math never uses floats.
func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func emptyIfNil(fills []model.Fill) []model.Fill {
	if fills == nil {
		return []model.Fill{}
	}
	return fills
}

func emptyIfNilLevels(levels []model.BookLevel) []model.BookLevel {
	if levels == nil {
		return []model.BookLevel{}
	}
	return levels
}

// writeDomainError maps sentinel errors from the engine onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orderbook.ErrInvalidAmount),
		errors.Is(err, orderbook.ErrInvalidUnitPrice):
		return http.StatusBadRequest
	case errors.Is(err, orderbook.ErrNotOrderMaker),
		errors.Is(err, controller.ErrNotLiquidator):
		return http.StatusForbidden
	case errors.Is(err, controller.ErrUnknownCurrency),
		errors.Is(err, controller.ErrUnknownMaturity),
		errors.Is(err, orderbook.ErrOrderNotFound),
		errors.Is(err, genesisvalue.ErrAutoRollLogNotFound):
		return http.StatusNotFound
	case errors.Is(err, orderbook.ErrMarketNotOpened),
		errors.Is(err, orderbook.ErrNotEnoughLiquidity),
		errors.Is(err, orderbook.ErrOppositeSideOrderExists),
		errors.Is(err, orderbook.ErrNotPreOrderPeriod),
		errors.Is(err, orderbook.ErrNotItayosePeriod),
		errors.Is(err, controller.ErrNotEnoughCollateral),
		errors.Is(err, controller.ErrMarketNotMatured),
		errors.Is(err, controller.ErrMarketPaused),
		errors.Is(err, controller.ErrMarketTerminated),
		errors.Is(err, controller.ErrNotTerminated),
		errors.Is(err, controller.ErrNoFutureValue),
		errors.Is(err, controller.ErrNoLiquidationAmount):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

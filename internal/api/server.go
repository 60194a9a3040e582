// Package api exposes the clearing house over HTTP/JSON. Mutating endpoints
// are serialized through one mutex: the engine is single-writer by contract
// and the API is its only caller.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"PerpClear/internal/account"
	"PerpClear/internal/amm"
	"PerpClear/internal/clearinghouse"
	"PerpClear/internal/collateral"
	"PerpClear/internal/exchange"
	"PerpClear/internal/market"
	"PerpClear/internal/observability"
	"PerpClear/internal/orderbook"
	"PerpClear/internal/vault"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Server struct {
	mu sync.Mutex

	ch        *clearinghouse.ClearingHouse
	registry  *market.Registry
	cm        *collateral.Manager
	book      *orderbook.Book
	balances  *account.Balances
	vault     *vault.Vault
	exch      *exchange.Exchange
	approvals *amm.MemoryApprovals

	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewServer(
	ch *clearinghouse.ClearingHouse,
	registry *market.Registry,
	cm *collateral.Manager,
	book *orderbook.Book,
	balances *account.Balances,
	v *vault.Vault,
	exch *exchange.Exchange,
	approvals *amm.MemoryApprovals,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		ch:        ch,
		registry:  registry,
		cm:        cm,
		book:      book,
		balances:  balances,
		vault:     v,
		exch:      exch,
		approvals: approvals,
		health:    health,
		metrics:   metrics,
		log:       observability.NewLogger("api"),
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.health.ReadinessHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.instrument)

	v1.HandleFunc("/deposit", s.handleDeposit).Methods(http.MethodPost)
	v1.HandleFunc("/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	v1.HandleFunc("/liquidity/add", s.handleAddLiquidity).Methods(http.MethodPost)
	v1.HandleFunc("/liquidity/remove", s.handleRemoveLiquidity).Methods(http.MethodPost)
	v1.HandleFunc("/positions/open", s.handleOpenPosition).Methods(http.MethodPost)
	v1.HandleFunc("/positions/close", s.handleClosePosition).Methods(http.MethodPost)
	v1.HandleFunc("/liquidations", s.handleLiquidate).Methods(http.MethodPost)
	v1.HandleFunc("/liquidations/collateral", s.handleLiquidateCollateral).Methods(http.MethodPost)
	v1.HandleFunc("/orders/cancel", s.handleCancelOrders).Methods(http.MethodPost)
	v1.HandleFunc("/funding/settle", s.handleSettleFunding).Methods(http.MethodPost)
	v1.HandleFunc("/approvals", s.handleApprove).Methods(http.MethodPost)
	v1.HandleFunc("/prices", s.handleSetPrice).Methods(http.MethodPost)

	v1.HandleFunc("/markets", s.handleMarkets).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{id}/funding", s.handleMarketFunding).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{id}/traders", s.handleMarketTraders).Methods(http.MethodGet)
	v1.HandleFunc("/accounts", s.handleAccounts).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{trader}/balances", s.handleBalances).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{trader}/positions", s.handlePositions).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{trader}/orders", s.handleOrders).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{trader}/margin", s.handleMargin).Methods(http.MethodGet)
	v1.HandleFunc("/insurance-fund", s.handleInsuranceFund).Methods(http.MethodGet)

	v1.HandleFunc("/admin/markets/{id}", s.handleAdminMarket).Methods(http.MethodPost)
	v1.HandleFunc("/admin/collateral", s.handleAdminCollateral).Methods(http.MethodPost)

	return r
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			route := r.URL.Path
			if tpl, err := mux.CurrentRoute(r).GetPathTemplate(); err == nil {
				route = tpl
			}
			s.metrics.QueryRequests.WithLabelValues(route, http.StatusText(rec.status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// --- collateral ---

type balanceChangeRequest struct {
	Trader uuid.UUID `json:"trader"`
	Token  string    `json:"token"`
	Amount string    `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req balanceChangeRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseWad(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mu.Lock()
	err = s.ch.Deposit(req.Trader, req.Token, amount)
	var after string
	if err == nil {
		after = wad(s.vault.Balance(req.Trader, req.Token))
	}
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": after})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req balanceChangeRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseWad(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mu.Lock()
	err = s.ch.Withdraw(req.Trader, req.Token, amount)
	var after string
	if err == nil {
		after = wad(s.vault.Balance(req.Trader, req.Token))
	}
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": after})
}

// --- liquidity ---

type addLiquidityRequest struct {
	Trader    uuid.UUID `json:"trader"`
	MarketID  string    `json:"market_id"`
	TickLower int       `json:"tick_lower"`
	TickUpper int       `json:"tick_upper"`
	Base      string    `json:"base"`
	Quote     string    `json:"quote"`
	MinBase   string    `json:"min_base,omitempty"`
	MinQuote  string    `json:"min_quote,omitempty"`
	Deadline  int64     `json:"deadline,omitempty"`
}

func (s *Server) handleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req addLiquidityRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	p := clearinghouse.AddLiquidityParams{
		Trader:    req.Trader,
		MarketID:  req.MarketID,
		TickLower: req.TickLower,
		TickUpper: req.TickUpper,
		Deadline:  req.Deadline,
	}
	var err error
	if p.Base, err = parseWad(req.Base); err != nil {
		writeBadRequest(w, err)
		return
	}
	if p.Quote, err = parseWad(req.Quote); err != nil {
		writeBadRequest(w, err)
		return
	}
	if p.MinBase, err = parseWad(req.MinBase); err != nil {
		writeBadRequest(w, err)
		return
	}
	if p.MinQuote, err = parseWad(req.MinQuote); err != nil {
		writeBadRequest(w, err)
		return
	}

	s.mu.Lock()
	res, err := s.ch.AddLiquidity(p)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"base":      wad(res.Base),
		"quote":     wad(res.Quote),
		"liquidity": raw(res.Liquidity),
		"fee":       wad(res.Fee),
	})
}

type removeLiquidityRequest struct {
	Trader    uuid.UUID `json:"trader"`
	MarketID  string    `json:"market_id"`
	TickLower int       `json:"tick_lower"`
	TickUpper int       `json:"tick_upper"`
	Liquidity string    `json:"liquidity"` // zero collects fees only
	MinBase   string    `json:"min_base,omitempty"`
	MinQuote  string    `json:"min_quote,omitempty"`
	Deadline  int64     `json:"deadline,omitempty"`
}

func (s *Server) handleRemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req removeLiquidityRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	p := clearinghouse.RemoveLiquidityParams{
		Trader:    req.Trader,
		MarketID:  req.MarketID,
		TickLower: req.TickLower,
		TickUpper: req.TickUpper,
		Deadline:  req.Deadline,
	}
	var err error
	if p.Liquidity, err = parseRaw(req.Liquidity); err != nil {
		writeBadRequest(w, err)
		return
	}
	if p.MinBase, err = parseWad(req.MinBase); err != nil {
		writeBadRequest(w, err)
		return
	}
	if p.MinQuote, err = parseWad(req.MinQuote); err != nil {
		writeBadRequest(w, err)
		return
	}

	s.mu.Lock()
	res, err := s.ch.RemoveLiquidity(p)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"base":  wad(res.Base),
		"quote": wad(res.Quote),
		"fee":   wad(res.Fee),
	})
}

// --- positions ---

type openPositionRequest struct {
	Trader              uuid.UUID  `json:"trader"`
	Delegate            *uuid.UUID `json:"delegate,omitempty"`
	MarketID            string     `json:"market_id"`
	IsBaseToQuote       bool       `json:"is_base_to_quote"`
	IsExactInput        bool       `json:"is_exact_input"`
	Amount              string     `json:"amount"`
	OppositeAmountBound string     `json:"opposite_amount_bound,omitempty"`
	Deadline            int64      `json:"deadline,omitempty"`
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	p := clearinghouse.OpenPositionParams{
		Trader:        req.Trader,
		MarketID:      req.MarketID,
		IsBaseToQuote: req.IsBaseToQuote,
		IsExactInput:  req.IsExactInput,
		Deadline:      req.Deadline,
	}
	var err error
	if p.Amount, err = parseWad(req.Amount); err != nil {
		writeBadRequest(w, err)
		return
	}
	if p.OppositeAmountBound, err = parseWadOpt(req.OppositeAmountBound); err != nil {
		writeBadRequest(w, err)
		return
	}

	s.mu.Lock()
	var res clearinghouse.PositionResult
	if req.Delegate != nil {
		res, err = s.ch.OpenPositionFor(*req.Delegate, p)
	} else {
		res, err = s.ch.OpenPosition(p)
	}
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResultBody(res))
}

type closePositionRequest struct {
	Trader              uuid.UUID `json:"trader"`
	MarketID            string    `json:"market_id"`
	OppositeAmountBound string    `json:"opposite_amount_bound,omitempty"`
	Deadline            int64     `json:"deadline,omitempty"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closePositionRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	p := clearinghouse.ClosePositionParams{
		Trader:   req.Trader,
		MarketID: req.MarketID,
		Deadline: req.Deadline,
	}
	var err error
	if p.OppositeAmountBound, err = parseWadOpt(req.OppositeAmountBound); err != nil {
		writeBadRequest(w, err)
		return
	}

	s.mu.Lock()
	res, err := s.ch.ClosePosition(p)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResultBody(res))
}

func positionResultBody(res clearinghouse.PositionResult) map[string]string {
	return map[string]string{
		"base":               wad(res.Base),
		"quote":              wad(res.Quote),
		"realized_pnl":       wad(res.RealizedPnl),
		"fee":                wad(res.Fee),
		"insurance_fund_fee": wad(res.InsuranceFundFee),
	}
}

// --- liquidation & order maintenance ---

type liquidateRequest struct {
	Liquidator uuid.UUID `json:"liquidator"`
	Trader     uuid.UUID `json:"trader"`
	MarketID   string    `json:"market_id"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mu.Lock()
	res, err := s.ch.Liquidate(req.Liquidator, req.Trader, req.MarketID)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"size_liquidated":    wad(res.SizeLiquidated),
		"notional_value":     wad(res.NotionalValue),
		"penalty":            wad(res.Penalty),
		"liquidator_reward":  wad(res.LiquidatorReward),
		"insurance_fund_fee": wad(res.InsuranceFundFee),
	})
}

type liquidateCollateralRequest struct {
	Liquidator uuid.UUID `json:"liquidator"`
	Trader     uuid.UUID `json:"trader"`
	Token      string    `json:"token"`
	Amount     string    `json:"amount"`
}

func (s *Server) handleLiquidateCollateral(w http.ResponseWriter, r *http.Request) {
	var req liquidateCollateralRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseWad(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mu.Lock()
	res, err := s.ch.LiquidateCollateral(req.Liquidator, req.Trader, req.Token, amount)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"amount":             wad(res.Amount),
		"repaid":             wad(res.Repaid),
		"insurance_fund_fee": wad(res.InsuranceFundFee),
	})
}

type cancelOrdersRequest struct {
	Caller   uuid.UUID `json:"caller"`
	Trader   uuid.UUID `json:"trader"`
	MarketID string    `json:"market_id"`
}

func (s *Server) handleCancelOrders(w http.ResponseWriter, r *http.Request) {
	var req cancelOrdersRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mu.Lock()
	err := s.ch.CancelAllExcessOrders(req.Caller, req.Trader, req.MarketID)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type settleFundingRequest struct {
	Trader   uuid.UUID `json:"trader"`
	MarketID string    `json:"market_id"`
}

func (s *Server) handleSettleFunding(w http.ResponseWriter, r *http.Request) {
	var req settleFundingRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mu.Lock()
	payment, err := s.ch.SettleFunding(req.Trader, req.MarketID)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"payment": wad(payment)})
}

type approveRequest struct {
	Trader   uuid.UUID `json:"trader"`
	Delegate uuid.UUID `json:"delegate"`
	Approve  bool      `json:"approve"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mu.Lock()
	if req.Approve {
		s.approvals.Approve(req.Trader, req.Delegate, amm.ApprovalOpenPosition)
	} else {
		s.approvals.Revoke(req.Trader, req.Delegate, amm.ApprovalOpenPosition)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// setPriceRequest pushes an index price into a market's or collateral
// token's feed. Only operator-settable feeds accept it.
type setPriceRequest struct {
	MarketID string `json:"market_id,omitempty"`
	Token    string `json:"token,omitempty"`
	Price    string `json:"price"`
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req setPriceRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	price, err := parseWad(req.Price)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if price.Sign() <= 0 {
		writeBadRequest(w, errors.New("price must be positive"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var feed amm.PriceFeed
	switch {
	case req.MarketID != "":
		feed, err = s.registry.Feed(req.MarketID)
	case req.Token != "":
		var cfg collateral.TokenConfig
		cfg, err = s.cm.Token(req.Token)
		feed = cfg.Feed
	default:
		writeBadRequest(w, errors.New("market_id or token required"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	settable, ok := feed.(*amm.SettableFeed)
	if !ok {
		writeBadRequest(w, errors.New("feed is not operator-settable"))
		return
	}
	settable.SetPrice(price)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- queries ---

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type marketBody struct {
		ID                        string `json:"id"`
		Status                    string `json:"status"`
		TickSpacing               int    `json:"tick_spacing"`
		FeeRatioPpm               int64  `json:"fee_ratio_ppm"`
		InsuranceFundFeeRatioPpm  int64  `json:"insurance_fund_fee_ratio_ppm"`
		MaxTickCrossedWithinBlock int    `json:"max_tick_crossed_within_block"`
		MarkPrice                 string `json:"mark_price"`
		IndexPrice                string `json:"index_price"`
	}
	var out []marketBody
	for _, id := range s.registry.IDs() {
		cfg, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		b := marketBody{
			ID:                        id,
			TickSpacing:               cfg.TickSpacing,
			FeeRatioPpm:               cfg.FeeRatioPpm,
			InsuranceFundFeeRatioPpm:  cfg.InsuranceFundFeeRatioPpm,
			MaxTickCrossedWithinBlock: cfg.MaxTickCrossedWithinBlock,
		}
		if cfg.Status() == market.StatusActive {
			b.Status = "active"
		} else {
			b.Status = "paused"
		}
		if mark, err := s.exch.MarkPrice(id); err == nil {
			b.MarkPrice = wad(mark)
		}
		if index, err := s.exch.IndexPrice(id); err == nil {
			b.IndexPrice = wad(index)
		}
		out = append(out, b)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarketFunding(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	growth, err := s.exch.FundingGrowth(id)
	var markTwap, index string
	if err == nil {
		if m, e := s.exch.MarkTwap(id); e == nil {
			markTwap = wad(m)
		}
		if i, e := s.exch.IndexPrice(id); e == nil {
			index = wad(i)
		}
	}
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"growth":      wad(growth),
		"mark_twap":   markTwap,
		"index_price": index,
	})
}

func traderVar(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["trader"])
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	trader, err := traderVar(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type tokenBalance struct {
		Token   string `json:"token"`
		Balance string `json:"balance"`
	}
	var tokens []tokenBalance
	for _, token := range s.vault.Tokens(trader) {
		tokens = append(tokens, tokenBalance{Token: token, Balance: wad(s.vault.Balance(trader, token))})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tokens":            tokens,
		"owed_realized_pnl": wad(s.balances.OwedRealizedPnl(trader)),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	trader, err := traderVar(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type positionBody struct {
		MarketID     string `json:"market_id"`
		TakerSize    string `json:"taker_size"`
		OpenNotional string `json:"open_notional"`
		TotalSize    string `json:"total_size"`
		TotalValue   string `json:"total_value"`
	}
	var out []positionBody
	for _, id := range s.balances.Markets(trader) {
		b := positionBody{
			MarketID:     id,
			TakerSize:    wad(s.balances.TakerPositionSize(trader, id)),
			OpenNotional: wad(s.balances.TakerOpenNotional(trader, id)),
		}
		if size, err := s.balances.TotalPositionSize(trader, id); err == nil {
			b.TotalSize = wad(size)
		}
		if value, err := s.balances.TotalPositionValue(trader, id); err == nil {
			b.TotalValue = wad(value)
		}
		out = append(out, b)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	trader, err := traderVar(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	marketID := r.URL.Query().Get("market")

	s.mu.Lock()
	defer s.mu.Unlock()

	markets := s.balances.Markets(trader)
	if marketID != "" {
		markets = []string{marketID}
	}

	type orderBody struct {
		MarketID  string `json:"market_id"`
		TickLower int    `json:"tick_lower"`
		TickUpper int    `json:"tick_upper"`
		Liquidity string `json:"liquidity"`
		BaseDebt  string `json:"base_debt"`
		QuoteDebt string `json:"quote_debt"`
	}
	var out []orderBody
	for _, id := range markets {
		for _, oid := range s.book.GetOpenOrderIDs(trader, id) {
			order, ok := s.book.GetOpenOrder(trader, id, oid.TickLower, oid.TickUpper)
			if !ok {
				continue
			}
			out = append(out, orderBody{
				MarketID:  id,
				TickLower: oid.TickLower,
				TickUpper: oid.TickUpper,
				Liquidity: raw(order.Liquidity),
				BaseDebt:  wad(order.BaseDebt),
				QuoteDebt: wad(order.QuoteDebt),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMargin(w http.ResponseWriter, r *http.Request) {
	trader, err := traderVar(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ratio, err := s.ch.MarginRatio(trader)
	if err != nil {
		writeError(w, err)
		return
	}
	free, err := s.ch.FreeCollateral(trader)
	if err != nil {
		writeError(w, err)
		return
	}
	accountValue, err := s.ch.AccountValue(trader)
	if err != nil {
		writeError(w, err)
		return
	}
	liquidatable, err := s.ch.IsLiquidatable(trader)
	if err != nil {
		writeError(w, err)
		return
	}
	pendingFunding, err := s.balances.PendingFundingPayment(trader)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"margin_ratio_ppm": ratio,
		"free_collateral":  wad(free),
		"account_value":    wad(accountValue),
		"pending_funding":  wad(pendingFunding),
		"liquidatable":     liquidatable,
	})
}

func (s *Server) handleMarketTraders(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.registry.Get(id); err != nil {
		writeError(w, err)
		return
	}
	traders := s.balances.TradersInMarket(id)
	out := make([]string, 0, len(traders))
	for _, trader := range traders {
		out = append(out, trader.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"traders": out})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	traders := s.vault.Traders()
	s.mu.Unlock()

	out := make([]string, 0, len(traders))
	for _, trader := range traders {
		out = append(out, trader.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) handleInsuranceFund(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	balance := s.ch.InsuranceFundBalance()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"balance": wad(balance)})
}

// --- admin ---

type adminParamRequest struct {
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
	Value string `json:"value"`
}

func (s *Server) handleAdminMarket(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["id"]
	var req adminParamRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mu.Lock()
	err := s.applyMarketParam(marketID, req)
	s.mu.Unlock()
	if err != nil {
		var unknown errUnknownParam
		if errors.As(err, &unknown) {
			writeBadRequest(w, err)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) applyMarketParam(marketID string, req adminParamRequest) error {
	switch req.Name {
	case "fee_ratio_ppm":
		ppm, err := parseRaw(req.Value)
		if err != nil {
			return err
		}
		return s.ch.SetFeeRatio(marketID, ppm.Int64())
	case "insurance_fund_fee_ratio_ppm":
		ppm, err := parseRaw(req.Value)
		if err != nil {
			return err
		}
		return s.ch.SetInsuranceFundFeeRatio(marketID, ppm.Int64())
	case "max_tick_crossed_within_block":
		n, err := parseRaw(req.Value)
		if err != nil {
			return err
		}
		return s.ch.SetMaxTickCrossedWithinBlock(marketID, int(n.Int64()))
	case "paused":
		return s.ch.SetMarketPaused(marketID, req.Value == "true")
	default:
		return errUnknownParam(req.Name)
	}
}

func (s *Server) handleAdminCollateral(w http.ResponseWriter, r *http.Request) {
	var req adminParamRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mu.Lock()
	err := s.applyCollateralParam(req)
	s.mu.Unlock()
	if err != nil {
		var unknown errUnknownParam
		if errors.As(err, &unknown) {
			writeBadRequest(w, err)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) applyCollateralParam(req adminParamRequest) error {
	switch req.Name {
	case "collateral_ratio_ppm":
		ppm, err := parseRaw(req.Value)
		if err != nil {
			return err
		}
		return s.ch.SetCollateralRatio(req.Token, ppm.Int64())
	case "discount_ratio_ppm":
		ppm, err := parseRaw(req.Value)
		if err != nil {
			return err
		}
		return s.ch.SetDiscountRatio(req.Token, ppm.Int64())
	case "deposit_cap":
		cap, err := parseWad(req.Value)
		if err != nil {
			return err
		}
		return s.ch.SetDepositCap(req.Token, cap)
	case "debt_threshold":
		v, err := parseWad(req.Value)
		if err != nil {
			return err
		}
		s.ch.SetDebtThreshold(v)
	case "collateral_value_dust":
		v, err := parseWad(req.Value)
		if err != nil {
			return err
		}
		s.ch.SetCollateralValueDust(v)
	case "liquidation_ratio_ppm":
		ppm, err := parseRaw(req.Value)
		if err != nil {
			return err
		}
		s.ch.SetLiquidationRatio(ppm.Int64())
	case "mm_ratio_buffer_ppm":
		ppm, err := parseRaw(req.Value)
		if err != nil {
			return err
		}
		s.ch.SetMMRatioBuffer(ppm.Int64())
	case "max_collateral_tokens_per_account":
		n, err := parseRaw(req.Value)
		if err != nil {
			return err
		}
		s.ch.SetMaxCollateralTokensPerAccount(int(n.Int64()))
	case "debt_non_settlement_token_value_ratio_ppm":
		ppm, err := parseRaw(req.Value)
		if err != nil {
			return err
		}
		s.ch.SetDebtNonSettlementTokenValueRatio(ppm.Int64())
	case "insurance_fund_fee_ratio_on_liquidation_ppm":
		ppm, err := parseRaw(req.Value)
		if err != nil {
			return err
		}
		s.ch.SetInsuranceFundFeeRatioOnLiquidation(ppm.Int64())
	default:
		return errUnknownParam(req.Name)
	}
	return nil
}

type errUnknownParam string

func (e errUnknownParam) Error() string { return "unknown parameter: " + string(e) }

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Aidin1998/pincex_matching/internal/compliance"
	"github.com/Aidin1998/pincex_matching/internal/config"
	"github.com/Aidin1998/pincex_matching/internal/trading/circuitbreaker"
	"github.com/Aidin1998/pincex_matching/internal/trading/engine"
	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/Aidin1998/pincex_matching/internal/trading/registry"
	"github.com/Aidin1998/pincex_matching/pkg/errors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
)

type APITestSuite struct {
	suite.Suite
	router  *gin.Engine
	books   *registry.OrderBookManager
	breaker *circuitbreaker.System
	gate    *compliance.PreTradeGate
}

func TestAPI(t *testing.T) {
	suite.Run(t, new(APITestSuite))
}

func (s *APITestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(s.T())

	breaker, err := circuitbreaker.NewSystem(circuitbreaker.DefaultConfig(), circuitbreaker.DefaultRules(), logger)
	s.Require().NoError(err)
	gateCfg := compliance.DefaultConfig()
	gateCfg.MaxOrderQuantity = decimal.NewFromInt(1000)
	gate := compliance.NewPreTradeGate(gateCfg, nil, logger)

	books := registry.NewOrderBookManager(registry.DefaultConfig(), engine.Dependencies{Gate: breaker, Compliance: gate}, nil, logger)
	_, err = books.CreateBook(model.SymbolSpec{
		Symbol:      "BTCUSD",
		TickSize:    decimal.RequireFromString("0.01"),
		LotSize:     decimal.RequireFromString("0.001"),
		MinQuantity: decimal.RequireFromString("0.001"),
	})
	s.Require().NoError(err)

	srv := NewServer(config.ServerConfig{AdminToken: "secret"}, logger, books, breaker, gate, nil)
	s.router = srv.Router()
	s.books = books
	s.breaker = breaker
	s.gate = gate
}

func (s *APITestSuite) do(method, path string, body any, admin bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-Admin-Token", "secret")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *APITestSuite) problem(w *httptest.ResponseRecorder) map[string]any {
	s.Equal("application/problem+json", w.Header().Get("Content-Type"))
	var p map[string]any
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &p))
	return p
}

func order(participant, side, price, qty string) gin.H {
	return gin.H{"symbol": "BTCUSD", "participant_id": participant, "side": side, "type": "limit", "price": price, "quantity": qty}
}

func (s *APITestSuite) TestHealth() {
	w := s.do(http.MethodGet, "/health", nil, false)
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), `"status":"ok"`)
}

func (s *APITestSuite) TestMetricsEndpoint() {
	w := s.do(http.MethodGet, "/metrics", nil, false)
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), "go_goroutines")
}

func (s *APITestSuite) TestPlaceAndMatch() {
	w := s.do(http.MethodPost, "/api/v1/orders", order("maker", "sell", "100.00", "2"), false)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var rested engine.MatchResult
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &rested))
	s.True(rested.Resting)

	w = s.do(http.MethodPost, "/api/v1/orders", order("taker", "buy", "101.00", "0.5"), false)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var res engine.MatchResult
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &res))
	s.Require().Len(res.Trades, 1)
	s.True(res.Trades[0].Price.Equal(decimal.NewFromInt(100)), "executes at the maker price")

	w = s.do(http.MethodGet, "/api/v1/orders/"+rested.Order.ID.String(), nil, false)
	s.Require().Equal(http.StatusOK, w.Code)
	var o model.Order
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &o))
	s.True(o.Remaining.Equal(decimal.RequireFromString("1.5")))

	w = s.do(http.MethodGet, "/api/v1/trades/BTCUSD?since=0", nil, false)
	s.Require().Equal(http.StatusOK, w.Code)
	var tape struct {
		Trades []model.Trade `json:"trades"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &tape))
	s.Len(tape.Trades, 1)

	w = s.do(http.MethodGet, "/api/v1/orderbook/BTCUSD?depth=5", nil, false)
	s.Require().Equal(http.StatusOK, w.Code)
	var snap engine.DepthSnapshot
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &snap))
	s.Require().Len(snap.Asks, 1)
	s.Empty(snap.Bids)

	w = s.do(http.MethodGet, "/api/v1/orderbook?symbols=BTCUSD", nil, false)
	s.Equal(http.StatusOK, w.Code)
}

func (s *APITestSuite) TestCancelAndModify() {
	w := s.do(http.MethodPost, "/api/v1/orders", order("p1", "buy", "99.00", "3"), false)
	s.Require().Equal(http.StatusCreated, w.Code)
	var res engine.MatchResult
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &res))
	id := res.Order.ID.String()

	w = s.do(http.MethodPatch, "/api/v1/orders/"+id, gin.H{"quantity": "2"}, false)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var modified engine.MatchResult
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &modified))
	s.True(modified.Order.Remaining.Equal(decimal.NewFromInt(2)))

	w = s.do(http.MethodDelete, "/api/v1/orders/"+id, nil, false)
	s.Require().Equal(http.StatusOK, w.Code)
	var cancelled model.Order
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &cancelled))
	s.Equal(model.OrderStatusCancelled, cancelled.Status)

	w = s.do(http.MethodDelete, "/api/v1/orders/"+id, nil, false)
	s.Equal(http.StatusNotFound, w.Code)
	s.Equal(errors.TypeOrderNotFound, s.problem(w)["type"])

	w = s.do(http.MethodGet, "/api/v1/orders/not-a-uuid", nil, false)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *APITestSuite) TestRejections() {
	cases := []struct {
		name   string
		body   gin.H
		status int
		kind   string
	}{
		{"unknown side", order("p1", "hold", "100", "1"), http.StatusBadRequest, errors.KindInvalidOrder},
		{"off tick", order("p1", "buy", "100.001", "1"), http.StatusBadRequest, errors.KindInvalidOrder},
		{"over limit", order("p1", "buy", "100", "5000"), http.StatusUnprocessableEntity, errors.KindComplianceRejected},
		{"unknown symbol", gin.H{"symbol": "DOGEUSD", "participant_id": "p1", "side": "buy", "type": "limit", "price": "1", "quantity": "1"}, http.StatusNotFound, errors.KindSymbolNotFound},
		{"no liquidity", gin.H{"symbol": "BTCUSD", "participant_id": "p1", "side": "buy", "type": "market", "quantity": "1"}, http.StatusUnprocessableEntity, errors.KindInsufficientLiquidity},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			w := s.do(http.MethodPost, "/api/v1/orders", tc.body, false)
			s.Equal(tc.status, w.Code, w.Body.String())
			s.Equal(tc.kind, s.problem(w)["kind"])
		})
	}

	w := s.do(http.MethodPost, "/api/v1/orders", gin.H{"symbol": "BTCUSD"}, false)
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal(errors.TypeValidationError, s.problem(w)["type"])
}

func (s *APITestSuite) TestAdminRequiresToken() {
	w := s.do(http.MethodGet, "/api/v1/admin/circuit-breaker/status", nil, false)
	s.Equal(http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/admin/circuit-breaker/status", nil, true)
	s.Require().Equal(http.StatusOK, w.Code)
	var st circuitbreaker.Status
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &st))
	s.Equal(len(circuitbreaker.DefaultRules()), st.RuleCounts.Total)
}

func (s *APITestSuite) TestManualHaltAndResume() {
	w := s.do(http.MethodPost, "/api/v1/admin/circuit-breaker/halts", gin.H{"symbol": "BTCUSD", "duration": "15m", "reason": "news pending"}, true)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/symbols/BTCUSD/state", nil, false)
	s.Contains(w.Body.String(), `"state":"HALTED"`)

	w = s.do(http.MethodPost, "/api/v1/orders", order("p1", "buy", "100", "1"), false)
	s.Equal(http.StatusConflict, w.Code)
	s.Equal(errors.KindMarketHalted, s.problem(w)["kind"])

	w = s.do(http.MethodPost, "/api/v1/admin/circuit-breaker/halts", gin.H{"symbol": "BTCUSD", "duration": "1m"}, true)
	s.Equal(http.StatusConflict, w.Code, "already halted")

	w = s.do(http.MethodDelete, "/api/v1/admin/circuit-breaker/halts/BTCUSD", nil, true)
	s.Require().Equal(http.StatusOK, w.Code)
	s.False(s.breaker.IsHalted("BTCUSD"))

	w = s.do(http.MethodDelete, "/api/v1/admin/circuit-breaker/halts/BTCUSD", nil, true)
	s.Equal(http.StatusConflict, w.Code)
	s.Equal(errors.KindNotHalted, s.problem(w)["kind"])

	w = s.do(http.MethodGet, "/api/v1/admin/circuit-breaker/history?limit=10", nil, true)
	s.Require().Equal(http.StatusOK, w.Code)
	var hist struct {
		Halts []model.HaltEvent `json:"halts"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &hist))
	s.Require().Len(hist.Halts, 1)
	s.Equal(circuitbreaker.ManualRuleID, hist.Halts[0].RuleID)
	s.NotNil(hist.Halts[0].ResolvedAt)

	w = s.do(http.MethodPost, "/api/v1/admin/circuit-breaker/halts", gin.H{"symbol": "NOPE", "duration": "1m"}, true)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *APITestSuite) TestMarketWideHalt() {
	w := s.do(http.MethodPost, "/api/v1/admin/circuit-breaker/halts", gin.H{"duration": "5m"}, true)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	s.True(s.breaker.IsHalted("BTCUSD"))

	w = s.do(http.MethodDelete, "/api/v1/admin/circuit-breaker/halts", nil, true)
	s.Require().Equal(http.StatusOK, w.Code)
	s.False(s.breaker.IsHalted("BTCUSD"))
}

func (s *APITestSuite) TestRuleManagement() {
	rule := gin.H{"id": "btc_tight", "break_type": "price_limit", "symbol": "BTCUSD", "threshold_percent": "2", "window": "1m", "halt_duration": "2m"}
	w := s.do(http.MethodPost, "/api/v1/admin/circuit-breaker/rules", rule, true)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/admin/circuit-breaker/rules", rule, true)
	s.Equal(http.StatusBadRequest, w.Code, "duplicate id")
	s.Equal(errors.KindInvalidRule, s.problem(w)["kind"])

	w = s.do(http.MethodPost, "/api/v1/admin/circuit-breaker/rules", gin.H{"id": "x", "break_type": "volatility", "halt_duration": "1m"}, true)
	s.Equal(http.StatusBadRequest, w.Code, "incomplete rule")

	w = s.do(http.MethodPut, "/api/v1/admin/circuit-breaker/rules/btc_tight/enabled", gin.H{"enabled": false}, true)
	s.Require().Equal(http.StatusOK, w.Code)
	for _, r := range s.breaker.Rules() {
		if r.ID == "btc_tight" {
			s.False(r.Enabled)
		}
	}

	w = s.do(http.MethodDelete, "/api/v1/admin/circuit-breaker/rules/btc_tight", nil, true)
	s.Equal(http.StatusNoContent, w.Code)
	w = s.do(http.MethodDelete, "/api/v1/admin/circuit-breaker/rules/btc_tight", nil, true)
	s.Equal(http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/v1/admin/circuit-breaker/rules", nil, true)
	s.Require().Equal(http.StatusOK, w.Code)
	var list struct {
		Rules []model.CircuitBreakerRule `json:"rules"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &list))
	s.Len(list.Rules, len(circuitbreaker.DefaultRules()))
}

func (s *APITestSuite) TestBlocklist() {
	w := s.do(http.MethodPost, "/api/v1/admin/compliance/blocked", gin.H{"participant_id": "mallory"}, true)
	s.Require().Equal(http.StatusNoContent, w.Code)

	w = s.do(http.MethodPost, "/api/v1/orders", order("mallory", "buy", "100", "1"), false)
	s.Equal(http.StatusUnprocessableEntity, w.Code)

	w = s.do(http.MethodGet, "/api/v1/admin/compliance/blocked", nil, true)
	s.Contains(w.Body.String(), "mallory")

	w = s.do(http.MethodDelete, "/api/v1/admin/compliance/blocked/mallory", nil, true)
	s.Require().Equal(http.StatusNoContent, w.Code)
	s.False(s.gate.IsBlocked("mallory"))
}

func (s *APITestSuite) TestCreateSymbol() {
	w := s.do(http.MethodPost, "/api/v1/admin/symbols", gin.H{"symbol": "ETHUSD", "tick_size": "0.01", "lot_size": "0.01"}, true)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	s.Equal([]string{"BTCUSD", "ETHUSD"}, s.books.ListSymbols())

	w = s.do(http.MethodPost, "/api/v1/admin/symbols", gin.H{"symbol": "ETHUSD", "tick_size": "0.01", "lot_size": "0.01"}, true)
	s.Equal(http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/v1/admin/symbols", gin.H{"symbol": "BAD", "tick_size": "0", "lot_size": "0.01"}, true)
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/v1/symbols", nil, false)
	s.Require().Equal(http.StatusOK, w.Code)
	var out struct {
		Symbols []registry.SymbolSummary `json:"symbols"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &out))
	s.Len(out.Symbols, 2)
}

func TestOpenAdminWithoutToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	breaker, err := circuitbreaker.NewSystem(circuitbreaker.DefaultConfig(), nil, logger)
	require.NoError(t, err)
	books := registry.NewOrderBookManager(registry.DefaultConfig(), engine.Dependencies{Gate: breaker}, nil, logger)
	router := NewServer(config.ServerConfig{}, logger, books, breaker, nil, nil).Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/circuit-breaker/rules", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/compliance/blocked", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "compliance routes need a gate")
}

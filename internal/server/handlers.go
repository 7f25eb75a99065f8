package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Aidin1998/pincex_matching/internal/trading/engine"
	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/Aidin1998/pincex_matching/pkg/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultTradeLimit = 500

// placeOrderRequest is the body of POST /api/v1/orders. Decimals accept
// JSON strings or numbers.
type placeOrderRequest struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol" binding:"required"`
	ParticipantID string          `json:"participant_id" binding:"required"`
	Side          string          `json:"side" binding:"required"`
	Type          string          `json:"type" binding:"required"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
}

func (r placeOrderRequest) toEngine() (engine.OrderRequest, error) {
	side, err := model.ParseSide(r.Side)
	if err != nil {
		return engine.OrderRequest{}, errors.ErrInvalidOrder.Explain("%v", err)
	}
	typ, err := model.ParseOrderType(r.Type)
	if err != nil {
		return engine.OrderRequest{}, errors.ErrInvalidOrder.Explain("%v", err)
	}
	req := engine.OrderRequest{
		ParticipantID: r.ParticipantID,
		Side:          side,
		Type:          typ,
		Price:         r.Price,
		Quantity:      r.Quantity,
	}
	if r.ID != "" {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return engine.OrderRequest{}, errors.ErrInvalidOrder.Explain("invalid order id %q", r.ID)
		}
		req.ID = id
	}
	return req, nil
}

// modifyOrderRequest is the body of PATCH /api/v1/orders/:id.
type modifyOrderRequest struct {
	Quantity decimal.Decimal  `json:"quantity"`
	Price    *decimal.Decimal `json:"price"`
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var body placeOrderRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeValidationError(c, err)
		return
	}
	req, err := body.toEngine()
	if err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.books.SubmitOrder(c.Request.Context(), body.Symbol, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusOK
	if res.Resting {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id, ok := s.orderID(c)
	if !ok {
		return
	}
	o, err := s.books.GetOrder(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	id, ok := s.orderID(c)
	if !ok {
		return
	}
	o, err := s.books.CancelOrder(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleModifyOrder(c *gin.Context) {
	id, ok := s.orderID(c)
	if !ok {
		return
	}
	var body modifyOrderRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeValidationError(c, err)
		return
	}
	res, err := s.books.ModifyOrder(c.Request.Context(), id, body.Quantity, body.Price)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) orderID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, errors.ErrInvalidOrder.Explain("invalid order id %q", c.Param("id")))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleListSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.books.ListSummaries()})
}

func (s *Server) handleSymbolState(c *gin.Context) {
	symbol := c.Param("symbol")
	if _, err := s.books.GetBook(symbol); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"state":  s.breaker.State(symbol),
		"halted": s.breaker.IsHalted(symbol),
	})
}

func (s *Server) handleGetDepth(c *gin.Context) {
	levels, ok := s.intQuery(c, "depth", 0)
	if !ok {
		return
	}
	snap, err := s.books.GetDepth(c.Param("symbol"), levels)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleConsolidatedDepth serves GET /api/v1/orderbook?symbols=A,B&depth=N.
func (s *Server) handleConsolidatedDepth(c *gin.Context) {
	levels, ok := s.intQuery(c, "depth", 0)
	if !ok {
		return
	}
	var symbols []string
	for _, sym := range strings.Split(c.Query("symbols"), ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	out, err := s.books.ConsolidatedDepth(symbols, levels)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetTrades(c *gin.Context) {
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		s.writeValidationError(c, err)
		return
	}
	limit, ok := s.intQuery(c, "limit", defaultTradeLimit)
	if !ok {
		return
	}
	symbol := c.Param("symbol")
	trades, err := s.books.GetTradeTape(c.Request.Context(), symbol, since, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "trades": trades})
}

func (s *Server) intQuery(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.writeProblem(c, errors.NewValidationError(key+" must be a non-negative integer", c.Request.URL.Path))
		return 0, false
	}
	return n, true
}

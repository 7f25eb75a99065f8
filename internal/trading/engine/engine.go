// =============================
// Per-Symbol Matching Engine
// =============================
// A MatchingEngine is the single serialization point for one symbol. Every
// mutation (submit, cancel, modify) takes the engine's write lock, matches
// under strict price-time priority at the resting order's price, feeds each
// fill to the halt gate before the next one, and hands the resulting events
// to a non-blocking sink. Readers (depth, tape, order lookup) take the read
// lock. Nothing here performs I/O while the lock is held.

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/Aidin1998/pincex_matching/internal/trading/orderbook"
	"github.com/Aidin1998/pincex_matching/pkg/errors"
	"github.com/Aidin1998/pincex_matching/pkg/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HaltGate is the circuit-breaker view the engine needs. IsHalted is
// consulted before any new order; ProcessMarketData is called synchronously
// for every fill so the next check observes the updated state.
type HaltGate interface {
	IsHalted(symbol string) bool
	ProcessMarketData(symbol string, price, volume decimal.Decimal, ts time.Time) *model.HaltEvent
}

// PreTradeChecker approves or rejects a new order before it can match or
// rest. A non-nil error is the rejection reason.
type PreTradeChecker interface {
	PreTradeCheck(ctx context.Context, participantID string, order *model.Order) error
}

// EventSink receives engine output. Publish must not block.
type EventSink interface {
	Publish(events ...model.Event)
}

// AlarmFunc is invoked once when a symbol is frozen by an invariant
// violation.
type AlarmFunc func(symbol string, err error)

// Config tunes a single engine.
type Config struct {
	// TapeCapacity is the number of recent trades retained in memory.
	TapeCapacity int
	// FullInvariantCheck runs the O(N) book audit after every mutation
	// instead of the constant-time top-of-book check.
	FullInvariantCheck bool
	// StartTradeSequence is the last trade sequence issued for the symbol
	// by an earlier run. Numbering continues after it.
	StartTradeSequence uint64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{TapeCapacity: 10000}
}

// Dependencies are the optional collaborators of an engine. Nil members are
// replaced with no-ops.
type Dependencies struct {
	Gate       HaltGate
	Compliance PreTradeChecker
	Sink       EventSink
	Alarm      AlarmFunc
	Clock      func() time.Time
}

// OrderRequest is a new order as received from a gateway.
type OrderRequest struct {
	// ID is optional; a random id is assigned when zero.
	ID            uuid.UUID
	ParticipantID string
	Side          model.Side
	Type          model.OrderType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
}

// MatchResult reports the outcome of a submit or modify.
type MatchResult struct {
	Order  model.Order       `json:"order"`
	Trades []model.Trade     `json:"trades"`
	Deltas []model.BookDelta `json:"deltas"`
	// FilledResting lists resting orders this match removed from the book.
	FilledResting []uuid.UUID `json:"filled_resting_orders,omitempty"`
	// Resting is true when a remainder was added to the book.
	Resting bool `json:"resting"`
	// Halted is true when a fill tripped the circuit breaker and the
	// remainder was cancelled instead of matched or rested.
	Halted bool `json:"halted"`
}

// DepthSnapshot is a consistent view of both sides of a book.
type DepthSnapshot struct {
	Symbol    string                 `json:"symbol"`
	Bids      []model.PriceLevelView `json:"bids"`
	Asks      []model.PriceLevelView `json:"asks"`
	UpdateID  uint64                 `json:"update_id"`
	Timestamp time.Time              `json:"timestamp"`
}

// Stats summarizes engine state.
type Stats struct {
	Symbol        string `json:"symbol"`
	RestingOrders int    `json:"resting_orders"`
	BidLevels     int    `json:"bid_levels"`
	AskLevels     int    `json:"ask_levels"`
	LastOrderSeq  uint64 `json:"last_order_sequence"`
	LastTradeSeq  uint64 `json:"last_trade_sequence"`
	LastUpdateID  uint64 `json:"last_update_id"`
	Frozen        bool   `json:"frozen"`
	FrozenReason  string `json:"frozen_reason,omitempty"`
}

// MatchingEngine owns one symbol's order book.
type MatchingEngine struct {
	mu   sync.RWMutex
	spec model.SymbolSpec
	cfg  Config
	book *orderbook.OrderBook
	tape *tradeTape

	gate       HaltGate
	compliance PreTradeChecker
	sink       EventSink
	alarm      AlarmFunc
	now        func() time.Time
	logger     *zap.Logger

	orderSeq  uint64
	tradeSeq  uint64
	updateSeq uint64
	frozen    error
}

// NewMatchingEngine creates an engine for spec.Symbol.
func NewMatchingEngine(spec model.SymbolSpec, cfg Config, deps Dependencies, logger *zap.Logger) (*MatchingEngine, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.ErrInvalidOrder.Explain("symbol spec: %v", err)
	}
	if cfg.TapeCapacity <= 0 {
		cfg.TapeCapacity = DefaultConfig().TapeCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &MatchingEngine{
		spec:       spec,
		cfg:        cfg,
		book:       orderbook.NewOrderBook(spec),
		tape:       newTradeTape(cfg.TapeCapacity, cfg.StartTradeSequence),
		gate:       deps.Gate,
		compliance: deps.Compliance,
		sink:       deps.Sink,
		alarm:      deps.Alarm,
		now:        deps.Clock,
		logger:     logger.Named("engine").With(zap.String("symbol", spec.Symbol)),
		tradeSeq:   cfg.StartTradeSequence,
	}
	if e.gate == nil {
		e.gate = openGate{}
	}
	if e.sink == nil {
		e.sink = discardSink{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Symbol returns the engine's instrument.
func (e *MatchingEngine) Symbol() string { return e.spec.Symbol }

// Spec returns the symbol's trading parameters.
func (e *MatchingEngine) Spec() model.SymbolSpec { return e.spec }

// Submit validates, gates and matches a new order.
func (e *MatchingEngine) Submit(ctx context.Context, req OrderRequest) (*MatchResult, error) {
	start := time.Now()
	defer func() { metrics.OrderLatency.WithLabelValues("submit").Observe(time.Since(start).Seconds()) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ID != uuid.Nil {
		if _, exists := e.book.Get(req.ID); exists {
			err := errors.ErrInvalidOrder.Explain("order %s already resting", req.ID)
			e.reject(req.Side, err)
			return nil, err
		}
	}
	order, err := e.admitLocked(ctx, req)
	if err != nil {
		e.reject(req.Side, err)
		return nil, err
	}
	events := make([]model.Event, 0, 4)
	res, err := e.executeLocked(order, &events)
	e.sink.Publish(events...)
	if err != nil {
		return res, err
	}
	metrics.OrdersProcessed.WithLabelValues(e.spec.Symbol, string(order.Side), "accepted").Inc()
	return res, nil
}

// Cancel withdraws a resting order. It is permitted while halted.
func (e *MatchingEngine) Cancel(ctx context.Context, id uuid.UUID) (model.Order, error) {
	start := time.Now()
	defer func() { metrics.OrderLatency.WithLabelValues("cancel").Observe(time.Since(start).Seconds()) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen != nil {
		return model.Order{}, e.frozenErr()
	}
	events := make([]model.Event, 0, 2)
	o, err := e.cancelLocked(id, &events)
	if err != nil {
		return model.Order{}, err
	}
	e.sink.Publish(events...)
	metrics.OrdersProcessed.WithLabelValues(e.spec.Symbol, string(o.Side), "cancelled").Inc()
	return o.Snapshot(), nil
}

// Modify changes a resting order's open quantity and optionally its price.
// newQty is the new remaining quantity. A pure decrease at the same price
// keeps time priority and is allowed while halted; anything else cancels the
// order and re-submits it under the same id with a new sequence number. The
// replacement is validated and compliance-checked first, so a rejected
// modify leaves the original untouched.
func (e *MatchingEngine) Modify(ctx context.Context, id uuid.UUID, newQty decimal.Decimal, newPrice *decimal.Decimal) (*MatchResult, error) {
	start := time.Now()
	defer func() { metrics.OrderLatency.WithLabelValues("modify").Observe(time.Since(start).Seconds()) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen != nil {
		return nil, e.frozenErr()
	}
	current, ok := e.book.Get(id)
	if !ok {
		return nil, errors.ErrOrderNotFound.Explain("order %s is not resting on %s", id, e.spec.Symbol)
	}
	price := current.Price
	if newPrice != nil {
		price = *newPrice
	}

	if price.Equal(current.Price) && newQty.LessThanOrEqual(current.Remaining) {
		if !e.spec.ValidQuantity(newQty) {
			return nil, errors.ErrInvalidOrder.Explain("quantity %s violates lot size %s or minimum %s", newQty, e.spec.LotSize, e.spec.MinQuantity)
		}
		events := make([]model.Event, 0, 2)
		res, err := e.reduceLocked(current, newQty, &events)
		e.sink.Publish(events...)
		return res, err
	}

	if e.gate.IsHalted(e.spec.Symbol) {
		return nil, errors.ErrMarketHalted.Explain("%s is halted; only quantity decreases are accepted", e.spec.Symbol)
	}
	replacement, err := e.admitLocked(ctx, OrderRequest{
		ID:            current.ID,
		ParticipantID: current.ParticipantID,
		Side:          current.Side,
		Type:          model.OrderTypeLimit,
		Price:         price,
		Quantity:      newQty,
	})
	if err != nil {
		return nil, err
	}

	events := make([]model.Event, 0, 4)
	if _, err := e.cancelLocked(id, &events); err != nil {
		e.sink.Publish(events...)
		return nil, err
	}
	res, err := e.executeLocked(replacement, &events)
	e.sink.Publish(events...)
	if err == nil {
		metrics.OrdersProcessed.WithLabelValues(e.spec.Symbol, string(replacement.Side), "modified").Inc()
	}
	return res, err
}

// GetOrder returns a snapshot of a resting order.
func (e *MatchingEngine) GetOrder(id uuid.UUID) (model.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.book.Get(id)
	if !ok {
		return model.Order{}, errors.ErrOrderNotFound.Explain("order %s is not resting on %s", id, e.spec.Symbol)
	}
	return o.Snapshot(), nil
}

// Depth returns up to levels price levels per side, best first.
func (e *MatchingEngine) Depth(levels int) DepthSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return DepthSnapshot{
		Symbol:    e.spec.Symbol,
		Bids:      e.book.Depth(model.SideBuy, levels),
		Asks:      e.book.Depth(model.SideSell, levels),
		UpdateID:  e.updateSeq,
		Timestamp: e.now(),
	}
}

// TopOfBook returns the best bid and ask.
func (e *MatchingEngine) TopOfBook() orderbook.Quote {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.TopOfBook()
}

// Spread returns best ask minus best bid.
func (e *MatchingEngine) Spread() (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Spread()
}

// MidPrice returns the midpoint of the best prices.
func (e *MatchingEngine) MidPrice() (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.MidPrice()
}

// TradeTape returns retained trades with Sequence > since in sequence order.
// complete is false when older trades in the range were evicted from memory.
func (e *MatchingEngine) TradeTape(since uint64) (trades []model.Trade, complete bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tape.since(since)
}

// OldestRetainedTrade is the lowest sequence still in the in-memory tape.
// With an empty tape it is the next sequence to be issued.
func (e *MatchingEngine) OldestRetainedTrade() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tape.oldestSequence()
}

// Stats returns counters for status endpoints.
func (e *MatchingEngine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{
		Symbol:        e.spec.Symbol,
		RestingOrders: e.book.OrderCount(),
		BidLevels:     e.book.Bids().Len(),
		AskLevels:     e.book.Asks().Len(),
		LastOrderSeq:  e.orderSeq,
		LastTradeSeq:  e.tradeSeq,
		LastUpdateID:  e.updateSeq,
	}
	if e.frozen != nil {
		s.Frozen, s.FrozenReason = true, e.frozen.Error()
	}
	return s
}

// Frozen reports whether the symbol was stopped by an invariant violation.
func (e *MatchingEngine) Frozen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.frozen != nil
}

// admitLocked runs every pre-match check and returns the order ready to
// execute. No state changes on failure.
func (e *MatchingEngine) admitLocked(ctx context.Context, req OrderRequest) (*model.Order, error) {
	if e.frozen != nil {
		return nil, e.frozenErr()
	}
	if e.gate.IsHalted(e.spec.Symbol) {
		return nil, errors.ErrMarketHalted.Explain("trading in %s is halted", e.spec.Symbol)
	}
	if !req.Side.Valid() {
		return nil, errors.ErrInvalidOrder.Explain("unknown side %q", req.Side)
	}
	if !req.Type.Valid() {
		return nil, errors.ErrInvalidOrder.Explain("unknown order type %q", req.Type)
	}
	if !e.spec.ValidQuantity(req.Quantity) {
		return nil, errors.ErrInvalidOrder.Explain("quantity %s violates lot size %s or minimum %s", req.Quantity, e.spec.LotSize, e.spec.MinQuantity)
	}
	switch req.Type {
	case model.OrderTypeLimit:
		if !e.spec.ValidPrice(req.Price) {
			return nil, errors.ErrInvalidOrder.Explain("price %s is not a positive multiple of tick size %s", req.Price, e.spec.TickSize)
		}
	case model.OrderTypeMarket:
		if !req.Price.IsZero() {
			return nil, errors.ErrInvalidOrder.Explain("market orders carry no price")
		}
	}

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	order := &model.Order{
		ID:            id,
		ParticipantID: req.ParticipantID,
		Symbol:        e.spec.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Remaining:     req.Quantity,
		Status:        model.OrderStatusReceived,
		CreatedAt:     e.now(),
	}
	if e.compliance != nil {
		if err := e.compliance.PreTradeCheck(ctx, order.ParticipantID, order); err != nil {
			return nil, errors.ErrComplianceRejected.Explain("pre-trade check failed").Wrap(err)
		}
	}

	if order.Type == model.OrderTypeMarket && !e.fillableLocked(order) {
		return nil, errors.ErrInsufficientLiquidity.Explain("not enough resting liquidity for market %s of %s", order.Side, order.Quantity)
	}
	return order, nil
}

// fillableLocked reports whether the opposite side holds enough quantity to
// fill a market order completely.
func (e *MatchingEngine) fillableLocked(order *model.Order) bool {
	need := order.Quantity
	e.book.Side(order.Side.Opposite()).Scan(func(lvl *orderbook.PriceLevel) bool {
		need = need.Sub(lvl.Quantity())
		return need.IsPositive()
	})
	return !need.IsPositive()
}

// executeLocked matches order against the book, rests any limit remainder
// and verifies the book afterwards.
func (e *MatchingEngine) executeLocked(order *model.Order, events *[]model.Event) (*MatchResult, error) {
	e.orderSeq++
	order.Sequence = e.orderSeq
	res := &MatchResult{}
	opposite := e.book.Side(order.Side.Opposite())

	for order.Remaining.IsPositive() {
		lvl := opposite.Best()
		if lvl == nil || !crosses(order, lvl.Price) {
			break
		}
		resting := lvl.Front()
		qty := decimal.Min(order.Remaining, resting.Remaining)
		left, err := e.book.Reduce(resting.ID, qty)
		if err != nil {
			return res, e.freezeLocked(fmt.Errorf("fill %s against %s: %w", order.ID, resting.ID, err))
		}
		order.Remaining = order.Remaining.Sub(qty)
		if left.IsZero() {
			resting.Status = model.OrderStatusFilled
			res.FilledResting = append(res.FilledResting, resting.ID)
		} else {
			resting.Status = model.OrderStatusPartiallyFilled
		}

		trade := e.newTradeLocked(order, resting, lvl.Price, qty)
		res.Trades = append(res.Trades, trade)
		e.tape.append(trade)
		*events = append(*events, model.TradeEvent(trade), model.OrderEvent(resting.Snapshot(), trade.Timestamp))
		e.deltaLocked(res, events, resting.Side, lvl.Price, lvl.Quantity())

		metrics.TradesExecuted.WithLabelValues(e.spec.Symbol).Inc()
		metrics.TradedQuantity.WithLabelValues(e.spec.Symbol).Add(qty.InexactFloat64())

		// a halt this fill triggers is published by the breaker's listeners,
		// so everything up to the fill goes out first
		e.sink.Publish(*events...)
		*events = (*events)[len(*events):]

		e.gate.ProcessMarketData(e.spec.Symbol, trade.Price, trade.Quantity, trade.Timestamp)
		if e.gate.IsHalted(e.spec.Symbol) {
			res.Halted = true
			break
		}
	}

	switch {
	case order.Remaining.IsZero():
		order.Status = model.OrderStatusFilled
	case res.Halted:
		order.Status = model.OrderStatusCancelled
		e.logger.Warn("matching interrupted by halt",
			zap.String("order_id", order.ID.String()),
			zap.String("cancelled_quantity", order.Remaining.String()))
	case order.Type == model.OrderTypeMarket:
		return res, e.freezeLocked(fmt.Errorf("market order %s left %s unfilled after liquidity check", order.ID, order.Remaining))
	default:
		if order.Remaining.Equal(order.Quantity) {
			order.Status = model.OrderStatusResting
		} else {
			order.Status = model.OrderStatusPartiallyFilled
		}
		if err := e.book.Insert(order); err != nil {
			return res, e.freezeLocked(fmt.Errorf("rest %s: %w", order.ID, err))
		}
		res.Resting = true
		lvl := e.book.Side(order.Side).Level(order.Price)
		e.deltaLocked(res, events, order.Side, order.Price, lvl.Quantity())
	}

	res.Order = order.Snapshot()
	*events = append(*events, model.OrderEvent(res.Order, order.CreatedAt))
	if err := e.verifyLocked(); err != nil {
		return res, err
	}
	e.logger.Debug("order executed",
		zap.String("order_id", order.ID.String()),
		zap.String("status", string(order.Status)),
		zap.Int("trades", len(res.Trades)))
	return res, nil
}

func (e *MatchingEngine) cancelLocked(id uuid.UUID, events *[]model.Event) (*model.Order, error) {
	o, err := e.book.Remove(id)
	if err != nil {
		return nil, errors.ErrOrderNotFound.Explain("order %s is not resting on %s", id, e.spec.Symbol)
	}
	o.Status = model.OrderStatusCancelled
	var qty decimal.Decimal
	if lvl := e.book.Side(o.Side).Level(o.Price); lvl != nil {
		qty = lvl.Quantity()
	}
	ts := e.now()
	e.updateSeq++
	delta := model.BookDelta{Symbol: e.spec.Symbol, Side: o.Side, Price: o.Price, Quantity: qty, UpdateID: e.updateSeq, Timestamp: ts}
	*events = append(*events, model.DeltaEvent(delta), model.OrderEvent(o.Snapshot(), ts))
	e.logger.Debug("order cancelled", zap.String("order_id", id.String()))
	return o, nil
}

func (e *MatchingEngine) reduceLocked(o *model.Order, newQty decimal.Decimal, events *[]model.Event) (*MatchResult, error) {
	res := &MatchResult{Resting: true}
	diff := o.Remaining.Sub(newQty)
	if diff.IsPositive() {
		if _, err := e.book.Reduce(o.ID, diff); err != nil {
			return nil, e.freezeLocked(fmt.Errorf("reduce %s: %w", o.ID, err))
		}
		o.Withdrawn = o.Withdrawn.Add(diff)
		lvl := e.book.Side(o.Side).Level(o.Price)
		e.deltaLocked(res, events, o.Side, o.Price, lvl.Quantity())
		*events = append(*events, model.OrderEvent(o.Snapshot(), e.now()))
		metrics.OrdersProcessed.WithLabelValues(e.spec.Symbol, string(o.Side), "reduced").Inc()
	}
	res.Order = o.Snapshot()
	return res, e.verifyLocked()
}

func (e *MatchingEngine) newTradeLocked(aggressor, resting *model.Order, price, qty decimal.Decimal) model.Trade {
	e.tradeSeq++
	t := model.Trade{
		ID:               uuid.New(),
		Symbol:           e.spec.Symbol,
		Price:            price,
		Quantity:         qty,
		AggressorOrderID: aggressor.ID,
		RestingOrderID:   resting.ID,
		AggressorSide:    aggressor.Side,
		Sequence:         e.tradeSeq,
		Timestamp:        e.now(),
	}
	if aggressor.Side == model.SideBuy {
		t.BuyParticipantID, t.SellParticipantID = aggressor.ParticipantID, resting.ParticipantID
	} else {
		t.BuyParticipantID, t.SellParticipantID = resting.ParticipantID, aggressor.ParticipantID
	}
	return t
}

func (e *MatchingEngine) deltaLocked(res *MatchResult, events *[]model.Event, side model.Side, price, qty decimal.Decimal) {
	e.updateSeq++
	d := model.BookDelta{
		Symbol:    e.spec.Symbol,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		UpdateID:  e.updateSeq,
		Timestamp: e.now(),
	}
	res.Deltas = append(res.Deltas, d)
	*events = append(*events, model.DeltaEvent(d))
}

// verifyLocked checks the book after a mutation. A violation freezes the
// symbol instead of repairing the book.
func (e *MatchingEngine) verifyLocked() error {
	if e.cfg.FullInvariantCheck {
		if err := e.book.CheckInvariants(); err != nil {
			return e.freezeLocked(err)
		}
		return nil
	}
	bid, okb := e.book.BestBid()
	ask, oka := e.book.BestAsk()
	if okb && oka && !bid.LessThan(ask) {
		return e.freezeLocked(fmt.Errorf("crossed book: best bid %s >= best ask %s", bid, ask))
	}
	return nil
}

func (e *MatchingEngine) freezeLocked(cause error) error {
	if e.frozen == nil {
		e.frozen = cause
		metrics.InvariantViolations.WithLabelValues(e.spec.Symbol).Inc()
		e.logger.Error("book invariant violated; symbol frozen", zap.Error(cause))
		if e.alarm != nil {
			e.alarm(e.spec.Symbol, cause)
		}
	}
	return e.frozenErr()
}

func (e *MatchingEngine) frozenErr() error {
	return errors.ErrBookCorrupted.Explain("%s is frozen", e.spec.Symbol).Wrap(e.frozen)
}

func (e *MatchingEngine) reject(side model.Side, err error) {
	metrics.OrdersProcessed.WithLabelValues(e.spec.Symbol, string(side), "rejected_"+errors.KindOf(err)).Inc()
	e.logger.Debug("order rejected", zap.Error(err))
}

// crosses reports whether order may trade at a resting price.
func crosses(order *model.Order, restingPrice decimal.Decimal) bool {
	if order.Type == model.OrderTypeMarket {
		return true
	}
	if order.Side == model.SideBuy {
		return order.Price.GreaterThanOrEqual(restingPrice)
	}
	return order.Price.LessThanOrEqual(restingPrice)
}

type openGate struct{}

func (openGate) IsHalted(string) bool { return false }
func (openGate) ProcessMarketData(string, decimal.Decimal, decimal.Decimal, time.Time) *model.HaltEvent {
	return nil
}

type discardSink struct{}

func (discardSink) Publish(...model.Event) {}

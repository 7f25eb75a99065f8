package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/pincex_matching/internal/trading/engine"
	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/Aidin1998/pincex_matching/internal/trading/orderbook"
	"github.com/Aidin1998/pincex_matching/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TradeHistory serves trades that have aged out of an engine's in-memory
// tape.
type TradeHistory interface {
	TradesSince(ctx context.Context, symbol string, since uint64, limit int) ([]model.Trade, error)
	// LastTradeSequence is the highest recorded trade sequence of symbol.
	LastTradeSequence(symbol string) (uint64, error)
}

// Config holds configuration for the manager
type Config struct {
	Engine       engine.Config `json:"engine"`
	DefaultDepth int           `json:"default_depth"`
	MaxDepth     int           `json:"max_depth"`
	MaxSymbols   int           `json:"max_symbols"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Engine:       engine.DefaultConfig(),
		DefaultDepth: 20,
		MaxDepth:     500,
		MaxSymbols:   10000,
	}
}

// ConsolidatedDepth aggregates several books. Bids and Asks sum quantity per
// price across the requested symbols; PerSymbol keeps each book's own view.
type ConsolidatedDepth struct {
	Symbols   []string                        `json:"symbols"`
	Bids      []model.PriceLevelView          `json:"bids"`
	Asks      []model.PriceLevelView          `json:"asks"`
	PerSymbol map[string]engine.DepthSnapshot `json:"per_symbol"`
	Timestamp time.Time                       `json:"timestamp"`
}

// SymbolSummary is the per-symbol line of ListSummaries.
type SymbolSummary struct {
	Spec  model.SymbolSpec `json:"spec"`
	Quote orderbook.Quote  `json:"quote"`
	Stats engine.Stats     `json:"stats"`
}

// orderRoute locates an order id. pending marks an id reserved by a submit
// that has not returned yet.
type orderRoute struct {
	symbol  string
	pending bool
}

// OrderBookManager maps symbols to their matching engines and routes order
// requests. It holds no matching logic; every mutation happens inside the
// owning engine.
type OrderBookManager struct {
	engines sync.Map // symbol -> *engine.MatchingEngine
	orders  sync.Map // order id -> orderRoute, for resting and in-flight orders
	count   atomic.Int64

	createMu sync.Mutex
	cfg      Config
	deps     engine.Dependencies
	history  TradeHistory
	logger   *zap.Logger
}

// NewOrderBookManager creates an empty manager. deps are shared by every
// engine it creates; history may be nil.
func NewOrderBookManager(cfg Config, deps engine.Dependencies, history TradeHistory, logger *zap.Logger) *OrderBookManager {
	if cfg.DefaultDepth <= 0 {
		cfg.DefaultDepth = DefaultConfig().DefaultDepth
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultConfig().MaxDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderBookManager{
		cfg:     cfg,
		deps:    deps,
		history: history,
		logger:  logger.Named("order_book_manager"),
	}
}

// CreateBook registers a new symbol.
func (m *OrderBookManager) CreateBook(spec model.SymbolSpec) (*engine.MatchingEngine, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()
	if _, exists := m.engines.Load(spec.Symbol); exists {
		return nil, errors.ErrSymbolExists.Explain("symbol %s is already registered", spec.Symbol)
	}
	if m.cfg.MaxSymbols > 0 && int(m.count.Load()) >= m.cfg.MaxSymbols {
		return nil, errors.ErrInvalidOrder.Explain("symbol limit %d reached", m.cfg.MaxSymbols)
	}
	engineCfg := m.cfg.Engine
	if m.history != nil {
		last, err := m.history.LastTradeSequence(spec.Symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to read last trade sequence of %s: %w", spec.Symbol, err)
		}
		engineCfg.StartTradeSequence = last
	}
	e, err := engine.NewMatchingEngine(spec, engineCfg, m.deps, m.logger)
	if err != nil {
		return nil, err
	}
	m.engines.Store(spec.Symbol, e)
	m.count.Add(1)
	m.logger.Info("order book created",
		zap.String("symbol", spec.Symbol),
		zap.String("tick_size", spec.TickSize.String()),
		zap.String("lot_size", spec.LotSize.String()),
		zap.Uint64("start_trade_sequence", engineCfg.StartTradeSequence))
	return e, nil
}

// GetBook returns the engine for symbol.
func (m *OrderBookManager) GetBook(symbol string) (*engine.MatchingEngine, error) {
	v, ok := m.engines.Load(symbol)
	if !ok {
		return nil, errors.ErrSymbolNotFound.Explain("symbol %s is not listed", symbol)
	}
	return v.(*engine.MatchingEngine), nil
}

// ListSymbols returns registered symbols in lexical order.
func (m *OrderBookManager) ListSymbols() []string {
	out := make([]string, 0, m.count.Load())
	m.engines.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// ListSummaries returns spec, top of book and counters for every symbol.
func (m *OrderBookManager) ListSummaries() []SymbolSummary {
	symbols := m.ListSymbols()
	out := make([]SymbolSummary, 0, len(symbols))
	for _, sym := range symbols {
		e, err := m.GetBook(sym)
		if err != nil {
			continue
		}
		out = append(out, SymbolSummary{Spec: e.Spec(), Quote: e.TopOfBook(), Stats: e.Stats()})
	}
	return out
}

// SubmitOrder routes a new order to its symbol's engine. Order ids are
// unique across the venue: an id that is resting or in flight on any symbol
// is rejected.
func (m *OrderBookManager) SubmitOrder(ctx context.Context, symbol string, req engine.OrderRequest) (*engine.MatchResult, error) {
	e, err := m.GetBook(symbol)
	if err != nil {
		return nil, err
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	reservation := orderRoute{symbol: symbol, pending: true}
	if prev, loaded := m.orders.LoadOrStore(req.ID, reservation); loaded {
		return nil, errors.ErrInvalidOrder.Explain("order id %s is already in use on %s", req.ID, prev.(orderRoute).symbol)
	}
	res, err := e.Submit(ctx, req)
	m.track(symbol, res)
	// released unless track replaced it with a resting route
	m.orders.CompareAndDelete(req.ID, reservation)
	return res, err
}

// CancelOrder withdraws a resting order by id.
func (m *OrderBookManager) CancelOrder(ctx context.Context, id uuid.UUID) (model.Order, error) {
	e, err := m.engineFor(id)
	if err != nil {
		return model.Order{}, err
	}
	o, err := e.Cancel(ctx, id)
	if errors.Is(err, errors.ErrOrderNotFound) || err == nil {
		m.release(id, e.Symbol())
	}
	return o, err
}

// ModifyOrder changes a resting order's quantity and optionally price.
func (m *OrderBookManager) ModifyOrder(ctx context.Context, id uuid.UUID, newQty decimal.Decimal, newPrice *decimal.Decimal) (*engine.MatchResult, error) {
	e, err := m.engineFor(id)
	if err != nil {
		return nil, err
	}
	res, err := e.Modify(ctx, id, newQty, newPrice)
	if errors.Is(err, errors.ErrOrderNotFound) || (res != nil && !res.Resting) {
		m.release(id, e.Symbol())
	}
	m.track(e.Symbol(), res)
	return res, err
}

// GetOrder returns a resting order by id.
func (m *OrderBookManager) GetOrder(id uuid.UUID) (model.Order, error) {
	e, err := m.engineFor(id)
	if err != nil {
		return model.Order{}, err
	}
	o, err := e.GetOrder(id)
	if errors.Is(err, errors.ErrOrderNotFound) {
		m.release(id, e.Symbol())
	}
	return o, err
}

// GetDepth returns up to levels price levels per side of symbol.
func (m *OrderBookManager) GetDepth(symbol string, levels int) (engine.DepthSnapshot, error) {
	e, err := m.GetBook(symbol)
	if err != nil {
		return engine.DepthSnapshot{}, err
	}
	return e.Depth(m.clampDepth(levels)), nil
}

// ConsolidatedDepth aggregates the books of symbols. An empty list means
// every registered symbol.
func (m *OrderBookManager) ConsolidatedDepth(symbols []string, levels int) (ConsolidatedDepth, error) {
	if len(symbols) == 0 {
		symbols = m.ListSymbols()
	}
	levels = m.clampDepth(levels)
	out := ConsolidatedDepth{
		Symbols:   symbols,
		PerSymbol: make(map[string]engine.DepthSnapshot, len(symbols)),
		Timestamp: time.Now(),
	}
	bids := map[string]*model.PriceLevelView{}
	asks := map[string]*model.PriceLevelView{}
	for _, sym := range symbols {
		e, err := m.GetBook(sym)
		if err != nil {
			return ConsolidatedDepth{}, err
		}
		snap := e.Depth(levels)
		out.PerSymbol[sym] = snap
		merge(bids, snap.Bids)
		merge(asks, snap.Asks)
	}
	out.Bids = flatten(bids, true, levels)
	out.Asks = flatten(asks, false, levels)
	return out, nil
}

// GetTradeTape returns trades of symbol with Sequence > since, in sequence
// order. Trades evicted from the engine's memory are read back from the
// trade history when one is configured. limit <= 0 means no limit.
func (m *OrderBookManager) GetTradeTape(ctx context.Context, symbol string, since uint64, limit int) ([]model.Trade, error) {
	e, err := m.GetBook(symbol)
	if err != nil {
		return nil, err
	}
	trades, complete := e.TradeTape(since)
	if !complete && m.history != nil {
		oldest := e.OldestRetainedTrade()
		older, err := m.history.TradesSince(ctx, symbol, since, int(oldest-since-1))
		if err != nil {
			m.logger.Warn("trade history back-fill failed", zap.String("symbol", symbol), zap.Error(err))
		} else {
			merged := make([]model.Trade, 0, len(older)+len(trades))
			for _, t := range older {
				if t.Sequence < oldest {
					merged = append(merged, t)
				}
			}
			trades = append(merged, trades...)
		}
	}
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

func (m *OrderBookManager) engineFor(id uuid.UUID) (*engine.MatchingEngine, error) {
	v, ok := m.orders.Load(id)
	if !ok || v.(orderRoute).pending {
		return nil, errors.ErrOrderNotFound.Explain("order %s is not resting", id)
	}
	return m.GetBook(v.(orderRoute).symbol)
}

// release drops the route of a resting order that has left symbol's book.
func (m *OrderBookManager) release(id uuid.UUID, symbol string) {
	m.orders.CompareAndDelete(id, orderRoute{symbol: symbol})
}

func (m *OrderBookManager) track(symbol string, res *engine.MatchResult) {
	if res == nil {
		return
	}
	for _, id := range res.FilledResting {
		m.release(id, symbol)
	}
	if res.Resting {
		m.orders.Store(res.Order.ID, orderRoute{symbol: symbol})
	}
}

func (m *OrderBookManager) clampDepth(levels int) int {
	if levels <= 0 {
		return m.cfg.DefaultDepth
	}
	if levels > m.cfg.MaxDepth {
		return m.cfg.MaxDepth
	}
	return levels
}

func merge(into map[string]*model.PriceLevelView, levels []model.PriceLevelView) {
	for _, lvl := range levels {
		key := lvl.Price.String()
		if agg, ok := into[key]; ok {
			agg.Quantity = agg.Quantity.Add(lvl.Quantity)
			agg.Orders += lvl.Orders
			continue
		}
		v := lvl
		into[key] = &v
	}
}

func flatten(levels map[string]*model.PriceLevelView, descending bool, limit int) []model.PriceLevelView {
	out := make([]model.PriceLevelView, 0, len(levels))
	for _, v := range levels {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

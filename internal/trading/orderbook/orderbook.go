// =============================
// Venue Order Book
// =============================
// An OrderBook pairs a bid side and an ask side for one symbol and indexes
// every resting order by id. It does no matching and takes no locks: the
// symbol's MatchingEngine is the single writer and serializes all access.

package orderbook

import (
	"fmt"

	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/Aidin1998/pincex_matching/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderBook is the resting liquidity of one symbol.
type OrderBook struct {
	spec  model.SymbolSpec
	bids  *BookSide
	asks  *BookSide
	index map[uuid.UUID]*levelNode
}

// NewOrderBook creates an empty book for spec.Symbol.
func NewOrderBook(spec model.SymbolSpec) *OrderBook {
	return &OrderBook{
		spec:  spec,
		bids:  newBookSide(model.SideBuy),
		asks:  newBookSide(model.SideSell),
		index: make(map[uuid.UUID]*levelNode),
	}
}

// Symbol returns the instrument this book holds.
func (ob *OrderBook) Symbol() string { return ob.spec.Symbol }

// Spec returns the trading parameters of the symbol.
func (ob *OrderBook) Spec() model.SymbolSpec { return ob.spec }

// Bids returns the bid side.
func (ob *OrderBook) Bids() *BookSide { return ob.bids }

// Asks returns the ask side.
func (ob *OrderBook) Asks() *BookSide { return ob.asks }

// Side returns the book side for s.
func (ob *OrderBook) Side(s model.Side) *BookSide {
	if s == model.SideBuy {
		return ob.bids
	}
	return ob.asks
}

// OrderCount returns the number of resting orders on both sides.
func (ob *OrderBook) OrderCount() int { return len(ob.index) }

// Insert appends order to the FIFO queue at its price, creating the level if
// absent. It does not match: callers must only insert orders that do not
// cross the opposite side.
func (ob *OrderBook) Insert(order *model.Order) error {
	if order == nil {
		return errors.ErrInvalidOrder.Explain("nil order")
	}
	if !order.Side.Valid() {
		return errors.ErrInvalidOrder.Explain("unknown side %q", order.Side)
	}
	if !ob.spec.ValidPrice(order.Price) {
		return errors.ErrInvalidPrice.Explain("price %s is not a positive multiple of tick size %s", order.Price, ob.spec.TickSize)
	}
	if !order.Remaining.IsPositive() {
		return errors.ErrInvalidOrder.Explain("remaining quantity %s must be positive", order.Remaining)
	}
	if _, exists := ob.index[order.ID]; exists {
		return errors.ErrInvalidOrder.Explain("order %s already resting", order.ID)
	}
	lvl := ob.Side(order.Side).levelFor(order.Price)
	ob.index[order.ID] = lvl.pushBack(order)
	return nil
}

// Remove takes a resting order out of the book, destroying its level when it
// becomes empty.
func (ob *OrderBook) Remove(id uuid.UUID) (*model.Order, error) {
	n, ok := ob.index[id]
	if !ok {
		return nil, errors.ErrOrderNotFound.Explain("order %s is not resting", id)
	}
	ob.detach(n)
	return n.order, nil
}

// Get returns the resting order with id.
func (ob *OrderBook) Get(id uuid.UUID) (*model.Order, bool) {
	n, ok := ob.index[id]
	if !ok {
		return nil, false
	}
	return n.order, true
}

// Reduce lowers a resting order's remaining quantity by qty while keeping its
// queue position. An order reduced to zero is removed. It returns the order's
// new remaining quantity.
func (ob *OrderBook) Reduce(id uuid.UUID, qty decimal.Decimal) (decimal.Decimal, error) {
	n, ok := ob.index[id]
	if !ok {
		return decimal.Zero, errors.ErrOrderNotFound.Explain("order %s is not resting", id)
	}
	if !qty.IsPositive() || qty.GreaterThan(n.order.Remaining) {
		return n.order.Remaining, errors.ErrInvalidOrder.Explain("cannot reduce %s by %s", n.order.Remaining, qty)
	}
	n.level.reduce(n, qty)
	remaining := n.order.Remaining
	if remaining.IsZero() {
		ob.detach(n)
	}
	return remaining, nil
}

func (ob *OrderBook) detach(n *levelNode) {
	lvl := n.level
	lvl.unlink(n)
	delete(ob.index, n.order.ID)
	if lvl.Empty() {
		ob.Side(n.order.Side).dropLevel(lvl)
	}
}

// BestPrice returns the best price on side s.
func (ob *OrderBook) BestPrice(s model.Side) (decimal.Decimal, bool) {
	lvl := ob.Side(s).Best()
	if lvl == nil {
		return decimal.Zero, false
	}
	return lvl.Price, true
}

// BestBid returns the highest bid.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) { return ob.BestPrice(model.SideBuy) }

// BestAsk returns the lowest ask.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) { return ob.BestPrice(model.SideSell) }

// Depth returns up to levels (price, quantity) pairs for side s, best first.
func (ob *OrderBook) Depth(s model.Side, levels int) []model.PriceLevelView {
	return ob.Side(s).Depth(levels)
}

// Spread returns best ask minus best bid; false if either side is empty.
func (ob *OrderBook) Spread() (decimal.Decimal, bool) {
	bid, okb := ob.BestBid()
	ask, oka := ob.BestAsk()
	if !okb || !oka {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// MidPrice returns the midpoint of best bid and best ask.
func (ob *OrderBook) MidPrice() (decimal.Decimal, bool) {
	bid, okb := ob.BestBid()
	ask, oka := ob.BestAsk()
	if !okb || !oka {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// Quote is the top-of-book view exposed to quoting collaborators.
type Quote struct {
	Symbol   string          `json:"symbol"`
	BidPrice decimal.Decimal `json:"bid_price"`
	BidSize  decimal.Decimal `json:"bid_size"`
	AskPrice decimal.Decimal `json:"ask_price"`
	AskSize  decimal.Decimal `json:"ask_size"`
	HasBid   bool            `json:"has_bid"`
	HasAsk   bool            `json:"has_ask"`
}

// TopOfBook returns the best level on each side.
func (ob *OrderBook) TopOfBook() Quote {
	q := Quote{Symbol: ob.spec.Symbol}
	if lvl := ob.bids.Best(); lvl != nil {
		q.BidPrice, q.BidSize, q.HasBid = lvl.Price, lvl.total, true
	}
	if lvl := ob.asks.Best(); lvl != nil {
		q.AskPrice, q.AskSize, q.HasAsk = lvl.Price, lvl.total, true
	}
	return q
}

// CheckInvariants verifies the structural invariants of the book: no crossed
// book, every level non-empty with a correct cached aggregate, every member
// positive and on the right side, and the id index consistent with the
// levels. It is O(N) and meant for post-mutation assertions and tests.
func (ob *OrderBook) CheckInvariants() error {
	if bid, ok := ob.BestBid(); ok {
		if ask, ok := ob.BestAsk(); ok && !bid.LessThan(ask) {
			return fmt.Errorf("crossed book: best bid %s >= best ask %s", bid, ask)
		}
	}
	seen := 0
	var err error
	check := func(bs *BookSide) {
		bs.Scan(func(lvl *PriceLevel) bool {
			sum, n := lvl.recount()
			switch {
			case n == 0:
				err = fmt.Errorf("empty %s level at %s", bs.side, lvl.Price)
			case n != lvl.count:
				err = fmt.Errorf("%s level %s counts %d orders, holds %d", bs.side, lvl.Price, lvl.count, n)
			case !sum.Equal(lvl.total):
				err = fmt.Errorf("%s level %s aggregate %s != member sum %s", bs.side, lvl.Price, lvl.total, sum)
			}
			if err != nil {
				return false
			}
			lvl.Each(func(o *model.Order) bool {
				switch {
				case o.Side != bs.side:
					err = fmt.Errorf("order %s on %s side has side %s", o.ID, bs.side, o.Side)
				case !o.Price.Equal(lvl.Price):
					err = fmt.Errorf("order %s priced %s in level %s", o.ID, o.Price, lvl.Price)
				case !o.Remaining.IsPositive():
					err = fmt.Errorf("order %s has non-positive remaining %s", o.ID, o.Remaining)
				case ob.index[o.ID] == nil:
					err = fmt.Errorf("order %s missing from index", o.ID)
				}
				seen++
				return err == nil
			})
			return err == nil
		})
	}
	check(ob.bids)
	if err == nil {
		check(ob.asks)
	}
	if err != nil {
		return err
	}
	if seen != len(ob.index) {
		return fmt.Errorf("index holds %d orders, levels hold %d", len(ob.index), seen)
	}
	return nil
}

package orderbook

import (
	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/shopspring/decimal"
)

// levelNode links one resting order into its level's FIFO queue.
type levelNode struct {
	order *model.Order
	level *PriceLevel
	prev  *levelNode
	next  *levelNode
}

// PriceLevel is the FIFO queue of resting orders at a single price. Insertion
// order is priority order. The cached aggregate always equals the sum of the
// members' remaining quantities.
type PriceLevel struct {
	Price decimal.Decimal

	head  *levelNode
	tail  *levelNode
	count int
	total decimal.Decimal
}

func newPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{Price: price, total: decimal.Zero}
}

// Len returns the number of resting orders.
func (pl *PriceLevel) Len() int { return pl.count }

// Quantity returns the cached aggregate remaining quantity.
func (pl *PriceLevel) Quantity() decimal.Decimal { return pl.total }

// Empty reports whether no orders remain.
func (pl *PriceLevel) Empty() bool { return pl.count == 0 }

// Front returns the order with the highest time priority, or nil.
func (pl *PriceLevel) Front() *model.Order {
	if pl.head == nil {
		return nil
	}
	return pl.head.order
}

// Each visits orders in priority order until fn returns false.
func (pl *PriceLevel) Each(fn func(*model.Order) bool) {
	for n := pl.head; n != nil; n = n.next {
		if !fn(n.order) {
			return
		}
	}
}

// Orders returns the members in priority order.
func (pl *PriceLevel) Orders() []*model.Order {
	out := make([]*model.Order, 0, pl.count)
	pl.Each(func(o *model.Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

func (pl *PriceLevel) pushBack(o *model.Order) *levelNode {
	n := &levelNode{order: o, level: pl, prev: pl.tail}
	if pl.tail != nil {
		pl.tail.next = n
	} else {
		pl.head = n
	}
	pl.tail = n
	pl.count++
	pl.total = pl.total.Add(o.Remaining)
	return n
}

func (pl *PriceLevel) unlink(n *levelNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		pl.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		pl.tail = n.prev
	}
	n.prev, n.next, n.level = nil, nil, nil
	pl.count--
	pl.total = pl.total.Sub(n.order.Remaining)
}

// reduce lowers a member's remaining quantity in place without touching its
// position in the queue.
func (pl *PriceLevel) reduce(n *levelNode, qty decimal.Decimal) {
	n.order.Remaining = n.order.Remaining.Sub(qty)
	pl.total = pl.total.Sub(qty)
}

// recount sums members directly; used only by invariant checks.
func (pl *PriceLevel) recount() (decimal.Decimal, int) {
	sum := decimal.Zero
	n := 0
	for node := pl.head; node != nil; node = node.next {
		sum = sum.Add(node.order.Remaining)
		n++
	}
	return sum, n
}

package orderbook

import (
	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// BookSide holds the price levels of one side of a book, ordered best-first:
// descending for bids, ascending for asks.
type BookSide struct {
	side   model.Side
	levels *btree.BTreeG[*PriceLevel]
}

func newBookSide(side model.Side) *BookSide {
	less := func(a, b *PriceLevel) bool { return a.Price.LessThan(b.Price) }
	if side == model.SideBuy {
		less = func(a, b *PriceLevel) bool { return a.Price.GreaterThan(b.Price) }
	}
	// The owning engine serializes all access.
	return &BookSide{
		side:   side,
		levels: btree.NewBTreeGOptions(less, btree.Options{NoLocks: true}),
	}
}

// Side returns which side of the book this is.
func (bs *BookSide) Side() model.Side { return bs.side }

// Len returns the number of distinct price levels.
func (bs *BookSide) Len() int { return bs.levels.Len() }

// Best returns the best-priced level, or nil when the side is empty.
func (bs *BookSide) Best() *PriceLevel {
	lvl, ok := bs.levels.Min()
	if !ok {
		return nil
	}
	return lvl
}

// Level returns the level at price, or nil.
func (bs *BookSide) Level(price decimal.Decimal) *PriceLevel {
	lvl, ok := bs.levels.Get(&PriceLevel{Price: price})
	if !ok {
		return nil
	}
	return lvl
}

// Scan visits levels best-first until fn returns false.
func (bs *BookSide) Scan(fn func(*PriceLevel) bool) {
	bs.levels.Scan(fn)
}

// Depth returns up to n levels best-first. n <= 0 returns every level.
func (bs *BookSide) Depth(n int) []model.PriceLevelView {
	size := bs.levels.Len()
	if n > 0 && n < size {
		size = n
	}
	out := make([]model.PriceLevelView, 0, size)
	bs.levels.Scan(func(lvl *PriceLevel) bool {
		out = append(out, model.PriceLevelView{Price: lvl.Price, Quantity: lvl.total, Orders: lvl.count})
		return n <= 0 || len(out) < n
	})
	return out
}

// TotalQuantity sums the aggregate quantity across all levels.
func (bs *BookSide) TotalQuantity() decimal.Decimal {
	sum := decimal.Zero
	bs.levels.Scan(func(lvl *PriceLevel) bool {
		sum = sum.Add(lvl.total)
		return true
	})
	return sum
}

func (bs *BookSide) levelFor(price decimal.Decimal) *PriceLevel {
	if lvl := bs.Level(price); lvl != nil {
		return lvl
	}
	lvl := newPriceLevel(price)
	bs.levels.Set(lvl)
	return lvl
}

func (bs *BookSide) dropLevel(lvl *PriceLevel) {
	bs.levels.Delete(lvl)
}

package engine

import (
	"context"
	"testing"

	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/Aidin1998/pincex_matching/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// bookModel tracks what the property checks need to know about every order
// the engine accepted.
type bookModel struct {
	quantity  map[uuid.UUID]decimal.Decimal
	filled    map[uuid.UUID]decimal.Decimal
	withdrawn map[uuid.UUID]decimal.Decimal
	sequence  map[uuid.UUID]uint64
	done      map[uuid.UUID]bool // filled, cancelled or interrupted
	lastHit   map[string]uint64  // price -> sequence of the last resting order hit
	ids       []uuid.UUID
}

func newBookModel() *bookModel {
	return &bookModel{
		quantity:  map[uuid.UUID]decimal.Decimal{},
		filled:    map[uuid.UUID]decimal.Decimal{},
		withdrawn: map[uuid.UUID]decimal.Decimal{},
		sequence:  map[uuid.UUID]uint64{},
		done:      map[uuid.UUID]bool{},
		lastHit:   map[string]uint64{},
	}
}

// replace forgets the history of an order that was cancelled and
// re-submitted under the same id.
func (m *bookModel) replace(id uuid.UUID) {
	delete(m.filled, id)
	delete(m.withdrawn, id)
	delete(m.done, id)
}

func (m *bookModel) record(t *rapid.T, res *MatchResult) {
	o := res.Order
	if _, known := m.quantity[o.ID]; !known {
		m.ids = append(m.ids, o.ID)
	}
	m.quantity[o.ID] = o.Quantity
	m.sequence[o.ID] = o.Sequence
	for _, tr := range res.Trades {
		m.filled[tr.AggressorOrderID] = m.filled[tr.AggressorOrderID].Add(tr.Quantity)
		m.filled[tr.RestingOrderID] = m.filled[tr.RestingOrderID].Add(tr.Quantity)

		key := tr.Price.String()
		seq := m.sequence[tr.RestingOrderID]
		if seq < m.lastHit[key] {
			t.Fatalf("price-time priority broken at %s: hit seq %d after seq %d", key, seq, m.lastHit[key])
		}
		m.lastHit[key] = seq
	}
	if !res.Resting {
		m.done[o.ID] = true
	}
}

func checkBook(t *rapid.T, e *MatchingEngine, m *bookModel) {
	if err := e.book.CheckInvariants(); err != nil {
		t.Fatalf("book invariant: %v", err)
	}
	for _, id := range m.ids {
		if m.done[id] {
			continue
		}
		o, err := e.GetOrder(id)
		if err != nil {
			// fully filled while resting
			if !m.filled[id].Add(m.withdrawn[id]).Equal(m.quantity[id]) {
				t.Fatalf("order %s vanished with %s of %s filled", id, m.filled[id], m.quantity[id])
			}
			m.done[id] = true
			continue
		}
		if !o.Quantity.Equal(m.quantity[id]) {
			t.Fatalf("quantity of %s changed from %s to %s", id, m.quantity[id], o.Quantity)
		}
		if !o.Withdrawn.Equal(m.withdrawn[id]) {
			t.Fatalf("withdrawn of %s is %s, want %s", id, o.Withdrawn, m.withdrawn[id])
		}
		if !m.filled[id].Add(o.Remaining).Add(o.Withdrawn).Equal(o.Quantity) {
			t.Fatalf("conservation broken for %s: filled %s + remaining %s + withdrawn %s != %s", id, m.filled[id], o.Remaining, o.Withdrawn, o.Quantity)
		}
		if !o.Filled().Equal(m.filled[id]) {
			t.Fatalf("filled of %s is %s, want %s", id, o.Filled(), m.filled[id])
		}
	}
}

func TestMatchingProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gate := &stubGate{}
		e, err := NewMatchingEngine(testSpec(), Config{TapeCapacity: 64}, Dependencies{Gate: gate}, nil)
		if err != nil {
			t.Fatal(err)
		}
		ctx := context.Background()
		m := newBookModel()

		t.Repeat(map[string]func(*rapid.T){
			"limit": func(t *rapid.T) {
				side := rapid.SampledFrom([]model.Side{model.SideBuy, model.SideSell}).Draw(t, "side")
				ticks := rapid.IntRange(190, 210).Draw(t, "ticks")
				qty := rapid.IntRange(1, 10).Draw(t, "qty")
				req := OrderRequest{
					ParticipantID: "p",
					Side:          side,
					Type:          model.OrderTypeLimit,
					Price:         decimal.NewFromInt(int64(ticks)).Div(decimal.NewFromInt(2)),
					Quantity:      decimal.NewFromInt(int64(qty)),
				}
				res, err := e.Submit(ctx, req)
				if gate.IsHalted("BTCUSD") {
					if !errors.Is(err, errors.ErrMarketHalted) {
						t.Fatalf("halted submit returned %v", err)
					}
					return
				}
				if err != nil {
					t.Fatalf("submit: %v", err)
				}
				m.record(t, res)
			},
			"market": func(t *rapid.T) {
				side := rapid.SampledFrom([]model.Side{model.SideBuy, model.SideSell}).Draw(t, "side")
				qty := decimal.NewFromInt(int64(rapid.IntRange(1, 15).Draw(t, "qty")))
				available := e.book.Side(side.Opposite()).TotalQuantity()
				res, err := e.Submit(ctx, OrderRequest{ParticipantID: "p", Side: side, Type: model.OrderTypeMarket, Quantity: qty})
				switch {
				case gate.IsHalted("BTCUSD"):
					if !errors.Is(err, errors.ErrMarketHalted) {
						t.Fatalf("halted submit returned %v", err)
					}
				case available.LessThan(qty):
					if !errors.Is(err, errors.ErrInsufficientLiquidity) {
						t.Fatalf("expected insufficient liquidity, got %v", err)
					}
					if !e.book.Side(side.Opposite()).TotalQuantity().Equal(available) {
						t.Fatalf("rejected market order changed the book")
					}
				default:
					if err != nil {
						t.Fatalf("market submit: %v", err)
					}
					if res.Order.Status != model.OrderStatusFilled {
						t.Fatalf("market order ended %s", res.Order.Status)
					}
					m.record(t, res)
				}
			},
			"cancel": func(t *rapid.T) {
				if len(m.ids) == 0 {
					t.Skip("nothing to cancel")
				}
				id := rapid.SampledFrom(m.ids).Draw(t, "id")
				_, err := e.Cancel(ctx, id)
				if m.done[id] {
					if !errors.Is(err, errors.ErrOrderNotFound) {
						t.Fatalf("cancel of finished order returned %v", err)
					}
					return
				}
				if err == nil {
					m.done[id] = true
					return
				}
				if !errors.Is(err, errors.ErrOrderNotFound) {
					t.Fatalf("cancel: %v", err)
				}
				m.done[id] = true
			},
			"modify": func(t *rapid.T) {
				if len(m.ids) == 0 {
					t.Skip("nothing to modify")
				}
				id := rapid.SampledFrom(m.ids).Draw(t, "id")
				before, lookupErr := e.GetOrder(id)
				qty := decimal.NewFromInt(int64(rapid.IntRange(1, 12).Draw(t, "qty")))
				var price *decimal.Decimal
				if rapid.Bool().Draw(t, "reprice") {
					p := decimal.NewFromInt(int64(rapid.IntRange(190, 210).Draw(t, "ticks"))).Div(decimal.NewFromInt(2))
					price = &p
				}
				res, err := e.Modify(ctx, id, qty, price)
				if lookupErr != nil {
					if !errors.Is(err, errors.ErrOrderNotFound) {
						t.Fatalf("modify of finished order returned %v", err)
					}
					return
				}
				decrease := (price == nil || price.Equal(before.Price)) && qty.LessThanOrEqual(before.Remaining)
				switch {
				case decrease:
					if err != nil {
						t.Fatalf("decrease: %v", err)
					}
					if res.Order.Sequence != before.Sequence {
						t.Fatalf("decrease moved %s from sequence %d to %d", id, before.Sequence, res.Order.Sequence)
					}
					if !res.Order.Quantity.Equal(before.Quantity) {
						t.Fatalf("decrease rewrote quantity of %s", id)
					}
					m.withdrawn[id] = m.withdrawn[id].Add(before.Remaining.Sub(qty))
				case gate.IsHalted("BTCUSD"):
					if !errors.Is(err, errors.ErrMarketHalted) {
						t.Fatalf("halted modify returned %v", err)
					}
				default:
					if err != nil {
						t.Fatalf("modify: %v", err)
					}
					if res.Order.ID != id || res.Order.Sequence <= before.Sequence {
						t.Fatalf("replacement of %s kept sequence %d", id, res.Order.Sequence)
					}
					m.replace(id)
					m.record(t, res)
				}
			},
			"toggle-halt": func(t *rapid.T) {
				gate.set(rapid.Bool().Draw(t, "halted"))
			},
			"": func(t *rapid.T) {
				checkBook(t, e, m)
			},
		})
	})
}

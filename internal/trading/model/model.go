package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the book side an order rests on or takes from.
type Side string

// OrderType distinguishes priced orders from liquidity-taking market orders.
type OrderType string

// OrderStatus tracks an order through Received -> {Rejected | Resting |
// PartiallyFilled -> Resting | Filled | Cancelled}.
type OrderStatus string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"

	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"

	OrderStatusReceived        OrderStatus = "RECEIVED"
	OrderStatusResting         OrderStatus = "RESTING"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// ParseSide accepts the canonical upper-case names and their lower-case forms.
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY", "buy":
		return SideBuy, nil
	case "SELL", "sell":
		return SideSell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	panic(fmt.Sprintf("model: unknown side %q", string(s)))
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParseOrderType accepts the canonical upper-case names and their lower-case forms.
func ParseOrderType(s string) (OrderType, error) {
	switch s {
	case "LIMIT", "limit":
		return OrderTypeLimit, nil
	case "MARKET", "market":
		return OrderTypeMarket, nil
	}
	return "", fmt.Errorf("unknown order type %q", s)
}

func (t OrderType) Valid() bool {
	return t == OrderTypeLimit || t == OrderTypeMarket
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Order represents an order accepted by a matching engine. Identity fields
// and Quantity never change after acceptance; Remaining, Withdrawn and Status
// are mutated only by the engine that owns the order's symbol. Quantity is
// always Filled + Remaining + Withdrawn.
type Order struct {
	ID            uuid.UUID       `json:"id"`
	ParticipantID string          `json:"participant_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price"` // zero for market orders
	Quantity      decimal.Decimal `json:"quantity"`
	Remaining     decimal.Decimal `json:"remaining"`
	Withdrawn     decimal.Decimal `json:"withdrawn"` // removed by quantity decreases
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	Sequence      uint64          `json:"sequence"`
}

// Filled returns the quantity executed so far.
func (o *Order) Filled() decimal.Decimal {
	return o.Quantity.Sub(o.Remaining).Sub(o.Withdrawn)
}

// Snapshot returns a detached copy safe to hand to callers outside the
// engine's serialization point.
func (o *Order) Snapshot() Order {
	return *o
}

// Trade is an immutable execution record. Exactly one trade is produced per
// (aggressor, resting) pairing, priced at the resting order's price.
type Trade struct {
	ID                uuid.UUID       `json:"id"`
	Symbol            string          `json:"symbol"`
	Price             decimal.Decimal `json:"price"`
	Quantity          decimal.Decimal `json:"quantity"`
	AggressorOrderID  uuid.UUID       `json:"aggressor_order_id"`
	RestingOrderID    uuid.UUID       `json:"resting_order_id"`
	AggressorSide     Side            `json:"aggressor_side"`
	BuyParticipantID  string          `json:"buy_participant_id"`
	SellParticipantID string          `json:"sell_participant_id"`
	Sequence          uint64          `json:"sequence"`
	Timestamp         time.Time       `json:"timestamp"`
}

// BookDelta reports the new aggregate quantity at one price level after a
// mutation. A zero quantity means the level was removed.
type BookDelta struct {
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	UpdateID  uint64          `json:"update_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceLevelView is a read-only (price, aggregate quantity) pair.
type PriceLevelView struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// SymbolSpec carries the per-instrument trading parameters the engine
// validates against.
type SymbolSpec struct {
	Symbol      string          `json:"symbol"`
	TickSize    decimal.Decimal `json:"tick_size"`
	LotSize     decimal.Decimal `json:"lot_size"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
}

// Validate checks tick, lot and minimum quantity.
func (s SymbolSpec) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if !s.TickSize.IsPositive() {
		return fmt.Errorf("tick size for %s must be positive", s.Symbol)
	}
	if !s.LotSize.IsPositive() {
		return fmt.Errorf("lot size for %s must be positive", s.Symbol)
	}
	if s.MinQuantity.IsNegative() {
		return fmt.Errorf("min quantity for %s cannot be negative", s.Symbol)
	}
	return nil
}

// ValidPrice reports whether price is positive and a whole number of ticks.
func (s SymbolSpec) ValidPrice(price decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}
	return price.Mod(s.TickSize).IsZero()
}

// ValidQuantity reports whether qty is positive, a whole number of lots and
// at least the minimum quantity.
func (s SymbolSpec) ValidQuantity(qty decimal.Decimal) bool {
	if !qty.IsPositive() {
		return false
	}
	if qty.LessThan(s.MinQuantity) {
		return false
	}
	return qty.Mod(s.LotSize).IsZero()
}

// NewOrderForTest builds a limit order from string decimals; it panics on
// malformed input and is meant for tests and fixtures only.
func NewOrderForTest(symbol string, side Side, priceStr, qtyStr string) *Order {
	qty := decimal.RequireFromString(qtyStr)
	o := &Order{
		ID:            uuid.New(),
		ParticipantID: "test-" + uuid.NewString()[:8],
		Symbol:        symbol,
		Side:          side,
		Type:          OrderTypeLimit,
		Quantity:      qty,
		Remaining:     qty,
		Status:        OrderStatusReceived,
		CreatedAt:     time.Now(),
	}
	if priceStr == "" {
		o.Type = OrderTypeMarket
	} else {
		o.Price = decimal.RequireFromString(priceStr)
	}
	return o
}

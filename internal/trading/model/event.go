package model

import "time"

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventTrade     EventType = "trade"
	EventBookDelta EventType = "book_delta"
	EventHalt      EventType = "halt"
	EventResume    EventType = "resume"
	EventOrder     EventType = "order"
)

// Event is the envelope handed to downstream publishers. Exactly one payload
// pointer is set, matching Type. Sequence is the payload's own sequence
// (trade sequence, delta update id, halt sequence or order sequence).
type Event struct {
	Type      EventType  `json:"type"`
	Symbol    string     `json:"symbol"`
	Sequence  uint64     `json:"sequence"`
	Timestamp time.Time  `json:"timestamp"`
	Trade     *Trade     `json:"trade,omitempty"`
	Delta     *BookDelta `json:"delta,omitempty"`
	Halt      *HaltEvent `json:"halt,omitempty"`
	Order     *Order     `json:"order,omitempty"`
}

// TradeEvent wraps t.
func TradeEvent(t Trade) Event {
	return Event{Type: EventTrade, Symbol: t.Symbol, Sequence: t.Sequence, Timestamp: t.Timestamp, Trade: &t}
}

// DeltaEvent wraps d.
func DeltaEvent(d BookDelta) Event {
	return Event{Type: EventBookDelta, Symbol: d.Symbol, Sequence: d.UpdateID, Timestamp: d.Timestamp, Delta: &d}
}

// OrderEvent wraps an order state change.
func OrderEvent(o Order, at time.Time) Event {
	return Event{Type: EventOrder, Symbol: o.Symbol, Sequence: o.Sequence, Timestamp: at, Order: &o}
}

// HaltStateEvent wraps a halt or resume transition. Market-wide halts carry
// an empty symbol.
func HaltStateEvent(h HaltEvent, resumed bool) Event {
	typ, ts := EventHalt, h.TriggeredAt
	if resumed {
		typ = EventResume
		if h.ResolvedAt != nil {
			ts = *h.ResolvedAt
		}
	}
	return Event{Type: typ, Symbol: h.Symbol, Sequence: h.Sequence, Timestamp: ts, Halt: &h}
}

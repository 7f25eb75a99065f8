package engine

import "github.com/Aidin1998/pincex_matching/internal/trading/model"

// tradeTape keeps the most recent trades of a symbol in sequence order.
type tradeTape struct {
	buf   []model.Trade
	start int
	size  int
	// floor is the last sequence issued before the tape started recording
	floor uint64
}

func newTradeTape(capacity int, floor uint64) *tradeTape {
	if capacity <= 0 {
		capacity = 1
	}
	return &tradeTape{buf: make([]model.Trade, capacity), floor: floor}
}

func (t *tradeTape) append(tr model.Trade) {
	if t.size < len(t.buf) {
		t.buf[(t.start+t.size)%len(t.buf)] = tr
		t.size++
		return
	}
	t.buf[t.start] = tr
	t.start = (t.start + 1) % len(t.buf)
}

func (t *tradeTape) at(i int) model.Trade {
	return t.buf[(t.start+i)%len(t.buf)]
}

// since returns retained trades with Sequence > seq and whether the tape
// covered the whole requested range.
func (t *tradeTape) since(seq uint64) ([]model.Trade, bool) {
	if t.size == 0 {
		return nil, seq >= t.floor
	}
	// sequences are contiguous, so the first wanted index is computed directly
	oldest := t.at(0).Sequence
	first := 0
	if seq >= oldest {
		first = int(seq - oldest + 1)
	}
	if first >= t.size {
		return nil, true
	}
	out := make([]model.Trade, 0, t.size-first)
	for i := first; i < t.size; i++ {
		out = append(out, t.at(i))
	}
	return out, seq+1 >= oldest
}

func (t *tradeTape) oldestSequence() uint64 {
	if t.size == 0 {
		return t.floor + 1
	}
	return t.at(0).Sequence
}

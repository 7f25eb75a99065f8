package marketdata

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultHistoryCapacity bounds the per-symbol price/volume ring.
	DefaultHistoryCapacity = 4096
	// TradeRetention is the trailing window kept in the trade list.
	TradeRetention = time.Hour
	// VolumeBaselinePeriods is the trailing sample count a volume spike is
	// measured against.
	VolumeBaselinePeriods = 30
	// ErrorTradeLookback is the number of prior trades an outlier is
	// measured against.
	ErrorTradeLookback = 19
)

var hundred = decimal.NewFromInt(100)

// PricePoint is one market data observation.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`

	// cumulative volume up to and including this point
	cumVolume decimal.Decimal
}

// series is the rolling history of one symbol. Points are appended in
// timestamp order.
type series struct {
	mu    sync.RWMutex
	ring  []PricePoint
	start int
	size  int
	total decimal.Decimal

	// trades[head:] is the retention window. Expired points are skipped by
	// advancing head; the slice is compacted once head passes its midpoint.
	trades []PricePoint
	head   int
}

func newSeries(capacity int) *series {
	return &series{ring: make([]PricePoint, capacity)}
}

func (s *series) at(i int) *PricePoint {
	return &s.ring[(s.start+i)%len(s.ring)]
}

func (s *series) push(p PricePoint) {
	s.total = s.total.Add(p.Volume)
	p.cumVolume = s.total
	if s.size < len(s.ring) {
		s.ring[(s.start+s.size)%len(s.ring)] = p
		s.size++
	} else {
		s.ring[s.start] = p
		s.start = (s.start + 1) % len(s.ring)
	}

	s.trades = append(s.trades, p)
	cutoff := p.Timestamp.Add(-TradeRetention)
	for s.head < len(s.trades) && s.trades[s.head].Timestamp.Before(cutoff) {
		s.head++
	}
	if s.head > 0 && s.head >= len(s.trades)/2 {
		n := copy(s.trades, s.trades[s.head:])
		clear(s.trades[n:])
		s.trades = s.trades[:n]
		s.head = 0
	}
}

// window returns the points inside the retention window.
func (s *series) window() []PricePoint {
	return s.trades[s.head:]
}

// volumeSum returns the total volume of points [from, to) by ring index.
func (s *series) volumeSum(from, to int) decimal.Decimal {
	if from >= to {
		return decimal.Zero
	}
	end := s.at(to - 1).cumVolume
	first := s.at(from)
	return end.Sub(first.cumVolume).Add(first.Volume)
}

// Tracker keeps rolling per-symbol price, volume and trade history for the
// circuit-breaker evaluators. Each symbol has its own lock, so symbols never
// contend with each other.
type Tracker struct {
	mu       sync.RWMutex
	series   map[string]*series
	capacity int
}

// NewTracker creates a tracker retaining up to capacity points per symbol.
func NewTracker(capacity int) *Tracker {
	if capacity < VolumeBaselinePeriods+2 {
		capacity = DefaultHistoryCapacity
	}
	return &Tracker{series: make(map[string]*series), capacity: capacity}
}

func (t *Tracker) get(symbol string) *series {
	t.mu.RLock()
	s := t.series[symbol]
	t.mu.RUnlock()
	return s
}

func (t *Tracker) getOrCreate(symbol string) *series {
	if s := t.get(symbol); s != nil {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.series[symbol]; ok {
		return s
	}
	s := newSeries(t.capacity)
	t.series[symbol] = s
	return s
}

// Record appends an observation for symbol.
func (t *Tracker) Record(symbol string, price, volume decimal.Decimal, ts time.Time) {
	s := t.getOrCreate(symbol)
	s.mu.Lock()
	s.push(PricePoint{Price: price, Volume: volume, Timestamp: ts})
	s.mu.Unlock()
}

// Latest returns the most recent observation.
func (t *Tracker) Latest(symbol string) (PricePoint, bool) {
	s := t.get(symbol)
	if s == nil {
		return PricePoint{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size == 0 {
		return PricePoint{}, false
	}
	return *s.at(s.size - 1), true
}

// Len returns the number of retained observations for symbol.
func (t *Tracker) Len(symbol string) int {
	s := t.get(symbol)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Symbols lists tracked symbols.
func (t *Tracker) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.series))
	for sym := range t.series {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// PriceChange returns the percentage move from the first observation inside
// the trailing window to the latest one. ok is false with fewer than two
// observations in the window.
func (t *Tracker) PriceChange(symbol string, window time.Duration) (pct decimal.Decimal, ok bool) {
	s := t.get(symbol)
	if s == nil {
		return decimal.Zero, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size < 2 {
		return decimal.Zero, false
	}
	last := s.at(s.size - 1)
	cutoff := last.Timestamp.Add(-window)
	first := sort.Search(s.size, func(i int) bool { return !s.at(i).Timestamp.Before(cutoff) })
	if first >= s.size-1 {
		return decimal.Zero, false
	}
	ref := s.at(first).Price
	if ref.IsZero() {
		return decimal.Zero, false
	}
	return last.Price.Sub(ref).Div(ref).Mul(hundred), true
}

// Volatility returns the sample standard deviation of log returns over the
// last points observations. ok is false until that many points exist.
func (t *Tracker) Volatility(symbol string, points int) (float64, bool) {
	if points < 3 {
		return 0, false
	}
	s := t.get(symbol)
	if s == nil {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size < points {
		return 0, false
	}
	returns := make([]float64, 0, points-1)
	prev := s.at(s.size - points).Price.InexactFloat64()
	for i := s.size - points + 1; i < s.size; i++ {
		cur := s.at(i).Price.InexactFloat64()
		if prev <= 0 || cur <= 0 {
			return 0, false
		}
		returns = append(returns, math.Log(cur/prev))
		prev = cur
	}
	_, std := meanStd(returns)
	return std, true
}

// VolumeRatio divides the mean volume of the last window observations by the
// mean of the VolumeBaselinePeriods observations before them. ok is false
// until the full baseline exists or when the baseline is zero.
func (t *Tracker) VolumeRatio(symbol string, window int) (decimal.Decimal, bool) {
	if window <= 0 {
		return decimal.Zero, false
	}
	s := t.get(symbol)
	if s == nil {
		return decimal.Zero, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size < window+VolumeBaselinePeriods {
		return decimal.Zero, false
	}
	recentFrom := s.size - window
	baseFrom := recentFrom - VolumeBaselinePeriods
	recent := s.volumeSum(recentFrom, s.size).Div(decimal.NewFromInt(int64(window)))
	base := s.volumeSum(baseFrom, recentFrom).Div(decimal.NewFromInt(VolumeBaselinePeriods))
	if !base.IsPositive() {
		return decimal.Zero, false
	}
	return recent.Div(base), true
}

// ErrorTradeDeviation returns how many standard deviations the latest trade
// price lies from the mean of the ErrorTradeLookback trades before it. ok is
// false with too few trades in the retention window or a zero deviation.
func (t *Tracker) ErrorTradeDeviation(symbol string) (float64, bool) {
	s := t.get(symbol)
	if s == nil {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	trades := s.window()
	n := len(trades)
	if n < ErrorTradeLookback+1 {
		return 0, false
	}
	prior := make([]float64, ErrorTradeLookback)
	for i, p := range trades[n-1-ErrorTradeLookback : n-1] {
		prior[i] = p.Price.InexactFloat64()
	}
	mean, std := meanStd(prior)
	if std == 0 {
		return 0, false
	}
	return math.Abs(trades[n-1].Price.InexactFloat64()-mean) / std, true
}

// RecentTrades returns observations inside the one-hour retention window.
func (t *Tracker) RecentTrades(symbol string) []PricePoint {
	s := t.get(symbol)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	trades := s.window()
	out := make([]PricePoint, len(trades))
	copy(out, trades)
	return out
}

// meanStd returns the mean and sample standard deviation.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)-1))
}

// =============================
// Circuit Breaker System
// =============================
// The System owns the rule set and every active halt. Matching engines call
// IsHalted before accepting a new order and ProcessMarketData after every
// fill; both are safe for concurrent use by all symbols.
//
// Locking:
// - rules are an immutable snapshot behind an atomic pointer; writers
//   serialize on rulesMu and swap a new copy in, so evaluation never waits
//   on an administrative change
// - each symbol's halt and cooldown state has its own mutex
// - the market-wide halt is an atomic pointer, written under marketMu
// - listeners are called after every lock is released

package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/pincex_matching/internal/marketdata"
	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/Aidin1998/pincex_matching/pkg/errors"
	"github.com/Aidin1998/pincex_matching/pkg/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ManualRuleID is the rule id recorded on manual halts.
const ManualRuleID = "manual"

// HaltListener is notified of halt transitions. symbol is empty for
// market-wide halts. A returned error or panic is logged and swallowed;
// it never stops other listeners or the transition itself. Listeners run
// on the caller's goroutine, which may be a matching engine holding its
// lock, so they must not block or call back into the engine.
type HaltListener interface {
	OnHalt(symbol string, event model.HaltEvent) error
	OnResume(symbol string, event model.HaltEvent) error
}

// ListenerFuncs adapts plain functions to HaltListener.
type ListenerFuncs struct {
	Halt   func(symbol string, event model.HaltEvent) error
	Resume func(symbol string, event model.HaltEvent) error
}

func (f ListenerFuncs) OnHalt(symbol string, event model.HaltEvent) error {
	if f.Halt == nil {
		return nil
	}
	return f.Halt(symbol, event)
}

func (f ListenerFuncs) OnResume(symbol string, event model.HaltEvent) error {
	if f.Resume == nil {
		return nil
	}
	return f.Resume(symbol, event)
}

// Config tunes the system.
type Config struct {
	// CheckInterval is how often Run looks for expired halts.
	CheckInterval time.Duration
	// HistorySize bounds the resolved-halt history.
	HistorySize int
	// TrackerCapacity bounds per-symbol market data history.
	TrackerCapacity int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:   time.Second,
		HistorySize:     1000,
		TrackerCapacity: marketdata.DefaultHistoryCapacity,
	}
}

type ruleSet struct {
	rules []*model.CircuitBreakerRule
	byID  map[string]*model.CircuitBreakerRule
}

func newRuleSet(rules []*model.CircuitBreakerRule) *ruleSet {
	rs := &ruleSet{rules: rules, byID: make(map[string]*model.CircuitBreakerRule, len(rules))}
	for _, r := range rules {
		rs.byID[r.ID] = r
	}
	return rs
}

type symbolState struct {
	mu        sync.Mutex
	halt      *model.HaltEvent
	cooldowns map[string]time.Time // rule id -> cooldown end
}

type dailyCount struct {
	day   string
	count int
}

// System is the venue's circuit-breaker subsystem.
type System struct {
	cfg      Config
	tracker  *marketdata.Tracker
	analyzer *Analyzer
	now      func() time.Time
	logger   *zap.Logger
	started  time.Time

	rulesMu sync.Mutex
	rules   atomic.Pointer[ruleSet]

	states sync.Map // symbol -> *symbolState

	marketMu        sync.Mutex
	marketHalt      atomic.Pointer[model.HaltEvent]
	marketCooldowns map[string]time.Time

	countsMu sync.Mutex
	counts   map[string]dailyCount

	historyMu sync.RWMutex
	history   []model.HaltEvent

	listenersMu sync.RWMutex
	listeners   []HaltListener

	haltSeq atomic.Uint64
}

// NewSystem creates a system with the given initial rules.
func NewSystem(cfg Config, rules []model.CircuitBreakerRule, logger *zap.Logger) (*System, error) {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := marketdata.NewTracker(cfg.TrackerCapacity)
	s := &System{
		cfg:             cfg,
		tracker:         tracker,
		analyzer:        NewAnalyzer(tracker),
		now:             time.Now,
		logger:          logger.Named("circuit_breaker"),
		marketCooldowns: make(map[string]time.Time),
		counts:          make(map[string]dailyCount),
	}
	s.started = s.now()
	if err := s.ReplaceRules(rules); err != nil {
		return nil, err
	}
	return s, nil
}

// ContinueHaltSequence makes halt numbering continue after last, the highest
// sequence issued by an earlier run. It never lowers the counter.
func (s *System) ContinueHaltSequence(last uint64) {
	for {
		cur := s.haltSeq.Load()
		if cur >= last || s.haltSeq.CompareAndSwap(cur, last) {
			return
		}
	}
}

// SetClock overrides the wall clock. Intended for tests and replays.
func (s *System) SetClock(now func() time.Time) {
	s.now = now
	s.started = now()
}

// Tracker exposes the market data history the rules evaluate.
func (s *System) Tracker() *marketdata.Tracker { return s.tracker }

// AddListener registers l for halt and resume notifications.
func (s *System) AddListener(l HaltListener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMu.Unlock()
}

// ---- rules ----

// Rules returns a copy of the current rule set in evaluation order.
func (s *System) Rules() []model.CircuitBreakerRule {
	rs := s.rules.Load()
	out := make([]model.CircuitBreakerRule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = *r
	}
	return out
}

// AddRule appends a rule. Ids must be unique.
func (s *System) AddRule(rule model.CircuitBreakerRule) error {
	if err := rule.Validate(); err != nil {
		return errors.ErrInvalidRule.Explain("%v", err)
	}
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	cur := s.rules.Load()
	if _, exists := cur.byID[rule.ID]; exists {
		return errors.ErrInvalidRule.Explain("rule %s already exists", rule.ID)
	}
	next := make([]*model.CircuitBreakerRule, len(cur.rules), len(cur.rules)+1)
	copy(next, cur.rules)
	r := rule
	next = append(next, &r)
	s.rules.Store(newRuleSet(next))
	s.logger.Info("circuit breaker rule added", zap.String("rule_id", rule.ID), zap.String("break_type", string(rule.Type)))
	return nil
}

// RemoveRule deletes a rule. Active halts it caused run to expiry.
func (s *System) RemoveRule(id string) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	cur := s.rules.Load()
	if _, ok := cur.byID[id]; !ok {
		return errors.ErrRuleNotFound.Explain("rule %s not found", id)
	}
	next := make([]*model.CircuitBreakerRule, 0, len(cur.rules)-1)
	for _, r := range cur.rules {
		if r.ID != id {
			next = append(next, r)
		}
	}
	s.rules.Store(newRuleSet(next))
	s.logger.Info("circuit breaker rule removed", zap.String("rule_id", id))
	return nil
}

// SetRuleEnabled toggles a rule without removing it.
func (s *System) SetRuleEnabled(id string, enabled bool) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	cur := s.rules.Load()
	if _, ok := cur.byID[id]; !ok {
		return errors.ErrRuleNotFound.Explain("rule %s not found", id)
	}
	next := make([]*model.CircuitBreakerRule, len(cur.rules))
	for i, r := range cur.rules {
		if r.ID == id {
			c := *r
			c.Enabled = enabled
			r = &c
		}
		next[i] = r
	}
	s.rules.Store(newRuleSet(next))
	return nil
}

// ReplaceRules swaps in a whole new rule set, as done on config reload.
func (s *System) ReplaceRules(rules []model.CircuitBreakerRule) error {
	next := make([]*model.CircuitBreakerRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		r := rules[i]
		if err := r.Validate(); err != nil {
			return errors.ErrInvalidRule.Explain("%v", err)
		}
		if seen[r.ID] {
			return errors.ErrInvalidRule.Explain("duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true
		next = append(next, &r)
	}
	s.rulesMu.Lock()
	s.rules.Store(newRuleSet(next))
	s.rulesMu.Unlock()
	s.logger.Info("circuit breaker rules loaded", zap.Int("count", len(next)))
	return nil
}

// ---- gate ----

// IsHalted reports whether new matching is suspended for symbol, either by
// its own halt or a market-wide one. Expired halts are resumed on the spot.
func (s *System) IsHalted(symbol string) bool {
	now := s.now()
	if h := s.marketHalt.Load(); h != nil {
		if now.Before(h.ExpiresAt()) {
			return true
		}
		s.expireMarket(now)
	}
	st := s.state(symbol, false)
	if st == nil {
		return false
	}
	st.mu.Lock()
	h := st.halt
	expired := h != nil && !now.Before(h.ExpiresAt())
	st.mu.Unlock()
	if h == nil {
		return false
	}
	if !expired {
		return true
	}
	s.expireSymbol(symbol, st, now)
	return s.IsHalted(symbol)
}

// ProcessMarketData records a trade for symbol and, unless the symbol is
// already halted, evaluates every enabled rule in scope. The first rule that
// triggers halts the symbol (or the market) and its event is returned.
func (s *System) ProcessMarketData(symbol string, price, volume decimal.Decimal, ts time.Time) *model.HaltEvent {
	s.tracker.Record(symbol, price, volume, ts)
	if s.IsHalted(symbol) {
		return nil
	}
	st := s.state(symbol, true)
	for _, rule := range s.rules.Load().rules {
		if !rule.Enabled || !rule.AppliesTo(symbol) {
			continue
		}
		if s.coolingDown(rule, st, ts) {
			continue
		}
		ev := s.analyzer.Evaluate(rule, symbol)
		if !ev.Triggered {
			continue
		}
		target := symbol
		if rule.MarketWide {
			target = ""
		}
		halt := s.newHalt(rule.ID, rule.Type, target, ts, rule.HaltDuration, price, ev.Metric, ev.Reason)
		installed, charged := s.fire(rule, target, halt, ts)
		if !charged {
			continue
		}
		if installed {
			return halt
		}
		return nil
	}
	return nil
}

// fire charges one of rule's daily triggers and installs halt. charged is
// false once the daily cap is spent. The trigger is refunded when another
// halt got to the scope first.
func (s *System) fire(rule *model.CircuitBreakerRule, target string, halt *model.HaltEvent, now time.Time) (installed, charged bool) {
	if !s.takeTrigger(rule, now) {
		return false, false
	}
	if s.install(target, halt) {
		return true, true
	}
	s.refundTrigger(rule, now)
	return false, true
}

// ManualHalt halts symbol (the whole market when symbol is empty) for
// duration, bypassing the rules.
func (s *System) ManualHalt(symbol string, duration time.Duration, reason string) (*model.HaltEvent, error) {
	if duration <= 0 {
		return nil, errors.ErrInvalidRule.Explain("halt duration must be positive")
	}
	price := decimal.Zero
	if symbol != "" {
		if p, ok := s.tracker.Latest(symbol); ok {
			price = p.Price
		}
	}
	halt := s.newHalt(ManualRuleID, model.BreakTypeManual, symbol, s.now(), duration, price, 0, reason)
	if !s.install(symbol, halt) {
		return nil, errors.ErrMarketHalted.Explain("%s is already halted", scopeName(symbol))
	}
	return halt, nil
}

// ManualResume ends the active halt of symbol (the market-wide halt when
// symbol is empty).
func (s *System) ManualResume(symbol string) (*model.HaltEvent, error) {
	now := s.now()
	if symbol == "" {
		s.marketMu.Lock()
		h := s.marketHalt.Load()
		if h == nil {
			s.marketMu.Unlock()
			return nil, errors.ErrNotHalted.Explain("market is not halted")
		}
		resolved := s.resolveMarketLocked(h, now)
		s.marketMu.Unlock()
		s.afterResume(resolved)
		return &resolved, nil
	}
	st := s.state(symbol, false)
	if st == nil {
		return nil, errors.ErrNotHalted.Explain("%s is not halted", symbol)
	}
	st.mu.Lock()
	if st.halt == nil {
		st.mu.Unlock()
		return nil, errors.ErrNotHalted.Explain("%s is not halted", symbol)
	}
	resolved := s.resolveSymbolLocked(st, now)
	st.mu.Unlock()
	s.afterResume(resolved)
	return &resolved, nil
}

// CheckExpirations resumes every halt whose duration has elapsed.
func (s *System) CheckExpirations() {
	now := s.now()
	if h := s.marketHalt.Load(); h != nil && !now.Before(h.ExpiresAt()) {
		s.expireMarket(now)
	}
	s.states.Range(func(key, value any) bool {
		st := value.(*symbolState)
		st.mu.Lock()
		expired := st.halt != nil && !now.Before(st.halt.ExpiresAt())
		st.mu.Unlock()
		if expired {
			s.expireSymbol(key.(string), st, now)
		}
		return true
	})
}

// Run checks halt expirations every CheckInterval until ctx is done, so
// resumes are announced even when a symbol sees no order traffic.
func (s *System) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.CheckExpirations()
		}
	}
}

// ---- status ----

// State returns the trading state of symbol.
func (s *System) State(symbol string) model.TradingState {
	if s.IsHalted(symbol) {
		return model.TradingStateHalted
	}
	now := s.now()
	s.marketMu.Lock()
	for _, until := range s.marketCooldowns {
		if now.Before(until) {
			s.marketMu.Unlock()
			return model.TradingStateCoolingDown
		}
	}
	s.marketMu.Unlock()
	if st := s.state(symbol, false); st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		for _, until := range st.cooldowns {
			if now.Before(until) {
				return model.TradingStateCoolingDown
			}
		}
	}
	return model.TradingStateActive
}

// ActiveHalts returns the active halts, market-wide first.
func (s *System) ActiveHalts() []model.HaltEvent {
	var out []model.HaltEvent
	if h := s.marketHalt.Load(); h != nil {
		out = append(out, *h)
	}
	var symbols []model.HaltEvent
	s.states.Range(func(_, value any) bool {
		st := value.(*symbolState)
		st.mu.Lock()
		if st.halt != nil {
			symbols = append(symbols, *st.halt)
		}
		st.mu.Unlock()
		return true
	})
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Sequence < symbols[j].Sequence })
	return append(out, symbols...)
}

// History returns up to limit resolved halts, most recent last. limit <= 0
// returns all retained entries.
func (s *System) History(limit int) []model.HaltEvent {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	from := 0
	if limit > 0 && limit < len(s.history) {
		from = len(s.history) - limit
	}
	out := make([]model.HaltEvent, len(s.history)-from)
	copy(out, s.history[from:])
	return out
}

// RuleCounts summarizes the rule set.
type RuleCounts struct {
	Total   int                     `json:"total"`
	Enabled int                     `json:"enabled"`
	ByType  map[model.BreakType]int `json:"by_type"`
}

// Status is the administrative view of the system.
type Status struct {
	ActiveHalts   []model.HaltEvent             `json:"active_halts"`
	MarketHalted  bool                          `json:"market_halted"`
	RuleCounts    RuleCounts                    `json:"rule_counts"`
	DailyTriggers map[string]int                `json:"daily_triggers"`
	Symbols       map[string]model.TradingState `json:"symbols"`
	HistorySize   int                           `json:"history_size"`
	StartedAt     time.Time                     `json:"started_at"`
	Uptime        time.Duration                 `json:"uptime"`
}

// GetSystemStatus reports active halts, rule counts, trigger counters,
// per-symbol states and uptime.
func (s *System) GetSystemStatus() Status {
	now := s.now()
	st := Status{
		ActiveHalts:   s.ActiveHalts(),
		MarketHalted:  s.marketHalt.Load() != nil,
		DailyTriggers: make(map[string]int),
		Symbols:       make(map[string]model.TradingState),
		StartedAt:     s.started,
		Uptime:        now.Sub(s.started),
	}
	rc := RuleCounts{ByType: make(map[model.BreakType]int)}
	for _, r := range s.rules.Load().rules {
		rc.Total++
		if r.Enabled {
			rc.Enabled++
		}
		rc.ByType[r.Type]++
	}
	st.RuleCounts = rc

	day := dayKey(now)
	s.countsMu.Lock()
	for id, c := range s.counts {
		if c.day == day {
			st.DailyTriggers[id] = c.count
		}
	}
	s.countsMu.Unlock()

	s.states.Range(func(key, _ any) bool {
		sym := key.(string)
		st.Symbols[sym] = s.State(sym)
		return true
	})
	s.historyMu.RLock()
	st.HistorySize = len(s.history)
	s.historyMu.RUnlock()
	return st
}

// ---- internals ----

func (s *System) state(symbol string, create bool) *symbolState {
	if v, ok := s.states.Load(symbol); ok {
		return v.(*symbolState)
	}
	if !create {
		return nil
	}
	v, _ := s.states.LoadOrStore(symbol, &symbolState{cooldowns: make(map[string]time.Time)})
	return v.(*symbolState)
}

func (s *System) coolingDown(rule *model.CircuitBreakerRule, st *symbolState, now time.Time) bool {
	if rule.MarketWide {
		s.marketMu.Lock()
		defer s.marketMu.Unlock()
		return now.Before(s.marketCooldowns[rule.ID])
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return now.Before(st.cooldowns[rule.ID])
}

// takeTrigger consumes one of the rule's daily triggers. It returns false
// once the rule's cap for the day is spent.
func (s *System) takeTrigger(rule *model.CircuitBreakerRule, now time.Time) bool {
	day := dayKey(now)
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	c := s.counts[rule.ID]
	if c.day != day {
		c = dailyCount{day: day}
	}
	if rule.MaxTriggersPerDay > 0 && c.count >= rule.MaxTriggersPerDay {
		return false
	}
	c.count++
	s.counts[rule.ID] = c
	return true
}

func (s *System) refundTrigger(rule *model.CircuitBreakerRule, now time.Time) {
	day := dayKey(now)
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	if c := s.counts[rule.ID]; c.day == day && c.count > 0 {
		c.count--
		s.counts[rule.ID] = c
	}
}

func (s *System) newHalt(ruleID string, typ model.BreakType, symbol string, at time.Time, d time.Duration, price decimal.Decimal, metric float64, reason string) *model.HaltEvent {
	return &model.HaltEvent{
		ID:            uuid.New(),
		RuleID:        ruleID,
		Type:          typ,
		Symbol:        symbol,
		TriggeredAt:   at,
		Duration:      d,
		TriggerPrice:  price,
		TriggerMetric: metric,
		Reason:        reason,
		Active:        true,
	}
}

// install activates halt unless the scope is already halted.
func (s *System) install(symbol string, halt *model.HaltEvent) bool {
	if symbol == "" {
		s.marketMu.Lock()
		if s.marketHalt.Load() != nil {
			s.marketMu.Unlock()
			return false
		}
		halt.Sequence = s.haltSeq.Add(1)
		s.marketHalt.Store(halt)
		s.marketMu.Unlock()
	} else {
		st := s.state(symbol, true)
		st.mu.Lock()
		if st.halt != nil {
			st.mu.Unlock()
			return false
		}
		halt.Sequence = s.haltSeq.Add(1)
		st.halt = halt
		st.mu.Unlock()
	}

	metrics.HaltsTriggered.WithLabelValues(scopeName(symbol), string(halt.Type)).Inc()
	s.refreshActiveGauge()
	s.logger.Warn("trading halted",
		zap.String("scope", scopeName(symbol)),
		zap.String("rule_id", halt.RuleID),
		zap.String("break_type", string(halt.Type)),
		zap.Duration("duration", halt.Duration),
		zap.String("trigger_price", halt.TriggerPrice.String()),
		zap.Float64("trigger_metric", halt.TriggerMetric),
		zap.String("reason", halt.Reason))
	s.notify(*halt, false)
	return true
}

func (s *System) expireMarket(now time.Time) {
	s.marketMu.Lock()
	h := s.marketHalt.Load()
	if h == nil || now.Before(h.ExpiresAt()) {
		s.marketMu.Unlock()
		return
	}
	resolved := s.resolveMarketLocked(h, now)
	s.marketMu.Unlock()
	s.afterResume(resolved)
}

func (s *System) expireSymbol(symbol string, st *symbolState, now time.Time) {
	st.mu.Lock()
	if st.halt == nil || now.Before(st.halt.ExpiresAt()) {
		st.mu.Unlock()
		return
	}
	resolved := s.resolveSymbolLocked(st, now)
	st.mu.Unlock()
	s.afterResume(resolved)
}

func (s *System) resolveMarketLocked(h *model.HaltEvent, now time.Time) model.HaltEvent {
	resolved := resolve(*h, now)
	s.marketHalt.Store(nil)
	if rule, ok := s.rules.Load().byID[h.RuleID]; ok && rule.CooldownDuration > 0 {
		s.marketCooldowns[h.RuleID] = now.Add(rule.CooldownDuration)
	}
	return resolved
}

func (s *System) resolveSymbolLocked(st *symbolState, now time.Time) model.HaltEvent {
	resolved := resolve(*st.halt, now)
	if rule, ok := s.rules.Load().byID[st.halt.RuleID]; ok && rule.CooldownDuration > 0 {
		st.cooldowns[st.halt.RuleID] = now.Add(rule.CooldownDuration)
	}
	st.halt = nil
	return resolved
}

func (s *System) afterResume(resolved model.HaltEvent) {
	s.historyMu.Lock()
	s.history = append(s.history, resolved)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
	s.historyMu.Unlock()

	s.refreshActiveGauge()
	s.logger.Info("trading resumed",
		zap.String("scope", scopeName(resolved.Symbol)),
		zap.String("rule_id", resolved.RuleID),
		zap.Time("resolved_at", *resolved.ResolvedAt))
	s.notify(resolved, true)
}

func (s *System) refreshActiveGauge() {
	n := 0
	if s.marketHalt.Load() != nil {
		n++
	}
	s.states.Range(func(_, value any) bool {
		st := value.(*symbolState)
		st.mu.Lock()
		if st.halt != nil {
			n++
		}
		st.mu.Unlock()
		return true
	})
	metrics.ActiveHalts.Set(float64(n))
}

func (s *System) notify(event model.HaltEvent, resumed bool) {
	s.listenersMu.RLock()
	listeners := make([]HaltListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		s.callListener(l, event, resumed)
	}
}

func (s *System) callListener(l HaltListener, event model.HaltEvent, resumed bool) {
	name := "halt"
	if resumed {
		name = "resume"
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackFailures.WithLabelValues(name).Inc()
			s.logger.Error("halt listener panicked",
				zap.String("event", name),
				zap.String("halt_id", event.ID.String()),
				zap.Any("panic", r))
		}
	}()
	var err error
	if resumed {
		err = l.OnResume(event.Symbol, event)
	} else {
		err = l.OnHalt(event.Symbol, event)
	}
	if err != nil {
		metrics.CallbackFailures.WithLabelValues(name).Inc()
		s.logger.Error("halt listener failed",
			zap.String("event", name),
			zap.String("halt_id", event.ID.String()),
			zap.Error(err))
	}
}

func resolve(h model.HaltEvent, now time.Time) model.HaltEvent {
	h.Active = false
	at := now
	h.ResolvedAt = &at
	return h
}

func scopeName(symbol string) string {
	if symbol == "" {
		return "market"
	}
	return symbol
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

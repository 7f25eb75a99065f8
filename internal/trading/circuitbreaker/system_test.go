package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/Aidin1998/pincex_matching/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	halts   []model.HaltEvent
	resumes []model.HaltEvent
}

func (r *recorder) OnHalt(_ string, e model.HaltEvent) error {
	r.mu.Lock()
	r.halts = append(r.halts, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) OnResume(_ string, e model.HaltEvent) error {
	r.mu.Lock()
	r.resumes = append(r.resumes, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.halts), len(r.resumes)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestSystem(t *testing.T, rules []model.CircuitBreakerRule) (*System, *fakeClock, *recorder) {
	t.Helper()
	sys, err := NewSystem(Config{CheckInterval: 5 * time.Millisecond}, rules, zaptest.NewLogger(t))
	require.NoError(t, err)
	clock := newFakeClock()
	sys.SetClock(clock.Now)
	rec := &recorder{}
	sys.AddListener(rec)
	return sys, clock, rec
}

// feed records prices one second apart.
func feed(sys *System, clock *fakeClock, symbol string, prices ...string) *model.HaltEvent {
	var last *model.HaltEvent
	for _, p := range prices {
		clock.Advance(time.Second)
		if h := sys.ProcessMarketData(symbol, d(p), d("1"), clock.Now()); h != nil {
			last = h
		}
	}
	return last
}

func TestIndividualStockRuleTriggers(t *testing.T) {
	sys, clock, rec := newTestSystem(t, DefaultRules())

	assert.Nil(t, feed(sys, clock, "BTCUSD", "50000", "50100", "50050"))
	assert.False(t, sys.IsHalted("BTCUSD"))

	halt := feed(sys, clock, "BTCUSD", "53000")
	require.NotNil(t, halt)
	assert.Equal(t, "individual_stock_5pct", halt.RuleID)
	assert.Equal(t, model.BreakTypePriceLimit, halt.Type)
	assert.Equal(t, "BTCUSD", halt.Symbol)
	assert.True(t, halt.TriggerPrice.Equal(d("53000")))
	assert.InDelta(t, 6.0, halt.TriggerMetric, 1e-9)
	assert.True(t, halt.Active)

	assert.True(t, sys.IsHalted("BTCUSD"))
	assert.False(t, sys.IsHalted("ETHUSD"))
	assert.Equal(t, model.TradingStateHalted, sys.State("BTCUSD"))
	halts, _ := rec.counts()
	assert.Equal(t, 1, halts)
}

func TestHaltExpiresAndCoolsDown(t *testing.T) {
	rules := DefaultRules()
	rules = append(rules, model.CircuitBreakerRule{
		ID:               "tight_3pct",
		Type:             model.BreakTypePriceLimit,
		ThresholdPercent: d("3"),
		Window:           time.Minute,
		HaltDuration:     time.Minute,
		Enabled:          false,
	})
	sys, clock, rec := newTestSystem(t, rules)
	require.NotNil(t, feed(sys, clock, "BTCUSD", "50000", "50100", "50050", "53000"))

	clock.Advance(5 * time.Minute)
	assert.False(t, sys.IsHalted("BTCUSD"))
	_, resumes := rec.counts()
	assert.Equal(t, 1, resumes)
	assert.Equal(t, model.TradingStateCoolingDown, sys.State("BTCUSD"))

	hist := sys.History(0)
	require.Len(t, hist, 1)
	assert.False(t, hist[0].Active)
	require.NotNil(t, hist[0].ResolvedAt)

	// a 5% drop inside the window, but the same rule is cooling down
	assert.Nil(t, feed(sys, clock, "BTCUSD", "53000", "50300"))
	assert.False(t, sys.IsHalted("BTCUSD"))

	// other rules are not
	require.NoError(t, sys.SetRuleEnabled("tight_3pct", true))
	halt := feed(sys, clock, "BTCUSD", "48600")
	require.NotNil(t, halt)
	assert.Equal(t, "tight_3pct", halt.RuleID)

	clock.Advance(time.Minute)
	sys.CheckExpirations()
	clock.Advance(10 * time.Minute)
	assert.Equal(t, model.TradingStateActive, sys.State("BTCUSD"))
}

func TestMarketWideHaltStopsEverySymbol(t *testing.T) {
	sys, clock, rec := newTestSystem(t, DefaultRules())
	halt := feed(sys, clock, "ETHUSD", "3000", "3240")
	require.NotNil(t, halt)
	assert.Equal(t, "market_wide_level_1", halt.RuleID)
	assert.True(t, halt.MarketWide())

	for _, sym := range []string{"ETHUSD", "BTCUSD", "SOLUSD"} {
		assert.True(t, sys.IsHalted(sym), sym)
	}
	status := sys.GetSystemStatus()
	assert.True(t, status.MarketHalted)
	assert.Equal(t, 1, status.DailyTriggers["market_wide_level_1"])

	clock.Advance(15 * time.Minute)
	sys.CheckExpirations()
	assert.False(t, sys.IsHalted("BTCUSD"))
	_, resumes := rec.counts()
	assert.Equal(t, 1, resumes)
}

func TestLargestMarketWideLevelWins(t *testing.T) {
	sys, clock, _ := newTestSystem(t, DefaultRules())
	halt := feed(sys, clock, "ETHUSD", "3000", "3750")
	require.NotNil(t, halt)
	assert.Equal(t, "market_wide_level_3", halt.RuleID)
}

func TestDailyTriggerCap(t *testing.T) {
	rule := model.CircuitBreakerRule{
		ID:                "capped",
		Type:              model.BreakTypePriceLimit,
		ThresholdPercent:  d("2"),
		Window:            time.Minute,
		HaltDuration:      time.Minute,
		MaxTriggersPerDay: 1,
		Enabled:           true,
	}
	sys, clock, _ := newTestSystem(t, []model.CircuitBreakerRule{rule})
	require.NotNil(t, feed(sys, clock, "X", "100", "103"))
	_, err := sys.ManualResume("X")
	require.NoError(t, err)

	assert.Nil(t, feed(sys, clock, "X", "106.5"))
	assert.False(t, sys.IsHalted("X"))
	assert.Equal(t, 1, sys.GetSystemStatus().DailyTriggers["capped"])
}

func TestLostInstallRefundsDailyTrigger(t *testing.T) {
	rule := model.CircuitBreakerRule{
		ID:                "capped",
		Type:              model.BreakTypePriceLimit,
		ThresholdPercent:  d("2"),
		Window:            time.Minute,
		HaltDuration:      time.Minute,
		MaxTriggersPerDay: 1,
		Enabled:           true,
	}
	sys, clock, _ := newTestSystem(t, []model.CircuitBreakerRule{rule})

	// another halt reaches the scope between evaluation and install
	_, err := sys.ManualHalt("X", time.Minute, "operator")
	require.NoError(t, err)
	capped := sys.rules.Load().byID["capped"]
	late := sys.newHalt(capped.ID, capped.Type, "X", clock.Now(), capped.HaltDuration, d("103"), 3, "price moved")
	installed, charged := sys.fire(capped, "X", late, clock.Now())
	assert.True(t, charged)
	assert.False(t, installed)
	assert.Zero(t, sys.GetSystemStatus().DailyTriggers["capped"])

	_, err = sys.ManualResume("X")
	require.NoError(t, err)
	halt := feed(sys, clock, "X", "100", "103")
	require.NotNil(t, halt, "the refunded trigger is still available")
	assert.Equal(t, "capped", halt.RuleID)
	assert.Equal(t, 1, sys.GetSystemStatus().DailyTriggers["capped"])
}

func TestHaltSequenceContinuesAfterRestart(t *testing.T) {
	sys, _, _ := newTestSystem(t, nil)
	sys.ContinueHaltSequence(7)
	h, err := sys.ManualHalt("X", time.Minute, "operator")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), h.Sequence)

	sys.ContinueHaltSequence(3)
	h, err = sys.ManualHalt("Y", time.Minute, "operator")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), h.Sequence)
}

func TestListenerFailuresAreContained(t *testing.T) {
	sys, clock, rec := newTestSystem(t, DefaultRules())
	sys.AddListener(ListenerFuncs{Halt: func(string, model.HaltEvent) error { return fmt.Errorf("subscriber down") }})
	sys.AddListener(ListenerFuncs{Halt: func(string, model.HaltEvent) error { panic("boom") }})
	late := &recorder{}
	sys.AddListener(late)

	require.NotNil(t, feed(sys, clock, "X", "100", "106"))
	assert.True(t, sys.IsHalted("X"))
	halts, _ := rec.counts()
	assert.Equal(t, 1, halts)
	halts, _ = late.counts()
	assert.Equal(t, 1, halts)
}

func TestManualHaltAndResume(t *testing.T) {
	sys, _, rec := newTestSystem(t, nil)

	h, err := sys.ManualHalt("X", time.Minute, "news pending")
	require.NoError(t, err)
	assert.Equal(t, model.BreakTypeManual, h.Type)
	assert.Equal(t, ManualRuleID, h.RuleID)
	assert.True(t, sys.IsHalted("X"))

	_, err = sys.ManualHalt("X", time.Minute, "again")
	assert.True(t, errors.Is(err, errors.ErrMarketHalted))
	_, err = sys.ManualHalt("X", 0, "bad")
	assert.True(t, errors.Is(err, errors.ErrInvalidRule))

	resolved, err := sys.ManualResume("X")
	require.NoError(t, err)
	assert.False(t, resolved.Active)
	assert.False(t, sys.IsHalted("X"))
	assert.Equal(t, model.TradingStateActive, sys.State("X"), "manual halts leave no cooldown")

	_, err = sys.ManualResume("X")
	assert.True(t, errors.Is(err, errors.ErrNotHalted))
	_, err = sys.ManualResume("never-seen")
	assert.True(t, errors.Is(err, errors.ErrNotHalted))

	_, err = sys.ManualHalt("", time.Minute, "market-wide drill")
	require.NoError(t, err)
	assert.True(t, sys.IsHalted("anything"))
	_, err = sys.ManualResume("")
	require.NoError(t, err)
	assert.False(t, sys.IsHalted("anything"))

	halts, resumes := rec.counts()
	assert.Equal(t, 2, halts)
	assert.Equal(t, 2, resumes)
	assert.Len(t, sys.History(1), 1)
	assert.Len(t, sys.History(0), 2)
}

func TestRuleAdministration(t *testing.T) {
	sys, _, _ := newTestSystem(t, DefaultRules())
	assert.Len(t, sys.Rules(), len(DefaultRules()))

	err := sys.AddRule(model.CircuitBreakerRule{ID: "bad", Type: model.BreakTypeVolatility, HaltDuration: time.Minute})
	assert.True(t, errors.Is(err, errors.ErrInvalidRule))
	err = sys.AddRule(DefaultRules()[0])
	assert.True(t, errors.Is(err, errors.ErrInvalidRule))

	require.NoError(t, sys.AddRule(model.CircuitBreakerRule{
		ID:              "eth_error_trade",
		Type:            model.BreakTypeErrorTrade,
		Symbol:          "ETHUSD",
		ErrorTradeSigma: 4,
		HaltDuration:    time.Minute,
		Enabled:         true,
	}))
	require.NoError(t, sys.RemoveRule("volume_spike"))
	assert.True(t, errors.Is(sys.RemoveRule("volume_spike"), errors.ErrRuleNotFound))
	assert.True(t, errors.Is(sys.SetRuleEnabled("nope", true), errors.ErrRuleNotFound))

	status := sys.GetSystemStatus()
	assert.Equal(t, len(DefaultRules()), status.RuleCounts.Total)
	assert.Equal(t, 2, status.RuleCounts.ByType[model.BreakTypeErrorTrade])
	assert.Zero(t, status.RuleCounts.ByType[model.BreakTypeVolume])

	err = sys.ReplaceRules([]model.CircuitBreakerRule{DefaultRules()[0], DefaultRules()[0]})
	assert.True(t, errors.Is(err, errors.ErrInvalidRule))
	assert.Len(t, sys.Rules(), len(DefaultRules()), "failed replace keeps the old set")
}

func TestVolumeSpikeTriggers(t *testing.T) {
	rules := []model.CircuitBreakerRule{{
		ID:               "volume",
		Type:             model.BreakTypeVolume,
		VolumeMultiplier: d("5"),
		VolumeWindow:     2,
		HaltDuration:     time.Minute,
		Enabled:          true,
	}}
	sys, clock, _ := newTestSystem(t, rules)
	for i := 0; i < 31; i++ {
		clock.Advance(time.Second)
		assert.Nil(t, sys.ProcessMarketData("X", d("100"), d("1"), clock.Now()))
	}
	clock.Advance(time.Second)
	halt := sys.ProcessMarketData("X", d("100"), d("20"), clock.Now())
	require.NotNil(t, halt)
	assert.Equal(t, model.BreakTypeVolume, halt.Type)
	assert.InDelta(t, 10.5, halt.TriggerMetric, 1e-9)
}

func TestErrorTradeTriggers(t *testing.T) {
	rules := []model.CircuitBreakerRule{{
		ID:              "fat_finger",
		Type:            model.BreakTypeErrorTrade,
		ErrorTradeSigma: 5,
		HaltDuration:    time.Minute,
		Enabled:         true,
	}}
	sys, clock, _ := newTestSystem(t, rules)
	for i := 0; i < 19; i++ {
		p := "100"
		if i%2 == 1 {
			p = "100.5"
		}
		assert.Nil(t, feed(sys, clock, "X", p))
	}
	halt := feed(sys, clock, "X", "90")
	require.NotNil(t, halt)
	assert.Equal(t, model.BreakTypeErrorTrade, halt.Type)
	assert.Greater(t, halt.TriggerMetric, 5.0)
}

func TestVolatilityTriggers(t *testing.T) {
	rules := []model.CircuitBreakerRule{{
		ID:                  "vol",
		Type:                model.BreakTypeVolatility,
		VolatilityThreshold: 0.02,
		VolatilityPoints:    5,
		HaltDuration:        time.Minute,
		Enabled:             true,
	}}
	sys, clock, _ := newTestSystem(t, rules)
	assert.Nil(t, feed(sys, clock, "X", "100", "100.1", "100", "100.1", "100"))
	halt := feed(sys, clock, "X", "104", "99", "103")
	require.NotNil(t, halt)
	assert.Equal(t, model.BreakTypeVolatility, halt.Type)
}

func TestRunResumesWithoutTraffic(t *testing.T) {
	sys, clock, rec := newTestSystem(t, nil)
	_, err := sys.ManualHalt("X", time.Minute, "drill")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sys.Run(ctx)
		close(done)
	}()
	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		_, resumes := rec.counts()
		return resumes == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Empty(t, sys.ActiveHalts())
}

func TestConcurrentSymbolsDoNotInterfere(t *testing.T) {
	sys, clock, _ := newTestSystem(t, DefaultRules())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				sys.ProcessMarketData(sym, d("100"), d("1"), clock.Now())
				sys.IsHalted(sym)
			}
		}(fmt.Sprintf("SYM%d", i))
	}
	wg.Wait()
	assert.Empty(t, sys.ActiveHalts())
	assert.Len(t, sys.GetSystemStatus().Symbols, 8)
}

package circuitbreaker

import (
	"fmt"
	"math"

	"github.com/Aidin1998/pincex_matching/internal/marketdata"
	"github.com/Aidin1998/pincex_matching/internal/trading/model"
)

// Evaluation is the outcome of running one rule against a symbol's history.
type Evaluation struct {
	Triggered bool
	// Metric is the measured value compared against the rule threshold.
	Metric float64
	Reason string
}

// Analyzer holds the stateless rule evaluators. It only reads the tracker.
type Analyzer struct {
	tracker *marketdata.Tracker
}

// NewAnalyzer creates an analyzer over tracker.
func NewAnalyzer(tracker *marketdata.Tracker) *Analyzer {
	return &Analyzer{tracker: tracker}
}

// Evaluate dispatches on the rule's break type. Rules without enough
// history never trigger.
func (a *Analyzer) Evaluate(rule *model.CircuitBreakerRule, symbol string) Evaluation {
	switch rule.Type {
	case model.BreakTypePriceLimit:
		return a.priceLimit(rule, symbol)
	case model.BreakTypeVolatility:
		return a.volatility(rule, symbol)
	case model.BreakTypeVolume:
		return a.volumeSpike(rule, symbol)
	case model.BreakTypeErrorTrade:
		return a.errorTrade(rule, symbol)
	case model.BreakTypeManual:
		return Evaluation{}
	default:
		panic(fmt.Sprintf("circuitbreaker: unhandled break type %q", rule.Type))
	}
}

func (a *Analyzer) priceLimit(rule *model.CircuitBreakerRule, symbol string) Evaluation {
	pct, ok := a.tracker.PriceChange(symbol, rule.Window)
	if !ok {
		return Evaluation{}
	}
	move := pct.Abs()
	return Evaluation{
		Triggered: move.GreaterThanOrEqual(rule.ThresholdPercent),
		Metric:    pct.InexactFloat64(),
		Reason:    fmt.Sprintf("price moved %s%% within %s (limit %s%%)", pct.StringFixed(2), rule.Window, rule.ThresholdPercent),
	}
}

func (a *Analyzer) volatility(rule *model.CircuitBreakerRule, symbol string) Evaluation {
	vol, ok := a.tracker.Volatility(symbol, rule.VolatilityPoints)
	if !ok {
		return Evaluation{}
	}
	return Evaluation{
		Triggered: vol >= rule.VolatilityThreshold,
		Metric:    vol,
		Reason:    fmt.Sprintf("volatility %.4f over %d points (limit %.4f)", vol, rule.VolatilityPoints, rule.VolatilityThreshold),
	}
}

func (a *Analyzer) volumeSpike(rule *model.CircuitBreakerRule, symbol string) Evaluation {
	ratio, ok := a.tracker.VolumeRatio(symbol, rule.VolumeWindow)
	if !ok {
		return Evaluation{}
	}
	return Evaluation{
		Triggered: ratio.GreaterThanOrEqual(rule.VolumeMultiplier),
		Metric:    ratio.InexactFloat64(),
		Reason:    fmt.Sprintf("volume %sx the trailing %d-period average (limit %sx)", ratio.StringFixed(2), marketdata.VolumeBaselinePeriods, rule.VolumeMultiplier),
	}
}

func (a *Analyzer) errorTrade(rule *model.CircuitBreakerRule, symbol string) Evaluation {
	sigma, ok := a.tracker.ErrorTradeDeviation(symbol)
	if !ok || math.IsNaN(sigma) {
		return Evaluation{}
	}
	return Evaluation{
		Triggered: sigma > rule.ErrorTradeSigma,
		Metric:    sigma,
		Reason:    fmt.Sprintf("trade %.1f standard deviations from the prior %d trades (limit %.1f)", sigma, marketdata.ErrorTradeLookback, rule.ErrorTradeSigma),
	}
}

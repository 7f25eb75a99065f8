package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BreakType identifies the evaluator a circuit-breaker rule runs.
type BreakType string

const (
	BreakTypePriceLimit BreakType = "PRICE_LIMIT"
	BreakTypeVolatility BreakType = "VOLATILITY"
	BreakTypeVolume     BreakType = "VOLUME_SPIKE"
	BreakTypeErrorTrade BreakType = "ERROR_TRADE"
	BreakTypeManual     BreakType = "MANUAL"
)

// ParseBreakType accepts the canonical names and their lower-case forms.
func ParseBreakType(s string) (BreakType, error) {
	switch s {
	case "PRICE_LIMIT", "price_limit":
		return BreakTypePriceLimit, nil
	case "VOLATILITY", "volatility":
		return BreakTypeVolatility, nil
	case "VOLUME_SPIKE", "volume_spike":
		return BreakTypeVolume, nil
	case "ERROR_TRADE", "error_trade":
		return BreakTypeErrorTrade, nil
	case "MANUAL", "manual":
		return BreakTypeManual, nil
	}
	return "", fmt.Errorf("unknown break type %q", s)
}

// TradingState is the per-symbol circuit-breaker state.
type TradingState string

const (
	TradingStateActive      TradingState = "ACTIVE"
	TradingStateHalted      TradingState = "HALTED"
	TradingStateCoolingDown TradingState = "COOLING_DOWN"
)

// CircuitBreakerRule is read-only at evaluation time. Only the fields
// relevant to Type are consulted.
type CircuitBreakerRule struct {
	ID   string    `json:"id"`
	Type BreakType `json:"break_type"`
	// Symbol scopes the rule to one instrument; empty matches every symbol.
	Symbol string `json:"symbol,omitempty"`
	// MarketWide rules halt every symbol when they trigger.
	MarketWide bool `json:"market_wide"`

	// price-limit
	ThresholdPercent decimal.Decimal `json:"threshold_percent"`
	Window           time.Duration   `json:"window"`

	// volatility
	VolatilityThreshold float64 `json:"volatility_threshold,omitempty"`
	VolatilityPoints    int     `json:"volatility_points,omitempty"`

	// volume-spike
	VolumeMultiplier decimal.Decimal `json:"volume_multiplier"`
	VolumeWindow     int             `json:"volume_window,omitempty"`

	// error-trade
	ErrorTradeSigma float64 `json:"error_trade_sigma,omitempty"`

	HaltDuration      time.Duration `json:"halt_duration"`
	CooldownDuration  time.Duration `json:"cooldown_duration"`
	MaxTriggersPerDay int           `json:"max_triggers_per_day"`
	Enabled           bool          `json:"enabled"`
}

// AppliesTo reports whether the rule's scope covers symbol.
func (r *CircuitBreakerRule) AppliesTo(symbol string) bool {
	return r.Symbol == "" || r.Symbol == symbol
}

// Validate checks the fields required by the rule's break type.
func (r *CircuitBreakerRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id cannot be empty")
	}
	if r.HaltDuration <= 0 {
		return fmt.Errorf("rule %s: halt duration must be positive", r.ID)
	}
	if r.CooldownDuration < 0 {
		return fmt.Errorf("rule %s: cooldown cannot be negative", r.ID)
	}
	if r.MaxTriggersPerDay < 0 {
		return fmt.Errorf("rule %s: max triggers per day cannot be negative", r.ID)
	}
	switch r.Type {
	case BreakTypePriceLimit:
		if !r.ThresholdPercent.IsPositive() || r.Window <= 0 {
			return fmt.Errorf("rule %s: price limit needs a positive threshold and window", r.ID)
		}
	case BreakTypeVolatility:
		if r.VolatilityThreshold <= 0 || r.VolatilityPoints < 3 {
			return fmt.Errorf("rule %s: volatility needs a positive threshold and at least 3 points", r.ID)
		}
	case BreakTypeVolume:
		if !r.VolumeMultiplier.IsPositive() || r.VolumeWindow <= 0 {
			return fmt.Errorf("rule %s: volume spike needs a positive multiplier and window", r.ID)
		}
	case BreakTypeErrorTrade:
		if r.ErrorTradeSigma <= 0 {
			return fmt.Errorf("rule %s: error trade needs a positive sigma", r.ID)
		}
	case BreakTypeManual:
		return fmt.Errorf("rule %s: manual halts are not rule driven", r.ID)
	default:
		return fmt.Errorf("rule %s: unknown break type %q", r.ID, r.Type)
	}
	return nil
}

// HaltEvent records one halt from trigger to resolution.
type HaltEvent struct {
	ID     uuid.UUID `json:"id"`
	RuleID string    `json:"rule_id"`
	Type   BreakType `json:"break_type"`
	// Symbol is empty for market-wide halts.
	Symbol       string          `json:"symbol,omitempty"`
	TriggeredAt  time.Time       `json:"triggered_at"`
	Duration     time.Duration   `json:"duration"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	// TriggerMetric is the evaluated value that crossed the threshold
	// (percent move, volatility, volume ratio or sigma distance).
	TriggerMetric float64    `json:"trigger_metric"`
	Reason        string     `json:"reason,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	Active        bool       `json:"active"`
	// Sequence orders halt events for the journal and downstream consumers.
	Sequence uint64 `json:"sequence"`
}

// MarketWide reports whether the halt applies to every symbol.
func (h *HaltEvent) MarketWide() bool {
	return h.Symbol == ""
}

// ExpiresAt is the instant the halt auto-resumes.
func (h *HaltEvent) ExpiresAt() time.Time {
	return h.TriggeredAt.Add(h.Duration)
}

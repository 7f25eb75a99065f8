package circuitbreaker

import (
	"time"

	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/shopspring/decimal"
)

// DefaultRules returns the venue's standard rule set in evaluation order.
// Market-wide levels run most severe first so a large move halts at the
// highest level it reaches.
func DefaultRules() []model.CircuitBreakerRule {
	return []model.CircuitBreakerRule{
		{
			ID:                "market_wide_level_3",
			Type:              model.BreakTypePriceLimit,
			MarketWide:        true,
			ThresholdPercent:  decimal.NewFromInt(20),
			Window:            24 * time.Hour,
			HaltDuration:      24 * time.Hour,
			MaxTriggersPerDay: 1,
			Enabled:           true,
		},
		{
			ID:                "market_wide_level_2",
			Type:              model.BreakTypePriceLimit,
			MarketWide:        true,
			ThresholdPercent:  decimal.NewFromInt(13),
			Window:            24 * time.Hour,
			HaltDuration:      15 * time.Minute,
			CooldownDuration:  time.Hour,
			MaxTriggersPerDay: 1,
			Enabled:           true,
		},
		{
			ID:                "market_wide_level_1",
			Type:              model.BreakTypePriceLimit,
			MarketWide:        true,
			ThresholdPercent:  decimal.NewFromInt(7),
			Window:            24 * time.Hour,
			HaltDuration:      15 * time.Minute,
			CooldownDuration:  time.Hour,
			MaxTriggersPerDay: 1,
			Enabled:           true,
		},
		{
			ID:                "individual_stock_5pct",
			Type:              model.BreakTypePriceLimit,
			ThresholdPercent:  decimal.NewFromInt(5),
			Window:            5 * time.Minute,
			HaltDuration:      5 * time.Minute,
			CooldownDuration:  5 * time.Minute,
			MaxTriggersPerDay: 10,
			Enabled:           true,
		},
		{
			ID:                  "volatility_spike",
			Type:                model.BreakTypeVolatility,
			VolatilityThreshold: 0.05,
			VolatilityPoints:    20,
			HaltDuration:        5 * time.Minute,
			CooldownDuration:    10 * time.Minute,
			MaxTriggersPerDay:   5,
			Enabled:             true,
		},
		{
			ID:                "volume_spike",
			Type:              model.BreakTypeVolume,
			VolumeMultiplier:  decimal.NewFromInt(10),
			VolumeWindow:      5,
			HaltDuration:      2 * time.Minute,
			CooldownDuration:  10 * time.Minute,
			MaxTriggersPerDay: 5,
			Enabled:           true,
		},
		{
			ID:                "error_trade",
			Type:              model.BreakTypeErrorTrade,
			ErrorTradeSigma:   5,
			HaltDuration:      time.Minute,
			CooldownDuration:  5 * time.Minute,
			MaxTriggersPerDay: 10,
			Enabled:           true,
		},
	}
}

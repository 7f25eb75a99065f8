// Package config loads the venue configuration from YAML files and PINCEX_
// environment variables, validates it and hot-reloads it on file changes.
package config

import (
	"fmt"
	"time"

	"github.com/Aidin1998/pincex_matching/internal/compliance"
	"github.com/Aidin1998/pincex_matching/internal/trading/circuitbreaker"
	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/shopspring/decimal"
)

// Config represents the complete venue configuration
type Config struct {
	Environment    string               `mapstructure:"environment" yaml:"environment" validate:"required,oneof=development staging production test"`
	Server         ServerConfig         `mapstructure:"server" yaml:"server"`
	Logging        LoggingConfig        `mapstructure:"logging" yaml:"logging"`
	Engine         EngineConfig         `mapstructure:"engine" yaml:"engine"`
	Symbols        []SymbolConfig       `mapstructure:"symbols" yaml:"symbols" validate:"dive"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
	Compliance     ComplianceConfig     `mapstructure:"compliance" yaml:"compliance"`
	Dispatcher     DispatcherConfig     `mapstructure:"dispatcher" yaml:"dispatcher"`
	Kafka          KafkaConfig          `mapstructure:"kafka" yaml:"kafka"`
	Redis          RedisConfig          `mapstructure:"redis" yaml:"redis"`
	Journal        JournalConfig        `mapstructure:"journal" yaml:"journal"`
	WebSocket      WebSocketConfig      `mapstructure:"websocket" yaml:"websocket"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host" validate:"required"`
	Port            int           `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	// AdminToken guards the administrative routes when set.
	AdminToken string `mapstructure:"admin_token" yaml:"admin_token"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level         string        `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format        string        `mapstructure:"format" yaml:"format" validate:"oneof=json console"`
	BufferSize    int           `mapstructure:"buffer_size" yaml:"buffer_size" validate:"min=0"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// EngineConfig holds matching engine and book manager settings
type EngineConfig struct {
	TapeCapacity       int  `mapstructure:"tape_capacity" yaml:"tape_capacity" validate:"min=1"`
	FullInvariantCheck bool `mapstructure:"full_invariant_check" yaml:"full_invariant_check"`
	DefaultDepth       int  `mapstructure:"default_depth" yaml:"default_depth" validate:"min=1"`
	MaxDepth           int  `mapstructure:"max_depth" yaml:"max_depth" validate:"min=1,gtefield=DefaultDepth"`
	MaxSymbols         int  `mapstructure:"max_symbols" yaml:"max_symbols" validate:"min=0"`
}

// SymbolConfig lists one instrument. Decimal fields are strings so YAML
// floats never round.
type SymbolConfig struct {
	Symbol      string `mapstructure:"symbol" yaml:"symbol" validate:"required"`
	TickSize    string `mapstructure:"tick_size" yaml:"tick_size" validate:"required"`
	LotSize     string `mapstructure:"lot_size" yaml:"lot_size" validate:"required"`
	MinQuantity string `mapstructure:"min_quantity" yaml:"min_quantity"`
}

// CircuitBreakerConfig holds the breaker settings and rule overrides
type CircuitBreakerConfig struct {
	UseDefaults     bool          `mapstructure:"use_defaults" yaml:"use_defaults"`
	CheckInterval   time.Duration `mapstructure:"check_interval" yaml:"check_interval" validate:"gt=0"`
	HistorySize     int           `mapstructure:"history_size" yaml:"history_size" validate:"min=1"`
	TrackerCapacity int           `mapstructure:"tracker_capacity" yaml:"tracker_capacity" validate:"min=0"`
	Rules           []RuleConfig  `mapstructure:"rules" yaml:"rules" validate:"dive"`
}

// RuleConfig describes one rule. A rule whose ID matches a default replaces
// it in place; others are appended.
type RuleConfig struct {
	ID                  string        `mapstructure:"id" yaml:"id" validate:"required"`
	Type                string        `mapstructure:"type" yaml:"type" validate:"required"`
	Symbol              string        `mapstructure:"symbol" yaml:"symbol"`
	MarketWide          bool          `mapstructure:"market_wide" yaml:"market_wide"`
	ThresholdPercent    string        `mapstructure:"threshold_percent" yaml:"threshold_percent"`
	Window              time.Duration `mapstructure:"window" yaml:"window"`
	VolatilityThreshold float64       `mapstructure:"volatility_threshold" yaml:"volatility_threshold"`
	VolatilityPoints    int           `mapstructure:"volatility_points" yaml:"volatility_points"`
	VolumeMultiplier    string        `mapstructure:"volume_multiplier" yaml:"volume_multiplier"`
	VolumeWindow        int           `mapstructure:"volume_window" yaml:"volume_window"`
	ErrorTradeSigma     float64       `mapstructure:"error_trade_sigma" yaml:"error_trade_sigma"`
	HaltDuration        time.Duration `mapstructure:"halt_duration" yaml:"halt_duration" validate:"gt=0"`
	Cooldown            time.Duration `mapstructure:"cooldown" yaml:"cooldown" validate:"min=0"`
	MaxTriggersPerDay   int           `mapstructure:"max_triggers_per_day" yaml:"max_triggers_per_day" validate:"min=0"`
	Disabled            bool          `mapstructure:"disabled" yaml:"disabled"`
}

// ComplianceConfig holds pre-trade limits
type ComplianceConfig struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxOrderQuantity    string        `mapstructure:"max_order_quantity" yaml:"max_order_quantity"`
	MaxOrderNotional    string        `mapstructure:"max_order_notional" yaml:"max_order_notional"`
	BlockedParticipants []string      `mapstructure:"blocked_participants" yaml:"blocked_participants"`
	BlocklistKey        string        `mapstructure:"blocklist_key" yaml:"blocklist_key"`
	RefreshInterval     time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
}

// DispatcherConfig tunes event delivery
type DispatcherConfig struct {
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size" validate:"min=1"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout" validate:"gt=0"`
}

// KafkaConfig holds Kafka publisher configuration
type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers     []string `mapstructure:"brokers" yaml:"brokers" validate:"required_if=Enabled true"`
	TradesTopic string   `mapstructure:"trades_topic" yaml:"trades_topic"`
	DeltasTopic string   `mapstructure:"deltas_topic" yaml:"deltas_topic"`
	HaltsTopic  string   `mapstructure:"halts_topic" yaml:"halts_topic"`
	OrdersTopic string   `mapstructure:"orders_topic" yaml:"orders_topic"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled       bool     `mapstructure:"enabled" yaml:"enabled"`
	Addresses     []string `mapstructure:"addresses" yaml:"addresses" validate:"required_if=Enabled true"`
	Password      string   `mapstructure:"password" yaml:"password"`
	DB            int      `mapstructure:"db" yaml:"db" validate:"min=0"`
	ChannelPrefix string   `mapstructure:"channel_prefix" yaml:"channel_prefix"`
}

// JournalConfig holds trade journal configuration
type JournalConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir        string `mapstructure:"dir" yaml:"dir" validate:"required_if=Enabled true"`
	SyncWrites bool   `mapstructure:"sync_writes" yaml:"sync_writes"`
}

// WebSocketConfig holds the feed hub configuration
type WebSocketConfig struct {
	Enabled    bool `mapstructure:"enabled" yaml:"enabled"`
	Shards     int  `mapstructure:"shards" yaml:"shards" validate:"min=0"`
	ReplaySize int  `mapstructure:"replay_size" yaml:"replay_size" validate:"min=0"`
	MaxClients int  `mapstructure:"max_clients" yaml:"max_clients" validate:"min=0"`
}

// SymbolSpecs converts the symbol list.
func (c *Config) SymbolSpecs() ([]model.SymbolSpec, error) {
	specs := make([]model.SymbolSpec, 0, len(c.Symbols))
	seen := make(map[string]struct{}, len(c.Symbols))
	for _, s := range c.Symbols {
		if _, dup := seen[s.Symbol]; dup {
			return nil, fmt.Errorf("symbol %s listed twice", s.Symbol)
		}
		seen[s.Symbol] = struct{}{}
		spec, err := s.Spec()
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Spec converts one symbol entry.
func (s SymbolConfig) Spec() (model.SymbolSpec, error) {
	tick, err := parseDecimal(s.TickSize, "tick_size")
	if err != nil {
		return model.SymbolSpec{}, fmt.Errorf("symbol %s: %w", s.Symbol, err)
	}
	lot, err := parseDecimal(s.LotSize, "lot_size")
	if err != nil {
		return model.SymbolSpec{}, fmt.Errorf("symbol %s: %w", s.Symbol, err)
	}
	minQty, err := parseDecimal(s.MinQuantity, "min_quantity")
	if err != nil {
		return model.SymbolSpec{}, fmt.Errorf("symbol %s: %w", s.Symbol, err)
	}
	spec := model.SymbolSpec{Symbol: s.Symbol, TickSize: tick, LotSize: lot, MinQuantity: minQty}
	if err := spec.Validate(); err != nil {
		return model.SymbolSpec{}, err
	}
	return spec, nil
}

// BuildRules returns the effective rule set: the defaults when UseDefaults is
// set, with configured rules replacing defaults of the same ID in place and
// the rest appended in file order.
func (c CircuitBreakerConfig) BuildRules() ([]model.CircuitBreakerRule, error) {
	var rules []model.CircuitBreakerRule
	if c.UseDefaults {
		rules = circuitbreaker.DefaultRules()
	}
	index := make(map[string]int, len(rules))
	for i, r := range rules {
		index[r.ID] = i
	}
	for _, rc := range c.Rules {
		rule, err := rc.Rule()
		if err != nil {
			return nil, err
		}
		if i, ok := index[rule.ID]; ok {
			rules[i] = rule
			continue
		}
		index[rule.ID] = len(rules)
		rules = append(rules, rule)
	}
	return rules, nil
}

// Rule converts one rule entry and validates it.
func (rc RuleConfig) Rule() (model.CircuitBreakerRule, error) {
	typ, err := model.ParseBreakType(rc.Type)
	if err != nil {
		return model.CircuitBreakerRule{}, fmt.Errorf("rule %s: %w", rc.ID, err)
	}
	threshold, err := parseDecimal(rc.ThresholdPercent, "threshold_percent")
	if err != nil {
		return model.CircuitBreakerRule{}, fmt.Errorf("rule %s: %w", rc.ID, err)
	}
	multiplier, err := parseDecimal(rc.VolumeMultiplier, "volume_multiplier")
	if err != nil {
		return model.CircuitBreakerRule{}, fmt.Errorf("rule %s: %w", rc.ID, err)
	}
	rule := model.CircuitBreakerRule{
		ID:                  rc.ID,
		Type:                typ,
		Symbol:              rc.Symbol,
		MarketWide:          rc.MarketWide,
		ThresholdPercent:    threshold,
		Window:              rc.Window,
		VolatilityThreshold: rc.VolatilityThreshold,
		VolatilityPoints:    rc.VolatilityPoints,
		VolumeMultiplier:    multiplier,
		VolumeWindow:        rc.VolumeWindow,
		ErrorTradeSigma:     rc.ErrorTradeSigma,
		HaltDuration:        rc.HaltDuration,
		CooldownDuration:    rc.Cooldown,
		MaxTriggersPerDay:   rc.MaxTriggersPerDay,
		Enabled:             !rc.Disabled,
	}
	if err := rule.Validate(); err != nil {
		return model.CircuitBreakerRule{}, err
	}
	return rule, nil
}

// SystemConfig converts the breaker tuning.
func (c CircuitBreakerConfig) SystemConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		CheckInterval:   c.CheckInterval,
		HistorySize:     c.HistorySize,
		TrackerCapacity: c.TrackerCapacity,
	}
}

// GateConfig converts the compliance section.
func (c ComplianceConfig) GateConfig() (compliance.Config, error) {
	out := compliance.DefaultConfig()
	qty, err := parseDecimal(c.MaxOrderQuantity, "max_order_quantity")
	if err != nil {
		return out, err
	}
	notional, err := parseDecimal(c.MaxOrderNotional, "max_order_notional")
	if err != nil {
		return out, err
	}
	out.MaxOrderQuantity = qty
	out.MaxOrderNotional = notional
	out.BlockedParticipants = c.BlockedParticipants
	if c.BlocklistKey != "" {
		out.BlocklistKey = c.BlocklistKey
	}
	if c.RefreshInterval > 0 {
		out.RefreshInterval = c.RefreshInterval
	}
	return out, nil
}

// parseDecimal treats an empty string as zero.
func parseDecimal(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return d, nil
}

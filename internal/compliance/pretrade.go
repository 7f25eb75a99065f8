// Package compliance implements the default pre-trade gate consulted by the
// matching engines before an order may interact with a book.
package compliance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds the static limits of the gate. Zero limits are disabled.
type Config struct {
	MaxOrderQuantity    decimal.Decimal
	MaxOrderNotional    decimal.Decimal
	BlockedParticipants []string
	BlocklistKey        string
	RefreshInterval     time.Duration
	RedisTimeout        time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		BlocklistKey:    "pincex:compliance:blocked",
		RefreshInterval: 30 * time.Second,
		RedisTimeout:    2 * time.Second,
	}
}

// memberSource is the slice of the Redis client the gate reads the blocklist
// through.
type memberSource interface {
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// ReferencePriceFunc returns the price a market order is valued at for the
// notional check, typically the last trade price.
type ReferencePriceFunc func(symbol string) (decimal.Decimal, bool)

// PreTradeGate rejects orders that exceed size limits or come from blocked
// participants. The remote blocklist is cached in memory and refreshed in
// the background, so PreTradeCheck never performs I/O.
type PreTradeGate struct {
	cfg    Config
	source memberSource
	logger *zap.Logger

	static   map[string]struct{}
	remote   atomic.Pointer[map[string]struct{}]
	manualMu sync.RWMutex
	manual   map[string]struct{}

	reference ReferencePriceFunc
	lastSync  atomic.Int64
}

// NewPreTradeGate creates a gate. client may be nil when no shared blocklist
// is configured.
func NewPreTradeGate(cfg Config, client redis.UniversalClient, logger *zap.Logger) *PreTradeGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &PreTradeGate{
		cfg:    cfg,
		logger: logger.Named("compliance"),
		static: make(map[string]struct{}, len(cfg.BlockedParticipants)),
		manual: make(map[string]struct{}),
	}
	if client != nil {
		g.source = client
	}
	for _, p := range cfg.BlockedParticipants {
		g.static[p] = struct{}{}
	}
	empty := map[string]struct{}{}
	g.remote.Store(&empty)
	return g
}

// SetReferencePrice installs the price source used to value market orders.
// Must be called before the gate is shared.
func (g *PreTradeGate) SetReferencePrice(fn ReferencePriceFunc) {
	g.reference = fn
}

// PreTradeCheck implements the engine's compliance hook.
func (g *PreTradeGate) PreTradeCheck(_ context.Context, participantID string, o *model.Order) error {
	if g.IsBlocked(participantID) {
		return fmt.Errorf("participant %s is blocked", participantID)
	}
	if g.cfg.MaxOrderQuantity.IsPositive() && o.Quantity.GreaterThan(g.cfg.MaxOrderQuantity) {
		return fmt.Errorf("quantity %s exceeds limit %s", o.Quantity, g.cfg.MaxOrderQuantity)
	}
	if g.cfg.MaxOrderNotional.IsPositive() {
		price := o.Price
		if o.Type == model.OrderTypeMarket {
			ref, ok := g.referencePrice(o.Symbol)
			if !ok {
				return nil
			}
			price = ref
		}
		if notional := price.Mul(o.Quantity); notional.GreaterThan(g.cfg.MaxOrderNotional) {
			return fmt.Errorf("notional %s exceeds limit %s", notional, g.cfg.MaxOrderNotional)
		}
	}
	return nil
}

func (g *PreTradeGate) referencePrice(symbol string) (decimal.Decimal, bool) {
	if g.reference == nil {
		return decimal.Zero, false
	}
	return g.reference(symbol)
}

// IsBlocked reports whether participantID is on any blocklist.
func (g *PreTradeGate) IsBlocked(participantID string) bool {
	if _, ok := g.static[participantID]; ok {
		return true
	}
	if _, ok := (*g.remote.Load())[participantID]; ok {
		return true
	}
	g.manualMu.RLock()
	_, ok := g.manual[participantID]
	g.manualMu.RUnlock()
	return ok
}

// Block adds participantID to the local blocklist.
func (g *PreTradeGate) Block(participantID string) {
	g.manualMu.Lock()
	g.manual[participantID] = struct{}{}
	g.manualMu.Unlock()
	g.logger.Warn("participant blocked", zap.String("participant_id", participantID))
}

// Unblock removes participantID from the local blocklist. Static and shared
// entries are unaffected.
func (g *PreTradeGate) Unblock(participantID string) {
	g.manualMu.Lock()
	delete(g.manual, participantID)
	g.manualMu.Unlock()
	g.logger.Info("participant unblocked", zap.String("participant_id", participantID))
}

// Blocked lists every blocked participant.
func (g *PreTradeGate) Blocked() []string {
	seen := make(map[string]struct{})
	for p := range g.static {
		seen[p] = struct{}{}
	}
	for p := range *g.remote.Load() {
		seen[p] = struct{}{}
	}
	g.manualMu.RLock()
	for p := range g.manual {
		seen[p] = struct{}{}
	}
	g.manualMu.RUnlock()
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// LastRefresh returns when the shared blocklist was last loaded.
func (g *PreTradeGate) LastRefresh() time.Time {
	ns := g.lastSync.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Refresh reloads the shared blocklist from Redis. On failure the previous
// list stays in force.
func (g *PreTradeGate) Refresh(ctx context.Context) error {
	if g.source == nil {
		return nil
	}
	timeout := g.cfg.RedisTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().RedisTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	members, err := g.source.SMembers(rctx, g.cfg.BlocklistKey).Result()
	if err != nil {
		return fmt.Errorf("blocklist refresh: %w", err)
	}
	next := make(map[string]struct{}, len(members))
	for _, m := range members {
		next[m] = struct{}{}
	}
	g.remote.Store(&next)
	g.lastSync.Store(time.Now().UnixNano())
	g.logger.Debug("blocklist refreshed", zap.Int("entries", len(next)))
	return nil
}

// Run refreshes the shared blocklist every RefreshInterval until ctx ends.
func (g *PreTradeGate) Run(ctx context.Context) error {
	if g.source == nil {
		<-ctx.Done()
		return nil
	}
	interval := g.cfg.RefreshInterval
	if interval <= 0 {
		interval = DefaultConfig().RefreshInterval
	}
	if err := g.Refresh(ctx); err != nil {
		g.logger.Warn("initial blocklist refresh failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := g.Refresh(ctx); err != nil {
				g.logger.Warn("blocklist refresh failed", zap.Error(err))
			}
		}
	}
}

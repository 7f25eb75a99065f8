package server

import (
	"net/http"
	"time"

	"github.com/Aidin1998/pincex_matching/internal/config"
	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/Aidin1998/pincex_matching/pkg/errors"
	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 100

type createSymbolRequest struct {
	Symbol      string `json:"symbol" binding:"required"`
	TickSize    string `json:"tick_size" binding:"required"`
	LotSize     string `json:"lot_size" binding:"required"`
	MinQuantity string `json:"min_quantity"`
}

// ruleRequest mirrors the configuration file's rule entry. Durations use Go
// syntax ("5m", "90s").
type ruleRequest struct {
	ID                  string  `json:"id" binding:"required"`
	Type                string  `json:"break_type" binding:"required"`
	Symbol              string  `json:"symbol"`
	MarketWide          bool    `json:"market_wide"`
	ThresholdPercent    string  `json:"threshold_percent"`
	Window              string  `json:"window"`
	VolatilityThreshold float64 `json:"volatility_threshold"`
	VolatilityPoints    int     `json:"volatility_points"`
	VolumeMultiplier    string  `json:"volume_multiplier"`
	VolumeWindow        int     `json:"volume_window"`
	ErrorTradeSigma     float64 `json:"error_trade_sigma"`
	HaltDuration        string  `json:"halt_duration" binding:"required"`
	Cooldown            string  `json:"cooldown"`
	MaxTriggersPerDay   int     `json:"max_triggers_per_day"`
	Disabled            bool    `json:"disabled"`
}

func (r ruleRequest) rule() (model.CircuitBreakerRule, error) {
	rc := config.RuleConfig{
		ID:                  r.ID,
		Type:                r.Type,
		Symbol:              r.Symbol,
		MarketWide:          r.MarketWide,
		ThresholdPercent:    r.ThresholdPercent,
		VolatilityThreshold: r.VolatilityThreshold,
		VolatilityPoints:    r.VolatilityPoints,
		VolumeMultiplier:    r.VolumeMultiplier,
		VolumeWindow:        r.VolumeWindow,
		ErrorTradeSigma:     r.ErrorTradeSigma,
		MaxTriggersPerDay:   r.MaxTriggersPerDay,
		Disabled:            r.Disabled,
	}
	var err error
	if rc.Window, err = parseDuration(r.Window); err != nil {
		return model.CircuitBreakerRule{}, errors.ErrInvalidRule.Explain("window: %v", err)
	}
	if rc.HaltDuration, err = parseDuration(r.HaltDuration); err != nil {
		return model.CircuitBreakerRule{}, errors.ErrInvalidRule.Explain("halt_duration: %v", err)
	}
	if rc.Cooldown, err = parseDuration(r.Cooldown); err != nil {
		return model.CircuitBreakerRule{}, errors.ErrInvalidRule.Explain("cooldown: %v", err)
	}
	rule, err := rc.Rule()
	if err != nil {
		return model.CircuitBreakerRule{}, errors.ErrInvalidRule.Explain("%v", err)
	}
	return rule, nil
}

type haltRequest struct {
	Symbol   string `json:"symbol"`
	Duration string `json:"duration" binding:"required"`
	Reason   string `json:"reason"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type blockRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func (s *Server) handleCreateSymbol(c *gin.Context) {
	var body createSymbolRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeValidationError(c, err)
		return
	}
	spec, err := config.SymbolConfig{
		Symbol:      body.Symbol,
		TickSize:    body.TickSize,
		LotSize:     body.LotSize,
		MinQuantity: body.MinQuantity,
	}.Spec()
	if err != nil {
		s.writeValidationError(c, err)
		return
	}
	if _, err := s.books.CreateBook(spec); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, spec)
}

func (s *Server) handleBreakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.breaker.GetSystemStatus())
}

func (s *Server) handleBreakerHistory(c *gin.Context) {
	limit, ok := s.intQuery(c, "limit", defaultHistoryLimit)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"halts": s.breaker.History(limit)})
}

func (s *Server) handleListRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rules": s.breaker.Rules()})
}

func (s *Server) handleAddRule(c *gin.Context) {
	var body ruleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeValidationError(c, err)
		return
	}
	rule, err := body.rule()
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.breaker.AddRule(rule); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) handleRemoveRule(c *gin.Context) {
	if err := s.breaker.RemoveRule(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetRuleEnabled(c *gin.Context) {
	var body enabledRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeValidationError(c, err)
		return
	}
	id := c.Param("id")
	if err := s.breaker.SetRuleEnabled(id, *body.Enabled); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": *body.Enabled})
}

// handleManualHalt halts a symbol, or the whole market when symbol is empty.
func (s *Server) handleManualHalt(c *gin.Context) {
	var body haltRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeValidationError(c, err)
		return
	}
	d, err := time.ParseDuration(body.Duration)
	if err != nil {
		s.writeValidationError(c, err)
		return
	}
	if body.Symbol != "" {
		if _, err := s.books.GetBook(body.Symbol); err != nil {
			s.writeError(c, err)
			return
		}
	}
	halt, err := s.breaker.ManualHalt(body.Symbol, d, body.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, halt)
}

// handleManualResume serves DELETE .../halts/:symbol and, without a symbol,
// ends the market-wide halt.
func (s *Server) handleManualResume(c *gin.Context) {
	resolved, err := s.breaker.ManualResume(c.Param("symbol"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}

func (s *Server) handleListBlocked(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"participants": s.gate.Blocked(),
		"last_refresh": s.gate.LastRefresh(),
	})
}

func (s *Server) handleBlock(c *gin.Context) {
	var body blockRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeValidationError(c, err)
		return
	}
	s.gate.Block(body.ParticipantID)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUnblock(c *gin.Context) {
	s.gate.Unblock(c.Param("participant"))
	c.Status(http.StatusNoContent)
}

// Package server exposes the order-entry and administrative HTTP API.
package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/Aidin1998/pincex_matching/internal/compliance"
	"github.com/Aidin1998/pincex_matching/internal/config"
	"github.com/Aidin1998/pincex_matching/internal/trading/circuitbreaker"
	"github.com/Aidin1998/pincex_matching/internal/trading/registry"
	"github.com/Aidin1998/pincex_matching/internal/ws"
	"github.com/Aidin1998/pincex_matching/pkg/errors"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// ServiceName is reported to the tracing middleware.
const ServiceName = "pincex-matching"

// Server represents the HTTP server
type Server struct {
	cfg     config.ServerConfig
	logger  *zap.Logger
	books   *registry.OrderBookManager
	breaker *circuitbreaker.System
	gate    *compliance.PreTradeGate
	hub     *ws.Hub
}

// NewServer creates a new HTTP server. gate and hub may be nil, in which
// case their routes are not registered.
func NewServer(
	cfg config.ServerConfig,
	logger *zap.Logger,
	books *registry.OrderBookManager,
	breaker *circuitbreaker.System,
	gate *compliance.PreTradeGate,
	hub *ws.Hub,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.Named("http"),
		books:   books,
		breaker: breaker,
		gate:    gate,
		hub:     hub,
	}
}

// Router creates a new HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(s.corsMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.hub != nil {
		router.GET("/ws", s.handleWebSocket)
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/symbols", s.handleListSymbols)
		v1.GET("/symbols/:symbol/state", s.handleSymbolState)

		v1.GET("/orderbook", s.handleConsolidatedDepth)
		v1.GET("/orderbook/:symbol", s.handleGetDepth)
		v1.GET("/trades/:symbol", s.handleGetTrades)

		orders := v1.Group("/orders")
		{
			orders.POST("", s.handlePlaceOrder)
			orders.GET("/:id", s.handleGetOrder)
			orders.PATCH("/:id", s.handleModifyOrder)
			orders.DELETE("/:id", s.handleCancelOrder)
		}

		admin := v1.Group("/admin", s.adminMiddleware())
		{
			admin.POST("/symbols", s.handleCreateSymbol)

			cb := admin.Group("/circuit-breaker")
			{
				cb.GET("/status", s.handleBreakerStatus)
				cb.GET("/history", s.handleBreakerHistory)
				cb.GET("/rules", s.handleListRules)
				cb.POST("/rules", s.handleAddRule)
				cb.DELETE("/rules/:id", s.handleRemoveRule)
				cb.PUT("/rules/:id/enabled", s.handleSetRuleEnabled)
				cb.POST("/halts", s.handleManualHalt)
				cb.DELETE("/halts", s.handleManualResume)
				cb.DELETE("/halts/:symbol", s.handleManualResume)
			}

			if s.gate != nil {
				comp := admin.Group("/compliance")
				{
					comp.GET("/blocked", s.handleListBlocked)
					comp.POST("/blocked", s.handleBlock)
					comp.DELETE("/blocked/:participant", s.handleUnblock)
				}
			}
		}
	}

	return router
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	if len(s.cfg.CORSOrigins) == 0 {
		return cors.Default()
	}
	cc := cors.DefaultConfig()
	cc.AllowOrigins = s.cfg.CORSOrigins
	cc.AddAllowHeaders("Authorization", "X-Admin-Token")
	return cors.New(cc)
}

// adminMiddleware guards administrative routes with the configured token.
// No token configured means the routes are open, as in development.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			c.Next()
			return
		}
		token := c.GetHeader("X-Admin-Token")
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			s.writeProblem(c, &errors.ProblemDetails{
				Type:     "https://api.pincex.io/problems/unauthorized",
				Title:    "Unauthorized",
				Status:   http.StatusUnauthorized,
				Detail:   "missing or invalid admin token",
				Instance: c.Request.URL.Path,
			})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"symbols":       len(s.books.ListSymbols()),
		"market_halted": s.breaker.IsHalted(""),
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	s.hub.ServeWS(c.Writer, c.Request, clientID)
}

// writeError maps err onto an RFC 7807 response.
func (s *Server) writeError(c *gin.Context, err error) {
	p := errors.ToProblem(err, c.Request.URL.Path)
	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.String("path", c.Request.URL.Path), zap.String("kind", p.Kind), zap.Error(err))
	}
	s.writeProblem(c, p)
}

func (s *Server) writeValidationError(c *gin.Context, err error) {
	s.writeProblem(c, errors.NewValidationError(err.Error(), c.Request.URL.Path))
}

func (s *Server) writeProblem(c *gin.Context, p *errors.ProblemDetails) {
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(p.Status, p)
}

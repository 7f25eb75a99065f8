package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Aidin1998/pincex_matching/internal/compliance"
	"github.com/Aidin1998/pincex_matching/internal/config"
	"github.com/Aidin1998/pincex_matching/internal/journal"
	"github.com/Aidin1998/pincex_matching/internal/marketdata"
	"github.com/Aidin1998/pincex_matching/internal/server"
	"github.com/Aidin1998/pincex_matching/internal/trading/circuitbreaker"
	"github.com/Aidin1998/pincex_matching/internal/trading/engine"
	"github.com/Aidin1998/pincex_matching/internal/trading/registry"
	"github.com/Aidin1998/pincex_matching/internal/ws"
	"github.com/Aidin1998/pincex_matching/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Load configuration
	bootLogger, err := logger.NewLogger(logger.Config{Level: "info", Format: "json"})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	cfgManager := config.NewManager(bootLogger)
	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := cfgManager.Load(paths...)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Create logger
	zapLogger, err := logger.NewLogger(logger.Config{
		Level:         cfg.Logging.Level,
		Format:        cfg.Logging.Format,
		BufferSize:    cfg.Logging.BufferSize,
		FlushInterval: cfg.Logging.FlushInterval,
	})
	if err != nil {
		bootLogger.Fatal("Failed to create logger", zap.Error(err))
	}
	defer zapLogger.Sync()
	zapLogger = zapLogger.With(zap.String("environment", cfg.Environment))

	if err := run(cfgManager, cfg, zapLogger); err != nil {
		zapLogger.Fatal("Venue stopped with error", zap.Error(err))
	}
	zapLogger.Info("Server exited properly")
}

func run(cfgManager *config.Manager, cfg *config.Config, zapLogger *zap.Logger) error {
	// Circuit breaker
	rules, err := cfg.CircuitBreaker.BuildRules()
	if err != nil {
		return err
	}
	breaker, err := circuitbreaker.NewSystem(cfg.CircuitBreaker.SystemConfig(), rules, zapLogger)
	if err != nil {
		return err
	}

	// Shared Redis client for the feed fan-out and the compliance blocklist
	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled {
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addresses,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	// Event dispatch
	dispatcher := marketdata.NewDispatcher(marketdata.DispatcherConfig{
		BatchSize:      cfg.Dispatcher.BatchSize,
		PublishTimeout: cfg.Dispatcher.PublishTimeout,
	}, zapLogger)

	var hub *ws.Hub
	if cfg.WebSocket.Enabled {
		hubCfg := ws.DefaultConfig()
		hubCfg.Shards = cfg.WebSocket.Shards
		hubCfg.ReplaySize = cfg.WebSocket.ReplaySize
		hubCfg.MaxClients = cfg.WebSocket.MaxClients
		hub = ws.NewHub(hubCfg, zapLogger)
		dispatcher.AddPublisher(hub)
	}
	if cfg.Kafka.Enabled {
		kafkaPub := marketdata.NewKafkaPublisher(cfg.Kafka.Brokers, marketdata.Topics{
			Trades: cfg.Kafka.TradesTopic,
			Deltas: cfg.Kafka.DeltasTopic,
			Halts:  cfg.Kafka.HaltsTopic,
			Orders: cfg.Kafka.OrdersTopic,
		})
		defer kafkaPub.Close()
		dispatcher.AddPublisher(kafkaPub)
	}
	if redisClient != nil {
		dispatcher.AddPublisher(marketdata.NewRedisPublisher(redisClient, cfg.Redis.ChannelPrefix))
	}
	var history registry.TradeHistory
	if cfg.Journal.Enabled {
		j, err := journal.Open(journal.Config{Dir: cfg.Journal.Dir, SyncWrites: cfg.Journal.SyncWrites}, zapLogger)
		if err != nil {
			return err
		}
		defer j.Close()
		lastHalt, err := j.LastHaltSequence()
		if err != nil {
			return err
		}
		breaker.ContinueHaltSequence(lastHalt)
		dispatcher.AddPublisher(j)
		history = j
	}
	breaker.AddListener(dispatcher)

	// Pre-trade compliance
	var gate *compliance.PreTradeGate
	var checker engine.PreTradeChecker
	if cfg.Compliance.Enabled {
		gateCfg, err := cfg.Compliance.GateConfig()
		if err != nil {
			return err
		}
		gate = compliance.NewPreTradeGate(gateCfg, redisClient, zapLogger)
		gate.SetReferencePrice(func(symbol string) (decimal.Decimal, bool) {
			p, ok := breaker.Tracker().Latest(symbol)
			return p.Price, ok
		})
		checker = gate
	}

	// Order books
	books := registry.NewOrderBookManager(registry.Config{
		Engine: engine.Config{
			TapeCapacity:       cfg.Engine.TapeCapacity,
			FullInvariantCheck: cfg.Engine.FullInvariantCheck,
		},
		DefaultDepth: cfg.Engine.DefaultDepth,
		MaxDepth:     cfg.Engine.MaxDepth,
		MaxSymbols:   cfg.Engine.MaxSymbols,
	}, engine.Dependencies{
		Gate:       breaker,
		Compliance: checker,
		Sink:       dispatcher,
		Alarm: func(symbol string, err error) {
			zapLogger.Error("Order book frozen", zap.String("symbol", symbol), zap.Error(err))
		},
	}, history, zapLogger)

	specs, err := cfg.SymbolSpecs()
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if _, err := books.CreateBook(spec); err != nil {
			return err
		}
	}
	zapLogger.Info("Order books created", zap.Strings("symbols", books.ListSymbols()))

	// Breaker rules follow the configuration file
	cfgManager.OnReload(func(_, newConfig *config.Config) error {
		rules, err := newConfig.CircuitBreaker.BuildRules()
		if err != nil {
			return err
		}
		if err := breaker.ReplaceRules(rules); err != nil {
			return err
		}
		zapLogger.Info("Circuit breaker rules reloaded", zap.Int("rules", len(rules)))
		return nil
	})

	// Background workers. The dispatcher stops first so its final flush
	// still reaches a running hub.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()

	var workers, dispatchWorker sync.WaitGroup
	start := func(c context.Context, wg *sync.WaitGroup, name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(c); err != nil {
				zapLogger.Error("Worker stopped with error", zap.String("worker", name), zap.Error(err))
			}
		}()
	}
	start(dispatchCtx, &dispatchWorker, "dispatcher", dispatcher.Run)
	start(ctx, &workers, "circuit_breaker", breaker.Run)
	start(ctx, &workers, "config_watch", cfgManager.Watch)
	if gate != nil {
		start(ctx, &workers, "compliance", gate.Run)
	}
	if hub != nil {
		start(ctx, &workers, "ws_hub", hub.Run)
	}

	// Start HTTP server
	api := server.NewServer(cfg.Server, zapLogger, books, breaker, gate, hub)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-quit:
		zapLogger.Info("Shutting down server...", zap.String("signal", sig.String()))
	case runErr = <-serveErr:
		zapLogger.Error("API server failed", zap.Error(runErr))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP shutdown failed", zap.Error(err))
	}
	cancelDispatch()
	dispatchWorker.Wait()
	cancel()
	workers.Wait()
	return runErr
}

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override, e.g. PINCEX_SERVER_PORT.
const EnvPrefix = "PINCEX"

// DefaultPaths are searched when Load is called without paths.
var DefaultPaths = []string{
	"./config.yaml",
	"./configs/config.yaml",
	"/etc/pincex/config.yaml",
}

// ReloadCallback is called when configuration is reloaded. Returning an error
// rejects the new configuration.
type ReloadCallback func(oldConfig, newConfig *Config) error

// Manager loads configuration and hot-reloads it when a loaded file changes.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	validator *validator.Validate
	logger    *zap.Logger

	paths      []string
	callbacks  []ReloadCallback
	debounce   time.Duration
	lastReload time.Time
}

// NewManager creates a manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		validator: validator.New(),
		logger:    logger.Named("config"),
		debounce:  500 * time.Millisecond,
	}
}

// Load reads the given files, or DefaultPaths when none are given, merges
// environment overrides, applies defaults and validates the result. Missing
// files are skipped.
func (m *Manager) Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	cfg, loaded, err := m.read(paths)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.config = cfg
	m.paths = loaded
	m.lastReload = time.Now()
	m.mu.Unlock()

	if len(loaded) == 0 {
		m.logger.Warn("No configuration files found, using defaults and environment variables")
	}
	m.logger.Info("Configuration loaded",
		zap.Strings("files", loaded),
		zap.String("environment", cfg.Environment),
		zap.Int("symbols", len(cfg.Symbols)))
	return cfg, nil
}

// Config returns the current configuration.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// LastReload returns when the configuration was last applied.
func (m *Manager) LastReload() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReload
}

// OnReload registers a callback run on every successful reload.
func (m *Manager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

func (m *Manager) read(paths []string) (*Config, []string, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var loaded []string
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			m.logger.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// list-valued env overrides arrive as one comma separated string
	if s := os.Getenv(EnvPrefix + "_KAFKA_BROKERS"); s != "" {
		cfg.Kafka.Brokers = splitList(s)
	}
	if s := os.Getenv(EnvPrefix + "_REDIS_ADDRESSES"); s != "" {
		cfg.Redis.Addresses = splitList(s)
	}
	if err := m.validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, loaded, nil
}

func (m *Manager) validate(cfg *Config) error {
	if err := m.validator.Struct(cfg); err != nil {
		return err
	}
	if _, err := cfg.SymbolSpecs(); err != nil {
		return err
	}
	if _, err := cfg.CircuitBreaker.BuildRules(); err != nil {
		return err
	}
	if _, err := cfg.Compliance.GateConfig(); err != nil {
		return err
	}
	return nil
}

// Reload re-reads the loaded files. The new configuration replaces the
// current one only if it validates and every callback accepts it.
func (m *Manager) Reload() error {
	m.mu.RLock()
	oldConfig := m.config
	paths := append([]string(nil), m.paths...)
	callbacks := append([]ReloadCallback(nil), m.callbacks...)
	m.mu.RUnlock()

	newConfig, _, err := m.read(paths)
	if err != nil {
		return err
	}
	for _, cb := range callbacks {
		if err := cb(oldConfig, newConfig); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}

	m.mu.Lock()
	m.config = newConfig
	m.lastReload = time.Now()
	m.mu.Unlock()
	m.logger.Info("Configuration reloaded", zap.Time("reloaded_at", m.LastReload()))
	return nil
}

// Watch reloads the configuration when a loaded file is written, created or
// replaced, until ctx ends. Parent directories are watched so editors that
// rename over the file are picked up.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.RLock()
	paths := append([]string(nil), m.paths...)
	m.mu.RUnlock()
	if len(paths) == 0 {
		m.logger.Info("No config files to watch, hot-reload disabled")
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	watched := make(map[string]struct{}, len(paths))
	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		watched[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	m.logger.Info("File watcher started for hot-reload", zap.Strings("paths", paths))

	debounce := time.NewTimer(m.debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, _ := filepath.Abs(event.Name)
			if _, ok := watched[abs]; !ok {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			m.logger.Debug("Config file changed",
				zap.String("file", event.Name),
				zap.String("operation", event.Op.String()))
			debounce.Reset(m.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Error("File watcher error", zap.Error(err))
		case <-debounce.C:
			if err := m.Reload(); err != nil {
				m.logger.Error("Failed to reload configuration", zap.Error(err))
			}
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.admin_token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.buffer_size", 256*1024)
	v.SetDefault("logging.flush_interval", time.Second)

	v.SetDefault("engine.tape_capacity", 10000)
	v.SetDefault("engine.full_invariant_check", false)
	v.SetDefault("engine.default_depth", 20)
	v.SetDefault("engine.max_depth", 500)
	v.SetDefault("engine.max_symbols", 10000)

	v.SetDefault("circuit_breaker.use_defaults", true)
	v.SetDefault("circuit_breaker.check_interval", time.Second)
	v.SetDefault("circuit_breaker.history_size", 1000)
	v.SetDefault("circuit_breaker.tracker_capacity", 4096)

	v.SetDefault("compliance.enabled", true)
	v.SetDefault("compliance.max_order_quantity", "")
	v.SetDefault("compliance.max_order_notional", "")
	v.SetDefault("compliance.blocklist_key", "pincex:compliance:blocked")
	v.SetDefault("compliance.refresh_interval", 30*time.Second)

	v.SetDefault("dispatcher.batch_size", 512)
	v.SetDefault("dispatcher.publish_timeout", 5*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.trades_topic", "pincex.trades")
	v.SetDefault("kafka.deltas_topic", "pincex.book-deltas")
	v.SetDefault("kafka.halts_topic", "pincex.halts")
	v.SetDefault("kafka.orders_topic", "pincex.orders")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "marketdata")

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.dir", "./data/journal")
	v.SetDefault("journal.sync_writes", false)

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.shards", 16)
	v.SetDefault("websocket.replay_size", 1000)
	v.SetDefault("websocket.max_clients", 10000)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

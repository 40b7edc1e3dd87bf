// Package config loads the engine configuration from a YAML file plus
// an optional .env for credentials and overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration of one execution session.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Bus      BusConfig      `yaml:"bus"`
	Broker   BrokerConfig   `yaml:"broker"`
	Stream   StreamConfig   `yaml:"stream"`
	Risk     RiskConfig     `yaml:"risk"`
	Sync     SyncConfig     `yaml:"sync"`
	Strategy StrategyConfig `yaml:"strategy"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// EngineConfig controls lifecycle timing and the dry-run switch.
type EngineConfig struct {
	PositionSyncIntervalSeconds int  `yaml:"position_sync_interval_seconds"`
	HeartbeatIntervalSeconds    int  `yaml:"heartbeat_interval_seconds"`
	MaxReconnectAttempts        int  `yaml:"max_reconnect_attempts"`
	ReconnectDelaySeconds       int  `yaml:"reconnect_delay_seconds"`
	DryRun                      bool `yaml:"dry_run"`
}

// BusConfig bounds the event backlog.
type BusConfig struct {
	MaxQueueSize int `yaml:"max_queue_size"`
}

// BrokerConfig selects and parameterizes the broker adapter. Name is
// the factory key ("paper", "kite", "alpaca"). The simulation fields
// apply to the paper broker; the transport fields to venue brokers.
type BrokerConfig struct {
	Name string `yaml:"name"`

	InitialCapital float64 `yaml:"initial_capital"`
	Commission     float64 `yaml:"commission"`
	Slippage       float64 `yaml:"slippage"`
	MarketImpact   float64 `yaml:"market_impact"`

	BaseURL              string `yaml:"base_url"`
	APIKey               string `yaml:"api_key"`
	APISecret            string `yaml:"api_secret"`
	AccessToken          string `yaml:"access_token"`
	MinRequestIntervalMS int    `yaml:"min_request_interval_ms"`
}

// StreamConfig points at the market data feed.
type StreamConfig struct {
	URL                   string `yaml:"url"`
	APIKey                string `yaml:"api_key"`
	AccessToken           string `yaml:"access_token"`
	MaxReconnectAttempts  int    `yaml:"max_reconnect_attempts"`
	ReconnectDelaySeconds int    `yaml:"reconnect_delay_seconds"`
}

// RiskConfig mirrors the risk limits record. Zero values fall back to
// the supervisor's stock limits.
type RiskConfig struct {
	MaxPositionSize    float64 `yaml:"max_position_size"`
	MaxPositionPct     float64 `yaml:"max_position_pct"`
	MaxLeverage        float64 `yaml:"max_leverage"`
	MaxPortfolioRisk   float64 `yaml:"max_portfolio_risk"`
	MaxDrawdown        float64 `yaml:"max_drawdown"`
	MaxDailyLoss       float64 `yaml:"max_daily_loss"`
	MaxDailyLossPct    float64 `yaml:"max_daily_loss_pct"`
	MaxTotalExposure   float64 `yaml:"max_total_exposure"`
	MaxLongExposure    float64 `yaml:"max_long_exposure"`
	MaxShortExposure   float64 `yaml:"max_short_exposure"`
	MaxOrdersPerSecond int     `yaml:"max_orders_per_second"`
	MaxOrdersPerMinute int     `yaml:"max_orders_per_minute"`
	UseStopLoss        bool    `yaml:"use_stop_loss"`
	DefaultStopLossPct float64 `yaml:"default_stop_loss_pct"`
}

// SyncConfig controls position reconciliation.
type SyncConfig struct {
	AutoReconcile  bool    `yaml:"auto_reconcile"`
	PriceTolerance float64 `yaml:"price_tolerance"`
}

// StrategyConfig names the strategy and passes free-form parameters to
// its constructor.
type StrategyConfig struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

// StorageConfig controls where engine state is persisted.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// NotifyConfig controls the console reporter.
type NotifyConfig struct {
	Table bool `yaml:"table"`
}

// Load reads the YAML file and the .env file if present. Environment
// variables override matching YAML values; credentials normally come
// from the environment only.
func Load(path string) (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// PositionSyncInterval returns the sync worker period.
func (c *Config) PositionSyncInterval() time.Duration {
	return time.Duration(c.Engine.PositionSyncIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the heartbeat worker period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Engine.HeartbeatIntervalSeconds) * time.Second
}

// ReconnectDelay returns the pause between broker reconnect attempts.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Engine.ReconnectDelaySeconds) * time.Second
}

// StreamReconnectDelay returns the pause between stream reconnects.
func (c *Config) StreamReconnectDelay() time.Duration {
	return time.Duration(c.Stream.ReconnectDelaySeconds) * time.Second
}

// MinRequestInterval returns the broker's minimum inter-request spacing.
func (c *Config) MinRequestInterval() time.Duration {
	return time.Duration(c.Broker.MinRequestIntervalMS) * time.Millisecond
}

// applyEnvOverrides pulls credentials and log settings from the
// environment when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("BROKER_API_SECRET"); v != "" {
		cfg.Broker.APISecret = v
	}
	if v := os.Getenv("BROKER_ACCESS_TOKEN"); v != "" {
		cfg.Broker.AccessToken = v
	}
	if v := os.Getenv("STREAM_API_KEY"); v != "" {
		cfg.Stream.APIKey = v
	}
	if v := os.Getenv("STREAM_ACCESS_TOKEN"); v != "" {
		cfg.Stream.AccessToken = v
	}
}

// setDefaults fills every zero value with a sensible default.
func setDefaults(cfg *Config) {
	if cfg.Engine.PositionSyncIntervalSeconds <= 0 {
		cfg.Engine.PositionSyncIntervalSeconds = 60
	}
	if cfg.Engine.HeartbeatIntervalSeconds <= 0 {
		cfg.Engine.HeartbeatIntervalSeconds = 10
	}
	if cfg.Engine.MaxReconnectAttempts <= 0 {
		cfg.Engine.MaxReconnectAttempts = 5
	}
	if cfg.Engine.ReconnectDelaySeconds <= 0 {
		cfg.Engine.ReconnectDelaySeconds = 5
	}
	if cfg.Bus.MaxQueueSize <= 0 {
		cfg.Bus.MaxQueueSize = 10000
	}
	if cfg.Broker.Name == "" {
		cfg.Broker.Name = "paper"
	}
	if cfg.Broker.InitialCapital <= 0 {
		cfg.Broker.InitialCapital = 100000
	}
	if cfg.Broker.Commission <= 0 {
		cfg.Broker.Commission = 0.001
	}
	if cfg.Broker.Slippage <= 0 {
		cfg.Broker.Slippage = 0.0005
	}
	if cfg.Broker.MarketImpact <= 0 {
		cfg.Broker.MarketImpact = 0.0001
	}
	if cfg.Broker.MinRequestIntervalMS <= 0 {
		cfg.Broker.MinRequestIntervalMS = 100
	}
	if cfg.Stream.MaxReconnectAttempts <= 0 {
		cfg.Stream.MaxReconnectAttempts = 5
	}
	if cfg.Stream.ReconnectDelaySeconds <= 0 {
		cfg.Stream.ReconnectDelaySeconds = 5
	}
	if cfg.Sync.PriceTolerance <= 0 {
		cfg.Sync.PriceTolerance = 0.01
	}
	if cfg.Strategy.Name == "" {
		cfg.Strategy.Name = "momentum"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "quantx.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Package config loads the daemon configuration from YAML with environment
// variable overrides for credentials and paths.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tiller daemon.
type Config struct {
	Storage    Storage    `yaml:"storage"`
	Server     Server     `yaml:"server"`
	Exchange   Exchange   `yaml:"exchange"`
	MarketData MarketData `yaml:"marketdata"`
	Logging    Logging    `yaml:"logging"`
	Trading    Trading    `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	// DataDir is the root for the Parquet archive of closed positions.
	DataDir string `yaml:"data_dir"`
	// SQLitePath is the live-state database file.
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds the operational API listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port for the listener.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Exchange selects and configures the execution venue.
type Exchange struct {
	// Name is one of "simulator", "binance", or "alpaca".
	Name string `yaml:"name"`

	Binance Binance `yaml:"binance"`
	Alpaca  Alpaca  `yaml:"alpaca"`
}

// Binance holds credentials for the Binance futures API.
type Binance struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// MarketData configures the tick stream.
type MarketData struct {
	// WSURL is the websocket endpoint for live ticks. Empty selects the
	// in-process simulated stream.
	WSURL string `yaml:"ws_url"`
	// Symbols are the instruments to subscribe to.
	Symbols []string `yaml:"symbols"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Trading defines the account identity and risk parameters.
type Trading struct {
	// AccountID identifies the managed account; it keys the leader lease.
	AccountID string `yaml:"account_id"`
	// Instance names this process for lease ownership. Empty falls back to
	// the hostname.
	Instance string `yaml:"instance"`

	Capital        decimal.Decimal `yaml:"capital"`
	RiskPct        decimal.Decimal `yaml:"risk_pct"`
	MaxDrawdownPct decimal.Decimal `yaml:"max_drawdown_pct"`

	QuantityStep decimal.Decimal `yaml:"quantity_step"`
	MinNotional  decimal.Decimal `yaml:"min_notional"`
	MaxNotional  decimal.Decimal `yaml:"max_notional"`

	LeaseTTLSeconds int `yaml:"lease_ttl_seconds"`
}

// LeaseTTL returns the configured lease TTL, defaulting to 15s.
func (t Trading) LeaseTTL() time.Duration {
	if t.LeaseTTLSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(t.LeaseTTLSeconds) * time.Second
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, applies
// environment variable overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Exchange.Name == "" {
		cfg.Exchange.Name = "simulator"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Trading.Instance == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Trading.Instance = host
		} else {
			cfg.Trading.Instance = "tiller"
		}
	}
	if cfg.Trading.QuantityStep.Sign() == 0 {
		cfg.Trading.QuantityStep = decimal.RequireFromString("0.0001")
	}
	if cfg.Trading.MinNotional.Sign() == 0 {
		cfg.Trading.MinNotional = decimal.NewFromInt(5)
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TILLER_INSTANCE"); v != "" {
		cfg.Trading.Instance = v
	}

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Exchange.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Exchange.Binance.APISecret = v
	}

	// Canonical Alpaca env vars used by the SDK.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Exchange.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Exchange.Alpaca.APISecret = v
	}
}

// Validate checks the fields every run needs regardless of venue. Risk
// parameter ranges are enforced again by the domain layer at construction.
func (c *Config) Validate() error {
	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("config: storage.sqlite_path is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data_dir is required")
	}
	if c.Trading.AccountID == "" {
		return fmt.Errorf("config: trading.account_id is required")
	}
	if c.Trading.Capital.Sign() <= 0 {
		return fmt.Errorf("config: trading.capital must be positive")
	}
	if c.Trading.RiskPct.Sign() <= 0 {
		return fmt.Errorf("config: trading.risk_pct must be positive")
	}
	switch c.Exchange.Name {
	case "simulator":
	case "binance":
		if c.Exchange.Binance.APIKey == "" || c.Exchange.Binance.APISecret == "" {
			return fmt.Errorf("config: binance credentials are required")
		}
	case "alpaca":
		if c.Exchange.Alpaca.APIKey == "" || c.Exchange.Alpaca.APISecret == "" {
			return fmt.Errorf("config: alpaca credentials are required")
		}
	default:
		return fmt.Errorf("config: unknown exchange %q", c.Exchange.Name)
	}
	return nil
}

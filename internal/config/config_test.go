package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiller.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "SQLITE_PATH", "LOG_LEVEL", "TILLER_INSTANCE",
		"BINANCE_API_KEY", "BINANCE_API_SECRET",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

const fullConfig = `
storage:
  data_dir: "/var/lib/tiller"
  sqlite_path: "/var/lib/tiller/tiller.db"
server:
  host: "0.0.0.0"
  port: 9000
exchange:
  name: "binance"
  binance:
    api_key: "bk"
    api_secret: "bs"
marketdata:
  ws_url: "wss://fstream.binance.com/stream"
  symbols: ["BTCUSDT", "ETHUSDT"]
logging:
  level: "debug"
  format: "json"
trading:
  account_id: "acct-1"
  instance: "host-a"
  capital: 10000
  risk_pct: 1
  max_drawdown_pct: 20
  quantity_step: "0.001"
  min_notional: 10
  lease_ttl_seconds: 30
`

func TestLoadFull(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.SQLitePath != "/var/lib/tiller/tiller.db" {
		t.Errorf("SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if cfg.Server.Addr() != "0.0.0.0:9000" {
		t.Errorf("Addr = %q", cfg.Server.Addr())
	}
	if cfg.Exchange.Name != "binance" || cfg.Exchange.Binance.APIKey != "bk" {
		t.Errorf("exchange = %+v", cfg.Exchange)
	}
	if len(cfg.MarketData.Symbols) != 2 {
		t.Errorf("symbols = %v", cfg.MarketData.Symbols)
	}
	if !cfg.Trading.Capital.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("capital = %s", cfg.Trading.Capital)
	}
	if !cfg.Trading.QuantityStep.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("quantity step = %s", cfg.Trading.QuantityStep)
	}
	if cfg.Trading.LeaseTTL() != 30*time.Second {
		t.Errorf("lease ttl = %s", cfg.Trading.LeaseTTL())
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, `
storage:
  data_dir: "/tmp/tiller"
  sqlite_path: "/tmp/tiller/tiller.db"
trading:
  account_id: "acct-1"
  capital: 5000
  risk_pct: 2
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:8080" {
		t.Errorf("default addr = %q", cfg.Server.Addr())
	}
	if cfg.Exchange.Name != "simulator" {
		t.Errorf("default exchange = %q", cfg.Exchange.Name)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default log level = %q", cfg.Logging.Level)
	}
	if cfg.Trading.Instance == "" {
		t.Error("instance not defaulted")
	}
	if cfg.Trading.LeaseTTL() != 15*time.Second {
		t.Errorf("default lease ttl = %s", cfg.Trading.LeaseTTL())
	}
	if !cfg.Trading.QuantityStep.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("default quantity step = %s", cfg.Trading.QuantityStep)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SQLITE_PATH", "/override/tiller.db")
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_API_SECRET", "env-secret")
	t.Setenv("TILLER_INSTANCE", "env-host")

	cfg, err := Load(writeConfig(t, `
storage:
  data_dir: "/tmp/tiller"
  sqlite_path: "/tmp/tiller/tiller.db"
exchange:
  name: "binance"
trading:
  account_id: "acct-1"
  capital: 5000
  risk_pct: 2
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.SQLitePath != "/override/tiller.db" {
		t.Errorf("SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if cfg.Exchange.Binance.APIKey != "env-key" || cfg.Exchange.Binance.APISecret != "env-secret" {
		t.Errorf("binance creds = %+v", cfg.Exchange.Binance)
	}
	if cfg.Trading.Instance != "env-host" {
		t.Errorf("instance = %q", cfg.Trading.Instance)
	}
}

func TestValidation(t *testing.T) {
	clearEnv(t)
	cases := []struct {
		name string
		yaml string
	}{
		{"missing sqlite path", `
storage:
  data_dir: "/tmp/t"
trading:
  account_id: "a"
  capital: 1000
  risk_pct: 1
`},
		{"missing account", `
storage:
  data_dir: "/tmp/t"
  sqlite_path: "/tmp/t/t.db"
trading:
  capital: 1000
  risk_pct: 1
`},
		{"zero capital", `
storage:
  data_dir: "/tmp/t"
  sqlite_path: "/tmp/t/t.db"
trading:
  account_id: "a"
  risk_pct: 1
`},
		{"binance without creds", `
storage:
  data_dir: "/tmp/t"
  sqlite_path: "/tmp/t/t.db"
exchange:
  name: "binance"
trading:
  account_id: "a"
  capital: 1000
  risk_pct: 1
`},
		{"unknown exchange", `
storage:
  data_dir: "/tmp/t"
  sqlite_path: "/tmp/t/t.db"
exchange:
  name: "kraken"
trading:
  account_id: "a"
  capital: 1000
  risk_pct: 1
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

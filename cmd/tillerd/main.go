package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"tiller/internal/api"
	"tiller/internal/config"
	"tiller/internal/daemon"
	"tiller/internal/detector"
	"tiller/internal/domain"
	"tiller/internal/engine"
	"tiller/internal/exchange"
	"tiller/internal/exec"
	"tiller/internal/marketdata"
	"tiller/internal/store"
	"tiller/internal/util"
)

func main() {
	cfgPath := "config/tiller.yaml"
	if p := os.Getenv("TILLER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()
	archive := store.NewParquetArchive(cfg.Storage.DataDir)

	risk, err := domain.NewRiskConfig(cfg.Trading.Capital, cfg.Trading.RiskPct, cfg.Trading.MaxDrawdownPct)
	if err != nil {
		log.Fatalf("invalid risk config: %v", err)
	}
	limits := domain.SizingLimits{
		QuantityStep: cfg.Trading.QuantityStep,
		MinNotional:  cfg.Trading.MinNotional,
		MaxNotional:  cfg.Trading.MaxNotional,
	}
	eng := engine.New(risk, limits, engine.NewDrawdownGuard(risk))

	var ex exchange.Exchange
	switch cfg.Exchange.Name {
	case "binance":
		ex = exchange.NewBinanceFutures(cfg.Exchange.Binance.APIKey, cfg.Exchange.Binance.APISecret)
	case "alpaca":
		ex = exchange.NewAlpaca(cfg.Exchange.Alpaca.APIKey, cfg.Exchange.Alpaca.APISecret, cfg.Exchange.Alpaca.BaseURL)
	default:
		ex = exchange.NewSimulator()
	}

	var stream marketdata.Stream
	if cfg.MarketData.WSURL != "" {
		stream = marketdata.NewBinanceTradeStream(cfg.MarketData.WSURL, cfg.MarketData.Symbols, logger)
	} else {
		stream = marketdata.NewSimStream()
	}

	registry := detector.NewRegistry()
	registry.Register("breakout", detector.NewBreakout)

	executor := exec.NewExecutor(st, ex, logger, 5, 500*time.Millisecond)
	d := daemon.New(daemon.Config{
		AccountID: accountUUID(cfg.Trading.AccountID),
		Instance:  cfg.Trading.Instance,
		LeaseTTL:  cfg.Trading.LeaseTTL(),
	}, st, archive, eng, executor, ex, stream, registry, logger)

	srv := api.NewServer(d, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	apiErr := make(chan error, 1)
	go func() { apiErr <- srv.ListenAndServe(ctx, cfg.Server.Addr()) }()

	logger.Info("tillerd starting",
		"exchange", ex.Name(),
		"account", cfg.Trading.AccountID,
		"instance", cfg.Trading.Instance)

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("daemon stopped: %v", err)
	}
	cancel()
	if err := <-apiErr; err != nil {
		log.Fatalf("api server error: %v", err)
	}
}

// accountUUID maps the configured account id to a stable UUID. A literal UUID
// is used as-is; any other string is hashed so the same name always yields
// the same id.
func accountUUID(s string) uuid.UUID {
	if id, err := uuid.Parse(s); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(s))
}

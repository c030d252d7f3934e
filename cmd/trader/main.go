// Command trader runs the Bollinger band futures trading engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"bbtrader/internal/alert"
	"bbtrader/internal/config"
	"bbtrader/internal/control"
	"bbtrader/internal/core"
	binanceadapter "bbtrader/internal/exchange/binance"
	"bbtrader/internal/infrastructure/metrics"
	"bbtrader/internal/marketdata"
	"bbtrader/internal/risk"
	tradesignal "bbtrader/internal/signal"
	"bbtrader/internal/state"
	"bbtrader/internal/trading/orchestrator"
	"bbtrader/internal/trading/pending"
	"bbtrader/internal/trading/position"
	"bbtrader/pkg/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "trader exited with error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// A local .env is optional; real deployments export the variables.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewZapLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting trader",
		"testnet", cfg.Exchange.Testnet,
		"api_key", config.MaskString(cfg.Exchange.APIKey),
		"tick_seconds", cfg.Trading.TickIntervalSeconds)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metricsServer = metrics.NewServer(cfg.Metrics.ListenAddr, m, logger)
	}

	store := state.NewFileStore(cfg.State.FilePath, logger)

	var journal core.ITradeJournal
	if cfg.State.JournalPath != "" {
		j, err := state.NewSQLiteJournal(cfg.State.JournalPath)
		if err != nil {
			return err
		}
		journal = j
	} else {
		journal = state.NopJournal{}
	}
	defer journal.Close()

	exchange, err := binanceadapter.NewAdapter(binanceadapter.Options{
		APIKey:            cfg.Exchange.APIKey,
		APISecret:         cfg.Exchange.APISecret,
		Testnet:           cfg.Exchange.Testnet,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
	}, logger)
	if err != nil {
		return err
	}

	hedge, err := exchange.IsHedgeMode(ctx)
	if err != nil {
		logger.Warn("Position mode query failed, assuming one-way mode", "error", err)
		hedge = false
	}
	logger.Info("Position mode resolved", "hedge_mode", hedge)

	notifier := alert.NewManager(logger)
	if cfg.Telegram.Enabled {
		notifier.AddChannel(alert.NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}

	marketData := marketdata.NewCache(exchange, "", m, logger)
	defer marketData.Shutdown()

	evaluator := tradesignal.NewEvaluator(marketData, logger)
	sizer := risk.NewSizer(risk.Config{
		UseFixedMonetaryRisk: cfg.Risk.UseFixedMonetaryRisk,
		FixedMonetaryRisk:    decimal.NewFromFloat(cfg.Risk.FixedMonetaryRisk),
		UsePercentageRisk:    cfg.Risk.UsePercentageRisk,
		RiskPercentage:       decimal.NewFromFloat(cfg.Risk.RiskPercentage),
		UseMartingale:        cfg.Risk.UseMartingaleRecovery,
		RiskRewardMultiplier: decimal.NewFromFloat(cfg.Risk.RiskRewardMultiplier),
	}, exchange, logger)

	pom := pending.NewManager(exchange, marketData, sizer, store, notifier, m,
		pending.Options{SLRefInterval: cfg.Trading.SLReferenceInterval, HedgeMode: hedge}, logger)
	pm := position.NewManager(exchange, store, notifier, journal, m,
		position.Options{HedgeMode: hedge, Martingale: sizer.MartingaleEnabled()}, logger)

	controller := control.NewController(logger, notifier)

	orch := orchestrator.New(cfg, store, marketData, evaluator, pom, pm,
		controller, exchange, notifier, m, logger)
	controller.SetStatusFunc(orch.StatusSummary)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(gctx)
	})

	if cfg.Telegram.Enabled {
		poller := control.NewTelegramPoller(controller, cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			time.Duration(cfg.Telegram.PollTimeoutSeconds)*time.Second, logger)
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
	}

	if metricsServer != nil {
		metricsServer.Start()
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Stop(shutdownCtx)
		})
	}

	notifier.Alert(ctx, "Trader started",
		fmt.Sprintf("Engine online (testnet=%v, hedge_mode=%v).", cfg.Exchange.Testnet, hedge),
		core.AlertInfo, nil)

	err = g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	logger.Info("Trader stopped cleanly")
	return nil
}

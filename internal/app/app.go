// Package app assembles the trading stack from configuration: market data,
// execution, analysis, risk, persistence, notifications and the HTTP API.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"marlin/internal/analysis/indicator"
	"marlin/internal/analysis/sentiment"
	"marlin/internal/config"
	"marlin/internal/engine"
	"marlin/internal/gateway/binance"
	"marlin/internal/gateway/exchange"
	"marlin/internal/gateway/notifier"
	"marlin/internal/gateway/paper"
	"marlin/internal/logger"
	"marlin/internal/position"
	"marlin/internal/risk"
	"marlin/internal/store/gormstore"
	livehttp "marlin/internal/transport/http/live"
)

// App owns the wired components and their shared lifecycle.
type App struct {
	cfg     *config.Config
	store   *gormstore.Store
	riskMgr *risk.Manager
	engine  *engine.Engine
	server  *livehttp.Server
}

// NewApp builds the application from a validated config without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	store, err := gormstore.NewStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	exCfg := binance.Config{
		RESTBaseURL: cfg.Exchange.RESTBaseURL,
		HTTPTimeout: cfg.Exchange.HTTPTimeout(),
		APIKey:      cfg.Exchange.APIKey,
		APISecret:   cfg.Exchange.APISecret,
	}
	source := binance.NewSource(exCfg)

	var exec exchange.ExecutionClient
	if cfg.Trading.IsLive() {
		exec = binance.NewExecutor(exCfg)
	} else {
		exec = paper.NewExecutor(source, cfg.Trading.Equity)
	}

	riskMgr, err := risk.NewManager(cfg.Risk.Limits(), cfg.Trading.Equity, store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("risk manager: %w", err)
	}
	if err := riskMgr.Restore(context.Background()); err != nil {
		logger.Warnf("app: risk state restore failed: %v", err)
	}
	if cfg.Trading.IsLive() {
		if balance, err := exec.Balance(context.Background()); err != nil {
			logger.Warnf("app: exchange balance read failed, sizing from configured equity: %v", err)
		} else {
			riskMgr.SetEquity(balance)
		}
	}

	indicators := indicator.NewEngine(cfg.Strategy.IndicatorSettings())
	aggregator, err := sentiment.NewAggregator(cfg.Strategy.SentimentWeights())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("sentiment aggregator: %w", err)
	}

	var sink notifier.TextNotifier = notifier.Noop{}
	if cfg.Notify.Telegram.Enabled {
		sink = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
		logger.Infof("app: telegram notifications enabled chat=%s", cfg.Notify.Telegram.ChatID)
	}

	tracker := position.NewTracker()
	eng, err := engine.New(engine.Params{
		Options: engine.Options{
			Symbols:         cfg.Market.NormalizedSymbols(),
			Interval:        cfg.Market.Interval,
			HistoryLimit:    cfg.Market.HistoryLimit,
			MonitorPeriod:   cfg.Market.MonitorInterval(),
			OrderRetryCount: cfg.Trading.OrderRetryCount,
		},
		Data:       source,
		Exec:       exec,
		Indicators: indicators,
		Aggregator: aggregator,
		Risk:       riskMgr,
		Tracker:    tracker,
		Journal:    store,
		Events:     engine.NewEventNotifier(sink),
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	server, err := livehttp.NewServer(livehttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Engine:  eng,
		Risk:    riskMgr,
		Tracker: tracker,
		Trades:  store,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("http server: %w", err)
	}

	logger.Infof("app: wired mode=%s symbols=%v interval=%s http=%s store=%s",
		cfg.Trading.Mode, cfg.Market.NormalizedSymbols(), cfg.Market.Interval,
		server.Addr(), cfg.Store.Path)
	return &App{
		cfg:     cfg,
		store:   store,
		riskMgr: riskMgr,
		engine:  eng,
		server:  server,
	}, nil
}

// WatchConfig applies hot-reloadable settings from config file changes.
// Only the risk budget and log level take effect without a restart.
func (a *App) WatchConfig(w *config.Watcher) {
	if a == nil || w == nil {
		return
	}
	w.Subscribe(func(cfg *config.Config) {
		logger.SetLevel(cfg.App.LogLevel)
		if err := a.riskMgr.UpdateLimits(cfg.Risk.Limits()); err != nil {
			logger.Warnf("app: reloaded risk limits rejected: %v", err)
		}
	})
}

// Run starts the engine and the HTTP API, blocking until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.engine == nil {
		return fmt.Errorf("app not initialized")
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			logger.Warnf("app: store close: %v", err)
		}
	}()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return a.engine.Run(ctx)
	})
	err := group.Wait()

	// Shutdown must not abandon live positions: flatten them with a fresh
	// context, since the run context is already cancelled.
	flattenCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if closed := a.engine.FlattenAll(flattenCtx); len(closed) > 0 {
		logger.Infof("app: flattened %d live positions on shutdown", len(closed))
	}
	return err
}

// Engine exposes the trading engine (for tests and replay harnesses).
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alejandrodnm/quantx/config"
	"github.com/alejandrodnm/quantx/internal/adapters/broker"
	"github.com/alejandrodnm/quantx/internal/adapters/notify"
	"github.com/alejandrodnm/quantx/internal/adapters/storage"
	"github.com/alejandrodnm/quantx/internal/adapters/stream"
	"github.com/alejandrodnm/quantx/internal/application/engine"
	"github.com/alejandrodnm/quantx/internal/application/oms"
	"github.com/alejandrodnm/quantx/internal/application/pnl"
	"github.com/alejandrodnm/quantx/internal/application/possync"
	"github.com/alejandrodnm/quantx/internal/application/risk"
	"github.com/alejandrodnm/quantx/internal/bus"
	"github.com/alejandrodnm/quantx/internal/domain"
	"github.com/alejandrodnm/quantx/internal/ports"
	"github.com/alejandrodnm/quantx/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "log orders instead of submitting them")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "render positions and trades as tables")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *dryRun {
		cfg.Engine.DryRun = true
	}
	setupLogger(cfg.Log)

	slog.Info("quantx engine starting",
		"config", *configPath,
		"broker", cfg.Broker.Name,
		"strategy", cfg.Strategy.Name,
		"dry_run", cfg.Engine.DryRun,
	)

	b, err := broker.New(cfg.Broker.Name, broker.Config{
		InitialCapital:     cfg.Broker.InitialCapital,
		Commission:         cfg.Broker.Commission,
		Slippage:           cfg.Broker.Slippage,
		MarketImpact:       cfg.Broker.MarketImpact,
		BaseURL:            cfg.Broker.BaseURL,
		APIKey:             cfg.Broker.APIKey,
		APISecret:          cfg.Broker.APISecret,
		AccessToken:        cfg.Broker.AccessToken,
		MinRequestInterval: cfg.MinRequestInterval(),
	})
	if err != nil {
		slog.Error("failed to build broker", "err", err, "name", cfg.Broker.Name)
		os.Exit(1)
	}

	store, err := storage.NewSQLiteStateStore(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open state store", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	registry := strategy.NewRegistry()
	registry.Register("momentum", newMomentum)
	strat, err := registry.New(cfg.Strategy.Name, cfg.Strategy.Params)
	if err != nil {
		slog.Error("failed to build strategy", "err", err, "name", cfg.Strategy.Name)
		os.Exit(1)
	}

	eventBus := bus.New(cfg.Bus.MaxQueueSize)
	supervisor := risk.NewSupervisor(riskLimits(cfg.Risk))
	orders := oms.NewOrderManager(b,
		oms.WithRisk(supervisor),
		oms.WithPublisher(eventBus))
	syncer := possync.NewSynchronizer(b, cfg.Sync.AutoReconcile, cfg.Sync.PriceTolerance)
	tracker := pnl.NewTracker(cfg.Broker.InitialCapital)

	eng := engine.New(engine.Config{
		PositionSyncInterval: cfg.PositionSyncInterval(),
		HeartbeatInterval:    cfg.HeartbeatInterval(),
		MaxReconnectAttempts: cfg.Engine.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay(),
		DryRun:               cfg.Engine.DryRun,
		BrokerName:           cfg.Broker.Name,
	}, strat, b, orders, eventBus,
		engine.WithRisk(supervisor),
		engine.WithSynchronizer(syncer),
		engine.WithTracker(tracker),
		engine.WithStateStore(store),
	)

	// The paper broker surfaces fills through callbacks and needs tick
	// prices pushed in.
	tokens := tokenMap(cfg.Strategy.Params)
	if paper, ok := b.(*broker.Paper); ok {
		paper.OnFill(eng.HandleFill)
		eventBus.Subscribe(domain.EventTick, func(ev domain.Event) {
			tick, ok := ev.Payload.(domain.Tick)
			if !ok {
				return
			}
			if symbol, ok := tokens[tick.Token]; ok {
				paper.UpdatePrices(map[string]float64{symbol: tick.LastPrice})
			}
		})
	}

	var ticks atomic.Int64
	eventBus.Subscribe(domain.EventTick, func(domain.Event) {
		ticks.Add(1)
	})

	console := notify.NewConsole(cfg.Notify.Table || *table)
	eventBus.Subscribe(domain.EventHeartbeat, func(domain.Event) {
		status := eng.GetStatus()
		stats := eng.GetStatistics()
		snap := tracker.GetSnapshot()
		console.PrintHeartbeat(notify.Heartbeat{
			State:         status.State,
			Uptime:        status.Uptime,
			Equity:        tracker.TotalEquity(),
			DailyPnL:      snap.DailyPnL,
			OpenPositions: snap.OpenPositions,
			PendingOrders: stats.Orders.OpenOrders,
			TicksReceived: ticks.Load(),
		})
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		slog.Error("engine failed to start", "err", err)
		os.Exit(1)
	}

	var feed *stream.TickStream
	if cfg.Stream.URL != "" {
		feed = stream.New(stream.Config{
			URL:                  cfg.Stream.URL,
			APIKey:               cfg.Stream.APIKey,
			AccessToken:          cfg.Stream.AccessToken,
			MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
			ReconnectDelay:       cfg.StreamReconnectDelay(),
		}, eventBus)
		if err := feed.Connect(ctx); err != nil {
			slog.Error("failed to connect market data stream", "err", err)
			os.Exit(1)
		}
		if len(tokens) > 0 {
			ids := make([]int64, 0, len(tokens))
			for token := range tokens {
				ids = append(ids, token)
			}
			if err := feed.Subscribe(ids, domain.ModeQuote); err != nil {
				slog.Error("failed to subscribe to ticks", "err", err)
				os.Exit(1)
			}
		}
	}

	<-ctx.Done()
	slog.Info("shutting down")

	if feed != nil {
		if err := feed.Close(); err != nil {
			slog.Warn("closing market data stream", "err", err)
		}
	}
	if err := eng.Stop(context.Background(), 30*time.Second); err != nil {
		slog.Error("engine stop failed", "err", err)
	}

	printSession(console, b, tracker)
	slog.Info("quantx engine stopped cleanly")
}

func printSession(console *notify.Console, b ports.Broker, tracker *pnl.Tracker) {
	if positions, err := b.GetPositions(context.Background()); err == nil {
		console.PrintPositions(positions)
	}
	console.PrintTrades(tracker.Trades(20))
	console.PrintPerformance(tracker.PerformanceSummary())
}

// newMomentum builds the momentum strategy from free-form YAML params.
func newMomentum(params map[string]any) ports.Strategy {
	cfg := strategy.MomentumConfig{
		Tokens: tokenMap(params),
	}
	if v, ok := asInt(params["window"]); ok {
		cfg.Window = v
	}
	if v, ok := asFloat(params["threshold"]); ok {
		cfg.Threshold = v
	}
	if v, ok := asFloat(params["quantity"]); ok {
		cfg.Quantity = v
	}
	return strategy.NewMomentum(cfg)
}

// tokenMap extracts the instrument token to symbol mapping from the
// params block. Token keys are written as strings in YAML.
func tokenMap(params map[string]any) map[int64]string {
	raw, ok := params["tokens"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[int64]string, len(raw))
	for key, value := range raw {
		token, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			slog.Warn("ignoring non-numeric instrument token", "token", key)
			continue
		}
		symbol, ok := value.(string)
		if !ok {
			continue
		}
		out[token] = symbol
	}
	return out
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func riskLimits(cfg config.RiskConfig) risk.Limits {
	limits := risk.DefaultLimits()
	if cfg.MaxPositionSize > 0 {
		limits.MaxPositionSize = cfg.MaxPositionSize
	}
	if cfg.MaxPositionPct > 0 {
		limits.MaxPositionPct = cfg.MaxPositionPct
	}
	if cfg.MaxLeverage > 0 {
		limits.MaxLeverage = cfg.MaxLeverage
	}
	if cfg.MaxPortfolioRisk > 0 {
		limits.MaxPortfolioRisk = cfg.MaxPortfolioRisk
	}
	if cfg.MaxDrawdown > 0 {
		limits.MaxDrawdown = cfg.MaxDrawdown
	}
	if cfg.MaxDailyLoss > 0 {
		limits.MaxDailyLoss = cfg.MaxDailyLoss
	}
	if cfg.MaxDailyLossPct > 0 {
		limits.MaxDailyLossPct = cfg.MaxDailyLossPct
	}
	if cfg.MaxTotalExposure > 0 {
		limits.MaxTotalExposure = cfg.MaxTotalExposure
	}
	if cfg.MaxLongExposure > 0 {
		limits.MaxLongExposure = cfg.MaxLongExposure
	}
	if cfg.MaxShortExposure > 0 {
		limits.MaxShortExposure = cfg.MaxShortExposure
	}
	if cfg.MaxOrdersPerSecond > 0 {
		limits.MaxOrdersPerSecond = cfg.MaxOrdersPerSecond
	}
	if cfg.MaxOrdersPerMinute > 0 {
		limits.MaxOrdersPerMinute = cfg.MaxOrdersPerMinute
	}
	limits.UseStopLoss = cfg.UseStopLoss
	if cfg.DefaultStopLossPct > 0 {
		limits.DefaultStopLossPct = cfg.DefaultStopLossPct
	}
	return limits
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

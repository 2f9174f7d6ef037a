package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/aelhadee/247trader/internal/alerts"
	"github.com/aelhadee/247trader/internal/audit"
	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/engine"
	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/execution"
	"github.com/aelhadee/247trader/internal/marketdata"
	"github.com/aelhadee/247trader/internal/metrics"
	"github.com/aelhadee/247trader/internal/portfolio"
	"github.com/aelhadee/247trader/internal/risk"
	"github.com/aelhadee/247trader/internal/signals"
	"github.com/aelhadee/247trader/internal/state"
	"github.com/aelhadee/247trader/internal/strategy"
	"github.com/aelhadee/247trader/internal/universe"
)

const paperInitialUSD = 10000

func main() {
	configDir := flag.String("config-dir", "configs", "Directory containing the YAML config files")
	once := flag.Bool("once", false, "Run a single cycle and exit")
	loop := flag.Bool("loop", false, "Run the continuous loop (default)")
	dryRun := flag.Bool("dry-run", false, "Force dry-run mode: log intents, place nothing")
	paper := flag.Bool("paper", false, "Force paper mode: live quotes, simulated fills")
	live := flag.Bool("live", false, "Force live mode: real orders with real money")
	liveAck := flag.Bool("i-understand-live-trading", false, "Required together with --live")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if err := applyModeFlags(cfg, *dryRun, *paper, *live, *liveAck); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("main")
	logger.Info().
		Str("mode", cfg.App.Mode).
		Str("config_dir", *configDir).
		Msg("Starting 247trader")

	if err := os.MkdirAll(cfg.App.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("Failed to create data dir")
	}
	release, err := engine.AcquirePIDFile(filepath.Join(cfg.App.DataDir, "trader.pid"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Single-instance lock failed")
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open state store")
	}
	store.Start()

	alerter := buildAlerter(cfg)

	ex, dataSource, err := buildExchange(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build exchange adapter")
	}

	metricsServer := metrics.NewServer(cfg.App.MetricsPort, cfg.App.MetricsPortRange, log.Logger)
	port, err := metricsServer.Start()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start metrics server")
	}
	logger.Info().Int("port", port).Msg("Metrics server listening")

	auditWriter, err := audit.NewWriter(cfg.App.AuditPath, log.Logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open audit trail")
	}

	breaker := risk.NewBreaker(cfg.Policy.CircuitBreakers, log.Logger, func(s gobreaker.State) {
		switch s {
		case gobreaker.StateOpen:
			metrics.CircuitBreakerState.WithLabelValues("exchange").Set(2)
		case gobreaker.StateHalfOpen:
			metrics.CircuitBreakerState.WithLabelValues("exchange").Set(1)
		default:
			metrics.CircuitBreakerState.WithLabelValues("exchange").Set(0)
		}
	})
	execEngine := execution.NewEngine(cfg.Policy.Execution, cfg.Policy.Risk, execution.Mode(cfg.App.Mode), ex, store, alerter, log.Logger)

	orch := engine.New(engine.Deps{
		Config:     cfg,
		Exchange:   ex,
		Store:      store,
		Alerter:    alerter,
		Universe:   universe.NewManager(cfg.Universe, dataSource, store, alerter, log.Logger),
		Regime:     universe.NewRegimeDetector(dataSource, log.Logger),
		Signals:    signals.NewEngine(cfg.Signals, dataSource, store, log.Logger),
		Strategies: buildStrategies(cfg),
		Advisor:    strategy.NoopAdvisor{},
		Portfolio:  portfolio.NewBuilder(dataSource, store, cfg.Policy.Risk.MinDustUSD, log.Logger),
		Risk:       risk.NewEngine(cfg.Policy.Risk, cfg.Strategies, cfg.Policy.Execution, store, ex, breaker, alerter, log.Logger),
		Execution:  execEngine,
		Liquidator: execution.NewLiquidator(cfg.Policy.Execution.Purge, execEngine, store, alerter, log.Logger),
		Audit:      auditWriter,
		Breaker:    breaker,
		Logger:     log.Logger,
	})

	exitCode := 0
	if *once && !*loop {
		outcome, err := orch.RunOnce(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Cycle refused")
			exitCode = 1
		} else {
			logger.Info().Str("outcome", string(outcome)).Msg("Single cycle done")
		}
	} else {
		exitCode = runLoop(ctx, orch, logger)
	}

	// Graceful teardown: cancel live orders, flush state, close the trail.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	orch.Shutdown(shutdownCtx)
	if err := store.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("State flush failed during shutdown")
	}
	auditWriter.Close()
	metricsServer.Shutdown(shutdownCtx)
	release()
	logger.Info().Msg("Shutdown complete")
	os.Exit(exitCode)
}

// runLoop runs the cycle loop until SIGINT/SIGTERM arrives or startup
// validation refuses. The current cycle always completes before exit.
func runLoop(ctx context.Context, orch *engine.Orchestrator, logger zerolog.Logger) int {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() { errChan <- orch.RunLoop(ctx) }()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, finishing current cycle")
		orch.Stop()
		<-errChan
		return 0
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Loop exited with error")
			return 1
		}
		return 0
	}
}

// applyModeFlags resolves the trading mode: an explicit flag beats the
// config file, and live trading demands the extra acknowledgement flag.
func applyModeFlags(cfg *config.Config, dryRun, paper, live, liveAck bool) error {
	set := 0
	for _, b := range []bool{dryRun, paper, live} {
		if b {
			set++
		}
	}
	if set > 1 {
		return errors.New("at most one of --dry-run, --paper, --live may be set")
	}
	switch {
	case dryRun:
		cfg.App.Mode = config.ModeDryRun
	case paper:
		cfg.App.Mode = config.ModePaper
	case live:
		cfg.App.Mode = config.ModeLive
	}
	if cfg.App.Mode == config.ModeLive && !liveAck {
		return errors.New("live trading requires --live together with --i-understand-live-trading")
	}
	return nil
}

// openStore picks the configured persistence backend.
func openStore(ctx context.Context, cfg *config.Config) (*state.Store, error) {
	var backend state.Backend
	var err error
	switch cfg.App.StateBackend {
	case "sqlite":
		backend, err = state.NewSQLiteBackend(filepath.Join(cfg.App.DataDir, "state.db"))
	default:
		backend, err = state.NewFileBackend(filepath.Join(cfg.App.DataDir, "state.json"))
	}
	if err != nil {
		return nil, err
	}
	return state.NewStore(ctx, backend, cfg.App.PersistInterval(), log.Logger)
}

// buildAlerter wires the log sink plus optional webhooks.
func buildAlerter(cfg *config.Config) *alerts.Manager {
	a := cfg.Policy.Alerting
	alertCfg := alerts.Config{
		DedupeWindow:   time.Duration(a.DedupeWindowSeconds) * time.Second,
		EscalationTime: time.Duration(a.EscalationSeconds) * time.Second,
		StaleAfter:     time.Duration(a.StaleSeconds) * time.Second,
	}

	sinks := []alerts.Sink{alerts.NewLogSink(log.Logger)}
	timeout := time.Duration(a.WebhookTimeoutMS) * time.Millisecond
	if a.WebhookURL != "" {
		sinks = append(sinks, alerts.NewWebhookSink(a.WebhookURL, timeout, log.Logger))
	}
	var escalation []alerts.Sink
	if a.EscalationWebhookURL != "" {
		escalation = append(escalation, alerts.NewWebhookSink(a.EscalationWebhookURL, timeout, log.Logger))
	}
	return alerts.NewManager(alertCfg, log.Logger, sinks, escalation)
}

// buildExchange returns the order-placing adapter and the (cached)
// market data source the read paths share.
//
// Credentials come from the environment only; config files never carry
// secrets. Dry-run and paper run the Coinbase adapter read-only; live is
// the single writable path.
func buildExchange(ctx context.Context, cfg *config.Config) (exchange.Exchange, exchange.MarketDataSource, error) {
	var ex exchange.Exchange
	switch cfg.App.Mode {
	case config.ModeLive:
		creds, err := exchange.CredentialsFromEnv()
		if err != nil {
			return nil, nil, err
		}
		ex = exchange.NewCoinbaseExchange(creds, false, log.Logger)

	case config.ModeDryRun:
		creds, err := exchange.CredentialsFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("dry-run still reads balances: %w", err)
		}
		ex = exchange.NewCoinbaseExchange(creds, true, log.Logger)

	case config.ModePaper:
		// Paper needs only public market data; credentials are optional.
		creds, _ := exchange.CredentialsFromEnv()
		data := exchange.NewCoinbaseExchange(creds, true, log.Logger)
		initial := float64(paperInitialUSD)
		if v := os.Getenv("TRADER_PAPER_INITIAL_USD"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				initial = f
			}
		}
		ex = exchange.NewPaperExchange(
			data,
			cfg.Policy.Execution.MakerFeePct,
			cfg.Policy.Execution.TakerFeePct,
			tierLookup(cfg.Universe),
			initial,
			log.Logger,
		)

	default:
		return nil, nil, fmt.Errorf("unknown mode %q", cfg.App.Mode)
	}

	return ex, cachedSource(ctx, cfg, ex), nil
}

// cachedSource wraps the adapter's market data with the configured cache.
func cachedSource(ctx context.Context, cfg *config.Config, src exchange.MarketDataSource) exchange.MarketDataSource {
	ttl := time.Duration(cfg.App.Redis.TTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	var cache marketdata.Cache
	if cfg.App.Redis.Enabled {
		rc, err := marketdata.NewRedisCache(ctx, cfg.App.Redis, log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("Redis cache unavailable, falling back to in-memory")
		} else {
			cache = rc
		}
	}
	if cache == nil {
		cache = marketdata.NewMemoryCache(ttl, 5*time.Minute)
	}
	return marketdata.NewCachingSource(src, cache)
}

// tierLookup maps symbols to their configured tier for the paper
// slippage model. Unknown symbols fall in the widest bucket.
func tierLookup(cfg config.UniverseConfig) func(string) int {
	byTier := make(map[string]int)
	for name, tier := range cfg.Tiers {
		n, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		for _, symbol := range tier.Products {
			byTier[symbol] = n
		}
	}
	return func(symbol string) int {
		if n, ok := byTier[symbol]; ok {
			return n
		}
		return 3
	}
}

// buildStrategies instantiates every enabled registry entry.
func buildStrategies(cfg *config.Config) []strategy.Strategy {
	var out []strategy.Strategy
	for name, sc := range cfg.Strategies.Registry {
		if !sc.Enabled {
			continue
		}
		out = append(out, strategy.NewTriggerStrategy(name, sc, cfg.Policy.Risk.MaxSingleTradePct/2, 0.5))
	}
	return out
}

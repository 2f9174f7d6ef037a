// Package config loads and validates the trader's YAML configuration.
//
// Configuration is split across five files in the config directory:
// app.yaml, policy.yaml, universe.yaml, signals.yaml and strategies.yaml.
// All files are merged into a single Config; environment variables with the
// TRADER_ prefix override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Trading modes. The shipping default is dry-run with a read-only adapter;
// live trading requires an explicit opt-in flag.
const (
	ModeDryRun = "dry_run"
	ModePaper  = "paper"
	ModeLive   = "live"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Universe   UniverseConfig   `mapstructure:"universe"`
	Signals    SignalsConfig    `mapstructure:"signals"`
	Strategies StrategiesConfig `mapstructure:"strategies"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name                string      `mapstructure:"name"`
	Mode                string      `mapstructure:"mode"` // dry_run, paper, live
	LogLevel            string      `mapstructure:"log_level"`
	LogFormat           string      `mapstructure:"log_format"` // json or console
	DataDir             string      `mapstructure:"data_dir"`
	LoopIntervalSeconds int         `mapstructure:"loop_interval_seconds"`
	LoopJitterPct       float64     `mapstructure:"loop_jitter_pct"`
	TargetUtilization   float64     `mapstructure:"target_utilization"` // cycle time / interval before backoff
	MetricsPort         int         `mapstructure:"metrics_port"`
	MetricsPortRange    int         `mapstructure:"metrics_port_range"` // ports tried on bind conflict
	AuditPath           string      `mapstructure:"audit_path"`         // directory for per-day JSONL files
	MaxClockSkewSeconds int         `mapstructure:"max_clock_skew_seconds"`
	SecretMaxAgeDays    int         `mapstructure:"secret_max_age_days"`
	StateBackend        string      `mapstructure:"state_backend"` // file or sqlite
	PersistIntervalSecs int         `mapstructure:"persist_interval_seconds"`
	Redis               RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the optional market-data cache backend.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TTLSecs  int    `mapstructure:"ttl_seconds"`
}

// PolicyConfig contains risk, execution and circuit breaker policy.
type PolicyConfig struct {
	Risk            RiskConfig           `mapstructure:"risk"`
	Execution       ExecutionConfig      `mapstructure:"execution"`
	CircuitBreakers CircuitBreakerConfig `mapstructure:"circuit_breakers"`
	Portfolio       PortfolioMgmtConfig  `mapstructure:"portfolio_management"`
	Latency         LatencyBudgetConfig  `mapstructure:"latency_budgets"`
	Alerting        AlertingConfig       `mapstructure:"alerting"`
}

// RiskConfig contains risk engine settings. Percentages are expressed as
// percent of NAV (3.0 means 3%), not fractions.
type RiskConfig struct {
	MaxTotalAtRiskPct       float64            `mapstructure:"max_total_at_risk_pct"`
	MaxPositionSizePct      float64            `mapstructure:"max_position_size_pct"`
	MaxSingleTradePct       float64            `mapstructure:"max_single_trade_pct"`
	PerSymbolCapPct         float64            `mapstructure:"per_symbol_cap_pct"`
	ClusterCapsPct          map[string]float64 `mapstructure:"cluster_caps_pct"` // e.g. l2: 10.0
	SymbolClusters          map[string]string  `mapstructure:"symbol_clusters"`  // symbol -> cluster name
	MaxOpenPositions        int                `mapstructure:"max_open_positions"`
	DailyStopLossPct        float64            `mapstructure:"daily_stop_loss_pct"`  // negative, e.g. -3.0
	WeeklyStopLossPct       float64            `mapstructure:"weekly_stop_loss_pct"` // negative, tighter-than check at load
	MaxDrawdownPct          float64            `mapstructure:"max_drawdown_pct"`
	MinSecondsBetweenTrades int                `mapstructure:"min_seconds_between_trades"`
	MinSecondsSameSymbol    int                `mapstructure:"min_seconds_between_trades_same_symbol"`
	MaxTradesPerHour        int                `mapstructure:"max_trades_per_hour"`
	MaxTradesPerDay         int                `mapstructure:"max_trades_per_day"`
	CooldownWinSeconds      int                `mapstructure:"cooldown_win_seconds"`
	CooldownLossSeconds     int                `mapstructure:"cooldown_loss_seconds"`
	CooldownStopOutSeconds  int                `mapstructure:"cooldown_stop_out_seconds"`
	PyramidingEnabled       bool               `mapstructure:"pyramiding_enabled"`
	MaxAddsPerAssetPerDay   int                `mapstructure:"max_adds_per_asset_per_day"`
	MaxPyramidPositions     int                `mapstructure:"max_pyramid_positions"`
	MinDustUSD              float64            `mapstructure:"min_dust_usd"`
	MaxConsecutiveAPIErrors int                `mapstructure:"max_consecutive_api_errors"`
	KillSwitchFile          string             `mapstructure:"kill_switch_file"`
}

// ExecutionConfig contains order execution settings.
type ExecutionConfig struct {
	MakerFirst               bool        `mapstructure:"maker_first"`
	PostOnlyTTLSeconds       int         `mapstructure:"post_only_ttl_seconds"`
	TakerFallback            bool        `mapstructure:"taker_fallback"`
	MaxSlippageBps           float64     `mapstructure:"max_slippage_bps"`
	MakerFeePct              float64     `mapstructure:"maker_fee_pct"`
	TakerFeePct              float64     `mapstructure:"taker_fee_pct"`
	MinNotionalUSD           float64     `mapstructure:"min_notional_usd"`
	CancelAfterSeconds       int         `mapstructure:"cancel_after_seconds"`
	PostTradeReconcileWaitMS int         `mapstructure:"post_trade_reconcile_wait_ms"`
	PartialFillTolerance     float64     `mapstructure:"partial_fill_tolerance"` // fraction, default 0.05
	GhostCacheTTLSeconds     int         `mapstructure:"ghost_cache_ttl_seconds"`
	Purge                    PurgeConfig `mapstructure:"purge_execution"`
}

// PurgeConfig controls TWAP liquidation used by both trim and purge paths.
type PurgeConfig struct {
	SliceNotionalUSD     float64 `mapstructure:"slice_notional_usd"`
	SliceIntervalMS      int     `mapstructure:"slice_interval_ms"`
	ResidualThresholdUSD float64 `mapstructure:"residual_threshold_usd"`
	MinLiquidationUSD    float64 `mapstructure:"min_liquidation_usd"`
	MaxTrimFailures      int     `mapstructure:"max_trim_failures"`
}

// CircuitBreakerConfig configures the exchange circuit breaker.
type CircuitBreakerConfig struct {
	MinRequests     uint32  `mapstructure:"min_requests"`
	FailureRatio    float64 `mapstructure:"failure_ratio"`
	OpenTimeoutSecs int     `mapstructure:"open_timeout_seconds"`
	HalfOpenMaxReqs uint32  `mapstructure:"half_open_max_requests"`
	CountIntervalS  int     `mapstructure:"count_interval_seconds"`
}

// PortfolioMgmtConfig controls exposure trimming.
type PortfolioMgmtConfig struct {
	AutoTrimEnabled bool    `mapstructure:"auto_trim_enabled"`
	TrimTriggerPct  float64 `mapstructure:"trim_trigger_pct"` // exposure above this triggers trim
}

// LatencyBudgetConfig holds per-stage soft latency budgets in milliseconds.
// Budget overruns emit warnings, never hard failures.
type LatencyBudgetConfig struct {
	TotalCycleMS    int `mapstructure:"total_cycle_ms"`
	UniverseBuildMS int `mapstructure:"universe_build_ms"`
	SignalScanMS    int `mapstructure:"signal_scan_ms"`
	RiskCheckMS     int `mapstructure:"risk_check_ms"`
	ExecutionMS     int `mapstructure:"execution_ms"`
	ReconcileMS     int `mapstructure:"reconcile_ms"`
}

// AlertingConfig configures the alert pipeline.
type AlertingConfig struct {
	WebhookURL           string `mapstructure:"webhook_url"`
	EscalationWebhookURL string `mapstructure:"escalation_webhook_url"`
	DedupeWindowSeconds  int    `mapstructure:"dedupe_window_seconds"`
	EscalationSeconds    int    `mapstructure:"escalation_seconds"`
	StaleSeconds         int    `mapstructure:"stale_seconds"`
	WebhookTimeoutMS     int    `mapstructure:"webhook_timeout_ms"`
}

// TierConfig contains per-tier universe filters.
type TierConfig struct {
	Products         []string `mapstructure:"products"`
	MaxSpreadBps     float64  `mapstructure:"max_spread_bps"`
	MinDepthUSD      float64  `mapstructure:"min_depth_usd"`
	MinVolume24hUSD  float64  `mapstructure:"min_volume_24h_usd"`
	AllocationMinPct float64  `mapstructure:"allocation_min_pct"`
	AllocationMaxPct float64  `mapstructure:"allocation_max_pct"`
	SlippageBps      float64  `mapstructure:"slippage_bps"`
}

// UniverseConfig contains universe manager settings.
type UniverseConfig struct {
	Tiers                   map[string]TierConfig `mapstructure:"tiers"` // "1", "2", "3"
	NeverTrade              []string              `mapstructure:"never_trade"`
	ExcludedSymbols         []string              `mapstructure:"excluded_symbols"`
	ForceEligibleSymbols    []string              `mapstructure:"force_eligible_symbols"`
	MinEligibleAssets       int                   `mapstructure:"min_eligible_assets"`
	RequiredDepthMultiplier float64               `mapstructure:"required_depth_multiplier"`
	SnapshotTTLSeconds      int                   `mapstructure:"snapshot_ttl_seconds"`
	EligibleGraceCycles     int                   `mapstructure:"eligible_grace_cycles"`
	IneligibleGraceCycles   int                   `mapstructure:"ineligible_grace_cycles"`
	TemporaryBanHours       int                   `mapstructure:"temporary_ban_hours"`
	ChopSpreadLoosenPct     float64               `mapstructure:"chop_spread_loosen_pct"` // e.g. 25 = +25% spread allowance in chop
	QuoteFetchWorkers       int                   `mapstructure:"quote_fetch_workers"`
}

// RegimeThresholds holds price-move trigger thresholds for one regime.
type RegimeThresholds struct {
	Move15mPct  float64 `mapstructure:"move_15m_pct"`
	Move60mPct  float64 `mapstructure:"move_60m_pct"`
	VolumeRatio float64 `mapstructure:"volume_ratio"`
}

// SignalsConfig contains signal engine settings.
type SignalsConfig struct {
	Enabled             []string                    `mapstructure:"enabled"`
	PriceMove           map[string]RegimeThresholds `mapstructure:"price_move"` // keyed by regime
	MomentumWindowHrs   int                         `mapstructure:"momentum_window_hours"`
	MeanRevDeviationPct float64                     `mapstructure:"mean_reversion_deviation_pct"`
	Outlier             OutlierConfig               `mapstructure:"outlier"`
	AutoTune            AutoTuneConfig              `mapstructure:"auto_tune"`
}

// OutlierConfig configures the outlier candle guard.
type OutlierConfig struct {
	WindowBars      int     `mapstructure:"window_bars"`
	MaxDeviationPct float64 `mapstructure:"max_deviation_pct"`
	MinVolumeRatio  float64 `mapstructure:"min_volume_ratio"`
}

// AutoTuneConfig bounds the one-shot chop threshold loosening.
type AutoTuneConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	ZeroTriggerCycles int     `mapstructure:"zero_trigger_cycles"`
	Move15mDelta      float64 `mapstructure:"move_15m_delta"`
	Move60mDelta      float64 `mapstructure:"move_60m_delta"`
	Floor15mPct       float64 `mapstructure:"floor_15m_pct"`
	Floor60mPct       float64 `mapstructure:"floor_60m_pct"`
}

// StrategyConfig describes one registered strategy.
type StrategyConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MaxAtRiskPct      float64 `mapstructure:"max_at_risk_pct"`
	MaxTradesPerCycle int     `mapstructure:"max_trades_per_cycle"`
	TierPriority      int     `mapstructure:"tier_priority"`
}

// StrategiesConfig is the multi-strategy registry.
type StrategiesConfig struct {
	Registry map[string]StrategyConfig `mapstructure:"registry"`
}

// Load reads and merges all config files from configDir, applies defaults
// and environment overrides, then runs the validation gate. A validation
// failure refuses startup.
func Load(configDir string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADER")
	v.AutomaticEnv()

	setDefaults(v)

	for _, name := range []string{"app", "policy", "universe", "signals", "strategies"} {
		path := filepath.Join(configDir, name+".yaml")
		if _, err := os.Stat(path); err != nil {
			// Missing files fall back to defaults; required sections are
			// enforced by Validate below.
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets fail-closed default configuration values.
func setDefaults(v *viper.Viper) {
	// App defaults: dry-run, read-only.
	v.SetDefault("app.name", "247trader")
	v.SetDefault("app.mode", ModeDryRun)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")
	v.SetDefault("app.data_dir", "data")
	v.SetDefault("app.loop_interval_seconds", 30)
	v.SetDefault("app.loop_jitter_pct", 10.0)
	v.SetDefault("app.target_utilization", 0.8)
	v.SetDefault("app.metrics_port", 9200)
	v.SetDefault("app.metrics_port_range", 5)
	v.SetDefault("app.audit_path", "data/audit")
	v.SetDefault("app.max_clock_skew_seconds", 5)
	v.SetDefault("app.secret_max_age_days", 90)
	v.SetDefault("app.state_backend", "file")
	v.SetDefault("app.persist_interval_seconds", 60)
	v.SetDefault("app.redis.enabled", false)
	v.SetDefault("app.redis.addr", "localhost:6379")
	v.SetDefault("app.redis.ttl_seconds", 30)

	// Risk defaults.
	v.SetDefault("policy.risk.max_total_at_risk_pct", 25.0)
	v.SetDefault("policy.risk.max_position_size_pct", 3.0)
	v.SetDefault("policy.risk.max_single_trade_pct", 3.0)
	v.SetDefault("policy.risk.per_symbol_cap_pct", 5.0)
	v.SetDefault("policy.risk.max_open_positions", 8)
	v.SetDefault("policy.risk.daily_stop_loss_pct", -3.0)
	v.SetDefault("policy.risk.weekly_stop_loss_pct", -8.0)
	v.SetDefault("policy.risk.max_drawdown_pct", 10.0)
	v.SetDefault("policy.risk.min_seconds_between_trades", 60)
	v.SetDefault("policy.risk.min_seconds_between_trades_same_symbol", 900)
	v.SetDefault("policy.risk.max_trades_per_hour", 6)
	v.SetDefault("policy.risk.max_trades_per_day", 24)
	v.SetDefault("policy.risk.cooldown_win_seconds", 900)
	v.SetDefault("policy.risk.cooldown_loss_seconds", 3600)
	v.SetDefault("policy.risk.cooldown_stop_out_seconds", 14400)
	v.SetDefault("policy.risk.pyramiding_enabled", false)
	v.SetDefault("policy.risk.max_adds_per_asset_per_day", 0)
	v.SetDefault("policy.risk.max_pyramid_positions", 0)
	v.SetDefault("policy.risk.min_dust_usd", 1.0)
	v.SetDefault("policy.risk.max_consecutive_api_errors", 5)
	v.SetDefault("policy.risk.kill_switch_file", "data/KILL_SWITCH")

	// Execution defaults.
	v.SetDefault("policy.execution.maker_first", true)
	v.SetDefault("policy.execution.post_only_ttl_seconds", 25)
	v.SetDefault("policy.execution.taker_fallback", true)
	v.SetDefault("policy.execution.max_slippage_bps", 12.0)
	v.SetDefault("policy.execution.maker_fee_pct", 0.4)
	v.SetDefault("policy.execution.taker_fee_pct", 0.6)
	v.SetDefault("policy.execution.min_notional_usd", 5.0)
	v.SetDefault("policy.execution.cancel_after_seconds", 60)
	v.SetDefault("policy.execution.post_trade_reconcile_wait_ms", 600)
	v.SetDefault("policy.execution.partial_fill_tolerance", 0.05)
	v.SetDefault("policy.execution.ghost_cache_ttl_seconds", 60)
	v.SetDefault("policy.execution.purge_execution.slice_notional_usd", 250.0)
	v.SetDefault("policy.execution.purge_execution.slice_interval_ms", 1500)
	v.SetDefault("policy.execution.purge_execution.residual_threshold_usd", 5.0)
	v.SetDefault("policy.execution.purge_execution.min_liquidation_usd", 10.0)
	v.SetDefault("policy.execution.purge_execution.max_trim_failures", 3)

	// Circuit breaker defaults.
	v.SetDefault("policy.circuit_breakers.min_requests", 5)
	v.SetDefault("policy.circuit_breakers.failure_ratio", 0.6)
	v.SetDefault("policy.circuit_breakers.open_timeout_seconds", 30)
	v.SetDefault("policy.circuit_breakers.half_open_max_requests", 3)
	v.SetDefault("policy.circuit_breakers.count_interval_seconds", 10)

	// Portfolio management defaults.
	v.SetDefault("policy.portfolio_management.auto_trim_enabled", true)
	v.SetDefault("policy.portfolio_management.trim_trigger_pct", 25.0)

	// Latency budget defaults (ms).
	v.SetDefault("policy.latency_budgets.total_cycle_ms", 15000)
	v.SetDefault("policy.latency_budgets.universe_build_ms", 2000)
	v.SetDefault("policy.latency_budgets.signal_scan_ms", 2000)
	v.SetDefault("policy.latency_budgets.risk_check_ms", 1000)
	v.SetDefault("policy.latency_budgets.execution_ms", 5000)
	v.SetDefault("policy.latency_budgets.reconcile_ms", 3000)

	// Alerting defaults.
	v.SetDefault("policy.alerting.dedupe_window_seconds", 60)
	v.SetDefault("policy.alerting.escalation_seconds", 120)
	v.SetDefault("policy.alerting.stale_seconds", 300)
	v.SetDefault("policy.alerting.webhook_timeout_ms", 3000)

	// Universe defaults. Tier spread caps: 20/35/60 bps.
	v.SetDefault("universe.tiers.1.max_spread_bps", 20.0)
	v.SetDefault("universe.tiers.1.min_depth_usd", 50000.0)
	v.SetDefault("universe.tiers.1.min_volume_24h_usd", 50000000.0)
	v.SetDefault("universe.tiers.1.slippage_bps", 3.0)
	v.SetDefault("universe.tiers.2.max_spread_bps", 35.0)
	v.SetDefault("universe.tiers.2.min_depth_usd", 15000.0)
	v.SetDefault("universe.tiers.2.min_volume_24h_usd", 5000000.0)
	v.SetDefault("universe.tiers.2.slippage_bps", 8.0)
	v.SetDefault("universe.tiers.3.max_spread_bps", 60.0)
	v.SetDefault("universe.tiers.3.min_depth_usd", 5000.0)
	v.SetDefault("universe.tiers.3.min_volume_24h_usd", 1000000.0)
	v.SetDefault("universe.tiers.3.slippage_bps", 15.0)
	v.SetDefault("universe.never_trade", []string{"USDC-USD", "USDT-USD", "DAI-USD"})
	v.SetDefault("universe.min_eligible_assets", 3)
	v.SetDefault("universe.required_depth_multiplier", 10.0)
	v.SetDefault("universe.snapshot_ttl_seconds", 120)
	v.SetDefault("universe.eligible_grace_cycles", 2)
	v.SetDefault("universe.ineligible_grace_cycles", 3)
	v.SetDefault("universe.temporary_ban_hours", 24)
	v.SetDefault("universe.chop_spread_loosen_pct", 25.0)
	v.SetDefault("universe.quote_fetch_workers", 5)

	// Signal defaults. Regime thresholds per the price-move trigger matrix.
	v.SetDefault("signals.enabled", []string{"price_move", "momentum", "mean_reversion"})
	v.SetDefault("signals.price_move.chop.move_15m_pct", 2.0)
	v.SetDefault("signals.price_move.chop.move_60m_pct", 4.0)
	v.SetDefault("signals.price_move.chop.volume_ratio", 1.9)
	v.SetDefault("signals.price_move.bull.move_15m_pct", 3.5)
	v.SetDefault("signals.price_move.bull.move_60m_pct", 7.0)
	v.SetDefault("signals.price_move.bull.volume_ratio", 2.0)
	v.SetDefault("signals.price_move.bear.move_15m_pct", 3.0)
	v.SetDefault("signals.price_move.bear.move_60m_pct", 7.0)
	v.SetDefault("signals.price_move.bear.volume_ratio", 2.0)
	v.SetDefault("signals.momentum_window_hours", 12)
	v.SetDefault("signals.mean_reversion_deviation_pct", 3.0)
	v.SetDefault("signals.outlier.window_bars", 20)
	v.SetDefault("signals.outlier.max_deviation_pct", 10.0)
	v.SetDefault("signals.outlier.min_volume_ratio", 0.1)
	v.SetDefault("signals.auto_tune.enabled", true)
	v.SetDefault("signals.auto_tune.zero_trigger_cycles", 12)
	v.SetDefault("signals.auto_tune.move_15m_delta", 0.3)
	v.SetDefault("signals.auto_tune.move_60m_delta", 0.5)
	v.SetDefault("signals.auto_tune.floor_15m_pct", 1.2)
	v.SetDefault("signals.auto_tune.floor_60m_pct", 2.5)

	// Strategy registry default: a single trigger-driven strategy.
	v.SetDefault("strategies.registry.trigger.enabled", true)
	v.SetDefault("strategies.registry.trigger.max_at_risk_pct", 15.0)
	v.SetDefault("strategies.registry.trigger.max_trades_per_cycle", 3)
	v.SetDefault("strategies.registry.trigger.tier_priority", 1)
}

// LoopInterval returns the cycle interval as a duration.
func (c *AppConfig) LoopInterval() time.Duration {
	return time.Duration(c.LoopIntervalSeconds) * time.Second
}

// PersistInterval returns the flusher interval as a duration.
func (c *AppConfig) PersistInterval() time.Duration {
	return time.Duration(c.PersistIntervalSecs) * time.Second
}

// IsLive reports whether the configured mode is live trading.
func (c *AppConfig) IsLive() bool { return c.Mode == ModeLive }

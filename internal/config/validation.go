package config

import (
	"fmt"
	"strings"
)

// ValidationError collects all configuration problems found during the
// startup sanity gate so operators see everything at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed with %d problem(s):\n  - %s",
		len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// Validate runs schema checks plus logical cross-field invariants. Any
// failure refuses startup.
func (c *Config) Validate() error {
	var problems []string

	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.App.Mode {
	case ModeDryRun, ModePaper, ModeLive:
	default:
		add("app.mode must be one of dry_run, paper, live (got %q)", c.App.Mode)
	}
	if c.App.LoopIntervalSeconds <= 0 {
		add("app.loop_interval_seconds must be positive")
	}
	if c.App.LoopJitterPct < 0 || c.App.LoopJitterPct > 50 {
		add("app.loop_jitter_pct must be in [0, 50]")
	}
	if c.App.PersistIntervalSecs <= 0 {
		add("app.persist_interval_seconds must be positive")
	}
	if c.App.StateBackend != "file" && c.App.StateBackend != "sqlite" {
		add("app.state_backend must be file or sqlite (got %q)", c.App.StateBackend)
	}

	r := c.Policy.Risk
	if r.MaxTotalAtRiskPct <= 0 || r.MaxTotalAtRiskPct > 100 {
		add("policy.risk.max_total_at_risk_pct must be in (0, 100]")
	}
	if r.MaxPositionSizePct <= 0 {
		add("policy.risk.max_position_size_pct must be positive")
	}
	if r.MaxSingleTradePct > r.MaxPositionSizePct {
		add("policy.risk.max_single_trade_pct (%.2f) cannot exceed max_position_size_pct (%.2f)",
			r.MaxSingleTradePct, r.MaxPositionSizePct)
	}
	if float64(r.MaxOpenPositions)*r.MaxPositionSizePct > r.MaxTotalAtRiskPct*2 {
		// Allow headroom for resizing but reject configs that can never
		// respect the total cap even after halving every position.
		add("policy.risk.max_open_positions x max_position_size_pct (%.1f) grossly exceeds max_total_at_risk_pct (%.1f)",
			float64(r.MaxOpenPositions)*r.MaxPositionSizePct, r.MaxTotalAtRiskPct)
	}

	// Stops are negative percentages; daily must be tighter than weekly.
	if r.DailyStopLossPct >= 0 {
		add("policy.risk.daily_stop_loss_pct must be negative")
	}
	if r.WeeklyStopLossPct >= 0 {
		add("policy.risk.weekly_stop_loss_pct must be negative")
	}
	if r.DailyStopLossPct < r.WeeklyStopLossPct {
		add("policy.risk.daily_stop_loss_pct (%.2f) must be tighter than weekly_stop_loss_pct (%.2f)",
			r.DailyStopLossPct, r.WeeklyStopLossPct)
	}
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct > 100 {
		add("policy.risk.max_drawdown_pct must be in (0, 100]")
	}

	if r.PyramidingEnabled && r.MaxAddsPerAssetPerDay == 0 {
		add("policy.risk.pyramiding_enabled=true contradicts max_adds_per_asset_per_day=0")
	}
	if r.PyramidingEnabled && r.MaxPyramidPositions == 0 {
		add("policy.risk.pyramiding_enabled=true contradicts max_pyramid_positions=0")
	}

	for sym, cluster := range r.SymbolClusters {
		if _, ok := r.ClusterCapsPct[cluster]; !ok {
			add("policy.risk.symbol_clusters maps %s to unknown cluster %q", sym, cluster)
		}
	}

	e := c.Policy.Execution
	if e.PartialFillTolerance < 0 || e.PartialFillTolerance >= 1 {
		add("policy.execution.partial_fill_tolerance must be in [0, 1)")
	}
	if e.MaxSlippageBps < 0 {
		add("policy.execution.max_slippage_bps must be non-negative")
	}
	if e.CancelAfterSeconds <= 0 {
		add("policy.execution.cancel_after_seconds must be positive")
	}
	if e.MinNotionalUSD > c.Policy.Execution.Purge.MinLiquidationUSD {
		add("policy.execution.min_notional_usd (%.2f) cannot exceed purge min_liquidation_usd (%.2f)",
			e.MinNotionalUSD, e.Purge.MinLiquidationUSD)
	}

	for name, tier := range c.Universe.Tiers {
		if name != "1" && name != "2" && name != "3" {
			add("universe.tiers key must be 1, 2 or 3 (got %q)", name)
			continue
		}
		if tier.MaxSpreadBps <= 0 {
			add("universe.tiers.%s.max_spread_bps must be positive", name)
		}
		if tier.AllocationMaxPct > 0 && tier.AllocationMinPct > tier.AllocationMaxPct {
			add("universe.tiers.%s allocation_min_pct exceeds allocation_max_pct", name)
		}
	}
	if c.Universe.MinEligibleAssets < 1 {
		add("universe.min_eligible_assets must be at least 1")
	}
	if c.Universe.QuoteFetchWorkers < 1 || c.Universe.QuoteFetchWorkers > 5 {
		add("universe.quote_fetch_workers must be in [1, 5]")
	}

	s := c.Signals
	if s.Outlier.WindowBars < 2 {
		add("signals.outlier.window_bars must be at least 2")
	}
	if s.Outlier.MaxDeviationPct <= 0 {
		add("signals.outlier.max_deviation_pct must be positive")
	}
	if s.AutoTune.Enabled {
		chop, ok := s.PriceMove["chop"]
		if ok && chop.Move15mPct-s.AutoTune.Move15mDelta < s.AutoTune.Floor15mPct-1e-9 {
			add("signals.auto_tune would push chop move_15m_pct below floor %.2f", s.AutoTune.Floor15mPct)
		}
		if ok && chop.Move60mPct-s.AutoTune.Move60mDelta < s.AutoTune.Floor60mPct-1e-9 {
			add("signals.auto_tune would push chop move_60m_pct below floor %.2f", s.AutoTune.Floor60mPct)
		}
	}

	enabledStrategies := 0
	for name, sc := range c.Strategies.Registry {
		if !sc.Enabled {
			continue
		}
		enabledStrategies++
		if sc.MaxAtRiskPct <= 0 {
			add("strategies.registry.%s.max_at_risk_pct must be positive", name)
		}
		if sc.MaxAtRiskPct > r.MaxTotalAtRiskPct {
			add("strategies.registry.%s.max_at_risk_pct (%.1f) exceeds policy.risk.max_total_at_risk_pct (%.1f)",
				name, sc.MaxAtRiskPct, r.MaxTotalAtRiskPct)
		}
		if sc.MaxTradesPerCycle < 1 {
			add("strategies.registry.%s.max_trades_per_cycle must be at least 1", name)
		}
	}
	if enabledStrategies == 0 {
		add("strategies.registry must enable at least one strategy")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

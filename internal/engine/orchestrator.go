// Package engine runs the decision loop: one single-threaded cycle at a
// time, each producing a TRADE, NO_TRADE or ERROR outcome and an audit
// record. Background concurrency is limited to the state flusher, the
// metrics server and alert webhook sends.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aelhadee/247trader/internal/alerts"
	"github.com/aelhadee/247trader/internal/audit"
	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/execution"
	"github.com/aelhadee/247trader/internal/metrics"
	"github.com/aelhadee/247trader/internal/portfolio"
	"github.com/aelhadee/247trader/internal/risk"
	"github.com/aelhadee/247trader/internal/signals"
	"github.com/aelhadee/247trader/internal/state"
	"github.com/aelhadee/247trader/internal/strategy"
	"github.com/aelhadee/247trader/internal/universe"
)

// Outcome classifies one cycle.
type Outcome string

const (
	OutcomeTrade   Outcome = "TRADE"
	OutcomeNoTrade Outcome = "NO_TRADE"
	OutcomeError   Outcome = "ERROR"
)

// closedOrderRetention is how long closed orders stay in the store for
// reconcile lookups before the per-cycle prune drops them.
const closedOrderRetention = 24 * time.Hour

// TimeSource is implemented by adapters that expose the exchange clock.
// The startup clock-skew validation uses it when available.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Deps collects everything the orchestrator wires together.
type Deps struct {
	Config     *config.Config
	Exchange   exchange.Exchange
	Store      *state.Store
	Alerter    *alerts.Manager
	Universe   *universe.Manager
	Regime     *universe.RegimeDetector
	Signals    *signals.Engine
	Strategies []strategy.Strategy
	Advisor    strategy.Advisor
	Portfolio  *portfolio.Builder
	Risk       *risk.Engine
	Execution  *execution.Engine
	Liquidator *execution.Liquidator
	Audit      *audit.Writer
	Breaker    *risk.Breaker
	Logger     zerolog.Logger
}

// Orchestrator drives the cycle loop.
type Orchestrator struct {
	deps       Deps
	cfg        *config.Config
	log        zerolog.Logger
	configHash string

	stopCh chan struct{}

	validated  bool
	errorTimes []time.Time
	rejectTs   []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// New builds the orchestrator.
func New(deps Deps) *Orchestrator {
	hash, err := deps.Config.Hash()
	if err != nil {
		hash = "unknown"
	}
	return &Orchestrator{
		deps:       deps,
		cfg:        deps.Config,
		log:        deps.Logger.With().Str("component", "orchestrator").Logger(),
		configHash: hash,
		stopCh:     make(chan struct{}),
		now:        time.Now,
		sleep: func(ctx context.Context, d time.Duration) bool {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(d):
				return true
			}
		},
	}
}

// ConfigHash returns the active config fingerprint.
func (o *Orchestrator) ConfigHash() string { return o.configHash }

// Stop requests a halt; the current cycle completes first.
func (o *Orchestrator) Stop() {
	select {
	case <-o.stopCh:
	default:
		close(o.stopCh)
	}
}

// RunLoop runs cycles until Stop, a context cancel, or a failed startup
// validation.
func (o *Orchestrator) RunLoop(ctx context.Context) error {
	if err := o.startupValidations(ctx); err != nil {
		return err
	}
	interval := time.Duration(o.cfg.App.LoopIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	for {
		select {
		case <-o.stopCh:
			o.log.Info().Msg("Stop requested, exiting loop")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := o.now()
		o.RunCycle(ctx)
		elapsed := o.now().Sub(start)

		if !o.sleep(ctx, o.sleepFor(interval, elapsed)) {
			return ctx.Err()
		}
	}
}

// RunOnce validates and runs a single cycle.
func (o *Orchestrator) RunOnce(ctx context.Context) (Outcome, error) {
	if err := o.startupValidations(ctx); err != nil {
		return OutcomeError, err
	}
	return o.RunCycle(ctx), nil
}

// sleepFor applies jitter and the utilization backoff.
func (o *Orchestrator) sleepFor(interval, cycleDur time.Duration) time.Duration {
	jitterPct := o.cfg.App.LoopJitterPct
	if jitterPct <= 0 {
		jitterPct = 10
	}
	span := float64(interval) * jitterPct / 100
	d := interval + time.Duration((rand.Float64()*2-1)*span)

	target := o.cfg.App.TargetUtilization
	if target > 0 && interval > 0 {
		util := float64(cycleDur) / float64(interval)
		if util > target {
			d += cycleDur
			o.log.Warn().
				Float64("utilization", util).
				Float64("target", target).
				Dur("backoff", cycleDur).
				Msg("Cycle utilization over target, backing off")
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// startupValidations runs once: config hash, secret freshness, clock
// skew. Failures refuse startup.
func (o *Orchestrator) startupValidations(ctx context.Context) error {
	if o.validated {
		return nil
	}
	o.log.Info().Str("config_hash", o.configHash).Str("mode", o.cfg.App.Mode).Msg("Starting up")

	if o.cfg.App.Mode == "live" {
		if maxAge := o.cfg.App.SecretMaxAgeDays; maxAge > 0 {
			if created := os.Getenv("CB_API_KEY_CREATED"); created != "" {
				ts, err := time.Parse(time.RFC3339, created)
				if err != nil {
					return fmt.Errorf("unparseable CB_API_KEY_CREATED %q: %w", created, err)
				}
				if age := o.now().Sub(ts); age > time.Duration(maxAge)*24*time.Hour {
					return fmt.Errorf("API key is %.0f days old, rotation limit is %d days", age.Hours()/24, maxAge)
				}
			} else {
				o.log.Warn().Msg("CB_API_KEY_CREATED not set, skipping secret freshness check")
			}
		}
	}

	if maxSkew := o.cfg.App.MaxClockSkewSeconds; maxSkew > 0 {
		if ts, ok := o.deps.Exchange.(TimeSource); ok {
			server, err := ts.ServerTime(ctx)
			if err != nil {
				o.log.Warn().Err(err).Msg("Server time unavailable, skipping clock skew check")
			} else if skew := o.now().Sub(server).Abs(); skew > time.Duration(maxSkew)*time.Second {
				return fmt.Errorf("clock skew %s exceeds limit of %ds", skew, maxSkew)
			}
		}
	}

	o.validated = true
	return nil
}

// RunCycle runs one full decision cycle. Panics and stage errors are
// absorbed: a cycle never takes the process down.
func (o *Orchestrator) RunCycle(ctx context.Context) (outcome Outcome) {
	rec := audit.NewRecord(o.configHash)
	cycleStart := o.now()

	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeError
			rec.Status = audit.StatusError
			rec.Error = fmt.Sprintf("panic: %v", r)
			o.log.Error().Interface("panic", r).Msg("Cycle panicked")
			o.recordError(ctx)
		}
		// Escalation sweep runs on every outcome, so an alert raised in an
		// early-returning cycle still re-sends once its deadline passes.
		o.deps.Alerter.CheckEscalations(ctx)

		rec.CycleMS = o.now().Sub(cycleStart).Milliseconds()
		o.deps.Audit.Write(rec)

		metrics.CyclesTotal.WithLabelValues(string(outcome)).Inc()
		metrics.CycleDuration.Observe(float64(rec.CycleMS) / 1000)
		if budget := o.cfg.Policy.Latency.TotalCycleMS; budget > 0 && rec.CycleMS > int64(budget) {
			o.deps.Alerter.Warning(ctx, "Cycle latency over budget",
				fmt.Sprintf("cycle took %dms, budget %dms", rec.CycleMS, budget), nil)
		}
		o.log.Info().
			Str("outcome", string(outcome)).
			Str("no_trade_reason", rec.NoTradeReason).
			Int64("cycle_ms", rec.CycleMS).
			Msg("Cycle complete")
	}()

	budgets := o.cfg.Policy.Latency

	// Order reconciliation first, so the rest of the cycle reads a state
	// store that agrees with the exchange.
	o.stage(ctx, rec, "reconcile_orders", budgets.ReconcileMS, func() error {
		o.reconcileOpenOrders(ctx)
		return nil
	})

	// Terminal orders have nothing left to reconcile; drop them from the
	// working set and age closed orders out of the store.
	o.stage(ctx, rec, "prune", 0, func() error {
		if n := o.deps.Execution.StateMachine().PruneTerminal(); n > 0 {
			o.log.Debug().Int("orders", n).Msg("Terminal orders pruned")
		}
		if n := o.deps.Store.PruneClosedOrders(closedOrderRetention); n > 0 {
			o.log.Debug().Int("orders", n).Msg("Closed orders pruned from store")
		}
		return nil
	})

	var pf *portfolio.State
	if err := o.stage(ctx, rec, "portfolio", 0, func() error {
		accounts, err := o.deps.Exchange.GetAccounts(ctx)
		if err != nil {
			return fmt.Errorf("account fetch: %w", err)
		}
		pf, err = o.deps.Portfolio.Build(ctx, accounts)
		return err
	}); err != nil {
		return o.errorOutcome(ctx, rec, err)
	}
	o.publishPortfolioMetrics(pf)
	rec.NAV = pf.NAV
	rec.ExposurePct = pf.TotalExposurePct

	var regime universe.Regime
	o.stage(ctx, rec, "regime", 0, func() error {
		regime = o.deps.Regime.Detect(ctx, o.configuredSymbols())
		return nil
	})
	rec.Regime = string(regime)

	var snap *universe.Snapshot
	if err := o.stage(ctx, rec, "universe", budgets.UniverseBuildMS, func() error {
		target := o.cfg.Policy.Risk.MaxSingleTradePct / 100 * pf.NAV
		var err error
		snap, err = o.deps.Universe.Build(ctx, regime, target)
		return err
	}); err != nil {
		return o.errorOutcome(ctx, rec, err)
	}
	rec.EligibleCount = snap.EligibleCount()

	var triggers []signals.Trigger
	o.stage(ctx, rec, "signals", budgets.SignalScanMS, func() error {
		triggers = o.deps.Signals.Scan(ctx, snap)
		return nil
	})
	rec.Triggers = len(triggers)

	o.stage(ctx, rec, "trim", 0, func() error {
		if !o.cfg.Policy.Portfolio.AutoTrimEnabled {
			return nil
		}
		trigger := o.cfg.Policy.Portfolio.TrimTriggerPct
		if trigger <= 0 {
			trigger = o.cfg.Policy.Risk.MaxTotalAtRiskPct
		}
		_, err := o.deps.Liquidator.Trim(ctx, pf, trigger)
		if err != nil {
			o.log.Warn().Err(err).Msg("Trim incomplete")
		}
		return nil
	})

	o.stage(ctx, rec, "purge", 0, func() error {
		holdings, reasons := o.purgeTargets(pf, snap)
		if len(holdings) > 0 {
			o.deps.Liquidator.Purge(ctx, holdings, reasons)
		}
		return nil
	})

	var proposals []strategy.Proposal
	o.stage(ctx, rec, "strategies", 0, func() error {
		snapPositions := o.deps.Store.Snapshot().Positions
		positions := make(map[string]state.Position, len(snapPositions))
		for sym, p := range snapPositions {
			positions[sym] = *p
		}
		sctx := strategy.Context{
			Universe:  snap,
			Triggers:  triggers,
			Positions: positions,
			NAV:       pf.NAV,
		}
		lists := make([][]strategy.Proposal, 0, len(o.deps.Strategies)+1)
		for _, s := range o.deps.Strategies {
			lists = append(lists, s.Generate(ctx, sctx))
		}
		if o.deps.Advisor != nil {
			advised, err := o.deps.Advisor.Propose(ctx, sctx)
			if err != nil {
				o.log.Warn().Err(err).Str("advisor", o.deps.Advisor.Name()).Msg("Advisor failed, continuing without it")
			} else {
				lists = append(lists, advised)
			}
		}
		proposals = strategy.ClampSizes(strategy.Merge(lists...), o.cfg.Policy.Risk.MaxSingleTradePct)
		return nil
	})

	if snap.EligibleCount() == 0 {
		return o.noTrade(rec, "empty_universe")
	}
	if len(triggers) == 0 && len(proposals) == 0 {
		return o.noTrade(rec, "no_triggers")
	}
	if len(proposals) == 0 {
		return o.noTrade(rec, "no_proposals")
	}

	var verdict *risk.Result
	if err := o.stage(ctx, rec, "risk", budgets.RiskCheckMS, func() error {
		statuses, err := o.productStatuses(ctx)
		if err != nil {
			return fmt.Errorf("product status fetch: %w", err)
		}
		verdict = o.deps.Risk.Evaluate(ctx, risk.Input{
			Proposals: proposals,
			Portfolio: pf,
			Universe:  snap,
			Statuses:  statuses,
		})
		return nil
	}); err != nil {
		return o.errorOutcome(ctx, rec, err)
	}
	o.recordVerdict(rec, proposals, verdict)

	if verdict.Reason == risk.CheckKillSwitch {
		o.cancelAllOpenOrders(ctx)
	}
	if !verdict.Approved {
		return o.noTrade(rec, verdict.Reason)
	}
	if len(verdict.ApprovedProposals) == 0 {
		return o.noTrade(rec, "all_rejected")
	}

	var results []execution.Result
	if err := o.stage(ctx, rec, "execute", budgets.ExecutionMS, func() error {
		var err error
		results, err = o.deps.Execution.Execute(ctx, verdict.ApprovedProposals, pf, snap)
		return err
	}); err != nil {
		return o.errorOutcome(ctx, rec, err)
	}
	o.recordExecutions(ctx, rec, results)

	o.stage(ctx, rec, "cancel_stale", 0, func() error {
		n := o.deps.Execution.CancelStale(ctx)
		if n > 0 {
			metrics.StaleOrdersCanceled.Add(float64(n))
		}
		return nil
	})

	traded := false
	for _, r := range results {
		if r.Status == execution.ResultFilled || r.Status == execution.ResultPartial {
			traded = true
		}
	}
	if !traded {
		if o.cfg.App.Mode == string(execution.ModeDryRun) {
			return o.noTrade(rec, "dry_run")
		}
		return o.noTrade(rec, "nothing_filled")
	}
	rec.Status = audit.StatusTrade
	return OutcomeTrade
}

// stage times one pipeline step; budget overruns warn, never fail.
func (o *Orchestrator) stage(ctx context.Context, rec *audit.Record, name string, budgetMS int, fn func() error) error {
	start := o.now()
	err := fn()
	elapsed := o.now().Sub(start)

	rec.StageLatency[name] = elapsed.Milliseconds()
	metrics.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if budgetMS > 0 && elapsed > time.Duration(budgetMS)*time.Millisecond {
		o.log.Warn().
			Str("stage", name).
			Int64("elapsed_ms", elapsed.Milliseconds()).
			Int("budget_ms", budgetMS).
			Msg("Stage over latency budget")
	}
	return err
}

func (o *Orchestrator) noTrade(rec *audit.Record, reason string) Outcome {
	rec.Status = audit.StatusNoTrade
	rec.NoTradeReason = reason
	metrics.NoTradeReason.WithLabelValues(reason).Inc()
	return OutcomeNoTrade
}

func (o *Orchestrator) errorOutcome(ctx context.Context, rec *audit.Record, err error) Outcome {
	rec.Status = audit.StatusError
	rec.Error = err.Error()
	o.log.Error().Err(err).Msg("Cycle failed")
	metrics.APIErrors.WithLabelValues(metrics.NormalizeAPIError(err)).Inc()
	o.recordError(ctx)
	return OutcomeError
}

// recordError tracks the exception-burst window: two ERROR cycles within
// five minutes escalate to CRITICAL.
func (o *Orchestrator) recordError(ctx context.Context) {
	now := o.now()
	o.errorTimes = append(o.errorTimes, now)
	kept := o.errorTimes[:0]
	for _, t := range o.errorTimes {
		if now.Sub(t) <= 5*time.Minute {
			kept = append(kept, t)
		}
	}
	o.errorTimes = kept
	if len(o.errorTimes) >= 2 {
		o.deps.Alerter.Critical(ctx, "Exception burst",
			fmt.Sprintf("%d cycle errors within 5 minutes", len(o.errorTimes)), nil)
	}
}

// recordVerdict copies proposals and their risk outcomes into the audit
// record and feeds the rejection metrics and the rejection-burst alert.
func (o *Orchestrator) recordVerdict(rec *audit.Record, proposals []strategy.Proposal, verdict *risk.Result) {
	approved := make(map[string]bool, len(verdict.ApprovedProposals))
	for _, p := range verdict.ApprovedProposals {
		approved[p.Symbol] = true
	}
	for _, p := range proposals {
		rec.Proposals = append(rec.Proposals, audit.ProposalRecord{
			Symbol:     p.Symbol,
			Side:       p.Side,
			SizePct:    p.SizePct,
			Confidence: p.Confidence,
			Strategy:   p.Strategy,
			Approved:   approved[p.Symbol],
			Rejections: verdict.ProposalRejections[p.Symbol],
		})
	}
	for _, reasons := range verdict.ProposalRejections {
		for _, r := range reasons {
			metrics.OrderRejections.WithLabelValues(metrics.NormalizeRejection(r)).Inc()
		}
	}
}

// recordExecutions copies execution results into the audit record,
// updates fill metrics and tracks the order-rejection burst window.
func (o *Orchestrator) recordExecutions(ctx context.Context, rec *audit.Record, results []execution.Result) {
	placed, filled := 0, 0
	now := o.now()
	for _, r := range results {
		rec.Executions = append(rec.Executions, audit.ExecutionRecord{
			Symbol:        r.Symbol,
			Side:          r.Side,
			ClientOrderID: r.ClientOrderID,
			Status:        r.Status,
			RequestedUSD:  r.RequestedUSD,
			FilledUSD:     r.FilledUSD,
			Fees:          r.Fees,
			Error:         r.Error,
		})
		if r.Status != execution.ResultDryRun {
			placed++
			metrics.OrdersPlaced.WithLabelValues(r.Side).Inc()
		}
		switch r.Status {
		case execution.ResultFilled, execution.ResultPartial:
			filled++
			metrics.FillsTotal.WithLabelValues(r.Side).Inc()
		case execution.ResultRejected:
			o.rejectTs = append(o.rejectTs, now)
		}
	}
	if placed > 0 {
		metrics.FillRatio.Set(float64(filled) / float64(placed))
	}

	kept := o.rejectTs[:0]
	for _, t := range o.rejectTs {
		if now.Sub(t) <= 10*time.Minute {
			kept = append(kept, t)
		}
	}
	o.rejectTs = kept
	if len(o.rejectTs) >= 3 {
		o.deps.Alerter.Warning(ctx, "Order rejection burst",
			fmt.Sprintf("%d order rejections within 10 minutes", len(o.rejectTs)), nil)
	}
}

func (o *Orchestrator) publishPortfolioMetrics(pf *portfolio.State) {
	metrics.NAV.Set(pf.NAV)
	metrics.TotalExposurePct.Set(pf.TotalExposurePct)
	metrics.OpenPositions.Set(float64(pf.OpenPositionCount()))
	metrics.DrawdownPct.Set(pf.DrawdownPct)
	metrics.DailyPnLPct.Set(pf.DailyPnLPct)
	for symbol := range pf.Positions {
		metrics.ExposureBySymbol.WithLabelValues(symbol).Set(pf.ExposureOf(symbol))
	}
	metrics.OpenOrders.Set(float64(len(pf.PendingOrders)))
	metrics.APIConsecutiveErrors.Set(float64(o.deps.Exchange.ConsecutiveErrors()))
	if o.deps.Breaker != nil {
		switch o.deps.Breaker.State() {
		case gobreaker.StateOpen:
			metrics.CircuitBreakerState.WithLabelValues("exchange").Set(2)
		case gobreaker.StateHalfOpen:
			metrics.CircuitBreakerState.WithLabelValues("exchange").Set(1)
		default:
			metrics.CircuitBreakerState.WithLabelValues("exchange").Set(0)
		}
	}
}

// reconcileOpenOrders closes store orders the exchange no longer lists
// (ghosts already filtered out).
func (o *Orchestrator) reconcileOpenOrders(ctx context.Context) {
	tracked := o.deps.Store.OpenOrders()
	if len(tracked) == 0 {
		return
	}
	live, err := o.deps.Execution.OpenOrdersFiltered(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("Open order listing failed, skipping reconcile")
		return
	}
	liveSet := make(map[string]bool, len(live))
	for _, oo := range live {
		liveSet[oo.ClientOrderID] = true
		liveSet[oo.OrderID] = true
	}
	for _, po := range tracked {
		if liveSet[po.ClientOrderID] || liveSet[po.ExchangeOrderID] {
			continue
		}
		// Give the exchange a moment: a just-placed order may not list yet.
		if o.now().Sub(po.CreatedAt) < 30*time.Second {
			continue
		}
		o.deps.Store.CloseOrder(po.ClientOrderID, string(execution.StatusCanceled), "exchange_absent")
		o.log.Info().Str("order", po.ClientOrderID).Str("symbol", po.Symbol).Msg("Closed order absent from exchange")
	}
}

// purgeTargets selects holdings of symbols that fell out of the universe
// or were banned.
func (o *Orchestrator) purgeTargets(pf *portfolio.State, snap *universe.Snapshot) ([]portfolio.PositionView, map[string]string) {
	var holdings []portfolio.PositionView
	reasons := make(map[string]string)
	for symbol, pos := range pf.Positions {
		if pos.Dust {
			continue
		}
		if reason, excluded := snap.Excluded[symbol]; excluded {
			holdings = append(holdings, pos)
			reasons[symbol] = reason
			continue
		}
		if _, found := snap.Lookup(symbol); !found {
			holdings = append(holdings, pos)
			reasons[symbol] = "ineligible"
		}
	}
	return holdings, reasons
}

func (o *Orchestrator) productStatuses(ctx context.Context) (map[string]exchange.ProductStatus, error) {
	products, err := o.deps.Exchange.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]exchange.ProductStatus, len(products))
	for _, p := range products {
		statuses[p.Symbol] = p.Status
	}
	return statuses, nil
}

func (o *Orchestrator) configuredSymbols() []string {
	var symbols []string
	for _, tier := range o.cfg.Universe.Tiers {
		symbols = append(symbols, tier.Products...)
	}
	return symbols
}

// cancelAllOpenOrders is the kill-switch fast path: batch cancel, then
// close everything locally regardless of the API outcome.
func (o *Orchestrator) cancelAllOpenOrders(ctx context.Context) {
	tracked := o.deps.Store.OpenOrders()
	if len(tracked) == 0 {
		return
	}
	var ids []string
	for _, po := range tracked {
		if po.ExchangeOrderID != "" {
			ids = append(ids, po.ExchangeOrderID)
		}
	}
	if len(ids) > 0 {
		if err := o.deps.Exchange.CancelOrders(ctx, ids); err != nil {
			o.log.Error().Err(err).Msg("Kill-switch batch cancel failed, closing locally")
		}
	}
	for _, po := range tracked {
		o.deps.Execution.Ghosts().MarkCanceled(po.ClientOrderID, po.ExchangeOrderID)
		o.deps.Store.CloseOrder(po.ClientOrderID, string(execution.StatusCanceled), "kill_switch")
	}
	o.log.Warn().Int("orders", len(tracked)).Msg("All open orders canceled (kill switch)")
}

// Shutdown performs graceful cleanup after the loop exits: cancel every
// live order and report the summary. State flush and audit close belong
// to the caller that owns those resources.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	tracked := o.deps.Store.OpenOrders()
	if len(tracked) > 0 {
		var ids []string
		for _, po := range tracked {
			if po.ExchangeOrderID != "" {
				ids = append(ids, po.ExchangeOrderID)
			}
		}
		if err := o.deps.Exchange.CancelOrders(ctx, ids); err != nil {
			// Batch failed; fall back to one-by-one so a single bad id
			// cannot strand the rest.
			for _, id := range ids {
				if err := o.deps.Exchange.CancelOrder(ctx, id); err != nil {
					o.log.Warn().Err(err).Str("order_id", id).Msg("Cancel failed during shutdown")
				}
			}
		}
		for _, po := range tracked {
			o.deps.Store.CloseOrder(po.ClientOrderID, string(execution.StatusCanceled), "shutdown")
		}
	}
	o.log.Info().
		Int("orders_canceled", len(tracked)).
		Msg("Shutdown cleanup complete")
}

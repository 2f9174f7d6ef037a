// Package risk gates every proposal behind the ordered policy checks:
// kill switch, connectivity, stops, pacing, cooldowns, pyramiding and
// the exposure cap ladder. Fatal checks reject the whole cycle; soft
// checks filter and resize individual proposals.
package risk

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aelhadee/247trader/internal/alerts"
	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/portfolio"
	"github.com/aelhadee/247trader/internal/state"
	"github.com/aelhadee/247trader/internal/strategy"
	"github.com/aelhadee/247trader/internal/universe"
)

// Check names, used in rejection reasons and the violated list.
const (
	CheckKillSwitch     = "kill_switch"
	CheckConnectivity   = "connectivity"
	CheckProductStatus  = "product_status"
	CheckStopLoss       = "stop_loss"
	CheckTradeSpacing   = "trade_spacing"
	CheckTradeCaps      = "trade_caps"
	CheckStrategyBudget = "strategy_budget"
	CheckCooldown       = "cooldown"
	CheckSymbolPacing   = "symbol_pacing"
	CheckOutlier        = "outlier"
	CheckPendingBuy     = "pending_buy"
	CheckPyramiding     = "pyramiding"
	CheckExposureCap    = "exposure_cap"
	CheckSizeConstraint = "size_constraint"
	CheckMaxPositions   = "max_positions"
)

// Result is the outcome of one evaluation.
type Result struct {
	Approved           bool
	Reason             string
	ApprovedProposals  []strategy.Proposal
	ProposalRejections map[string][]string
	ViolatedChecks     []string
}

// Input carries everything the checks read.
type Input struct {
	Proposals []strategy.Proposal
	Portfolio *portfolio.State
	Universe  *universe.Snapshot
	// Statuses is the per-symbol exchange product status. Symbols
	// missing from the map fail closed.
	Statuses map[string]exchange.ProductStatus
}

// Engine runs the ordered checks.
type Engine struct {
	cfg        config.RiskConfig
	strategies config.StrategiesConfig
	exec       config.ExecutionConfig
	store      *state.Store
	ex         exchange.Exchange
	breaker    *Breaker
	alerter    *alerts.Manager
	log        zerolog.Logger

	// OutlierCheck mirrors the signal-engine guard for proposals that
	// arrive without having passed a scan (e.g. advisor proposals).
	// Nil means no extra check.
	OutlierCheck func(ctx context.Context, symbol string) error

	now func() time.Time
}

// NewEngine builds the risk engine.
func NewEngine(cfg config.RiskConfig, strategies config.StrategiesConfig, exec config.ExecutionConfig, store *state.Store, ex exchange.Exchange, breaker *Breaker, alerter *alerts.Manager, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		strategies: strategies,
		exec:       exec,
		store:      store,
		ex:         ex,
		breaker:    breaker,
		alerter:    alerter,
		log:        logger.With().Str("component", "risk").Logger(),
		now:        time.Now,
	}
}

// KillSwitchActive reports whether the sentinel file or in-state flag is
// set. Exposed so the orchestrator can poll it between stages.
func (e *Engine) KillSwitchActive() bool {
	if e.cfg.KillSwitchFile != "" {
		if _, err := os.Stat(e.cfg.KillSwitchFile); err == nil {
			return true
		}
	}
	return e.store.Snapshot().KillSwitchActive
}

// Evaluate runs the full check ladder.
func (e *Engine) Evaluate(ctx context.Context, in Input) *Result {
	res := &Result{
		Approved:           true,
		ProposalRejections: make(map[string][]string),
	}

	// Fatal gate: any failure here rejects every proposal.
	if reason := e.fatalChecks(ctx, in, res); reason != "" {
		res.Approved = false
		res.Reason = reason
		for _, p := range in.Proposals {
			res.ProposalRejections[p.Symbol] = append(res.ProposalRejections[p.Symbol], reason)
		}
		return res
	}

	ordered := e.orderProposals(in)

	caps := e.newCapacityTracker(in.Portfolio)
	tradesPerStrategy := make(map[string]int)
	newPositions := 0
	snap := e.store.Snapshot()
	now := e.now()

	for _, p := range ordered {
		if reasons := e.proposalChecks(ctx, p, in, snap, now, caps, tradesPerStrategy, &newPositions); len(reasons) > 0 {
			res.ProposalRejections[p.Symbol] = append(res.ProposalRejections[p.Symbol], reasons...)
			for _, r := range reasons {
				res.ViolatedChecks = appendUnique(res.ViolatedChecks, r)
			}
			continue
		}
		// proposalChecks may have resized p in place via the capacity
		// tracker; reread the final size.
		p.SizePct = caps.finalSize(p.Symbol, p.SizePct)
		res.ApprovedProposals = append(res.ApprovedProposals, p)
		tradesPerStrategy[p.Strategy]++
	}

	e.log.Info().
		Int("proposals", len(in.Proposals)).
		Int("approved", len(res.ApprovedProposals)).
		Int("rejected_symbols", len(res.ProposalRejections)).
		Msg("Risk evaluation complete")
	return res
}

// fatalChecks runs checks 1, 2, 4, 5 and 6; the first failure halts the
// cycle.
func (e *Engine) fatalChecks(ctx context.Context, in Input, res *Result) string {
	// 1. Kill switch.
	if e.KillSwitchActive() {
		res.ViolatedChecks = append(res.ViolatedChecks, CheckKillSwitch)
		e.alerter.Critical(ctx, "Kill switch activated", "trading halted by kill switch", nil)
		return CheckKillSwitch
	}

	// 2. Exchange connectivity.
	if e.breaker != nil && e.breaker.Open() {
		res.ViolatedChecks = append(res.ViolatedChecks, CheckConnectivity)
		return CheckConnectivity
	}
	if limit := e.cfg.MaxConsecutiveAPIErrors; limit > 0 && e.ex.ConsecutiveErrors() >= limit {
		res.ViolatedChecks = append(res.ViolatedChecks, CheckConnectivity)
		e.alerter.Warning(ctx, "API error burst",
			fmt.Sprintf("%d consecutive exchange errors", e.ex.ConsecutiveErrors()), nil)
		return CheckConnectivity
	}

	// 4. Stop-losses and drawdown.
	pf := in.Portfolio
	if e.cfg.DailyStopLossPct < 0 && pf.DailyPnLPct <= e.cfg.DailyStopLossPct {
		res.ViolatedChecks = append(res.ViolatedChecks, CheckStopLoss)
		e.alerter.Critical(ctx, "Daily stop-loss hit",
			fmt.Sprintf("daily PnL %.2f%% breached %.2f%%", pf.DailyPnLPct, e.cfg.DailyStopLossPct), nil)
		return CheckStopLoss
	}
	if e.cfg.WeeklyStopLossPct < 0 && pf.WeeklyPnLPct <= e.cfg.WeeklyStopLossPct {
		res.ViolatedChecks = append(res.ViolatedChecks, CheckStopLoss)
		e.alerter.Critical(ctx, "Weekly stop-loss hit",
			fmt.Sprintf("weekly PnL %.2f%% breached %.2f%%", pf.WeeklyPnLPct, e.cfg.WeeklyStopLossPct), nil)
		return CheckStopLoss
	}
	if e.cfg.MaxDrawdownPct > 0 && pf.DrawdownPct >= e.cfg.MaxDrawdownPct {
		res.ViolatedChecks = append(res.ViolatedChecks, CheckStopLoss)
		e.alerter.Critical(ctx, "Max drawdown breached",
			fmt.Sprintf("drawdown %.2f%% from high-water mark", pf.DrawdownPct), nil)
		return CheckStopLoss
	}

	if !hasBuy(in.Proposals) {
		// Pacing and caps guard new risk; sell-only cycles pass.
		return ""
	}

	// 5. Global trade spacing.
	if e.cfg.MinSecondsBetweenTrades > 0 && !in.Portfolio.LastTradeTs.IsZero() {
		since := e.now().Sub(in.Portfolio.LastTradeTs)
		if since < time.Duration(e.cfg.MinSecondsBetweenTrades)*time.Second {
			res.ViolatedChecks = append(res.ViolatedChecks, CheckTradeSpacing)
			return CheckTradeSpacing
		}
	}

	// 6. Hourly and daily trade caps.
	now := e.now()
	if e.cfg.MaxTradesPerHour > 0 && e.store.TradesSince(now.Add(-time.Hour)) >= e.cfg.MaxTradesPerHour {
		res.ViolatedChecks = append(res.ViolatedChecks, CheckTradeCaps)
		return CheckTradeCaps
	}
	if e.cfg.MaxTradesPerDay > 0 && e.store.TradesSince(now.Add(-24*time.Hour)) >= e.cfg.MaxTradesPerDay {
		res.ViolatedChecks = append(res.ViolatedChecks, CheckTradeCaps)
		return CheckTradeCaps
	}

	return ""
}

// proposalChecks runs the per-proposal ladder (checks 3, 7-15) and
// returns rejection reasons, empty on approval. BUY-only checks are
// skipped for sells: reducing exposure is always allowed past them.
func (e *Engine) proposalChecks(ctx context.Context, p strategy.Proposal, in Input, snap *state.PersistentState, now time.Time, caps *capacityTracker, tradesPerStrategy map[string]int, newPositions *int) []string {
	// 3. Product status, fail-closed.
	status, known := in.Statuses[p.Symbol]
	if !known || !status.Tradable() {
		return []string{CheckProductStatus}
	}

	// 10. Outlier mirror for proposals that bypassed the signal scan.
	if e.OutlierCheck != nil {
		if err := e.OutlierCheck(ctx, p.Symbol); err != nil {
			return []string{CheckOutlier}
		}
	}

	if p.Side != string(exchange.OrderSideBuy) {
		return nil
	}

	// 7. Per-strategy budgets.
	if stratCfg, ok := e.strategies.Registry[p.Strategy]; ok {
		if !stratCfg.Enabled {
			return []string{CheckStrategyBudget}
		}
		if stratCfg.MaxTradesPerCycle > 0 && tradesPerStrategy[p.Strategy] >= stratCfg.MaxTradesPerCycle {
			return []string{CheckStrategyBudget}
		}
		if stratCfg.MaxAtRiskPct > 0 {
			used := strategyExposure(in.Portfolio, p.Strategy) + caps.strategyUsed[p.Strategy]
			if used+p.SizePct > stratCfg.MaxAtRiskPct {
				return []string{CheckStrategyBudget}
			}
		}
	}

	// 8. Per-symbol cooldowns.
	if cd, active := e.store.ActiveCooldown(p.Symbol, now); active {
		e.log.Debug().Str("symbol", p.Symbol).Str("reason", cd.Reason).Msg("Symbol cooling down")
		return []string{CheckCooldown}
	}

	// 9. Per-symbol pacing.
	if e.cfg.MinSecondsSameSymbol > 0 {
		if last, ok := in.Portfolio.PerSymbolLastTrade[p.Symbol]; ok {
			if now.Sub(last) < time.Duration(e.cfg.MinSecondsSameSymbol)*time.Second {
				return []string{CheckSymbolPacing}
			}
		}
	}

	// 11. Pending-buy dedupe.
	for _, o := range in.Portfolio.PendingOrders {
		if o.Symbol == p.Symbol && o.Side == string(exchange.OrderSideBuy) {
			return []string{CheckPendingBuy}
		}
	}

	// 12. Pyramiding.
	if pos, held := in.Portfolio.Positions[p.Symbol]; held && !pos.Dust {
		if !e.cfg.PyramidingEnabled {
			return []string{CheckPyramiding}
		}
		today := now.UTC().Format("2006-01-02")
		statePos, ok := snap.Positions[p.Symbol]
		addsToday := 0
		if ok && statePos.AddsDay == today {
			addsToday = statePos.AddsToday
		}
		if e.cfg.MaxAddsPerAssetPerDay > 0 && addsToday >= e.cfg.MaxAddsPerAssetPerDay {
			return []string{CheckPyramiding}
		}
		if e.cfg.MaxPyramidPositions > 0 && pyramidedPositions(snap, today) >= e.cfg.MaxPyramidPositions && addsToday == 0 {
			return []string{CheckPyramiding}
		}
	}

	// 13. Exposure caps, with greedy resize.
	granted, ok := caps.reserve(e, p, in)
	if !ok {
		return []string{CheckExposureCap}
	}

	// 14. Fee-aware sizing against the exchange minimum.
	sized, ok := e.feeAwareSize(granted, p, in)
	if !ok {
		caps.release(p, granted)
		return []string{CheckSizeConstraint}
	}
	if sized != granted {
		caps.adjust(p, granted, sized)
	}

	// 15. Max open positions.
	_, alreadyHeld := in.Portfolio.Positions[p.Symbol]
	if !alreadyHeld || in.Portfolio.Positions[p.Symbol].Dust {
		if e.cfg.MaxOpenPositions > 0 && in.Portfolio.OpenPositionCount()+*newPositions >= e.cfg.MaxOpenPositions {
			caps.release(p, sized)
			return []string{CheckMaxPositions}
		}
		*newPositions++
	}

	return nil
}

// feeAwareSize bumps the notional so the post-fee remainder clears the
// exchange minimum; returns false when no compliant size fits.
func (e *Engine) feeAwareSize(sizePct float64, p strategy.Proposal, in Input) (float64, bool) {
	nav := in.Portfolio.NAV
	if nav <= 0 {
		return 0, false
	}
	minNotional := e.exec.MinNotionalUSD
	if asset, ok := in.Universe.Lookup(p.Symbol); ok && asset.MinNotional > minNotional {
		minNotional = asset.MinNotional
	}
	if minNotional <= 0 {
		return sizePct, true
	}

	feeRate := e.exec.TakerFeePct / 100
	notional := sizePct / 100 * nav
	required := minNotional / (1 - feeRate)
	if notional >= required {
		return sizePct, true
	}

	// Bump the size to clear the minimum, but never past the policy
	// single-trade cap or 50% above what the caps granted.
	requiredPct := required / nav * 100
	if requiredPct > e.cfg.MaxSingleTradePct || requiredPct > sizePct*1.5 {
		return 0, false
	}
	return requiredPct, true
}

// orderProposals sorts by descending confidence, then by asset tier
// (tier 1 first), then symbol for determinism.
func (e *Engine) orderProposals(in Input) []strategy.Proposal {
	ordered := make([]strategy.Proposal, len(in.Proposals))
	copy(ordered, in.Proposals)
	tierOf := func(symbol string) int {
		if asset, ok := in.Universe.Lookup(symbol); ok {
			return asset.Tier
		}
		return 3
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		ti, tj := tierOf(ordered[i].Symbol), tierOf(ordered[j].Symbol)
		if ti != tj {
			return ti < tj
		}
		return ordered[i].Symbol < ordered[j].Symbol
	})
	return ordered
}

// capacityTracker deducts approved sizes from the exposure cap ladder as
// proposals are granted, so later (lower-ranked) proposals see shrunken
// headroom.
type capacityTracker struct {
	globalLeft   float64
	symbolUsed   map[string]float64
	clusterUsed  map[string]float64
	strategyUsed map[string]float64
	finalSizes   map[string]float64
}

func (e *Engine) newCapacityTracker(pf *portfolio.State) *capacityTracker {
	globalLeft := e.cfg.MaxTotalAtRiskPct - pf.TotalExposurePct - pf.PendingExposurePct
	if globalLeft < 0 {
		globalLeft = 0
	}
	return &capacityTracker{
		globalLeft:   globalLeft,
		symbolUsed:   make(map[string]float64),
		clusterUsed:  make(map[string]float64),
		strategyUsed: make(map[string]float64),
		finalSizes:   make(map[string]float64),
	}
}

// reserve grants as much of the proposal as the cap ladder allows,
// resizing down when capacity is short. Returns false when even the
// minimum position cannot fit.
func (t *capacityTracker) reserve(e *Engine, p strategy.Proposal, in Input) (float64, bool) {
	granted := p.SizePct

	if granted > t.globalLeft {
		granted = t.globalLeft
	}
	if limit := e.cfg.PerSymbolCapPct; limit > 0 {
		left := limit - in.Portfolio.ExposureOf(p.Symbol) - t.symbolUsed[p.Symbol]
		if granted > left {
			granted = left
		}
	}
	if cluster, ok := e.cfg.SymbolClusters[p.Symbol]; ok {
		if limit, capped := e.cfg.ClusterCapsPct[cluster]; capped {
			left := limit - clusterExposure(e, in.Portfolio, cluster) - t.clusterUsed[cluster]
			if granted > left {
				granted = left
			}
		}
	}

	if granted <= 0 {
		return 0, false
	}
	// A resize below the exchange minimum is pointless; check 14 would
	// need to grow it back through capacity that does not exist.
	minPct := e.minNotionalPct(p.Symbol, in)
	if granted < minPct {
		return 0, false
	}

	t.apply(e, p, granted)
	return granted, true
}

func (t *capacityTracker) apply(e *Engine, p strategy.Proposal, size float64) {
	t.globalLeft -= size
	t.symbolUsed[p.Symbol] += size
	if cluster, ok := e.cfg.SymbolClusters[p.Symbol]; ok {
		t.clusterUsed[cluster] += size
	}
	t.strategyUsed[p.Strategy] += size
	t.finalSizes[p.Symbol] = size
}

func (t *capacityTracker) release(p strategy.Proposal, size float64) {
	t.globalLeft += size
	t.symbolUsed[p.Symbol] -= size
	t.strategyUsed[p.Strategy] -= size
	delete(t.finalSizes, p.Symbol)
}

func (t *capacityTracker) adjust(p strategy.Proposal, old, resized float64) {
	t.globalLeft += old - resized
	t.symbolUsed[p.Symbol] += resized - old
	t.strategyUsed[p.Strategy] += resized - old
	t.finalSizes[p.Symbol] = resized
}

func (t *capacityTracker) finalSize(symbol string, fallback float64) float64 {
	if s, ok := t.finalSizes[symbol]; ok {
		return s
	}
	return fallback
}

// minNotionalPct converts the exchange minimum into NAV percent.
func (e *Engine) minNotionalPct(symbol string, in Input) float64 {
	floor := e.exec.MinNotionalUSD
	if asset, ok := in.Universe.Lookup(symbol); ok && asset.MinNotional > floor {
		floor = asset.MinNotional
	}
	if in.Portfolio.NAV <= 0 {
		return 0
	}
	return floor / in.Portfolio.NAV * 100
}

func strategyExposure(pf *portfolio.State, strategyName string) float64 {
	total := 0.0
	for _, pos := range pf.Positions {
		if pos.Dust || pos.Strategy != strategyName || pf.NAV <= 0 {
			continue
		}
		total += pos.USDValue / pf.NAV * 100
	}
	return total
}

func clusterExposure(e *Engine, pf *portfolio.State, cluster string) float64 {
	total := 0.0
	for symbol, c := range e.cfg.SymbolClusters {
		if c == cluster {
			total += pf.ExposureOf(symbol)
		}
	}
	return total
}

func pyramidedPositions(snap *state.PersistentState, today string) int {
	n := 0
	for _, pos := range snap.Positions {
		if pos.AddsDay == today && pos.AddsToday > 0 {
			n++
		}
	}
	return n
}

func hasBuy(proposals []strategy.Proposal) bool {
	for _, p := range proposals {
		if p.Side == string(exchange.OrderSideBuy) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

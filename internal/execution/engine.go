package execution

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aelhadee/247trader/internal/alerts"
	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/metrics"
	"github.com/aelhadee/247trader/internal/portfolio"
	"github.com/aelhadee/247trader/internal/state"
	"github.com/aelhadee/247trader/internal/strategy"
	"github.com/aelhadee/247trader/internal/universe"
)

// Mode selects how orders leave the engine.
type Mode string

const (
	// ModeDryRun logs intents and touches neither the exchange nor state.
	ModeDryRun Mode = "dry_run"
	// ModePaper uses live quotes with simulated fills.
	ModePaper Mode = "paper"
	// ModeLive places real orders.
	ModeLive Mode = "live"
)

// Result statuses reported per proposal.
const (
	ResultFilled   = "filled"
	ResultPartial  = "partial"
	ResultRejected = "rejected"
	ResultExpired  = "expired"
	ResultFailed   = "failed"
	ResultDryRun   = "dry_run"
)

// Result is the per-proposal execution outcome.
type Result struct {
	Symbol        string
	Side          string
	Strategy      string
	ClientOrderID string
	Status        string
	RequestedUSD  float64
	FilledBase    float64
	FilledUSD     float64
	Fees          float64
	Error         string
}

// Engine turns approved proposals into orders: maker-first post-only
// with a short TTL, then an IOC taker fallback bounded by the slippage
// cap, then fill reconciliation into positions.
type Engine struct {
	cfg     config.ExecutionConfig
	risk    config.RiskConfig
	mode    Mode
	ex      exchange.Exchange
	sm      *StateMachine
	ghosts  *GhostFilter
	store   *state.Store
	alerter *alerts.Manager
	log     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewEngine builds the execution engine. riskCfg supplies the dust
// threshold and the post-close cooldown windows.
func NewEngine(cfg config.ExecutionConfig, riskCfg config.RiskConfig, mode Mode, ex exchange.Exchange, store *state.Store, alerter *alerts.Manager, logger zerolog.Logger) *Engine {
	tol := cfg.PartialFillTolerance
	if tol <= 0 {
		tol = 0.05
	}
	ghostTTL := time.Duration(cfg.GhostCacheTTLSeconds) * time.Second
	return &Engine{
		cfg:     cfg,
		risk:    riskCfg,
		mode:    mode,
		ex:      ex,
		sm:      NewStateMachine(tol, logger),
		ghosts:  NewGhostFilter(ghostTTL),
		store:   store,
		alerter: alerter,
		log:     logger.With().Str("component", "execution").Logger(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// StateMachine exposes the order set for reconciliation callers.
func (e *Engine) StateMachine() *StateMachine { return e.sm }

// Ghosts exposes the ghost filter so the reconcile stage can filter
// exchange open-order reads.
func (e *Engine) Ghosts() *GhostFilter { return e.ghosts }

// Execute runs every approved proposal. The mode guard runs before any
// other work: a live run against a read-only adapter (or the reverse)
// must never place or simulate anything.
func (e *Engine) Execute(ctx context.Context, proposals []strategy.Proposal, pf *portfolio.State, uni *universe.Snapshot) ([]Result, error) {
	if err := e.guardMode(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(proposals))
	for _, p := range proposals {
		res := e.executeOne(ctx, p, pf, uni)
		results = append(results, res)
		if ctx.Err() != nil {
			break
		}
	}
	return results, nil
}

func (e *Engine) guardMode() error {
	switch e.mode {
	case ModeLive:
		if e.ex.ReadOnly() {
			return fmt.Errorf("live mode requires a writable exchange adapter, got read-only")
		}
	case ModePaper, ModeDryRun:
	default:
		return fmt.Errorf("unknown execution mode %q", e.mode)
	}
	return nil
}

func (e *Engine) executeOne(ctx context.Context, p strategy.Proposal, pf *portfolio.State, uni *universe.Snapshot) Result {
	res := Result{Symbol: p.Symbol, Side: p.Side, Strategy: p.Strategy}

	quote, err := e.ex.GetQuote(ctx, p.Symbol)
	if err != nil || quote.Bid <= 0 || quote.Ask <= 0 {
		res.Status = ResultFailed
		res.Error = fmt.Sprintf("no quote: %v", err)
		return res
	}
	asset, _ := uni.Lookup(p.Symbol)

	sizeBase, notional, err := e.computeSize(p, pf, quote, asset)
	if err != nil {
		res.Status = ResultFailed
		res.Error = err.Error()
		return res
	}
	res.RequestedUSD = notional

	if e.mode == ModeDryRun {
		e.log.Info().
			Str("symbol", p.Symbol).
			Str("side", p.Side).
			Float64("size_base", sizeBase).
			Float64("notional_usd", notional).
			Msg("DRY_RUN: order intent, not placed")
		res.Status = ResultDryRun
		return res
	}

	side := exchange.OrderSide(p.Side)
	var order *Order
	if e.cfg.MakerFirst {
		order = e.placeMaker(ctx, p, side, quote, asset, sizeBase)
	}

	filled := order != nil && (order.Status == StatusFilled || order.Status == StatusPartialFill)
	// A rejected order holding fills came out of the notional-mismatch
	// path: the fills are untrusted, and respawning the order as a taker
	// would double the position.
	fatal := order != nil && order.Status == StatusRejected && order.FilledSize > 0
	if !filled && !fatal && e.cfg.TakerFallback {
		if e.cfg.MakerFirst {
			metrics.TakerFallbacksTotal.Inc()
		}
		order = e.placeTaker(ctx, p, side, quote, asset, sizeBase)
	}
	if order == nil {
		res.Status = ResultFailed
		res.Error = "no order path available"
		return res
	}

	res.ClientOrderID = order.ClientOrderID
	res.FilledBase = order.FilledSize
	res.FilledUSD = order.FilledValue
	res.Fees = order.Fees
	switch order.Status {
	case StatusFilled:
		res.Status = ResultFilled
	case StatusPartialFill:
		res.Status = ResultPartial
	case StatusRejected:
		res.Status = ResultRejected
		res.Error = order.RejectReason
	case StatusExpired, StatusCanceled:
		res.Status = ResultExpired
	default:
		res.Status = ResultFailed
	}
	return res
}

// computeSize converts the approved percentage into base units: clamp to
// the fee-adjusted budget, then floor to the lot size.
func (e *Engine) computeSize(p strategy.Proposal, pf *portfolio.State, quote exchange.Quote, asset universe.Asset) (sizeBase, notional float64, err error) {
	if pf.NAV <= 0 {
		return 0, 0, fmt.Errorf("non-positive NAV")
	}
	notional = p.SizePct / 100 * pf.NAV

	feeRate := e.cfg.TakerFeePct / 100
	if e.cfg.MakerFirst {
		feeRate = e.cfg.MakerFeePct / 100
	}
	price := quote.Mid
	if price <= 0 {
		price = (quote.Bid + quote.Ask) / 2
	}

	if p.Side == string(exchange.OrderSideSell) {
		// Sells are bounded by the held quantity, not the budget.
		pos, held := pf.Positions[p.Symbol]
		if !held || pos.Quantity <= 0 {
			return 0, 0, fmt.Errorf("no position to sell")
		}
		sizeBase = math.Min(notional/price, pos.Quantity)
	} else {
		// Spend the budget inclusive of the fee.
		sizeBase = notional / (price * (1 + feeRate))
	}

	if asset.LotSize > 0 {
		sizeBase = math.Floor(sizeBase/asset.LotSize) * asset.LotSize
	}
	if sizeBase <= 0 {
		return 0, 0, fmt.Errorf("size rounds to zero at lot size %g", asset.LotSize)
	}
	minNotional := math.Max(e.cfg.MinNotionalUSD, asset.MinNotional)
	if sizeBase*price < minNotional {
		return 0, 0, fmt.Errorf("notional %.2f below exchange minimum %.2f", sizeBase*price, minNotional)
	}
	return sizeBase, sizeBase * price, nil
}

// placeMaker places a post-only limit one tick inside the book and waits
// out the TTL for a fill.
func (e *Engine) placeMaker(ctx context.Context, p strategy.Proposal, side exchange.OrderSide, quote exchange.Quote, asset universe.Asset, sizeBase float64) *Order {
	tick := asset.TickSize
	if tick <= 0 {
		tick = quote.Mid / 1e6
	}
	var price float64
	if side == exchange.OrderSideBuy {
		price = quote.Bid + tick
		if price >= quote.Ask {
			price = quote.Bid
		}
	} else {
		price = quote.Ask - tick
		if price <= quote.Bid {
			price = quote.Ask
		}
	}

	order := e.sm.Create(p.Symbol, side, exchange.OrderTypePostOnlyLimit, price, sizeBase, 0, p.Strategy)
	if !e.submit(ctx, order) {
		return order
	}

	ttl := time.Duration(e.cfg.PostOnlyTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 25 * time.Second
	}
	if !e.sleep(ctx, ttl) {
		e.cancelOrder(ctx, order)
		return order
	}
	e.reconcileOrder(ctx, order)
	if order.Status == StatusFilled || order.Status == StatusPartialFill {
		metrics.MakerFillsTotal.Inc()
		return order
	}
	if order.Status == StatusRejected {
		// Closed by the mismatch check; it filled exchange-side, so
		// there is nothing live left to cancel or expire.
		return order
	}

	e.cancelOrder(ctx, order)
	e.sm.MarkExpired(order.ClientOrderID)
	e.closeInStore(order, "post_only_ttl")
	return order
}

// placeTaker places an IOC limit priced at the far touch plus the
// slippage allowance.
func (e *Engine) placeTaker(ctx context.Context, p strategy.Proposal, side exchange.OrderSide, quote exchange.Quote, asset universe.Asset, sizeBase float64) *Order {
	slip := e.cfg.MaxSlippageBps / 10000
	var price float64
	if side == exchange.OrderSideBuy {
		price = quote.Ask * (1 + slip)
	} else {
		price = quote.Bid * (1 - slip)
	}
	if asset.TickSize > 0 {
		price = math.Round(price/asset.TickSize) * asset.TickSize
	}

	order := e.sm.Create(p.Symbol, side, exchange.OrderTypeIOCLimit, price, sizeBase, 0, p.Strategy)
	if !e.submit(ctx, order) {
		return order
	}

	wait := time.Duration(e.cfg.PostTradeReconcileWaitMS) * time.Millisecond
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	e.sleep(ctx, wait)
	e.reconcileOrder(ctx, order)

	if order.Status != StatusFilled && order.Status != StatusPartialFill {
		// IOC remainders cancel exchange-side; mirror that locally.
		e.sm.MarkExpired(order.ClientOrderID)
		e.ghosts.MarkCanceled(order.ClientOrderID, order.ExchangeOrderID)
		e.closeInStore(order, "ioc_unfilled")
	}
	return order
}

// submit sends the order, tracks it in the store and moves it past the
// ack. Returns false when the order is terminal (rejected or failed).
func (e *Engine) submit(ctx context.Context, order *Order) bool {
	e.store.TrackOrder(state.PendingOrder{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Strategy:      order.Strategy,
		Status:        string(StatusNew),
		LimitPrice:    order.Price,
		SizeBase:      order.SizeBase,
		NotionalUSD:   order.SizeBase * order.Price,
		CreatedAt:     order.CreatedAt,
	})

	req := exchange.PlaceOrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Price:         order.Price,
		SizeBase:      order.SizeBase,
		SizeQuote:     order.SizeQuote,
	}

	var resp *exchange.PlaceOrderResponse
	err := exchange.WithRetry(ctx, exchange.DefaultRetryConfig(), func() error {
		var perr error
		resp, perr = e.ex.PlaceOrder(ctx, req)
		return perr
	})
	if err != nil {
		e.log.Error().Err(err).Str("symbol", order.Symbol).Msg("Order placement failed")
		e.sm.MarkRejected(order.ClientOrderID, err.Error())
		e.closeInStore(order, "placement_error")
		return false
	}
	if !resp.Success {
		reason := "rejected"
		if resp.ErrorResponse != nil {
			reason = resp.ErrorResponse.ErrorCode
			e.log.Warn().
				Str("symbol", order.Symbol).
				Str("error", resp.ErrorResponse.ErrorCode).
				Str("message", resp.ErrorResponse.Message).
				Str("preview_failure", resp.ErrorResponse.PreviewFailureReason).
				Msg("ORDER_REJECT")
		}
		e.sm.MarkRejected(order.ClientOrderID, reason)
		e.closeInStore(order, reason)
		return false
	}

	e.sm.MarkSubmitted(order.ClientOrderID, resp.OrderID)
	e.sm.MarkOpen(order.ClientOrderID)
	e.store.UpdateOrder(order.ClientOrderID, func(po *state.PendingOrder) {
		po.ExchangeOrderID = resp.OrderID
		po.Status = string(StatusOpen)
	})
	return true
}

// reconcileOrder pulls fills for the order, applies them with trade-id
// dedupe, verifies the notional and updates position state.
func (e *Engine) reconcileOrder(ctx context.Context, order *Order) {
	if order.ExchangeOrderID == "" {
		return
	}
	fills, err := e.ex.ListFills(ctx, exchange.ListFillsRequest{OrderID: order.ExchangeOrderID})
	if err != nil {
		e.log.Warn().Err(err).Str("order", order.ClientOrderID).Msg("Fill listing failed")
		return
	}

	applied := false
	for _, f := range fills {
		pf, err := f.Parse()
		if err != nil {
			e.log.Error().Err(err).Str("order", order.ClientOrderID).Msg("Unparseable fill dropped")
			continue
		}
		if e.sm.ApplyFill(order.ClientOrderID, pf) {
			applied = true
		}
	}
	if !applied {
		return
	}

	// Fill-notional sanity: a computed quote value far from the request
	// means the size field was misread, and nothing downstream may trust
	// it.
	requested := order.SizeBase * order.Price
	if requested > 0 {
		diff := math.Abs(requested - order.FilledValue)
		limit := math.Max(0.20, 0.02*requested)
		if order.Status == StatusFilled && diff > limit {
			e.alerter.Critical(ctx, "Fill notional mismatch",
				fmt.Sprintf("%s order %s: requested $%.2f, fills sum to $%.2f", order.Symbol, order.ClientOrderID, requested, order.FilledValue), nil)
			e.sm.ForceReject(order.ClientOrderID, "fill_notional_mismatch")
			e.closeInStore(order, "fill_notional_mismatch")
			return
		}
	}

	e.applyToPosition(order)

	e.store.UpdateOrder(order.ClientOrderID, func(po *state.PendingOrder) {
		po.Status = string(order.Status)
		po.FilledBase = order.FilledSize
		po.FilledQuote = order.FilledValue
		po.CommissionUSD = order.Fees
		for _, f := range order.Fills {
			po.SeenTradeIDs = append(po.SeenTradeIDs, f.TradeID)
		}
	})
	if order.Status == StatusFilled {
		e.closeInStore(order, "filled")
	}
	e.store.RecordTrade(order.Symbol, e.now())
}

// applyToPosition folds the not-yet-applied portion of the order's
// fills into the tracked position, so repeated reconciles stay exact.
func (e *Engine) applyToPosition(order *Order) {
	deltaSize := order.FilledSize - order.appliedSize
	deltaValue := order.FilledValue - order.appliedValue
	deltaFees := order.Fees - order.appliedFees
	if deltaSize <= 0 {
		return
	}
	order.appliedSize = order.FilledSize
	order.appliedValue = order.FilledValue
	order.appliedFees = order.Fees

	now := e.now()
	pos, held := e.store.GetPosition(order.Symbol)

	if order.Side == exchange.OrderSideBuy {
		if !held {
			pos = state.Position{Symbol: order.Symbol, Strategy: order.Strategy, OpenedAt: now}
		} else {
			today := now.UTC().Format("2006-01-02")
			if pos.AddsDay != today {
				pos.AddsDay, pos.AddsToday = today, 0
			}
			pos.AddsToday++
		}
		newQty := pos.Quantity + deltaSize
		pos.CostBasis += deltaValue + deltaFees
		pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Quantity + deltaValue) / newQty
		pos.Quantity = newQty
		pos.UpdatedAt = now
		e.store.UpsertPosition(pos)
		return
	}

	if !held {
		e.log.Warn().Str("symbol", order.Symbol).Msg("Sell fill for untracked position")
		return
	}
	pos.Quantity -= deltaSize
	pos.CostBasis -= deltaValue
	pos.UpdatedAt = now
	dust := e.risk.MinDustUSD
	if dust <= 0 {
		dust = 1
	}
	if pos.Quantity <= 0 || pos.Quantity*order.Price < dust {
		e.store.RemovePosition(order.Symbol)
		e.startCooldown(order, pos.CostBasis)
		return
	}
	e.store.UpsertPosition(pos)
}

// startCooldown stamps the post-close cooldown for the symbol: forced
// liquidations hold longest, then realized losses, then wins. Residual
// cost basis above zero after the close means the proceeds never
// covered the cost.
func (e *Engine) startCooldown(order *Order, residualCost float64) {
	var seconds int
	var reason string
	switch {
	case order.Strategy == liquidationStrategy:
		seconds, reason = e.risk.CooldownStopOutSeconds, "stop_out"
	case residualCost > 0:
		seconds, reason = e.risk.CooldownLossSeconds, "loss"
	default:
		seconds, reason = e.risk.CooldownWinSeconds, "win"
	}
	if seconds <= 0 {
		return
	}
	until := e.now().Add(time.Duration(seconds) * time.Second)
	e.store.SetCooldown(order.Symbol, until, reason)
	e.log.Info().
		Str("symbol", order.Symbol).
		Str("reason", reason).
		Time("until", until).
		Msg("Cooldown started")
}

func (e *Engine) cancelOrder(ctx context.Context, order *Order) {
	if order.ExchangeOrderID == "" {
		return
	}
	if err := e.ex.CancelOrder(ctx, order.ExchangeOrderID); err != nil {
		// The order may already be gone exchange-side; treat as canceled.
		e.log.Debug().Err(err).Str("order", order.ClientOrderID).Msg("Cancel error ignored")
	}
	e.ghosts.MarkCanceled(order.ClientOrderID, order.ExchangeOrderID)
}

func (e *Engine) closeInStore(order *Order, reason string) {
	e.store.CloseOrder(order.ClientOrderID, string(order.Status), reason)
}

// SellNow places a single IOC sell for the given base quantity. The
// liquidator uses it for TWAP slices; fills reconcile through the same
// path as strategy orders.
func (e *Engine) SellNow(ctx context.Context, symbol string, sizeBase float64, strategyName string) (*Order, error) {
	if err := e.guardMode(); err != nil {
		return nil, err
	}
	quote, err := e.ex.GetQuote(ctx, symbol)
	if err != nil || quote.Bid <= 0 {
		return nil, fmt.Errorf("no quote for %s: %v", symbol, err)
	}
	if e.mode == ModeDryRun {
		e.log.Info().
			Str("symbol", symbol).
			Float64("size_base", sizeBase).
			Msg("DRY_RUN: liquidation intent, not placed")
		return nil, nil
	}

	price := quote.Bid * (1 - e.cfg.MaxSlippageBps/10000)
	order := e.sm.Create(symbol, exchange.OrderSideSell, exchange.OrderTypeIOCLimit, price, sizeBase, 0, strategyName)
	if !e.submit(ctx, order) {
		return order, fmt.Errorf("liquidation order rejected: %s", order.RejectReason)
	}
	wait := time.Duration(e.cfg.PostTradeReconcileWaitMS) * time.Millisecond
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	e.sleep(ctx, wait)
	e.reconcileOrder(ctx, order)

	if order.Status != StatusFilled && order.Status != StatusPartialFill {
		e.sm.MarkExpired(order.ClientOrderID)
		e.ghosts.MarkCanceled(order.ClientOrderID, order.ExchangeOrderID)
		e.closeInStore(order, "ioc_unfilled")
		return order, fmt.Errorf("liquidation slice unfilled for %s", symbol)
	}
	return order, nil
}

// CancelStale batch-cancels every live order older than
// cancel_after_seconds, judged only by local creation time. Orders move
// to CANCELED even when the cancel API errors.
func (e *Engine) CancelStale(ctx context.Context) int {
	age := time.Duration(e.cfg.CancelAfterSeconds) * time.Second
	if age <= 0 {
		age = 60 * time.Second
	}
	stale := e.sm.NonTerminalOlderThan(age)
	if len(stale) == 0 {
		return 0
	}

	var ids []string
	for _, o := range stale {
		if o.ExchangeOrderID != "" {
			ids = append(ids, o.ExchangeOrderID)
		}
	}
	if len(ids) > 0 {
		if err := e.ex.CancelOrders(ctx, ids); err != nil {
			e.log.Warn().Err(err).Int("orders", len(ids)).Msg("Batch cancel error, closing locally anyway")
		}
	}
	for _, o := range stale {
		e.sm.MarkCanceled(o.ClientOrderID)
		e.ghosts.MarkCanceled(o.ClientOrderID, o.ExchangeOrderID)
		e.store.CloseOrder(o.ClientOrderID, string(StatusCanceled), "stale")
		e.log.Info().
			Str("order", o.ClientOrderID).
			Str("symbol", o.Symbol).
			Dur("age", e.now().Sub(o.CreatedAt)).
			Msg("Stale order canceled")
	}
	return len(stale)
}

// OpenOrdersFiltered reads exchange open orders with ghosts removed.
func (e *Engine) OpenOrdersFiltered(ctx context.Context) ([]exchange.OpenOrder, error) {
	orders, err := e.ex.ListOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	return e.ghosts.Filter(orders), nil
}

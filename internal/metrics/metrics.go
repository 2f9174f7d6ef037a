// Package metrics exposes the Prometheus series for the trading loop.
// Every label set is bounded: free-form reasons and errors are
// normalized into fixed vocabularies before they reach a label.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cycle outcomes.
const (
	CycleTrade   = "TRADE"
	CycleNoTrade = "NO_TRADE"
	CycleError   = "ERROR"
)

// Order rejection reasons (bounded set).
const (
	RejectKillSwitch   = "kill_switch"
	RejectConnectivity = "connectivity"
	RejectStopLoss     = "stop_loss"
	RejectPacing       = "pacing"
	RejectCooldown     = "cooldown"
	RejectExposure     = "exposure"
	RejectSizing       = "sizing"
	RejectStatus       = "product_status"
	RejectOther        = "other"
)

// Exchange API error categories (bounded set).
const (
	APIErrorTimeout    = "timeout"
	APIErrorRateLimit  = "rate_limit"
	APIErrorAuth       = "authentication"
	APIErrorNetwork    = "network"
	APIErrorInvalidReq = "invalid_request"
	APIErrorServer     = "server_error"
	APIErrorOther      = "other"
)

// NormalizeRejection maps a risk check name to the bounded reason set.
func NormalizeRejection(check string) string {
	lower := strings.ToLower(check)
	switch {
	case strings.Contains(lower, "kill"):
		return RejectKillSwitch
	case strings.Contains(lower, "connectivity"):
		return RejectConnectivity
	case strings.Contains(lower, "stop") || strings.Contains(lower, "drawdown"):
		return RejectStopLoss
	case strings.Contains(lower, "spacing") || strings.Contains(lower, "pacing") || strings.Contains(lower, "caps"):
		return RejectPacing
	case strings.Contains(lower, "cooldown"):
		return RejectCooldown
	case strings.Contains(lower, "exposure") || strings.Contains(lower, "position") || strings.Contains(lower, "pyramid") || strings.Contains(lower, "budget"):
		return RejectExposure
	case strings.Contains(lower, "size") || strings.Contains(lower, "notional"):
		return RejectSizing
	case strings.Contains(lower, "status"):
		return RejectStatus
	default:
		return RejectOther
	}
}

// NormalizeAPIError maps an exchange error to the bounded category set.
func NormalizeAPIError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return APIErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return APIErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return APIErrorAuth
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "refused"):
		return APIErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return APIErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503") || strings.Contains(errStr, "504"):
		return APIErrorServer
	default:
		return APIErrorOther
	}
}

// Cycle metrics.
var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_cycles_total",
		Help: "Decision cycles by outcome (TRADE, NO_TRADE, ERROR)",
	}, []string{"status"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trader_cycle_duration_seconds",
		Help:    "End-to-end decision cycle duration",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60},
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trader_stage_duration_seconds",
		Help:    "Per-stage duration within a cycle",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"stage"})

	NoTradeReason = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_no_trade_reason_total",
		Help: "NO_TRADE cycles by reason",
	}, []string{"reason"})
)

// Portfolio metrics.
var (
	NAV = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_nav_usd",
		Help: "Net asset value in USD",
	})

	TotalExposurePct = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_total_exposure_pct",
		Help: "Non-dust position value as percent of NAV",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_open_positions",
		Help: "Number of non-dust open positions",
	})

	OpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_open_orders",
		Help: "Orders currently tracked as open in the state store",
	})

	DrawdownPct = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_drawdown_pct",
		Help: "Decline from the high-water mark in percent",
	})

	DailyPnLPct = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_daily_pnl_pct",
		Help: "PnL since the daily anchor in percent",
	})

	ExposureBySymbol = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trader_exposure_by_symbol_pct",
		Help: "Position exposure by symbol as percent of NAV",
	}, []string{"symbol"})
)

// Execution metrics.
var (
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_orders_placed_total",
		Help: "Orders placed by side",
	}, []string{"side"})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_fills_total",
		Help: "Order fills by side",
	}, []string{"side"})

	FillRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_fill_ratio",
		Help: "Filled orders / placed orders over the last cycle",
	})

	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_order_rejections_total",
		Help: "Proposals rejected by normalized reason",
	}, []string{"reason"})

	MakerFillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_maker_fills_total",
		Help: "Fills achieved on the post-only maker path",
	})

	TakerFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_taker_fallbacks_total",
		Help: "Maker TTL expiries that fell back to IOC",
	})

	StaleOrdersCanceled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_stale_orders_canceled_total",
		Help: "Orders canceled by the stale-order sweep",
	})
)

// Exchange health metrics.
var (
	APIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_api_errors_total",
		Help: "Exchange API errors by normalized category",
	}, []string{"category"})

	APIConsecutiveErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_api_consecutive_errors",
		Help: "Current consecutive exchange API error count",
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trader_circuit_breaker_state",
		Help: "Circuit breaker state by breaker (0=closed, 1=half-open, 2=open)",
	}, []string{"breaker"})
)

// Package portfolio builds the per-cycle view of holdings: NAV, exposure
// percentages and period PnL against persisted anchors.
package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/state"
)

// PositionView is a state position marked to market.
type PositionView struct {
	Symbol           string
	Quantity         float64
	AvgEntryPrice    float64
	USDValue         float64
	UnrealizedPnLPct float64
	EntryTime        time.Time
	Strategy         string
	Dust             bool
}

// State is the immutable portfolio snapshot for one cycle.
type State struct {
	NAV                float64
	CashUSD            float64
	Positions          map[string]PositionView
	PendingOrders      map[string]state.PendingOrder
	TotalExposurePct   float64 // non-dust position value / NAV
	PendingExposurePct float64 // open buy order notional / NAV
	DailyPnLPct        float64
	WeeklyPnLPct       float64
	HighWaterMark      float64
	DrawdownPct        float64 // decline from HWM, positive number
	LastTradeTs        time.Time
	PerSymbolLastTrade map[string]time.Time
}

// OpenPositionCount returns the number of non-dust positions.
func (s *State) OpenPositionCount() int {
	n := 0
	for _, p := range s.Positions {
		if !p.Dust {
			n++
		}
	}
	return n
}

// ExposureOf returns a symbol's position value as a percentage of NAV.
func (s *State) ExposureOf(symbol string) float64 {
	p, ok := s.Positions[symbol]
	if !ok || p.Dust || s.NAV <= 0 {
		return 0
	}
	return p.USDValue / s.NAV * 100
}

// Builder assembles portfolio state from exchange accounts and the
// persistent store.
type Builder struct {
	source        exchange.MarketDataSource
	store         *state.Store
	minDustUSD    float64
	quoteCurrency string
	log           zerolog.Logger
}

// NewBuilder creates a builder. minDustUSD positions are excluded from
// exposure and position counts.
func NewBuilder(source exchange.MarketDataSource, store *state.Store, minDustUSD float64, logger zerolog.Logger) *Builder {
	if minDustUSD <= 0 {
		minDustUSD = 1.0
	}
	return &Builder{
		source:        source,
		store:         store,
		minDustUSD:    minDustUSD,
		quoteCurrency: "USD",
		log:           logger.With().Str("component", "portfolio").Logger(),
	}
}

// Build marks everything to market and rolls the PnL anchors.
func (b *Builder) Build(ctx context.Context, accounts []exchange.Account) (*State, error) {
	snap := b.store.Snapshot()

	ps := &State{
		Positions:          make(map[string]PositionView),
		PendingOrders:      make(map[string]state.PendingOrder),
		LastTradeTs:        snap.LastTradeTs,
		PerSymbolLastTrade: snap.PerSymbolLastTrade,
	}

	// NAV from accounts: cash plus every non-quote balance at mid.
	for _, acct := range accounts {
		if acct.Balance <= 0 {
			continue
		}
		if acct.Currency == b.quoteCurrency {
			ps.CashUSD += acct.Balance
			ps.NAV += acct.Balance
			continue
		}
		symbol := acct.Currency + "-" + b.quoteCurrency
		quote, err := b.source.GetQuote(ctx, symbol)
		if err != nil || quote.Mid <= 0 {
			b.log.Warn().Str("symbol", symbol).Msg("No quote for balance, excluded from NAV")
			continue
		}
		ps.NAV += acct.Balance * quote.Mid
	}
	if ps.NAV <= 0 {
		return nil, fmt.Errorf("non-positive NAV from accounts")
	}

	// Mark tracked positions.
	exposure := 0.0
	for symbol, pos := range snap.Positions {
		quote, err := b.source.GetQuote(ctx, symbol)
		if err != nil || quote.Mid <= 0 {
			continue
		}
		view := PositionView{
			Symbol:        symbol,
			Quantity:      pos.Quantity,
			AvgEntryPrice: pos.AvgEntryPrice,
			USDValue:      pos.Quantity * quote.Mid,
			EntryTime:     pos.OpenedAt,
			Strategy:      pos.Strategy,
		}
		if pos.AvgEntryPrice > 0 {
			view.UnrealizedPnLPct = (quote.Mid - pos.AvgEntryPrice) / pos.AvgEntryPrice * 100
		}
		view.Dust = view.USDValue < b.minDustUSD
		ps.Positions[symbol] = view
		if !view.Dust {
			exposure += view.USDValue
		}
	}
	ps.TotalExposurePct = exposure / ps.NAV * 100

	pendingBuys := 0.0
	for _, o := range b.store.OpenOrders() {
		ps.PendingOrders[o.ClientOrderID] = o
		if o.Side == string(exchange.OrderSideBuy) {
			pendingBuys += o.NotionalUSD
		}
	}
	ps.PendingExposurePct = pendingBuys / ps.NAV * 100

	b.rollAnchors(snap, ps)

	b.store.UpdateHighWaterMark(ps.NAV)
	if ps.HighWaterMark < ps.NAV {
		ps.HighWaterMark = ps.NAV
	}
	if ps.HighWaterMark > 0 {
		ps.DrawdownPct = (ps.HighWaterMark - ps.NAV) / ps.HighWaterMark * 100
	}

	b.log.Debug().
		Float64("nav", ps.NAV).
		Float64("exposure_pct", ps.TotalExposurePct).
		Float64("daily_pnl_pct", ps.DailyPnLPct).
		Int("positions", ps.OpenPositionCount()).
		Msg("Portfolio built")
	return ps, nil
}

// rollAnchors resets the daily/weekly baselines when their periods turn
// over, then computes PnL against them.
func (b *Builder) rollAnchors(snap *state.PersistentState, ps *State) {
	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	year, week := now.ISOWeek()
	thisWeek := fmt.Sprintf("%d-W%02d", year, week)

	dailyDate, dailyNAV := "", 0.0
	weeklyDate, weeklyNAV := "", 0.0
	if snap.DailyAnchorDate != today {
		dailyDate, dailyNAV = today, ps.NAV
	}
	if snap.WeeklyAnchorDate != thisWeek {
		weeklyDate, weeklyNAV = thisWeek, ps.NAV
	}
	if dailyDate != "" || weeklyDate != "" {
		b.store.SetPnLAnchors(dailyDate, dailyNAV, weeklyDate, weeklyNAV)
	}

	dailyBase := snap.DailyAnchorNAV
	if dailyDate != "" {
		dailyBase = ps.NAV
	}
	weeklyBase := snap.WeeklyAnchorNAV
	if weeklyDate != "" {
		weeklyBase = ps.NAV
	}
	if dailyBase > 0 {
		ps.DailyPnLPct = (ps.NAV - dailyBase) / dailyBase * 100
	}
	if weeklyBase > 0 {
		ps.WeeklyPnLPct = (ps.NAV - weeklyBase) / weeklyBase * 100
	}

	ps.HighWaterMark = snap.HighWaterMark
}

// Package state provides the durable trading state: positions, pending
// orders, cooldowns, bans and counters that must survive a restart. All
// mutations go through the Store API; the backing file or database is
// overwritten on every flush, so out-of-band edits while the process is
// running are lost.
package state

import "time"

// Position is an open holding built up from fills.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	CostBasis     float64   `json:"cost_basis"` // quote currency spent, fees included
	Strategy      string    `json:"strategy,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	AddsToday     int       `json:"adds_today,omitempty"`
	AddsDay       string    `json:"adds_day,omitempty"` // YYYY-MM-DD the adds counter refers to
}

// PendingOrder tracks an order between submission and a terminal state.
type PendingOrder struct {
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Strategy        string    `json:"strategy,omitempty"`
	Status          string    `json:"status"`
	LimitPrice      float64   `json:"limit_price,omitempty"`
	SizeBase        float64   `json:"size_base"`
	NotionalUSD     float64   `json:"notional_usd"`
	FilledBase      float64   `json:"filled_base"`
	FilledQuote     float64   `json:"filled_quote"`
	CommissionUSD   float64   `json:"commission_usd"`
	SeenTradeIDs    []string  `json:"seen_trade_ids,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ClosedAt        time.Time `json:"closed_at,omitempty"`
	CloseReason     string    `json:"close_reason,omitempty"`
}

// Cooldown blocks new trades on a symbol until the deadline passes.
type Cooldown struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

// RedFlagBan excludes a symbol from the universe until it expires.
type RedFlagBan struct {
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PurgeFailure records repeated failures to liquidate a holding so the
// purge path can back off instead of hammering the exchange.
type PurgeFailure struct {
	Count        int       `json:"count"`
	LastFailedAt time.Time `json:"last_failed_at"`
	LastError    string    `json:"last_error"`
}

// PersistentState is the single document written to the backend.
type PersistentState struct {
	Positions          map[string]*Position     `json:"positions"`
	PendingOrders      map[string]*PendingOrder `json:"pending_orders"`
	Cooldowns          map[string]*Cooldown     `json:"cooldowns"`
	RedFlagBans        map[string]*RedFlagBan   `json:"red_flag_bans"`
	PurgeFailures      map[string]*PurgeFailure `json:"purge_failures"`
	HighWaterMark      float64                  `json:"high_water_mark"`
	ZeroTriggerCycles  int                      `json:"zero_trigger_cycles"`
	PerSymbolLastTrade map[string]time.Time     `json:"per_symbol_last_trade"`
	LastTradeTs        time.Time                `json:"last_trade_ts,omitempty"`
	TradeTimes         []time.Time              `json:"trade_times,omitempty"`
	AutoTuneApplied    bool                     `json:"auto_tune_applied"`
	KillSwitchActive   bool                     `json:"kill_switch_active"`
	DailyAnchorDate    string                   `json:"daily_anchor_date,omitempty"`
	DailyAnchorNAV     float64                  `json:"daily_anchor_nav,omitempty"`
	WeeklyAnchorDate   string                   `json:"weekly_anchor_date,omitempty"`
	WeeklyAnchorNAV    float64                  `json:"weekly_anchor_nav,omitempty"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

// NewPersistentState returns an empty state with all maps allocated.
func NewPersistentState() *PersistentState {
	s := &PersistentState{}
	s.applyDefaults()
	return s
}

// applyDefaults allocates any maps a loaded document is missing, so
// documents written by older versions keep working.
func (s *PersistentState) applyDefaults() {
	if s.Positions == nil {
		s.Positions = make(map[string]*Position)
	}
	if s.PendingOrders == nil {
		s.PendingOrders = make(map[string]*PendingOrder)
	}
	if s.Cooldowns == nil {
		s.Cooldowns = make(map[string]*Cooldown)
	}
	if s.RedFlagBans == nil {
		s.RedFlagBans = make(map[string]*RedFlagBan)
	}
	if s.PurgeFailures == nil {
		s.PurgeFailures = make(map[string]*PurgeFailure)
	}
	if s.PerSymbolLastTrade == nil {
		s.PerSymbolLastTrade = make(map[string]time.Time)
	}
}

// clone deep-copies the state so readers never share mutable maps with
// the store cache.
func (s *PersistentState) clone() *PersistentState {
	out := &PersistentState{
		HighWaterMark:      s.HighWaterMark,
		ZeroTriggerCycles:  s.ZeroTriggerCycles,
		LastTradeTs:        s.LastTradeTs,
		AutoTuneApplied:    s.AutoTuneApplied,
		KillSwitchActive:   s.KillSwitchActive,
		DailyAnchorDate:    s.DailyAnchorDate,
		DailyAnchorNAV:     s.DailyAnchorNAV,
		WeeklyAnchorDate:   s.WeeklyAnchorDate,
		WeeklyAnchorNAV:    s.WeeklyAnchorNAV,
		UpdatedAt:          s.UpdatedAt,
		Positions:          make(map[string]*Position, len(s.Positions)),
		PendingOrders:      make(map[string]*PendingOrder, len(s.PendingOrders)),
		Cooldowns:          make(map[string]*Cooldown, len(s.Cooldowns)),
		RedFlagBans:        make(map[string]*RedFlagBan, len(s.RedFlagBans)),
		PurgeFailures:      make(map[string]*PurgeFailure, len(s.PurgeFailures)),
		PerSymbolLastTrade: make(map[string]time.Time, len(s.PerSymbolLastTrade)),
	}
	for k, v := range s.Positions {
		cp := *v
		out.Positions[k] = &cp
	}
	for k, v := range s.PendingOrders {
		cp := *v
		cp.SeenTradeIDs = append([]string(nil), v.SeenTradeIDs...)
		out.PendingOrders[k] = &cp
	}
	for k, v := range s.Cooldowns {
		cp := *v
		out.Cooldowns[k] = &cp
	}
	for k, v := range s.RedFlagBans {
		cp := *v
		out.RedFlagBans[k] = &cp
	}
	for k, v := range s.PurgeFailures {
		cp := *v
		out.PurgeFailures[k] = &cp
	}
	for k, v := range s.PerSymbolLastTrade {
		out.PerSymbolLastTrade[k] = v
	}
	out.TradeTimes = append([]time.Time(nil), s.TradeTimes...)
	return out
}

// Package execution owns order placement and the order lifecycle:
// maker-first placement with taker fallback, fill reconciliation, stale
// order cleanup and TWAP liquidation for trim and purge.
package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aelhadee/247trader/internal/exchange"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusNew         OrderStatus = "NEW"
	StatusSubmitted   OrderStatus = "SUBMITTED"
	StatusOpen        OrderStatus = "OPEN"
	StatusPartialFill OrderStatus = "PARTIAL_FILL"
	StatusFilled      OrderStatus = "FILLED"
	StatusCanceled    OrderStatus = "CANCELED"
	StatusRejected    OrderStatus = "REJECTED"
	StatusExpired     OrderStatus = "EXPIRED"
)

// Terminal reports whether the status accepts no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Order is the authoritative local record of one order. CreatedAt is
// assigned locally at creation and is the only timestamp stale-order
// cleanup trusts.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            exchange.OrderSide
	Type            exchange.OrderType
	Price           float64
	SizeBase        float64
	SizeQuote       float64
	Strategy        string
	Status          OrderStatus
	RejectReason    string
	FilledSize      float64
	FilledValue     float64
	Fees            float64
	Fills           []exchange.ParsedFill
	CreatedAt       time.Time
	UpdatedAt       time.Time

	seenTrades map[string]bool

	// Portion of the fills already folded into position state, so a
	// second reconcile pass applies only the delta.
	appliedSize  float64
	appliedValue float64
	appliedFees  float64
}

// FillComplete reports whether the accumulated fills satisfy the order
// within the partial-fill tolerance.
func (o *Order) FillComplete(tolerance float64) bool {
	target := o.SizeBase
	filled := o.FilledSize
	if target <= 0 && o.SizeQuote > 0 {
		// Quote-sized market orders compare notional instead.
		target = o.SizeQuote
		filled = o.FilledValue
	}
	if target <= 0 {
		return false
	}
	return filled >= target*(1-tolerance)
}

// StateMachine tracks the non-terminal order set and enforces legal
// transitions. Terminal transitions are idempotent; fills arriving for a
// terminal order are dropped.
type StateMachine struct {
	mu        sync.Mutex
	orders    map[string]*Order
	tolerance float64
	log       zerolog.Logger
	now       func() time.Time
}

// NewStateMachine creates a state machine. tolerance is the partial-fill
// fraction under which an order is considered complete (default 0.05).
func NewStateMachine(tolerance float64, logger zerolog.Logger) *StateMachine {
	if tolerance <= 0 {
		tolerance = 0.05
	}
	return &StateMachine{
		orders:    make(map[string]*Order),
		tolerance: tolerance,
		log:       logger.With().Str("component", "order_state").Logger(),
		now:       time.Now,
	}
}

// Create registers a NEW order with a fresh client order id. The id is
// stable for the order's whole life, including retries.
func (m *StateMachine) Create(symbol string, side exchange.OrderSide, typ exchange.OrderType, price, sizeBase, sizeQuote float64, strategyName string) *Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	o := &Order{
		ClientOrderID: uuid.NewString(),
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Price:         price,
		SizeBase:      sizeBase,
		SizeQuote:     sizeQuote,
		Strategy:      strategyName,
		Status:        StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
		seenTrades:    make(map[string]bool),
	}
	m.orders[o.ClientOrderID] = o
	return o
}

// Get returns the order for a client order id.
func (m *StateMachine) Get(clientID string) (*Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientID]
	return o, ok
}

// MarkSubmitted records the exchange ack.
func (m *StateMachine) MarkSubmitted(clientID, exchangeOrderID string) error {
	return m.transition(clientID, StatusSubmitted, func(o *Order) {
		o.ExchangeOrderID = exchangeOrderID
	})
}

// MarkOpen records the order as live with no fills yet.
func (m *StateMachine) MarkOpen(clientID string) error {
	return m.transition(clientID, StatusOpen, nil)
}

// MarkRejected closes the order with the exchange's rejection reason.
func (m *StateMachine) MarkRejected(clientID, reason string) error {
	return m.transition(clientID, StatusRejected, func(o *Order) {
		o.RejectReason = reason
	})
}

// MarkCanceled closes the order. Safe to call for orders the exchange may
// have already discarded.
func (m *StateMachine) MarkCanceled(clientID string) error {
	return m.transition(clientID, StatusCanceled, nil)
}

// MarkExpired closes an order whose TTL lapsed without a fill.
func (m *StateMachine) MarkExpired(clientID string) error {
	return m.transition(clientID, StatusExpired, nil)
}

func (m *StateMachine) transition(clientID string, to OrderStatus, mut func(*Order)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[clientID]
	if !ok {
		return fmt.Errorf("unknown order %s", clientID)
	}
	if o.Status.Terminal() {
		// Terminal states are sticky; repeated closes are no-ops.
		if to.Terminal() {
			return nil
		}
		return fmt.Errorf("order %s is terminal (%s), cannot move to %s", clientID, o.Status, to)
	}
	if mut != nil {
		mut(o)
	}
	o.Status = to
	o.UpdatedAt = m.now()
	return nil
}

// ForceReject closes the order as REJECTED regardless of its current
// state. Reserved for the fill-notional mismatch path, which must
// override a FILLED status because the fills themselves are untrusted.
func (m *StateMachine) ForceReject(clientID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[clientID]
	if !ok {
		return
	}
	o.Status = StatusRejected
	o.RejectReason = reason
	o.UpdatedAt = m.now()
}

// ApplyFill accumulates one parsed fill into the order. Returns false
// when the fill was dropped: duplicate trade_id or terminal order.
func (m *StateMachine) ApplyFill(clientID string, f exchange.ParsedFill) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[clientID]
	if !ok {
		return false
	}
	if o.Status == StatusFilled || o.Status == StatusRejected {
		m.log.Debug().Str("order", clientID).Str("trade_id", f.TradeID).Msg("Fill for closed order dropped")
		return false
	}
	if o.seenTrades[f.TradeID] {
		return false
	}
	o.seenTrades[f.TradeID] = true

	o.Fills = append(o.Fills, f)
	o.FilledSize += f.BaseQty
	o.FilledValue += f.QuoteNotional
	o.Fees += f.Commission
	if o.FillComplete(m.tolerance) {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartialFill
	}
	o.UpdatedAt = m.now()
	return true
}

// NonTerminalOlderThan returns live orders created more than age ago,
// judged by local creation time only.
func (m *StateMachine) NonTerminalOlderThan(age time.Duration) []*Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-age)
	var stale []*Order
	for _, o := range m.orders {
		if !o.Status.Terminal() && o.CreatedAt.Before(cutoff) {
			stale = append(stale, o)
		}
	}
	return stale
}

// PruneTerminal drops terminal orders from the working set and returns
// how many were removed.
func (m *StateMachine) PruneTerminal() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, o := range m.orders {
		if o.Status.Terminal() {
			delete(m.orders, id)
			n++
		}
	}
	return n
}

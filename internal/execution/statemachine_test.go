package execution

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader/internal/exchange"
)

func fill(tradeID string, price, baseQty float64) exchange.ParsedFill {
	return exchange.ParsedFill{
		TradeID:       tradeID,
		Price:         price,
		BaseQty:       baseQty,
		QuoteNotional: price * baseQty,
		Commission:    0.10,
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	sm := NewStateMachine(0.05, zerolog.Nop())
	o := sm.Create("BTC-USD", exchange.OrderSideBuy, exchange.OrderTypePostOnlyLimit, 50000, 0.01, 0, "trigger")

	assert.NotEmpty(t, o.ClientOrderID)
	assert.Equal(t, StatusNew, o.Status)
	assert.False(t, o.CreatedAt.IsZero())

	require.NoError(t, sm.MarkSubmitted(o.ClientOrderID, "ex-1"))
	assert.Equal(t, "ex-1", o.ExchangeOrderID)
	require.NoError(t, sm.MarkOpen(o.ClientOrderID))

	assert.True(t, sm.ApplyFill(o.ClientOrderID, fill("t1", 50000, 0.01)))
	assert.Equal(t, StatusFilled, o.Status)
	assert.InDelta(t, 500.0, o.FilledValue, 1e-9)
	assert.InDelta(t, 0.10, o.Fees, 1e-9)
}

func TestPartialFillBelowTolerance(t *testing.T) {
	sm := NewStateMachine(0.05, zerolog.Nop())
	o := sm.Create("BTC-USD", exchange.OrderSideBuy, exchange.OrderTypePostOnlyLimit, 50000, 1.0, 0, "trigger")
	sm.MarkSubmitted(o.ClientOrderID, "ex-1")

	sm.ApplyFill(o.ClientOrderID, fill("t1", 50000, 0.5))
	assert.Equal(t, StatusPartialFill, o.Status)

	// 0.96 total is within the 5% tolerance of 1.0.
	sm.ApplyFill(o.ClientOrderID, fill("t2", 50000, 0.46))
	assert.Equal(t, StatusFilled, o.Status)
}

func TestDuplicateTradeIDDropped(t *testing.T) {
	sm := NewStateMachine(0.05, zerolog.Nop())
	o := sm.Create("BTC-USD", exchange.OrderSideBuy, exchange.OrderTypePostOnlyLimit, 50000, 1.0, 0, "trigger")
	sm.MarkSubmitted(o.ClientOrderID, "ex-1")

	assert.True(t, sm.ApplyFill(o.ClientOrderID, fill("t1", 50000, 0.5)))
	assert.False(t, sm.ApplyFill(o.ClientOrderID, fill("t1", 50000, 0.5)))
	assert.InDelta(t, 0.5, o.FilledSize, 1e-9)
}

func TestFillForFilledOrderDropped(t *testing.T) {
	sm := NewStateMachine(0.05, zerolog.Nop())
	o := sm.Create("BTC-USD", exchange.OrderSideBuy, exchange.OrderTypePostOnlyLimit, 50000, 0.01, 0, "trigger")
	sm.MarkSubmitted(o.ClientOrderID, "ex-1")
	sm.ApplyFill(o.ClientOrderID, fill("t1", 50000, 0.01))
	require.Equal(t, StatusFilled, o.Status)

	assert.False(t, sm.ApplyFill(o.ClientOrderID, fill("t2", 50000, 0.01)))
	assert.InDelta(t, 0.01, o.FilledSize, 1e-9)
}

func TestTerminalTransitionsIdempotent(t *testing.T) {
	sm := NewStateMachine(0.05, zerolog.Nop())
	o := sm.Create("BTC-USD", exchange.OrderSideBuy, exchange.OrderTypePostOnlyLimit, 50000, 0.01, 0, "trigger")
	sm.MarkSubmitted(o.ClientOrderID, "ex-1")

	require.NoError(t, sm.MarkCanceled(o.ClientOrderID))
	assert.NoError(t, sm.MarkCanceled(o.ClientOrderID), "repeated close is a no-op")
	assert.NoError(t, sm.MarkExpired(o.ClientOrderID), "terminal state is sticky")
	assert.Equal(t, StatusCanceled, o.Status)

	assert.Error(t, sm.MarkOpen(o.ClientOrderID), "terminal orders never reopen")
}

func TestRejectCarriesReason(t *testing.T) {
	sm := NewStateMachine(0.05, zerolog.Nop())
	o := sm.Create("BTC-USD", exchange.OrderSideBuy, exchange.OrderTypeIOCLimit, 50000, 0.01, 0, "trigger")

	require.NoError(t, sm.MarkRejected(o.ClientOrderID, "INSUFFICIENT_FUND"))
	assert.Equal(t, StatusRejected, o.Status)
	assert.Equal(t, "INSUFFICIENT_FUND", o.RejectReason)
}

func TestNonTerminalOlderThanUsesLocalClock(t *testing.T) {
	sm := NewStateMachine(0.05, zerolog.Nop())
	base := time.Now()

	sm.now = func() time.Time { return base.Add(-2 * time.Minute) }
	old := sm.Create("BTC-USD", exchange.OrderSideBuy, exchange.OrderTypePostOnlyLimit, 50000, 0.01, 0, "trigger")
	sm.MarkSubmitted(old.ClientOrderID, "ex-1")

	sm.now = func() time.Time { return base }
	fresh := sm.Create("ETH-USD", exchange.OrderSideBuy, exchange.OrderTypePostOnlyLimit, 2500, 0.1, 0, "trigger")
	closed := sm.Create("SOL-USD", exchange.OrderSideSell, exchange.OrderTypeIOCLimit, 100, 1, 0, "trigger")
	sm.MarkCanceled(closed.ClientOrderID)

	stale := sm.NonTerminalOlderThan(60 * time.Second)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ClientOrderID, stale[0].ClientOrderID)
	_ = fresh
}

func TestPruneTerminal(t *testing.T) {
	sm := NewStateMachine(0.05, zerolog.Nop())
	a := sm.Create("BTC-USD", exchange.OrderSideBuy, exchange.OrderTypePostOnlyLimit, 50000, 0.01, 0, "trigger")
	b := sm.Create("ETH-USD", exchange.OrderSideBuy, exchange.OrderTypePostOnlyLimit, 2500, 0.1, 0, "trigger")
	sm.MarkCanceled(a.ClientOrderID)

	assert.Equal(t, 1, sm.PruneTerminal())
	_, ok := sm.Get(a.ClientOrderID)
	assert.False(t, ok)
	_, ok = sm.Get(b.ClientOrderID)
	assert.True(t, ok)
}

func TestGhostFilter(t *testing.T) {
	g := NewGhostFilter(time.Minute)
	g.MarkCanceled("client-1", "ex-1", "")

	open := []exchange.OpenOrder{
		{OrderID: "ex-1", ClientOrderID: "client-1"},
		{OrderID: "ex-2", ClientOrderID: "client-2"},
	}
	kept := g.Filter(open)
	require.Len(t, kept, 1)
	assert.Equal(t, "ex-2", kept[0].OrderID)
	assert.False(t, g.Contains(""), "empty ids are never recorded")
}

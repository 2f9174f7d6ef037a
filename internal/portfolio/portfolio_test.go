package portfolio

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/state"
)

type quoteSource struct {
	quotes map[string]exchange.Quote
}

func (q *quoteSource) ListProducts(ctx context.Context) ([]exchange.Product, error) {
	return nil, nil
}
func (q *quoteSource) GetQuote(ctx context.Context, symbol string) (exchange.Quote, error) {
	return q.quotes[symbol], nil
}
func (q *quoteSource) GetOrderBook(ctx context.Context, symbol string) (exchange.OrderBook, error) {
	return exchange.OrderBook{}, nil
}
func (q *quoteSource) GetOHLCV(ctx context.Context, symbol, granularity string, start, end time.Time) ([]exchange.Candle, error) {
	return nil, nil
}

func newStore(t *testing.T) *state.Store {
	t.Helper()
	backend, err := state.NewFileBackend(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	store, err := state.NewStore(context.Background(), backend, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestBuildNAVAndExposure(t *testing.T) {
	src := &quoteSource{quotes: map[string]exchange.Quote{
		"BTC-USD": {Symbol: "BTC-USD", Mid: 50000},
		"ETH-USD": {Symbol: "ETH-USD", Mid: 2500},
	}}
	store := newStore(t)
	store.UpsertPosition(state.Position{Symbol: "BTC-USD", Quantity: 0.1, AvgEntryPrice: 40000, OpenedAt: time.Now()})
	store.UpsertPosition(state.Position{Symbol: "ETH-USD", Quantity: 0.0001, AvgEntryPrice: 2000}) // $0.25 dust

	b := NewBuilder(src, store, 1.0, zerolog.Nop())
	ps, err := b.Build(context.Background(), []exchange.Account{
		{Currency: "USD", Balance: 5000},
		{Currency: "BTC", Balance: 0.1},
		{Currency: "ETH", Balance: 0.0001},
	})
	require.NoError(t, err)

	assert.InDelta(t, 10000.25, ps.NAV, 0.01) // 5000 + 5000 + 0.25
	assert.InDelta(t, 5000.0/10000.25*100, ps.TotalExposurePct, 0.01, "dust excluded")
	assert.Equal(t, 1, ps.OpenPositionCount())
	assert.True(t, ps.Positions["ETH-USD"].Dust)
	assert.InDelta(t, 25.0, ps.Positions["BTC-USD"].UnrealizedPnLPct, 1e-9)
	assert.InDelta(t, 49.99, ps.ExposureOf("BTC-USD"), 0.01)
	assert.Equal(t, 0.0, ps.ExposureOf("ETH-USD"))
}

func TestBuildRejectsZeroNAV(t *testing.T) {
	b := NewBuilder(&quoteSource{quotes: map[string]exchange.Quote{}}, newStore(t), 1.0, zerolog.Nop())
	_, err := b.Build(context.Background(), nil)
	assert.Error(t, err)
}

func TestPendingExposureCountsBuysOnly(t *testing.T) {
	src := &quoteSource{quotes: map[string]exchange.Quote{}}
	store := newStore(t)
	store.TrackOrder(state.PendingOrder{ClientOrderID: "b1", Symbol: "BTC-USD", Side: "BUY", NotionalUSD: 500, Status: "OPEN"})
	store.TrackOrder(state.PendingOrder{ClientOrderID: "s1", Symbol: "ETH-USD", Side: "SELL", NotionalUSD: 300, Status: "OPEN"})
	store.TrackOrder(state.PendingOrder{ClientOrderID: "b2", Symbol: "SOL-USD", Side: "BUY", NotionalUSD: 200, Status: "FILLED"})
	store.CloseOrder("b2", "FILLED", "done")

	b := NewBuilder(src, store, 1.0, zerolog.Nop())
	ps, err := b.Build(context.Background(), []exchange.Account{{Currency: "USD", Balance: 10000}})
	require.NoError(t, err)

	assert.InDelta(t, 5.0, ps.PendingExposurePct, 1e-9, "only open BUY notional counts")
	assert.Len(t, ps.PendingOrders, 2)
}

func TestDailyAnchorRollAndPnL(t *testing.T) {
	src := &quoteSource{quotes: map[string]exchange.Quote{}}
	store := newStore(t)
	b := NewBuilder(src, store, 1.0, zerolog.Nop())
	ctx := context.Background()

	// First build establishes today's anchor: PnL is zero.
	ps, err := b.Build(ctx, []exchange.Account{{Currency: "USD", Balance: 10000}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, ps.DailyPnLPct)
	assert.Equal(t, 0.0, ps.WeeklyPnLPct)

	// NAV moves within the same day: PnL measured against the anchor.
	ps, err = b.Build(ctx, []exchange.Account{{Currency: "USD", Balance: 9700}})
	require.NoError(t, err)
	assert.InDelta(t, -3.0, ps.DailyPnLPct, 1e-9)
	assert.InDelta(t, -3.0, ps.WeeklyPnLPct, 1e-9)
}

func TestHighWaterMarkAndDrawdown(t *testing.T) {
	src := &quoteSource{quotes: map[string]exchange.Quote{}}
	store := newStore(t)
	b := NewBuilder(src, store, 1.0, zerolog.Nop())
	ctx := context.Background()

	ps, err := b.Build(ctx, []exchange.Account{{Currency: "USD", Balance: 10000}})
	require.NoError(t, err)
	assert.Equal(t, 10000.0, ps.HighWaterMark)
	assert.Equal(t, 0.0, ps.DrawdownPct)

	ps, err = b.Build(ctx, []exchange.Account{{Currency: "USD", Balance: 8500}})
	require.NoError(t, err)
	assert.Equal(t, 10000.0, ps.HighWaterMark, "HWM never falls")
	assert.InDelta(t, 15.0, ps.DrawdownPct, 1e-9)
}

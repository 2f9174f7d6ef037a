package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticData is a canned MarketDataSource for paper tests.
type staticData struct {
	quotes map[string]Quote
}

func (s *staticData) ListProducts(ctx context.Context) ([]Product, error) {
	return []Product{{Symbol: "BTC-USD", Status: ProductStatusOnline}}, nil
}

func (s *staticData) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	return s.quotes[symbol], nil
}

func (s *staticData) GetOrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	q := s.quotes[symbol]
	return OrderBook{
		Symbol: symbol,
		Bids:   []BookLevel{{Price: q.Bid, Size: 10}},
		Asks:   []BookLevel{{Price: q.Ask, Size: 10}},
	}, nil
}

func (s *staticData) GetOHLCV(ctx context.Context, symbol, granularity string, start, end time.Time) ([]Candle, error) {
	return nil, nil
}

func newTestPaper(t *testing.T) (*PaperExchange, *staticData) {
	t.Helper()
	data := &staticData{quotes: map[string]Quote{
		"BTC-USD": {Symbol: "BTC-USD", Bid: 99.95, Ask: 100.05, Mid: 100.0, Ts: time.Now()},
	}}
	p := NewPaperExchange(data, 0.004, 0.006, func(string) int { return 1 }, 10000, zerolog.Nop())
	return p, data
}

func TestPaperTakerFillMovesBalances(t *testing.T) {
	p, _ := newTestPaper(t)
	ctx := context.Background()

	resp, err := p.PlaceOrder(ctx, PlaceOrderRequest{
		ClientOrderID: "c1",
		Symbol:        "BTC-USD",
		Side:          OrderSideBuy,
		Type:          OrderTypeIOCLimit,
		Price:         100.12,
		SizeBase:      1.0,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.OrderID)

	fills, err := p.ListFills(ctx, ListFillsRequest{OrderID: resp.OrderID})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, LiquidityTaker, fills[0].LiquidityIndicator)
	assert.False(t, fills[0].SizeInQuote)

	accounts, err := p.GetAccounts(ctx)
	require.NoError(t, err)
	balances := map[string]float64{}
	for _, a := range accounts {
		balances[a.Currency] = a.Balance
	}
	assert.InDelta(t, 1.0, balances["BTC"], 1e-9)
	assert.Less(t, balances["USD"], 10000.0-100.0, "USD reduced by notional plus fee and slippage")
}

func TestPaperPostOnlyRejectsCrossing(t *testing.T) {
	p, _ := newTestPaper(t)

	resp, err := p.PlaceOrder(context.Background(), PlaceOrderRequest{
		ClientOrderID: "c2",
		Symbol:        "BTC-USD",
		Side:          OrderSideBuy,
		Type:          OrderTypePostOnlyLimit,
		Price:         100.10, // above ask, would cross
		SizeBase:      0.5,
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.ErrorResponse)
	assert.Equal(t, "POST_ONLY_WOULD_CROSS", resp.ErrorResponse.ErrorCode)
}

func TestPaperCancelRemovesOpenOrder(t *testing.T) {
	p, _ := newTestPaper(t)
	ctx := context.Background()

	// Place maker orders until one rests unfilled.
	var restingID string
	for i := 0; i < 50 && restingID == ""; i++ {
		resp, err := p.PlaceOrder(ctx, PlaceOrderRequest{
			ClientOrderID: "c3",
			Symbol:        "BTC-USD",
			Side:          OrderSideBuy,
			Type:          OrderTypePostOnlyLimit,
			Price:         99.90,
			SizeBase:      0.1,
		})
		require.NoError(t, err)
		require.True(t, resp.Success)
		open, err := p.ListOpenOrders(ctx)
		require.NoError(t, err)
		for _, o := range open {
			if o.OrderID == resp.OrderID {
				restingID = o.OrderID
			}
		}
	}
	require.NotEmpty(t, restingID, "expected at least one resting maker order")

	require.NoError(t, p.CancelOrder(ctx, restingID))

	open, err := p.ListOpenOrders(ctx)
	require.NoError(t, err)
	for _, o := range open {
		assert.NotEqual(t, restingID, o.OrderID)
	}

	// Cancel of an unknown order errors; batch cancel is tolerant.
	assert.Error(t, p.CancelOrder(ctx, restingID))
	assert.NoError(t, p.CancelOrders(ctx, []string{restingID, "nope"}))
}

func TestPaperRejectsZeroSize(t *testing.T) {
	p, _ := newTestPaper(t)

	resp, err := p.PlaceOrder(context.Background(), PlaceOrderRequest{
		ClientOrderID: "c4",
		Symbol:        "BTC-USD",
		Side:          OrderSideBuy,
		Type:          OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "INVALID_ORDER_CONFIGURATION", resp.ErrorResponse.ErrorCode)
}

func TestSlippageModelTiering(t *testing.T) {
	m := DefaultSlippageModel()

	t1 := m.SlippageBps(1, 1000, 0)
	t2 := m.SlippageBps(2, 1000, 0)
	t3 := m.SlippageBps(3, 1000, 0)
	assert.Less(t, t1, t2, "tier 1 tighter than tier 2")
	assert.Less(t, t2, t3, "tier 2 tighter than tier 3")

	// Impact grows with notional, capped at max.
	small := m.SlippageBps(1, 100, 0)
	huge := m.SlippageBps(1, 10_000_000, 0)
	assert.Less(t, small, huge)
	assert.LessOrEqual(t, huge, m.MaxSlippageBps)

	// Buy fills above mid, sell below.
	buy := m.FillPrice(OrderSideBuy, 100, 1, 1000, 0)
	sell := m.FillPrice(OrderSideSell, 100, 1, 1000, 0)
	assert.Greater(t, buy, 100.0)
	assert.Less(t, sell, 100.0)
}

func TestRetryTransientClassification(t *testing.T) {
	assert.True(t, IsRetryable(errString("request timeout")))
	assert.True(t, IsRetryable(errString("status 503: upstream unavailable")))
	assert.True(t, IsRetryable(errString("rate limit exceeded")))
	assert.False(t, IsRetryable(errString("status 400: INVALID_ORDER_CONFIGURATION")))
	assert.False(t, IsRetryable(nil))
}

func TestWithRetryRetriesOnce(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), RetryConfig{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  1,
	}, func() error {
		calls++
		if calls == 1 {
			return errString("timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return errString("status 400: bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors are not retried")
}

type errString string

func (e errString) Error() string { return string(e) }

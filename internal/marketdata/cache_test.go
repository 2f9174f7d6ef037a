package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/exchange"
)

// countingSource counts upstream hits so tests can assert cache usage.
type countingSource struct {
	quoteCalls  int
	candleCalls int
}

func (c *countingSource) ListProducts(ctx context.Context) ([]exchange.Product, error) {
	return nil, nil
}

func (c *countingSource) GetQuote(ctx context.Context, symbol string) (exchange.Quote, error) {
	c.quoteCalls++
	return exchange.Quote{Symbol: symbol, Bid: 99, Ask: 101, Mid: 100, Ts: time.Now()}, nil
}

func (c *countingSource) GetOrderBook(ctx context.Context, symbol string) (exchange.OrderBook, error) {
	return exchange.OrderBook{Symbol: symbol}, nil
}

func (c *countingSource) GetOHLCV(ctx context.Context, symbol, granularity string, start, end time.Time) ([]exchange.Candle, error) {
	c.candleCalls++
	return []exchange.Candle{{Start: start, Close: 100}}, nil
}

func TestCachingSourceMemory(t *testing.T) {
	src := &countingSource{}
	cached := NewCachingSource(src, NewMemoryCache(time.Minute, time.Minute))
	ctx := context.Background()

	q1, err := cached.GetQuote(ctx, "BTC-USD")
	require.NoError(t, err)
	q2, err := cached.GetQuote(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, q1.Mid, q2.Mid)
	assert.Equal(t, 1, src.quoteCalls, "second read served from cache")

	_, err = cached.GetQuote(ctx, "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, 2, src.quoteCalls, "different symbol misses")

	start := time.Now().Truncate(time.Hour)
	end := start.Add(time.Hour)
	_, err = cached.GetOHLCV(ctx, "BTC-USD", exchange.GranularityOneHour, start, end)
	require.NoError(t, err)
	_, err = cached.GetOHLCV(ctx, "BTC-USD", exchange.GranularityOneHour, start, end)
	require.NoError(t, err)
	assert.Equal(t, 1, src.candleCalls)

	// A different window is a different key.
	_, err = cached.GetOHLCV(ctx, "BTC-USD", exchange.GranularityOneHour, start, end.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, src.candleCalls)
}

func TestCachingSourceNilCachePassesThrough(t *testing.T) {
	src := &countingSource{}
	cached := NewCachingSource(src, nil)
	ctx := context.Background()

	_, err := cached.GetQuote(ctx, "BTC-USD")
	require.NoError(t, err)
	_, err = cached.GetQuote(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 2, src.quoteCalls)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cache, err := NewRedisCache(ctx, config.RedisConfig{Addr: mr.Addr(), TTLSecs: 5}, zerolog.Nop())
	require.NoError(t, err)
	defer cache.Close()

	_, ok := cache.GetQuote(ctx, "BTC-USD")
	assert.False(t, ok)

	cache.SetQuote(ctx, "BTC-USD", exchange.Quote{Symbol: "BTC-USD", Bid: 99, Ask: 101, Mid: 100})
	q, ok := cache.GetQuote(ctx, "BTC-USD")
	require.True(t, ok)
	assert.Equal(t, 100.0, q.Mid)

	// TTL expiry.
	mr.FastForward(6 * time.Second)
	_, ok = cache.GetQuote(ctx, "BTC-USD")
	assert.False(t, ok)

	key := CandleKey("ETH-USD", exchange.GranularityOneHour, time.Unix(1000, 0), time.Unix(4600, 0))
	cache.SetCandles(ctx, key, []exchange.Candle{{Close: 2000}, {Close: 2010}})
	candles, ok := cache.GetCandles(ctx, key)
	require.True(t, ok)
	assert.Len(t, candles, 2)
}

func TestRedisCacheUnavailableIsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	cache, err := NewRedisCache(ctx, config.RedisConfig{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)

	mr.Close()
	_, ok := cache.GetQuote(ctx, "BTC-USD")
	assert.False(t, ok, "dead cache degrades to miss, never errors the caller")
}

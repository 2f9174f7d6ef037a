// Package marketdata caches quotes and candles so that repeated reads
// within a cycle do not burn exchange rate-limit tokens. The default
// backend is in-process; a Redis backend can be enabled to share the
// cache across restarts.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/aelhadee/247trader/internal/exchange"
)

// Cache stores quotes and candle windows with a TTL.
type Cache interface {
	GetQuote(ctx context.Context, symbol string) (exchange.Quote, bool)
	SetQuote(ctx context.Context, symbol string, q exchange.Quote)
	GetCandles(ctx context.Context, key string) ([]exchange.Candle, bool)
	SetCandles(ctx context.Context, key string, candles []exchange.Candle)
}

// CandleKey builds the cache key for a candle window.
func CandleKey(symbol, granularity string, start, end time.Time) string {
	return fmt.Sprintf("candles:%s:%s:%d:%d", symbol, granularity, start.Unix(), end.Unix())
}

// CachingSource wraps a market data source with a read-through cache.
type CachingSource struct {
	source exchange.MarketDataSource
	cache  Cache
}

// NewCachingSource wraps src. A nil cache disables caching entirely.
func NewCachingSource(src exchange.MarketDataSource, cache Cache) *CachingSource {
	return &CachingSource{source: src, cache: cache}
}

// ListProducts implements exchange.MarketDataSource. Product lists are
// not cached; the universe builder already snapshots them per cycle.
func (c *CachingSource) ListProducts(ctx context.Context) ([]exchange.Product, error) {
	return c.source.ListProducts(ctx)
}

// GetQuote implements exchange.MarketDataSource.
func (c *CachingSource) GetQuote(ctx context.Context, symbol string) (exchange.Quote, error) {
	if c.cache != nil {
		if q, ok := c.cache.GetQuote(ctx, symbol); ok {
			return q, nil
		}
	}
	q, err := c.source.GetQuote(ctx, symbol)
	if err != nil {
		return exchange.Quote{}, err
	}
	if c.cache != nil {
		c.cache.SetQuote(ctx, symbol, q)
	}
	return q, nil
}

// GetOrderBook implements exchange.MarketDataSource. Books are never
// cached: depth goes stale faster than any useful TTL.
func (c *CachingSource) GetOrderBook(ctx context.Context, symbol string) (exchange.OrderBook, error) {
	return c.source.GetOrderBook(ctx, symbol)
}

// GetOHLCV implements exchange.MarketDataSource.
func (c *CachingSource) GetOHLCV(ctx context.Context, symbol, granularity string, start, end time.Time) ([]exchange.Candle, error) {
	key := CandleKey(symbol, granularity, start, end)
	if c.cache != nil {
		if candles, ok := c.cache.GetCandles(ctx, key); ok {
			return candles, nil
		}
	}
	candles, err := c.source.GetOHLCV(ctx, symbol, granularity, start, end)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.SetCandles(ctx, key, candles)
	}
	return candles, nil
}

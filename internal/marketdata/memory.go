package marketdata

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/aelhadee/247trader/internal/exchange"
)

// MemoryCache is the default in-process backend.
type MemoryCache struct {
	quotes  *gocache.Cache
	candles *gocache.Cache
}

// NewMemoryCache builds a memory cache. Quotes expire fast; candle
// windows are historical and can live longer.
func NewMemoryCache(quoteTTL, candleTTL time.Duration) *MemoryCache {
	if quoteTTL <= 0 {
		quoteTTL = 5 * time.Second
	}
	if candleTTL <= 0 {
		candleTTL = 5 * time.Minute
	}
	return &MemoryCache{
		quotes:  gocache.New(quoteTTL, time.Minute),
		candles: gocache.New(candleTTL, 10*time.Minute),
	}
}

// GetQuote implements Cache.
func (m *MemoryCache) GetQuote(_ context.Context, symbol string) (exchange.Quote, bool) {
	v, ok := m.quotes.Get(symbol)
	if !ok {
		return exchange.Quote{}, false
	}
	return v.(exchange.Quote), true
}

// SetQuote implements Cache.
func (m *MemoryCache) SetQuote(_ context.Context, symbol string, q exchange.Quote) {
	m.quotes.SetDefault(symbol, q)
}

// GetCandles implements Cache.
func (m *MemoryCache) GetCandles(_ context.Context, key string) ([]exchange.Candle, bool) {
	v, ok := m.candles.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]exchange.Candle), true
}

// SetCandles implements Cache.
func (m *MemoryCache) SetCandles(_ context.Context, key string, candles []exchange.Candle) {
	m.candles.SetDefault(key, candles)
}

package marketdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/exchange"
)

// RedisCache stores quotes and candles as JSON values with TTLs. Cache
// errors are logged and treated as misses; the exchange is always the
// source of truth.
type RedisCache struct {
	client   *redis.Client
	quoteTTL time.Duration
	log      zerolog.Logger
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	ttl := time.Duration(cfg.TTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisCache{
		client:   client,
		quoteTTL: ttl,
		log:      logger.With().Str("component", "marketdata_cache").Logger(),
	}, nil
}

// Close releases the connection pool.
func (r *RedisCache) Close() error { return r.client.Close() }

// GetQuote implements Cache.
func (r *RedisCache) GetQuote(ctx context.Context, symbol string) (exchange.Quote, bool) {
	data, err := r.client.Get(ctx, "quote:"+symbol).Bytes()
	if err == redis.Nil {
		return exchange.Quote{}, false
	}
	if err != nil {
		r.log.Warn().Err(err).Str("symbol", symbol).Msg("Quote cache read failed")
		return exchange.Quote{}, false
	}
	var q exchange.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return exchange.Quote{}, false
	}
	return q, true
}

// SetQuote implements Cache.
func (r *RedisCache) SetQuote(ctx context.Context, symbol string, q exchange.Quote) {
	data, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, "quote:"+symbol, data, r.quoteTTL).Err(); err != nil {
		r.log.Warn().Err(err).Str("symbol", symbol).Msg("Quote cache write failed")
	}
}

// GetCandles implements Cache.
func (r *RedisCache) GetCandles(ctx context.Context, key string) ([]exchange.Candle, bool) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.log.Warn().Err(err).Str("key", key).Msg("Candle cache read failed")
		}
		return nil, false
	}
	var candles []exchange.Candle
	if err := json.Unmarshal(data, &candles); err != nil {
		return nil, false
	}
	return candles, true
}

// SetCandles implements Cache. Candle windows are keyed by their exact
// range, so a longer TTL is safe.
func (r *RedisCache) SetCandles(ctx context.Context, key string, candles []exchange.Candle) {
	data, err := json.Marshal(candles)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, key, data, 5*time.Minute).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Candle cache write failed")
	}
}

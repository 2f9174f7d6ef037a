package universe

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aelhadee/247trader/internal/exchange"
)

// RegimeDetector classifies the market from breadth (share of tracked
// assets up over 24h) and a NAV-weighted index return over the majors.
type RegimeDetector struct {
	source  exchange.MarketDataSource
	log     zerolog.Logger
	weights map[string]float64
}

// NewRegimeDetector uses a fixed BTC/ETH-heavy index; the long tail
// contributes through breadth, not the index.
func NewRegimeDetector(source exchange.MarketDataSource, logger zerolog.Logger) *RegimeDetector {
	return &RegimeDetector{
		source: source,
		log:    logger.With().Str("component", "regime").Logger(),
		weights: map[string]float64{
			"BTC-USD": 0.6,
			"ETH-USD": 0.3,
			"SOL-USD": 0.1,
		},
	}
}

// Detect computes the current regime. symbols is the candidate universe
// used for breadth. On data failure it returns chop: the most defensive
// regime that still trades.
func (d *RegimeDetector) Detect(ctx context.Context, symbols []string) Regime {
	indexRet24h, indexRet4h, ok := d.indexReturns(ctx)
	if !ok {
		d.log.Warn().Msg("Index returns unavailable, defaulting to chop")
		return RegimeChop
	}

	breadth := d.breadth(ctx, symbols)

	regime := classify(indexRet24h, indexRet4h, breadth)
	d.log.Info().
		Float64("index_return_24h_pct", indexRet24h).
		Float64("index_return_4h_pct", indexRet4h).
		Float64("breadth", breadth).
		Str("regime", string(regime)).
		Msg("Regime detected")
	return regime
}

// classify applies the threshold rules.
func classify(ret24h, ret4h, breadth float64) Regime {
	switch {
	case ret24h <= -8.0 || ret4h <= -5.0:
		return RegimeCrash
	case ret24h >= 3.0 && breadth >= 0.6:
		return RegimeBull
	case ret24h <= -3.0 && breadth <= 0.4:
		return RegimeBear
	default:
		return RegimeChop
	}
}

// indexReturns computes weighted 24h and 4h index returns in percent.
func (d *RegimeDetector) indexReturns(ctx context.Context) (ret24h, ret4h float64, ok bool) {
	end := time.Now()
	start := end.Add(-25 * time.Hour)

	totalWeight := 0.0
	for symbol, weight := range d.weights {
		candles, err := d.source.GetOHLCV(ctx, symbol, exchange.GranularityOneHour, start, end)
		if err != nil || len(candles) < 5 {
			d.log.Warn().Err(err).Str("symbol", symbol).Msg("Missing index candles")
			continue
		}
		last := candles[len(candles)-1].Close
		first := candles[0].Close
		fourHrAgo := candles[len(candles)-5].Close
		if first <= 0 || fourHrAgo <= 0 || last <= 0 {
			continue
		}
		ret24h += weight * ((last - first) / first * 100)
		ret4h += weight * ((last - fourHrAgo) / fourHrAgo * 100)
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0, 0, false
	}
	return ret24h / totalWeight, ret4h / totalWeight, true
}

// breadth is the fraction of symbols up over the last 24h. Symbols with
// missing data are skipped; an all-missing set counts as neutral.
func (d *RegimeDetector) breadth(ctx context.Context, symbols []string) float64 {
	end := time.Now()
	start := end.Add(-25 * time.Hour)

	up, counted := 0, 0
	for _, symbol := range symbols {
		candles, err := d.source.GetOHLCV(ctx, symbol, exchange.GranularityOneHour, start, end)
		if err != nil || len(candles) < 2 {
			continue
		}
		first := candles[0].Close
		last := candles[len(candles)-1].Close
		if first <= 0 {
			continue
		}
		counted++
		if last > first {
			up++
		}
	}
	if counted == 0 {
		return 0.5
	}
	return float64(up) / float64(counted)
}

package signals

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/state"
	"github.com/aelhadee/247trader/internal/universe"
)

// bars builds n 15-minute candles at a flat price and volume.
func bars(n int, price, volume float64) []exchange.Candle {
	out := make([]exchange.Candle, n)
	start := time.Now().Add(-time.Duration(n) * 15 * time.Minute)
	for i := range out {
		out[i] = exchange.Candle{
			Start:  start.Add(time.Duration(i) * 15 * time.Minute),
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
			Volume: volume,
		}
	}
	return out
}

func chopThresholds() map[universe.Regime]config.RegimeThresholds {
	return map[universe.Regime]config.RegimeThresholds{
		universe.RegimeChop: {Move15mPct: 2.0, Move60mPct: 4.0, VolumeRatio: 1.9},
		universe.RegimeBull: {Move15mPct: 3.5, Move60mPct: 7.0, VolumeRatio: 2.0},
		universe.RegimeBear: {Move15mPct: 3.0, Move60mPct: 7.0, VolumeRatio: 2.0},
	}
}

func TestOutlierGuardRejectsBadPrint(t *testing.T) {
	guard := NewOutlierGuard(config.OutlierConfig{WindowBars: 20, MaxDeviationPct: 10, MinVolumeRatio: 0.1})

	candles := bars(21, 100, 1000)
	// 15% spike on 5% of normal volume: classic bad print.
	candles[20].Close = 115
	candles[20].Volume = 50
	assert.Error(t, guard.Check(candles))

	// Same spike on real volume passes.
	candles[20].Volume = 5000
	assert.NoError(t, guard.Check(candles))

	// Large volume drop alone passes.
	candles[20].Close = 101
	candles[20].Volume = 50
	assert.NoError(t, guard.Check(candles))
}

func TestOutlierGuardRejectsZeroAverages(t *testing.T) {
	guard := NewOutlierGuard(config.OutlierConfig{})
	assert.Error(t, guard.Check(bars(21, 0, 1000)), "zero average price")
	assert.Error(t, guard.Check(bars(21, 100, 0)), "zero average volume")
	assert.Error(t, guard.Check(bars(5, 100, 1000)), "too few bars")
}

func TestPriceMoveFiresInChop(t *testing.T) {
	sig := NewPriceMove(chopThresholds())
	asset := universe.Asset{Symbol: "SOL-USD"}

	candles := bars(96, 100, 1000)
	// 60m move: close 5% above 4 bars ago; 15m move: 2.5% over last bar.
	candles[91].Close = 100
	candles[92].Close = 101
	candles[93].Close = 102
	candles[94].Close = 102.4
	candles[95].Close = 105
	candles[95].Volume = 2500 // 2.5x trailing average

	trigger := sig.Scan(asset, candles, universe.RegimeChop)
	require.NotNil(t, trigger)
	assert.Equal(t, TriggerPriceMove, trigger.Type)
	assert.Equal(t, DirectionUp, trigger.Direction)
	assert.Greater(t, trigger.Confidence, 0.5)

	// Same move in bull misses the higher 3.5%/7.0% bars.
	assert.Nil(t, sig.Scan(asset, candles, universe.RegimeBull))
}

func TestPriceMoveRequiresVolume(t *testing.T) {
	sig := NewPriceMove(chopThresholds())
	candles := bars(96, 100, 1000)
	candles[91].Close = 100
	candles[95].Close = 105
	candles[95].Volume = 1200 // only 1.2x

	assert.Nil(t, sig.Scan(universe.Asset{Symbol: "SOL-USD"}, candles, universe.RegimeChop))
}

func TestMomentumFiresOnSustainedTrend(t *testing.T) {
	sig := NewMomentum(12)
	candles := bars(96, 100, 1000)
	// Steady climb over the last 48 bars with rising volume.
	for i := 48; i < 96; i++ {
		candles[i].Close = 100 + float64(i-48)*0.1
		candles[i].Volume = 1000 + float64(i-48)*30
	}

	trigger := sig.Scan(universe.Asset{Symbol: "BTC-USD"}, candles, universe.RegimeBull)
	require.NotNil(t, trigger)
	assert.Equal(t, DirectionUp, trigger.Direction)
	assert.GreaterOrEqual(t, trigger.Confidence, 0.65)
}

func TestMomentumRejectsFlatVolume(t *testing.T) {
	sig := NewMomentum(12)
	candles := bars(96, 100, 1000)
	for i := 48; i < 96; i++ {
		candles[i].Close = 100 + float64(i-48)*0.1 // trend without volume
	}
	assert.Nil(t, sig.Scan(universe.Asset{Symbol: "BTC-USD"}, candles, universe.RegimeBull))
}

func TestMeanReversionFiresOnExhaustedStretch(t *testing.T) {
	sig := NewMeanReversion(3.0)
	candles := bars(96, 100, 1000)
	// Stretch up ~5% with decelerating steps and fading volume.
	candles[93].Close = 104.0
	candles[94].Close = 104.8
	candles[95].Close = 105.2
	for i := 92; i < 96; i++ {
		candles[i].Volume = 300
	}

	trigger := sig.Scan(universe.Asset{Symbol: "ETH-USD"}, candles, universe.RegimeChop)
	require.NotNil(t, trigger)
	assert.Equal(t, TriggerMeanReversion, trigger.Type)
	assert.Equal(t, DirectionDown, trigger.Direction, "fade the stretch")
}

func TestMeanReversionChopOnly(t *testing.T) {
	sig := NewMeanReversion(3.0)
	assert.Equal(t, []universe.Regime{universe.RegimeChop}, sig.AllowedRegimes())
}

// candleSource serves one fixed candle window for every symbol.
type candleSource struct {
	candles []exchange.Candle
}

func (c *candleSource) ListProducts(ctx context.Context) ([]exchange.Product, error) {
	return nil, nil
}
func (c *candleSource) GetQuote(ctx context.Context, symbol string) (exchange.Quote, error) {
	return exchange.Quote{}, nil
}
func (c *candleSource) GetOrderBook(ctx context.Context, symbol string) (exchange.OrderBook, error) {
	return exchange.OrderBook{}, nil
}
func (c *candleSource) GetOHLCV(ctx context.Context, symbol, granularity string, start, end time.Time) ([]exchange.Candle, error) {
	return c.candles, nil
}

func newEngineWithStore(t *testing.T, cfg config.SignalsConfig, src exchange.MarketDataSource) (*Engine, *state.Store) {
	t.Helper()
	backend, err := state.NewFileBackend(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	store, err := state.NewStore(context.Background(), backend, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	return NewEngine(cfg, src, store, zerolog.Nop()), store
}

func signalsConfig() config.SignalsConfig {
	return config.SignalsConfig{
		Enabled: []string{"price_move"},
		PriceMove: map[string]config.RegimeThresholds{
			"chop": {Move15mPct: 2.0, Move60mPct: 4.0, VolumeRatio: 1.9},
			"bull": {Move15mPct: 3.5, Move60mPct: 7.0, VolumeRatio: 2.0},
			"bear": {Move15mPct: 3.0, Move60mPct: 7.0, VolumeRatio: 2.0},
		},
		Outlier: config.OutlierConfig{WindowBars: 20, MaxDeviationPct: 10, MinVolumeRatio: 0.1},
		AutoTune: config.AutoTuneConfig{
			Enabled:           true,
			ZeroTriggerCycles: 3,
			Move15mDelta:      0.5,
			Move60mDelta:      1.0,
			Floor15mPct:       1.2,
			Floor60mPct:       2.5,
		},
	}
}

func chopSnapshot() *universe.Snapshot {
	return &universe.Snapshot{
		Regime: universe.RegimeChop,
		Tiers:  map[int][]universe.Asset{1: {{Symbol: "BTC-USD", Tier: 1, Eligible: true}}},
	}
}

func TestEngineAutoTuneOneShot(t *testing.T) {
	src := &candleSource{candles: bars(96, 100, 1000)} // flat: never triggers
	engine, store := newEngineWithStore(t, signalsConfig(), src)
	ctx := context.Background()
	snap := chopSnapshot()

	for i := 0; i < 3; i++ {
		assert.Empty(t, engine.Scan(ctx, snap))
	}

	tuned := engine.ChopThresholds()
	assert.InDelta(t, 1.5, tuned.Move15mPct, 1e-9)
	assert.InDelta(t, 3.0, tuned.Move60mPct, 1e-9)
	assert.True(t, store.Snapshot().AutoTuneApplied)

	// More zero-trigger cycles never tune twice.
	for i := 0; i < 5; i++ {
		engine.Scan(ctx, snap)
	}
	assert.InDelta(t, 1.5, engine.ChopThresholds().Move15mPct, 1e-9)
}

func TestEngineAutoTuneRespectsFloors(t *testing.T) {
	cfg := signalsConfig()
	cfg.AutoTune.Move15mDelta = 5.0
	cfg.AutoTune.Move60mDelta = 5.0
	src := &candleSource{candles: bars(96, 100, 1000)}
	engine, _ := newEngineWithStore(t, cfg, src)
	snap := chopSnapshot()

	for i := 0; i < 3; i++ {
		engine.Scan(context.Background(), snap)
	}
	tuned := engine.ChopThresholds()
	assert.InDelta(t, 1.2, tuned.Move15mPct, 1e-9)
	assert.InDelta(t, 2.5, tuned.Move60mPct, 1e-9)
}

func TestEngineResetsCounterOnTrigger(t *testing.T) {
	candles := bars(96, 100, 1000)
	candles[91].Close = 100
	candles[94].Close = 102.4
	candles[95].Close = 105
	candles[95].Volume = 2500
	src := &candleSource{candles: candles}
	engine, store := newEngineWithStore(t, signalsConfig(), src)

	triggers := engine.Scan(context.Background(), chopSnapshot())
	require.NotEmpty(t, triggers)
	assert.Equal(t, 0, store.Snapshot().ZeroTriggerCycles)
	assert.False(t, store.Snapshot().AutoTuneApplied)
}

func TestEngineRegimeConfidenceAdjust(t *testing.T) {
	assert.Greater(t, regimeConfidenceAdjust(universe.RegimeBull, DirectionUp), 0.0)
	assert.Less(t, regimeConfidenceAdjust(universe.RegimeBull, DirectionDown), 0.0)
	assert.Greater(t, regimeConfidenceAdjust(universe.RegimeBear, DirectionDown), 0.0)
	assert.Equal(t, 0.0, regimeConfidenceAdjust(universe.RegimeChop, DirectionUp))
}

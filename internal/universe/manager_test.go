package universe

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader/internal/alerts"
	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/state"
)

// fakeMarket serves configurable product and quote data.
type fakeMarket struct {
	mu       sync.Mutex
	products []exchange.Product
	quotes   map[string]exchange.Quote
	depth    map[string]float64
	candles  map[string][]exchange.Candle
}

func (f *fakeMarket) ListProducts(ctx context.Context) ([]exchange.Product, error) {
	return f.products, nil
}

func (f *fakeMarket) GetQuote(ctx context.Context, symbol string) (exchange.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quotes[symbol], nil
}

func (f *fakeMarket) GetOrderBook(ctx context.Context, symbol string) (exchange.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.depth[symbol]
	return exchange.OrderBook{
		Symbol: symbol,
		Bids:   []exchange.BookLevel{{Price: 1, Size: d / 2}},
		Asks:   []exchange.BookLevel{{Price: 1, Size: d / 2}},
	}, nil
}

func (f *fakeMarket) GetOHLCV(ctx context.Context, symbol, granularity string, start, end time.Time) ([]exchange.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candles[symbol], nil
}

// capSink records alert titles.
type capSink struct {
	mu     sync.Mutex
	titles []string
}

func (c *capSink) Send(_ context.Context, a alerts.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, a.Title)
	return nil
}

func (c *capSink) has(title string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.titles {
		if t == title {
			return true
		}
	}
	return false
}

func goodQuote(symbol string, mid float64) exchange.Quote {
	spread := mid * 0.0010 // 10 bps
	return exchange.Quote{Symbol: symbol, Bid: mid - spread/2, Ask: mid + spread/2, Mid: mid, Ts: time.Now()}
}

func testUniverseConfig() config.UniverseConfig {
	return config.UniverseConfig{
		Tiers: map[string]config.TierConfig{
			"1": {Products: []string{"BTC-USD", "ETH-USD"}, MaxSpreadBps: 20, MinDepthUSD: 50000, MinVolume24hUSD: 50_000_000},
			"2": {Products: []string{"SOL-USD"}, MaxSpreadBps: 35, MinDepthUSD: 15000, MinVolume24hUSD: 5_000_000},
			"3": {Products: []string{"PEPE-USD"}, MaxSpreadBps: 60, MinDepthUSD: 5000, MinVolume24hUSD: 1_000_000},
		},
		NeverTrade:              []string{"USDC-USD"},
		MinEligibleAssets:       2,
		RequiredDepthMultiplier: 2.0,
		SnapshotTTLSeconds:      60,
		EligibleGraceCycles:     2,
		IneligibleGraceCycles:   2,
		QuoteFetchWorkers:       5,
		ChopSpreadLoosenPct:     25,
	}
}

func newTestManager(t *testing.T, cfg config.UniverseConfig, market *fakeMarket) (*Manager, *capSink, *state.Store) {
	t.Helper()
	backend, err := state.NewFileBackend(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	store, err := state.NewStore(context.Background(), backend, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	sink := &capSink{}
	alerter := alerts.NewManager(alerts.DefaultConfig(), zerolog.Nop(), []alerts.Sink{sink}, nil)
	return NewManager(cfg, market, store, alerter, zerolog.Nop()), sink, store
}

func healthyMarket() *fakeMarket {
	return &fakeMarket{
		products: []exchange.Product{
			{Symbol: "BTC-USD", Status: exchange.ProductStatusOnline, Volume24h: 1e9},
			{Symbol: "ETH-USD", Status: exchange.ProductStatusOnline, Volume24h: 5e8},
			{Symbol: "SOL-USD", Status: exchange.ProductStatusOnline, Volume24h: 1e8},
			{Symbol: "PEPE-USD", Status: exchange.ProductStatusOnline, Volume24h: 2e6},
		},
		quotes: map[string]exchange.Quote{
			"BTC-USD":  goodQuote("BTC-USD", 50000),
			"ETH-USD":  goodQuote("ETH-USD", 3000),
			"SOL-USD":  goodQuote("SOL-USD", 150),
			"PEPE-USD": goodQuote("PEPE-USD", 0.001),
		},
		depth: map[string]float64{"BTC-USD": 200000, "ETH-USD": 120000, "SOL-USD": 40000, "PEPE-USD": 12000},
	}
}

func TestBuildHealthyUniverse(t *testing.T) {
	m, _, _ := newTestManager(t, testUniverseConfig(), healthyMarket())

	snap, err := m.Build(context.Background(), RegimeBull, 500)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.EligibleCount())
	assert.Len(t, snap.Tiers[1], 2)
	assert.Len(t, snap.Tiers[2], 1)
	assert.Len(t, snap.Tiers[3], 1)

	// No symbol is in two tiers, eligible and excluded are disjoint.
	seen := map[string]bool{}
	for _, a := range snap.Eligible() {
		assert.False(t, seen[a.Symbol])
		seen[a.Symbol] = true
		assert.NotContains(t, snap.Excluded, a.Symbol)
	}
}

func TestCrashRegimeEmptiesUniverse(t *testing.T) {
	m, sink, _ := newTestManager(t, testUniverseConfig(), healthyMarket())

	snap, err := m.Build(context.Background(), RegimeCrash, 500)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.EligibleCount())
	assert.False(t, sink.has("empty_universe"), "crash emptiness is intentional, not alertable")
}

func TestSpreadFilterAndChopLoosening(t *testing.T) {
	market := healthyMarket()
	// 22 bps spread: over the tier-1 cap of 20, within the chop-loosened 25.
	mid := 50000.0
	spread := mid * 0.0022
	market.quotes["BTC-USD"] = exchange.Quote{Symbol: "BTC-USD", Bid: mid - spread/2, Ask: mid + spread/2, Mid: mid}

	m, _, _ := newTestManager(t, testUniverseConfig(), market)
	snap, err := m.Build(context.Background(), RegimeBull, 500)
	require.NoError(t, err)
	_, ok := snap.Lookup("BTC-USD")
	assert.False(t, ok, "spread filter rejects in bull")
	assert.Contains(t, snap.Excluded["BTC-USD"], "spread")

	m2, _, _ := newTestManager(t, testUniverseConfig(), market)
	snap2, err := m2.Build(context.Background(), RegimeChop, 500)
	require.NoError(t, err)
	_, ok = snap2.Lookup("BTC-USD")
	assert.True(t, ok, "chop loosens the spread cap")
}

func TestProductStatusBlocksEvenForced(t *testing.T) {
	market := healthyMarket()
	market.products[0].Status = exchange.ProductStatusCancelOnly // BTC-USD

	cfg := testUniverseConfig()
	cfg.ForceEligibleSymbols = []string{"BTC-USD"}
	m, _, _ := newTestManager(t, cfg, market)

	snap, err := m.Build(context.Background(), RegimeBull, 500)
	require.NoError(t, err)
	_, ok := snap.Lookup("BTC-USD")
	assert.False(t, ok, "force-eligible never overrides product status")
	assert.Equal(t, "product_status", snap.Excluded["BTC-USD"])
}

func TestForceEligibleBypassesLiquidityGates(t *testing.T) {
	market := healthyMarket()
	market.depth["SOL-USD"] = 100 // fails depth badly

	cfg := testUniverseConfig()
	cfg.ForceEligibleSymbols = []string{"SOL-USD"}
	m, _, _ := newTestManager(t, cfg, market)

	snap, err := m.Build(context.Background(), RegimeBull, 500)
	require.NoError(t, err)
	_, ok := snap.Lookup("SOL-USD")
	assert.True(t, ok)
}

func TestRedFlagBanExcludesUntilExpiry(t *testing.T) {
	market := healthyMarket()
	m, _, store := newTestManager(t, testUniverseConfig(), market)
	store.AddBan("SOL-USD", "exploit_report", time.Hour)

	snap, err := m.Build(context.Background(), RegimeBull, 500)
	require.NoError(t, err)
	_, ok := snap.Lookup("SOL-USD")
	assert.False(t, ok)
	assert.Contains(t, snap.Excluded["SOL-USD"], "red_flag_ban")
}

func TestHaltedProductGetsTemporaryBan(t *testing.T) {
	market := healthyMarket()
	market.products[2].Status = exchange.ProductStatusOffline // SOL-USD

	cfg := testUniverseConfig()
	cfg.TemporaryBanHours = 2
	m, _, store := newTestManager(t, cfg, market)

	snap, err := m.Build(context.Background(), RegimeBull, 500)
	require.NoError(t, err)
	_, ok := snap.Lookup("SOL-USD")
	assert.False(t, ok)

	bans := store.ActiveBans(time.Now())
	ban, banned := bans["SOL-USD"]
	require.True(t, banned, "halted product is flagged, not just filtered")
	assert.Contains(t, ban.Reason, "trading_halted")
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), ban.ExpiresAt, time.Minute)

	// The ban holds even after the status flaps back online.
	market.products[2].Status = exchange.ProductStatusOnline
	snap2, err := m.Build(context.Background(), RegimeChop, 500)
	require.NoError(t, err)
	_, ok = snap2.Lookup("SOL-USD")
	assert.False(t, ok)
	assert.Contains(t, snap2.Excluded["SOL-USD"], "red_flag_ban")
}

func TestFlagRecordsOperatorBan(t *testing.T) {
	m, _, store := newTestManager(t, testUniverseConfig(), healthyMarket())

	m.Flag("ETH-USD", "exploit_report")

	bans := store.ActiveBans(time.Now())
	ban, banned := bans["ETH-USD"]
	require.True(t, banned)
	assert.Equal(t, "exploit_report", ban.Reason)
	// Unset temporary_ban_hours falls back to a day.
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), ban.ExpiresAt, time.Minute)

	snap, err := m.Build(context.Background(), RegimeBull, 500)
	require.NoError(t, err)
	_, ok := snap.Lookup("ETH-USD")
	assert.False(t, ok)
}

func TestEmptyUniverseAlert(t *testing.T) {
	market := healthyMarket()
	for s := range market.depth {
		market.depth[s] = 0
	}
	m, sink, _ := newTestManager(t, testUniverseConfig(), market)

	snap, err := m.Build(context.Background(), RegimeBull, 500)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.EligibleCount())
	assert.True(t, sink.has("empty_universe"))
}

func TestSnapshotCachedUntilRegimeChange(t *testing.T) {
	market := healthyMarket()
	m, _, _ := newTestManager(t, testUniverseConfig(), market)
	ctx := context.Background()

	snap1, err := m.Build(ctx, RegimeBull, 500)
	require.NoError(t, err)

	// Degrade the market; the cached snapshot hides it.
	market.mu.Lock()
	market.depth["BTC-USD"] = 0
	market.mu.Unlock()

	snap2, err := m.Build(ctx, RegimeBull, 500)
	require.NoError(t, err)
	assert.Same(t, snap1, snap2)

	// Regime change forces a rebuild.
	snap3, err := m.Build(ctx, RegimeChop, 500)
	require.NoError(t, err)
	assert.NotSame(t, snap1, snap3)
	_, ok := snap3.Lookup("BTC-USD")
	assert.False(t, ok)
}

func TestHysteresisSmoothsFlapping(t *testing.T) {
	market := healthyMarket()
	cfg := testUniverseConfig()
	cfg.SnapshotTTLSeconds = 1
	m, _, _ := newTestManager(t, cfg, market)
	ctx := context.Background()

	build := func(regime Regime) *Snapshot {
		// Alternate regimes to bypass the snapshot cache between cycles.
		snap, err := m.Build(ctx, regime, 500)
		require.NoError(t, err)
		return snap
	}

	snap := build(RegimeBull)
	_, ok := snap.Lookup("ETH-USD")
	require.True(t, ok)

	// One bad cycle: still eligible (demotion needs 2 consecutive).
	market.mu.Lock()
	market.depth["ETH-USD"] = 0
	market.mu.Unlock()
	snap = build(RegimeChop)
	_, ok = snap.Lookup("ETH-USD")
	assert.True(t, ok, "grace cycle before demotion")

	// Second consecutive bad cycle demotes.
	snap = build(RegimeBull)
	_, ok = snap.Lookup("ETH-USD")
	assert.False(t, ok)

	// Recovery also needs 2 consecutive good cycles.
	market.mu.Lock()
	market.depth["ETH-USD"] = 120000
	market.mu.Unlock()
	snap = build(RegimeChop)
	_, ok = snap.Lookup("ETH-USD")
	assert.False(t, ok, "grace cycle before promotion")
	snap = build(RegimeBull)
	_, ok = snap.Lookup("ETH-USD")
	assert.True(t, ok)
}

func TestNeverTradeExcluded(t *testing.T) {
	market := healthyMarket()
	cfg := testUniverseConfig()
	cfg.Tiers["1"] = config.TierConfig{
		Products:        append(cfg.Tiers["1"].Products, "USDC-USD"),
		MaxSpreadBps:    20,
		MinDepthUSD:     50000,
		MinVolume24hUSD: 50_000_000,
	}
	m, _, _ := newTestManager(t, cfg, market)

	snap, err := m.Build(context.Background(), RegimeBull, 500)
	require.NoError(t, err)
	assert.Equal(t, "never_trade", snap.Excluded["USDC-USD"])
}

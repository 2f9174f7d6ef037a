package universe

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aelhadee/247trader/internal/alerts"
	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/state"
)

const snapshotCacheKey = "snapshot"

// Manager produces the per-cycle universe snapshot.
type Manager struct {
	cfg     config.UniverseConfig
	source  exchange.MarketDataSource
	store   *state.Store
	alerter *alerts.Manager
	log     zerolog.Logger

	cache      *gocache.Cache
	lastRegime Regime

	// Hysteresis streaks, in-memory only: a restart re-evaluates from
	// scratch, which errs toward the current filter verdict.
	eligibleNow      map[string]bool
	eligibleStreak   map[string]int
	ineligibleStreak map[string]int
}

// NewManager builds a universe manager.
func NewManager(cfg config.UniverseConfig, source exchange.MarketDataSource, store *state.Store, alerter *alerts.Manager, logger zerolog.Logger) *Manager {
	ttl := time.Duration(cfg.SnapshotTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Manager{
		cfg:              cfg,
		source:           source,
		store:            store,
		alerter:          alerter,
		log:              logger.With().Str("component", "universe").Logger(),
		cache:            gocache.New(ttl, 2*ttl),
		eligibleNow:      make(map[string]bool),
		eligibleStreak:   make(map[string]int),
		ineligibleStreak: make(map[string]int),
	}
}

// Flag records a red-flag ban for the symbol with the configured
// temporary ban window. The status detector calls it when an exchange
// halts a product; operator tooling can call it directly.
func (m *Manager) Flag(symbol, reason string) {
	ttl := time.Duration(m.cfg.TemporaryBanHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	m.store.AddBan(symbol, reason, ttl)
	m.log.Warn().
		Str("symbol", symbol).
		Str("reason", reason).
		Dur("ttl", ttl).
		Msg("Red flag ban recorded")
}

// CandidateSymbols returns all configured symbols before filtering, for
// breadth calculations.
func (m *Manager) CandidateSymbols() []string {
	var out []string
	for _, tierCfg := range m.cfg.Tiers {
		out = append(out, tierCfg.Products...)
	}
	sort.Strings(out)
	return out
}

// Build returns the universe snapshot for the given regime, serving a
// cached one when fresh. A regime change invalidates the cache.
func (m *Manager) Build(ctx context.Context, regime Regime, targetOrderNotional float64) (*Snapshot, error) {
	if regime != m.lastRegime {
		m.cache.Delete(snapshotCacheKey)
		m.lastRegime = regime
	} else if v, ok := m.cache.Get(snapshotCacheKey); ok {
		return v.(*Snapshot), nil
	}

	snap, err := m.build(ctx, regime, targetOrderNotional)
	if err != nil {
		return nil, err
	}
	m.cache.SetDefault(snapshotCacheKey, snap)

	if snap.EligibleCount() < m.cfg.MinEligibleAssets && regime != RegimeCrash {
		m.alerter.Critical(ctx, "empty_universe",
			fmt.Sprintf("only %d eligible assets (minimum %d)", snap.EligibleCount(), m.cfg.MinEligibleAssets),
			map[string]interface{}{"regime": string(regime)})
	}
	return snap, nil
}

func (m *Manager) build(ctx context.Context, regime Regime, targetOrderNotional float64) (*Snapshot, error) {
	snap := &Snapshot{
		Timestamp: time.Now(),
		Regime:    regime,
		Tiers:     make(map[int][]Asset),
		Excluded:  make(map[string]string),
	}

	// Crash regime trades nothing.
	if regime == RegimeCrash {
		m.log.Warn().Msg("Crash regime, universe emptied")
		return snap, nil
	}

	never := toSet(m.cfg.NeverTrade)
	excluded := toSet(m.cfg.ExcludedSymbols)
	forced := toSet(m.cfg.ForceEligibleSymbols)
	bans := m.store.ActiveBans(time.Now())

	products, err := m.source.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	productBySymbol := make(map[string]exchange.Product, len(products))
	for _, p := range products {
		productBySymbol[p.Symbol] = p
	}

	type candidate struct {
		symbol string
		tier   int
	}
	var candidates []candidate
	for tierKey, tierCfg := range m.cfg.Tiers {
		tier, err := strconv.Atoi(tierKey)
		if err != nil {
			continue
		}
		for _, symbol := range tierCfg.Products {
			switch {
			case never[symbol]:
				snap.Excluded[symbol] = "never_trade"
			case excluded[symbol]:
				snap.Excluded[symbol] = "excluded"
			default:
				if ban, banned := bans[symbol]; banned {
					snap.Excluded[symbol] = "red_flag_ban: " + ban.Reason
					continue
				}
				candidates = append(candidates, candidate{symbol: symbol, tier: tier})
			}
		}
	}

	// Bounded-parallel quote + depth fetch.
	workers := m.cfg.QuoteFetchWorkers
	if workers <= 0 || workers > 5 {
		workers = 5
	}
	results := make([]Asset, len(candidates))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, c := range candidates {
		g.Go(func() error {
			asset := m.evaluate(gctx, c.symbol, c.tier, regime, targetOrderNotional, productBySymbol[c.symbol])
			mu.Lock()
			results[i] = asset
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, asset := range results {
		if forced[asset.Symbol] && !asset.Eligible {
			// Core assets bypass liquidity gates, never status blocks.
			if asset.IneligibleReason != "product_status" && asset.IneligibleReason != "quote_unavailable" {
				asset.Eligible = true
				asset.IneligibleReason = ""
			}
		}

		eligible := m.applyHysteresis(asset.Symbol, asset.Eligible)
		if eligible {
			asset.Eligible = true
			asset.IneligibleReason = ""
			snap.Tiers[asset.Tier] = append(snap.Tiers[asset.Tier], asset)
		} else {
			reason := asset.IneligibleReason
			if reason == "" {
				reason = "awaiting_promotion"
			}
			snap.Excluded[asset.Symbol] = reason
		}
	}
	for tier := range snap.Tiers {
		sort.Slice(snap.Tiers[tier], func(i, j int) bool {
			return snap.Tiers[tier][i].Symbol < snap.Tiers[tier][j].Symbol
		})
	}

	m.log.Info().
		Int("eligible", snap.EligibleCount()).
		Int("excluded", len(snap.Excluded)).
		Str("regime", string(regime)).
		Msg("Universe built")
	return snap, nil
}

// evaluate runs the liquidity filters for one symbol.
func (m *Manager) evaluate(ctx context.Context, symbol string, tier int, regime Regime, targetOrderNotional float64, product exchange.Product) Asset {
	asset := Asset{
		Symbol:       symbol,
		Tier:         tier,
		Volume24hUSD: product.Volume24h,
		LotSize:      product.LotSize,
		TickSize:     product.TickSize,
		MinNotional:  product.MinNotional,
	}
	tierCfg := m.cfg.Tiers[strconv.Itoa(tier)]

	if !product.Status.Tradable() {
		// A halt or delist keeps the symbol out for the full ban window
		// even if the status flaps back. POST_ONLY and LIMIT_ONLY are
		// restrictions, not red flags.
		if product.Status == exchange.ProductStatusOffline || product.Status == exchange.ProductStatusCancelOnly {
			m.Flag(symbol, "trading_halted: "+string(product.Status))
		}
		asset.IneligibleReason = "product_status"
		return asset
	}

	quote, err := m.source.GetQuote(ctx, symbol)
	if err != nil || quote.Mid <= 0 {
		asset.IneligibleReason = "quote_unavailable"
		return asset
	}
	asset.Price = quote.Mid
	asset.SpreadBps = quote.SpreadBps()

	book, err := m.source.GetOrderBook(ctx, symbol)
	if err == nil {
		asset.TopDepthUSD = book.TopDepthUSD()
	}

	maxSpread := tierCfg.MaxSpreadBps
	if regime == RegimeChop && m.cfg.ChopSpreadLoosenPct > 0 {
		maxSpread *= 1 + m.cfg.ChopSpreadLoosenPct/100
	}
	minDepth := tierCfg.MinDepthUSD
	if required := m.cfg.RequiredDepthMultiplier * targetOrderNotional; required > minDepth {
		minDepth = required
	}

	switch {
	case asset.SpreadBps > maxSpread:
		asset.IneligibleReason = fmt.Sprintf("spread %.1fbps > %.1fbps", asset.SpreadBps, maxSpread)
	case asset.TopDepthUSD < minDepth:
		asset.IneligibleReason = fmt.Sprintf("depth $%.0f < $%.0f", asset.TopDepthUSD, minDepth)
	case asset.Volume24hUSD < tierCfg.MinVolume24hUSD:
		asset.IneligibleReason = fmt.Sprintf("volume $%.0f < $%.0f", asset.Volume24hUSD, tierCfg.MinVolume24hUSD)
	default:
		asset.Eligible = true
	}
	return asset
}

// applyHysteresis smooths flapping: demotion and promotion both require
// a streak of consecutive cycles agreeing with the new verdict.
func (m *Manager) applyHysteresis(symbol string, passesNow bool) bool {
	current, known := m.eligibleNow[symbol]
	if !known {
		// First sighting takes the filter verdict directly.
		m.eligibleNow[symbol] = passesNow
		return passesNow
	}

	if passesNow {
		m.ineligibleStreak[symbol] = 0
		if current {
			return true
		}
		m.eligibleStreak[symbol]++
		if m.eligibleStreak[symbol] >= maxInt(m.cfg.EligibleGraceCycles, 1) {
			m.eligibleNow[symbol] = true
			m.eligibleStreak[symbol] = 0
			return true
		}
		return false
	}

	m.eligibleStreak[symbol] = 0
	if !current {
		return false
	}
	m.ineligibleStreak[symbol]++
	if m.ineligibleStreak[symbol] >= maxInt(m.cfg.IneligibleGraceCycles, 1) {
		m.eligibleNow[symbol] = false
		m.ineligibleStreak[symbol] = 0
		return false
	}
	return true
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

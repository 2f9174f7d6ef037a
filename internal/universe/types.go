// Package universe builds the per-cycle snapshot of tradable assets:
// tiered liquidity filters, red-flag bans, regime-aware overrides and
// promotion/demotion hysteresis.
package universe

import "time"

// Regime classifies overall market conditions.
type Regime string

const (
	RegimeBull  Regime = "bull"
	RegimeBear  Regime = "bear"
	RegimeChop  Regime = "chop"
	RegimeCrash Regime = "crash"
)

// Asset is one evaluated product.
type Asset struct {
	Symbol           string
	Tier             int
	Price            float64
	SpreadBps        float64
	TopDepthUSD      float64
	Volume24hUSD     float64
	LotSize          float64
	TickSize         float64
	MinNotional      float64
	Eligible         bool
	IneligibleReason string
}

// Snapshot is the immutable per-cycle universe. A symbol appears in at
// most one tier; Excluded and the tier lists never overlap.
type Snapshot struct {
	Timestamp time.Time
	Regime    Regime
	Tiers     map[int][]Asset   // tier -> eligible assets
	Excluded  map[string]string // symbol -> reason
}

// EligibleCount returns the total number of eligible assets.
func (s *Snapshot) EligibleCount() int {
	n := 0
	for _, assets := range s.Tiers {
		n += len(assets)
	}
	return n
}

// Eligible returns all eligible assets across tiers.
func (s *Snapshot) Eligible() []Asset {
	var out []Asset
	for tier := 1; tier <= 3; tier++ {
		out = append(out, s.Tiers[tier]...)
	}
	return out
}

// Lookup finds an eligible asset by symbol.
func (s *Snapshot) Lookup(symbol string) (Asset, bool) {
	for _, assets := range s.Tiers {
		for _, a := range assets {
			if a.Symbol == symbol {
				return a, true
			}
		}
	}
	return Asset{}, false
}

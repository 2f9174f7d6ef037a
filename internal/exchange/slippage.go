package exchange

import "math"

// SlippageModel estimates execution slippage for paper fills and the
// backtest path. Tier 1 assets get the tightest bucket; market impact
// scales with the square root of notional, volatility widens everything.
type SlippageModel struct {
	TierSlippageBps map[int]float64 // tier -> base slippage
	ImpactCoeff     float64         // bps per sqrt($1k notional)
	MaxSlippageBps  float64
}

// DefaultSlippageModel returns the standard tiered model.
func DefaultSlippageModel() SlippageModel {
	return SlippageModel{
		TierSlippageBps: map[int]float64{1: 3.0, 2: 8.0, 3: 15.0},
		ImpactCoeff:     1.5,
		MaxSlippageBps:  30.0,
	}
}

// SlippageBps returns the modeled slippage for an order.
func (m SlippageModel) SlippageBps(tier int, notionalUSD, volatility float64) float64 {
	base, ok := m.TierSlippageBps[tier]
	if !ok {
		base = m.TierSlippageBps[3]
	}
	impact := m.ImpactCoeff * math.Sqrt(math.Max(notionalUSD, 0)/1000.0)
	volAdj := volatility * 100 // volatility expressed as fraction of price
	bps := base + impact + volAdj
	if bps > m.MaxSlippageBps {
		bps = m.MaxSlippageBps
	}
	return bps
}

// FillPrice returns the simulated fill price for a side given mid.
func (m SlippageModel) FillPrice(side OrderSide, mid float64, tier int, notionalUSD, volatility float64) float64 {
	bps := m.SlippageBps(tier, notionalUSD, volatility)
	if side == OrderSideBuy {
		return mid * (1 + bps/10000)
	}
	return mid * (1 - bps/10000)
}

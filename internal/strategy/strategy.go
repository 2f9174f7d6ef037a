// Package strategy turns triggers into trade proposals. Strategies are
// pure: they read an immutable context and return proposals; all side
// effects happen downstream in risk and execution.
package strategy

import (
	"context"
	"sort"

	"github.com/aelhadee/247trader/internal/signals"
	"github.com/aelhadee/247trader/internal/state"
	"github.com/aelhadee/247trader/internal/universe"
)

// Proposal is a desired trade, sized as a percentage of NAV.
type Proposal struct {
	Symbol        string
	Side          string // BUY or SELL
	SizePct       float64
	Reason        string
	Confidence    float64
	StopLossPct   float64
	TakeProfitPct float64
	Strategy      string
	Metadata      map[string]interface{}
}

// Context is the immutable input to strategy generation.
type Context struct {
	Universe  *universe.Snapshot
	Triggers  []signals.Trigger
	Positions map[string]state.Position
	NAV       float64
}

// Strategy generates proposals from a context.
type Strategy interface {
	Name() string
	Generate(ctx context.Context, sctx Context) []Proposal
}

// Merge combines proposal lists with per-symbol dedupe: when two
// strategies propose the same symbol and side, the higher-confidence
// proposal wins. Opposing sides for the same symbol cancel to nothing.
func Merge(lists ...[]Proposal) []Proposal {
	type key struct{ symbol string }
	bySymbol := make(map[key][]Proposal)
	for _, list := range lists {
		for _, p := range list {
			k := key{symbol: p.Symbol}
			bySymbol[k] = append(bySymbol[k], p)
		}
	}

	var out []Proposal
	for _, group := range bySymbol {
		buy, sell := bestBySide(group)
		switch {
		case buy != nil && sell != nil:
			// Conflicting intents: stand aside.
			continue
		case buy != nil:
			out = append(out, *buy)
		case sell != nil:
			out = append(out, *sell)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func bestBySide(group []Proposal) (buy, sell *Proposal) {
	for i := range group {
		p := &group[i]
		switch p.Side {
		case "BUY":
			if buy == nil || p.Confidence > buy.Confidence {
				buy = p
			}
		case "SELL":
			if sell == nil || p.Confidence > sell.Confidence {
				sell = p
			}
		}
	}
	return buy, sell
}

// ClampSizes caps every proposal at the policy maximum single-trade
// size. Zero and negative sizes are dropped.
func ClampSizes(proposals []Proposal, maxSingleTradePct float64) []Proposal {
	out := proposals[:0]
	for _, p := range proposals {
		if p.SizePct <= 0 {
			continue
		}
		if p.SizePct > maxSingleTradePct {
			p.SizePct = maxSingleTradePct
		}
		out = append(out, p)
	}
	return out
}

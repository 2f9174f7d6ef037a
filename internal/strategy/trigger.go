package strategy

import (
	"context"
	"fmt"

	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/signals"
)

// TriggerStrategy converts detected triggers directly into proposals:
// buy upward triggers, sell downward ones against existing positions.
type TriggerStrategy struct {
	name          string
	cfg           config.StrategyConfig
	baseSizePct   float64
	minConfidence float64
}

// NewTriggerStrategy builds the standard trigger-following strategy.
func NewTriggerStrategy(name string, cfg config.StrategyConfig, baseSizePct, minConfidence float64) *TriggerStrategy {
	if baseSizePct <= 0 {
		baseSizePct = 1.0
	}
	if minConfidence <= 0 {
		minConfidence = 0.5
	}
	return &TriggerStrategy{name: name, cfg: cfg, baseSizePct: baseSizePct, minConfidence: minConfidence}
}

// Name implements Strategy.
func (s *TriggerStrategy) Name() string { return s.name }

// Generate implements Strategy. Size scales with strength; confidence
// passes through so merge and risk ordering can rank proposals.
func (s *TriggerStrategy) Generate(_ context.Context, sctx Context) []Proposal {
	var out []Proposal
	for _, trig := range sctx.Triggers {
		if trig.Confidence < s.minConfidence {
			continue
		}

		side := "BUY"
		if trig.Direction == signals.DirectionDown {
			// Downward triggers only close existing exposure; no shorting.
			if _, held := sctx.Positions[trig.Symbol]; !held {
				continue
			}
			side = "SELL"
		}

		sizePct := s.baseSizePct * (0.5 + trig.Strength)
		out = append(out, Proposal{
			Symbol:     trig.Symbol,
			Side:       side,
			SizePct:    sizePct,
			Reason:     fmt.Sprintf("%s %s (strength %.2f)", trig.Type, trig.Direction, trig.Strength),
			Confidence: trig.Confidence,
			Strategy:   s.name,
			Metadata: map[string]interface{}{
				"trigger_type": string(trig.Type),
				"volatility":   trig.Volatility,
			},
		})
	}
	return out
}

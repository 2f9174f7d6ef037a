package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/signals"
	"github.com/aelhadee/247trader/internal/state"
)

func TestMergeKeepsHigherConfidence(t *testing.T) {
	a := []Proposal{{Symbol: "BTC-USD", Side: "BUY", Confidence: 0.6, Strategy: "trigger"}}
	b := []Proposal{{Symbol: "BTC-USD", Side: "BUY", Confidence: 0.8, Strategy: "advisor"}}

	merged := Merge(a, b)
	require.Len(t, merged, 1)
	assert.Equal(t, "advisor", merged[0].Strategy)
	assert.Equal(t, 0.8, merged[0].Confidence)
}

func TestMergeConflictingSidesCancel(t *testing.T) {
	a := []Proposal{{Symbol: "ETH-USD", Side: "BUY", Confidence: 0.9}}
	b := []Proposal{{Symbol: "ETH-USD", Side: "SELL", Confidence: 0.7}}
	assert.Empty(t, Merge(a, b))
}

func TestMergeSortsByConfidence(t *testing.T) {
	merged := Merge([]Proposal{
		{Symbol: "SOL-USD", Side: "BUY", Confidence: 0.6},
		{Symbol: "BTC-USD", Side: "BUY", Confidence: 0.9},
		{Symbol: "ETH-USD", Side: "BUY", Confidence: 0.9},
	})
	require.Len(t, merged, 3)
	assert.Equal(t, "BTC-USD", merged[0].Symbol, "ties break by symbol")
	assert.Equal(t, "ETH-USD", merged[1].Symbol)
	assert.Equal(t, "SOL-USD", merged[2].Symbol)
}

func TestClampSizes(t *testing.T) {
	clamped := ClampSizes([]Proposal{
		{Symbol: "A", SizePct: 5.0},
		{Symbol: "B", SizePct: 1.5},
		{Symbol: "C", SizePct: 0},
		{Symbol: "D", SizePct: -1},
	}, 3.0)

	require.Len(t, clamped, 2)
	assert.Equal(t, 3.0, clamped[0].SizePct, "oversized proposal clamped")
	assert.Equal(t, 1.5, clamped[1].SizePct)
}

func TestTriggerStrategyBuysUpTriggers(t *testing.T) {
	s := NewTriggerStrategy("trigger", config.StrategyConfig{}, 1.0, 0.5)

	proposals := s.Generate(context.Background(), Context{
		Triggers: []signals.Trigger{
			{Symbol: "BTC-USD", Type: signals.TriggerPriceMove, Direction: signals.DirectionUp, Strength: 0.5, Confidence: 0.7},
		},
		NAV: 10000,
	})
	require.Len(t, proposals, 1)
	assert.Equal(t, "BUY", proposals[0].Side)
	assert.InDelta(t, 1.0, proposals[0].SizePct, 1e-9) // 1.0 * (0.5 + 0.5)
	assert.Equal(t, "trigger", proposals[0].Strategy)
}

func TestTriggerStrategySellsOnlyHeldPositions(t *testing.T) {
	s := NewTriggerStrategy("trigger", config.StrategyConfig{}, 1.0, 0.5)
	down := signals.Trigger{Symbol: "ETH-USD", Direction: signals.DirectionDown, Strength: 0.8, Confidence: 0.9}

	// No position: nothing to sell, and never a short.
	proposals := s.Generate(context.Background(), Context{Triggers: []signals.Trigger{down}})
	assert.Empty(t, proposals)

	proposals = s.Generate(context.Background(), Context{
		Triggers:  []signals.Trigger{down},
		Positions: map[string]state.Position{"ETH-USD": {Symbol: "ETH-USD", Quantity: 1}},
	})
	require.Len(t, proposals, 1)
	assert.Equal(t, "SELL", proposals[0].Side)
}

func TestTriggerStrategyFiltersLowConfidence(t *testing.T) {
	s := NewTriggerStrategy("trigger", config.StrategyConfig{}, 1.0, 0.6)
	proposals := s.Generate(context.Background(), Context{
		Triggers: []signals.Trigger{
			{Symbol: "BTC-USD", Direction: signals.DirectionUp, Confidence: 0.55},
		},
	})
	assert.Empty(t, proposals)
}

func TestNoopAdvisor(t *testing.T) {
	proposals, err := NoopAdvisor{}.Propose(context.Background(), Context{})
	assert.NoError(t, err)
	assert.Empty(t, proposals)
}

package signals

import (
	"math"
	"time"

	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/universe"
)

// PriceMove fires when both the 15-minute and 60-minute moves clear the
// regime's thresholds with a confirming volume ratio. Candles are
// 15-minute bars.
type PriceMove struct {
	thresholds map[universe.Regime]config.RegimeThresholds
}

// NewPriceMove builds the signal from the per-regime threshold table.
// The table may be adjusted later by auto-tune.
func NewPriceMove(thresholds map[universe.Regime]config.RegimeThresholds) *PriceMove {
	return &PriceMove{thresholds: thresholds}
}

// Name implements Signal.
func (p *PriceMove) Name() string { return string(TriggerPriceMove) }

// AllowedRegimes implements Signal. Price moves trade everywhere except
// a crash, where the universe is already empty.
func (p *PriceMove) AllowedRegimes() []universe.Regime {
	return []universe.Regime{universe.RegimeBull, universe.RegimeBear, universe.RegimeChop}
}

// Scan implements Signal.
func (p *PriceMove) Scan(asset universe.Asset, candles []exchange.Candle, regime universe.Regime) *Trigger {
	th, ok := p.thresholds[regime]
	if !ok || len(candles) < 25 {
		return nil
	}

	last := candles[len(candles)-1]
	prev15 := candles[len(candles)-2]
	prev60 := candles[len(candles)-5]
	if prev15.Close <= 0 || prev60.Close <= 0 {
		return nil
	}

	move15 := (last.Close - prev15.Close) / prev15.Close * 100
	move60 := (last.Close - prev60.Close) / prev60.Close * 100

	// Volume ratio against the trailing 20 bars.
	window := candles[len(candles)-21 : len(candles)-1]
	var volSum float64
	for _, c := range window {
		volSum += c.Volume
	}
	avgVol := volSum / float64(len(window))
	if avgVol <= 0 {
		return nil
	}
	volumeRatio := last.Volume / avgVol

	if math.Abs(move15) < th.Move15mPct || math.Abs(move60) < th.Move60mPct || volumeRatio < th.VolumeRatio {
		return nil
	}
	// Both horizons must agree on direction.
	if move15*move60 < 0 {
		return nil
	}

	direction := DirectionUp
	if move15 < 0 {
		direction = DirectionDown
	}
	strength := clamp01(math.Abs(move60) / (th.Move60mPct * 3))
	confidence := clamp01(0.5 + 0.1*(volumeRatio-th.VolumeRatio))

	return &Trigger{
		Symbol:     asset.Symbol,
		Type:       TriggerPriceMove,
		Strength:   strength,
		Confidence: confidence,
		Direction:  direction,
		Volatility: volatility(candles[len(candles)-21:]),
		Timestamp:  time.Now(),
	}
}

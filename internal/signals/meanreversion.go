package signals

import (
	"math"
	"time"

	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/universe"
)

// MeanReversion fires when price has stretched away from its 24-hour
// mean and the move shows exhaustion: declining volume and a slowing
// rate of change. Chop-only; in trending regimes the stretch is usually
// the trend.
type MeanReversion struct {
	minDeviationPct float64
}

// NewMeanReversion builds the signal. minDeviationPct defaults to 3%.
func NewMeanReversion(minDeviationPct float64) *MeanReversion {
	if minDeviationPct <= 0 {
		minDeviationPct = 3.0
	}
	return &MeanReversion{minDeviationPct: minDeviationPct}
}

// Name implements Signal.
func (m *MeanReversion) Name() string { return string(TriggerMeanReversion) }

// AllowedRegimes implements Signal.
func (m *MeanReversion) AllowedRegimes() []universe.Regime {
	return []universe.Regime{universe.RegimeChop}
}

// Scan implements Signal. Candles are 15-minute bars covering 24h.
func (m *MeanReversion) Scan(asset universe.Asset, candles []exchange.Candle, regime universe.Regime) *Trigger {
	if len(candles) < 96 {
		return nil
	}
	window := candles[len(candles)-96:]

	var sum float64
	for _, c := range window {
		sum += c.Close
	}
	mean := sum / float64(len(window))
	if mean <= 0 {
		return nil
	}
	last := window[len(window)-1]
	deviationPct := (last.Close - mean) / mean * 100
	if math.Abs(deviationPct) < m.minDeviationPct {
		return nil
	}

	// Exhaustion: last 4 bars' volume below the prior 8, and the move is
	// decelerating (recent step smaller than the one before it).
	recentVol := avgVolume(window[len(window)-4:])
	priorVol := avgVolume(window[len(window)-12 : len(window)-4])
	if priorVol <= 0 || recentVol >= priorVol {
		return nil
	}
	step1 := math.Abs(window[len(window)-1].Close - window[len(window)-2].Close)
	step2 := math.Abs(window[len(window)-2].Close - window[len(window)-3].Close)
	if step1 >= step2 {
		return nil
	}

	// Trade against the stretch.
	direction := DirectionDown
	if deviationPct < 0 {
		direction = DirectionUp
	}
	return &Trigger{
		Symbol:     asset.Symbol,
		Type:       TriggerMeanReversion,
		Strength:   clamp01(math.Abs(deviationPct) / (m.minDeviationPct * 3)),
		Confidence: clamp01(0.4 + (priorVol-recentVol)/priorVol*0.4),
		Direction:  direction,
		Volatility: volatility(window[len(window)-21:]),
		Timestamp:  time.Now(),
	}
}

func avgVolume(candles []exchange.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var sum float64
	for _, c := range candles {
		sum += c.Volume
	}
	return sum / float64(len(candles))
}

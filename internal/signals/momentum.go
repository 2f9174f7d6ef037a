package signals

import (
	"math"
	"time"

	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/universe"
)

// Momentum fires on a sustained directional trend over the lookback
// window with increasing volume. Candles are 15-minute bars; the default
// window covers 12 hours (48 bars).
type Momentum struct {
	windowBars int
}

// NewMomentum builds the signal. windowHours defaults to 12.
func NewMomentum(windowHours int) *Momentum {
	if windowHours <= 0 {
		windowHours = 12
	}
	return &Momentum{windowBars: windowHours * 4}
}

// Name implements Signal.
func (m *Momentum) Name() string { return string(TriggerMomentum) }

// AllowedRegimes implements Signal. Trend-following only makes sense in
// trending regimes.
func (m *Momentum) AllowedRegimes() []universe.Regime {
	return []universe.Regime{universe.RegimeBull, universe.RegimeBear}
}

// Scan implements Signal.
func (m *Momentum) Scan(asset universe.Asset, candles []exchange.Candle, regime universe.Regime) *Trigger {
	if len(candles) < m.windowBars {
		return nil
	}
	window := candles[len(candles)-m.windowBars:]

	first := window[0].Close
	last := window[len(window)-1].Close
	if first <= 0 {
		return nil
	}
	totalMove := (last - first) / first * 100
	if math.Abs(totalMove) < 2.0 {
		return nil
	}

	// Sustained: at least 65% of bars move in the trend direction.
	directional := 0
	for i := 1; i < len(window); i++ {
		delta := window[i].Close - window[i-1].Close
		if (totalMove > 0 && delta > 0) || (totalMove < 0 && delta < 0) {
			directional++
		}
	}
	consistency := float64(directional) / float64(len(window)-1)
	if consistency < 0.65 {
		return nil
	}

	// Increasing volume: second half outpaces the first.
	half := len(window) / 2
	var volFirst, volSecond float64
	for i, c := range window {
		if i < half {
			volFirst += c.Volume
		} else {
			volSecond += c.Volume
		}
	}
	if volFirst <= 0 || volSecond <= volFirst {
		return nil
	}

	direction := DirectionUp
	if totalMove < 0 {
		direction = DirectionDown
	}
	return &Trigger{
		Symbol:     asset.Symbol,
		Type:       TriggerMomentum,
		Strength:   clamp01(math.Abs(totalMove) / 10),
		Confidence: clamp01(consistency),
		Direction:  direction,
		Volatility: volatility(window),
		Timestamp:  time.Now(),
	}
}

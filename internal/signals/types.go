// Package signals detects trade triggers from candle data: price moves,
// momentum and mean reversion, gated by an outlier guard and the current
// market regime.
package signals

import (
	"math"
	"time"

	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/universe"
)

// TriggerType names a signal family.
type TriggerType string

const (
	TriggerPriceMove     TriggerType = "price_move"
	TriggerVolumeSpike   TriggerType = "volume_spike"
	TriggerMomentum      TriggerType = "momentum"
	TriggerMeanReversion TriggerType = "mean_reversion"
)

// Direction of the detected move.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Trigger is an immutable detected signal.
type Trigger struct {
	Symbol     string
	Type       TriggerType
	Strength   float64 // [0,1]
	Confidence float64 // [0,1]
	Direction  Direction
	Volatility float64 // recent close-to-close stddev as fraction of price
	Timestamp  time.Time
}

// Signal is one detector in the registry.
type Signal interface {
	Name() string
	// AllowedRegimes lists the regimes this signal may fire in.
	AllowedRegimes() []universe.Regime
	// Scan inspects the candle window (oldest first) and returns a
	// trigger, or nil when nothing fires.
	Scan(asset universe.Asset, candles []exchange.Candle, regime universe.Regime) *Trigger
}

// allowedIn reports regime membership.
func allowedIn(s Signal, regime universe.Regime) bool {
	for _, r := range s.AllowedRegimes() {
		if r == regime {
			return true
		}
	}
	return false
}

// clamp01 bounds a score into [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// volatility returns the stddev of close-to-close returns over the
// window, as a fraction of price.
func volatility(candles []exchange.Candle) float64 {
	if len(candles) < 3 {
		return 0
	}
	var rets []float64
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev <= 0 {
			continue
		}
		rets = append(rets, (candles[i].Close-prev)/prev)
	}
	if len(rets) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	variance := 0.0
	for _, r := range rets {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(rets) - 1)
	return math.Sqrt(variance)
}

package signals

import (
	"fmt"
	"math"

	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/exchange"
)

// OutlierGuard rejects candles that look like bad prints: a large price
// deviation from the recent average on near-zero volume. It runs before
// any signal gets to decide, and a rejection skips the asset for the
// whole cycle.
type OutlierGuard struct {
	windowBars      int
	maxDeviationPct float64
	minVolumeRatio  float64
}

// NewOutlierGuard applies the configured thresholds with safe defaults.
func NewOutlierGuard(cfg config.OutlierConfig) *OutlierGuard {
	g := &OutlierGuard{
		windowBars:      cfg.WindowBars,
		maxDeviationPct: cfg.MaxDeviationPct,
		minVolumeRatio:  cfg.MinVolumeRatio,
	}
	if g.windowBars <= 0 {
		g.windowBars = 20
	}
	if g.maxDeviationPct <= 0 {
		g.maxDeviationPct = 10.0
	}
	if g.minVolumeRatio <= 0 {
		g.minVolumeRatio = 0.1
	}
	return g
}

// Check validates the latest candle against the trailing window. A nil
// error means the candle is usable.
func (g *OutlierGuard) Check(candles []exchange.Candle) error {
	if len(candles) < g.windowBars+1 {
		return fmt.Errorf("need %d bars, have %d", g.windowBars+1, len(candles))
	}
	current := candles[len(candles)-1]
	window := candles[len(candles)-1-g.windowBars : len(candles)-1]

	var priceSum, volumeSum float64
	for _, c := range window {
		priceSum += c.Close
		volumeSum += c.Volume
	}
	avgPrice := priceSum / float64(len(window))
	avgVolume := volumeSum / float64(len(window))

	if avgPrice <= 0 {
		return fmt.Errorf("zero average price over window")
	}
	if avgVolume <= 0 {
		return fmt.Errorf("zero average volume over window")
	}

	deviationPct := math.Abs(current.Close-avgPrice) / avgPrice * 100
	volumeRatio := current.Volume / avgVolume

	if deviationPct > g.maxDeviationPct && volumeRatio < g.minVolumeRatio {
		return fmt.Errorf("outlier candle: %.1f%% deviation on %.2fx volume", deviationPct, volumeRatio)
	}
	return nil
}

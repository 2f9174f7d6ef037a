package signals

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/exchange"
	"github.com/aelhadee/247trader/internal/state"
	"github.com/aelhadee/247trader/internal/universe"
)

// Engine runs the registered signals over the eligible universe, with
// the outlier guard in front and regime filtering behind.
type Engine struct {
	cfg      config.SignalsConfig
	source   exchange.MarketDataSource
	store    *state.Store
	guard    *OutlierGuard
	log      zerolog.Logger
	registry []Signal

	priceMove *PriceMove
}

// NewEngine builds the signal registry from the enabled list.
func NewEngine(cfg config.SignalsConfig, source exchange.MarketDataSource, store *state.Store, logger zerolog.Logger) *Engine {
	thresholds := make(map[universe.Regime]config.RegimeThresholds, len(cfg.PriceMove))
	for regime, th := range cfg.PriceMove {
		thresholds[universe.Regime(regime)] = th
	}

	e := &Engine{
		cfg:    cfg,
		source: source,
		store:  store,
		guard:  NewOutlierGuard(cfg.Outlier),
		log:    logger.With().Str("component", "signals").Logger(),
	}
	e.priceMove = NewPriceMove(thresholds)

	available := map[string]Signal{
		string(TriggerPriceMove):     e.priceMove,
		string(TriggerMomentum):      NewMomentum(cfg.MomentumWindowHrs),
		string(TriggerMeanReversion): NewMeanReversion(cfg.MeanRevDeviationPct),
	}
	for _, name := range cfg.Enabled {
		if sig, ok := available[name]; ok {
			e.registry = append(e.registry, sig)
		} else {
			e.log.Warn().Str("signal", name).Msg("Unknown signal in enabled list")
		}
	}
	return e
}

// Scan evaluates every eligible asset and returns the surviving
// triggers. It also drives the zero-trigger counter and the one-shot
// auto-tune.
func (e *Engine) Scan(ctx context.Context, snap *universe.Snapshot) []Trigger {
	var triggers []Trigger
	end := time.Now()
	start := end.Add(-26 * time.Hour)

	for _, asset := range snap.Eligible() {
		candles, err := e.source.GetOHLCV(ctx, asset.Symbol, exchange.GranularityFifteenMinute, start, end)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", asset.Symbol).Msg("Candle fetch failed")
			continue
		}
		if err := e.guard.Check(candles); err != nil {
			e.log.Debug().Err(err).Str("symbol", asset.Symbol).Msg("Outlier guard rejected asset")
			continue
		}

		for _, sig := range e.registry {
			if !allowedIn(sig, snap.Regime) {
				continue
			}
			trigger := sig.Scan(asset, candles, snap.Regime)
			if trigger == nil {
				continue
			}
			trigger.Confidence = clamp01(trigger.Confidence + regimeConfidenceAdjust(snap.Regime, trigger.Direction))
			triggers = append(triggers, *trigger)
			e.log.Info().
				Str("symbol", trigger.Symbol).
				Str("type", string(trigger.Type)).
				Str("direction", string(trigger.Direction)).
				Float64("strength", trigger.Strength).
				Float64("confidence", trigger.Confidence).
				Msg("Trigger detected")
		}
	}

	e.trackZeroTriggers(len(triggers))
	return triggers
}

// regimeConfidenceAdjust boosts with-regime triggers and penalizes
// counter-regime ones.
func regimeConfidenceAdjust(regime universe.Regime, dir Direction) float64 {
	switch regime {
	case universe.RegimeBull:
		if dir == DirectionUp {
			return 0.1
		}
		return -0.15
	case universe.RegimeBear:
		if dir == DirectionDown {
			return 0.1
		}
		return -0.15
	default:
		return 0
	}
}

// trackZeroTriggers maintains the consecutive zero-trigger counter and
// applies the bounded one-shot loosening of chop thresholds.
func (e *Engine) trackZeroTriggers(found int) {
	if found > 0 {
		e.store.ResetZeroTriggerCycles()
		return
	}
	n := e.store.IncrementZeroTriggerCycles()
	at := e.cfg.AutoTune
	if !at.Enabled || n < at.ZeroTriggerCycles {
		return
	}
	if e.store.Snapshot().AutoTuneApplied {
		return
	}

	chop := e.priceMove.thresholds[universe.RegimeChop]
	tuned := chop
	tuned.Move15mPct = maxFloat(at.Floor15mPct, chop.Move15mPct-at.Move15mDelta)
	tuned.Move60mPct = maxFloat(at.Floor60mPct, chop.Move60mPct-at.Move60mDelta)
	e.priceMove.thresholds[universe.RegimeChop] = tuned
	e.store.MarkAutoTuneApplied()

	e.log.Warn().
		Int("zero_trigger_cycles", n).
		Float64("move_15m_pct", tuned.Move15mPct).
		Float64("move_60m_pct", tuned.Move60mPct).
		Msg("Auto-tune loosened chop thresholds")
}

// ChopThresholds exposes the live chop thresholds, for the audit record.
func (e *Engine) ChopThresholds() config.RegimeThresholds {
	return e.priceMove.thresholds[universe.RegimeChop]
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

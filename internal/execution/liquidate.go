package execution

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aelhadee/247trader/internal/alerts"
	"github.com/aelhadee/247trader/internal/config"
	"github.com/aelhadee/247trader/internal/portfolio"
	"github.com/aelhadee/247trader/internal/state"
)

// liquidationStrategy tags forced-exit orders so closes they cause get
// the stop-out cooldown.
const liquidationStrategy = "liquidation"

// Liquidator sells positions down via TWAP slices. Two callers share it:
// the auto-trim path when total exposure breaches the cap, and the purge
// path for holdings of ineligible or red-flag-banned assets.
type Liquidator struct {
	cfg     config.PurgeConfig
	eng     *Engine
	store   *state.Store
	alerter *alerts.Manager
	log     zerolog.Logger

	trimFailures int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewLiquidator builds the liquidator on top of the execution engine.
func NewLiquidator(cfg config.PurgeConfig, eng *Engine, store *state.Store, alerter *alerts.Manager, logger zerolog.Logger) *Liquidator {
	if cfg.SliceNotionalUSD <= 0 {
		cfg.SliceNotionalUSD = 50
	}
	if cfg.ResidualThresholdUSD <= 0 {
		cfg.ResidualThresholdUSD = 2
	}
	if cfg.MinLiquidationUSD <= 0 {
		cfg.MinLiquidationUSD = 5
	}
	return &Liquidator{
		cfg:     cfg,
		eng:     eng,
		store:   store,
		alerter: alerter,
		log:     logger.With().Str("component", "liquidator").Logger(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// purgeBackoff maps a consecutive failure count to the retry hold-off.
func purgeBackoff(failures int) time.Duration {
	switch {
	case failures >= 5:
		return 4 * time.Hour
	case failures == 4:
		return 2 * time.Hour
	case failures == 3:
		return time.Hour
	default:
		return 0
	}
}

// Trim sells down the portfolio when total exposure exceeds capPct.
// Positions are selected greedily: deepest unrealized loss first, then
// oldest. Returns the notional actually liquidated.
func (l *Liquidator) Trim(ctx context.Context, pf *portfolio.State, capPct float64) (float64, error) {
	if pf.TotalExposurePct <= capPct {
		return 0, nil
	}
	excess := (pf.TotalExposurePct - capPct) / 100 * pf.NAV
	l.log.Warn().
		Float64("exposure_pct", pf.TotalExposurePct).
		Float64("cap_pct", capPct).
		Float64("excess_usd", excess).
		Msg("Exposure over cap, trimming")

	candidates := make([]portfolio.PositionView, 0, len(pf.Positions))
	for _, p := range pf.Positions {
		if !p.Dust {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].UnrealizedPnLPct != candidates[j].UnrealizedPnLPct {
			return candidates[i].UnrealizedPnLPct < candidates[j].UnrealizedPnLPct
		}
		return candidates[i].EntryTime.Before(candidates[j].EntryTime)
	})

	sold := 0.0
	var firstErr error
	for _, pos := range candidates {
		if sold >= excess {
			break
		}
		target := math.Min(excess-sold, pos.USDValue)
		got, err := l.twapSell(ctx, pos, target)
		sold += got
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}

	if sold < excess || firstErr != nil {
		l.trimFailures++
		if l.cfg.MaxTrimFailures > 0 && l.trimFailures >= l.cfg.MaxTrimFailures {
			l.alerter.Critical(ctx, "Auto-trim failing",
				fmt.Sprintf("%d consecutive trim failures, exposure still %.2f%% over cap", l.trimFailures, pf.TotalExposurePct-capPct), nil)
		}
		return sold, firstErr
	}
	l.trimFailures = 0
	return sold, nil
}

// Purge liquidates holdings that no longer belong in the portfolio.
// reasons maps symbol to why it is being purged (ineligible, red flag).
// Failures back off per symbol so a persistently broken product cannot
// burn API budget every cycle.
func (l *Liquidator) Purge(ctx context.Context, holdings []portfolio.PositionView, reasons map[string]string) {
	now := l.now()
	for _, pos := range holdings {
		if pos.USDValue < l.cfg.MinLiquidationUSD {
			continue
		}
		if rec, found := l.store.PurgeFailureFor(pos.Symbol); found {
			hold := purgeBackoff(rec.Count)
			if hold > 0 && now.Sub(rec.LastFailedAt) < hold {
				l.log.Info().
					Str("symbol", pos.Symbol).
					Int("failures", rec.Count).
					Dur("backoff", hold).
					Msgf("Skipping purge for %s: %d recent failures, backoff %s", pos.Symbol, rec.Count, hold)
				continue
			}
		}

		l.log.Info().
			Str("symbol", pos.Symbol).
			Str("reason", reasons[pos.Symbol]).
			Float64("value_usd", pos.USDValue).
			Msg("Purging holding")

		if _, err := l.twapSell(ctx, pos, pos.USDValue); err != nil {
			rec := l.store.RecordPurgeFailure(pos.Symbol, err.Error())
			l.log.Warn().
				Err(err).
				Str("symbol", pos.Symbol).
				Int("failures", rec.Count).
				Msg("Purge attempt failed")
			continue
		}
		l.store.ClearPurgeFailure(pos.Symbol)
		if ctx.Err() != nil {
			return
		}
	}
}

// twapSell sells up to targetUSD of the position in time-spaced slices,
// stopping once the residual falls under the threshold. Returns the
// notional actually filled.
func (l *Liquidator) twapSell(ctx context.Context, pos portfolio.PositionView, targetUSD float64) (float64, error) {
	if pos.Quantity <= 0 || pos.USDValue <= 0 {
		return 0, nil
	}
	price := pos.USDValue / pos.Quantity
	remaining := math.Min(targetUSD, pos.USDValue)
	interval := time.Duration(l.cfg.SliceIntervalMS) * time.Millisecond

	sold := 0.0
	for remaining > l.cfg.ResidualThresholdUSD {
		sliceUSD := math.Min(l.cfg.SliceNotionalUSD, remaining)
		sliceBase := sliceUSD / price

		order, err := l.eng.SellNow(ctx, pos.Symbol, sliceBase, liquidationStrategy)
		if err != nil {
			return sold, err
		}
		if order == nil {
			// Dry run: count the intent so trim accounting proceeds.
			sold += sliceUSD
			remaining -= sliceUSD
			continue
		}
		sold += order.FilledValue
		remaining -= order.FilledValue
		if order.FilledValue <= 0 {
			return sold, fmt.Errorf("twap slice for %s filled nothing", pos.Symbol)
		}

		if remaining > l.cfg.ResidualThresholdUSD && !l.sleep(ctx, interval) {
			return sold, ctx.Err()
		}
	}
	return sold, nil
}

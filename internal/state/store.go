package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store caches the persistent state in memory behind a lock and flushes
// it to the backend periodically and on demand. All reads return deep
// copies; all writes go through mutator methods that mark the cache
// dirty.
type Store struct {
	backend Backend
	log     zerolog.Logger

	mu    sync.Mutex
	cache *PersistentState
	dirty bool

	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewStore loads the current document from the backend into the cache.
func NewStore(ctx context.Context, backend Backend, flushInterval time.Duration, logger zerolog.Logger) (*Store, error) {
	cached, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if flushInterval <= 0 {
		flushInterval = 60 * time.Second
	}
	return &Store{
		backend:       backend,
		log:           logger.With().Str("component", "state_store").Logger(),
		cache:         cached,
		flushInterval: flushInterval,
	}, nil
}

// Start launches the background flusher.
func (s *Store) Start() {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.flushLoop()
	s.log.Info().Dur("interval", s.flushInterval).Msg("State flusher started")
}

// Stop halts the flusher and performs a final flush.
func (s *Store) Stop(ctx context.Context) error {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
		s.stopCh = nil
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.backend.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Flush(ctx); err != nil {
				s.log.Error().Err(err).Msg("Periodic state flush failed")
			}
			cancel()
		}
	}
}

// Flush writes the cache to the backend if anything changed.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.cache.UpdatedAt = time.Now().UTC()
	snapshot := s.cache.clone()
	s.mu.Unlock()

	if err := s.backend.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("flushing state: %w", err)
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Snapshot returns a deep copy of the full state.
func (s *Store) Snapshot() *PersistentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.clone()
}

// mutate runs fn under the lock and marks the cache dirty.
func (s *Store) mutate(fn func(*PersistentState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.cache)
	s.dirty = true
}

// --- positions ---

// UpsertPosition replaces or inserts a position.
func (s *Store) UpsertPosition(p Position) {
	s.mutate(func(st *PersistentState) {
		p.UpdatedAt = time.Now().UTC()
		st.Positions[p.Symbol] = &p
	})
}

// RemovePosition deletes a position, typically once it falls below dust.
func (s *Store) RemovePosition(symbol string) {
	s.mutate(func(st *PersistentState) {
		delete(st.Positions, symbol)
	})
}

// GetPosition returns a copy of the position, if held.
func (s *Store) GetPosition(symbol string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cache.Positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// --- pending orders ---

// TrackOrder records a newly submitted order.
func (s *Store) TrackOrder(o PendingOrder) {
	s.mutate(func(st *PersistentState) {
		o.UpdatedAt = time.Now().UTC()
		st.PendingOrders[o.ClientOrderID] = &o
	})
}

// UpdateOrder applies fn to a tracked order if it exists and is not
// already closed.
func (s *Store) UpdateOrder(clientID string, fn func(*PendingOrder)) bool {
	updated := false
	s.mutate(func(st *PersistentState) {
		o, ok := st.PendingOrders[clientID]
		if !ok || !o.ClosedAt.IsZero() {
			return
		}
		fn(o)
		o.UpdatedAt = time.Now().UTC()
		updated = true
	})
	return updated
}

// CloseOrder marks an order terminal. Idempotent: closing an already
// closed or unknown order is a no-op.
func (s *Store) CloseOrder(clientID, status, reason string) {
	s.mutate(func(st *PersistentState) {
		o, ok := st.PendingOrders[clientID]
		if !ok || !o.ClosedAt.IsZero() {
			return
		}
		o.Status = status
		o.CloseReason = reason
		now := time.Now().UTC()
		o.ClosedAt = now
		o.UpdatedAt = now
	})
}

// OpenOrders returns copies of all orders that are not yet closed.
func (s *Store) OpenOrders() []PendingOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingOrder
	for _, o := range s.cache.PendingOrders {
		if o.ClosedAt.IsZero() {
			cp := *o
			cp.SeenTradeIDs = append([]string(nil), o.SeenTradeIDs...)
			out = append(out, cp)
		}
	}
	return out
}

// PruneClosedOrders drops closed orders older than the retention window.
func (s *Store) PruneClosedOrders(retention time.Duration) int {
	pruned := 0
	cutoff := time.Now().Add(-retention)
	s.mutate(func(st *PersistentState) {
		for id, o := range st.PendingOrders {
			if !o.ClosedAt.IsZero() && o.ClosedAt.Before(cutoff) {
				delete(st.PendingOrders, id)
				pruned++
			}
		}
	})
	return pruned
}

// --- cooldowns ---

// SetCooldown blocks a symbol until the given deadline.
func (s *Store) SetCooldown(symbol string, until time.Time, reason string) {
	s.mutate(func(st *PersistentState) {
		st.Cooldowns[symbol] = &Cooldown{Until: until, Reason: reason}
	})
}

// ActiveCooldown reports whether the symbol is cooling down. Expired
// entries are removed on read.
func (s *Store) ActiveCooldown(symbol string, now time.Time) (Cooldown, bool) {
	var cd Cooldown
	active := false
	s.mutate(func(st *PersistentState) {
		c, ok := st.Cooldowns[symbol]
		if !ok {
			return
		}
		if now.After(c.Until) {
			delete(st.Cooldowns, symbol)
			return
		}
		cd = *c
		active = true
	})
	return cd, active
}

// --- red flag bans ---

// AddBan records a red-flag ban that auto-expires after the TTL.
func (s *Store) AddBan(symbol, reason string, ttl time.Duration) {
	s.mutate(func(st *PersistentState) {
		st.RedFlagBans[symbol] = &RedFlagBan{
			Reason:    reason,
			ExpiresAt: time.Now().UTC().Add(ttl),
		}
	})
}

// ActiveBans returns unexpired bans, dropping expired entries.
func (s *Store) ActiveBans(now time.Time) map[string]RedFlagBan {
	out := make(map[string]RedFlagBan)
	s.mutate(func(st *PersistentState) {
		for sym, b := range st.RedFlagBans {
			if now.After(b.ExpiresAt) {
				delete(st.RedFlagBans, sym)
				continue
			}
			out[sym] = *b
		}
	})
	return out
}

// --- purge failures ---

// RecordPurgeFailure increments the failure count for a symbol.
func (s *Store) RecordPurgeFailure(symbol, errMsg string) PurgeFailure {
	var out PurgeFailure
	s.mutate(func(st *PersistentState) {
		f, ok := st.PurgeFailures[symbol]
		if !ok {
			f = &PurgeFailure{}
			st.PurgeFailures[symbol] = f
		}
		f.Count++
		f.LastFailedAt = time.Now().UTC()
		f.LastError = errMsg
		out = *f
	})
	return out
}

// PurgeFailureFor returns the failure record for a symbol, if any.
func (s *Store) PurgeFailureFor(symbol string) (PurgeFailure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.cache.PurgeFailures[symbol]
	if !ok {
		return PurgeFailure{}, false
	}
	return *f, true
}

// ClearPurgeFailure resets the backoff after a successful liquidation.
func (s *Store) ClearPurgeFailure(symbol string) {
	s.mutate(func(st *PersistentState) {
		delete(st.PurgeFailures, symbol)
	})
}

// --- counters and marks ---

// RecordTrade stamps the global and per-symbol trade clocks and appends
// to the rolling trade log used by the hourly/daily caps.
func (s *Store) RecordTrade(symbol string, at time.Time) {
	s.mutate(func(st *PersistentState) {
		st.LastTradeTs = at
		st.PerSymbolLastTrade[symbol] = at
		st.TradeTimes = append(st.TradeTimes, at)
		// Keep a day's worth; older entries can never matter to the caps.
		cutoff := at.Add(-24 * time.Hour)
		i := 0
		for ; i < len(st.TradeTimes); i++ {
			if st.TradeTimes[i].After(cutoff) {
				break
			}
		}
		st.TradeTimes = st.TradeTimes[i:]
	})
}

// TradesSince counts trades after the cutoff.
func (s *Store) TradesSince(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.cache.TradeTimes {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// UpdateHighWaterMark raises the HWM if nav exceeds it.
func (s *Store) UpdateHighWaterMark(nav float64) {
	s.mutate(func(st *PersistentState) {
		if nav > st.HighWaterMark {
			st.HighWaterMark = nav
		}
	})
}

// SetPnLAnchors updates the daily/weekly NAV baselines when their
// periods roll over.
func (s *Store) SetPnLAnchors(dailyDate string, dailyNAV float64, weeklyDate string, weeklyNAV float64) {
	s.mutate(func(st *PersistentState) {
		if dailyDate != "" {
			st.DailyAnchorDate = dailyDate
			st.DailyAnchorNAV = dailyNAV
		}
		if weeklyDate != "" {
			st.WeeklyAnchorDate = weeklyDate
			st.WeeklyAnchorNAV = weeklyNAV
		}
	})
}

// IncrementZeroTriggerCycles bumps the consecutive zero-trigger counter
// and returns the new value.
func (s *Store) IncrementZeroTriggerCycles() int {
	var n int
	s.mutate(func(st *PersistentState) {
		st.ZeroTriggerCycles++
		n = st.ZeroTriggerCycles
	})
	return n
}

// ResetZeroTriggerCycles clears the counter after a cycle with triggers.
func (s *Store) ResetZeroTriggerCycles() {
	s.mutate(func(st *PersistentState) {
		st.ZeroTriggerCycles = 0
	})
}

// MarkAutoTuneApplied records the one-shot threshold loosening.
func (s *Store) MarkAutoTuneApplied() {
	s.mutate(func(st *PersistentState) {
		st.AutoTuneApplied = true
	})
}

// SetKillSwitch flips the in-state kill switch flag.
func (s *Store) SetKillSwitch(active bool) {
	s.mutate(func(st *PersistentState) {
		st.KillSwitchActive = active
	})
}

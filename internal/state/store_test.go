package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileStore(t *testing.T) *Store {
	t.Helper()
	backend, err := NewFileBackend(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	store, err := NewStore(context.Background(), backend, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err := NewFileBackend(path)
	require.NoError(t, err)
	ctx := context.Background()

	// Missing file loads as empty state, not an error.
	loaded, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.Positions)

	s := NewPersistentState()
	s.HighWaterMark = 12345.67
	s.Positions["BTC-USD"] = &Position{Symbol: "BTC-USD", Quantity: 0.5, AvgEntryPrice: 40000}
	s.Cooldowns["ETH-USD"] = &Cooldown{Until: time.Now().Add(time.Hour), Reason: "loss"}
	require.NoError(t, backend.Save(ctx, s))

	loaded, err = backend.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12345.67, loaded.HighWaterMark)
	require.Contains(t, loaded.Positions, "BTC-USD")
	assert.Equal(t, 0.5, loaded.Positions["BTC-USD"].Quantity)
	assert.NotNil(t, loaded.PendingOrders, "missing maps get defaults")
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer backend.Close()
	ctx := context.Background()

	loaded, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.Positions)

	s := NewPersistentState()
	s.ZeroTriggerCycles = 7
	s.AutoTuneApplied = true
	s.RedFlagBans["DOGE-USD"] = &RedFlagBan{Reason: "delisting_rumor", ExpiresAt: time.Now().Add(24 * time.Hour)}
	require.NoError(t, backend.Save(ctx, s))

	// Second save replaces the row, not duplicates it.
	s.ZeroTriggerCycles = 8
	require.NoError(t, backend.Save(ctx, s))

	loaded, err = backend.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, loaded.ZeroTriggerCycles)
	assert.True(t, loaded.AutoTuneApplied)
	assert.Contains(t, loaded.RedFlagBans, "DOGE-USD")
}

func TestCloseOrderIdempotent(t *testing.T) {
	store := newFileStore(t)

	store.TrackOrder(PendingOrder{ClientOrderID: "c1", Symbol: "BTC-USD", Side: "BUY", Status: "SUBMITTED"})
	store.CloseOrder("c1", "FILLED", "fully filled")
	store.CloseOrder("c1", "CANCELED", "should not apply")
	store.CloseOrder("ghost", "CANCELED", "unknown order is a no-op")

	snap := store.Snapshot()
	require.Contains(t, snap.PendingOrders, "c1")
	assert.Equal(t, "FILLED", snap.PendingOrders["c1"].Status)
	assert.Equal(t, "fully filled", snap.PendingOrders["c1"].CloseReason)

	assert.Empty(t, store.OpenOrders(), "closed orders are not open")
}

func TestUpdateOrderSkipsClosed(t *testing.T) {
	store := newFileStore(t)
	store.TrackOrder(PendingOrder{ClientOrderID: "c1", Status: "SUBMITTED"})

	ok := store.UpdateOrder("c1", func(o *PendingOrder) { o.Status = "OPEN" })
	assert.True(t, ok)

	store.CloseOrder("c1", "CANCELED", "ttl")
	ok = store.UpdateOrder("c1", func(o *PendingOrder) { o.Status = "OPEN" })
	assert.False(t, ok, "closed orders are immutable")
}

func TestPruneClosedOrdersRespectsRetention(t *testing.T) {
	store := newFileStore(t)

	store.TrackOrder(PendingOrder{ClientOrderID: "old", Status: "SUBMITTED"})
	store.CloseOrder("old", "FILLED", "fully filled")
	store.mutate(func(st *PersistentState) {
		st.PendingOrders["old"].ClosedAt = time.Now().Add(-48 * time.Hour)
	})
	store.TrackOrder(PendingOrder{ClientOrderID: "fresh", Status: "SUBMITTED"})
	store.CloseOrder("fresh", "CANCELED", "ttl")
	store.TrackOrder(PendingOrder{ClientOrderID: "live", Status: "OPEN"})

	assert.Equal(t, 1, store.PruneClosedOrders(24*time.Hour))

	snap := store.Snapshot()
	assert.NotContains(t, snap.PendingOrders, "old")
	assert.Contains(t, snap.PendingOrders, "fresh", "recently closed orders stay for reconcile lookups")
	assert.Contains(t, snap.PendingOrders, "live", "open orders are never pruned")
}

func TestCooldownExpiresOnRead(t *testing.T) {
	store := newFileStore(t)
	now := time.Now()

	store.SetCooldown("SOL-USD", now.Add(time.Minute), "loss")
	cd, active := store.ActiveCooldown("SOL-USD", now)
	require.True(t, active)
	assert.Equal(t, "loss", cd.Reason)

	_, active = store.ActiveCooldown("SOL-USD", now.Add(2*time.Minute))
	assert.False(t, active)
	// Expired entry removed, not resurrected.
	_, active = store.ActiveCooldown("SOL-USD", now)
	assert.False(t, active)
}

func TestBansExpireOnRead(t *testing.T) {
	store := newFileStore(t)
	store.AddBan("XYZ-USD", "red_flag", time.Millisecond)
	store.AddBan("ABC-USD", "red_flag", time.Hour)

	bans := store.ActiveBans(time.Now().Add(time.Second))
	assert.NotContains(t, bans, "XYZ-USD")
	assert.Contains(t, bans, "ABC-USD")
}

func TestPurgeFailureBackoffCounters(t *testing.T) {
	store := newFileStore(t)

	f := store.RecordPurgeFailure("BTC-USD", "insufficient liquidity")
	assert.Equal(t, 1, f.Count)
	f = store.RecordPurgeFailure("BTC-USD", "timeout")
	assert.Equal(t, 2, f.Count)
	assert.Equal(t, "timeout", f.LastError)

	store.ClearPurgeFailure("BTC-USD")
	_, ok := store.PurgeFailureFor("BTC-USD")
	assert.False(t, ok)
}

func TestRecordTradeAndCaps(t *testing.T) {
	store := newFileStore(t)
	now := time.Now()

	store.RecordTrade("BTC-USD", now.Add(-25*time.Hour)) // pruned by next record
	store.RecordTrade("BTC-USD", now.Add(-30*time.Minute))
	store.RecordTrade("ETH-USD", now)

	assert.Equal(t, 2, store.TradesSince(now.Add(-time.Hour)))
	assert.Equal(t, 1, store.TradesSince(now.Add(-time.Minute)))

	snap := store.Snapshot()
	assert.Equal(t, now, snap.LastTradeTs)
	assert.Equal(t, now, snap.PerSymbolLastTrade["ETH-USD"])
	assert.Len(t, snap.TradeTimes, 2, "entries older than 24h pruned")
}

func TestHighWaterMarkOnlyRises(t *testing.T) {
	store := newFileStore(t)
	store.UpdateHighWaterMark(1000)
	store.UpdateHighWaterMark(900)
	assert.Equal(t, 1000.0, store.Snapshot().HighWaterMark)
	store.UpdateHighWaterMark(1100)
	assert.Equal(t, 1100.0, store.Snapshot().HighWaterMark)
}

func TestFlushPersistsAndSkipsClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err := NewFileBackend(path)
	require.NoError(t, err)
	ctx := context.Background()
	store, err := NewStore(ctx, backend, time.Minute, zerolog.Nop())
	require.NoError(t, err)

	store.UpsertPosition(Position{Symbol: "BTC-USD", Quantity: 1})
	require.NoError(t, store.Flush(ctx))

	reloaded, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, reloaded.Positions, "BTC-USD")

	// Clean cache: flush is a no-op even if the file is edited underneath.
	require.NoError(t, store.Flush(ctx))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	store := newFileStore(t)
	store.UpsertPosition(Position{Symbol: "BTC-USD", Quantity: 1})

	snap := store.Snapshot()
	snap.Positions["BTC-USD"].Quantity = 99
	snap.Positions["HACK-USD"] = &Position{}

	fresh := store.Snapshot()
	assert.Equal(t, 1.0, fresh.Positions["BTC-USD"].Quantity)
	assert.NotContains(t, fresh.Positions, "HACK-USD")
}

func TestStoreStopFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err := NewFileBackend(path)
	require.NoError(t, err)
	ctx := context.Background()
	store, err := NewStore(ctx, backend, 50*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	store.Start()
	store.SetKillSwitch(true)
	require.NoError(t, store.Stop(ctx))

	backend2, err := NewFileBackend(path)
	require.NoError(t, err)
	loaded, err := backend2.Load(ctx)
	require.NoError(t, err)
	assert.True(t, loaded.KillSwitchActive)
}

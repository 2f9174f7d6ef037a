package execution

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/aelhadee/247trader/internal/exchange"
)

// GhostFilter suppresses recently-canceled orders from exchange open
// order listings. Cancellation is not strongly consistent on the
// exchange side: a canceled order can keep appearing in reads for up to
// about a minute, and trusting those reads re-creates phantom
// pending-buy conflicts.
type GhostFilter struct {
	cache *gocache.Cache
}

// NewGhostFilter creates a filter whose entries expire after ttl
// (default 60s).
func NewGhostFilter(ttl time.Duration) *GhostFilter {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &GhostFilter{cache: gocache.New(ttl, ttl)}
}

// MarkCanceled records ids that should be suppressed. Both client and
// exchange order ids are accepted; empty ids are ignored.
func (g *GhostFilter) MarkCanceled(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		g.cache.SetDefault(id, struct{}{})
	}
}

// Contains reports whether an id is currently suppressed.
func (g *GhostFilter) Contains(id string) bool {
	_, found := g.cache.Get(id)
	return found
}

// Filter removes ghost entries from an exchange open-order listing.
func (g *GhostFilter) Filter(orders []exchange.OpenOrder) []exchange.OpenOrder {
	kept := orders[:0]
	for _, o := range orders {
		if g.Contains(o.OrderID) || g.Contains(o.ClientOrderID) {
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

// Package backtest replays historical candles through the same market
// data contract the live pipeline consumes. A Source behind a
// PaperExchange gives the full decision loop simulated fills without
// touching any live endpoint.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aelhadee/247trader/internal/exchange"
)

// Source is an exchange.MarketDataSource driven by a virtual clock.
// Reads only ever see data at or before the clock; advancing the clock
// reveals the next candles.
type Source struct {
	mu       sync.Mutex
	products []exchange.Product
	series   map[string][]exchange.Candle // ascending by Start
	clock    time.Time

	spreadBps float64
	depthUSD  float64
}

// NewSource creates an empty source. spreadBps sets the synthetic
// bid/ask width around the candle close; depthUSD the synthetic
// top-of-book depth.
func NewSource(spreadBps, depthUSD float64) *Source {
	return &Source{
		series:    make(map[string][]exchange.Candle),
		spreadBps: spreadBps,
		depthUSD:  depthUSD,
	}
}

// AddProduct registers product metadata served by ListProducts.
func (s *Source) AddProduct(p exchange.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = append(s.products, p)
}

// AddSeries loads a candle history for symbol. Candles are sorted by
// start time; the clock starts at the earliest candle across all series
// if not set yet.
func (s *Source) AddSeries(symbol string, candles []exchange.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]exchange.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })
	s.series[symbol] = sorted

	if len(sorted) > 0 && (s.clock.IsZero() || sorted[0].Start.Before(s.clock)) {
		s.clock = sorted[0].Start
	}
}

// Clock returns the current virtual time.
func (s *Source) Clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// SetClock positions the virtual clock.
func (s *Source) SetClock(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = t
}

// Advance moves the clock forward by d.
func (s *Source) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(d)
}

// End returns the latest candle start across all series.
func (s *Source) End() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var end time.Time
	for _, candles := range s.series {
		if n := len(candles); n > 0 && candles[n-1].Start.After(end) {
			end = candles[n-1].Start
		}
	}
	return end
}

// Replay steps the clock from its current position to the end of the
// loaded data, invoking fn at each step. fn returning an error stops
// the replay.
func (s *Source) Replay(ctx context.Context, step time.Duration, fn func(now time.Time) error) error {
	if step <= 0 {
		return fmt.Errorf("replay step must be positive")
	}
	end := s.End()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := s.Clock()
		if now.After(end) {
			return nil
		}
		if err := fn(now); err != nil {
			return err
		}
		s.Advance(step)
	}
}

// ListProducts implements exchange.MarketDataSource.
func (s *Source) ListProducts(ctx context.Context) ([]exchange.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]exchange.Product, len(s.products))
	copy(out, s.products)
	return out, nil
}

// GetQuote synthesizes a top-of-book quote from the latest visible
// candle close.
func (s *Source) GetQuote(ctx context.Context, symbol string) (exchange.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.lastVisible(symbol)
	if !ok {
		return exchange.Quote{}, fmt.Errorf("no candle data for %s at %s", symbol, s.clock.Format(time.RFC3339))
	}
	half := c.Close * s.spreadBps / 10000 / 2
	return exchange.Quote{
		Symbol: symbol,
		Bid:    c.Close - half,
		Ask:    c.Close + half,
		Mid:    c.Close,
		Ts:     s.clock,
	}, nil
}

// GetOrderBook synthesizes fixed-depth top-of-book levels.
func (s *Source) GetOrderBook(ctx context.Context, symbol string) (exchange.OrderBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.lastVisible(symbol)
	if !ok {
		return exchange.OrderBook{}, fmt.Errorf("no candle data for %s at %s", symbol, s.clock.Format(time.RFC3339))
	}
	half := c.Close * s.spreadBps / 10000 / 2
	bid, ask := c.Close-half, c.Close+half
	return exchange.OrderBook{
		Symbol: symbol,
		Bids:   []exchange.BookLevel{{Price: bid, Size: s.depthUSD / 2 / bid}},
		Asks:   []exchange.BookLevel{{Price: ask, Size: s.depthUSD / 2 / ask}},
	}, nil
}

// GetOHLCV returns candles within [start, end], never revealing data
// past the virtual clock.
func (s *Source) GetOHLCV(ctx context.Context, symbol, granularity string, start, end time.Time) ([]exchange.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if end.After(s.clock) {
		end = s.clock
	}
	var out []exchange.Candle
	for _, c := range s.series[symbol] {
		if c.Start.Before(start) || c.Start.After(end) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// lastVisible returns the latest candle at or before the clock.
// Callers hold s.mu.
func (s *Source) lastVisible(symbol string) (exchange.Candle, bool) {
	candles := s.series[symbol]
	idx := sort.Search(len(candles), func(i int) bool { return candles[i].Start.After(s.clock) })
	if idx == 0 {
		return exchange.Candle{}, false
	}
	return candles[idx-1], true
}

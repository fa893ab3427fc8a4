package marketdata

import (
	"sync"
	"time"

	"condor/internal/types"
)

// Cache holds the latest quote per instrument. The broker session's read loop
// is the only writer; everyone else reads copied-out snapshots.
type Cache struct {
	mu     sync.RWMutex
	quotes map[types.Instrument]types.Quote
}

func NewCache() *Cache {
	return &Cache{quotes: make(map[types.Instrument]types.Quote)}
}

// Apply merges a tick into the cache. Out-of-order updates (timestamp older
// than what we already hold) are dropped so per-instrument timestamps stay
// monotonic. Zero-valued fields on the incoming quote keep the previous
// value: the gateway sends partial updates (price-only, greeks-only).
func (c *Cache) Apply(q types.Quote) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.quotes[q.Instrument]
	if ok && q.UpdatedAt.Before(prev.UpdatedAt) {
		return false
	}
	if ok {
		if q.Last.IsZero() {
			q.Last = prev.Last
		}
		if q.Bid.IsZero() {
			q.Bid = prev.Bid
		}
		if q.Ask.IsZero() {
			q.Ask = prev.Ask
		}
		if q.ImpliedVol == 0 {
			q.ImpliedVol = prev.ImpliedVol
		}
		if q.Delta == 0 {
			q.Delta = prev.Delta
		}
		if q.Gamma == 0 {
			q.Gamma = prev.Gamma
		}
		if q.Theta == 0 {
			q.Theta = prev.Theta
		}
		if q.Vega == 0 {
			q.Vega = prev.Vega
		}
	}
	c.quotes[q.Instrument] = q
	return true
}

// Snapshot returns a copy of the latest quote for inst.
func (c *Cache) Snapshot(inst types.Instrument) (types.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[inst]
	return q, ok
}

// Fresh reports whether a usable quote exists and is newer than maxAge.
func (c *Cache) Fresh(inst types.Instrument, now time.Time, maxAge time.Duration) bool {
	q, ok := c.Snapshot(inst)
	return ok && q.FreshAt(now, maxAge)
}

// All returns a copy of every cached quote, for the HTTP surface and the
// strike selector.
func (c *Cache) All() []types.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Quote, 0, len(c.quotes))
	for _, q := range c.quotes {
		out = append(out, q)
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

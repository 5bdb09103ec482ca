// Package prices maintains realtime and historical price data: a staleness
// aware LTP cache fed by the broker's WebSocket stream, refcounted symbol
// subscriptions, and a TTL'd historical series cache.
package prices

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/marketcal"
)

// Quote is a price answer with provenance. Stale quotes carry the freshest
// value available but must not drive trading decisions on their own.
type Quote struct {
	Symbol string
	LTP    float64
	At     time.Time
	Source domain.PriceSource
	Stale  bool
}

// Cache is the thread-safe last-traded-price cache. Staleness is judged on
// read against the calendar's budget, not on write, so the same entry can be
// fresh during the session and acceptable after hours.
type Cache struct {
	calendar *marketcal.Calendar
	log      zerolog.Logger

	mu        sync.RWMutex
	realtime  map[string]domain.PriceObservation
	fallbacks map[string]domain.PriceObservation // last historical close per symbol

	now func() time.Time
}

// NewCache creates an LTP cache
func NewCache(calendar *marketcal.Calendar, log zerolog.Logger) *Cache {
	return &Cache{
		calendar:  calendar,
		log:       log.With().Str("component", "price_cache").Logger(),
		realtime:  make(map[string]domain.PriceObservation),
		fallbacks: make(map[string]domain.PriceObservation),
		now:       time.Now,
	}
}

// Put stores a realtime observation. Out-of-order samples (older than the
// cached one) are dropped.
func (c *Cache) Put(obs domain.PriceObservation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.realtime[obs.Symbol]; ok && obs.ReceivedAt.Before(cur.ReceivedAt) {
		return
	}
	c.realtime[obs.Symbol] = obs
}

// PutFallback stores a historical close to serve when no fresh LTP exists
func (c *Cache) PutFallback(symbol string, close float64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallbacks[symbol] = domain.PriceObservation{
		Symbol:     symbol,
		LTP:        close,
		ReceivedAt: at,
		Source:     domain.SourceHistorical,
	}
}

// Get returns the best available quote for a symbol. A realtime sample within
// the staleness budget is fresh; otherwise the historical fallback (or the
// stale sample itself) is returned marked Stale. The second return is false
// when nothing at all is known about the symbol.
func (c *Cache) Get(symbol string) (Quote, bool) {
	now := c.now()
	budget := c.calendar.StalenessBudget(now)

	c.mu.RLock()
	rt, hasRT := c.realtime[symbol]
	fb, hasFB := c.fallbacks[symbol]
	c.mu.RUnlock()

	if hasRT && now.Sub(rt.ReceivedAt) <= budget {
		return Quote{Symbol: symbol, LTP: rt.LTP, At: rt.ReceivedAt, Source: rt.Source}, true
	}

	// Prefer the fallback close over an expired realtime sample when the
	// fallback is newer
	if hasFB && (!hasRT || fb.ReceivedAt.After(rt.ReceivedAt)) {
		return Quote{Symbol: symbol, LTP: fb.LTP, At: fb.ReceivedAt, Source: domain.SourceHistorical, Stale: true}, true
	}
	if hasRT {
		return Quote{Symbol: symbol, LTP: rt.LTP, At: rt.ReceivedAt, Source: rt.Source, Stale: true}, true
	}
	return Quote{}, false
}

// Snapshot returns a copy of every cached realtime observation
func (c *Cache) Snapshot() map[string]domain.PriceObservation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.PriceObservation, len(c.realtime))
	for k, v := range c.realtime {
		out[k] = v
	}
	return out
}

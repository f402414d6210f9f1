package structure

import (
	"math"
	"sync/atomic"

	"btcperp-engine/internal/model"
	"btcperp-engine/internal/tradeconfig"
)

// Cache owns a single writer (the driver loop) and shares the latest
// StructureSnapshot lock-free with any readers: the writer calls Get once
// per tick, readers elsewhere see the last published snapshot with no
// locking.
type Cache struct {
	snap atomic.Pointer[model.StructureSnapshot]
}

// Get returns a snapshot for tick, rebuilding when the cache is empty, the
// TTL has elapsed, or mid has drifted past invalidateMidDriftUsd since the
// cached snapshot was built.
func (c *Cache) Get(tick model.MarketTick, bar BarState, cfg *tradeconfig.Structure) model.StructureSnapshot {
	cached := c.snap.Load()
	if cached != nil && cached.Ready {
		age := tick.TsMs - cached.BuiltAtMs
		drift := math.Abs(tick.Mid - cached.BuiltAtMid)
		if age >= 0 && age < cfg.CacheTtlMs && drift <= cfg.InvalidateMidDriftUsd {
			return *cached
		}
	}
	fresh := Build(tick, bar, cfg)
	c.snap.Store(&fresh)
	return fresh
}

// Peek returns the last published snapshot without rebuilding, for
// external, read-only consumers (notifier, dashboard-style viewers).
func (c *Cache) Peek() (model.StructureSnapshot, bool) {
	p := c.snap.Load()
	if p == nil {
		return model.StructureSnapshot{}, false
	}
	return *p, true
}

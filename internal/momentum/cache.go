package momentum

import (
	"sync"
	"time"

	"momentum-systemv1/internal/model"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// Cache holds one momentum map per supported timeframe. The engine is the
// sole writer per (tf, key); readers get copies.
type Cache struct {
	mu  sync.RWMutex
	tfs map[model.Timeframe]map[string]model.Momentum
}

// NewCache creates a cache with one map per momentum-enabled timeframe.
func NewCache() *Cache {
	tfs := make(map[model.Timeframe]map[string]model.Momentum, len(model.MomentumTimeframes))
	for _, tf := range model.MomentumTimeframes {
		tfs[tf] = make(map[string]model.Momentum)
	}
	return &Cache{tfs: tfs}
}

// Put stores a value under the keep-good-value rule: a NotAttempted or
// Insufficient value never overwrites an existing numeric one. This keeps
// rankings steady during partial backfills. Use Invalidate for legitimate
// number-to-null transitions (delisting).
func (c *Cache) Put(tf model.Timeframe, key string, m model.Momentum) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byKey, ok := c.tfs[tf]
	if !ok {
		return
	}
	if prev, exists := byKey[key]; exists && prev.IsNumber() && !m.IsNumber() {
		return
	}
	byKey[key] = m
}

// Invalidate force-clears a key across every timeframe. The explicit escape
// hatch from the keep-good-value rule, used when a symbol is delisted.
func (c *Cache) Invalidate(exchange model.ExchangeKind, symbol string) {
	key := model.Key(exchange, symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, byKey := range c.tfs {
		if _, ok := byKey[key]; ok {
			byKey[key] = model.Momentum{State: model.MomentumInsufficient}
		}
	}
}

// MarkUnavailable records Insufficient for a key in one timeframe, bypassing
// the keep-good-value rule. Used when a JIT backfill gives up on a symbol.
func (c *Cache) MarkUnavailable(tf model.Timeframe, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if byKey, ok := c.tfs[tf]; ok {
		byKey[key] = model.Momentum{State: model.MomentumInsufficient}
	}
}

// Get returns the cached value for one key.
func (c *Cache) Get(tf model.Timeframe, key string) (model.Momentum, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byKey, ok := c.tfs[tf]
	if !ok {
		return model.Momentum{}, false
	}
	m, ok := byKey[key]
	return m, ok
}

// Snapshot copies the full map for one timeframe.
func (c *Cache) Snapshot(tf model.Timeframe) map[string]model.Momentum {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byKey, ok := c.tfs[tf]
	if !ok {
		return nil
	}
	cp := make(map[string]model.Momentum, len(byKey))
	for k, v := range byKey {
		cp[k] = v
	}
	return cp
}

// Coverage returns the ratio of keys holding numeric values for tf over
// total, given the full set of known keys. Keys absent from the cache count
// as non-numeric.
func (c *Cache) Coverage(tf model.Timeframe, knownKeys []string) float64 {
	if len(knownKeys) == 0 {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	byKey, ok := c.tfs[tf]
	if !ok {
		return 0
	}
	numeric := 0
	for _, k := range knownKeys {
		if m, exists := byKey[k]; exists && m.IsNumber() {
			numeric++
		}
	}
	return float64(numeric) / float64(len(knownKeys))
}

// Export copies every timeframe map for snapshotting.
func (c *Cache) Export() map[model.Timeframe]map[string]model.Momentum {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[model.Timeframe]map[string]model.Momentum, len(c.tfs))
	for tf, byKey := range c.tfs {
		cp := make(map[string]model.Momentum, len(byKey))
		for k, v := range byKey {
			cp[k] = v
		}
		out[tf] = cp
	}
	return out
}

// Restore loads persisted values. Only numeric values are restored: persisted
// nulls stay NotAttempted so the startup backfill re-evaluates them.
func (c *Cache) Restore(data map[model.Timeframe]map[string]model.Momentum) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tf, byKey := range data {
		dst, ok := c.tfs[tf]
		if !ok {
			continue
		}
		for k, v := range byKey {
			if v.IsNumber() {
				dst[k] = v
			}
		}
	}
}

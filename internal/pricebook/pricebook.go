// Package pricebook keeps the latest tick-derived price and 24h change per
// (exchange, symbol). The gateway reads it for initial payloads and refresh
// snapshots; the persistence layer snapshots it across restarts.
package pricebook

import (
	"sync"

	"momentum-systemv1/internal/model"
)

// Entry is the last-seen market state of one key.
type Entry struct {
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
	TS        int64   `json:"ts"`
}

// Book is the concurrent price map, keyed by model.Key.
type Book struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty book.
func New() *Book {
	return &Book{entries: make(map[string]Entry)}
}

// Update folds a tick in. Older ticks never overwrite newer state.
func (b *Book) Update(t model.Tick) {
	key := model.Key(t.Exchange, t.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.entries[key]; ok && t.TS < prev.TS {
		return
	}
	b.entries[key] = Entry{Price: t.Price, Change24h: t.Change24h, TS: t.TS}
}

// Get returns the entry for one key.
func (b *Book) Get(key string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	return e, ok
}

// Snapshot copies the whole book.
func (b *Book) Snapshot() map[string]Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cp := make(map[string]Entry, len(b.entries))
	for k, v := range b.entries {
		cp[k] = v
	}
	return cp
}

// Restore loads persisted entries without clobbering anything newer that
// live streams may already have written.
func (b *Book) Restore(data map[string]Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range data {
		if prev, ok := b.entries[k]; ok && prev.TS >= v.TS {
			continue
		}
		b.entries[k] = v
	}
}

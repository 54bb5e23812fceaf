// Package momentum computes the high-break / low-break statistic over the
// most recent completed candles of a series and maintains the per-timeframe
// result caches the broadcaster reads from.
package momentum

import (
	"math"

	"momentum-systemv1/internal/candlestore"
	"momentum-systemv1/internal/model"
)

// Window is the number of completed candles a numeric result requires.
const Window = candlestore.MinCandlesForMomentum

// Compute evaluates momentum over candles (newest-first, completed bars
// only). It is a pure function of its inputs.
//
// Over useLen = min(Window, len(candles)) candles there are n = useLen-1
// adjacent pairs; a pair where the newer candle's high exceeds the older's
// high counts as a high break, and likewise for lows. Results are the break
// ratios rounded to whole percent.
func Compute(candles []model.Candle, backfilled bool) model.Momentum {
	useLen := len(candles)
	if useLen > Window {
		useLen = Window
	}
	if useLen < Window {
		if !backfilled {
			return model.Momentum{State: model.MomentumNotAttempted}
		}
		return model.Momentum{State: model.MomentumInsufficient}
	}

	n := useLen - 1
	highBreaks, lowBreaks := 0, 0
	for i := 1; i <= n; i++ {
		newer, older := candles[i-1], candles[i]
		if newer.High > older.High {
			highBreaks++
		}
		if newer.Low < older.Low {
			lowBreaks++
		}
	}
	up := int(math.Round(float64(highBreaks) / float64(n) * 100))
	down := int(math.Round(float64(lowBreaks) / float64(n) * 100))
	return model.Computed(up, down)
}

// DropForming strips the still-forming zeroth candle from a latest-including-
// forming view. A candle is forming when its bar has not closed at nowMS.
func DropForming(candles []model.Candle, tf model.Timeframe, nowMS int64) []model.Candle {
	if len(candles) == 0 {
		return candles
	}
	if candles[0].TS > tf.LatestCompletedBarStart(nowMS) {
		return candles[1:]
	}
	return candles
}

// Engine reads the candle store and writes momentum values into the cache.
type Engine struct {
	store *candlestore.Store
	cache *Cache
	now   func() int64
}

// NewEngine wires an engine over the given store and cache.
func NewEngine(store *candlestore.Store, cache *Cache) *Engine {
	return &Engine{store: store, cache: cache, now: nowMillis}
}

// ComputeKey computes momentum for one (exchange, symbol, tf) from the store
// without touching the cache.
func (e *Engine) ComputeKey(exchange model.ExchangeKind, symbol string, tf model.Timeframe) model.Momentum {
	if !tf.MomentumEnabled() {
		return model.Momentum{State: model.MomentumInsufficient}
	}
	view := e.store.Get(exchange, symbol, tf)
	completed := DropForming(view.Candles, tf, e.now())
	return Compute(completed, view.Backfilled)
}

// RecomputeSymbol recomputes one key and stores the result. Returns the new
// value actually visible in the cache after the keep-good-value rule.
func (e *Engine) RecomputeSymbol(exchange model.ExchangeKind, symbol string, tf model.Timeframe) model.Momentum {
	m := e.ComputeKey(exchange, symbol, tf)
	e.cache.Put(tf, model.Key(exchange, symbol), m)
	got, _ := e.cache.Get(tf, model.Key(exchange, symbol))
	return got
}

// RecomputeAll recomputes every series present in the store for tf and
// returns how many keys now carry numeric values.
func (e *Engine) RecomputeAll(tf model.Timeframe) int {
	numeric := 0
	for _, key := range e.store.Keys(tf) {
		m := e.RecomputeSymbol(key.Exchange, key.Symbol, tf)
		if m.IsNumber() {
			numeric++
		}
	}
	return numeric
}

// Package resample synthesizes higher-timeframe candles from finer ones.
// Both the archive writer and the adapters whose exchange lacks native bars
// for a timeframe use the same grouping rule, so synthesized and native
// candles agree: group by floor(ts/(tf*60000))*(tf*60000); per group
// open=oldest, close=newest, high=max, low=min, volume=sum.
package resample

import (
	"momentum-systemv1/internal/model"
)

// Aggregate groups fine candles (any order) into tf-sized candles and
// returns them newest-first. Groups with no source candles are absent, not
// zero-filled.
func Aggregate(fine []model.Candle, tf model.Timeframe) []model.Candle {
	if len(fine) == 0 {
		return nil
	}
	type group struct {
		oldestTS, newestTS int64
		candle             model.Candle
	}
	groups := make(map[int64]*group)
	order := make([]int64, 0)

	for _, c := range fine {
		bucket := tf.BucketStart(c.TS)
		g, ok := groups[bucket]
		if !ok {
			groups[bucket] = &group{
				oldestTS: c.TS,
				newestTS: c.TS,
				candle: model.Candle{
					TS: bucket, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
				},
			}
			order = append(order, bucket)
			continue
		}
		if c.TS < g.oldestTS {
			g.oldestTS = c.TS
			g.candle.Open = c.Open
		}
		if c.TS > g.newestTS {
			g.newestTS = c.TS
			g.candle.Close = c.Close
		}
		if c.High > g.candle.High {
			g.candle.High = c.High
		}
		if c.Low < g.candle.Low {
			g.candle.Low = c.Low
		}
		g.candle.Volume += c.Volume
	}

	// newest-first by bucket
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j] > order[j-1]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	out := make([]model.Candle, 0, len(order))
	for _, bucket := range order {
		out = append(out, groups[bucket].candle)
	}
	return out
}

// tfState is the forming candle for one (key, timeframe).
type tfState struct {
	bucket int64
	ev     model.BarClose
}

// Builder incrementally folds completed 1-minute candles into forming
// higher-timeframe candles, emitting a synthesized bar-close when a bucket
// advances. O(1) per candle per timeframe.
type Builder struct {
	tfs    []model.Timeframe
	states []map[string]*tfState

	// OnBarClose receives every synthesized completed candle together with
	// its timeframe.
	OnBarClose func(tf model.Timeframe, ev model.BarClose)
}

// NewBuilder creates a builder for the given higher timeframes (tf > 1).
func NewBuilder(tfs []model.Timeframe) *Builder {
	states := make([]map[string]*tfState, len(tfs))
	for i := range states {
		states[i] = make(map[string]*tfState, 256)
	}
	return &Builder{tfs: tfs, states: states}
}

// Push processes one completed 1-minute candle against every timeframe.
func (b *Builder) Push(ev model.BarClose) {
	key := ev.Key()
	for i, tf := range b.tfs {
		bucket := tf.BucketStart(ev.Candle.TS)
		st, exists := b.states[i][key]

		if exists && bucket < st.bucket {
			continue // late candle behind an advanced bucket
		}

		if exists && bucket > st.bucket {
			if b.OnBarClose != nil {
				b.OnBarClose(tf, st.ev)
			}
			exists = false
		}

		if !exists {
			c := ev.Candle
			c.TS = bucket
			b.states[i][key] = &tfState{
				bucket: bucket,
				ev:     model.BarClose{Exchange: ev.Exchange, Symbol: ev.Symbol, Candle: c},
			}
			continue
		}

		fc := &st.ev.Candle
		if ev.Candle.High > fc.High {
			fc.High = ev.Candle.High
		}
		if ev.Candle.Low < fc.Low {
			fc.Low = ev.Candle.Low
		}
		fc.Close = ev.Candle.Close
		fc.Volume += ev.Candle.Volume
	}
}

// FlushAll finalizes and emits every forming candle. Called at shutdown.
func (b *Builder) FlushAll() {
	for i, tf := range b.tfs {
		for key, st := range b.states[i] {
			if b.OnBarClose != nil {
				b.OnBarClose(tf, st.ev)
			}
			delete(b.states[i], key)
		}
	}
}

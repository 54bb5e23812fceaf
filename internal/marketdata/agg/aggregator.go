// Package agg folds live ticks into forming 1-minute candles and emits a
// bar-close event whenever a minute bucket rolls over.
package agg

import (
	"context"
	"sync"
	"time"

	"momentum-systemv1/internal/model"

	"github.com/rs/zerolog/log"
)

// barState holds the forming candle for one (exchange, symbol) in the
// current minute bucket.
type barState struct {
	bucket   int64 // bar start ms
	exchange model.ExchangeKind
	symbol   string
	candle   model.Candle
}

// Aggregator builds 1-minute OHLCV candles from a stream of normalized
// ticks. It runs in a single goroutine and emits completed candles when the
// minute rolls over.
type Aggregator struct {
	mu     sync.Mutex
	states map[string]*barState // key = "EXKIND:SYM"

	flushInterval time.Duration

	// Metrics hooks (optional, set externally)
	OnDroppedTick func()
	OnBarClose    func()
}

// New creates a new Aggregator.
func New() *Aggregator {
	return &Aggregator{
		states:        make(map[string]*barState),
		flushInterval: 250 * time.Millisecond, // rollover check frequency
	}
}

// Run consumes ticks from tickCh, aggregates them into 1-minute candles and
// sends bar-close events to closeCh. Blocks until ctx is cancelled or tickCh
// closes.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick, closeCh chan<- model.BarClose) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flushAll(closeCh)
			return
		case tick, ok := <-tickCh:
			if !ok {
				a.flushAll(closeCh)
				return
			}
			a.processTick(tick, closeCh)
		case <-ticker.C:
			// Quiet symbols still close their bars when the minute passes.
			a.flushOld(closeCh)
		}
	}
}

// processTick incorporates a single tick into the forming candle state.
func (a *Aggregator) processTick(tick model.Tick, closeCh chan<- model.BarClose) {
	bucket := model.TF1.BucketStart(tick.TS)
	key := tick.Key()

	a.mu.Lock()
	defer a.mu.Unlock()

	state, exists := a.states[key]

	if exists && bucket < state.bucket {
		// Late tick from an already-closed bar, drop it.
		if a.OnDroppedTick != nil {
			a.OnDroppedTick()
		}
		return
	}

	if exists && bucket > state.bucket {
		a.emit(state, closeCh)
		delete(a.states, key)
		exists = false
	}

	if !exists {
		a.states[key] = &barState{
			bucket:   bucket,
			exchange: tick.Exchange,
			symbol:   tick.Symbol,
			candle: model.Candle{
				TS:     bucket,
				Open:   tick.Price,
				High:   tick.Price,
				Low:    tick.Price,
				Close:  tick.Price,
				Volume: tick.Qty,
			},
		}
		return
	}

	c := &state.candle
	if tick.Price > c.High {
		c.High = tick.Price
	}
	if tick.Price < c.Low {
		c.Low = tick.Price
	}
	c.Close = tick.Price
	c.Volume += tick.Qty
}

// flushOld emits candles whose minute is strictly in the past.
func (a *Aggregator) flushOld(closeCh chan<- model.BarClose) {
	current := model.TF1.BucketStart(time.Now().UnixMilli())

	a.mu.Lock()
	defer a.mu.Unlock()

	for key, state := range a.states {
		if state.bucket < current {
			a.emit(state, closeCh)
			delete(a.states, key)
		}
	}
}

// flushAll emits every open candle regardless of bucket.
func (a *Aggregator) flushAll(closeCh chan<- model.BarClose) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, state := range a.states {
		a.emit(state, closeCh)
		delete(a.states, key)
	}
}

// emit sends a bar-close event. Non-blocking to avoid deadlocks.
func (a *Aggregator) emit(state *barState, closeCh chan<- model.BarClose) {
	ev := model.BarClose{Exchange: state.exchange, Symbol: state.symbol, Candle: state.candle}
	select {
	case closeCh <- ev:
		if a.OnBarClose != nil {
			a.OnBarClose()
		}
	default:
		log.Warn().Str("component", "agg").Str("key", ev.Key()).
			Int64("ts", state.candle.TS).Msg("closeCh full, dropping bar close")
	}
}

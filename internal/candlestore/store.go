// Package candlestore holds the bounded per-(exchange, symbol, timeframe)
// OHLCV series. It is the single source of truth for momentum: the REST
// backfiller and the live tick updater both write here, the momentum engine
// only reads.
package candlestore

import (
	"sync"
	"time"

	"momentum-systemv1/internal/model"
)

const (
	// MaxCandles caps every series. 500 leaves margin over the 360-bar
	// momentum window.
	MaxCandles = 500

	// MinCandlesForMomentum is the completed-candle count required before the
	// engine returns numbers.
	MinCandlesForMomentum = 360

	// missingBuffer is the extra headroom requested when planning a fetch.
	missingBuffer = 2
)

// SeriesKey addresses one candle series.
type SeriesKey struct {
	Exchange model.ExchangeKind
	Symbol   string
	TF       model.Timeframe
}

// Series is one bounded candle sequence, newest first.
type Series struct {
	Candles    []model.Candle `json:"candles"` // strictly decreasing TS
	UpdatedAt  int64          `json:"updatedAt"`
	Backfilled bool           `json:"backfilled"` // collection attempted at least once to sufficiency
}

// FreshnessState classifies a series against the clock.
type FreshnessState int

const (
	Missing FreshnessState = iota
	Stale
	Fresh
)

func (s FreshnessState) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	}
	return "missing"
}

// Freshness is the result of a freshness analysis for one series.
type Freshness struct {
	State         FreshnessState
	CandlesBehind int // completed bars between head and now
	NeededCount   int // candles a backfill should fetch
}

// Store is the concurrent candle store. Reads dominate writes, so a single
// reader-writer lock over the series map is sufficient.
type Store struct {
	mu     sync.RWMutex
	series map[SeriesKey]*Series
}

// New creates an empty store.
func New() *Store {
	return &Store{series: make(map[SeriesKey]*Series)}
}

// Put merges candles into the series, newest-first, deduplicating by
// timestamp and truncating to MaxCandles. Runs in O(n+m). Candles may arrive
// in any order; the stored series stays strictly decreasing in TS.
func (s *Store) Put(exchange model.ExchangeKind, symbol string, tf model.Timeframe, candles []model.Candle) {
	if len(candles) == 0 {
		return
	}
	incoming := sortDescByTS(candles)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := SeriesKey{Exchange: exchange, Symbol: symbol, TF: tf}
	ser, ok := s.series[key]
	if !ok {
		ser = &Series{}
		s.series[key] = ser
	}

	merged := make([]model.Candle, 0, len(ser.Candles)+len(incoming))
	i, j := 0, 0
	for i < len(incoming) && j < len(ser.Candles) {
		a, b := incoming[i], ser.Candles[j]
		switch {
		case a.TS > b.TS:
			merged = append(merged, a)
			i++
		case a.TS < b.TS:
			merged = append(merged, b)
			j++
		default:
			// Same bar fetched again: the incoming copy wins.
			merged = append(merged, a)
			i++
			j++
		}
	}
	merged = append(merged, incoming[i:]...)
	merged = append(merged, ser.Candles[j:]...)
	if len(merged) > MaxCandles {
		merged = merged[:MaxCandles]
	}
	ser.Candles = merged
	ser.UpdatedAt = time.Now().UnixMilli()
}

// Append1m prepends a single completed 1-minute candle. Candles at or behind
// the current head are dropped; the series never goes backwards.
func (s *Store) Append1m(exchange model.ExchangeKind, symbol string, c model.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := SeriesKey{Exchange: exchange, Symbol: symbol, TF: model.TF1}
	ser, ok := s.series[key]
	if !ok {
		ser = &Series{}
		s.series[key] = ser
	}
	if len(ser.Candles) > 0 && c.TS <= ser.Candles[0].TS {
		return
	}
	ser.Candles = append([]model.Candle{c}, ser.Candles...)
	if len(ser.Candles) > MaxCandles {
		ser.Candles = ser.Candles[:MaxCandles]
	}
	ser.UpdatedAt = time.Now().UnixMilli()
}

// AppendBar prepends a completed candle for any timeframe, with the same
// drop-behind-head rule as Append1m. Used by the live resampler to keep
// higher timeframes fresh between backfills.
func (s *Store) AppendBar(exchange model.ExchangeKind, symbol string, tf model.Timeframe, c model.Candle) {
	if tf == model.TF1 {
		s.Append1m(exchange, symbol, c)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := SeriesKey{Exchange: exchange, Symbol: symbol, TF: tf}
	ser, ok := s.series[key]
	if !ok {
		ser = &Series{}
		s.series[key] = ser
	}
	if len(ser.Candles) > 0 && c.TS <= ser.Candles[0].TS {
		return
	}
	ser.Candles = append([]model.Candle{c}, ser.Candles...)
	if len(ser.Candles) > MaxCandles {
		ser.Candles = ser.Candles[:MaxCandles]
	}
	ser.UpdatedAt = time.Now().UnixMilli()
}

// View is a read-only snapshot of one series. The slice aliases store memory
// and is valid until the next mutation of the same series; callers that keep
// it longer must copy.
type View struct {
	Candles    []model.Candle
	Backfilled bool
}

// Get returns a view of the series, or an empty view when absent.
func (s *Store) Get(exchange model.ExchangeKind, symbol string, tf model.Timeframe) View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[SeriesKey{Exchange: exchange, Symbol: symbol, TF: tf}]
	if !ok {
		return View{}
	}
	return View{Candles: ser.Candles, Backfilled: ser.Backfilled}
}

// Len returns the candle count of a series.
func (s *Store) Len(exchange model.ExchangeKind, symbol string, tf model.Timeframe) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ser, ok := s.series[SeriesKey{Exchange: exchange, Symbol: symbol, TF: tf}]; ok {
		return len(ser.Candles)
	}
	return 0
}

// MarkBackfilled records that collection was attempted to sufficiency for the
// series, creating it if needed. After this, insufficient data reads as
// Insufficient rather than NotAttempted.
func (s *Store) MarkBackfilled(exchange model.ExchangeKind, symbol string, tf model.Timeframe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := SeriesKey{Exchange: exchange, Symbol: symbol, TF: tf}
	ser, ok := s.series[key]
	if !ok {
		ser = &Series{}
		s.series[key] = ser
	}
	ser.Backfilled = true
}

// Freshness classifies the series at nowMS and sizes the fetch a backfill
// would need. A series is Fresh iff it holds at least MinCandlesForMomentum
// candles AND its head covers the latest completed bar. The decision
// deliberately ignores when the cache was last written, so a process restart
// with a fresh snapshot never triggers a full re-backfill.
func (s *Store) Freshness(exchange model.ExchangeKind, symbol string, tf model.Timeframe, nowMS int64) Freshness {
	s.mu.RLock()
	ser, ok := s.series[SeriesKey{Exchange: exchange, Symbol: symbol, TF: tf}]
	var head int64
	count := 0
	if ok {
		count = len(ser.Candles)
		if count > 0 {
			head = ser.Candles[0].TS
		}
	}
	s.mu.RUnlock()

	if count == 0 {
		return Freshness{State: Missing, NeededCount: MinCandlesForMomentum + 10}
	}

	latest := tf.LatestCompletedBarStart(nowMS)
	behind := 0
	if head < latest {
		behind = int((latest - head + tf.Millis() - 1) / tf.Millis())
	}

	if count < MinCandlesForMomentum {
		deficit := MinCandlesForMomentum - count
		return Freshness{
			State:         Stale,
			CandlesBehind: behind,
			NeededCount:   deficit + behind + missingBuffer,
		}
	}
	if behind == 0 {
		return Freshness{State: Fresh}
	}
	return Freshness{State: Stale, CandlesBehind: behind, NeededCount: behind + missingBuffer}
}

// Keys returns every series key currently present for the timeframe.
func (s *Store) Keys(tf model.Timeframe) []SeriesKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]SeriesKey, 0, len(s.series))
	for k := range s.series {
		if k.TF == tf {
			keys = append(keys, k)
		}
	}
	return keys
}

// Export copies the entire store for snapshotting, bucketed by exchange.
// Candle slices are copied so the snapshot writer can serialize without
// holding the store lock.
func (s *Store) Export() map[model.ExchangeKind]map[string]map[model.Timeframe]Series {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[model.ExchangeKind]map[string]map[model.Timeframe]Series)
	for k, ser := range s.series {
		bymSym, ok := out[k.Exchange]
		if !ok {
			bymSym = make(map[string]map[model.Timeframe]Series)
			out[k.Exchange] = bymSym
		}
		byTF, ok := bymSym[k.Symbol]
		if !ok {
			byTF = make(map[model.Timeframe]Series)
			bymSym[k.Symbol] = byTF
		}
		cp := make([]model.Candle, len(ser.Candles))
		copy(cp, ser.Candles)
		byTF[k.TF] = Series{Candles: cp, UpdatedAt: ser.UpdatedAt, Backfilled: ser.Backfilled}
	}
	return out
}

// Restore loads snapshot data for one exchange. The backfilled flag is
// re-derived from the restored count rather than trusted from disk.
func (s *Store) Restore(exchange model.ExchangeKind, data map[string]map[model.Timeframe]Series) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for symbol, byTF := range data {
		for tf, ser := range byTF {
			candles := sortDescByTS(ser.Candles)
			if len(candles) > MaxCandles {
				candles = candles[:MaxCandles]
			}
			s.series[SeriesKey{Exchange: exchange, Symbol: symbol, TF: tf}] = &Series{
				Candles:    candles,
				UpdatedAt:  ser.UpdatedAt,
				Backfilled: len(candles) >= MinCandlesForMomentum,
			}
		}
	}
}

// sortDescByTS returns a copy of candles sorted newest-first with duplicate
// timestamps collapsed (first occurrence wins).
func sortDescByTS(candles []model.Candle) []model.Candle {
	cp := make([]model.Candle, len(candles))
	copy(cp, candles)
	// insertion sort: inputs are nearly sorted in practice
	for i := 1; i < len(cp); i++ {
		for j := i; j > 0 && cp[j].TS > cp[j-1].TS; j-- {
			cp[j], cp[j-1] = cp[j-1], cp[j]
		}
	}
	out := cp[:0]
	var lastTS int64 = -1
	for _, c := range cp {
		if c.TS == lastTS {
			continue
		}
		out = append(out, c)
		lastTS = c.TS
	}
	return out
}

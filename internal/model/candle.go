package model

import (
	"encoding/json"
	"time"
)

// Candle is one completed or in-progress OHLCV bar.
// TS is the bar start in milliseconds UTC, aligned to the bar duration.
// Invariants: Low <= Open,Close <= High and Low <= High.
type Candle struct {
	TS     int64   `json:"t"` // bar start, ms UTC
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

// Time returns the bar start as a time.Time.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.TS).UTC()
}

// Valid reports whether the OHLC invariants hold and the timestamp is
// aligned to the given timeframe.
func (c Candle) Valid(tf Timeframe) bool {
	if c.Low > c.High || c.Open < c.Low || c.Open > c.High || c.Close < c.Low || c.Close > c.High {
		return false
	}
	return c.TS%tf.Millis() == 0
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// BarClose is emitted when a forming 1-minute candle completes for a
// (exchange, symbol). Downstream consumers append the candle to the store
// and recompute momentum for the key.
type BarClose struct {
	Exchange ExchangeKind
	Symbol   string
	Candle   Candle
}

// Key returns "EXKIND:SYM" for this event.
func (b BarClose) Key() string { return Key(b.Exchange, b.Symbol) }

package model

// Tick is a single normalized price update from an exchange ticker stream.
// Price is quoted in the exchange kind's currency (KRW or USDT).
type Tick struct {
	Exchange  ExchangeKind `json:"exchange"`
	Symbol    string       `json:"symbol"` // base asset only, e.g. "BTC"
	Price     float64      `json:"price"`
	Change24h float64      `json:"change24h"` // 24h change in percent
	Qty       float64      `json:"qty"`       // per-tick traded quantity, 0 if upstream omits it
	TS        int64        `json:"ts"`        // ms UTC
}

// Key returns "EXKIND:SYM" for this tick.
func (t Tick) Key() string { return Key(t.Exchange, t.Symbol) }

package gateway

import (
	"encoding/json"
	"sort"

	"momentum-systemv1/internal/model"
	"momentum-systemv1/internal/pricebook"
)

// snapshotRow is one entry of the initial/refresh payloads:
// [exchangeKind, symbol, price, up, down, change24h].
type snapshotRow = []json.RawMessage

// buildRow serializes one coin row.
func buildRow(kind model.ExchangeKind, symbol string, e pricebook.Entry, m model.Momentum) snapshotRow {
	ex, _ := json.Marshal(kind.String())
	sym, _ := json.Marshal(symbol)
	price, _ := json.Marshal(e.Price)
	chg, _ := json.Marshal(e.Change24h)
	return snapshotRow{ex, sym, price, m.WireUp(), m.WireDown(), chg}
}

// initialMsg is the first frame a client receives after the upgrade.
type initialMsg struct {
	Type        string        `json:"type"`
	Data        []snapshotRow `json:"data"`
	UsdtKrwRate float64       `json:"usdtKrwRate"`
	ClientID    string        `json:"clientId"`
}

// refreshMsg is the full snapshot sent on a timeframe change.
type refreshMsg struct {
	Type      string        `json:"type"`
	Data      []snapshotRow `json:"data"`
	Timeframe int           `json:"timeframe"`
	RequestID *int64        `json:"requestId,omitempty"`
}

// rateMsg announces an FX rate change.
type rateMsg struct {
	Type        string  `json:"type"`
	UsdtKrwRate float64 `json:"usdtKrwRate"`
}

// inboundMsg is the union of client messages; Type discriminates.
type inboundMsg struct {
	Type           string   `json:"type"`
	Timeframe      int      `json:"timeframe"`
	RequestID      *int64   `json:"requestId"`
	VisibleSymbols []string `json:"visibleSymbols"`
	VisibleKeys    []string `json:"visibleKeys"`
}

// buildRanking serializes the compact ranking frame
// ["R", tf, requestId?, key, key, …] with keys ordered by up% descending;
// non-numeric values sort last, ties break on the key for determinism.
func buildRanking(tf model.Timeframe, requestID *int64, values map[string]model.Momentum) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := values[keys[i]], values[keys[j]]
		switch {
		case a.IsNumber() != b.IsNumber():
			return a.IsNumber()
		case a.IsNumber() && a.Up != b.Up:
			return a.Up > b.Up
		}
		return keys[i] < keys[j]
	})

	frame := make([]any, 0, len(keys)+3)
	frame = append(frame, "R", int(tf))
	if requestID != nil {
		frame = append(frame, *requestID)
	}
	for _, k := range keys {
		frame = append(frame, k)
	}
	out, _ := json.Marshal(frame)
	return out
}

// buildUpdate serializes the per-symbol delta
// ["U", key, price, change24h, up, down].
func buildUpdate(key string, e pricebook.Entry, m model.Momentum) []byte {
	out, _ := json.Marshal([]json.RawMessage{
		json.RawMessage(`"U"`),
		mustJSON(key),
		mustJSON(e.Price),
		mustJSON(e.Change24h),
		m.WireUp(),
		m.WireDown(),
	})
	return out
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

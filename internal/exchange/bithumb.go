package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"momentum-systemv1/internal/marketdata/resample"
	"momentum-systemv1/internal/model"
	"momentum-systemv1/pkg/wsclient"

	"github.com/rs/zerolog/log"
)

const (
	bithumbRESTURL = "https://api.bithumb.com/public"
	bithumbWSURL   = "wss://pubwss.bithumb.com/pub/ws"
)

// bithumbIntervals maps timeframes to Bithumb's chart interval strings.
// 15-minute and 4-hour bars have no native interval and are synthesized from
// the finer native timeframe on the right.
var bithumbIntervals = map[model.Timeframe]string{
	model.TF1:  "1m",
	model.TF3:  "3m",
	model.TF5:  "5m",
	model.TF10: "10m",
	model.TF30: "30m",
	model.TF60: "1h",
}

// bithumbSynth names the finer native timeframe used to synthesize each
// missing one.
var bithumbSynth = map[model.Timeframe]model.Timeframe{
	model.TF15:  model.TF5,
	model.TF240: model.TF60,
}

// Bithumb is the KRW spot adapter for Bithumb.
type Bithumb struct {
	rest   *restClient
	apiURL string
	wsURL  string
	now    func() int64
}

// NewBithumb creates the Bithumb adapter.
func NewBithumb() *Bithumb {
	return &Bithumb{
		rest:   newRESTClient("bithumb"),
		apiURL: bithumbRESTURL,
		wsURL:  bithumbWSURL,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

func (b *Bithumb) Kind() model.ExchangeKind { return model.BithumbSpot }

// MaxCandlesPerCall reflects that the candlestick endpoint has no cursor:
// one call returns the venue's whole recent window, so pagination is moot.
func (b *Bithumb) MaxCandlesPerCall() int { return 500 }

// wireSymbol formats "BTC" as "BTC_KRW".
func (b *Bithumb) wireSymbol(symbol string) (string, error) {
	base, err := baseOnly(symbol)
	if err != nil {
		return "", err
	}
	return base + "_KRW", nil
}

type bithumbTickerAll struct {
	Status string                     `json:"status"`
	Data   map[string]json.RawMessage `json:"data"`
}

// ListMarkets derives the market list from the ALL_KRW ticker: every key
// except the trailing "date" field is a tradable base asset.
func (b *Bithumb) ListMarkets(ctx context.Context) ([]string, error) {
	var resp bithumbTickerAll
	if err := b.rest.getJSON(ctx, b.apiURL+"/ticker/ALL_KRW", &resp); err != nil {
		return nil, err
	}
	if resp.Status != "0000" {
		return nil, permanent(0, fmt.Errorf("bithumb status %s", resp.Status))
	}
	out := make([]string, 0, len(resp.Data))
	for sym := range resp.Data {
		if sym == "date" {
			continue
		}
		out = append(out, sym)
	}
	return out, nil
}

type bithumbCandles struct {
	Status string              `json:"status"`
	Data   [][]json.RawMessage `json:"data"`
}

// FetchCandles requests /candlestick/{symbol}_KRW/{interval}. Bithumb
// returns rows oldest-first as [ts, open, close, high, low, volume] with
// mixed string/number cells, and offers no pagination cursor: beforeMS is
// applied locally. Timeframes without a native interval are synthesized.
func (b *Bithumb) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, count int, beforeMS int64) ([]model.Candle, error) {
	if fine, ok := bithumbSynth[tf]; ok {
		ratio := int(tf / fine)
		fineCandles, err := b.FetchCandles(ctx, symbol, fine, count*ratio+ratio, 0)
		if err != nil {
			return nil, err
		}
		candles := resample.Aggregate(fineCandles, tf)
		// The newest group may be a partial bucket; synthesis only emits
		// buckets whose full span of fine bars has closed.
		candles = dropForming(candles, tf, b.now())
		if len(candles) > 0 && len(fineCandles) > 0 {
			head := candles[0]
			if fineCandles[0].TS < head.TS+tf.Millis()-fine.Millis() {
				candles = candles[1:]
			}
		}
		return filterBefore(candles, tf, count, beforeMS), nil
	}

	interval, ok := bithumbIntervals[tf]
	if !ok {
		return nil, permanent(0, ErrUnsupportedTimeframe)
	}
	market, err := b.wireSymbol(symbol)
	if err != nil {
		return nil, permanent(0, err)
	}

	var resp bithumbCandles
	if err := b.rest.getJSON(ctx, fmt.Sprintf("%s/candlestick/%s/%s", b.apiURL, market, interval), &resp); err != nil {
		return nil, err
	}
	if resp.Status != "0000" {
		return nil, permanent(0, fmt.Errorf("bithumb status %s", resp.Status))
	}

	candles := make([]model.Candle, 0, len(resp.Data))
	for _, row := range resp.Data {
		if len(row) < 6 {
			return nil, permanent(0, fmt.Errorf("%w: short candle row", ErrParse))
		}
		var ts int64
		if err := json.Unmarshal(row[0], &ts); err != nil {
			return nil, permanent(0, fmt.Errorf("%w: %v", ErrParse, err))
		}
		open, err1 := flexFloat(row[1])
		close_, err2 := flexFloat(row[2])
		high, err3 := flexFloat(row[3])
		low, err4 := flexFloat(row[4])
		vol, err5 := flexFloat(row[5])
		for _, e := range []error{err1, err2, err3, err4, err5} {
			if e != nil {
				return nil, permanent(0, fmt.Errorf("%w: %v", ErrParse, e))
			}
		}
		candles = append(candles, model.Candle{
			TS: tf.BucketStart(ts), Open: open, High: high, Low: low, Close: close_, Volume: vol,
		})
	}
	// oldest-first on the wire, newest-first internally
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	candles = dropForming(candles, tf, b.now())
	return filterBefore(candles, tf, count, beforeMS), nil
}

// filterBefore applies the beforeMS cursor and count cap locally for venues
// without a server-side cursor. Candles are newest-first.
func filterBefore(candles []model.Candle, tf model.Timeframe, count int, beforeMS int64) []model.Candle {
	if beforeMS > 0 {
		for len(candles) > 0 && candles[0].TS > beforeMS {
			candles = candles[1:]
		}
	}
	if count > 0 && len(candles) > count {
		candles = candles[:count]
	}
	return candles
}

// flexFloat decodes a JSON cell that may be a number or a numeric string.
func flexFloat(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("cell %s is neither number nor string", raw)
	}
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return 0, fmt.Errorf("cell %q is not numeric", s)
	}
	return f, nil
}

type bithumbWSTicker struct {
	Type    string `json:"type"`
	Content struct {
		Symbol     string `json:"symbol"`
		ClosePrice string `json:"closePrice"`
		ChgRate    string `json:"chgRate"`
		Volume     string `json:"volume"`
		Date       string `json:"date"`
		Time       string `json:"time"`
	} `json:"content"`
}

// StreamTickers subscribes to the 24H ticker channel for the given symbols.
func (b *Bithumb) StreamTickers(ctx context.Context, symbols []string, onTick TickHandler, onDrop CloseHandler) {
	wire := make([]string, 0, len(symbols))
	for _, s := range symbols {
		ws, err := b.wireSymbol(s)
		if err != nil {
			log.Warn().Str("component", "bithumb").Str("symbol", s).Err(err).Msg("skipping bad symbol")
			continue
		}
		wire = append(wire, ws)
	}
	sub, _ := json.Marshal(map[string]any{
		"type": "ticker", "symbols": wire, "tickTypes": []string{"24H"},
	})

	client := wsclient.New("bithumb", b.wsURL)
	client.SubscribePayloads = [][]byte{sub}
	client.OnDrop = func(err error) { onDrop(err) }
	client.OnMessage = func(msg []byte) {
		var t bithumbWSTicker
		if err := json.Unmarshal(msg, &t); err != nil || t.Type != "ticker" {
			return
		}
		price, err := flexFloat(json.RawMessage(fmt.Sprintf("%q", t.Content.ClosePrice)))
		if err != nil {
			return
		}
		chg, _ := flexFloat(json.RawMessage(fmt.Sprintf("%q", t.Content.ChgRate)))
		const suffix = "_KRW"
		sym := t.Content.Symbol
		if len(sym) <= len(suffix) || sym[len(sym)-len(suffix):] != suffix {
			return
		}
		onTick(model.Tick{
			Exchange:  model.BithumbSpot,
			Symbol:    sym[:len(sym)-len(suffix)],
			Price:     price,
			Change24h: chg,
			TS:        time.Now().UnixMilli(),
		})
	}
	client.Run(ctx)
}

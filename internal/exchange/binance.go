package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"momentum-systemv1/internal/model"
	"momentum-systemv1/pkg/wsclient"
)

const (
	binanceSpotRESTURL    = "https://api.binance.com/api/v3"
	binanceSpotWSURL      = "wss://stream.binance.com:9443/ws/!ticker@arr"
	binanceFuturesRESTURL = "https://fapi.binance.com/fapi/v1"
	binanceFuturesWSURL   = "wss://fstream.binance.com/ws/!ticker@arr"

	binanceMaxLimit = 1000
)

// binanceIntervals maps timeframes to Binance interval strings. Every
// supported timeframe has a native interval.
var binanceIntervals = map[model.Timeframe]string{
	model.TF1:   "1m",
	model.TF3:   "3m",
	model.TF5:   "5m",
	model.TF15:  "15m",
	model.TF30:  "30m",
	model.TF60:  "1h",
	model.TF240: "4h",
}

// Binance covers both the USDT spot and USDT-margined perpetual futures
// venues; the two differ only in URLs and the futures contract filter.
type Binance struct {
	kind   model.ExchangeKind
	rest   *restClient
	apiURL string
	wsURL  string
	now    func() int64
}

// NewBinanceSpot creates the spot adapter.
func NewBinanceSpot() *Binance {
	return &Binance{
		kind:   model.BinanceSpot,
		rest:   newRESTClient("binance_spot"),
		apiURL: binanceSpotRESTURL,
		wsURL:  binanceSpotWSURL,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// NewBinanceFutures creates the USDT-M perpetual futures adapter.
func NewBinanceFutures() *Binance {
	return &Binance{
		kind:   model.BinanceFutures,
		rest:   newRESTClient("binance_futures"),
		apiURL: binanceFuturesRESTURL,
		wsURL:  binanceFuturesWSURL,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

func (b *Binance) Kind() model.ExchangeKind { return b.kind }
func (b *Binance) MaxCandlesPerCall() int   { return binanceMaxLimit }

// wireSymbol formats "BTC" as "BTCUSDT".
func (b *Binance) wireSymbol(symbol string) (string, error) {
	base, err := baseOnly(symbol)
	if err != nil {
		return "", err
	}
	if len(base) > 4 && base[len(base)-4:] == "USDT" {
		return "", fmt.Errorf("symbol %q already carries the USDT suffix", symbol)
	}
	return base + "USDT", nil
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		BaseAsset    string `json:"baseAsset"`
		QuoteAsset   string `json:"quoteAsset"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"` // futures only
	} `json:"symbols"`
}

// ListMarkets returns the USDT-quoted trading base assets; for futures only
// perpetual contracts qualify.
func (b *Binance) ListMarkets(ctx context.Context) ([]string, error) {
	var info binanceExchangeInfo
	if err := b.rest.getJSON(ctx, b.apiURL+"/exchangeInfo", &info); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.QuoteAsset != "USDT" || s.Status != "TRADING" {
			continue
		}
		if b.kind == model.BinanceFutures && s.ContractType != "PERPETUAL" {
			continue
		}
		out = append(out, s.BaseAsset)
	}
	return out, nil
}

// FetchCandles requests /klines. Rows are
// [openTime, open, high, low, close, volume, closeTime, …] oldest-first;
// the forming candle is included by the API and stripped here.
func (b *Binance) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, count int, beforeMS int64) ([]model.Candle, error) {
	interval, ok := binanceIntervals[tf]
	if !ok {
		return nil, permanent(0, ErrUnsupportedTimeframe)
	}
	market, err := b.wireSymbol(symbol)
	if err != nil {
		return nil, permanent(0, err)
	}

	q := url.Values{}
	q.Set("symbol", market)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(clampCount(count, binanceMaxLimit)))
	if beforeMS > 0 {
		q.Set("endTime", strconv.FormatInt(beforeMS, 10))
	}

	var rows [][]json.RawMessage
	if err := b.rest.getJSON(ctx, b.apiURL+"/klines?"+q.Encode(), &rows); err != nil {
		return nil, err
	}

	candles := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, permanent(0, fmt.Errorf("%w: short kline row", ErrParse))
		}
		var ts int64
		if err := json.Unmarshal(row[0], &ts); err != nil {
			return nil, permanent(0, fmt.Errorf("%w: %v", ErrParse, err))
		}
		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			v, err := flexFloat(row[i+1])
			if err != nil {
				return nil, permanent(0, fmt.Errorf("%w: %v", ErrParse, err))
			}
			vals[i] = v
		}
		candles = append(candles, model.Candle{
			TS: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4],
		})
	}
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return dropForming(candles, tf, b.now()), nil
}

type binanceTicker struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	ChangePct string `json:"P"`
	LastQty   string `json:"Q"`
	EventTime int64  `json:"E"`
}

// StreamTickers consumes the all-symbol !ticker@arr broadcast and forwards
// only the requested base assets.
func (b *Binance) StreamTickers(ctx context.Context, symbols []string, onTick TickHandler, onDrop CloseHandler) {
	wanted := make(map[string]string, len(symbols)) // wire symbol -> base
	for _, s := range symbols {
		if ws, err := b.wireSymbol(s); err == nil {
			wanted[ws] = s
		}
	}

	client := wsclient.New(b.kind.String(), b.wsURL)
	client.OnDrop = func(err error) { onDrop(err) }
	client.OnMessage = func(msg []byte) {
		var tickers []binanceTicker
		if err := json.Unmarshal(msg, &tickers); err != nil {
			return
		}
		for _, t := range tickers {
			base, ok := wanted[t.Symbol]
			if !ok || t.Event != "24hrTicker" {
				continue
			}
			price, err := strconv.ParseFloat(t.LastPrice, 64)
			if err != nil {
				continue
			}
			chg, _ := strconv.ParseFloat(t.ChangePct, 64)
			qty, _ := strconv.ParseFloat(t.LastQty, 64)
			onTick(model.Tick{
				Exchange:  b.kind,
				Symbol:    base,
				Price:     price,
				Change24h: chg,
				Qty:       qty,
				TS:        t.EventTime,
			})
		}
	}
	client.Run(ctx)
}

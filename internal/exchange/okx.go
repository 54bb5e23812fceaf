package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"momentum-systemv1/internal/model"
	"momentum-systemv1/pkg/wsclient"
)

const (
	okxRESTURL = "https://www.okx.com/api/v5"
	okxWSURL   = "wss://ws.okx.com:8443/ws/v5/public"

	okxMaxLimit = 300
)

// okxBars maps timeframes to OKX bar strings (UTC-aligned variants are not
// needed for intraday bars).
var okxBars = map[model.Timeframe]string{
	model.TF1:   "1m",
	model.TF3:   "3m",
	model.TF5:   "5m",
	model.TF15:  "15m",
	model.TF30:  "30m",
	model.TF60:  "1H",
	model.TF240: "4H",
}

// OKX covers the USDT spot and USDT-settled perpetual swap venues.
type OKX struct {
	kind   model.ExchangeKind
	rest   *restClient
	apiURL string
	wsURL  string
	now    func() int64
}

// NewOKXSpot creates the spot adapter.
func NewOKXSpot() *OKX {
	return &OKX{
		kind:   model.OKXSpot,
		rest:   newRESTClient("okx_spot"),
		apiURL: okxRESTURL,
		wsURL:  okxWSURL,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// NewOKXFutures creates the perpetual swap adapter.
func NewOKXFutures() *OKX {
	return &OKX{
		kind:   model.OKXFutures,
		rest:   newRESTClient("okx_futures"),
		apiURL: okxRESTURL,
		wsURL:  okxWSURL,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

func (o *OKX) Kind() model.ExchangeKind { return o.kind }
func (o *OKX) MaxCandlesPerCall() int   { return okxMaxLimit }

// wireSymbol formats "BTC" as "BTC-USDT" (spot) or "BTC-USDT-SWAP" (swap).
func (o *OKX) wireSymbol(symbol string) (string, error) {
	base, err := baseOnly(symbol)
	if err != nil {
		return "", err
	}
	if o.kind == model.OKXFutures {
		return base + "-USDT-SWAP", nil
	}
	return base + "-USDT", nil
}

// baseFromInstID reverses wireSymbol; returns "" for foreign instruments.
func (o *OKX) baseFromInstID(instID string) string {
	suffix := "-USDT"
	if o.kind == model.OKXFutures {
		suffix = "-USDT-SWAP"
	}
	if !strings.HasSuffix(instID, suffix) {
		return ""
	}
	return instID[:len(instID)-len(suffix)]
}

type okxResponse[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

type okxInstrument struct {
	InstID   string `json:"instId"`
	BaseCcy  string `json:"baseCcy"`  // spot
	CtValCcy string `json:"ctValCcy"` // swap: contract value currency = base
	State    string `json:"state"`
}

// ListMarkets queries /public/instruments filtered to live USDT instruments.
func (o *OKX) ListMarkets(ctx context.Context) ([]string, error) {
	instType := "SPOT"
	if o.kind == model.OKXFutures {
		instType = "SWAP"
	}
	var resp okxResponse[okxInstrument]
	if err := o.rest.getJSON(ctx, o.apiURL+"/public/instruments?instType="+instType, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		return nil, permanent(0, fmt.Errorf("okx code %s: %s", resp.Code, resp.Msg))
	}
	out := make([]string, 0, len(resp.Data))
	for _, inst := range resp.Data {
		if inst.State != "live" {
			continue
		}
		if base := o.baseFromInstID(inst.InstID); base != "" {
			out = append(out, base)
		}
	}
	return out, nil
}

// FetchCandles requests /market/candles. Rows are
// ["ts","o","h","l","c","vol",…,"confirm"] newest-first; confirm "0" marks
// the forming candle, which is dropped.
func (o *OKX) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, count int, beforeMS int64) ([]model.Candle, error) {
	bar, ok := okxBars[tf]
	if !ok {
		return nil, permanent(0, ErrUnsupportedTimeframe)
	}
	instID, err := o.wireSymbol(symbol)
	if err != nil {
		return nil, permanent(0, err)
	}

	q := url.Values{}
	q.Set("instId", instID)
	q.Set("bar", bar)
	q.Set("limit", strconv.Itoa(clampCount(count, okxMaxLimit)))
	if beforeMS > 0 {
		// "after" returns records with ts strictly earlier than the cursor.
		q.Set("after", strconv.FormatInt(beforeMS, 10))
	}

	var resp okxResponse[[]string]
	if err := o.rest.getJSON(ctx, o.apiURL+"/market/candles?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		if resp.Code == "51001" { // instrument does not exist
			return nil, permanent(0, ErrInvalidMarket)
		}
		return nil, transient(0, fmt.Errorf("okx code %s: %s", resp.Code, resp.Msg))
	}

	candles := make([]model.Candle, 0, len(resp.Data))
	for _, row := range resp.Data {
		if len(row) < 6 {
			return nil, permanent(0, fmt.Errorf("%w: short candle row", ErrParse))
		}
		confirmed := true
		if len(row) >= 9 {
			confirmed = row[8] == "1"
		}
		if !confirmed {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, permanent(0, fmt.Errorf("%w: %v", ErrParse, err))
		}
		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			v, err := strconv.ParseFloat(row[i+1], 64)
			if err != nil {
				return nil, permanent(0, fmt.Errorf("%w: %v", ErrParse, err))
			}
			vals[i] = v
		}
		candles = append(candles, model.Candle{
			TS: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4],
		})
	}
	return dropForming(candles, tf, o.now()), nil
}

type okxTickerMsg struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		Last    string `json:"last"`
		Open24h string `json:"open24h"`
		LastSz  string `json:"lastSz"`
		TS      string `json:"ts"`
	} `json:"data"`
}

// StreamTickers subscribes per-instrument to the tickers channel. OKX
// expects a text "ping" heartbeat and answers "pong".
func (o *OKX) StreamTickers(ctx context.Context, symbols []string, onTick TickHandler, onDrop CloseHandler) {
	args := make([]map[string]string, 0, len(symbols))
	for _, s := range symbols {
		if instID, err := o.wireSymbol(s); err == nil {
			args = append(args, map[string]string{"channel": "tickers", "instId": instID})
		}
	}
	sub, _ := json.Marshal(map[string]any{"op": "subscribe", "args": args})

	client := wsclient.New(o.kind.String(), o.wsURL)
	client.SubscribePayloads = [][]byte{sub}
	client.TextPing = []byte("ping")
	client.OnDrop = func(err error) { onDrop(err) }
	client.OnMessage = func(msg []byte) {
		if string(msg) == "pong" {
			return
		}
		var t okxTickerMsg
		if err := json.Unmarshal(msg, &t); err != nil || t.Arg.Channel != "tickers" {
			return
		}
		base := o.baseFromInstID(t.Arg.InstID)
		if base == "" {
			return
		}
		for _, d := range t.Data {
			price, err := strconv.ParseFloat(d.Last, 64)
			if err != nil {
				continue
			}
			open24h, _ := strconv.ParseFloat(d.Open24h, 64)
			chg := 0.0
			if open24h > 0 {
				chg = (price/open24h - 1) * 100
			}
			qty, _ := strconv.ParseFloat(d.LastSz, 64)
			ts, _ := strconv.ParseInt(d.TS, 10, 64)
			onTick(model.Tick{
				Exchange:  o.kind,
				Symbol:    base,
				Price:     price,
				Change24h: chg,
				Qty:       qty,
				TS:        ts,
			})
		}
	}
	client.Run(ctx)
}

package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"momentum-systemv1/internal/model"
	"momentum-systemv1/pkg/wsclient"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	upbitRESTURL = "https://api.upbit.com/v1"
	upbitWSURL   = "wss://api.upbit.com/websocket/v1"

	// Upbit caps candle requests at 200 per call.
	upbitMaxLimit = 200
)

// Upbit is the KRW spot adapter for Upbit. Native minute candles exist for
// every supported timeframe, so nothing is synthesized.
type Upbit struct {
	rest   *restClient
	apiURL string
	wsURL  string
	now    func() int64
}

// NewUpbit creates the Upbit adapter.
func NewUpbit() *Upbit {
	return &Upbit{
		rest:   newRESTClient("upbit"),
		apiURL: upbitRESTURL,
		wsURL:  upbitWSURL,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

func (u *Upbit) Kind() model.ExchangeKind { return model.UpbitSpot }
func (u *Upbit) MaxCandlesPerCall() int   { return upbitMaxLimit }

// wireSymbol formats "BTC" as "KRW-BTC".
func (u *Upbit) wireSymbol(symbol string) (string, error) {
	base, err := baseOnly(symbol)
	if err != nil {
		return "", err
	}
	return "KRW-" + base, nil
}

type upbitMarket struct {
	Market        string `json:"market"`
	MarketWarning string `json:"market_warning"`
}

// ListMarkets returns the KRW-quoted base assets.
func (u *Upbit) ListMarkets(ctx context.Context) ([]string, error) {
	var markets []upbitMarket
	if err := u.rest.getJSON(ctx, u.apiURL+"/market/all?isDetails=true", &markets); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(markets))
	for _, m := range markets {
		const prefix = "KRW-"
		if len(m.Market) > len(prefix) && m.Market[:len(prefix)] == prefix {
			out = append(out, m.Market[len(prefix):])
		}
	}
	return out, nil
}

type upbitCandle struct {
	Market               string  `json:"market"`
	CandleDateTimeUTC    string  `json:"candle_date_time_utc"`
	OpeningPrice         float64 `json:"opening_price"`
	HighPrice            float64 `json:"high_price"`
	LowPrice             float64 `json:"low_price"`
	TradePrice           float64 `json:"trade_price"`
	CandleAccTradeVolume float64 `json:"candle_acc_trade_volume"`
}

// FetchCandles requests /candles/minutes/{unit}. Upbit returns newest-first
// already; the forming candle is included by the API and stripped here.
func (u *Upbit) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, count int, beforeMS int64) ([]model.Candle, error) {
	market, err := u.wireSymbol(symbol)
	if err != nil {
		return nil, permanent(0, err)
	}
	if !tf.Valid() {
		return nil, permanent(0, ErrUnsupportedTimeframe)
	}

	q := url.Values{}
	q.Set("market", market)
	q.Set("count", fmt.Sprintf("%d", clampCount(count, upbitMaxLimit)))
	if beforeMS > 0 {
		// "to" is exclusive of later candles: pass the cutoff directly.
		q.Set("to", time.UnixMilli(beforeMS).UTC().Format(time.RFC3339))
	}
	endpoint := fmt.Sprintf("%s/candles/minutes/%d?%s", u.apiURL, int(tf), q.Encode())

	var raw []upbitCandle
	if err := u.rest.getJSON(ctx, endpoint, &raw); err != nil {
		return nil, err
	}

	candles := make([]model.Candle, 0, len(raw))
	for _, rc := range raw {
		ts, err := time.Parse("2006-01-02T15:04:05", rc.CandleDateTimeUTC)
		if err != nil {
			return nil, permanent(0, fmt.Errorf("%w: bad candle time %q", ErrParse, rc.CandleDateTimeUTC))
		}
		candles = append(candles, model.Candle{
			TS:     ts.UnixMilli(),
			Open:   rc.OpeningPrice,
			High:   rc.HighPrice,
			Low:    rc.LowPrice,
			Close:  rc.TradePrice,
			Volume: rc.CandleAccTradeVolume,
		})
	}
	return dropForming(candles, tf, u.now()), nil
}

type upbitTicker struct {
	Type             string  `json:"type"`
	Code             string  `json:"code"`
	TradePrice       float64 `json:"trade_price"`
	SignedChangeRate float64 `json:"signed_change_rate"`
	TradeVolume      float64 `json:"trade_volume"`
	TradeTimestamp   int64   `json:"trade_timestamp"`
}

// StreamTickers subscribes to the ticker channel for the given symbols and
// pumps normalized ticks until ctx is cancelled.
func (u *Upbit) StreamTickers(ctx context.Context, symbols []string, onTick TickHandler, onDrop CloseHandler) {
	codes := make([]string, 0, len(symbols))
	for _, s := range symbols {
		ws, err := u.wireSymbol(s)
		if err != nil {
			log.Warn().Str("component", "upbit").Str("symbol", s).Err(err).Msg("skipping bad symbol")
			continue
		}
		codes = append(codes, ws)
	}
	sub, _ := json.Marshal([]any{
		map[string]string{"ticket": uuid.NewString()},
		map[string]any{"type": "ticker", "codes": codes},
	})

	client := wsclient.New("upbit", u.wsURL)
	client.SubscribePayloads = [][]byte{sub}
	client.OnDrop = func(err error) { onDrop(err) }
	client.OnMessage = func(msg []byte) {
		var t upbitTicker
		if err := json.Unmarshal(msg, &t); err != nil || t.Type != "ticker" {
			return
		}
		const prefix = "KRW-"
		if len(t.Code) <= len(prefix) {
			return
		}
		onTick(model.Tick{
			Exchange:  model.UpbitSpot,
			Symbol:    t.Code[len(prefix):],
			Price:     t.TradePrice,
			Change24h: t.SignedChangeRate * 100,
			Qty:       t.TradeVolume,
			TS:        t.TradeTimestamp,
		})
	}
	client.Run(ctx)
}

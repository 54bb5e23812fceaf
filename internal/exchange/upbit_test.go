package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"momentum-systemv1/internal/model"
)

func TestUpbitFetchCandles(t *testing.T) {
	base := int64(1_699_999_800_000) // minute aligned
	nowMS := base + 150_000          // bucket base+120k forming, base+60k completed

	fmtUTC := func(ts int64) string {
		return time.UnixMilli(ts).UTC().Format("2006-01-02T15:04:05")
	}
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/candles/minutes/1" {
			t.Errorf("path: %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode([]upbitCandle{
			{Market: "KRW-BTC", CandleDateTimeUTC: fmtUTC(base + 120_000), OpeningPrice: 3, HighPrice: 3, LowPrice: 3, TradePrice: 3, CandleAccTradeVolume: 1},
			{Market: "KRW-BTC", CandleDateTimeUTC: fmtUTC(base + 60_000), OpeningPrice: 2, HighPrice: 2.5, LowPrice: 1.5, TradePrice: 2.2, CandleAccTradeVolume: 7},
			{Market: "KRW-BTC", CandleDateTimeUTC: fmtUTC(base), OpeningPrice: 1, HighPrice: 1, LowPrice: 1, TradePrice: 1, CandleAccTradeVolume: 1},
		})
	}))
	defer srv.Close()

	u := NewUpbit()
	u.apiURL = srv.URL
	u.now = func() int64 { return nowMS }

	candles, err := u.FetchCandles(context.Background(), "BTC", model.TF1, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 2 {
		t.Fatalf("forming candle not stripped: %v", candles)
	}
	if candles[0].TS != base+60_000 || candles[0].Close != 2.2 || candles[0].Volume != 7 {
		t.Fatalf("head candle: %+v", candles[0])
	}
	if gotQuery != "count=3&market=KRW-BTC" {
		t.Fatalf("query: %s", gotQuery)
	}
}

func TestUpbitFetchCandlesCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("to") != "2023-11-14T21:30:00Z" {
			t.Errorf("to cursor: %s", r.URL.Query().Get("to"))
		}
		json.NewEncoder(w).Encode([]upbitCandle{})
	}))
	defer srv.Close()

	u := NewUpbit()
	u.apiURL = srv.URL

	if _, err := u.FetchCandles(context.Background(), "BTC", model.TF5, 10, 1_699_997_400_000); err != nil {
		t.Fatal(err)
	}
}

func TestUpbitListMarkets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]upbitMarket{
			{Market: "KRW-BTC"},
			{Market: "KRW-ETH"},
			{Market: "BTC-ETH"},
			{Market: "USDT-TRX"},
		})
	}))
	defer srv.Close()

	u := NewUpbit()
	u.apiURL = srv.URL

	markets, err := u.ListMarkets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(markets) != 2 || markets[0] != "BTC" || markets[1] != "ETH" {
		t.Fatalf("markets: %v", markets)
	}
}

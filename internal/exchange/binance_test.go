package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"momentum-systemv1/internal/model"
)

func TestBinanceFetchCandles(t *testing.T) {
	base := int64(1_699_999_800_000)
	nowMS := base + 150_000

	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/klines" {
			t.Errorf("path: %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		// oldest-first, string prices, forming bar last
		fmt.Fprintf(w, `[
			[%d,"1","1.5","0.5","1.2","10",0],
			[%d,"1.2","2","1","1.8","20",0],
			[%d,"1.8","1.9","1.7","1.85","5",0]
		]`, base, base+60_000, base+120_000)
	}))
	defer srv.Close()

	b := NewBinanceSpot()
	b.apiURL = srv.URL
	b.now = func() int64 { return nowMS }

	candles, err := b.FetchCandles(context.Background(), "BTC", model.TF1, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 2 {
		t.Fatalf("want 2 completed candles, got %v", candles)
	}
	// newest-first after the reversal
	if candles[0].TS != base+60_000 || candles[1].TS != base {
		t.Fatalf("order: %d, %d", candles[0].TS, candles[1].TS)
	}
	if candles[0].Open != 1.2 || candles[0].High != 2 || candles[0].Low != 1 || candles[0].Close != 1.8 || candles[0].Volume != 20 {
		t.Fatalf("head candle: %+v", candles[0])
	}
	if gotQuery != "interval=1m&limit=3&symbol=BTCUSDT" {
		t.Fatalf("query: %s", gotQuery)
	}
}

func TestBinanceFetchCandlesCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("endTime") != "1699999800000" {
			t.Errorf("endTime: %s", r.URL.Query().Get("endTime"))
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	b := NewBinanceFutures()
	b.apiURL = srv.URL

	if _, err := b.FetchCandles(context.Background(), "ETH", model.TF15, 10, 1_699_999_800_000); err != nil {
		t.Fatal(err)
	}
}

func TestBinanceListMarketsFiltersFutures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbols":[
			{"symbol":"BTCUSDT","baseAsset":"BTC","quoteAsset":"USDT","status":"TRADING","contractType":"PERPETUAL"},
			{"symbol":"ETHUSDT_240329","baseAsset":"ETH","quoteAsset":"USDT","status":"TRADING","contractType":"CURRENT_QUARTER"},
			{"symbol":"SOLUSDT","baseAsset":"SOL","quoteAsset":"USDT","status":"BREAK","contractType":"PERPETUAL"},
			{"symbol":"BTCBUSD","baseAsset":"BTC","quoteAsset":"BUSD","status":"TRADING","contractType":"PERPETUAL"}
		]}`)
	}))
	defer srv.Close()

	b := NewBinanceFutures()
	b.apiURL = srv.URL

	markets, err := b.ListMarkets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(markets) != 1 || markets[0] != "BTC" {
		t.Fatalf("markets: %v", markets)
	}
}

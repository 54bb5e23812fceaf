package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"momentum-systemv1/internal/gateway"
	"momentum-systemv1/internal/model"
	"momentum-systemv1/internal/momentum"
	"momentum-systemv1/internal/pricebook"
)

type nopBackfiller struct{}

func (nopBackfiller) Request(context.Context, model.Timeframe) error { return nil }

func newTestRouter() http.Handler {
	cache := momentum.NewCache()
	book := pricebook.New()
	book.Update(model.Tick{Exchange: model.UpbitSpot, Symbol: "BTC", Price: 64000, TS: 1})
	cache.Put(model.TF5, "UPBIT_SPOT:BTC", model.Computed(60, 40))
	hub := gateway.NewHub(cache, book, func() float64 { return 1350 }, nopBackfiller{}, "salt", 10, 100, model.TF1)
	return NewRouter(hub)
}

func get(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCoinsEndpoint(t *testing.T) {
	r := newTestRouter()

	w := get(r, "/api/coins?tf=5", "1.2.3.4:5555")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Timeframe int               `json:"timeframe"`
		Data      []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Timeframe != 5 || len(resp.Data) != 1 {
		t.Fatalf("payload: %s", w.Body)
	}
}

func TestCoinsRejectsInvalidTimeframe(t *testing.T) {
	r := newTestRouter()
	if w := get(r, "/api/coins?tf=7", "1.2.3.4:5555"); w.Code != http.StatusBadRequest {
		t.Fatalf("status %d", w.Code)
	}
}

func TestTimeframeEndpoint(t *testing.T) {
	r := newTestRouter()

	w := get(r, "/api/momentum-timeframe?unit=15", "1.2.3.4:5555")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var resp struct {
		OK     bool `json:"ok"`
		Unit   int  `json:"unit"`
		Cached bool `json:"cached"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.OK || resp.Unit != 15 || resp.Cached {
		t.Fatalf("payload: %s", w.Body)
	}

	// setting the same unit again reports it as cached
	w = get(r, "/api/momentum-timeframe?unit=15", "1.2.3.4:5555")
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Cached {
		t.Fatalf("payload: %s", w.Body)
	}

	if w := get(r, "/api/momentum-timeframe?unit=7", "1.2.3.4:5555"); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid unit status %d", w.Code)
	}
}

func TestIngressRateLimit(t *testing.T) {
	r := newTestRouter()

	limited := 0
	for i := 0; i < burst+5; i++ {
		if w := get(r, "/api/coins", "9.9.9.9:1111"); w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited == 0 {
		t.Fatal("burst never limited")
	}
	// a different IP has its own bucket
	if w := get(r, "/api/coins", "8.8.8.8:1111"); w.Code != http.StatusOK {
		t.Fatalf("fresh ip limited: %d", w.Code)
	}
}

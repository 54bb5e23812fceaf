package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"momentum-systemv1/internal/model"
	"momentum-systemv1/internal/momentum"
	"momentum-systemv1/internal/pricebook"

	"github.com/gorilla/websocket"
)

type nopBackfiller struct{}

func (nopBackfiller) Request(context.Context, model.Timeframe) error { return nil }

func newTestHub() (*Hub, *momentum.Cache, *pricebook.Book) {
	cache := momentum.NewCache()
	book := pricebook.New()
	h := NewHub(cache, book, func() float64 { return 1350 }, nopBackfiller{}, "salt", 10, 100, model.TF1)
	return h, cache, book
}

func TestIPTagStableAndSalted(t *testing.T) {
	h, _, _ := newTestHub()
	if h.ipTag("10.0.0.1") != h.ipTag("10.0.0.1") {
		t.Fatal("tag not stable")
	}
	if h.ipTag("10.0.0.1") == h.ipTag("10.0.0.2") {
		t.Fatal("distinct IPs collide")
	}
	if h.ipTag("10.0.0.1") == "10.0.0.1" {
		t.Fatal("raw IP leaked")
	}

	other := NewHub(momentum.NewCache(), pricebook.New(), func() float64 { return 0 }, nopBackfiller{}, "othersalt", 10, 100, model.TF1)
	if h.ipTag("10.0.0.1") == other.ipTag("10.0.0.1") {
		t.Fatal("salt has no effect")
	}
}

func TestSnapshotRows(t *testing.T) {
	h, cache, book := newTestHub()
	book.Update(model.Tick{Exchange: model.UpbitSpot, Symbol: "BTC", Price: 64000, Change24h: 1.5, TS: 1})
	book.Update(model.Tick{Exchange: model.BinanceSpot, Symbol: "ETH", Price: 3200, TS: 1})
	cache.Put(model.TF5, "UPBIT_SPOT:BTC", model.Computed(70, 30))

	rows := h.SnapshotRows(model.TF5)
	if len(rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(rows))
	}
	byKey := map[string]snapshotRow{}
	for _, r := range rows {
		var ex, sym string
		json.Unmarshal(r[0], &ex)
		json.Unmarshal(r[1], &sym)
		byKey[ex+":"+sym] = r
	}
	if string(byKey["UPBIT_SPOT:BTC"][3]) != "70" {
		t.Fatalf("computed momentum missing: %s", byKey["UPBIT_SPOT:BTC"][3])
	}
	// never-computed keys surface the collecting marker
	if string(byKey["BINANCE_SPOT:ETH"][3]) != `"CALC"` {
		t.Fatalf("uncomputed key: %s", byKey["BINANCE_SPOT:ETH"][3])
	}
}

func TestDefaultTF(t *testing.T) {
	h, _, _ := newTestHub()
	if h.DefaultTF() != model.TF1 {
		t.Fatalf("initial default: %v", h.DefaultTF())
	}
	h.SetDefaultTF(model.TF60)
	if h.DefaultTF() != model.TF60 {
		t.Fatalf("after set: %v", h.DefaultTF())
	}
}

// addClient registers a bare client in tf's bucket, bypassing the websocket
// upgrade so the send queue can be inspected directly.
func addClient(h *Hub, tf model.Timeframe, visible ...string) *Client {
	c := &Client{
		hub:     h,
		send:    make(chan []byte, 16),
		ranking: make(chan []byte, 1),
		tf:      tf,
		visible: make(map[string]struct{}, len(visible)),
	}
	for _, v := range visible {
		c.visible[v] = struct{}{}
	}
	c.tfAtomic.Store(int32(tf))
	h.mu.Lock()
	h.clients[c] = true
	h.joinLocked(c, tf)
	h.mu.Unlock()
	return c
}

func drain(c *Client) [][]byte {
	var frames [][]byte
	for {
		select {
		case f := <-c.send:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestPublishTickVisibilityGate(t *testing.T) {
	h, _, book := newTestHub()
	viewer := addClient(h, model.TF1, "BTC")
	blind := addClient(h, model.TF1)
	elsewhere := addClient(h, model.TF5, "BTC")

	tick := model.Tick{Exchange: model.UpbitSpot, Symbol: "BTC", Price: 64000, TS: 1}
	book.Update(tick)
	h.PublishTick(tick)

	got := drain(viewer)
	if len(got) != 1 || !bytes.HasPrefix(got[0], []byte(`["U","UPBIT_SPOT:BTC"`)) {
		t.Fatalf("viewer frames: %q", got)
	}
	// an empty visibility set sees nothing
	if got := drain(blind); len(got) != 0 {
		t.Fatalf("blind client received %q", got)
	}
	if got := drain(elsewhere); len(got) != 0 {
		t.Fatalf("other-timeframe client received %q", got)
	}
}

func TestPublishKeyCarriesRecomputedMomentum(t *testing.T) {
	h, cache, book := newTestHub()
	viewer := addClient(h, model.TF1, "ETH")
	blind := addClient(h, model.TF1)

	book.Update(model.Tick{Exchange: model.BinanceSpot, Symbol: "ETH", Price: 3200, TS: 1})
	cache.Put(model.TF1, "BINANCE_SPOT:ETH", model.Computed(55, 45))
	h.PublishKey(model.TF1, "BINANCE_SPOT:ETH")

	got := drain(viewer)
	if len(got) != 1 {
		t.Fatalf("want 1 frame, got %q", got)
	}
	var frame []json.RawMessage
	if err := json.Unmarshal(got[0], &frame); err != nil {
		t.Fatal(err)
	}
	if string(frame[4]) != "55" || string(frame[5]) != "45" {
		t.Fatalf("momentum not carried: %s", got[0])
	}
	if got := drain(blind); len(got) != 0 {
		t.Fatalf("blind client received %q", got)
	}

	// the per-key throttle suppresses an immediate repeat
	h.PublishKey(model.TF1, "BINANCE_SPOT:ETH")
	if got := drain(viewer); len(got) != 0 {
		t.Fatalf("throttle bypassed: %q", got)
	}
}

func TestHandleWSDeliversInitialFrame(t *testing.T) {
	h, cache, book := newTestHub()
	book.Update(model.Tick{Exchange: model.UpbitSpot, Symbol: "BTC", Price: 64000, TS: 1})
	cache.Put(model.TF1, "UPBIT_SPOT:BTC", model.Computed(60, 40))

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	// frames coalesce newline-separated; the first must be the initial payload
	first, _, _ := bytes.Cut(raw, []byte{'\n'})
	var msg initialMsg
	if err := json.Unmarshal(first, &msg); err != nil {
		t.Fatalf("initial frame: %v: %s", err, first)
	}
	if msg.Type != "initial" || msg.ClientID == "" || msg.UsdtKrwRate != 1350 || len(msg.Data) != 1 {
		t.Fatalf("initial payload: %s", first)
	}
}

func TestHandleWSImmediateDisconnect(t *testing.T) {
	h, _, _ := newTestHub()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	for i := 0; i < 30; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatal(err)
		}
		conn.Close()
	}

	deadline := time.Now().Add(3 * time.Second)
	for h.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := h.ClientCount(); n != 0 {
		t.Fatalf("%d clients leaked after disconnects", n)
	}
}

func TestNotifyMomentumThrottled(t *testing.T) {
	h, _, _ := newTestHub()

	h.NotifyMomentum(model.TF5)
	h.flushDirty()
	h.NotifyMomentum(model.TF5)
	h.flushDirty() // inside the throttle window

	h.dirtyMu.Lock()
	defer h.dirtyMu.Unlock()
	if !h.dirty[model.TF5] {
		t.Fatal("second notification must stay pending until the window passes")
	}
}

// cmd/feedsim — demo websocket feed.
// Broadcasts simulated normalized ticks so the pipeline can be exercised
// without reaching the real exchanges.
//
// Tick JSON shape is identical to model.Tick:
//
//	{"exchange":0,"symbol":"BTC","price":64000.5,"change24h":1.2,"qty":0.01,"ts":1724000000000}
//
// Config (env vars):
//
//	FEEDSIM_ADDR         — listen address (default ":9001")
//	FEEDSIM_SYMBOLS      — comma-separated SYMBOL:PRICE pairs (default "BTC:64000,ETH:3200,SOL:150")
//	FEEDSIM_INTERVAL_MS  — broadcast interval milliseconds (default "100")
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"momentum-systemv1/internal/logger"
	"momentum-systemv1/internal/model"

	"github.com/gorilla/websocket"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol string
	Price  float64
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop tick
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	lg := logger.Component("feedsim")
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			lg.Warn().Err(err).Msg("upgrade failed")
			return
		}
		lg.Info().Str("remote", r.RemoteAddr).Msg("client connected")

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			lg.Info().Str("remote", r.RemoteAddr).Msg("client disconnected")
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// walkPrice applies a tiny random walk (±0.1%) to simulate movement.
func walkPrice(price float64) float64 {
	pct := (rand.Float64()*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if next <= 0 {
		next = price
	}
	return next
}

func runGenerator(h *hub, instruments []instrument, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	opens := make([]float64, len(instruments))
	for i, inst := range instruments {
		opens[i] = inst.Price
	}

	for range ticker.C {
		for i := range instruments {
			instruments[i].Price = walkPrice(instruments[i].Price)
			tick := model.Tick{
				Exchange:  model.UpbitSpot,
				Symbol:    instruments[i].Symbol,
				Price:     instruments[i].Price,
				Change24h: (instruments[i].Price/opens[i] - 1) * 100,
				Qty:       rand.Float64(),
				TS:        time.Now().UnixMilli(),
			}
			b, err := json.Marshal(tick)
			if err != nil {
				continue
			}
			h.broadcast(b)
		}
	}
}

func main() {
	logger.Init("feedsim", envOrDefault("LOG_LEVEL", "info"), os.Getenv("LOG_PRETTY") == "1")
	lg := logger.Component("feedsim")

	addr := envOrDefault("FEEDSIM_ADDR", ":9001")
	symbolsEnv := envOrDefault("FEEDSIM_SYMBOLS", "BTC:64000,ETH:3200,SOL:150")
	intervalMs := envIntOrDefault("FEEDSIM_INTERVAL_MS", 100)

	instruments := parseInstruments(symbolsEnv)
	if len(instruments) == 0 {
		lg.Fatal().Msg("no instruments configured via FEEDSIM_SYMBOLS")
	}
	lg.Info().Int("instruments", len(instruments)).Int("interval_ms", intervalMs).Msg("starting")

	h := newHub()
	go runGenerator(h, instruments, intervalMs)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"feedsim"}`)
	})

	lg.Info().Str("addr", addr).Msg("listening")
	if err := http.ListenAndServe(addr, nil); err != nil {
		lg.Fatal().Err(err).Msg("server error")
	}
}

func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64)
		if err != nil || price <= 0 {
			continue
		}
		result = append(result, instrument{Symbol: strings.TrimSpace(seg[0]), Price: price})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

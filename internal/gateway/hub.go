// Package gateway fans the momentum state out to browser clients over a
// websocket: ranked key lists per timeframe, full snapshots, per-symbol
// deltas and FX rate broadcasts, with per-client visibility filtering.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"momentum-systemv1/internal/model"
	"momentum-systemv1/internal/momentum"
	"momentum-systemv1/internal/pricebook"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// rankingThrottle is the minimum gap between momentum-driven ranking
	// broadcasts per timeframe.
	rankingThrottle = 500 * time.Millisecond

	// rankingPeriod is the unconditional ranking broadcast interval.
	rankingPeriod = 5 * time.Second

	// updateThrottle is the minimum gap between U deltas per key.
	updateThrottle = 100 * time.Millisecond
)

// Backfiller is the JIT entry point the hub pokes on timeframe switches.
type Backfiller interface {
	Request(ctx context.Context, tf model.Timeframe) error
}

// Hub owns the client set and every outbound broadcast path.
type Hub struct {
	cache *momentum.Cache
	book  *pricebook.Book
	rate  func() float64
	jit   Backfiller

	ipSalt    []byte
	maxPerIP  int
	maxGlobal int

	mu      sync.RWMutex
	clients map[*Client]bool
	byTF    map[model.Timeframe]map[*Client]bool
	perIP   map[string]int

	defaultTF atomic.Int32

	dirtyMu    sync.Mutex
	dirty      map[model.Timeframe]bool
	lastRanked map[model.Timeframe]time.Time

	updateMu   sync.Mutex
	lastUpdate map[string]time.Time

	// OnRefused, OnClients and OnRanking are optional metrics hooks.
	OnRefused func()
	OnClients func(n int)
	OnRanking func()

	upgrader websocket.Upgrader
	lg       zerolog.Logger
}

// NewHub wires a hub over the shared read models. rate reports the current
// KRW/USDT value; ipSalt feeds the HMAC tag that keeps raw client IPs out of
// the logs.
func NewHub(cache *momentum.Cache, book *pricebook.Book, rate func() float64, jit Backfiller, ipSalt string, maxPerIP, maxGlobal int, defaultTF model.Timeframe) *Hub {
	h := &Hub{
		cache:      cache,
		book:       book,
		rate:       rate,
		jit:        jit,
		ipSalt:     []byte(ipSalt),
		maxPerIP:   maxPerIP,
		maxGlobal:  maxGlobal,
		clients:    make(map[*Client]bool),
		byTF:       make(map[model.Timeframe]map[*Client]bool),
		perIP:      make(map[string]int),
		dirty:      make(map[model.Timeframe]bool),
		lastRanked: make(map[model.Timeframe]time.Time),
		lastUpdate: make(map[string]time.Time),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		lg: log.With().Str("component", "gateway").Logger(),
	}
	h.defaultTF.Store(int32(defaultTF))
	return h
}

// DefaultTF is the server's warm-up timeframe, used for initial payloads and
// clients that never picked one.
func (h *Hub) DefaultTF() model.Timeframe {
	return model.Timeframe(h.defaultTF.Load())
}

// SetDefaultTF switches the warm-up timeframe. Connected clients that chose
// their own tf are unaffected.
func (h *Hub) SetDefaultTF(tf model.Timeframe) {
	h.defaultTF.Store(int32(tf))
}

// ipTag derives a stable pseudonymous tag for an address.
func (h *Hub) ipTag(ip string) string {
	mac := hmac.New(sha256.New, h.ipSalt)
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil)[:8])
}

// HandleWS upgrades the request and registers the client, enforcing the
// per-IP and global connection caps. Refused connections are closed with a
// try-again-later status.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	if len(h.clients) >= h.maxGlobal || h.perIP[ip] >= h.maxPerIP {
		h.mu.Unlock()
		if h.OnRefused != nil {
			h.OnRefused()
		}
		h.lg.Warn().Str("ip", h.ipTag(ip)).Msg("connection refused, cap reached")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "try again later"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
		ranking:  make(chan []byte, 1),
		id:       uuid.NewString(),
		ip:       ip,
		tf:       h.DefaultTF(),
		visible:  make(map[string]struct{}),
		lastSeen: time.Now(),
	}
	c.tfAtomic.Store(int32(c.tf))
	h.clients[c] = true
	h.perIP[ip]++
	h.joinLocked(c, c.tf)
	count := len(h.clients)
	h.mu.Unlock()

	if h.OnClients != nil {
		h.OnClients(count)
	}
	h.lg.Info().Str("client", c.id).Str("ip", h.ipTag(ip)).Int("total", count).Msg("client connected")

	go c.writePump()
	// readPump owns teardown and close(c.send); it must not start until the
	// initial frame is queued.
	c.sendInitial()
	go c.readPump()
}

// joinLocked adds c to the tf bucket; the hub lock must be held.
func (h *Hub) joinLocked(c *Client, tf model.Timeframe) {
	bucket, ok := h.byTF[tf]
	if !ok {
		bucket = make(map[*Client]bool)
		h.byTF[tf] = bucket
	}
	bucket[c] = true
}

// moveClient relocates c between timeframe buckets.
func (h *Hub) moveClient(c *Client, from, to model.Timeframe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bucket, ok := h.byTF[from]; ok {
		delete(bucket, c)
	}
	h.joinLocked(c, to)
}

// removeClient drops c and its send queue.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	if bucket, ok := h.byTF[c.tfLoad()]; ok {
		delete(bucket, c)
	}
	h.perIP[c.ip]--
	if h.perIP[c.ip] <= 0 {
		delete(h.perIP, c.ip)
	}
	count := len(h.clients)
	h.mu.Unlock()

	close(c.send)
	if h.OnClients != nil {
		h.OnClients(count)
	}
	h.lg.Info().Str("client", c.id).Int("total", count).Msg("client disconnected")
}

// ClientCount returns the connected client count.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SnapshotRows builds the coin rows for tf, shared by the initial message,
// the refresh payload and GET /api/coins.
func (h *Hub) SnapshotRows(tf model.Timeframe) []snapshotRow {
	book := h.book.Snapshot()
	values := h.cache.Snapshot(tf)

	rows := make([]snapshotRow, 0, len(book))
	for key, entry := range book {
		kind, symbol, ok := splitKey(key)
		if !ok {
			continue
		}
		m := values[key] // zero value = NotAttempted = "CALC"
		rows = append(rows, buildRow(kind, symbol, entry, m))
	}
	return rows
}

// NotifyMomentum marks tf's ranking dirty; the broadcast loop flushes it
// under the per-tf throttle.
func (h *Hub) NotifyMomentum(tf model.Timeframe) {
	h.dirtyMu.Lock()
	h.dirty[tf] = true
	h.dirtyMu.Unlock()
}

// Run drives the periodic ranking broadcasts until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	throttle := time.NewTicker(rankingThrottle)
	periodic := time.NewTicker(rankingPeriod)
	defer throttle.Stop()
	defer periodic.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-throttle.C:
			h.flushDirty()
		case <-periodic.C:
			h.broadcastAllRankings()
		}
	}
}

// flushDirty sends rankings for every dirty timeframe that has subscribers
// and is past its throttle window.
func (h *Hub) flushDirty() {
	now := time.Now()

	h.dirtyMu.Lock()
	var due []model.Timeframe
	for tf := range h.dirty {
		if now.Sub(h.lastRanked[tf]) >= rankingThrottle {
			due = append(due, tf)
			h.lastRanked[tf] = now
			delete(h.dirty, tf)
		}
	}
	h.dirtyMu.Unlock()

	for _, tf := range due {
		h.broadcastRanking(tf)
	}
}

// broadcastAllRankings sends the current ranking to every populated bucket.
func (h *Hub) broadcastAllRankings() {
	h.mu.RLock()
	tfs := make([]model.Timeframe, 0, len(h.byTF))
	for tf, bucket := range h.byTF {
		if len(bucket) > 0 {
			tfs = append(tfs, tf)
		}
	}
	h.mu.RUnlock()

	for _, tf := range tfs {
		h.broadcastRanking(tf)
	}
}

// broadcastRanking serializes one ranking frame for tf and queues it to the
// bucket, latest-wins per client.
func (h *Hub) broadcastRanking(tf model.Timeframe) {
	frame := buildRanking(tf, nil, h.cache.Snapshot(tf))
	if h.OnRanking != nil {
		h.OnRanking()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byTF[tf] {
		c.queueRanking(frame)
	}
}

// PublishTick fans one tick out as U deltas. The delta is throttled per key
// across all clients, pre-serialized once per populated timeframe, and
// delivered only to clients whose visibility set covers the key.
func (h *Hub) PublishTick(t model.Tick) {
	key := model.Key(t.Exchange, t.Symbol)

	h.updateMu.Lock()
	now := time.Now()
	if now.Sub(h.lastUpdate[key]) < updateThrottle {
		h.updateMu.Unlock()
		return
	}
	h.lastUpdate[key] = now
	h.updateMu.Unlock()

	entry, ok := h.book.Get(key)
	if !ok {
		entry = pricebook.Entry{Price: t.Price, Change24h: t.Change24h, TS: t.TS}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for tf, bucket := range h.byTF {
		if len(bucket) == 0 {
			continue
		}
		var frame []byte
		for c := range bucket {
			if !c.sees(key, t.Symbol) {
				continue
			}
			if frame == nil {
				m, _ := h.cache.Get(tf, key)
				frame = buildUpdate(key, entry, m)
			}
			c.queueSend(frame)
		}
	}
}

// PublishKey fans one key's current state out as a U delta to tf's
// subscribers, sharing PublishTick's per-key throttle. Called after a bar
// close recomputes momentum, so viewers get the new value without waiting
// for the next tick or ranking.
func (h *Hub) PublishKey(tf model.Timeframe, key string) {
	_, symbol, ok := splitKey(key)
	if !ok {
		return
	}
	entry, ok := h.book.Get(key)
	if !ok {
		return
	}

	h.updateMu.Lock()
	now := time.Now()
	if now.Sub(h.lastUpdate[key]) < updateThrottle {
		h.updateMu.Unlock()
		return
	}
	h.lastUpdate[key] = now
	h.updateMu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	var frame []byte
	for c := range h.byTF[tf] {
		if !c.sees(key, symbol) {
			continue
		}
		if frame == nil {
			m, _ := h.cache.Get(tf, key)
			frame = buildUpdate(key, entry, m)
		}
		c.queueSend(frame)
	}
}

// BroadcastRate pushes the FX rate message to every client.
func (h *Hub) BroadcastRate(rate float64) {
	frame, _ := json.Marshal(rateMsg{Type: "rate", UsdtKrwRate: rate})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.queueSend(frame)
	}
}

// splitKey parses "EXKIND:SYM" back into its parts.
func splitKey(key string) (model.ExchangeKind, string, bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			kind, err := model.ParseExchangeKind(key[:i])
			if err != nil {
				return 0, "", false
			}
			return kind, key[i+1:], true
		}
	}
	return 0, "", false
}

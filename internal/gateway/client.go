package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"momentum-systemv1/internal/model"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// inboundMinGap is the steady-state client message rate limit; three
	// consecutive violations terminate the connection.
	inboundMinGap = time.Second
	maxStrikes    = 3
)

// Client is one websocket peer with its session state: selected timeframe,
// visibility set and last request id.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	send    chan []byte // deltas, refresh, rate; best-effort
	ranking chan []byte // capacity 1, latest ranking wins

	id string
	ip string

	tfAtomic atomic.Int32
	tf       model.Timeframe // owned by the read loop

	visMu   sync.RWMutex
	visible map[string]struct{} // symbols and keys, both accepted

	lastSeen time.Time
	strikes  int
}

func (c *Client) tfLoad() model.Timeframe { return model.Timeframe(c.tfAtomic.Load()) }

// queueSend pushes a frame without blocking; a full buffer drops the frame
// so one slow client never stalls a broadcast.
func (c *Client) queueSend(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

// queueRanking replaces any pending ranking with the newer one.
func (c *Client) queueRanking(frame []byte) {
	for {
		select {
		case c.ranking <- frame:
			return
		default:
			select {
			case <-c.ranking:
			default:
			}
		}
	}
}

// sees reports whether the client's visibility set covers the key or symbol.
// An empty set means the client sees nothing.
func (c *Client) sees(key, symbol string) bool {
	c.visMu.RLock()
	defer c.visMu.RUnlock()
	if _, ok := c.visible[key]; ok {
		return true
	}
	_, ok := c.visible[symbol]
	return ok
}

// sendInitial delivers the first frame: full price snapshot with momentum at
// the server default timeframe, the FX rate and the assigned client id.
func (c *Client) sendInitial() {
	frame, err := json.Marshal(initialMsg{
		Type:        "initial",
		Data:        c.hub.SnapshotRows(c.tfLoad()),
		UsdtKrwRate: c.hub.rate(),
		ClientID:    c.id,
	})
	if err != nil {
		return
	}
	c.queueSend(frame)
}

// writePump owns the connection's write side. Queued frames are coalesced
// into one websocket frame via NextWriter with newline separators.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(first []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		w, err := c.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return false
		}
		w.Write(first)
		n := len(c.send)
		for i := 0; i < n; i++ {
			w.Write([]byte{'\n'})
			w.Write(<-c.send)
		}
		return w.Close() == nil
	}

	for {
		select {
		case frame := <-c.ranking:
			if !write(frame) {
				return
			}
		case frame, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !write(frame) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump owns the read side and all session mutations.
func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.allowMessage() {
			c.hub.lg.Warn().Str("client", c.id).Msg("inbound rate limit exceeded, closing")
			return
		}

		var msg inboundMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "setTimeframe":
			c.handleSetTimeframe(msg)
		case "subscribe":
			c.handleSubscribe(msg)
		}
	}
}

// allowMessage enforces the 1 msg/s limit with a three-strike policy.
func (c *Client) allowMessage() bool {
	now := time.Now()
	if now.Sub(c.lastSeen) < inboundMinGap {
		c.strikes++
		return c.strikes < maxStrikes
	}
	c.lastSeen = now
	c.strikes = 0
	return true
}

// handleSetTimeframe validates and applies a timeframe switch, kicks the JIT
// backfill, and answers immediately with a ranking and refresh built from
// whatever is cached right now.
func (c *Client) handleSetTimeframe(msg inboundMsg) {
	tf := model.Timeframe(msg.Timeframe)
	if !tf.Valid() {
		return
	}
	from := c.tf
	c.tf = tf
	c.tfAtomic.Store(int32(tf))
	if from != tf {
		c.hub.moveClient(c, from, tf)
	}

	if c.hub.jit != nil {
		go c.hub.jit.Request(context.Background(), tf)
	}

	c.queueRanking(buildRanking(tf, msg.RequestID, c.hub.cache.Snapshot(tf)))
	if frame, err := json.Marshal(refreshMsg{
		Type:      "refresh",
		Data:      c.hub.SnapshotRows(tf),
		Timeframe: int(tf),
		RequestID: msg.RequestID,
	}); err == nil {
		c.queueSend(frame)
	}
}

// handleSubscribe replaces the visibility set. No response frame.
func (c *Client) handleSubscribe(msg inboundMsg) {
	visible := make(map[string]struct{}, len(msg.VisibleSymbols)+len(msg.VisibleKeys))
	for _, s := range msg.VisibleSymbols {
		visible[s] = struct{}{}
	}
	for _, k := range msg.VisibleKeys {
		visible[k] = struct{}{}
	}
	c.visMu.Lock()
	c.visible = visible
	c.visMu.Unlock()
}

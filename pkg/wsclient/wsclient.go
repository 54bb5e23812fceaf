// Package wsclient provides a reconnecting websocket client for upstream
// exchange ticker feeds. Reconnection uses exponential backoff with jitter
// (base 1s, max 60s); the attempt counter resets on a successful connect, and
// any subscribe payloads are replayed after each reconnect.
package wsclient

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 20 * time.Second
	writeWait    = 10 * time.Second
)

// Client maintains one upstream websocket connection.
type Client struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	// Subscribe payloads sent after every successful connect, in order.
	SubscribePayloads [][]byte

	// OnMessage receives every text/binary frame.
	OnMessage func(msg []byte)
	// OnConnect fires after each successful (re)connect, before payloads.
	OnConnect func()
	// OnDrop fires on every disconnect that will be retried.
	OnDrop func(err error)

	// TextPing, when set, sends this payload as a text frame instead of a
	// websocket ping control frame (some venues expect "ping" text).
	TextPing []byte

	mu   sync.Mutex
	conn *websocket.Conn
	lg   zerolog.Logger
}

// New creates a client for the given upstream URL.
func New(name, url string) *Client {
	return &Client{
		URL:    url,
		Dialer: websocket.DefaultDialer,
		lg:     log.With().Str("component", "wsclient").Str("upstream", name).Logger(),
	}
}

// Run connects and reads until ctx is cancelled, reconnecting forever with
// jittered exponential backoff. It returns only when ctx is done.
func (c *Client) Run(ctx context.Context) {
	bo := &backoff.Backoff{Min: time.Second, Max: 60 * time.Second, Jitter: true, Factor: 2}

	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			// attempts reset to zero once a connect succeeds
			bo.Reset()
		}
		if c.OnDrop != nil {
			c.OnDrop(err)
		}
		d := bo.Duration()
		c.lg.Warn().Err(err).Dur("retry_in", d).Msg("stream dropped, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

// runOnce dials, replays subscriptions and reads until an error. The bool
// reports whether the dial succeeded.
func (c *Client) runOnce(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := c.Dialer.DialContext(dialCtx, c.URL, c.Header)
	cancel()
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	c.lg.Info().Msg("connected")
	if c.OnConnect != nil {
		c.OnConnect()
	}
	for _, payload := range c.SubscribePayloads {
		if err := c.write(websocket.TextMessage, payload); err != nil {
			return true, err
		}
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Heartbeat keeps subscription-based venues from idling us out.
	done := make(chan struct{})
	defer close(done)
	go c.heartbeat(ctx, done)

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			var err error
			if len(c.TextPing) > 0 {
				err = c.write(websocket.TextMessage, c.TextPing)
			} else {
				err = c.write(websocket.PingMessage, nil)
			}
			if err != nil {
				return // read loop will surface the error
			}
		}
	}
}

// Send writes a text frame on the current connection.
func (c *Client) Send(payload []byte) error {
	return c.write(websocket.TextMessage, payload)
}

func (c *Client) write(mt int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return websocket.ErrCloseSent
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(mt, payload)
}

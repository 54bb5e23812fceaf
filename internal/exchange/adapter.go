// Package exchange normalizes the six upstream venues behind one adapter
// contract. Adapters own every wire-level concern: symbol formatting,
// interval strings, pagination cursors and payload decoding. Callers see only
// base asset codes, millisecond timestamps and typed errors.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"momentum-systemv1/internal/model"

	"github.com/sony/gobreaker"
)

const restTimeout = 10 * time.Second

// TickHandler receives each normalized ticker update.
type TickHandler func(tick model.Tick)

// CloseHandler is invoked exactly once when a stream disconnects.
type CloseHandler func(reason error)

// Adapter is the uniform exchange interface.
type Adapter interface {
	// Kind identifies the venue.
	Kind() model.ExchangeKind

	// ListMarkets discovers tradable base assets filtered by the expected
	// quote currency and live status. On failure it returns an error and an
	// empty set; it never invents markets.
	ListMarkets(ctx context.Context) ([]string, error)

	// StreamTickers runs the native ticker stream until ctx is cancelled,
	// reconnecting internally. onTick fires per update in upstream order per
	// symbol.
	StreamTickers(ctx context.Context, symbols []string, onTick TickHandler, onDrop CloseHandler)

	// FetchCandles returns up to count completed candles at tf ending at or
	// before beforeMS (0 = latest), newest-first. The forming candle is never
	// included. Timeframes without native bars are synthesized from a finer
	// native timeframe.
	FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, count int, beforeMS int64) ([]model.Candle, error)

	// MaxCandlesPerCall is the venue's per-request kline cap, used by the
	// backfill planner for pagination.
	MaxCandlesPerCall() int
}

// restClient wraps HTTP fetches with the shared timeout, a circuit breaker
// per venue and the typed error taxonomy.
type restClient struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newRESTClient(name string) *restClient {
	return &restClient{
		http: &http.Client{Timeout: restTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// getJSON fetches url and decodes the body into out. Status handling:
// 429 → ErrRateLimited (retryable), other 4xx → permanent, 5xx and transport
// errors → transient.
func (c *restClient) getJSON(ctx context.Context, url string, out any) error {
	body, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, permanent(0, err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, transient(0, err)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, transient(0, err)
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, ReqError{Err: ErrRateLimited, Code: resp.StatusCode, Retryable: true}
		case resp.StatusCode >= 500:
			return nil, transient(resp.StatusCode, fmt.Errorf("server error: %s", strings.TrimSpace(string(b))))
		case resp.StatusCode >= 400:
			return nil, permanent(resp.StatusCode, fmt.Errorf("client error: %s", strings.TrimSpace(string(b))))
		}
		return b, nil
	})
	if err != nil {
		if _, ok := err.(ReqError); ok {
			return err
		}
		// breaker-open errors count as transient: the venue gets retried
		// after the breaker's cool-down
		return transient(0, err)
	}
	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return permanent(0, fmt.Errorf("%w: %v", ErrParse, err))
	}
	return nil
}

// baseOnly rejects symbols that already carry a market suffix so adapters
// never double-format ("KRW-BTC" must not become "KRW-KRW-BTC").
func baseOnly(symbol string) (string, error) {
	if strings.ContainsAny(symbol, "-_/") {
		return "", fmt.Errorf("symbol %q already carries a market suffix", symbol)
	}
	return strings.ToUpper(symbol), nil
}

// clampCount bounds a requested candle count to [1, max].
func clampCount(count, max int) int {
	if count < 1 {
		return 1
	}
	if count > max {
		return max
	}
	return count
}

// dropForming removes the still-forming head candle if the venue returned
// it. Candles are newest-first; a candle whose bar has not closed yet is
// forming.
func dropForming(candles []model.Candle, tf model.Timeframe, nowMS int64) []model.Candle {
	for len(candles) > 0 && candles[0].TS > tf.LatestCompletedBarStart(nowMS) {
		candles = candles[1:]
	}
	return candles
}

// Package api exposes the HTTP surface: the coin snapshot, the warm-up
// timeframe setter, the websocket upgrade and a per-IP ingress rate limit.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"momentum-systemv1/internal/gateway"
	"momentum-systemv1/internal/model"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// Ingress limit: 200 requests/min steady with a 20 req/s burst.
	steadyPerSec = 200.0 / 60.0
	burst        = 20

	limiterCacheSize = 4096
)

// ipLimiter hands out one token bucket per client IP, evicting the least
// recently seen.
type ipLimiter struct {
	cache *lru.Cache
}

func newIPLimiter() *ipLimiter {
	cache, _ := lru.New(limiterCacheSize)
	return &ipLimiter{cache: cache}
}

func (l *ipLimiter) allow(ip string) bool {
	if v, ok := l.cache.Get(ip); ok {
		return v.(*rate.Limiter).Allow()
	}
	lim := rate.NewLimiter(rate.Limit(steadyPerSec), burst)
	l.cache.Add(ip, lim)
	return lim.Allow()
}

// middleware rejects callers over the ingress limit with a typed body.
func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.allow(ip) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter builds the HTTP routes over the hub.
func NewRouter(hub *gateway.Hub) *mux.Router {
	r := mux.NewRouter()
	r.Use(newIPLimiter().middleware)

	r.HandleFunc("/api/coins", handleCoins(hub)).Methods(http.MethodGet)
	r.HandleFunc("/api/momentum-timeframe", handleTimeframe(hub)).Methods(http.MethodGet)
	r.HandleFunc("/ws", hub.HandleWS)

	return r
}

// handleCoins returns the per-symbol snapshot with momentum resolved at the
// requested timeframe.
func handleCoins(hub *gateway.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tf := hub.DefaultTF()
		if raw := r.URL.Query().Get("tf"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || !model.Timeframe(n).Valid() {
				http.Error(w, `{"error":"invalid timeframe"}`, http.StatusBadRequest)
				return
			}
			tf = model.Timeframe(n)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"timeframe": int(tf),
			"data":      hub.SnapshotRows(tf),
		})
	}
}

// handleTimeframe sets the server's warm-up timeframe. Clients that chose
// their own timeframe are unaffected.
func handleTimeframe(hub *gateway.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("unit")
		n, err := strconv.Atoi(raw)
		if err != nil || !model.Timeframe(n).Valid() {
			http.Error(w, `{"error":"invalid unit"}`, http.StatusBadRequest)
			return
		}
		tf := model.Timeframe(n)
		cached := hub.DefaultTF() == tf
		hub.SetDefaultTF(tf)
		log.Info().Str("component", "api").Int("unit", n).Msg("warm-up timeframe set")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "unit": n, "cached": cached})
	}
}

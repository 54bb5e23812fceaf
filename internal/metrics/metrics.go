// Package metrics registers the Prometheus instruments and serves /metrics
// plus a /healthz snapshot on the sidecar address.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the aggregator.
type Metrics struct {
	TicksTotal   *prometheus.CounterVec // labels: exchange
	BarsTotal    *prometheus.CounterVec // labels: tf
	DroppedTicks prometheus.Counter
	WSReconnects *prometheus.CounterVec // labels: exchange

	BackfillFetches *prometheus.CounterVec // labels: exchange, outcome
	SchedulerPauses *prometheus.CounterVec // labels: exchange

	MomentumRecomputes prometheus.Counter
	RankingBroadcasts  prometheus.Counter
	UpdateBroadcasts   prometheus.Counter

	ConnectedClients   prometheus.Gauge
	RefusedConnections prometheus.Counter

	RingBufOverflow prometheus.Counter

	E2ELatency prometheus.Histogram // tick ingest to client queue
}

// New registers and returns all metrics.
func New() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "momentum_ticks_total",
			Help: "Total ticks received per upstream exchange",
		}, []string{"exchange"}),
		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "momentum_bars_total",
			Help: "Total completed bars emitted per timeframe",
		}, []string{"tf"}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "momentum_dropped_ticks_total",
			Help: "Ticks dropped (late or channel full)",
		}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "momentum_ws_reconnects_total",
			Help: "Upstream websocket reconnection attempts per exchange",
		}, []string{"exchange"}),
		BackfillFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "momentum_backfill_fetches_total",
			Help: "Backfill REST fetches per exchange and outcome",
		}, []string{"exchange", "outcome"}),
		SchedulerPauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "momentum_scheduler_pauses_total",
			Help: "Rate-limit pauses per exchange scheduler",
		}, []string{"exchange"}),
		MomentumRecomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "momentum_recomputes_total",
			Help: "Momentum recomputations",
		}),
		RankingBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "momentum_ranking_broadcasts_total",
			Help: "Ranking frames broadcast",
		}),
		UpdateBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "momentum_update_broadcasts_total",
			Help: "Per-symbol delta frames broadcast",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "momentum_connected_clients",
			Help: "Currently connected websocket clients",
		}),
		RefusedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "momentum_refused_connections_total",
			Help: "Connections refused by the per-IP or global cap",
		}),
		RingBufOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "momentum_ringbuf_overflow_total",
			Help: "Ring buffer push overflows (dropped ticks)",
		}),
		E2ELatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "momentum_e2e_latency_seconds",
			Help:    "Latency from tick ingest to client queue",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.BarsTotal,
		m.DroppedTicks,
		m.WSReconnects,
		m.BackfillFetches,
		m.SchedulerPauses,
		m.MomentumRecomputes,
		m.RankingBroadcasts,
		m.UpdateBroadcasts,
		m.ConnectedClients,
		m.RefusedConnections,
		m.RingBufOverflow,
		m.E2ELatency,
	)

	return m
}

// HealthStatus is the /healthz snapshot.
type HealthStatus struct {
	mu sync.RWMutex

	StartedAt    time.Time
	LastTickTime time.Time
	Streams      map[string]bool // exchange → connected
	Clients      int
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		Streams:   make(map[string]bool),
	}
}

// SetStream records one upstream stream's connected state.
func (h *HealthStatus) SetStream(exchange string, connected bool) {
	h.mu.Lock()
	h.Streams[exchange] = connected
	h.mu.Unlock()
}

// SetLastTickTime records the most recent tick arrival.
func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

// SetClients records the connected client count.
func (h *HealthStatus) SetClients(n int) {
	h.mu.Lock()
	h.Clients = n
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	connected := 0
	streams := make(map[string]bool, len(h.Streams))
	for k, v := range h.Streams {
		streams[k] = v
		if v {
			connected++
		}
	}

	status := "healthy"
	code := http.StatusOK
	if connected == 0 && len(streams) > 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(struct {
		Status    string          `json:"status"`
		Uptime    string          `json:"uptime"`
		TickAge   string          `json:"tick_age"`
		Streams   map[string]bool `json:"streams"`
		Clients   int             `json:"clients"`
		CheckedAt string          `json:"checked_at"`
	}{
		Status:    status,
		Uptime:    time.Since(h.StartedAt).Round(time.Second).String(),
		TickAge:   tickAge,
		Streams:   streams,
		Clients:   h.Clients,
		CheckedAt: time.Now().Format(time.RFC3339),
	})
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Info().Str("component", "metrics").Str("addr", s.addr).Msg("server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error().Str("component", "metrics").Err(err).Msg("server error")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

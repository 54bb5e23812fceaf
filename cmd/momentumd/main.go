// momentumd is the aggregator daemon: six upstream exchange streams feed the
// tick pipeline, REST backfill keeps the candle store sufficient, and the
// gateway fans rankings and deltas out to browser clients.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"momentum-systemv1/config"
	"momentum-systemv1/internal/api"
	"momentum-systemv1/internal/backfill"
	"momentum-systemv1/internal/candlestore"
	"momentum-systemv1/internal/exchange"
	"momentum-systemv1/internal/fx"
	"momentum-systemv1/internal/gateway"
	"momentum-systemv1/internal/logger"
	"momentum-systemv1/internal/marketdata/agg"
	"momentum-systemv1/internal/marketdata/resample"
	"momentum-systemv1/internal/metrics"
	"momentum-systemv1/internal/model"
	"momentum-systemv1/internal/momentum"
	"momentum-systemv1/internal/persist"
	"momentum-systemv1/internal/pricebook"
	"momentum-systemv1/internal/ringbuf"
	"momentum-systemv1/internal/scheduler"
)

const (
	tickChanSize  = 10_000
	closeChanSize = 5_000
	ringSize      = 4_096

	listMarketsRetries = 3
	listMarketsDelay   = 5 * time.Second
)

func main() {
	cfg := config.Load()
	logger.Init("momentumd", cfg.LogLevel, cfg.LogPretty)
	lg := logger.Component("momentumd")
	lg.Info().Msg("starting")

	// ---- Metrics & health ----
	prom := metrics.New()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Shutdown plumbing ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Core state ----
	store := candlestore.New()
	cache := momentum.NewCache()
	engine := momentum.NewEngine(store, cache)
	book := pricebook.New()

	// ---- Restore snapshots before anything fetches ----
	snap, err := persist.NewSnapshotter(cfg.DataDir, store, cache, book)
	if err != nil {
		lg.Fatal().Err(err).Msg("persistence init failed")
	}
	snap.Load()

	// ---- Adapters & schedulers ----
	upbit := exchange.NewUpbit()
	bithumb := exchange.NewBithumb()
	adapters := []exchange.Adapter{
		upbit,
		bithumb,
		exchange.NewBinanceSpot(),
		exchange.NewBinanceFutures(),
		exchange.NewOKXSpot(),
		exchange.NewOKXFutures(),
	}

	newSched := func(kind model.ExchangeKind, lim config.ExchangeLimit) scheduler.Scheduler {
		var s scheduler.Scheduler
		if lim.ChunkSize <= 1 {
			serial := scheduler.NewSerial(kind.String(), lim.Spacing, lim.PausePer429)
			serial.OnPause = func() { prom.SchedulerPauses.WithLabelValues(kind.String()).Inc() }
			s = serial
		} else {
			chunked := scheduler.NewChunked(kind.String(), lim.ChunkSize, lim.Spacing, lim.PausePer429)
			chunked.OnPause = func() { prom.SchedulerPauses.WithLabelValues(kind.String()).Inc() }
			s = chunked
		}
		return s
	}
	limitFor := func(kind model.ExchangeKind) config.ExchangeLimit {
		switch kind {
		case model.UpbitSpot:
			return cfg.Limits.Upbit
		case model.BithumbSpot:
			return cfg.Limits.Bithumb
		case model.BinanceSpot, model.BinanceFutures:
			return cfg.Limits.Binance
		}
		return cfg.Limits.OKX
	}

	venues := make(map[model.ExchangeKind]*backfill.Venue, len(adapters))
	scheds := make([]scheduler.Scheduler, 0, len(adapters))
	for _, a := range adapters {
		lim := limitFor(a.Kind())
		sched := newSched(a.Kind(), lim)
		scheds = append(scheds, sched)
		venues[a.Kind()] = &backfill.Venue{
			Adapter:   a,
			Scheduler: sched,
			ChunkSize: lim.ChunkSize,
			Symbols:   listMarkets(ctx, a),
		}
	}

	// ---- Backfill orchestrator ----
	orch := backfill.New(store, engine, cache, venues)
	orch.OnFetch = func(kind model.ExchangeKind, ok bool) {
		outcome := "ok"
		if !ok {
			outcome = "error"
		}
		prom.BackfillFetches.WithLabelValues(kind.String(), outcome).Inc()
	}

	// ---- FX manager ----
	fxMgr := fx.NewManager(upbit, bithumb)

	// ---- Gateway ----
	hub := gateway.NewHub(cache, book, fxMgr.Rate, orch,
		cfg.ChatIPSalt, cfg.MaxConnsPerIP, cfg.MaxConnsGlobal,
		model.Timeframe(cfg.DefaultTimeframe))
	hub.OnRefused = func() { prom.RefusedConnections.Inc() }
	hub.OnClients = func(n int) {
		prom.ConnectedClients.Set(float64(n))
		health.SetClients(n)
	}
	hub.OnRanking = func() { prom.RankingBroadcasts.Inc() }
	orch.OnProgress = hub.NotifyMomentum
	fxMgr.OnRate = hub.BroadcastRate

	// ---- Persistence writers ----
	archiver := persist.NewArchiver(cfg.DataDir)
	persistDone := make(chan struct{})
	var persistWG sync.WaitGroup
	persistWG.Add(2)
	go func() { defer persistWG.Done(); snap.Run(persistDone, cfg.SnapshotInterval) }()
	go func() { defer persistWG.Done(); archiver.Run(persistDone, cfg.ArchiveInterval) }()

	// ---- Higher-timeframe resampler ----
	builder := resample.NewBuilder([]model.Timeframe{
		model.TF3, model.TF5, model.TF10, model.TF15, model.TF30, model.TF60, model.TF240,
	})
	builder.OnBarClose = func(tf model.Timeframe, ev model.BarClose) {
		store.AppendBar(ev.Exchange, ev.Symbol, tf, ev.Candle)
		archiver.Record(ev.Exchange, ev.Symbol, tf, ev.Candle)
		if tf.MomentumEnabled() {
			engine.RecomputeSymbol(ev.Exchange, ev.Symbol, tf)
			prom.MomentumRecomputes.Inc()
			hub.NotifyMomentum(tf)
			hub.PublishKey(tf, model.Key(ev.Exchange, ev.Symbol))
		}
		prom.BarsTotal.WithLabelValues(strconv.Itoa(int(tf))).Inc()
	}

	// ---- Tick → candle pipeline ----
	tickCh := make(chan model.Tick, tickChanSize)
	closeCh := make(chan model.BarClose, closeChanSize)

	aggregator := agg.New()
	aggregator.OnDroppedTick = func() { prom.DroppedTicks.Inc() }
	go aggregator.Run(ctx, tickCh, closeCh)

	go func() {
		for ev := range closeCh {
			store.Append1m(ev.Exchange, ev.Symbol, ev.Candle)
			archiver.Record(ev.Exchange, ev.Symbol, model.TF1, ev.Candle)
			engine.RecomputeSymbol(ev.Exchange, ev.Symbol, model.TF1)
			prom.MomentumRecomputes.Inc()
			prom.BarsTotal.WithLabelValues("1").Inc()
			hub.NotifyMomentum(model.TF1)
			hub.PublishKey(model.TF1, model.Key(ev.Exchange, ev.Symbol))
			builder.Push(ev)
		}
	}()

	// ---- Upstream streams, one ring per exchange ----
	for kind, v := range venues {
		ring := ringbuf.New(ringSize)
		kindName := kind.String()
		isUpbit := kind == model.UpbitSpot

		onTick := func(t model.Tick) {
			prom.TicksTotal.WithLabelValues(kindName).Inc()
			health.SetStream(kindName, true)
			if !ring.Push(t) {
				prom.RingBufOverflow.Inc()
			}
		}
		onDrop := func(err error) {
			prom.WSReconnects.WithLabelValues(kindName).Inc()
			health.SetStream(kindName, false)
		}

		// Drain off the producer goroutine so a burst on one venue never
		// blocks another.
		go func() {
			for {
				t, ok := ring.Pop()
				if !ok {
					if ctx.Err() != nil {
						return
					}
					time.Sleep(time.Millisecond)
					continue
				}
				health.SetLastTickTime(time.Now())
				book.Update(t)
				hub.PublishTick(t)
				prom.UpdateBroadcasts.Inc()
				if t.TS > 0 {
					prom.E2ELatency.Observe(float64(time.Now().UnixMilli()-t.TS) / 1000)
				}
				if isUpbit {
					fxMgr.FastUpdate(t)
				}
				select {
				case tickCh <- t:
				default:
					prom.DroppedTicks.Inc()
				}
			}
		}()

		go v.Adapter.StreamTickers(ctx, v.Symbols, onTick, onDrop)
	}

	// ---- Background tasks ----
	go fxMgr.Run(ctx)
	go hub.Run(ctx)
	go orch.RunStartup(ctx, hub.DefaultTF())

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewRouter(hub),
	}
	go func() {
		lg.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// ---- Wait for shutdown ----
	<-sigCh
	lg.Info().Msg("shutdown signal received")
	cancel()
	for _, s := range scheds {
		s.ClearQueue()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	// Final snapshot and archive flush, then exit. Forming higher-timeframe
	// buckets are not flushed: a partial bar stored as complete would skew
	// momentum after restart, and the backfill re-fetches the gap anyway.
	close(persistDone)
	persistWG.Wait()
	lg.Info().Msg("shutdown complete")
}

// listMarkets discovers a venue's symbols with a few retries. An empty list
// is survivable: the venue simply contributes nothing until restart.
func listMarkets(ctx context.Context, a exchange.Adapter) []string {
	lg := logger.Component("momentumd")
	for attempt := 1; attempt <= listMarketsRetries; attempt++ {
		symbols, err := a.ListMarkets(ctx)
		if err == nil {
			lg.Info().Stringer("exchange", a.Kind()).Int("symbols", len(symbols)).Msg("markets discovered")
			return symbols
		}
		lg.Warn().Stringer("exchange", a.Kind()).Int("attempt", attempt).Err(err).Msg("listMarkets failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(listMarketsDelay):
		}
	}
	return nil
}

// Package backfill plans and executes candle gap-filling. The startup pass
// walks every known series freshness-first; the JIT path collapses concurrent
// client timeframe switches into one job per timeframe.
package backfill

import (
	"context"
	"sort"
	"sync"
	"time"

	"momentum-systemv1/internal/candlestore"
	"momentum-systemv1/internal/exchange"
	"momentum-systemv1/internal/model"
	"momentum-systemv1/internal/momentum"
	"momentum-systemv1/internal/scheduler"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// incrementalCount bounds the small gap-fill fetch.
	incrementalCount = 20

	// fullCount is the candle count a Missing series needs, window plus margin.
	fullCount = candlestore.MinCandlesForMomentum + 10

	// maxFetchRetries bounds retries of one REST page on transient errors.
	maxFetchRetries = 3

	// sufficientCoverage is the numeric-value ratio at which a JIT job calls a
	// timeframe done.
	sufficientCoverage = 0.9

	// maxJITFailures caps retries before unavailable symbols are nulled out.
	maxJITFailures = 3

	// jitHardTimeout forces a stuck JIT job to resolve.
	jitHardTimeout = 10 * time.Minute
)

// Venue bundles everything the orchestrator needs per exchange.
type Venue struct {
	Adapter   exchange.Adapter
	Scheduler scheduler.Scheduler
	ChunkSize int
	Symbols   []string
}

// Orchestrator drives both backfill entry points over the shared store,
// engine and cache.
type Orchestrator struct {
	store  *candlestore.Store
	engine *momentum.Engine
	cache  *momentum.Cache
	venues map[model.ExchangeKind]*Venue

	// OnProgress fires after each chunk that landed new data, so the gateway
	// can push a partial ranking to the timeframe's subscribers.
	OnProgress func(tf model.Timeframe)

	// OnFetch is an optional metrics hook, fired per REST fetch with success.
	OnFetch func(exchange model.ExchangeKind, ok bool)

	mu  sync.Mutex
	jit map[model.Timeframe]*jitState

	now func() int64
	lg  zerolog.Logger
}

// jitState tracks one timeframe's JIT lifecycle.
type jitState struct {
	inProgress chan struct{} // closed when the running job resolves; nil when none
	completed  bool
	failCount  int
}

// New creates an orchestrator over the given venues.
func New(store *candlestore.Store, engine *momentum.Engine, cache *momentum.Cache, venues map[model.ExchangeKind]*Venue) *Orchestrator {
	return &Orchestrator{
		store:  store,
		engine: engine,
		cache:  cache,
		venues: venues,
		jit:    make(map[model.Timeframe]*jitState),
		now:    func() int64 { return time.Now().UnixMilli() },
		lg:     log.With().Str("component", "backfill").Logger(),
	}
}

// task is one planned fetch.
type task struct {
	exchange model.ExchangeKind
	symbol   string
	needed   int
	have     int // candles already held, sizes the escalation decision
	behindS  int
}

// plan computes the fetch list for tf across all venues, skipping Fresh
// series. Tasks are ordered by ascending neededCount, tiebroken by seconds
// behind, so the smallest gaps complete first.
func (o *Orchestrator) plan(tf model.Timeframe) []task {
	nowMS := o.now()
	var tasks []task
	for kind, v := range o.venues {
		for _, sym := range v.Symbols {
			f := o.store.Freshness(kind, sym, tf, nowMS)
			if f.State == candlestore.Fresh {
				continue
			}
			tasks = append(tasks, task{
				exchange: kind,
				symbol:   sym,
				needed:   f.NeededCount,
				have:     o.store.Len(kind, sym, tf),
				behindS:  f.CandlesBehind * int(tf) * 60,
			})
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].needed != tasks[j].needed {
			return tasks[i].needed < tasks[j].needed
		}
		return tasks[i].behindS < tasks[j].behindS
	})
	return tasks
}

// fetchSeries pulls up to needed candles for one series, paginating when the
// venue caps per-call counts below the need. The scheduler gates each call.
func (o *Orchestrator) fetchSeries(ctx context.Context, v *Venue, t task, tf model.Timeframe) error {
	count := t.needed
	// A series that never reached the momentum window refetches the whole
	// window; one that holds the window with a gap at the head fetches just
	// the gap.
	if count > incrementalCount && count < fullCount && t.have < candlestore.MinCandlesForMomentum {
		count = fullCount
	}

	var before int64
	fetched := 0
	for fetched < count {
		want := count - fetched
		if max := v.Adapter.MaxCandlesPerCall(); want > max {
			want = max
		}
		candles, err := o.fetchPage(ctx, v, t, tf, want, before)
		if err != nil {
			return err
		}
		if len(candles) == 0 {
			break
		}
		o.store.Put(t.exchange, t.symbol, tf, candles)
		fetched += len(candles)
		before = candles[len(candles)-1].TS
		if len(candles) < want {
			break
		}
	}
	return nil
}

// fetchPage issues one scheduler-gated REST call, retrying transient errors
// (network, 5xx, 429) up to maxFetchRetries with jittered backoff.
func (o *Orchestrator) fetchPage(ctx context.Context, v *Venue, t task, tf model.Timeframe, want int, before int64) ([]model.Candle, error) {
	bo := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Jitter: true, Factor: 2}
	for attempt := 1; ; attempt++ {
		var candles []model.Candle
		err := v.Scheduler.Do(ctx, func(ctx context.Context) error {
			var err error
			candles, err = v.Adapter.FetchCandles(ctx, t.symbol, tf, want, before)
			return err
		})
		if o.OnFetch != nil {
			o.OnFetch(t.exchange, err == nil)
		}
		if err == nil {
			return candles, nil
		}
		if attempt >= maxFetchRetries || !exchange.IsRetryable(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}
}

// runTasks executes tasks in per-venue chunks. After each chunk with at least
// one success it recomputes the affected symbols and fires OnProgress. Every
// task's series is marked backfilled regardless of outcome, so unreachable
// symbols settle at null rather than staying on the collecting state forever.
func (o *Orchestrator) runTasks(ctx context.Context, tf model.Timeframe, tasks []task) {
	for len(tasks) > 0 {
		// Each chunk holds tasks for one venue, sized to that venue's limit,
		// taken in priority order.
		head := tasks[0].exchange
		size := o.venues[head].ChunkSize
		if size < 1 {
			size = 1
		}
		chunk := make([]task, 0, size)
		rest := tasks[:0]
		for _, t := range tasks {
			if t.exchange == head && len(chunk) < size {
				chunk = append(chunk, t)
			} else {
				rest = append(rest, t)
			}
		}
		tasks = rest

		var wg sync.WaitGroup
		results := make([]error, len(chunk))
		for i, t := range chunk {
			wg.Add(1)
			go func(i int, t task) {
				defer wg.Done()
				results[i] = o.fetchSeries(ctx, o.venues[t.exchange], t, tf)
			}(i, t)
		}
		wg.Wait()

		succeeded := 0
		for i, t := range chunk {
			o.store.MarkBackfilled(t.exchange, t.symbol, tf)
			if results[i] == nil {
				succeeded++
				o.engine.RecomputeSymbol(t.exchange, t.symbol, tf)
			} else if !exchange.IsRetryable(results[i]) && ctx.Err() == nil {
				o.lg.Debug().Stringer("exchange", t.exchange).Str("symbol", t.symbol).
					Int("tf", int(tf)).Err(results[i]).Msg("fetch failed")
			}
		}
		if succeeded > 0 && o.OnProgress != nil {
			o.OnProgress(tf)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// RunStartup fills every timeframe, the warm-up timeframe first. Blocks until
// done or ctx is cancelled.
func (o *Orchestrator) RunStartup(ctx context.Context, firstTF model.Timeframe) {
	order := make([]model.Timeframe, 0, len(model.MomentumTimeframes))
	if firstTF.MomentumEnabled() {
		order = append(order, firstTF)
	}
	for _, tf := range model.MomentumTimeframes {
		if tf != firstTF {
			order = append(order, tf)
		}
	}

	for _, tf := range order {
		tasks := o.plan(tf)
		o.lg.Info().Int("tf", int(tf)).Int("tasks", len(tasks)).Msg("startup backfill pass")
		o.runTasks(ctx, tf, tasks)
		if ctx.Err() != nil {
			return
		}
	}
}

// knownKeys lists every (exchange, symbol) key across venues.
func (o *Orchestrator) knownKeys() []string {
	var keys []string
	for kind, v := range o.venues {
		for _, sym := range v.Symbols {
			keys = append(keys, model.Key(kind, sym))
		}
	}
	return keys
}

// Request is the JIT entry point, called when a client switches to tf. The
// first caller runs the job; concurrent callers block on the same resolution.
// Returns once tf has sufficient coverage, is force-completed, or ctx ends.
func (o *Orchestrator) Request(ctx context.Context, tf model.Timeframe) error {
	if !tf.MomentumEnabled() {
		return nil
	}

	o.mu.Lock()
	st, ok := o.jit[tf]
	if !ok {
		st = &jitState{}
		o.jit[tf] = st
	}
	if st.completed {
		o.mu.Unlock()
		// A completed timeframe whose cache holds nothing means the candles
		// survived a restart but the momentum snapshot did not; one recompute
		// repairs it without touching any venue.
		if len(o.cache.Snapshot(tf)) == 0 {
			o.engine.RecomputeAll(tf)
		}
		return nil
	}
	if st.inProgress != nil {
		done := st.inProgress
		o.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if o.cache.Coverage(tf, o.knownKeys()) >= sufficientCoverage {
		st.completed = true
		o.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	st.inProgress = done
	o.mu.Unlock()

	go o.runJIT(tf, st, done)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runJIT executes one coalesced backfill job for tf and resolves done.
func (o *Orchestrator) runJIT(tf model.Timeframe, st *jitState, done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), jitHardTimeout)
	defer cancel()

	tasks := o.plan(tf)
	o.lg.Info().Int("tf", int(tf)).Int("tasks", len(tasks)).Msg("jit backfill")
	o.runTasks(ctx, tf, tasks)

	// Nothing to fetch but nothing cached either: the store was restored
	// without its momentum snapshot. Recompute from what is already held.
	if len(o.cache.Snapshot(tf)) == 0 {
		o.engine.RecomputeAll(tf)
	}

	keys := o.knownKeys()
	coverage := o.cache.Coverage(tf, keys)

	o.mu.Lock()
	defer o.mu.Unlock()
	st.inProgress = nil
	close(done)

	if coverage >= sufficientCoverage {
		st.completed = true
		st.failCount = 0
		return
	}
	st.failCount++
	o.lg.Warn().Int("tf", int(tf)).Float64("coverage", coverage).
		Int("failures", st.failCount).Msg("jit backfill below coverage target")
	if st.failCount >= maxJITFailures {
		// Give up: null out whatever never produced numbers so the ranking
		// shows "-" instead of collecting forever.
		for _, k := range keys {
			if m, ok := o.cache.Get(tf, k); !ok || !m.IsNumber() {
				o.cache.MarkUnavailable(tf, k)
			}
		}
		st.completed = true
	}
}

// Completed reports whether tf's JIT state has resolved.
func (o *Orchestrator) Completed(tf model.Timeframe) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.jit[tf]
	return ok && st.completed
}

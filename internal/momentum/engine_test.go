package momentum

import (
	"testing"

	"momentum-systemv1/internal/candlestore"
	"momentum-systemv1/internal/model"
)

// series builds n 1-minute candles newest-first ending at endTS, with highs
// and lows produced by gen(i) where i=0 is the newest candle.
func series(n int, endTS int64, gen func(i int) (high, low float64)) []model.Candle {
	out := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		h, l := gen(i)
		out[i] = model.Candle{
			TS: endTS - int64(i)*60_000, Open: l, High: h, Low: l, Close: h, Volume: 1,
		}
	}
	return out
}

func TestComputeBoundary359(t *testing.T) {
	candles := series(359, 0, func(i int) (float64, float64) { return 100, 99 })

	if got := Compute(candles, true); got.State != model.MomentumInsufficient {
		t.Fatalf("359 backfilled candles: want Insufficient, got %v", got.State)
	}
	if got := Compute(candles, false); got.State != model.MomentumNotAttempted {
		t.Fatalf("359 unbackfilled candles: want NotAttempted, got %v", got.State)
	}
}

func TestComputeBoundary360(t *testing.T) {
	candles := series(360, 0, func(i int) (float64, float64) { return 100, 99 })

	got := Compute(candles, true)
	if !got.IsNumber() {
		t.Fatalf("360 candles: want a number, got state %v", got.State)
	}
	// identical highs and lows: no candle breaks its predecessor
	if got.Up != 0 || got.Down != 0 {
		t.Fatalf("flat series: want 0/0, got %d/%d", got.Up, got.Down)
	}
}

func TestComputeMonotonicSeries(t *testing.T) {
	// strictly rising highs and falling lows newest-first: every one of the
	// 359 pairs breaks both ways
	candles := series(360, 0, func(i int) (float64, float64) {
		return 1000 - float64(i), 100 + float64(i)
	})
	got := Compute(candles, true)
	if got.Up != 100 || got.Down != 100 {
		t.Fatalf("monotonic series: want 100/100, got %d/%d", got.Up, got.Down)
	}
}

func TestComputeDeterminism(t *testing.T) {
	candles := series(400, 0, func(i int) (float64, float64) {
		// pseudo-random but fixed shape
		h := float64((i*7919)%100) + 100
		return h, h - 1
	})
	a := Compute(candles, true)
	b := Compute(candles, true)
	if a != b {
		t.Fatalf("same input, different output: %v vs %v", a, b)
	}
	if !a.IsNumber() || a.Up < 0 || a.Up > 100 || a.Down < 0 || a.Down > 100 {
		t.Fatalf("out-of-range result: %+v", a)
	}
}

func TestComputeUsesOnlyWindow(t *testing.T) {
	gen := func(i int) (float64, float64) {
		h := float64((i*31)%50) + 100
		return h, h - 2
	}
	exact := series(Window, 0, gen)
	longer := series(Window+100, 0, gen)
	if Compute(exact, true) != Compute(longer, true) {
		t.Fatal("result depends on candles beyond the window")
	}
}

func TestDropForming(t *testing.T) {
	now := int64(10 * 60_000)
	forming := model.Candle{TS: model.TF1.BucketStart(now)}
	complete := model.Candle{TS: model.TF1.LatestCompletedBarStart(now)}

	got := DropForming([]model.Candle{forming, complete}, model.TF1, now)
	if len(got) != 1 || got[0].TS != complete.TS {
		t.Fatalf("forming head not dropped: %v", got)
	}
	got = DropForming([]model.Candle{complete}, model.TF1, now)
	if len(got) != 1 {
		t.Fatal("completed head must be kept")
	}
}

func TestCacheKeepsGoodValue(t *testing.T) {
	c := NewCache()
	key := model.Key(model.UpbitSpot, "BTC")

	c.Put(model.TF5, key, model.Computed(40, 60))
	c.Put(model.TF5, key, model.Momentum{State: model.MomentumInsufficient})
	if got, _ := c.Get(model.TF5, key); !got.IsNumber() || got.Up != 40 {
		t.Fatalf("null overwrote a number: %+v", got)
	}

	c.Put(model.TF5, key, model.Computed(41, 59))
	if got, _ := c.Get(model.TF5, key); got.Up != 41 {
		t.Fatalf("number must overwrite number: %+v", got)
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache()
	key := model.Key(model.UpbitSpot, "LUNA")
	c.Put(model.TF1, key, model.Computed(10, 10))
	c.Put(model.TF60, key, model.Computed(20, 20))

	c.Invalidate(model.UpbitSpot, "LUNA")
	for _, tf := range []model.Timeframe{model.TF1, model.TF60} {
		if got, _ := c.Get(tf, key); got.IsNumber() {
			t.Fatalf("tf %v still numeric after invalidate", tf)
		}
	}
}

func TestCacheMarkUnavailableBypassesKeepRule(t *testing.T) {
	c := NewCache()
	key := model.Key(model.OKXSpot, "DEAD")
	c.Put(model.TF15, key, model.Computed(50, 50))
	c.MarkUnavailable(model.TF15, key)
	if got, _ := c.Get(model.TF15, key); got.State != model.MomentumInsufficient {
		t.Fatalf("MarkUnavailable did not clear the value: %+v", got)
	}
}

func TestCacheCoverage(t *testing.T) {
	c := NewCache()
	keys := []string{"A", "B", "C", "D"}
	c.Put(model.TF5, "A", model.Computed(1, 1))
	c.Put(model.TF5, "B", model.Computed(2, 2))
	c.Put(model.TF5, "C", model.Momentum{State: model.MomentumInsufficient})

	if got := c.Coverage(model.TF5, keys); got != 0.5 {
		t.Fatalf("coverage: want 0.5, got %v", got)
	}
	if got := c.Coverage(model.TF5, nil); got != 0 {
		t.Fatalf("empty key set: want 0, got %v", got)
	}
}

func TestEngineTriState(t *testing.T) {
	store := candlestore.New()
	cache := NewCache()
	e := NewEngine(store, cache)
	e.now = func() int64 { return 1_000 * 60_000 }

	// no series at all, never backfilled
	if got := e.ComputeKey(model.BinanceSpot, "SOL", model.TF5); got.State != model.MomentumNotAttempted {
		t.Fatalf("missing series: want NotAttempted, got %v", got.State)
	}

	// backfilled but short
	store.Put(model.BinanceSpot, "SOL", model.TF5, series(10, 900*60_000, func(i int) (float64, float64) { return 10, 9 }))
	store.MarkBackfilled(model.BinanceSpot, "SOL", model.TF5)
	if got := e.ComputeKey(model.BinanceSpot, "SOL", model.TF5); got.State != model.MomentumInsufficient {
		t.Fatalf("short backfilled series: want Insufficient, got %v", got.State)
	}

	// momentum-disabled timeframe stays null
	if got := e.ComputeKey(model.BinanceSpot, "SOL", model.TF10); got.State != model.MomentumInsufficient {
		t.Fatalf("disabled tf: want Insufficient, got %v", got.State)
	}
}

func TestEngineRecomputeAll(t *testing.T) {
	store := candlestore.New()
	cache := NewCache()
	e := NewEngine(store, cache)
	nowMS := int64(1_000) * 60_000
	e.now = func() int64 { return nowMS }

	end := model.TF1.LatestCompletedBarStart(nowMS)
	store.Put(model.UpbitSpot, "BTC", model.TF1, series(400, end, func(i int) (float64, float64) {
		return 100 + float64(i%3), 90 - float64(i%2)
	}))
	store.MarkBackfilled(model.UpbitSpot, "BTC", model.TF1)
	store.Put(model.UpbitSpot, "XRP", model.TF1, series(5, end, func(i int) (float64, float64) { return 1, 0.9 }))
	store.MarkBackfilled(model.UpbitSpot, "XRP", model.TF1)

	if numeric := e.RecomputeAll(model.TF1); numeric != 1 {
		t.Fatalf("want 1 numeric key, got %d", numeric)
	}
	if got, ok := cache.Get(model.TF1, model.Key(model.UpbitSpot, "BTC")); !ok || !got.IsNumber() {
		t.Fatalf("BTC not numeric in cache: %+v", got)
	}
}

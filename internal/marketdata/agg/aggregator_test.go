package agg

import (
	"testing"

	"momentum-systemv1/internal/model"
)

func tick(ts int64, price, qty float64) model.Tick {
	return model.Tick{Exchange: model.UpbitSpot, Symbol: "BTC", Price: price, Qty: qty, TS: ts}
}

func TestTicksFoldIntoOneBar(t *testing.T) {
	a := New()
	closeCh := make(chan model.BarClose, 8)

	base := int64(600_000) // minute boundary
	a.processTick(tick(base+1_000, 100, 1), closeCh)
	a.processTick(tick(base+20_000, 105, 2), closeCh)
	a.processTick(tick(base+40_000, 95, 1), closeCh)
	a.processTick(tick(base+59_000, 101, 1), closeCh)

	select {
	case ev := <-closeCh:
		t.Fatalf("no bar should close inside one minute, got %+v", ev)
	default:
	}

	// rollover into the next minute closes the bar
	a.processTick(tick(base+61_000, 102, 1), closeCh)
	ev := <-closeCh
	c := ev.Candle
	if c.TS != base {
		t.Fatalf("bar TS: want %d, got %d", base, c.TS)
	}
	if c.Open != 100 || c.High != 105 || c.Low != 95 || c.Close != 101 {
		t.Fatalf("OHLC wrong: %+v", c)
	}
	if c.Volume != 5 {
		t.Fatalf("volume: want 5, got %v", c.Volume)
	}
}

func TestLateTickDropped(t *testing.T) {
	a := New()
	dropped := 0
	a.OnDroppedTick = func() { dropped++ }
	closeCh := make(chan model.BarClose, 8)

	a.processTick(tick(120_000, 100, 1), closeCh)
	a.processTick(tick(59_000, 500, 1), closeCh) // previous minute

	if dropped != 1 {
		t.Fatalf("late tick not dropped, count=%d", dropped)
	}
	a.processTick(tick(190_000, 100, 1), closeCh)
	ev := <-closeCh
	if ev.Candle.High == 500 {
		t.Fatal("late tick leaked into the closed bar")
	}
}

func TestSymbolsCloseIndependently(t *testing.T) {
	a := New()
	closeCh := make(chan model.BarClose, 8)

	a.processTick(tick(60_000, 100, 1), closeCh)
	eth := model.Tick{Exchange: model.BinanceSpot, Symbol: "ETH", Price: 10, Qty: 1, TS: 60_000}
	a.processTick(eth, closeCh)

	// only BTC rolls over
	a.processTick(tick(121_000, 100, 1), closeCh)
	ev := <-closeCh
	if ev.Symbol != "BTC" || ev.Exchange != model.UpbitSpot {
		t.Fatalf("wrong bar closed: %+v", ev)
	}
	select {
	case ev := <-closeCh:
		t.Fatalf("ETH bar must still be forming, got %+v", ev)
	default:
	}
}

func TestFlushAllEmitsForming(t *testing.T) {
	a := New()
	closeCh := make(chan model.BarClose, 8)

	a.processTick(tick(60_000, 100, 1), closeCh)
	a.flushAll(closeCh)

	ev := <-closeCh
	if ev.Candle.TS != 60_000 {
		t.Fatalf("forming bar not flushed: %+v", ev)
	}
	if len(a.states) != 0 {
		t.Fatal("state not cleared after flush")
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"momentum-systemv1/internal/exchange"
)

func TestSerialSpacing(t *testing.T) {
	s := NewSerial("test", 30*time.Millisecond, time.Second)
	ctx := context.Background()

	var mu sync.Mutex
	var starts []time.Time
	job := func(context.Context) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil
	}

	// submissions land inside the first spacing window so the queue never
	// drains empty mid-test
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(delay time.Duration) {
			defer wg.Done()
			time.Sleep(delay)
			if err := s.Do(ctx, job); err != nil {
				t.Errorf("Do: %v", err)
			}
		}(time.Duration(i) * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 4 {
		t.Fatalf("want 4 runs, got %d", len(starts))
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < 25*time.Millisecond {
			t.Fatalf("jobs %d and %d started %v apart", i-1, i, gap)
		}
	}
}

func TestSerialNeverConcurrent(t *testing.T) {
	s := NewSerial("test", 0, time.Second)
	ctx := context.Background()

	var inFlight, maxSeen atomic.Int32
	job := func(context.Context) error {
		n := inFlight.Add(1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); s.Do(ctx, job) }()
	}
	wg.Wait()

	if maxSeen.Load() != 1 {
		t.Fatalf("serial queue ran %d jobs concurrently", maxSeen.Load())
	}
}

func TestSerialPausesOn429(t *testing.T) {
	pause := 60 * time.Millisecond
	s := NewSerial("test", 0, pause)
	paused := 0
	s.OnPause = func() { paused++ }
	ctx := context.Background()

	var wg sync.WaitGroup
	var secondStart time.Time
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := s.Do(ctx, func(context.Context) error { return exchange.ErrRateLimited })
		if !errors.Is(err, exchange.ErrRateLimited) {
			t.Errorf("caller must see its own 429, got %v", err)
		}
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		s.Do(ctx, func(context.Context) error { secondStart = time.Now(); return nil })
	}()
	before := time.Now()
	wg.Wait()

	if paused != 1 {
		t.Fatalf("want one pause, got %d", paused)
	}
	if secondStart.Sub(before) < pause/2 {
		t.Fatalf("queued job ran %v after the 429, inside the pause window", secondStart.Sub(before))
	}
}

func TestSerialClearQueueRejects(t *testing.T) {
	s := NewSerial("test", 0, time.Second)
	ctx := context.Background()

	release := make(chan struct{})
	go s.Do(ctx, func(context.Context) error { <-release; return nil })
	time.Sleep(10 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Do(ctx, func(context.Context) error { return nil })
	}()
	time.Sleep(10 * time.Millisecond)

	s.ClearQueue()
	close(release)

	if err := <-errCh; !errors.Is(err, exchange.ErrCancelled) {
		t.Fatalf("queued job: want ErrCancelled, got %v", err)
	}
	// new submissions after close are rejected too
	if err := s.Do(ctx, func(context.Context) error { return nil }); !errors.Is(err, exchange.ErrCancelled) {
		t.Fatalf("post-close submit: want ErrCancelled, got %v", err)
	}
}

func TestSerialHonorsCallerContext(t *testing.T) {
	s := NewSerial("test", 0, time.Second)

	release := make(chan struct{})
	go s.Do(context.Background(), func(context.Context) error { <-release; return nil })
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Do(ctx, func(context.Context) error { return nil }) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	close(release)
}

func TestChunkedParallelismCap(t *testing.T) {
	c := NewChunked("test", 3, 0, time.Second)
	ctx := context.Background()

	var inFlight, maxSeen atomic.Int32
	job := func(context.Context) error {
		n := inFlight.Add(1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); c.Do(ctx, job) }()
	}
	wg.Wait()

	if got := maxSeen.Load(); got > 3 {
		t.Fatalf("chunk cap exceeded: %d in flight", got)
	}
	if maxSeen.Load() < 2 {
		t.Fatalf("chunk never ran in parallel: max %d", maxSeen.Load())
	}
}

func TestChunkedPausesAfterChunkWith429(t *testing.T) {
	pause := 60 * time.Millisecond
	c := NewChunked("test", 2, 0, pause)
	paused := 0
	c.OnPause = func() { paused++ }
	ctx := context.Background()

	var wg sync.WaitGroup
	var lastStart time.Time
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.Do(ctx, func(context.Context) error { return exchange.ErrRateLimited })
	}()
	go func() {
		defer wg.Done()
		c.Do(ctx, func(context.Context) error { return nil })
	}()
	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	go func() {
		defer wg.Done()
		c.Do(ctx, func(context.Context) error { lastStart = time.Now(); return nil })
	}()
	wg.Wait()

	if paused != 1 {
		t.Fatalf("want one pause, got %d", paused)
	}
	if lastStart.Sub(start) < pause/2 {
		t.Fatalf("next chunk started %v after the 429", lastStart.Sub(start))
	}
}

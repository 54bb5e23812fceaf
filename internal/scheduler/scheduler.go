// Package scheduler sequences outgoing REST calls per exchange. Two
// families exist: a single-concurrency serializer for the Korean venues and
// a parallel-but-spaced chunk scheduler for the global venues. Both pause
// their queue for a fixed window when a callee observes a 429.
package scheduler

import (
	"context"
	"sync"
	"time"

	"momentum-systemv1/internal/exchange"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Job is one queued REST call.
type Job func(ctx context.Context) error

// Scheduler is the common contract of both families.
type Scheduler interface {
	// Do queues fn and blocks until it ran or was rejected. The error is the
	// job's own error, exchange.ErrCancelled after ClearQueue/shutdown, or
	// ctx.Err() if the caller gave up waiting.
	Do(ctx context.Context, fn Job) error

	// ClearQueue rejects all pending jobs with exchange.ErrCancelled.
	ClearQueue()
}

// state machine: Idle → Processing → (Paused) → Processing → Idle.
type queued struct {
	fn   Job
	ctx  context.Context
	done chan error
}

// Serial runs at most one call in flight with a minimum spacing between call
// starts. On an observed rate limit it pauses the whole queue; the caller
// that saw the 429 gets the error immediately, queued calls resume after the
// pause window expires on its own timer.
type Serial struct {
	spacing time.Duration
	pause   time.Duration

	mu      sync.Mutex
	queue   []*queued
	running bool
	closed  bool

	// OnPause is an optional metrics hook fired on each 429 pause.
	OnPause func()

	lg zerolog.Logger
}

// NewSerial creates a serializer with the given spacing and 429 pause
// window.
func NewSerial(name string, spacing, pause time.Duration) *Serial {
	return &Serial{
		spacing: spacing,
		pause:   pause,
		lg:      log.With().Str("component", "scheduler").Str("queue", name).Logger(),
	}
}

// Do implements Scheduler.
func (s *Serial) Do(ctx context.Context, fn Job) error {
	q := &queued{fn: fn, ctx: ctx, done: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return exchange.ErrCancelled
	}
	s.queue = append(s.queue, q)
	if !s.running {
		s.running = true
		go s.drain()
	}
	s.mu.Unlock()

	select {
	case err := <-q.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain processes the queue until empty. One goroutine at a time.
func (s *Serial) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.closed {
			s.running = false
			s.mu.Unlock()
			return
		}
		q := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		start := time.Now()
		var err error
		if q.ctx.Err() != nil {
			err = q.ctx.Err()
		} else {
			err = q.fn(q.ctx)
		}
		q.done <- err

		if exchange.IsRateLimited(err) {
			if s.OnPause != nil {
				s.OnPause()
			}
			s.lg.Warn().Dur("pause", s.pause).Msg("rate limited, pausing queue")
			time.Sleep(s.pause)
			continue
		}
		if wait := s.spacing - time.Since(start); wait > 0 {
			time.Sleep(wait)
		}
	}
}

// ClearQueue implements Scheduler.
func (s *Serial) ClearQueue() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.closed = true
	s.mu.Unlock()
	for _, q := range pending {
		q.done <- exchange.ErrCancelled
	}
}

// Chunked runs up to chunkSize calls in parallel, then waits out the
// inter-chunk delay before starting the next chunk. A 429 anywhere in a
// chunk pauses before the next chunk starts.
type Chunked struct {
	chunkSize int
	spacing   time.Duration
	pause     time.Duration

	mu      sync.Mutex
	queue   []*queued
	running bool
	closed  bool

	OnPause func()

	lg zerolog.Logger
}

// NewChunked creates a chunk scheduler.
func NewChunked(name string, chunkSize int, spacing, pause time.Duration) *Chunked {
	if chunkSize < 1 {
		chunkSize = 1
	}
	return &Chunked{
		chunkSize: chunkSize,
		spacing:   spacing,
		pause:     pause,
		lg:        log.With().Str("component", "scheduler").Str("queue", name).Logger(),
	}
}

// Do implements Scheduler.
func (c *Chunked) Do(ctx context.Context, fn Job) error {
	q := &queued{fn: fn, ctx: ctx, done: make(chan error, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return exchange.ErrCancelled
	}
	c.queue = append(c.queue, q)
	if !c.running {
		c.running = true
		go c.drain()
	}
	c.mu.Unlock()

	select {
	case err := <-q.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Chunked) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.closed {
			c.running = false
			c.mu.Unlock()
			return
		}
		n := c.chunkSize
		if n > len(c.queue) {
			n = len(c.queue)
		}
		chunk := c.queue[:n]
		c.queue = c.queue[n:]
		c.mu.Unlock()

		start := time.Now()
		var wg sync.WaitGroup
		var sawLimit bool
		var limitMu sync.Mutex
		for _, q := range chunk {
			wg.Add(1)
			go func(q *queued) {
				defer wg.Done()
				var err error
				if q.ctx.Err() != nil {
					err = q.ctx.Err()
				} else {
					err = q.fn(q.ctx)
				}
				q.done <- err
				if exchange.IsRateLimited(err) {
					limitMu.Lock()
					sawLimit = true
					limitMu.Unlock()
				}
			}(q)
		}
		wg.Wait()

		if sawLimit {
			if c.OnPause != nil {
				c.OnPause()
			}
			c.lg.Warn().Dur("pause", c.pause).Msg("rate limited, pausing queue")
			time.Sleep(c.pause)
			continue
		}
		if wait := c.spacing - time.Since(start); wait > 0 {
			time.Sleep(wait)
		}
	}
}

// ClearQueue implements Scheduler.
func (c *Chunked) ClearQueue() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.closed = true
	c.mu.Unlock()
	for _, q := range pending {
		q.done <- exchange.ErrCancelled
	}
}

// Package fx maintains the KRW/USDT rate by cross-verifying the two Korean
// venues' USDT quotes, with the live Upbit ticker as a fast path between
// polls.
package fx

import (
	"context"
	"math"
	"sync"
	"time"

	"momentum-systemv1/internal/exchange"
	"momentum-systemv1/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	pollInterval = time.Minute

	// disagreeThreshold is the relative gap beyond which one quote is treated
	// as an outlier.
	disagreeThreshold = 0.03

	// broadcastThreshold is the relative change that triggers a rate event.
	broadcastThreshold = 0.01

	usdtSymbol = "USDT"
)

// quoteFn fetches one venue's current KRW price for USDT.
type quoteFn func(ctx context.Context) (float64, error)

// Manager polls, reconciles and publishes the KRW/USDT rate.
type Manager struct {
	sources []quoteFn

	// OnRate fires when the reconciled rate moved at least broadcastThreshold
	// from the previously published value.
	OnRate func(rate float64)

	mu        sync.RWMutex
	lastGood  float64
	published float64

	lg zerolog.Logger
}

// NewManager builds a manager over the two Korean venues. The latest 1-minute
// close of the venue's USDT market serves as the quote.
func NewManager(upbit, bithumb exchange.Adapter) *Manager {
	quote := func(a exchange.Adapter) quoteFn {
		return func(ctx context.Context) (float64, error) {
			candles, err := a.FetchCandles(ctx, usdtSymbol, model.TF1, 1, 0)
			if err != nil {
				return 0, err
			}
			if len(candles) == 0 {
				return 0, exchange.ErrInvalidMarket
			}
			return candles[0].Close, nil
		}
	}
	return &Manager{
		sources: []quoteFn{quote(upbit), quote(bithumb)},
		lg:      log.With().Str("component", "fx").Logger(),
	}
}

// Rate returns the current KRW/USDT rate, 0 before the first resolution.
func (m *Manager) Rate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastGood
}

// Seed installs a restored rate so clients connecting before the first poll
// see a plausible value.
func (m *Manager) Seed(rate float64) {
	if rate <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastGood == 0 {
		m.lastGood = rate
		m.published = rate
	}
}

// Run polls every minute until ctx ends. The first poll happens immediately.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll fetches both quotes in parallel and reconciles them.
func (m *Manager) poll(ctx context.Context) {
	type result struct {
		rate float64
		err  error
	}
	results := make([]result, len(m.sources))
	var wg sync.WaitGroup
	for i, src := range m.sources {
		wg.Add(1)
		go func(i int, src quoteFn) {
			defer wg.Done()
			r, err := src(ctx)
			results[i] = result{rate: r, err: err}
		}(i, src)
	}
	wg.Wait()

	var quotes []float64
	for _, r := range results {
		if r.err == nil && r.rate > 0 {
			quotes = append(quotes, r.rate)
		}
	}
	m.resolve(quotes)
}

// resolve applies the cross-verification rule and publishes the outcome.
func (m *Manager) resolve(quotes []float64) {
	m.mu.Lock()
	switch len(quotes) {
	case 0:
		// keep lastKnownGood
	case 1:
		m.lastGood = quotes[0]
	default:
		a, b := quotes[0], quotes[1]
		mean := (a + b) / 2
		if math.Abs(a-b)/mean < disagreeThreshold || m.lastGood == 0 {
			m.lastGood = mean
		} else if math.Abs(a-m.lastGood) <= math.Abs(b-m.lastGood) {
			m.lastGood = a
		} else {
			m.lastGood = b
		}
	}
	rate := m.lastGood
	prior := m.published
	changed := prior == 0 && rate > 0 ||
		prior > 0 && math.Abs(rate-prior)/prior >= broadcastThreshold
	if changed {
		m.published = rate
	}
	m.mu.Unlock()

	if changed {
		m.lg.Info().Float64("rate", rate).Msg("usdt/krw rate updated")
		if m.OnRate != nil {
			m.OnRate(rate)
		}
	}
}

// FastUpdate consumes a live USDT tick from one Korean venue between polls.
// No cross-verification; a fresher unvalidated quote beats a stale mean.
func (m *Manager) FastUpdate(t model.Tick) {
	if t.Symbol != usdtSymbol || t.Price <= 0 {
		return
	}
	m.mu.Lock()
	m.lastGood = t.Price
	rate := m.lastGood
	prior := m.published
	changed := prior > 0 && math.Abs(rate-prior)/prior >= broadcastThreshold
	if changed {
		m.published = rate
	}
	m.mu.Unlock()

	if changed && m.OnRate != nil {
		m.OnRate(rate)
	}
}

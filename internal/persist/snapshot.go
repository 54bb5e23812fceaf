// Package persist owns the on-disk state: periodic JSON snapshots of the
// candle store, momentum cache and pricebook, and the append-style CSV
// archive of completed candles. All writes go through a temp file + rename so
// a crash never leaves a truncated snapshot behind.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"momentum-systemv1/internal/candlestore"
	"momentum-systemv1/internal/model"
	"momentum-systemv1/internal/momentum"
	"momentum-systemv1/internal/pricebook"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	momentumFile  = "momentum_cache.json"
	pricebookFile = "pricebook.json"
)

// Snapshotter serializes the in-memory state to DATA_DIR and back.
type Snapshotter struct {
	dir   string
	store *candlestore.Store
	cache *momentum.Cache
	book  *pricebook.Book
	lg    zerolog.Logger
}

// NewSnapshotter creates the snapshotter, ensuring dir exists.
func NewSnapshotter(dir string, store *candlestore.Store, cache *momentum.Cache, book *pricebook.Book) (*Snapshotter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Snapshotter{
		dir:   dir,
		store: store,
		cache: cache,
		book:  book,
		lg:    log.With().Str("component", "persist").Logger(),
	}, nil
}

// storeFile names the per-exchange candle snapshot, e.g.
// multi_tf_upbit_spot.json.
func storeFile(kind model.ExchangeKind) string {
	return "multi_tf_" + strings.ToLower(kind.String()) + ".json"
}

// momentumSnapshot is the momentum_cache.json document.
type momentumSnapshot struct {
	Timeframes map[model.Timeframe]map[string]model.Momentum `json:"timeframes"`
	SavedAt    int64                                         `json:"savedAt"`
}

// Save writes every snapshot file. Individual failures are logged and do not
// abort the remaining files.
func (s *Snapshotter) Save() {
	byExchange := s.store.Export()
	for _, kind := range model.Kinds {
		data, ok := byExchange[kind]
		if !ok {
			continue
		}
		if err := s.writeJSON(storeFile(kind), data); err != nil {
			s.lg.Error().Stringer("exchange", kind).Err(err).Msg("candle snapshot failed")
		}
	}

	if err := s.writeJSON(momentumFile, momentumSnapshot{
		Timeframes: s.cache.Export(),
		SavedAt:    time.Now().UnixMilli(),
	}); err != nil {
		s.lg.Error().Err(err).Msg("momentum snapshot failed")
	}

	if err := s.writeJSON(pricebookFile, s.book.Snapshot()); err != nil {
		s.lg.Error().Err(err).Msg("pricebook snapshot failed")
	}
	s.lg.Info().Msg("snapshot written")
}

// Load restores whatever snapshot files exist. Missing or corrupt files are
// logged and skipped; the system then backfills the gap from REST.
func (s *Snapshotter) Load() {
	for _, kind := range model.Kinds {
		var data map[string]map[model.Timeframe]candlestore.Series
		if !s.readJSON(storeFile(kind), &data) {
			continue
		}
		s.store.Restore(kind, data)
		s.lg.Info().Stringer("exchange", kind).Int("symbols", len(data)).Msg("candle snapshot restored")
	}

	var ms momentumSnapshot
	if s.readJSON(momentumFile, &ms) {
		s.cache.Restore(ms.Timeframes)
	}

	var entries map[string]pricebook.Entry
	if s.readJSON(pricebookFile, &entries) {
		s.book.Restore(entries)
	}
}

// Run writes a snapshot on every tick of interval and once more on ctx
// cancellation, then returns.
func (s *Snapshotter) Run(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			s.Save()
			return
		case <-ticker.C:
			s.Save()
		}
	}
}

// writeJSON marshals v into dir/name atomically.
func (s *Snapshotter) writeJSON(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.dir, name), raw)
}

// readJSON loads dir/name into v, reporting whether it succeeded.
func (s *Snapshotter) readJSON(name string, v any) bool {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if !os.IsNotExist(err) {
			s.lg.Warn().Str("file", name).Err(err).Msg("snapshot unreadable")
		}
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.lg.Warn().Str("file", name).Err(err).Msg("snapshot corrupt, skipping")
		return false
	}
	return true
}

// atomicWrite lands data at path via a temp file in the same directory.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

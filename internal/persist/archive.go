package persist

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"momentum-systemv1/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// archiveMaxRows caps each CSV at the same bound as the candle store.
	archiveMaxRows = 500

	archiveHeader = "timestamp,datetime,open,high,low,close,volume"
)

// Archiver accumulates completed candles per (tf, exchange, symbol) and
// flushes them to archive/{tf}/{EXCHANGE_SYMBOL}.csv on a timer. Rows are
// deduplicated by timestamp and FIFO-trimmed to the cap, newest last.
type Archiver struct {
	dir string

	mu    sync.Mutex
	files map[string]*archiveFile

	lg zerolog.Logger
}

type archiveFile struct {
	path   string
	rows   []model.Candle // oldest-first
	loaded bool
	dirty  bool
}

// NewArchiver creates the archiver rooted at dir/archive.
func NewArchiver(dir string) *Archiver {
	return &Archiver{
		dir:   filepath.Join(dir, "archive"),
		files: make(map[string]*archiveFile),
		lg:    log.With().Str("component", "archive").Logger(),
	}
}

// Record queues one completed candle. Called on every bar close, including
// the synthesized higher-timeframe bars.
func (a *Archiver) Record(exchange model.ExchangeKind, symbol string, tf model.Timeframe, c model.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := fmt.Sprintf("%d/%s_%s", int(tf), exchange, symbol)
	f, ok := a.files[key]
	if !ok {
		f = &archiveFile{path: filepath.Join(a.dir, key+".csv")}
		a.files[key] = f
	}
	if !f.loaded {
		a.loadLocked(f)
	}
	for _, r := range f.rows {
		if r.TS == c.TS {
			return
		}
	}
	f.rows = append(f.rows, c)
	if len(f.rows) > archiveMaxRows {
		f.rows = f.rows[len(f.rows)-archiveMaxRows:]
	}
	f.dirty = true
}

// loadLocked reads existing rows so restarts keep deduplicating and trimming
// against what is already on disk. Corrupt files start over empty.
func (a *Archiver) loadLocked(f *archiveFile) {
	f.loaded = true
	raw, err := os.Open(f.path)
	if err != nil {
		return
	}
	defer raw.Close()

	records, err := csv.NewReader(raw).ReadAll()
	if err != nil {
		a.lg.Warn().Str("file", f.path).Err(err).Msg("archive unreadable, starting over")
		return
	}
	for i, rec := range records {
		if i == 0 || len(rec) < 7 {
			continue // header or short row
		}
		ts, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			continue
		}
		open, _ := strconv.ParseFloat(rec[2], 64)
		high, _ := strconv.ParseFloat(rec[3], 64)
		low, _ := strconv.ParseFloat(rec[4], 64)
		close_, _ := strconv.ParseFloat(rec[5], 64)
		vol, _ := strconv.ParseFloat(rec[6], 64)
		f.rows = append(f.rows, model.Candle{TS: ts, Open: open, High: high, Low: low, Close: close_, Volume: vol})
	}
	if len(f.rows) > archiveMaxRows {
		f.rows = f.rows[len(f.rows)-archiveMaxRows:]
	}
}

// Flush rewrites every dirty file.
func (a *Archiver) Flush() {
	a.mu.Lock()
	type pending struct {
		path string
		rows []model.Candle
	}
	var work []pending
	for _, f := range a.files {
		if !f.dirty {
			continue
		}
		rows := make([]model.Candle, len(f.rows))
		copy(rows, f.rows)
		work = append(work, pending{path: f.path, rows: rows})
		f.dirty = false
	}
	a.mu.Unlock()

	for _, p := range work {
		if err := writeArchive(p.path, p.rows); err != nil {
			a.lg.Error().Str("file", p.path).Err(err).Msg("archive flush failed")
		}
	}
}

// Run flushes on every tick of interval and once more on shutdown.
func (a *Archiver) Run(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			a.Flush()
			return
		case <-ticker.C:
			a.Flush()
		}
	}
}

// writeArchive lands the full CSV atomically, oldest row first.
func writeArchive(path string, rows []model.Candle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	buf := make([]byte, 0, 64*(len(rows)+1))
	buf = append(buf, archiveHeader...)
	buf = append(buf, '\n')
	for _, c := range rows {
		dt := time.UnixMilli(c.TS).UTC().Format("2006-01-02 15:04:05")
		buf = append(buf, fmt.Sprintf("%d,%s,%s,%s,%s,%s,%s\n",
			c.TS, dt,
			formatPrice(c.Open), formatPrice(c.High), formatPrice(c.Low),
			formatPrice(c.Close), formatPrice(c.Volume))...)
	}
	return atomicWrite(path, buf)
}

// formatPrice trims trailing zeros without losing precision.
func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

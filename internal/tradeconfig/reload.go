package tradeconfig

import (
	"log"
	"os"
	"sync/atomic"
)

// Watcher holds a hot-reloadable TradeConfig. Reads are lock-free (atomic
// pointer load); reload is driven by a cooperative, non-blocking Poll call
// from the driver loop rather than its own timer goroutine, so it never
// competes with tick processing and never blocks shutdown.
type Watcher struct {
	path string
	cur  atomic.Pointer[TradeConfig]
}

// NewWatcher performs the initial load. A parse failure here is fatal.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path}
	w.cur.Store(cfg)
	return w, nil
}

// Get returns the current normalized config. Safe for concurrent callers.
func (w *Watcher) Get() *TradeConfig {
	return w.cur.Load()
}

// Poll compares the on-disk content hash against the cached config and,
// on change, re-normalizes and atomically swaps it in. On parse failure
// the last-good config is retained and a single warning is logged.
func (w *Watcher) Poll() {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		log.Printf("tradeconfig: reload read failed, keeping last-good: %v", err)
		return
	}
	next, err := Parse(raw)
	if err != nil {
		log.Printf("tradeconfig: reload parse failed, keeping last-good: %v", err)
		return
	}
	if next.ContentHash == w.cur.Load().ContentHash {
		return
	}
	w.cur.Store(next)
	log.Printf("tradeconfig: reloaded, hash=%s", next.ContentHash[:12])
}

// Package tradelog is the append-only JSONL trade log writer. Duplicate
// appends within a TTL are suppressed by an in-memory LRU keyed by the
// semantic trade key (timestampExit, timestampEntry, side, entryPx,
// exitPx, size), so a retried write never duplicates a line on disk.
package tradelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"btcperp-engine/internal/model"
)

const schemaVersion = 1

// Record is the on-disk shape for one trade-log line: a superset view
// over model.TradeRecord with the identifiers and quality fields that
// don't belong on the in-memory record.
type Record struct {
	TradeId         string  `json:"tradeId"`
	EntryAtMs       int64   `json:"entryAtMs"`
	ExitAtMs        int64   `json:"exitAtMs"`
	HoldMs          int64   `json:"holdMs"`
	Side            string  `json:"side"` // LONG/SHORT
	EntryPx         float64 `json:"entryPx"`
	ExitPx          float64 `json:"exitPx"`
	Size            float64 `json:"size"`
	NotionalUsd     float64 `json:"notionalUsd"`
	PnlGross        float64 `json:"pnlGross"`
	PnlNet          float64 `json:"pnlNet"`
	EntryFee        float64 `json:"entryFee"`
	ExitFee         float64 `json:"exitFee"`
	EntryMode       string  `json:"entryMode"`
	ExitMode        string  `json:"exitMode"`
	Result          string  `json:"result"`
	ExitReason      string  `json:"exitReason"`
	ExitSignal      string  `json:"exitSignal"`
	ExitDetail      string  `json:"exitDetail"`
	TpPx            float64 `json:"tpPx"`
	Tp1Px           float64 `json:"tp1Px"`
	Tp2Px           float64 `json:"tp2Px"`
	StretchRatio    float64 `json:"stretchRatio"`
	MaxAdverseRatio float64 `json:"maxAdverseRatio"`
	PlannedMoveUsd  float64 `json:"plannedMoveUsd"`
	CapturedMoveUsd float64 `json:"capturedMoveUsd"`
	CaptureRatio    float64 `json:"captureRatio"`
	RegretToTp2     float64 `json:"regretToTp2"`
	RegretToEdge    float64 `json:"regretToEdge"`
	RegretMax       float64 `json:"regretMax"`
	EntryContext    model.EntryContext `json:"entryContext"`
	RevisionStamp   string  `json:"revisionStamp"`
	LogComplete     bool    `json:"logComplete"`
	Quality         string  `json:"quality"` // ok, partial
	SchemaVersion   int     `json:"schemaVersion"`
}

// dedupEntry is one LRU node keyed by the semantic trade key.
type dedupEntry struct {
	key       string
	expiresAt time.Time
}

// Writer appends trade records to an exclusive, append-only JSONL file
// with in-memory LRU+TTL dedup so a retried append never duplicates a
// line on disk.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	revision string

	dedupTtl time.Duration
	dedupCap int
	seen     map[string]time.Time
	order    []string
}

// Open opens path for exclusive append, creating it if missing.
func Open(path, revision string, dedupTtl time.Duration, dedupCap int) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("tradelog: open %s: %w", path, err)
	}
	if dedupCap <= 0 {
		dedupCap = 2048
	}
	return &Writer{
		f: f, w: bufio.NewWriter(f), revision: revision,
		dedupTtl: dedupTtl, dedupCap: dedupCap, seen: make(map[string]time.Time),
	}, nil
}

// Append writes rec as one JSONL line unless an equivalent record (by
// semantic key) was already appended within the dedup TTL. Append is
// fire-and-forget from the caller's perspective: a failure is logged by
// the caller via the returned error, never blocking the next tick.
func (w *Writer) Append(rec model.TradeRecord, quality string) error {
	key := semanticKey(rec)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictExpired()
	if exp, ok := w.seen[key]; ok && time.Now().Before(exp) {
		return nil // duplicate within TTL, silently skipped
	}

	out := toRecord(rec, w.revision, quality)
	line, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("tradelog: marshal: %w", err)
	}
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("tradelog: write: %w", err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("tradelog: flush: %w", err)
	}

	w.remember(key)
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.w.Flush()
	return w.f.Close()
}

func (w *Writer) remember(key string) {
	w.seen[key] = time.Now().Add(w.dedupTtl)
	w.order = append(w.order, key)
	if len(w.order) > w.dedupCap {
		drop := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, drop)
	}
}

func (w *Writer) evictExpired() {
	now := time.Now()
	for k, exp := range w.seen {
		if now.After(exp) {
			delete(w.seen, k)
		}
	}
}

func semanticKey(rec model.TradeRecord) string {
	return fmt.Sprintf("%d|%d|%s|%.8f|%.8f|%.8f", rec.ExitAtMs, rec.EntryAtMs, rec.Side, rec.EntryPx, rec.ExitPx, rec.Size)
}

func toRecord(rec model.TradeRecord, revision, quality string) Record {
	side := "LONG"
	if rec.Side == model.SideSell {
		side = "SHORT"
	}
	return Record{
		TradeId: uuid.NewString(),
		EntryAtMs: rec.EntryAtMs, ExitAtMs: rec.ExitAtMs, HoldMs: rec.HoldMs,
		Side: side, EntryPx: rec.EntryPx, ExitPx: rec.ExitPx, Size: rec.Size,
		NotionalUsd: rec.NotionalUsd, PnlGross: rec.PnlGross, PnlNet: rec.PnlNet,
		EntryFee: rec.EntryFee, ExitFee: rec.ExitFee,
		EntryMode: string(rec.EntryMode), ExitMode: string(rec.ExitMode), Result: rec.Result,
		ExitReason: rec.ExitReason, ExitSignal: rec.ExitSignal, ExitDetail: rec.ExitDetail,
		TpPx: rec.TpPx, Tp1Px: rec.Tp1Px, Tp2Px: rec.Tp2Px,
		StretchRatio: rec.StretchRatio, MaxAdverseRatio: rec.MaxAdverseRatio,
		PlannedMoveUsd: rec.PlannedMoveUsd, CapturedMoveUsd: rec.CapturedMoveUsd, CaptureRatio: rec.CaptureRatio,
		RegretToTp2: rec.RegretToTp2, RegretToEdge: rec.RegretToEdge, RegretMax: rec.RegretMax,
		EntryContext: rec.EntryContext, RevisionStamp: revision, LogComplete: true,
		Quality: quality, SchemaVersion: schemaVersion,
	}
}

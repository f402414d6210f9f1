package tradelog

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"btcperp-engine/internal/model"
)

func TestAppend_DedupWithinTtl(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	w, err := Open(path, "rev1", time.Minute, 0)
	r.NoError(err)
	defer w.Close()

	rec := model.TradeRecord{EntryAtMs: 1, ExitAtMs: 2, Side: model.SideBuy, EntryPx: 100, ExitPx: 101, Size: 0.1}
	r.NoError(w.Append(rec, "ok"))
	r.NoError(w.Append(rec, "ok"))

	f, err := os.Open(path)
	r.NoError(err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	r.Equal(1, lines)
}

func TestAppend_DistinctRecordsBothLand(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	w, err := Open(path, "rev1", time.Minute, 0)
	r.NoError(err)
	defer w.Close()

	r.NoError(w.Append(model.TradeRecord{EntryAtMs: 1, ExitAtMs: 2, Side: model.SideBuy, EntryPx: 100, ExitPx: 101, Size: 0.1}, "ok"))
	r.NoError(w.Append(model.TradeRecord{EntryAtMs: 3, ExitAtMs: 4, Side: model.SideSell, EntryPx: 100, ExitPx: 99, Size: 0.1}, "ok"))

	ratios, err := RecentCaptureRatios(path, 10)
	r.NoError(err)
	r.Empty(ratios) // no captureRatio on these records

	data, err := os.ReadFile(path)
	r.NoError(err)
	r.Contains(string(data), "\"side\":\"LONG\"")
	r.Contains(string(data), "\"side\":\"SHORT\"")
	r.Contains(string(data), "\"revisionStamp\":\"rev1\"")
}

func TestMedianCaptureRatio_ReadsBackRecentTrades(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	w, err := Open(path, "rev1", time.Minute, 0)
	r.NoError(err)
	defer w.Close()

	for i, ratio := range []float64{0.2, 0.4, 0.9} {
		rec := model.TradeRecord{
			EntryAtMs: int64(i * 10), ExitAtMs: int64(i*10 + 5), Side: model.SideBuy,
			EntryPx: 100, ExitPx: 101, Size: 0.1, CaptureRatio: ratio,
		}
		r.NoError(w.Append(rec, "ok"))
	}

	r.InDelta(0.4, MedianCaptureRatio(path, 10), 1e-9)
	// n limits to the most recent trades
	r.InDelta((0.4+0.9)/2, MedianCaptureRatio(path, 2), 1e-9)
	// absent file: calibration off
	r.Zero(MedianCaptureRatio(filepath.Join(t.TempDir(), "none.jsonl"), 10))
}

package tradelog

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
)

// RecentCaptureRatios reads back the trade log lazily and returns the
// captureRatio of the most recent n closed trades that carry a positive
// captureRatio (records with zero or negative values are skipped), oldest
// first. This is
// the only path that reads the full on-disk history; the in-memory ledger
// keeps just its bounded window. Unparseable lines are skipped rather
// than failing the whole read, since the log is append-only and a torn
// last line is possible after a crash.
func RecentCaptureRatios(path string, n int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ratios []float64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.CaptureRatio <= 0 {
			continue
		}
		ratios = append(ratios, rec.CaptureRatio)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(ratios) > n {
		ratios = ratios[len(ratios)-n:]
	}
	return ratios, nil
}

// MedianCaptureRatio is the self-calibration read the TP distance cap
// consumes: the median captureRatio over the most recent n trades, or 0
// when there is no usable history (callers treat 0 as "calibration off").
func MedianCaptureRatio(path string, n int) float64 {
	ratios, err := RecentCaptureRatios(path, n)
	if err != nil || len(ratios) == 0 {
		return 0
	}
	sorted := append([]float64(nil), ratios...)
	sort.Float64s(sorted)
	m := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[m]
	}
	return (sorted[m-1] + sorted[m]) / 2
}

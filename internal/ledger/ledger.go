// Package ledger owns the Position lifecycle, PnL computation, and the
// rolling trade-performance stats: win/loss counters, the bounded
// history7d window, and the annualized 7d return derived from it.
package ledger

import (
	"math"

	"github.com/shopspring/decimal"

	"btcperp-engine/internal/model"
	"btcperp-engine/internal/tradeconfig"
)

const maxInMemoryHistory = 50

// Open creates a new Position from a qualifying Decision. Callers must
// already have verified guards pass and decision.Side != none.
func Open(d model.Decision, mid float64, nowTs int64, mode model.ExecMode) *model.Position {
	return &model.Position{
		Side: d.Side, EntryPx: mid, EntryAtMs: nowTs,
		Size: d.SizeCoin, InitialSize: d.SizeCoin,
		TpPx: d.TpPx, RailTpPx: d.TpPx, StretchTpPx: d.StretchPx,
		StretchRatio: maxOf(d.StretchRatio, 1),
		StretchHoldDelayMs: d.StretchHoldDelayMs,
		TpDistanceUsd: d.TpDistanceUsd,
		Ladder:        d.TpLadder,
		TpSource:      d.TpSource,
		TpPhase:       d.TpPhase,
		EntryMode:     mode,
		EntryReasonFixed: d.Reason,
		EntryContext: model.EntryContext{
			Regime: string(d.State), MapStrength: d.SizeFactors["mapStrength"],
			SizeFactors: d.SizeFactors, PlannedLadder: d.TpLadder,
			TpSource: d.TpSource, TpPhase: d.TpPhase,
		},
		Tp2TrailMul: 1,
	}
}

// PnL computes gross/net PnL for a close at exitPx: gross =
// (exit-entry)*size for buy, (entry-exit)*size for sell, using strictly
// positive entry/exit/size; any non-finite or non-positive input yields
// gross=0 and warn=true. fees = notional * (mode_bps/10000).
func PnL(side model.Side, entry, exit, size float64, entryMode, exitMode model.ExecMode, cfg *tradeconfig.Decision) (gross, net, entryFee, exitFee float64, warn bool) {
	if !model.IsFinite(entry) || !model.IsFinite(exit) || !model.IsFinite(size) ||
		entry <= 0 || exit <= 0 || size <= 0 {
		return 0, 0, 0, 0, true
	}
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	s := decimal.NewFromFloat(size)
	var g decimal.Decimal
	if side == model.SideBuy {
		g = x.Sub(e).Mul(s)
	} else {
		g = e.Sub(x).Mul(s)
	}
	gross, _ = g.Float64()

	entryFee = entry * size * (feeBps(entryMode, cfg) / 10000)
	exitFee = exit * size * (feeBps(exitMode, cfg) / 10000)
	net = gross - entryFee - exitFee
	return gross, net, entryFee, exitFee, false
}

func feeBps(mode model.ExecMode, cfg *tradeconfig.Decision) float64 {
	if mode == model.ExecMaker {
		return cfg.FeeBps / 2 // maker discount, half the taker rate
	}
	return cfg.FeeBps
}

// ApplyClose folds a closed (or fully closed) trade into Stats: win/loss
// counters, realized PnL, and history7d, then trims history7d and
// recomputes APR7d.
func ApplyClose(stats *model.Stats, rec model.TradeRecord, nowTs int64, baseAssetUsd float64) {
	stats.RealizedPnl += rec.PnlNet
	stats.TotalTrades++
	switch rec.Side {
	case model.SideBuy:
		stats.LongTrades++
		if rec.PnlNet > 0 {
			stats.LongWins++
		}
	case model.SideSell:
		stats.ShortTrades++
		if rec.PnlNet > 0 {
			stats.ShortWins++
		}
	}
	switch {
	case rec.PnlNet > 0:
		stats.WinTrades++
	case rec.PnlNet < 0:
		stats.LoseTrades++
	}
	if baseAssetUsd > 0 {
		stats.RealizedPnlPct = stats.RealizedPnl / baseAssetUsd * 100
	}

	stats.History7d = append(stats.History7d, rec)
	TrimHistory(stats, nowTs)
	if len(stats.History7d) > maxInMemoryHistory {
		stats.History7d = stats.History7d[len(stats.History7d)-maxInMemoryHistory:]
	}
	stats.Apr7d = Apr7d(stats.History7d, baseAssetUsd, nowTs)
}

// TrimHistory keeps only closed trades with closedAt > nowTs-7d, strict
// inequality.
func TrimHistory(stats *model.Stats, nowTs int64) {
	cutoff := nowTs - 7*24*3600*1000
	out := stats.History7d[:0]
	for _, r := range stats.History7d {
		if r.ExitAtMs > cutoff {
			out = append(out, r)
		}
	}
	stats.History7d = out
}

// Apr7d computes (sum(pnlNet)/baseAsset) * (365/days), days clamped to
// [1,7], with a small anti-rounding bias so exact day boundaries don't
// flip between buckets.
func Apr7d(history []model.TradeRecord, baseAssetUsd float64, nowTs int64) float64 {
	if baseAssetUsd <= 0 || len(history) == 0 {
		return 0
	}
	sum := 0.0
	oldest := nowTs
	for _, r := range history {
		sum += r.PnlNet
		if r.EntryAtMs < oldest {
			oldest = r.EntryAtMs
		}
	}
	days := float64(nowTs-oldest)/(24*3600*1000) + 1e-9
	if days < 1 {
		days = 1
	}
	if days > 7 {
		days = 7
	}
	return (sum / baseAssetUsd) * (365 / days)
}

// CaptureMetrics computes the capture-ratio trio recorded on each closed
// trade for self-calibration: planned move, captured move, and their
// ratio.
func CaptureMetrics(side model.Side, entry, exit, plannedTarget float64) (plannedMoveUsd, capturedMoveUsd, captureRatio float64) {
	if side == model.SideBuy {
		plannedMoveUsd = plannedTarget - entry
		capturedMoveUsd = exit - entry
	} else {
		plannedMoveUsd = entry - plannedTarget
		capturedMoveUsd = entry - exit
	}
	if plannedMoveUsd <= 0 || !model.IsFinite(plannedMoveUsd) {
		return plannedMoveUsd, capturedMoveUsd, 0
	}
	captureRatio = capturedMoveUsd / plannedMoveUsd
	if math.IsNaN(captureRatio) || math.IsInf(captureRatio, 0) {
		captureRatio = 0
	}
	return
}

func maxOf(v, floor float64) float64 {
	if v < floor {
		return floor
	}
	return v
}

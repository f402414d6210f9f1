// Package guard implements the tick-synchronous guard layer: safety
// status, the startup guard, performance guards (drawdown/KPI window),
// risk guards (post-loss cooldown/size reduction), and the
// timeout-loss-only alert.
package guard

import (
	"fmt"
	"sync"

	"btcperp-engine/internal/model"
	"btcperp-engine/internal/tradeconfig"
)

// Layer owns the guard latch state; all reads and writes go through its
// mutex.
type Layer struct {
	mu sync.Mutex

	startedAtMs int64
	aNormal     bool // live-route A-subsystem readiness

	peakEquityUsd float64
	perfBlocked   bool
	perfReason    string
	perfSinceMs   int64
}

func New(startedAtMs int64) *Layer {
	return &Layer{startedAtMs: startedAtMs}
}

// SetANormal records whether the live route's A-subsystem has reported
// A_NORMAL; irrelevant outside the live route.
func (l *Layer) SetANormal(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aNormal = v
}

// Verdict is the outcome of evaluating the guard layer for one tick.
type Verdict struct {
	Blocked       bool
	Reason        string
	SizeScalar    float64 // 1 unless a stage applies a reduction
	MinMapStrength float64
	MinPathDepth   int
}

// Evaluate runs the guard ladder (startup, performance, risk, in that
// order) and returns the combined verdict for new-entry processing this
// tick. It never blocks exit management.
func (l *Layer) Evaluate(state *model.EngineState, cfg *tradeconfig.Guard, live bool, nowTs int64) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	v := Verdict{SizeScalar: 1}

	if sv, blocked, reason := l.startupGuard(cfg, live, nowTs); blocked {
		return Verdict{Blocked: true, Reason: reason}
	} else {
		v.SizeScalar = sv.SizeScalar
		v.MinMapStrength = sv.MinMapStrength
		v.MinPathDepth = sv.MinPathDepth
	}

	l.updatePerformanceGuard(state, cfg, nowTs)
	if l.perfBlocked {
		return Verdict{Blocked: true, Reason: "guard_locked_" + l.perfReason}
	}

	if blocked, reason := riskGuards(state, cfg, nowTs); blocked {
		return Verdict{Blocked: true, Reason: reason}
	} else if state.LastLossAtMs > 0 && nowTs-state.LastLossAtMs < cfg.ReduceSizeWindowMs {
		v.SizeScalar *= cfg.ReduceSizeFactor
	}

	return v
}

type startupVerdict struct {
	SizeScalar     float64
	MinMapStrength float64
	MinPathDepth   int
}

func (l *Layer) startupGuard(cfg *tradeconfig.Guard, live bool, nowTs int64) (startupVerdict, bool, string) {
	elapsed := nowTs - l.startedAtMs
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed <= cfg.StartupNoOrderMs {
		return startupVerdict{}, true, "startup_warmup"
	}
	if live && cfg.RequireANormalLive && !l.aNormal {
		return startupVerdict{}, true, "startup_a_not_normal"
	}
	if elapsed <= cfg.StartupWindowMs {
		return startupVerdict{
			SizeScalar: cfg.StartupSizeScalar, MinMapStrength: cfg.StartupMinMapStrength,
			MinPathDepth: cfg.StartupMinPathDepth,
		}, false, ""
	}
	return startupVerdict{SizeScalar: 1}, false, ""
}

// updatePerformanceGuard recomputes peak equity / drawdown and the KPI
// window check, updating l's own latch. Auto-resumes after
// resumeCooldownMs when enabled.
func (l *Layer) updatePerformanceGuard(state *model.EngineState, cfg *tradeconfig.Guard, nowTs int64) {
	equity := state.InitialCapitalUsd + state.Stats.RealizedPnl
	if equity > l.peakEquityUsd {
		l.peakEquityUsd = equity
	}
	// published copy for external readers; the latch math below only ever
	// trusts the private field
	state.PeakEquityUsd = l.peakEquityUsd
	if l.peakEquityUsd <= 0 {
		return
	}

	if l.perfBlocked && cfg.AutoResume && nowTs-l.perfSinceMs >= cfg.ResumeCooldownMs {
		l.perfBlocked = false
		l.perfReason = ""
	}
	if l.perfBlocked {
		return
	}

	ddPct := (l.peakEquityUsd - equity) / l.peakEquityUsd * 100
	if ddPct >= cfg.MaxDrawdownPct {
		l.perfBlocked = true
		l.perfReason = fmt.Sprintf("max_drawdown_%.1fpct", ddPct)
		l.perfSinceMs = nowTs
		return
	}

	window := recentWindow(state.Stats.History7d, cfg.KpiWindowTrades)
	if len(window) < cfg.KpiWindowTrades {
		return
	}
	avgNet, winRate, avgWin := kpis(window)
	if avgNet < cfg.MinAvgNetUsd && (winRate < cfg.MinWinRate || avgWin < cfg.MinAvgWinUsd) {
		l.perfBlocked = true
		l.perfReason = "kpi_window"
		l.perfSinceMs = nowTs
	}
}

func recentWindow(history []model.TradeRecord, n int) []model.TradeRecord {
	if n <= 0 || len(history) == 0 {
		return nil
	}
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func kpis(trades []model.TradeRecord) (avgNet, winRate, avgWin float64) {
	if len(trades) == 0 {
		return 0, 0, 0
	}
	sum, wins, winSum := 0.0, 0, 0.0
	for _, tr := range trades {
		sum += tr.PnlNet
		if tr.PnlNet > 0 {
			wins++
			winSum += tr.PnlNet
		}
	}
	avgNet = sum / float64(len(trades))
	winRate = float64(wins) / float64(len(trades))
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	return
}

// riskGuards applies the post-hard-SL cooldown; post-loss size reduction
// is folded into Evaluate's SizeScalar instead since it does not block,
// only shrinks.
func riskGuards(state *model.EngineState, cfg *tradeconfig.Guard, nowTs int64) (bool, string) {
	if state.LastHardSlAtMs > 0 && nowTs-state.LastHardSlAtMs < cfg.HardSlCooldownMs {
		return true, "hard_sl_cooldown"
	}
	return false, ""
}

// EvaluateSafety classifies the engine's market view: invalid mid is
// ERROR, a tick older than stalenessMs is DEGRADED, older than
// haltedStalenessMs is HALTED/DATA_STALE, and recovery from DATA_STALE
// back to NORMAL happens automatically (no hysteresis) once a fresh tick
// arrives.
func EvaluateSafety(prev model.SafetyState, tick model.MarketTick, cfg *tradeconfig.Guard, nowTs int64) model.SafetyState {
	if !tick.Valid() {
		return model.SafetyState{Status: model.SafetyError, Reason: "invalid_mid", SinceMs: sinceOrNow(prev, model.SafetyError, nowTs)}
	}
	age := nowTs - tick.TsMs
	switch {
	case age >= cfg.HaltedStalenessMs:
		return model.SafetyState{Status: model.SafetyHalted, Reason: "DATA_STALE", SinceMs: sinceOrNow(prev, model.SafetyHalted, nowTs)}
	case age >= cfg.StalenessMs:
		return model.SafetyState{Status: model.SafetyDegraded, Reason: "stale_tick", SinceMs: sinceOrNow(prev, model.SafetyDegraded, nowTs)}
	default:
		return model.SafetyState{Status: model.SafetyNormal, SinceMs: sinceOrNow(prev, model.SafetyNormal, nowTs)}
	}
}

func sinceOrNow(prev model.SafetyState, status model.SafetyStatus, nowTs int64) int64 {
	if prev.Status == status && prev.SinceMs > 0 {
		return prev.SinceMs
	}
	return nowTs
}

// TimeoutLossAlert tracks consecutive timeout_loss_only exits and emits a
// single cooldown-gated warning at the configured threshold.
type TimeoutLossAlert struct {
	mu           sync.Mutex
	lastWarnMs   int64
}

// Observe records a closed trade's exit signal and returns true (once per
// cooldown window) when consecutive timeout_loss_only exits cross the
// threshold.
func (a *TimeoutLossAlert) Observe(state *model.EngineState, exitSignal string, cfg *tradeconfig.Guard, nowTs int64) bool {
	if exitSignal == "timeout_loss_only" {
		state.ConsecutiveTimeoutLossOnly++
	} else {
		state.ConsecutiveTimeoutLossOnly = 0
		return false
	}
	if state.ConsecutiveTimeoutLossOnly < cfg.TimeoutLossOnlyThreshold {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if nowTs-a.lastWarnMs < cfg.TimeoutLossOnlyCooldownMs {
		return false
	}
	a.lastWarnMs = nowTs
	return true
}

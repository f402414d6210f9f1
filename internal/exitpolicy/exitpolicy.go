// Package exitpolicy implements the exit state machine: the continuous
// per-tick adverse/worst-price bookkeeping, the TP ladder and TP2 trail,
// the adaptive exit signals (flow-adaptive, burst-adverse,
// environment-drift, depth-aware), and the stress/hard/soft/timeout
// ladder that runs when no adaptive signal fires.
package exitpolicy

import (
	"fmt"
	"math"

	"btcperp-engine/internal/model"
	"btcperp-engine/internal/tradeconfig"
)

// Env bundles the market-derived inputs the exit machine needs beyond the
// raw tick: regime reads and environment-drift components that don't
// belong on MarketTick itself.
type Env struct {
	Regime            model.RegimeState
	RegimeShifted     bool
	Stressed          bool
	HostileFunding    bool
	AlignedVelocityBps float64
	OppositeVelocityBps float64
	NearBandNotionalUsd float64
	BaselineNotionalUsd float64
	WallNotionalUsd     float64
	WallIsFarSide       bool
	NearAvgNotionalUsd  float64
}

// Outcome is the result of one exitpolicy.Evaluate call: either the
// position survives the tick (possibly mutated: TP ratchet, partial
// close) or it closes, in which case Closed is true and ExitReason/
// ExitSignal/ExitDetail/ClosePx/ClosedSize are populated.
type Outcome struct {
	Position *model.Position // nil once fully closed

	PartialClose     bool
	PartialClosePx   float64
	PartialCloseSize float64
	PartialReason    string
	PartialMode      model.ExecMode

	Closed     bool
	ClosePx    float64
	ClosedSize float64
	ExitReason string
	ExitSignal string
	ExitDetail string
	ExitMode   model.ExecMode
}

// streaks holds the consecutive-tick counters for the signals that require
// their own streak before firing, keyed across ticks by the caller (the
// driver owns one instance per open position, reset on close).
type Streaks struct {
	FlowAdaptive int
	BurstAdverse int
	EnvDrift     int
	StressCut    int
	HardSl       int
	SoftTimeout  int
	TimeoutLoss  int
}

// Evaluate runs one tick of the exit state machine against an open
// position. It never creates a position; callers must check
// pos.IsOpen() before calling.
func Evaluate(pos *model.Position, tick model.MarketTick, decision model.Decision, env Env, streaks *Streaks, cfg *tradeconfig.TradeConfig, nowTs int64) Outcome {
	updateContinuous(pos, tick.Mid)

	if mid := tick.Mid; model.IsFinite(mid) && mid > 0 {
		if _, closed, out := tpLadderCheck(pos, mid, env, cfg, nowTs); closed {
			return out
		} else if out.PartialClose {
			trailTp2(pos, tick, env, cfg, nowTs)
			return out
		}
		// the trail runs every tick once tp1 has banked, not just on
		// ladder crossings
		if pos.Tp1Done {
			trailTp2(pos, tick, env, cfg, nowTs)
		}
	}

	sig, fired, driftTightened := adaptiveExit(pos, tick, env, streaks, cfg, nowTs)
	if fired {
		return closeOutcome(pos, tick.Mid, sig.reason, sig.signal, sig.detail, env, cfg)
	}

	if sig, fired := stressHardSoftTimeout(pos, tick, env, streaks, driftTightened, cfg); fired {
		return closeOutcome(pos, tick.Mid, sig.reason, sig.signal, sig.detail, env, cfg)
	}

	if decision.Side != model.SideNone && decision.Side != pos.Side {
		return closeOutcome(pos, tick.Mid, model.ReasonReverseSideClose, "reverse_side_close", "", env, cfg)
	}

	return Outcome{Position: pos}
}

// updateContinuous applies the per-tick bookkeeping that runs regardless
// of whether any exit signal fires this tick.
func updateContinuous(pos *model.Position, mid float64) {
	if !model.IsFinite(mid) || mid <= 0 {
		return
	}
	if pos.Side == model.SideBuy {
		if pos.WorstPx == 0 || mid < pos.WorstPx {
			pos.WorstPx = mid
		}
	} else {
		if pos.WorstPx == 0 || mid > pos.WorstPx {
			pos.WorstPx = mid
		}
	}
	adverse := pos.AdverseDistance(mid)
	ratio := 0.0
	if pos.TpDistanceUsd > 0 {
		ratio = math.Max(0, adverse) / pos.TpDistanceUsd
	}
	if ratio > pos.MaxAdverseRatio {
		pos.MaxAdverseRatio = ratio
	}
	if pos.MaxAdverseRatio > 2 {
		pos.MaxAdverseRatio = 2
	}
}

func dynamicLossParams(env Env, driftTightened bool, cfg *tradeconfig.Exit) (timeoutMs int64, softRatio, hardRatio float64) {
	timeoutMs = cfg.BaseTimeoutMs
	softRatio = cfg.BaseSoftRatio
	hardRatio = cfg.BaseHardRatio

	switch env.Regime {
	case model.RegimeRange:
		softRatio *= 0.9
		hardRatio *= 0.9
	case model.RegimeUp, model.RegimeDown:
		timeoutMs = int64(float64(timeoutMs) * 1.15)
	}
	if env.Stressed {
		timeoutMs = int64(float64(timeoutMs) / cfg.StressFactor)
		softRatio *= cfg.StressFactor
		hardRatio *= cfg.StressFactor
	}
	if env.HostileFunding {
		softRatio *= 0.95
	}
	if driftTightened {
		softRatio *= 0.85
		hardRatio *= 0.9
		timeoutMs = int64(float64(timeoutMs) * 0.85)
	}

	timeoutMs = clampI64(timeoutMs, cfg.MinTimeoutMs, cfg.MaxTimeoutMs)
	softRatio = clamp(softRatio, 0.05, 0.95)
	hardRatio = clamp(hardRatio, softRatio+0.03, 1.2)
	return
}

// tpLadderCheck returns (crossedProfitably, closed, outcome). When
// crossedProfitably is true and closed is false, the caller should run
// the TP2 trail update this tick.
func tpLadderCheck(pos *model.Position, mid float64, env Env, cfg *tradeconfig.TradeConfig, nowTs int64) (bool, bool, Outcome) {
	crossed := false
	if pos.Side == model.SideBuy {
		crossed = mid >= pos.TpPx
	} else {
		crossed = mid <= pos.TpPx
	}
	if !crossed {
		return false, false, Outcome{}
	}

	if !pos.Tp1Done && cfg.Exit.TpSplitEnabled {
		closeSize := pos.Size * cfg.Exit.TpSplitCloseRatio
		remaining := pos.Size - closeSize
		minRemain := pos.InitialSize * cfg.Exit.MinRemainRatio
		if remaining < minRemain {
			remaining = minRemain
			closeSize = pos.Size - remaining
		}
		pos.Size = remaining
		pos.Tp1Done = true
		pos.TpPx = nextLadderPx(pos, nowTs)
		return true, false, Outcome{
			Position: pos, PartialClose: true, PartialClosePx: mid,
			PartialCloseSize: closeSize, PartialReason: "tp1_partial",
			PartialMode: exitModeFor("tp1_partial", env, cfg),
		}
	}

	return true, true, closeOutcome(pos, mid, "tp_hit", "tp_ladder", "", env, cfg)
}

// nextLadderPx picks the next target in the profit direction once tp1 has
// closed: tp2 preferred, then the stretched TP once its hold delay has
// elapsed since entry, then the channel edge. StretchActivatedAtMs is
// stamped the first tick the stretch target actually becomes active.
func nextLadderPx(pos *model.Position, nowTs int64) float64 {
	if pos.Ladder.Tp2 != 0 {
		if pos.Side == model.SideBuy && pos.Ladder.Tp2 > pos.TpPx {
			return pos.Ladder.Tp2
		}
		if pos.Side == model.SideSell && pos.Ladder.Tp2 < pos.TpPx {
			return pos.Ladder.Tp2
		}
	}
	if pos.StretchTpPx != 0 && nowTs-pos.EntryAtMs >= pos.StretchHoldDelayMs {
		activates := (pos.Side == model.SideBuy && pos.StretchTpPx > pos.TpPx) ||
			(pos.Side == model.SideSell && pos.StretchTpPx < pos.TpPx)
		if activates {
			if pos.StretchActivatedAtMs == 0 {
				pos.StretchActivatedAtMs = nowTs
			}
			return pos.StretchTpPx
		}
	}
	return pos.Ladder.Edge
}

// trailTp2 recomputes the trailing TP distance after tp1Done, at most
// every updateCooldownMs, ratcheting so the new tpPx never moves against
// already-locked profit.
func trailTp2(pos *model.Position, tick model.MarketTick, env Env, cfg *tradeconfig.TradeConfig, nowTs int64) {
	if !pos.Tp1Done {
		return
	}
	if nowTs-pos.Tp2LastUpdateMs < cfg.Exit.UpdateCooldownMs {
		return
	}
	pos.Tp2LastUpdateMs = nowTs

	ref := cfg.Exit.TrailVelocityRef
	if ref <= 0 {
		ref = 1
	}
	mul := 1 + env.AlignedVelocityBps/ref*0.2 - env.OppositeVelocityBps/ref*0.2
	if tick.SpreadBps > 0 {
		mul -= tick.SpreadBps / ref * 0.1
	}
	switch env.Regime {
	case model.RegimeRange:
		mul *= 0.9
	}
	mul = clamp(mul, cfg.Exit.TrailMinMul, cfg.Exit.TrailMaxBoostMul)
	pos.Tp2TrailMul = mul

	base := pos.TpDistanceUsd
	candidate := tick.Mid + base*mul
	if pos.Side == model.SideSell {
		candidate = tick.Mid - base*mul
	}

	if pos.Side == model.SideBuy && candidate > pos.TpPx {
		pos.TpPx = candidate
	} else if pos.Side == model.SideSell && candidate < pos.TpPx {
		pos.TpPx = candidate
	}
}

type exitSignal struct {
	reason string
	signal string
	detail string
}

// adaptiveExit evaluates the adaptive exit signals, each gated on its
// own consecutive-tick streak; the first to reach the required streak
// fires. Depth-aware signals additionally require projected net PnL > 0,
// else they are diagnostic-only. The third return value reports whether the
// environment-drift score cleared tightenScore without clearing exitScore,
// which tightens the stress/hard/soft/timeout ladder this tick.
func adaptiveExit(pos *model.Position, tick model.MarketTick, env Env, st *Streaks, cfg *tradeconfig.TradeConfig, nowTs int64) (exitSignal, bool, bool) {
	e := &cfg.Exit
	progress := pos.Progress(tick.Mid)
	adverseRatio := 0.0
	if pos.TpDistanceUsd > 0 {
		adverseRatio = math.Max(0, pos.AdverseDistance(tick.Mid)) / pos.TpDistanceUsd
	}
	holdMs := tick.TsMs - pos.EntryAtMs
	unrealizedUsd := unrealizedProfit(pos, tick.Mid)

	driftScore, driftFires := envDriftFires(env, e.EnvDrift, unrealizedUsd)
	driftTightened := !driftFires && driftScore >= e.EnvDrift.TightenScore

	if flowAdaptiveFires(pos, e.FlowAdaptive, tick, holdMs, progress, unrealizedUsd, adverseRatio) {
		st.FlowAdaptive++
	} else {
		st.FlowAdaptive = 0
	}
	if st.FlowAdaptive >= e.RequiredStreak {
		return exitSignal{reason: "flow_adaptive_take_profit", signal: "flow_adaptive_take_profit"}, true, driftTightened
	}

	if burstAdverseFires(pos, e.BurstAdverse, tick) {
		st.BurstAdverse++
	} else {
		st.BurstAdverse = 0
	}
	if st.BurstAdverse >= e.RequiredStreak {
		return exitSignal{reason: "burst_adverse_exit", signal: "burst_adverse_exit"}, true, driftTightened
	}

	if driftFires {
		st.EnvDrift++
	} else {
		st.EnvDrift = 0
	}
	if st.EnvDrift >= e.RequiredStreak {
		return exitSignal{reason: "environment_drift_exit", signal: "environment_drift_exit", detail: fmt.Sprintf("driftScore=%.3f", driftScore)}, true, driftTightened
	}

	if sig, ok := depthAwareExit(pos, tick, env, e.DepthAware, progress, e.RequiredStreak, nowTs); ok {
		projectedNet := unrealizedUsd - notionalFees(pos, tick.Mid, cfg)
		if projectedNet > 0 {
			return sig, true, driftTightened
		}
		sig.detail = "blockedByFeeGuard"
		pos.DepthExit.LastFiredLabel = sig.reason + ":blockedByFeeGuard"
	}

	return exitSignal{}, false, driftTightened
}

func flowAdaptiveFires(pos *model.Position, cfg tradeconfig.FlowAdaptive, tick model.MarketTick, holdMs int64, progress float64, unrealizedUsd, adverseRatio float64) bool {
	if holdMs < cfg.MinHoldMs || progress < cfg.MinProgress || unrealizedUsd < cfg.MinProfitUsd {
		return false
	}
	flow60, ok := tick.Flow[60000]
	if !ok {
		return false
	}
	hostileSide := flow60.FlowPressure
	if pos.Side == model.SideBuy {
		hostileSide = -flow60.FlowPressure
	}
	if hostileSide >= cfg.HostileRatio {
		return true
	}
	if progress >= cfg.AccelMinProgress && flow60.Acceleration <= cfg.DecayThreshold && adverseRatio >= cfg.AccelRatioMin {
		return true
	}
	return false
}

func burstAdverseFires(pos *model.Position, cfg tradeconfig.BurstAdverse, tick model.MarketTick) bool {
	flow5, ok5 := tick.Flow[5000]
	flow60, ok60 := tick.Flow[60000]
	if !ok5 || !ok60 {
		return false
	}
	if flow5.TradeRatePerSec < cfg.MinRateRatio*flow60.TradeRatePerSec {
		return false
	}
	if pos.Side == model.SideBuy {
		return flow5.FlowPressure <= -cfg.HostileTh
	}
	return flow5.FlowPressure >= cfg.HostileTh
}

func envDriftFires(env Env, cfg tradeconfig.EnvDrift, unrealizedUsd float64) (float64, bool) {
	score := 0.0
	if env.RegimeShifted {
		score += cfg.RegimeWeight
	}
	mapRatio := 1.0
	if env.BaselineNotionalUsd > 0 {
		mapRatio = env.NearBandNotionalUsd / env.BaselineNotionalUsd
	}
	if mapRatio <= cfg.MapDropRatio {
		score += cfg.MapWeight
	}
	if env.HostileFunding {
		score += cfg.FlowWeight
	}
	if score < cfg.ExitScore {
		return score, false
	}
	if unrealizedUsd < 0 && math.Abs(unrealizedUsd) > cfg.MaxLossUsd {
		return score, false
	}
	return score, true
}

// depthAwareExit evaluates the three depth-aware conditions, each gated
// on its own consecutive-tick streak counter in pos.DepthExit, mirroring
// the Streaks pattern used for flow/burst/env-drift. Every tick each
// counter advances while its own condition holds and resets to 0 when it
// does not; the first condition (in check order) at requiredStreak fires,
// and firing leaves the other counters as they are.
func depthAwareExit(pos *model.Position, tick model.MarketTick, env Env, cfg tradeconfig.DepthAware, progress float64, requiredStreak int, nowTs int64) (exitSignal, bool) {
	ds := &pos.DepthExit

	shieldCollapses := env.BaselineNotionalUsd > 0 && env.NearBandNotionalUsd <= env.BaselineNotionalUsd*cfg.CollapseRatio
	if shieldCollapses {
		ds.ShieldCollapseStreak++
	} else {
		ds.ShieldCollapseStreak = 0
	}

	wallAhead := env.WallIsFarSide && env.WallNotionalUsd >= cfg.MinWallUsd && env.NearAvgNotionalUsd > 0 &&
		env.WallNotionalUsd >= cfg.MinWallVsNear*env.NearAvgNotionalUsd &&
		progress >= cfg.ProgressFrom && progress <= cfg.ProgressMax
	if wallAhead {
		ds.WallAheadStreak++
	} else {
		ds.WallAheadStreak = 0
	}

	flowImbalanced := false
	if flow60, ok := tick.Flow[60000]; ok {
		hostile := flow60.FlowPressure
		if pos.Side == model.SideBuy {
			hostile = -flow60.FlowPressure
		}
		flowImbalanced = hostile >= cfg.FlowImbalanceTh
	}
	if flowImbalanced {
		ds.FlowImbalanceStreak++
	} else {
		ds.FlowImbalanceStreak = 0
	}

	if ds.ShieldCollapseStreak >= requiredStreak {
		ds.LastFiredLabel, ds.LastFiredAtMs = "shield_collapse", nowTs
		return exitSignal{reason: "shield_collapse", signal: "depth_shield_collapse"}, true
	}
	if ds.WallAheadStreak >= requiredStreak {
		ds.LastFiredLabel, ds.LastFiredAtMs = "wall_ahead", nowTs
		return exitSignal{reason: "wall_ahead", signal: "depth_wall_ahead"}, true
	}
	if ds.FlowImbalanceStreak >= requiredStreak {
		ds.LastFiredLabel, ds.LastFiredAtMs = "flow_imbalance", nowTs
		return exitSignal{reason: "flow_imbalance", signal: "depth_flow_imbalance"}, true
	}
	return exitSignal{}, false
}

// stressHardSoftTimeout evaluates the stress/hard/soft/timeout ladder,
// only reached when no adaptive signal fired this tick.
func stressHardSoftTimeout(pos *model.Position, tick model.MarketTick, env Env, st *Streaks, driftTightened bool, cfg *tradeconfig.TradeConfig) (exitSignal, bool) {
	e := &cfg.Exit
	timeoutMs, softRatio, hardRatio := dynamicLossParams(env, driftTightened, e)
	progress := pos.Progress(tick.Mid)
	adverseRatio := 0.0
	if pos.TpDistanceUsd > 0 {
		adverseRatio = math.Max(0, pos.AdverseDistance(tick.Mid)) / pos.TpDistanceUsd
	}
	holdMs := tick.TsMs - pos.EntryAtMs

	if env.Stressed && holdMs >= e.StressExitMinHoldMs && progress <= e.EarlyExitProgressMax && adverseRatio >= e.StressExitMinAdverseRatio {
		return exitSignal{reason: "stress_cut_loss", signal: "stress_cut_loss"}, true
	}

	if adverseRatio >= hardRatio && (progress <= e.EarlyExitProgressMax || adverseRatio >= 0.8) {
		return exitSignal{reason: "hard_sl_ratio", signal: "hard_sl_ratio"}, true
	}

	if adverseRatio >= softRatio {
		if pos.HitSoftAtTs == 0 {
			pos.HitSoftAtTs = tick.TsMs
		}
		if tick.TsMs-pos.HitSoftAtTs >= e.SoftTimeoutMs {
			return exitSignal{reason: "soft_sl_timeout", signal: "soft_sl_timeout"}, true
		}
	}

	if holdMs >= timeoutMs && progress <= e.EarlyExitProgressMax && adverseRatio > e.AdverseEps {
		return exitSignal{reason: "timeout_loss_only", signal: "timeout_loss_only"}, true
	}

	return exitSignal{}, false
}

func unrealizedProfit(pos *model.Position, mid float64) float64 {
	if pos.Side == model.SideBuy {
		return (mid - pos.EntryPx) * pos.Size
	}
	return (pos.EntryPx - mid) * pos.Size
}

func notionalFees(pos *model.Position, mid float64, cfg *tradeconfig.TradeConfig) float64 {
	notional := pos.Size * mid
	return notional * (cfg.Decision.FeeBps / 10000)
}

// closeOutcome builds a full-close Outcome at mid for the given reason.
func closeOutcome(pos *model.Position, mid float64, reason, signal, detail string, env Env, cfg *tradeconfig.TradeConfig) Outcome {
	return Outcome{
		Closed: true, ClosePx: mid, ClosedSize: pos.Size,
		ExitReason: reason, ExitSignal: signal, ExitDetail: detail,
		ExitMode: exitModeFor(reason, env, cfg),
	}
}

// exitModeFor picks maker only for TP-like exits when tpExitMode=auto
// resolves to maker, which it never does under stress.
func exitModeFor(reason string, env Env, cfg *tradeconfig.TradeConfig) model.ExecMode {
	switch reason {
	case "tp_hit", "tp1_partial":
		if cfg.Exit.TpExitModeAuto && !env.Stressed {
			return model.ExecMaker
		}
		return model.ExecTaker
	default:
		return model.ExecTaker
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

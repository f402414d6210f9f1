// Package engine folds a (EngineState, MarketTick, Decision, nowTs) tuple
// into a new EngineState. File-IO and notification side effects are never
// performed inline: they are appended to a ledger-effects queue an effect
// runner drains separately.
package engine

import (
	"log"

	"btcperp-engine/internal/exitpolicy"
	"btcperp-engine/internal/guard"
	"btcperp-engine/internal/ledger"
	"btcperp-engine/internal/model"
	"btcperp-engine/internal/tradeconfig"
)

// Effect is one side effect produced by a tick, to be drained by a
// separate runner. The engine only enqueues; it never performs I/O.
type Effect struct {
	Kind   string // "trade_record", "notify", "guard_locked"
	Record model.TradeRecord
	Notify string // message text, or the lock reason for "guard_locked"
}

// State is the driver-owned wrapper around model.EngineState plus the
// per-position exit-signal streak counters, which are reset when the
// position closes.
type State struct {
	Engine  model.EngineState
	Streaks exitpolicy.Streaks

	GuardLayer *guard.Layer
	AlertState guard.TimeoutLossAlert
}

func New(startedAtMs int64, initialCapitalUsd float64) *State {
	return &State{
		Engine: model.EngineState{
			StartedAtMs:       startedAtMs,
			InitialCapitalUsd: initialCapitalUsd,
			PeakEquityUsd:     initialCapitalUsd,
		},
		GuardLayer: guard.New(startedAtMs),
	}
}

// Tick folds one (tick, decision) pair into the engine state and returns
// the effects produced. Exit evaluation runs strictly before new-entry
// processing, and performance-guard state is recomputed before any size
// decision.
func (s *State) Tick(tick model.MarketTick, decision model.Decision, env exitpolicy.Env, cfg *tradeconfig.TradeConfig, live bool, nowTs int64) []Effect {
	var effects []Effect
	st := &s.Engine
	st.LastTickMs = nowTs
	st.Stats.PrevMidPx = st.Stats.MidPx
	st.Stats.MidPx = tick.Mid
	st.Stats.Oi = tick.OpenInterest

	st.Safety = guard.EvaluateSafety(st.Safety, tick, &cfg.Guard, nowTs)
	if st.Safety.Status != model.SafetyNormal && st.Position == nil {
		return effects
	}
	if st.Safety.Status != model.SafetyNormal {
		decision = model.NoneDecision("safety_" + st.Safety.Reason)
	}

	hadPosition := st.Position != nil && st.Position.IsOpen()
	if hadPosition {
		out := exitpolicy.Evaluate(st.Position, tick, decision, env, &s.Streaks, cfg, nowTs)
		effects = append(effects, s.applyExitOutcome(out, cfg, nowTs)...)
		if out.Closed {
			st.Position = nil
			s.Streaks = exitpolicy.Streaks{}
		} else if out.Position != nil {
			st.Position = out.Position
		}
	}

	verdict := s.GuardLayer.Evaluate(st, &cfg.Guard, live, nowTs)
	wasBlocked := st.BlockNewEntries
	st.BlockNewEntries = verdict.Blocked
	if verdict.Blocked {
		st.BlockReason = verdict.Reason
		if !wasBlocked {
			st.BlockSinceMs = nowTs
			effects = append(effects, Effect{Kind: "guard_locked", Notify: verdict.Reason})
		}
	}

	st.LastDecision = decision

	// Entry runs only when no position was open at the start of this tick:
	// a close this tick (reverse-side included) never re-enters on the same
	// tick.
	if !hadPosition && st.Position == nil && decision.Side != model.SideNone && !verdict.Blocked &&
		model.IsFinite(decision.TpPx) && decision.TpPx > 0 &&
		model.IsFinite(decision.TpDistanceUsd) && decision.TpDistanceUsd > 0 &&
		decision.SizeCoin > 0 && restrictedPhasePasses(decision, verdict) {
		mode := decision.EntryProfile.Mode
		st.Position = ledger.Open(decision, tick.Mid, nowTs, mode)
		if verdict.SizeScalar != 1 {
			st.Position.Size *= verdict.SizeScalar
			st.Position.InitialSize *= verdict.SizeScalar
		}
		effects = append(effects, Effect{Kind: "notify", Notify: "position opened"})
	}

	return effects
}

// restrictedPhasePasses enforces the startup restricted-phase floors on
// top of the normal gates: the decision's SR map must be at least as
// strong and as deep as the guard verdict demands.
func restrictedPhasePasses(decision model.Decision, verdict guard.Verdict) bool {
	if verdict.MinMapStrength > 0 && decision.SizeFactors["mapStrength"] < verdict.MinMapStrength {
		return false
	}
	if verdict.MinPathDepth > 0 && int(decision.SizeFactors["pathDepth"]) < verdict.MinPathDepth {
		return false
	}
	return true
}

// applyExitOutcome turns an exitpolicy.Outcome into trade records, stats
// updates, and ledger-effects.
func (s *State) applyExitOutcome(out exitpolicy.Outcome, cfg *tradeconfig.TradeConfig, nowTs int64) []Effect {
	st := &s.Engine
	var effects []Effect

	if out.PartialClose {
		rec := s.buildTradeRecord(st.Position, out.PartialClosePx, out.PartialCloseSize, "tp1_partial", "tp1_partial", "", out.PartialMode, &cfg.Decision, nowTs)
		ledger.ApplyClose(&st.Stats, rec, nowTs, st.InitialCapitalUsd)
		effects = append(effects, Effect{Kind: "trade_record", Record: rec})
	}

	if out.Closed {
		size := out.ClosedSize
		if size <= 0 {
			size = st.Position.Size
		}
		rec := s.buildTradeRecord(st.Position, out.ClosePx, size, out.ExitReason, out.ExitSignal, out.ExitDetail, out.ExitMode, &cfg.Decision, nowTs)
		ledger.ApplyClose(&st.Stats, rec, nowTs, st.InitialCapitalUsd)
		effects = append(effects, Effect{Kind: "trade_record", Record: rec})

		if out.ExitReason == "hard_sl_ratio" {
			st.LastHardSlAtMs = nowTs
		}
		if rec.PnlNet < 0 {
			st.LastLossAtMs = nowTs
		}
		if s.AlertState.Observe(st, out.ExitSignal, &cfg.Guard, nowTs) {
			effects = append(effects, Effect{Kind: "notify", Notify: "repeated timeout_loss_only exits"})
		}
	}

	return effects
}

func (s *State) buildTradeRecord(pos *model.Position, exitPx, size float64, reason, signal, detail string, exitMode model.ExecMode, decisionCfg *tradeconfig.Decision, nowTs int64) model.TradeRecord {
	gross, net, entryFee, exitFee, warn := ledger.PnL(pos.Side, pos.EntryPx, exitPx, size, pos.EntryMode, exitMode, decisionCfg)
	if warn {
		log.Printf("engine: non-positive or non-finite PnL inputs (entry=%.2f exit=%.2f size=%.6f), recording gross=0", pos.EntryPx, exitPx, size)
	}
	plannedMove, capturedMove, captureRatio := ledger.CaptureMetrics(pos.Side, pos.EntryPx, exitPx, pos.Ladder.Tp1)
	regretTp2, regretEdge, regretMax := model.Regrets(pos.Side, exitPx, pos.Ladder.Tp2, pos.Ladder.Edge)
	result := "FLAT"
	if net > 0 {
		result = "WIN"
	} else if net < 0 {
		result = "LOSS"
	}
	return model.TradeRecord{
		EntryAtMs: pos.EntryAtMs, ExitAtMs: nowTs, HoldMs: nowTs - pos.EntryAtMs,
		Side: pos.Side, EntryPx: pos.EntryPx, ExitPx: exitPx, Size: size,
		NotionalUsd: size * exitPx, PnlGross: gross, PnlNet: net,
		EntryFee: entryFee, ExitFee: exitFee,
		EntryMode: pos.EntryMode, ExitMode: exitMode, Result: result,
		ExitReason: reason, ExitSignal: signal, ExitDetail: detail,
		TpPx: pos.TpPx, Tp1Px: pos.Ladder.Tp1, Tp2Px: pos.Ladder.Tp2,
		StretchRatio: pos.StretchRatio, MaxAdverseRatio: pos.MaxAdverseRatio,
		PlannedMoveUsd: plannedMove, CapturedMoveUsd: capturedMove, CaptureRatio: captureRatio,
		RegretToTp2: regretTp2, RegretToEdge: regretEdge, RegretMax: regretMax,
		EntryContext: pos.EntryContext,
	}
}

// Package decision implements the B2 decision engine: structure-aware
// edge-proximity entries, the entry-gate chain, TP planning, and sizing.
package decision

import (
	"math"

	"btcperp-engine/internal/model"
	"btcperp-engine/internal/tradeconfig"
)

// Payload bundles the external context DecideTradeB2 needs beyond the tick
// and structure snapshot: equity, regime reads, and trade-log-derived
// self-calibration, none of which belong in MarketTick/StructureSnapshot
// themselves.
type Payload struct {
	Equity             float64
	TrendStrength      string
	RegimeAlignment    float64
	ACenterDamping     float64
	Angle15mBoost      float64
	Angle1hBoost       float64
	ClusterWallBoost   float64
	Bar15mRange        float64
	LowVolatilityBar   bool
	MedianCaptureRatio float64

	EntryQualityScalar     float64
	StructureQualityScalar float64
	StartupScalar          float64
	FlowScalar             float64
	ImpactScalar           float64
	AccelerationScalar     float64
	CtxWsScalar            float64
	LadderAttackScalar     float64

	FundingRate       float64
	MarkOraclePremium float64
	OpenInterest      float64
	Flow5             model.FlowWindow
	Flow5OK           bool
	Flow60            model.FlowWindow
	Flow60OK          bool
}

// AnalysisResult carries the upstream regime read; kept separate from
// Payload because it is a computed result rather than configuration/
// context.
type AnalysisResult struct {
	Regime model.RegimeState
}

// DecideTradeB2 evaluates one tick for a possible entry: early exits,
// edge proximity, side selection, the gate chain, TP plan, sizing, and
// the fee-edge guard, in that order.
func DecideTradeB2(payload Payload, aResult AnalysisResult, snap model.StructureSnapshot, srv model.SrClusterView, hasOpenPosition bool, cfg *tradeconfig.Decision) model.Decision {
	if hasOpenPosition {
		return model.NoneDecision(model.ReasonHoldingPosition)
	}
	if !snap.Ready || !snap.Rails.Valid() {
		return model.NoneDecision(model.ReasonNoLocalChannel)
	}
	mid := snap.BuiltAtMid
	if mid <= 0 || !model.IsFinite(mid) {
		return model.NoneDecision(model.ReasonNoMidPrice)
	}

	var resistanceRef, supportRef float64
	if srv.NextUp != nil {
		resistanceRef = srv.NextUp.CenterPrice
	} else {
		resistanceRef = snap.Rails.Upper
	}
	if srv.NextDown != nil {
		supportRef = srv.NextDown.CenterPrice
	} else {
		supportRef = snap.Rails.Lower
	}

	distToUpper := resistanceRef - mid
	distToLower := mid - supportRef
	if !model.IsFinite(distToUpper) || !model.IsFinite(distToLower) || distToUpper <= 0 || distToLower <= 0 {
		return model.NoneDecision(model.ReasonNoLocalChannel)
	}

	span := snap.Rails.Span()
	edgeThreshold := clamp(span*cfg.EdgeBaseRatio, cfg.MinThresholdUsd, cfg.MaxThresholdUsd)
	channelT := snap.Rails.ChannelT(mid)
	nearEdge := math.Min(distToLower, distToUpper) <= edgeThreshold &&
		(channelT < cfg.CentralBandLow || channelT > cfg.CentralBandHigh)
	if !nearEdge {
		return model.NoneDecision(model.ReasonMidPosition)
	}

	var side model.Side
	switch {
	case distToLower < distToUpper:
		side = model.SideBuy
	case distToUpper < distToLower:
		side = model.SideSell
	default:
		return model.NoneDecision(model.ReasonMidPosition)
	}

	ctx := gateContext{
		snap: snap, srv: srv, side: side, mid: mid, cfg: cfg,
		fundingRate: payload.FundingRate, markOraclePremium: payload.MarkOraclePremium, openInterest: payload.OpenInterest,
		flow5: payload.Flow5, flow5OK: payload.Flow5OK, flow60: payload.Flow60, flow60OK: payload.Flow60OK,
	}
	gates := []gateFunc{containmentGate, srReferenceClusterGate, ctxMicroGate, oiPriceTrapGate, entryFlowGate, thinOrderBookGate}
	blocker, diag := runGates(ctx, gates)
	if blocker.Blocked {
		d := model.NoneDecision(blocker.Reason)
		d.Diagnostics = diag
		return d
	}

	plan := buildTpPlan(side, mid, snap, cfg, payload.Bar15mRange)
	if !plan.ok {
		d := model.NoneDecision(plan.reason)
		d.Diagnostics = diag
		return d
	}

	tpDistanceUsd := math.Abs(plan.target - mid)
	cap := tpDistanceCap(span, payload.Bar15mRange, payload.MedianCaptureRatio, cfg, payload.LowVolatilityBar)
	if tpDistanceUsd > cap {
		tpDistanceUsd = cap
	}
	if tpDistanceUsd <= 0 {
		d := model.NoneDecision("no_structural_path")
		d.Diagnostics = diag
		return d
	}

	sizeRes := Size(SizeInputs{
		Equity: payload.Equity, TpDistanceUsd: tpDistanceUsd, TrendStrength: payload.TrendStrength,
		RegimeAlignment: payload.RegimeAlignment, ACenterDamping: payload.ACenterDamping,
		Angle15mBoost: payload.Angle15mBoost, Angle1hBoost: payload.Angle1hBoost, ClusterWallBoost: payload.ClusterWallBoost,
		EntryQualityScalar: or1(payload.EntryQualityScalar), StructureQualityScalar: or1(payload.StructureQualityScalar),
		StartupScalar: or1(payload.StartupScalar), FlowScalar: or1(payload.FlowScalar), ImpactScalar: or1(payload.ImpactScalar),
		AccelerationScalar: or1(payload.AccelerationScalar), CtxWsScalar: or1(payload.CtxWsScalar), LadderAttackScalar: or1(payload.LadderAttackScalar),
	}, cfg)

	stretchRatio, stretchHoldDelayMs := stretchTerms(plan, mid, tpDistanceUsd, cfg)

	finalNotional, ok, boosted := ApplyFeeEdgeGuard(sizeRes.Notional, tpDistanceUsd, mid, cfg)
	feeGate := model.GateResult{Name: "feeEdgeGuard", Blocked: !ok}
	diag.Record(feeGate)
	if !ok {
		d := model.NoneDecision(model.ReasonEdgeNegative)
		d.Diagnostics = diag
		return d
	}

	sizeCoin := finalNotional / mid

	// entryNearBandNotionalUsd is the notional observed in the entry-side
	// SR band at decision time; exitpolicy's shield_collapse signal compares
	// later ticks' near-band notional against this baseline.
	var entryNearBandNotionalUsd float64
	if side == model.SideBuy && srv.NextDown != nil {
		entryNearBandNotionalUsd = srv.NextDown.NotionalUsd
	} else if side == model.SideSell && srv.NextUp != nil {
		entryNearBandNotionalUsd = srv.NextUp.NotionalUsd
	}

	state := model.RegimeRange
	if side == model.SideBuy {
		state = model.RegimeUp
	} else if side == model.SideSell {
		state = model.RegimeDown
	}

	return model.Decision{
		State:         state,
		Side:          side,
		SizeCoin:      sizeCoin,
		NotionalUsd:   finalNotional,
		TpPx:          plan.target,
		StretchPx:     plan.ladder.Edge,
		StretchRatio:  stretchRatio,
		StretchHoldDelayMs: stretchHoldDelayMs,
		TpDistanceUsd: tpDistanceUsd,
		EntryProfile: model.EntryProfile{
			Mode:              model.ExecMaker,
			Aggressiveness:    math.Abs(payload.Flow5.FlowPressure),
			EntryQualityScore: payload.EntryQualityScalar,
			HigherTfAlignment: payload.RegimeAlignment,
			FeeEdgeBoosted:    boosted,
		},
		TpLadder:    plan.ladder,
		TpSource:    plan.source,
		TpPhase:     plan.phase,
		SizeFactors: map[string]float64{
			"firepower": sizeRes.Firepower, "directionalFirepower": sizeRes.DirectionalFirepower, "sizeScalar": sizeRes.SizeScalar,
			"entryNearBandNotionalUsd": entryNearBandNotionalUsd,
			"mapStrength":              srv.MapStrength,
			"pathDepth":                float64(srv.PathDepth),
		},
		Diagnostics: diag,
	}
}

// stretchTerms derives the stretch-target ratio and its activation hold
// delay from the TP plan's phase. Only a CONTINUATION plan (enough
// surviving SR candidates plus a strong enough map/path) ever stretches
// past tp1 toward the channel edge with a ratio above 1; a REACTION plan
// gets ratio 1 and holdDelayMs 0. StretchPx is the ladder edge in both
// phases, so after tp1 of a REACTION position with no tp2 beyond it the
// stretch target (the edge) takes over at once.
func stretchTerms(plan tpPlan, mid, tpDistanceUsd float64, cfg *tradeconfig.Decision) (ratio float64, holdDelayMs int64) {
	if plan.phase != model.TpContinuation || tpDistanceUsd <= 0 {
		return 1, 0
	}
	edgeDistanceUsd := math.Abs(plan.ladder.Edge - mid)
	ratio = edgeDistanceUsd / tpDistanceUsd
	if ratio < 1 {
		ratio = 1
	}
	if ratio > cfg.StretchRatioCap {
		ratio = cfg.StretchRatioCap
	}
	return ratio, cfg.StretchHoldDelayMs
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

func or1(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

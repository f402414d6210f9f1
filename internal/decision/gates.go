package decision

import (
	"fmt"
	"math"

	"btcperp-engine/internal/model"
	"btcperp-engine/internal/tradeconfig"
)

// gateFunc evaluates one entry gate and returns its result; the first
// blocker wins.
type gateFunc func(ctx gateContext) model.GateResult

type gateContext struct {
	snap  model.StructureSnapshot
	srv   model.SrClusterView
	side  model.Side
	mid   float64
	cfg   *tradeconfig.Decision

	fundingRate       float64
	markOraclePremium float64
	openInterest      float64
	flow5             model.FlowWindow
	flow5OK           bool
	flow60            model.FlowWindow
	flow60OK          bool
}

// srReferenceClusterGate requires a cluster near the side's reference price
// within windowUsd, accepting only if rank/score/notional clear thresholds.
func srReferenceClusterGate(ctx gateContext) model.GateResult {
	name := "srReferenceClusterGate"
	var ref *model.SrCluster
	if ctx.side == model.SideBuy {
		ref = ctx.srv.NextDown
	} else {
		ref = ctx.srv.NextUp
	}
	if ref == nil {
		return model.GateResult{Name: name, Blocked: true, Reason: "no_near_sr"}
	}
	if math.Abs(ref.CenterPrice-ctx.mid) > ctx.cfg.SrWindowUsd {
		return model.GateResult{Name: name, Blocked: true, Reason: "sr_out_of_window"}
	}
	toleranceRank := ctx.cfg.SrMinRank
	toleranceNotional := ctx.cfg.SrMinNotionalUsd
	if ref.Type == model.ClusterChannelEdge {
		toleranceRank *= 0.7
		toleranceNotional *= 0.7
	}
	if ref.Rank < toleranceRank || ref.Score < ctx.cfg.SrMinScore || ref.NotionalUsd < toleranceNotional {
		return model.GateResult{Name: name, Blocked: true, Reason: "sr_below_threshold",
			Detail: map[string]float64{"rank": ref.Rank, "score": ref.Score, "notional": ref.NotionalUsd}}
	}
	return model.GateResult{Name: name, Blocked: false}
}

// containmentGate requires mid to lie within the rails, bounds inclusive;
// no margin inside the rails is applied.
func containmentGate(ctx gateContext) model.GateResult {
	name := "containmentGate"
	if !ctx.snap.Rails.Valid() {
		return model.GateResult{Name: name, Blocked: true, Reason: model.ReasonNoLocalChannel}
	}
	if ctx.mid < ctx.snap.Rails.Lower || ctx.mid > ctx.snap.Rails.Upper {
		return model.GateResult{Name: name, Blocked: true, Reason: "outside_rails"}
	}
	return model.GateResult{Name: name, Blocked: false}
}

// ctxMicroGate blocks entries when funding/premium micro-structure is
// hostile to the side (e.g. long into deeply positive funding/premium).
func ctxMicroGate(ctx gateContext) model.GateResult {
	name := "ctxMicroGate"
	const hostileFunding = 0.0005 // 5bps
	if ctx.side == model.SideBuy && ctx.fundingRate > hostileFunding && ctx.markOraclePremium > 0 {
		return model.GateResult{Name: name, Blocked: true, Reason: "ctx_micro_hostile_long",
			Detail: map[string]float64{"funding": ctx.fundingRate, "premium": ctx.markOraclePremium}}
	}
	if ctx.side == model.SideSell && ctx.fundingRate < -hostileFunding && ctx.markOraclePremium < 0 {
		return model.GateResult{Name: name, Blocked: true, Reason: "ctx_micro_hostile_short",
			Detail: map[string]float64{"funding": ctx.fundingRate, "premium": ctx.markOraclePremium}}
	}
	return model.GateResult{Name: name, Blocked: false}
}

// oiPriceTrapGate blocks entries whose 60s flow pressure runs against the
// side by more than 0.2 while open interest is reported (nonzero). It
// abstains when the 60s flow window is unavailable; the change in open
// interest over time is not measured.
func oiPriceTrapGate(ctx gateContext) model.GateResult {
	name := "oiPriceTrapGate"
	if !ctx.flow60OK {
		return model.GateResult{Name: name, Blocked: false}
	}
	if ctx.side == model.SideBuy && ctx.flow60.FlowPressure < -0.2 && ctx.openInterest > 0 {
		return model.GateResult{Name: name, Blocked: true, Reason: "oi_trap_long"}
	}
	if ctx.side == model.SideSell && ctx.flow60.FlowPressure > 0.2 && ctx.openInterest > 0 {
		return model.GateResult{Name: name, Blocked: true, Reason: "oi_trap_short"}
	}
	return model.GateResult{Name: name, Blocked: false}
}

// entryFlowGate requires flow pressure aligned with side and checks for a
// 5s vs 60s divergence that would suggest the move is already exhausted.
func entryFlowGate(ctx gateContext) model.GateResult {
	name := "entryFlowGate"
	if !ctx.flow5OK || !ctx.flow60OK {
		return model.GateResult{Name: name, Blocked: true, Reason: "flow_unavailable"}
	}
	want := 1.0
	if ctx.side == model.SideSell {
		want = -1.0
	}
	if ctx.flow60.FlowPressure*want < 0 {
		return model.GateResult{Name: name, Blocked: true, Reason: fmt.Sprintf("B: flow hostile for %s", ctx.side)}
	}
	if ctx.flow5.FlowPressure*want < -0.5 {
		return model.GateResult{Name: name, Blocked: true, Reason: "flow_5s_divergence"}
	}
	return model.GateResult{Name: name, Blocked: false}
}

// thinOrderBookGate requires nearest support and resistance notionals to
// both meet a minimum when requireBothSides is set.
func thinOrderBookGate(ctx gateContext) model.GateResult {
	name := "thinOrderBookGate"
	nd, nu := ctx.srv.NextDown, ctx.srv.NextUp
	min := ctx.cfg.ThinBookMinNotionalUsd
	thinDown := nd == nil || nd.NotionalUsd < min
	thinUp := nu == nil || nu.NotionalUsd < min
	if ctx.cfg.RequireBothSides {
		if thinDown || thinUp {
			return model.GateResult{Name: name, Blocked: true, Reason: "B: thin order book"}
		}
		return model.GateResult{Name: name, Blocked: false}
	}
	// single relevant side must clear
	if ctx.side == model.SideBuy && thinDown {
		return model.GateResult{Name: name, Blocked: true, Reason: "B: thin order book"}
	}
	if ctx.side == model.SideSell && thinUp {
		return model.GateResult{Name: name, Blocked: true, Reason: "B: thin order book"}
	}
	return model.GateResult{Name: name, Blocked: false}
}

// runGates evaluates every gate in order, returning the first blocker (if
// any) and a Diagnostics object recording every gate's outcome.
func runGates(ctx gateContext, gates []gateFunc) (model.GateResult, model.Diagnostics) {
	diag := model.NewDiagnostics()
	first := model.GateResult{Blocked: false}
	for _, g := range gates {
		res := g(ctx)
		diag.Record(res)
		if res.Blocked && !first.Blocked {
			first = res
		}
	}
	return first, diag
}

package decision

import (
	"testing"

	"github.com/stretchr/testify/require"

	"btcperp-engine/internal/model"
)

func gateCtx(t *testing.T, side model.Side) gateContext {
	snap := model.StructureSnapshot{Ready: true, Rails: model.Rails{Upper: 110000, Lower: 100000}}
	srv := model.SrClusterView{
		NextDown: &model.SrCluster{CenterPrice: 99950, Type: model.ClusterSupport, Rank: 0.9, Score: 10, NotionalUsd: 200000},
		NextUp:   &model.SrCluster{CenterPrice: 100500, Type: model.ClusterResistance, Rank: 0.9, Score: 10, NotionalUsd: 200000},
	}
	return gateContext{
		snap: snap, srv: srv, side: side, mid: 100050, cfg: testCfg(t),
		flow5: model.FlowWindow{FlowPressure: 0.3}, flow5OK: true,
		flow60: model.FlowWindow{FlowPressure: 0.3}, flow60OK: true,
	}
}

func TestSrReferenceClusterGate(t *testing.T) {
	r := require.New(t)

	ctx := gateCtx(t, model.SideBuy)
	r.False(srReferenceClusterGate(ctx).Blocked)

	ctx.srv.NextDown = nil
	res := srReferenceClusterGate(ctx)
	r.True(res.Blocked)
	r.Equal("no_near_sr", res.Reason)

	ctx = gateCtx(t, model.SideBuy)
	ctx.srv.NextDown.CenterPrice = ctx.mid - ctx.cfg.SrWindowUsd - 1
	r.Equal("sr_out_of_window", srReferenceClusterGate(ctx).Reason)

	ctx = gateCtx(t, model.SideBuy)
	ctx.cfg.SrMinRank = 0.95
	res = srReferenceClusterGate(ctx)
	r.True(res.Blocked)
	r.Equal("sr_below_threshold", res.Reason)
	r.InDelta(0.9, res.Detail["rank"], 1e-9)
}

func TestSrReferenceClusterGate_ChannelEdgeTolerance(t *testing.T) {
	r := require.New(t)
	ctx := gateCtx(t, model.SideBuy)
	ctx.cfg.SrMinRank = 0.8
	ctx.srv.NextDown.Rank = 0.6 // below threshold but above 0.7*0.8
	ctx.srv.NextDown.Type = model.ClusterChannelEdge
	r.False(srReferenceClusterGate(ctx).Blocked)
}

func TestContainmentGate_OutsideRails(t *testing.T) {
	r := require.New(t)
	ctx := gateCtx(t, model.SideBuy)
	ctx.mid = 99999
	res := containmentGate(ctx)
	r.True(res.Blocked)
	r.Equal("outside_rails", res.Reason)
}

func TestCtxMicroGate_HostileFundingBlocksLong(t *testing.T) {
	r := require.New(t)
	ctx := gateCtx(t, model.SideBuy)
	ctx.fundingRate = 0.001
	ctx.markOraclePremium = 0.0002
	res := ctxMicroGate(ctx)
	r.True(res.Blocked)
	r.Equal("ctx_micro_hostile_long", res.Reason)

	ctx.side = model.SideSell
	r.False(ctxMicroGate(ctx).Blocked)
}

func TestOiPriceTrapGate(t *testing.T) {
	r := require.New(t)
	ctx := gateCtx(t, model.SideBuy)
	ctx.openInterest = 1e9
	ctx.flow60.FlowPressure = -0.3
	res := oiPriceTrapGate(ctx)
	r.True(res.Blocked)
	r.Equal("oi_trap_long", res.Reason)

	// without a flow read the gate abstains rather than blocking
	ctx.flow60OK = false
	r.False(oiPriceTrapGate(ctx).Blocked)
}

func TestEntryFlowGate_HostileAndDivergence(t *testing.T) {
	r := require.New(t)
	ctx := gateCtx(t, model.SideBuy)
	ctx.flow60.FlowPressure = -0.1
	res := entryFlowGate(ctx)
	r.True(res.Blocked)
	r.Equal("B: flow hostile for buy", res.Reason)

	ctx = gateCtx(t, model.SideBuy)
	ctx.flow5.FlowPressure = -0.6
	res = entryFlowGate(ctx)
	r.True(res.Blocked)
	r.Equal("flow_5s_divergence", res.Reason)
}

func TestThinOrderBookGate_BothSides(t *testing.T) {
	r := require.New(t)
	ctx := gateCtx(t, model.SideBuy)
	ctx.cfg.RequireBothSides = true
	ctx.srv.NextUp.NotionalUsd = ctx.cfg.ThinBookMinNotionalUsd - 1
	res := thinOrderBookGate(ctx)
	r.True(res.Blocked)
	r.Equal("B: thin order book", res.Reason)

	// single-side mode only checks the entry side
	ctx.cfg.RequireBothSides = false
	r.False(thinOrderBookGate(ctx).Blocked)
}

func TestRunGates_FirstBlockerWinsButAllRecorded(t *testing.T) {
	r := require.New(t)
	ctx := gateCtx(t, model.SideBuy)
	ctx.flow60.FlowPressure = -0.1 // entryFlowGate will block
	blocker, diag := runGates(ctx, []gateFunc{containmentGate, entryFlowGate, thinOrderBookGate})
	r.True(blocker.Blocked)
	r.Equal("entryFlowGate", blocker.Name)
	r.Len(diag.Gates, 3) // thinOrderBookGate still reports after the blocker
	r.False(diag.Gates["containmentGate"].Blocked)
}

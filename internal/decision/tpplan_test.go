package decision

import (
	"testing"

	"github.com/stretchr/testify/require"

	"btcperp-engine/internal/model"
)

func planSnap(clusters []model.SrCluster) model.StructureSnapshot {
	return model.StructureSnapshot{
		Ready: true,
		Rails: model.Rails{Upper: 110000, Lower: 100000},
		Clusters: model.SrClusterView{
			Clusters: clusters, ClusterCount: len(clusters),
			MapStrength: 0.8, PathDepth: 3,
		},
	}
}

func TestBuildTpPlan_NearestSurvivorWins(t *testing.T) {
	r := require.New(t)
	cfg := testCfg(t)
	snap := planSnap([]model.SrCluster{
		{CenterPrice: 100100, Type: model.ClusterResistance}, // inside stepUsd, dropped
		{CenterPrice: 102000, Type: model.ClusterResistance},
		{CenterPrice: 104000, Type: model.ClusterResistance},
		{CenterPrice: 99500, Type: model.ClusterSupport}, // wrong side for a long
	})
	plan := buildTpPlan(model.SideBuy, 100050, snap, cfg, 0)
	r.True(plan.ok)
	r.Equal(102000.0, plan.target)
	r.Equal(102000.0, plan.ladder.Tp1)
	r.Equal(104000.0, plan.ladder.Tp2)
	r.Equal(110000.0, plan.ladder.Edge)
	r.Equal(model.TpContinuation, plan.phase)
}

func TestBuildTpPlan_NoSurvivorsIsNoNearSr(t *testing.T) {
	r := require.New(t)
	cfg := testCfg(t)
	snap := planSnap([]model.SrCluster{
		{CenterPrice: 100100, Type: model.ClusterResistance}, // inside stepUsd
	})
	plan := buildTpPlan(model.SideBuy, 100050, snap, cfg, 0)
	r.False(plan.ok)
	r.Equal("no_near_sr", plan.reason)
}

func TestBuildTpPlan_ReactionWithSingleCandidate(t *testing.T) {
	r := require.New(t)
	cfg := testCfg(t)
	snap := planSnap([]model.SrCluster{
		{CenterPrice: 102000, Type: model.ClusterResistance},
	})
	plan := buildTpPlan(model.SideBuy, 100050, snap, cfg, 0)
	r.True(plan.ok)
	r.Equal(model.TpReaction, plan.phase)
}

func TestBuildTpPlan_NormalBandFiltersOuterLines(t *testing.T) {
	r := require.New(t)
	cfg := testCfg(t)
	cfg.TpNormalMaxT = 0.5 // lines beyond half the half-span from channel mid drop
	snap := planSnap([]model.SrCluster{
		{CenterPrice: 109500, Type: model.ClusterResistance}, // t = 0.9
		{CenterPrice: 106000, Type: model.ClusterResistance}, // t = 0.2
	})
	plan := buildTpPlan(model.SideBuy, 103000, snap, cfg, 0)
	r.True(plan.ok)
	r.Equal(106000.0, plan.target)
}

func TestTpDistanceCap_ClampAndLowVol(t *testing.T) {
	r := require.New(t)
	cfg := testCfg(t)
	cfg.BaseSpanRatio = 0.3
	cfg.MinCapUsd = 50
	cfg.MaxCapUsd = 5000

	normal := tpDistanceCap(10000, 0, 0, cfg, false)
	r.InDelta(3000, normal, 1e-9)

	lowVol := tpDistanceCap(10000, 0, 0, cfg, true)
	r.InDelta(4500, lowVol, 1e-9)

	capped := tpDistanceCap(1e6, 0, 0, cfg, false)
	r.InDelta(5000, capped, 1e-9)
}

func TestTpDistanceCap_SelfCalibrationShrinksCap(t *testing.T) {
	r := require.New(t)
	cfg := testCfg(t)
	cfg.BaseSpanRatio = 0.3
	cfg.CaptureSelfCalibration = true

	uncal := tpDistanceCap(10000, 0, 0, cfg, false)
	cal := tpDistanceCap(10000, 0, 0.5, cfg, false)
	r.InDelta(uncal*0.5, cal, 1e-9)
}

func TestTpDistanceCap_StructuralFloor(t *testing.T) {
	r := require.New(t)
	cfg := testCfg(t)
	cfg.BaseSpanRatio = 0.3
	cfg.MinCapUsd = 1
	cfg.MinStructuralTpDistance = 400
	cfg.EnforceStructuralTpFloor = true

	got := tpDistanceCap(1000, 0, 0, cfg, false) // span*ratio = 300 < floor
	r.InDelta(400, got, 1e-9)
}

func TestStretchTerms_ContinuationOnly(t *testing.T) {
	r := require.New(t)
	cfg := testCfg(t)
	cfg.StretchRatioCap = 2.5
	cfg.StretchHoldDelayMs = 5000

	cont := tpPlan{phase: model.TpContinuation, ladder: model.TpLadder{Edge: 110000}}
	ratio, delay := stretchTerms(cont, 100050, 1950, cfg)
	r.Greater(ratio, 1.0)
	r.LessOrEqual(ratio, 2.5)
	r.EqualValues(5000, delay)

	react := tpPlan{phase: model.TpReaction, ladder: model.TpLadder{Edge: 110000}}
	ratio2, delay2 := stretchTerms(react, 100050, 1950, cfg)
	r.Equal(1.0, ratio2)
	r.Zero(delay2)
}

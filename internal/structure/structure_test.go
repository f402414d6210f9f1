package structure

import (
	"testing"

	"github.com/stretchr/testify/require"

	"btcperp-engine/internal/model"
	"btcperp-engine/internal/tradeconfig"
)

func TestBuild_NotReadyWithoutBar(t *testing.T) {
	require := require.New(t)
	tick := model.MarketTick{Mid: 100}
	snap := Build(tick, BarState{Bar1hReady: false}, &tradeconfig.Structure{MaxClustersPerSide: 5})
	require.False(snap.Ready)
	require.Equal("unready", snap.StructureSource)
}

func TestBuild_RailsAndClusters(t *testing.T) {
	require := require.New(t)
	tick := model.MarketTick{
		Mid: 100050,
		Bids: []model.PriceLevel{
			{Price: 100000, Size: 1, NotionalUsd: 300000},
			{Price: 99995, Size: 1, NotionalUsd: 50000},
		},
		Asks: []model.PriceLevel{
			{Price: 102000, Size: 1, NotionalUsd: 400000},
		},
	}
	bar := BarState{Bar1hReady: true, Bar1hHigh: 110000, Bar1hLow: 100000}
	cfg := &tradeconfig.Structure{MergeDistanceUsd: 15, MaxClustersPerSide: 5, PaddingBufferUsd: 0}
	snap := Build(tick, bar, cfg)
	require.True(snap.Ready)
	require.Equal(110000.0, snap.Rails.Upper)
	require.Equal(100000.0, snap.Rails.Lower)
	require.GreaterOrEqual(snap.Clusters.ClusterCount, 1)
	require.NotEmpty(snap.Hash)
}

func TestBuild_ClassifiesEdgeAndOuterRangeClusters(t *testing.T) {
	require := require.New(t)
	tick := model.MarketTick{
		Mid: 105000,
		Bids: []model.PriceLevel{
			{Price: 99980, Size: 1, NotionalUsd: 100000},  // below the lower rail, inside padding
			{Price: 100010, Size: 1, NotionalUsd: 100000}, // hugging the lower rail
			{Price: 103000, Size: 1, NotionalUsd: 100000}, // clearly inside
		},
		Asks: []model.PriceLevel{
			{Price: 109995, Size: 1, NotionalUsd: 100000}, // hugging the upper rail
			{Price: 106000, Size: 1, NotionalUsd: 100000}, // clearly inside
		},
	}
	bar := BarState{Bar1hReady: true, Bar1hHigh: 110000, Bar1hLow: 100000}
	cfg := &tradeconfig.Structure{MergeDistanceUsd: 15, MaxClustersPerSide: 5, PaddingBufferUsd: 50}
	snap := Build(tick, bar, cfg)

	byCenter := map[float64]model.ClusterType{}
	for _, c := range snap.Clusters.Clusters {
		byCenter[c.CenterPrice] = c.Type
	}
	require.Equal(model.ClusterOuterRange, byCenter[99980])
	require.Equal(model.ClusterChannelEdge, byCenter[100010])
	require.Equal(model.ClusterSupport, byCenter[103000])
	require.Equal(model.ClusterChannelEdge, byCenter[109995])
	require.Equal(model.ClusterResistance, byCenter[106000])
}

func TestCache_ReusesWithinTtlAndDrift(t *testing.T) {
	require := require.New(t)
	var c Cache
	bar := BarState{Bar1hReady: true, Bar1hHigh: 110000, Bar1hLow: 100000}
	cfg := &tradeconfig.Structure{CacheTtlMs: 1000, InvalidateMidDriftUsd: 25, MaxClustersPerSide: 5}

	t1 := model.MarketTick{TsMs: 0, Mid: 100050}
	s1 := c.Get(t1, bar, cfg)

	t2 := model.MarketTick{TsMs: 500, Mid: 100060}
	s2 := c.Get(t2, bar, cfg)
	require.Equal(s1.Hash, s2.Hash)

	t3 := model.MarketTick{TsMs: 600, Mid: 100060 + 30}
	s3 := c.Get(t3, bar, cfg)
	require.Equal(t3.TsMs, s3.BuiltAtMs)
}

// Package structure builds the StructureSnapshot and SrClusterView from a
// MarketTick's order book and the active higher-timeframe bar: a
// cacheable, hashable view of the channel and the SR levels inside it.
package structure

import (
	"crypto/sha256"
	"fmt"
	"math"
	"sort"

	"btcperp-engine/internal/model"
	"btcperp-engine/internal/tradeconfig"
)

// BarState is the active higher-timeframe bar the rails are derived from.
type BarState struct {
	Bar1hHigh  float64
	Bar1hLow   float64
	Bar1hReady bool
	Bar15mRange float64
	AdaptiveLookbackUsed bool
}

// Build produces a StructureSnapshot for the current tick. It does not
// consult the cache itself; Cache.Get wraps this with TTL/drift reuse.
func Build(tick model.MarketTick, bar BarState, cfg *tradeconfig.Structure) model.StructureSnapshot {
	snap := model.StructureSnapshot{
		BasisTag:   "bar1h_range",
		Version:    1,
		BuiltAtMid: tick.Mid,
		BuiltAtMs:  tick.TsMs,
	}

	if !bar.Bar1hReady {
		snap.Ready = false
		snap.StructureSource = "unready"
		return snap
	}

	rails := model.Rails{Upper: bar.Bar1hHigh, Lower: bar.Bar1hLow}
	if !rails.Valid() {
		snap.Ready = false
		snap.StructureSource = "invalid_rails"
		return snap
	}
	snap.Rails = rails
	snap.Ready = true
	snap.StructureSource = "bar1h_range"
	if bar.AdaptiveLookbackUsed {
		snap.StructureSource = "adaptive_lookback"
	}

	clusters := buildClusters(tick, rails, cfg)
	snap.Clusters = clusters
	snap.StructureQuality = structureQuality(rails, clusters)
	snap.Hash = hashSnapshot(snap)
	return snap
}

func structureQuality(rails model.Rails, clusters model.SrClusterView) float64 {
	span := rails.Span()
	if span <= 0 {
		return 0
	}
	q := 0.4
	if clusters.ClusterCount >= 2 {
		q += 0.3
	}
	q += 0.3 * clusters.MapStrength
	if q > 1 {
		q = 1
	}
	if q < 0 {
		q = 0
	}
	return q
}

// buildClusters filters order-book levels to those within the rails (plus
// padding), merges nearby centers, weights by notional, and sorts each side
// nearest-to-mid first, truncated to maxClustersPerSide.
func buildClusters(tick model.MarketTick, rails model.Rails, cfg *tradeconfig.Structure) model.SrClusterView {
	lo := rails.Lower - cfg.PaddingBufferUsd
	hi := rails.Upper + cfg.PaddingBufferUsd

	var supports, resistances []model.SrCluster
	for _, lvl := range tick.Bids {
		if lvl.Price < lo || lvl.Price > hi {
			continue
		}
		supports = append(supports, model.SrCluster{CenterPrice: lvl.Price, Type: model.ClusterSupport, NotionalUsd: lvl.NotionalUsd})
	}
	for _, lvl := range tick.Asks {
		if lvl.Price < lo || lvl.Price > hi {
			continue
		}
		resistances = append(resistances, model.SrCluster{CenterPrice: lvl.Price, Type: model.ClusterResistance, NotionalUsd: lvl.NotionalUsd})
	}

	supports = mergeAndScore(supports, cfg.MergeDistanceUsd)
	resistances = mergeAndScore(resistances, cfg.MergeDistanceUsd)

	// classify on the merged centers: outside the rails is outer_range,
	// hugging a rail is channel_edge, everything else keeps its book side
	edgeBand := math.Max(cfg.MergeDistanceUsd, cfg.PaddingBufferUsd)
	for i := range supports {
		supports[i].Type = classifyCluster(supports[i].CenterPrice, rails, edgeBand, model.ClusterSupport)
	}
	for i := range resistances {
		resistances[i].Type = classifyCluster(resistances[i].CenterPrice, rails, edgeBand, model.ClusterResistance)
	}

	sort.Slice(supports, func(i, j int) bool { return supports[i].CenterPrice > supports[j].CenterPrice }) // nearest mid (highest) first
	sort.Slice(resistances, func(i, j int) bool { return resistances[i].CenterPrice < resistances[j].CenterPrice })

	if len(supports) > cfg.MaxClustersPerSide {
		supports = supports[:cfg.MaxClustersPerSide]
	}
	if len(resistances) > cfg.MaxClustersPerSide {
		resistances = resistances[:cfg.MaxClustersPerSide]
	}

	all := append(append([]model.SrCluster{}, supports...), resistances...)

	view := model.SrClusterView{
		Clusters:     all,
		ClusterCount: len(all),
		PathDepth:    pathDepth(supports, resistances),
	}
	view.MapStrength = mapStrength(view.ClusterCount)
	view.MapStatus = mapStatus(view.MapStrength, view.ClusterCount)
	if len(supports) > 0 {
		nd := supports[0]
		view.NextDown = &nd
	}
	if len(resistances) > 0 {
		nu := resistances[0]
		view.NextUp = &nu
	}
	return view
}

func mergeAndScore(levels []model.SrCluster, mergeDist float64) []model.SrCluster {
	if len(levels) == 0 {
		return nil
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].CenterPrice < levels[j].CenterPrice })
	var out []model.SrCluster
	cur := levels[0]
	totalNotional := cur.NotionalUsd
	count := 1
	flush := func() {
		cur.NotionalUsd = totalNotional
		cur.Score = totalNotional * float64(count)
		out = append(out, cur)
	}
	for _, lvl := range levels[1:] {
		if math.Abs(lvl.CenterPrice-cur.CenterPrice) <= mergeDist {
			// weighted-average center by notional
			w := totalNotional + lvl.NotionalUsd
			if w > 0 {
				cur.CenterPrice = (cur.CenterPrice*totalNotional + lvl.CenterPrice*lvl.NotionalUsd) / w
			}
			totalNotional += lvl.NotionalUsd
			count++
			continue
		}
		flush()
		cur = lvl
		totalNotional = lvl.NotionalUsd
		count = 1
	}
	flush()
	maxNotional := 0.0
	for _, c := range out {
		if c.NotionalUsd > maxNotional {
			maxNotional = c.NotionalUsd
		}
	}
	for i := range out {
		if maxNotional > 0 {
			out[i].Rank = out[i].NotionalUsd / maxNotional
		}
	}
	return out
}

// classifyCluster resolves a merged cluster's type from where its center
// landed relative to the rails: past either rail (reachable through the
// padding buffer) is outer_range, within edgeBand of a rail is
// channel_edge, anything clearly inside keeps its book side.
func classifyCluster(center float64, rails model.Rails, edgeBand float64, inside model.ClusterType) model.ClusterType {
	if center < rails.Lower || center > rails.Upper {
		return model.ClusterOuterRange
	}
	if center-rails.Lower <= edgeBand || rails.Upper-center <= edgeBand {
		return model.ClusterChannelEdge
	}
	return inside
}

func pathDepth(supports, resistances []model.SrCluster) int {
	d := 0
	if len(supports) > 0 {
		d++
	}
	if len(supports) > 1 {
		d++
	}
	if len(resistances) > 0 {
		d++
	}
	if len(resistances) > 1 {
		d++
	}
	return d
}

func mapStrength(clusterCount int) float64 {
	switch {
	case clusterCount >= 6:
		return 1.0
	case clusterCount >= 4:
		return 0.75
	case clusterCount >= 2:
		return 0.5
	case clusterCount == 1:
		return 0.25
	default:
		return 0
	}
}

func mapStatus(strength float64, count int) model.MapStatus {
	switch {
	case count == 0:
		return model.MapNone
	case strength >= 0.75:
		return model.MapStrong
	case strength >= 0.4:
		return model.MapNormal
	case strength > 0:
		return model.MapWeak
	default:
		return model.MapUnknown
	}
}

func hashSnapshot(s model.StructureSnapshot) string {
	h := sha256.New()
	fmt.Fprintf(h, "%f|%f|%d|%s", s.Rails.Upper, s.Rails.Lower, s.Clusters.ClusterCount, s.StructureSource)
	for _, c := range s.Clusters.Clusters {
		fmt.Fprintf(h, "|%f:%s", c.CenterPrice, c.Type)
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

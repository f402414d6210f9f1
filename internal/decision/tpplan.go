package decision

import (
	"math"

	"btcperp-engine/internal/model"
	"btcperp-engine/internal/tradeconfig"
)

// tpPlan is the intermediate result of laddering SR lines into a TP target.
type tpPlan struct {
	ladder   model.TpLadder
	target   float64
	source   string
	phase    model.TpPhase
	ok       bool
	reason   string
}

// buildTpPlan enumerates SR lines inside the channel in the decided
// direction, classifies each as support/resistance relative to mid, keeps
// only those beyond stepUsd and within the normal TP band, and returns the
// nearest surviving price as the target.
func buildTpPlan(side model.Side, mid float64, snap model.StructureSnapshot, cfg *tradeconfig.Decision, bar15mRange float64) tpPlan {
	span := snap.Rails.Span()
	if span <= 0 {
		return tpPlan{reason: "no_structural_path"}
	}
	halfSpan := span / 2
	channelMid := (snap.Rails.Upper + snap.Rails.Lower) / 2
	stepUsd := math.Max(cfg.MinStepUsd, math.Max(span*cfg.ArenaStepRatio, bar15mRange*cfg.Bar15mWeight))

	var candidates []model.SrCluster
	for _, c := range snap.Clusters.Clusters {
		if side == model.SideBuy && c.CenterPrice <= mid {
			continue // need resistance above mid for a long TP
		}
		if side == model.SideSell && c.CenterPrice >= mid {
			continue
		}
		if math.Abs(c.CenterPrice-mid) < stepUsd {
			continue
		}
		t := math.Abs(c.CenterPrice-channelMid) / halfSpan
		if t > cfg.TpNormalMaxT {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return tpPlan{reason: "no_near_sr"}
	}

	// nearest surviving price in the decided direction
	best := candidates[0]
	for _, c := range candidates[1:] {
		if side == model.SideBuy && c.CenterPrice < best.CenterPrice {
			best = c
		}
		if side == model.SideSell && c.CenterPrice > best.CenterPrice {
			best = c
		}
	}

	phase := model.TpReaction
	if len(candidates) >= 2 && snap.Clusters.MapStrength >= cfg.MapStrengthContinuationMin && snap.Clusters.PathDepth >= cfg.PathDepthContinuationMin {
		phase = model.TpContinuation
	}

	ladder := buildLadder(side, mid, candidates, best, snap)

	return tpPlan{
		ladder: ladder,
		target: best.CenterPrice,
		source: string(best.Type),
		phase:  phase,
		ok:     true,
	}
}

func buildLadder(side model.Side, mid float64, candidates []model.SrCluster, tp1 model.SrCluster, snap model.StructureSnapshot) model.TpLadder {
	ladder := model.TpLadder{Tp1: tp1.CenterPrice}
	// tp2: second-nearest candidate further from mid than tp1
	tp2 := tp1.CenterPrice
	for _, c := range candidates {
		if side == model.SideBuy && c.CenterPrice > tp1.CenterPrice {
			if tp2 == tp1.CenterPrice || c.CenterPrice < tp2 {
				tp2 = c.CenterPrice
			}
		}
		if side == model.SideSell && c.CenterPrice < tp1.CenterPrice {
			if tp2 == tp1.CenterPrice || c.CenterPrice > tp2 {
				tp2 = c.CenterPrice
			}
		}
	}
	ladder.Tp2 = tp2
	if side == model.SideBuy {
		ladder.Edge = snap.Rails.Upper
	} else {
		ladder.Edge = snap.Rails.Lower
	}
	return ladder
}

// tpDistanceCap computes the dynamic cap on TP distance from the 1h span,
// modulated by 15m range and (optionally) self-calibrated from the median
// captureRatio of recent trades.
func tpDistanceCap(span, bar15mRange float64, medianCaptureRatio float64, cfg *tradeconfig.Decision, lowVol bool) float64 {
	ratio := cfg.BaseSpanRatio
	if lowVol {
		ratio *= 1.5
	}
	cap := span * ratio
	if bar15mRange > 0 {
		cap = (cap + bar15mRange) / 2
	}
	if cfg.CaptureSelfCalibration && medianCaptureRatio > 0 {
		cap *= medianCaptureRatio
	}
	cap = math.Max(cfg.MinCapUsd, math.Min(cfg.MaxCapUsd, cap))
	if cfg.EnforceStructuralTpFloor && cap < cfg.MinStructuralTpDistance {
		cap = cfg.MinStructuralTpDistance
	}
	return cap
}

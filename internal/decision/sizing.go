package decision

import (
	"math"

	"btcperp-engine/internal/tradeconfig"
)

// SizeInputs bundles the scalars that feed the sizing formula.
type SizeInputs struct {
	Equity          float64
	TpDistanceUsd   float64
	TrendStrength   string // "weak", "normal", "STRONG"
	RegimeAlignment float64 // A/B alignment scalar, directional firepower component
	ACenterDamping  float64
	Angle15mBoost   float64
	Angle1hBoost    float64
	ClusterWallBoost float64

	EntryQualityScalar    float64
	StructureQualityScalar float64
	StartupScalar         float64
	FlowScalar            float64
	ImpactScalar          float64
	AccelerationScalar    float64
	CtxWsScalar           float64
	LadderAttackScalar    float64
}

// SizeResult is the output of the sizing pipeline before the fee-edge guard.
type SizeResult struct {
	Notional    float64
	SizeCoin    float64
	Firepower   float64
	DirectionalFirepower float64
	SizeScalar  float64
	AttackPhase bool
}

// Size computes rawNotional and clamps it to the capital-stage band. It
// does not convert to coins: SizeResult.SizeCoin is left zero, and
// DecideTradeB2 derives the coin size after the fee-edge guard.
func Size(in SizeInputs, cfg *tradeconfig.Decision) SizeResult {
	firepower := cfg.Firepower[in.TrendStrength]
	if firepower == 0 {
		firepower = cfg.Firepower["normal"]
	}

	directional := in.RegimeAlignment * (1 - in.ACenterDamping)
	directional += in.Angle15mBoost + in.Angle1hBoost + in.ClusterWallBoost
	if directional < 0 {
		directional = 0
	}

	// Only the combined sizeScalar is clamped to [1, maxSizeScalar]; the
	// individual component scalars may be sub-unity.
	combined := in.EntryQualityScalar * in.StructureQualityScalar * in.StartupScalar *
		in.FlowScalar * in.ImpactScalar * in.AccelerationScalar * in.CtxWsScalar * in.LadderAttackScalar
	sizeScalar := math.Max(1, math.Min(cfg.MaxSizeScalar, combined))

	rawNotional := 0.0
	if in.TpDistanceUsd > 0 {
		rawNotional = (in.Equity * cfg.RiskRatio / in.TpDistanceUsd) * firepower * directional * sizeScalar
	}

	attackPhase := firepower >= cfg.AttackFirepowerThreshold

	effEquity := in.Equity
	if effEquity > cfg.EffectiveEquityCapUsd {
		excess := effEquity - cfg.EffectiveEquityCapUsd
		effEquity = cfg.EffectiveEquityCapUsd + excess*0.3 // reduced slope above the cap
	}

	minNotional, maxNotional := bandForEquity(effEquity, cfg)
	notional := rawNotional
	if !attackPhase && notional < minNotional {
		notional = minNotional
	}
	if notional > maxNotional {
		notional = maxNotional
	}
	if notional < 0 {
		notional = 0
	}

	return SizeResult{
		Notional:             notional,
		Firepower:            firepower,
		DirectionalFirepower: directional,
		SizeScalar:           sizeScalar,
		AttackPhase:          attackPhase,
	}
}

func bandForEquity(equity float64, cfg *tradeconfig.Decision) (min, max float64) {
	for _, band := range cfg.CapitalStageBands {
		if band.OpenEnded || equity <= band.UpperBoundUsd {
			return equity * band.MinLotRatio, equity * band.MaxLotRatio
		}
	}
	// fell through without an open-ended band (shouldn't happen post-normalize)
	return cfg.MinNotional, cfg.MaxNotional
}

// ApplyFeeEdgeGuard rejects entries whose estimated net profit after fees
// is below minNetUsd; with autoSizeBoost it first raises notional toward
// the amount required to clear it. The strict and non-strict floor
// branches cap the boost differently and are kept as distinct paths.
func ApplyFeeEdgeGuard(notional, tpDistanceUsd, mid float64, cfg *tradeconfig.Decision) (newNotional float64, ok bool, boosted bool) {
	if notional <= 0 || mid <= 0 {
		return notional, false, false
	}
	sizeCoin := notional / mid
	gross := tpDistanceUsd * sizeCoin * cfg.ExpectancyRealizationFactor
	fees := notional * (cfg.FeeBps / 10000) * 2
	net := gross - fees
	minNetReq := math.Max(cfg.MinNetUsd, notional/100*cfg.MinNetPer100)
	if net >= minNetReq {
		return notional, true, false
	}
	if !cfg.AutoSizeBoost {
		return notional, false, false
	}
	edgePerUsdNotional := (tpDistanceUsd * cfg.ExpectancyRealizationFactor / mid) - (cfg.FeeBps/10000)*2
	if edgePerUsdNotional <= 0 {
		return notional, false, false
	}
	requiredForMinNet := minNetReq / edgePerUsdNotional

	var cap float64
	if cfg.StrictMinNetFloor {
		// strict branch: cap is maxNotional only, no boost multiplier limit
		cap = cfg.MaxNotional
	} else {
		cap = math.Min(cfg.MaxNotional, cfg.MaxSizeBoostMul*notional)
	}
	boostedNotional := math.Min(requiredForMinNet, cap)
	if boostedNotional <= notional {
		return notional, false, false
	}

	sizeCoin = boostedNotional / mid
	gross = tpDistanceUsd * sizeCoin * cfg.ExpectancyRealizationFactor
	fees = boostedNotional * (cfg.FeeBps / 10000) * 2
	net = gross - fees
	minNetReq = math.Max(cfg.MinNetUsd, boostedNotional/100*cfg.MinNetPer100)
	// boosting lands exactly on the threshold when uncapped; the 1e-9 bias
	// keeps rounding from flipping the comparison
	return boostedNotional, net >= minNetReq-1e-9, true
}

// Package tradeconfig loads the engine's single JSON configuration
// document and normalizes it into a pure, bounds-checked value every other
// package can trust without re-validating. Clamping happens once, at
// load, never at the call sites.
package tradeconfig

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// CapitalStageBand is one ascending-sorted bucket of lot-sizing ratios.
type CapitalStageBand struct {
	UpperBoundUsd float64 `json:"upperBoundUsd"` // 0 on the trailing open-ended bucket
	OpenEnded     bool    `json:"openEnded"`
	MinLotRatio   float64 `json:"minLotRatio"`
	MaxLotRatio   float64 `json:"maxLotRatio"`
}

// Structure holds the structure-snapshot-builder thresholds.
type Structure struct {
	CacheTtlMs            int64   `json:"cacheTtlMs"`
	InvalidateMidDriftUsd float64 `json:"invalidateMidDriftUsd"`
	MergeDistanceUsd      float64 `json:"mergeDistanceUsd"`
	MaxClustersPerSide    int     `json:"maxClustersPerSide"`
	PaddingBufferUsd      float64 `json:"paddingBufferUsd"`
}

// Decision holds the entry-gate and sizing thresholds.
type Decision struct {
	EdgeBaseRatio    float64 `json:"edgeBaseRatio"`
	MinThresholdUsd  float64 `json:"minThresholdUsd"`
	MaxThresholdUsd  float64 `json:"maxThresholdUsd"`
	CentralBandLow   float64 `json:"centralBandLow"`  // 0.35
	CentralBandHigh  float64 `json:"centralBandHigh"` // 0.65

	MinStepUsd      float64 `json:"minStepUsd"`
	ArenaStepRatio  float64 `json:"arenaStepRatio"`
	Bar15mWeight    float64 `json:"bar15mWeight"`
	TpNormalMaxT    float64 `json:"tpNormalMaxT"`
	MapStrengthContinuationMin float64 `json:"mapStrengthContinuationMin"` // 0.65
	PathDepthContinuationMin   int     `json:"pathDepthContinuationMin"`   // 2

	BaseSpanRatio  float64 `json:"baseSpanRatio"`
	MinCapUsd      float64 `json:"minCapUsd"`
	MaxCapUsd      float64 `json:"maxCapUsd"`
	MinStructuralTpDistance float64 `json:"minStructuralTpDistance"`
	EnforceStructuralTpFloor bool   `json:"enforceStructuralTpFloor"`
	CaptureSelfCalibration   bool   `json:"captureSelfCalibration"`
	CaptureSampleN           int    `json:"captureSampleN"`

	RiskRatio    float64 `json:"riskRatio"`
	MinNotional  float64 `json:"minNotional"`
	MaxNotional  float64 `json:"maxNotional"`
	EffectiveEquityCapUsd float64 `json:"effectiveEquityCapUsd"`
	AttackFirepowerThreshold float64 `json:"attackFirepowerThreshold"`
	Firepower map[string]float64 `json:"firepower"` // weak/normal/STRONG
	MaxSizeScalar float64 `json:"maxSizeScalar"`

	StretchRatioCap    float64 `json:"stretchRatioCap"`    // >=1, caps the continuation-phase stretch target ratio
	StretchHoldDelayMs int64   `json:"stretchHoldDelayMs"` // delay after entry before the stretch target may take over

	MinNetUsd        float64 `json:"minNetUsd"`
	MinNetPer100      float64 `json:"minNetPer100"`
	ExpectancyRealizationFactor float64 `json:"expectancyRealizationFactor"`
	MaxSizeBoostMul  float64 `json:"maxSizeBoostMul"`
	StrictMinNetFloor bool   `json:"strictMinNetFloor"`
	AutoSizeBoost     bool   `json:"autoSizeBoost"`
	FeeBps            float64 `json:"feeBps"`

	SrWindowUsd       float64 `json:"srWindowUsd"`
	SrMinRank         float64 `json:"srMinRank"`
	SrMinScore        float64 `json:"srMinScore"`
	SrMinNotionalUsd  float64 `json:"srMinNotionalUsd"`
	ThinBookMinNotionalUsd float64 `json:"thinBookMinNotionalUsd"`
	RequireBothSides  bool    `json:"requireBothSides"`

	CapitalStageBands []CapitalStageBand `json:"capitalStageBands"`
}

// Exit holds the exit-state-machine thresholds.
type Exit struct {
	BaseTimeoutMs int64   `json:"baseTimeoutMs"`
	BaseSoftRatio float64 `json:"baseSoftRatio"`
	BaseHardRatio float64 `json:"baseHardRatio"`
	MinTimeoutMs  int64   `json:"minTimeoutMs"`
	MaxTimeoutMs  int64   `json:"maxTimeoutMs"`

	StressSpreadBps float64 `json:"stressSpreadBps"`
	StressVelocityBps float64 `json:"stressVelocityBps"`
	StressCShock     float64 `json:"stressCShock"`
	StressFactor     float64 `json:"stressFactor"`

	TpSplitEnabled   bool    `json:"tpSplitEnabled"`
	TpSplitCloseRatio float64 `json:"tpSplitCloseRatio"`
	MinRemainRatio   float64 `json:"minRemainRatio"`

	UpdateCooldownMs int64   `json:"updateCooldownMs"`
	TrailMinMul      float64 `json:"trailMinMul"`
	TrailMaxBoostMul float64 `json:"trailMaxBoostMul"`
	TrailVelocityRef float64 `json:"trailVelocityRef"`

	FlowAdaptive FlowAdaptive `json:"flowAdaptive"`
	BurstAdverse BurstAdverse `json:"burstAdverse"`
	EnvDrift     EnvDrift     `json:"envDrift"`
	DepthAware   DepthAware   `json:"depthAware"`

	StressExitMinHoldMs int64   `json:"stressExitMinHoldMs"`
	EarlyExitProgressMax float64 `json:"earlyExitProgressMax"`
	StressExitMinAdverseRatio float64 `json:"stressExitMinAdverseRatio"`
	SoftTimeoutMs       int64   `json:"softTimeoutMs"`
	AdverseEps          float64 `json:"adverseEps"`

	RequiredStreak int `json:"requiredStreak"`

	TpExitModeAuto bool `json:"tpExitModeAuto"`
}

type FlowAdaptive struct {
	MinHoldMs       int64   `json:"minHoldMs"`
	MinProgress     float64 `json:"minProgress"`
	MinProfitUsd    float64 `json:"minProfitUsd"`
	HostileRatio    float64 `json:"hostileRatio"`
	AccelMinProgress float64 `json:"accelMinProgress"`
	DecayThreshold  float64 `json:"decayThreshold"`
	AccelRatioMin   float64 `json:"accelRatioMin"`
}

type BurstAdverse struct {
	MinRateRatio float64 `json:"minRateRatio"` // 5s rate >= ratio * 60s rate
	HostileTh    float64 `json:"hostileTh"`
}

type EnvDrift struct {
	RegimeWeight float64 `json:"regimeWeight"`
	MapWeight    float64 `json:"mapWeight"`
	FlowWeight   float64 `json:"flowWeight"`
	MapDropRatio float64 `json:"mapDropRatio"`
	TightenScore float64 `json:"tightenScore"`
	ExitScore    float64 `json:"exitScore"`
	MaxLossUsd   float64 `json:"maxLossUsd"`
}

type DepthAware struct {
	CollapseRatio  float64 `json:"collapseRatio"`
	MinWallUsd     float64 `json:"minWallUsd"`
	MinWallVsNear  float64 `json:"minWallVsNear"`
	ProgressFrom   float64 `json:"progressFrom"`
	ProgressMax    float64 `json:"progressMax"`
	FlowImbalanceTh float64 `json:"flowImbalanceTh"`
}

// Guard holds the guard-layer thresholds.
type Guard struct {
	StalenessMs        int64   `json:"stalenessMs"`
	HaltedStalenessMs  int64   `json:"haltedStalenessMs"`

	StartupWindowMs    int64   `json:"startupWindowMs"`
	StartupNoOrderMs   int64   `json:"startupNoOrderMs"`
	StartupSizeScalar  float64 `json:"startupSizeScalar"`
	StartupMinMapStrength float64 `json:"startupMinMapStrength"`
	StartupMinPathDepth   int     `json:"startupMinPathDepth"`
	RequireANormalLive    bool    `json:"requireANormalLive"`

	MaxDrawdownPct     float64 `json:"maxDrawdownPct"`
	KpiWindowTrades    int     `json:"kpiWindowTrades"`
	MinAvgNetUsd       float64 `json:"minAvgNetUsd"`
	MinWinRate         float64 `json:"minWinRate"`
	MinAvgWinUsd       float64 `json:"minAvgWinUsd"`
	ResumeCooldownMs   int64   `json:"resumeCooldownMs"`
	AutoResume         bool    `json:"autoResume"`

	HardSlCooldownMs   int64   `json:"hardSlCooldownMs"`
	ReduceSizeFactor   float64 `json:"reduceSizeFactor"`
	ReduceSizeWindowMs int64   `json:"reduceSizeWindowMs"`

	TimeoutLossOnlyThreshold int   `json:"timeoutLossOnlyThreshold"`
	TimeoutLossOnlyCooldownMs int64 `json:"timeoutLossOnlyCooldownMs"`
}

// TradeConfig is the normalized, immutable value every component reads.
type TradeConfig struct {
	MinBandDistanceUsd float64 `json:"minBandDistanceUsd"` // required
	MinExpectedUsd     float64 `json:"minExpectedUsd"`     // required

	Structure Structure `json:"structure"`
	Decision  Decision  `json:"decision"`
	Exit      Exit      `json:"exit"`
	Guard     Guard     `json:"guard"`

	ContentHash string `json:"-"`
}

// ErrFatal marks a config problem that must terminate the process.
type ErrFatal struct{ Msg string }

func (e *ErrFatal) Error() string { return e.Msg }

// Load reads path, parses JSON, and normalizes it. Missing required fields
// are fatal; all other validation problems fall back to clamped defaults.
func Load(path string) (*TradeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ErrFatal{Msg: fmt.Sprintf("tradeconfig: read %s: %v", path, err)}
	}
	return Parse(raw)
}

// Parse normalizes raw JSON bytes into a TradeConfig, as Load does, without
// touching the filesystem; used directly by the hot-reload watcher.
func Parse(raw []byte) (*TradeConfig, error) {
	var cfg TradeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("tradeconfig: parse: %w", err)
	}
	if cfg.MinBandDistanceUsd == 0 || cfg.MinExpectedUsd == 0 {
		return nil, &ErrFatal{Msg: "tradeconfig: minBandDistanceUsd and minExpectedUsd are required"}
	}
	normalize(&cfg)
	sum := sha256.Sum256(raw)
	cfg.ContentHash = fmt.Sprintf("%x", sum)
	return &cfg, nil
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

func defF(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}

func defI64(v, d int64) int64 {
	if v == 0 {
		return d
	}
	return v
}

// normalize is idempotent: normalize(normalize(x)) == normalize(x), since
// every field is clamped to its absolute range rather than shifted by a
// delta, defaulting only fills literal zero values, and the two required
// floors are applied with max().
func normalize(c *TradeConfig) {
	c.MinBandDistanceUsd = clamp(c.MinBandDistanceUsd, 0.01, 1e6)
	c.MinExpectedUsd = clamp(c.MinExpectedUsd, 0.01, 1e6)

	s := &c.Structure
	s.CacheTtlMs = clampI64(defI64(s.CacheTtlMs, 1500), 100, 60000)
	s.InvalidateMidDriftUsd = clamp(defF(s.InvalidateMidDriftUsd, 25), 1, 10000)
	s.MergeDistanceUsd = clamp(defF(s.MergeDistanceUsd, 15), 0.01, 10000)
	if s.MergeDistanceUsd < c.MinBandDistanceUsd {
		s.MergeDistanceUsd = c.MinBandDistanceUsd
	}
	if s.MaxClustersPerSide <= 0 {
		s.MaxClustersPerSide = 5
	}
	if s.MaxClustersPerSide > 50 {
		s.MaxClustersPerSide = 50
	}
	s.PaddingBufferUsd = clamp(s.PaddingBufferUsd, 0, 10000)

	d := &c.Decision
	d.EdgeBaseRatio = clamp(defF(d.EdgeBaseRatio, 0.12), 0.01, 1)
	d.MinThresholdUsd = clamp(defF(d.MinThresholdUsd, 20), 0.01, 1e7)
	d.MaxThresholdUsd = clamp(defF(d.MaxThresholdUsd, 2000), d.MinThresholdUsd, 1e7)
	d.CentralBandLow = clamp(defF(d.CentralBandLow, 0.35), 0, 0.5)
	d.CentralBandHigh = clamp(defF(d.CentralBandHigh, 0.65), 0.5, 1)

	d.MinStepUsd = clamp(defF(d.MinStepUsd, 10), 0.01, 1e6)
	if d.MinStepUsd < c.MinBandDistanceUsd {
		d.MinStepUsd = c.MinBandDistanceUsd
	}
	d.ArenaStepRatio = clamp(defF(d.ArenaStepRatio, 0.02), 0, 1)
	d.Bar15mWeight = clamp(d.Bar15mWeight, 0, 1)
	d.TpNormalMaxT = clamp(defF(d.TpNormalMaxT, 0.85), 0.01, 1)
	d.MapStrengthContinuationMin = clamp(defF(d.MapStrengthContinuationMin, 0.65), 0, 1)
	if d.PathDepthContinuationMin <= 0 {
		d.PathDepthContinuationMin = 2
	}

	d.BaseSpanRatio = clamp(defF(d.BaseSpanRatio, 0.3), 0.01, 5)
	d.MinCapUsd = clamp(defF(d.MinCapUsd, 50), 0.01, 1e7)
	d.MaxCapUsd = clamp(defF(d.MaxCapUsd, 5000), d.MinCapUsd, 1e7)
	d.MinStructuralTpDistance = clamp(d.MinStructuralTpDistance, 0, d.MaxCapUsd)
	if d.CaptureSampleN <= 0 {
		d.CaptureSampleN = 30
	}

	d.RiskRatio = clamp(defF(d.RiskRatio, 0.02), 0.0001, 1)
	d.MinNotional = clamp(defF(d.MinNotional, 50), 0, 1e9)
	d.MaxNotional = clamp(defF(d.MaxNotional, 50000), d.MinNotional, 1e9)
	d.EffectiveEquityCapUsd = clamp(defF(d.EffectiveEquityCapUsd, 20000), 1, 1e9)
	d.AttackFirepowerThreshold = clamp(defF(d.AttackFirepowerThreshold, 1.5), 0.1, 10)
	d.MaxSizeScalar = clamp(defF(d.MaxSizeScalar, 3), 1, 20)
	if d.Firepower == nil {
		d.Firepower = map[string]float64{}
	}
	d.Firepower["weak"] = defF(d.Firepower["weak"], 0.6)
	d.Firepower["normal"] = defF(d.Firepower["normal"], 1.0)
	d.Firepower["STRONG"] = defF(d.Firepower["STRONG"], 1.6)
	d.StretchRatioCap = clamp(defF(d.StretchRatioCap, 2.5), 1, 10)
	d.StretchHoldDelayMs = clampI64(defI64(d.StretchHoldDelayMs, 5000), 0, 3600000)

	d.MinNetUsd = clamp(defF(d.MinNetUsd, 5), 0, 1e6)
	if d.MinNetUsd < c.MinExpectedUsd {
		d.MinNetUsd = c.MinExpectedUsd
	}
	d.MinNetPer100 = clamp(defF(d.MinNetPer100, 0.3), 0, 100)
	d.ExpectancyRealizationFactor = clamp(defF(d.ExpectancyRealizationFactor, 0.55), 0.01, 1)
	d.MaxSizeBoostMul = clamp(defF(d.MaxSizeBoostMul, 2.5), 1, 20)
	d.FeeBps = clamp(defF(d.FeeBps, 4), 0, 100)

	d.SrWindowUsd = clamp(defF(d.SrWindowUsd, 120), 0.01, 1e6)
	d.SrMinRank = clamp(d.SrMinRank, 0, 1)
	d.SrMinScore = clamp(d.SrMinScore, 0, 1e6)
	d.SrMinNotionalUsd = clamp(d.SrMinNotionalUsd, 0, 1e9)
	d.ThinBookMinNotionalUsd = clamp(defF(d.ThinBookMinNotionalUsd, 50000), 0, 1e9)

	sort.Slice(d.CapitalStageBands, func(i, j int) bool {
		if d.CapitalStageBands[i].OpenEnded {
			return false
		}
		if d.CapitalStageBands[j].OpenEnded {
			return true
		}
		return d.CapitalStageBands[i].UpperBoundUsd < d.CapitalStageBands[j].UpperBoundUsd
	})
	if len(d.CapitalStageBands) == 0 || !d.CapitalStageBands[len(d.CapitalStageBands)-1].OpenEnded {
		d.CapitalStageBands = append(d.CapitalStageBands, CapitalStageBand{
			OpenEnded: true, MinLotRatio: 0.01, MaxLotRatio: 0.5,
		})
	}

	e := &c.Exit
	e.BaseTimeoutMs = clampI64(defI64(e.BaseTimeoutMs, 1800000), 1000, 86400000)
	e.BaseSoftRatio = clamp(defF(e.BaseSoftRatio, 0.4), 0.05, 0.95)
	e.BaseHardRatio = clamp(defF(e.BaseHardRatio, 0.7), e.BaseSoftRatio+0.03, 1.2)
	e.MinTimeoutMs = clampI64(defI64(e.MinTimeoutMs, 60000), 1000, e.BaseTimeoutMs)
	e.MaxTimeoutMs = clampI64(defI64(e.MaxTimeoutMs, 7200000), e.MinTimeoutMs, 86400000)

	e.StressSpreadBps = clamp(defF(e.StressSpreadBps, 8), 0.01, 1000)
	e.StressVelocityBps = clamp(defF(e.StressVelocityBps, 30), 0.01, 10000)
	e.StressCShock = clamp(defF(e.StressCShock, 2), 0.01, 100)
	e.StressFactor = clamp(defF(e.StressFactor, 1.25), 1, 5)

	e.TpSplitCloseRatio = clamp(defF(e.TpSplitCloseRatio, 0.5), 0.01, 0.99)
	e.MinRemainRatio = clamp(defF(e.MinRemainRatio, 0.2), 0.01, 0.99)

	e.UpdateCooldownMs = clampI64(defI64(e.UpdateCooldownMs, 1500), 100, 600000)
	e.TrailMinMul = clamp(defF(e.TrailMinMul, 0.5), 0.01, 1)
	e.TrailMaxBoostMul = clamp(defF(e.TrailMaxBoostMul, 1.8), 1, 5)
	e.TrailVelocityRef = clamp(defF(e.TrailVelocityRef, 20), 0.01, 10000)

	fa := &e.FlowAdaptive
	fa.MinHoldMs = clampI64(defI64(fa.MinHoldMs, 15000), 0, 3600000)
	fa.MinProgress = clamp(defF(fa.MinProgress, 0.15), 0, 1)
	fa.MinProfitUsd = clamp(fa.MinProfitUsd, 0, 1e6)
	fa.HostileRatio = clamp(defF(fa.HostileRatio, 0.35), 0, 1)
	fa.AccelMinProgress = clamp(defF(fa.AccelMinProgress, 0.3), 0, 1)
	fa.DecayThreshold = defF(fa.DecayThreshold, -0.1)
	fa.AccelRatioMin = clamp(defF(fa.AccelRatioMin, 0.2), 0, 1)

	ba := &e.BurstAdverse
	ba.MinRateRatio = clamp(defF(ba.MinRateRatio, 3), 1, 100)
	ba.HostileTh = clamp(defF(ba.HostileTh, 0.3), 0, 1)

	ed := &e.EnvDrift
	ed.RegimeWeight = clamp(defF(ed.RegimeWeight, 0.4), 0, 1)
	ed.MapWeight = clamp(defF(ed.MapWeight, 0.35), 0, 1)
	ed.FlowWeight = clamp(defF(ed.FlowWeight, 0.25), 0, 1)
	ed.MapDropRatio = clamp(defF(ed.MapDropRatio, 0.5), 0, 1)
	ed.TightenScore = clamp(defF(ed.TightenScore, 0.4), 0, 1)
	ed.ExitScore = clamp(defF(ed.ExitScore, 0.7), ed.TightenScore, 1)
	ed.MaxLossUsd = clamp(defF(ed.MaxLossUsd, 200), 0, 1e6)

	da := &e.DepthAware
	da.CollapseRatio = clamp(defF(da.CollapseRatio, 0.4), 0, 1)
	da.MinWallUsd = clamp(defF(da.MinWallUsd, 100000), 0, 1e9)
	da.MinWallVsNear = clamp(defF(da.MinWallVsNear, 2), 1, 100)
	da.ProgressFrom = clamp(da.ProgressFrom, 0, 1)
	da.ProgressMax = clamp(defF(da.ProgressMax, 0.7), da.ProgressFrom, 1)
	da.FlowImbalanceTh = clamp(defF(da.FlowImbalanceTh, 0.4), 0, 1)

	e.StressExitMinHoldMs = clampI64(defI64(e.StressExitMinHoldMs, 5000), 0, 3600000)
	e.EarlyExitProgressMax = clamp(defF(e.EarlyExitProgressMax, 0.22), 0, 1)
	e.StressExitMinAdverseRatio = clamp(defF(e.StressExitMinAdverseRatio, 0.5), 0, 2)
	e.SoftTimeoutMs = clampI64(defI64(e.SoftTimeoutMs, 120000), 0, 3600000)
	e.AdverseEps = clamp(defF(e.AdverseEps, 1e-6), 0, 1)
	if e.RequiredStreak <= 0 {
		e.RequiredStreak = 2
	}

	g := &c.Guard
	g.StalenessMs = clampI64(defI64(g.StalenessMs, 5000), 500, 3600000)
	g.HaltedStalenessMs = clampI64(defI64(g.HaltedStalenessMs, 30000), g.StalenessMs, 3600000)

	g.StartupWindowMs = clampI64(defI64(g.StartupWindowMs, 600000), 0, 86400000)
	g.StartupNoOrderMs = clampI64(defI64(g.StartupNoOrderMs, 60000), 0, g.StartupWindowMs)
	g.StartupSizeScalar = clamp(defF(g.StartupSizeScalar, 0.5), 0.01, 1)
	g.StartupMinMapStrength = clamp(g.StartupMinMapStrength, 0, 1)

	g.MaxDrawdownPct = clamp(defF(g.MaxDrawdownPct, 15), 0.1, 100)
	if g.KpiWindowTrades <= 0 {
		g.KpiWindowTrades = 20
	}
	g.MinWinRate = clamp(g.MinWinRate, 0, 1)
	g.ResumeCooldownMs = clampI64(defI64(g.ResumeCooldownMs, 3600000), 0, 86400000)

	g.HardSlCooldownMs = clampI64(defI64(g.HardSlCooldownMs, 300000), 0, 86400000)
	g.ReduceSizeFactor = clamp(defF(g.ReduceSizeFactor, 0.5), 0.01, 1)
	g.ReduceSizeWindowMs = clampI64(defI64(g.ReduceSizeWindowMs, 1800000), 0, 86400000)

	if g.TimeoutLossOnlyThreshold <= 0 {
		g.TimeoutLossOnlyThreshold = 3
	}
	g.TimeoutLossOnlyCooldownMs = clampI64(defI64(g.TimeoutLossOnlyCooldownMs, 1800000), 0, 86400000)
}

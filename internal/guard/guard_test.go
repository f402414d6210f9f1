package guard

import (
	"testing"

	"github.com/stretchr/testify/require"

	"btcperp-engine/internal/model"
	"btcperp-engine/internal/tradeconfig"
)

func testGuardCfg(t *testing.T) *tradeconfig.Guard {
	cfg, err := tradeconfig.Parse([]byte(`{"minBandDistanceUsd": 1, "minExpectedUsd": 1}`))
	require.NoError(t, err)
	return &cfg.Guard
}

func TestEvaluateSafety_InvalidMidIsError(t *testing.T) {
	r := require.New(t)
	cfg := testGuardCfg(t)
	st := EvaluateSafety(model.SafetyState{}, model.MarketTick{Mid: 0, TsMs: 1000}, cfg, 1000)
	r.Equal(model.SafetyError, st.Status)
}

func TestEvaluateSafety_RecoversFromStale(t *testing.T) {
	r := require.New(t)
	cfg := testGuardCfg(t)
	stale := EvaluateSafety(model.SafetyState{}, model.MarketTick{Mid: 100, BestBid: 99, BestAsk: 101, TsMs: 0}, cfg, cfg.HaltedStalenessMs+1)
	r.Equal(model.SafetyHalted, stale.Status)

	fresh := EvaluateSafety(stale, model.MarketTick{Mid: 100, BestBid: 99, BestAsk: 101, TsMs: cfg.HaltedStalenessMs + 1}, cfg, cfg.HaltedStalenessMs+1)
	r.Equal(model.SafetyNormal, fresh.Status)
}

func TestStartupGuard_BlocksWithinNoOrderWindow(t *testing.T) {
	r := require.New(t)
	cfg := testGuardCfg(t)
	l := New(0)
	state := &model.EngineState{InitialCapitalUsd: 1000}
	v := l.Evaluate(state, cfg, false, cfg.StartupNoOrderMs/2)
	r.True(v.Blocked)
	r.Equal("startup_warmup", v.Reason)
}

func TestDrawdownLock_S5(t *testing.T) {
	r := require.New(t)
	cfg := testGuardCfg(t)
	cfg.MaxDrawdownPct = 12
	l := New(0)
	state := &model.EngineState{InitialCapitalUsd: 2000}
	nowTs := cfg.StartupWindowMs + 1

	v := l.Evaluate(state, cfg, false, nowTs)
	r.False(v.Blocked)
	r.InDelta(2000, state.PeakEquityUsd, 1e-9)

	state.Stats.RealizedPnl = -250
	v2 := l.Evaluate(state, cfg, false, nowTs+1)
	r.True(v2.Blocked)
	r.Contains(v2.Reason, "guard_locked_max_drawdown_")
	// peak holds through the drawdown; it never ratchets back down
	r.InDelta(2000, state.PeakEquityUsd, 1e-9)
}

func TestDrawdownLock_AutoResumes(t *testing.T) {
	r := require.New(t)
	cfg := testGuardCfg(t)
	cfg.MaxDrawdownPct = 12
	cfg.AutoResume = true
	cfg.ResumeCooldownMs = 1000
	l := New(0)
	state := &model.EngineState{InitialCapitalUsd: 2000}
	nowTs := cfg.StartupWindowMs + 1

	l.Evaluate(state, cfg, false, nowTs)
	state.Stats.RealizedPnl = -250
	r.True(l.Evaluate(state, cfg, false, nowTs+1).Blocked)

	// recovery above the drawdown threshold after the cooldown clears the latch
	state.Stats.RealizedPnl = -100
	v := l.Evaluate(state, cfg, false, nowTs+1+cfg.ResumeCooldownMs)
	r.False(v.Blocked)
}

func TestKpiWindowLock(t *testing.T) {
	r := require.New(t)
	cfg := testGuardCfg(t)
	cfg.KpiWindowTrades = 3
	cfg.MinAvgNetUsd = 1
	cfg.MinWinRate = 0.5
	cfg.MinAvgWinUsd = 2
	l := New(0)
	state := &model.EngineState{InitialCapitalUsd: 2000}
	nowTs := cfg.StartupWindowMs + 1

	state.Stats.History7d = []model.TradeRecord{
		{PnlNet: -5}, {PnlNet: -5}, {PnlNet: 1},
	}
	v := l.Evaluate(state, cfg, false, nowTs)
	r.True(v.Blocked)
	r.Equal("guard_locked_kpi_window", v.Reason)
}

func TestKpiWindow_NotEnoughTradesNoLock(t *testing.T) {
	r := require.New(t)
	cfg := testGuardCfg(t)
	cfg.KpiWindowTrades = 5
	cfg.MinAvgNetUsd = 1
	l := New(0)
	state := &model.EngineState{InitialCapitalUsd: 2000}
	state.Stats.History7d = []model.TradeRecord{{PnlNet: -5}, {PnlNet: -5}}
	v := l.Evaluate(state, cfg, false, cfg.StartupWindowMs+1)
	r.False(v.Blocked)
}

func TestHardSlCooldownBlocks(t *testing.T) {
	r := require.New(t)
	cfg := testGuardCfg(t)
	l := New(0)
	nowTs := cfg.StartupWindowMs + 1
	state := &model.EngineState{InitialCapitalUsd: 2000, LastHardSlAtMs: nowTs - cfg.HardSlCooldownMs/2}

	v := l.Evaluate(state, cfg, false, nowTs)
	r.True(v.Blocked)
	r.Equal("hard_sl_cooldown", v.Reason)

	state.LastHardSlAtMs = nowTs - cfg.HardSlCooldownMs - 1
	r.False(l.Evaluate(state, cfg, false, nowTs).Blocked)
}

func TestPostLossSizeReduction(t *testing.T) {
	r := require.New(t)
	cfg := testGuardCfg(t)
	l := New(0)
	// late enough that both loss timestamps below are positive (0 means no loss)
	nowTs := cfg.StartupWindowMs + cfg.ReduceSizeWindowMs + 1
	state := &model.EngineState{InitialCapitalUsd: 2000, LastLossAtMs: nowTs - cfg.ReduceSizeWindowMs/2}

	v := l.Evaluate(state, cfg, false, nowTs)
	r.False(v.Blocked)
	r.InDelta(cfg.ReduceSizeFactor, v.SizeScalar, 1e-9)

	state.LastLossAtMs = nowTs - cfg.ReduceSizeWindowMs - 1
	v2 := l.Evaluate(state, cfg, false, nowTs)
	r.InDelta(1, v2.SizeScalar, 1e-9)
}

func TestStartupGuard_RestrictedPhaseScalars(t *testing.T) {
	r := require.New(t)
	cfg := testGuardCfg(t)
	cfg.StartupMinMapStrength = 0.6
	cfg.StartupMinPathDepth = 2
	l := New(0)
	state := &model.EngineState{InitialCapitalUsd: 2000}

	v := l.Evaluate(state, cfg, false, cfg.StartupNoOrderMs+1)
	r.False(v.Blocked)
	r.InDelta(cfg.StartupSizeScalar, v.SizeScalar, 1e-9)
	r.InDelta(0.6, v.MinMapStrength, 1e-9)
	r.Equal(2, v.MinPathDepth)
}

func TestStartupGuard_LiveRouteWaitsForANormal(t *testing.T) {
	r := require.New(t)
	cfg := testGuardCfg(t)
	cfg.RequireANormalLive = true
	l := New(0)
	state := &model.EngineState{InitialCapitalUsd: 2000}
	nowTs := cfg.StartupWindowMs + 1

	v := l.Evaluate(state, cfg, true, nowTs)
	r.True(v.Blocked)
	r.Equal("startup_a_not_normal", v.Reason)

	l.SetANormal(true)
	r.False(l.Evaluate(state, cfg, true, nowTs).Blocked)
}

func TestTimeoutLossAlert_ThresholdAndCooldown(t *testing.T) {
	r := require.New(t)
	cfg := testGuardCfg(t)
	cfg.TimeoutLossOnlyThreshold = 2
	cfg.TimeoutLossOnlyCooldownMs = 10000
	var a TimeoutLossAlert
	state := &model.EngineState{}

	r.False(a.Observe(state, "timeout_loss_only", cfg, 1000000))
	r.True(a.Observe(state, "timeout_loss_only", cfg, 1001000))
	// still above threshold but inside the cooldown: silent
	r.False(a.Observe(state, "timeout_loss_only", cfg, 1002000))
	// any other exit signal resets the run
	r.False(a.Observe(state, "tp_hit", cfg, 1003000))
	r.Zero(state.ConsecutiveTimeoutLossOnly)
}

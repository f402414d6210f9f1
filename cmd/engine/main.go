// Command engine is the driver-loop entrypoint. It wires the feed,
// structure cache, decision engine, exit/guard layers, trade log, and
// notification dispatcher into a single tick-synchronous loop: every
// collaborator is constructed here and passed down by value/pointer,
// nothing is a global.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"btcperp-engine/internal/capital"
	"btcperp-engine/internal/decision"
	"btcperp-engine/internal/engine"
	"btcperp-engine/internal/exitpolicy"
	"btcperp-engine/internal/feed"
	"btcperp-engine/internal/model"
	"btcperp-engine/internal/notify"
	"btcperp-engine/internal/structure"
	"btcperp-engine/internal/tradeconfig"
	"btcperp-engine/internal/tradelog"
)

// services bundles every long-lived collaborator the driver loop reads
// from or writes to; constructed once in main and never reachable through
// package-level state.
type services struct {
	cfg      *tradeconfig.Watcher
	feed     *feed.Feed
	structCache structure.Cache
	engine   *engine.State
	notifier *notify.Dispatcher
	log      *tradelog.Writer
	capital  capital.Snapshot
	live     bool

	initialBar structure.BarState

	tradeLogPath       string
	medianCaptureRatio float64

	// barUpdates carries periodic REST re-fetches of the 1h range into the
	// driver loop so the loop itself never performs the REST call.
	barUpdates chan structure.BarState
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("engine: no .env file found, relying on OS environment variables")
	}

	symbol := flag.String("symbol", envOr("ENGINE_SYMBOL", "BTCUSDT"), "futures symbol to trade")
	streamURL := flag.String("stream-url", envOr("ENGINE_STREAM_URL", "wss://fstream.binance.com"), "combined-stream websocket base URL")
	configPath := flag.String("config", envOr("ENGINE_CONFIG", "config.json"), "path to the trade-config JSON document")
	capitalPath := flag.String("capital", envOr("ENGINE_CAPITAL_FILE", "capital.json"), "path to the capital/equity snapshot JSON")
	tradeLogPath := flag.String("trade-log", envOr("LOG_TRADES_PATH", "trades.jsonl"), "path to the append-only JSONL trade log")
	revision := flag.String("revision", envOr("B_LOGIC_REVISION", "dev"), "logic revision tag recorded with every trade")
	live := flag.Bool("live", routeIsLive(), "whether this run is the live route")
	snapshotRefreshSec := flag.Int("snapshot-refresh-sec", envInt("B1_SNAPSHOT_REFRESH_SEC", 300), "seconds between 1h-range REST re-fetches")
	flag.Parse()

	cfgWatcher, err := tradeconfig.NewWatcher(*configPath)
	if err != nil {
		log.Fatalf("engine: fatal config error: %v", err)
	}

	tlog, err := tradelog.Open(*tradeLogPath, *revision, 10*time.Minute, 4096)
	if err != nil {
		log.Fatalf("engine: cannot open trade log %s: %v", *tradeLogPath, err)
	}
	defer tlog.Close()

	notifier := notify.New(os.Getenv("TELEGRAM_BOT_TOKEN"), notify.ParseChatID(os.Getenv("TELEGRAM_CHAT_ID")), os.Getenv("FIREBASE_CREDENTIALS_FILE"))

	cap := capital.Read(*capitalPath)
	initialCapital := cap.InitialCapitalUsd
	if initialCapital <= 0 {
		initialCapital = 1000
	}

	svc := &services{
		cfg:      cfgWatcher,
		feed:     feed.New(*streamURL, *symbol),
		engine:   engine.New(time.Now().UnixMilli(), initialCapital),
		notifier: notifier,
		log:      tlog,
		capital:  cap,
		live:     *live,
		tradeLogPath: *tradeLogPath,
		barUpdates:   make(chan structure.BarState, 1),
	}
	svc.medianCaptureRatio = tradelog.MedianCaptureRatio(*tradeLogPath, cfgWatcher.Get().Decision.CaptureSampleN)

	var initialBar structure.BarState
	if high, low, err := feed.FetchHourlyRange(context.Background(), os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY"), *symbol); err != nil {
		log.Printf("engine: hourly-range bootstrap failed, starting with an empty bar: %v", err)
	} else if high > 0 && low > 0 {
		initialBar = structure.BarState{Bar1hHigh: high, Bar1hLow: low, Bar1hReady: true, Bar15mRange: high - low}
	}
	svc.initialBar = initialBar

	stop := make(chan struct{})
	go svc.feed.Run(stop)
	go svc.feed.RunOpenInterestPoll(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY"), 30*time.Second, stop)
	go svc.notifier.Run(stop)
	go svc.runBarRefresh(*symbol, time.Duration(*snapshotRefreshSec)*time.Second, stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	log.Printf("engine: running for %s against %s (live=%v)", *symbol, *streamURL, *live)
	svc.run(stop, sigCh)
	log.Println("engine: shutdown complete")
}

// run is the tick-synchronous driver loop: every MarketTick is processed
// to completion (structure rebuild, decision, engine fold, effect drain)
// before the next tick is read. Feed reads and notification sends happen
// off this loop, on their own goroutines.
func (s *services) run(stop chan struct{}, sigCh chan os.Signal) {
	bar := s.initialBar
	var regime model.RegimeState = model.RegimeRange

	for {
		select {
		case <-sigCh:
			close(stop)
			return
		case nb := <-s.barUpdates:
			// a REST re-fetch replaces the tick-accumulated range wholesale;
			// subsequent ticks keep widening it as before
			bar = nb
		case tick, ok := <-s.feed.Ticks:
			if !ok {
				return
			}
			s.processTick(tick, &bar, &regime)
		}
	}
}

// runBarRefresh periodically re-fetches the 1h range over REST and hands
// the result to the driver loop via barUpdates, so the tick-accumulated
// range never drifts arbitrarily far from the venue's actual bar.
func (s *services) runBarRefresh(symbol string, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			high, low, err := feed.FetchHourlyRange(context.Background(), os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY"), symbol)
			if err != nil || high <= 0 || low <= 0 || high <= low {
				if err != nil {
					log.Printf("engine: 1h-range refresh failed: %v", err)
				}
				continue
			}
			nb := structure.BarState{Bar1hHigh: high, Bar1hLow: low, Bar1hReady: true, Bar15mRange: high - low}
			select {
			case s.barUpdates <- nb:
			default:
			}
		}
	}
}

func (s *services) processTick(tick model.MarketTick, bar *structure.BarState, regime *model.RegimeState) {
	s.cfg.Poll()
	cfg := s.cfg.Get()
	nowTs := tick.TsMs

	updateBar(bar, tick)
	snap := s.structCache.Get(tick, *bar, &cfg.Structure)
	srv := snap.Clusters
	prevRegime := *regime
	*regime = regimeFromVelocity(tick.VelocityBps, *regime)

	equity := s.capital.BaseEquityLiveUsd
	if equity <= 0 {
		equity = s.engine.Engine.InitialCapitalUsd
	}

	pos := s.engine.Engine.Position
	payload := s.buildSizingPayload(tick, bar, snap, srv, equity, nowTs, cfg)

	// The decision is always computed as if flat: while a position is open
	// the engine refuses entry itself, and the exit machine needs the
	// would-be side for the reverse-side close case.
	dec := decision.DecideTradeB2(payload, decision.AnalysisResult{Regime: *regime}, snap, srv, false, &cfg.Decision)

	env := buildExitEnv(tick, srv, pos, *regime, prevRegime, &cfg.Exit)
	effects := s.engine.Tick(tick, dec, env, cfg, s.live, nowTs)
	s.drainEffects(effects)
}

// buildSizingPayload derives the sizing inputs (trend strength, regime
// alignment/damping, angle/wall boosts) and the quality scalars from the
// current tick, structure snapshot, and engine state, the same way
// buildExitEnv projects exitpolicy.Env from the same raw sources. None of
// this is a second data feed: every input here is already read by
// structCache.Get, the feed, or the guard layer's own startup ramp.
func (s *services) buildSizingPayload(tick model.MarketTick, bar *structure.BarState, snap model.StructureSnapshot, srv model.SrClusterView, equity float64, nowTs int64, cfg *tradeconfig.TradeConfig) decision.Payload {
	payload := decision.Payload{
		Equity: equity, Bar15mRange: bar.Bar15mRange, MedianCaptureRatio: s.medianCaptureRatio,
		FundingRate: tick.FundingRate, MarkOraclePremium: tick.MarkOraclePremium, OpenInterest: tick.OpenInterest,
	}
	if fw, ok := tick.Flow[5000]; ok {
		payload.Flow5, payload.Flow5OK = fw, fw.TradeCount > 0
	}
	if fw, ok := tick.Flow[60000]; ok {
		payload.Flow60, payload.Flow60OK = fw, fw.TradeCount > 0
	}

	channelT := 0.5
	if snap.Rails.Valid() {
		channelT = snap.Rails.ChannelT(tick.Mid)
	}
	// acenterDamping is 1 at the channel's center (no edge to trade off of)
	// and falls to 0 at either rail; nearEdge already requires mid be off
	// center before a decision reaches Size(), so this is rarely at its max.
	payload.ACenterDamping = clamp01(1 - 2*math.Abs(channelT-0.5))

	edgeDir := 0.0
	switch {
	case channelT > 0.5:
		edgeDir = 1
	case channelT < 0.5:
		edgeDir = -1
	}
	velRef := cfg.Exit.StressVelocityBps
	if velRef <= 0 {
		velRef = 1
	}
	if aligned := tick.VelocityBps * edgeDir; aligned > 0 {
		payload.RegimeAlignment = clamp01(aligned / velRef)
	}

	if bar.Bar1hReady && bar.Bar1hHigh > bar.Bar1hLow {
		barMid := (bar.Bar1hHigh + bar.Bar1hLow) / 2
		payload.Angle1hBoost = clamp01(edgeDir*(tick.Mid-barMid)/(bar.Bar1hHigh-bar.Bar1hLow)) * 0.3
	}
	if edgeDir != 0 && tick.VelocityBps*edgeDir > 0 {
		payload.Angle15mBoost = clamp01(math.Abs(tick.VelocityBps)/velRef) * 0.2
	}
	payload.ClusterWallBoost = clamp01(srv.MapStrength) * 0.2

	switch {
	case math.Abs(tick.VelocityBps) >= velRef && srv.MapStrength >= cfg.Decision.MapStrengthContinuationMin:
		payload.TrendStrength = "STRONG"
	case math.Abs(tick.VelocityBps) < velRef/2:
		payload.TrendStrength = "weak"
	default:
		payload.TrendStrength = "normal"
	}

	payload.StructureQualityScalar = snap.StructureQuality
	if payload.Flow60OK {
		payload.FlowScalar = 1 + clamp01(math.Abs(payload.Flow60.FlowPressure))*0.2
		payload.AccelerationScalar = 1 + clamp01(math.Abs(payload.Flow60.Acceleration))*0.2
	}
	if payload.Flow5OK {
		payload.ImpactScalar = 1 + clamp01(payload.Flow5.TradeRatePerSec/50)*0.1
		payload.EntryQualityScalar = 1 + clamp01(math.Abs(payload.Flow5.FlowPressure))*0.2
	}
	payload.CtxWsScalar = 1
	if (tick.FundingRate > 0 && tick.MarkOraclePremium > 0) || (tick.FundingRate < 0 && tick.MarkOraclePremium < 0) {
		payload.CtxWsScalar = 0.9 // funding/premium already leaning hard one way, trade it with less confidence
	}
	payload.LadderAttackScalar = 1
	if cfg.Decision.PathDepthContinuationMin > 0 && srv.PathDepth >= cfg.Decision.PathDepthContinuationMin {
		payload.LadderAttackScalar = 1 + clamp01(float64(srv.PathDepth)/float64(cfg.Decision.PathDepthContinuationMin))*0.1
	}

	payload.StartupScalar = 1
	if elapsed := nowTs - s.engine.Engine.StartedAtMs; elapsed >= 0 && elapsed <= cfg.Guard.StartupWindowMs && cfg.Guard.StartupSizeScalar > 0 {
		payload.StartupScalar = cfg.Guard.StartupSizeScalar
	}

	return payload
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// buildExitEnv derives the exitpolicy.Env inputs the dynamic loss
// parameters and depth-aware/environment-drift signals need from the raw
// tick, the current SR cluster view, and the open position (if any).
// Nothing here mutates tick/srv/pos; it is pure projection.
func buildExitEnv(tick model.MarketTick, srv model.SrClusterView, pos *model.Position, regime, prevRegime model.RegimeState, e *tradeconfig.Exit) exitpolicy.Env {
	env := exitpolicy.Env{
		Regime:        regime,
		RegimeShifted: regime != prevRegime,
		Stressed: tick.SpreadBps >= e.StressSpreadBps ||
			math.Abs(tick.VelocityBps) >= e.StressVelocityBps ||
			tick.CShock >= e.StressCShock,
	}
	if pos == nil {
		return env
	}

	if pos.Side == model.SideBuy {
		env.HostileFunding = tick.FundingRate > 0 && tick.MarkOraclePremium > 0
		if tick.VelocityBps >= 0 {
			env.AlignedVelocityBps = tick.VelocityBps
		} else {
			env.OppositeVelocityBps = -tick.VelocityBps
		}
	} else {
		env.HostileFunding = tick.FundingRate < 0 && tick.MarkOraclePremium < 0
		if tick.VelocityBps <= 0 {
			env.AlignedVelocityBps = -tick.VelocityBps
		} else {
			env.OppositeVelocityBps = tick.VelocityBps
		}
	}

	near, far := srv.NextDown, srv.NextUp
	if pos.Side == model.SideSell {
		near, far = srv.NextUp, srv.NextDown
	}
	if near != nil {
		env.NearBandNotionalUsd = near.NotionalUsd
		env.NearAvgNotionalUsd = near.NotionalUsd
	}
	if baseline, ok := pos.EntryContext.SizeFactors["entryNearBandNotionalUsd"]; ok {
		env.BaselineNotionalUsd = baseline
	}
	if far != nil {
		env.WallNotionalUsd = far.NotionalUsd
		env.WallIsFarSide = true
	}
	return env
}

func (s *services) drainEffects(effects []engine.Effect) {
	closedAny := false
	for _, eff := range effects {
		switch eff.Kind {
		case "trade_record":
			quality := "ok"
			if eff.Record.ExitDetail == "blockedByFeeGuard" || eff.Record.CaptureRatio == 0 {
				quality = "partial"
			}
			if err := s.log.Append(eff.Record, quality); err != nil {
				log.Printf("engine: trade log append failed: %v", err)
			}
			s.notifier.Enqueue(notify.TradeClosedEvent(eff.Record))
			closedAny = true
		case "guard_locked":
			s.notifier.Enqueue(notify.GuardLockedEvent(eff.Notify))
		case "notify":
			s.notifier.Enqueue(notify.Event{Kind: "alert", Text: eff.Notify})
		}
	}
	if closedAny {
		s.medianCaptureRatio = tradelog.MedianCaptureRatio(s.tradeLogPath, s.cfg.Get().Decision.CaptureSampleN)
	}
}

// updateBar widens the bar's high/low to include each tick's mid and sets
// Bar15mRange to that same high-low span. Nothing rolls off with time:
// the range only resets when a REST bar refresh replaces it, and no
// separate 15m window is tracked.
func updateBar(bar *structure.BarState, tick model.MarketTick) {
	if !bar.Bar1hReady || tick.Mid > bar.Bar1hHigh {
		bar.Bar1hHigh = tick.Mid
	}
	if !bar.Bar1hReady || tick.Mid < bar.Bar1hLow {
		bar.Bar1hLow = tick.Mid
	}
	bar.Bar1hReady = true
	bar.Bar15mRange = bar.Bar1hHigh - bar.Bar1hLow
}

func regimeFromVelocity(velocityBps float64, prev model.RegimeState) model.RegimeState {
	switch {
	case velocityBps > 2:
		return model.RegimeUp
	case velocityBps < -2:
		return model.RegimeDown
	case velocityBps == 0:
		return prev
	default:
		return model.RegimeRange
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// routeIsLive resolves the MODE/TEST_MODE route-selection contract:
// MODE=live selects the live route unless TEST_MODE=1 overrides it back
// to test.
func routeIsLive() bool {
	if os.Getenv("TEST_MODE") == "1" {
		return false
	}
	return os.Getenv("MODE") == "live"
}

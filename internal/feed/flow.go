package feed

import "btcperp-engine/internal/model"

// largeTradeUsd marks a single print as "large" for FlowWindow.LargeTradeCnt.
const largeTradeUsd = 50000

type tradeEvent struct {
	tsMs     int64
	notional float64
	isBuy    bool
}

// tradeBuffer is a bounded ring of recent trades used to compute
// FlowWindow aggregates over several window lengths without rescanning
// the whole trade history on each tick.
type tradeBuffer struct {
	events []tradeEvent
}

const maxBufferedTrades = 20000

func (b *tradeBuffer) add(e tradeEvent) {
	b.events = append(b.events, e)
	if len(b.events) > maxBufferedTrades {
		b.events = b.events[len(b.events)-maxBufferedTrades:]
	}
}

// window aggregates trades in (now-windowMs, now] into a FlowWindow.
func (b *tradeBuffer) window(nowMs, windowMs int64) model.FlowWindow {
	cutoff := nowMs - windowMs
	var buyUsd, sellUsd float64
	var count, large int
	halfCutoff := nowMs - windowMs/2
	var buyUsdFirstHalf, sellUsdFirstHalf, buyUsdSecondHalf, sellUsdSecondHalf float64

	for i := len(b.events) - 1; i >= 0; i-- {
		e := b.events[i]
		if e.tsMs <= cutoff {
			break
		}
		count++
		if e.notional >= largeTradeUsd {
			large++
		}
		if e.isBuy {
			buyUsd += e.notional
		} else {
			sellUsd += e.notional
		}
		if e.tsMs <= halfCutoff {
			if e.isBuy {
				buyUsdFirstHalf += e.notional
			} else {
				sellUsdFirstHalf += e.notional
			}
		} else {
			if e.isBuy {
				buyUsdSecondHalf += e.notional
			} else {
				sellUsdSecondHalf += e.notional
			}
		}
	}

	fw := model.FlowWindow{WindowMs: windowMs, TradeCount: count, BuyUsd: buyUsd, SellUsd: sellUsd, LargeTradeCnt: large}
	if buyUsd+sellUsd > 0 {
		fw.FlowPressure = (buyUsd - sellUsd) / (buyUsd + sellUsd)
	}
	firstPressure := pressure(buyUsdFirstHalf, sellUsdFirstHalf)
	secondPressure := pressure(buyUsdSecondHalf, sellUsdSecondHalf)
	fw.Acceleration = secondPressure - firstPressure
	if windowMs > 0 {
		fw.TradeRatePerSec = float64(count) / (float64(windowMs) / 1000)
	}
	return fw
}

func pressure(buy, sell float64) float64 {
	if buy+sell <= 0 {
		return 0
	}
	return (buy - sell) / (buy + sell)
}

// Package model holds the plain data types shared by every engine component:
// the normalized market view, the structural view derived from it, the
// open-position record, and the decision packet that flows between them.
package model

import "math"

// PriceLevel is one rung of a normalized order-book ladder.
type PriceLevel struct {
	Price      float64
	Size       float64
	NotionalUsd float64
}

// FlowWindow summarizes trade flow over a single window length.
type FlowWindow struct {
	WindowMs       int64
	TradeCount     int
	BuyUsd         float64
	SellUsd        float64
	FlowPressure   float64 // (buy-sell)/(buy+sell), in [-1,1]
	Acceleration   float64
	LargeTradeCnt  int
	TradeRatePerSec float64
}

// MarketTick is the single normalized snapshot the engine evaluates per tick.
type MarketTick struct {
	Symbol    string
	TsMs      int64
	Mid       float64
	BestBid   float64
	BestAsk   float64
	Bids      []PriceLevel // monotonic outward from best bid
	Asks      []PriceLevel // monotonic outward from best ask
	SpreadBps float64
	VelocityBps float64 // signed
	CShock    float64   // dimensionless shock metric
	FundingRate float64
	MarkOraclePremium float64
	OpenInterest float64

	// Flow keyed by window length in ms: 5000, 30000, 60000.
	Flow map[int64]FlowWindow
}

// Valid reports whether the tick carries a usable mid/bid/ask.
func (t MarketTick) Valid() bool {
	return t.Mid > 0 && t.BestBid > 0 && t.BestAsk > 0 &&
		IsFinite(t.Mid) && IsFinite(t.BestBid) && IsFinite(t.BestAsk)
}

// IsFinite reports whether f is neither NaN nor +/-Inf.
func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

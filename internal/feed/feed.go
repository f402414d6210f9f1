// Package feed is the combined-stream Binance transport adapter that
// normalizes raw depth/aggTrade/markPrice messages into model.MarketTick.
// It is the only package that touches the wire; everything downstream
// sees the normalized tick or nothing.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"btcperp-engine/internal/model"
)

const (
	flow5sMs  = 5000
	flow30sMs = 30000
	flow60sMs = 60000
)

type binanceCombinedMsg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceTradeData struct {
	Price string `json:"p"`
	Qty   string `json:"q"`
	IsBuy bool   `json:"m"` // m=true means the buyer is the market maker -> aggressor sold
	Time  int64  `json:"T"`
}

type binanceDepthData struct {
	Bids [][]string `json:"b"`
	Asks [][]string `json:"a"`
}

type binanceMarkPriceData struct {
	MarkPrice   string `json:"p"`
	IndexPrice  string `json:"i"`
	FundingRate string `json:"r"`
}

// Feed dials the combined stream for one symbol and publishes a
// normalized MarketTick on Ticks after every depth update; trade updates
// only feed the flow windows that the next depth-driven tick carries.
type Feed struct {
	symbol string
	url    string
	Ticks  chan model.MarketTick

	mu         sync.Mutex
	bestBid    float64
	bestAsk    float64
	bids       []model.PriceLevel
	asks       []model.PriceLevel
	prevMid    float64
	fundingRate float64
	markPremium float64
	openInterest float64

	trades tradeBuffer
}

// New constructs a Feed for symbol against a combined-stream endpoint,
// subscribing the depth, aggTrade, and markPrice streams (book, flow,
// funding/premium).
func New(baseURL, symbol string) *Feed {
	lower := strings.ToLower(symbol)
	streams := fmt.Sprintf("%s@depth20@100ms/%s@aggTrade/%s@markPrice@1s", lower, lower, lower)
	return &Feed{
		symbol: symbol,
		url:    fmt.Sprintf("%s/stream?streams=%s", baseURL, streams),
		Ticks:  make(chan model.MarketTick, 64),
	}
}

// Run dials and reads until the stop channel closes, reconnecting with
// jittered exponential backoff on any read/dial error. It runs on its
// own goroutine so it never blocks tick processing.
func (f *Feed) Run(stop <-chan struct{}) {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		if err != nil {
			d := b.Duration()
			log.Printf("feed: dial %s failed, retrying in %s: %v", f.symbol, d, err)
			time.Sleep(d)
			continue
		}
		b.Reset()

		f.readLoop(conn, stop)
		conn.Close()
	}
}

// RunOpenInterestPoll periodically refreshes f's open-interest reading via
// FetchOpenInterest, since the combined WS streams carry no OI field.
// Runs on its own goroutine, the same off-loop pattern as Run, so a slow or
// failing REST call never stalls tick processing.
func (f *Feed) RunOpenInterestPoll(apiKey, secretKey string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			oi, err := FetchOpenInterest(context.Background(), apiKey, secretKey, f.symbol)
			if err != nil {
				log.Printf("feed: open-interest poll failed for %s: %v", f.symbol, err)
				continue
			}
			f.mu.Lock()
			f.openInterest = oi
			f.mu.Unlock()
		}
	}
}

func (f *Feed) readLoop(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Printf("feed: read error for %s: %v", f.symbol, err)
			return
		}
		f.handleMessage(msg)
	}
}

func (f *Feed) handleMessage(msg []byte) {
	var combined binanceCombinedMsg
	if err := json.Unmarshal(msg, &combined); err != nil {
		return
	}
	suffix := streamSuffix(combined.Stream)

	switch {
	case strings.HasPrefix(suffix, "depth"):
		var d binanceDepthData
		if err := json.Unmarshal(combined.Data, &d); err != nil {
			return
		}
		f.applyDepth(d)
		f.publishTick()
	case suffix == "aggTrade":
		var tr binanceTradeData
		if err := json.Unmarshal(combined.Data, &tr); err != nil {
			return
		}
		f.applyTrade(tr)
	case strings.HasPrefix(suffix, "markPrice"):
		var mp binanceMarkPriceData
		if err := json.Unmarshal(combined.Data, &mp); err != nil {
			return
		}
		f.applyMarkPrice(mp)
	}
}

func streamSuffix(stream string) string {
	parts := strings.Split(stream, "@")
	if len(parts) < 2 {
		return ""
	}
	return strings.Join(parts[1:], "@")
}

func (f *Feed) applyDepth(d binanceDepthData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bids = parseLevels(d.Bids)
	f.asks = parseLevels(d.Asks)
	if len(f.bids) > 0 {
		f.bestBid = f.bids[0].Price
	}
	if len(f.asks) > 0 {
		f.bestAsk = f.asks[0].Price
	}
}

func parseLevels(raw [][]string) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		px, err1 := strconv.ParseFloat(lvl[0], 64)
		sz, err2 := strconv.ParseFloat(lvl[1], 64)
		if err1 != nil || err2 != nil || sz <= 0 {
			continue
		}
		out = append(out, model.PriceLevel{Price: px, Size: sz, NotionalUsd: px * sz})
	}
	return out
}

func (f *Feed) applyTrade(tr binanceTradeData) {
	price, err1 := strconv.ParseFloat(tr.Price, 64)
	qty, err2 := strconv.ParseFloat(tr.Qty, 64)
	if err1 != nil || err2 != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades.add(tradeEvent{tsMs: tr.Time, notional: price * qty, isBuy: !tr.IsBuy})
}

func (f *Feed) applyMarkPrice(mp binanceMarkPriceData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, err := strconv.ParseFloat(mp.FundingRate, 64); err == nil {
		f.fundingRate = r
	}
	mark, err1 := strconv.ParseFloat(mp.MarkPrice, 64)
	index, err2 := strconv.ParseFloat(mp.IndexPrice, 64)
	if err1 == nil && err2 == nil && index != 0 {
		f.markPremium = (mark - index) / index
	}
}

// publishTick assembles the current book/flow state into a MarketTick and
// sends it (non-blocking: a full channel drops the tick rather than
// stalling the websocket read loop).
func (f *Feed) publishTick() {
	f.mu.Lock()
	if f.bestBid <= 0 || f.bestAsk <= 0 {
		f.mu.Unlock()
		return
	}
	mid := (f.bestBid + f.bestAsk) / 2
	now := time.Now().UnixMilli()
	spreadBps := (f.bestAsk - f.bestBid) / mid * 10000
	velocityBps := 0.0
	if f.prevMid > 0 {
		velocityBps = (mid - f.prevMid) / f.prevMid * 10000
	}
	f.prevMid = mid

	tick := model.MarketTick{
		Symbol: f.symbol, TsMs: now, Mid: mid, BestBid: f.bestBid, BestAsk: f.bestAsk,
		Bids: append([]model.PriceLevel{}, f.bids...), Asks: append([]model.PriceLevel{}, f.asks...),
		SpreadBps: spreadBps, VelocityBps: velocityBps,
		FundingRate: f.fundingRate, MarkOraclePremium: f.markPremium, OpenInterest: f.openInterest,
		Flow: map[int64]model.FlowWindow{
			flow5sMs:  f.trades.window(now, flow5sMs),
			flow30sMs: f.trades.window(now, flow30sMs),
			flow60sMs: f.trades.window(now, flow60sMs),
		},
	}
	f.mu.Unlock()

	select {
	case f.Ticks <- tick:
	default:
	}
}

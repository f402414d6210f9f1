package feed

import (
	"context"
	"strconv"

	"github.com/adshao/go-binance/v2/futures"
)

// FetchHourlyRange bootstraps the active 1h bar's high/low from the REST
// klines endpoint. Called at startup so the structure cache doesn't
// have to wait a full hour to learn a sane Bar1hHigh/Bar1hLow from the
// websocket feed alone, and again by the driver's periodic bar refresh.
//
// apiKey/secretKey may be empty: klines is a public endpoint and the
// client works unauthenticated for public reads.
func FetchHourlyRange(ctx context.Context, apiKey, secretKey, symbol string) (high, low float64, err error) {
	client := futures.NewClient(apiKey, secretKey)
	klines, err := client.NewKlinesService().Symbol(symbol).Interval("1h").Limit(1).Do(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(klines) == 0 {
		return 0, 0, nil
	}
	k := klines[len(klines)-1]
	high, err = strconv.ParseFloat(k.High, 64)
	if err != nil {
		return 0, 0, err
	}
	low, err = strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return 0, 0, err
	}
	return high, low, nil
}

// FetchOpenInterest reads the current open-interest snapshot for symbol,
// the same read-only *futures.Client REST pattern FetchHourlyRange uses.
// The oiPriceTrapGate needs a nonzero OpenInterest on MarketTick to ever
// guard anything; this is the only source of it, Binance's combined WS
// streams carry no open-interest field.
func FetchOpenInterest(ctx context.Context, apiKey, secretKey, symbol string) (float64, error) {
	client := futures.NewClient(apiKey, secretKey)
	oi, err := client.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseFloat(oi.OpenInterest, 64)
	if err != nil {
		return 0, err
	}
	return val, nil
}

package candles

import (
	"github.com/cs-darshan/binance-data-collector/internal/model"
)

// Finalize turns a closed window into an immutable candle.
//
// It is a pure computation; publishing the candle is the caller's job.
func Finalize(pair string, ws *WindowState) model.Candle {
	return model.Candle{
		Pair:                pair,
		StartTime:           ws.StartTime(),
		Interval:            ws.Interval,
		Open:                ws.Open,
		High:                ws.High,
		Low:                 ws.Low,
		Close:               ws.Close,
		Volume:              ws.Volume,
		BuyerVolume:         ws.BuyerVolume,
		SellerVolume:        ws.SellerVolume,
		NumBuyerTrades:      ws.NumBuyerTrades,
		NumSellerTrades:     ws.NumSellerTrades,
		PowerPosition:       powerPosition(ws.NumBuyerTrades, ws.NumSellerTrades),
		MaxBuyersPerSecond:  peak(ws.buyersPerSecond[:]),
		MaxSellersPerSecond: peak(ws.sellersPerSecond[:]),
		TradeCount:          ws.TradeCount,
		Closure:             ws.Closure,
	}
}

func powerPosition(buyers, sellers int) int {
	switch {
	case buyers > sellers:
		return 1
	case sellers > buyers:
		return -1
	default:
		return 0
	}
}

func peak(counts []int) int {
	m := 0
	for _, c := range counts {
		if c > m {
			m = c
		}
	}
	return m
}

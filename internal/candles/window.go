package candles

import (
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/model"

	"github.com/shopspring/decimal"
)

// WindowState holds the running statistics of one open window.
//
// It is owned by the Accumulator while the window accepts trades and handed
// to Finalize exactly once when the window closes.
type WindowState struct {
	Key      WindowKey
	Interval time.Duration

	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal

	BuyerVolume     decimal.Decimal
	SellerVolume    decimal.Decimal
	NumBuyerTrades  int
	NumSellerTrades int

	// per-second trade counts, indexed by SecondIndex
	buyersPerSecond  [SecondsPerWindow]int
	sellersPerSecond [SecondsPerWindow]int

	TradeCount  int
	FirstSeenAt time.Time
	LastSeenAt  time.Time

	Closure model.Closure
}

func newWindowState(key WindowKey, interval time.Duration, trade model.TradeEvent, seenAt time.Time) *WindowState {
	ws := &WindowState{
		Key:          key,
		Interval:     interval,
		Open:         trade.Price,
		High:         trade.Price,
		Low:          trade.Price,
		Close:        trade.Price,
		Volume:       decimal.Zero,
		BuyerVolume:  decimal.Zero,
		SellerVolume: decimal.Zero,
		FirstSeenAt:  seenAt,
	}
	ws.add(trade, seenAt)
	return ws
}

// add folds one trade into the window. Close follows arrival order, not
// timestamp order.
func (ws *WindowState) add(trade model.TradeEvent, seenAt time.Time) {
	if trade.Price.GreaterThan(ws.High) {
		ws.High = trade.Price
	}
	if trade.Price.LessThan(ws.Low) {
		ws.Low = trade.Price
	}
	ws.Close = trade.Price
	ws.Volume = ws.Volume.Add(trade.Quantity)

	sec := SecondIndex(trade.Timestamp.UnixMilli(), ws.Key)
	if trade.BuyerInitiated() {
		ws.NumBuyerTrades++
		ws.BuyerVolume = ws.BuyerVolume.Add(trade.Quantity)
		ws.buyersPerSecond[sec]++
	} else {
		ws.NumSellerTrades++
		ws.SellerVolume = ws.SellerVolume.Add(trade.Quantity)
		ws.sellersPerSecond[sec]++
	}

	ws.TradeCount++
	ws.LastSeenAt = seenAt
}

// StartTime returns the window start as a UTC time.
func (ws *WindowState) StartTime() time.Time {
	return time.UnixMilli(int64(ws.Key)).UTC()
}

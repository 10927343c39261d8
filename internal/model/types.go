// Package model defines core data types for the trade candle collector.
//
// This package contains the structures shared by the exchange transport, the
// aggregation engine and the storage sinks. All monetary values use
// decimal.Decimal so repeated aggregation never accumulates floating-point error.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeEvent is a normalized trade from the exchange feed.
//
// IsBuyerMaker mirrors Binance's "m" flag: true means the resting order was a
// buy, so the taker (aggressor) sold.
type TradeEvent struct {
	Pair         string          // Trading pair symbol (e.g., "ETH-USDT")
	TradeID      int64           // Exchange trade identifier, 0 when unknown
	Price        decimal.Decimal // Trade execution price
	Quantity     decimal.Decimal // Volume of base asset traded
	Timestamp    time.Time       // Exchange timestamp of the trade
	IsBuyerMaker bool            // True when the taker was a seller
	ReceivedAt   time.Time       // Local wall time the message was read
}

// BuyerInitiated reports whether the taker of the trade was a buyer.
func (t TradeEvent) BuyerInitiated() bool {
	return !t.IsBuyerMaker
}

// StreamEventKind distinguishes the events delivered by a trade feed.
type StreamEventKind int

const (
	// TradeMessage carries one raw exchange message.
	TradeMessage StreamEventKind = iota

	// StreamGap signals that the feed resumed after a connection loss.
	StreamGap
)

func (k StreamEventKind) String() string {
	switch k {
	case TradeMessage:
		return "trade"
	case StreamGap:
		return "gap"
	default:
		return "unknown"
	}
}

// Gap describes an interruption of the trade feed.
type Gap struct {
	LastSeenBefore time.Time // Wall time of the last message before the outage
	ResumedAt      time.Time // Wall time the connection was re-established
}

// Duration returns the length of the outage.
func (g Gap) Duration() time.Duration {
	if g.LastSeenBefore.IsZero() {
		return 0
	}
	return g.ResumedAt.Sub(g.LastSeenBefore)
}

// StreamEvent is one element of the sequential feed produced by an exchange
// connector: either a raw trade message or a gap signal.
type StreamEvent struct {
	Kind       StreamEventKind
	Raw        []byte    // Raw message, set for TradeMessage
	ReceivedAt time.Time // Local wall time of receipt
	Gap        Gap       // Set for StreamGap
}

// Closure records why a candle window was finalized.
type Closure int

const (
	// ClosureBoundary means a trade for a later window arrived.
	ClosureBoundary Closure = iota

	// ClosureGap means the feed reported an outage of at least one window.
	ClosureGap

	// ClosureStale means no trade arrived within the staleness timeout.
	ClosureStale

	// ClosureShutdown means the feed ended while the window was open.
	ClosureShutdown
)

func (c Closure) String() string {
	switch c {
	case ClosureBoundary:
		return "boundary"
	case ClosureGap:
		return "gap"
	case ClosureStale:
		return "stale"
	case ClosureShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Candle is an immutable, finalized candle for one window of one pair.
//
// Besides OHLC and volume it carries execution-side metrics: trade counts per
// aggressor side, the dominance sign and the busiest second for each side.
type Candle struct {
	Pair                string          // Trading pair symbol (e.g., "ETH-USDT")
	StartTime           time.Time       // Start of the window (inclusive)
	Interval            time.Duration   // Window width
	Open                decimal.Decimal // First trade price by arrival
	High                decimal.Decimal // Highest trade price
	Low                 decimal.Decimal // Lowest trade price
	Close               decimal.Decimal // Last trade price by arrival
	Volume              decimal.Decimal // Total quantity traded
	BuyerVolume         decimal.Decimal // Quantity of taker-buy trades
	SellerVolume        decimal.Decimal // Quantity of taker-sell trades
	NumBuyerTrades      int             // Count of taker-buy trades
	NumSellerTrades     int             // Count of taker-sell trades
	PowerPosition       int             // +1 buyers dominate, -1 sellers, 0 tie
	MaxBuyersPerSecond  int             // Peak taker-buy trades in one second
	MaxSellersPerSecond int             // Peak taker-sell trades in one second
	TradeCount          int             // Trades folded into the candle
	Closure             Closure         // Why the window closed
}

// Timestamp returns the window start in Unix milliseconds.
func (c Candle) Timestamp() int64 {
	return c.StartTime.UnixMilli()
}

// EndTime returns the exclusive end of the window.
func (c Candle) EndTime() time.Time {
	return c.StartTime.Add(c.Interval)
}

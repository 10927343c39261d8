package candles

import (
	"testing"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// windowStart is a minute boundary used as the first window in tests.
var windowStart = time.UnixMilli(1_700_000_040_000).UTC()

// createTestTrade builds a trade at windowStart plus offset.
func createTestTrade(price, quantity string, offset time.Duration, buyerMaker bool) model.TradeEvent {
	return model.TradeEvent{
		Pair:         "ETH-USDT",
		Price:        decimal.RequireFromString(price),
		Quantity:     decimal.RequireFromString(quantity),
		Timestamp:    windowStart.Add(offset),
		IsBuyerMaker: buyerMaker,
	}
}

func newTestAccumulator() *Accumulator {
	return NewAccumulator(AccumulatorConfig{
		Interval:     time.Minute,
		StaleTimeout: 90 * time.Second,
	})
}

func TestAccumulator_FirstTradeOpensWindow(t *testing.T) {
	acc := newTestAccumulator()

	_, ok := acc.Current()
	assert.False(t, ok, "should start without a window")

	closed, err := acc.Apply(createTestTrade("100", "1", 3*time.Second, false), windowStart)
	require.NoError(t, err)
	assert.Nil(t, closed)

	key, ok := acc.Current()
	require.True(t, ok)
	assert.Equal(t, WindowKey(windowStart.UnixMilli()), key)
}

func TestAccumulator_OHLCByArrival(t *testing.T) {
	acc := newTestAccumulator()

	prices := []string{"100", "105", "98", "102"}
	for i, p := range prices {
		closed, err := acc.Apply(createTestTrade(p, "0.5", time.Duration(i)*time.Second, false), windowStart)
		require.NoError(t, err)
		require.Nil(t, closed)
	}

	ws := acc.Flush()
	require.NotNil(t, ws)
	assert.True(t, ws.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, ws.High.Equal(decimal.NewFromInt(105)))
	assert.True(t, ws.Low.Equal(decimal.NewFromInt(98)))
	assert.True(t, ws.Close.Equal(decimal.NewFromInt(102)))
	assert.True(t, ws.Volume.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 4, ws.TradeCount)
	assert.Equal(t, model.ClosureShutdown, ws.Closure)
}

func TestAccumulator_CloseFollowsArrivalNotTimestamp(t *testing.T) {
	acc := newTestAccumulator()

	_, err := acc.Apply(createTestTrade("100", "1", 30*time.Second, false), windowStart)
	require.NoError(t, err)
	// earlier timestamp, later arrival
	_, err = acc.Apply(createTestTrade("90", "1", 10*time.Second, false), windowStart)
	require.NoError(t, err)

	ws := acc.Flush()
	require.NotNil(t, ws)
	assert.True(t, ws.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, ws.Close.Equal(decimal.NewFromInt(90)))
}

func TestAccumulator_AggressorClassification(t *testing.T) {
	acc := newTestAccumulator()

	for i := 0; i < 3; i++ {
		_, err := acc.Apply(createTestTrade("100", "2", time.Second, false), windowStart)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		_, err := acc.Apply(createTestTrade("100", "1", 2*time.Second, true), windowStart)
		require.NoError(t, err)
	}

	ws := acc.Flush()
	require.NotNil(t, ws)
	assert.Equal(t, 3, ws.NumBuyerTrades)
	assert.Equal(t, 5, ws.NumSellerTrades)
	assert.True(t, ws.BuyerVolume.Equal(decimal.NewFromInt(6)))
	assert.True(t, ws.SellerVolume.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 3, ws.buyersPerSecond[1])
	assert.Equal(t, 5, ws.sellersPerSecond[2])
}

func TestAccumulator_BoundaryCrossingHandsOffWindow(t *testing.T) {
	acc := newTestAccumulator()

	_, err := acc.Apply(createTestTrade("100", "1", 59*time.Second, false), windowStart)
	require.NoError(t, err)

	closed, err := acc.Apply(createTestTrade("101", "1", time.Minute, false), windowStart)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, WindowKey(windowStart.UnixMilli()), closed.Key)
	assert.Equal(t, model.ClosureBoundary, closed.Closure)
	assert.Equal(t, 1, closed.TradeCount)

	key, ok := acc.Current()
	require.True(t, ok)
	assert.Equal(t, WindowKey(windowStart.Add(time.Minute).UnixMilli()), key)
}

func TestAccumulator_ExactlyOncePerWindow(t *testing.T) {
	acc := newTestAccumulator()

	const windows = 5
	var closedKeys []WindowKey
	for w := 0; w < windows; w++ {
		for s := 0; s < 3; s++ {
			offset := time.Duration(w)*time.Minute + time.Duration(s*10)*time.Second
			closed, err := acc.Apply(createTestTrade("100", "1", offset, s%2 == 0), windowStart)
			require.NoError(t, err)
			if closed != nil {
				closedKeys = append(closedKeys, closed.Key)
			}
		}
	}
	if ws := acc.Flush(); ws != nil {
		closedKeys = append(closedKeys, ws.Key)
	}

	require.Len(t, closedKeys, windows)
	for i := 1; i < len(closedKeys); i++ {
		assert.Greater(t, closedKeys[i], closedKeys[i-1], "keys must be strictly increasing")
	}
}

func TestAccumulator_LateTradeDiscarded(t *testing.T) {
	acc := newTestAccumulator()

	_, err := acc.Apply(createTestTrade("100", "1", 10*time.Second, false), windowStart)
	require.NoError(t, err)
	closed, err := acc.Apply(createTestTrade("110", "1", time.Minute+time.Second, false), windowStart)
	require.NoError(t, err)
	require.NotNil(t, closed)
	emitted := Finalize("ETH-USDT", closed)

	// a trade for the already finalized window arrives late
	lateClosed, err := acc.Apply(createTestTrade("50", "7", 20*time.Second, true), windowStart)
	assert.ErrorIs(t, err, ErrLateTrade)
	assert.Nil(t, lateClosed)

	// the emitted candle is untouched
	assert.True(t, emitted.Low.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, emitted.TradeCount)

	// and the trade was not folded into the next window
	ws := acc.Flush()
	require.NotNil(t, ws)
	assert.Equal(t, 1, ws.TradeCount)
	assert.True(t, ws.Low.Equal(decimal.NewFromInt(110)))
	assert.Equal(t, 0, ws.NumSellerTrades)
}

func TestAccumulator_LateTradeAfterFlushDiscarded(t *testing.T) {
	acc := newTestAccumulator()

	_, err := acc.Apply(createTestTrade("100", "1", 10*time.Second, false), windowStart)
	require.NoError(t, err)
	require.NotNil(t, acc.Expire(windowStart.Add(2*time.Minute)))

	// same window, after it was force-finalized
	_, err = acc.Apply(createTestTrade("100", "1", 50*time.Second, false), windowStart)
	assert.ErrorIs(t, err, ErrLateTrade)

	_, ok := acc.Current()
	assert.False(t, ok)
}

func TestAccumulator_DuplicateTradeID(t *testing.T) {
	acc := newTestAccumulator()

	first := createTestTrade("100", "1", time.Second, false)
	first.TradeID = 42
	_, err := acc.Apply(first, windowStart)
	require.NoError(t, err)

	replay := first
	_, err = acc.Apply(replay, windowStart)
	assert.ErrorIs(t, err, ErrDuplicateTrade)

	next := createTestTrade("101", "1", 3*time.Second, false)
	next.TradeID = 43
	_, err = acc.Apply(next, windowStart)
	require.NoError(t, err)

	ws := acc.Flush()
	require.NotNil(t, ws)
	assert.Equal(t, 2, ws.TradeCount)
	assert.True(t, ws.Close.Equal(decimal.NewFromInt(101)))
}

func TestAccumulator_ReorderedTradeInWindowApplied(t *testing.T) {
	acc := newTestAccumulator()

	later := createTestTrade("101", "1", 2*time.Second, false)
	later.TradeID = 11
	_, err := acc.Apply(later, windowStart)
	require.NoError(t, err)

	earlier := createTestTrade("100", "2", time.Second, true)
	earlier.TradeID = 10
	_, err = acc.Apply(earlier, windowStart)
	require.NoError(t, err, "an older ID in the open window is not a duplicate")

	ws := acc.Flush()
	require.NotNil(t, ws)
	assert.Equal(t, 2, ws.TradeCount)
	assert.Equal(t, 1, ws.NumBuyerTrades)
	assert.Equal(t, 1, ws.NumSellerTrades)
	assert.True(t, ws.Volume.Equal(decimal.NewFromInt(3)))
	assert.True(t, ws.Close.Equal(decimal.NewFromInt(100)))
}

func TestAccumulator_TradeIDsResetPerWindow(t *testing.T) {
	acc := newTestAccumulator()

	first := createTestTrade("100", "1", time.Second, false)
	first.TradeID = 7
	_, err := acc.Apply(first, windowStart)
	require.NoError(t, err)

	// a lower ID in the next window still crosses the boundary
	next := createTestTrade("102", "1", time.Minute+time.Second, false)
	next.TradeID = 5
	closed, err := acc.Apply(next, windowStart)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, 1, closed.TradeCount)

	// the closed window's ID is no longer tracked
	reused := createTestTrade("103", "1", time.Minute+2*time.Second, false)
	reused.TradeID = 7
	_, err = acc.Apply(reused, windowStart)
	require.NoError(t, err)

	ws := acc.Flush()
	require.NotNil(t, ws)
	assert.Equal(t, 2, ws.TradeCount)
}

func TestAccumulator_GapFlushesPartialWindow(t *testing.T) {
	acc := newTestAccumulator()

	for s := 0; s <= 10; s += 2 {
		_, err := acc.Apply(createTestTrade("100", "1", time.Duration(s)*time.Second, false), windowStart)
		require.NoError(t, err)
	}

	gap := model.Gap{
		LastSeenBefore: windowStart.Add(10 * time.Second),
		ResumedAt:      windowStart.Add(3*time.Minute + 5*time.Second),
	}
	partial := acc.Gap(gap)
	require.NotNil(t, partial, "gap should finalize the open window")
	assert.Equal(t, model.ClosureGap, partial.Closure)
	assert.Equal(t, 6, partial.TradeCount)

	// resume in window K+3; no candles for K+1 and K+2
	closed, err := acc.Apply(createTestTrade("120", "1", 3*time.Minute+6*time.Second, false), windowStart)
	require.NoError(t, err)
	assert.Nil(t, closed)

	ws := acc.Flush()
	require.NotNil(t, ws)
	assert.Equal(t, WindowKey(windowStart.Add(3*time.Minute).UnixMilli()), ws.Key)
}

func TestAccumulator_ShortGapKeepsWindowOpen(t *testing.T) {
	acc := newTestAccumulator()

	_, err := acc.Apply(createTestTrade("100", "1", time.Second, false), windowStart)
	require.NoError(t, err)

	gap := model.Gap{
		LastSeenBefore: windowStart.Add(time.Second),
		ResumedAt:      windowStart.Add(8 * time.Second),
	}
	assert.Nil(t, acc.Gap(gap))

	_, err = acc.Apply(createTestTrade("101", "1", 9*time.Second, false), windowStart)
	require.NoError(t, err)

	ws := acc.Flush()
	require.NotNil(t, ws)
	assert.Equal(t, 2, ws.TradeCount)
}

func TestAccumulator_GapWithoutWindow(t *testing.T) {
	acc := newTestAccumulator()
	gap := model.Gap{LastSeenBefore: windowStart, ResumedAt: windowStart.Add(time.Hour)}
	assert.Nil(t, acc.Gap(gap))
}

func TestAccumulator_Expire(t *testing.T) {
	acc := newTestAccumulator()
	seenAt := windowStart.Add(5 * time.Second)

	_, err := acc.Apply(createTestTrade("100", "1", 5*time.Second, false), seenAt)
	require.NoError(t, err)

	assert.Nil(t, acc.Expire(seenAt.Add(30*time.Second)), "not stale yet")

	ws := acc.Expire(seenAt.Add(90 * time.Second))
	require.NotNil(t, ws)
	assert.Equal(t, model.ClosureStale, ws.Closure)
	assert.Nil(t, acc.Expire(seenAt.Add(time.Hour)), "already finalized")
}

func TestAccumulator_ExpireDisabled(t *testing.T) {
	acc := NewAccumulator(AccumulatorConfig{Interval: time.Minute})

	_, err := acc.Apply(createTestTrade("100", "1", 0, false), windowStart)
	require.NoError(t, err)
	assert.Nil(t, acc.Expire(windowStart.Add(24*time.Hour)))
}

func TestAccumulator_FlushEmpty(t *testing.T) {
	acc := newTestAccumulator()
	assert.Nil(t, acc.Flush(), "empty window produces nothing")
}

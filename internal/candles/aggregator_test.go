package candles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errMalformed = errors.New("malformed")

// MockExchangeConnector is a mock implementation of ExchangeConnector for testing.
//
// Raw messages are opaque tokens that Normalize resolves to pre-registered trades.
type MockExchangeConnector struct {
	mock.Mock

	mu     sync.Mutex
	feeds  map[string]chan model.StreamEvent
	trades map[string]model.TradeEvent
	seq    int
}

// NewMockExchangeConnector creates a new mock exchange connector.
func NewMockExchangeConnector() *MockExchangeConnector {
	return &MockExchangeConnector{
		feeds:  make(map[string]chan model.StreamEvent),
		trades: make(map[string]model.TradeEvent),
	}
}

// SubscribeToTrades implements the ExchangeConnector interface for testing.
func (m *MockExchangeConnector) SubscribeToTrades(ctx context.Context, pair string) (<-chan model.StreamEvent, error) {
	args := m.Called(ctx, pair)
	if err := args.Error(0); err != nil {
		return nil, err
	}

	ch := make(chan model.StreamEvent, 100)
	m.mu.Lock()
	m.feeds[pair] = ch
	m.mu.Unlock()
	return ch, nil
}

// Normalize implements the ExchangeConnector interface for testing.
func (m *MockExchangeConnector) Normalize(raw []byte) (model.TradeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trade, ok := m.trades[string(raw)]
	if !ok {
		return model.TradeEvent{}, errMalformed
	}
	return trade, nil
}

// SendTrade delivers a trade through the pair's feed.
func (m *MockExchangeConnector) SendTrade(trade model.TradeEvent, receivedAt time.Time) {
	m.mu.Lock()
	m.seq++
	raw := fmt.Sprintf("trade-%d", m.seq)
	m.trades[raw] = trade
	ch := m.feeds[trade.Pair]
	m.mu.Unlock()

	ch <- model.StreamEvent{Kind: model.TradeMessage, Raw: []byte(raw), ReceivedAt: receivedAt}
}

// SendRaw delivers an arbitrary raw message.
func (m *MockExchangeConnector) SendRaw(pair string, raw []byte) {
	m.feed(pair) <- model.StreamEvent{Kind: model.TradeMessage, Raw: raw, ReceivedAt: time.Now()}
}

// SendGap delivers a gap signal.
func (m *MockExchangeConnector) SendGap(pair string, gap model.Gap) {
	m.feed(pair) <- model.StreamEvent{Kind: model.StreamGap, Gap: gap, ReceivedAt: gap.ResumedAt}
}

// CloseFeed closes the pair's feed as a transport giving up would.
func (m *MockExchangeConnector) CloseFeed(pair string) {
	close(m.feed(pair))
}

func (m *MockExchangeConnector) feed(pair string) chan model.StreamEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feeds[pair]
}

func pairTrade(pair, price string, offset time.Duration, buyerMaker bool) model.TradeEvent {
	trade := createTestTrade(price, "1", offset, buyerMaker)
	trade.Pair = pair
	return trade
}

// collect drains candles until the channel closes or the timeout elapses.
func collect(t *testing.T, ch <-chan model.Candle, timeout time.Duration) []model.Candle {
	t.Helper()
	var out []model.Candle
	deadline := time.After(timeout)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-deadline:
			t.Fatalf("timed out waiting for candle stream to close, got %d candles", len(out))
			return out
		}
	}
}

func Test_NewAggregator(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		interval time.Duration
		check    time.Duration
	}{
		{
			name:     "explicit configuration",
			cfg:      Config{Interval: 30 * time.Second, StaleCheckInterval: 250 * time.Millisecond},
			interval: 30 * time.Second,
			check:    250 * time.Millisecond,
		},
		{
			name:     "defaults applied",
			cfg:      Config{},
			interval: time.Minute,
			check:    time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator(NewMockExchangeConnector(), tt.cfg)
			require.NotNil(t, agg)
			assert.Equal(t, tt.interval, agg.cfg.Interval)
			assert.Equal(t, tt.check, agg.cfg.StaleCheckInterval)
			assert.Empty(t, agg.Stats())
		})
	}
}

func Test_StartCandleStream_SubscriptionFailure(t *testing.T) {
	connector := NewMockExchangeConnector()
	connector.On("SubscribeToTrades", mock.Anything, "ETH-USDT").Return(nil)
	connector.On("SubscribeToTrades", mock.Anything, "BTC-USDT").Return(errors.New("dial failed"))

	agg := NewAggregator(connector, Config{Interval: time.Minute})
	ch, err := agg.StartCandleStream(context.Background(), []string{"ETH-USDT", "BTC-USDT"})

	require.Error(t, err)
	assert.Nil(t, ch)
	assert.Contains(t, err.Error(), "BTC-USDT")
	connector.AssertExpectations(t)
}

func Test_StartCandleStream_ExactlyOnceInOrder(t *testing.T) {
	connector := NewMockExchangeConnector()
	connector.On("SubscribeToTrades", mock.Anything, "ETH-USDT").Return(nil)

	agg := NewAggregator(connector, Config{Interval: time.Minute, StaleTimeout: time.Hour})
	ch, err := agg.StartCandleStream(context.Background(), []string{"ETH-USDT"})
	require.NoError(t, err)

	const windows = 4
	for w := 0; w < windows; w++ {
		for s := 0; s < 5; s++ {
			offset := time.Duration(w)*time.Minute + time.Duration(s*7)*time.Second
			connector.SendTrade(pairTrade("ETH-USDT", "100", offset, s%2 == 0), time.Now())
		}
	}
	connector.CloseFeed("ETH-USDT")

	candles := collect(t, ch, 2*time.Second)
	require.Len(t, candles, windows)
	for i, c := range candles {
		assert.Equal(t, windowStart.Add(time.Duration(i)*time.Minute), c.StartTime)
		assert.Equal(t, 5, c.TradeCount)
		if i > 0 {
			assert.True(t, c.StartTime.After(candles[i-1].StartTime))
		}
	}
	assert.Equal(t, model.ClosureBoundary, candles[0].Closure)
	assert.Equal(t, model.ClosureShutdown, candles[windows-1].Closure)

	stats := agg.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(windows*5), stats[0].TradesApplied)
	assert.Equal(t, int64(windows), stats[0].CandlesEmitted)
}

func Test_StartCandleStream_LateTradeDiscarded(t *testing.T) {
	connector := NewMockExchangeConnector()
	connector.On("SubscribeToTrades", mock.Anything, "ETH-USDT").Return(nil)

	agg := NewAggregator(connector, Config{Interval: time.Minute, StaleTimeout: time.Hour})
	ch, err := agg.StartCandleStream(context.Background(), []string{"ETH-USDT"})
	require.NoError(t, err)

	connector.SendTrade(pairTrade("ETH-USDT", "100", 5*time.Second, false), time.Now())
	connector.SendTrade(pairTrade("ETH-USDT", "101", time.Minute+5*time.Second, false), time.Now())
	connector.SendTrade(pairTrade("ETH-USDT", "1", 30*time.Second, true), time.Now()) // late
	connector.CloseFeed("ETH-USDT")

	candles := collect(t, ch, 2*time.Second)
	require.Len(t, candles, 2)
	assert.Equal(t, 1, candles[0].TradeCount)
	assert.Equal(t, 1, candles[1].TradeCount)
	assert.Equal(t, 0, candles[1].NumSellerTrades)

	stats := agg.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].LateDiscarded)
}

func Test_StartCandleStream_GapEmitsOnePartialCandle(t *testing.T) {
	connector := NewMockExchangeConnector()
	connector.On("SubscribeToTrades", mock.Anything, "ETH-USDT").Return(nil)

	agg := NewAggregator(connector, Config{Interval: time.Minute, StaleTimeout: time.Hour})
	ch, err := agg.StartCandleStream(context.Background(), []string{"ETH-USDT"})
	require.NoError(t, err)

	for s := 0; s <= 10; s += 5 {
		connector.SendTrade(pairTrade("ETH-USDT", "100", time.Duration(s)*time.Second, false), time.Now())
	}
	connector.SendGap("ETH-USDT", model.Gap{
		LastSeenBefore: windowStart.Add(10 * time.Second),
		ResumedAt:      windowStart.Add(3*time.Minute + time.Second),
	})
	connector.SendTrade(pairTrade("ETH-USDT", "120", 3*time.Minute+2*time.Second, false), time.Now())
	connector.CloseFeed("ETH-USDT")

	candles := collect(t, ch, 2*time.Second)
	require.Len(t, candles, 2)

	assert.Equal(t, windowStart, candles[0].StartTime)
	assert.Equal(t, model.ClosureGap, candles[0].Closure)
	assert.Equal(t, 3, candles[0].TradeCount)

	assert.Equal(t, windowStart.Add(3*time.Minute), candles[1].StartTime, "skipped windows are not emitted")

	stats := agg.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Gaps)
	assert.Equal(t, int64(1), stats[0].GapFlushes)
}

func Test_StartCandleStream_StaleWindowFinalized(t *testing.T) {
	connector := NewMockExchangeConnector()
	connector.On("SubscribeToTrades", mock.Anything, "ETH-USDT").Return(nil)

	var now atomic.Int64
	now.Store(windowStart.UnixMilli())

	agg := NewAggregator(connector, Config{
		Interval:           time.Minute,
		StaleTimeout:       90 * time.Second,
		StaleCheckInterval: 5 * time.Millisecond,
	})
	agg.clock = func() time.Time { return time.UnixMilli(now.Load()) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := agg.StartCandleStream(ctx, []string{"ETH-USDT"})
	require.NoError(t, err)

	connector.SendTrade(pairTrade("ETH-USDT", "100", 2*time.Second, false), windowStart.Add(2*time.Second))

	// advance the clock past the staleness threshold
	now.Store(windowStart.Add(2 * time.Minute).UnixMilli())

	select {
	case c := <-ch:
		assert.Equal(t, model.ClosureStale, c.Closure)
		assert.Equal(t, windowStart, c.StartTime)
		assert.Equal(t, 1, c.TradeCount)
	case <-time.After(2 * time.Second):
		t.Fatal("expected stale candle")
	}

	require.Eventually(t, func() bool {
		stats := agg.Stats()
		return len(stats) == 1 && stats[0].StaleFinalized == 1
	}, time.Second, 10*time.Millisecond)
}

func Test_StartCandleStream_RejectsBadMessages(t *testing.T) {
	connector := NewMockExchangeConnector()
	connector.On("SubscribeToTrades", mock.Anything, "ETH-USDT").Return(nil)

	agg := NewAggregator(connector, Config{Interval: time.Minute, StaleTimeout: time.Hour})
	ch, err := agg.StartCandleStream(context.Background(), []string{"ETH-USDT"})
	require.NoError(t, err)

	connector.SendRaw("ETH-USDT", []byte("{not json"))
	connector.SendTrade(pairTrade("ETH-USDT", "100", time.Second, false), time.Now())
	// a trade for another pair on this feed is dropped
	foreign := pairTrade("BTC-USDT", "50000", 2*time.Second, false)
	connector.mu.Lock()
	connector.trades["foreign"] = foreign
	connector.mu.Unlock()
	connector.SendRaw("ETH-USDT", []byte("foreign"))
	connector.CloseFeed("ETH-USDT")

	candles := collect(t, ch, 2*time.Second)
	require.Len(t, candles, 1)
	assert.Equal(t, 1, candles[0].TradeCount)

	stats := agg.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Rejected)
}

func Test_StartCandleStream_IndependentPairs(t *testing.T) {
	connector := NewMockExchangeConnector()
	connector.On("SubscribeToTrades", mock.Anything, mock.Anything).Return(nil)

	agg := NewAggregator(connector, Config{Interval: time.Minute, StaleTimeout: time.Hour})
	ch, err := agg.StartCandleStream(context.Background(), []string{"ETH-USDT", "BTC-USDT"})
	require.NoError(t, err)

	for w := 0; w < 3; w++ {
		offset := time.Duration(w) * time.Minute
		connector.SendTrade(pairTrade("ETH-USDT", "2000", offset, false), time.Now())
		connector.SendTrade(pairTrade("BTC-USDT", "50000", offset, true), time.Now())
	}
	connector.CloseFeed("ETH-USDT")
	connector.CloseFeed("BTC-USDT")

	candles := collect(t, ch, 2*time.Second)
	require.Len(t, candles, 6)

	last := map[string]time.Time{}
	for _, c := range candles {
		if prev, ok := last[c.Pair]; ok {
			assert.True(t, c.StartTime.After(prev), "per-pair order must be preserved")
		}
		last[c.Pair] = c.StartTime
	}

	stats := agg.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "BTC-USDT", stats[0].Pair)
	assert.Equal(t, "ETH-USDT", stats[1].Pair)
}

func Test_StartCandleStream_ContextCancel(t *testing.T) {
	connector := NewMockExchangeConnector()
	connector.On("SubscribeToTrades", mock.Anything, "ETH-USDT").Return(nil)

	agg := NewAggregator(connector, Config{Interval: time.Minute, StaleTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := agg.StartCandleStream(ctx, []string{"ETH-USDT"})
	require.NoError(t, err)

	connector.SendTrade(pairTrade("ETH-USDT", "100", time.Second, false), time.Now())
	require.Eventually(t, func() bool {
		return agg.Stats()[0].TradesApplied == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	candles := collect(t, ch, 2*time.Second)
	require.Len(t, candles, 1, "open window is flushed on cancellation")
	assert.Equal(t, model.ClosureShutdown, candles[0].Closure)
	assert.True(t, candles[0].Close.Equal(decimal.NewFromInt(100)))
}

func Test_StartCandleStream_ContextCancelWithoutWindow(t *testing.T) {
	connector := NewMockExchangeConnector()
	connector.On("SubscribeToTrades", mock.Anything, "ETH-USDT").Return(nil)

	agg := NewAggregator(connector, Config{Interval: time.Minute, StaleTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := agg.StartCandleStream(ctx, []string{"ETH-USDT"})
	require.NoError(t, err)
	cancel()

	assert.Empty(t, collect(t, ch, 2*time.Second))
}

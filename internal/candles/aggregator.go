// Package candles turns per-pair streams of exchange trades into finalized
// fixed-width candles enriched with execution-side metrics.
//
// Each trading pair runs its own pipeline goroutine which exclusively owns an
// Accumulator, so trades are applied strictly in arrival order without locks.
// Pipelines share no mutable state; their candle channels are merged by a
// fan-in that preserves per-pair ordering.
package candles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultInterval           = time.Minute
	defaultStaleCheckInterval = time.Second
	outputBufferSize          = 1000
)

// ExchangeConnector supplies trade feeds and knows how to normalize the raw
// messages it delivers.
type ExchangeConnector interface {
	// SubscribeToTrades returns a sequential feed of raw trade messages and gap
	// signals for one pair. The channel is closed when the transport gives up.
	SubscribeToTrades(ctx context.Context, pair string) (<-chan model.StreamEvent, error)

	// Normalize converts one raw message into a validated trade.
	Normalize(raw []byte) (model.TradeEvent, error)
}

// Config holds the aggregation parameters shared by all pipelines.
type Config struct {
	Interval           time.Duration // Window width
	StaleTimeout       time.Duration // Idle time before an open window is force-finalized
	StaleCheckInterval time.Duration // How often open windows are checked for staleness
	GapFlushThreshold  time.Duration // Minimum outage that finalizes the open window
}

// Aggregator runs one aggregation pipeline per trading pair.
type Aggregator struct {
	exchange ExchangeConnector
	cfg      Config
	clock    func() time.Time

	mu    sync.RWMutex
	stats map[string]*Stats
}

// NewAggregator creates a candle aggregator on top of an exchange connector.
func NewAggregator(exchange ExchangeConnector, cfg Config) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = defaultStaleCheckInterval
	}
	return &Aggregator{
		exchange: exchange,
		cfg:      cfg,
		clock:    time.Now,
		stats:    make(map[string]*Stats),
	}
}

// StartCandleStream subscribes to every pair, starts their pipelines and
// returns the merged candle stream.
//
// Subscription is fail-fast: if any pair cannot be subscribed, the feeds
// already opened are cancelled and an error is returned.
func (agg *Aggregator) StartCandleStream(ctx context.Context, pairs []string) (<-chan model.Candle, error) {
	ctx, cancel := context.WithCancel(ctx)

	outputs := make([]<-chan model.Candle, 0, len(pairs))
	for _, pair := range pairs {
		feed, err := agg.exchange.SubscribeToTrades(ctx, pair)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to subscribe to trades for %s: %w", pair, err)
		}

		p := agg.newPipeline(pair)
		outputs = append(outputs, p.run(ctx, feed))
	}

	return agg.fanIn(ctx, cancel, outputs), nil
}

// Stats returns a snapshot of every pipeline's counters, sorted by pair.
func (agg *Aggregator) Stats() []StatsSnapshot {
	agg.mu.RLock()
	defer agg.mu.RUnlock()

	out := make([]StatsSnapshot, 0, len(agg.stats))
	for pair, s := range agg.stats {
		out = append(out, s.Snapshot(pair))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

func (agg *Aggregator) newPipeline(pair string) *pipeline {
	stats := &Stats{}
	agg.mu.Lock()
	agg.stats[pair] = stats
	agg.mu.Unlock()

	return &pipeline{
		pair:       pair,
		normalizer: agg.exchange,
		cfg:        agg.cfg,
		clock:      agg.clock,
		stats:      stats,
		acc: NewAccumulator(AccumulatorConfig{
			Interval:          agg.cfg.Interval,
			StaleTimeout:      agg.cfg.StaleTimeout,
			GapFlushThreshold: agg.cfg.GapFlushThreshold,
		}),
		logger: log.With().Str("component", "aggregator").Str("pair", pair).Logger(),
	}
}

// fanIn merges the per-pair candle channels. Every candle a pipeline emits is
// forwarded, including the windows flushed on shutdown, so the consumer must
// drain the merged channel until it is closed. It is closed, and the
// pipelines' context released, once every pipeline has finished.
func (agg *Aggregator) fanIn(ctx context.Context, cancel context.CancelFunc, inputs []<-chan model.Candle) <-chan model.Candle {
	dest := make(chan model.Candle, outputBufferSize)
	var wg sync.WaitGroup
	wg.Add(len(inputs))

	for _, ch := range inputs {
		go func(c <-chan model.Candle) {
			defer wg.Done()
			for candle := range c {
				dest <- candle
			}
		}(ch)
	}

	go func() {
		wg.Wait()
		cancel()
		close(dest)
	}()

	return dest
}

// pipeline owns the aggregation state of a single pair.
type pipeline struct {
	pair       string
	normalizer interface {
		Normalize(raw []byte) (model.TradeEvent, error)
	}
	cfg    Config
	clock  func() time.Time
	acc    *Accumulator
	stats  *Stats
	logger zerolog.Logger
}

// run processes the feed on a dedicated goroutine.
//
// The loop handles three event sources:
//  1. Context cancellation: flush the open window and stop
//  2. Staleness ticker: force-finalize an idle window
//  3. Feed events: apply trades and gap signals; a closed feed flushes the
//     open window and ends the pipeline
func (p *pipeline) run(ctx context.Context, feed <-chan model.StreamEvent) <-chan model.Candle {
	out := make(chan model.Candle, outputBufferSize)
	ticker := time.NewTicker(p.cfg.StaleCheckInterval)

	go func() {
		defer close(out)
		defer ticker.Stop()

		p.logger.Info().Dur("interval", p.cfg.Interval).Msg("pipeline started")
		for {
			select {
			case <-ctx.Done():
				if ws := p.flush(out); ws != nil {
					p.logger.Info().
						Int64("window", int64(ws.Key)).
						Int("trades", ws.TradeCount).
						Msg("pipeline stopped, open window flushed")
				} else {
					p.logger.Info().Msg("pipeline stopped")
				}
				return
			case <-ticker.C:
				if ws := p.acc.Expire(p.clock()); ws != nil {
					p.stats.staleFinalized.Add(1)
					p.logger.Info().
						Int64("window", int64(ws.Key)).
						Int("trades", ws.TradeCount).
						Msg("stale window force-finalized")
					p.emit(ctx, out, ws)
				}
			case ev, ok := <-feed:
				if !ok {
					p.flush(out)
					p.logger.Warn().Msg("trade feed closed, pipeline exiting")
					return
				}
				p.handle(ctx, out, ev)
			}
		}
	}()

	return out
}

func (p *pipeline) handle(ctx context.Context, out chan<- model.Candle, ev model.StreamEvent) {
	switch ev.Kind {
	case model.StreamGap:
		p.handleGap(ctx, out, ev.Gap)
	case model.TradeMessage:
		p.handleTrade(ctx, out, ev)
	default:
		p.logger.Warn().Int("kind", int(ev.Kind)).Msg("unknown stream event")
	}
}

func (p *pipeline) handleGap(ctx context.Context, out chan<- model.Candle, gap model.Gap) {
	p.stats.gaps.Add(1)

	ws := p.acc.Gap(gap)
	if ws == nil {
		p.logger.Info().Dur("gap", gap.Duration()).Msg("stream resumed")
		return
	}

	p.stats.gapFlushes.Add(1)
	p.logger.Warn().
		Dur("gap", gap.Duration()).
		Int64("window", int64(ws.Key)).
		Int("trades", ws.TradeCount).
		Msg("gap during accumulation, finalizing partial window")
	p.emit(ctx, out, ws)
}

func (p *pipeline) handleTrade(ctx context.Context, out chan<- model.Candle, ev model.StreamEvent) {
	trade, err := p.normalizer.Normalize(ev.Raw)
	if err != nil {
		p.stats.rejected.Add(1)
		p.logger.Warn().Err(err).Msg("dropping trade message")
		return
	}
	if trade.Pair != p.pair {
		p.stats.rejected.Add(1)
		p.logger.Warn().Str("trade_pair", trade.Pair).Msg("dropping trade for foreign pair")
		return
	}

	seenAt := ev.ReceivedAt
	if seenAt.IsZero() {
		seenAt = p.clock()
	}

	closed, err := p.acc.Apply(trade, seenAt)
	switch {
	case errors.Is(err, ErrLateTrade):
		p.stats.lateDiscarded.Add(1)
		warn := p.logger.Warn().Int64("trade_id", trade.TradeID).Time("trade_time", trade.Timestamp)
		if key, ok := p.acc.Current(); ok {
			warn = warn.Int64("window", int64(key))
		}
		warn.Msg("late trade discarded")
		return
	case errors.Is(err, ErrDuplicateTrade):
		p.stats.duplicates.Add(1)
		p.logger.Debug().Int64("trade_id", trade.TradeID).Msg("duplicate trade discarded")
		return
	}

	p.stats.tradesApplied.Add(1)
	p.stats.lastTradeAt.Store(trade.Timestamp.UnixMilli())

	if closed != nil {
		p.emit(ctx, out, closed)
	}
}

// flush hands off the open window as a shutdown candle. The send does not
// depend on the pipeline's context, which may already be cancelled.
func (p *pipeline) flush(out chan<- model.Candle) *WindowState {
	ws := p.acc.Flush()
	if ws != nil {
		p.emit(context.Background(), out, ws)
	}
	return ws
}

// emit finalizes a closed window and publishes the candle.
func (p *pipeline) emit(ctx context.Context, out chan<- model.Candle, ws *WindowState) {
	candle := Finalize(p.pair, ws)

	p.stats.candlesEmitted.Add(1)
	p.stats.lastCandleStart.Store(candle.Timestamp())

	p.logger.Debug().
		Time("start", candle.StartTime).
		Str("open", candle.Open.String()).
		Str("high", candle.High.String()).
		Str("low", candle.Low.String()).
		Str("close", candle.Close.String()).
		Int("buyers", candle.NumBuyerTrades).
		Int("sellers", candle.NumSellerTrades).
		Int("power", candle.PowerPosition).
		Stringer("closure", candle.Closure).
		Msg("candle finalized")

	select {
	case out <- candle:
	case <-ctx.Done():
	}
}

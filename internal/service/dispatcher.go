// Package service streams finalized candles to gRPC subscribers.
//
// The dispatcher fans candles out to subscribers and handles slow clients by
// dropping their oldest buffered candle. CandleService wires the aggregator,
// the sink dispatcher and the subscription dispatcher together.
package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/cs-darshan/binance-data-collector/internal/model"
	"github.com/cs-darshan/binance-data-collector/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultSubscriberBuffer = 100

var (
	ErrDispatcherNotStarted = errors.New("dispatcher not started")
	ErrDispatcherStarted    = errors.New("dispatcher already started")
	ErrDispatcherStopped    = errors.New("dispatcher stopped")
)

// Subscriber is one client subscription to a set of trading pairs.
type Subscriber struct {
	id                string
	ch                chan model.Candle
	symbolsSubscribed map[string]struct{}
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// Candles returns the subscriber's feed. It is closed on unsubscribe or when
// the dispatcher stops.
func (s *Subscriber) Candles() <-chan model.Candle {
	return s.ch
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxSymbolsAllowed int // Maximum symbols per subscription
	BufferSize        int // Candles buffered per subscriber before the oldest is dropped
}

// DispatcherStats is a snapshot of the dispatcher counters.
type DispatcherStats struct {
	Subscribers int64 `json:"subscribers"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

// Dispatcher fans candles out to subscribers.
//
// A single goroutine owns the subscribers map; Subscribe and Unsubscribe hand
// their requests to it over channels.
type Dispatcher struct {
	cfg              DispatcherConfig
	subscribers      map[string]*Subscriber
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	started          atomic.Bool
	stopping         chan struct{} // closed when the dispatch loop stops accepting subscribers
	done             chan struct{} // closed when the candle feed has been fully consumed
	logger           zerolog.Logger

	numSubscribers atomic.Int64
	delivered      atomic.Int64
	dropped        atomic.Int64
}

// NewDispatcher creates a new Dispatcher instance with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultSubscriberBuffer
	}
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[string]*Subscriber),
		subscriptionCh:   make(chan *Subscriber),
		unsubscriptionCh: make(chan *Subscriber),
		stopping:         make(chan struct{}),
		done:             make(chan struct{}),
		logger:           log.With().Str("component", "dispatcher").Logger(),
	}
}

// Subscribe registers a subscriber for the given pairs.
func (b *Dispatcher) Subscribe(pairs []string) (*Subscriber, error) {
	if !b.started.Load() {
		return nil, ErrDispatcherNotStarted
	}

	if err := utils.ValidatePairs(pairs, b.cfg.MaxSymbolsAllowed); err != nil {
		return nil, err
	}

	symSet := make(map[string]struct{}, len(pairs))
	for _, s := range pairs {
		symSet[strings.ToUpper(s)] = struct{}{}
	}

	sub := &Subscriber{
		id:                uuid.NewString(),
		ch:                make(chan model.Candle, b.cfg.BufferSize),
		symbolsSubscribed: symSet,
	}

	select {
	case b.subscriptionCh <- sub:
		return sub, nil
	case <-b.stopping:
		return nil, ErrDispatcherStopped
	}
}

// Unsubscribe removes a subscriber and closes its feed. Unsubscribing after
// the dispatcher stopped is a no-op.
func (b *Dispatcher) Unsubscribe(sub *Subscriber) error {
	if sub == nil {
		return errors.New("nil subscriber")
	}
	select {
	case b.unsubscriptionCh <- sub:
	case <-b.stopping:
	}
	return nil
}

// StartDispatching starts the dispatch loop on candleCh.
//
// The loop stops when ctx is done or candleCh is closed; every subscriber's
// feed is then closed. After a ctx stop the loop keeps draining candleCh so
// that upstream stages can finish. Done is closed once candleCh is closed.
func (b *Dispatcher) StartDispatching(ctx context.Context, candleCh <-chan model.Candle) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrDispatcherStarted
	}

	go func() {
		defer close(b.done)

		b.loop(ctx, candleCh)

		close(b.stopping)
		for _, sub := range b.subscribers {
			close(sub.ch)
		}
		b.subscribers = make(map[string]*Subscriber)
		b.numSubscribers.Store(0)

		for range candleCh {
		}
		b.logger.Info().Msg("dispatcher stopped")
	}()
	return nil
}

// Done is closed once the dispatcher has stopped and its input is drained.
func (b *Dispatcher) Done() <-chan struct{} {
	return b.done
}

// Stats returns the dispatcher counters.
func (b *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Subscribers: b.numSubscribers.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
	}
}

func (b *Dispatcher) loop(ctx context.Context, candleCh <-chan model.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-b.subscriptionCh:
			b.subscribers[sub.id] = sub
			b.numSubscribers.Store(int64(len(b.subscribers)))
		case sub := <-b.unsubscriptionCh:
			b.unsubscribe(sub)
		case candle, ok := <-candleCh:
			if !ok {
				b.logger.Info().Msg("candle feed closed")
				return
			}
			b.dispatch(candle)
		}
	}
}

func (b *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
		b.numSubscribers.Store(int64(len(b.subscribers)))
	}
}

// dispatch delivers a candle to every subscriber of its pair. A full
// subscriber buffer loses its oldest candle.
func (b *Dispatcher) dispatch(candle model.Candle) {
	for _, sub := range b.subscribers {
		if _, ok := sub.symbolsSubscribed[candle.Pair]; !ok {
			continue
		}

		select {
		case sub.ch <- candle:
			b.delivered.Add(1)
			continue
		default:
		}

		select {
		case <-sub.ch:
			b.dropped.Add(1)
			b.logger.Warn().Str("subscriber", sub.id).Str("pair", candle.Pair).
				Msg("subscriber is too slow, dropping oldest buffered candle")
		default:
		}
		sub.ch <- candle
		b.delivered.Add(1)
	}
}

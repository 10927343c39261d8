// Package sink persists finalized candles.
//
// Every backend implements Sink. A Dispatcher sits between the aggregator and
// the rest of the service: it writes each candle to the configured sinks and
// forwards it downstream, so that subscribers only ever see candles that were
// offered to storage first.
package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const forwardBufferSize = 1000

// Sink stores candles. Write is called from a single goroutine, in candle
// order per pair.
type Sink interface {
	Write(ctx context.Context, candle model.Candle) error
	Close() error
}

// Multi writes every candle to all of its sinks.
type Multi []Sink

// Write writes to every sink and joins their errors.
func (m Multi) Write(ctx context.Context, candle model.Candle) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, candle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DispatcherStats is a snapshot of the dispatcher counters.
type DispatcherStats struct {
	Written       int64 `json:"written"`
	WriteErrors   int64 `json:"write_errors"`
	OutOfOrder    int64 `json:"out_of_order"`
	LastWrittenAt int64 `json:"last_written_at,omitempty"`
}

// Dispatcher persists candles and forwards them downstream.
type Dispatcher struct {
	sink   Sink
	logger zerolog.Logger

	mu        sync.Mutex
	lastStart map[string]time.Time

	written       atomic.Int64
	writeErrors   atomic.Int64
	outOfOrder    atomic.Int64
	lastWrittenAt atomic.Int64
}

// NewDispatcher creates a dispatcher writing to s.
func NewDispatcher(s Sink) *Dispatcher {
	return &Dispatcher{
		sink:      s,
		logger:    log.With().Str("component", "sink").Logger(),
		lastStart: make(map[string]time.Time),
	}
}

// Run consumes candles until in is closed and returns the downstream feed,
// which is closed after in.
//
// A candle that does not start strictly after the previous candle of its pair
// is dropped. Sink errors are logged and counted; the candle is forwarded
// regardless. When ctx is done, candles are still persisted, with writes
// detached from the cancellation, but no longer forwarded.
func (d *Dispatcher) Run(ctx context.Context, in <-chan model.Candle) <-chan model.Candle {
	out := make(chan model.Candle, forwardBufferSize)

	writeCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(out)

		for candle := range in {
			if !d.inOrder(candle) {
				continue
			}

			if err := d.sink.Write(writeCtx, candle); err != nil {
				d.writeErrors.Add(1)
				d.logger.Error().
					Err(err).
					Str("pair", candle.Pair).
					Time("start", candle.StartTime).
					Msg("failed to persist candle")
			} else {
				d.written.Add(1)
				d.lastWrittenAt.Store(time.Now().UnixMilli())
			}

			select {
			case out <- candle:
			case <-ctx.Done():
			}
		}
		d.logger.Info().Int64("written", d.written.Load()).Msg("sink dispatcher stopped")
	}()

	return out
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Written:       d.written.Load(),
		WriteErrors:   d.writeErrors.Load(),
		OutOfOrder:    d.outOfOrder.Load(),
		LastWrittenAt: d.lastWrittenAt.Load(),
	}
}

func (d *Dispatcher) inOrder(candle model.Candle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastStart[candle.Pair]; ok && !candle.StartTime.After(last) {
		d.outOfOrder.Add(1)
		d.logger.Error().
			Str("pair", candle.Pair).
			Time("start", candle.StartTime).
			Time("previous", last).
			Msg("dropping out-of-order candle")
		return false
	}
	d.lastStart[candle.Pair] = candle.StartTime
	return true
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cs-darshan/binance-data-collector/internal/api"
	"github.com/cs-darshan/binance-data-collector/internal/model"
	"github.com/cs-darshan/binance-data-collector/internal/utils"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TradeCandleAggregator turns trade feeds into finalized candles.
type TradeCandleAggregator interface {
	StartCandleStream(ctx context.Context, pairs []string) (<-chan model.Candle, error)
}

// CandlePersister stores candles and forwards the ones it accepted. The
// returned channel is closed after in.
type CandlePersister interface {
	Run(ctx context.Context, in <-chan model.Candle) <-chan model.Candle
}

// SubscriptionManager manages client subscriptions and distributes candles to them.
type SubscriptionManager interface {
	Subscribe(pairs []string) (*Subscriber, error)
	Unsubscribe(sub *Subscriber) error
	StartDispatching(ctx context.Context, ch <-chan model.Candle) error
	Done() <-chan struct{}
}

// CandleService implements the CandleService gRPC API and runs the candle
// pipeline: aggregator, then persistence, then subscribers.
type CandleService struct {
	api.UnimplementedCandleServiceServer
	subscriptionManager SubscriptionManager
	candleAggregator    TradeCandleAggregator
	persister           CandlePersister
	started             atomic.Bool
	cancel              context.CancelFunc
}

// NewCandleService creates a stopped service.
func NewCandleService(manager SubscriptionManager, aggregator TradeCandleAggregator, persister CandlePersister) *CandleService {
	return &CandleService{
		subscriptionManager: manager,
		candleAggregator:    aggregator,
		persister:           persister,
	}
}

// Start subscribes to the pairs and starts the pipeline.
func (cs *CandleService) Start(ctx context.Context, pairs []string) error {
	if !cs.started.CompareAndSwap(false, true) {
		return errors.New("candle service has already started")
	}

	ctx, cancel := context.WithCancel(ctx)

	candleChan, err := cs.candleAggregator.StartCandleStream(ctx, pairs)
	if err != nil {
		cancel()
		cs.started.Store(false)
		return fmt.Errorf("failed to start aggregator: %w", err)
	}

	persisted := cs.persister.Run(ctx, candleChan)

	if err := cs.subscriptionManager.StartDispatching(ctx, persisted); err != nil {
		// cancel context so candle stream stops
		cancel()
		cs.started.Store(false)
		return fmt.Errorf("failed to start dispatching: %w", err)
	}

	cs.cancel = cancel
	log.Info().Strs("pairs", pairs).Msg("candle service started")
	return nil
}

// Stop cancels the pipeline. Use Wait to block until it has drained.
func (cs *CandleService) Stop() error {
	if !cs.started.CompareAndSwap(true, false) {
		return errors.New("service not started")
	}

	if cs.cancel != nil {
		cs.cancel()
		cs.cancel = nil
	}

	log.Info().Msg("candle service stopping")
	return nil
}

// Done is closed when the pipeline has ended, either after Stop or because
// every trade feed gave up.
func (cs *CandleService) Done() <-chan struct{} {
	return cs.subscriptionManager.Done()
}

// Wait blocks until the pipeline has drained or ctx is done.
func (cs *CandleService) Wait(ctx context.Context) error {
	select {
	case <-cs.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe streams the candles of the requested pairs to a client.
func (cs *CandleService) Subscribe(req *api.SubscriptionRequest, stream api.CandleService_SubscribeServer) error {
	if !cs.started.Load() {
		return status.Error(codes.Unavailable, "candle service not started")
	}

	if req == nil || len(req.Symbols) == 0 {
		return status.Error(codes.InvalidArgument, "no symbols provided")
	}

	for i, symbol := range req.Symbols {
		if err := utils.ValidateSymbol(symbol); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid symbol at index %d (%q): %v", i, symbol, err)
		}
	}

	sub, err := cs.subscriptionManager.Subscribe(req.Symbols)
	if err != nil {
		if errors.Is(err, ErrDispatcherStopped) {
			return status.Error(codes.Unavailable, err.Error())
		}
		return status.Errorf(codes.InvalidArgument, "failed to subscribe: %v", err)
	}

	logger := log.With().Str("subscriber", sub.ID()).Strs("symbols", req.Symbols).Logger()

	defer func() {
		if err := cs.subscriptionManager.Unsubscribe(sub); err != nil {
			logger.Error().Err(err).Msg("failed to unsubscribe")
		}
	}()

	logger.Info().Msg("new client subscription")

	for {
		select {
		case <-stream.Context().Done():
			logger.Info().Msg("client disconnected")
			return nil
		case candle, ok := <-sub.Candles():
			if !ok {
				logger.Info().Msg("subscription channel closed")
				return nil
			}

			if err := stream.Send(api.FromModel(candle)); err != nil {
				logger.Error().Err(err).Msg("failed to send candle to client")
				return fmt.Errorf("failed to send candle: %w", err)
			}
		}
	}
}

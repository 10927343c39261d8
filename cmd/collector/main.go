/*
Package main runs the Binance trade-candle collector.

The collector subscribes to the Binance trade stream of each configured pair,
aggregates trades into fixed-width candles, persists every finalized candle to
the configured outputs and streams it to gRPC subscribers. A small HTTP server
exposes health and statistics.

Usage:

	collector -config=collector.yaml -env=.env

Every setting can also be given through the environment, e.g.

	BINANCE_SYMBOL=ETH-USDT OUTPUT_FORMAT=csv,sqlite DATA_DIR=./data collector
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/api"
	"github.com/cs-darshan/binance-data-collector/internal/candles"
	"github.com/cs-darshan/binance-data-collector/internal/config"
	"github.com/cs-darshan/binance-data-collector/internal/exchange"
	"github.com/cs-darshan/binance-data-collector/internal/service"
	"github.com/cs-darshan/binance-data-collector/internal/sink"
	"github.com/cs-darshan/binance-data-collector/internal/status"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const shutdownTimeout = 15 * time.Second

var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	envFile    = flag.String("env", ".env", "Path to an optional .env file")
)

// errFeedsEnded is returned when every trade feed gave up reconnecting.
var errFeedsEnded = errors.New("all trade feeds ended")

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogger(cfg.Log)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("collector stopped with error")
	}
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector, err := exchange.NewBinanceConnector(cfg.Connector())
	if err != nil {
		return fmt.Errorf("failed to create Binance connector: %w", err)
	}
	aggregator := candles.NewAggregator(connector, cfg.Aggregation())

	sinks, err := sink.Open(ctx, cfg.Sinks(), time.Now())
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close sinks")
		}
	}()
	persister := sink.NewDispatcher(sinks)

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		MaxSymbolsAllowed: cfg.Exchange.MaxSymbols,
	})
	candleService := service.NewCandleService(dispatcher, aggregator, persister)

	if err := candleService.Start(ctx, cfg.Symbols); err != nil {
		return fmt.Errorf("failed to start candle service: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		_ = candleService.Stop()
		return fmt.Errorf("failed to listen: %w", err)
	}

	// Keepalive settings for long-lived streaming connections
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	api.RegisterCandleServiceServer(grpcServer, candleService)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(api.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	serverErr := make(chan error, 2)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			serverErr <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var httpServer *http.Server
	if cfg.Server.HTTPAddr != "" {
		statusServer := status.NewServer(aggregator, persister, dispatcher, candleService.Done())
		httpServer = &http.Server{
			Addr:         cfg.Server.HTTPAddr,
			Handler:      statusServer.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("status server: %w", err)
			}
		}()
	}

	log.Info().
		Str("grpc_addr", cfg.Server.GRPCAddr).
		Str("http_addr", cfg.Server.HTTPAddr).
		Dur("window", cfg.Window.Width).
		Strs("symbols", cfg.Symbols).
		Strs("outputs", cfg.Output.Formats).
		Msg("collector started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("initiating graceful shutdown")
	case <-candleService.Done():
		runErr = errFeedsEnded
	case runErr = <-serverErr:
	}

	healthServer.Shutdown()
	if err := candleService.Stop(); err != nil {
		log.Warn().Err(err).Msg("candle service already stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := candleService.Wait(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("pipeline did not drain before the shutdown deadline")
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("status server shutdown error")
		}
	}

	log.Info().Msg("collector stopped")
	return runErr
}

/*
Package main implements a gRPC client for subscribing to finalized candles.

This client connects to a running collector and streams candles for the given
trading pairs, logging each one until interrupted.

Usage:

	go run main.go -addr=localhost:50051 -symbols=BTC-USDT,ETH-USDT
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/api"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

var (
	serverAddr = flag.String("addr", "localhost:50051", "The server address in the format host:port")
	symbols    = flag.String("symbols", "ETH-USDT", "Comma-separated list of symbols to subscribe to")
)

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("did not connect")
	}
	defer conn.Close()

	client := api.NewCandleServiceClient(conn)

	symbolList := strings.Split(*symbols, ",")
	log.Info().Strs("symbols", symbolList).Msg("subscribing")

	stream, err := client.Subscribe(ctx, &api.SubscriptionRequest{Symbols: symbolList})
	if err != nil {
		log.Fatal().Err(err).Msg("could not subscribe")
	}

	for {
		candle, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			log.Info().Msg("stream has closed")
			return
		}
		if status.Code(err) == codes.Canceled {
			return
		}
		if err != nil {
			log.Fatal().Err(err).Msg("failed to receive candle")
		}

		log.Info().
			Str("pair", candle.Symbol).
			Time("start_time", time.UnixMilli(candle.StartTimestamp).UTC()).
			Time("end_time", time.UnixMilli(candle.EndTimestamp).UTC()).
			Str("open", candle.Open).
			Str("high", candle.High).
			Str("low", candle.Low).
			Str("close", candle.Close).
			Str("volume", candle.Volume).
			Int("buyers", candle.NumBuyers).
			Int("sellers", candle.NumSellers).
			Int("power", candle.PowerPosition).
			Str("closure", candle.Closure).
			Msg("received candle")
	}
}

func validateConfig() error {
	if *symbols == "" {
		return fmt.Errorf("symbols list cannot be empty")
	}
	if *serverAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	return nil
}

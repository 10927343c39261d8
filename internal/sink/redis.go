package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/model"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // Expiry of per-window keys; zero keeps them forever
}

// RedisSink caches candles as JSON under candles:<PAIR>:<timestamp> and keeps
// candles:<PAIR>:latest pointing at the newest one.
type RedisSink struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return newRedisSink(client, cfg.TTL), nil
}

func newRedisSink(client redis.UniversalClient, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, ttl: ttl}
}

// CandleKey returns the key of one window's candle.
func CandleKey(pair string, timestamp int64) string {
	return fmt.Sprintf("candles:%s:%d", pair, timestamp)
}

// LatestKey returns the key of a pair's newest candle.
func LatestKey(pair string) string {
	return fmt.Sprintf("candles:%s:latest", pair)
}

func (s *RedisSink) Write(ctx context.Context, candle model.Candle) error {
	data, err := NewRecord(candle).Marshal()
	if err != nil {
		return fmt.Errorf("marshal candle: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, CandleKey(candle.Pair, candle.Timestamp()), data, s.ttl)
	pipe.Set(ctx, LatestKey(candle.Pair), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store candle in redis: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

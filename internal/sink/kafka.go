package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/model"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds Kafka producer settings.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// messageWriter is the subset of *kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes candles keyed by pair so that each pair's candles land
// on one partition in order.
type KafkaSink struct {
	writer messageWriter
	runID  string
}

// NewKafkaSink creates a producer for cfg.Topic. Every message carries a
// run_id header identifying this collector run.
func NewKafkaSink(cfg KafkaConfig, runID string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
	}
	return &KafkaSink{writer: writer, runID: runID}
}

func (s *KafkaSink) Write(ctx context.Context, candle model.Candle) error {
	data, err := NewRecord(candle).Marshal()
	if err != nil {
		return fmt.Errorf("marshal candle: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(candle.Pair),
		Value: data,
		Time:  candle.StartTime,
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(s.runID)},
			{Key: "closure", Value: []byte(candle.Closure.String())},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish candle: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

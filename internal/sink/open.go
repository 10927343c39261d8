package sink

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Supported output formats.
const (
	FormatCSV        = "csv"
	FormatJSON       = "json"
	FormatSQLite     = "sqlite"
	FormatRedis      = "redis"
	FormatKafka      = "kafka"
	FormatClickHouse = "clickhouse"
	FormatMongo      = "mongo"
)

// Formats lists every supported output format.
var Formats = []string{FormatCSV, FormatJSON, FormatSQLite, FormatRedis, FormatKafka, FormatClickHouse, FormatMongo}

// Config selects and configures the sinks of a collector run.
type Config struct {
	Formats    []string
	DataDir    string
	SQLitePath string // Defaults to <DataDir>/binance_data.db
	RunID      string

	Redis      RedisConfig
	Kafka      KafkaConfig
	ClickHouse ClickHouseConfig
	Mongo      MongoConfig
}

// Open builds the sinks named in cfg.Formats. If any of them fails to open,
// the ones already opened are closed and the error is returned.
func Open(ctx context.Context, cfg Config, now time.Time) (Multi, error) {
	var sinks Multi
	for _, format := range cfg.Formats {
		s, err := open(ctx, strings.ToLower(strings.TrimSpace(format)), cfg, now)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("open %s sink: %w", format, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func open(ctx context.Context, format string, cfg Config, now time.Time) (Sink, error) {
	switch format {
	case FormatCSV:
		return NewCSVSink(cfg.DataDir, now)
	case FormatJSON:
		return NewJSONLSink(cfg.DataDir)
	case FormatSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "binance_data.db")
		}
		return NewSQLiteSink(path)
	case FormatRedis:
		return NewRedisSink(ctx, cfg.Redis)
	case FormatKafka:
		return NewKafkaSink(cfg.Kafka, cfg.RunID), nil
	case FormatClickHouse:
		return NewClickHouseSink(ctx, cfg.ClickHouse)
	case FormatMongo:
		return NewMongoSink(ctx, cfg.Mongo)
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

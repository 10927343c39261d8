package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const clickhouseSchema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol                 LowCardinality(String),
	timestamp              DateTime64(3, 'UTC'),
	open_price             Decimal(38, 18),
	high_price             Decimal(38, 18),
	low_price              Decimal(38, 18),
	close_price            Decimal(38, 18),
	volume                 Decimal(38, 18),
	buyers_volume          Decimal(38, 18),
	sellers_volume         Decimal(38, 18),
	num_buyers             UInt32,
	num_sellers            UInt32,
	power_position         Int8,
	max_buyers_per_second  UInt32,
	max_sellers_per_second UInt32,
	trade_count            UInt32,
	closure                LowCardinality(String),
	inserted_at            DateTime DEFAULT now()
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY (symbol, timestamp)`

const clickhouseInsert = `
INSERT INTO candles (
	symbol, timestamp, open_price, high_price, low_price, close_price, volume,
	buyers_volume, sellers_volume, num_buyers, num_sellers, power_position,
	max_buyers_per_second, max_sellers_per_second, trade_count, closure
)`

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// ClickHouseSink stores candles in a ReplacingMergeTree so that rewriting a
// window collapses to its latest version.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects, pings and ensures the candles table exists.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	if err := conn.Exec(ctx, clickhouseSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create candles table: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, c model.Candle) error {
	batch, err := s.conn.PrepareBatch(ctx, clickhouseInsert)
	if err != nil {
		return fmt.Errorf("prepare clickhouse batch: %w", err)
	}

	err = batch.Append(clickhouseRow(c)...)
	if err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append candle: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert candle: %w", err)
	}
	return nil
}

// clickhouseRow lays out a candle in the column order of clickhouseInsert.
func clickhouseRow(c model.Candle) []any {
	return []any{
		c.Pair,
		c.StartTime.UTC(),
		c.Open,
		c.High,
		c.Low,
		c.Close,
		c.Volume,
		c.BuyerVolume,
		c.SellerVolume,
		uint32(c.NumBuyerTrades),
		uint32(c.NumSellerTrades),
		int8(c.PowerPosition),
		uint32(c.MaxBuyersPerSecond),
		uint32(c.MaxSellersPerSecond),
		uint32(c.TradeCount),
		c.Closure.String(),
	}
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

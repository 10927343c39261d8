package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cs-darshan/binance-data-collector/internal/model"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol                 TEXT    NOT NULL,
	timestamp              INTEGER NOT NULL,
	datetime               TEXT    NOT NULL,
	open_price             TEXT    NOT NULL,
	high_price             TEXT    NOT NULL,
	low_price              TEXT    NOT NULL,
	close_price            TEXT    NOT NULL,
	volume                 TEXT    NOT NULL,
	buyers_volume          TEXT    NOT NULL,
	sellers_volume         TEXT    NOT NULL,
	num_buyers             INTEGER NOT NULL,
	num_sellers            INTEGER NOT NULL,
	power_position         INTEGER NOT NULL,
	max_buyers_per_second  INTEGER NOT NULL,
	max_sellers_per_second INTEGER NOT NULL,
	trade_count            INTEGER NOT NULL,
	closure                TEXT    NOT NULL,
	created_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (symbol, timestamp)
)`

const sqliteUpsert = `
INSERT OR REPLACE INTO candles (
	symbol, timestamp, datetime, open_price, high_price, low_price, close_price, volume,
	buyers_volume, sellers_volume, num_buyers, num_sellers, power_position,
	max_buyers_per_second, max_sellers_per_second, trade_count, closure
) VALUES (
	:symbol, :timestamp, :datetime, :open_price, :high_price, :low_price, :close_price, :volume,
	:buyers_volume, :sellers_volume, :num_buyers, :num_sellers, :power_position,
	:max_buyers_per_second, :max_sellers_per_second, :trade_count, :closure
)`

// StoredCandle is a row of the candles table. Decimal columns hold the exact
// decimal text.
type StoredCandle struct {
	Symbol              string `db:"symbol"`
	Timestamp           int64  `db:"timestamp"`
	Datetime            string `db:"datetime"`
	OpenPrice           string `db:"open_price"`
	HighPrice           string `db:"high_price"`
	LowPrice            string `db:"low_price"`
	ClosePrice          string `db:"close_price"`
	Volume              string `db:"volume"`
	BuyersVolume        string `db:"buyers_volume"`
	SellersVolume       string `db:"sellers_volume"`
	NumBuyers           int    `db:"num_buyers"`
	NumSellers          int    `db:"num_sellers"`
	PowerPosition       int    `db:"power_position"`
	MaxBuyersPerSecond  int    `db:"max_buyers_per_second"`
	MaxSellersPerSecond int    `db:"max_sellers_per_second"`
	TradeCount          int    `db:"trade_count"`
	Closure             string `db:"closure"`
}

func storedCandle(c model.Candle) StoredCandle {
	return StoredCandle{
		Symbol:              c.Pair,
		Timestamp:           c.Timestamp(),
		Datetime:            FormatDatetime(c.StartTime),
		OpenPrice:           c.Open.String(),
		HighPrice:           c.High.String(),
		LowPrice:            c.Low.String(),
		ClosePrice:          c.Close.String(),
		Volume:              c.Volume.String(),
		BuyersVolume:        c.BuyerVolume.String(),
		SellersVolume:       c.SellerVolume.String(),
		NumBuyers:           c.NumBuyerTrades,
		NumSellers:          c.NumSellerTrades,
		PowerPosition:       c.PowerPosition,
		MaxBuyersPerSecond:  c.MaxBuyersPerSecond,
		MaxSellersPerSecond: c.MaxSellersPerSecond,
		TradeCount:          c.TradeCount,
		Closure:             c.Closure.String(),
	}
}

// SQLiteSink upserts candles into a SQLite database keyed on (symbol, timestamp).
type SQLiteSink struct {
	db *sqlx.DB
}

// NewSQLiteSink opens (or creates) the database at dsn and ensures the schema.
func NewSQLiteSink(dsn string) (*SQLiteSink, error) {
	dir := filepath.Dir(dsn)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create candles table: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Write(ctx context.Context, candle model.Candle) error {
	if _, err := s.db.NamedExecContext(ctx, sqliteUpsert, storedCandle(candle)); err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest candles of symbol, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, symbol string, limit int) ([]StoredCandle, error) {
	var rows []StoredCandle
	err := s.db.SelectContext(ctx, &rows, `
		SELECT symbol, timestamp, datetime, open_price, high_price, low_price, close_price, volume,
		       buyers_volume, sellers_volume, num_buyers, num_sellers, power_position,
		       max_buyers_per_second, max_sellers_per_second, trade_count, closure
		FROM candles
		WHERE symbol = ?
		ORDER BY timestamp DESC
		LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	return rows, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/model"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoConnectTimeout = 10 * time.Second

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// CandleDocument is the stored form of a candle. Decimals are kept as Decimal128.
type CandleDocument struct {
	Symbol              string               `bson:"symbol"`
	Timestamp           int64                `bson:"timestamp"`
	StartTime           time.Time            `bson:"start_time"`
	Open                primitive.Decimal128 `bson:"open_price"`
	High                primitive.Decimal128 `bson:"high_price"`
	Low                 primitive.Decimal128 `bson:"low_price"`
	Close               primitive.Decimal128 `bson:"close_price"`
	Volume              primitive.Decimal128 `bson:"volume"`
	BuyersVolume        primitive.Decimal128 `bson:"buyers_volume"`
	SellersVolume       primitive.Decimal128 `bson:"sellers_volume"`
	NumBuyers           int                  `bson:"num_buyers"`
	NumSellers          int                  `bson:"num_sellers"`
	PowerPosition       int                  `bson:"power_position"`
	MaxBuyersPerSecond  int                  `bson:"max_buyers_per_second"`
	MaxSellersPerSecond int                  `bson:"max_sellers_per_second"`
	TradeCount          int                  `bson:"trade_count"`
	Closure             string               `bson:"closure"`
}

// NewCandleDocument converts a candle to its document form.
func NewCandleDocument(c model.Candle) (CandleDocument, error) {
	doc := CandleDocument{
		Symbol:              c.Pair,
		Timestamp:           c.Timestamp(),
		StartTime:           c.StartTime.UTC(),
		NumBuyers:           c.NumBuyerTrades,
		NumSellers:          c.NumSellerTrades,
		PowerPosition:       c.PowerPosition,
		MaxBuyersPerSecond:  c.MaxBuyersPerSecond,
		MaxSellersPerSecond: c.MaxSellersPerSecond,
		TradeCount:          c.TradeCount,
		Closure:             c.Closure.String(),
	}

	fields := []struct {
		dst *primitive.Decimal128
		src decimal.Decimal
	}{
		{&doc.Open, c.Open},
		{&doc.High, c.High},
		{&doc.Low, c.Low},
		{&doc.Close, c.Close},
		{&doc.Volume, c.Volume},
		{&doc.BuyersVolume, c.BuyerVolume},
		{&doc.SellersVolume, c.SellerVolume},
	}
	for _, f := range fields {
		d, err := primitive.ParseDecimal128(f.src.String())
		if err != nil {
			return CandleDocument{}, fmt.Errorf("convert %s to decimal128: %w", f.src, err)
		}
		*f.dst = d
	}

	return doc, nil
}

// candleCollection is the part of *mongo.Collection the sink writes through.
type candleCollection interface {
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// MongoSink upserts candles keyed on {symbol, timestamp}.
type MongoSink struct {
	client     *mongo.Client
	collection candleCollection
}

// NewMongoSink connects, pings and ensures the unique index on {symbol, timestamp}.
func NewMongoSink(ctx context.Context, cfg MongoConfig) (*MongoSink, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	collection := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "symbol", Value: 1}, {Key: "timestamp", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create candle index: %w", err)
	}

	return &MongoSink{client: client, collection: collection}, nil
}

func (s *MongoSink) Write(ctx context.Context, candle model.Candle) error {
	doc, err := NewCandleDocument(candle)
	if err != nil {
		return err
	}

	_, err = s.collection.ReplaceOne(ctx, candleFilter(doc), doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}
	return nil
}

func candleFilter(doc CandleDocument) bson.M {
	return bson.M{"symbol": doc.Symbol, "timestamp": doc.Timestamp}
}

func (s *MongoSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

package sink

import (
	"strconv"
	"strings"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/model"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// datetimeLayout renders window starts as RFC 3339 UTC with milliseconds.
const datetimeLayout = "2006-01-02T15:04:05.000Z07:00"

// CSVHeader is the header row of CSV output files.
var CSVHeader = []string{
	"timestamp", "datetime", "open", "high", "low", "close", "volume",
	"num_buyers", "num_sellers", "power_position",
	"max_buyers_per_second", "max_sellers_per_second",
}

// Record is the serialized form of a candle shared by the JSON-based sinks.
// Decimal fields are rendered as JSON numbers without losing precision.
type Record struct {
	Symbol              string      `json:"symbol"`
	Timestamp           int64       `json:"timestamp"`
	Datetime            string      `json:"datetime"`
	Open                json.Number `json:"open_price"`
	High                json.Number `json:"high_price"`
	Low                 json.Number `json:"low_price"`
	Close               json.Number `json:"close_price"`
	Volume              json.Number `json:"volume"`
	BuyersVolume        json.Number `json:"buyers_volume"`
	SellersVolume       json.Number `json:"sellers_volume"`
	NumBuyers           int         `json:"num_buyers"`
	NumSellers          int         `json:"num_sellers"`
	PowerPosition       int         `json:"power_position"`
	MaxBuyersPerSecond  int         `json:"max_buyers_per_second"`
	MaxSellersPerSecond int         `json:"max_sellers_per_second"`
	TradeCount          int         `json:"trade_count"`
	Closure             string      `json:"closure"`
}

// NewRecord converts a candle to its serialized form.
func NewRecord(c model.Candle) Record {
	return Record{
		Symbol:              c.Pair,
		Timestamp:           c.Timestamp(),
		Datetime:            FormatDatetime(c.StartTime),
		Open:                number(c.Open),
		High:                number(c.High),
		Low:                 number(c.Low),
		Close:               number(c.Close),
		Volume:              number(c.Volume),
		BuyersVolume:        number(c.BuyerVolume),
		SellersVolume:       number(c.SellerVolume),
		NumBuyers:           c.NumBuyerTrades,
		NumSellers:          c.NumSellerTrades,
		PowerPosition:       c.PowerPosition,
		MaxBuyersPerSecond:  c.MaxBuyersPerSecond,
		MaxSellersPerSecond: c.MaxSellersPerSecond,
		TradeCount:          c.TradeCount,
		Closure:             c.Closure.String(),
	}
}

// Marshal encodes the record as a single-line JSON object.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// CSVRow renders the record in CSVHeader order.
func (r Record) CSVRow() []string {
	return []string{
		strconv.FormatInt(r.Timestamp, 10),
		r.Datetime,
		r.Open.String(),
		r.High.String(),
		r.Low.String(),
		r.Close.String(),
		r.Volume.String(),
		strconv.Itoa(r.NumBuyers),
		strconv.Itoa(r.NumSellers),
		strconv.Itoa(r.PowerPosition),
		strconv.Itoa(r.MaxBuyersPerSecond),
		strconv.Itoa(r.MaxSellersPerSecond),
	}
}

// FormatDatetime renders t in UTC as RFC 3339 with milliseconds.
func FormatDatetime(t time.Time) string {
	return t.UTC().Format(datetimeLayout)
}

// fileSymbol renders a pair for file names: "ETH-USDT" becomes "ETHUSDT".
func fileSymbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "-", ""))
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

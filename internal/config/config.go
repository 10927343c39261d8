// Package config loads the collector configuration.
//
// Values are resolved in order: built-in defaults, an optional YAML file, an
// optional .env file and finally the process environment. The result is
// validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/candles"
	"github.com/cs-darshan/binance-data-collector/internal/exchange"
	"github.com/cs-darshan/binance-data-collector/internal/sink"
	"github.com/cs-darshan/binance-data-collector/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for configuration that fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete collector configuration.
type Config struct {
	Symbols  []string       `yaml:"symbols" validate:"required,min=1,dive,required"`
	Window   WindowConfig   `yaml:"window"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Output   OutputConfig   `yaml:"output"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

type WindowConfig struct {
	Width              time.Duration `yaml:"width" validate:"gte=1s,lte=60s"`
	StaleTimeout       time.Duration `yaml:"stale_timeout" validate:"gtefield=Width"`
	StaleCheckInterval time.Duration `yaml:"stale_check_interval" validate:"gt=0"`
	// GapFlushThreshold defaults to Width when zero.
	GapFlushThreshold time.Duration `yaml:"gap_flush_threshold" validate:"gte=0"`
}

type ExchangeConfig struct {
	URL                  string        `yaml:"url" validate:"required,url"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval" validate:"gt=0"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay" validate:"gtefield=ReconnectInterval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" validate:"gt=0"`
	MaxClockSkew         time.Duration `yaml:"max_clock_skew" validate:"gte=0"`
	MaxSymbols           int           `yaml:"max_symbols" validate:"gt=0"`
}

type OutputConfig struct {
	Formats    []string         `yaml:"formats" validate:"required,min=1,dive,oneof=csv json sqlite redis kafka clickhouse mongo"`
	DataDir    string           `yaml:"data_dir" validate:"required"`
	SQLitePath string           `yaml:"sqlite_path"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Mongo      MongoConfig      `yaml:"mongo"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"gte=0"`
	TTL      time.Duration `yaml:"ttl" validate:"gte=0"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout" validate:"gte=0"`
}

type ClickHouseConfig struct {
	Addr        string        `yaml:"addr"`
	Database    string        `yaml:"database"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gte=0"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" validate:"required"`
	HTTPAddr string `yaml:"http_addr"` // Empty disables the status server
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// Default returns the built-in configuration.
func Default() Config {
	binance := exchange.DefaultBinanceConfig()
	return Config{
		Symbols: []string{"ETH-USDT"},
		Window: WindowConfig{
			Width:              time.Minute,
			StaleTimeout:       90 * time.Second,
			StaleCheckInterval: time.Second,
		},
		Exchange: ExchangeConfig{
			URL:                  binance.BaseURL,
			ReconnectInterval:    binance.InitialBackoff,
			MaxReconnectDelay:    binance.MaxBackoff,
			MaxReconnectAttempts: binance.MaxReconnectAttempts,
			MaxClockSkew:         5 * time.Minute,
			MaxSymbols:           binance.MaxSymbols,
		},
		Output: OutputConfig{
			Formats: []string{sink.FormatCSV},
			DataDir: "./data",
			Redis: RedisConfig{
				Addr: "localhost:6379",
				TTL:  24 * time.Hour,
			},
			Kafka: KafkaConfig{
				Brokers:      []string{"localhost:9092"},
				Topic:        "candles",
				BatchTimeout: 100 * time.Millisecond,
			},
			ClickHouse: ClickHouseConfig{
				Addr:        "localhost:9000",
				Database:    "default",
				Username:    "default",
				DialTimeout: 10 * time.Second,
			},
			Mongo: MongoConfig{
				URI:        "mongodb://localhost:27017",
				Database:   "binance",
				Collection: "candles",
			},
		},
		Server: ServerConfig{
			GRPCAddr: ":50051",
			HTTPAddr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path and the
// environment. Either path or envFile may be empty; a missing envFile is
// ignored, a missing path is an error. Variables already set in the process
// environment win over the ones in envFile.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if dotenv, err = godotenv.Read(envFile); err != nil {
				return nil, fmt.Errorf("read env file %s: %w", envFile, err)
			}
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes symbols and formats and checks every field.
func (c *Config) Validate() error {
	for i, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if !strings.Contains(s, "-") {
			s = utils.NormalizeSymbol(s)
		}
		c.Symbols[i] = s
	}
	for i, f := range c.Output.Formats {
		c.Output.Formats[i] = strings.ToLower(strings.TrimSpace(f))
	}

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Window.Width%time.Second != 0 {
		return fmt.Errorf("%w: window width %s is not a whole number of seconds", ErrInvalidConfig, c.Window.Width)
	}
	if err := utils.ValidatePairs(c.Symbols, c.Exchange.MaxSymbols); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Aggregation returns the aggregator settings.
func (c *Config) Aggregation() candles.Config {
	gap := c.Window.GapFlushThreshold
	if gap == 0 {
		gap = c.Window.Width
	}
	return candles.Config{
		Interval:           c.Window.Width,
		StaleTimeout:       c.Window.StaleTimeout,
		StaleCheckInterval: c.Window.StaleCheckInterval,
		GapFlushThreshold:  gap,
	}
}

// Connector returns the exchange connector settings.
func (c *Config) Connector() *exchange.ExchangeConfig {
	return &exchange.ExchangeConfig{
		BaseURL:              c.Exchange.URL,
		MaxSymbols:           c.Exchange.MaxSymbols,
		InitialBackoff:       c.Exchange.ReconnectInterval,
		MaxBackoff:           c.Exchange.MaxReconnectDelay,
		MaxReconnectAttempts: c.Exchange.MaxReconnectAttempts,
		MaxClockSkew:         c.Exchange.MaxClockSkew,
	}
}

// Sinks returns the sink settings. Every call assigns a fresh run ID.
func (c *Config) Sinks() sink.Config {
	o := c.Output
	return sink.Config{
		Formats:    o.Formats,
		DataDir:    o.DataDir,
		SQLitePath: o.SQLitePath,
		RunID:      uuid.NewString(),
		Redis: sink.RedisConfig{
			Addr:     o.Redis.Addr,
			Password: o.Redis.Password,
			DB:       o.Redis.DB,
			TTL:      o.Redis.TTL,
		},
		Kafka: sink.KafkaConfig{
			Brokers:      o.Kafka.Brokers,
			Topic:        o.Kafka.Topic,
			BatchTimeout: o.Kafka.BatchTimeout,
		},
		ClickHouse: sink.ClickHouseConfig{
			Addr:        o.ClickHouse.Addr,
			Database:    o.ClickHouse.Database,
			Username:    o.ClickHouse.Username,
			Password:    o.ClickHouse.Password,
			DialTimeout: o.ClickHouse.DialTimeout,
		},
		Mongo: sink.MongoConfig{
			URI:        o.Mongo.URI,
			Database:   o.Mongo.Database,
			Collection: o.Mongo.Collection,
		},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.list("BINANCE_SYMBOL", &c.Symbols)
	e.list("BINANCE_SYMBOLS", &c.Symbols)
	e.str("BINANCE_WS_URL", &c.Exchange.URL)
	e.duration("RECONNECT_INTERVAL", &c.Exchange.ReconnectInterval)
	e.duration("MAX_RECONNECT_DELAY", &c.Exchange.MaxReconnectDelay)
	e.int("MAX_RECONNECT_ATTEMPTS", &c.Exchange.MaxReconnectAttempts)
	e.duration("MAX_CLOCK_SKEW", &c.Exchange.MaxClockSkew)

	e.duration("WINDOW_WIDTH", &c.Window.Width)
	e.duration("STALE_WINDOW_TIMEOUT", &c.Window.StaleTimeout)
	e.duration("GAP_FLUSH_THRESHOLD", &c.Window.GapFlushThreshold)

	e.list("OUTPUT_FORMAT", &c.Output.Formats)
	e.str("DATA_DIR", &c.Output.DataDir)
	e.str("SQLITE_PATH", &c.Output.SQLitePath)
	e.str("REDIS_ADDR", &c.Output.Redis.Addr)
	e.str("REDIS_PASSWORD", &c.Output.Redis.Password)
	e.int("REDIS_DB", &c.Output.Redis.DB)
	e.duration("REDIS_TTL", &c.Output.Redis.TTL)
	e.list("KAFKA_BROKERS", &c.Output.Kafka.Brokers)
	e.str("KAFKA_TOPIC", &c.Output.Kafka.Topic)
	e.str("CLICKHOUSE_ADDR", &c.Output.ClickHouse.Addr)
	e.str("CLICKHOUSE_DATABASE", &c.Output.ClickHouse.Database)
	e.str("CLICKHOUSE_USERNAME", &c.Output.ClickHouse.Username)
	e.str("CLICKHOUSE_PASSWORD", &c.Output.ClickHouse.Password)
	e.str("MONGO_URI", &c.Output.Mongo.URI)
	e.str("MONGO_DATABASE", &c.Output.Mongo.Database)

	e.str("GRPC_ADDR", &c.Server.GRPCAddr)
	e.str("HTTP_ADDR", &c.Server.HTTPAddr)

	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(strings.TrimSpace(v))
	}
	e.str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(e.errs...)
}

// envReader overrides config fields from environment variables and collects
// parse errors.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err))
		return
	}
	*dst = n
}

// duration accepts Go duration strings ("90s") or a plain number of seconds.
func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err))
		return
	}
	*dst = d
}

package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidConfig indicates that the provided ExchangeConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMalformedInput indicates a message that could not be decoded into a trade.
	ErrMalformedInput = errors.New("malformed input")

	// ErrInvalidValue indicates a decoded trade whose values are out of range.
	ErrInvalidValue = errors.New("invalid value")

	// ErrClockSkew indicates a trade timestamp too far from the local clock.
	ErrClockSkew = fmt.Errorf("%w: clock skew", ErrInvalidValue)
)

// ExchangeConfig provides the connection and reconnection parameters of a connector.
type ExchangeConfig struct {
	// BaseURL is the WebSocket endpoint URL for the exchange API.
	BaseURL string `validate:"required,url"`

	// MaxSymbols is the maximum number of trading pairs that can be subscribed to simultaneously.
	MaxSymbols int `validate:"gt=0"`

	// InitialBackoff is the wait before the first reconnection attempt.
	InitialBackoff time.Duration `validate:"gt=0"`

	// MaxBackoff caps the exponential reconnection wait.
	MaxBackoff time.Duration `validate:"gtefield=InitialBackoff"`

	// MaxReconnectAttempts is the number of consecutive failed reconnections
	// after which the feed is closed.
	MaxReconnectAttempts int `validate:"gt=0"`

	// MaxClockSkew bounds the distance between a trade timestamp and the local
	// clock. Zero disables the check.
	MaxClockSkew time.Duration `validate:"gte=0"`

	// FeedBufferSize is the capacity of each subscription's event channel.
	FeedBufferSize int `validate:"gt=0"`
}

// validateConfig applies defaults for unset fields and validates the result.
func validateConfig(cfg *ExchangeConfig, defaultCfg *ExchangeConfig) error {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCfg.BaseURL
	}
	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = defaultCfg.MaxSymbols
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultCfg.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultCfg.MaxBackoff
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultCfg.MaxReconnectAttempts
	}
	if cfg.FeedBufferSize <= 0 {
		cfg.FeedBufferSize = defaultCfg.FeedBufferSize
	}

	return validator.New().Struct(cfg)
}

// backoff returns the wait before reconnection attempt n (1-based):
// initial·2^(n-1), capped at ceiling.
func backoff(n int, initial, ceiling time.Duration) time.Duration {
	d := initial
	for i := 1; i < n && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

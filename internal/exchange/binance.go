// Package exchange provides the exchange connectors that feed the candle
// aggregator.
//
// A connector has two jobs. SubscribeToTrades keeps a trade stream open for
// one pair, reconnecting with exponential backoff and announcing every
// reconnection as a gap event. Normalize turns one raw exchange message into a
// validated model.TradeEvent.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/model"
	"github.com/cs-darshan/binance-data-collector/internal/utils"
	"github.com/cs-darshan/binance-data-collector/internal/websocket"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// tradeEventType is the Binance event type of raw trade messages.
const tradeEventType = "trade"

// defaultBinanceConfig provides the default configuration for Binance connections.
var defaultBinanceConfig = ExchangeConfig{
	BaseURL:              "wss://stream.binance.com:9443",
	MaxSymbols:           10,
	InitialBackoff:       5 * time.Second,
	MaxBackoff:           300 * time.Second,
	MaxReconnectAttempts: 10,
	FeedBufferSize:       1000,
}

// DefaultBinanceConfig returns a copy of the default Binance configuration.
func DefaultBinanceConfig() ExchangeConfig {
	return defaultBinanceConfig
}

// BinanceConnector streams raw trades from Binance and normalizes them.
type BinanceConnector struct {
	config   ExchangeConfig
	validate *validator.Validate
	now      func() time.Time
}

// msg is the combined-stream envelope:
//
//	{"stream": "ethusdt@trade", "data": {...}}
type msg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// trade is the Binance trade payload:
//
//	{"e":"trade","E":1700000040123,"s":"ETHUSDT","t":12345,"p":"2000.10",
//	 "q":"0.5","T":1700000040120,"m":true,"M":true}
type trade struct {
	EventType    string `json:"e" validate:"omitempty,eq=trade"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s" validate:"required"`
	TradeID      int64  `json:"t" validate:"gte=0"`
	Price        string `json:"p" validate:"required,numeric"`
	Quantity     string `json:"q" validate:"required,numeric"`
	Time         int64  `json:"T" validate:"required,gt=0"`
	IsBuyerMaker *bool  `json:"m" validate:"required"`
	// Ignore absorbs "M" so that case-insensitive key matching cannot
	// overwrite "m".
	Ignore bool `json:"M"`
}

// NewBinanceConnector creates a Binance connector. A nil cfg selects the
// defaults; zero fields of a non-nil cfg are filled from the defaults.
func NewBinanceConnector(cfg *ExchangeConfig) (*BinanceConnector, error) {
	c := defaultBinanceConfig
	if cfg != nil {
		c = *cfg
	}

	if err := validateConfig(&c, &defaultBinanceConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &BinanceConnector{
		config:   c,
		validate: validator.New(),
		now:      time.Now,
	}, nil
}

// Config returns the effective configuration.
func (bc *BinanceConnector) Config() ExchangeConfig {
	return bc.config
}

// Normalize decodes and validates one raw Binance trade message. Both the
// combined-stream envelope and a bare trade payload are accepted.
//
// Errors wrap ErrMalformedInput when the message cannot be decoded into a
// complete trade, and ErrInvalidValue (or ErrClockSkew) when the decoded
// values are out of range.
func (bc *BinanceConnector) Normalize(raw []byte) (model.TradeEvent, error) {
	payload, err := unwrap(raw)
	if err != nil {
		return model.TradeEvent{}, err
	}

	var t trade
	if err := json.Unmarshal(payload, &t); err != nil {
		return model.TradeEvent{}, fmt.Errorf("%w: invalid trade payload: %v", ErrMalformedInput, err)
	}

	if err := bc.validate.Struct(&t); err != nil {
		return model.TradeEvent{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return model.TradeEvent{}, fmt.Errorf("%w: price %q: %v", ErrMalformedInput, t.Price, err)
	}
	quantity, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return model.TradeEvent{}, fmt.Errorf("%w: quantity %q: %v", ErrMalformedInput, t.Quantity, err)
	}

	if !price.IsPositive() {
		return model.TradeEvent{}, fmt.Errorf("%w: price must be positive, got %s", ErrInvalidValue, t.Price)
	}
	if !quantity.IsPositive() {
		return model.TradeEvent{}, fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidValue, t.Quantity)
	}

	now := bc.now()
	ts := time.UnixMilli(t.Time).UTC()
	if skew := bc.config.MaxClockSkew; skew > 0 {
		if d := now.Sub(ts); d > skew || d < -skew {
			return model.TradeEvent{}, fmt.Errorf("%w: trade time %s is %s from local clock",
				ErrClockSkew, ts.Format(time.RFC3339Nano), d)
		}
	}

	return model.TradeEvent{
		Pair:         utils.NormalizeSymbol(t.Symbol),
		TradeID:      t.TradeID,
		Price:        price,
		Quantity:     quantity,
		Timestamp:    ts,
		IsBuyerMaker: *t.IsBuyerMaker,
		ReceivedAt:   now,
	}, nil
}

// unwrap returns the trade payload of an envelope, or raw itself when the
// message is a bare payload.
func unwrap(raw []byte) ([]byte, error) {
	var m msg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedInput, err)
	}
	if len(m.Data) == 0 {
		return raw, nil
	}
	if m.Stream != "" && !strings.HasSuffix(m.Stream, "@"+tradeEventType) {
		return nil, fmt.Errorf("%w: unexpected stream %q", ErrMalformedInput, m.Stream)
	}
	return m.Data, nil
}

// SubscribeToTrades opens the trade stream of one pair and returns its event
// feed.
//
// The first connection is attempted synchronously and its failure is
// returned. Afterwards a supervisor reconnects whenever the connection drops,
// waiting InitialBackoff·2^(n-1) (capped at MaxBackoff) before attempt n, and
// emits a StreamGap event after every successful reconnection. When
// MaxReconnectAttempts consecutive attempts fail, or ctx is cancelled, the
// feed is closed.
func (bc *BinanceConnector) SubscribeToTrades(ctx context.Context, pair string) (<-chan model.StreamEvent, error) {
	if err := utils.ValidateSymbol(pair); err != nil {
		return nil, err
	}

	streamURL, err := bc.buildStreamUrl([]string{pair})
	if err != nil {
		return nil, err
	}

	s := &subscription{
		pair:     pair,
		endpoint: streamURL,
		config:   bc.config,
		now:      bc.now,
		feed:     make(chan model.StreamEvent, bc.config.FeedBufferSize),
		logger:   log.With().Str("component", "binance").Str("pair", pair).Logger(),
	}

	open := make(chan struct{})
	close(open)

	s.lastSeen.Store(s.now().UnixNano())
	client, err := s.connect(ctx, open)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to create Binance WebSocket client")
		return nil, err
	}

	go s.supervise(ctx, client)
	return s.feed, nil
}

// buildStreamUrl constructs the combined stream URL:
// wss://stream.binance.com:9443/stream?streams=ethusdt@trade/btcusdt@trade
func (bc *BinanceConnector) buildStreamUrl(pairs []string) (string, error) {
	streams := make([]string, 0, len(pairs))

	for _, s := range pairs {
		if err := utils.ValidateSymbol(s); err != nil {
			return "", err
		}
		streams = append(streams, utils.ExchangeSymbol(s)+"@"+tradeEventType)
	}

	return fmt.Sprintf("%s/stream?streams=%s",
		strings.TrimRight(bc.config.BaseURL, "/"), strings.Join(streams, "/")), nil
}

// subscription is the connection supervisor of one pair. The feed is written
// by the supervisor and by the read loop of the current client only; a new
// client is started after the previous one is done.
type subscription struct {
	pair     string
	endpoint string
	config   ExchangeConfig
	now      func() time.Time
	feed     chan model.StreamEvent
	logger   zerolog.Logger

	lastSeen atomic.Int64 // unix nanos of the last received message
}

// connect starts a client whose messages are held back until gate is closed.
func (s *subscription) connect(ctx context.Context, gate <-chan struct{}) (*websocket.Client, error) {
	client, err := websocket.NewWebsocketClient(ctx, websocket.Config{
		Endpoint: s.endpoint,
		Handler: func(data []byte) error {
			return s.deliver(ctx, gate, data)
		},
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// deliver forwards a raw message to the feed, blocking while it is full.
func (s *subscription) deliver(ctx context.Context, gate <-chan struct{}, data []byte) error {
	receivedAt := s.now()

	select {
	case <-gate:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.lastSeen.Store(receivedAt.UnixNano())
	select {
	case s.feed <- model.StreamEvent{Kind: model.TradeMessage, Raw: data, ReceivedAt: receivedAt}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) supervise(ctx context.Context, client *websocket.Client) {
	defer close(s.feed)

	for {
		select {
		case <-ctx.Done():
			client.Close()
			s.logger.Info().Msg("subscription cancelled")
			return
		case <-client.Done():
		}

		client.Close()
		lastSeen := time.Unix(0, s.lastSeen.Load()).UTC()

		var err error
		select {
		case reason := <-client.ErrChan():
			err = reason
		default:
		}
		s.logger.Warn().Err(err).Time("last_seen", lastSeen).Msg("trade stream disconnected")

		gate := make(chan struct{})
		client = s.reconnect(ctx, gate)
		if client == nil {
			return
		}

		gap := model.Gap{LastSeenBefore: lastSeen, ResumedAt: s.now().UTC()}
		s.logger.Info().Dur("gap", gap.Duration()).Msg("trade stream resumed")

		select {
		case s.feed <- model.StreamEvent{Kind: model.StreamGap, Gap: gap, ReceivedAt: gap.ResumedAt}:
			close(gate)
		case <-ctx.Done():
			client.Close()
			return
		}
	}
}

// reconnect retries the connection with exponential backoff. It returns nil
// when ctx is cancelled or the attempts are exhausted. Messages of the new
// client wait on gate so that the gap event is queued before them.
func (s *subscription) reconnect(ctx context.Context, gate <-chan struct{}) *websocket.Client {
	for attempt := 1; attempt <= s.config.MaxReconnectAttempts; attempt++ {
		wait := backoff(attempt, s.config.InitialBackoff, s.config.MaxBackoff)
		s.logger.Info().Int("attempt", attempt).Dur("backoff", wait).Msg("reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		client, err := s.connect(ctx, gate)
		if err == nil {
			return client
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}

	s.logger.Error().
		Int("attempts", s.config.MaxReconnectAttempts).
		Msg("giving up on trade stream, closing feed")
	return nil
}

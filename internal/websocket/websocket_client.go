// Package websocket provides the WebSocket transport used by exchange
// connectors.
//
// A Client owns exactly one connection. It dials, reads messages sequentially
// and hands each one to the configured Handler, keeps the connection alive with
// pings, and closes Done() when the connection ends for any reason. Reconnection
// is the caller's concern: a new connection means a new Client.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultPingPeriod       = 15 * time.Second
	defaultSendTimeout      = 5 * time.Second
	defaultReadLimit        = 1 << 20 // 1MB
	defaultHandshakeTimeout = 10 * time.Second
	closeWaitTimeout        = 5 * time.Second
)

// ErrClientShuttingDown is reported when the client stops because it was closed.
var ErrClientShuttingDown = errors.New("client is shutting down")

// Handler processes one incoming message. Messages are delivered one at a
// time, in the order they were read from the connection.
type Handler func(data []byte) error

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to. Required.
	Endpoint string

	// Handler is called for each incoming message. Required.
	Handler Handler

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between ping messages.
	PingPeriod time.Duration

	// SendTimeout bounds every write to the connection.
	SendTimeout time.Duration

	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration

	// SubscriptionMessages are sent immediately after connecting.
	SubscriptionMessages [][]byte
}

// Client wraps a websocket.Conn with lifecycle and message handling logic.
type Client struct {
	conn atomic.Value // *websocket.Conn

	done    chan struct{}
	errChan chan error

	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	once sync.Once
	wg   sync.WaitGroup
}

// NewWebsocketClient dials the endpoint, sends the subscription messages and
// starts reading. It fails if the first connection cannot be established.
func NewWebsocketClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}

	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	client := &Client{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		errChan: make(chan error, 1),
		logger:  log.With().Str("component", "websocket").Str("endpoint", cfg.Endpoint).Logger(),
	}

	if err := client.run(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

// run establishes the connection and starts the background goroutines.
func (c *Client) run() error {
	c.logger.Info().Msg("starting WebSocket client")

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2)); err != nil {
			c.logger.Warn().Err(err).Msg("failed to set read deadline in pong handler")
		}
		return nil
	})

	for _, msg := range c.cfg.SubscriptionMessages {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.logger.Error().Err(err).Msg("subscription error")
			if closeErr := conn.Close(); closeErr != nil {
				c.logger.Warn().Err(closeErr).Msg("error closing connection during cleanup")
			}
			return err
		}
	}

	c.conn.Store(conn)

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.readLoop(conn)
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.shutdownListener()
	}()

	return nil
}

// readLoop reads messages until the connection fails or the client is closed.
// Handler errors and panics are logged and do not end the loop.
func (c *Client) readLoop(conn *websocket.Conn) {
	logger := c.logger.With().Str("loop", "read").Logger()
	logger.Info().Msg("starting read loop")

	defer func() {
		logger.Info().Msg("read loop exiting")
		close(c.done)
		// unblock the ping loop and shutdown listener
		c.cancel()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				c.report(ErrClientShuttingDown)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
				c.report(err)
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
				c.report(err)
			default:
				logger.Error().Err(err).Msg("read error")
				c.report(err)
			}
			return
		}

		logger.Trace().Int("messageType", messageType).Int("bytes", len(data)).Msg("received message")
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Any("recover", r).Msg("panic in message handler")
		}
	}()

	if err := c.cfg.Handler(data); err != nil {
		c.logger.Debug().Err(err).Msg("message handler failed")
	}
}

func (c *Client) report(err error) {
	select {
	case c.errChan <- err:
	default:
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn, ok := c.conn.Load().(*websocket.Conn)
			if !ok {
				continue
			}
			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn().Err(err).Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// shutdownListener closes the connection once the context is cancelled.
func (c *Client) shutdownListener() {
	<-c.ctx.Done()
	c.closeConn()
}

// Close shuts the client down and waits for its goroutines. It is safe to call
// more than once.
func (c *Client) Close() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(closeWaitTimeout):
		c.logger.Warn().Msg("timeout waiting for goroutines to complete")
	}
}

func (c *Client) closeConn() {
	c.once.Do(func() {
		conn, ok := c.conn.Load().(*websocket.Conn)
		if !ok {
			return
		}

		if err := conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug().Err(err).Msg("failed to send close frame")
		}

		if err := conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("error closing websocket connection")
		}
		c.logger.Info().Msg("websocket connection closed")
	})
}

// dial establishes a WebSocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := c.logger.With().
		Bool("tlsInsecureSkip", c.cfg.TLSInsecureSkip).
		Dur("handshakeTimeout", c.cfg.HandshakeTimeout).
		Logger()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Str("status", resp.Status).
				Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}

// Done returns a channel that is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ErrChan returns a channel that receives the error that ended the connection.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}

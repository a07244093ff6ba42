package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

// Options configures a StreamClient
type Options struct {
	URL            string
	Credentials    broker.Credentials
	Channels       []string // any of "trades", "quotes", "bars"
	ReconnectDelay time.Duration
	MaxAttempts    int
	ReadTimeout    time.Duration
	Buffer         int
}

// StreamClient manages the market data websocket and converts messages into
// broker ticks.
type StreamClient struct {
	opts   Options
	logger *zap.Logger

	mu                 sync.RWMutex
	conn               *websocket.Conn
	subscriptions      map[string]bool
	isConnected        bool
	isAuthenticated    bool
	connectionAttempts int
	reconnectDelay     time.Duration
	err                error

	ticks  chan broker.Tick
	closed bool
}

// Message envelopes and concrete message types
// We decode per-type to avoid conflicting JSON keys (e.g., "c" is conditions for trades but close for bars)
type messageEnvelope struct {
	MessageType string `json:"T"`
}

type tradeMessage struct {
	S    string          `json:"S"`
	P    decimal.Decimal `json:"p"`
	Size int64           `json:"s"`
	Time time.Time       `json:"t"`
}

type quoteMessage struct {
	S        string          `json:"S"`
	BidPrice decimal.Decimal `json:"bp"`
	AskPrice decimal.Decimal `json:"ap"`
	Time     time.Time       `json:"t"`
}

type barMessage struct {
	S      string          `json:"S"`
	Close  decimal.Decimal `json:"c"`
	Volume int64           `json:"v"`
	Time   time.Time       `json:"t"`
}

type successMessage struct {
	Msg string `json:"msg"`
}

type errorMessage struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// NewStreamClient creates a new streaming client
func NewStreamClient(opts Options, logger *zap.Logger) *StreamClient {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if len(opts.Channels) == 0 {
		opts.Channels = []string{"bars"}
	}
	return &StreamClient{
		opts:           opts,
		logger:         logger.With(zap.String("component", "market_stream")),
		subscriptions:  make(map[string]bool),
		reconnectDelay: opts.ReconnectDelay,
		ticks:          make(chan broker.Tick, opts.Buffer),
	}
}

// Ticks returns the channel of decoded market data. It is closed when the
// client gives up or ctx passed to Connect ends.
func (c *StreamClient) Ticks() <-chan broker.Tick {
	return c.ticks
}

// Err returns why the stream stopped, if it did
func (c *StreamClient) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Connect establishes the websocket connection and starts the read loop,
// which reconnects with backoff until ctx is done.
func (c *StreamClient) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.run(ctx)
	return nil
}

func (c *StreamClient) dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Close existing connection if any
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.isConnected = false
		c.isAuthenticated = false
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		c.connectionAttempts++
		return &models.TransientBrokerError{Op: "websocket dial", Err: err}
	}

	c.conn = conn
	c.isConnected = true
	c.isAuthenticated = false

	// Authenticate immediately
	auth := struct {
		Action string `json:"action"`
		Key    string `json:"key"`
		Secret string `json:"secret"`
	}{
		Action: "auth",
		Key:    c.opts.Credentials.KeyID,
		Secret: c.opts.Credentials.SecretKey,
	}

	if err := c.conn.WriteJSON(auth); err != nil {
		c.conn.Close()
		c.conn = nil
		c.isConnected = false
		c.connectionAttempts++
		return &models.TransientBrokerError{Op: "websocket auth write", Err: err}
	}

	c.logger.Info("Websocket connected", zap.String("url", c.opts.URL))
	return nil
}

// Subscribe adds symbols to stream
func (c *StreamClient) Subscribe(symbols []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, symbol := range symbols {
		c.subscriptions[symbol] = true
	}

	if c.isConnected && c.isAuthenticated {
		return c.subscribeLocked(symbols)
	}

	// Not connected or not authenticated yet; stage the subscriptions
	c.logger.Info("Staged subscriptions (will subscribe after authentication)", zap.Strings("symbols", symbols))
	return nil
}

func (c *StreamClient) subscribeLocked(symbols []string) error {
	msg := map[string]interface{}{"action": "subscribe"}
	for _, ch := range c.opts.Channels {
		msg[ch] = symbols
	}
	c.logger.Info("Sending subscription", zap.Strings("symbols", symbols), zap.Strings("channels", c.opts.Channels))
	return c.conn.WriteJSON(msg)
}

// run reads until the connection drops, then reconnects
func (c *StreamClient) run(ctx context.Context) {
	defer c.shutdown()

	for {
		err := c.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}

		var authErr *models.AuthError
		if errors.As(err, &authErr) {
			c.fail(err)
			return
		}
		c.logger.Warn("Websocket disconnected", zap.Error(err))

		if !c.reconnect(ctx) {
			return
		}
	}
}

func (c *StreamClient) readLoop(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.New("not connected")
	}

	// Unblock ReadJSON when ctx ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var rawMsgs []json.RawMessage

		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		if err := conn.ReadJSON(&rawMsgs); err != nil {
			c.mu.Lock()
			c.isConnected = false
			c.isAuthenticated = false
			c.mu.Unlock()
			return err
		}

		for _, raw := range rawMsgs {
			if err := c.processMessage(raw); err != nil {
				return err
			}
		}
	}
}

// processMessage handles individual stream messages. Only authentication
// failures are returned.
func (c *StreamClient) processMessage(raw json.RawMessage) error {
	var env messageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Error("failed to parse message envelope", zap.Error(err))
		return nil
	}

	switch env.MessageType {
	case "t": // Trade
		var tm tradeMessage
		if err := json.Unmarshal(raw, &tm); err != nil {
			c.logger.Error("failed to parse trade message", zap.Error(err))
			return nil
		}
		c.emit(broker.Tick{Kind: broker.TickTrade, Symbol: tm.S, Price: tm.P, Size: tm.Size, Timestamp: tm.Time})

	case "q": // Quote
		var qm quoteMessage
		if err := json.Unmarshal(raw, &qm); err != nil {
			c.logger.Error("failed to parse quote message", zap.Error(err))
			return nil
		}
		c.emit(broker.Tick{Kind: broker.TickQuote, Symbol: qm.S, BidPrice: qm.BidPrice, AskPrice: qm.AskPrice, Timestamp: qm.Time})

	case "b": // Bar
		var bm barMessage
		if err := json.Unmarshal(raw, &bm); err != nil {
			c.logger.Error("failed to parse bar message", zap.Error(err))
			return nil
		}
		c.emit(broker.Tick{Kind: broker.TickBar, Symbol: bm.S, Price: bm.Close, Size: bm.Volume, Timestamp: bm.Time})

	case "success":
		var sm successMessage
		if err := json.Unmarshal(raw, &sm); err != nil {
			c.logger.Error("failed to parse success message", zap.Error(err))
			return nil
		}
		c.logger.Info("Stream message", zap.String("msg", sm.Msg))

		// Mark as authenticated only on "authenticated" message, not "connected"
		if sm.Msg == "authenticated" {
			c.mu.Lock()
			c.isAuthenticated = true
			c.connectionAttempts = 0
			c.reconnectDelay = c.opts.ReconnectDelay
			symbols := make([]string, 0, len(c.subscriptions))
			for symbol := range c.subscriptions {
				symbols = append(symbols, symbol)
			}
			sort.Strings(symbols)
			var err error
			if len(symbols) > 0 {
				err = c.subscribeLocked(symbols)
			}
			c.mu.Unlock()
			if err != nil {
				c.logger.Error("Failed to resubscribe after authentication", zap.Error(err))
			}
		}

	case "subscription":
		c.logger.Debug("Subscription confirmed", zap.ByteString("msg", raw))

	case "error":
		var em errorMessage
		if err := json.Unmarshal(raw, &em); err != nil {
			c.logger.Error("failed to parse error message", zap.Error(err))
			return nil
		}
		c.logger.Error("Stream error", zap.Int("code", em.Code), zap.String("message", em.Msg))

		switch em.Code {
		case 406: // Connection limit exceeded
			c.mu.Lock()
			c.reconnectDelay = 30 * time.Second
			c.mu.Unlock()
		case 401, 402, 404: // not authenticated, auth failed, auth timeout
			return &models.AuthError{Err: fmt.Errorf("market data stream: %s (%d)", em.Msg, em.Code)}
		}
	}
	return nil
}

func (c *StreamClient) emit(t broker.Tick) {
	select {
	case c.ticks <- t:
	default:
		c.logger.Debug("tick buffer full, dropping", zap.String("symbol", t.Symbol))
	}
}

// reconnect attempts to reconnect with exponential backoff
func (c *StreamClient) reconnect(ctx context.Context) bool {
	c.mu.RLock()
	backoff := c.reconnectDelay
	c.mu.RUnlock()
	maxBackoff := 60 * time.Second

	for {
		c.mu.RLock()
		attempts := c.connectionAttempts
		c.mu.RUnlock()
		if attempts >= c.opts.MaxAttempts {
			c.fail(&models.TransientBrokerError{Op: "websocket reconnect", Err: fmt.Errorf("gave up after %d attempts", attempts)})
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect",
			zap.Duration("backoff", backoff),
			zap.Int("attempt", attempts+1))

		if err := c.dial(ctx); err != nil {
			c.logger.Error("Reconnect failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		c.logger.Info("Reconnected successfully")
		return true
	}
}

func (c *StreamClient) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *StreamClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		// Send close message
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
	c.isConnected = false
	c.isAuthenticated = false
	if !c.closed {
		c.closed = true
		close(c.ticks)
	}
}

// IsConnected returns connection status
func (c *StreamClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected && c.isAuthenticated
}


// Package alpaca implements broker.Client against the Alpaca trading and
// market data APIs.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/internal/config"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
	"github.com/dliu42/algorithmic-trading-bot/internal/websocket"
)

// Compile-time interface check.
var _ broker.Client = (*Client)(nil)

// Market data sources
const (
	SourceBars   = "bars"
	SourceTrades = "trades"
	SourcePoll   = "poll"
)

var exchangeTZ = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
}

// Options configures a Client
type Options struct {
	TradingURL   string
	DataURL      string
	StreamURL    string
	Feed         string // iex or sip
	Source       string // bars, trades or poll
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

// OptionsFromConfig derives client options from the session configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TradingURL:   cfg.Endpoints.Trading,
		DataURL:      cfg.Endpoints.Data,
		StreamURL:    cfg.Endpoints.Stream,
		Feed:         cfg.MarketData.Feed,
		Source:       cfg.MarketData.Source,
		PollInterval: cfg.PollInterval,
		HTTPTimeout:  cfg.HTTPTimeout,
	}
}

// Client talks to Alpaca. Orders, positions and the account go through the
// REST API directly; the calendar, trade updates and latest trades use the
// official SDK; streaming market data uses the websocket package.
type Client struct {
	opts       Options
	httpClient *http.Client
	logger     *zap.Logger

	mu     sync.RWMutex
	creds  broker.Credentials
	trade  *alpacaapi.Client
	data   *marketdata.Client
	stream *websocket.StreamClient
}

// NewClient creates a client; call Connect before use
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.Source == "" {
		opts.Source = SourceBars
	}
	if opts.Feed == "" {
		opts.Feed = "iex"
	}
	return &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.HTTPTimeout},
		logger:     logger.With(zap.String("component", "alpaca")),
	}
}

// Connect stores the credentials and verifies them against the account endpoint
func (c *Client) Connect(ctx context.Context, creds broker.Credentials) error {
	c.mu.Lock()
	c.creds = creds
	c.trade = alpacaapi.NewClient(alpacaapi.ClientOpts{
		APIKey:    creds.KeyID,
		APISecret: creds.SecretKey,
		BaseURL:   c.opts.TradingURL,
	})
	dataOpts := marketdata.ClientOpts{APIKey: creds.KeyID, APISecret: creds.SecretKey}
	if c.opts.DataURL != "" {
		dataOpts.BaseURL = c.opts.DataURL
	}
	c.data = marketdata.NewClient(dataOpts)
	c.mu.Unlock()

	acct, err := c.Account(ctx)
	if err != nil {
		return fmt.Errorf("verify credentials: %w", err)
	}
	c.logger.Info("connected to broker",
		zap.String("account", acct.AccountNumber),
		zap.String("status", acct.Status),
		zap.String("trading_url", c.opts.TradingURL))
	return nil
}

// doRequest performs an HTTP request with auth headers. Transport failures are
// reported as transient.
func (c *Client) doRequest(ctx context.Context, op, method, url string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.mu.RLock()
	req.Header.Set("APCA-API-KEY-ID", c.creds.KeyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.creds.SecretKey)
	c.mu.RUnlock()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &models.TransientBrokerError{Op: op, Err: err}
	}
	return resp, nil
}

// apiError is the error body Alpaca returns
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// parseResponse classifies the status code and unmarshals the body
func parseResponse(op string, resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return classify(op, resp.StatusCode, body)
	}

	if target == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// classify maps an HTTP failure onto the broker error taxonomy. Alpaca signals
// business refusals such as insufficient buying power with 403 and 422.
func classify(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
		msg = ae.Message
	}
	err := fmt.Errorf("API error %d: %s", status, msg)

	switch {
	case status == http.StatusUnauthorized:
		return &models.AuthError{Err: err}
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return &models.TransientBrokerError{Op: op, Err: err}
	case strings.Contains(msg, "client_order_id must be unique"):
		return fmt.Errorf("%s: %w", err, models.ErrDuplicateClientOrderID)
	default:
		return &models.RejectedOrderError{Reason: msg}
	}
}

type accountResponse struct {
	AccountNumber  string          `json:"account_number"`
	Status         string          `json:"status"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Cash           decimal.Decimal `json:"cash"`
	Equity         decimal.Decimal `json:"equity"`
	LastEquity     decimal.Decimal `json:"last_equity"`
	TradingBlocked bool            `json:"trading_blocked"`
	AccountBlocked bool            `json:"account_blocked"`
}

// Account implements broker.Client
func (c *Client) Account(ctx context.Context) (broker.Account, error) {
	resp, err := c.doRequest(ctx, "get account", http.MethodGet, c.opts.TradingURL+"/v2/account", nil)
	if err != nil {
		return broker.Account{}, err
	}

	var a accountResponse
	if err := parseResponse("get account", resp, &a); err != nil {
		return broker.Account{}, asAuth(err)
	}
	return broker.Account{
		AccountNumber:  a.AccountNumber,
		Status:         a.Status,
		BuyingPower:    a.BuyingPower,
		Cash:           a.Cash,
		Equity:         a.Equity,
		LastEquity:     a.LastEquity,
		TradingBlocked: a.TradingBlocked || a.AccountBlocked,
	}, nil
}

// asAuth treats a 403 on the account endpoint as bad credentials
func asAuth(err error) error {
	var rej *models.RejectedOrderError
	if errors.As(err, &rej) {
		return &models.AuthError{Err: errors.New(rej.Reason)}
	}
	return err
}

type orderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id"`
}

type orderResponse struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	Status        string          `json:"status"`
	SubmittedAt   time.Time       `json:"submitted_at"`
}

// SubmitOrder implements broker.Client
func (c *Client) SubmitOrder(ctx context.Context, intent models.OrderIntent) (broker.Ack, error) {
	req := orderRequest{
		Symbol:        intent.Symbol,
		Qty:           intent.Qty.String(),
		Side:          string(intent.Side),
		Type:          string(intent.Type),
		TimeInForce:   string(intent.TimeInForce),
		ClientOrderID: intent.ClientOrderID,
	}
	resp, err := c.doRequest(ctx, "submit order", http.MethodPost, c.opts.TradingURL+"/v2/orders", req)
	if err != nil {
		return broker.Ack{}, err
	}

	var o orderResponse
	if err := parseResponse("submit order", resp, &o); err != nil {
		var rej *models.RejectedOrderError
		if errors.As(err, &rej) {
			rej.Symbol = intent.Symbol
			rej.ClientOrderID = intent.ClientOrderID
		}
		return broker.Ack{}, err
	}

	return o.ack(), nil
}

func (o orderResponse) ack() broker.Ack {
	status, ok := orderState(o.Status)
	if !ok {
		status = models.OrderAcknowledged
	}
	return broker.Ack{
		BrokerOrderID: o.ID,
		ClientOrderID: o.ClientOrderID,
		Status:        status,
		At:            o.SubmittedAt,
	}
}

// OrderByClientID implements broker.Client. An unknown id yields
// models.ErrOrderNotFound.
func (c *Client) OrderByClientID(ctx context.Context, clientOrderID string) (broker.Ack, error) {
	u := fmt.Sprintf("%s/v2/orders:by_client_order_id?client_order_id=%s", c.opts.TradingURL, url.QueryEscape(clientOrderID))
	resp, err := c.doRequest(ctx, "get order", http.MethodGet, u, nil)
	if err != nil {
		return broker.Ack{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return broker.Ack{}, fmt.Errorf("client order id %s: %w", clientOrderID, models.ErrOrderNotFound)
	}

	var o orderResponse
	if err := parseResponse("get order", resp, &o); err != nil {
		return broker.Ack{}, err
	}
	return o.ack(), nil
}

// CancelOrder implements broker.Client
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	u := fmt.Sprintf("%s/v2/orders/%s", c.opts.TradingURL, url.PathEscape(brokerOrderID))
	resp, err := c.doRequest(ctx, "cancel order", http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	return parseResponse("cancel order", resp, nil)
}

type positionResponse struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
}

// Positions returns broker positions with their current marks
func (c *Client) Positions(ctx context.Context) ([]models.Position, map[string]decimal.Decimal, error) {
	resp, err := c.doRequest(ctx, "get positions", http.MethodGet, c.opts.TradingURL+"/v2/positions", nil)
	if err != nil {
		return nil, nil, err
	}
	var raw []positionResponse
	if err := parseResponse("get positions", resp, &raw); err != nil {
		return nil, nil, err
	}

	positions := make([]models.Position, 0, len(raw))
	marks := make(map[string]decimal.Decimal, len(raw))
	for _, p := range raw {
		positions = append(positions, models.Position{Symbol: p.Symbol, Qty: p.Qty, AvgEntryPrice: p.AvgEntryPrice})
		if p.CurrentPrice.IsPositive() {
			marks[p.Symbol] = p.CurrentPrice
		}
	}
	return positions, marks, nil
}

// SnapshotPositions implements broker.Client. The snapshot time is taken
// before either request so later local fills are never overwritten.
func (c *Client) SnapshotPositions(ctx context.Context) (broker.Snapshot, error) {
	snap := broker.Snapshot{At: time.Now()}

	positions, _, err := c.Positions(ctx)
	if err != nil {
		return snap, err
	}
	snap.Positions = positions

	resp, err := c.doRequest(ctx, "get orders", http.MethodGet, c.opts.TradingURL+"/v2/orders?status=open&limit=500", nil)
	if err != nil {
		return snap, err
	}
	var orders []orderResponse
	if err := parseResponse("get orders", resp, &orders); err != nil {
		return snap, err
	}
	for _, o := range orders {
		snap.OpenOrders = append(snap.OpenOrders, broker.OpenOrder{
			BrokerOrderID: o.ID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          models.OrderSide(o.Side),
			Qty:           o.Qty,
			FilledQty:     o.FilledQty,
		})
	}
	return snap, nil
}

// MarketCalendar implements broker.Client
func (c *Client) MarketCalendar(ctx context.Context, day time.Time) (models.TradingDay, error) {
	c.mu.RLock()
	trade := c.trade
	c.mu.RUnlock()
	if trade == nil {
		return models.TradingDay{}, errors.New("market calendar: not connected")
	}
	if err := ctx.Err(); err != nil {
		return models.TradingDay{}, err
	}

	local := day.In(exchangeTZ)
	calendar, err := trade.GetCalendar(alpacaapi.GetCalendarRequest{Start: local, End: local})
	if err != nil {
		return models.TradingDay{}, &models.TransientBrokerError{Op: "get calendar", Err: err}
	}

	date := local.Format("2006-01-02")
	for _, d := range calendar {
		if d.Date != date {
			continue
		}
		open, err := time.ParseInLocation("2006-01-02 15:04", d.Date+" "+d.Open, exchangeTZ)
		if err != nil {
			return models.TradingDay{}, fmt.Errorf("parse open time %q: %w", d.Open, err)
		}
		closeAt, err := time.ParseInLocation("2006-01-02 15:04", d.Date+" "+d.Close, exchangeTZ)
		if err != nil {
			return models.TradingDay{}, fmt.Errorf("parse close time %q: %w", d.Close, err)
		}
		return models.TradingDay{Date: d.Date, Open: open, Close: closeAt}, nil
	}
	return models.TradingDay{}, broker.ErrNoTradingDay
}

// StreamOrderUpdates implements broker.Client. The channel is never closed;
// consumers stop on their own context.
func (c *Client) StreamOrderUpdates(ctx context.Context) (<-chan models.OrderUpdate, error) {
	c.mu.RLock()
	trade := c.trade
	c.mu.RUnlock()
	if trade == nil {
		return nil, errors.New("stream order updates: not connected")
	}

	out := make(chan models.OrderUpdate, 256)
	trade.StreamTradeUpdatesInBackground(ctx, func(tu alpacaapi.TradeUpdate) {
		u, ok := toOrderUpdate(tu)
		if !ok {
			c.logger.Debug("ignoring trade update", zap.String("event", tu.Event), zap.String("client_order_id", tu.Order.ClientOrderID))
			return
		}
		select {
		case out <- u:
		case <-ctx.Done():
		}
	})
	return out, nil
}

func toOrderUpdate(tu alpacaapi.TradeUpdate) (models.OrderUpdate, bool) {
	state, ok := orderState(tu.Event)
	if !ok {
		return models.OrderUpdate{}, false
	}
	u := models.OrderUpdate{
		ClientOrderID: tu.Order.ClientOrderID,
		BrokerOrderID: tu.Order.ID,
		Symbol:        tu.Order.Symbol,
		Status:        state,
		FilledQty:     tu.Order.FilledQty,
		At:            tu.At,
	}
	if tu.Price != nil {
		u.FillPrice = *tu.Price
	} else if tu.Order.FilledAvgPrice != nil {
		u.FillPrice = *tu.Order.FilledAvgPrice
	}
	if state == models.OrderRejected || state == models.OrderCanceled {
		u.Reason = tu.Event
	}
	return u, true
}

// orderState maps Alpaca order statuses and trade update events
func orderState(s string) (models.OrderState, bool) {
	switch s {
	case "pending_new":
		return models.OrderSubmitted, true
	case "new", "accepted":
		return models.OrderAcknowledged, true
	case "partial_fill", "partially_filled":
		return models.OrderPartiallyFilled, true
	case "fill", "filled":
		return models.OrderFilled, true
	case "canceled", "done_for_day":
		return models.OrderCanceled, true
	case "expired":
		return models.OrderExpired, true
	case "rejected":
		return models.OrderRejected, true
	}
	return "", false
}

// SubscribeMarketData implements broker.Client using the websocket stream or,
// with the poll source, periodic latest-trade requests.
func (c *Client) SubscribeMarketData(ctx context.Context, symbols []string) (<-chan broker.Tick, error) {
	if c.opts.Source == SourcePoll {
		return c.poll(ctx, symbols), nil
	}

	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()

	stream := websocket.NewStreamClient(websocket.Options{
		URL:         c.opts.StreamURL,
		Credentials: creds,
		Channels:    []string{c.opts.Source},
	}, c.logger)
	if err := stream.Subscribe(symbols); err != nil {
		return nil, err
	}
	if err := stream.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
	return stream.Ticks(), nil
}

// StreamErr reports why the market data stream ended, if it has
func (c *Client) StreamErr() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stream == nil {
		return nil
	}
	return c.stream.Err()
}

func (c *Client) poll(ctx context.Context, symbols []string) <-chan broker.Tick {
	out := make(chan broker.Tick, 4*len(symbols)+1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(c.opts.PollInterval)
		defer ticker.Stop()

		for {
			c.pollOnce(ctx, symbols, out)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func (c *Client) pollOnce(ctx context.Context, symbols []string, out chan<- broker.Tick) {
	c.mu.RLock()
	data := c.data
	c.mu.RUnlock()
	if data == nil {
		return
	}

	trades, err := data.GetLatestTrades(symbols, marketdata.GetLatestTradeRequest{Feed: marketdata.Feed(c.opts.Feed)})
	if err != nil {
		c.logger.Warn("latest trades request failed", zap.Error(err))
		return
	}
	for _, sym := range symbols {
		tr, ok := trades[sym]
		if !ok {
			continue
		}
		tick := broker.Tick{
			Kind:      broker.TickTrade,
			Symbol:    sym,
			Price:     decimal.NewFromFloat(tr.Price),
			Size:      int64(tr.Size),
			Timestamp: tr.Timestamp,
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return
		}
	}
}

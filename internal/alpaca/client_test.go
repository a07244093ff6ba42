package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

type fakeAlpaca struct {
	t *testing.T

	mu       sync.Mutex
	canceled []string
	lastKey  string
}

func (f *fakeAlpaca) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKey = r.Header.Get("APCA-API-KEY-ID")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/v2/account":
		if f.lastKey == "bad" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":40110000,"message":"request is not authorized"}`))
			return
		}
		w.Write([]byte(`{"account_number":"PA123","status":"ACTIVE","buying_power":"25000.50","cash":"10000","equity":"10250","last_equity":"10000","trading_blocked":false}`))

	case r.URL.Path == "/v2/orders" && r.Method == http.MethodPost:
		var req orderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			f.t.Errorf("decode order: %v", err)
		}
		switch req.Symbol {
		case "BAD":
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"code":42210000,"message":"qty must be > 0"}`))
		case "BUSY":
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"rate limit exceeded"}`))
		case "DOWN":
			w.WriteHeader(http.StatusBadGateway)
		case "POOR":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"code":40310000,"message":"insufficient buying power"}`))
		case "DUPE":
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"code":40010001,"message":"client_order_id must be unique"}`))
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"id":              "b-" + req.ClientOrderID,
				"client_order_id": req.ClientOrderID,
				"symbol":          req.Symbol,
				"side":            req.Side,
				"qty":             req.Qty,
				"filled_qty":      "0",
				"status":          "accepted",
				"submitted_at":    "2026-03-02T15:00:00Z",
			})
		}

	case r.URL.Path == "/v2/orders" && r.Method == http.MethodGet:
		if r.URL.Query().Get("status") != "open" {
			f.t.Errorf("Expected status=open, got %s", r.URL.RawQuery)
		}
		w.Write([]byte(`[{"id":"b-1","client_order_id":"c-1","symbol":"KO","side":"buy","qty":"10","filled_qty":"4","status":"partially_filled"}]`))

	case r.URL.Path == "/v2/orders:by_client_order_id" && r.Method == http.MethodGet:
		id := r.URL.Query().Get("client_order_id")
		if id != "c-DUPE" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"code":40410000,"message":"order not found"}`))
			return
		}
		w.Write([]byte(`{"id":"b-7","client_order_id":"c-DUPE","symbol":"DUPE","side":"buy","qty":"5","filled_qty":"2","status":"partially_filled"}`))

	case strings.HasPrefix(r.URL.Path, "/v2/orders/") && r.Method == http.MethodDelete:
		id := strings.TrimPrefix(r.URL.Path, "/v2/orders/")
		if id == "gone" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"message":"order is not cancelable"}`))
			return
		}
		f.canceled = append(f.canceled, id)
		w.WriteHeader(http.StatusNoContent)

	case r.URL.Path == "/v2/positions":
		w.Write([]byte(`[{"symbol":"KO","qty":"-16","avg_entry_price":"60.10"},{"symbol":"PEP","qty":"6","avg_entry_price":"150"}]`))

	case r.URL.Path == "/v2/calendar":
		if r.URL.Query().Get("start") == "2026-03-07" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[{"date":"2026-03-02","open":"09:30","close":"16:00","session_open":"0400","session_close":"2000"}]`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeAlpaca) {
	t.Helper()
	fake := &fakeAlpaca{t: t}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c := NewClient(Options{TradingURL: srv.URL, DataURL: srv.URL, HTTPTimeout: 5 * time.Second}, zap.NewNop())
	if err := c.Connect(context.Background(), broker.Credentials{KeyID: "key", SecretKey: "secret"}); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	return c, fake
}

func TestConnectAndAccount(t *testing.T) {
	c, fake := newTestClient(t)

	acct, err := c.Account(context.Background())
	if err != nil {
		t.Fatalf("Account() failed: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.lastKey != "key" {
		t.Errorf("Expected auth header, got %q", fake.lastKey)
	}
	if acct.AccountNumber != "PA123" || !acct.BuyingPower.Equal(decimal.RequireFromString("25000.50")) {
		t.Errorf("Unexpected account %+v", acct)
	}
	if !acct.DailyProfit().Equal(decimal.NewFromInt(250)) {
		t.Errorf("Expected daily profit 250, got %s", acct.DailyProfit())
	}
}

func TestConnectBadCredentials(t *testing.T) {
	srv := httptest.NewServer(&fakeAlpaca{t: t})
	defer srv.Close()

	c := NewClient(Options{TradingURL: srv.URL}, zap.NewNop())
	err := c.Connect(context.Background(), broker.Credentials{KeyID: "bad", SecretKey: "x"})

	var auth *models.AuthError
	if !errors.As(err, &auth) {
		t.Fatalf("Expected AuthError, got %v", err)
	}
}

func TestSubmitOrderClassification(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	intent := func(symbol string) models.OrderIntent {
		return models.OrderIntent{
			ClientOrderID: "c-" + symbol,
			Symbol:        symbol,
			Side:          models.Buy,
			Qty:           decimal.NewFromInt(5),
			Type:          models.Market,
			TimeInForce:   models.Day,
		}
	}

	ack, err := c.SubmitOrder(ctx, intent("KO"))
	if err != nil {
		t.Fatalf("SubmitOrder() failed: %v", err)
	}
	if ack.BrokerOrderID != "b-c-KO" || ack.Status != models.OrderAcknowledged {
		t.Errorf("Unexpected ack %+v", ack)
	}

	tests := []struct {
		symbol    string
		transient bool
		rejected  bool
	}{
		{"BAD", false, true},
		{"POOR", false, true},
		{"BUSY", true, false},
		{"DOWN", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			_, err := c.SubmitOrder(ctx, intent(tt.symbol))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if models.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v (%v)", models.IsTransient(err), tt.transient, err)
			}
			if models.IsRejected(err) != tt.rejected {
				t.Errorf("IsRejected = %v, want %v (%v)", models.IsRejected(err), tt.rejected, err)
			}
			var rej *models.RejectedOrderError
			if errors.As(err, &rej) && rej.ClientOrderID != "c-"+tt.symbol {
				t.Errorf("Expected rejection to carry the client order id, got %q", rej.ClientOrderID)
			}
		})
	}
}

func TestDuplicateClientOrderID(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.SubmitOrder(ctx, models.OrderIntent{ClientOrderID: "c-DUPE", Symbol: "DUPE", Side: models.Buy, Qty: decimal.NewFromInt(5)})
	if !errors.Is(err, models.ErrDuplicateClientOrderID) {
		t.Fatalf("Expected duplicate client order id, got %v", err)
	}
	if models.IsRejected(err) || models.IsTransient(err) {
		t.Errorf("Expected duplicate to be neither rejected nor transient, got %v", err)
	}

	ack, err := c.OrderByClientID(ctx, "c-DUPE")
	if err != nil {
		t.Fatalf("OrderByClientID() failed: %v", err)
	}
	if ack.BrokerOrderID != "b-7" || ack.ClientOrderID != "c-DUPE" || ack.Status != models.OrderPartiallyFilled {
		t.Errorf("Unexpected ack %+v", ack)
	}

	if _, err := c.OrderByClientID(ctx, "c-unknown"); !errors.Is(err, models.ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestSubmitOrderNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Options{TradingURL: url, HTTPTimeout: time.Second}, zap.NewNop())
	_, err := c.SubmitOrder(context.Background(), models.OrderIntent{ClientOrderID: "c-1", Symbol: "KO", Qty: decimal.NewFromInt(1)})
	if !models.IsTransient(err) {
		t.Errorf("Expected transient error, got %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	c, fake := newTestClient(t)

	if err := c.CancelOrder(context.Background(), "b-9"); err != nil {
		t.Fatalf("CancelOrder() failed: %v", err)
	}
	fake.mu.Lock()
	canceled := append([]string(nil), fake.canceled...)
	fake.mu.Unlock()
	if len(canceled) != 1 || canceled[0] != "b-9" {
		t.Errorf("Expected b-9 canceled, got %v", canceled)
	}
	if err := c.CancelOrder(context.Background(), "gone"); !models.IsRejected(err) {
		t.Errorf("Expected rejection for uncancelable order, got %v", err)
	}
}

func TestSnapshotPositions(t *testing.T) {
	c, _ := newTestClient(t)
	before := time.Now()

	snap, err := c.SnapshotPositions(context.Background())
	if err != nil {
		t.Fatalf("SnapshotPositions() failed: %v", err)
	}
	if snap.At.Before(before) {
		t.Errorf("Expected snapshot time after %s, got %s", before, snap.At)
	}
	if len(snap.Positions) != 2 || !snap.Positions[0].Qty.Equal(decimal.NewFromInt(-16)) {
		t.Errorf("Unexpected positions %+v", snap.Positions)
	}
	if len(snap.OpenOrders) != 1 {
		t.Fatalf("Expected 1 open order, got %d", len(snap.OpenOrders))
	}
	o := snap.OpenOrders[0]
	if o.ClientOrderID != "c-1" || o.Side != models.Buy || !o.FilledQty.Equal(decimal.NewFromInt(4)) {
		t.Errorf("Unexpected open order %+v", o)
	}
}

func TestMarketCalendar(t *testing.T) {
	c, _ := newTestClient(t)

	day, err := c.MarketCalendar(context.Background(), time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("MarketCalendar() failed: %v", err)
	}
	if day.Date != "2026-03-02" {
		t.Errorf("Expected 2026-03-02, got %s", day.Date)
	}
	// 09:30 EST is 14:30 UTC
	if want := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC); !day.Open.Equal(want) {
		t.Errorf("Expected open %s, got %s", want, day.Open.UTC())
	}
	if day.Close.Sub(day.Open) != 6*time.Hour+30*time.Minute {
		t.Errorf("Expected a 6.5h session, got %s", day.Close.Sub(day.Open))
	}

	_, err = c.MarketCalendar(context.Background(), time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC))
	if !errors.Is(err, broker.ErrNoTradingDay) {
		t.Errorf("Expected ErrNoTradingDay for a weekend, got %v", err)
	}
}

func TestToOrderUpdate(t *testing.T) {
	price := decimal.RequireFromString("60.05")
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	u, ok := toOrderUpdate(alpacaapi.TradeUpdate{
		Event: "partial_fill",
		At:    at,
		Price: &price,
		Order: alpacaapi.Order{ID: "b-1", ClientOrderID: "c-1", Symbol: "KO", FilledQty: decimal.NewFromInt(4)},
	})
	if !ok {
		t.Fatal("Expected partial_fill to map")
	}
	if u.Status != models.OrderPartiallyFilled || !u.FilledQty.Equal(decimal.NewFromInt(4)) || !u.FillPrice.Equal(price) {
		t.Errorf("Unexpected update %+v", u)
	}
	if !u.At.Equal(at) || u.BrokerOrderID != "b-1" {
		t.Errorf("Expected ids and time carried, got %+v", u)
	}

	if _, ok := toOrderUpdate(alpacaapi.TradeUpdate{Event: "pending_cancel"}); ok {
		t.Error("Expected pending_cancel to be ignored")
	}

	u, _ = toOrderUpdate(alpacaapi.TradeUpdate{Event: "rejected", Order: alpacaapi.Order{ClientOrderID: "c-2"}})
	if u.Status != models.OrderRejected || u.Reason != "rejected" {
		t.Errorf("Expected rejection with reason, got %+v", u)
	}
}

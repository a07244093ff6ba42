package formatters

import (
	"strings"
	"testing"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"

	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

func init() {
	text.DisableColors()
}

func TestFormatDollarAmount(t *testing.T) {
	if got := FormatDollarAmount(decimal.RequireFromString("-12.345")); got != "-$12.35" {
		t.Errorf("Expected -$12.35, got %s", got)
	}
	if got := FormatPercent(decimal.RequireFromString("2.5")); got != "+2.50%" {
		t.Errorf("Expected +2.50%%, got %s", got)
	}
}

func TestFormatAccount(t *testing.T) {
	out := FormatAccount(broker.Account{
		AccountNumber: "PA123",
		Status:        "ACTIVE",
		Equity:        decimal.NewFromInt(10250),
		LastEquity:    decimal.NewFromInt(10000),
		BuyingPower:   decimal.NewFromInt(20000),
	}, "PAPER")

	for _, want := range []string{"PA123", "PAPER", "$250.00", "+2.50%", "$20000.00"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in account output:\n%s", want, out)
		}
	}
}

func TestFormatPositionsTable(t *testing.T) {
	positions := []models.Position{
		{Symbol: "KO", Qty: decimal.NewFromInt(-10), AvgEntryPrice: decimal.NewFromInt(60)},
		{Symbol: "PEP", Qty: decimal.NewFromInt(4), AvgEntryPrice: decimal.NewFromInt(150)},
	}
	marks := map[string]decimal.Decimal{"KO": decimal.NewFromInt(58)}

	out := FormatPositionsTable(positions, marks)
	// short KO gains 2 per share
	for _, want := range []string{"SHORT", "$20.00", "+3.33%", "LONG"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in positions output:\n%s", want, out)
		}
	}

	if out := FormatPositionsTable(nil, nil); !strings.Contains(out, "No positions") {
		t.Errorf("Expected empty marker, got:\n%s", out)
	}
}

func TestFormatOrdersTable(t *testing.T) {
	rec := models.NewOrderRecord(models.OrderIntent{
		ClientOrderID: "8f14e45f-ceea-467f-a0e6-7b1f7a9d0f00",
		PairID:        "KO/PEP",
		Symbol:        "KO",
		Side:          models.Sell,
		Qty:           decimal.NewFromInt(16),
	}, time.Now())
	rec.State = models.OrderRejected
	rec.Reason = "insufficient buying power"

	out := FormatOrdersTable([]models.OrderRecord{*rec})
	for _, want := range []string{"KO/PEP", "SELL", "rejected", "insufficient buying power", "8f14e45f-c..."} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in orders output:\n%s", want, out)
		}
	}
}

func TestFormatSessionState(t *testing.T) {
	st := models.SessionState{
		Phase:            models.Trading,
		Account:          "PAPER",
		PID:              4242,
		ActivePairs:      []string{"KO/PEP"},
		DeactivatedPairs: []string{"GOOGL/GOOG: retries exhausted"},
	}
	out := FormatSessionState(st, true)
	for _, want := range []string{"trading", "4242 (running)", "KO/PEP", "retries exhausted"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in status output:\n%s", want, out)
		}
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("abcdef", 5); got != "ab..." {
		t.Errorf("Expected ab..., got %s", got)
	}
	if got := TruncateString("abc", 5); got != "abc" {
		t.Errorf("Expected abc, got %s", got)
	}
}

package formatters

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"

	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

// Colors for different values
var (
	ColorGreen  = text.FgGreen
	ColorRed    = text.FgRed
	ColorYellow = text.FgYellow
	ColorBlue   = text.FgCyan
	ColorWhite  = text.FgWhite
	ColorGray   = text.FgHiBlack
)

// FormatPrice formats a price with color based on change
func FormatPrice(price decimal.Decimal, change decimal.Decimal) string {
	priceStr := fmt.Sprintf("$%.2f", price.InexactFloat64())

	if change.IsPositive() {
		return ColorGreen.Sprint(priceStr)
	} else if change.IsNegative() {
		return ColorRed.Sprint(priceStr)
	}
	return priceStr
}

// FormatPercent formats a percentage with color
func FormatPercent(percent decimal.Decimal) string {
	sign := ""
	if percent.IsPositive() {
		sign = "+"
	}

	percentStr := fmt.Sprintf("%s%.2f%%", sign, percent.InexactFloat64())

	if percent.IsPositive() {
		return ColorGreen.Sprint(percentStr)
	} else if percent.IsNegative() {
		return ColorRed.Sprint(percentStr)
	}
	return percentStr
}

// FormatDollarAmount formats a dollar amount with appropriate color
func FormatDollarAmount(amount decimal.Decimal) string {
	amountStr := fmt.Sprintf("$%.2f", amount.Abs().InexactFloat64())

	if amount.IsNegative() {
		return ColorRed.Sprint("-" + amountStr)
	}
	return ColorGreen.Sprint(amountStr)
}

// FormatAccount creates a pretty account summary
func FormatAccount(account broker.Account, accountType string) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)

	dailyPL := account.DailyProfit()
	dailyPLPercent := decimal.Zero
	if !account.LastEquity.IsZero() {
		dailyPLPercent = dailyPL.Div(account.LastEquity).Mul(decimal.NewFromInt(100))
	}

	mode := ColorYellow.Sprint("PAPER")
	if accountType == "REAL" {
		mode = ColorRed.Sprint("LIVE")
	}
	status := ColorGreen.Sprint(account.Status)
	if account.TradingBlocked {
		status = ColorRed.Sprint(account.Status + " (trading blocked)")
	}

	t.AppendRow(table.Row{"Account Number", account.AccountNumber})
	t.AppendRow(table.Row{"Mode", mode})
	t.AppendRow(table.Row{"Status", status})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Equity", fmt.Sprintf("$%.2f", account.Equity.InexactFloat64())})
	t.AppendRow(table.Row{"Cash", fmt.Sprintf("$%.2f", account.Cash.InexactFloat64())})
	t.AppendRow(table.Row{"Buying Power", ColorGreen.Sprintf("$%.2f", account.BuyingPower.InexactFloat64())})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Daily P&L", FormatDollarAmount(dailyPL)})
	t.AppendRow(table.Row{"Daily P&L %", FormatPercent(dailyPLPercent)})

	return t.Render()
}

// FormatPositionsTable renders positions marked at the given prices. Symbols
// without a mark show no P&L.
func FormatPositionsTable(positions []models.Position, marks map[string]decimal.Decimal) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)

	t.AppendHeader(table.Row{"Symbol", "Side", "Qty", "Avg Cost", "Current", "P&L", "P&L %", "Value"})

	totalPL := decimal.Zero
	totalValue := decimal.Zero

	for _, pos := range positions {
		side := ColorGreen.Sprint("LONG")
		if pos.Qty.IsNegative() {
			side = ColorRed.Sprint("SHORT")
		}

		current, pl, plPct, value := "-", "-", "-", "-"
		if mark, ok := marks[pos.Symbol]; ok {
			upl := mark.Sub(pos.AvgEntryPrice).Mul(pos.Qty)
			mv := mark.Mul(pos.Qty)
			current = fmt.Sprintf("$%.2f", mark.InexactFloat64())
			pl = FormatDollarAmount(upl)
			if basis := pos.AvgEntryPrice.Mul(pos.Qty.Abs()); !basis.IsZero() {
				plPct = FormatPercent(upl.Div(basis).Mul(decimal.NewFromInt(100)))
			}
			value = fmt.Sprintf("$%.2f", mv.InexactFloat64())
			totalPL = totalPL.Add(upl)
			totalValue = totalValue.Add(mv)
		}

		t.AppendRow(table.Row{
			pos.Symbol,
			side,
			pos.Qty.String(),
			fmt.Sprintf("$%.2f", pos.AvgEntryPrice.InexactFloat64()),
			current, pl, plPct, value,
		})
	}

	if len(positions) == 0 {
		t.AppendRow(table.Row{"No positions", "", "", "", "", "", "", ""})
		return t.Render()
	}

	t.AppendSeparator()
	t.AppendRow(table.Row{
		"TOTAL", "", "", "", "",
		FormatDollarAmount(totalPL),
		"",
		fmt.Sprintf("$%.2f", totalValue.InexactFloat64()),
	})

	return t.Render()
}

// FormatOrdersTable creates a pretty orders table
func FormatOrdersTable(orders []models.OrderRecord) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)

	t.AppendHeader(table.Row{"Time", "Pair", "Symbol", "Side", "Qty", "Filled", "Avg Price", "Status", "Order ID"})

	for _, order := range orders {
		sideColor := ColorGreen
		if order.Side == models.Sell {
			sideColor = ColorRed
		}

		statusColor := ColorWhite
		switch order.State {
		case models.OrderFilled:
			statusColor = ColorGreen
		case models.OrderCanceled, models.OrderRejected, models.OrderExpired:
			statusColor = ColorRed
		case models.OrderSubmitted, models.OrderAcknowledged, models.OrderPartiallyFilled:
			statusColor = ColorYellow
		}

		status := statusColor.Sprint(order.State)
		if order.Reason != "" {
			status += ColorGray.Sprint(" (" + TruncateString(order.Reason, 30) + ")")
		}

		avg := "-"
		if !order.FilledQty.IsZero() {
			avg = fmt.Sprintf("$%.2f", order.AvgFillPrice.InexactFloat64())
		}

		t.AppendRow(table.Row{
			FormatTimestamp(order.UpdatedAt),
			order.PairID,
			order.Symbol,
			sideColor.Sprint(strings.ToUpper(string(order.Side))),
			order.Qty.String(),
			order.FilledQty.String(),
			avg,
			status,
			TruncateString(order.ClientOrderID, 13),
		})
	}

	if len(orders) == 0 {
		t.AppendRow(table.Row{"No orders", "", "", "", "", "", "", "", ""})
	}

	return t.Render()
}

// FormatFillsTable lists confirmed executions
func FormatFillsTable(fills []models.Fill) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Time", "Pair", "Symbol", "Side", "Qty", "Price", "Notional"})

	for _, f := range fills {
		sideColor := ColorGreen
		if f.Side == models.Sell {
			sideColor = ColorRed
		}
		t.AppendRow(table.Row{
			FormatTimestamp(f.At),
			f.PairID,
			f.Symbol,
			sideColor.Sprint(strings.ToUpper(string(f.Side))),
			f.Qty.String(),
			fmt.Sprintf("$%.2f", f.Price.InexactFloat64()),
			fmt.Sprintf("$%.2f", f.Qty.Mul(f.Price).InexactFloat64()),
		})
	}
	if len(fills) == 0 {
		t.AppendRow(table.Row{"No fills", "", "", "", "", "", ""})
	}
	return t.Render()
}

// FormatSessionState summarizes a persisted session. running reports whether
// the recorded process is still alive.
func FormatSessionState(st models.SessionState, running bool) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)

	phase := string(st.Phase)
	switch st.Phase {
	case models.Trading:
		phase = ColorGreen.Sprint(phase)
	case models.Closing, models.PreMarket:
		phase = ColorYellow.Sprint(phase)
	case models.Stopped:
		phase = ColorGray.Sprint(phase)
	}

	proc := ColorGray.Sprintf("%d (not running)", st.PID)
	if running {
		proc = ColorGreen.Sprintf("%d (running)", st.PID)
	}

	t.AppendRow(table.Row{"Phase", phase})
	t.AppendRow(table.Row{"Account", st.Account})
	t.AppendRow(table.Row{"Process", proc})
	t.AppendRow(table.Row{"Started", formatTime(st.StartedAt)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Trading Day", FormatTradingDay(st.TradingDay)})
	t.AppendRow(table.Row{"Last Reconciled", formatTime(st.LastReconciledAt)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Active Pairs", strings.Join(st.ActivePairs, ", ")})
	if len(st.DeactivatedPairs) > 0 {
		t.AppendRow(table.Row{"Deactivated", ColorRed.Sprint(strings.Join(st.DeactivatedPairs, "\n"))})
	}
	return t.Render()
}

// FormatTradingDay renders session hours in exchange time
func FormatTradingDay(day models.TradingDay) string {
	if day.Date == "" {
		return "-"
	}
	return fmt.Sprintf("%s %s-%s", day.Date, day.Open.Format("15:04"), day.Close.Format("15:04 MST"))
}

// FormatDiscrepancies lists reconciliation findings
func FormatDiscrepancies(found []models.Discrepancy) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Time", "Kind", "Symbol", "Order", "Local", "Broker"})
	for _, d := range found {
		t.AppendRow(table.Row{
			FormatTimestamp(d.At),
			ColorYellow.Sprint(d.Kind),
			d.Symbol,
			TruncateString(d.ClientOrderID, 13),
			d.Local,
			d.Broker,
		})
	}
	if len(found) == 0 {
		t.AppendRow(table.Row{"None", "", "", "", "", ""})
	}
	return t.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// FormatTimestamp formats a timestamp for display
func FormatTimestamp(t time.Time) string {
	return t.Local().Format("15:04:05")
}

// TruncateString truncates a string to specified length
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

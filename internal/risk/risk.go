package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/internal/config"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

// PositionSource reports current holdings
type PositionSource interface {
	CurrentPosition(symbol string) models.Position
}

// Checker runs pre-trade checks on individual order intents
type Checker struct {
	cfg       config.RiskConfig
	positions PositionSource
	logger    *zap.Logger
}

// NewChecker creates a new risk checker
func NewChecker(cfg config.RiskConfig, positions PositionSource, logger *zap.Logger) *Checker {
	return &Checker{cfg: cfg, positions: positions, logger: logger.With(zap.String("component", "risk"))}
}

// CheckResult contains the result of a risk check
type CheckResult struct {
	Passed   bool
	Reason   string
	Warnings []string
}

// Check implements execution.RiskChecker. A failed check is reported as a
// local rejection.
func (c *Checker) Check(intent models.OrderIntent, price decimal.Decimal, account broker.Account) error {
	result := c.ValidateOrder(intent, price, account)
	for _, w := range result.Warnings {
		c.logger.Warn("risk warning", zap.String("symbol", intent.Symbol), zap.String("warning", w))
	}
	if !result.Passed {
		return &models.RejectedOrderError{Symbol: intent.Symbol, ClientOrderID: intent.ClientOrderID, Reason: result.Reason}
	}
	return nil
}

// ValidateOrder performs pre-trade risk checks. Exits are only stopped by a
// blocked account.
func (c *Checker) ValidateOrder(intent models.OrderIntent, price decimal.Decimal, account broker.Account) CheckResult {
	result := CheckResult{Passed: true, Warnings: []string{}}

	// Check if trading is blocked
	if account.TradingBlocked {
		return CheckResult{
			Passed: false,
			Reason: "Trading is blocked on this account",
		}
	}

	if intent.Direction == models.ExitToFlat {
		return result
	}

	orderValue := price.Mul(intent.Qty)

	// Check against max order notional
	if c.cfg.MaxOrderNotional.IsPositive() && orderValue.GreaterThan(c.cfg.MaxOrderNotional) {
		return CheckResult{
			Passed: false,
			Reason: fmt.Sprintf("Order value $%.2f exceeds max order notional $%.2f",
				orderValue.InexactFloat64(), c.cfg.MaxOrderNotional.InexactFloat64()),
		}
	}

	// Check resulting position size
	if c.cfg.MaxPositionQty.IsPositive() && c.positions != nil {
		current := c.positions.CurrentPosition(intent.Symbol).Qty
		next := current.Add(intent.Qty.Mul(intent.Side.Sign())).Abs()
		if next.GreaterThan(c.cfg.MaxPositionQty) {
			return CheckResult{
				Passed: false,
				Reason: fmt.Sprintf("Resulting position %s in %s exceeds max %s",
					next, intent.Symbol, c.cfg.MaxPositionQty),
			}
		}
	}

	// Check buying power
	if intent.Side == models.Buy && orderValue.GreaterThan(account.BuyingPower) {
		return CheckResult{
			Passed: false,
			Reason: fmt.Sprintf("Insufficient buying power. Need $%.2f, have $%.2f",
				orderValue.InexactFloat64(), account.BuyingPower.InexactFloat64()),
		}
	}

	daily := c.CheckDailyLoss(account)
	if !daily.Passed {
		return daily
	}
	result.Warnings = append(result.Warnings, daily.Warnings...)

	// Warn if using significant portion of buying power
	if account.BuyingPower.IsPositive() {
		usage := orderValue.Div(account.BuyingPower).Mul(decimal.NewFromInt(100))
		if usage.GreaterThan(decimal.NewFromInt(50)) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("Order uses %.1f%% of available buying power", usage.InexactFloat64()))
		}
	}

	return result
}

// CheckDailyLoss validates against max daily loss limit
func (c *Checker) CheckDailyLoss(account broker.Account) CheckResult {
	if !c.cfg.MaxDailyLoss.IsPositive() {
		return CheckResult{Passed: true}
	}

	todayPL := account.DailyProfit()
	maxLoss := c.cfg.MaxDailyLoss.Neg()

	if todayPL.LessThan(maxLoss) {
		return CheckResult{
			Passed: false,
			Reason: fmt.Sprintf("Daily loss $%.2f exceeds limit $%.2f",
				todayPL.InexactFloat64(), c.cfg.MaxDailyLoss.InexactFloat64()),
		}
	}

	// Add warning if approaching limit
	result := CheckResult{Passed: true}
	if todayPL.IsNegative() {
		lossPercent := todayPL.Div(maxLoss).Mul(decimal.NewFromInt(100))
		if lossPercent.GreaterThan(decimal.NewFromInt(75)) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("Approaching daily loss limit: %.1f%% used", lossPercent.InexactFloat64()))
		}
	}

	return result
}

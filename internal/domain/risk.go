package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Leverage is the fixed leverage applied to every position (isolated margin).
const Leverage = 10

var maxRiskPct = decimal.NewFromInt(5)

// RiskConfig defines the capital and risk parameters used for position sizing.
type RiskConfig struct {
	// Capital is the allocated capital in quote currency.
	Capital decimal.Decimal `json:"capital"`
	// RiskPct is the percentage of capital risked per trade (1 means 1%).
	RiskPct decimal.Decimal `json:"risk_pct"`
	// MaxDrawdownPct is the account-level drawdown ceiling in percent.
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct"`
}

// NewRiskConfig validates and builds a RiskConfig. Risk per trade is capped
// at 5%: beyond that the golden rule stops being a risk limit.
func NewRiskConfig(capital, riskPct, maxDrawdownPct decimal.Decimal) (RiskConfig, error) {
	if capital.Sign() <= 0 {
		return RiskConfig{}, fmt.Errorf("%w: capital must be positive, got %s", ErrInvalidRiskConfig, capital)
	}
	if riskPct.Sign() <= 0 {
		return RiskConfig{}, fmt.Errorf("%w: risk percentage must be positive, got %s", ErrInvalidRiskConfig, riskPct)
	}
	if riskPct.GreaterThan(maxRiskPct) {
		return RiskConfig{}, fmt.Errorf("%w: risk percentage cannot exceed %s%%, got %s", ErrInvalidRiskConfig, maxRiskPct, riskPct)
	}
	if maxDrawdownPct.Sign() < 0 {
		return RiskConfig{}, fmt.Errorf("%w: max drawdown cannot be negative", ErrInvalidRiskConfig)
	}
	return RiskConfig{Capital: capital, RiskPct: riskPct, MaxDrawdownPct: maxDrawdownPct}, nil
}

// MaxRiskAmount is the quote-currency amount at risk per trade:
// capital × risk% / 100.
func (c RiskConfig) MaxRiskAmount() decimal.Decimal {
	return c.Capital.Mul(c.RiskPct).Div(decimal.NewFromInt(100))
}

// SizingLimits are the exchange constraints applied after the golden-rule
// calculation: quantity precision and notional bounds.
type SizingLimits struct {
	// QuantityStep is the smallest quantity increment (e.g. 0.001).
	QuantityStep decimal.Decimal `json:"quantity_step"`
	// MinNotional is the smallest allowed order value in quote currency.
	MinNotional decimal.Decimal `json:"min_notional"`
	// MaxNotional is the largest allowed order value in quote currency.
	// Zero means unbounded.
	MaxNotional decimal.Decimal `json:"max_notional"`
}

// DefaultSizingLimits mirrors common perpetual-futures constraints.
func DefaultSizingLimits() SizingLimits {
	return SizingLimits{
		QuantityStep: decimal.RequireFromString("0.0001"),
		MinNotional:  decimal.NewFromInt(5),
		MaxNotional:  decimal.Decimal{},
	}
}

// CalculatePositionSize applies the golden rule: the position size is derived
// from the technical stop distance so the loss at the stop always equals the
// configured risk amount.
//
//	quantity = (capital × risk%) / |entry − technical stop|
//
// The raw quantity is rounded down to the exchange quantity step, then the
// resulting notional is checked against the min/max bounds. Any failure is an
// error; there is no fallback size.
func CalculatePositionSize(cfg RiskConfig, limits SizingLimits, dist StopDistance) (decimal.Decimal, error) {
	if err := dist.Validate(); err != nil {
		return decimal.Decimal{}, err
	}

	quantity := cfg.MaxRiskAmount().Div(dist.Distance)
	if limits.QuantityStep.Sign() > 0 {
		steps := quantity.Div(limits.QuantityStep).Floor()
		quantity = steps.Mul(limits.QuantityStep)
	}
	if quantity.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: size %s rounds to zero at step %s",
			ErrPositionSizing, cfg.MaxRiskAmount().Div(dist.Distance), limits.QuantityStep)
	}

	notional := quantity.Mul(dist.EntryPrice)
	if limits.MinNotional.Sign() > 0 && notional.LessThan(limits.MinNotional) {
		return decimal.Decimal{}, fmt.Errorf("%w: notional %s below minimum %s",
			ErrPositionSizing, notional, limits.MinNotional)
	}
	if limits.MaxNotional.Sign() > 0 && notional.GreaterThan(limits.MaxNotional) {
		return decimal.Decimal{}, fmt.Errorf("%w: notional %s above maximum %s",
			ErrPositionSizing, notional, limits.MaxNotional)
	}

	return quantity, nil
}

// NotionalValue returns quantity × price.
func NotionalValue(quantity, price decimal.Decimal) decimal.Decimal {
	return quantity.Mul(price)
}

// MarginRequired returns the isolated margin for a position at the fixed
// leverage: notional / leverage.
func MarginRequired(quantity, price decimal.Decimal) decimal.Decimal {
	return NotionalValue(quantity, price).Div(decimal.NewFromInt(Leverage))
}

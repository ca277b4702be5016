package engine

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"tiller/internal/domain"
)

// DrawdownGuard blocks new entries once cumulative realized losses reach the
// configured fraction of capital. Per-trade risk is bounded by position
// sizing; this is the account-level backstop above it.
type DrawdownGuard struct {
	mu       sync.Mutex
	capital  decimal.Decimal
	maxPct   decimal.Decimal
	realized decimal.Decimal
}

// NewDrawdownGuard creates a guard for the given risk configuration. A zero
// MaxDrawdownPct disables the guard.
func NewDrawdownGuard(cfg domain.RiskConfig) *DrawdownGuard {
	return &DrawdownGuard{capital: cfg.Capital, maxPct: cfg.MaxDrawdownPct}
}

// RecordRealized folds a closed position's realized P&L into the running
// total.
func (g *DrawdownGuard) RecordRealized(pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.realized = g.realized.Add(pnl)
}

// CheckEntry returns an error when the drawdown ceiling has been reached.
// Open positions are unaffected; only new entries are blocked.
func (g *DrawdownGuard) CheckEntry() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.maxPct.Sign() <= 0 || g.realized.Sign() >= 0 {
		return nil
	}
	limit := g.capital.Mul(g.maxPct).Div(decimal.NewFromInt(100))
	if g.realized.Neg().GreaterThanOrEqual(limit) {
		return fmt.Errorf("%w: drawdown %s reached limit %s", domain.ErrPositionSizing, g.realized.Neg(), limit)
	}
	return nil
}

// Drawdown returns the current cumulative realized P&L (negative when in
// drawdown).
func (g *DrawdownGuard) Drawdown() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.realized
}

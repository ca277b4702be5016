package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Signal is an entry trigger produced by a detector (or injected manually).
// It names the position it fires for and carries the chart-derived entry and
// invalidation prices. The signal ID doubles as the entry intent's
// idempotency key, so a redelivered signal cannot open a second position.
type Signal struct {
	ID         uuid.UUID       `json:"id"`
	PositionID uuid.UUID       `json:"position_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	Detector   string          `json:"detector"`
	At         time.Time       `json:"at"`
}

// Validate checks the signal against the position it targets. The stop prices
// are validated structurally here; the percentage band is the sizing step's
// concern.
func (s Signal) Validate(p *Position) error {
	if s.PositionID != p.ID {
		return fmt.Errorf("%w: signal targets position %s, got %s", ErrInvalidSignal, s.PositionID, p.ID)
	}
	if s.Symbol != p.Symbol {
		return fmt.Errorf("%w: signal symbol %q does not match position symbol %q", ErrInvalidSignal, s.Symbol, p.Symbol)
	}
	if s.Side != p.Side {
		return fmt.Errorf("%w: signal side %q does not match position side %q", ErrInvalidSignal, s.Side, p.Side)
	}
	if _, err := NewStopDistance(s.EntryPrice, s.StopPrice, s.Side); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	return nil
}

package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tiller/internal/domain"
)

// Compile-time interface check.
var _ Exchange = (*Simulator)(nil)

// Simulator implements Exchange in memory for paper trading and tests. Market
// orders fill immediately at the current price. Results are remembered by
// client token, so a repeated call with the same token returns the original
// fill — the same deduplication a real venue performs.
type Simulator struct {
	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	byToken   map[string]*OrderResult
	positions map[string]*Position
	feeRate   decimal.Decimal
	nextID    int

	// failures holds injected errors returned by the next calls, in order.
	failures []error
}

// NewSimulator creates an empty simulator with a 0.05% taker fee.
func NewSimulator() *Simulator {
	return &Simulator{
		prices:    make(map[string]decimal.Decimal),
		byToken:   make(map[string]*OrderResult),
		positions: make(map[string]*Position),
		feeRate:   decimal.RequireFromString("0.0005"),
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string { return "simulator" }

// SetPrice sets the current price for a symbol.
func (s *Simulator) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// FailNext makes the next n order placements fail with the given error
// before any state changes. Used to exercise retry paths.
func (s *Simulator) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, err)
	}
}

// OrderCount returns how many distinct orders have been placed.
func (s *Simulator) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byToken)
}

// PlaceMarketOrder fills immediately at the current price. A token seen
// before returns the remembered result without touching state.
func (s *Simulator) PlaceMarketOrder(_ context.Context, symbol string, side domain.OrderSide, quantity decimal.Decimal, clientToken string) (*OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.byToken[clientToken]; ok {
		cp := *res
		return &cp, nil
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}

	price, ok := s.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("simulator: no price for %q", symbol)
	}
	if quantity.Sign() <= 0 {
		return nil, fmt.Errorf("simulator: %w: %s", domain.ErrInvalidQuantity, quantity)
	}

	s.nextID++
	res := &OrderResult{
		ExchangeOrderID: fmt.Sprintf("sim-%d", s.nextID),
		ClientToken:     clientToken,
		Status:          domain.OrderStatusFilled,
		AvgFillPrice:    price,
		FilledQuantity:  quantity,
		Fee:             price.Mul(quantity).Mul(s.feeRate),
		FilledAt:        time.Now().UTC(),
	}
	s.byToken[clientToken] = res
	s.applyFill(symbol, side, quantity, price)

	cp := *res
	return &cp, nil
}

// applyFill nets the fill into the symbol's position.
func (s *Simulator) applyFill(symbol string, side domain.OrderSide, quantity, price decimal.Decimal) {
	signed := quantity
	if side == domain.OrderSideSell {
		signed = quantity.Neg()
	}

	pos := s.positions[symbol]
	if pos == nil {
		posSide := domain.SideLong
		if signed.Sign() < 0 {
			posSide = domain.SideShort
		}
		s.positions[symbol] = &Position{Symbol: symbol, Side: posSide, Quantity: signed.Abs(), EntryPrice: price}
		return
	}

	current := pos.Quantity
	if pos.Side == domain.SideShort {
		current = current.Neg()
	}
	net := current.Add(signed)
	switch {
	case net.Sign() == 0:
		delete(s.positions, symbol)
	case net.Sign() > 0:
		pos.Side = domain.SideLong
		pos.Quantity = net
	default:
		pos.Side = domain.SideShort
		pos.Quantity = net.Neg()
	}
}

// CancelOrder is a no-op: simulated market orders never rest.
func (s *Simulator) CancelOrder(_ context.Context, _, _ string) error {
	return nil
}

// GetPrice returns the configured price for a symbol.
func (s *Simulator) GetPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.prices[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("simulator: no price for %q", symbol)
	}
	return price, nil
}

// GetOpenOrders returns nil: simulated market orders fill immediately.
func (s *Simulator) GetOpenOrders(_ context.Context, _ string) ([]OpenOrder, error) {
	return nil, nil
}

// GetPosition returns the net position for a symbol, or nil when flat.
func (s *Simulator) GetPosition(_ context.Context, symbol string) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

// Ping always succeeds: the simulated venue is in memory.
func (s *Simulator) Ping(_ context.Context) error { return nil }

// RemovePosition drops the venue-side position without a fill. Used in tests
// to create reconciliation discrepancies.
func (s *Simulator) RemovePosition(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, symbol)
}

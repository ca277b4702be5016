package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State is a position's lifecycle state.
type State string

const (
	// StateArmed: created, waiting for a detector signal.
	StateArmed State = "armed"
	// StateEntering: entry order submitted, waiting for the fill.
	StateEntering State = "entering"
	// StateActive: position open, trailing stop being monitored.
	StateActive State = "active"
	// StateExiting: exit order submitted, waiting for the fill.
	StateExiting State = "exiting"
	// StateClosed: terminal, P&L realized.
	StateClosed State = "closed"
	// StateError: terminal unless the error is recoverable and cleared.
	StateError State = "error"
)

// EnteringState carries the data that only exists while an entry order is in
// flight.
type EnteringState struct {
	EntryOrderID  uuid.UUID       `json:"entry_order_id"`
	ExpectedEntry decimal.Decimal `json:"expected_entry"`
	// SignalID is the detector signal that triggered the entry. It is kept
	// here so a redelivered signal with the same id can be recognized and
	// ignored.
	SignalID uuid.UUID `json:"signal_id"`
}

// ActiveState carries the data that only exists while a position is open.
type ActiveState struct {
	CurrentPrice     decimal.Decimal `json:"current_price"`
	TrailingStop     decimal.Decimal `json:"trailing_stop"`
	FavorableExtreme decimal.Decimal `json:"favorable_extreme"`
	ExtremeAt        time.Time       `json:"extreme_at"`
	// LastEmittedStop deduplicates trailing-stop update actions across
	// repeated ticks at the same extreme.
	LastEmittedStop *decimal.Decimal `json:"last_emitted_stop,omitempty"`
}

// ExitingState carries the data that only exists while an exit order is in
// flight.
type ExitingState struct {
	ExitOrderID uuid.UUID  `json:"exit_order_id"`
	Reason      ExitReason `json:"reason"`
}

// ClosedState carries the terminal outcome of a position.
type ClosedState struct {
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      ExitReason      `json:"reason"`
}

// DetectorSpec names the detector armed on a position, with its parameters.
// Persisted so a restarted daemon can rebuild the detector.
type DetectorSpec struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// ErrorState records why a position was parked and whether an operator may
// clear it back to Armed.
type ErrorState struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Position is a managed trade. It is owned by the engine and store and is
// mutated only through its transition methods; every method validates the
// transition first and either applies it completely or leaves the position
// untouched. Exactly one of the per-state payload fields is non-nil, matching
// the State tag, so data that is only meaningful in one state cannot leak
// into another.
type Position struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`

	Detector *DetectorSpec `json:"detector,omitempty"`

	State    State          `json:"state"`
	Entering *EnteringState `json:"entering,omitempty"`
	Active   *ActiveState   `json:"active,omitempty"`
	Exiting  *ExitingState  `json:"exiting,omitempty"`
	Closed   *ClosedState   `json:"closed,omitempty"`
	Err      *ErrorState    `json:"error,omitempty"`

	EntryPrice    *decimal.Decimal `json:"entry_price,omitempty"`
	EntryFilledAt *time.Time       `json:"entry_filled_at,omitempty"`
	StopDistance  *StopDistance    `json:"stop_distance,omitempty"`
	Quantity      decimal.Decimal  `json:"quantity"`

	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`

	EntryOrderID *uuid.UUID `json:"entry_order_id,omitempty"`
	ExitOrderID  *uuid.UUID `json:"exit_order_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// NewPosition creates an armed position for the given account and symbol.
func NewPosition(accountID uuid.UUID, symbol string, side Side) *Position {
	now := time.Now().UTC()
	return &Position{
		ID:        NewID(),
		AccountID: accountID,
		Symbol:    symbol,
		Side:      side,
		State:     StateArmed,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy. The engine operates on clones so a rejected
// decision never leaves a half-applied position behind.
func (p *Position) Clone() *Position {
	cp := *p
	if p.Detector != nil {
		v := *p.Detector
		if p.Detector.Params != nil {
			v.Params = make(map[string]string, len(p.Detector.Params))
			for k, val := range p.Detector.Params {
				v.Params[k] = val
			}
		}
		cp.Detector = &v
	}
	if p.Entering != nil {
		v := *p.Entering
		cp.Entering = &v
	}
	if p.Active != nil {
		v := *p.Active
		if p.Active.LastEmittedStop != nil {
			s := *p.Active.LastEmittedStop
			v.LastEmittedStop = &s
		}
		cp.Active = &v
	}
	if p.Exiting != nil {
		v := *p.Exiting
		cp.Exiting = &v
	}
	if p.Closed != nil {
		v := *p.Closed
		cp.Closed = &v
	}
	if p.Err != nil {
		v := *p.Err
		cp.Err = &v
	}
	if p.EntryPrice != nil {
		v := *p.EntryPrice
		cp.EntryPrice = &v
	}
	if p.EntryFilledAt != nil {
		v := *p.EntryFilledAt
		cp.EntryFilledAt = &v
	}
	if p.StopDistance != nil {
		v := *p.StopDistance
		cp.StopDistance = &v
	}
	if p.EntryOrderID != nil {
		v := *p.EntryOrderID
		cp.EntryOrderID = &v
	}
	if p.ExitOrderID != nil {
		v := *p.ExitOrderID
		cp.ExitOrderID = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		cp.ClosedAt = &v
	}
	return &cp
}

// clearStateData drops every per-state payload; the caller sets the new one.
func (p *Position) clearStateData() {
	p.Entering = nil
	p.Active = nil
	p.Exiting = nil
	p.Closed = nil
	p.Err = nil
}

// BeginEntry transitions Armed → Entering in response to a validated signal.
func (p *Position) BeginEntry(signalID, entryOrderID uuid.UUID, expectedEntry decimal.Decimal, dist StopDistance, quantity decimal.Decimal) error {
	if p.State != StateArmed {
		return fmt.Errorf("%w: cannot enter from %q", ErrInvalidTransition, p.State)
	}
	if quantity.Sign() <= 0 {
		return fmt.Errorf("%w: entry quantity must be positive", ErrInvalidQuantity)
	}

	p.clearStateData()
	p.State = StateEntering
	p.Entering = &EnteringState{
		EntryOrderID:  entryOrderID,
		ExpectedEntry: expectedEntry,
		SignalID:      signalID,
	}
	p.EntryPrice = &expectedEntry
	p.StopDistance = &dist
	p.Quantity = quantity
	p.EntryOrderID = &entryOrderID
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyEntryFill transitions Entering → Active once the entry order fills.
// The trailing stop is initialized at one stop distance from the fill price
// and the favorable extreme starts at the fill price.
func (p *Position) ApplyEntryFill(fillPrice, filledQuantity, fee decimal.Decimal, at time.Time) error {
	if p.State != StateEntering {
		return fmt.Errorf("%w: cannot apply entry fill from %q", ErrInvalidTransition, p.State)
	}
	if p.StopDistance == nil {
		return fmt.Errorf("%w: entering position has no stop distance", ErrInvalidTransition)
	}
	if fillPrice.Sign() <= 0 {
		return fmt.Errorf("%w: fill price must be positive", ErrInvalidPrice)
	}
	if filledQuantity.Sign() <= 0 {
		return fmt.Errorf("%w: filled quantity must be positive", ErrInvalidQuantity)
	}

	var trailingStop decimal.Decimal
	if p.Side == SideShort {
		trailingStop = p.StopDistance.TrailingStopShort(fillPrice)
	} else {
		trailingStop = p.StopDistance.TrailingStopLong(fillPrice)
	}

	p.clearStateData()
	p.State = StateActive
	p.Active = &ActiveState{
		CurrentPrice:     fillPrice,
		TrailingStop:     trailingStop,
		FavorableExtreme: fillPrice,
		ExtremeAt:        at,
	}
	p.EntryPrice = &fillPrice
	p.EntryFilledAt = &at
	p.Quantity = filledQuantity
	p.FeesPaid = p.FeesPaid.Add(fee)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkPrice records the latest observed price on an Active position.
func (p *Position) MarkPrice(price decimal.Decimal) error {
	if p.State != StateActive || p.Active == nil {
		return fmt.Errorf("%w: cannot mark price from %q", ErrInvalidTransition, p.State)
	}
	p.Active.CurrentPrice = price
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// AdvanceTrailingStop moves the trailing stop to a strictly more favorable
// price. The stop is monotonic: a stop that would widen the position's risk
// is rejected.
func (p *Position) AdvanceTrailingStop(newStop, newExtreme decimal.Decimal, at time.Time) error {
	if p.State != StateActive || p.Active == nil {
		return fmt.Errorf("%w: cannot advance stop from %q", ErrInvalidTransition, p.State)
	}
	if !MoreFavorable(p.Side, newStop, p.Active.TrailingStop) {
		return fmt.Errorf("%w: stop %s does not improve on %s for %s",
			ErrInvalidTransition, newStop, p.Active.TrailingStop, p.Side)
	}
	p.Active.TrailingStop = newStop
	p.Active.FavorableExtreme = newExtreme
	p.Active.ExtremeAt = at
	emitted := newStop
	p.Active.LastEmittedStop = &emitted
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// BeginExit transitions Active → Exiting when the exit order is submitted.
func (p *Position) BeginExit(exitOrderID uuid.UUID, reason ExitReason) error {
	if p.State != StateActive {
		return fmt.Errorf("%w: cannot exit from %q", ErrInvalidTransition, p.State)
	}

	p.clearStateData()
	p.State = StateExiting
	p.Exiting = &ExitingState{ExitOrderID: exitOrderID, Reason: reason}
	p.ExitOrderID = &exitOrderID
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyExitFill transitions Exiting → Closed once the exit order fills,
// realizing the P&L.
func (p *Position) ApplyExitFill(fillPrice, fee decimal.Decimal, at time.Time) error {
	if p.State != StateExiting || p.Exiting == nil {
		return fmt.Errorf("%w: cannot apply exit fill from %q", ErrInvalidTransition, p.State)
	}
	if p.EntryPrice == nil {
		return fmt.Errorf("%w: exiting position has no entry price", ErrInvalidTransition)
	}
	if fillPrice.Sign() <= 0 {
		return fmt.Errorf("%w: fill price must be positive", ErrInvalidPrice)
	}

	var pnl decimal.Decimal
	if p.Side == SideShort {
		pnl = p.EntryPrice.Sub(fillPrice).Mul(p.Quantity)
	} else {
		pnl = fillPrice.Sub(*p.EntryPrice).Mul(p.Quantity)
	}

	reason := p.Exiting.Reason
	p.clearStateData()
	p.State = StateClosed
	p.Closed = &ClosedState{ExitPrice: fillPrice, RealizedPnL: pnl, Reason: reason}
	p.RealizedPnL = pnl
	p.FeesPaid = p.FeesPaid.Add(fee)
	p.ClosedAt = &at
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail parks the position in the Error state. Allowed from any non-terminal
// state; failing an already closed position is rejected.
func (p *Position) Fail(message string, recoverable bool) error {
	if p.State == StateClosed {
		return fmt.Errorf("%w: cannot fail a closed position", ErrInvalidTransition)
	}
	p.clearStateData()
	p.State = StateError
	p.Err = &ErrorState{Message: message, Recoverable: recoverable}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ClearError returns a recoverable Error position to Armed. Requires explicit
// operator action; unrecoverable errors stay parked.
func (p *Position) ClearError() error {
	if p.State != StateError || p.Err == nil {
		return fmt.Errorf("%w: cannot clear error from %q", ErrInvalidTransition, p.State)
	}
	if !p.Err.Recoverable {
		return fmt.Errorf("%w: error is not recoverable: %s", ErrInvalidTransition, p.Err.Message)
	}
	p.clearStateData()
	p.State = StateArmed
	p.EntryPrice = nil
	p.EntryFilledAt = nil
	p.StopDistance = nil
	p.Quantity = decimal.Decimal{}
	p.EntryOrderID = nil
	p.ExitOrderID = nil
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Open reports whether the position still needs management.
func (p *Position) Open() bool {
	switch p.State {
	case StateArmed, StateEntering, StateActive, StateExiting:
		return true
	}
	return false
}

// UnrealizedPnL returns the mark-to-market P&L for an Active position, or
// zero in any other state.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	if p.State != StateActive || p.Active == nil || p.EntryPrice == nil {
		return decimal.Decimal{}
	}
	if p.Side == SideShort {
		return p.EntryPrice.Sub(p.Active.CurrentPrice).Mul(p.Quantity)
	}
	return p.Active.CurrentPrice.Sub(*p.EntryPrice).Mul(p.Quantity)
}

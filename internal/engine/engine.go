// Package engine makes the trading decisions: entry sizing from a detector
// signal, trailing-stop maintenance on every tick, and exit triggering. The
// engine is pure — it never touches the exchange or the store. Each Decide
// method takes the current position, returns an updated copy plus the actions
// the caller must execute, and leaves the input untouched on error.
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tiller/internal/domain"
)

// Action is a side effect the caller must carry out after a decision. Order
// placement actions carry the idempotency token the exchange call must use.
type Action interface{ isAction() }

// PlaceEntryOrder instructs the executor to submit the entry market order.
type PlaceEntryOrder struct {
	OrderID     uuid.UUID
	ClientToken string
	Side        domain.OrderSide
	Quantity    decimal.Decimal
}

// PlaceExitOrder instructs the executor to submit the exit market order.
type PlaceExitOrder struct {
	OrderID     uuid.UUID
	ClientToken string
	Side        domain.OrderSide
	Quantity    decimal.Decimal
	Reason      domain.ExitReason
}

func (PlaceEntryOrder) isAction() {}
func (PlaceExitOrder) isAction()  {}

// Decision is the outcome of a Decide call: the position after the decision
// and what to do about it. Events go to the append-only log; Actions go to
// the executor. An empty Decision with Updated == nil is a no-op.
type Decision struct {
	Updated *domain.Position
	Actions []Action
	Events  []domain.Event
}

// NoOp reports whether the decision changes nothing.
func (d Decision) NoOp() bool {
	return d.Updated == nil && len(d.Actions) == 0 && len(d.Events) == 0
}

// Engine holds the sizing policy. It is safe for concurrent use; all state
// lives in the positions passed through it.
type Engine struct {
	risk   domain.RiskConfig
	limits domain.SizingLimits
	guard  *DrawdownGuard
}

// New creates an Engine with the given risk configuration and exchange
// sizing limits.
func New(risk domain.RiskConfig, limits domain.SizingLimits, guard *DrawdownGuard) *Engine {
	return &Engine{risk: risk, limits: limits, guard: guard}
}

// DecideEntry handles a detector signal for a position.
//
// A signal already being acted on (same signal id, position Entering) is a
// no-op: signal delivery is at-least-once and duplicates must not produce a
// second order. Any other signal against a non-Armed position is rejected
// with an event. For an Armed position the stop distance is validated against
// the percentage band, the golden-rule size is computed, and the position
// moves to Entering with the signal id as the entry order's idempotency
// token.
func (e *Engine) DecideEntry(p *domain.Position, sig domain.Signal) (Decision, error) {
	if p.State == domain.StateEntering && p.Entering != nil && p.Entering.SignalID == sig.ID {
		return Decision{}, nil
	}
	if p.State != domain.StateArmed {
		return Decision{
			Events: []domain.Event{domain.NewEvent(p.ID, domain.EventSignalRejected, domain.SignalData{
				SignalID: sig.ID,
				Detector: sig.Detector,
				Reason:   fmt.Sprintf("position is %s, not armed", p.State),
			})},
		}, nil
	}
	if err := sig.Validate(p); err != nil {
		return Decision{}, err
	}

	dist, err := domain.NewStopDistance(sig.EntryPrice, sig.StopPrice, p.Side)
	if err != nil {
		return Decision{}, err
	}
	quantity, err := domain.CalculatePositionSize(e.risk, e.limits, dist)
	if err != nil {
		return Decision{}, err
	}
	if e.guard != nil {
		if err := e.guard.CheckEntry(); err != nil {
			return Decision{}, err
		}
	}

	updated := p.Clone()
	orderID := domain.NewID()
	if err := updated.BeginEntry(sig.ID, orderID, sig.EntryPrice, dist, quantity); err != nil {
		return Decision{}, err
	}

	return Decision{
		Updated: updated,
		Actions: []Action{PlaceEntryOrder{
			OrderID:     orderID,
			ClientToken: sig.ID.String(),
			Side:        p.Side.EntryOrderSide(),
			Quantity:    quantity,
		}},
		Events: []domain.Event{
			domain.NewEvent(p.ID, domain.EventSignalReceived, domain.SignalData{
				SignalID:   sig.ID,
				Detector:   sig.Detector,
				EntryPrice: sig.EntryPrice,
				StopPrice:  sig.StopPrice,
			}),
			domain.NewEvent(p.ID, domain.EventEntrySubmitted, domain.OrderData{
				OrderID:     orderID,
				ClientToken: sig.ID.String(),
				Side:        p.Side.EntryOrderSide(),
				Quantity:    quantity,
			}),
		},
	}, nil
}

// ApplyEntryFill moves an Entering position to Active on its entry fill.
func (e *Engine) ApplyEntryFill(p *domain.Position, orderID uuid.UUID, price, quantity, fee decimal.Decimal, at time.Time) (Decision, error) {
	updated := p.Clone()
	if err := updated.ApplyEntryFill(price, quantity, fee, at); err != nil {
		return Decision{}, err
	}
	return Decision{
		Updated: updated,
		Events: []domain.Event{domain.NewEvent(p.ID, domain.EventEntryFilled, domain.FillData{
			OrderID:  orderID,
			Price:    price,
			Quantity: quantity,
			Fee:      fee,
		})},
	}, nil
}

// ProcessTick drives an Active position from one market-data observation.
//
// The exit check runs first: if price has crossed the trailing stop, the
// position moves to Exiting and no trailing update is considered for the same
// tick. Otherwise, if the tick sets a new favorable extreme whose implied
// stop is strictly more favorable than the current one and differs from the
// last emitted stop, the stop advances. A tick for the wrong symbol or a
// position in any other state is a no-op.
func (e *Engine) ProcessTick(p *domain.Position, tick domain.Tick) (Decision, error) {
	if p.State != domain.StateActive || p.Active == nil || tick.Symbol != p.Symbol {
		return Decision{}, nil
	}
	if tick.Price.Sign() <= 0 {
		return Decision{}, fmt.Errorf("%w: tick price %s", domain.ErrInvalidPrice, tick.Price)
	}

	if domain.Crossed(p.Side, tick.Price, p.Active.TrailingStop) {
		return e.triggerExit(p, tick.Price, domain.ExitReasonTrailingStop)
	}

	updated := p.Clone()
	if err := updated.MarkPrice(tick.Price); err != nil {
		return Decision{}, err
	}

	if !betterExtreme(p.Side, tick.Price, p.Active.FavorableExtreme) {
		return Decision{Updated: updated}, nil
	}

	var candidate decimal.Decimal
	if p.Side == domain.SideShort {
		candidate = p.StopDistance.TrailingStopShort(tick.Price)
	} else {
		candidate = p.StopDistance.TrailingStopLong(tick.Price)
	}
	if !domain.MoreFavorable(p.Side, candidate, p.Active.TrailingStop) {
		// New extreme but the stop is still pinned at the initial level.
		updated.Active.FavorableExtreme = tick.Price
		updated.Active.ExtremeAt = tick.At
		return Decision{Updated: updated}, nil
	}
	if p.Active.LastEmittedStop != nil && p.Active.LastEmittedStop.Equal(candidate) {
		return Decision{Updated: updated}, nil
	}

	oldStop := updated.Active.TrailingStop
	if err := updated.AdvanceTrailingStop(candidate, tick.Price, tick.At); err != nil {
		return Decision{}, err
	}
	return Decision{
		Updated: updated,
		Events: []domain.Event{domain.NewEvent(p.ID, domain.EventTrailingStopUpdated, domain.TrailingStopData{
			OldStop: oldStop,
			NewStop: candidate,
			Extreme: tick.Price,
		})},
	}, nil
}

// DecidePanic force-closes a position on operator request. An Active position
// exits at market; anything else is an error — an Armed position is disarmed
// by deletion, not by panic, and an in-flight order must resolve first.
func (e *Engine) DecidePanic(p *domain.Position) (Decision, error) {
	if p.State != domain.StateActive || p.Active == nil {
		return Decision{}, fmt.Errorf("%w: panic close requires an active position, got %s",
			domain.ErrInvalidTransition, p.State)
	}
	d, err := e.triggerExit(p, p.Active.CurrentPrice, domain.ExitReasonUserPanic)
	if err != nil {
		return Decision{}, err
	}
	d.Events = append([]domain.Event{domain.NewEvent(p.ID, domain.EventPanicRequested, nil)}, d.Events...)
	return d, nil
}

// ApplyExitFill closes an Exiting position on its exit fill.
func (e *Engine) ApplyExitFill(p *domain.Position, orderID uuid.UUID, price, fee decimal.Decimal, at time.Time) (Decision, error) {
	updated := p.Clone()
	if err := updated.ApplyExitFill(price, fee, at); err != nil {
		return Decision{}, err
	}
	if e.guard != nil {
		e.guard.RecordRealized(updated.RealizedPnL)
	}
	return Decision{
		Updated: updated,
		Events: []domain.Event{
			domain.NewEvent(p.ID, domain.EventExitFilled, domain.FillData{
				OrderID:  orderID,
				Price:    price,
				Quantity: updated.Quantity,
				Fee:      fee,
			}),
			domain.NewEvent(p.ID, domain.EventPositionClosed, domain.ClosedData{
				ExitPrice:   price,
				RealizedPnL: updated.RealizedPnL,
				FeesPaid:    updated.FeesPaid,
				Reason:      updated.Closed.Reason,
			}),
		},
	}, nil
}

// triggerExit transitions Active → Exiting and emits the exit order action.
// The exit order id is derived deterministically from the position id so a
// crash-and-retry reuses the same idempotency token.
func (e *Engine) triggerExit(p *domain.Position, price decimal.Decimal, reason domain.ExitReason) (Decision, error) {
	orderID := ExitOrderID(p.ID)
	stop := p.Active.TrailingStop

	updated := p.Clone()
	if err := updated.BeginExit(orderID, reason); err != nil {
		return Decision{}, err
	}

	return Decision{
		Updated: updated,
		Actions: []Action{PlaceExitOrder{
			OrderID:     orderID,
			ClientToken: orderID.String(),
			Side:        p.Side.ExitOrderSide(),
			Quantity:    p.Quantity,
			Reason:      reason,
		}},
		Events: []domain.Event{
			domain.NewEvent(p.ID, domain.EventExitTriggered, domain.ExitTriggerData{
				Reason:       reason,
				Price:        price,
				TrailingStop: stop,
			}),
			domain.NewEvent(p.ID, domain.EventExitSubmitted, domain.OrderData{
				OrderID:     orderID,
				ClientToken: orderID.String(),
				Side:        p.Side.ExitOrderSide(),
				Quantity:    p.Quantity,
			}),
		},
	}, nil
}

// ExitOrderID derives the exit order id for a position. Deterministic so that
// every exit attempt for the same position carries the same idempotency token.
func ExitOrderID(positionID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(positionID, []byte("exit"))
}

func betterExtreme(side domain.Side, price, extreme decimal.Decimal) bool {
	if side == domain.SideShort {
		return price.LessThan(extreme)
	}
	return price.GreaterThan(extreme)
}

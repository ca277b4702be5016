// Package domain holds the pure data model for position management: value
// objects, entities, and events. It performs no I/O; every invariant is
// enforced at construction time or inside a state transition.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of a managed position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// EntryOrderSide returns the order side that opens a position of this side.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide returns the order side that closes a position of this side.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// OrderSide is the direction of an individual order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType enumerates supported order types. Entries and exits are always
// market orders; execution certainty takes priority over price improvement.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusPending     OrderStatus = "pending"
	OrderStatusSubmitted   OrderStatus = "submitted"
	OrderStatusPartialFill OrderStatus = "partial_fill"
	OrderStatusFilled      OrderStatus = "filled"
	OrderStatusCancelled   OrderStatus = "cancelled"
	OrderStatusRejected    OrderStatus = "rejected"
)

// ExitReason records why a position was (or is being) closed.
type ExitReason string

const (
	// ExitReasonTrailingStop is the normal exit: price crossed the trailing stop.
	ExitReasonTrailingStop ExitReason = "trailing_stop"
	// ExitReasonUserPanic is a manual emergency close requested by the operator.
	ExitReasonUserPanic ExitReason = "user_panic"
	// ExitReasonDegradedMode is a fail-safe close performed by reconciliation.
	ExitReasonDegradedMode ExitReason = "degraded_mode"
	// ExitReasonPositionError is a close forced by an unrecoverable error.
	ExitReasonPositionError ExitReason = "position_error"
)

// Tick is a single market-data observation for a symbol.
type Tick struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// NewID returns a new time-ordered unique identifier.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4.
		return uuid.New()
	}
	return id
}

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order is the local record of an exchange order placed for a position. The
// ClientToken is the idempotency key sent to the exchange; re-submitting with
// the same token returns the original order instead of placing a duplicate.
type Order struct {
	ID         uuid.UUID   `json:"id"`
	PositionID uuid.UUID   `json:"position_id"`
	Symbol     string      `json:"symbol"`
	Side       OrderSide   `json:"side"`
	Type       OrderType   `json:"type"`
	Status     OrderStatus `json:"status"`

	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Fee            decimal.Decimal `json:"fee"`

	ClientToken     string `json:"client_token"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
	// InstanceID is the lease holder that placed the order, carried over from
	// the executing intent.
	InstanceID string `json:"instance_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	FilledAt  *time.Time `json:"filled_at,omitempty"`
}

// NewOrder builds a pending market order for a position.
func NewOrder(positionID uuid.UUID, symbol string, side OrderSide, quantity decimal.Decimal, clientToken string) (*Order, error) {
	if quantity.Sign() <= 0 {
		return nil, fmt.Errorf("%w: order quantity must be positive, got %s", ErrInvalidQuantity, quantity)
	}
	if clientToken == "" {
		return nil, fmt.Errorf("%w: order requires a client token", ErrInvalidQuantity)
	}
	now := time.Now().UTC()
	return &Order{
		ID:          NewID(),
		PositionID:  positionID,
		Symbol:      symbol,
		Side:        side,
		Type:        OrderTypeMarket,
		Status:      OrderStatusPending,
		Quantity:    quantity,
		ClientToken: clientToken,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// MarkSubmitted records the exchange's acknowledgement.
func (o *Order) MarkSubmitted(exchangeOrderID string) {
	o.Status = OrderStatusSubmitted
	o.ExchangeOrderID = exchangeOrderID
	o.UpdatedAt = time.Now().UTC()
}

// MarkFilled records a complete fill.
func (o *Order) MarkFilled(avgPrice, filledQuantity, fee decimal.Decimal, at time.Time) {
	o.Status = OrderStatusFilled
	o.AvgFillPrice = avgPrice
	o.FilledQuantity = filledQuantity
	o.Fee = fee
	o.FilledAt = &at
	o.UpdatedAt = time.Now().UTC()
}

// MarkCancelled records cancellation by the exchange or by reconciliation.
func (o *Order) MarkCancelled() {
	o.Status = OrderStatusCancelled
	o.UpdatedAt = time.Now().UTC()
}

// MarkRejected records a rejection by the exchange.
func (o *Order) MarkRejected() {
	o.Status = OrderStatusRejected
	o.UpdatedAt = time.Now().UTC()
}

// Terminal reports whether the order can no longer change state.
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

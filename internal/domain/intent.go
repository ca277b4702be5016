package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IntentKind distinguishes entry from exit intents.
type IntentKind string

const (
	IntentEntry IntentKind = "entry"
	IntentExit  IntentKind = "exit"
)

// IntentStatus is the journal state of an intent.
type IntentStatus string

const (
	// IntentPending: recorded, exchange call not yet started.
	IntentPending IntentStatus = "pending"
	// IntentExecuting: exchange call in flight. After a crash this status
	// means the order may or may not exist on the exchange; resolution
	// re-submits with the same token and lets the exchange deduplicate.
	IntentExecuting IntentStatus = "executing"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
)

// Intent is one journaled unit of exchange work. The intent id is the
// idempotency key: it equals the signal id for entries and the deterministic
// exit order id for exits, so a redelivered trigger maps onto the same row
// and the unique primary key rejects a second attempt.
type Intent struct {
	ID         uuid.UUID    `json:"id"`
	PositionID uuid.UUID    `json:"position_id"`
	Kind       IntentKind   `json:"kind"`
	Status     IntentStatus `json:"status"`

	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	OrderID  uuid.UUID       `json:"order_id"`

	// InstanceID is the lease holder the intent was executed under. A row
	// stamped by a deposed leader identifies itself by this id.
	InstanceID string `json:"instance_id,omitempty"`

	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewIntent records a pending intent. The id must be the caller's
// idempotency token for this unit of work.
func NewIntent(id, positionID, orderID uuid.UUID, kind IntentKind, symbol string, side OrderSide, quantity decimal.Decimal) *Intent {
	now := time.Now().UTC()
	return &Intent{
		ID:         id,
		PositionID: positionID,
		Kind:       kind,
		Status:     IntentPending,
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		OrderID:    orderID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Resolved reports whether the intent reached a terminal status.
func (i *Intent) Resolved() bool {
	return i.Status == IntentSucceeded || i.Status == IntentFailed
}

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names an entry in the position event log.
type EventType string

const (
	EventPositionArmed       EventType = "position_armed"
	EventPositionDisarmed    EventType = "position_disarmed"
	EventSignalReceived      EventType = "signal_received"
	EventSignalRejected      EventType = "signal_rejected"
	EventEntrySubmitted      EventType = "entry_submitted"
	EventEntryFilled         EventType = "entry_filled"
	EventTrailingStopUpdated EventType = "trailing_stop_updated"
	EventExitTriggered       EventType = "exit_triggered"
	EventExitSubmitted       EventType = "exit_submitted"
	EventExitFilled          EventType = "exit_filled"
	EventPositionClosed      EventType = "position_closed"
	EventPositionError       EventType = "position_error"
	EventErrorCleared        EventType = "error_cleared"
	EventPanicRequested      EventType = "panic_requested"
	EventDegradedEntered     EventType = "degraded_mode_entered"
	EventDegradedCleared     EventType = "degraded_mode_cleared"
	EventReconcileCompleted  EventType = "reconciliation_completed"
)

// Event is an append-only record of something that happened to a position.
// The log is the audit trail: every decision the engine takes and every fill
// the exchange reports lands here. Data holds a type-specific JSON payload.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	PositionID uuid.UUID       `json:"position_id"`
	Type       EventType       `json:"type"`
	At         time.Time       `json:"at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event for a position, marshaling the payload. A payload
// that fails to marshal is recorded without data rather than dropped; losing
// detail beats losing the event.
func NewEvent(positionID uuid.UUID, typ EventType, payload any) Event {
	ev := Event{
		ID:         NewID(),
		PositionID: positionID,
		Type:       typ,
		At:         time.Now().UTC(),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Data = b
		}
	}
	return ev
}

// --- event payloads ---

// ArmedData describes a newly armed position.
type ArmedData struct {
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`
}

// SignalData describes a received or rejected signal.
type SignalData struct {
	SignalID   uuid.UUID       `json:"signal_id"`
	Detector   string          `json:"detector"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	Reason     string          `json:"reason,omitempty"`
}

// OrderData describes an order submission.
type OrderData struct {
	OrderID     uuid.UUID       `json:"order_id"`
	ClientToken string          `json:"client_token"`
	Side        OrderSide       `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// FillData describes an entry or exit fill.
type FillData struct {
	OrderID  uuid.UUID       `json:"order_id"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Fee      decimal.Decimal `json:"fee"`
}

// TrailingStopData describes a trailing-stop advance.
type TrailingStopData struct {
	OldStop decimal.Decimal `json:"old_stop"`
	NewStop decimal.Decimal `json:"new_stop"`
	Extreme decimal.Decimal `json:"extreme"`
}

// ExitTriggerData describes why an exit was triggered.
type ExitTriggerData struct {
	Reason       ExitReason      `json:"reason"`
	Price        decimal.Decimal `json:"price"`
	TrailingStop decimal.Decimal `json:"trailing_stop"`
}

// ClosedData describes the terminal outcome of a position.
type ClosedData struct {
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
	Reason      ExitReason      `json:"reason"`
}

// ErrorData describes a position error.
type ErrorData struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// ReconcileData summarizes a reconciliation pass.
type ReconcileData struct {
	Checked       int      `json:"checked"`
	Discrepancies []string `json:"discrepancies,omitempty"`
	Degraded      bool     `json:"degraded"`
}

// Package exchange defines the execution port and provides implementations
// for placing orders and querying state across different venues.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tiller/internal/domain"
)

// OrderResult is the venue's view of an order after submission.
type OrderResult struct {
	ExchangeOrderID string
	ClientToken     string
	Status          domain.OrderStatus
	AvgFillPrice    decimal.Decimal
	FilledQuantity  decimal.Decimal
	Fee             decimal.Decimal
	FilledAt        time.Time
}

// OpenOrder is an order resting on the venue.
type OpenOrder struct {
	ExchangeOrderID string
	ClientToken     string
	Symbol          string
	Side            domain.OrderSide
	Quantity        decimal.Decimal
}

// Position is the venue's net position for a symbol.
type Position struct {
	Symbol     string
	Side       domain.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

// Exchange abstracts venue operations. PlaceMarketOrder is retry-safe: a call
// repeated with the same clientToken must not place a second order — the
// venue (or the adapter, by querying for the token first) deduplicates and
// returns the original order's result.
type Exchange interface {
	// Name returns the venue identifier (e.g. "binance", "alpaca", "simulator").
	Name() string

	// PlaceMarketOrder submits a market order under the given idempotency
	// token.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity decimal.Decimal, clientToken string) (*OrderResult, error)

	// CancelOrder requests cancellation of an open order.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// GetPrice returns the latest traded price for a symbol.
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// GetOpenOrders returns all resting orders for a symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	// GetPosition returns the venue's net position for a symbol, or nil when
	// flat.
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// Ping verifies the venue is reachable. Readiness checks use it.
	Ping(ctx context.Context) error
}

// transientError marks a failure worth retrying: timeouts, rate limits,
// upstream 5xx. Permanent failures (rejected order, bad symbol, insufficient
// margin) are not wrapped.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err as retryable.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

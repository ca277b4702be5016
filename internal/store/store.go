// Package store defines the persistence interfaces for positions, orders,
// events, intents, and leases, with a SQLite implementation for live state
// and a Parquet archive for closed positions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"tiller/internal/domain"
)

// Store errors.
var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrIntentExists is returned when an intent with the same idempotency
	// key is already journaled.
	ErrIntentExists = errors.New("store: intent already exists")
)

// PositionStore persists and retrieves position records.
type PositionStore interface {
	// SavePosition inserts or updates a position.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// GetPosition retrieves a single position by its ID.
	GetPosition(ctx context.Context, id uuid.UUID) (*domain.Position, error)

	// ListOpenPositions returns all positions that still need management
	// (armed, entering, active, exiting, or error).
	ListOpenPositions(ctx context.Context) ([]*domain.Position, error)

	// ListPositions returns every position, most recently updated first.
	ListPositions(ctx context.Context) ([]*domain.Position, error)

	// DeletePosition removes a position. Used for disarming only; anything
	// past Armed is closed through the state machine, never deleted.
	DeletePosition(ctx context.Context, id uuid.UUID) error
}

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts or updates an order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)

	// GetOrderByToken retrieves an order by its client idempotency token.
	GetOrderByToken(ctx context.Context, token string) (*domain.Order, error)

	// ListOrders returns all orders for a position.
	ListOrders(ctx context.Context, positionID uuid.UUID) ([]*domain.Order, error)
}

// EventStore appends to and reads the position event log.
type EventStore interface {
	// AppendEvents appends events to the log in order.
	AppendEvents(ctx context.Context, events ...domain.Event) error

	// ListEvents returns the most recent events for a position, oldest
	// first, up to limit (0 means no limit).
	ListEvents(ctx context.Context, positionID uuid.UUID, limit int) ([]domain.Event, error)
}

// IntentStore journals units of exchange work for idempotent execution.
type IntentStore interface {
	// CreateIntent journals a new intent. Returns ErrIntentExists when an
	// intent with the same id is already present.
	CreateIntent(ctx context.Context, intent *domain.Intent) error

	// GetIntent retrieves an intent by its idempotency key.
	GetIntent(ctx context.Context, id uuid.UUID) (*domain.Intent, error)

	// UpdateIntent persists a status change.
	UpdateIntent(ctx context.Context, intent *domain.Intent) error

	// ListUnresolvedIntents returns intents still pending or executing,
	// oldest first. Startup reconciliation drains this list.
	ListUnresolvedIntents(ctx context.Context) ([]*domain.Intent, error)
}

// LeaseStore provides single-writer leases keyed by unit of work. The
// database serializes acquisition, so exactly one of two concurrent
// contenders wins.
type LeaseStore interface {
	// AcquireLease takes the lease if it is free, expired, or already held
	// by this holder. Returns false when another live holder has it.
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// RenewLease extends a lease the holder still owns. Returns false when
	// the lease expired or was taken over; the holder must stop its work.
	RenewLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease if this holder owns it.
	ReleaseLease(ctx context.Context, key, holder string) error

	// HoldsLease reports whether the holder currently owns an unexpired
	// lease on the key. Fencing checks ride on this.
	HoldsLease(ctx context.Context, key, holder string) (bool, error)
}

// Store aggregates the live-state stores backed by one database.
type Store interface {
	PositionStore
	OrderStore
	EventStore
	IntentStore
	LeaseStore

	// Ping verifies the database is reachable. Readiness checks use it.
	Ping(ctx context.Context) error
	Close() error
}

// Package exec executes journaled exchange intents exactly once. Every order
// placement is recorded as an intent before the exchange is touched; after a
// crash the journal says which units of work may have reached the venue, and
// re-execution with the same idempotency token resolves them without placing
// duplicates.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tiller/internal/domain"
	"tiller/internal/exchange"
	"tiller/internal/store"
	"tiller/internal/util"
)

// ErrFenced is returned when the executor's instance no longer holds its
// lease: a deposed leader must not trade.
var ErrFenced = errors.New("exec: lease no longer held")

// Executor runs intents against an exchange with transient-failure retries.
type Executor struct {
	store       store.Store
	exchange    exchange.Exchange
	log         *slog.Logger
	maxAttempts int
	baseDelay   time.Duration

	// leaseKey/holder, when set via Fence, gate every execution on lease
	// ownership and are stamped onto the rows the execution writes.
	leaseKey string
	holder   string
}

// NewExecutor creates an executor. maxAttempts and baseDelay control the
// retry of transient exchange failures.
func NewExecutor(s store.Store, ex exchange.Exchange, log *slog.Logger, maxAttempts int, baseDelay time.Duration) *Executor {
	return &Executor{
		store:       s,
		exchange:    ex,
		log:         log,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Execute journals and runs an intent, returning the venue's order result.
//
// The protocol:
//
//  1. Journal the intent (atomic insert on the idempotency key). If it is
//     already journaled, take over the existing row: a resolved intent
//     returns its recorded outcome, an unresolved one is re-driven.
//  2. Mark Executing, then call the exchange with the intent id as the
//     client token. The venue deduplicates on the token, so a crash between
//     the call and the journal update is healed by re-executing.
//  3. Record the order and mark the intent Succeeded or Failed. Failed is
//     reserved for venue errors classified as permanent; transient
//     exhaustion and cancellation leave the intent Executing, because the
//     outcome is unknown until a resolution pass asks the venue.
func (e *Executor) Execute(ctx context.Context, intent *domain.Intent) (*exchange.OrderResult, error) {
	if err := e.checkFence(ctx); err != nil {
		return nil, err
	}

	err := e.store.CreateIntent(ctx, intent)
	if errors.Is(err, store.ErrIntentExists) {
		existing, getErr := e.store.GetIntent(ctx, intent.ID)
		if getErr != nil {
			return nil, fmt.Errorf("loading existing intent %s: %w", intent.ID, getErr)
		}
		if existing.Resolved() {
			return e.resolvedResult(ctx, existing)
		}
		intent = existing
	} else if err != nil {
		return nil, fmt.Errorf("journaling intent %s: %w", intent.ID, err)
	}

	intent.Status = domain.IntentExecuting
	if e.holder != "" {
		intent.InstanceID = e.holder
	}
	intent.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("marking intent %s executing: %w", intent.ID, err)
	}

	res, execErr := e.callExchange(ctx, intent)
	if execErr != nil {
		jctx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			jctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
		}
		intent.LastError = execErr.Error()
		intent.UpdatedAt = time.Now().UTC()
		if exchange.IsTransient(execErr) || ctx.Err() != nil {
			// The outcome is unknown: the last attempt may have reached the
			// venue. The intent stays Executing so the next resolution pass
			// re-drives it with the same token instead of treating it as
			// settled.
			if err := e.store.UpdateIntent(jctx, intent); err != nil {
				e.log.Error("failed to journal intent interruption", "intent", intent.ID, "error", err)
			}
			return nil, execErr
		}
		intent.Status = domain.IntentFailed
		if err := e.store.UpdateIntent(jctx, intent); err != nil {
			e.log.Error("failed to journal intent failure", "intent", intent.ID, "error", err)
		}
		return nil, execErr
	}

	if err := e.recordOrder(ctx, intent, res); err != nil {
		return nil, err
	}

	intent.Status = domain.IntentSucceeded
	intent.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateIntent(ctx, intent); err != nil {
		// The order is placed and recorded; a dangling Executing intent is
		// resolved idempotently on the next pass.
		e.log.Error("failed to journal intent success", "intent", intent.ID, "error", err)
	}
	return res, nil
}

// Fence scopes all subsequent executions to a lease. Before any journal or
// exchange write, Execute verifies the holder still owns the lease and
// refuses with ErrFenced otherwise; the holder id is stamped onto every
// intent and order written under it.
func (e *Executor) Fence(leaseKey, holder string) {
	e.leaseKey = leaseKey
	e.holder = holder
}

func (e *Executor) checkFence(ctx context.Context) error {
	if e.leaseKey == "" {
		return nil
	}
	held, err := e.store.HoldsLease(ctx, e.leaseKey, e.holder)
	if err != nil {
		return fmt.Errorf("checking lease %q: %w", e.leaseKey, err)
	}
	if !held {
		return fmt.Errorf("%w: %q deposed on %q", ErrFenced, e.holder, e.leaseKey)
	}
	return nil
}

// ResolveUnresolved re-drives every pending or executing intent. Called on
// startup before any new work: the exchange deduplicates on the token, so an
// intent whose order did reach the venue comes back with the original fill.
func (e *Executor) ResolveUnresolved(ctx context.Context) (map[uuid.UUID]*exchange.OrderResult, error) {
	intents, err := e.store.ListUnresolvedIntents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing unresolved intents: %w", err)
	}

	results := make(map[uuid.UUID]*exchange.OrderResult, len(intents))
	for _, intent := range intents {
		e.log.Info("resolving intent", "intent", intent.ID, "kind", intent.Kind, "status", intent.Status)
		res, err := e.Execute(ctx, intent)
		if err != nil {
			// Recorded as Failed by Execute; the position-level consequence
			// is reconciliation's call.
			e.log.Warn("intent resolution failed", "intent", intent.ID, "error", err)
			continue
		}
		results[intent.ID] = res
	}
	return results, nil
}

// callExchange places the order, retrying transient failures with exponential
// backoff. Permanent failures abort immediately.
func (e *Executor) callExchange(ctx context.Context, intent *domain.Intent) (*exchange.OrderResult, error) {
	var (
		res     *exchange.OrderResult
		permErr error
	)
	retryErr := util.Retry(ctx, e.maxAttempts, e.baseDelay, func() error {
		r, err := e.exchange.PlaceMarketOrder(ctx, intent.Symbol, intent.Side, intent.Quantity, intent.ID.String())
		if err != nil {
			if exchange.IsTransient(err) {
				intent.Attempts++
				e.log.Warn("transient exchange failure", "intent", intent.ID, "attempt", intent.Attempts, "error", err)
				return err
			}
			permErr = err
			return nil
		}
		res = r
		return nil
	})
	if permErr != nil {
		return nil, fmt.Errorf("placing order for intent %s: %w", intent.ID, permErr)
	}
	if retryErr != nil {
		return nil, fmt.Errorf("placing order for intent %s after %d attempts: %w", intent.ID, e.maxAttempts, retryErr)
	}
	return res, nil
}

// recordOrder persists the venue's view of the order under the intent's
// order id.
func (e *Executor) recordOrder(ctx context.Context, intent *domain.Intent, res *exchange.OrderResult) error {
	order, err := e.store.GetOrder(ctx, intent.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		order, err = domain.NewOrder(intent.PositionID, intent.Symbol, intent.Side, intent.Quantity, intent.ID.String())
		if err != nil {
			return fmt.Errorf("building order record: %w", err)
		}
		order.ID = intent.OrderID
	} else if err != nil {
		return fmt.Errorf("loading order %s: %w", intent.OrderID, err)
	}

	order.InstanceID = intent.InstanceID
	order.MarkSubmitted(res.ExchangeOrderID)
	switch res.Status {
	case domain.OrderStatusFilled:
		order.MarkFilled(res.AvgFillPrice, res.FilledQuantity, res.Fee, res.FilledAt)
	case domain.OrderStatusCancelled:
		order.MarkCancelled()
	case domain.OrderStatusRejected:
		order.MarkRejected()
	}
	if err := e.store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("saving order %s: %w", order.ID, err)
	}
	return nil
}

// resolvedResult reconstructs the result of an intent that already ran.
func (e *Executor) resolvedResult(ctx context.Context, intent *domain.Intent) (*exchange.OrderResult, error) {
	if intent.Status == domain.IntentFailed {
		return nil, fmt.Errorf("intent %s already failed: %s", intent.ID, intent.LastError)
	}
	order, err := e.store.GetOrder(ctx, intent.OrderID)
	if err != nil {
		return nil, fmt.Errorf("loading order for resolved intent %s: %w", intent.ID, err)
	}
	res := &exchange.OrderResult{
		ExchangeOrderID: order.ExchangeOrderID,
		ClientToken:     order.ClientToken,
		Status:          order.Status,
		AvgFillPrice:    order.AvgFillPrice,
		FilledQuantity:  order.FilledQuantity,
		Fee:             order.Fee,
	}
	if order.FilledAt != nil {
		res.FilledAt = *order.FilledAt
	}
	return res, nil
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tiller/internal/domain"
	"tiller/internal/engine"
	"tiller/internal/exchange"
	"tiller/internal/exec"
	"tiller/internal/store"
)

// Report summarizes a reconciliation pass.
type Report struct {
	Checked       int
	Discrepancies []string
	// Degraded maps position ids to the reason automation was suspended for
	// them. Any entry puts the daemon into degraded mode.
	Degraded map[uuid.UUID]string
}

// Reconciler aligns local state with the venue after a restart. It resolves
// the intent journal first, then walks every open position and classifies
// what it finds. Anything self-healable is healed; anything ambiguous
// degrades the position rather than guessing.
type Reconciler struct {
	store    store.Store
	exchange exchange.Exchange
	engine   *engine.Engine
	executor *exec.Executor
	log      *slog.Logger
}

// NewReconciler wires a reconciler.
func NewReconciler(s store.Store, ex exchange.Exchange, eng *engine.Engine, executor *exec.Executor, log *slog.Logger) *Reconciler {
	return &Reconciler{store: s, exchange: ex, engine: eng, executor: executor, log: log}
}

// Run performs one full reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	report := &Report{Degraded: make(map[uuid.UUID]string)}

	// Drain the intent journal before looking at positions: an Executing
	// intent left by a crash may have placed an order we do not know about.
	if _, err := r.executor.ResolveUnresolved(ctx); err != nil {
		return nil, fmt.Errorf("resolving intents: %w", err)
	}

	positions, err := r.store.ListOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing open positions: %w", err)
	}

	symbols := make(map[string]bool)
	for _, pos := range positions {
		report.Checked++
		symbols[pos.Symbol] = true
		if err := r.reconcilePosition(ctx, pos, report); err != nil {
			r.log.Error("reconciliation failed for position", "position", pos.ID, "error", err)
			r.degrade(ctx, pos, report, fmt.Sprintf("reconciliation error: %v", err))
		}
	}

	for symbol := range symbols {
		if err := r.sweepUntrackedOrders(ctx, symbol, report); err != nil {
			r.log.Warn("untracked order sweep failed", "symbol", symbol, "error", err)
		}
	}

	for _, pos := range positions {
		r.appendReconcileEvent(ctx, pos.ID, report)
	}
	return report, nil
}

func (r *Reconciler) reconcilePosition(ctx context.Context, pos *domain.Position, report *Report) error {
	switch pos.State {
	case domain.StateArmed:
		// Nothing in flight; nothing to check.
		return nil
	case domain.StateEntering:
		return r.reconcileEntering(ctx, pos, report)
	case domain.StateActive:
		return r.reconcileActive(ctx, pos, report)
	case domain.StateExiting:
		return r.reconcileExiting(ctx, pos)
	case domain.StateError:
		// Parked; operator attention required, nothing to reconcile.
		return nil
	}
	return nil
}

// reconcileEntering resolves an entry whose fill we may have missed. The
// entry intent id is the signal id, so the order record (keyed by that token)
// tells us what the venue did.
func (r *Reconciler) reconcileEntering(ctx context.Context, pos *domain.Position, report *Report) error {
	if pos.Entering == nil {
		return fmt.Errorf("entering position %s has no entry data", pos.ID)
	}
	token := pos.Entering.SignalID.String()

	order, err := r.store.GetOrderByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		// The intent never reached the venue (journal already drained). The
		// entry is dead; the position can be re-armed by the operator.
		r.log.Warn("entry order never placed, parking position", "position", pos.ID)
		if err := pos.Fail("entry order was not placed", true); err != nil {
			return err
		}
		if err := r.store.SavePosition(ctx, pos); err != nil {
			return err
		}
		report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("position %s: entry order missing", pos.ID))
		return r.store.AppendEvents(ctx, domain.NewEvent(pos.ID, domain.EventPositionError, domain.ErrorData{
			Message: "entry order was not placed", Recoverable: true,
		}))
	}
	if err != nil {
		return err
	}

	switch order.Status {
	case domain.OrderStatusFilled:
		d, err := r.engine.ApplyEntryFill(pos, order.ID, order.AvgFillPrice, order.FilledQuantity, order.Fee, derefTime(order.FilledAt))
		if err != nil {
			return err
		}
		return r.applySimple(ctx, d)
	case domain.OrderStatusCancelled, domain.OrderStatusRejected:
		if err := pos.Fail(fmt.Sprintf("entry order %s", order.Status), true); err != nil {
			return err
		}
		if err := r.store.SavePosition(ctx, pos); err != nil {
			return err
		}
		report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("position %s: entry order %s", pos.ID, order.Status))
		return nil
	default:
		// Still resting on the venue. Market entries should not rest; treat
		// as ambiguous.
		r.degrade(ctx, pos, report, fmt.Sprintf("entry order %s still open", order.ID))
		return nil
	}
}

// reconcileActive compares the local Active position with the venue.
func (r *Reconciler) reconcileActive(ctx context.Context, pos *domain.Position, report *Report) error {
	venuePos, err := r.exchange.GetPosition(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("querying venue position: %w", err)
	}

	price, priceErr := r.exchange.GetPrice(ctx, pos.Symbol)
	crossedOffline := priceErr == nil && pos.Active != nil &&
		domain.Crossed(pos.Side, price, pos.Active.TrailingStop)

	switch {
	case venuePos == nil:
		// The venue is flat but we believe we hold a position. If price
		// passed the stop while we were down, something may have closed it
		// (or liquidation hit). Either way the books disagree: degrade and
		// journal a close-at-market intent for the operator to release —
		// automation must not guess at a fix that trades.
		reason := "venue shows no position"
		if crossedOffline {
			reason = "venue shows no position and price passed the stop while offline"
		}
		r.degrade(ctx, pos, report, reason)
		return r.journalDegradedClose(ctx, pos)

	case !venuePos.Quantity.Equal(pos.Quantity) || venuePos.Side != pos.Side:
		r.degrade(ctx, pos, report, fmt.Sprintf("venue quantity %s %s does not match local %s %s",
			venuePos.Side, venuePos.Quantity, pos.Side, pos.Quantity))
		return nil

	case crossedOffline:
		// Books agree and the stop was breached while we were down: exit at
		// market through the normal path.
		r.log.Info("price passed stop while offline, exiting", "position", pos.ID, "price", price)
		d, err := r.engine.ProcessTick(pos, domain.Tick{Symbol: pos.Symbol, Price: price, At: time.Now().UTC()})
		if err != nil {
			return err
		}
		return r.applyWithActions(ctx, d)
	}
	return nil
}

// reconcileExiting re-drives an exit whose fill we may have missed. The exit
// order id is deterministic, so re-execution reuses the same token.
func (r *Reconciler) reconcileExiting(ctx context.Context, pos *domain.Position) error {
	if pos.Exiting == nil {
		return fmt.Errorf("exiting position %s has no exit data", pos.ID)
	}
	token := engine.ExitOrderID(pos.ID).String()

	order, err := r.store.GetOrderByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		// The exit intent never completed; re-journal and execute it now.
		intent := domain.NewIntent(engine.ExitOrderID(pos.ID), pos.ID, engine.ExitOrderID(pos.ID),
			domain.IntentExit, pos.Symbol, pos.Side.ExitOrderSide(), pos.Quantity)
		res, execErr := r.executor.Execute(ctx, intent)
		if execErr != nil {
			return fmt.Errorf("re-driving exit: %w", execErr)
		}
		return r.applyExitResult(ctx, pos, intent.OrderID, res.AvgFillPrice, res.Fee, res.FilledAt)
	}
	if err != nil {
		return err
	}

	if order.Status == domain.OrderStatusFilled {
		return r.applyExitResult(ctx, pos, order.ID, order.AvgFillPrice, order.Fee, derefTime(order.FilledAt))
	}
	return nil
}

// sweepUntrackedOrders cancels venue orders that no local order record
// claims. They are leftovers from a failed run or another operator; resting
// unknown orders are a risk, not an asset.
func (r *Reconciler) sweepUntrackedOrders(ctx context.Context, symbol string, report *Report) error {
	open, err := r.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, o := range open {
		if _, err := r.store.GetOrderByToken(ctx, o.ClientToken); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		r.log.Warn("cancelling untracked venue order", "symbol", symbol, "order", o.ExchangeOrderID)
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("untracked order %s on %s cancelled", o.ExchangeOrderID, symbol))
		if err := r.exchange.CancelOrder(ctx, symbol, o.ExchangeOrderID); err != nil {
			r.log.Error("cancel of untracked order failed", "order", o.ExchangeOrderID, "error", err)
		}
	}
	return nil
}

// journalDegradedClose records (without executing) a close-at-market intent
// for a degraded position. Execution waits for the operator: the venue
// already disagrees with us, and a blind market order could open exposure
// instead of closing it.
func (r *Reconciler) journalDegradedClose(ctx context.Context, pos *domain.Position) error {
	intent := domain.NewIntent(engine.ExitOrderID(pos.ID), pos.ID, engine.ExitOrderID(pos.ID),
		domain.IntentExit, pos.Symbol, pos.Side.ExitOrderSide(), pos.Quantity)
	err := r.store.CreateIntent(ctx, intent)
	if errors.Is(err, store.ErrIntentExists) {
		return nil
	}
	return err
}

// applySimple persists a decision with no exchange actions.
func (r *Reconciler) applySimple(ctx context.Context, d engine.Decision) error {
	if d.Updated != nil {
		if err := r.store.SavePosition(ctx, d.Updated); err != nil {
			return err
		}
	}
	return r.store.AppendEvents(ctx, d.Events...)
}

// applyWithActions persists a decision and executes its order actions.
func (r *Reconciler) applyWithActions(ctx context.Context, d engine.Decision) error {
	if err := r.applySimple(ctx, d); err != nil {
		return err
	}
	for _, action := range d.Actions {
		exit, ok := action.(engine.PlaceExitOrder)
		if !ok {
			continue
		}
		pos := d.Updated
		intent := domain.NewIntent(exit.OrderID, pos.ID, exit.OrderID,
			domain.IntentExit, pos.Symbol, exit.Side, exit.Quantity)
		res, err := r.executor.Execute(ctx, intent)
		if err != nil {
			return fmt.Errorf("executing exit: %w", err)
		}
		if err := r.applyExitResult(ctx, pos, exit.OrderID, res.AvgFillPrice, res.Fee, res.FilledAt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) applyExitResult(ctx context.Context, pos *domain.Position, orderID uuid.UUID, price, fee decimal.Decimal, at time.Time) error {
	d, err := r.engine.ApplyExitFill(pos, orderID, price, fee, at)
	if err != nil {
		return err
	}
	return r.applySimple(ctx, d)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Now().UTC()
	}
	return *t
}

func (r *Reconciler) degrade(ctx context.Context, pos *domain.Position, report *Report, reason string) {
	r.log.Error("position degraded", "position", pos.ID, "reason", reason)
	report.Degraded[pos.ID] = reason
	report.Discrepancies = append(report.Discrepancies, fmt.Sprintf("position %s: %s", pos.ID, reason))
	ev := domain.NewEvent(pos.ID, domain.EventDegradedEntered, domain.ErrorData{Message: reason, Recoverable: true})
	if err := r.store.AppendEvents(ctx, ev); err != nil {
		r.log.Warn("failed to append degraded event", "position", pos.ID, "error", err)
	}
}

func (r *Reconciler) appendReconcileEvent(ctx context.Context, posID uuid.UUID, report *Report) {
	ev := domain.NewEvent(posID, domain.EventReconcileCompleted, domain.ReconcileData{
		Checked:       report.Checked,
		Discrepancies: report.Discrepancies,
		Degraded:      len(report.Degraded) > 0,
	})
	if err := r.store.AppendEvents(ctx, ev); err != nil {
		r.log.Warn("failed to append reconciliation event", "position", posID, "error", err)
	}
}

// Package daemon orchestrates the live system: it wins leadership for its
// account via a store lease, reconciles local state with the venue, rebuilds
// detectors for armed positions, and then drives every open position from the
// market-data stream. All position mutation funnels through one daemon
// mutex, so engine decisions are applied strictly one at a time.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tiller/internal/detector"
	"tiller/internal/domain"
	"tiller/internal/engine"
	"tiller/internal/exec"
	"tiller/internal/exchange"
	"tiller/internal/marketdata"
	"tiller/internal/store"
)

// Daemon errors.
var (
	// ErrDegraded is returned when an operation is blocked by degraded mode.
	ErrDegraded = errors.New("daemon: degraded mode, new entries blocked")
	// ErrNotLeader is returned when a command arrives before leadership is won.
	ErrNotLeader = errors.New("daemon: not leader")
)

// Config carries the daemon's identity and timing.
type Config struct {
	AccountID uuid.UUID
	// Instance uniquely identifies this process; it is the lease holder id.
	Instance string
	LeaseTTL time.Duration
}

// Status is the daemon's health snapshot for the operational API.
type Status struct {
	Leader        bool              `json:"leader"`
	Degraded      bool              `json:"degraded"`
	DegradedWhy   map[string]string `json:"degraded_reasons,omitempty"`
	Exchange      string            `json:"exchange"`
	OpenPositions int               `json:"open_positions"`
	StartedAt     time.Time         `json:"started_at"`
}

// Daemon runs the position-management loop for one account.
type Daemon struct {
	cfg       Config
	store     store.Store
	archive   store.PositionArchive
	engine    *engine.Engine
	executor  *exec.Executor
	exchange  exchange.Exchange
	stream    marketdata.Stream
	detectors *detector.Registry
	log       *slog.Logger

	mu        sync.Mutex
	running   map[uuid.UUID]detector.Detector
	degraded  map[uuid.UUID]string
	leader    bool
	startedAt time.Time

	// sink, when set, receives a copy of every event the daemon records.
	sink func(domain.Event)
}

// OnEvent registers a sink invoked for every recorded event. It must be set
// before Run; the API server uses it to feed its websocket stream.
func (d *Daemon) OnEvent(fn func(domain.Event)) {
	d.sink = fn
}

// appendEvents persists events and fans them out to the sink.
func (d *Daemon) appendEvents(ctx context.Context, events ...domain.Event) error {
	if err := d.store.AppendEvents(ctx, events...); err != nil {
		return err
	}
	if d.sink != nil {
		for _, ev := range events {
			d.sink(ev)
		}
	}
	return nil
}

// New wires a daemon.
func New(cfg Config, s store.Store, archive store.PositionArchive, eng *engine.Engine,
	executor *exec.Executor, ex exchange.Exchange, stream marketdata.Stream,
	detectors *detector.Registry, log *slog.Logger) *Daemon {
	return &Daemon{
		cfg:       cfg,
		store:     s,
		archive:   archive,
		engine:    eng,
		executor:  executor,
		exchange:  ex,
		stream:    stream,
		detectors: detectors,
		log:       log,
		running:   make(map[uuid.UUID]detector.Detector),
		degraded:  make(map[uuid.UUID]string),
		startedAt: time.Now().UTC(),
	}
}

// Run blocks until the context is cancelled or the lease is lost. Losing the
// lease is fatal for the unit of work: another instance owns the account now
// and acting further would race it.
func (d *Daemon) Run(ctx context.Context) error {
	keeper := store.NewLeaseKeeper(d.store, d.leaseKey(), d.cfg.Instance, d.cfg.LeaseTTL, d.log)
	if err := d.waitForLeadership(ctx, keeper); err != nil {
		return err
	}
	// Every exchange write from here on is fenced on the lease: if another
	// instance steals it, this daemon's in-flight work is rejected before it
	// can trade.
	d.executor.Fence(d.leaseKey(), d.cfg.Instance)

	report, err := NewReconciler(d.store, d.exchange, d.engine, d.executor, d.log).Run(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	d.mu.Lock()
	for id, reason := range report.Degraded {
		d.degraded[id] = reason
	}
	d.leader = true
	d.mu.Unlock()

	if err := d.rebuildDetectors(ctx); err != nil {
		return fmt.Errorf("rebuilding detectors: %w", err)
	}
	d.log.Info("daemon ready",
		"account", d.cfg.AccountID,
		"instance", d.cfg.Instance,
		"reconciled", report.Checked,
		"degraded", len(report.Degraded))

	leaseErr := make(chan error, 1)
	go func() { leaseErr <- keeper.Run(ctx) }()

	streamErr := make(chan error, 1)
	go func() { streamErr <- d.stream.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-leaseErr:
			if errors.Is(err, store.ErrLeaseLost) {
				return fmt.Errorf("stopping: %w", err)
			}
			return err
		case err := <-streamErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("market data stream stopped: %w", err)
		case tick, ok := <-d.stream.Ticks():
			if !ok {
				continue
			}
			d.handleTick(ctx, tick)
		}
	}
}

func (d *Daemon) leaseKey() string {
	return "account/" + d.cfg.AccountID.String()
}

// waitForLeadership polls the lease until it is won.
func (d *Daemon) waitForLeadership(ctx context.Context, keeper *store.LeaseKeeper) error {
	for {
		ok, err := keeper.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquiring lease: %w", err)
		}
		if ok {
			return nil
		}
		d.log.Info("another instance holds the lease, waiting", "key", d.leaseKey())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.LeaseTTL / 2):
		}
	}
}

// rebuildDetectors reconstructs detectors for armed positions from their
// persisted specs.
func (d *Daemon) rebuildDetectors(ctx context.Context) error {
	positions, err := d.store.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, pos := range positions {
		if pos.State != domain.StateArmed || pos.Detector == nil {
			continue
		}
		factory, ok := d.detectors.Get(pos.Detector.Name)
		if !ok {
			d.log.Error("unknown detector on armed position", "position", pos.ID, "detector", pos.Detector.Name)
			continue
		}
		det, err := factory(pos, pos.Detector.Params)
		if err != nil {
			d.log.Error("detector rebuild failed", "position", pos.ID, "error", err)
			continue
		}
		d.running[pos.ID] = det
	}
	return nil
}

// handleTick routes one tick through every open position on its symbol.
func (d *Daemon) handleTick(ctx context.Context, tick domain.Tick) {
	d.mu.Lock()
	defer d.mu.Unlock()

	positions, err := d.store.ListOpenPositions(ctx)
	if err != nil {
		d.log.Error("listing positions for tick", "error", err)
		return
	}
	for _, pos := range positions {
		if pos.Symbol != tick.Symbol {
			continue
		}
		switch pos.State {
		case domain.StateArmed:
			d.tickArmed(ctx, pos, tick)
		case domain.StateActive:
			d.tickActive(ctx, pos, tick)
		}
	}
}

func (d *Daemon) tickArmed(ctx context.Context, pos *domain.Position, tick domain.Tick) {
	det, ok := d.running[pos.ID]
	if !ok {
		return
	}
	sig, err := det.OnTick(ctx, tick)
	if err != nil {
		d.log.Error("detector error", "position", pos.ID, "error", err)
		return
	}
	if sig == nil {
		return
	}
	if err := d.enterLocked(ctx, pos, *sig); err != nil {
		d.log.Error("entry failed", "position", pos.ID, "error", err)
	}
}

func (d *Daemon) tickActive(ctx context.Context, pos *domain.Position, tick domain.Tick) {
	if _, bad := d.degraded[pos.ID]; bad {
		return
	}
	dec, err := d.engine.ProcessTick(pos, tick)
	if err != nil {
		d.log.Error("tick processing failed", "position", pos.ID, "error", err)
		return
	}
	if err := d.applyDecision(ctx, dec); err != nil {
		d.log.Error("applying tick decision failed", "position", pos.ID, "error", err)
	}
}

// enterLocked drives a signal through entry. Caller holds d.mu.
func (d *Daemon) enterLocked(ctx context.Context, pos *domain.Position, sig domain.Signal) error {
	if len(d.degraded) > 0 && pos.State == domain.StateArmed {
		ev := domain.NewEvent(pos.ID, domain.EventSignalRejected, domain.SignalData{
			SignalID: sig.ID, Detector: sig.Detector, Reason: "degraded mode",
		})
		if err := d.appendEvents(ctx, ev); err != nil {
			d.log.Warn("appending rejection event failed", "error", err)
		}
		return ErrDegraded
	}

	dec, err := d.engine.DecideEntry(pos, sig)
	if err != nil {
		return err
	}
	if dec.NoOp() {
		return nil
	}
	if err := d.applyDecision(ctx, dec); err != nil {
		return err
	}
	delete(d.running, pos.ID)
	return nil
}

// applyDecision persists a decision and executes its order actions, feeding
// fills back through the engine until the position settles. Caller holds
// d.mu.
func (d *Daemon) applyDecision(ctx context.Context, dec engine.Decision) error {
	if dec.Updated != nil {
		if err := d.store.SavePosition(ctx, dec.Updated); err != nil {
			return fmt.Errorf("saving position: %w", err)
		}
	}
	if err := d.appendEvents(ctx, dec.Events...); err != nil {
		return fmt.Errorf("appending events: %w", err)
	}

	for _, action := range dec.Actions {
		switch a := action.(type) {
		case engine.PlaceEntryOrder:
			if err := d.executeEntry(ctx, dec.Updated, a); err != nil {
				return err
			}
		case engine.PlaceExitOrder:
			if err := d.executeExit(ctx, dec.Updated, a); err != nil {
				return err
			}
		}
	}

	if dec.Updated != nil && dec.Updated.State == domain.StateClosed {
		if err := d.archive.ArchivePosition(ctx, dec.Updated); err != nil {
			// The store still has the position; archival retries on the
			// next close.
			d.log.Warn("archiving closed position failed", "position", dec.Updated.ID, "error", err)
		}
	}
	return nil
}

func (d *Daemon) executeEntry(ctx context.Context, pos *domain.Position, a engine.PlaceEntryOrder) error {
	signalID, err := uuid.Parse(a.ClientToken)
	if err != nil {
		return fmt.Errorf("bad entry token: %w", err)
	}
	intent := domain.NewIntent(signalID, pos.ID, a.OrderID, domain.IntentEntry, pos.Symbol, a.Side, a.Quantity)
	res, err := d.executor.Execute(ctx, intent)
	if err != nil {
		return d.parkPosition(ctx, pos, fmt.Sprintf("entry failed: %v", err), true)
	}
	if res.Status != domain.OrderStatusFilled {
		return d.parkPosition(ctx, pos, fmt.Sprintf("entry order %s", res.Status), true)
	}

	fillDec, err := d.engine.ApplyEntryFill(pos, a.OrderID, res.AvgFillPrice, res.FilledQuantity, res.Fee, res.FilledAt)
	if err != nil {
		return err
	}
	return d.applyDecision(ctx, fillDec)
}

func (d *Daemon) executeExit(ctx context.Context, pos *domain.Position, a engine.PlaceExitOrder) error {
	intent := domain.NewIntent(a.OrderID, pos.ID, a.OrderID, domain.IntentExit, pos.Symbol, a.Side, a.Quantity)
	res, err := d.executor.Execute(ctx, intent)
	if err != nil {
		// An exit that cannot be placed leaves live exposure: this is not
		// recoverable by re-arming.
		return d.parkPosition(ctx, pos, fmt.Sprintf("exit failed: %v", err), false)
	}

	fillDec, err := d.engine.ApplyExitFill(pos, a.OrderID, res.AvgFillPrice, res.Fee, res.FilledAt)
	if err != nil {
		return err
	}
	return d.applyDecision(ctx, fillDec)
}

// parkPosition moves a position to the Error state and records why.
func (d *Daemon) parkPosition(ctx context.Context, pos *domain.Position, reason string, recoverable bool) error {
	d.log.Error("parking position", "position", pos.ID, "reason", reason, "recoverable", recoverable)
	if err := pos.Fail(reason, recoverable); err != nil {
		return err
	}
	if err := d.store.SavePosition(ctx, pos); err != nil {
		return err
	}
	return d.appendEvents(ctx, domain.NewEvent(pos.ID, domain.EventPositionError, domain.ErrorData{
		Message: reason, Recoverable: recoverable,
	}))
}

// ---------------------------------------------------------------------------
// Operator commands
// ---------------------------------------------------------------------------

// Arm creates an armed position watched by the named detector.
func (d *Daemon) Arm(ctx context.Context, symbol string, side domain.Side, detName string, params map[string]string) (*domain.Position, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side %q", domain.ErrInvalidSignal, side)
	}
	factory, ok := d.detectors.Get(detName)
	if !ok {
		return nil, fmt.Errorf("unknown detector %q", detName)
	}

	pos := domain.NewPosition(d.cfg.AccountID, symbol, side)
	pos.Detector = &domain.DetectorSpec{Name: detName, Params: params}
	det, err := factory(pos, params)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.leader {
		return nil, ErrNotLeader
	}
	if err := d.store.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := d.appendEvents(ctx, domain.NewEvent(pos.ID, domain.EventPositionArmed, domain.ArmedData{
		Symbol: symbol, Side: side,
	})); err != nil {
		return nil, err
	}
	d.running[pos.ID] = det
	d.log.Info("position armed", "position", pos.ID, "symbol", symbol, "side", side, "detector", detName)
	return pos, nil
}

// Disarm removes an armed position. Positions past Armed cannot be disarmed;
// they exit through the state machine.
func (d *Daemon) Disarm(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.leader {
		return ErrNotLeader
	}

	pos, err := d.store.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if pos.State != domain.StateArmed {
		return fmt.Errorf("%w: cannot disarm a %s position", domain.ErrInvalidTransition, pos.State)
	}
	if err := d.store.DeletePosition(ctx, id); err != nil {
		return err
	}
	delete(d.running, id)
	d.log.Info("position disarmed", "position", id)
	return d.appendEvents(ctx, domain.NewEvent(id, domain.EventPositionDisarmed, nil))
}

// Panic force-closes one active position at market.
func (d *Daemon) Panic(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.leader {
		return ErrNotLeader
	}
	return d.panicLocked(ctx, id)
}

// PanicAll force-closes every active position. Returns how many exits were
// triggered; the first failure aborts the sweep.
func (d *Daemon) PanicAll(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.leader {
		return 0, ErrNotLeader
	}

	positions, err := d.store.ListOpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	var closed int
	for _, pos := range positions {
		if pos.State != domain.StateActive {
			continue
		}
		if err := d.panicLocked(ctx, pos.ID); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func (d *Daemon) panicLocked(ctx context.Context, id uuid.UUID) error {
	pos, err := d.store.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	dec, err := d.engine.DecidePanic(pos)
	if err != nil {
		return err
	}
	return d.applyDecision(ctx, dec)
}

// ClearError returns a recoverable errored position to Armed and rebuilds
// its detector. It also lifts the position's degraded flag: clearing is the
// operator's acknowledgement.
func (d *Daemon) ClearError(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.leader {
		return ErrNotLeader
	}

	pos, err := d.store.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if err := pos.ClearError(); err != nil {
		return err
	}
	if err := d.store.SavePosition(ctx, pos); err != nil {
		return err
	}
	if err := d.appendEvents(ctx, domain.NewEvent(pos.ID, domain.EventErrorCleared, nil)); err != nil {
		return err
	}

	if _, was := d.degraded[id]; was {
		delete(d.degraded, id)
		if len(d.degraded) == 0 {
			if err := d.appendEvents(ctx, domain.NewEvent(pos.ID, domain.EventDegradedCleared, nil)); err != nil {
				d.log.Warn("appending degraded-cleared event failed", "error", err)
			}
		}
	}

	if pos.Detector != nil {
		if factory, ok := d.detectors.Get(pos.Detector.Name); ok {
			if det, err := factory(pos, pos.Detector.Params); err == nil {
				d.running[pos.ID] = det
			} else {
				d.log.Error("detector rebuild after clear failed", "position", pos.ID, "error", err)
			}
		}
	}
	return nil
}

// InjectSignal feeds a manual entry signal to a position, bypassing its
// detector. Used for operator-driven entries and testing.
func (d *Daemon) InjectSignal(ctx context.Context, sig domain.Signal) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.leader {
		return ErrNotLeader
	}

	pos, err := d.store.GetPosition(ctx, sig.PositionID)
	if err != nil {
		return err
	}
	return d.enterLocked(ctx, pos, sig)
}

// Positions returns every position, most recently updated first.
func (d *Daemon) Positions(ctx context.Context) ([]*domain.Position, error) {
	return d.store.ListPositions(ctx)
}

// Position returns one position.
func (d *Daemon) Position(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	return d.store.GetPosition(ctx, id)
}

// Events returns a position's event log, oldest first.
func (d *Daemon) Events(ctx context.Context, id uuid.UUID, limit int) ([]domain.Event, error) {
	return d.store.ListEvents(ctx, id, limit)
}

// Ready reports whether the daemon can currently serve: it must hold
// leadership, have no degraded positions, and reach both the store and the
// venue. A nil return means ready.
func (d *Daemon) Ready(ctx context.Context) error {
	d.mu.Lock()
	leader := d.leader
	degraded := len(d.degraded) > 0
	d.mu.Unlock()

	if !leader {
		return ErrNotLeader
	}
	if degraded {
		return ErrDegraded
	}
	if err := d.store.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	if err := d.exchange.Ping(ctx); err != nil {
		return fmt.Errorf("exchange unreachable: %w", err)
	}
	return nil
}

// Status reports the daemon's health.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Status{
		Leader:    d.leader,
		Degraded:  len(d.degraded) > 0,
		Exchange:  d.exchange.Name(),
		StartedAt: d.startedAt,
	}
	if len(d.degraded) > 0 {
		st.DegradedWhy = make(map[string]string, len(d.degraded))
		for id, reason := range d.degraded {
			st.DegradedWhy[id.String()] = reason
		}
	}
	if positions, err := d.store.ListOpenPositions(ctx); err == nil {
		st.OpenPositions = len(positions)
	}
	return st
}

package daemon

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tiller/internal/detector"
	"tiller/internal/domain"
	"tiller/internal/engine"
	"tiller/internal/exchange"
	"tiller/internal/exec"
	"tiller/internal/marketdata"
	"tiller/internal/store"
)

type harness struct {
	daemon *Daemon
	store  *store.SQLiteStore
	sim    *exchange.Simulator
	stream *marketdata.SimStream
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "tiller.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := slog.New(slog.DiscardHandler)
	sim := exchange.NewSimulator()
	sim.SetPrice("BTCUSDT", dec(t, "94000"))

	risk, err := domain.NewRiskConfig(dec(t, "10000"), dec(t, "1"), dec(t, "20"))
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(risk, domain.DefaultSizingLimits(), engine.NewDrawdownGuard(risk))
	executor := exec.NewExecutor(s, sim, log, 3, time.Millisecond)

	registry := detector.NewRegistry()
	registry.Register("breakout", detector.NewBreakout)

	stream := marketdata.NewSimStream()
	d := New(Config{
		AccountID: domain.NewID(),
		Instance:  "test-instance",
		LeaseTTL:  time.Minute,
	}, s, store.NewParquetArchive(dir), eng, executor, sim, stream, registry, log)
	d.leader = true

	return &harness{daemon: d, store: s, sim: sim, stream: stream}
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func (h *harness) tick(t *testing.T, price string) {
	t.Helper()
	h.sim.SetPrice("BTCUSDT", dec(t, price))
	h.daemon.handleTick(context.Background(), domain.Tick{
		Symbol: "BTCUSDT",
		Price:  dec(t, price),
		At:     time.Now().UTC(),
	})
}

func (h *harness) arm(t *testing.T) *domain.Position {
	t.Helper()
	pos, err := h.daemon.Arm(context.Background(), "BTCUSDT", domain.SideLong, "breakout",
		map[string]string{"trigger": "95000", "stop": "93500"})
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	return pos
}

func (h *harness) position(t *testing.T, pos *domain.Position) *domain.Position {
	t.Helper()
	got, err := h.store.GetPosition(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	return got
}

func TestArmDetectEnterAndTrail(t *testing.T) {
	h := newHarness(t)
	pos := h.arm(t)

	// Below the trigger: still armed.
	h.tick(t, "94500")
	if got := h.position(t, pos); got.State != domain.StateArmed {
		t.Fatalf("state = %q, want armed", got.State)
	}

	// Crossing the trigger enters and fills immediately at market.
	h.tick(t, "95000")
	got := h.position(t, pos)
	if got.State != domain.StateActive {
		t.Fatalf("state = %q, want active", got.State)
	}
	if !got.Active.TrailingStop.Equal(dec(t, "93500")) {
		t.Errorf("initial stop = %s, want 93500", got.Active.TrailingStop)
	}
	if h.sim.OrderCount() != 1 {
		t.Fatalf("orders = %d, want 1", h.sim.OrderCount())
	}

	// A new peak ratchets the stop.
	h.tick(t, "96000")
	got = h.position(t, pos)
	if !got.Active.TrailingStop.Equal(dec(t, "94500")) {
		t.Errorf("stop after peak = %s, want 94500", got.Active.TrailingStop)
	}
}

func TestTickThroughStopClosesAndArchives(t *testing.T) {
	h := newHarness(t)
	pos := h.arm(t)
	h.tick(t, "95000")
	h.tick(t, "96000")

	// Gap through the stop: one exit at market.
	h.tick(t, "94400")
	got := h.position(t, pos)
	if got.State != domain.StateClosed {
		t.Fatalf("state = %q, want closed", got.State)
	}
	if got.Closed.Reason != domain.ExitReasonTrailingStop {
		t.Errorf("reason = %q", got.Closed.Reason)
	}
	if h.sim.OrderCount() != 2 {
		t.Fatalf("orders = %d, want entry + exit", h.sim.OrderCount())
	}

	// Closed position is archived.
	now := time.Now().UTC()
	records, err := h.daemon.archive.ReadArchive(context.Background(), now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != pos.ID.String() {
		t.Fatalf("archive records = %+v", records)
	}

	events, err := h.daemon.Events(context.Background(), pos.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var triggers int
	for _, ev := range events {
		if ev.Type == domain.EventExitTriggered {
			triggers++
		}
	}
	if triggers != 1 {
		t.Errorf("exit_triggered events = %d, want 1", triggers)
	}
}

func TestDuplicateSignalInjection(t *testing.T) {
	h := newHarness(t)
	pos, err := h.daemon.Arm(context.Background(), "BTCUSDT", domain.SideLong, "breakout",
		map[string]string{"trigger": "99999999", "stop": "99000000"})
	if err != nil {
		t.Fatal(err)
	}
	h.sim.SetPrice("BTCUSDT", dec(t, "95000"))

	sig := domain.Signal{
		ID:         domain.NewID(),
		PositionID: pos.ID,
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		EntryPrice: dec(t, "95000"),
		StopPrice:  dec(t, "93500"),
		Detector:   "manual",
		At:         time.Now().UTC(),
	}
	if err := h.daemon.InjectSignal(context.Background(), sig); err != nil {
		t.Fatalf("first inject: %v", err)
	}
	// Redelivery: no second order.
	if err := h.daemon.InjectSignal(context.Background(), sig); err != nil {
		t.Fatalf("second inject: %v", err)
	}
	if h.sim.OrderCount() != 1 {
		t.Fatalf("orders = %d, want 1", h.sim.OrderCount())
	}
}

func TestPanicClosesActivePosition(t *testing.T) {
	h := newHarness(t)
	pos := h.arm(t)
	h.tick(t, "95000")

	if err := h.daemon.Panic(context.Background(), pos.ID); err != nil {
		t.Fatalf("Panic: %v", err)
	}
	got := h.position(t, pos)
	if got.State != domain.StateClosed {
		t.Fatalf("state = %q, want closed", got.State)
	}
	if got.Closed.Reason != domain.ExitReasonUserPanic {
		t.Errorf("reason = %q, want user_panic", got.Closed.Reason)
	}
}

func TestPanicAll(t *testing.T) {
	h := newHarness(t)
	p1 := h.arm(t)
	h.tick(t, "95000")

	// A second armed position stays armed through the sweep.
	p2, err := h.daemon.Arm(context.Background(), "BTCUSDT", domain.SideLong, "breakout",
		map[string]string{"trigger": "99999999", "stop": "99000000"})
	if err != nil {
		t.Fatal(err)
	}

	n, err := h.daemon.PanicAll(context.Background())
	if err != nil {
		t.Fatalf("PanicAll: %v", err)
	}
	if n != 1 {
		t.Fatalf("closed = %d, want 1", n)
	}
	if got := h.position(t, p1); got.State != domain.StateClosed {
		t.Errorf("active position not closed: %q", got.State)
	}
	if got := h.position(t, p2); got.State != domain.StateArmed {
		t.Errorf("armed position touched by panic sweep: %q", got.State)
	}
}

func TestDisarm(t *testing.T) {
	h := newHarness(t)
	pos := h.arm(t)

	if err := h.daemon.Disarm(context.Background(), pos.ID); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	if _, err := h.store.GetPosition(context.Background(), pos.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("disarmed position still stored")
	}

	// Only Armed positions can be disarmed.
	active := h.arm(t)
	h.tick(t, "95000")
	if err := h.daemon.Disarm(context.Background(), active.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("disarm active: got %v, want ErrInvalidTransition", err)
	}
}

func TestDegradedModeBlocksEntries(t *testing.T) {
	h := newHarness(t)
	pos := h.arm(t)
	h.daemon.degraded[domain.NewID()] = "venue mismatch"

	sig := domain.Signal{
		ID:         domain.NewID(),
		PositionID: pos.ID,
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		EntryPrice: dec(t, "95000"),
		StopPrice:  dec(t, "93500"),
		Detector:   "manual",
		At:         time.Now().UTC(),
	}
	if err := h.daemon.InjectSignal(context.Background(), sig); !errors.Is(err, ErrDegraded) {
		t.Fatalf("got %v, want ErrDegraded", err)
	}
	if h.sim.OrderCount() != 0 {
		t.Fatal("degraded mode placed an order")
	}
}

func TestCommandsRequireLeadership(t *testing.T) {
	h := newHarness(t)
	h.daemon.leader = false
	if _, err := h.daemon.Arm(context.Background(), "BTCUSDT", domain.SideLong, "breakout",
		map[string]string{"trigger": "95000", "stop": "93500"}); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("got %v, want ErrNotLeader", err)
	}
}

func TestEntryFailureParksPosition(t *testing.T) {
	h := newHarness(t)
	pos := h.arm(t)
	h.sim.FailNext(1, errors.New("insufficient margin"))

	h.tick(t, "95000")
	got := h.position(t, pos)
	if got.State != domain.StateError {
		t.Fatalf("state = %q, want error", got.State)
	}
	if !got.Err.Recoverable {
		t.Error("entry failure should be recoverable")
	}

	// Operator clears; the position re-arms with its detector rebuilt.
	if err := h.daemon.ClearError(context.Background(), pos.ID); err != nil {
		t.Fatalf("ClearError: %v", err)
	}
	got = h.position(t, pos)
	if got.State != domain.StateArmed {
		t.Fatalf("state after clear = %q, want armed", got.State)
	}
	if _, ok := h.daemon.running[pos.ID]; !ok {
		t.Error("detector not rebuilt after clear")
	}
}

// Readiness requires leadership, no degraded positions, and a reachable
// store and venue.
func TestReadyChecksDependencies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.daemon.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	id := domain.NewID()
	h.daemon.degraded[id] = "venue mismatch"
	if err := h.daemon.Ready(ctx); !errors.Is(err, ErrDegraded) {
		t.Fatalf("got %v, want ErrDegraded", err)
	}
	delete(h.daemon.degraded, id)

	h.daemon.leader = false
	if err := h.daemon.Ready(ctx); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("got %v, want ErrNotLeader", err)
	}
	h.daemon.leader = true

	// A store outage drains readiness.
	h.store.Close()
	if err := h.daemon.Ready(ctx); err == nil {
		t.Fatal("ready with an unreachable store")
	}
}

// The books disagree: local Active, venue flat, price past the stop. The
// reconciler must degrade the position and journal exactly one close intent
// without executing it.
func TestReconcileVenuePositionMissing(t *testing.T) {
	h := newHarness(t)
	pos := h.arm(t)
	h.tick(t, "95000")
	ordersBefore := h.sim.OrderCount()

	h.sim.RemovePosition("BTCUSDT")
	h.sim.SetPrice("BTCUSDT", dec(t, "93000"))

	r := NewReconciler(h.store, h.sim, h.daemon.engine, h.daemon.executor, slog.New(slog.DiscardHandler))
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, ok := report.Degraded[pos.ID]; !ok {
		t.Fatalf("position not degraded: %+v", report)
	}

	intent, err := h.store.GetIntent(context.Background(), engine.ExitOrderID(pos.ID))
	if err != nil {
		t.Fatalf("close intent not journaled: %v", err)
	}
	if intent.Status != domain.IntentPending {
		t.Errorf("intent status = %q, want pending (await operator)", intent.Status)
	}
	if h.sim.OrderCount() != ordersBefore {
		t.Error("reconciler traded while degraded")
	}
}

// Books agree but price crossed the stop while the daemon was down: the
// reconciler exits at market through the normal path.
func TestReconcilePricePassedStopOffline(t *testing.T) {
	h := newHarness(t)
	pos := h.arm(t)
	h.tick(t, "95000")

	h.sim.SetPrice("BTCUSDT", dec(t, "93000"))
	r := NewReconciler(h.store, h.sim, h.daemon.engine, h.daemon.executor, slog.New(slog.DiscardHandler))
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Degraded) != 0 {
		t.Fatalf("unexpected degradation: %+v", report.Degraded)
	}

	got := h.position(t, pos)
	if got.State != domain.StateClosed {
		t.Fatalf("state = %q, want closed", got.State)
	}
	if got.Closed.Reason != domain.ExitReasonTrailingStop {
		t.Errorf("reason = %q", got.Closed.Reason)
	}
}

// Quantity drift between venue and local books is never auto-fixed.
func TestReconcileQuantityMismatch(t *testing.T) {
	h := newHarness(t)
	pos := h.arm(t)
	h.tick(t, "95000")

	// The venue reports extra quantity from somewhere.
	if _, err := h.sim.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.OrderSideBuy, dec(t, "1"), "rogue"); err != nil {
		t.Fatal(err)
	}

	r := NewReconciler(h.store, h.sim, h.daemon.engine, h.daemon.executor, slog.New(slog.DiscardHandler))
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, ok := report.Degraded[pos.ID]; !ok {
		t.Fatalf("quantity mismatch not degraded: %+v", report)
	}
	// Still active locally; no automated trade.
	if got := h.position(t, pos); got.State != domain.StateActive {
		t.Errorf("state = %q, want active", got.State)
	}
}

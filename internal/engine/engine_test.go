package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tiller/internal/domain"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	risk, err := domain.NewRiskConfig(dec(t, "10000"), dec(t, "1"), dec(t, "20"))
	if err != nil {
		t.Fatal(err)
	}
	return New(risk, domain.DefaultSizingLimits(), NewDrawdownGuard(risk))
}

func testSignal(t *testing.T, p *domain.Position, entry, stop string) domain.Signal {
	t.Helper()
	return domain.Signal{
		ID:         domain.NewID(),
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		EntryPrice: dec(t, entry),
		StopPrice:  dec(t, stop),
		Detector:   "manual",
		At:         time.Now().UTC(),
	}
}

func tick(t *testing.T, symbol, price string) domain.Tick {
	t.Helper()
	return domain.Tick{Symbol: symbol, Price: dec(t, price), At: time.Now().UTC()}
}

// enter drives a position through signal → fill at the signal entry price.
func enter(t *testing.T, e *Engine, p *domain.Position, entry, stop string) *domain.Position {
	t.Helper()
	sig := testSignal(t, p, entry, stop)
	d, err := e.DecideEntry(p, sig)
	if err != nil {
		t.Fatal(err)
	}
	order := d.Actions[0].(PlaceEntryOrder)
	d2, err := e.ApplyEntryFill(d.Updated, order.OrderID, dec(t, entry), order.Quantity, decimal.Decimal{}, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	return d2.Updated
}

func TestDecideEntry(t *testing.T) {
	e := testEngine(t)
	p := domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong)

	d, err := e.DecideEntry(p, testSignal(t, p, "95000", "93500"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Updated.State != domain.StateEntering {
		t.Fatalf("state = %q, want entering", d.Updated.State)
	}
	if len(d.Actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(d.Actions))
	}
	order, ok := d.Actions[0].(PlaceEntryOrder)
	if !ok {
		t.Fatalf("action = %T, want PlaceEntryOrder", d.Actions[0])
	}
	if !order.Quantity.Equal(dec(t, "0.0666")) {
		t.Errorf("quantity = %s, want 0.0666", order.Quantity)
	}
	if order.Side != domain.OrderSideBuy {
		t.Errorf("side = %q, want buy", order.Side)
	}
	if order.ClientToken != d.Updated.Entering.SignalID.String() {
		t.Error("client token is not the signal id")
	}
	if p.State != domain.StateArmed {
		t.Error("input position was mutated")
	}
}

func TestDecideEntryDuplicateSignal(t *testing.T) {
	e := testEngine(t)
	p := domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong)
	sig := testSignal(t, p, "95000", "93500")

	d, err := e.DecideEntry(p, sig)
	if err != nil {
		t.Fatal(err)
	}

	// Redelivery of the same signal to the now-Entering position is a no-op:
	// no second order, no event.
	d2, err := e.DecideEntry(d.Updated, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !d2.NoOp() {
		t.Fatalf("duplicate signal produced actions=%d events=%d", len(d2.Actions), len(d2.Events))
	}
}

func TestDecideEntryWrongState(t *testing.T) {
	e := testEngine(t)
	p := enter(t, e, domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong), "95000", "93500")

	// A fresh signal against an Active position is rejected with an event,
	// not an error.
	d, err := e.DecideEntry(p, testSignal(t, p, "95500", "94000"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Updated != nil || len(d.Actions) != 0 {
		t.Error("rejected signal should not update or act")
	}
	if len(d.Events) != 1 || d.Events[0].Type != domain.EventSignalRejected {
		t.Fatalf("want one signal_rejected event, got %v", d.Events)
	}
}

func TestDecideEntryBandRejected(t *testing.T) {
	e := testEngine(t)
	p := domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong)
	_, err := e.DecideEntry(p, testSignal(t, p, "100000", "99950"))
	if !errors.Is(err, domain.ErrInvalidStopDistance) {
		t.Fatalf("got %v, want ErrInvalidStopDistance", err)
	}
}

func TestProcessTickTrailing(t *testing.T) {
	e := testEngine(t)
	p := enter(t, e, domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong), "95000", "93500")

	// New peak at 96000 lifts the stop to 94500.
	d, err := e.ProcessTick(p, tick(t, "BTCUSDT", "96000"))
	if err != nil {
		t.Fatal(err)
	}
	p = d.Updated
	if !p.Active.TrailingStop.Equal(dec(t, "94500")) {
		t.Fatalf("stop = %s, want 94500", p.Active.TrailingStop)
	}
	if len(d.Events) != 1 || d.Events[0].Type != domain.EventTrailingStopUpdated {
		t.Fatal("want one trailing_stop_updated event")
	}

	// Retreat to 95500: no stop change, price still marked.
	d, err = e.ProcessTick(p, tick(t, "BTCUSDT", "95500"))
	if err != nil {
		t.Fatal(err)
	}
	p = d.Updated
	if !p.Active.TrailingStop.Equal(dec(t, "94500")) {
		t.Fatalf("stop moved on retreat: %s", p.Active.TrailingStop)
	}
	if !p.Active.CurrentPrice.Equal(dec(t, "95500")) {
		t.Error("current price not marked")
	}
	if len(d.Events) != 0 {
		t.Error("retreat should not emit events")
	}

	// Same peak again: no duplicate stop event.
	d, err = e.ProcessTick(p, tick(t, "BTCUSDT", "96000"))
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Events) != 0 {
		t.Error("repeat peak should not re-emit the stop")
	}
}

func TestProcessTickMonotonicOverSequence(t *testing.T) {
	e := testEngine(t)
	p := enter(t, e, domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong), "95000", "93500")

	prices := []string{"95200", "96000", "95100", "97000", "96200", "98000", "97500"}
	last := p.Active.TrailingStop
	for _, px := range prices {
		d, err := e.ProcessTick(p, tick(t, "BTCUSDT", px))
		if err != nil {
			t.Fatal(err)
		}
		if d.Updated != nil {
			p = d.Updated
		}
		if p.State != domain.StateActive {
			t.Fatalf("position left active at price %s", px)
		}
		if p.Active.TrailingStop.LessThan(last) {
			t.Fatalf("stop decreased from %s to %s at price %s", last, p.Active.TrailingStop, px)
		}
		last = p.Active.TrailingStop
	}
	// Peak 98000 − 1500 = 96500.
	if !last.Equal(dec(t, "96500")) {
		t.Errorf("final stop = %s, want 96500", last)
	}
}

// Price runs to 96000 (stop 94500) and then gaps to 94400: exactly one
// ExitTriggered, carrying the stop it crossed.
func TestProcessTickExit(t *testing.T) {
	e := testEngine(t)
	p := enter(t, e, domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong), "95000", "93500")

	d, err := e.ProcessTick(p, tick(t, "BTCUSDT", "96000"))
	if err != nil {
		t.Fatal(err)
	}
	p = d.Updated

	d, err = e.ProcessTick(p, tick(t, "BTCUSDT", "94400"))
	if err != nil {
		t.Fatal(err)
	}
	p = d.Updated
	if p.State != domain.StateExiting {
		t.Fatalf("state = %q, want exiting", p.State)
	}

	var triggers int
	for _, ev := range d.Events {
		if ev.Type == domain.EventExitTriggered {
			triggers++
		}
	}
	if triggers != 1 {
		t.Fatalf("exit_triggered events = %d, want 1", triggers)
	}
	order, ok := d.Actions[0].(PlaceExitOrder)
	if !ok {
		t.Fatalf("action = %T, want PlaceExitOrder", d.Actions[0])
	}
	if order.Side != domain.OrderSideSell {
		t.Errorf("exit side = %q, want sell", order.Side)
	}
	if order.OrderID != ExitOrderID(p.ID) {
		t.Error("exit order id is not deterministic")
	}

	// Further ticks on the Exiting position are no-ops.
	d, err = e.ProcessTick(p, tick(t, "BTCUSDT", "94000"))
	if err != nil {
		t.Fatal(err)
	}
	if !d.NoOp() {
		t.Error("tick on exiting position should be a no-op")
	}
}

func TestProcessTickWrongSymbol(t *testing.T) {
	e := testEngine(t)
	p := enter(t, e, domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong), "95000", "93500")
	d, err := e.ProcessTick(p, tick(t, "ETHUSDT", "1"))
	if err != nil {
		t.Fatal(err)
	}
	if !d.NoOp() {
		t.Error("tick for another symbol should be a no-op")
	}
}

func TestDecidePanic(t *testing.T) {
	e := testEngine(t)
	p := enter(t, e, domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong), "95000", "93500")

	d, err := e.DecidePanic(p)
	if err != nil {
		t.Fatal(err)
	}
	if d.Updated.State != domain.StateExiting {
		t.Fatalf("state = %q, want exiting", d.Updated.State)
	}
	if d.Updated.Exiting.Reason != domain.ExitReasonUserPanic {
		t.Errorf("reason = %q, want user_panic", d.Updated.Exiting.Reason)
	}
	if d.Events[0].Type != domain.EventPanicRequested {
		t.Error("first event should be panic_requested")
	}

	// Panic on an Armed position is an error: disarm handles that path.
	armed := domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong)
	if _, err := e.DecidePanic(armed); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestApplyExitFillClosesAndRecordsDrawdown(t *testing.T) {
	e := testEngine(t)
	p := enter(t, e, domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong), "95000", "93500")

	d, err := e.ProcessTick(p, tick(t, "BTCUSDT", "93400"))
	if err != nil {
		t.Fatal(err)
	}
	p = d.Updated
	order := d.Actions[0].(PlaceExitOrder)

	d, err = e.ApplyExitFill(p, order.OrderID, dec(t, "93500"), dec(t, "2"), time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	p = d.Updated
	if p.State != domain.StateClosed {
		t.Fatalf("state = %q, want closed", p.State)
	}
	// (93500 − 95000) × 0.0666 = −99.9
	if !p.RealizedPnL.Equal(dec(t, "-99.9")) {
		t.Errorf("pnl = %s, want -99.9", p.RealizedPnL)
	}
	if !e.guard.Drawdown().Equal(dec(t, "-99.9")) {
		t.Errorf("guard drawdown = %s, want -99.9", e.guard.Drawdown())
	}

	var closedEvents int
	for _, ev := range d.Events {
		if ev.Type == domain.EventPositionClosed {
			closedEvents++
		}
	}
	if closedEvents != 1 {
		t.Fatalf("position_closed events = %d, want 1", closedEvents)
	}
}

func TestDrawdownGuardBlocksEntries(t *testing.T) {
	risk, err := domain.NewRiskConfig(dec(t, "10000"), dec(t, "1"), dec(t, "2"))
	if err != nil {
		t.Fatal(err)
	}
	guard := NewDrawdownGuard(risk)
	e := New(risk, domain.DefaultSizingLimits(), guard)

	// Limit is 2% of 10k = 200.
	guard.RecordRealized(dec(t, "-250"))

	p := domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong)
	if _, err := e.DecideEntry(p, testSignal(t, p, "95000", "93500")); !errors.Is(err, domain.ErrPositionSizing) {
		t.Fatalf("got %v, want ErrPositionSizing", err)
	}
}

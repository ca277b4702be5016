package detector

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tiller/internal/domain"
)

// Compile-time interface check.
var _ Detector = (*Breakout)(nil)

// Breakout fires when price crosses a trigger level in the position's
// direction: above the trigger for longs, below it for shorts. The stop price
// is the chart level whose violation invalidates the setup. Fires at most
// once; the signal id is fixed at construction so redelivery is harmless.
type Breakout struct {
	mu       sync.Mutex
	position *domain.Position
	trigger  decimal.Decimal
	stop     decimal.Decimal
	signalID uuid.UUID
	fired    bool
}

// NewBreakout builds a breakout detector from params. Required params:
// "trigger" (entry level) and "stop" (invalidation level).
func NewBreakout(pos *domain.Position, params map[string]string) (Detector, error) {
	trigger, err := decimal.NewFromString(params["trigger"])
	if err != nil || trigger.Sign() <= 0 {
		return nil, fmt.Errorf("breakout: bad trigger %q", params["trigger"])
	}
	stop, err := decimal.NewFromString(params["stop"])
	if err != nil || stop.Sign() <= 0 {
		return nil, fmt.Errorf("breakout: bad stop %q", params["stop"])
	}
	// Reject setups whose stop sits on the wrong side up front, before any
	// tick arrives.
	if _, err := domain.NewStopDistance(trigger, stop, pos.Side); err != nil {
		return nil, fmt.Errorf("breakout: %w", err)
	}
	return &Breakout{
		position: pos,
		trigger:  trigger,
		stop:     stop,
		signalID: domain.NewID(),
	}, nil
}

// Name returns "breakout".
func (b *Breakout) Name() string { return "breakout" }

// OnTick fires the entry signal when price crosses the trigger level.
func (b *Breakout) OnTick(_ context.Context, tick domain.Tick) (*domain.Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fired || tick.Symbol != b.position.Symbol {
		return nil, nil
	}

	crossed := tick.Price.GreaterThanOrEqual(b.trigger)
	if b.position.Side == domain.SideShort {
		crossed = tick.Price.LessThanOrEqual(b.trigger)
	}
	if !crossed {
		return nil, nil
	}

	b.fired = true
	return &domain.Signal{
		ID:         b.signalID,
		PositionID: b.position.ID,
		Symbol:     b.position.Symbol,
		Side:       b.position.Side,
		EntryPrice: tick.Price,
		StopPrice:  b.stop,
		Detector:   b.Name(),
		At:         tick.At,
	}, nil
}

package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Stop distance percentage band. Distances outside the band are rejected,
// never clamped: a stop tighter than 0.1% is noise, a stop wider than 10%
// means the entry is too far from its invalidation level to trade.
var (
	minStopDistancePct = decimal.RequireFromString("0.1")
	maxStopDistancePct = decimal.NewFromInt(10)
)

// StopDistance is the distance between an entry price and its technical
// invalidation (stop) price. It is the basis for position sizing and the
// anchor for the trailing stop: as price moves favorably the stop trails at
// exactly this distance from the best price seen.
type StopDistance struct {
	// Distance is the absolute gap in quote currency.
	Distance decimal.Decimal `json:"distance"`
	// DistancePct is the gap as a percentage of the entry price.
	DistancePct decimal.Decimal `json:"distance_pct"`
	// EntryPrice is the reference entry price.
	EntryPrice decimal.Decimal `json:"entry_price"`
	// InitialStop is the chart-derived invalidation price.
	InitialStop decimal.Decimal `json:"initial_stop"`
}

// NewStopDistance builds a StopDistance from an entry and stop price,
// enforcing the side-aware hard invariants: the distance must be positive and
// the stop must sit on the losing side of the entry (below for longs, above
// for shorts). The percentage band is checked separately via Validate, since
// it is a sizing policy rather than a structural invariant.
func NewStopDistance(entry, stop decimal.Decimal, side Side) (StopDistance, error) {
	if entry.Sign() <= 0 {
		return StopDistance{}, fmt.Errorf("%w: entry price must be positive, got %s", ErrInvalidPrice, entry)
	}
	if stop.Sign() <= 0 {
		return StopDistance{}, fmt.Errorf("%w: stop price must be positive, got %s", ErrInvalidPrice, stop)
	}

	distance := entry.Sub(stop).Abs()
	if distance.Sign() <= 0 {
		return StopDistance{}, fmt.Errorf("%w: stop cannot equal entry price", ErrInvalidStopDistance)
	}

	switch side {
	case SideLong:
		if stop.GreaterThanOrEqual(entry) {
			return StopDistance{}, fmt.Errorf("%w: long requires stop below entry (entry=%s stop=%s)",
				ErrInvalidStopDistance, entry, stop)
		}
	case SideShort:
		if stop.LessThanOrEqual(entry) {
			return StopDistance{}, fmt.Errorf("%w: short requires stop above entry (entry=%s stop=%s)",
				ErrInvalidStopDistance, entry, stop)
		}
	default:
		return StopDistance{}, fmt.Errorf("%w: unknown side %q", ErrInvalidStopDistance, side)
	}

	return StopDistance{
		Distance:    distance,
		DistancePct: distance.Div(entry).Mul(decimal.NewFromInt(100)),
		EntryPrice:  entry,
		InitialStop: stop,
	}, nil
}

// Validate checks the percentage band (0.1% to 10% of entry price).
func (d StopDistance) Validate() error {
	if d.Distance.Sign() <= 0 {
		return fmt.Errorf("%w: distance must be positive", ErrInvalidStopDistance)
	}
	if d.DistancePct.GreaterThan(maxStopDistancePct) {
		return fmt.Errorf("%w: stop too wide (%s%% > %s%%)", ErrInvalidStopDistance, d.DistancePct, maxStopDistancePct)
	}
	if d.DistancePct.LessThan(minStopDistancePct) {
		return fmt.Errorf("%w: stop too tight (%s%% < %s%%)", ErrInvalidStopDistance, d.DistancePct, minStopDistancePct)
	}
	return nil
}

// TrailingStopLong returns the trailing stop for a long given the peak price
// seen since entry. The stop never trails below the initial invalidation
// level: if the peak dips under the entry the stop stays put.
func (d StopDistance) TrailingStopLong(peak decimal.Decimal) decimal.Decimal {
	stop := peak.Sub(d.Distance)
	if stop.LessThan(d.InitialStop) {
		return d.InitialStop
	}
	return stop
}

// TrailingStopShort returns the trailing stop for a short given the lowest
// price seen since entry. The stop never trails above the initial
// invalidation level.
func (d StopDistance) TrailingStopShort(trough decimal.Decimal) decimal.Decimal {
	stop := trough.Add(d.Distance)
	if stop.GreaterThan(d.InitialStop) {
		return d.InitialStop
	}
	return stop
}

// Crossed reports whether price has crossed the given trailing stop in the
// losing direction for the side: at-or-below for longs, at-or-above for shorts.
func Crossed(side Side, price, trailingStop decimal.Decimal) bool {
	if side == SideShort {
		return price.GreaterThanOrEqual(trailingStop)
	}
	return price.LessThanOrEqual(trailingStop)
}

// MoreFavorable reports whether candidate is a strictly better stop than
// current for the side: higher for longs, lower for shorts.
func MoreFavorable(side Side, candidate, current decimal.Decimal) bool {
	if side == SideShort {
		return candidate.LessThan(current)
	}
	return candidate.GreaterThan(current)
}

package domain

import "errors"

// Domain error classes. Each invalid input is rejected with one of these
// sentinels (wrapped with context via fmt.Errorf and %w); the triggering
// entity is left unchanged. Callers classify with errors.Is.
var (
	// ErrInvalidTransition is returned when a state-machine transition is not
	// allowed from the position's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidStopDistance is returned when a technical stop distance
	// violates its construction invariants or the percentage band.
	ErrInvalidStopDistance = errors.New("invalid stop distance")

	// ErrInvalidRiskConfig is returned for a non-positive capital or an
	// out-of-range risk percentage.
	ErrInvalidRiskConfig = errors.New("invalid risk config")

	// ErrPositionSizing is returned when the golden-rule size rounds to zero
	// or its notional falls outside the exchange bounds.
	ErrPositionSizing = errors.New("position sizing failed")

	// ErrInvalidSignal is returned when a detector signal does not match the
	// position it targets.
	ErrInvalidSignal = errors.New("invalid signal")

	// ErrInvalidPrice is returned for a zero or negative price.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrInvalidQuantity is returned for a zero or negative quantity.
	ErrInvalidQuantity = errors.New("invalid quantity")
)

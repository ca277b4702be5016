// Package marketdata delivers live price ticks to the daemon. Implementations
// own their transport; consumers see a plain tick channel.
package marketdata

import (
	"context"

	"tiller/internal/domain"
)

// Stream is a live source of price ticks for a set of symbols.
type Stream interface {
	// Ticks returns the channel ticks are delivered on. The channel is
	// closed when Run returns.
	Ticks() <-chan domain.Tick

	// Run connects and pumps ticks until the context is cancelled. Transport
	// failures are handled internally by reconnecting; Run only returns on
	// cancellation or an unrecoverable setup error.
	Run(ctx context.Context) error
}

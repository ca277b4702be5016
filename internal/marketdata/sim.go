package marketdata

import (
	"context"

	"tiller/internal/domain"
)

// Compile-time interface check.
var _ Stream = (*SimStream)(nil)

// SimStream is an in-process tick source for paper trading and tests.
type SimStream struct {
	ticks chan domain.Tick
}

// NewSimStream creates a simulated stream.
func NewSimStream() *SimStream {
	return &SimStream{ticks: make(chan domain.Tick, 256)}
}

// Ticks returns the tick channel.
func (s *SimStream) Ticks() <-chan domain.Tick { return s.ticks }

// Push delivers a tick to consumers.
func (s *SimStream) Push(tick domain.Tick) {
	s.ticks <- tick
}

// Run blocks until the context is cancelled.
func (s *SimStream) Run(ctx context.Context) error {
	<-ctx.Done()
	close(s.ticks)
	return ctx.Err()
}

// Package detector defines the Detector interface for entry triggers and
// provides a Registry for managing multiple detector implementations.
package detector

import (
	"context"
	"sort"

	"tiller/internal/domain"
)

// Detector watches market data for a position's entry condition. A detector
// is bound to one armed position; once it fires, the signal id it produced
// stays stable so redelivery cannot open a second position.
type Detector interface {
	// Name returns the unique identifier for this detector type.
	Name() string

	// OnTick is called for every price tick of the position's symbol. It
	// returns a signal when the entry condition is met, or nil.
	OnTick(ctx context.Context, tick domain.Tick) (*domain.Signal, error)
}

// Factory builds a detector bound to a position from its parameters.
type Factory func(pos *domain.Position, params map[string]string) (Detector, error)

// Registry holds named detector factories for lookup and enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty detector Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory to the registry under the given name.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Get retrieves a factory by name. The second return value indicates whether
// it was found.
func (r *Registry) Get(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

// List returns a sorted slice of all registered detector names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

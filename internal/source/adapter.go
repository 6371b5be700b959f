// Package source defines the listing-source capability consumed by the
// worker pool, the error classification every adapter result goes through,
// and the adapters shipped with the service.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/listing-extractor/internal/domain"
)

// RawImage is one candidate image returned by a source
type RawImage struct {
	URL         string
	Data        []byte
	ContentType string
}

// Adapter fetches the candidate images for one property from one source.
// Errors should be *FetchError; anything else is passed through Classify.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, propertyID string) ([]RawImage, error)
}

// Registry holds the configured adapters and their dedup priorities
type Registry struct {
	mu         sync.RWMutex
	adapters   map[string]Adapter
	priorities map[string]int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		adapters:   make(map[string]Adapter),
		priorities: make(map[string]int),
	}
}

// Register adds an adapter under its name
func (r *Registry) Register(a Adapter, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if name == "" {
		return fmt.Errorf("adapter name is required")
	}
	if _, ok := r.adapters[name]; ok {
		return fmt.Errorf("adapter %s already registered", name)
	}
	r.adapters[name] = a
	r.priorities[name] = priority
	return nil
}

// Get returns the adapter for a source
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSource, name)
	}
	return a, nil
}

// Has reports whether a source is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

// Names returns the registered source names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Priorities returns a copy of the source priority table
func (r *Registry) Priorities() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.priorities))
	for k, v := range r.priorities {
		out[k] = v
	}
	return out
}

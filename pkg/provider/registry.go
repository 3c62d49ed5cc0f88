package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quatton/qbench/pkg/fleet"
)

// Registry holds the providers available to an orchestration.
type Registry struct {
	mu        sync.RWMutex
	providers map[fleet.ProviderKind]Provider
}

// NewRegistry creates a registry holding ps.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[fleet.ProviderKind]Provider)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the provider for its kind.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Kind()] = p
}

// Resolve returns the provider for kind.
func (r *Registry) Resolve(kind fleet.ProviderKind) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", kind)
	}
	return p, nil
}

// Kinds lists registered provider kinds, sorted.
func (r *Registry) Kinds() []fleet.ProviderKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]fleet.ProviderKind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

package service

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/robot-control/roc/internal/adapter"
)

// Registry errors.
var (
	// ErrDuplicateCapability indicates a (brand, capability) pair is already registered.
	ErrDuplicateCapability = errors.New("DUPLICATE_CAPABILITY")

	// ErrNotFound indicates no adapter is registered for the requested brand.
	ErrNotFound = errors.New("NOT_FOUND")
)

// Registry holds adapter descriptors keyed by vendor brand and capability.
// Writes are serialized; reads run concurrently.
type Registry struct {
	mu sync.RWMutex

	// brand -> descriptor
	descriptors map[string]adapter.Descriptor

	// capability -> brands advertising it
	byCapability map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors:  make(map[string]adapter.Descriptor),
		byCapability: make(map[string][]string),
	}
}

// Register stores a descriptor. An empty brand is rejected with
// adapter.ErrInvalidParameter; an already-present (brand, capability) pair
// fails with ErrDuplicateCapability. Descriptors are immutable after
// registration.
func (r *Registry) Register(desc adapter.Descriptor) error {
	if desc.Brand == "" {
		return fmt.Errorf("%w: descriptor brand must be non-empty", adapter.ErrInvalidParameter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.descriptors[desc.Brand]; ok {
		for _, cap := range desc.Capabilities {
			if existing.Advertises(cap) {
				return fmt.Errorf("%w: %s/%s", ErrDuplicateCapability, desc.Brand, cap)
			}
		}
		// Same brand re-registering a disjoint capability set still collides on
		// the brand key; descriptors are write-once.
		return fmt.Errorf("%w: brand %s already registered", ErrDuplicateCapability, desc.Brand)
	}

	// Descriptors are write-once; copy so callers cannot mutate the stored one.
	stored := adapter.Descriptor{
		Brand:        desc.Brand,
		Capabilities: append([]string(nil), desc.Capabilities...),
		Version:      desc.Version,
	}
	r.descriptors[desc.Brand] = stored

	for _, cap := range stored.Capabilities {
		r.byCapability[cap] = append(r.byCapability[cap], desc.Brand)
	}

	return nil
}

// Lookup returns the descriptor registered for the brand.
func (r *Registry) Lookup(brand string) (adapter.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.descriptors[brand]
	if !ok {
		return adapter.Descriptor{}, fmt.Errorf("%w: brand %s", ErrNotFound, brand)
	}
	return desc, nil
}

// QueryCapability returns every descriptor advertising the named capability,
// sorted by brand. Used by the pre-exec guard to detect capability drift before
// a call is attempted.
func (r *Registry) QueryCapability(name string) []adapter.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	brands := r.byCapability[name]
	out := make([]adapter.Descriptor, 0, len(brands))
	for _, b := range brands {
		out = append(out, r.descriptors[b])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Brand < out[j].Brand })
	return out
}

// Brands returns all registered brands, sorted.
func (r *Registry) Brands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.descriptors))
	for b := range r.descriptors {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

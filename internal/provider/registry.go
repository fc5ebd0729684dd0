package provider

import (
	"slices"
	"sync"

	"github.com/rotisserie/eris"
)

// Entry is a registered adapter and the number of quota calls one entity
// costs it.
type Entry struct {
	Adapter        Adapter
	CallsPerEntity int
}

// Name returns the adapter name.
func (e Entry) Name() string { return e.Adapter.Name() }

// Registry holds the enabled adapters.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds an adapter. callsPerEntity below 1 is stored as 1.
func (r *Registry) Register(a Adapter, callsPerEntity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[a.Name()]; ok {
		return eris.Errorf("provider: %s already registered", a.Name())
	}
	r.entries[a.Name()] = Entry{Adapter: a, CallsPerEntity: max(callsPerEntity, 1)}
	return nil
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Ordered returns the registered adapters with the names in priority first,
// in that order, followed by any others sorted by name. Unknown names in
// priority are ignored.
func (r *Registry) Ordered(priority []string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	seen := make(map[string]bool, len(r.entries))
	for _, name := range priority {
		if e, ok := r.entries[name]; ok && !seen[name] {
			out = append(out, e)
			seen[name] = true
		}
	}
	var rest []string
	for name := range r.entries {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	for _, name := range rest {
		out = append(out, r.entries[name])
	}
	return out
}

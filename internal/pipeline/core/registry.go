package core

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the process-wide processor set. Registration happens at
// startup; the registry freezes on first execution so cached stack IO
// sets stay valid for the life of the process. The generation counter
// invalidates those caches if the set changes before the freeze.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
	generation uint64
	frozen     bool
}

// NewRegistry creates an empty processor registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// Register adds a processor. Duplicate ids and post-freeze registration
// are rejected.
func (r *Registry) Register(p Processor) error {
	if p == nil || p.ID() == "" {
		return NewError(KindValidation, "registry", "processor must have a non-empty id", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: cannot register %q", ErrRegistryFrozen, p.ID())
	}
	if _, exists := r.processors[p.ID()]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateProcessor, p.ID())
	}
	r.processors[p.ID()] = p
	r.generation++
	return nil
}

// MustRegister registers or panics. Used by package-level wiring where a
// duplicate is a programming error.
func (r *Registry) MustRegister(p Processor) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Get returns the processor for id.
func (r *Registry) Get(id string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProcessorNotFound, id)
	}
	return p, nil
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.processors))
	for id := range r.processors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Generation returns the registration generation. IO-set caches key on
// this to detect a changed processor set.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Freeze locks the registry against further registration. The executor
// calls this before the first run.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Clear resets the registry to empty and unfrozen. Test helper.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.processors = make(map[string]Processor)
	r.generation++
	r.frozen = false
	r.mu.Unlock()
}

// DefaultRegistry is the process-wide registry populated by processor
// packages at init time.
var DefaultRegistry = NewRegistry()

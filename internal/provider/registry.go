// Package provider holds the typed registry of external AI and imaging
// backends. Implementations register at startup under a kind; selection
// resolves an explicit id, an active A/B test, or the kind's default, in
// that order.
package provider

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
)

// Kind identifies a provider capability slot.
type Kind string

const (
	KindBackgroundRemoval Kind = "background_removal"
	KindImageTransform    Kind = "image_transform"
	KindClassification    Kind = "classification"
	KindCommercialImage   Kind = "commercial_image"
	KindProductExtraction Kind = "product_extraction"
	KindVideoExtraction   Kind = "video_extraction"
	KindUnifiedAnalyzer   Kind = "unified_analyzer"
	KindUpscaler          Kind = "upscaler"
	KindTranscriber       Kind = "transcriber"
)

// Kinds lists every capability slot.
var Kinds = []Kind{
	KindBackgroundRemoval, KindImageTransform, KindClassification,
	KindCommercialImage, KindProductExtraction, KindVideoExtraction,
	KindUnifiedAnalyzer, KindUpscaler, KindTranscriber,
}

// Provider is the minimal surface every implementation exposes. The
// concrete method contracts live on the per-kind interfaces; callers
// type-assert the selection result to the interface they need.
type Provider interface {
	// ProviderID returns the registry id, unique within a kind.
	ProviderID() string

	// IsAvailable reports whether the implementation is usable with the
	// current configuration (keys present, binary found). Selection
	// does not consult this; listing does.
	IsAvailable() bool
}

// ABTest binds two registered implementations of one kind with a
// traffic split. SplitPercent is the share routed to VariantA.
type ABTest struct {
	ID           string
	VariantA     string
	VariantB     string
	SplitPercent int
}

// Selection is the result of a registry lookup.
type Selection struct {
	Provider   Provider
	ProviderID string
	ABTestID   string
	Variant    string // "a" or "b" when an A/B test routed the call
}

// snapshot is the immutable published state. Mutations build a new
// snapshot and swap the pointer, so selection on the hot path never
// takes a lock.
type snapshot struct {
	providers map[Kind]map[string]Provider
	defaults  map[Kind]string
	abTests   map[Kind]ABTest
}

func emptySnapshot() *snapshot {
	return &snapshot{
		providers: make(map[Kind]map[string]Provider),
		defaults:  make(map[Kind]string),
		abTests:   make(map[Kind]ABTest),
	}
}

func (s *snapshot) clone() *snapshot {
	out := emptySnapshot()
	for kind, m := range s.providers {
		cp := make(map[string]Provider, len(m))
		for id, p := range m {
			cp[id] = p
		}
		out.providers[kind] = cp
	}
	for k, v := range s.defaults {
		out.defaults[k] = v
	}
	for k, v := range s.abTests {
		out.abTests[k] = v
	}
	return out
}

// Registry is the process-wide provider registry. Reads go through an
// atomically published snapshot; writes serialize on a mutex and are
// administrative operations, never on the job hot path.
type Registry struct {
	mu    sync.Mutex
	state atomic.Pointer[snapshot]
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.state.Store(emptySnapshot())
	return r
}

// Register adds an implementation under kind. The first registration
// for a kind becomes the default.
func (r *Registry) Register(kind Kind, p Provider) error {
	if p == nil || p.ProviderID() == "" {
		return fmt.Errorf("provider must have a non-empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.state.Load().clone()

	byID := next.providers[kind]
	if byID == nil {
		byID = make(map[string]Provider)
		next.providers[kind] = byID
	}
	if _, exists := byID[p.ProviderID()]; exists {
		return fmt.Errorf("provider %q already registered for kind %s", p.ProviderID(), kind)
	}
	byID[p.ProviderID()] = p
	if _, ok := next.defaults[kind]; !ok {
		next.defaults[kind] = p.ProviderID()
	}

	r.state.Store(next)
	return nil
}

// SetDefault changes the default implementation for kind.
func (r *Registry) SetDefault(kind Kind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.state.Load().clone()

	if _, ok := next.providers[kind][id]; !ok {
		return fmt.Errorf("provider %q not registered for kind %s", id, kind)
	}
	next.defaults[kind] = id
	r.state.Store(next)
	return nil
}

// SetABTest installs an A/B test for kind. Both variants must be
// registered and the split must be a percentage.
func (r *Registry) SetABTest(kind Kind, test ABTest) error {
	if test.SplitPercent < 0 || test.SplitPercent > 100 {
		return fmt.Errorf("ab test split must be 0-100, got %d", test.SplitPercent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.state.Load().clone()

	byID := next.providers[kind]
	if _, ok := byID[test.VariantA]; !ok {
		return fmt.Errorf("ab test variant a %q not registered for kind %s", test.VariantA, kind)
	}
	if _, ok := byID[test.VariantB]; !ok {
		return fmt.Errorf("ab test variant b %q not registered for kind %s", test.VariantB, kind)
	}
	next.abTests[kind] = test
	r.state.Store(next)
	return nil
}

// ClearABTest removes the A/B test for kind, if any.
func (r *Registry) ClearABTest(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.state.Load().clone()
	delete(next.abTests, kind)
	r.state.Store(next)
}

// Get resolves an implementation for kind.
//
// Explicit ids win and fail hard when absent. Otherwise an active A/B
// test with a seed routes deterministically: the same seed always lands
// on the same variant. With neither, the default is returned.
func (r *Registry) Get(kind Kind, explicitID, seed string) (Selection, error) {
	s := r.state.Load()
	byID := s.providers[kind]
	if len(byID) == 0 {
		return Selection{}, fmt.Errorf("no providers registered for kind %s", kind)
	}

	if explicitID != "" {
		p, ok := byID[explicitID]
		if !ok {
			return Selection{}, fmt.Errorf("provider %q not registered for kind %s", explicitID, kind)
		}
		return Selection{Provider: p, ProviderID: explicitID}, nil
	}

	if test, ok := s.abTests[kind]; ok && seed != "" {
		id, variant := test.pick(seed)
		p, ok := byID[id]
		if !ok {
			return Selection{}, fmt.Errorf("ab test %q references unregistered provider %q", test.ID, id)
		}
		return Selection{Provider: p, ProviderID: id, ABTestID: test.ID, Variant: variant}, nil
	}

	defaultID := s.defaults[kind]
	p, ok := byID[defaultID]
	if !ok {
		return Selection{}, fmt.Errorf("no default provider for kind %s", kind)
	}
	return Selection{Provider: p, ProviderID: defaultID}, nil
}

// pick routes a seed to a variant with a stable 32-bit FNV-1a hash so
// redelivered jobs land on the same implementation.
func (t ABTest) pick(seed string) (id, variant string) {
	h := fnv.New32a()
	h.Write([]byte(seed))
	if int(h.Sum32()%100) < t.SplitPercent {
		return t.VariantA, "a"
	}
	return t.VariantB, "b"
}

// List returns the available implementations for kind, sorted by id.
// Unavailable implementations are filtered out.
func (r *Registry) List(kind Kind) []Provider {
	s := r.state.Load()
	var out []Provider
	for _, p := range s.providers[kind] {
		if p.IsAvailable() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID() < out[j].ProviderID() })
	return out
}

// Resolve adapts the registry to the pipeline core's ProviderSource.
func (r *Registry) Resolve(kind string, explicitID string, seed string) (any, string, error) {
	sel, err := r.Get(Kind(kind), explicitID, seed)
	if err != nil {
		return nil, "", err
	}
	return sel.Provider, sel.ProviderID, nil
}

// DefaultRegistry is the process-wide registry populated at startup.
var DefaultRegistry = NewRegistry()

package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/voronkovm/authpipe/internal/store"
)

// Loader fetches one resource record by identifier.
//
// Absence is reported with an error matching ErrNotFound. Any other
// error is an infrastructure fault: the caller cannot tell whether the
// record exists, so the request must fail rather than be answered.
type Loader interface {
	Load(ctx context.Context, key string) (map[string]interface{}, error)
}

// storeLoader loads records from one collection of a document store.
type storeLoader struct {
	store      store.Store
	collection string
}

// NewStoreLoader creates a loader backed by a store collection.
func NewStoreLoader(st store.Store, collection string) Loader {
	return &storeLoader{store: st, collection: collection}
}

// Load implements the Loader interface.
func (l *storeLoader) Load(ctx context.Context, key string) (map[string]interface{}, error) {
	doc, err := l.store.Get(ctx, l.collection, key)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load from collection %q: %w", l.collection, err)
	}
	return doc, nil
}

// staticLoader serves records from a fixed in-memory map. It backs
// config-declared fixtures and tests.
type staticLoader struct {
	records map[string]map[string]interface{}
}

// NewStaticLoader creates a loader over a fixed set of records keyed by
// identifier.
func NewStaticLoader(records map[string]map[string]interface{}) Loader {
	if records == nil {
		records = make(map[string]map[string]interface{})
	}
	return &staticLoader{records: records}
}

// Load implements the Loader interface.
func (l *staticLoader) Load(_ context.Context, key string) (map[string]interface{}, error) {
	record, ok := l.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return record, nil
}

// Registry holds the named loaders routes may reference.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewRegistry creates an empty loader registry.
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]Loader)}
}

// Register adds a named loader. Names are unique.
func (r *Registry) Register(name string, loader Loader) error {
	if name == "" {
		return fmt.Errorf("loader name is required")
	}
	if loader == nil {
		return fmt.Errorf("loader %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.loaders[name]; exists {
		return fmt.Errorf("loader already registered: %s", name)
	}
	r.loaders[name] = loader
	return nil
}

// Get returns a loader by name.
func (r *Registry) Get(name string) (Loader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	loader, exists := r.loaders[name]
	return loader, exists
}

// Names returns the registered loader names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.loaders))
	for name := range r.loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

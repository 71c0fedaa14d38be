package store

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/voronkovm/authpipe/internal/observability"
)

// Memory store defaults.
const (
	defaultMaxEntries      = 10000
	defaultCleanupInterval = time.Minute
)

// memoryStore is an in-memory LRU store with per-entry TTL. Intended
// for development setups and for seeding tests; production resource
// data belongs in redis or postgres.
type memoryStore struct {
	logger     observability.Logger
	maxEntries int

	mu       sync.RWMutex
	items    map[string]*list.Element
	eviction *list.List

	stopCh   chan struct{}
	stopOnce sync.Once
}

// memoryEntry is one stored record.
type memoryEntry struct {
	key       string
	doc       Document
	expiresAt time.Time
}

// MemoryOption is a functional option for the memory store.
type MemoryOption func(*memoryStore)

// WithMemoryMaxEntries caps the number of stored records.
func WithMemoryMaxEntries(n int) MemoryOption {
	return func(s *memoryStore) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger observability.Logger) MemoryOption {
	return func(s *memoryStore) {
		s.logger = logger
	}
}

// NewMemory creates a new in-memory store.
func NewMemory(opts ...MemoryOption) Store {
	s := &memoryStore{
		logger:     observability.NopLogger(),
		maxEntries: defaultMaxEntries,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		stopCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.janitor()

	return s
}

// compositeKey builds the internal key.
func compositeKey(collection, key string) string {
	return collection + "/" + key
}

// Get fetches a document.
func (s *memoryStore) Get(ctx context.Context, collection, key string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ck := compositeKey(collection, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[ck]
	if !ok {
		return nil, ErrNotFound
	}

	entry := elem.Value.(*memoryEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.removeElement(elem)
		return nil, ErrNotFound
	}

	s.eviction.MoveToFront(elem)
	return copyDocument(entry.doc), nil
}

// Set writes a document.
func (s *memoryStore) Set(ctx context.Context, collection, key string, doc Document, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ck := compositeKey(collection, key)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[ck]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.doc = copyDocument(doc)
		entry.expiresAt = expiresAt
		s.eviction.MoveToFront(elem)
		return nil
	}

	entry := &memoryEntry{key: ck, doc: copyDocument(doc), expiresAt: expiresAt}
	s.items[ck] = s.eviction.PushFront(entry)

	for len(s.items) > s.maxEntries {
		oldest := s.eviction.Back()
		if oldest == nil {
			break
		}
		s.removeElement(oldest)
	}

	return nil
}

// Delete removes a document.
func (s *memoryStore) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ck := compositeKey(collection, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[ck]; ok {
		s.removeElement(elem)
	}
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *memoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close stops the janitor goroutine.
func (s *memoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	return nil
}

// removeElement removes an entry. Caller holds the lock.
func (s *memoryStore) removeElement(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	delete(s.items, entry.key)
	s.eviction.Remove(elem)
}

// janitor periodically drops expired entries so TTL-heavy workloads do
// not pin memory until the next Get.
func (s *memoryStore) janitor() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dropExpired()
		}
	}
}

// dropExpired removes all expired entries.
func (s *memoryStore) dropExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*list.Element
	for _, elem := range s.items {
		entry := elem.Value.(*memoryEntry)
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			expired = append(expired, elem)
		}
	}
	for _, elem := range expired {
		s.removeElement(elem)
	}

	if len(expired) > 0 {
		s.logger.Debug("dropped expired store entries",
			observability.Int("count", len(expired)),
		)
	}
}

// copyDocument shallow-copies a document so callers cannot alias the
// stored map.
func copyDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// Ensure memoryStore implements Store.
var _ Store = (*memoryStore)(nil)
